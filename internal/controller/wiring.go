package controller

import (
	"context"
	"log/slog"
	"time"

	"TreasuryGuard/internal/emergency"
	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/limits"
	"TreasuryGuard/internal/observability/metrics"
	"TreasuryGuard/internal/reconcile"
	"TreasuryGuard/internal/scheduler"
)

// Schedule 描述周期任务的间隔，0 表示不注册该任务。
type Schedule struct {
	LimitReset    time.Duration
	HighValue     time.Duration
	Full          time.Duration
	Comprehensive time.Duration
	Health        time.Duration
}

// DefaultSchedule 返回默认间隔：限额每分钟检查重置，高价值账户 5 分钟、全量每小时、深度每天对账，健康检查 30 秒。
func DefaultSchedule() Schedule {
	return Schedule{
		LimitReset:    time.Minute,
		HighValue:     5 * time.Minute,
		Full:          time.Hour,
		Comprehensive: 24 * time.Hour,
		Health:        30 * time.Second,
	}
}

// Wire 把调度器与紧急控制器相互连接：进入紧急模式时清空队列与待审批请求，
// 解除时恢复排空循环；同时注册健康检查与周期任务。需在调度器 Run 之前调用。
func (c *Controller) Wire(s *scheduler.Scheduler, schedule Schedule) {
	c.Attach(s)

	c.emergency.AddDrain("execution_queue", s.Discard)
	c.emergency.AddDrain("approvals", c.approvals.CancelAll)
	c.emergency.OnChange(func(state emergency.State) {
		metrics.SetEmergencyActive(state.Active)
		if !state.Active {
			s.Resume()
		}
	})

	c.emergency.AddHealthCheck(emergency.HealthCheck{Name: "limits", Run: c.checkLimits})
	c.emergency.AddHealthCheck(emergency.HealthCheck{Name: "compliance", Run: func(context.Context) error {
		return c.gate.SelfCheck()
	}})
	c.emergency.AddHealthCheck(emergency.HealthCheck{Name: "risk", Run: c.checkRisk})

	s.AddTask(scheduler.Task{Name: "limit_reset", Interval: schedule.LimitReset, Run: func(context.Context) error {
		if reset := c.limits.ResetExpired(c.clock.Now()); len(reset) > 0 {
			c.log.Info("限额窗口已重置", slog.Any("windows", reset))
			c.publishLimits()
		}
		return nil
	}})
	s.AddTask(scheduler.Task{Name: "health_check", Interval: schedule.Health, Run: func(ctx context.Context) error {
		// 未通过的检查由紧急控制器自行切换状态。
		c.emergency.CheckHealth(ctx)
		return nil
	}})
	if c.engine != nil {
		for scope, interval := range map[reconcile.Scope]time.Duration{
			reconcile.ScopeHighValue:     schedule.HighValue,
			reconcile.ScopeFull:          schedule.Full,
			reconcile.ScopeComprehensive: schedule.Comprehensive,
		} {
			scope := scope
			s.AddTask(scheduler.Task{Name: "reconcile_" + string(scope), Interval: interval, Run: func(ctx context.Context) error {
				_, err := c.Reconcile(ctx, scope)
				return err
			}})
		}
	}
}

// Reconcile 执行一次批量对账并记录指标。
func (c *Controller) Reconcile(ctx context.Context, scope reconcile.Scope) (int, error) {
	if c.engine == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "未配置对账引擎")
	}
	results, err := c.engine.Sweep(ctx, scope)
	if err != nil {
		return 0, err
	}
	for _, r := range results {
		if r != nil {
			metrics.ObserveReconciliation(string(r.Status), r.Trigger)
		}
	}
	return len(results), nil
}

// checkLimits 确认窗口累计值未越过上限与暂停阈值。
func (c *Controller) checkLimits(context.Context) error {
	if err := c.limits.Validate(); err != nil {
		return err
	}
	if breaches := c.limits.Breaches(); len(breaches) > 0 {
		b := breaches[0]
		return xerrors.New(xerrors.CodeLimitExceeded, "限额窗口超过暂停阈值",
			xerrors.WithSeverity(xerrors.SeverityCritical),
			xerrors.WithDetail("window", string(b.Window)),
			xerrors.WithDetail("currency", b.Currency),
			xerrors.WithDetail("total", b.Total.String()),
			xerrors.WithDetail("threshold", b.Threshold.String()))
	}
	return nil
}

// checkRisk 确认限额配置自洽：窗口越长上限不应越小，暂停阈值不应高于上限。
func (c *Controller) checkRisk(context.Context) error {
	cfg := c.limits.Config()
	var prev limits.Window
	for _, w := range limits.Windows {
		ceiling := cfg.Ceiling(w)
		if !ceiling.IsPositive() {
			continue
		}
		if prev != "" && ceiling.LessThan(cfg.Ceiling(prev)) {
			return xerrors.New(xerrors.CodeInvalidArgument, "限额上限随窗口变长而减小",
				xerrors.WithDetail("window", string(w)),
				xerrors.WithDetail("previous", string(prev)))
		}
		if pause := cfg.Pause[w]; pause.IsPositive() && pause.GreaterThan(ceiling) {
			return xerrors.New(xerrors.CodeInvalidArgument, "暂停阈值高于限额上限",
				xerrors.WithDetail("window", string(w)))
		}
		prev = w
	}
	return nil
}
