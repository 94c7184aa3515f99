// Package controller 把合规、限额、审批、执行与对账串成单个请求的处理流水线。
package controller

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"TreasuryGuard/internal/approval"
	"TreasuryGuard/internal/clock"
	"TreasuryGuard/internal/compliance"
	"TreasuryGuard/internal/coordination"
	"TreasuryGuard/internal/emergency"
	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/execution"
	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/internal/limits"
	"TreasuryGuard/internal/observability/metrics"
	"TreasuryGuard/internal/reconcile"
	"TreasuryGuard/internal/scheduler"
	"TreasuryGuard/pkg/logger"
)

// Components 汇总流水线依赖的组件。Reconciler 与 Coordinator 可以为空。
type Components struct {
	Repo        ledger.Repository
	Emergency   *emergency.Controller
	Compliance  *compliance.Gate
	Limits      *limits.Tracker
	Approvals   *approval.Coordinator
	Processor   *execution.Processor
	Reconciler  *reconcile.Engine
	Coordinator coordination.Coordinator
}

// Controller 是交易执行的入口，实现 scheduler.Executor。
type Controller struct {
	repo      ledger.Repository
	emergency *emergency.Controller
	gate      *compliance.Gate
	limits    *limits.Tracker
	approvals *approval.Coordinator
	processor *execution.Processor
	engine    *reconcile.Engine
	coord     coordination.Coordinator

	notifyAgent string
	realtime    bool
	clock       clock.Clock
	log         *slog.Logger

	mu    sync.RWMutex
	sched *scheduler.Scheduler
	wg    sync.WaitGroup
}

// Option 定义可选配置。
type Option func(*Controller)

// WithClock 指定时钟。
func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) {
		if c != nil {
			ctl.clock = c
		}
	}
}

// WithCustomerNotifications 在交易完成后把通知交给指定协作方，空值关闭。
func WithCustomerNotifications(agentID string) Option {
	return func(ctl *Controller) { ctl.notifyAgent = agentID }
}

// WithRealtimeReconciliation 控制交易完成后是否立即对涉及的账户对账，默认开启。
func WithRealtimeReconciliation(enabled bool) Option {
	return func(ctl *Controller) { ctl.realtime = enabled }
}

// New 校验组件并创建控制器。
func New(c Components, opts ...Option) (*Controller, error) {
	switch {
	case c.Repo == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "缺少账本仓库")
	case c.Emergency == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "缺少紧急控制器")
	case c.Compliance == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "缺少合规网关")
	case c.Limits == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "缺少限额跟踪器")
	case c.Approvals == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "缺少审批协调器")
	case c.Processor == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "缺少执行处理器")
	}
	ctl := &Controller{
		repo:      c.Repo,
		emergency: c.Emergency,
		gate:      c.Compliance,
		limits:    c.Limits,
		approvals: c.Approvals,
		processor: c.Processor,
		engine:    c.Reconciler,
		coord:     c.Coordinator,
		realtime:  true,
		clock:     clock.Real(),
		log:       logger.Named("controller"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ctl)
		}
	}
	return ctl, nil
}

// ExecuteTransaction 依次执行紧急检查、校验、账户检查、合规、限额、审批与执行。
// 紧急模式下立即失败，不做任何检查也不修改任何状态。
func (c *Controller) ExecuteTransaction(ctx context.Context, req ledger.TransactionRequest) (*ledger.TransactionRecord, error) {
	if err := c.emergency.Guard(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.Currency = ledger.NormalizedCurrency(req.Currency)
	if err := ledger.CheckAccounts(ctx, c.repo, req); err != nil {
		return nil, err
	}
	if err := c.gate.Check(ctx, req); err != nil {
		return nil, err
	}

	reservation, err := c.limits.CheckAndReserve(req.Amount, req.Currency)
	if err != nil {
		logger.Audit().Warn("交易超出限额",
			slog.String("request_id", req.ID),
			slog.String("window", xerrors.DetailOf(err, "window")),
			slog.String("amount", req.Amount.String()),
		)
		return nil, err
	}

	if c.approvals.RequiresApproval(req) {
		approvers, err := c.approvals.CollectApprovals(ctx, req)
		if err != nil {
			c.limits.Release(reservation)
			if guardErr := c.emergency.Guard(); guardErr != nil {
				return nil, guardErr
			}
			return nil, err
		}
		if req.Metadata == nil {
			req.Metadata = map[string]any{}
		}
		req.Metadata["approvers"] = strings.Join(approvers, ",")
	}

	// 审批等待期间可能进入紧急模式。
	if err := c.emergency.Guard(); err != nil {
		c.limits.Release(reservation)
		return nil, err
	}

	record, err := c.processor.Execute(ctx, req)
	if err != nil {
		c.limits.Release(reservation)
		if xerrors.IsCritical(err) {
			c.emergency.Trigger(ctx, emergency.CauseCriticalFailure, err.Error(), "system")
		}
		return record, err
	}
	c.limits.Commit(reservation)
	c.publishLimits()

	if breaches := c.limits.Breaches(); len(breaches) > 0 {
		b := breaches[0]
		c.emergency.Trigger(ctx, emergency.CausePauseThreshold,
			"限额窗口 "+string(b.Window)+" 累计 "+b.Total.String()+" "+b.Currency+" 超过暂停阈值 "+b.Threshold.String(), "system")
	}

	c.afterExecution(ctx, req, record)
	return record, nil
}

// Attach 关联调度器，之后 Submit 才可用。
func (c *Controller) Attach(s *scheduler.Scheduler) {
	c.mu.Lock()
	c.sched = s
	c.mu.Unlock()
}

// Scheduler 返回已关联的调度器。
func (c *Controller) Scheduler() *scheduler.Scheduler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sched
}

// Submit 把请求放入执行队列。
func (c *Controller) Submit(ctx context.Context, req ledger.TransactionRequest) (*scheduler.Outcome, error) {
	s := c.Scheduler()
	if s == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "调度器未启动")
	}
	return s.Submit(ctx, req)
}

// Wait 等待后台的实时对账与通知结束。
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) afterExecution(ctx context.Context, req ledger.TransactionRequest, record *ledger.TransactionRecord) {
	bg := context.WithoutCancel(ctx)
	if c.realtime && c.engine != nil {
		accounts := make([]string, 0, 2)
		for _, id := range []string{record.SourceAccount, record.DestinationAccount} {
			if id != "" {
				accounts = append(accounts, id)
			}
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for _, result := range c.engine.ReconcileAccounts(bg, accounts, reconcile.ScopeRealtime) {
				if result != nil {
					metrics.ObserveReconciliation(string(result.Status), result.Trigger)
				}
			}
		}()
	}

	if c.coord != nil && c.notifyAgent != "" {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			coordination.BestEffort(bg, c.coord, c.notifyAgent, coordination.Request{
				Action:    "transaction_completed",
				Subject:   "交易已完成",
				Message:   record.Amount.String() + " " + record.Currency + " -> " + record.DestinationAccount,
				RequestID: req.ID,
				AccountID: record.SourceAccount,
				Metadata: map[string]string{
					"record_id": record.ID,
					"fee":       record.Fee.String(),
				},
			})
		}()
	}
}

func (c *Controller) publishLimits() {
	for _, state := range c.limits.Snapshot() {
		metrics.SetLimitTotal(string(state.Window), state.Currency, state.Total.InexactFloat64())
	}
}
