// Package emergency 维护进程级的紧急状态：正常与紧急两态，紧急时清空队列并拒绝所有自动执行。
package emergency

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"TreasuryGuard/internal/clock"
	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/guidance"
	"TreasuryGuard/internal/observability/alerting"
	"TreasuryGuard/pkg/logger"
)

// CodeHealthCheckFailed 表示健康检查未通过。
const CodeHealthCheckFailed xerrors.Code = "HEALTH_CHECK_FAILED"

func init() {
	xerrors.Register(CodeHealthCheckFailed, xerrors.Attributes{
		Message:  "health check failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// HealthCheck 是一项周期性检查，返回错误即视为失败。
type HealthCheck struct {
	Name string
	Run  func(ctx context.Context) error
}

// CheckResult 是一次健康检查的结果。
type CheckResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Procedure 是进入紧急模式后执行的升级步骤。
type Procedure interface {
	Name() string
	Run(ctx context.Context, state State) error
}

// Recoverer 可由 Procedure 额外实现，在退出紧急模式时调用。
type Recoverer interface {
	Recover(ctx context.Context, state State) error
}

// Listener 在每次状态切换后被调用。
type Listener func(state State)

// Controller 是紧急模式状态机。
type Controller struct {
	state atomic.Pointer[State]

	clock    clock.Clock
	alerts   alerting.Dispatcher
	advisor  guidance.Advisor
	contacts []string
	log      *slog.Logger

	mu         sync.RWMutex
	checks     []HealthCheck
	procedures []Procedure
	drains     []drain
	listeners  []Listener
	lastReport []CheckResult
	lastRun    time.Time
}

type drain struct {
	name string
	fn   func() int
}

// Option 定义可选配置。
type Option func(*Controller)

// WithClock 注入时钟。
func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) {
		if c != nil {
			ctl.clock = c
		}
	}
}

// WithAlertDispatcher 配置告警派发。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(ctl *Controller) { ctl.alerts = d }
}

// WithAdvisor 配置紧急事件的专家建议来源。
func WithAdvisor(a guidance.Advisor) Option {
	return func(ctl *Controller) { ctl.advisor = a }
}

// WithContacts 设置紧急联系人，随 emergency_activated 告警一并发送。
func WithContacts(contacts ...string) Option {
	return func(ctl *Controller) { ctl.contacts = append(ctl.contacts, contacts...) }
}

// WithHealthCheck 注册健康检查。
func WithHealthCheck(check HealthCheck) Option {
	return func(ctl *Controller) { ctl.AddHealthCheck(check) }
}

// WithProcedure 追加升级步骤，按注册顺序执行。
func WithProcedure(p Procedure) Option {
	return func(ctl *Controller) { ctl.AddProcedure(p) }
}

// WithDrain 注册进入紧急模式时需要清空的资源，例如执行队列与待审批请求。
func WithDrain(name string, fn func() int) Option {
	return func(ctl *Controller) { ctl.AddDrain(name, fn) }
}

// WithListener 注册状态监听。
func WithListener(l Listener) Option {
	return func(ctl *Controller) { ctl.OnChange(l) }
}

// NewController 创建处于正常状态的控制器。
func NewController(opts ...Option) *Controller {
	c := &Controller{
		clock: clock.Real(),
		log:   logger.Named("emergency"),
	}
	c.state.Store(&State{})
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// AddHealthCheck 注册健康检查。
func (c *Controller) AddHealthCheck(check HealthCheck) {
	if check.Run == nil {
		return
	}
	c.mu.Lock()
	c.checks = append(c.checks, check)
	c.mu.Unlock()
}

// AddProcedure 追加升级步骤。
func (c *Controller) AddProcedure(p Procedure) {
	if p == nil {
		return
	}
	c.mu.Lock()
	c.procedures = append(c.procedures, p)
	c.mu.Unlock()
}

// AddDrain 注册需要清空的资源。
func (c *Controller) AddDrain(name string, fn func() int) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.drains = append(c.drains, drain{name: name, fn: fn})
	c.mu.Unlock()
}

// OnChange 注册状态监听。
func (c *Controller) OnChange(l Listener) {
	if l == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// IsActive 报告是否处于紧急模式。
func (c *Controller) IsActive() bool {
	return c.state.Load().Active
}

// State 返回当前状态快照。
func (c *Controller) State() State {
	return c.state.Load().clone()
}

// Guard 在紧急模式下返回 EMERGENCY_MODE_ACTIVE。
func (c *Controller) Guard() error {
	s := c.state.Load()
	if !s.Active {
		return nil
	}
	return xerrors.New(xerrors.CodeEmergencyModeActive, "紧急模式已启用，拒绝自动执行",
		xerrors.WithDetail("cause", string(s.Cause)),
		xerrors.WithDetail("reason", s.Reason),
		xerrors.WithRetryable(false))
}

// Activate 以外部原因进入紧急模式，已处于紧急模式时不重复执行。
func (c *Controller) Activate(ctx context.Context, reason string) error {
	c.Trigger(ctx, CauseReconciliation, reason, "system")
	return nil
}

// Trigger 进入紧急模式，返回本次调用是否完成了状态切换。
func (c *Controller) Trigger(ctx context.Context, cause Cause, reason, actor string) bool {
	next := &State{
		Active:      true,
		Cause:       cause,
		Reason:      reason,
		Actor:       actor,
		ActivatedAt: c.clock.Now().UTC(),
	}
	for {
		cur := c.state.Load()
		if cur.Active {
			return false
		}
		if c.state.CompareAndSwap(cur, next) {
			break
		}
	}

	c.mu.RLock()
	drains := append([]drain(nil), c.drains...)
	procedures := append([]Procedure(nil), c.procedures...)
	c.mu.RUnlock()

	updated := next.clone()
	for _, d := range drains {
		n := d.fn()
		updated.Drained += n
		c.log.Warn("紧急模式清空资源", slog.String("target", d.name), slog.Int("count", n))
	}

	logger.Audit().Error("进入紧急模式",
		slog.String("cause", string(cause)),
		slog.String("reason", reason),
		slog.String("actor", actor),
		slog.Int("drained", updated.Drained),
	)

	updated.Guidance = guidance.Annotate(ctx, c.advisor, guidance.Request{
		Topic:    reason,
		Category: "emergency",
		Urgency:  guidance.UrgencyCritical,
		Context:  map[string]string{"cause": string(cause)},
	}, 0)

	metadata := map[string]string{
		"cause":   string(cause),
		"drained": fmt.Sprint(updated.Drained),
	}
	if len(c.contacts) > 0 {
		metadata["contacts"] = strings.Join(c.contacts, ",")
	}
	if updated.Guidance != "" {
		metadata["guidance"] = updated.Guidance
	}
	alerting.Emit(ctx, c.alerts, alerting.Event{
		Kind:       alerting.KindEmergencyActivated,
		Code:       xerrors.CodeEmergencyModeActive,
		Severity:   xerrors.SeverityCritical,
		Reason:     reason,
		Metadata:   metadata,
		OccurredAt: updated.ActivatedAt,
	})

	for _, p := range procedures {
		step := StepResult{Name: p.Name(), OK: true}
		if err := p.Run(ctx, updated.clone()); err != nil {
			step.OK = false
			step.Error = err.Error()
			c.log.Error("升级步骤执行失败", slog.String("procedure", p.Name()), slog.Any("error", err))
		}
		updated.Steps = append(updated.Steps, step)
	}

	// 期间若已被解除则不覆盖。
	if c.state.CompareAndSwap(next, &updated) {
		c.notify(updated)
	}
	return true
}

// Deactivate 由运维人员显式解除紧急模式。解除前重新执行全部健康检查，未通过则保持紧急模式。
func (c *Controller) Deactivate(ctx context.Context, actor string) error {
	cur := c.state.Load()
	if !cur.Active {
		return xerrors.New(xerrors.CodeConflict, "当前未处于紧急模式")
	}
	report := c.runChecks(ctx)
	for _, r := range report {
		if !r.OK {
			return xerrors.New(CodeHealthCheckFailed, "健康检查未通过，保持紧急模式",
				xerrors.WithDetail("check", r.Name),
				xerrors.WithDetail("error", r.Error))
		}
	}

	now := c.clock.Now().UTC()
	next := cur.clone()
	next.Active = false
	next.DeactivatedAt = &now
	next.Actor = actor
	if !c.state.CompareAndSwap(cur, &next) {
		return xerrors.New(xerrors.CodeConflict, "紧急状态已被并发修改")
	}

	logger.Audit().Warn("解除紧急模式",
		slog.String("actor", actor),
		slog.String("cause", string(cur.Cause)),
		slog.Duration("duration", now.Sub(cur.ActivatedAt)),
	)
	alerting.Emit(ctx, c.alerts, alerting.Event{
		Kind:       alerting.KindEmergencyDeactivated,
		Severity:   xerrors.SeverityWarning,
		Reason:     fmt.Sprintf("operator %s cleared emergency mode", actor),
		Metadata:   map[string]string{"cause": string(cur.Cause), "reason": cur.Reason},
		OccurredAt: now,
	})

	c.mu.RLock()
	procedures := append([]Procedure(nil), c.procedures...)
	c.mu.RUnlock()
	for _, p := range procedures {
		if r, ok := p.(Recoverer); ok {
			if err := r.Recover(ctx, next.clone()); err != nil {
				c.log.Error("恢复步骤执行失败", slog.String("procedure", p.Name()), slog.Any("error", err))
			}
		}
	}
	c.notify(next)
	return nil
}

// CheckHealth 执行全部健康检查，正常状态下任一失败即进入紧急模式。
func (c *Controller) CheckHealth(ctx context.Context) []CheckResult {
	report := c.runChecks(ctx)
	var failed []string
	for _, r := range report {
		if !r.OK {
			failed = append(failed, r.Name+": "+r.Error)
		}
	}
	if len(failed) > 0 && !c.IsActive() {
		c.Trigger(ctx, CauseHealthCheck, "health check failed: "+strings.Join(failed, "; "), "scheduler")
	}
	return report
}

// LastReport 返回最近一次健康检查的结果与时间。
func (c *Controller) LastReport() ([]CheckResult, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]CheckResult(nil), c.lastReport...), c.lastRun
}

// SelfCheck 校验紧急子系统自身的状态一致性。
func (c *Controller) SelfCheck(context.Context) error {
	s := c.state.Load()
	if s == nil {
		return xerrors.New(CodeHealthCheckFailed, "紧急状态未初始化")
	}
	if s.Active && s.ActivatedAt.IsZero() {
		return xerrors.New(CodeHealthCheckFailed, "紧急状态缺少启用时间")
	}
	return nil
}

func (c *Controller) runChecks(ctx context.Context) []CheckResult {
	c.mu.RLock()
	checks := append([]HealthCheck(nil), c.checks...)
	c.mu.RUnlock()
	checks = append(checks, HealthCheck{Name: "emergency", Run: c.SelfCheck})

	report := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		r := CheckResult{Name: check.Name, OK: true}
		if err := check.Run(ctx); err != nil {
			r.OK = false
			r.Error = err.Error()
			c.log.Warn("健康检查失败", slog.String("check", check.Name), slog.Any("error", err))
		}
		report = append(report, r)
	}

	c.mu.Lock()
	c.lastReport = report
	c.lastRun = c.clock.Now().UTC()
	c.mu.Unlock()
	return report
}

func (c *Controller) notify(s State) {
	c.mu.RLock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.RUnlock()
	for _, l := range listeners {
		l(s.clone())
	}
}
