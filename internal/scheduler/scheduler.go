// Package scheduler 负责执行队列的排空循环与周期任务（限额重置、对账、健康检查）。
package scheduler

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"TreasuryGuard/internal/clock"
	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/internal/observability/alerting"
	"TreasuryGuard/internal/observability/metrics"
	"TreasuryGuard/pkg/logger"
)

const (
	defaultDelay      = time.Second
	defaultMaxRetries = 3
)

// Executor 执行单个请求的完整流水线。
type Executor interface {
	ExecuteTransaction(ctx context.Context, req ledger.TransactionRequest) (*ledger.TransactionRecord, error)
}

// Gate 报告全局紧急状态。
type Gate interface {
	IsActive() bool
}

// Task 是一个周期任务。
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler 串行排空执行队列，并在独立协程中运行周期任务。
type Scheduler struct {
	queue      *Queue
	outcomes   *Outcomes
	executor   Executor
	gate       Gate
	clock      clock.Clock
	delay      time.Duration
	maxRetries int
	alerts     alerting.Dispatcher
	log        *slog.Logger

	mu    sync.Mutex
	tasks []Task
	wake  chan struct{}
}

// Option 定义可选配置。
type Option func(*Scheduler)

// WithClock 注入时钟。
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithDelay 设置相邻两次执行之间的间隔，0 表示不等待。
func WithDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.delay = d
		}
	}
}

// WithMaxRetries 设置可重试错误的最大尝试次数。
func WithMaxRetries(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithGate 配置紧急状态门。
func WithGate(g Gate) Option {
	return func(s *Scheduler) { s.gate = g }
}

// WithAlertDispatcher 配置终态失败告警。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(s *Scheduler) { s.alerts = d }
}

// WithTask 注册周期任务。
func WithTask(t Task) Option {
	return func(s *Scheduler) { s.AddTask(t) }
}

// New 创建调度器。
func New(executor Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:      NewQueue(),
		outcomes:   NewOutcomes(),
		executor:   executor,
		clock:      clock.Real(),
		delay:      defaultDelay,
		maxRetries: defaultMaxRetries,
		log:        logger.Named("scheduler"),
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// AddTask 注册周期任务，需在 Run 之前调用。
func (s *Scheduler) AddTask(t Task) {
	if t.Run == nil || t.Interval <= 0 {
		return
	}
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
}

// Submit 登记并入队一个请求。未带 ID 时生成 UUID；重复 ID 返回已有结果。
// 紧急模式下直接拒绝，不入队。
func (s *Scheduler) Submit(_ context.Context, req ledger.TransactionRequest) (*Outcome, error) {
	req = req.Clone()
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		req.ID = uuid.NewString()
	} else if existing, err := s.outcomes.Get(req.ID); err == nil {
		return existing, nil
	}

	now := s.clock.Now().UTC()
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = now
	}
	outcome := &Outcome{
		RequestID:   req.ID,
		Status:      StatusQueued,
		Priority:    req.Priority,
		MaxRetries:  s.maxRetries,
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	if s.gate != nil && s.gate.IsActive() {
		err := xerrors.New(xerrors.CodeEmergencyModeActive, "紧急模式已启用，拒绝新的提交", xerrors.WithRetryable(false))
		outcome.fail(StatusRejected, err, now)
		tracked, created := s.outcomes.Track(outcome)
		if created {
			metrics.ObserveTransaction(string(StatusRejected), string(xerrors.CodeEmergencyModeActive))
		}
		return tracked, err
	}

	tracked, created := s.outcomes.Track(outcome)
	if !created {
		return tracked, nil
	}
	s.queue.Push(&Item{Request: req, EnqueuedAt: now})
	s.observeQueue()
	logger.Audit().Info("交易请求入队",
		slog.String("request_id", req.ID),
		slog.String("type", string(req.Type)),
		slog.String("priority", string(req.Priority)),
		slog.Bool("expedited", req.Expedited()),
		slog.String("amount", req.Amount.String()),
		slog.String("currency", req.Currency),
	)
	return tracked, nil
}

// Outcome 返回请求的处理结果。
func (s *Scheduler) Outcome(requestID string) (*Outcome, error) {
	return s.outcomes.Get(requestID)
}

// Outcomes 返回最近的提交结果。
func (s *Scheduler) Outcomes(status Status, limit int) []*Outcome {
	return s.outcomes.List(status, limit)
}

// Stats 返回队列与提交统计。
func (s *Scheduler) Stats() Stats {
	p, n := s.queue.Len()
	return Stats{PriorityQueued: p, NormalQueued: n, ByStatus: s.outcomes.Counts()}
}

// Discard 清空队列，被清空的请求标记为 discarded。用于进入紧急模式时排空队列。
func (s *Scheduler) Discard() int {
	items := s.queue.Clear()
	now := s.clock.Now().UTC()
	err := xerrors.New(xerrors.CodeEmergencyModeActive, "紧急模式清空队列", xerrors.WithRetryable(false))
	for _, item := range items {
		s.outcomes.Update(item.Request.ID, func(o *Outcome) { o.fail(StatusDiscarded, err, now) })
		metrics.ObserveTransaction(string(StatusDiscarded), string(xerrors.CodeEmergencyModeActive))
	}
	s.observeQueue()
	if len(items) > 0 {
		logger.Audit().Warn("执行队列已清空", slog.Int("discarded", len(items)))
	}
	return len(items)
}

// Resume 唤醒因紧急模式暂停的排空循环。
func (s *Scheduler) Resume() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run 启动排空循环与周期任务，直到 ctx 取消。
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	tasks := append([]Task(nil), s.tasks...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			s.runTask(ctx, t)
		}(t)
	}
	s.drain(ctx)
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if s.gate != nil && s.gate.IsActive() {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}
		item, ok := s.queue.TryPop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.queue.Wait():
			case <-s.wake:
			}
			continue
		}
		s.observeQueue()
		s.process(ctx, item)
		if err := clock.Sleep(ctx, s.clock, s.delay); err != nil {
			return
		}
	}
}

func (s *Scheduler) process(ctx context.Context, item *Item) {
	req := item.Request
	if s.gate != nil && s.gate.IsActive() {
		err := xerrors.New(xerrors.CodeEmergencyModeActive, "紧急模式已启用，丢弃请求", xerrors.WithRetryable(false))
		s.outcomes.Update(req.ID, func(o *Outcome) { o.fail(StatusDiscarded, err, s.clock.Now().UTC()) })
		metrics.ObserveTransaction(string(StatusDiscarded), string(xerrors.CodeEmergencyModeActive))
		return
	}

	item.Attempts++
	s.outcomes.Update(req.ID, func(o *Outcome) {
		o.Status = StatusProcessing
		o.Attempts = item.Attempts
		o.UpdatedAt = s.clock.Now().UTC()
	})

	started := s.clock.Now()
	record, err := s.executor.ExecuteTransaction(ctx, req)
	metrics.ObserveAttempt(s.clock.Since(started))
	now := s.clock.Now().UTC()

	if err == nil {
		s.outcomes.Update(req.ID, func(o *Outcome) {
			o.Status = StatusCompleted
			o.Record = record.Clone()
			o.Error, o.ErrorCode, o.Details = "", "", nil
			o.UpdatedAt = now
		})
		metrics.ObserveTransaction(string(StatusCompleted), "")
		return
	}

	code := xerrors.CodeOf(err)
	retryable := xerrors.RetryableError(err)
	if retryable && item.Attempts < s.maxRetries {
		s.outcomes.Update(req.ID, func(o *Outcome) {
			o.Status = StatusQueued
			o.Error = err.Error()
			o.ErrorCode = string(code)
			o.UpdatedAt = now
		})
		s.queue.Requeue(item)
		s.observeQueue()
		s.log.Warn("交易执行失败，重新排队",
			slog.String("request_id", req.ID),
			slog.Int("attempts", item.Attempts),
			slog.Int("max_retries", s.maxRetries),
			slog.String("error_code", string(code)),
			slog.Any("error", err),
		)
		return
	}

	status := terminalStatus(err, retryable)
	if retryable {
		err = xerrors.Wrap(xerrors.CodeRetriesExhausted, err, "重试次数已耗尽",
			xerrors.WithDetail("attempts", strconv.Itoa(item.Attempts)),
			xerrors.WithDetail("request_id", req.ID))
	}
	s.outcomes.Update(req.ID, func(o *Outcome) {
		o.fail(status, err, now)
		o.Record = record.Clone()
	})
	metrics.ObserveTransaction(string(status), string(xerrors.CodeOf(err)))
	logger.Audit().Warn("交易请求终止",
		slog.String("request_id", req.ID),
		slog.String("status", string(status)),
		slog.String("error_code", string(xerrors.CodeOf(err))),
		slog.Int("attempts", item.Attempts),
		slog.String("error", err.Error()),
	)
	if status == StatusFailed {
		alerting.Emit(ctx, s.alerts, alerting.Event{
			Kind:      alerting.KindExecutionFailed,
			Code:      xerrors.CodeOf(err),
			Severity:  xerrors.SeverityOf(err),
			Reason:    err.Error(),
			RequestID: req.ID,
			AccountID: req.SourceAccount,
			Metadata: map[string]string{
				"attempts": strconv.Itoa(item.Attempts),
				"type":     string(req.Type),
				"amount":   req.Amount.String(),
			},
		})
	}
}

// terminalStatus 区分请求被策略拒绝还是执行失败。
func terminalStatus(err error, retryable bool) Status {
	if retryable {
		return StatusFailed
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeValidation, xerrors.CodeComplianceViolation, xerrors.CodeLimitExceeded,
		xerrors.CodeInsufficientApprovals, xerrors.CodeApprovalTimeout, xerrors.CodeEmergencyModeActive,
		xerrors.CodeAccountFrozen:
		return StatusRejected
	default:
		return StatusFailed
	}
}

func (s *Scheduler) runTask(ctx context.Context, t Task) {
	ticker := s.clock.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			started := s.clock.Now()
			if err := t.Run(ctx); err != nil {
				s.log.Error("周期任务失败", slog.String("task", t.Name), slog.Any("error", err))
				continue
			}
			s.log.Debug("周期任务完成", slog.String("task", t.Name), slog.Duration("elapsed", s.clock.Since(started)))
		}
	}
}

func (s *Scheduler) observeQueue() {
	metrics.SetQueueDepth(s.queue.Len())
}
