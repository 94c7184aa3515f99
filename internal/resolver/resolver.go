// Package resolver 按差异大小分层处理对账差异：小额自动调整、中额分析历史、大额升级并冻结。
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"TreasuryGuard/internal/clock"
	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/execution"
	"TreasuryGuard/internal/guidance"
	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/internal/observability/alerting"
	"TreasuryGuard/pkg/logger"
)

// 自动处理时识别出的差异原因。
const (
	CauseRounding     = "rounding"
	CauseTiming       = "timing"
	CauseFeeMismatch  = "fee_mismatch"
	CauseGeneric      = "generic_adjustment"
	CauseDuplicate    = "duplicate_transactions"
	CauseMissing      = "missing_transaction"
	CauseIncorrect    = "incorrect_amount"
	CauseUnidentified = "unidentified"
	CauseEscalated    = "large_discrepancy"
)

// Thresholds 是分层阈值。
type Thresholds struct {
	Small     decimal.Decimal
	Medium    decimal.Decimal
	Freeze    decimal.Decimal
	Emergency decimal.Decimal
	// Precision 是 rounding 判定与历史匹配使用的精度。
	Precision    decimal.Decimal
	TimingWindow time.Duration
	HistoryDepth int
}

// DefaultThresholds 返回默认阈值。
func DefaultThresholds() Thresholds {
	return Thresholds{
		Small:        decimal.NewFromInt(1),
		Medium:       decimal.NewFromInt(100),
		Freeze:       decimal.NewFromInt(10000),
		Emergency:    decimal.NewFromInt(100000),
		Precision:    decimal.New(1, -2),
		TimingWindow: time.Minute,
		HistoryDepth: 500,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	def := DefaultThresholds()
	if !t.Small.IsPositive() {
		t.Small = def.Small
	}
	if !t.Medium.IsPositive() {
		t.Medium = def.Medium
	}
	if !t.Freeze.IsPositive() {
		t.Freeze = def.Freeze
	}
	if !t.Precision.IsPositive() {
		t.Precision = def.Precision
	}
	if t.TimingWindow <= 0 {
		t.TimingWindow = def.TimingWindow
	}
	if t.HistoryDepth <= 0 {
		t.HistoryDepth = def.HistoryDepth
	}
	return t
}

// Tier 根据差异金额返回所在层级，结果只取决于金额。
func (t Thresholds) Tier(discrepancy decimal.Decimal) ledger.ResolutionTier {
	t = t.withDefaults()
	abs := discrepancy.Abs()
	switch {
	case abs.IsZero():
		return ledger.TierNone
	case abs.LessThanOrEqual(t.Small):
		return ledger.TierSmall
	case abs.LessThanOrEqual(t.Medium):
		return ledger.TierMedium
	default:
		return ledger.TierLarge
	}
}

// EmergencyTrigger 在差异超过紧急阈值时切换全局状态。
type EmergencyTrigger interface {
	Activate(ctx context.Context, reason string) error
}

// Resolver 处理对账差异。
type Resolver struct {
	repo       ledger.Repository
	processor  *execution.Processor
	thresholds Thresholds
	clock      clock.Clock
	alerts     alerting.Dispatcher
	advisor    guidance.Advisor
	emergency  EmergencyTrigger
	log        *slog.Logger

	mu       sync.Mutex
	inflight map[string]*sync.Mutex
}

// Option 定义可选配置。
type Option func(*Resolver)

// WithClock 注入时钟。
func WithClock(c clock.Clock) Option {
	return func(r *Resolver) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithAlertDispatcher 配置告警。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(r *Resolver) { r.alerts = d }
}

// WithAdvisor 配置升级时的专家建议来源。
func WithAdvisor(a guidance.Advisor) Option {
	return func(r *Resolver) { r.advisor = a }
}

// WithEmergency 配置紧急模式触发器。
func WithEmergency(e EmergencyTrigger) Option {
	return func(r *Resolver) { r.emergency = e }
}

// New 创建差异处理器。
func New(repo ledger.Repository, processor *execution.Processor, thresholds Thresholds, opts ...Option) *Resolver {
	r := &Resolver{
		repo:       repo,
		processor:  processor,
		thresholds: thresholds.withDefaults(),
		clock:      clock.Real(),
		log:        logger.Named("resolver"),
		inflight:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Thresholds 返回生效阈值。
func (r *Resolver) Thresholds() Thresholds {
	return r.thresholds
}

// Handle 适配对账引擎的结果回调，错误只记录日志。
func (r *Resolver) Handle(ctx context.Context, result *ledger.ReconciliationResult) {
	if _, err := r.Resolve(ctx, result); err != nil {
		r.log.Error("差异处理失败",
			slog.String("result_id", result.ID),
			slog.String("account_id", result.AccountID),
			slog.Any("error", err),
		)
	}
}

// Resolve 处理一条对账结果。matched 与 error 结果不处理；
// 已保存过处理结论的结果直接返回原结论，不产生新的副作用。
func (r *Resolver) Resolve(ctx context.Context, result *ledger.ReconciliationResult) (*ledger.Resolution, error) {
	if result == nil || result.Status != ledger.ReconciliationDiscrepancy {
		return nil, nil
	}
	unlock := r.lockResult(result.ID)
	defer unlock()

	stored, err := r.repo.GetReconciliation(ctx, result.ID)
	switch {
	case err == nil:
		if stored.Resolution != nil {
			return stored.Resolution, nil
		}
		result = stored
	case xerrors.HasCode(err, xerrors.CodeNotFound):
		result = result.Clone()
	default:
		return nil, err
	}

	var resolution *ledger.Resolution
	switch r.thresholds.Tier(result.Discrepancy) {
	case ledger.TierSmall:
		resolution, err = r.resolveSmall(ctx, result)
	case ledger.TierMedium:
		resolution, err = r.resolveMedium(ctx, result)
	case ledger.TierLarge:
		resolution, err = r.escalate(ctx, result)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	resolution.ResolvedAt = r.clock.Now().UTC()
	result.Resolution = resolution
	if err := r.repo.SaveReconciliation(ctx, result); err != nil {
		return resolution, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存处理结论失败",
			xerrors.WithDetail("result_id", result.ID))
	}
	logger.Audit().Info("对账差异已处理",
		slog.String("result_id", result.ID),
		slog.String("account_id", result.AccountID),
		slog.String("discrepancy", result.Discrepancy.String()),
		slog.String("tier", string(resolution.Tier)),
		slog.String("action", string(resolution.Action)),
		slog.String("cause", resolution.Cause),
		slog.Bool("resolved", resolution.Resolved),
	)
	return resolution, nil
}

func (r *Resolver) lockResult(id string) func() {
	r.mu.Lock()
	m, ok := r.inflight[id]
	if !ok {
		m = &sync.Mutex{}
		r.inflight[id] = m
	}
	r.mu.Unlock()
	m.Lock()
	return func() {
		m.Unlock()
		r.mu.Lock()
		delete(r.inflight, id)
		r.mu.Unlock()
	}
}

func (r *Resolver) history(ctx context.Context, accountID string) ([]*ledger.TransactionRecord, error) {
	records, err := r.repo.ListRecords(ctx, ledger.RecordFilter{AccountID: accountID})
	if err != nil {
		return nil, err
	}
	if n := r.thresholds.HistoryDepth; len(records) > n {
		records = records[len(records)-n:]
	}
	return records, nil
}

// adjust 写入使账本与外部共识一致的调整记录。
func (r *Resolver) adjust(ctx context.Context, result *ledger.ReconciliationResult, cause string, extra map[string]string) (*ledger.TransactionRecord, error) {
	metadata := map[string]string{
		"result_id": result.ID,
		"cause":     cause,
	}
	for k, v := range extra {
		metadata[k] = v
	}
	note := fmt.Sprintf("对账调整: %s", cause)
	return r.processor.Adjust(ctx, result.AccountID, result.Currency, result.Signed(), note, metadata)
}

func (r *Resolver) emit(ctx context.Context, event alerting.Event) {
	alerting.Emit(ctx, r.alerts, event)
}
