// Package reconcile 比较账户的期望余额与外部观测余额，并对差异分类。
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"TreasuryGuard/internal/clock"
	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/pkg/id"
	"TreasuryGuard/pkg/logger"
)

// Source 是一个外部余额来源。
type Source interface {
	Name() string
	Balance(ctx context.Context, account *ledger.Account) (decimal.Decimal, error)
}

// SourceProvider 为账户提供其配置的余额来源。
type SourceProvider interface {
	SourcesFor(account *ledger.Account) ([]Source, error)
}

// ResultHandler 在对账结果保存后被调用，通常交给差异处理器。
type ResultHandler func(ctx context.Context, result *ledger.ReconciliationResult)

// Scope 决定一次批量对账覆盖的账户。
type Scope string

const (
	ScopeHighValue     Scope = "high_value"
	ScopeFull          Scope = "full"
	ScopeComprehensive Scope = "comprehensive"
	ScopeRealtime      Scope = "realtime"
	ScopeManual        Scope = "manual"
)

// Config 描述对账参数。
type Config struct {
	Tolerance      decimal.Decimal
	Strategy       Strategy
	HighValueFloor decimal.Decimal
	Concurrency    int
	SourceTimeout  time.Duration
}

// Engine 执行账户对账。
type Engine struct {
	repo     ledger.Repository
	provider SourceProvider
	cfg      Config
	clock    clock.Clock
	log      *slog.Logger

	mu       sync.RWMutex
	handlers []ResultHandler
}

// Option 定义可选配置。
type Option func(*Engine)

// WithClock 指定时钟。
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithResultHandler 注册结果回调。
func WithResultHandler(h ResultHandler) Option {
	return func(e *Engine) {
		if h != nil {
			e.handlers = append(e.handlers, h)
		}
	}
}

// NewEngine 构造对账引擎。
func NewEngine(repo ledger.Repository, provider SourceProvider, cfg Config, opts ...Option) *Engine {
	if !cfg.Tolerance.IsPositive() {
		cfg.Tolerance = decimal.NewFromFloat(0.01)
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyMean
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = 10 * time.Second
	}
	e := &Engine{
		repo:     repo,
		provider: provider,
		cfg:      cfg,
		clock:    clock.Real(),
		log:      logger.Named("reconcile"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// OnResult 追加结果回调。
func (e *Engine) OnResult(h ResultHandler) {
	if h == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Config 返回生效的配置。
func (e *Engine) Config() Config {
	return e.cfg
}

// ReconcileAccount 对单个账户对账。来源错误只记录在结果中，只有全部来源不可用时结果为 error。
func (e *Engine) ReconcileAccount(ctx context.Context, accountID string, scope Scope) (*ledger.ReconciliationResult, error) {
	snapshot, err := e.repo.Snapshot(ctx, accountID)
	if err != nil {
		return nil, err
	}
	result := e.evaluate(ctx, snapshot, scope)
	if err := e.repo.SaveReconciliation(ctx, result); err != nil {
		// 保存失败的结果同样分发给处理器。
		e.dispatch(ctx, result)
		return result, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存对账结果失败",
			xerrors.WithDetail("account_id", accountID))
	}
	e.log.Debug("账户对账完成",
		slog.String("account_id", accountID),
		slog.String("status", string(result.Status)),
		slog.String("discrepancy", result.Discrepancy.String()),
		slog.String("scope", string(scope)),
	)
	e.dispatch(ctx, result)
	return result, nil
}

// ReconcileAccounts 并发对账给定账户，单个账户失败以 error 结果报告，不中断其余账户。
func (e *Engine) ReconcileAccounts(ctx context.Context, accountIDs []string, scope Scope) []*ledger.ReconciliationResult {
	results := make([]*ledger.ReconciliationResult, len(accountIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, accountID := range accountIDs {
		i, accountID := i, accountID
		g.Go(func() error {
			result, err := e.ReconcileAccount(gctx, accountID, scope)
			if err != nil {
				e.log.Warn("账户对账失败", slog.String("account_id", accountID), slog.Any("error", err))
				if result == nil {
					result = e.errorResult(accountID, scope, err)
					if saveErr := e.repo.SaveReconciliation(ctx, result); saveErr != nil {
						e.log.Error("保存对账错误结果失败", slog.String("account_id", accountID), slog.Any("error", saveErr))
					}
					e.dispatch(ctx, result)
				}
			}
			results[i] = result
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Sweep 按范围选择账户并批量对账。
func (e *Engine) Sweep(ctx context.Context, scope Scope) ([]*ledger.ReconciliationResult, error) {
	accounts, err := e.repo.ListAccounts(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取账户列表失败")
	}
	ids := make([]string, 0, len(accounts))
	for _, account := range accounts {
		if e.inScope(account, scope) {
			ids = append(ids, account.ID)
		}
	}
	started := e.clock.Now()
	results := e.ReconcileAccounts(ctx, ids, scope)
	counts := map[ledger.ReconciliationStatus]int{}
	for _, r := range results {
		if r != nil {
			counts[r.Status]++
		}
	}
	logger.L().Info("批量对账完成",
		slog.String("scope", string(scope)),
		slog.Int("accounts", len(ids)),
		slog.Int("matched", counts[ledger.ReconciliationMatched]),
		slog.Int("discrepancy", counts[ledger.ReconciliationDiscrepancy]),
		slog.Int("error", counts[ledger.ReconciliationError]),
		slog.Duration("elapsed", e.clock.Since(started)),
	)
	return results, nil
}

func (e *Engine) inScope(account *ledger.Account, scope Scope) bool {
	switch scope {
	case ScopeComprehensive:
		return true
	case ScopeHighValue:
		if account.Frozen {
			return false
		}
		return e.cfg.HighValueFloor.IsPositive() && account.Balance.Abs().GreaterThanOrEqual(e.cfg.HighValueFloor)
	default:
		return !account.Frozen
	}
}

func (e *Engine) evaluate(ctx context.Context, snapshot *ledger.Snapshot, scope Scope) *ledger.ReconciliationResult {
	now := e.clock.Now().UTC()
	account := snapshot.Account
	result := &ledger.ReconciliationResult{
		ID:        id.NewAt(now),
		AccountID: account.ID,
		Currency:  account.Currency,
		Expected:  snapshot.Expected(),
		Trigger:   string(scope),
		CreatedAt: now,
	}

	sources, err := e.provider.SourcesFor(account)
	if err != nil {
		result.Status = ledger.ReconciliationError
		result.Error = err.Error()
		return result
	}
	if len(sources) == 0 {
		result.Status = ledger.ReconciliationError
		result.Error = "账户未配置余额来源"
		return result
	}

	result.Observations = e.observe(ctx, account, sources)
	consensus, ok := Consensus(e.cfg.Strategy, result.Observations)
	if !ok {
		result.Status = ledger.ReconciliationError
		result.Error = summarizeErrors(result.Observations)
		return result
	}
	result.Consensus = consensus
	result.Discrepancy = result.Expected.Sub(consensus).Abs()
	if result.Discrepancy.LessThanOrEqual(e.cfg.Tolerance) {
		result.Status = ledger.ReconciliationMatched
	} else {
		result.Status = ledger.ReconciliationDiscrepancy
	}
	return result
}

func (e *Engine) observe(ctx context.Context, account *ledger.Account, sources []Source) []ledger.Observation {
	observations := make([]ledger.Observation, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, e.cfg.SourceTimeout)
			defer cancel()
			obs := ledger.Observation{Source: src.Name()}
			balance, err := src.Balance(sctx, account)
			if err != nil {
				obs.Error = err.Error()
			} else {
				obs.Balance = balance
			}
			obs.Valid = Valid(obs)
			observations[i] = obs
		}(i, src)
	}
	wg.Wait()
	return observations
}

func (e *Engine) errorResult(accountID string, scope Scope, err error) *ledger.ReconciliationResult {
	now := e.clock.Now().UTC()
	return &ledger.ReconciliationResult{
		ID:        id.NewAt(now),
		AccountID: accountID,
		Status:    ledger.ReconciliationError,
		Error:     err.Error(),
		Trigger:   string(scope),
		CreatedAt: now,
	}
}

func (e *Engine) dispatch(ctx context.Context, result *ledger.ReconciliationResult) {
	e.mu.RLock()
	handlers := append([]ResultHandler(nil), e.handlers...)
	e.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, result)
	}
}

func summarizeErrors(observations []ledger.Observation) string {
	parts := make([]string, 0, len(observations))
	for _, obs := range observations {
		reason := obs.Error
		if reason == "" {
			reason = "余额为 0"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", obs.Source, reason))
	}
	return "没有有效的余额读数 (" + strings.Join(parts, "; ") + ")"
}
