// Package execution 执行已通过检查的交易请求并写入账本。
package execution

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"TreasuryGuard/internal/clock"
	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/pkg/id"
	"TreasuryGuard/pkg/logger"
)

var basisPoints = decimal.NewFromInt(10000)

// FeePolicy 按基点计算手续费，可按交易类型覆盖。
type FeePolicy struct {
	BasisPoints decimal.Decimal
	ByType      map[ledger.Type]decimal.Decimal
}

// Fee 计算 amount 的手续费，保留两位小数。
func (p FeePolicy) Fee(typ ledger.Type, amount decimal.Decimal) decimal.Decimal {
	if typ == ledger.TypeAdjustment {
		return decimal.Zero
	}
	bps := p.BasisPoints
	if override, ok := p.ByType[typ]; ok {
		bps = override
	}
	if !bps.IsPositive() {
		return decimal.Zero
	}
	return amount.Mul(bps).Div(basisPoints).Round(2)
}

// Processor 执行转账并生成交易记录。
type Processor struct {
	repo  ledger.Repository
	fees  FeePolicy
	locks *AccountLocks
	clock clock.Clock
	log   *slog.Logger
}

// Option 定义可选配置。
type Option func(*Processor)

// WithClock 指定时钟。
func WithClock(c clock.Clock) Option {
	return func(p *Processor) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLocks 与其他组件共享账户锁表。
func WithLocks(locks *AccountLocks) Option {
	return func(p *Processor) {
		if locks != nil {
			p.locks = locks
		}
	}
}

// NewProcessor 构造执行处理器。
func NewProcessor(repo ledger.Repository, fees FeePolicy, opts ...Option) *Processor {
	p := &Processor{
		repo:  repo,
		fees:  fees,
		locks: NewAccountLocks(),
		clock: clock.Real(),
		log:   logger.Named("execution"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Locks 返回处理器使用的账户锁表。
func (p *Processor) Locks() *AccountLocks {
	return p.locks
}

// Fees 返回手续费策略。
func (p *Processor) Fees() FeePolicy {
	return p.fees
}

// Execute 计算手续费、原子地扣款入账并返回已完成的记录。
// 任一步失败时记录被标记为 failed 并保存，错误原样返回给调用方。
func (p *Processor) Execute(ctx context.Context, req ledger.TransactionRequest) (*ledger.TransactionRecord, error) {
	if p.repo == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行处理器未初始化")
	}
	unlock := p.locks.Lock(req.SourceAccount, req.DestinationAccount)
	defer unlock()

	now := p.clock.Now().UTC()
	record := &ledger.TransactionRecord{
		ID:                 ledger.RecordIDFor(req.ID),
		RequestID:          req.ID,
		Type:               req.Type,
		SourceAccount:      req.SourceAccount,
		DestinationAccount: req.DestinationAccount,
		Amount:             req.Amount,
		Fee:                p.fees.Fee(req.Type, req.Amount),
		Currency:           ledger.NormalizedCurrency(req.Currency),
		Status:             ledger.StatusPending,
		Metadata:           stringMetadata(req.Metadata),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	completedAt := now
	record.CompletedAt = &completedAt

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.repo.Post(ctx, record); err != nil {
		return p.fail(ctx, record, err)
	}
	logger.Audit().Info("交易执行成功",
		slog.String("request_id", req.ID),
		slog.String("record_id", record.ID),
		slog.String("source_account", record.SourceAccount),
		slog.String("destination_account", record.DestinationAccount),
		slog.String("amount", record.Amount.String()),
		slog.String("fee", record.Fee.String()),
		slog.String("currency", record.Currency),
	)
	return record, nil
}

func (p *Processor) fail(ctx context.Context, record *ledger.TransactionRecord, cause error) (*ledger.TransactionRecord, error) {
	err := cause
	if xerrors.CodeOf(cause) == xerrors.CodeUnknown {
		err = xerrors.Wrap(xerrors.CodeExecutionFailed, cause, "交易执行失败")
	}
	record.Status = ledger.StatusFailed
	record.FailureReason = err.Error()
	record.CompletedAt = nil
	record.UpdatedAt = p.clock.Now().UTC()
	if saveErr := p.repo.SaveRecord(ctx, record); saveErr != nil {
		p.log.Error("保存失败记录出错", slog.Any("error", saveErr), slog.String("record_id", record.ID))
	}
	logger.Audit().Warn("交易执行失败",
		slog.String("request_id", record.RequestID),
		slog.String("record_id", record.ID),
		slog.String("error_code", string(xerrors.CodeOf(err))),
		slog.String("error", err.Error()),
	)
	return record, err
}

// Adjust 为账户写入一条对账调整记录，delta 为正表示增加余额。
func (p *Processor) Adjust(ctx context.Context, accountID, currency string, delta decimal.Decimal, note string, metadata map[string]string) (*ledger.TransactionRecord, error) {
	if delta.IsZero() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "调整金额不能为 0", xerrors.WithDetail("account_id", accountID))
	}
	unlock := p.locks.Lock(accountID)
	defer unlock()

	now := p.clock.Now().UTC()
	record := &ledger.TransactionRecord{
		ID:        "adj-" + id.NewAt(now),
		Type:      ledger.TypeAdjustment,
		Amount:    delta.Abs(),
		Fee:       decimal.Zero,
		Currency:  ledger.NormalizedCurrency(currency),
		Status:    ledger.StatusPending,
		Note:      note,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	record.RequestID = record.ID
	if delta.IsPositive() {
		record.DestinationAccount = accountID
	} else {
		record.SourceAccount = accountID
	}
	if err := p.repo.Post(ctx, record); err != nil {
		return nil, err
	}
	logger.Audit().Info("写入对账调整",
		slog.String("record_id", record.ID),
		slog.String("account_id", accountID),
		slog.String("delta", delta.String()),
		slog.String("note", note),
	)
	return record, nil
}

// Reverse 冲销一条已完成记录。
func (p *Processor) Reverse(ctx context.Context, recordID, note string) (*ledger.TransactionRecord, error) {
	rec, err := p.repo.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	unlock := p.locks.Lock(rec.SourceAccount, rec.DestinationAccount)
	defer unlock()
	reversed, err := p.repo.Reverse(ctx, recordID, note, p.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	logger.Audit().Warn("冲销交易记录",
		slog.String("record_id", recordID),
		slog.String("note", note),
	)
	return reversed, nil
}

func stringMetadata(metadata map[string]any) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}
