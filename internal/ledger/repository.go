package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	xerrors "TreasuryGuard/internal/errors"
)

// RecordFilter 控制交易记录查询。
type RecordFilter struct {
	AccountID string
	Status    Status
	Since     time.Time
	Limit     int
}

// Matches 判断记录是否满足过滤条件。
func (f RecordFilter) Matches(rec *TransactionRecord) bool {
	if rec == nil {
		return false
	}
	if f.AccountID != "" && !rec.Touches(f.AccountID) {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && rec.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// ReconciliationFilter 控制对账历史查询，结果按时间倒序。
type ReconciliationFilter struct {
	AccountID string
	Status    ReconciliationStatus
	Limit     int
}

// Snapshot 是账户及其交易记录的一致性快照，供对账只读使用。
type Snapshot struct {
	Account *Account
	Records []*TransactionRecord
	TakenAt time.Time
}

// Expected 返回按记录推导的期望余额。
func (s *Snapshot) Expected() decimal.Decimal {
	if s == nil || s.Account == nil {
		return decimal.Zero
	}
	return ExpectedBalance(s.Account.ID, s.Account.OpeningBalance, s.Records)
}

// ExpectedBalance 以期初余额加上全部已完成记录的影响计算期望余额。
func ExpectedBalance(accountID string, opening decimal.Decimal, records []*TransactionRecord) decimal.Decimal {
	total := opening
	for _, rec := range records {
		if rec == nil || rec.Status != StatusCompleted {
			continue
		}
		total = total.Add(rec.Effect(accountID))
	}
	return total
}

// Repository 是账户、交易记录与对账历史的持久化接口。
// 所有余额变更都通过 Post 与 Reverse 在同一事务内完成。
type Repository interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	SetFrozen(ctx context.Context, id string, frozen bool, reason string, at time.Time) (*Account, error)

	// Post 原子地扣减来源账户 amount+fee、增加目标账户 amount，并保存已完成记录。
	Post(ctx context.Context, record *TransactionRecord) error
	// SaveRecord 保存不影响余额的记录（pending/failed）。
	SaveRecord(ctx context.Context, record *TransactionRecord) error
	GetRecord(ctx context.Context, id string) (*TransactionRecord, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]*TransactionRecord, error)
	// Reverse 冲销一条已完成记录并回滚其余额影响。
	Reverse(ctx context.Context, id, note string, at time.Time) (*TransactionRecord, error)

	Snapshot(ctx context.Context, accountID string) (*Snapshot, error)

	SaveReconciliation(ctx context.Context, result *ReconciliationResult) error
	GetReconciliation(ctx context.Context, id string) (*ReconciliationResult, error)
	ListReconciliations(ctx context.Context, filter ReconciliationFilter) ([]*ReconciliationResult, error)

	Close() error
}

// ApplyPosting 校验并把记录的余额影响应用到账户上。
// source 与 dest 对应记录中非空的一侧，调整记录跳过冻结与余额校验。
func ApplyPosting(rec *TransactionRecord, source, dest *Account, at time.Time) error {
	if rec == nil {
		return xerrors.New(xerrors.CodeValidation, "交易记录不能为空")
	}
	if rec.SourceAccount == "" && rec.DestinationAccount == "" {
		return xerrors.New(xerrors.CodeValidation, "交易记录缺少账户", xerrors.WithDetail("record_id", rec.ID))
	}
	adjustment := rec.Type == TypeAdjustment
	debit := rec.Amount.Add(rec.Fee)

	if rec.SourceAccount != "" {
		if source == nil {
			return AccountNotFound(rec.SourceAccount)
		}
		if err := checkAccount(source, rec.Currency, adjustment); err != nil {
			return err
		}
		if !adjustment && source.Balance.LessThan(debit) {
			return InsufficientFunds(source.ID, debit.String(), source.Balance.String())
		}
	}
	if rec.DestinationAccount != "" {
		if dest == nil {
			return AccountNotFound(rec.DestinationAccount)
		}
		if err := checkAccount(dest, rec.Currency, adjustment); err != nil {
			return err
		}
	}

	if source != nil && rec.SourceAccount != "" {
		source.Balance = source.Balance.Sub(debit)
		source.UpdatedAt = at
	}
	if dest != nil && rec.DestinationAccount != "" {
		dest.Balance = dest.Balance.Add(rec.Amount)
		dest.UpdatedAt = at
	}
	rec.Status = StatusCompleted
	rec.FailureReason = ""
	if rec.CompletedAt == nil {
		ts := at
		rec.CompletedAt = &ts
	}
	rec.UpdatedAt = at
	return nil
}

// ApplyReversal 回滚一条已完成记录的余额影响。
func ApplyReversal(rec *TransactionRecord, source, dest *Account, note string, at time.Time) error {
	if rec == nil {
		return ErrRecordNotFound
	}
	if rec.Status != StatusCompleted {
		return xerrors.New(xerrors.CodeConflict, "只能冲销已完成的交易记录",
			xerrors.WithDetail("record_id", rec.ID),
			xerrors.WithDetail("status", string(rec.Status)))
	}
	if rec.SourceAccount != "" {
		if source == nil {
			return AccountNotFound(rec.SourceAccount)
		}
		source.Balance = source.Balance.Add(rec.Amount.Add(rec.Fee))
		source.UpdatedAt = at
	}
	if rec.DestinationAccount != "" {
		if dest == nil {
			return AccountNotFound(rec.DestinationAccount)
		}
		dest.Balance = dest.Balance.Sub(rec.Amount)
		dest.UpdatedAt = at
	}
	rec.Status = StatusReversed
	rec.Note = note
	rec.UpdatedAt = at
	return nil
}

func checkAccount(account *Account, currency string, adjustment bool) error {
	if currency != "" && account.Currency != "" && NormalizedCurrency(currency) != NormalizedCurrency(account.Currency) {
		return CurrencyMismatch(account.ID, account.Currency, currency)
	}
	if account.Frozen && !adjustment {
		return AccountFrozen(account.ID, account.FrozenReason)
	}
	return nil
}

// CheckAccounts 在执行前确认请求涉及的账户存在、未冻结且币种一致。
// 余额在过账时才校验。
func CheckAccounts(ctx context.Context, repo Repository, req TransactionRequest) error {
	for _, id := range []string{req.SourceAccount, req.DestinationAccount} {
		if id == "" {
			continue
		}
		account, err := repo.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		if err := checkAccount(account, req.Currency, req.Type == TypeAdjustment); err != nil {
			return err
		}
	}
	return nil
}
