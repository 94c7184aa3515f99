package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"TreasuryGuard/internal/clock"
	xerrors "TreasuryGuard/internal/errors"
)

// MemoryRepository 是线程安全的内存实现，主要用于测试与单机演示。
type MemoryRepository struct {
	mu        sync.RWMutex
	accounts  map[string]*Account
	records   map[string]*TransactionRecord
	recOrder  []string
	results   map[string]*ReconciliationResult
	resOrder  []string
	timestamp func() time.Time
}

// MemoryOption 定义内存仓库的可选配置。
type MemoryOption func(*MemoryRepository)

// WithMemoryClock 指定仓库写入时间戳使用的时钟。
func WithMemoryClock(c clock.Clock) MemoryOption {
	return func(r *MemoryRepository) {
		if c != nil {
			r.timestamp = c.Now
		}
	}
}

// NewMemoryRepository 创建内存仓库。
func NewMemoryRepository(opts ...MemoryOption) *MemoryRepository {
	r := &MemoryRepository{
		accounts:  make(map[string]*Account),
		records:   make(map[string]*TransactionRecord),
		results:   make(map[string]*ReconciliationResult),
		timestamp: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// CreateAccount 创建账户，期初余额为空时取当前余额。
func (r *MemoryRepository) CreateAccount(_ context.Context, account *Account) error {
	if account == nil || strings.TrimSpace(account.ID) == "" {
		return xerrors.New(xerrors.CodeValidation, "账户 ID 不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[account.ID]; ok {
		return ErrAccountExists
	}
	clone := account.Clone()
	clone.Currency = NormalizedCurrency(clone.Currency)
	if clone.OpeningBalance.IsZero() && !clone.Balance.IsZero() {
		clone.OpeningBalance = clone.Balance
	}
	now := r.timestamp().UTC()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	r.accounts[clone.ID] = clone
	return nil
}

// GetAccount 返回账户副本。
func (r *MemoryRepository) GetAccount(_ context.Context, id string) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	account, ok := r.accounts[id]
	if !ok {
		return nil, AccountNotFound(id)
	}
	return account.Clone(), nil
}

// ListAccounts 按 ID 排序返回所有账户。
func (r *MemoryRepository) ListAccounts(context.Context) ([]*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	accounts := make([]*Account, 0, len(r.accounts))
	for _, account := range r.accounts {
		accounts = append(accounts, account.Clone())
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

// SetFrozen 冻结或解冻账户。
func (r *MemoryRepository) SetFrozen(_ context.Context, id string, frozen bool, reason string, at time.Time) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[id]
	if !ok {
		return nil, AccountNotFound(id)
	}
	account.Frozen = frozen
	if frozen {
		ts := at
		account.FrozenAt = &ts
		account.FrozenReason = reason
	} else {
		account.FrozenAt = nil
		account.FrozenReason = ""
	}
	account.UpdatedAt = at
	return account.Clone(), nil
}

// Post 在单个写锁内校验并应用余额变更。
func (r *MemoryRepository) Post(_ context.Context, record *TransactionRecord) error {
	if record == nil || record.ID == "" {
		return xerrors.New(xerrors.CodeValidation, "交易记录 ID 不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.records[record.ID]; ok && existing.Status != StatusFailed && existing.Status != StatusPending {
		return ErrRecordConflict
	}

	// 在副本上计算，失败时不污染仓库状态。
	var source, dest *Account
	if record.SourceAccount != "" {
		if acc, ok := r.accounts[record.SourceAccount]; ok {
			source = acc.Clone()
		}
	}
	if record.DestinationAccount != "" {
		if acc, ok := r.accounts[record.DestinationAccount]; ok {
			dest = acc.Clone()
		}
	}
	rec := record.Clone()
	if err := ApplyPosting(rec, source, dest, r.timestamp().UTC()); err != nil {
		return err
	}
	if source != nil {
		r.accounts[source.ID] = source
	}
	if dest != nil {
		r.accounts[dest.ID] = dest
	}
	r.putRecord(rec)
	*record = *rec.Clone()
	return nil
}

// SaveRecord 保存记录，不改变余额。
func (r *MemoryRepository) SaveRecord(_ context.Context, record *TransactionRecord) error {
	if record == nil || record.ID == "" {
		return xerrors.New(xerrors.CodeValidation, "交易记录 ID 不能为空")
	}
	if record.Status == StatusCompleted || record.Status == StatusReversed {
		return xerrors.New(xerrors.CodeValidation, "已完成的记录必须通过 Post 保存",
			xerrors.WithDetail("record_id", record.ID))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.records[record.ID]; ok && (existing.Status == StatusCompleted || existing.Status == StatusReversed) {
		return ErrRecordConflict
	}
	rec := record.Clone()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = r.timestamp().UTC()
	}
	r.putRecord(rec)
	return nil
}

func (r *MemoryRepository) putRecord(rec *TransactionRecord) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	if _, ok := r.records[rec.ID]; !ok {
		r.recOrder = append(r.recOrder, rec.ID)
	}
	r.records[rec.ID] = rec
}

// GetRecord 返回记录副本。
func (r *MemoryRepository) GetRecord(_ context.Context, id string) (*TransactionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

// ListRecords 按写入顺序返回符合条件的记录。
func (r *MemoryRepository) ListRecords(_ context.Context, filter RecordFilter) ([]*TransactionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filterRecords(filter), nil
}

func (r *MemoryRepository) filterRecords(filter RecordFilter) []*TransactionRecord {
	out := make([]*TransactionRecord, 0)
	for _, id := range r.recOrder {
		rec := r.records[id]
		if !filter.Matches(rec) {
			continue
		}
		out = append(out, rec.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Reverse 冲销记录。
func (r *MemoryRepository) Reverse(_ context.Context, id, note string, at time.Time) (*TransactionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	rec := stored.Clone()
	var source, dest *Account
	if acc, ok := r.accounts[rec.SourceAccount]; ok {
		source = acc.Clone()
	}
	if acc, ok := r.accounts[rec.DestinationAccount]; ok {
		dest = acc.Clone()
	}
	if err := ApplyReversal(rec, source, dest, note, at); err != nil {
		return nil, err
	}
	if source != nil {
		r.accounts[source.ID] = source
	}
	if dest != nil {
		r.accounts[dest.ID] = dest
	}
	r.records[id] = rec
	return rec.Clone(), nil
}

// Snapshot 在读锁内复制账户与相关记录。
func (r *MemoryRepository) Snapshot(_ context.Context, accountID string) (*Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	account, ok := r.accounts[accountID]
	if !ok {
		return nil, AccountNotFound(accountID)
	}
	return &Snapshot{
		Account: account.Clone(),
		Records: r.filterRecords(RecordFilter{AccountID: accountID}),
		TakenAt: r.timestamp().UTC(),
	}, nil
}

// SaveReconciliation 保存或更新对账结果。
func (r *MemoryRepository) SaveReconciliation(_ context.Context, result *ReconciliationResult) error {
	if result == nil || result.ID == "" {
		return xerrors.New(xerrors.CodeValidation, "对账结果 ID 不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.results[result.ID]; !ok {
		r.resOrder = append(r.resOrder, result.ID)
	}
	r.results[result.ID] = result.Clone()
	return nil
}

// GetReconciliation 返回对账结果副本。
func (r *MemoryRepository) GetReconciliation(_ context.Context, id string) (*ReconciliationResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result, ok := r.results[id]
	if !ok {
		return nil, ErrReconciliationNotFound
	}
	return result.Clone(), nil
}

// ListReconciliations 按时间倒序返回对账历史。
func (r *MemoryRepository) ListReconciliations(_ context.Context, filter ReconciliationFilter) ([]*ReconciliationResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ReconciliationResult, 0)
	for i := len(r.resOrder) - 1; i >= 0; i-- {
		result := r.results[r.resOrder[i]]
		if filter.AccountID != "" && result.AccountID != filter.AccountID {
			continue
		}
		if filter.Status != "" && result.Status != filter.Status {
			continue
		}
		out = append(out, result.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Close 实现 Repository 接口。
func (r *MemoryRepository) Close() error { return nil }
