// Package sqlstore 基于 database/sql 实现 ledger.Repository，MySQL 与 SQLite 共用同一套语句。
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"TreasuryGuard/internal/clock"
	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/pkg/logger"
)

// Dialect 标识数据库方言。
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

const (
	accountColumns = `id, name, currency, balance, opening_balance, external, frozen, frozen_reason, frozen_at, created_at, updated_at`
	recordColumns  = `id, request_id, type, source_account, destination_account, amount, fee, currency, status, failure_reason, note, metadata, created_at, completed_at, updated_at`
	resultColumns  = `id, account_id, currency, expected, consensus, discrepancy, status, error, trigger_scope, observations, resolution, created_at`
)

// Repository 是持久化的账本仓库。余额变更与记录写入在同一事务内完成，
// MySQL 下使用 SELECT ... FOR UPDATE 锁定涉及的账户行。
type Repository struct {
	db      *sql.DB
	dialect Dialect
	clock   clock.Clock
	log     *slog.Logger
}

// Option 定义可选配置。
type Option func(*Repository)

// WithClock 指定写入时间戳使用的时钟。
func WithClock(c clock.Clock) Option {
	return func(r *Repository) {
		if c != nil {
			r.clock = c
		}
	}
}

// New 使用已建立的连接池创建仓库，不执行迁移。
func New(db *sql.DB, dialect Dialect, opts ...Option) *Repository {
	r := &Repository{
		db:      db,
		dialect: dialect,
		clock:   clock.Real(),
		log:     logger.Named("storage"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// DB 返回底层连接池。
func (r *Repository) DB() *sql.DB {
	return r.db
}

// Dialect 返回数据库方言。
func (r *Repository) Dialect() Dialect {
	return r.dialect
}

func (r *Repository) forUpdate() string {
	if r.dialect == DialectMySQL {
		return " FOR UPDATE"
	}
	return ""
}

func (r *Repository) now() time.Time {
	return r.clock.Now().UTC()
}

// CreateAccount 创建账户，期初余额为空时取当前余额。
func (r *Repository) CreateAccount(ctx context.Context, account *ledger.Account) error {
	if account == nil || strings.TrimSpace(account.ID) == "" {
		return xerrors.New(xerrors.CodeValidation, "账户 ID 不能为空")
	}
	clone := account.Clone()
	clone.Currency = ledger.NormalizedCurrency(clone.Currency)
	if clone.OpeningBalance.IsZero() && !clone.Balance.IsZero() {
		clone.OpeningBalance = clone.Balance
	}
	now := r.now()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now

	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := r.loadAccount(ctx, tx, clone.ID, true); err == nil {
			return ledger.ErrAccountExists
		} else if !xerrors.HasCode(err, xerrors.CodeInvalidAccount) {
			return err
		}
		external, err := encodeJSON(clone.External)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			clone.ID, clone.Name, clone.Currency, clone.Balance.String(), clone.OpeningBalance.String(), external,
			boolInt(clone.Frozen), clone.FrozenReason, nullableTime(clone.FrozenAt), unix(clone.CreatedAt), unix(clone.UpdatedAt))
		if err != nil {
			return storageError(err, "写入账户失败")
		}
		return nil
	})
}

// GetAccount 返回账户。
func (r *Repository) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.AccountNotFound(id)
	}
	return account, err
}

// ListAccounts 按 ID 排序返回所有账户。
func (r *Repository) ListAccounts(ctx context.Context) ([]*ledger.Account, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, storageError(err, "查询账户失败")
	}
	defer rows.Close()
	var out []*ledger.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, account)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历账户失败")
	}
	return out, nil
}

// SetFrozen 冻结或解冻账户。
func (r *Repository) SetFrozen(ctx context.Context, id string, frozen bool, reason string, at time.Time) (*ledger.Account, error) {
	var out *ledger.Account
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		account, err := r.loadAccount(ctx, tx, id, true)
		if err != nil {
			return err
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
		if _, err := tx.ExecContext(ctx, `UPDATE accounts SET frozen = ?, frozen_reason = ?, frozen_at = ?, updated_at = ? WHERE id = ?`,
			boolInt(account.Frozen), account.FrozenReason, nullableTime(account.FrozenAt), unix(account.UpdatedAt), id); err != nil {
			return storageError(err, "更新冻结状态失败")
		}
		out = account
		return nil
	})
	return out, err
}

// Post 在单个事务内校验并应用余额变更，随后保存已完成的记录。
func (r *Repository) Post(ctx context.Context, record *ledger.TransactionRecord) error {
	if record == nil || record.ID == "" {
		return xerrors.New(xerrors.CodeValidation, "交易记录 ID 不能为空")
	}
	rec := record.Clone()
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := r.loadRecord(ctx, tx, rec.ID, true)
		switch {
		case err == nil && existing.Status != ledger.StatusFailed && existing.Status != ledger.StatusPending:
			return ledger.ErrRecordConflict
		case err != nil && !xerrors.HasCode(err, xerrors.CodeNotFound):
			return err
		}

		accounts, err := r.lockAccounts(ctx, tx, rec.SourceAccount, rec.DestinationAccount)
		if err != nil {
			return err
		}
		source, dest := accounts[rec.SourceAccount], accounts[rec.DestinationAccount]
		if err := ledger.ApplyPosting(rec, source, dest, r.now()); err != nil {
			return err
		}
		for _, account := range []*ledger.Account{source, dest} {
			if account == nil {
				continue
			}
			if err := r.updateBalance(ctx, tx, account); err != nil {
				return err
			}
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = rec.UpdatedAt
		}
		return r.putRecord(ctx, tx, rec, existing != nil)
	})
	if err != nil {
		return err
	}
	*record = *rec
	return nil
}

// SaveRecord 保存不影响余额的记录。
func (r *Repository) SaveRecord(ctx context.Context, record *ledger.TransactionRecord) error {
	if record == nil || record.ID == "" {
		return xerrors.New(xerrors.CodeValidation, "交易记录 ID 不能为空")
	}
	if record.Status == ledger.StatusCompleted || record.Status == ledger.StatusReversed {
		return xerrors.New(xerrors.CodeValidation, "已完成的记录必须通过 Post 保存",
			xerrors.WithDetail("record_id", record.ID))
	}
	rec := record.Clone()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = r.now()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := r.loadRecord(ctx, tx, rec.ID, true)
		switch {
		case err == nil && (existing.Status == ledger.StatusCompleted || existing.Status == ledger.StatusReversed):
			return ledger.ErrRecordConflict
		case err != nil && !xerrors.HasCode(err, xerrors.CodeNotFound):
			return err
		}
		return r.putRecord(ctx, tx, rec, existing != nil)
	})
}

// GetRecord 返回交易记录。
func (r *Repository) GetRecord(ctx context.Context, id string) (*ledger.TransactionRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM transaction_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrRecordNotFound
	}
	return rec, err
}

// ListRecords 按写入时间返回符合条件的记录。
func (r *Repository) ListRecords(ctx context.Context, filter ledger.RecordFilter) ([]*ledger.TransactionRecord, error) {
	return r.queryRecords(ctx, r.db, filter)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *Repository) queryRecords(ctx context.Context, q queryer, filter ledger.RecordFilter) ([]*ledger.TransactionRecord, error) {
	var where []string
	var args []any
	if filter.AccountID != "" {
		where = append(where, `(source_account = ? OR destination_account = ?)`)
		args = append(args, filter.AccountID, filter.AccountID)
	}
	if filter.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		where = append(where, `created_at >= ?`)
		args = append(args, unix(filter.Since))
	}
	query := `SELECT ` + recordColumns + ` FROM transaction_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(err, "查询交易记录失败")
	}
	defer rows.Close()
	out := make([]*ledger.TransactionRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历交易记录失败")
	}
	return out, nil
}

// Reverse 冲销一条已完成记录。
func (r *Repository) Reverse(ctx context.Context, id, note string, at time.Time) (*ledger.TransactionRecord, error) {
	var out *ledger.TransactionRecord
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := r.loadRecord(ctx, tx, id, true)
		if err != nil {
			return err
		}
		accounts, err := r.lockAccounts(ctx, tx, rec.SourceAccount, rec.DestinationAccount)
		if err != nil {
			return err
		}
		source, dest := accounts[rec.SourceAccount], accounts[rec.DestinationAccount]
		if err := ledger.ApplyReversal(rec, source, dest, note, at); err != nil {
			return err
		}
		for _, account := range []*ledger.Account{source, dest} {
			if account == nil {
				continue
			}
			if err := r.updateBalance(ctx, tx, account); err != nil {
				return err
			}
		}
		if err := r.putRecord(ctx, tx, rec, true); err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

// Snapshot 在只读事务内读取账户与相关记录。
func (r *Repository) Snapshot(ctx context.Context, accountID string) (*ledger.Snapshot, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, storageError(err, "开启快照事务失败")
	}
	defer tx.Rollback()
	account, err := r.loadAccount(ctx, tx, accountID, false)
	if err != nil {
		return nil, err
	}
	records, err := r.queryRecords(ctx, tx, ledger.RecordFilter{AccountID: accountID})
	if err != nil {
		return nil, err
	}
	return &ledger.Snapshot{Account: account, Records: records, TakenAt: r.now()}, nil
}

// SaveReconciliation 保存或更新对账结果。
func (r *Repository) SaveReconciliation(ctx context.Context, result *ledger.ReconciliationResult) error {
	if result == nil || result.ID == "" {
		return xerrors.New(xerrors.CodeValidation, "对账结果 ID 不能为空")
	}
	observations, err := encodeJSON(result.Observations)
	if err != nil {
		return err
	}
	var resolution sql.NullString
	if result.Resolution != nil {
		encoded, err := encodeJSON(result.Resolution)
		if err != nil {
			return err
		}
		resolution = sql.NullString{String: encoded, Valid: true}
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM reconciliation_results WHERE id = ?`+r.forUpdate(), result.ID).Scan(&exists)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, `INSERT INTO reconciliation_results (`+resultColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				result.ID, result.AccountID, result.Currency, result.Expected.String(), result.Consensus.String(),
				result.Discrepancy.String(), string(result.Status), result.Error, result.Trigger, observations,
				resolution, unix(result.CreatedAt))
		case err == nil:
			_, err = tx.ExecContext(ctx, `UPDATE reconciliation_results SET account_id = ?, currency = ?, expected = ?, consensus = ?,
        discrepancy = ?, status = ?, error = ?, trigger_scope = ?, observations = ?, resolution = ?, created_at = ? WHERE id = ?`,
				result.AccountID, result.Currency, result.Expected.String(), result.Consensus.String(),
				result.Discrepancy.String(), string(result.Status), result.Error, result.Trigger, observations,
				resolution, unix(result.CreatedAt), result.ID)
		}
		if err != nil {
			return storageError(err, "保存对账结果失败")
		}
		return nil
	})
}

// GetReconciliation 返回对账结果。
func (r *Repository) GetReconciliation(ctx context.Context, id string) (*ledger.ReconciliationResult, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM reconciliation_results WHERE id = ?`, id)
	result, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrReconciliationNotFound
	}
	return result, err
}

// ListReconciliations 按时间倒序返回对账历史。
func (r *Repository) ListReconciliations(ctx context.Context, filter ledger.ReconciliationFilter) ([]*ledger.ReconciliationResult, error) {
	var where []string
	var args []any
	if filter.AccountID != "" {
		where = append(where, `account_id = ?`)
		args = append(args, filter.AccountID)
	}
	if filter.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, string(filter.Status))
	}
	query := `SELECT ` + resultColumns + ` FROM reconciliation_results`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(err, "查询对账历史失败")
	}
	defer rows.Close()
	out := make([]*ledger.ReconciliationResult, 0)
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历对账历史失败")
	}
	return out, nil
}

// Close 关闭底层连接池。
func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Repository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError(err, "开启事务失败")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.log.Warn("回滚事务失败", slog.Any("error", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageError(err, "提交事务失败")
	}
	return nil
}

func (r *Repository) loadAccount(ctx context.Context, tx *sql.Tx, id string, lock bool) (*ledger.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = ?`
	if lock {
		query += r.forUpdate()
	}
	account, err := scanAccount(tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.AccountNotFound(id)
	}
	return account, err
}

// lockAccounts 按 ID 顺序锁定账户，缺失的账户不出现在结果中。
func (r *Repository) lockAccounts(ctx context.Context, tx *sql.Tx, ids ...string) (map[string]*ledger.Account, error) {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	sort.Strings(unique)
	out := make(map[string]*ledger.Account, len(unique))
	for _, id := range unique {
		account, err := r.loadAccount(ctx, tx, id, true)
		if err != nil {
			if xerrors.HasCode(err, xerrors.CodeInvalidAccount) {
				continue
			}
			return nil, err
		}
		out[id] = account
	}
	return out, nil
}

func (r *Repository) updateBalance(ctx context.Context, tx *sql.Tx, account *ledger.Account) error {
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = ?, updated_at = ? WHERE id = ?`,
		account.Balance.String(), unix(account.UpdatedAt), account.ID); err != nil {
		return storageError(err, "更新账户余额失败")
	}
	return nil
}

func (r *Repository) loadRecord(ctx context.Context, tx *sql.Tx, id string, lock bool) (*ledger.TransactionRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM transaction_records WHERE id = ?`
	if lock {
		query += r.forUpdate()
	}
	rec, err := scanRecord(tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrRecordNotFound
	}
	return rec, err
}

func (r *Repository) putRecord(ctx context.Context, tx *sql.Tx, rec *ledger.TransactionRecord, exists bool) error {
	metadata, err := encodeJSON(rec.Metadata)
	if err != nil {
		return err
	}
	if exists {
		_, err = tx.ExecContext(ctx, `UPDATE transaction_records SET request_id = ?, type = ?, source_account = ?, destination_account = ?,
        amount = ?, fee = ?, currency = ?, status = ?, failure_reason = ?, note = ?, metadata = ?, created_at = ?, completed_at = ?, updated_at = ?
        WHERE id = ?`,
			rec.RequestID, string(rec.Type), rec.SourceAccount, rec.DestinationAccount, rec.Amount.String(), rec.Fee.String(),
			rec.Currency, string(rec.Status), rec.FailureReason, rec.Note, metadata, unix(rec.CreatedAt),
			nullableTime(rec.CompletedAt), unix(rec.UpdatedAt), rec.ID)
	} else {
		_, err = tx.ExecContext(ctx, `INSERT INTO transaction_records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.RequestID, string(rec.Type), rec.SourceAccount, rec.DestinationAccount, rec.Amount.String(), rec.Fee.String(),
			rec.Currency, string(rec.Status), rec.FailureReason, rec.Note, metadata, unix(rec.CreatedAt),
			nullableTime(rec.CompletedAt), unix(rec.UpdatedAt))
	}
	if err != nil {
		return storageError(err, "保存交易记录失败")
	}
	return nil
}
