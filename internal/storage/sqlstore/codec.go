package sqlstore

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/ledger"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*ledger.Account, error) {
	var (
		account          ledger.Account
		balance, opening string
		external         string
		frozen           int
		frozenAt         sql.NullInt64
		created, updated int64
	)
	if err := row.Scan(&account.ID, &account.Name, &account.Currency, &balance, &opening, &external,
		&frozen, &account.FrozenReason, &frozenAt, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, storageError(err, "读取账户失败")
	}
	var err error
	if account.Balance, err = parseDecimal(balance); err != nil {
		return nil, err
	}
	if account.OpeningBalance, err = parseDecimal(opening); err != nil {
		return nil, err
	}
	if err := decodeJSON(external, &account.External); err != nil {
		return nil, err
	}
	account.Frozen = frozen != 0
	account.FrozenAt = timePtr(frozenAt)
	account.CreatedAt = fromUnix(created)
	account.UpdatedAt = fromUnix(updated)
	return &account, nil
}

func scanRecord(row scanner) (*ledger.TransactionRecord, error) {
	var (
		rec              ledger.TransactionRecord
		typ, status      string
		amount, fee      string
		metadata         string
		created, updated int64
		completed        sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.RequestID, &typ, &rec.SourceAccount, &rec.DestinationAccount, &amount, &fee,
		&rec.Currency, &status, &rec.FailureReason, &rec.Note, &metadata, &created, &completed, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, storageError(err, "读取交易记录失败")
	}
	rec.Type = ledger.Type(typ)
	rec.Status = ledger.Status(status)
	var err error
	if rec.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	if rec.Fee, err = parseDecimal(fee); err != nil {
		return nil, err
	}
	if err := decodeJSON(metadata, &rec.Metadata); err != nil {
		return nil, err
	}
	rec.CreatedAt = fromUnix(created)
	rec.CompletedAt = timePtr(completed)
	rec.UpdatedAt = fromUnix(updated)
	return &rec, nil
}

func scanResult(row scanner) (*ledger.ReconciliationResult, error) {
	var (
		result                           ledger.ReconciliationResult
		expected, consensus, discrepancy string
		status, observations             string
		resolution                       sql.NullString
		created                          int64
	)
	if err := row.Scan(&result.ID, &result.AccountID, &result.Currency, &expected, &consensus, &discrepancy,
		&status, &result.Error, &result.Trigger, &observations, &resolution, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, storageError(err, "读取对账结果失败")
	}
	result.Status = ledger.ReconciliationStatus(status)
	var err error
	if result.Expected, err = parseDecimal(expected); err != nil {
		return nil, err
	}
	if result.Consensus, err = parseDecimal(consensus); err != nil {
		return nil, err
	}
	if result.Discrepancy, err = parseDecimal(discrepancy); err != nil {
		return nil, err
	}
	if err := decodeJSON(observations, &result.Observations); err != nil {
		return nil, err
	}
	if resolution.Valid && resolution.String != "" {
		result.Resolution = &ledger.Resolution{}
		if err := decodeJSON(resolution.String, result.Resolution); err != nil {
			return nil, err
		}
	}
	result.CreatedAt = fromUnix(created)
	return &result, nil
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析金额失败", xerrors.WithDetail("value", raw))
	}
	return v, nil
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化字段失败")
	}
	return string(data), nil
}

func decodeJSON(raw string, v any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "反序列化字段失败")
	}
	return nil
}

// unix 以纳秒保存时间，零值保存为 0。
func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnix(v.Int64)
	return &t
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func storageError(err error, message string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}
