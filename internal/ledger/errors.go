package ledger

import (
	xerrors "TreasuryGuard/internal/errors"
)

var (
	// ErrAccountNotFound 表示账户不存在。
	ErrAccountNotFound = xerrors.New(xerrors.CodeInvalidAccount, "账户不存在")
	// ErrAccountExists 表示账户已存在。
	ErrAccountExists = xerrors.New(xerrors.CodeConflict, "账户已存在")
	// ErrRecordNotFound 表示交易记录不存在。
	ErrRecordNotFound = xerrors.New(xerrors.CodeNotFound, "交易记录不存在")
	// ErrRecordConflict 表示交易记录已存在。
	ErrRecordConflict = xerrors.New(xerrors.CodeConflict, "交易记录已存在")
	// ErrReconciliationNotFound 表示对账结果不存在。
	ErrReconciliationNotFound = xerrors.New(xerrors.CodeNotFound, "对账结果不存在")
)

// AccountNotFound 返回带账户 ID 的 INVALID_ACCOUNT 错误。
func AccountNotFound(id string) error {
	return xerrors.New(xerrors.CodeInvalidAccount, "账户不存在", xerrors.WithDetail("account_id", id))
}

// AccountFrozen 返回带冻结原因的 ACCOUNT_FROZEN 错误。
func AccountFrozen(id, reason string) error {
	return xerrors.New(xerrors.CodeAccountFrozen, "账户已冻结",
		xerrors.WithDetail("account_id", id),
		xerrors.WithDetail("reason", reason))
}

// InsufficientFunds 返回余额不足错误，附带所需与可用金额。
func InsufficientFunds(id, required, available string) error {
	return xerrors.New(xerrors.CodeInsufficientFunds, "账户余额不足",
		xerrors.WithDetail("account_id", id),
		xerrors.WithDetail("required", required),
		xerrors.WithDetail("available", available))
}

// CurrencyMismatch 返回币种不一致错误。
func CurrencyMismatch(id, want, got string) error {
	return xerrors.New(xerrors.CodeInvalidAccount, "账户币种不匹配",
		xerrors.WithDetail("account_id", id),
		xerrors.WithDetail("account_currency", want),
		xerrors.WithDetail("currency", got))
}
