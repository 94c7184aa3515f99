package resolver

import (
	"github.com/shopspring/decimal"

	"TreasuryGuard/internal/execution"
	"TreasuryGuard/internal/ledger"
)

func near(a, b, precision decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(precision)
}

type duplicateKey struct {
	typ    ledger.Type
	source string
	dest   string
	amount string
	ccy    string
}

func keyOf(rec *ledger.TransactionRecord) duplicateKey {
	return duplicateKey{
		typ:    rec.Type,
		source: rec.SourceAccount,
		dest:   rec.DestinationAccount,
		amount: rec.Amount.String(),
		ccy:    rec.Currency,
	}
}

// findDuplicate 查找与更早记录完全相同、且冲销后恰好消除差异的已完成记录，返回较晚的一条。
func findDuplicate(records []*ledger.TransactionRecord, accountID string, target, precision decimal.Decimal) *ledger.TransactionRecord {
	seen := make(map[duplicateKey]bool)
	for _, rec := range records {
		if rec.Status != ledger.StatusCompleted || rec.Type == ledger.TypeAdjustment {
			continue
		}
		key := keyOf(rec)
		if seen[key] && near(rec.Effect(accountID).Neg(), target, precision) {
			return rec
		}
		seen[key] = true
	}
	return nil
}

// findMissing 查找外部已入账但本地失败或挂起的记录。
func findMissing(records []*ledger.TransactionRecord, accountID string, target, precision decimal.Decimal) *ledger.TransactionRecord {
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Status != ledger.StatusFailed && rec.Status != ledger.StatusPending {
			continue
		}
		if near(rec.Effect(accountID), target, precision) {
			return rec
		}
	}
	return nil
}

// findIncorrectFee 查找手续费与当前费率不符、且差额恰好等于差异的记录。
func findIncorrectFee(records []*ledger.TransactionRecord, accountID string, target, precision decimal.Decimal, fees execution.FeePolicy) *ledger.TransactionRecord {
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Status != ledger.StatusCompleted || rec.SourceAccount != accountID || rec.Type == ledger.TypeAdjustment {
			continue
		}
		diff := fees.Fee(rec.Type, rec.Amount).Sub(rec.Fee)
		if diff.IsZero() {
			continue
		}
		// 少收的手续费会让外部余额低于账本。
		if near(diff.Neg(), target, precision) {
			return rec
		}
	}
	return nil
}
