package sqlstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/internal/storage/sqlite"
	"TreasuryGuard/internal/storage/sqlstore"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func open(t *testing.T) *sqlstore.Repository {
	t.Helper()
	repo, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	ctx := context.Background()
	require.NoError(t, repo.CreateAccount(ctx, &ledger.Account{
		ID: "ops", Name: "Operations", Currency: "usd", Balance: d("1000"),
		External: ledger.ExternalAPI{Provider: "bank", Sources: []ledger.BalanceSourceConfig{{Name: "bank", Kind: "static"}}},
	}))
	require.NoError(t, repo.CreateAccount(ctx, &ledger.Account{ID: "vendor", Currency: "USD"}))
	return repo
}

func transfer(id, amount, fee string, at time.Time) *ledger.TransactionRecord {
	return &ledger.TransactionRecord{
		ID: id, RequestID: id, Type: ledger.TypeTransfer,
		SourceAccount: "ops", DestinationAccount: "vendor",
		Amount: d(amount), Fee: d(fee), Currency: "USD",
		Metadata:  map[string]string{"invoice": "INV-" + id},
		CreatedAt: at,
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	repo := open(t)
	applied, err := sqlstore.Migrate(context.Background(), repo.DB(), sqlstore.DialectSQLite)
	require.NoError(t, err)
	assert.Zero(t, applied)
}

func TestAccountRoundTrip(t *testing.T) {
	repo := open(t)
	ctx := context.Background()

	ops, err := repo.GetAccount(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, "USD", ops.Currency)
	assert.True(t, ops.OpeningBalance.Equal(d("1000")))
	require.Len(t, ops.External.Sources, 1)
	assert.Equal(t, "bank", ops.External.Sources[0].Name)

	err = repo.CreateAccount(ctx, &ledger.Account{ID: "ops", Currency: "USD"})
	assert.ErrorIs(t, err, ledger.ErrAccountExists)

	_, err = repo.GetAccount(ctx, "ghost")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidAccount))

	at := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	frozen, err := repo.SetFrozen(ctx, "vendor", true, "discrepancy", at)
	require.NoError(t, err)
	assert.True(t, frozen.Frozen)

	vendor, err := repo.GetAccount(ctx, "vendor")
	require.NoError(t, err)
	assert.True(t, vendor.Frozen)
	assert.Equal(t, "discrepancy", vendor.FrozenReason)
	require.NotNil(t, vendor.FrozenAt)
	assert.True(t, vendor.FrozenAt.Equal(at))

	accounts, err := repo.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "ops", accounts[0].ID)
}

func TestPostAndReverse(t *testing.T) {
	repo := open(t)
	ctx := context.Background()
	base := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)

	rec := transfer("tx-1", "100", "0.25", base)
	require.NoError(t, repo.Post(ctx, rec))
	assert.Equal(t, ledger.StatusCompleted, rec.Status)

	ops, err := repo.GetAccount(ctx, "ops")
	require.NoError(t, err)
	assert.True(t, ops.Balance.Equal(d("899.75")), ops.Balance.String())

	stored, err := repo.GetRecord(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "INV-tx-1", stored.Metadata["invoice"])
	assert.True(t, stored.Fee.Equal(d("0.25")))
	require.NotNil(t, stored.CompletedAt)

	assert.ErrorIs(t, repo.Post(ctx, transfer("tx-1", "1", "0", base)), ledger.ErrRecordConflict)

	require.NoError(t, repo.Post(ctx, transfer("tx-2", "50", "0", base.Add(time.Minute))))
	snap, err := repo.Snapshot(ctx, "ops")
	require.NoError(t, err)
	require.Len(t, snap.Records, 2)
	assert.True(t, snap.Expected().Equal(d("849.75")))

	reversed, err := repo.Reverse(ctx, "tx-2", "duplicate", base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusReversed, reversed.Status)
	ops, _ = repo.GetAccount(ctx, "ops")
	assert.True(t, ops.Balance.Equal(d("899.75")))

	_, err = repo.Reverse(ctx, "tx-2", "again", base.Add(3*time.Minute))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))

	_, err = repo.GetRecord(ctx, "tx-404")
	assert.ErrorIs(t, err, ledger.ErrRecordNotFound)
}

func TestRejectedPostLeavesNoTrace(t *testing.T) {
	repo := open(t)
	ctx := context.Background()

	err := repo.Post(ctx, transfer("tx-big", "1000", "1", time.Now()))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInsufficientFunds))

	_, err = repo.SetFrozen(ctx, "vendor", true, "manual", time.Now())
	require.NoError(t, err)
	err = repo.Post(ctx, transfer("tx-frozen", "1", "0", time.Now()))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeAccountFrozen))

	ops, _ := repo.GetAccount(ctx, "ops")
	assert.True(t, ops.Balance.Equal(d("1000")))
	records, err := repo.ListRecords(ctx, ledger.RecordFilter{AccountID: "ops"})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFailedRecordCanBeRetried(t *testing.T) {
	repo := open(t)
	ctx := context.Background()

	failed := transfer("tx-5", "5", "0", time.Now())
	failed.Status = ledger.StatusFailed
	failed.FailureReason = "timeout"
	require.NoError(t, repo.SaveRecord(ctx, failed))

	list, err := repo.ListRecords(ctx, ledger.RecordFilter{Status: ledger.StatusFailed})
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, repo.Post(ctx, transfer("tx-5", "5", "0", time.Now())))
	rec, err := repo.GetRecord(ctx, "tx-5")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, rec.Status)
	assert.Empty(t, rec.FailureReason)

	completed := rec.Clone()
	completed.Status = ledger.StatusFailed
	assert.ErrorIs(t, repo.SaveRecord(ctx, completed), ledger.ErrRecordConflict)
}

func TestListRecordsFilters(t *testing.T) {
	repo := open(t)
	ctx := context.Background()
	base := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"tx-a", "tx-b", "tx-c"} {
		require.NoError(t, repo.Post(ctx, transfer(id, "10", "0", base.Add(time.Duration(i)*time.Hour))))
	}

	since, err := repo.ListRecords(ctx, ledger.RecordFilter{AccountID: "vendor", Since: base.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, "tx-b", since[0].ID)

	limited, err := repo.ListRecords(ctx, ledger.RecordFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "tx-a", limited[0].ID)
}

func TestReconciliationHistory(t *testing.T) {
	repo := open(t)
	ctx := context.Background()
	base := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, repo.SaveReconciliation(ctx, &ledger.ReconciliationResult{
			ID: id, AccountID: "ops", Currency: "USD", Status: ledger.ReconciliationMatched,
			Expected: d("1000"), Consensus: d("1000"),
			Observations: []ledger.Observation{{Source: "bank", Balance: d("1000"), Valid: true}},
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}))
	}
	updated := &ledger.ReconciliationResult{
		ID: "r2", AccountID: "ops", Currency: "USD", Status: ledger.ReconciliationDiscrepancy,
		Expected: d("1000"), Consensus: d("999.5"), Discrepancy: d("0.5"),
		Resolution: &ledger.Resolution{
			Tier: ledger.TierSmall, Action: ledger.ActionAdjusted, Resolved: true,
			Narrative: "auto adjusted", RecordIDs: []string{"adj-1"}, ResolvedAt: base,
		},
		CreatedAt: base.Add(time.Minute),
	}
	require.NoError(t, repo.SaveReconciliation(ctx, updated))

	list, err := repo.ListReconciliations(ctx, ledger.ReconciliationFilter{AccountID: "ops", Limit: 2})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r3", list[0].ID)
	assert.Equal(t, "r2", list[1].ID)

	got, err := repo.GetReconciliation(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, ledger.ReconciliationDiscrepancy, got.Status)
	assert.True(t, got.Discrepancy.Equal(d("0.5")))
	require.NotNil(t, got.Resolution)
	assert.Equal(t, ledger.ActionAdjusted, got.Resolution.Action)
	assert.Equal(t, []string{"adj-1"}, got.Resolution.RecordIDs)

	discrepancies, err := repo.ListReconciliations(ctx, ledger.ReconciliationFilter{Status: ledger.ReconciliationDiscrepancy})
	require.NoError(t, err)
	require.Len(t, discrepancies, 1)

	_, err = repo.GetReconciliation(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrReconciliationNotFound)
}
