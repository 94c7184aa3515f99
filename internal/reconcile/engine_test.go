package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/internal/reconcile"
	"TreasuryGuard/internal/reconcile/sources"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type fixture struct {
	repo    *ledger.MemoryRepository
	factory *sources.Factory
	bank    *sources.Static
	custody *sources.Static
	engine  *reconcile.Engine
	mu      sync.Mutex
	seen    []*ledger.ReconciliationResult
}

func newFixture(t *testing.T, cfg reconcile.Config) *fixture {
	t.Helper()
	f := &fixture{repo: ledger.NewMemoryRepository()}
	f.factory = sources.NewFactory(sources.FactoryConfig{})
	f.bank = f.factory.Static("bank")
	f.custody = f.factory.Static("custody")
	f.engine = reconcile.NewEngine(f.repo, f.factory, cfg,
		reconcile.WithClock(clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))),
		reconcile.WithResultHandler(func(_ context.Context, r *ledger.ReconciliationResult) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.seen = append(f.seen, r)
		}))
	return f
}

func (f *fixture) account(t *testing.T, id, balance string, frozen bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.repo.CreateAccount(ctx, &ledger.Account{
		ID: id, Currency: "USD", Balance: d(balance),
		External: ledger.ExternalAPI{Sources: []ledger.BalanceSourceConfig{
			{Name: "bank", Kind: "static"}, {Name: "custody", Kind: "static"},
		}},
	}))
	if frozen {
		_, err := f.repo.SetFrozen(ctx, id, true, "test", time.Now())
		require.NoError(t, err)
	}
}

func TestConsensusExcludesInvalidReadings(t *testing.T) {
	obs := []ledger.Observation{
		{Source: "a", Balance: d("100")},
		{Source: "b", Balance: d("0")},
		{Source: "c", Error: "timeout"},
		{Source: "d", Balance: d("102")},
	}
	mean, ok := reconcile.Consensus(reconcile.StrategyMean, obs)
	require.True(t, ok)
	assert.True(t, mean.Equal(d("101")), mean.String())

	obs = append(obs, ledger.Observation{Source: "e", Balance: d("500")})
	median, ok := reconcile.Consensus(reconcile.StrategyMedian, obs)
	require.True(t, ok)
	assert.True(t, median.Equal(d("102")))

	_, ok = reconcile.Consensus(reconcile.StrategyMean, []ledger.Observation{{Source: "z", Error: "down"}})
	assert.False(t, ok)
}

func TestWithinToleranceIsMatched(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	f.account(t, "ops", "1000", false)
	f.bank.Set("ops", d("1000.004"))
	f.custody.Set("ops", d("1000.004"))

	result, err := f.engine.ReconcileAccount(context.Background(), "ops", reconcile.ScopeManual)
	require.NoError(t, err)
	assert.Equal(t, ledger.ReconciliationMatched, result.Status)
	assert.True(t, result.Discrepancy.Equal(d("0.004")))
	assert.NotEmpty(t, result.ID)

	stored, err := f.repo.GetReconciliation(context.Background(), result.ID)
	require.NoError(t, err)
	assert.Equal(t, "manual", stored.Trigger)
	assert.Len(t, f.seen, 1)
}

func TestDiscrepancyWithPartialSourceFailure(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	f.account(t, "ops", "1000", false)
	f.bank.Set("ops", d("1050"))
	f.custody.Fail("ops", errors.New("custody offline"))

	result, err := f.engine.ReconcileAccount(context.Background(), "ops", reconcile.ScopeManual)
	require.NoError(t, err)
	assert.Equal(t, ledger.ReconciliationDiscrepancy, result.Status)
	assert.True(t, result.Discrepancy.Equal(d("50")))
	assert.True(t, result.Signed().Equal(d("50")))
	require.Len(t, result.Observations, 2)
	assert.False(t, result.Observations[1].Valid)
	assert.Equal(t, "custody offline", result.Observations[1].Error)
}

func TestExpectedIncludesCompletedRecords(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	f.account(t, "ops", "1000", false)
	f.account(t, "vendor", "0", false)
	require.NoError(t, f.repo.Post(context.Background(), &ledger.TransactionRecord{
		ID: "tx-1", Type: ledger.TypePayment, SourceAccount: "ops", DestinationAccount: "vendor",
		Amount: d("100"), Fee: d("0.25"), Currency: "USD",
	}))
	f.bank.Set("ops", d("899.75"))
	f.bank.Set("vendor", d("100"))

	results := f.engine.ReconcileAccounts(context.Background(), []string{"ops", "vendor"}, reconcile.ScopeRealtime)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, ledger.ReconciliationMatched, r.Status, r.AccountID)
	}
	assert.True(t, results[0].Expected.Equal(d("899.75")))
}

func TestSweepIsolatesFailures(t *testing.T) {
	f := newFixture(t, reconcile.Config{HighValueFloor: d("5000")})
	f.account(t, "a", "10000", false)
	f.account(t, "b", "100", false)
	f.account(t, "c", "100", true)
	f.bank.Set("a", d("10000"))
	f.bank.Fail("b", errors.New("bank down"))
	f.custody.Fail("b", errors.New("custody down"))
	f.bank.Set("c", d("100"))

	full, err := f.engine.Sweep(context.Background(), reconcile.ScopeFull)
	require.NoError(t, err)
	require.Len(t, full, 2)
	assert.Equal(t, ledger.ReconciliationMatched, full[0].Status)
	assert.Equal(t, ledger.ReconciliationError, full[1].Status)
	assert.Contains(t, full[1].Error, "bank down")

	high, err := f.engine.Sweep(context.Background(), reconcile.ScopeHighValue)
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, "a", high[0].AccountID)

	all, err := f.engine.Sweep(context.Background(), reconcile.ScopeComprehensive)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestUnknownAccountReportsErrorResult(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	results := f.engine.ReconcileAccounts(context.Background(), []string{"ghost"}, reconcile.ScopeManual)
	require.Len(t, results, 1)
	assert.Equal(t, ledger.ReconciliationError, results[0].Status)
	assert.Equal(t, "ghost", results[0].AccountID)
}

type unsavable struct {
	*ledger.MemoryRepository
}

func (unsavable) SaveReconciliation(context.Context, *ledger.ReconciliationResult) error {
	return errors.New("disk full")
}

func TestUnsavedDiscrepancyStillDispatched(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	f.account(t, "ops", "1000", false)
	f.bank.Set("ops", d("900"))

	var seen []*ledger.ReconciliationResult
	engine := reconcile.NewEngine(unsavable{f.repo}, f.factory, reconcile.Config{},
		reconcile.WithResultHandler(func(_ context.Context, r *ledger.ReconciliationResult) {
			seen = append(seen, r)
		}))

	result, err := engine.ReconcileAccount(context.Background(), "ops", reconcile.ScopeManual)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, ledger.ReconciliationDiscrepancy, result.Status)
	require.Len(t, seen, 1)
	assert.Equal(t, "ops", seen[0].AccountID)
}
