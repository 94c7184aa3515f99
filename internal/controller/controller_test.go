package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TreasuryGuard/internal/approval"
	"TreasuryGuard/internal/compliance"
	"TreasuryGuard/internal/emergency"
	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/execution"
	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/internal/limits"
	"TreasuryGuard/internal/observability/alerting"
	"TreasuryGuard/internal/reconcile"
	"TreasuryGuard/internal/reconcile/sources"
	"TreasuryGuard/internal/resolver"
	"TreasuryGuard/internal/scheduler"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type fixture struct {
	clock     clockwork.FakeClock
	repo      ledger.Repository
	memory    *ledger.MemoryRepository
	emergency *emergency.Controller
	limits    *limits.Tracker
	approvals *approval.Coordinator
	sources   *sources.Factory
	engine    *reconcile.Engine
	alerts    *alerting.Recorder
	ctl       *Controller
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	limits limits.Config
	repo   func(*ledger.MemoryRepository) ledger.Repository
}

func withPause(w limits.Window, v string) fixtureOption {
	return func(c *fixtureConfig) { c.limits.Pause[w] = d(v) }
}

func withRepo(fn func(*ledger.MemoryRepository) ledger.Repository) fixtureOption {
	return func(c *fixtureConfig) { c.repo = fn }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{
		limits: limits.Config{
			Ceilings: map[limits.Window]decimal.Decimal{
				limits.WindowSingle:  d("1000"),
				limits.WindowDaily:   d("5000"),
				limits.WindowWeekly:  d("20000"),
				limits.WindowMonthly: d("50000"),
			},
			Pause: map[limits.Window]decimal.Decimal{},
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	f := &fixture{
		clock:  clockwork.NewFakeClockAt(time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)),
		alerts: alerting.NewRecorder(0),
	}
	f.memory = ledger.NewMemoryRepository(ledger.WithMemoryClock(f.clock))
	f.repo = f.memory
	if cfg.repo != nil {
		f.repo = cfg.repo(f.memory)
	}
	ctx := context.Background()
	require.NoError(t, f.memory.CreateAccount(ctx, &ledger.Account{
		ID: "treasury", Currency: "USD", Balance: d("100000"),
		External: ledger.ExternalAPI{Sources: []ledger.BalanceSourceConfig{{Name: "bank", Kind: sources.KindStatic}}},
	}))
	require.NoError(t, f.memory.CreateAccount(ctx, &ledger.Account{ID: "vendor", Currency: "USD"}))

	processor := execution.NewProcessor(f.repo, execution.FeePolicy{}, execution.WithClock(f.clock))
	f.emergency = emergency.NewController(emergency.WithClock(f.clock), emergency.WithAlertDispatcher(f.alerts))
	f.limits = limits.NewTracker(cfg.limits, limits.WithClock(f.clock))

	policy := approval.DefaultPolicy(d("1000"))
	policy.Approvers = []string{"alice", "bob", "carol"}
	policy.Timeout = time.Minute
	f.approvals = approval.NewCoordinator(policy, approval.WithAlertDispatcher(f.alerts))

	f.sources = sources.NewFactory(sources.FactoryConfig{})
	res := resolver.New(f.repo, processor, resolver.DefaultThresholds(),
		resolver.WithClock(f.clock),
		resolver.WithAlertDispatcher(f.alerts),
		resolver.WithEmergency(f.emergency),
	)
	f.engine = reconcile.NewEngine(f.repo, f.sources, reconcile.Config{},
		reconcile.WithClock(f.clock),
		reconcile.WithResultHandler(res.Handle),
	)

	ctl, err := New(Components{
		Repo:       f.repo,
		Emergency:  f.emergency,
		Compliance: compliance.NewGate(compliance.Config{}, nil),
		Limits:     f.limits,
		Approvals:  f.approvals,
		Processor:  processor,
		Reconciler: f.engine,
	}, WithClock(f.clock), WithRealtimeReconciliation(false))
	require.NoError(t, err)
	f.ctl = ctl
	return f
}

func payment(id, amount string) ledger.TransactionRequest {
	return ledger.TransactionRequest{
		ID: id, Type: ledger.TypePayment, Amount: d(amount), Currency: "USD",
		SourceAccount: "treasury", DestinationAccount: "vendor", Priority: ledger.PriorityNormal,
	}
}

func (f *fixture) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	acc, err := f.memory.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acc.Balance
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(Components{})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))
}

func TestAcceptedBelowCeiling(t *testing.T) {
	f := newFixture(t)
	req := payment("r1", "499")
	record, err := f.ctl.ExecuteTransaction(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, record.Status)
	assert.True(t, f.limits.Total(limits.WindowDaily, "USD").Equal(d("499")))
	assert.True(t, f.balance(t, "vendor").Equal(d("499")))
}

func TestCeilingMinusOneWithApprovals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		_, err := f.ctl.ExecuteTransaction(ctx, payment("big", "999"))
		done <- err
	}()
	require.Eventually(t, func() bool { return len(f.approvals.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	_, err := f.approvals.Sign("big", "alice", approval.DecisionApprove, "")
	require.NoError(t, err)
	_, err = f.approvals.Sign("big", "bob", approval.DecisionApprove, "")
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not finish")
	}
	assert.True(t, f.limits.Total(limits.WindowDaily, "USD").Equal(d("999")))
	rec, err := f.memory.GetRecord(ctx, "tx-big")
	require.NoError(t, err)
	assert.Equal(t, "alice,bob", rec.Metadata["approvers"])
}

func TestSingleCeilingRejectsWithoutSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ctl.ExecuteTransaction(ctx, payment("huge", "1001"))
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeLimitExceeded))
	assert.Equal(t, string(limits.WindowSingle), xerrors.DetailOf(err, "window"))

	assert.True(t, f.balance(t, "treasury").Equal(d("100000")))
	assert.True(t, f.limits.Total(limits.WindowDaily, "USD").IsZero())
	_, err = f.memory.GetRecord(ctx, "tx-huge")
	assert.ErrorIs(t, err, ledger.ErrRecordNotFound)
	assert.Empty(t, f.approvals.Pending())
}

func TestComplianceFailureNamesRequirement(t *testing.T) {
	f := newFixture(t)
	req := payment("c1", "10")
	req.Requirements = []ledger.ComplianceRequirement{{ID: "cap-5", Rule: compliance.RuleMaxAmount, Params: map[string]any{"limit": "5"}}}
	_, err := f.ctl.ExecuteTransaction(context.Background(), req)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeComplianceViolation))
	assert.Equal(t, "cap-5", xerrors.DetailOf(err, "requirement"))
	assert.True(t, f.limits.Total(limits.WindowDaily, "USD").IsZero())
}

func TestEmergencyFailsFastWithoutMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.True(t, f.emergency.Trigger(ctx, emergency.CauseOperator, "drill", "ops"))

	bad := payment("", "-5")
	_, err := f.ctl.ExecuteTransaction(ctx, bad)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeEmergencyModeActive), "emergency check runs before validation")

	_, err = f.ctl.ExecuteTransaction(ctx, payment("e1", "10"))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeEmergencyModeActive))
	assert.True(t, f.balance(t, "treasury").Equal(d("100000")))
	assert.True(t, f.limits.Total(limits.WindowDaily, "USD").IsZero())
	records, err := f.memory.ListRecords(ctx, ledger.RecordFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFrozenAccountRejectedBeforeApprovals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.memory.SetFrozen(ctx, "treasury", true, "discrepancy", f.clock.Now())
	require.NoError(t, err)

	_, err = f.ctl.ExecuteTransaction(ctx, payment("frozen-big", "800"))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeAccountFrozen))
	assert.Equal(t, "treasury", xerrors.DetailOf(err, "account_id"))
	assert.Empty(t, f.approvals.Pending())
	assert.Empty(t, f.alerts.OfKind(alerting.KindApprovalRequested))
	assert.True(t, f.limits.Total(limits.WindowDaily, "USD").IsZero())

	missing := payment("ghost", "10")
	missing.DestinationAccount = "nobody"
	_, err = f.ctl.ExecuteTransaction(ctx, missing)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidAccount))
	assert.True(t, f.limits.Total(limits.WindowDaily, "USD").IsZero())
}

type securityFailure struct {
	*ledger.MemoryRepository
}

func (securityFailure) Post(context.Context, *ledger.TransactionRecord) error {
	return errors.New("security module rejected signing key")
}

func TestCriticalFailureTriggersEmergency(t *testing.T) {
	f := newFixture(t, withRepo(func(m *ledger.MemoryRepository) ledger.Repository { return securityFailure{m} }))
	_, err := f.ctl.ExecuteTransaction(context.Background(), payment("s1", "10"))
	require.Error(t, err)
	assert.True(t, f.emergency.IsActive())
	assert.Equal(t, emergency.CauseCriticalFailure, f.emergency.State().Cause)
	assert.True(t, f.limits.Total(limits.WindowDaily, "USD").IsZero(), "reservation released")
}

func TestEscalatedDiscrepancyFreezesAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sources.Static("bank").Set("treasury", d("85000"))

	result, err := f.engine.ReconcileAccount(ctx, "treasury", reconcile.ScopeManual)
	require.NoError(t, err)
	assert.Equal(t, ledger.ReconciliationDiscrepancy, result.Status)
	assert.True(t, result.Discrepancy.Equal(d("15000")))

	acc, err := f.memory.GetAccount(ctx, "treasury")
	require.NoError(t, err)
	assert.True(t, acc.Frozen)
	assert.False(t, f.emergency.IsActive())
	assert.NotEmpty(t, f.alerts.OfKind(alerting.KindDiscrepancy))

	_, err = f.ctl.ExecuteTransaction(ctx, payment("after-freeze", "10"))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeAccountFrozen))
	assert.True(t, f.balance(t, "vendor").IsZero())
}

func TestPauseThresholdStopsDrain(t *testing.T) {
	f := newFixture(t, withPause(limits.WindowDaily, "1500"))
	s := scheduler.New(f.ctl, scheduler.WithDelay(0), scheduler.WithGate(f.emergency))
	f.ctl.Wire(s, Schedule{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := f.ctl.Submit(ctx, payment(id, "450"))
		require.NoError(t, err)
	}
	for _, id := range []string{"p4", "p5"} {
		_, err := f.ctl.Submit(ctx, payment(id, "400"))
		require.NoError(t, err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	require.Eventually(t, f.emergency.IsActive, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, emergency.CausePauseThreshold, f.emergency.State().Cause)
	require.Eventually(t, func() bool {
		o, err := s.Outcome("p5")
		return err == nil && o.Status == scheduler.StatusDiscarded
	}, 2*time.Second, 5*time.Millisecond)

	p4, err := s.Outcome("p4")
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusCompleted, p4.Status)
	assert.True(t, f.balance(t, "vendor").Equal(d("1750")))

	_, err = f.ctl.ExecuteTransaction(ctx, payment("next", "10"))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeEmergencyModeActive))
	_, err = f.ctl.Submit(ctx, payment("late", "10"))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeEmergencyModeActive))

	// 阈值仍被突破时拒绝解除。
	err = f.emergency.Deactivate(ctx, "ops")
	assert.True(t, xerrors.HasCode(err, emergency.CodeHealthCheckFailed))

	cancel()
	<-done
}

func TestRiskCheckRejectsInvertedCeilings(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ctl.checkRisk(context.Background()))

	inverted := newFixture(t, func(c *fixtureConfig) { c.limits.Ceilings[limits.WindowWeekly] = d("100") })
	err := inverted.ctl.checkRisk(context.Background())
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
	assert.Equal(t, string(limits.WindowWeekly), xerrors.DetailOf(err, "window"))
}
