package emergency

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TreasuryGuard/internal/coordination"
	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/internal/observability/alerting"
)

type recordingProcedure struct {
	name      string
	err       error
	runs      atomic.Int32
	recovered atomic.Int32
}

func (p *recordingProcedure) Name() string { return p.name }

func (p *recordingProcedure) Run(context.Context, State) error {
	p.runs.Add(1)
	return p.err
}

func (p *recordingProcedure) Recover(context.Context, State) error {
	p.recovered.Add(1)
	return nil
}

func TestTriggerDrainsAndNotifies(t *testing.T) {
	rec := alerting.NewRecorder(0)
	first := &recordingProcedure{name: "first", err: errors.New("unreachable")}
	second := &recordingProcedure{name: "second"}
	var drained atomic.Int32
	var states []State
	var mu sync.Mutex

	ctl := NewController(
		WithClock(clockwork.NewFakeClockAt(time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC))),
		WithAlertDispatcher(rec),
		WithContacts("cfo@example.com", "ops@example.com"),
		WithProcedure(first),
		WithProcedure(second),
		WithDrain("queue", func() int { drained.Add(1); return 3 }),
		WithDrain("approvals", func() int { return 1 }),
		WithListener(func(s State) { mu.Lock(); states = append(states, s); mu.Unlock() }),
	)
	require.NoError(t, ctl.Guard())

	assert.True(t, ctl.Trigger(context.Background(), CausePauseThreshold, "daily total above pause threshold", "controller"))
	assert.True(t, ctl.IsActive())

	err := ctl.Guard()
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeEmergencyModeActive))
	assert.False(t, xerrors.RetryableError(err))
	assert.Equal(t, string(CausePauseThreshold), xerrors.DetailOf(err, "cause"))

	state := ctl.State()
	assert.Equal(t, 4, state.Drained)
	require.Len(t, state.Steps, 2)
	assert.False(t, state.Steps[0].OK)
	assert.True(t, state.Steps[1].OK)

	alerts := rec.OfKind(alerting.KindEmergencyActivated)
	require.Len(t, alerts, 1)
	assert.Equal(t, xerrors.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "cfo@example.com,ops@example.com", alerts[0].Metadata["contacts"])

	assert.False(t, ctl.Trigger(context.Background(), CauseOperator, "again", "op"))
	assert.Equal(t, int32(1), drained.Load())
	assert.Equal(t, int32(1), second.runs.Load())
	mu.Lock()
	assert.Len(t, states, 1)
	mu.Unlock()
}

func TestConcurrentTriggerActivatesOnce(t *testing.T) {
	var drains atomic.Int32
	ctl := NewController(WithDrain("queue", func() int { drains.Add(1); return 0 }))
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ctl.Trigger(context.Background(), CauseCriticalFailure, "security breach", "processor") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), drains.Load())
}

func TestHealthCheckFailureActivatesAndBlocksRecovery(t *testing.T) {
	rec := alerting.NewRecorder(0)
	proc := &recordingProcedure{name: "mirror"}
	var healthy atomic.Bool
	ctl := NewController(
		WithAlertDispatcher(rec),
		WithProcedure(proc),
		WithHealthCheck(HealthCheck{Name: "limits", Run: func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("ceiling misconfigured")
		}}),
	)
	ctx := context.Background()

	report := ctl.CheckHealth(ctx)
	require.Len(t, report, 2)
	assert.False(t, report[0].OK)
	assert.True(t, report[1].OK)
	assert.Equal(t, "emergency", report[1].Name)
	require.True(t, ctl.IsActive())
	assert.Equal(t, CauseHealthCheck, ctl.State().Cause)

	err := ctl.Deactivate(ctx, "alice")
	assert.True(t, xerrors.HasCode(err, CodeHealthCheckFailed))
	assert.Equal(t, "limits", xerrors.DetailOf(err, "check"))
	assert.True(t, ctl.IsActive())

	healthy.Store(true)
	require.NoError(t, ctl.Deactivate(ctx, "alice"))
	assert.False(t, ctl.IsActive())
	state := ctl.State()
	require.NotNil(t, state.DeactivatedAt)
	assert.Equal(t, "alice", state.Actor)
	assert.Equal(t, int32(1), proc.recovered.Load())
	assert.Len(t, rec.OfKind(alerting.KindEmergencyDeactivated), 1)

	err = ctl.Deactivate(ctx, "alice")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))

	last, at := ctl.LastReport()
	assert.Len(t, last, 2)
	assert.False(t, at.IsZero())
}

func TestActivateSatisfiesResolverContract(t *testing.T) {
	ctl := NewController()
	require.NoError(t, ctl.Activate(context.Background(), "discrepancy above 100000"))
	assert.Equal(t, CauseReconciliation, ctl.State().Cause)
	require.NoError(t, ctl.Activate(context.Background(), "second"))
	assert.Equal(t, "discrepancy above 100000", ctl.State().Reason)
}

func TestFreezeHighValueProcedure(t *testing.T) {
	repo := ledger.NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.CreateAccount(ctx, &ledger.Account{ID: "big", Currency: "USD", Balance: decimal.NewFromInt(2_000_000)}))
	require.NoError(t, repo.CreateAccount(ctx, &ledger.Account{ID: "small", Currency: "USD", Balance: decimal.NewFromInt(10)}))

	ctl := NewController(WithProcedure(FreezeHighValue{Repo: repo, Threshold: decimal.NewFromInt(1_000_000)}))
	ctl.Trigger(ctx, CauseOperator, "drill", "ops")

	big, _ := repo.GetAccount(ctx, "big")
	small, _ := repo.GetAccount(ctx, "small")
	assert.True(t, big.Frozen)
	assert.Contains(t, big.FrozenReason, "drill")
	assert.False(t, small.Frozen)
}

func TestSupportTicketProcedure(t *testing.T) {
	reg := coordination.NewRegistry()
	var got coordination.Request
	reg.Register(coordination.AgentSupportDesk, coordination.CollaboratorFunc(func(_ context.Context, req coordination.Request) (coordination.Response, error) {
		got = req
		return coordination.Response{Accepted: true, Reference: "T-1"}, nil
	}))
	ctl := NewController(WithProcedure(SupportTicket{Coordinator: reg}))
	ctl.Trigger(context.Background(), CauseOperator, "manual halt", "ops")

	assert.Equal(t, "open_ticket", got.Action)
	assert.Equal(t, "manual halt", got.Message)
	require.Len(t, ctl.State().Steps, 1)
	assert.True(t, ctl.State().Steps[0].OK)
}

func TestRedisMirror(t *testing.T) {
	addr := os.Getenv("TREASURY_REDIS_ADDR")
	if addr == "" {
		t.Skip("TREASURY_REDIS_ADDR 未设置")
	}
	mirror, err := NewRedisMirror(RedisMirrorConfig{Address: addr, Key: "treasury:emergency:test"})
	require.NoError(t, err)
	defer mirror.Close()

	ctx := context.Background()
	require.NoError(t, mirror.Publish(ctx, State{Active: true, Cause: CauseOperator, Reason: "test"}))
	state, err := mirror.Load(ctx)
	require.NoError(t, err)
	assert.True(t, state.Active)
	assert.Equal(t, "test", state.Reason)
}
