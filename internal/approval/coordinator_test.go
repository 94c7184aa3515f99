package approval

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/internal/observability/alerting"
)

type outcome struct {
	approvers []string
	err       error
}

func newCoordinator(t *testing.T, fake clockwork.FakeClock, rec *alerting.Recorder) *Coordinator {
	t.Helper()
	policy := DefaultPolicy(decimal.NewFromInt(10000))
	policy.Approvers = []string{"alice", "bob", "carol"}
	policy.Threshold = 2
	policy.Timeout = time.Minute
	opts := []Option{WithClock(fake)}
	if rec != nil {
		opts = append(opts, WithAlertDispatcher(rec))
	}
	return NewCoordinator(policy, opts...)
}

func bigRequest(id string) ledger.TransactionRequest {
	return ledger.TransactionRequest{
		ID: id, Type: ledger.TypeTransfer, Amount: decimal.NewFromInt(6000), Currency: "USD",
		SourceAccount: "ops", DestinationAccount: "vendor",
	}
}

func collect(c *Coordinator, req ledger.TransactionRequest) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		approvers, err := c.CollectApprovals(context.Background(), req)
		ch <- outcome{approvers, err}
	}()
	return ch
}

func waitPending(t *testing.T, c *Coordinator, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.Pending()) == n }, time.Second, 5*time.Millisecond)
}

func TestRequiresApproval(t *testing.T) {
	c := NewCoordinator(DefaultPolicy(decimal.NewFromInt(10000)))
	req := bigRequest("r")
	assert.True(t, c.RequiresApproval(req))

	req.Amount = decimal.NewFromInt(5000)
	assert.False(t, c.RequiresApproval(req))

	req.Priority = ledger.PriorityUrgent
	assert.True(t, c.RequiresApproval(req))

	req.Priority = ledger.PriorityNormal
	req.Type = ledger.TypeInvestment
	assert.True(t, c.RequiresApproval(req))
}

func TestThresholdReached(t *testing.T) {
	fake := clockwork.NewFakeClock()
	rec := alerting.NewRecorder(0)
	c := newCoordinator(t, fake, rec)

	done := collect(c, bigRequest("req-1"))
	waitPending(t, c, 1)

	_, err := c.Sign("req-1", "alice", DecisionApprove, "")
	require.NoError(t, err)
	ballot, err := c.Sign("req-1", "alice", DecisionApprove, "again")
	require.NoError(t, err)
	assert.Len(t, ballot.Votes, 1)
	_, err = c.Sign("req-1", "bob", DecisionApprove, "ok")
	require.NoError(t, err)

	result := <-done
	require.NoError(t, result.err)
	assert.Equal(t, []string{"alice", "bob"}, result.approvers)
	assert.Len(t, rec.OfKind(alerting.KindApprovalRequested), 1)
	assert.Empty(t, c.Pending())
}

func TestTimeout(t *testing.T) {
	fake := clockwork.NewFakeClock()
	c := newCoordinator(t, fake, alerting.NewRecorder(0))

	done := collect(c, bigRequest("req-2"))
	waitPending(t, c, 1)
	_, err := c.Sign("req-2", "carol", DecisionApprove, "")
	require.NoError(t, err)

	fake.BlockUntil(1)
	fake.Advance(time.Minute)

	result := <-done
	require.Error(t, result.err)
	assert.True(t, xerrors.HasCode(result.err, xerrors.CodeApprovalTimeout))
	assert.Equal(t, "1", xerrors.DetailOf(result.err, "approvals"))
}

func TestRejectionsMakeThresholdUnreachable(t *testing.T) {
	fake := clockwork.NewFakeClock()
	rec := alerting.NewRecorder(0)
	c := newCoordinator(t, fake, rec)

	done := collect(c, bigRequest("req-3"))
	waitPending(t, c, 1)
	_, err := c.Sign("req-3", "alice", DecisionReject, "no")
	require.NoError(t, err)
	_, err = c.Sign("req-3", "bob", DecisionReject, "no")
	require.NoError(t, err)

	result := <-done
	require.Error(t, result.err)
	assert.True(t, xerrors.HasCode(result.err, xerrors.CodeInsufficientApprovals))
	assert.Equal(t, "2", xerrors.DetailOf(result.err, "threshold"))
	insufficient := rec.OfKind(alerting.KindApprovalInsufficient)
	require.Len(t, insufficient, 1)
	assert.Equal(t, "req-3", insufficient[0].RequestID)
}

func TestSignValidation(t *testing.T) {
	c := newCoordinator(t, clockwork.NewFakeClock(), nil)
	_, err := c.Sign("req-x", "mallory", DecisionApprove, "")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeForbidden))
	_, err = c.Sign("req-x", "alice", DecisionApprove, "")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
	_, err = c.Sign("req-x", "alice", "maybe", "")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestTooFewConfiguredApprovers(t *testing.T) {
	policy := DefaultPolicy(decimal.NewFromInt(100))
	policy.Approvers = []string{"alice"}
	policy.Threshold = 2
	c := NewCoordinator(policy)
	_, err := c.CollectApprovals(context.Background(), bigRequest("req-4"))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInsufficientApprovals))
}

func TestCancelAllReleasesWaiters(t *testing.T) {
	c := newCoordinator(t, clockwork.NewFakeClock(), nil)
	done := collect(c, bigRequest("req-5"))
	waitPending(t, c, 1)
	assert.Equal(t, 1, c.CancelAll())
	result := <-done
	assert.True(t, xerrors.HasCode(result.err, xerrors.CodeInsufficientApprovals))
}
