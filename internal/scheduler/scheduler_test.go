package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
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

type fakeExecutor struct {
	mu    sync.Mutex
	order []string
	fn    func(req ledger.TransactionRequest, attempt int) error
	calls map[string]int
}

func (f *fakeExecutor) ExecuteTransaction(_ context.Context, req ledger.TransactionRequest) (*ledger.TransactionRecord, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[req.ID]++
	attempt := f.calls[req.ID]
	f.order = append(f.order, req.ID)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(req, attempt); err != nil {
			return nil, err
		}
	}
	return &ledger.TransactionRecord{ID: ledger.RecordIDFor(req.ID), RequestID: req.ID, Status: ledger.StatusCompleted}, nil
}

func (f *fakeExecutor) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

type fakeGate struct{ active atomic.Bool }

func (g *fakeGate) IsActive() bool { return g.active.Load() }

func request(id string, priority ledger.Priority) ledger.TransactionRequest {
	return ledger.TransactionRequest{
		ID: id, Type: ledger.TypePayment, Amount: decimal.NewFromInt(10), Currency: "USD",
		SourceAccount: "ops", DestinationAccount: "vendor", Priority: priority,
	}
}

func start(t *testing.T, s *Scheduler) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func waitStatus(t *testing.T, s *Scheduler, id string, status Status) *Outcome {
	t.Helper()
	var out *Outcome
	require.Eventually(t, func() bool {
		o, err := s.Outcome(id)
		if err != nil {
			return false
		}
		out = o
		return o.Status == status
	}, 2*time.Second, 5*time.Millisecond)
	return out
}

func TestQueueLanes(t *testing.T) {
	q := NewQueue()
	q.Push(&Item{Request: request("n1", ledger.PriorityNormal)})
	q.Push(&Item{Request: request("u1", ledger.PriorityUrgent)})
	q.Push(&Item{Request: request("n2", ledger.PriorityLow)})
	direct := request("d1", ledger.PriorityNormal)
	direct.Metadata = map[string]any{ledger.MetadataDirectResponse: true}
	q.Push(&Item{Request: direct})
	q.Requeue(&Item{Request: request("c1", ledger.PriorityCrisis)})

	p, n := q.Len()
	assert.Equal(t, 2, p)
	assert.Equal(t, 3, n)

	var got []string
	for {
		item, ok := q.TryPop()
		if !ok {
			break
		}
		got = append(got, item.Request.ID)
	}
	assert.Equal(t, []string{"u1", "d1", "n1", "n2", "c1"}, got)

	q.Push(&Item{Request: request("x", ledger.PriorityNormal)})
	assert.Len(t, q.Clear(), 1)
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestSubmitIsIdempotent(t *testing.T) {
	s := New(&fakeExecutor{}, WithDelay(0))
	first, err := s.Submit(context.Background(), request("r1", ledger.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, first.Status)

	again, err := s.Submit(context.Background(), request("r1", ledger.PriorityNormal))
	require.NoError(t, err)
	assert.Equal(t, first.SubmittedAt, again.SubmittedAt)
	assert.Equal(t, 1, s.Stats().NormalQueued)

	generated, err := s.Submit(context.Background(), request("  ", ledger.PriorityNormal))
	require.NoError(t, err)
	assert.NotEmpty(t, generated.RequestID)

	_, err = s.Outcome("missing")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
}

func TestDrainProcessesPriorityFirst(t *testing.T) {
	exec := &fakeExecutor{}
	s := New(exec, WithDelay(0))
	ctx := context.Background()
	for _, r := range []ledger.TransactionRequest{
		request("n1", ledger.PriorityNormal),
		request("n2", ledger.PriorityNormal),
		request("u1", ledger.PriorityUrgent),
	} {
		_, err := s.Submit(ctx, r)
		require.NoError(t, err)
	}
	stop := start(t, s)
	defer stop()

	out := waitStatus(t, s, "n2", StatusCompleted)
	assert.Equal(t, "tx-n2", out.Record.ID)
	assert.Equal(t, []string{"u1", "n1", "n2"}, exec.seen())
}

func TestRetryableFailureIsRequeued(t *testing.T) {
	exec := &fakeExecutor{fn: func(req ledger.TransactionRequest, attempt int) error {
		if req.ID == "flaky" && attempt < 3 {
			return xerrors.New(xerrors.CodeStorageFailure, "db unavailable")
		}
		return nil
	}}
	s := New(exec, WithDelay(0))
	_, err := s.Submit(context.Background(), request("flaky", ledger.PriorityNormal))
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), request("steady", ledger.PriorityNormal))
	require.NoError(t, err)
	stop := start(t, s)
	defer stop()

	out := waitStatus(t, s, "flaky", StatusCompleted)
	assert.Equal(t, 3, out.Attempts)
	assert.Empty(t, out.ErrorCode)
	// 重试放回队尾，steady 先于第二次尝试执行。
	assert.Equal(t, []string{"flaky", "steady", "flaky", "flaky"}, exec.seen())
}

func TestRetriesExhausted(t *testing.T) {
	rec := alerting.NewRecorder(0)
	exec := &fakeExecutor{fn: func(ledger.TransactionRequest, int) error { return errors.New("connection reset") }}
	s := New(exec, WithDelay(0), WithMaxRetries(2), WithAlertDispatcher(rec))
	_, err := s.Submit(context.Background(), request("r1", ledger.PriorityNormal))
	require.NoError(t, err)
	stop := start(t, s)
	defer stop()

	out := waitStatus(t, s, "r1", StatusFailed)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, string(xerrors.CodeRetriesExhausted), out.ErrorCode)
	assert.Equal(t, "2", out.Details["attempts"])
	require.Eventually(t, func() bool { return len(rec.OfKind(alerting.KindExecutionFailed)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestNonRetryableFailuresStopImmediately(t *testing.T) {
	exec := &fakeExecutor{fn: func(req ledger.TransactionRequest, _ int) error {
		switch req.ID {
		case "broke":
			return ledger.InsufficientFunds("ops", "10", "1")
		case "blocked":
			return xerrors.New(xerrors.CodeComplianceViolation, "kyc", xerrors.WithDetail("requirement", "kyc-1"))
		}
		return nil
	}}
	s := New(exec, WithDelay(0))
	for _, id := range []string{"broke", "blocked"} {
		_, err := s.Submit(context.Background(), request(id, ledger.PriorityNormal))
		require.NoError(t, err)
	}
	stop := start(t, s)
	defer stop()

	broke := waitStatus(t, s, "broke", StatusFailed)
	assert.Equal(t, 1, broke.Attempts)
	assert.Equal(t, string(xerrors.CodeInsufficientFunds), broke.ErrorCode)

	blocked := waitStatus(t, s, "blocked", StatusRejected)
	assert.Equal(t, "kyc-1", blocked.Details["requirement"])
}

func TestEmergencyRejectsAndDiscards(t *testing.T) {
	gate := &fakeGate{}
	exec := &fakeExecutor{}
	s := New(exec, WithDelay(0), WithGate(gate))
	ctx := context.Background()

	_, err := s.Submit(ctx, request("q1", ledger.PriorityNormal))
	require.NoError(t, err)
	_, err = s.Submit(ctx, request("q2", ledger.PriorityUrgent))
	require.NoError(t, err)

	gate.active.Store(true)
	assert.Equal(t, 2, s.Discard())
	out, err := s.Outcome("q1")
	require.NoError(t, err)
	assert.Equal(t, StatusDiscarded, out.Status)

	out, err = s.Submit(ctx, request("late", ledger.PriorityNormal))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeEmergencyModeActive))
	assert.Equal(t, StatusRejected, out.Status)

	stop := start(t, s)
	defer stop()

	gate.active.Store(false)
	_, err = s.Submit(ctx, request("after", ledger.PriorityNormal))
	require.NoError(t, err)
	s.Resume()
	waitStatus(t, s, "after", StatusCompleted)
	assert.Equal(t, []string{"after"}, exec.seen())
}

func TestInterItemDelayUsesClock(t *testing.T) {
	fc := clockwork.NewFakeClock()
	exec := &fakeExecutor{}
	s := New(exec, WithClock(fc), WithDelay(time.Second))
	for _, id := range []string{"a", "b"} {
		_, err := s.Submit(context.Background(), request(id, ledger.PriorityNormal))
		require.NoError(t, err)
	}
	stop := start(t, s)
	defer stop()

	waitStatus(t, s, "a", StatusCompleted)
	fc.BlockUntil(1)
	out, err := s.Outcome("b")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, out.Status)

	fc.Advance(time.Second)
	waitStatus(t, s, "b", StatusCompleted)
}

func TestPeriodicTask(t *testing.T) {
	fc := clockwork.NewFakeClock()
	var runs atomic.Int32
	s := New(&fakeExecutor{}, WithClock(fc), WithDelay(0), WithTask(Task{
		Name: "limit_reset", Interval: time.Minute,
		Run: func(context.Context) error { runs.Add(1); return nil },
	}))
	stop := start(t, s)
	defer stop()

	fc.BlockUntil(1)
	fc.Advance(time.Minute)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
}
