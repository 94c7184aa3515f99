package intake

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/ledger"
	"TreasuryGuard/internal/scheduler"
)

type recordingSubmitter struct {
	mu       sync.Mutex
	requests []ledger.TransactionRequest
	failures map[string]error
	calls    map[string]int
}

func newSubmitter() *recordingSubmitter {
	return &recordingSubmitter{failures: map[string]error{}, calls: map[string]int{}}
}

func (s *recordingSubmitter) Submit(_ context.Context, req ledger.TransactionRequest) (*scheduler.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[req.ID]++
	if err, ok := s.failures[req.ID]; ok && s.calls[req.ID] == 1 {
		return nil, err
	}
	s.requests = append(s.requests, req)
	return &scheduler.Outcome{RequestID: req.ID, Status: scheduler.StatusQueued}, nil
}

func (s *recordingSubmitter) accepted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.requests))
	for _, req := range s.requests {
		ids = append(ids, req.ID)
	}
	return ids
}

func sample(id string) ledger.TransactionRequest {
	return ledger.TransactionRequest{
		ID: id, Type: ledger.TypePayment, Amount: decimal.RequireFromString("125.50"), Currency: "USD",
		SourceAccount: "treasury", DestinationAccount: "vendor", Priority: ledger.PriorityUrgent,
		Metadata: map[string]any{ledger.MetadataDirectResponse: true},
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	payload, err := Encode(sample("req-1"))
	require.NoError(t, err)
	req, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, "req-1", req.ID)
	assert.True(t, req.Amount.Equal(decimal.RequireFromString("125.5")))
	assert.True(t, req.Expedited())

	_, err = Decode([]byte(`{"id":"x","bogus":1}`))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeValidation))
	_, err = Decode([]byte(`not json`))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeValidation))
}

func TestSubmitHandlerClassifiesFailures(t *testing.T) {
	sub := newSubmitter()
	sub.failures["busy"] = xerrors.New(xerrors.CodeQueueFailure, "busy")
	sub.failures["halted"] = xerrors.New(xerrors.CodeEmergencyModeActive, "halted", xerrors.WithRetryable(false))
	handler := SubmitHandler(sub, "test")
	ctx := context.Background()

	assert.NoError(t, handler(ctx, []byte("{")))

	payload, _ := Encode(sample("halted"))
	assert.NoError(t, handler(ctx, payload))

	payload, _ = Encode(sample("busy"))
	assert.Error(t, handler(ctx, payload))
	assert.NoError(t, handler(ctx, payload))
	assert.Equal(t, []string{"busy"}, sub.accepted())
}

func TestMemoryQueueDeliversAndRedelivers(t *testing.T) {
	sub := newSubmitter()
	sub.failures["retry"] = xerrors.New(xerrors.CodeStorageFailure, "temporarily unavailable")
	q := NewMemoryQueue(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Run(ctx, q, sub, "memory", 2) }()

	require.NoError(t, q.Publish(ctx, sample("a")))
	require.NoError(t, q.Publish(ctx, sample("retry")))
	require.NoError(t, q.PublishRaw(ctx, []byte(`garbage`)))

	require.Eventually(t, func() bool { return len(sub.accepted()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"a", "retry"}, sub.accepted())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, q.Close())
	assert.True(t, xerrors.HasCode(q.Publish(context.Background(), sample("late")), xerrors.CodeQueueFailure))
}

func TestRunRequiresSource(t *testing.T) {
	err := Run(context.Background(), nil, newSubmitter(), "none", 1)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))
}

func TestRedisQueue(t *testing.T) {
	addr := os.Getenv("TREASURY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("未设置 TREASURY_TEST_REDIS_ADDR")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q, err := NewRedisQueue(ctx, RedisConfig{Address: addr, Queue: "treasury:test:" + time.Now().Format("150405.000"), BlockWait: 100 * time.Millisecond})
	require.NoError(t, err)
	defer q.Close()

	sub := newSubmitter()
	go func() { _ = Run(ctx, q, sub, "redis", 1) }()
	require.NoError(t, q.Publish(ctx, sample("redis-1")))
	require.Eventually(t, func() bool { return len(sub.accepted()) == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestRabbitMQQueue(t *testing.T) {
	url := os.Getenv("TREASURY_TEST_AMQP_URL")
	if url == "" {
		t.Skip("未设置 TREASURY_TEST_AMQP_URL")
	}
	q, err := NewRabbitMQQueue(RabbitMQConfig{URL: url, Queue: "treasury.test", AutoDelete: true})
	require.NoError(t, err)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := newSubmitter()
	go func() { _ = Run(ctx, q, sub, "rabbitmq", 1) }()
	require.NoError(t, q.Publish(ctx, sample("amqp-1")))
	require.Eventually(t, func() bool { return len(sub.accepted()) == 1 }, 5*time.Second, 20*time.Millisecond)
}
