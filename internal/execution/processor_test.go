package execution

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

	xerrors "TreasuryGuard/internal/errors"
	"TreasuryGuard/internal/ledger"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func setup(t *testing.T) (*ledger.MemoryRepository, *Processor) {
	t.Helper()
	repo := ledger.NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.CreateAccount(ctx, &ledger.Account{ID: "ops", Currency: "USD", Balance: d("1000")}))
	require.NoError(t, repo.CreateAccount(ctx, &ledger.Account{ID: "vendor", Currency: "USD", Balance: d("0")}))
	p := NewProcessor(repo, FeePolicy{BasisPoints: d("25")}, WithClock(clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))))
	return repo, p
}

func req(id, amount string) ledger.TransactionRequest {
	return ledger.TransactionRequest{
		ID: id, Type: ledger.TypePayment, Amount: d(amount), Currency: "usd",
		SourceAccount: "ops", DestinationAccount: "vendor",
		Metadata: map[string]any{"invoice": "INV-1", "direct_response": true},
	}
}

func TestFeePolicy(t *testing.T) {
	policy := FeePolicy{BasisPoints: d("25"), ByType: map[ledger.Type]decimal.Decimal{ledger.TypeRefund: decimal.Zero}}
	assert.True(t, policy.Fee(ledger.TypePayment, d("100")).Equal(d("0.25")))
	assert.True(t, policy.Fee(ledger.TypePayment, d("33.33")).Equal(d("0.08")))
	assert.True(t, policy.Fee(ledger.TypeRefund, d("100")).IsZero())
	assert.True(t, policy.Fee(ledger.TypeAdjustment, d("100")).IsZero())
}

func TestExecuteCompletesRecord(t *testing.T) {
	repo, p := setup(t)
	ctx := context.Background()

	record, err := p.Execute(ctx, req("r1", "200"))
	require.NoError(t, err)
	assert.Equal(t, "tx-r1", record.ID)
	assert.Equal(t, ledger.StatusCompleted, record.Status)
	assert.True(t, record.Fee.Equal(d("0.5")))
	assert.Equal(t, "USD", record.Currency)
	assert.Equal(t, "true", record.Metadata["direct_response"])

	ops, _ := repo.GetAccount(ctx, "ops")
	assert.True(t, ops.Balance.Equal(d("799.5")))
}

func TestExecuteFailureIsRecordedAndSurfaced(t *testing.T) {
	repo, p := setup(t)
	ctx := context.Background()

	record, err := p.Execute(ctx, req("r2", "1000"))
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInsufficientFunds))
	assert.False(t, xerrors.RetryableError(err))
	require.NotNil(t, record)
	assert.Equal(t, ledger.StatusFailed, record.Status)

	stored, getErr := repo.GetRecord(ctx, "tx-r2")
	require.NoError(t, getErr)
	assert.Equal(t, ledger.StatusFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "INSUFFICIENT_FUNDS")

	bad := req("r3", "1")
	bad.DestinationAccount = "ghost"
	_, err = p.Execute(ctx, bad)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidAccount))
}

type brokenRepo struct {
	*ledger.MemoryRepository
}

func (brokenRepo) Post(context.Context, *ledger.TransactionRecord) error {
	return errors.New("connection reset")
}

func TestUnclassifiedFailureIsRetryable(t *testing.T) {
	repo, _ := setup(t)
	p := NewProcessor(brokenRepo{repo}, FeePolicy{})
	_, err := p.Execute(context.Background(), req("r4", "1"))
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeExecutionFailed))
	assert.True(t, xerrors.RetryableError(err))
}

func TestAdjustAndReverse(t *testing.T) {
	repo, p := setup(t)
	ctx := context.Background()

	adj, err := p.Adjust(ctx, "ops", "USD", d("-0.75"), "fee mismatch", map[string]string{"result_id": "res-1"})
	require.NoError(t, err)
	assert.Equal(t, "ops", adj.SourceAccount)
	assert.Equal(t, ledger.TypeAdjustment, adj.Type)
	ops, _ := repo.GetAccount(ctx, "ops")
	assert.True(t, ops.Balance.Equal(d("999.25")))

	_, err = p.Adjust(ctx, "ops", "USD", decimal.Zero, "", nil)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = p.Execute(ctx, req("r5", "100"))
	require.NoError(t, err)
	reversed, err := p.Reverse(ctx, "tx-r5", "duplicate")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusReversed, reversed.Status)
	ops, _ = repo.GetAccount(ctx, "ops")
	assert.True(t, ops.Balance.Equal(d("999.25")))
}

func TestAccountLocksSerialise(t *testing.T) {
	locks := NewAccountLocks()
	var mu sync.Mutex
	active := 0
	maxActive := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids := []string{"a", "b"}
			if i%2 == 0 {
				ids = []string{"b", "a", "a"}
			}
			unlock := locks.Lock(ids...)
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, maxActive)
}
