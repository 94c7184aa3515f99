package limits

import (
	"math/rand"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "TreasuryGuard/internal/errors"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func testConfig() Config {
	return Config{
		Ceilings: map[Window]decimal.Decimal{
			WindowSingle:  d("10000"),
			WindowDaily:   d("50000"),
			WindowWeekly:  d("200000"),
			WindowMonthly: d("500000"),
		},
		Pause: map[Window]decimal.Decimal{
			WindowDaily: d("40000"),
		},
	}
}

func TestAcceptsJustUnderCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.Ceilings[WindowSingle] = d("60000")
	tracker := NewTracker(cfg)

	res, err := tracker.CheckAndReserve(d("49999"), "usd")
	require.NoError(t, err)
	tracker.Commit(res)
	assert.True(t, tracker.Total(WindowDaily, "USD").Equal(d("49999")))
}

func TestRejectsAboveSingleCeiling(t *testing.T) {
	tracker := NewTracker(testConfig())

	_, err := tracker.CheckAndReserve(d("10001"), "USD")
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeLimitExceeded))
	assert.Equal(t, "single", xerrors.DetailOf(err, "window"))
	assert.Equal(t, "10000", xerrors.DetailOf(err, "ceiling"))
	assert.True(t, tracker.Total(WindowDaily, "USD").IsZero())
}

func TestIdentifiesBreachedWindow(t *testing.T) {
	tracker := NewTracker(testConfig())
	for i := 0; i < 5; i++ {
		res, err := tracker.CheckAndReserve(d("10000"), "USD")
		require.NoError(t, err)
		tracker.Commit(res)
	}
	_, err := tracker.CheckAndReserve(d("1"), "USD")
	require.Error(t, err)
	assert.Equal(t, "daily", xerrors.DetailOf(err, "window"))
	assert.Equal(t, "50000", xerrors.DetailOf(err, "current"))

	// 其他币种独立统计。
	_, err = tracker.CheckAndReserve(d("1"), "EUR")
	require.NoError(t, err)
}

func TestReleaseRollsBackReservation(t *testing.T) {
	tracker := NewTracker(testConfig())
	res, err := tracker.CheckAndReserve(d("700"), "USD")
	require.NoError(t, err)
	assert.True(t, tracker.Total(WindowMonthly, "USD").Equal(d("700")))

	tracker.Release(res)
	tracker.Release(res)
	assert.True(t, tracker.Total(WindowMonthly, "USD").IsZero())
	require.NoError(t, tracker.Validate())
}

func TestResetAtEpochBoundaries(t *testing.T) {
	fake := clockwork.NewFakeClock()
	tracker := NewTracker(testConfig(), WithClock(fake))

	res, err := tracker.CheckAndReserve(d("100"), "USD")
	require.NoError(t, err)
	tracker.Commit(res)

	assert.Empty(t, tracker.ResetExpired(fake.Now().Add(23*time.Hour)))
	reset := tracker.ResetExpired(fake.Now().Add(25 * time.Hour))
	assert.Equal(t, []Window{WindowDaily}, reset)
	assert.True(t, tracker.Total(WindowDaily, "USD").IsZero())
	assert.True(t, tracker.Total(WindowWeekly, "USD").Equal(d("100")))

	reset = tracker.ResetExpired(fake.Now().Add(8 * 24 * time.Hour))
	assert.ElementsMatch(t, []Window{WindowDaily, WindowWeekly}, reset)
	_, err = tracker.CheckAndReserve(d("1"), "USD")
	require.NoError(t, err)
	for _, state := range tracker.Snapshot() {
		if state.Window == WindowDaily {
			assert.Equal(t, fake.Now().Add(8*24*time.Hour), state.Start)
		}
	}
}

func TestReleaseAfterResetDoesNotGoNegative(t *testing.T) {
	fake := clockwork.NewFakeClock()
	tracker := NewTracker(testConfig(), WithClock(fake))
	res, err := tracker.CheckAndReserve(d("100"), "USD")
	require.NoError(t, err)

	tracker.ResetExpired(fake.Now().Add(24 * time.Hour))
	tracker.Release(res)
	assert.True(t, tracker.Total(WindowDaily, "USD").IsZero())
	assert.True(t, tracker.Total(WindowWeekly, "USD").IsZero())
	require.NoError(t, tracker.Validate())
}

func TestPauseThresholdBreach(t *testing.T) {
	tracker := NewTracker(testConfig())
	for i := 0; i < 4; i++ {
		res, err := tracker.CheckAndReserve(d("10000"), "USD")
		require.NoError(t, err)
		tracker.Commit(res)
	}
	assert.Empty(t, tracker.Breaches())

	res, err := tracker.CheckAndReserve(d("5"), "USD")
	require.NoError(t, err)
	tracker.Commit(res)
	breaches := tracker.Breaches()
	require.Len(t, breaches, 1)
	assert.Equal(t, WindowDaily, breaches[0].Window)
	assert.True(t, breaches[0].Total.Equal(d("40005")))
}

func TestTotalsNeverExceedCeilings(t *testing.T) {
	tracker := NewTracker(testConfig())
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		amount := decimal.NewFromInt(rng.Int63n(12000) + 1)
		res, err := tracker.CheckAndReserve(amount, "USD")
		if err != nil {
			continue
		}
		if rng.Intn(4) == 0 {
			tracker.Release(res)
		} else {
			tracker.Commit(res)
		}
		for _, state := range tracker.Snapshot() {
			require.False(t, state.Total.GreaterThan(state.Ceiling), "window %s total %s", state.Window, state.Total)
		}
	}
}
