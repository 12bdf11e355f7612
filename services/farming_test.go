package services

import (
	"sync"
	"testing"
	"time"

	"github.com/UniverseGames8/UniFarm2-sub003/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestFarming_RatePerSecond(t *testing.T) {
	t.Parallel()

	// 100,000 at 0.5%/day → 500/day → ≈0.0057870/s.
	rate := ratePerSecond(decimal.NewFromInt(100000), dec(t, "0.005"))
	require.Equal(t, "0.0057870", rate.StringFixed(7))
}

func TestFarming_ComputeAccrual(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rate := ratePerSecond(decimal.NewFromInt(100000), dec(t, "0.005"))
	threshold := dec(t, "0.01")

	depositAt := func(last time.Time) models.FarmingDeposit {
		return models.FarmingDeposit{
			Amount:        decimal.NewFromInt(100000),
			RatePerSecond: rate,
			LastUpdatedAt: last,
			IsActive:      true,
		}
	}

	t.Run("10 elapsed seconds earn rate times 10", func(t *testing.T) {
		t.Parallel()

		plan := computeAccrual(
			[]models.FarmingDeposit{depositAt(now.Add(-10 * time.Second))},
			decimal.Zero, now, time.Minute, threshold, false,
		)
		require.Equal(t, "0.057870", plan.Earned.StringFixed(6))
	})

	t.Run("zero elapsed still credits the floor window", func(t *testing.T) {
		t.Parallel()

		plan := computeAccrual(
			[]models.FarmingDeposit{depositAt(now)},
			decimal.Zero, now, time.Minute, threshold, false,
		)
		want := rate.Mul(dec(t, "0.1"))
		require.True(t, plan.Earned.Equal(want), "earned %s, want %s", plan.Earned, want)
	})

	t.Run("a long backlog is clamped to one tick width", func(t *testing.T) {
		t.Parallel()

		plan := computeAccrual(
			[]models.FarmingDeposit{depositAt(now.Add(-48 * time.Hour))},
			decimal.Zero, now, time.Minute, threshold, false,
		)
		want := rate.Mul(decimal.NewFromInt(60))
		require.True(t, plan.Earned.Equal(want), "earned %s, want %s", plan.Earned, want)
	})

	t.Run("earnings are monotonically non-decreasing in elapsed time", func(t *testing.T) {
		t.Parallel()

		prev := decimal.Zero
		for _, secs := range []int{1, 5, 10, 30, 60} {
			plan := computeAccrual(
				[]models.FarmingDeposit{depositAt(now.Add(-time.Duration(secs) * time.Second))},
				decimal.Zero, now, time.Minute, threshold, false,
			)
			require.True(t, plan.Earned.GreaterThanOrEqual(prev), "earned regressed at dt=%ds", secs)
			prev = plan.Earned
		}
	})

	t.Run("sub-threshold growth stays in the accumulator", func(t *testing.T) {
		t.Parallel()

		plan := computeAccrual(
			[]models.FarmingDeposit{depositAt(now.Add(-1 * time.Second))},
			decimal.Zero, now, time.Minute, threshold, false,
		)
		require.True(t, plan.Transfer.IsZero())
		require.True(t, plan.NewAccumulator.Equal(plan.Earned))
	})

	t.Run("crossing the threshold transfers the whole accumulator", func(t *testing.T) {
		t.Parallel()

		accum := dec(t, "0.009")
		plan := computeAccrual(
			[]models.FarmingDeposit{depositAt(now.Add(-10 * time.Second))},
			accum, now, time.Minute, threshold, false,
		)
		require.True(t, plan.Transfer.Equal(accum.Add(plan.Earned)))
		require.True(t, plan.NewAccumulator.IsZero())
	})

	t.Run("force bypasses the threshold gate", func(t *testing.T) {
		t.Parallel()

		accum := dec(t, "0.0001")
		plan := computeAccrual(nil, accum, now, time.Minute, threshold, true)
		require.True(t, plan.Earned.IsZero())
		require.True(t, plan.Transfer.Equal(accum))
		require.True(t, plan.NewAccumulator.IsZero())
	})

	t.Run("two deposits aggregate their earnings", func(t *testing.T) {
		t.Parallel()

		plan := computeAccrual(
			[]models.FarmingDeposit{
				depositAt(now.Add(-10 * time.Second)),
				depositAt(now.Add(-20 * time.Second)),
			},
			decimal.Zero, now, time.Minute, threshold, false,
		)
		want := rate.Mul(decimal.NewFromInt(30))
		require.True(t, plan.Earned.Equal(want), "earned %s, want %s", plan.Earned, want)
	})
}

func TestFarming_CloseDeposit(t *testing.T) {
	t.Parallel()

	deposit := &models.FarmingDeposit{
		ID:       "dep-1",
		OwnerID:  "owner-1",
		Currency: models.CurrencyUni,
		Amount:   dec(t, "2500.50"),
	}
	closure := closeDeposit(deposit)

	require.True(t, closure.Principal.Equal(deposit.Amount), "the full principal returns to main balance")
	require.Equal(t, "owner-1", closure.Entry.ParticipantID)
	require.Equal(t, models.LedgerTypeDepositReturn, closure.Entry.Type)
	require.Equal(t, models.LedgerStatusConfirmed, closure.Entry.Status)
	require.Equal(t, models.CurrencyUni, closure.Entry.Currency)
	require.Equal(t, "dep-1", closure.Entry.Source)
	require.True(t, closure.Entry.Amount.Equal(deposit.Amount))
}

func TestFarming_InflightGuard(t *testing.T) {
	t.Parallel()

	t.Run("second acquire while held is rejected", func(t *testing.T) {
		t.Parallel()

		var g inflightGuard
		require.True(t, g.TryAcquire("p1"))
		require.False(t, g.TryAcquire("p1"))
		g.Release("p1")
		require.True(t, g.TryAcquire("p1"))
	})

	t.Run("different participants do not contend", func(t *testing.T) {
		t.Parallel()

		var g inflightGuard
		require.True(t, g.TryAcquire("p1"))
		require.True(t, g.TryAcquire("p2"))
	})

	t.Run("exactly one concurrent caller wins per participant", func(t *testing.T) {
		t.Parallel()

		var g inflightGuard
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0

		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if g.TryAcquire("p1") {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, wins)
	})
}
