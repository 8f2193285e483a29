package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fzheng/hivemind-sub000/internal/exchange"
)

func fillAt(trader string, size, price float64, ts time.Time) Fill {
	return Fill{ID: trader + ts.String(), Trader: trader, Asset: "BTC", Size: size, Price: price, Timestamp: ts}
}

func TestCollapseToVotes(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("nets per trader and drops flat traders", func(t *testing.T) {
		fills := []Fill{
			fillAt("0xaaa", 0.5, 50_000, base),
			fillAt("0xaaa", 0.3, 50_100, base.Add(10*time.Second)),
			fillAt("0xbbb", -0.4, 50_050, base.Add(5*time.Second)),
			fillAt("0xccc", 0.2, 50_000, base),
			fillAt("0xccc", -0.2, 50_000, base.Add(20*time.Second)),
		}
		votes := CollapseToVotes(fills, 1.0)
		require.Len(t, votes, 2)

		assert.Equal(t, "0xaaa", votes[0].Trader)
		assert.Equal(t, exchange.DirectionLong, votes[0].Direction)
		assert.InDelta(t, 0.8, votes[0].NetSize, 1e-12)
		assert.InDelta(t, 0.8, votes[0].Weight, 1e-12)
		// Size-weighted mean: (0.5*50000 + 0.3*50100) / 0.8
		assert.InDelta(t, 50_037.5, votes[0].Price, 1e-6)
		assert.Equal(t, base.Add(10*time.Second), votes[0].Timestamp)

		assert.Equal(t, "0xbbb", votes[1].Trader)
		assert.Equal(t, exchange.DirectionShort, votes[1].Direction)
	})

	t.Run("weight saturates at the size cap", func(t *testing.T) {
		votes := CollapseToVotes([]Fill{fillAt("0xaaa", 7.5, 50_000, base)}, 1.0)
		require.Len(t, votes, 1)
		assert.Equal(t, 1.0, votes[0].Weight)
	})

	t.Run("order independent", func(t *testing.T) {
		fills := []Fill{
			fillAt("0xbbb", -0.4, 50_050, base),
			fillAt("0xaaa", 0.5, 50_000, base),
			fillAt("0xaaa", 0.3, 50_100, base.Add(time.Second)),
		}
		forward := CollapseToVotes(fills, 1.0)
		reversed := CollapseToVotes([]Fill{fills[2], fills[1], fills[0]}, 1.0)
		assert.Equal(t, forward, reversed)
	})

	t.Run("idempotent on the same window", func(t *testing.T) {
		fills := []Fill{
			fillAt("0xaaa", 0.5, 50_000, base),
			fillAt("0xbbb", 0.2, 50_010, base),
		}
		assert.Equal(t, CollapseToVotes(fills, 1.0), CollapseToVotes(fills, 1.0))
	})

	t.Run("never more votes than distinct traders", func(t *testing.T) {
		var fills []Fill
		for i := 0; i < 10; i++ {
			fills = append(fills, fillAt("0xaaa", 0.1, 50_000, base.Add(time.Duration(i)*time.Second)))
			fills = append(fills, fillAt("0xbbb", -0.1, 50_000, base.Add(time.Duration(i)*time.Second)))
		}
		votes := CollapseToVotes(fills, 1.0)
		assert.LessOrEqual(t, len(votes), 2)
	})
}

func TestMajorityDirection(t *testing.T) {
	long := Vote{Direction: exchange.DirectionLong}
	short := Vote{Direction: exchange.DirectionShort}

	dir, n := MajorityDirection([]Vote{long, long, short})
	assert.Equal(t, exchange.DirectionLong, dir)
	assert.Equal(t, 2, n)

	dir, n = MajorityDirection([]Vote{long, short, short})
	assert.Equal(t, exchange.DirectionShort, dir)
	assert.Equal(t, 2, n)

	// Ties break long.
	dir, n = MajorityDirection([]Vote{long, short})
	assert.Equal(t, exchange.DirectionLong, dir)
	assert.Equal(t, 1, n)
}

func uniformRho(r float64) func(a, b string) float64 {
	return func(a, b string) float64 { return r }
}

func TestEffectiveK(t *testing.T) {
	votes := []Vote{
		{Trader: "0xaaa", Weight: 1},
		{Trader: "0xbbb", Weight: 1},
		{Trader: "0xccc", Weight: 1},
	}

	// Three equal-weight voters at uniform rho: 3 / (1 + 2*rho).
	cases := []struct {
		rho  float64
		want float64
	}{
		{0.0, 3.0},
		{0.3, 3.0 / 1.6},
		{0.5, 1.5},
		{1.0, 1.0},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, EffectiveK(votes, uniformRho(tc.rho)), 1e-9, "rho=%v", tc.rho)
	}

	t.Run("negative rho clips to zero", func(t *testing.T) {
		assert.InDelta(t, 3.0, EffectiveK(votes, uniformRho(-0.8)), 1e-9)
	})

	t.Run("single voter", func(t *testing.T) {
		assert.InDelta(t, 1.0, EffectiveK(votes[:1], uniformRho(0.3)), 1e-9)
	})

	t.Run("zero weight", func(t *testing.T) {
		assert.Zero(t, EffectiveK([]Vote{{Trader: "0xaaa"}}, uniformRho(0)))
	})
}

func TestMedianPrice(t *testing.T) {
	odd := []Vote{{Price: 3}, {Price: 1}, {Price: 2}}
	assert.Equal(t, 2.0, MedianPrice(odd))

	even := []Vote{{Price: 4}, {Price: 1}, {Price: 3}, {Price: 2}}
	assert.Equal(t, 2.5, MedianPrice(even))

	assert.Zero(t, MedianPrice(nil))
}

func TestPriceDispersionBps(t *testing.T) {
	tight := []Vote{{Price: 50_000}, {Price: 50_000}, {Price: 50_000}}
	assert.Zero(t, PriceDispersionBps(tight))

	spread := []Vote{{Price: 49_900}, {Price: 50_000}, {Price: 50_100}}
	assert.Greater(t, PriceDispersionBps(spread), 0.0)

	assert.Zero(t, PriceDispersionBps(spread[:1]))
}

func TestCalibratedPWin(t *testing.T) {
	// effK 3, weight 3: 0.5 + 0.10 + 0.06
	assert.InDelta(t, 0.66, CalibratedPWin(3, 3), 1e-9)

	// Diversity bonus caps at 0.15, conviction at 0.10.
	assert.InDelta(t, 0.75, CalibratedPWin(100, 100), 1e-9)

	// Low effK pulls below base but never under the floor.
	assert.InDelta(t, 0.30, CalibratedPWin(-100, 0), 1e-9)

	for _, effK := range []float64{0, 1, 2, 5, 50} {
		p := CalibratedPWin(effK, 2.5)
		assert.GreaterOrEqual(t, p, 0.30)
		assert.LessOrEqual(t, p, 0.80)
	}
}
