package sizing

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fzheng/hivemind-sub000/internal/database"
)

type perfStore struct {
	perfs map[string]*database.TraderPerformance
	err   error
}

func (s *perfStore) ListTraderPerformance(ctx context.Context, addresses []string) (map[string]*database.TraderPerformance, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]*database.TraderPerformance)
	for _, a := range addresses {
		if p, ok := s.perfs[a]; ok {
			out[a] = p
		}
	}
	return out, nil
}

func baseInputs() Inputs {
	return Inputs{
		WinRate:         0.55,
		AvgWinR:         1.0,
		AvgLossR:        1.0,
		Episodes:        100,
		Equity:          100_000,
		Price:           50_000,
		StopDistancePct: 0.01,
		RegimeKellyMult: 1.0,
	}
}

func TestSizeKelly(t *testing.T) {
	s := NewSizer(DefaultConfig(), nil, zerolog.Nop())

	t.Run("symmetric edge", func(t *testing.T) {
		// p=0.55, payoff 1: f* = 0.55 - 0.45 = 0.10.
		r := s.Size(baseInputs())
		assert.Equal(t, MethodKelly, r.Method)
		assert.InDelta(t, 0.10, r.KellyFull, 1e-9)
		// Quarter Kelly: 0.025; over a 1% stop: 2.5% of equity.
		assert.InDelta(t, 0.025, r.KellyFraction, 1e-9)
		assert.InDelta(t, 0.025, r.PositionPct, 1e-9)
		assert.InDelta(t, 2_500, r.USDSize, 1e-6)
		assert.InDelta(t, 0.05, r.CoinSize, 1e-9)
		assert.False(t, r.Capped)
	})

	t.Run("no edge sizes zero", func(t *testing.T) {
		in := baseInputs()
		in.WinRate = 0.45
		r := s.Size(in)
		// EV is negative before Kelly even runs; half-fallback applies.
		assert.Equal(t, MethodFallbackNegEV, r.Method)
		assert.InDelta(t, 0.005, r.PositionPct, 1e-9)
		assert.InDelta(t, 500, r.USDSize, 1e-6)
	})

	t.Run("fees flip thin edge negative", func(t *testing.T) {
		// p=0.52 symmetric: gross EV 0.04R. 10 bps round-trip fees over a
		// 1% stop cost 0.10R, so net EV is -0.06R.
		in := baseInputs()
		in.WinRate = 0.52
		in.RoundTripFeePct = 0.0010
		r := s.Size(in)
		assert.Equal(t, MethodFallbackNegEV, r.Method)
		assert.InDelta(t, -0.06, r.EV, 1e-9)
		assert.InDelta(t, 0.005, r.PositionPct, 1e-9)
	})

	t.Run("insufficient episodes fall back", func(t *testing.T) {
		in := baseInputs()
		in.Episodes = 10
		r := s.Size(in)
		assert.Equal(t, MethodFallbackData, r.Method)
		assert.InDelta(t, 0.01, r.PositionPct, 1e-9)
		assert.InDelta(t, 1_000, r.USDSize, 1e-6)
	})

	t.Run("no loss history refuses to size", func(t *testing.T) {
		in := baseInputs()
		in.AvgLossR = 0
		r := s.Size(in)
		assert.Equal(t, MethodFallbackNoLoss, r.Method)
		assert.Zero(t, r.USDSize)
	})

	t.Run("regime multiplier applies before the cap", func(t *testing.T) {
		in := baseInputs()
		in.RegimeKellyMult = 0.5
		r := s.Size(in)
		assert.InDelta(t, 0.0125, r.KellyFraction, 1e-9)
	})

	t.Run("position cap binds", func(t *testing.T) {
		// Strong edge over a tight stop: 0.55-0.45 won't trip it, so use a
		// high payoff. p=0.60, payoff 3: f* = 0.60 - 0.40/3 = 0.4667.
		in := baseInputs()
		in.WinRate = 0.60
		in.AvgWinR = 3.0
		in.StopDistancePct = 0.005
		r := s.Size(in)
		// f = 0.4667*0.25 = 0.1167; over a 0.5% stop that wants 23x equity.
		assert.Equal(t, MethodKelly, r.Method)
		assert.True(t, r.Capped)
		assert.InDelta(t, 0.10, r.PositionPct, 1e-9)
	})

	t.Run("invalid inputs", func(t *testing.T) {
		in := baseInputs()
		in.StopDistancePct = 0
		r := s.Size(in)
		assert.Equal(t, MethodFallbackData, r.Method)
		assert.Zero(t, r.USDSize)
	})
}

func perf(winRate, avgWin, avgLoss float64, episodes int) *database.TraderPerformance {
	return &database.TraderPerformance{
		WinRate:      winRate,
		AvgWinR:      avgWin,
		AvgLossR:     avgLoss,
		EpisodeCount: episodes,
	}
}

func TestSizeConsensus(t *testing.T) {
	store := &perfStore{perfs: map[string]*database.TraderPerformance{
		"0xaaa": perf(0.55, 1.0, 1.0, 100), // pos 2.5%
		"0xbbb": perf(0.60, 1.0, 1.0, 100), // f*=0.20, pos 5%
		"0xccc": perf(0.50, 1.0, 1.0, 5),   // below episode minimum
	}}
	s := NewSizer(DefaultConfig(), store, zerolog.Nop())

	t.Run("median of qualifying addresses", func(t *testing.T) {
		r := s.SizeConsensus(context.Background(), []string{"0xaaa", "0xbbb", "0xccc"}, 100_000, 50_000, 0.01, 0, 1.0)
		assert.Equal(t, MethodConsensusMedian, r.Method)
		// Two qualify: median of {2.5%, 5%} = 3.75%.
		assert.InDelta(t, 0.0375, r.PositionPct, 1e-9)
		assert.InDelta(t, 3_750, r.USDSize, 1e-6)
	})

	t.Run("no qualifying history falls back", func(t *testing.T) {
		r := s.SizeConsensus(context.Background(), []string{"0xccc", "0xzzz"}, 100_000, 50_000, 0.01, 0, 1.0)
		assert.Equal(t, MethodConsensusFallbck, r.Method)
		assert.InDelta(t, 0.01, r.PositionPct, 1e-9)
	})

	t.Run("store failure falls back", func(t *testing.T) {
		broken := NewSizer(DefaultConfig(), &perfStore{err: assert.AnError}, zerolog.Nop())
		r := broken.SizeConsensus(context.Background(), []string{"0xaaa"}, 100_000, 50_000, 0.01, 0, 1.0)
		assert.Equal(t, MethodConsensusFallbck, r.Method)
	})
}

func TestPooledWinLossR(t *testing.T) {
	store := &perfStore{perfs: map[string]*database.TraderPerformance{
		"0xaaa": perf(0.5, 2.0, 1.0, 30),
		"0xbbb": perf(0.5, 1.0, 1.0, 10),
	}}
	s := NewSizer(DefaultConfig(), store, zerolog.Nop())

	win, loss := s.PooledWinLossR(context.Background(), []string{"0xaaa", "0xbbb"})
	// Episode-weighted: (2.0*30 + 1.0*10)/40 = 1.75.
	require.InDelta(t, 1.75, win, 1e-9)
	require.InDelta(t, 1.0, loss, 1e-9)

	t.Run("empty pool is symmetric", func(t *testing.T) {
		win, loss := s.PooledWinLossR(context.Background(), []string{"0xzzz"})
		assert.Equal(t, 1.0, win)
		assert.Equal(t, 1.0, loss)
	})

	t.Run("nil store is symmetric", func(t *testing.T) {
		bare := NewSizer(DefaultConfig(), nil, zerolog.Nop())
		win, loss := bare.PooledWinLossR(context.Background(), []string{"0xaaa"})
		assert.Equal(t, 1.0, win)
		assert.Equal(t, 1.0, loss)
	})
}
