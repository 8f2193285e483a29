package risk

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fzheng/hivemind-sub000/internal/database"
	"github.com/fzheng/hivemind-sub000/internal/exchange"
)

// memState is an in-memory StateStore.
type memState struct {
	mu    sync.Mutex
	kv    map[string]string
	daily map[string]*database.RiskDailyPnL
}

func newMemState() *memState {
	return &memState{kv: make(map[string]string), daily: make(map[string]*database.RiskDailyPnL)}
}

func (s *memState) GetGovernorState(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv[key], nil
}

func (s *memState) SetGovernorState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
	return nil
}

func (s *memState) GetDailyPnL(ctx context.Context, date time.Time) (*database.RiskDailyPnL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daily[date.Format("2006-01-02")], nil
}

func (s *memState) UpsertDailyPnL(ctx context.Context, p *database.RiskDailyPnL) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daily[p.Date.Format("2006-01-02")] = p
	return nil
}

func testGovernor(t *testing.T) (*Governor, *memState, *time.Time) {
	t.Helper()
	store := newMemState()
	g := NewGovernor(context.Background(), DefaultConfig(), store, zerolog.Nop())
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return clock }
	return g, store, &clock
}

func okRequest() CheckRequest {
	return CheckRequest{
		Symbol:             "BTC",
		EquityUSD:          100_000,
		MaintenanceMargin:  1_000,
		ProposedUSD:        5_000,
		CurrentExposureUSD: 10_000,
	}
}

func TestCheckPassesHealthyRequest(t *testing.T) {
	g, _, _ := testGovernor(t)
	v := g.Check(context.Background(), okRequest())
	assert.True(t, v.Allowed)
	assert.Empty(t, v.Reason)
	// Every gate reported.
	names := make([]string, len(v.Checks))
	for i, c := range v.Checks {
		names[i] = c.Name
	}
	assert.Equal(t, []string{
		"kill_switch", "equity_floor", "liquidation_distance", "daily_drawdown",
		"position_size", "total_exposure", "max_concurrent", "max_per_symbol",
		"api_error_pause", "loss_streak_pause",
	}, names)
}

func TestCheckGates(t *testing.T) {
	t.Run("equity floor", func(t *testing.T) {
		g, _, _ := testGovernor(t)
		req := okRequest()
		req.EquityUSD = 5_000
		req.ProposedUSD = 100
		v := g.Check(context.Background(), req)
		assert.False(t, v.Allowed)
		assert.Contains(t, v.Reason, "below floor")
	})

	t.Run("liquidation distance", func(t *testing.T) {
		g, _, _ := testGovernor(t)
		req := okRequest()
		req.MaintenanceMargin = 80_000 // ratio 1.25 < 1.5
		v := g.Check(context.Background(), req)
		assert.False(t, v.Allowed)
		assert.Contains(t, v.Reason, "equity/maintenance")
	})

	t.Run("position size cap", func(t *testing.T) {
		g, _, _ := testGovernor(t)
		req := okRequest()
		req.ProposedUSD = 15_000 // > 10% of 100k
		v := g.Check(context.Background(), req)
		assert.False(t, v.Allowed)
		assert.Contains(t, v.Reason, "exceeds")
	})

	t.Run("total exposure cap", func(t *testing.T) {
		g, _, _ := testGovernor(t)
		req := okRequest()
		req.CurrentExposureUSD = 48_000
		req.ProposedUSD = 5_000 // 53k > 50% of 100k
		v := g.Check(context.Background(), req)
		assert.False(t, v.Allowed)
		assert.Contains(t, v.Reason, "exposure")
	})

	t.Run("first failure wins", func(t *testing.T) {
		g, _, _ := testGovernor(t)
		req := okRequest()
		req.EquityUSD = 5_000
		req.MaintenanceMargin = 80_000
		v := g.Check(context.Background(), req)
		assert.Contains(t, v.Reason, "below floor")
	})
}

func TestPositionCountBreakers(t *testing.T) {
	g, _, _ := testGovernor(t)

	g.UpdatePositionCounts(&exchange.AccountState{
		Venue: exchange.VenueHyperliquid,
		Positions: []exchange.Position{
			{Symbol: "BTC", Size: 1},
			{Symbol: "ETH", Size: -2},
			{Symbol: "SOL", Size: 0}, // flat, not counted
		},
	})
	g.UpdatePositionCounts(&exchange.AccountState{
		Venue:     exchange.VenueBybit,
		Positions: []exchange.Position{{Symbol: "BTCUSDT", Size: 0.5}},
	})

	t.Run("max concurrent across venues", func(t *testing.T) {
		v := g.Check(context.Background(), okRequest())
		assert.False(t, v.Allowed)
		assert.Contains(t, v.Reason, "positions open")
	})

	t.Run("venue symbols normalized per asset", func(t *testing.T) {
		total, forBTC := g.positionCounts("BTC")
		assert.Equal(t, 3, total)
		assert.Equal(t, 2, forBTC) // BTC on HL plus BTCUSDT on Bybit
	})

	t.Run("distinct asset sharing a prefix stays separate", func(t *testing.T) {
		g.UpdatePositionCounts(&exchange.AccountState{
			Venue:     exchange.VenueAster,
			Positions: []exchange.Position{{Symbol: "SOLO-PERP", Size: 3}},
		})
		_, forSOL := g.positionCounts("SOL")
		assert.Zero(t, forSOL)
		_, forSOLO := g.positionCounts("SOLO")
		assert.Equal(t, 1, forSOLO)
		g.UpdatePositionCounts(&exchange.AccountState{Venue: exchange.VenueAster})
	})

	t.Run("snapshot replaces venue counts", func(t *testing.T) {
		g.UpdatePositionCounts(&exchange.AccountState{Venue: exchange.VenueHyperliquid})
		total, _ := g.positionCounts("BTC")
		assert.Equal(t, 1, total)
	})
}

func TestKillSwitch(t *testing.T) {
	t.Run("engages on daily drawdown", func(t *testing.T) {
		g, store, _ := testGovernor(t)
		g.ObserveEquity(context.Background(), 100_000)
		g.ObserveEquity(context.Background(), 94_000) // -6%

		require.True(t, g.KillSwitchActive(context.Background()))
		v := g.Check(context.Background(), okRequest())
		assert.False(t, v.Allowed)
		assert.True(t, strings.HasPrefix(v.Reason, "KILL SWITCH"), "reason %q", v.Reason)
		// Only the kill-switch gate is evaluated.
		assert.Len(t, v.Checks, 1)

		// Persisted for restart survival.
		val, _ := store.GetGovernorState(context.Background(), "kill_switch_since")
		assert.NotEmpty(t, val)
	})

	t.Run("small drawdown does not engage", func(t *testing.T) {
		g, _, _ := testGovernor(t)
		g.ObserveEquity(context.Background(), 100_000)
		g.ObserveEquity(context.Background(), 97_000) // -3%
		assert.False(t, g.KillSwitchActive(context.Background()))
	})

	t.Run("restores from durable state", func(t *testing.T) {
		store := newMemState()
		since := time.Now().UTC().Add(-time.Hour)
		require.NoError(t, store.SetGovernorState(context.Background(), "kill_switch_since", since.Format(time.RFC3339)))

		g := NewGovernor(context.Background(), DefaultConfig(), store, zerolog.Nop())
		assert.True(t, g.KillSwitchActive(context.Background()))
	})

	t.Run("auto-clears after cooldown", func(t *testing.T) {
		g, store, clock := testGovernor(t)
		g.ObserveEquity(context.Background(), 100_000)
		g.ObserveEquity(context.Background(), 90_000)
		require.True(t, g.KillSwitchActive(context.Background()))

		*clock = clock.Add(25 * time.Hour)
		assert.False(t, g.KillSwitchActive(context.Background()))

		val, _ := store.GetGovernorState(context.Background(), "kill_switch_since")
		assert.Empty(t, val)

		v := g.Check(context.Background(), okRequest())
		assert.True(t, v.Allowed)
	})

	t.Run("new UTC day resets starting equity", func(t *testing.T) {
		g, _, clock := testGovernor(t)
		g.ObserveEquity(context.Background(), 100_000)
		*clock = clock.Add(24 * time.Hour)
		// Yesterday's 100k is forgotten; 90k becomes today's start.
		g.ObserveEquity(context.Background(), 90_000)
		assert.False(t, g.KillSwitchActive(context.Background()))
	})
}

func TestAPIErrorBreaker(t *testing.T) {
	g, _, clock := testGovernor(t)

	g.RecordAPIError()
	g.RecordAPIError()
	v := g.Check(context.Background(), okRequest())
	assert.True(t, v.Allowed)

	g.RecordAPIError() // third consecutive trips the breaker
	v = g.Check(context.Background(), okRequest())
	assert.False(t, v.Allowed)
	assert.Contains(t, v.Reason, "API error pause")

	t.Run("pause expires", func(t *testing.T) {
		*clock = clock.Add(6 * time.Minute)
		v := g.Check(context.Background(), okRequest())
		assert.True(t, v.Allowed)
	})

	t.Run("success resets the streak", func(t *testing.T) {
		g.RecordAPISuccess()
		g.RecordAPIError()
		g.RecordAPIError()
		g.RecordAPISuccess()
		g.RecordAPIError()
		v := g.Check(context.Background(), okRequest())
		assert.True(t, v.Allowed)
	})
}

func TestLossStreakBreaker(t *testing.T) {
	g, _, clock := testGovernor(t)

	for i := 0; i < 4; i++ {
		g.RecordTradeResult(-100)
	}
	v := g.Check(context.Background(), okRequest())
	assert.True(t, v.Allowed)

	g.RecordTradeResult(-100) // fifth consecutive loss
	v = g.Check(context.Background(), okRequest())
	assert.False(t, v.Allowed)
	assert.Contains(t, v.Reason, "loss streak pause")

	t.Run("win resets the streak", func(t *testing.T) {
		*clock = clock.Add(2 * time.Hour)
		for i := 0; i < 4; i++ {
			g.RecordTradeResult(-100)
		}
		g.RecordTradeResult(250)
		g.RecordTradeResult(-100)
		v := g.Check(context.Background(), okRequest())
		assert.True(t, v.Allowed)
	})
}
