package consensus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fzheng/hivemind-sub000/internal/cost"
	"github.com/fzheng/hivemind-sub000/internal/database"
	"github.com/fzheng/hivemind-sub000/internal/decision"
	"github.com/fzheng/hivemind-sub000/internal/exchange"
	"github.com/fzheng/hivemind-sub000/internal/regime"
)

// memRepo captures decision rows in memory.
type memRepo struct {
	mu   sync.Mutex
	rows []*database.DecisionLog
}

func (r *memRepo) CreateDecisionLog(ctx context.Context, d *database.DecisionLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.ID = int64(len(r.rows) + 1)
	r.rows = append(r.rows, d)
	return nil
}

func (r *memRepo) UpdateDecisionOutcome(ctx context.Context, decisionID int64, pnl, rMultiple float64, closedAt time.Time) error {
	return nil
}

func (r *memRepo) ListDecisionLogs(ctx context.Context, f database.DecisionFilter, limit, offset int) ([]*database.DecisionLog, error) {
	return nil, nil
}

func (r *memRepo) GetDecisionStats(ctx context.Context, days int) (*database.DecisionStats, error) {
	return nil, nil
}

func (r *memRepo) last() *database.DecisionLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rows) == 0 {
		return nil
	}
	return r.rows[len(r.rows)-1]
}

type fixedStats struct{ win, loss float64 }

func (s fixedStats) PooledWinLossR(ctx context.Context, addresses []string) (float64, float64) {
	return s.win, s.loss
}

type detectorHarness struct {
	detector *Detector
	repo     *memRepo
	rho      *StaticRho
	clock    time.Time
	signals  []*Signal
}

func newHarness(t *testing.T, mutate func(*Config)) *detectorHarness {
	t.Helper()
	nop := zerolog.Nop()

	cfg := DefaultConfig()
	cfg.StrictATR = false
	if mutate != nil {
		mutate(&cfg)
	}

	mids := exchange.NewMarketDataCache()
	adapters := make(map[exchange.Venue]exchange.Adapter)
	atrProviders := make(map[exchange.Venue]*cost.ATRProvider)
	books := make(map[exchange.Venue]cost.BookSource)
	funding := make(map[exchange.Venue]cost.FundingSource)
	candles := make(map[exchange.Venue]regime.CandleSource)
	atrCfg := cost.DefaultATRConfig()
	atrCfg.StrictMode = cfg.StrictATR
	for _, v := range cfg.Venues {
		m := exchange.NewMockAdapter(v)
		require.NoError(t, m.Disconnect(context.Background()))
		adapters[v] = m
		atrProviders[v] = cost.NewATRProvider(v, m, nil, atrCfg, nop)
		books[v] = m
		funding[v] = m
		candles[v] = m
	}

	costs := CostModel{
		Fees:     cost.NewFeeProvider(adapters, nop),
		Slippage: cost.NewSlippageProvider(books, nop),
		Funding:  cost.NewFundingProvider(funding, nop),
		Hold:     cost.NewHoldTimeEstimator(nil, 8, nop),
	}

	h := &detectorHarness{
		repo:  &memRepo{},
		rho:   NewStaticRho(0),
		clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.detector = NewDetector(cfg, mids, cost.NewATRManager(atrProviders, cfg.Venues[0], nop), costs,
		regime.NewDetector(candles, nop), h.rho, fixedStats{win: 2, loss: 1}, decision.NewLogger(h.repo, nop), nop)
	h.detector.SetNow(func() time.Time { return h.clock })
	h.detector.SetSignalHandler(func(ctx context.Context, s *Signal) {
		h.signals = append(h.signals, s)
	})
	return h
}

func (h *detectorHarness) fill(trader string, size, price float64) {
	f := Fill{
		ID:        trader + h.clock.String(),
		Trader:    trader,
		Asset:     "BTC",
		Size:      size,
		Price:     price,
		Timestamp: h.clock,
	}
	h.detector.OnFill(context.Background(), f)
	h.clock = h.clock.Add(2 * time.Second)
}

func lastFailedGate(t *testing.T, row *database.DecisionLog) decision.Gate {
	t.Helper()
	gates := decodeGates(t, row)
	require.NotEmpty(t, gates)
	last := gates[len(gates)-1]
	require.False(t, last.Passed)
	return last
}

func decodeGates(t *testing.T, row *database.DecisionLog) []decision.Gate {
	t.Helper()
	require.NotNil(t, row)
	var gates []decision.Gate
	require.NoError(t, json.Unmarshal(row.Gates, &gates))
	return gates
}

func TestDetectorEmitsSignalOnSupermajority(t *testing.T) {
	h := newHarness(t, nil)

	h.fill("0xaaa", 1.0, 50_000)
	h.fill("0xbbb", 1.0, 50_000)
	assert.Empty(t, h.signals)

	h.fill("0xccc", 1.0, 50_000)
	require.Len(t, h.signals, 1)
	sig := h.signals[0]

	assert.Equal(t, "BTC", sig.Symbol)
	assert.Equal(t, exchange.DirectionLong, sig.Direction)
	assert.Equal(t, 3, sig.NTraders)
	assert.Equal(t, 3, sig.NAgreeing)
	assert.InDelta(t, 3.0, sig.EffectiveK, 1e-9)
	assert.InDelta(t, 0.66, sig.PWin, 1e-9)
	assert.Equal(t, 50_000.0, sig.EntryPrice)

	// Static-table costs on the reference venue: 9 bps fees, 2 bps
	// slippage, no funding, against a 50 bps stop.
	assert.Equal(t, exchange.VenueHyperliquid, sig.TargetVenue)
	assert.InDelta(t, 0.005, sig.StopDistancePct, 1e-9)
	assert.InDelta(t, 0.22, sig.CostR, 1e-9)
	assert.InDelta(t, 0.98, sig.GrossEV, 1e-9)
	assert.InDelta(t, 0.76, sig.NetEV, 1e-9)
	assert.InDelta(t, 50_000*0.995, sig.StopPrice, 1e-6)
	assert.Equal(t, []string{"0xaaa", "0xbbb", "0xccc"}, sig.TriggerAddresses)

	row := h.repo.last()
	require.NotNil(t, row)
	assert.Equal(t, decision.TypeSignal, row.DecisionType)
	assert.Equal(t, sig.DecisionID, row.ID)

	t.Run("window cleared after emission", func(t *testing.T) {
		h.fill("0xddd", 1.0, 50_000)
		require.Len(t, h.signals, 1)
		assert.Equal(t, 1, h.repo.last().TraderCount)
	})
}

func TestDetectorShortConsensus(t *testing.T) {
	h := newHarness(t, nil)

	h.fill("0xaaa", -1.0, 50_000)
	h.fill("0xbbb", -1.0, 50_000)
	h.fill("0xccc", -1.0, 50_000)

	require.Len(t, h.signals, 1)
	sig := h.signals[0]
	assert.Equal(t, exchange.DirectionShort, sig.Direction)
	assert.InDelta(t, 50_000*1.005, sig.StopPrice, 1e-6)
}

func TestDetectorSkipsBelowMinTraders(t *testing.T) {
	h := newHarness(t, nil)

	h.fill("0xaaa", 1.0, 50_000)
	h.fill("0xbbb", 1.0, 50_000)

	assert.Empty(t, h.signals)
	row := h.repo.last()
	assert.Equal(t, decision.TypeSkip, row.DecisionType)
	gate := lastFailedGate(t, row)
	assert.Equal(t, "min_traders", gate.Name)
}

func TestDetectorSkipsWithoutSupermajority(t *testing.T) {
	h := newHarness(t, nil)

	// 3 of 5 agree: 60% < 70%.
	h.fill("0xaaa", 1.0, 50_000)
	h.fill("0xbbb", 1.0, 50_000)
	h.fill("0xccc", -1.0, 50_000)
	h.fill("0xddd", -1.0, 50_000)
	h.fill("0xeee", 1.0, 50_000)

	assert.Empty(t, h.signals)
	gate := lastFailedGate(t, h.repo.last())
	assert.Equal(t, "supermajority", gate.Name)
}

func TestDetectorSkipsCorrelatedCluster(t *testing.T) {
	h := newHarness(t, nil)
	// Uniform rho 0.5 over three equal voters: effK = 1.5 < 2.0.
	h.rho.SetCorrelation("0xaaa", "0xbbb", 0.5)
	h.rho.SetCorrelation("0xaaa", "0xccc", 0.5)
	h.rho.SetCorrelation("0xbbb", "0xccc", 0.5)

	h.fill("0xaaa", 1.0, 50_000)
	h.fill("0xbbb", 1.0, 50_000)
	h.fill("0xccc", 1.0, 50_000)

	assert.Empty(t, h.signals)
	gate := lastFailedGate(t, h.repo.last())
	assert.Equal(t, "effective_k", gate.Name)
	assert.InDelta(t, 1.5, gate.Value, 1e-9)
}

func TestDetectorSkipsWidePriceBand(t *testing.T) {
	h := newHarness(t, nil)

	// Median anchors at 50,000 but the mid follows the last fill: 20 bps
	// away, over the 8 bps band.
	h.fill("0xaaa", 1.0, 50_000)
	h.fill("0xbbb", 1.0, 50_000)
	h.fill("0xccc", 1.0, 50_100)

	assert.Empty(t, h.signals)
	gate := lastFailedGate(t, h.repo.last())
	assert.Equal(t, "price_band", gate.Name)
}

func TestDetectorStrictATRBlocksFallback(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StrictATR = true })

	h.fill("0xaaa", 1.0, 50_000)
	h.fill("0xbbb", 1.0, 50_000)
	h.fill("0xccc", 1.0, 50_000)

	assert.Empty(t, h.signals)
	gate := lastFailedGate(t, h.repo.last())
	assert.Equal(t, "stop_distance", gate.Name)
}

func TestDetectorSkipsNegativeEV(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MinEVR = 1.5 })

	h.fill("0xaaa", 1.0, 50_000)
	h.fill("0xbbb", 1.0, 50_000)
	h.fill("0xccc", 1.0, 50_000)

	assert.Empty(t, h.signals)
	gate := lastFailedGate(t, h.repo.last())
	assert.Equal(t, "min_ev", gate.Name)
}

func TestDetectorIgnoresUntrackedAndDegenerateFills(t *testing.T) {
	h := newHarness(t, nil)

	h.detector.OnFill(context.Background(), Fill{Trader: "0xaaa", Asset: "DOGE", Size: 1, Price: 0.1, Timestamp: h.clock})
	h.detector.OnFill(context.Background(), Fill{Trader: "0xaaa", Asset: "BTC", Size: 0, Price: 50_000, Timestamp: h.clock})
	h.detector.OnFill(context.Background(), Fill{Trader: "0xaaa", Asset: "BTC", Size: 1, Price: 0, Timestamp: h.clock})

	assert.Empty(t, h.signals)
	assert.Nil(t, h.repo.last())
}

func TestDetectorTraderScoreOverridesWeight(t *testing.T) {
	h := newHarness(t, nil)
	// Address case differs from the fills; the override still lands.
	h.detector.SetTraderScore("0xAAA", 0.5)

	h.fill("0xaaa", 1.0, 50_000)
	h.fill("0xbbb", 1.0, 50_000)
	h.fill("0xccc", 1.0, 50_000)

	require.Len(t, h.signals, 1)
	sig := h.signals[0]
	// Unequal weights pull effective-K below the trader count, and total
	// weight 2.5 trims the conviction bonus.
	assert.InDelta(t, 6.25/2.25, sig.EffectiveK, 1e-9)
	assert.InDelta(t, 0.5+(6.25/2.25-1)*0.05+0.05, sig.PWin, 1e-9)

	t.Run("score above one saturates", func(t *testing.T) {
		h.detector.SetTraderScore("0xaaa", 1.8)
		h.fill("0xaaa", 1.0, 50_000)
		h.fill("0xbbb", 1.0, 50_000)
		h.fill("0xccc", 1.0, 50_000)

		require.Len(t, h.signals, 2)
		assert.InDelta(t, 0.66, h.signals[1].PWin, 1e-9)
		assert.InDelta(t, 3.0, h.signals[1].EffectiveK, 1e-9)
	})

	t.Run("non-positive score clears the override", func(t *testing.T) {
		h.detector.SetTraderScore("0xaaa", 0.5)
		h.detector.SetTraderScore("0xaaa", 0)
		h.fill("0xaaa", 1.0, 50_000)
		h.fill("0xbbb", 1.0, 50_000)
		h.fill("0xccc", 1.0, 50_000)

		require.Len(t, h.signals, 3)
		assert.InDelta(t, 0.66, h.signals[2].PWin, 1e-9)
	})
}

func TestDetectorLowercaseAssetNormalized(t *testing.T) {
	h := newHarness(t, nil)

	for _, trader := range []string{"0xaaa", "0xbbb", "0xccc"} {
		h.detector.OnFill(context.Background(), Fill{
			ID: trader, Trader: trader, Asset: "btc", Size: 1, Price: 50_000, Timestamp: h.clock,
		})
		h.clock = h.clock.Add(time.Second)
	}
	require.Len(t, h.signals, 1)
	assert.Equal(t, "BTC", h.signals[0].Symbol)
}
