package consensus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fzheng/hivemind-sub000/internal/cost"
	"github.com/fzheng/hivemind-sub000/internal/decision"
	"github.com/fzheng/hivemind-sub000/internal/exchange"
	"github.com/fzheng/hivemind-sub000/internal/regime"
)

// RhoSource yields the decayed pairwise trader correlation.
type RhoSource interface {
	Rho(a, b string) float64
}

// StatsSource yields pooled win/loss R stats for a set of trigger
// addresses. Implementations return (1, 1) when no history qualifies.
type StatsSource interface {
	PooledWinLossR(ctx context.Context, addresses []string) (avgWinR, avgLossR float64)
}

// SignalPublisher fans an emitted signal out to subscribers.
type SignalPublisher interface {
	PublishSignal(ctx context.Context, s *Signal) error
}

// SetCorrelation satisfies correlation hydration for tests; production
// lookups go through the RhoSource directly.
type StaticRho struct {
	mu    sync.RWMutex
	pairs map[[2]string]float64
	def   float64
}

// NewStaticRho creates a fixed-matrix rho source with a default for
// missing pairs.
func NewStaticRho(def float64) *StaticRho {
	return &StaticRho{pairs: make(map[[2]string]float64), def: def}
}

// SetCorrelation stores one pair under its sorted lowercase key.
func (s *StaticRho) SetCorrelation(a, b string, rho float64) {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a > b {
		a, b = b, a
	}
	s.mu.Lock()
	s.pairs[[2]string{a, b}] = rho
	s.mu.Unlock()
}

// Rho returns the stored pair value or the default.
func (s *StaticRho) Rho(a, b string) float64 {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a > b {
		a, b = b, a
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rho, ok := s.pairs[[2]string{a, b}]; ok {
		return rho
	}
	return s.def
}

// Detector runs the consensus pipeline: fills accumulate in per-asset
// sliding windows, and every fill triggers a gate sequence that either
// emits a signal or records a skip.
type Detector struct {
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time
	windows   *windowSet
	mids      *exchange.MarketDataCache
	atr       *cost.ATRManager
	costs     CostModel
	regimes   *regime.Detector
	rho       RhoSource
	stats     StatsSource
	decisions *decision.Logger
	publisher SignalPublisher
	onSignal  func(context.Context, *Signal)

	mu         sync.Mutex
	atrHistory map[string][]float64 // recent ATR% samples per asset
	scores     map[string]float64   // published per-trader weights
}

// NewDetector wires the consensus detector. publisher and stats may be nil.
func NewDetector(cfg Config, mids *exchange.MarketDataCache, atr *cost.ATRManager, costs CostModel, regimes *regime.Detector, rho RhoSource, stats StatsSource, decisions *decision.Logger, logger zerolog.Logger) *Detector {
	if cfg.MinTraders == 0 {
		cfg = DefaultConfig()
	}
	now := time.Now
	return &Detector{
		cfg:        cfg,
		log:        logger.With().Str("component", "consensus_detector").Logger(),
		now:        now,
		windows:    newWindowSet(now),
		mids:       mids,
		atr:        atr,
		costs:      costs,
		regimes:    regimes,
		rho:        rho,
		stats:      stats,
		decisions:  decisions,
		atrHistory: make(map[string][]float64),
		scores:     make(map[string]float64),
	}
}

// SetTraderScore installs a published score as the trader's vote weight,
// replacing the size-derived one. Scores saturate at 1; a non-positive
// score removes the override.
func (d *Detector) SetTraderScore(trader string, score float64) {
	key := strings.ToLower(trader)
	d.mu.Lock()
	defer d.mu.Unlock()
	if score <= 0 {
		delete(d.scores, key)
		return
	}
	if score > 1 {
		score = 1
	}
	d.scores[key] = score
}

// applyScores overwrites vote weights with any published trader scores.
func (d *Detector) applyScores(votes []Vote) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.scores) == 0 {
		return
	}
	for i := range votes {
		if s, ok := d.scores[strings.ToLower(votes[i].Trader)]; ok {
			votes[i].Weight = s
		}
	}
}

// SetNow replaces the detector's clock, for replay.
func (d *Detector) SetNow(fn func() time.Time) {
	d.now = fn
	d.windows.now = fn
}

// SetPublisher attaches an outbound signal publisher.
func (d *Detector) SetPublisher(p SignalPublisher) { d.publisher = p }

// SetSignalHandler attaches the executor hand-off.
func (d *Detector) SetSignalHandler(fn func(context.Context, *Signal)) { d.onSignal = fn }

// referenceVenue is the venue whose mid anchors the price-band gate.
func (d *Detector) referenceVenue() exchange.Venue {
	if len(d.cfg.Venues) > 0 {
		return d.cfg.Venues[0]
	}
	return exchange.VenueHyperliquid
}

// tracksSymbol reports whether the asset is in the configured universe.
func (d *Detector) tracksSymbol(asset string) bool {
	for _, s := range d.cfg.Symbols {
		if strings.EqualFold(s, asset) {
			return true
		}
	}
	return false
}

// OnFill ingests one observed trader fill and re-checks consensus for its
// asset.
func (d *Detector) OnFill(ctx context.Context, f Fill) {
	f.Asset = strings.ToUpper(f.Asset)
	if !d.tracksSymbol(f.Asset) || f.Size == 0 || f.Price <= 0 {
		return
	}

	d.mids.UpdateMid(d.referenceVenue(), f.Asset, f.Price)
	d.windows.add(f, d.windowDuration(ctx, f.Asset))
	d.CheckConsensus(ctx, f.Asset)
}

// windowDuration sizes the asset's window from its ATR percentile.
func (d *Detector) windowDuration(ctx context.Context, asset string) time.Duration {
	pct := 0.5
	if d.atr != nil {
		if data, err := d.atr.GetATR(ctx, d.referenceVenue(), asset, false); err == nil && data.ATRPercent > 0 {
			pct = d.atrPercentile(asset, data.ATRPercent)
		}
	}
	return time.Duration(AdaptiveWindowSeconds(pct)) * time.Second
}

// atrPercentile ranks the current ATR% against the asset's recent history.
func (d *Detector) atrPercentile(asset string, atrPct float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	hist := d.atrHistory[asset]
	hist = append(hist, atrPct)
	if len(hist) > 100 {
		hist = hist[len(hist)-100:]
	}
	d.atrHistory[asset] = hist

	if len(hist) < 2 {
		return 0.5
	}
	var below int
	for _, v := range hist {
		if v < atrPct {
			below++
		}
	}
	return float64(below) / float64(len(hist)-1)
}

// CheckConsensus runs the full gate sequence for one asset. A panic in gate
// logic abandons the evaluation without crashing the process.
func (d *Detector) CheckConsensus(ctx context.Context, asset string) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("asset", asset).Interface("panic", r).Msg("consensus evaluation panicked")
		}
	}()

	fills, window := d.windows.snapshot(asset)
	if window == nil {
		return
	}
	d.evaluate(ctx, asset, fills, window)
}

func (d *Detector) evaluate(ctx context.Context, asset string, fills []Fill, window *Window) {
	now := d.now()
	var gates []decision.Gate
	rec := decision.Record{Symbol: asset}

	fail := func() {
		rec.Gates = gates
		d.decisions.LogSkip(ctx, rec)
	}

	// 1. Collapse to votes.
	votes := CollapseToVotes(fills, d.cfg.VoteSizeCap)
	d.applyScores(votes)
	n := len(votes)
	rec.TraderCount = n

	// 2. Supermajority.
	gates = append(gates, decision.Gate{
		Name:      "min_traders",
		Passed:    n >= d.cfg.MinTraders,
		Value:     float64(n),
		Threshold: float64(d.cfg.MinTraders),
	})
	if n < d.cfg.MinTraders {
		fail()
		return
	}

	dir, majority := MajorityDirection(votes)
	agreeing := Agreeing(votes, dir)
	agreePct := float64(majority) / float64(n)
	rec.Direction = string(dir)
	rec.AgreementPct = agreePct

	superOK := majority >= d.cfg.MinAgreeing && agreePct >= d.cfg.MinPct
	gates = append(gates, decision.Gate{
		Name:      "supermajority",
		Passed:    superOK,
		Value:     agreePct,
		Threshold: d.cfg.MinPct,
		Detail:    fmt.Sprintf("%d/%d %s", majority, n, dir),
	})
	if !superOK {
		fail()
		return
	}

	// 3. Effective-K over the agreeing subset.
	var sumW float64
	for _, v := range agreeing {
		sumW += v.Weight
	}
	rec.AvgConfidence = sumW / float64(len(agreeing))

	effK := EffectiveK(agreeing, d.rho.Rho)
	rec.EffectiveK = effK
	gates = append(gates, decision.Gate{
		Name:      "effective_k",
		Passed:    effK >= d.cfg.MinEffectiveK,
		Value:     effK,
		Threshold: d.cfg.MinEffectiveK,
	})
	if effK < d.cfg.MinEffectiveK {
		fail()
		return
	}

	// 4. Latency and price band.
	oldest := agreeing[0].Timestamp
	for _, v := range agreeing[1:] {
		if v.Timestamp.Before(oldest) {
			oldest = v.Timestamp
		}
	}
	staleness := now.Sub(oldest).Seconds()
	maxStaleness := window.Duration.Seconds() * d.cfg.MaxStalenessFactor
	gates = append(gates, decision.Gate{
		Name:      "latency",
		Passed:    staleness <= maxStaleness,
		Value:     staleness,
		Threshold: maxStaleness,
	})
	if staleness > maxStaleness {
		fail()
		return
	}

	median := MedianPrice(agreeing)
	mid, ok := d.mids.GetMid(d.referenceVenue(), asset)
	if !ok || median <= 0 {
		gates = append(gates, decision.Gate{
			Name:   "price_band",
			Passed: false,
			Detail: "no current mid available",
		})
		fail()
		return
	}
	rec.Price = mid
	bandBps := absFloat(mid-median) / median * 10_000
	gates = append(gates, decision.Gate{
		Name:      "price_band",
		Passed:    bandBps <= d.cfg.MaxPriceBandBps,
		Value:     bandBps,
		Threshold: d.cfg.MaxPriceBandBps,
	})
	if bandBps > d.cfg.MaxPriceBandBps {
		fail()
		return
	}

	// 5. Stop distance from ATR, regime-adjusted.
	regimeDet := d.regimes.Detect(ctx, d.referenceVenue(), asset)
	mults := regimeDet.Multipliers()

	stopPct, stopSrc := d.stopFraction(ctx, asset, mults.Stop)
	strictBlocked := d.cfg.StrictATR && stopSrc == cost.SourceFallback
	gates = append(gates, decision.Gate{
		Name:      "stop_distance",
		Passed:    !strictBlocked && stopPct > 0,
		Value:     stopPct,
		Threshold: 0,
		Detail:    fmt.Sprintf("source=%s regime=%s", stopSrc, regimeDet.Regime),
	})
	if strictBlocked || stopPct <= 0 {
		fail()
		return
	}

	stopPrice := median * (1 - stopPct)
	if dir == exchange.DirectionShort {
		stopPrice = median * (1 + stopPct)
	}

	// 6. Calibrated p-win against the regime's confidence hurdle.
	pWin := CalibratedPWin(effK, sumW)
	minPWin := 0.5 + mults.MinConfidence
	gates = append(gates, decision.Gate{
		Name:      "p_win",
		Passed:    pWin >= minPWin,
		Value:     pWin,
		Threshold: minPWin,
	})
	if pWin < minPWin {
		fail()
		return
	}

	// 7-8. Per-venue EV comparison and the EV gate.
	addresses := make([]string, len(agreeing))
	for i, v := range agreeing {
		addresses[i] = v.Trader
	}
	avgWinR, avgLossR := 1.0, 1.0
	if d.stats != nil {
		avgWinR, avgLossR = d.stats.PooledWinLossR(ctx, addresses)
	}

	best, _ := d.costs.CompareVenues(ctx, d.cfg.Venues, asset, dir,
		d.cfg.NominalNotionalUSD, pWin, avgWinR, avgLossR, stopPct, string(regimeDet.Regime))
	rec.EVEstimate = best.NetEV
	gates = append(gates, decision.Gate{
		Name:      "min_ev",
		Passed:    best.NetEV >= d.cfg.MinEVR,
		Value:     best.NetEV,
		Threshold: d.cfg.MinEVR,
		Detail:    fmt.Sprintf("venue=%s cost=%.3fR", best.Venue, best.CostR),
	})
	if best.NetEV < d.cfg.MinEVR {
		fail()
		return
	}

	// 9. Emit.
	sort.Strings(addresses)
	signal := &Signal{
		Symbol:           asset,
		Direction:        dir,
		EntryPrice:       median,
		StopPrice:        stopPrice,
		StopDistancePct:  stopPct,
		NTraders:         n,
		NAgreeing:        majority,
		EffectiveK:       effK,
		Dispersion:       PriceDispersionBps(agreeing),
		PWin:             pWin,
		GrossEV:          best.GrossEV,
		CostR:            best.CostR,
		NetEV:            best.NetEV,
		LatencySeconds:   staleness,
		TriggerAddresses: addresses,
		TargetVenue:      best.Venue,
		Costs:            best,
		EmittedAt:        now,
	}

	rec.Gates = gates
	rec.PWin = pWin
	signal.DecisionID = d.decisions.LogSignal(ctx, rec)
	d.windows.clear(asset)

	d.log.Info().
		Str("asset", asset).
		Str("direction", string(dir)).
		Float64("effective_k", effK).
		Float64("net_ev", best.NetEV).
		Str("venue", string(best.Venue)).
		Msg("consensus signal emitted")

	if d.publisher != nil {
		if err := d.publisher.PublishSignal(ctx, signal); err != nil {
			d.log.Warn().Err(err).Msg("signal publish failed")
		}
	}
	if d.onSignal != nil {
		d.onSignal(ctx, signal)
	}
}

// stopFraction derives the stop distance fraction for an asset from ATR,
// falling back to the configured default.
func (d *Detector) stopFraction(ctx context.Context, asset string, stopMult float64) (float64, cost.Source) {
	if d.atr == nil {
		return d.cfg.DefaultStopPct, cost.SourceFallback
	}
	data, err := d.atr.GetATR(ctx, d.referenceVenue(), asset, false)
	if err != nil {
		return d.cfg.DefaultStopPct, cost.SourceFallback
	}
	return data.StopDistancePct / 100 * stopMult, data.Source
}

func absFloat(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
