package regime

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fzheng/hivemind-sub000/internal/cost"
	"github.com/fzheng/hivemind-sub000/internal/exchange"
)

// Regime classifies recent price behavior.
type Regime string

const (
	Trending Regime = "trending"
	Ranging  Regime = "ranging"
	Volatile Regime = "volatile"
	Unknown  Regime = "unknown"
)

// Multipliers are the per-regime adjustments applied downstream.
type Multipliers struct {
	Stop           float64 `json:"stop"`             // widens or tightens ATR stops
	Kelly          float64 `json:"kelly"`            // scales the Kelly fraction
	MinConfidence  float64 `json:"min_confidence"`   // additive p-win hurdle
	MaxPositionFrc float64 `json:"max_position_frc"` // scales the position cap
}

var regimeMultipliers = map[Regime]Multipliers{
	Trending: {Stop: 1.2, Kelly: 1.0, MinConfidence: 0, MaxPositionFrc: 1.0},
	Ranging:  {Stop: 0.8, Kelly: 0.75, MinConfidence: 0.05, MaxPositionFrc: 0.75},
	Volatile: {Stop: 1.5, Kelly: 0.5, MinConfidence: 0.10, MaxPositionFrc: 0.5},
	Unknown:  {Stop: 1.0, Kelly: 0.5, MinConfidence: 0.10, MaxPositionFrc: 0.5},
}

// MultipliersFor returns the adjustments for a regime.
func MultipliersFor(r Regime) Multipliers {
	if m, ok := regimeMultipliers[r]; ok {
		return m
	}
	return regimeMultipliers[Unknown]
}

// Detection is one classification result.
type Detection struct {
	Asset      string         `json:"asset"`
	Venue      exchange.Venue `json:"venue"`
	Regime     Regime         `json:"regime"`
	Confidence float64        `json:"confidence"`
	MASpread   float64        `json:"ma_spread"`
	VolRatio   float64        `json:"vol_ratio"`
	RangePct   float64        `json:"range_pct"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Multipliers returns the adjustments for the detected regime.
func (d *Detection) Multipliers() Multipliers {
	return MultipliersFor(d.Regime)
}

const (
	candleDepth    = 60
	smaShortWindow = 20
	smaLongWindow  = 50
	atrPeriod      = 14

	trendThreshold  = 0.005 // 0.5% MA spread
	volRatioHigh    = 1.5
	volRatioLow     = 0.7
	volRatioOverrid = 2.0
	rangeHighPct    = 3.0
	rangeLowPct     = 1.0

	detectorCacheTTL = 60 * time.Second
)

// CandleSource is the adapter surface the detector reads.
type CandleSource interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error)
	FormatSymbol(asset string) string
}

// Detector classifies the volatility regime per (asset, venue) from
// 1-minute candles, cached briefly.
type Detector struct {
	sources map[exchange.Venue]CandleSource
	log     zerolog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]*Detection
}

// NewDetector creates a regime detector over per-venue candle sources.
func NewDetector(sources map[exchange.Venue]CandleSource, logger zerolog.Logger) *Detector {
	return &Detector{
		sources: sources,
		log:     logger.With().Str("component", "regime_detector").Logger(),
		now:     time.Now,
		cache:   make(map[string]*Detection),
	}
}

// Detect returns the current regime for (asset, venue).
func (d *Detector) Detect(ctx context.Context, venue exchange.Venue, asset string) *Detection {
	asset = strings.ToUpper(asset)
	key := string(venue) + ":" + asset

	d.mu.RLock()
	cached, ok := d.cache[key]
	d.mu.RUnlock()
	if ok && d.now().Sub(cached.Timestamp) < detectorCacheTTL {
		return cached
	}

	det := d.classify(ctx, venue, asset)
	d.mu.Lock()
	d.cache[key] = det
	d.mu.Unlock()
	return det
}

func (d *Detector) classify(ctx context.Context, venue exchange.Venue, asset string) *Detection {
	det := &Detection{
		Asset:     asset,
		Venue:     venue,
		Regime:    Unknown,
		Timestamp: d.now(),
	}

	src, ok := d.sources[venue]
	if !ok {
		return det
	}
	candles, err := src.GetCandles(ctx, src.FormatSymbol(asset), "1m", candleDepth)
	if err != nil || len(candles) < smaLongWindow {
		if err != nil {
			d.log.Debug().Err(err).Str("asset", asset).Msg("candle fetch failed")
		}
		return det
	}

	det.Regime, det.Confidence, det.MASpread, det.VolRatio, det.RangePct = Classify(candles)
	return det
}

// Classify runs the additive scoring rule over the candle history. Exposed
// for replay use; callers must supply at least the long SMA window.
func Classify(candles []exchange.Candle) (Regime, float64, float64, float64, float64) {
	if len(candles) < smaLongWindow {
		return Unknown, 0, 0, 0, 0
	}

	maSpread := smaSpread(candles)
	volRatio := atrRatio(candles)
	rangePct := priceRangePct(candles, smaShortWindow)

	// Extreme volatility overrides everything else.
	if volRatio > volRatioOverrid {
		return Volatile, 0.9, maSpread, volRatio, rangePct
	}

	var trending, ranging, volatile float64

	switch {
	case absf(maSpread) > trendThreshold:
		trending += 0.4
	case absf(maSpread) < trendThreshold/2:
		ranging += 0.3
	}

	switch {
	case volRatio > volRatioHigh:
		volatile += 0.4
	case volRatio < volRatioLow:
		ranging += 0.2
		trending += 0.1
	default:
		trending += 0.15
		ranging += 0.15
	}

	switch {
	case rangePct > rangeHighPct:
		trending += 0.2
		volatile += 0.2
	case rangePct < rangeLowPct:
		ranging += 0.3
	}

	regime, score := Trending, trending
	if ranging > score {
		regime, score = Ranging, ranging
	}
	if volatile > score {
		regime, score = Volatile, volatile
	}
	if score > 1 {
		score = 1
	}
	return regime, score, maSpread, volRatio, rangePct
}

func smaSpread(candles []exchange.Candle) float64 {
	short := sma(candles, smaShortWindow)
	long := sma(candles, smaLongWindow)
	if long == 0 {
		return 0
	}
	return (short - long) / long
}

func sma(candles []exchange.Candle, window int) float64 {
	if len(candles) < window {
		return 0
	}
	var sum float64
	for _, c := range candles[len(candles)-window:] {
		sum += c.Close
	}
	return sum / float64(window)
}

// atrRatio compares recent ATR% against the full-history ATR%.
func atrRatio(candles []exchange.Candle) float64 {
	recent := candles[len(candles)-(atrPeriod+6):]
	shortATR, err1 := cost.ComputeATR(recent, atrPeriod)
	longATR, err2 := cost.ComputeATR(candles, atrPeriod)
	if err1 != nil || err2 != nil || longATR == 0 {
		return 1
	}
	price := candles[len(candles)-1].Close
	if price <= 0 {
		return 1
	}
	return shortATR / longATR
}

func priceRangePct(candles []exchange.Candle, window int) float64 {
	if len(candles) < window {
		return 0
	}
	recent := candles[len(candles)-window:]
	high, low := recent[0].High, recent[0].Low
	for _, c := range recent[1:] {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	price := recent[len(recent)-1].Close
	if price <= 0 {
		return 0
	}
	return (high - low) / price * 100
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
