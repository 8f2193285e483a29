package cost

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fzheng/hivemind-sub000/internal/exchange"
)

// Source tags where a datum came from. Fallback-derived data is always
// treated as stale.
type Source string

const (
	SourceAPI         Source = "api"
	SourceDB          Source = "db"
	SourceCalculated  Source = "calculated"
	SourceRealizedVol Source = "realized_vol"
	SourceFallback    Source = "fallback"
)

// ATRData is one volatility reading for (asset, venue).
type ATRData struct {
	Asset           string         `json:"asset"`
	Venue           exchange.Venue `json:"venue"`
	ATR             float64        `json:"atr"`         // price units
	ATRPercent      float64        `json:"atr_percent"` // ATR / price * 100
	Multiplier      float64        `json:"multiplier"`
	StopDistancePct float64        `json:"stop_distance_pct"` // ATRPercent * Multiplier
	Timestamp       time.Time      `json:"timestamp"`
	Source          Source         `json:"source"`
}

// IsStale reports whether the reading is too old to trust. Realized-vol and
// hardcoded fallbacks are stale by definition.
func (d *ATRData) IsStale(now time.Time, maxStaleness time.Duration) bool {
	if d.Source == SourceRealizedVol || d.Source == SourceFallback {
		return true
	}
	return now.Sub(d.Timestamp) > maxStaleness
}

// ATRConfig holds ATR provider configuration.
type ATRConfig struct {
	Period       int                `json:"period"`
	Multipliers  map[string]float64 `json:"multipliers"`
	CacheTTL     time.Duration      `json:"cache_ttl"`
	MaxStaleness time.Duration      `json:"max_staleness"`
	StrictMode   bool               `json:"strict_mode"`
}

// DefaultATRConfig returns the standard settings.
func DefaultATRConfig() ATRConfig {
	return ATRConfig{
		Period:       14,
		Multipliers:  map[string]float64{"BTC": 2.0, "ETH": 1.5},
		CacheTTL:     60 * time.Second,
		MaxStaleness: 300 * time.Second,
		StrictMode:   true,
	}
}

// Hardcoded last-resort ATR percents per asset.
var fallbackATRPercent = map[string]float64{
	"BTC": 0.50,
	"ETH": 0.70,
}

const defaultFallbackATRPercent = 1.0

// defaultMultiplier applies to assets without a configured multiplier.
const defaultMultiplier = 1.5

// ATRSource is the adapter surface the provider reads.
type ATRSource interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error)
	GetMarketPrice(ctx context.Context, symbol string) (float64, error)
	FormatSymbol(asset string) string
}

// ATRStore is the DB surface for precomputed ATRs.
type ATRStore interface {
	GetLatestATR(ctx context.Context, asset string) (float64, time.Time, error)
}

// ComputeATR runs Wilder's smoothing over candles: initial ATR is the mean
// of the first period true ranges, then ATRn = ((N-1)*ATRn-1 + TRn)/N.
func ComputeATR(candles []exchange.Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("invalid ATR period %d", period)
	}
	if len(candles) < period+1 {
		return 0, fmt.Errorf("need %d candles for ATR(%d), have %d", period+1, period, len(candles))
	}

	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		h, l, prevC := candles[i].High, candles[i].Low, candles[i-1].Close
		tr := math.Max(h-l, math.Max(math.Abs(h-prevC), math.Abs(l-prevC)))
		trs = append(trs, tr)
	}

	var atr float64
	for i := 0; i < period; i++ {
		atr += trs[i]
	}
	atr /= float64(period)
	for i := period; i < len(trs); i++ {
		atr = (float64(period-1)*atr + trs[i]) / float64(period)
	}
	return atr, nil
}

// realizedVolPercent estimates volatility from closes as the mean absolute
// log-return times 100.
func realizedVolPercent(closes []float64) (float64, error) {
	if len(closes) < 2 {
		return 0, fmt.Errorf("need at least 2 closes, have %d", len(closes))
	}
	var sum float64
	var n int
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			continue
		}
		sum += math.Abs(math.Log(closes[i] / closes[i-1]))
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("no usable closes")
	}
	return sum / float64(n) * 100, nil
}

// ATRProvider computes ATR for one venue with a fallback chain: venue
// candles, then DB-precomputed, then realized vol, then hardcoded defaults.
type ATRProvider struct {
	venue  exchange.Venue
	source ATRSource
	store  ATRStore
	cfg    ATRConfig
	log    zerolog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]*ATRData
}

// NewATRProvider creates a provider for one venue. store may be nil.
func NewATRProvider(venue exchange.Venue, source ATRSource, store ATRStore, cfg ATRConfig, logger zerolog.Logger) *ATRProvider {
	if cfg.Period <= 0 {
		cfg = DefaultATRConfig()
	}
	return &ATRProvider{
		venue:  venue,
		source: source,
		store:  store,
		cfg:    cfg,
		log:    logger.With().Str("component", "atr_provider").Str("venue", string(venue)).Logger(),
		now:    time.Now,
		cache:  make(map[string]*ATRData),
	}
}

func (p *ATRProvider) multiplierFor(asset string) float64 {
	if m, ok := p.cfg.Multipliers[strings.ToUpper(asset)]; ok {
		return m
	}
	return defaultMultiplier
}

// GetATR returns the current ATR reading for an asset, serving from cache
// within the TTL unless forceRefresh is set.
func (p *ATRProvider) GetATR(ctx context.Context, asset string, forceRefresh bool) (*ATRData, error) {
	asset = strings.ToUpper(asset)

	if !forceRefresh {
		p.mu.RLock()
		cached, ok := p.cache[asset]
		p.mu.RUnlock()
		if ok && p.now().Sub(cached.Timestamp) < p.cfg.CacheTTL {
			return cached, nil
		}
	}

	data := p.refresh(ctx, asset)
	p.mu.Lock()
	p.cache[asset] = data
	p.mu.Unlock()
	return data, nil
}

// refresh walks the fallback chain. It always produces a value; only the
// source tag and staleness degrade.
func (p *ATRProvider) refresh(ctx context.Context, asset string) *ATRData {
	mult := p.multiplierFor(asset)

	if data := p.fromCandles(ctx, asset, mult); data != nil {
		return data
	}
	if data := p.fromStore(ctx, asset, mult); data != nil {
		return data
	}
	if data := p.fromRealizedVol(ctx, asset, mult); data != nil {
		return data
	}

	pct, ok := fallbackATRPercent[asset]
	if !ok {
		pct = defaultFallbackATRPercent
	}
	p.log.Warn().Str("asset", asset).Float64("atr_pct", pct).Msg("using hardcoded ATR fallback")
	return &ATRData{
		Asset:           asset,
		Venue:           p.venue,
		ATRPercent:      pct,
		Multiplier:      mult,
		StopDistancePct: pct * mult,
		Timestamp:       p.now(),
		Source:          SourceFallback,
	}
}

func (p *ATRProvider) fromCandles(ctx context.Context, asset string, mult float64) *ATRData {
	if p.source == nil {
		return nil
	}
	limit := p.cfg.Period + 5
	candles, err := p.source.GetCandles(ctx, p.source.FormatSymbol(asset), "1m", limit)
	if err != nil || len(candles) < p.cfg.Period+1 {
		if err != nil {
			p.log.Debug().Err(err).Str("asset", asset).Msg("candle fetch failed")
		}
		return nil
	}
	atr, err := ComputeATR(candles, p.cfg.Period)
	if err != nil {
		return nil
	}
	price := candles[len(candles)-1].Close
	if price <= 0 {
		return nil
	}
	pct := atr / price * 100
	return &ATRData{
		Asset:           asset,
		Venue:           p.venue,
		ATR:             atr,
		ATRPercent:      pct,
		Multiplier:      mult,
		StopDistancePct: pct * mult,
		Timestamp:       p.now(),
		Source:          SourceAPI,
	}
}

func (p *ATRProvider) fromStore(ctx context.Context, asset string, mult float64) *ATRData {
	if p.store == nil {
		return nil
	}
	atr, ts, err := p.store.GetLatestATR(ctx, asset)
	if err != nil || atr <= 0 {
		return nil
	}
	price, err := p.marketPrice(ctx, asset)
	if err != nil || price <= 0 {
		return nil
	}
	pct := atr / price * 100
	return &ATRData{
		Asset:           asset,
		Venue:           p.venue,
		ATR:             atr,
		ATRPercent:      pct,
		Multiplier:      mult,
		StopDistancePct: pct * mult,
		Timestamp:       ts,
		Source:          SourceDB,
	}
}

func (p *ATRProvider) fromRealizedVol(ctx context.Context, asset string, mult float64) *ATRData {
	if p.source == nil {
		return nil
	}
	// 24h of hourly closes.
	candles, err := p.source.GetCandles(ctx, p.source.FormatSymbol(asset), "1h", 24)
	if err != nil || len(candles) < 2 {
		return nil
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	pct, err := realizedVolPercent(closes)
	if err != nil {
		return nil
	}
	p.log.Warn().Str("asset", asset).Float64("atr_pct", pct).Msg("using realized-vol ATR fallback")
	return &ATRData{
		Asset:           asset,
		Venue:           p.venue,
		ATRPercent:      pct,
		Multiplier:      mult,
		StopDistancePct: pct * mult,
		Timestamp:       p.now(),
		Source:          SourceRealizedVol,
	}
}

func (p *ATRProvider) marketPrice(ctx context.Context, asset string) (float64, error) {
	if p.source == nil {
		return 0, exchange.ErrUnavailable
	}
	return p.source.GetMarketPrice(ctx, p.source.FormatSymbol(asset))
}

// ATRManager routes ATR lookups by venue, falling back to the default
// venue's provider when the target venue has none or fails hard.
type ATRManager struct {
	providers    map[exchange.Venue]*ATRProvider
	defaultVenue exchange.Venue
	log          zerolog.Logger
}

// NewATRManager creates a venue router over providers.
func NewATRManager(providers map[exchange.Venue]*ATRProvider, defaultVenue exchange.Venue, logger zerolog.Logger) *ATRManager {
	return &ATRManager{
		providers:    providers,
		defaultVenue: defaultVenue,
		log:          logger.With().Str("component", "atr_manager").Logger(),
	}
}

// GetATR returns the ATR for (venue, asset), routing to the default venue's
// provider when needed.
func (m *ATRManager) GetATR(ctx context.Context, venue exchange.Venue, asset string, forceRefresh bool) (*ATRData, error) {
	if p, ok := m.providers[venue]; ok {
		data, err := p.GetATR(ctx, asset, forceRefresh)
		if err == nil {
			return data, nil
		}
		m.log.Warn().Err(err).Str("venue", string(venue)).Str("asset", asset).Msg("venue ATR failed, trying default venue")
	}
	p, ok := m.providers[m.defaultVenue]
	if !ok {
		return nil, fmt.Errorf("no ATR provider for venue %s or default %s", venue, m.defaultVenue)
	}
	return p.GetATR(ctx, asset, forceRefresh)
}
