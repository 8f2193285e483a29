package cost

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fzheng/hivemind-sub000/internal/exchange"
)

// Funding interval hours per venue. Hyperliquid funds hourly, the others on
// the usual 8-hour cycle.
var fundingIntervalHours = map[exchange.Venue]float64{
	exchange.VenueHyperliquid: 1,
	exchange.VenueBybit:       8,
	exchange.VenueAster:       8,
}

const fundingCacheTTL = 60 * time.Second

// FundingSource is the adapter surface the funding provider reads.
type FundingSource interface {
	GetFundingRate(ctx context.Context, symbol string) (float64, error)
	FormatSymbol(asset string) string
	IsConnected() bool
}

// FundingProvider estimates hold-period funding cost in basis points.
type FundingProvider struct {
	sources map[exchange.Venue]FundingSource
	log     zerolog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]fundingEntry
}

type fundingEntry struct {
	rate      float64
	timestamp time.Time
}

// NewFundingProvider creates a provider over per-venue funding sources.
func NewFundingProvider(sources map[exchange.Venue]FundingSource, logger zerolog.Logger) *FundingProvider {
	return &FundingProvider{
		sources: sources,
		log:     logger.With().Str("component", "funding_provider").Logger(),
		now:     time.Now,
		cache:   make(map[string]fundingEntry),
	}
}

// currentRate returns the venue's current per-interval funding rate
// (fraction, e.g. 0.0001). Unavailable venues report zero funding.
func (p *FundingProvider) currentRate(ctx context.Context, venue exchange.Venue, asset string) float64 {
	key := string(venue) + ":" + strings.ToUpper(asset)

	p.mu.RLock()
	cached, ok := p.cache[key]
	p.mu.RUnlock()
	if ok && p.now().Sub(cached.timestamp) < fundingCacheTTL {
		return cached.rate
	}

	var rate float64
	if src, ok := p.sources[venue]; ok && src.IsConnected() {
		r, err := src.GetFundingRate(ctx, src.FormatSymbol(asset))
		if err != nil {
			p.log.Debug().Err(err).Str("venue", string(venue)).Str("asset", asset).Msg("funding rate fetch failed")
		} else {
			rate = r
		}
	}

	p.mu.Lock()
	p.cache[key] = fundingEntry{rate: rate, timestamp: p.now()}
	p.mu.Unlock()
	return rate
}

// HoldCostBps estimates funding paid over the expected hold in basis
// points. Positive means the position pays. Longs pay positive funding,
// shorts receive it.
func (p *FundingProvider) HoldCostBps(ctx context.Context, venue exchange.Venue, asset string, dir exchange.Direction, holdHours float64) float64 {
	if holdHours <= 0 {
		return 0
	}
	rate := p.currentRate(ctx, venue, asset)
	interval, ok := fundingIntervalHours[venue]
	if !ok || interval <= 0 {
		interval = 8
	}
	periods := holdHours / interval
	bps := rate * periods * 10_000
	if dir == exchange.DirectionShort {
		bps = -bps
	}
	return bps
}
