package cost

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fzheng/hivemind-sub000/internal/exchange"
)

// FeeRates is one venue's maker/taker schedule in basis points.
type FeeRates struct {
	Venue     exchange.Venue `json:"venue"`
	MakerBps  float64        `json:"maker_bps"`
	TakerBps  float64        `json:"taker_bps"`
	Timestamp time.Time      `json:"timestamp"`
	Source    Source         `json:"source"`
}

// Static per-venue schedules used when the live tier is unavailable.
var staticFeeRates = map[exchange.Venue]FeeRates{
	exchange.VenueHyperliquid: {MakerBps: 1.5, TakerBps: 4.5},
	exchange.VenueBybit:       {MakerBps: 2.0, TakerBps: 5.5},
	exchange.VenueAster:       {MakerBps: 2.0, TakerBps: 5.0},
}

const feeCacheTTL = 5 * time.Minute

// FeeProvider reads live fee tiers where the adapter exposes them, with a
// static per-venue table as fallback.
type FeeProvider struct {
	adapters map[exchange.Venue]exchange.Adapter
	log      zerolog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]*FeeRates // key venue:symbol
}

// NewFeeProvider creates a fee provider over the registered adapters.
func NewFeeProvider(adapters map[exchange.Venue]exchange.Adapter, logger zerolog.Logger) *FeeProvider {
	return &FeeProvider{
		adapters: adapters,
		log:      logger.With().Str("component", "fee_provider").Logger(),
		now:      time.Now,
		cache:    make(map[string]*FeeRates),
	}
}

// GetFeeRates returns the venue's fee schedule for an asset.
func (p *FeeProvider) GetFeeRates(ctx context.Context, venue exchange.Venue, asset string, forceRefresh bool) *FeeRates {
	key := string(venue) + ":" + strings.ToUpper(asset)

	if !forceRefresh {
		p.mu.RLock()
		cached, ok := p.cache[key]
		p.mu.RUnlock()
		if ok && p.now().Sub(cached.Timestamp) < feeCacheTTL {
			return cached
		}
	}

	rates := p.fetch(ctx, venue, asset)
	p.mu.Lock()
	p.cache[key] = rates
	p.mu.Unlock()
	return rates
}

func (p *FeeProvider) fetch(ctx context.Context, venue exchange.Venue, asset string) *FeeRates {
	if a, ok := p.adapters[venue]; ok {
		if src, ok := a.(exchange.FeeRateSource); ok && a.IsConnected() {
			maker, taker, err := src.GetFeeRates(ctx, a.FormatSymbol(asset))
			if err == nil && taker > 0 {
				return &FeeRates{
					Venue:     venue,
					MakerBps:  maker,
					TakerBps:  taker,
					Timestamp: p.now(),
					Source:    SourceAPI,
				}
			}
			if err != nil {
				p.log.Debug().Err(err).Str("venue", string(venue)).Msg("live fee tier fetch failed")
			}
		}
	}

	static, ok := staticFeeRates[venue]
	if !ok {
		static = FeeRates{MakerBps: 2.0, TakerBps: 6.0}
	}
	static.Venue = venue
	static.Timestamp = p.now()
	static.Source = SourceFallback
	return &static
}

// RoundTripBps returns the round-trip fee cost in basis points, the chosen
// per-leg rate applied to entry and exit.
func (p *FeeProvider) RoundTripBps(ctx context.Context, venue exchange.Venue, asset string, taker bool) float64 {
	rates := p.GetFeeRates(ctx, venue, asset, false)
	if taker {
		return rates.TakerBps * 2
	}
	return rates.MakerBps * 2
}
