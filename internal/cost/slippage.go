package cost

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fzheng/hivemind-sub000/internal/exchange"
)

// SlippageEstimate is the expected execution cost in basis points for a
// market order of a given notional.
type SlippageEstimate struct {
	Venue         exchange.Venue     `json:"venue"`
	Asset         string             `json:"asset"`
	Direction     exchange.Direction `json:"direction"`
	NotionalUSD   float64            `json:"notional_usd"`
	ImpactBps     float64            `json:"impact_bps"`
	HalfSpreadBps float64            `json:"half_spread_bps"`
	TotalBps      float64            `json:"total_bps"`
	Timestamp     time.Time          `json:"timestamp"`
	Source        Source             `json:"source"`
}

// Size buckets for the static fallback table.
const (
	sizeBucketSmallMax = 10_000
	sizeBucketLargeMin = 50_000
)

// Static slippage (bps) keyed venue, then bucket {small, medium, large}.
// Majors only; anything unlisted uses the venue default row.
var staticSlippageBps = map[exchange.Venue]map[string][3]float64{
	exchange.VenueHyperliquid: {
		"BTC": {1.0, 2.0, 5.0},
		"ETH": {1.5, 3.0, 7.0},
		"":    {3.0, 6.0, 15.0},
	},
	exchange.VenueBybit: {
		"BTC": {1.0, 2.0, 4.0},
		"ETH": {1.5, 2.5, 6.0},
		"":    {3.0, 6.0, 12.0},
	},
	exchange.VenueAster: {
		"BTC": {2.0, 4.0, 8.0},
		"ETH": {2.5, 5.0, 10.0},
		"":    {5.0, 10.0, 20.0},
	},
}

const slippageCacheTTL = 60 * time.Second

// BookSource is the adapter surface the slippage provider reads.
type BookSource interface {
	GetOrderBook(ctx context.Context, symbol string, depth int) (*exchange.OrderBook, error)
	FormatSymbol(asset string) string
	IsConnected() bool
}

// SlippageProvider estimates market-order cost by walking the venue
// orderbook, with a static bucket table as fallback.
type SlippageProvider struct {
	books map[exchange.Venue]BookSource
	log   zerolog.Logger
	now   func() time.Time

	mu    sync.RWMutex
	cache map[string]*SlippageEstimate
}

// NewSlippageProvider creates a provider over per-venue book sources.
func NewSlippageProvider(books map[exchange.Venue]BookSource, logger zerolog.Logger) *SlippageProvider {
	return &SlippageProvider{
		books: books,
		log:   logger.With().Str("component", "slippage_provider").Logger(),
		now:   time.Now,
		cache: make(map[string]*SlippageEstimate),
	}
}

// Estimate returns the expected slippage for a market order. The cache key
// includes a coarse notional bucket so different sizes don't collide.
func (p *SlippageProvider) Estimate(ctx context.Context, venue exchange.Venue, asset string, dir exchange.Direction, notionalUSD float64) *SlippageEstimate {
	asset = strings.ToUpper(asset)
	key := string(venue) + ":" + asset + ":" + string(dir) + ":" + bucketName(notionalUSD)

	p.mu.RLock()
	cached, ok := p.cache[key]
	p.mu.RUnlock()
	if ok && p.now().Sub(cached.Timestamp) < slippageCacheTTL {
		return cached
	}

	est := p.fromBook(ctx, venue, asset, dir, notionalUSD)
	if est == nil {
		est = p.fromStatic(venue, asset, dir, notionalUSD)
	}
	p.mu.Lock()
	p.cache[key] = est
	p.mu.Unlock()
	return est
}

// fromBook walks the book on the taking side until the notional is filled
// and reports the notional-weighted impact plus half the spread.
func (p *SlippageProvider) fromBook(ctx context.Context, venue exchange.Venue, asset string, dir exchange.Direction, notionalUSD float64) *SlippageEstimate {
	src, ok := p.books[venue]
	if !ok || !src.IsConnected() {
		return nil
	}
	book, err := src.GetOrderBook(ctx, src.FormatSymbol(asset), 50)
	if err != nil || len(book.Bids) == 0 || len(book.Asks) == 0 {
		if err != nil {
			p.log.Debug().Err(err).Str("venue", string(venue)).Str("asset", asset).Msg("orderbook fetch failed")
		}
		return nil
	}

	mid := (book.Bids[0].Price + book.Asks[0].Price) / 2
	if mid <= 0 {
		return nil
	}
	levels := book.Asks
	if dir == exchange.DirectionShort {
		levels = book.Bids
	}

	coins := notionalUSD / mid
	var filled, notional float64
	for _, lvl := range levels {
		take := math.Min(lvl.Size, coins-filled)
		filled += take
		notional += take * lvl.Price
		if filled >= coins {
			break
		}
	}
	if filled < coins {
		// Book too thin for the size; static table is more honest.
		return nil
	}

	avgFill := notional / filled
	impactBps := math.Abs(avgFill-mid) / mid * 10_000
	halfSpreadBps := (book.Asks[0].Price - book.Bids[0].Price) / 2 / mid * 10_000

	return &SlippageEstimate{
		Venue:         venue,
		Asset:         asset,
		Direction:     dir,
		NotionalUSD:   notionalUSD,
		ImpactBps:     impactBps,
		HalfSpreadBps: halfSpreadBps,
		TotalBps:      impactBps + halfSpreadBps,
		Timestamp:     p.now(),
		Source:        SourceAPI,
	}
}

func (p *SlippageProvider) fromStatic(venue exchange.Venue, asset string, dir exchange.Direction, notionalUSD float64) *SlippageEstimate {
	table, ok := staticSlippageBps[venue]
	if !ok {
		table = staticSlippageBps[exchange.VenueHyperliquid]
	}
	row, ok := table[asset]
	if !ok {
		row = table[""]
	}
	bps := row[bucketIndex(notionalUSD)]
	return &SlippageEstimate{
		Venue:       venue,
		Asset:       asset,
		Direction:   dir,
		NotionalUSD: notionalUSD,
		TotalBps:    bps,
		Timestamp:   p.now(),
		Source:      SourceFallback,
	}
}

func bucketIndex(notionalUSD float64) int {
	switch {
	case notionalUSD < sizeBucketSmallMax:
		return 0
	case notionalUSD > sizeBucketLargeMin:
		return 2
	default:
		return 1
	}
}

func bucketName(notionalUSD float64) string {
	return [...]string{"small", "medium", "large"}[bucketIndex(notionalUSD)]
}
