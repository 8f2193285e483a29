package exchange

import (
	"sync"
	"time"
)

type cachedMarketData struct {
	data      *MarketData
	updatedAt time.Time
}

type cachedBook struct {
	book      *OrderBook
	updatedAt time.Time
}

// MarketDataCache is a thread-safe cache of ticker and book snapshots keyed
// by (venue, symbol). Websocket streams write into it; REST paths fall back
// to it when a venue call fails, marking the read as served-from-cache.
type MarketDataCache struct {
	tickers sync.Map // "venue:symbol" -> *cachedMarketData
	books   sync.Map // "venue:symbol" -> *cachedBook
	mids    sync.Map // "venue:symbol" -> float64

	statsMu   sync.Mutex
	hitCount  int64
	missCount int64
}

// NewMarketDataCache creates an empty cache.
func NewMarketDataCache() *MarketDataCache {
	return &MarketDataCache{}
}

func cacheKey(v Venue, symbol string) string {
	return string(v) + ":" + symbol
}

// GetMarketData returns a cached ticker no older than maxAge, or nil.
func (c *MarketDataCache) GetMarketData(v Venue, symbol string, maxAge time.Duration) *MarketData {
	if val, ok := c.tickers.Load(cacheKey(v, symbol)); ok {
		cached := val.(*cachedMarketData)
		if time.Since(cached.updatedAt) <= maxAge {
			c.recordHit()
			return cached.data
		}
	}
	c.recordMiss()
	return nil
}

// UpdateMarketData stores a ticker snapshot. Entries are swapped atomically,
// never mutated in place.
func (c *MarketDataCache) UpdateMarketData(v Venue, md *MarketData) {
	c.tickers.Store(cacheKey(v, md.Symbol), &cachedMarketData{data: md, updatedAt: time.Now()})
	c.mids.Store(cacheKey(v, md.Symbol), md.Mid())
}

// UpdateMid stores just a mid price, as delivered by allMids-style streams.
func (c *MarketDataCache) UpdateMid(v Venue, symbol string, mid float64) {
	c.mids.Store(cacheKey(v, symbol), mid)
}

// GetMid returns the latest cached mid for a symbol.
func (c *MarketDataCache) GetMid(v Venue, symbol string) (float64, bool) {
	if val, ok := c.mids.Load(cacheKey(v, symbol)); ok {
		c.recordHit()
		return val.(float64), true
	}
	c.recordMiss()
	return 0, false
}

// GetOrderBook returns a cached book no older than maxAge, or nil.
func (c *MarketDataCache) GetOrderBook(v Venue, symbol string, maxAge time.Duration) *OrderBook {
	if val, ok := c.books.Load(cacheKey(v, symbol)); ok {
		cached := val.(*cachedBook)
		if time.Since(cached.updatedAt) <= maxAge {
			c.recordHit()
			return cached.book
		}
	}
	c.recordMiss()
	return nil
}

// UpdateOrderBook stores a book snapshot.
func (c *MarketDataCache) UpdateOrderBook(v Venue, book *OrderBook) {
	c.books.Store(cacheKey(v, book.Symbol), &cachedBook{book: book, updatedAt: time.Now()})
}

// Stats returns cumulative hit/miss counts.
func (c *MarketDataCache) Stats() (hits, misses int64) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.hitCount, c.missCount
}

func (c *MarketDataCache) recordHit() {
	c.statsMu.Lock()
	c.hitCount++
	c.statsMu.Unlock()
}

func (c *MarketDataCache) recordMiss() {
	c.statsMu.Lock()
	c.missCount++
	c.statsMu.Unlock()
}
