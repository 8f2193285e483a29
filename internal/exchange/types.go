package exchange

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Venue identifies a supported exchange.
type Venue string

const (
	VenueHyperliquid Venue = "hyperliquid"
	VenueBybit       Venue = "bybit"
	VenueAster       Venue = "aster"
)

// ParseVenue normalizes a venue name. Unknown names are returned as-is so
// config typos surface in error messages instead of being silently remapped.
func ParseVenue(s string) Venue {
	return Venue(strings.ToLower(strings.TrimSpace(s)))
}

// BaseAsset strips venue symbol decoration back to the bare asset code:
// BTCUSDT, BTC-PERP and BTC all map to BTC.
func BaseAsset(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.TrimSuffix(s, "-PERP")
	s = strings.TrimSuffix(s, "USDT")
	return s
}

// Direction is the side of a position or signal.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Opposite returns the closing side for a direction.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// ParseDirection maps venue/feed side strings onto a Direction.
// Accepts buy/sell as well as long/short.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy", "b":
		return DirectionLong, nil
	case "short", "sell", "s":
		return DirectionShort, nil
	default:
		return "", errors.New("unrecognized side: " + s)
	}
}

// Common adapter errors.
var (
	ErrNotConnected   = errors.New("exchange adapter not connected")
	ErrUnavailable    = errors.New("exchange unavailable")
	ErrSymbolUnknown  = errors.New("symbol not in instrument metadata")
	ErrNoPosition     = errors.New("no open position for symbol")
	ErrNotImplemented = errors.New("operation not supported by venue")
)

// Balance is a venue account balance in the venue's settlement currency.
type Balance struct {
	Venue             Venue     `json:"venue"`
	Currency          string    `json:"currency"`
	TotalEquity       float64   `json:"total_equity"`
	AvailableBalance  float64   `json:"available_balance"`
	MarginUsed        float64   `json:"margin_used"`
	MaintenanceMargin float64   `json:"maintenance_margin"`
	UnrealizedPnL     float64   `json:"unrealized_pnl"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Position is an open perpetual position as reported by a venue.
type Position struct {
	Venue            Venue     `json:"venue"`
	Symbol           string    `json:"symbol"`
	Direction        Direction `json:"direction"`
	Size             float64   `json:"size"` // coins, always positive
	EntryPrice       float64   `json:"entry_price"`
	MarkPrice        float64   `json:"mark_price"`
	LiquidationPrice float64   `json:"liquidation_price"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	Leverage         float64   `json:"leverage"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NotionalUSD is the position's current notional in the venue currency.
func (p Position) NotionalUSD() float64 {
	price := p.MarkPrice
	if price == 0 {
		price = p.EntryPrice
	}
	return p.Size * price
}

// AccountState bundles a balance with the positions observed in the same
// account fetch. Executor gates must reuse one snapshot end to end.
type AccountState struct {
	Venue     Venue      `json:"venue"`
	Balance   Balance    `json:"balance"`
	Positions []Position `json:"positions"`
	FetchedAt time.Time  `json:"fetched_at"`
}

// TotalExposureUSD sums absolute position notionals in the snapshot.
func (s AccountState) TotalExposureUSD() float64 {
	var total float64
	for _, p := range s.Positions {
		total += p.NotionalUSD()
	}
	return total
}

// MarketData is a venue ticker snapshot.
type MarketData struct {
	Symbol      string    `json:"symbol"`
	Bid         float64   `json:"bid"`
	Ask         float64   `json:"ask"`
	Last        float64   `json:"last"`
	Mark        float64   `json:"mark"`
	FundingRate float64   `json:"funding_rate"` // current period rate, e.g. 0.0001
	UpdatedAt   time.Time `json:"updated_at"`
}

// Mid returns the bid/ask midpoint, falling back to last then mark when the
// book side is missing.
func (m MarketData) Mid() float64 {
	if m.Bid > 0 && m.Ask > 0 {
		return (m.Bid + m.Ask) / 2
	}
	if m.Last > 0 {
		return m.Last
	}
	return m.Mark
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// BookLevel is a single orderbook price level.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"` // coins
}

// OrderBook is an L2 depth snapshot. Bids descend, asks ascend.
type OrderBook struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderParams describes an order to place.
type OrderParams struct {
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Size       float64   `json:"size"` // coins
	Type       OrderType `json:"type"`
	LimitPrice float64   `json:"limit_price,omitempty"`
	ReduceOnly bool      `json:"reduce_only"`
	ClientID   string    `json:"client_id,omitempty"`
}

// NewClientOrderID mints an idempotency key for venues that echo client
// order ids (Bybit orderLinkId, Aster newClientOrderId).
func NewClientOrderID() string {
	return "hm-" + uuid.NewString()
}

// OrderResult is the structured outcome of an order operation. Venue
// semantic rejections (insufficient margin, reduce-only mismatch) come back
// with Success=false and the venue's message in Error; transport failures
// are returned as Go errors by the adapter method itself.
type OrderResult struct {
	Success     bool      `json:"success"`
	Venue       Venue     `json:"venue"`
	OrderID     string    `json:"order_id,omitempty"`
	Symbol      string    `json:"symbol"`
	Direction   Direction `json:"direction"`
	FilledSize  float64   `json:"filled_size"`
	FilledPrice float64   `json:"filled_price"`
	Error       string    `json:"error,omitempty"`
	PlacedAt    time.Time `json:"placed_at"`
}

// OrderStatus is the lifecycle state of a placed order.
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "new"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusPartially OrderStatus = "partially_filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusUnknown   OrderStatus = "unknown"
)

// Instrument holds per-symbol metadata loaded at connect time.
type Instrument struct {
	Symbol        string  `json:"symbol"`
	SizeDecimals  int     `json:"size_decimals"`
	TickSize      float64 `json:"tick_size"` // 0 means significant-figure rule
	MinSize       float64 `json:"min_size"`
	MaxLeverage   float64 `json:"max_leverage"`
	ContractAsset string  `json:"contract_asset"` // bare asset code, e.g. BTC
}
