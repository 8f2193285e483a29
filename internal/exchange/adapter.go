package exchange

import (
	"context"
	"fmt"
	"math"
	"strconv"
)

// Adapter is the uniform contract over venues. Implementations own their
// HTTP clients and signing; callers never see venue wire formats.
//
// Credentials are referenced by environment-variable name and resolved inside
// Connect; key material never leaves the adapter's HTTP layer.
type Adapter interface {
	Venue() Venue
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// SupportsNativeStops reports whether SL/TP execute server-side on this
	// venue. When false the stop manager polls prices locally.
	SupportsNativeStops() bool

	// ==================== ACCOUNT ====================

	GetBalance(ctx context.Context) (*Balance, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetPosition(ctx context.Context, symbol string) (*Position, error)

	// ==================== MARKET DATA ====================

	GetMarketPrice(ctx context.Context, symbol string) (float64, error)
	GetMarketData(ctx context.Context, symbol string) (*MarketData, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)
	GetFundingRate(ctx context.Context, symbol string) (float64, error)

	// ==================== TRADING ====================

	PlaceOrder(ctx context.Context, params OrderParams) (*OrderResult, error)
	OpenPosition(ctx context.Context, symbol string, dir Direction, size float64, leverage int) (*OrderResult, error)
	// ClosePosition closes size coins of the open position; size <= 0 closes all.
	ClosePosition(ctx context.Context, symbol string, size float64) (*OrderResult, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// ==================== STOPS ====================

	SetStopLoss(ctx context.Context, symbol string, dir Direction, size, stopPrice float64) (*OrderResult, error)
	SetTakeProfit(ctx context.Context, symbol string, dir Direction, size, tpPrice float64) (*OrderResult, error)
	// SetStopLossTakeProfit places the bracket atomically where the venue
	// supports it; otherwise adapters fall back to PlaceBracketHalves.
	SetStopLossTakeProfit(ctx context.Context, symbol string, dir Direction, size, stopPrice, tpPrice float64) (*OrderResult, error)
	CancelStopOrders(ctx context.Context, symbol string) error

	// ==================== ORDER MGMT ====================

	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderStatus, error)

	// ==================== FORMATTING ====================

	// FormatSymbol maps a bare asset code (BTC) to the venue's symbol form.
	FormatSymbol(asset string) string
	// FormatQuantity rounds a coin quantity down to the venue's size precision.
	FormatQuantity(symbol string, qty float64) float64
	// FormatPrice rounds a price to the venue's tick or sig-fig rule.
	FormatPrice(symbol string, price float64) float64
}

// FeeRateSource is an optional adapter capability: venues that expose the
// account's live fee tier implement it. The fee provider type-asserts for it
// and falls back to the static table otherwise.
type FeeRateSource interface {
	// GetFeeRates returns maker and taker fees in basis points.
	GetFeeRates(ctx context.Context, symbol string) (makerBps, takerBps float64, err error)
}

// PlaceBracketHalves is the default bracket implementation: place the stop,
// then the take-profit. If the TP leg fails the SL is left standing; a
// protective stop without a TP beats neither.
func PlaceBracketHalves(ctx context.Context, a Adapter, symbol string, dir Direction, size, stopPrice, tpPrice float64) (*OrderResult, error) {
	slRes, err := a.SetStopLoss(ctx, symbol, dir, size, stopPrice)
	if err != nil {
		return nil, fmt.Errorf("bracket stop-loss leg: %w", err)
	}
	if !slRes.Success {
		return slRes, nil
	}
	tpRes, err := a.SetTakeProfit(ctx, symbol, dir, size, tpPrice)
	if err != nil {
		return slRes, fmt.Errorf("bracket take-profit leg (stop placed): %w", err)
	}
	if !tpRes.Success {
		return &OrderResult{
			Success:   false,
			Venue:     a.Venue(),
			Symbol:    symbol,
			Direction: dir,
			OrderID:   slRes.OrderID,
			Error:     "take-profit leg rejected: " + tpRes.Error,
			PlacedAt:  slRes.PlacedAt,
		}, nil
	}
	return slRes, nil
}

// RoundToDecimals truncates toward zero at the given decimal precision.
// Truncation, not rounding: venues reject quantities above available margin.
func RoundToDecimals(v float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Trunc(v*pow) / pow
}

// RoundToTick snaps a price to the nearest multiple of tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}

// RoundToSigFigs rounds a price to n significant figures, the Hyperliquid
// price rule.
func RoundToSigFigs(price float64, n int) float64 {
	if price == 0 {
		return 0
	}
	exp := math.Floor(math.Log10(math.Abs(price)))
	pow := math.Pow(10, float64(n-1)-exp)
	rounded := math.Round(price*pow) / pow
	// Avoid 0.30000000000000004-style artifacts in wire payloads.
	s := strconv.FormatFloat(rounded, 'g', n, 64)
	out, _ := strconv.ParseFloat(s, 64)
	return out
}
