package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter is a scriptable in-memory adapter used by tests and dry-run
// wiring. Prices, balances and failures are set directly on the struct.
type MockAdapter struct {
	mu sync.Mutex

	VenueName   Venue
	NativeStops bool

	connected bool

	// Scripted state
	Balances   Balance
	Positions  map[string]Position
	Prices     map[string]float64
	Funding    map[string]float64
	Books      map[string]*OrderBook
	Candles    map[string][]Candle
	MakerBps   float64
	TakerBps   float64
	TickSizes  map[string]float64
	SizeDigits map[string]int

	// Failure injection: method name -> error returned on next call(s).
	Fail map[string]error
	// FailBalanceCount makes the next N GetBalance calls fail, then succeed.
	FailBalanceCount int

	// Call recording
	PlacedOrders []OrderParams
	ClosedCalls  []string
	StopOrders   []OrderParams
	CancelCalls  []string
	ConnectCalls int
}

// NewMockAdapter creates a connected mock for the given venue.
func NewMockAdapter(v Venue) *MockAdapter {
	return &MockAdapter{
		VenueName:   v,
		NativeStops: true,
		connected:   true,
		Positions:   make(map[string]Position),
		Prices:      make(map[string]float64),
		Funding:     make(map[string]float64),
		Books:       make(map[string]*OrderBook),
		Candles:     make(map[string][]Candle),
		Fail:        make(map[string]error),
		TickSizes:   make(map[string]float64),
		SizeDigits:  make(map[string]int),
		MakerBps:    2,
		TakerBps:    5,
		Balances: Balance{
			Venue:            v,
			Currency:         "USDT",
			TotalEquity:      100_000,
			AvailableBalance: 100_000,
		},
	}
}

func (m *MockAdapter) failFor(method string) error {
	if err, ok := m.Fail[method]; ok && err != nil {
		return err
	}
	return nil
}

func (m *MockAdapter) Venue() Venue              { return m.VenueName }
func (m *MockAdapter) SupportsNativeStops() bool { return m.NativeStops }

func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnectCalls++
	if err := m.failFor("Connect"); err != nil {
		return err
	}
	m.connected = true
	return nil
}

func (m *MockAdapter) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MockAdapter) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockAdapter) GetBalance(ctx context.Context) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailBalanceCount > 0 {
		m.FailBalanceCount--
		return nil, fmt.Errorf("mock %s: %w", m.VenueName, ErrUnavailable)
	}
	if err := m.failFor("GetBalance"); err != nil {
		return nil, err
	}
	b := m.Balances
	b.Venue = m.VenueName
	b.UpdatedAt = time.Now()
	return &b, nil
}

func (m *MockAdapter) GetPositions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("GetPositions"); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(m.Positions))
	for _, p := range m.Positions {
		out = append(out, p)
	}
	return out, nil
}

func (m *MockAdapter) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("GetPosition"); err != nil {
		return nil, err
	}
	p, ok := m.Positions[symbol]
	if !ok {
		return nil, ErrNoPosition
	}
	return &p, nil
}

func (m *MockAdapter) GetMarketPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("GetMarketPrice"); err != nil {
		return 0, err
	}
	px, ok := m.Prices[symbol]
	if !ok {
		return 0, fmt.Errorf("mock: no price for %s: %w", symbol, ErrUnavailable)
	}
	return px, nil
}

func (m *MockAdapter) GetMarketData(ctx context.Context, symbol string) (*MarketData, error) {
	px, err := m.GetMarketPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	spread := px * 0.0001
	return &MarketData{
		Symbol:      symbol,
		Bid:         px - spread/2,
		Ask:         px + spread/2,
		Last:        px,
		Mark:        px,
		FundingRate: m.Funding[symbol],
		UpdatedAt:   time.Now(),
	}, nil
}

func (m *MockAdapter) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("GetCandles"); err != nil {
		return nil, err
	}
	candles := m.Candles[symbol]
	if len(candles) > limit && limit > 0 {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

func (m *MockAdapter) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("GetOrderBook"); err != nil {
		return nil, err
	}
	book, ok := m.Books[symbol]
	if !ok {
		return nil, fmt.Errorf("mock: no book for %s: %w", symbol, ErrUnavailable)
	}
	return book, nil
}

func (m *MockAdapter) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("GetFundingRate"); err != nil {
		return 0, err
	}
	return m.Funding[symbol], nil
}

func (m *MockAdapter) PlaceOrder(ctx context.Context, params OrderParams) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("PlaceOrder"); err != nil {
		return nil, err
	}
	m.PlacedOrders = append(m.PlacedOrders, params)
	px := params.LimitPrice
	if params.Type == OrderTypeMarket || px == 0 {
		px = m.Prices[params.Symbol]
	}
	return &OrderResult{
		Success:     true,
		Venue:       m.VenueName,
		OrderID:     fmt.Sprintf("mock-%d", len(m.PlacedOrders)),
		Symbol:      params.Symbol,
		Direction:   params.Direction,
		FilledSize:  params.Size,
		FilledPrice: px,
		PlacedAt:    time.Now(),
	}, nil
}

func (m *MockAdapter) OpenPosition(ctx context.Context, symbol string, dir Direction, size float64, leverage int) (*OrderResult, error) {
	res, err := m.PlaceOrder(ctx, OrderParams{Symbol: symbol, Direction: dir, Size: size, Type: OrderTypeMarket})
	if err != nil || !res.Success {
		return res, err
	}
	m.mu.Lock()
	m.Positions[symbol] = Position{
		Venue:      m.VenueName,
		Symbol:     symbol,
		Direction:  dir,
		Size:       size,
		EntryPrice: res.FilledPrice,
		MarkPrice:  res.FilledPrice,
		Leverage:   float64(leverage),
		UpdatedAt:  time.Now(),
	}
	m.mu.Unlock()
	return res, nil
}

func (m *MockAdapter) ClosePosition(ctx context.Context, symbol string, size float64) (*OrderResult, error) {
	m.mu.Lock()
	if err := m.failFor("ClosePosition"); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.ClosedCalls = append(m.ClosedCalls, symbol)
	pos, ok := m.Positions[symbol]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNoPosition
	}
	if size <= 0 || size >= pos.Size {
		m.mu.Lock()
		delete(m.Positions, symbol)
		m.mu.Unlock()
		size = pos.Size
	} else {
		pos.Size -= size
		m.mu.Lock()
		m.Positions[symbol] = pos
		m.mu.Unlock()
	}
	return &OrderResult{
		Success:     true,
		Venue:       m.VenueName,
		Symbol:      symbol,
		Direction:   pos.Direction.Opposite(),
		FilledSize:  size,
		FilledPrice: m.Prices[symbol],
		PlacedAt:    time.Now(),
	}, nil
}

func (m *MockAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return m.failFor("SetLeverage")
}

func (m *MockAdapter) SetStopLoss(ctx context.Context, symbol string, dir Direction, size, stopPrice float64) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("SetStopLoss"); err != nil {
		return nil, err
	}
	params := OrderParams{Symbol: symbol, Direction: dir.Opposite(), Size: size, LimitPrice: stopPrice, ReduceOnly: true}
	m.StopOrders = append(m.StopOrders, params)
	return &OrderResult{
		Success: true, Venue: m.VenueName, Symbol: symbol, Direction: dir,
		OrderID: fmt.Sprintf("mock-sl-%d", len(m.StopOrders)), PlacedAt: time.Now(),
	}, nil
}

func (m *MockAdapter) SetTakeProfit(ctx context.Context, symbol string, dir Direction, size, tpPrice float64) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("SetTakeProfit"); err != nil {
		return nil, err
	}
	params := OrderParams{Symbol: symbol, Direction: dir.Opposite(), Size: size, LimitPrice: tpPrice, ReduceOnly: true}
	m.StopOrders = append(m.StopOrders, params)
	return &OrderResult{
		Success: true, Venue: m.VenueName, Symbol: symbol, Direction: dir,
		OrderID: fmt.Sprintf("mock-tp-%d", len(m.StopOrders)), PlacedAt: time.Now(),
	}, nil
}

func (m *MockAdapter) SetStopLossTakeProfit(ctx context.Context, symbol string, dir Direction, size, stopPrice, tpPrice float64) (*OrderResult, error) {
	if err := m.failFor("SetStopLossTakeProfit"); err != nil {
		return nil, err
	}
	return PlaceBracketHalves(ctx, m, symbol, dir, size, stopPrice, tpPrice)
}

func (m *MockAdapter) CancelStopOrders(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("CancelStopOrders"); err != nil {
		return err
	}
	m.CancelCalls = append(m.CancelCalls, symbol)
	kept := m.StopOrders[:0]
	for _, o := range m.StopOrders {
		if o.Symbol != symbol {
			kept = append(kept, o)
		}
	}
	m.StopOrders = kept
	return nil
}

func (m *MockAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return m.failFor("CancelOrder")
}

func (m *MockAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	return m.failFor("CancelAllOrders")
}

func (m *MockAdapter) GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderStatus, error) {
	if err := m.failFor("GetOrderStatus"); err != nil {
		return OrderStatusUnknown, err
	}
	return OrderStatusFilled, nil
}

func (m *MockAdapter) FormatSymbol(asset string) string {
	return asset
}

func (m *MockAdapter) FormatQuantity(symbol string, qty float64) float64 {
	digits, ok := m.SizeDigits[symbol]
	if !ok {
		digits = 4
	}
	return RoundToDecimals(qty, digits)
}

func (m *MockAdapter) FormatPrice(symbol string, price float64) float64 {
	if tick, ok := m.TickSizes[symbol]; ok {
		return RoundToTick(price, tick)
	}
	return price
}

var _ Adapter = (*MockAdapter)(nil)
