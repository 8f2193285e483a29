package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	bybitMainnetURL = "https://api.bybit.com"
	bybitTestnetURL = "https://api-testnet.bybit.com"
	bybitRecvWindow = "5000"
	bybitCategory   = "linear"
)

// BybitConfig configures the Bybit v5 adapter. Credentials are env-var
// names resolved at Connect.
type BybitConfig struct {
	Testnet           bool   `json:"testnet"`
	APIKeyEnv         string `json:"api_key_env"`    // default BYBIT_API_KEY
	APISecretEnv      string `json:"api_secret_env"` // default BYBIT_API_SECRET
	RequestTimeoutSec int    `json:"request_timeout_sec"`
}

// BybitAdapter implements Adapter over the Bybit v5 unified REST API.
// Requests are signed HMAC-SHA256 over timestamp+key+recvWindow+payload.
type BybitAdapter struct {
	cfg        BybitConfig
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
	cache      *MarketDataCache
	log        zerolog.Logger

	mu          sync.RWMutex
	connected   bool
	apiKey      string
	apiSecret   string
	instruments map[string]Instrument // keyed by venue symbol, e.g. BTCUSDT
}

// NewBybitAdapter creates a disconnected adapter.
func NewBybitAdapter(cfg BybitConfig, cache *MarketDataCache, logger zerolog.Logger) *BybitAdapter {
	baseURL := bybitMainnetURL
	if cfg.Testnet {
		baseURL = bybitTestnetURL
	}
	timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cache == nil {
		cache = NewMarketDataCache()
	}
	return &BybitAdapter{
		cfg:        cfg,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    NewRateLimiter(RateDelayFor(VenueBybit)),
		cache:      cache,
		log:        logger.With().Str("component", "bybit").Logger(),
	}
}

func (b *BybitAdapter) Venue() Venue              { return VenueBybit }
func (b *BybitAdapter) SupportsNativeStops() bool { return true }

func (b *BybitAdapter) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Connect resolves credentials and loads per-symbol tick and lot filters
// from instruments-info.
func (b *BybitAdapter) Connect(ctx context.Context) error {
	keyEnv := b.cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "BYBIT_API_KEY"
	}
	secretEnv := b.cfg.APISecretEnv
	if secretEnv == "" {
		secretEnv = "BYBIT_API_SECRET"
	}
	apiKey := strings.TrimSpace(os.Getenv(keyEnv))
	apiSecret := strings.TrimSpace(os.Getenv(secretEnv))
	if apiKey == "" || apiSecret == "" {
		return fmt.Errorf("bybit: missing credentials in %s/%s", keyEnv, secretEnv)
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol      string `json:"symbol"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
				LotSizeFilter struct {
					QtyStep     string `json:"qtyStep"`
					MinOrderQty string `json:"minOrderQty"`
				} `json:"lotSizeFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := b.get(ctx, "/v5/market/instruments-info", map[string]string{"category": bybitCategory, "limit": "1000"}, &resp); err != nil {
		return fmt.Errorf("bybit: load instruments: %w", err)
	}
	instruments := make(map[string]Instrument, len(resp.Result.List))
	for _, row := range resp.Result.List {
		step := parseFloat(row.LotSizeFilter.QtyStep)
		instruments[row.Symbol] = Instrument{
			Symbol:        row.Symbol,
			TickSize:      parseFloat(row.PriceFilter.TickSize),
			SizeDecimals:  decimalsOfStep(step),
			MinSize:       parseFloat(row.LotSizeFilter.MinOrderQty),
			ContractAsset: strings.TrimSuffix(row.Symbol, "USDT"),
		}
	}

	b.mu.Lock()
	b.apiKey = apiKey
	b.apiSecret = apiSecret
	b.instruments = instruments
	b.connected = true
	b.mu.Unlock()

	b.log.Info().Int("instruments", len(instruments)).Bool("testnet", b.cfg.Testnet).Msg("connected")
	return nil
}

func (b *BybitAdapter) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	return nil
}

// ==================== HTTP ====================

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (b *BybitAdapter) sign(payload string) (timestamp, signature string) {
	timestamp = strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(b.apiSecret))
	mac.Write([]byte(timestamp + b.apiKey + bybitRecvWindow + payload))
	return timestamp, hex.EncodeToString(mac.Sum(nil))
}

func (b *BybitAdapter) do(ctx context.Context, method, path string, query map[string]string, body any, out any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	values := url.Values{}
	for k, v := range query {
		values.Set(k, v)
	}
	endpoint := b.baseURL + path
	if len(values) > 0 {
		endpoint += "?" + values.Encode()
	}

	var payload string
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		payload = string(data)
		reader = bytes.NewReader(data)
	} else {
		payload = values.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	b.mu.RLock()
	signed := b.apiKey != ""
	b.mu.RUnlock()
	if signed {
		ts, sig := b.sign(payload)
		req.Header.Set("X-BAPI-API-KEY", b.apiKey)
		req.Header.Set("X-BAPI-TIMESTAMP", ts)
		req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
		req.Header.Set("X-BAPI-SIGN", sig)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", path, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		b.limiter.RecordRateLimitHit()
		return fmt.Errorf("%s: rate limited: %w", path, ErrUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, truncate(string(data), 200))
	}

	var env bybitEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%s: parse envelope: %w", path, err)
	}
	if env.RetCode != 0 {
		if env.RetCode == 10006 { // rate limit
			b.limiter.RecordRateLimitHit()
		}
		return &BybitAPIError{Code: env.RetCode, Message: env.RetMsg, Path: path}
	}
	b.limiter.RecordSuccess()
	if out != nil {
		full := struct {
			Result any `json:"result"`
		}{Result: out}
		if err := json.Unmarshal(data, &full); err != nil {
			return fmt.Errorf("%s: parse result: %w", path, err)
		}
	}
	return nil
}

// BybitAPIError carries the venue's retCode for semantic rejections.
type BybitAPIError struct {
	Code    int
	Message string
	Path    string
}

func (e *BybitAPIError) Error() string {
	return fmt.Sprintf("bybit %s: retCode=%d %s", e.Path, e.Code, e.Message)
}

func (b *BybitAdapter) get(ctx context.Context, path string, query map[string]string, out any) error {
	return b.do(ctx, http.MethodGet, path, query, nil, out)
}

func (b *BybitAdapter) postJSON(ctx context.Context, path string, body any, out any) error {
	return b.do(ctx, http.MethodPost, path, nil, body, out)
}

// ==================== ACCOUNT ====================

func (b *BybitAdapter) GetBalance(ctx context.Context) (*Balance, error) {
	if !b.IsConnected() {
		return nil, ErrNotConnected
	}
	var result struct {
		List []struct {
			TotalEquity            string `json:"totalEquity"`
			TotalAvailableBalance  string `json:"totalAvailableBalance"`
			TotalMarginBalance     string `json:"totalMarginBalance"`
			TotalMaintenanceMargin string `json:"totalMaintenanceMargin"`
			TotalPerpUPL           string `json:"totalPerpUPL"`
		} `json:"list"`
	}
	if err := b.get(ctx, "/v5/account/wallet-balance", map[string]string{"accountType": "UNIFIED"}, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("bybit: empty wallet-balance: %w", ErrUnavailable)
	}
	row := result.List[0]
	equity := parseFloat(row.TotalEquity)
	available := parseFloat(row.TotalAvailableBalance)
	return &Balance{
		Venue:             VenueBybit,
		Currency:          "USDT",
		TotalEquity:       equity,
		AvailableBalance:  available,
		MarginUsed:        equity - available,
		MaintenanceMargin: parseFloat(row.TotalMaintenanceMargin),
		UnrealizedPnL:     parseFloat(row.TotalPerpUPL),
		UpdatedAt:         time.Now(),
	}, nil
}

func (b *BybitAdapter) GetPositions(ctx context.Context) ([]Position, error) {
	if !b.IsConnected() {
		return nil, ErrNotConnected
	}
	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"` // Buy / Sell
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			LiqPrice      string `json:"liqPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
			Leverage      string `json:"leverage"`
		} `json:"list"`
	}
	if err := b.get(ctx, "/v5/position/list", map[string]string{"category": bybitCategory, "settleCoin": "USDT"}, &result); err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(result.List))
	for _, row := range result.List {
		size := parseFloat(row.Size)
		if size == 0 {
			continue
		}
		dir := DirectionLong
		if strings.EqualFold(row.Side, "Sell") {
			dir = DirectionShort
		}
		positions = append(positions, Position{
			Venue:            VenueBybit,
			Symbol:           row.Symbol,
			Direction:        dir,
			Size:             size,
			EntryPrice:       parseFloat(row.AvgPrice),
			MarkPrice:        parseFloat(row.MarkPrice),
			LiquidationPrice: parseFloat(row.LiqPrice),
			UnrealizedPnL:    parseFloat(row.UnrealisedPnl),
			Leverage:         parseFloat(row.Leverage),
			UpdatedAt:        time.Now(),
		})
	}
	return positions, nil
}

func (b *BybitAdapter) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i], nil
		}
	}
	return nil, ErrNoPosition
}

// ==================== MARKET DATA ====================

func (b *BybitAdapter) GetMarketData(ctx context.Context, symbol string) (*MarketData, error) {
	var result struct {
		List []struct {
			Bid1Price   string `json:"bid1Price"`
			Ask1Price   string `json:"ask1Price"`
			LastPrice   string `json:"lastPrice"`
			MarkPrice   string `json:"markPrice"`
			FundingRate string `json:"fundingRate"`
		} `json:"list"`
	}
	if err := b.get(ctx, "/v5/market/tickers", map[string]string{"category": bybitCategory, "symbol": symbol}, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("bybit: no ticker for %s: %w", symbol, ErrSymbolUnknown)
	}
	row := result.List[0]
	md := &MarketData{
		Symbol:      symbol,
		Bid:         parseFloat(row.Bid1Price),
		Ask:         parseFloat(row.Ask1Price),
		Last:        parseFloat(row.LastPrice),
		Mark:        parseFloat(row.MarkPrice),
		FundingRate: parseFloat(row.FundingRate),
		UpdatedAt:   time.Now(),
	}
	b.cache.UpdateMarketData(VenueBybit, md)
	return md, nil
}

func (b *BybitAdapter) GetMarketPrice(ctx context.Context, symbol string) (float64, error) {
	md, err := b.GetMarketData(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return md.Mid(), nil
}

func (b *BybitAdapter) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	bybitInterval := map[string]string{"1m": "1", "5m": "5", "15m": "15", "1h": "60", "4h": "240", "1d": "D"}[interval]
	if bybitInterval == "" {
		bybitInterval = "1"
	}
	var result struct {
		List [][]string `json:"list"`
	}
	query := map[string]string{
		"category": bybitCategory,
		"symbol":   symbol,
		"interval": bybitInterval,
		"limit":    strconv.Itoa(limit),
	}
	if err := b.get(ctx, "/v5/market/kline", query, &result); err != nil {
		return nil, err
	}
	// Bybit returns newest-first; reverse to chronological.
	candles := make([]Candle, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(row[0], 10, 64)
		candles = append(candles, Candle{
			OpenTime: time.UnixMilli(ts),
			Open:     parseFloat(row[1]),
			High:     parseFloat(row[2]),
			Low:      parseFloat(row[3]),
			Close:    parseFloat(row[4]),
			Volume:   parseFloat(row[5]),
		})
	}
	return candles, nil
}

func (b *BybitAdapter) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	if depth <= 0 || depth > 200 {
		depth = 50
	}
	var result struct {
		B [][]string `json:"b"`
		A [][]string `json:"a"`
	}
	query := map[string]string{"category": bybitCategory, "symbol": symbol, "limit": strconv.Itoa(depth)}
	if err := b.get(ctx, "/v5/market/orderbook", query, &result); err != nil {
		return nil, err
	}
	book := &OrderBook{Symbol: symbol, UpdatedAt: time.Now()}
	for _, lvl := range result.B {
		if len(lvl) >= 2 {
			book.Bids = append(book.Bids, BookLevel{Price: parseFloat(lvl[0]), Size: parseFloat(lvl[1])})
		}
	}
	for _, lvl := range result.A {
		if len(lvl) >= 2 {
			book.Asks = append(book.Asks, BookLevel{Price: parseFloat(lvl[0]), Size: parseFloat(lvl[1])})
		}
	}
	b.cache.UpdateOrderBook(VenueBybit, book)
	return book, nil
}

func (b *BybitAdapter) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	md, err := b.GetMarketData(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return md.FundingRate, nil
}

// GetFeeRates implements FeeRateSource using the account's live tier.
func (b *BybitAdapter) GetFeeRates(ctx context.Context, symbol string) (float64, float64, error) {
	if !b.IsConnected() {
		return 0, 0, ErrNotConnected
	}
	var result struct {
		List []struct {
			MakerFeeRate string `json:"makerFeeRate"`
			TakerFeeRate string `json:"takerFeeRate"`
		} `json:"list"`
	}
	if err := b.get(ctx, "/v5/account/fee-rate", map[string]string{"category": bybitCategory, "symbol": symbol}, &result); err != nil {
		return 0, 0, err
	}
	if len(result.List) == 0 {
		return 0, 0, fmt.Errorf("bybit: no fee rate for %s: %w", symbol, ErrUnavailable)
	}
	maker := parseFloat(result.List[0].MakerFeeRate) * 10_000
	taker := parseFloat(result.List[0].TakerFeeRate) * 10_000
	return maker, taker, nil
}

// ==================== TRADING ====================

func (b *BybitAdapter) PlaceOrder(ctx context.Context, params OrderParams) (*OrderResult, error) {
	if !b.IsConnected() {
		return nil, ErrNotConnected
	}
	side := "Buy"
	if params.Direction == DirectionShort {
		side = "Sell"
	}
	orderType := "Market"
	body := map[string]any{
		"category":   bybitCategory,
		"symbol":     params.Symbol,
		"side":       side,
		"qty":        formatPx(b.FormatQuantity(params.Symbol, params.Size)),
		"reduceOnly": params.ReduceOnly,
	}
	if params.Type == OrderTypeLimit && params.LimitPrice > 0 {
		orderType = "Limit"
		body["price"] = formatPx(b.FormatPrice(params.Symbol, params.LimitPrice))
		body["timeInForce"] = "IOC"
	}
	body["orderType"] = orderType
	if params.ClientID != "" {
		body["orderLinkId"] = params.ClientID
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	err := b.postJSON(ctx, "/v5/order/create", body, &result)
	if err != nil {
		var apiErr *BybitAPIError
		if isBybitSemanticError(err, &apiErr) {
			return &OrderResult{
				Success:   false,
				Venue:     VenueBybit,
				Symbol:    params.Symbol,
				Direction: params.Direction,
				Error:     apiErr.Message,
				PlacedAt:  time.Now(),
			}, nil
		}
		return nil, err
	}
	res := &OrderResult{
		Success:   true,
		Venue:     VenueBybit,
		OrderID:   result.OrderID,
		Symbol:    params.Symbol,
		Direction: params.Direction,
		PlacedAt:  time.Now(),
	}
	// Market orders fill immediately; confirm the average price.
	if orderType == "Market" {
		if filled, err := b.fetchFill(ctx, params.Symbol, result.OrderID); err == nil {
			res.FilledPrice = filled.price
			res.FilledSize = filled.size
		}
	}
	return res, nil
}

type bybitFill struct {
	price float64
	size  float64
}

func (b *BybitAdapter) fetchFill(ctx context.Context, symbol, orderID string) (*bybitFill, error) {
	var result struct {
		List []struct {
			AvgPrice   string `json:"avgPrice"`
			CumExecQty string `json:"cumExecQty"`
		} `json:"list"`
	}
	query := map[string]string{"category": bybitCategory, "symbol": symbol, "orderId": orderID}
	if err := b.get(ctx, "/v5/order/realtime", query, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, ErrUnavailable
	}
	return &bybitFill{price: parseFloat(result.List[0].AvgPrice), size: parseFloat(result.List[0].CumExecQty)}, nil
}

func (b *BybitAdapter) OpenPosition(ctx context.Context, symbol string, dir Direction, size float64, leverage int) (*OrderResult, error) {
	if leverage > 0 {
		if err := b.SetLeverage(ctx, symbol, leverage); err != nil {
			// Bybit rejects a no-op leverage change; not fatal.
			var apiErr *BybitAPIError
			if !isBybitSemanticError(err, &apiErr) || apiErr.Code != 110043 {
				return nil, fmt.Errorf("bybit: set leverage before open: %w", err)
			}
		}
	}
	return b.PlaceOrder(ctx, OrderParams{Symbol: symbol, Direction: dir, Size: size, Type: OrderTypeMarket, ClientID: NewClientOrderID()})
}

func (b *BybitAdapter) ClosePosition(ctx context.Context, symbol string, size float64) (*OrderResult, error) {
	pos, err := b.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if size <= 0 || size > pos.Size {
		size = pos.Size
	}
	return b.PlaceOrder(ctx, OrderParams{
		Symbol:     symbol,
		Direction:  pos.Direction.Opposite(),
		Size:       size,
		Type:       OrderTypeMarket,
		ReduceOnly: true,
	})
}

func (b *BybitAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	body := map[string]any{
		"category":     bybitCategory,
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}
	return b.postJSON(ctx, "/v5/position/set-leverage", body, nil)
}

// ==================== STOPS ====================

// tradingStop drives Bybit's position-level SL/TP endpoint, which sets the
// bracket atomically.
func (b *BybitAdapter) tradingStop(ctx context.Context, symbol string, dir Direction, stopPrice, tpPrice float64) (*OrderResult, error) {
	body := map[string]any{
		"category":    bybitCategory,
		"symbol":      symbol,
		"positionIdx": 0,
		"tpslMode":    "Full",
	}
	if stopPrice > 0 {
		body["stopLoss"] = formatPx(b.FormatPrice(symbol, stopPrice))
	}
	if tpPrice > 0 {
		body["takeProfit"] = formatPx(b.FormatPrice(symbol, tpPrice))
	}
	err := b.postJSON(ctx, "/v5/position/trading-stop", body, nil)
	if err != nil {
		var apiErr *BybitAPIError
		if isBybitSemanticError(err, &apiErr) {
			return &OrderResult{
				Success: false, Venue: VenueBybit, Symbol: symbol,
				Direction: dir, Error: apiErr.Message, PlacedAt: time.Now(),
			}, nil
		}
		return nil, err
	}
	return &OrderResult{Success: true, Venue: VenueBybit, Symbol: symbol, Direction: dir, PlacedAt: time.Now()}, nil
}

func (b *BybitAdapter) SetStopLoss(ctx context.Context, symbol string, dir Direction, size, stopPrice float64) (*OrderResult, error) {
	return b.tradingStop(ctx, symbol, dir, stopPrice, 0)
}

func (b *BybitAdapter) SetTakeProfit(ctx context.Context, symbol string, dir Direction, size, tpPrice float64) (*OrderResult, error) {
	return b.tradingStop(ctx, symbol, dir, 0, tpPrice)
}

func (b *BybitAdapter) SetStopLossTakeProfit(ctx context.Context, symbol string, dir Direction, size, stopPrice, tpPrice float64) (*OrderResult, error) {
	return b.tradingStop(ctx, symbol, dir, stopPrice, tpPrice)
}

func (b *BybitAdapter) CancelStopOrders(ctx context.Context, symbol string) error {
	// Clearing the position-level SL/TP is a trading-stop call with zeros.
	body := map[string]any{
		"category":    bybitCategory,
		"symbol":      symbol,
		"positionIdx": 0,
		"stopLoss":    "0",
		"takeProfit":  "0",
	}
	return b.postJSON(ctx, "/v5/position/trading-stop", body, nil)
}

// ==================== ORDER MGMT ====================

func (b *BybitAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]any{"category": bybitCategory, "symbol": symbol, "orderId": orderID}
	return b.postJSON(ctx, "/v5/order/cancel", body, nil)
}

func (b *BybitAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	body := map[string]any{"category": bybitCategory}
	if symbol != "" {
		body["symbol"] = symbol
	} else {
		body["settleCoin"] = "USDT"
	}
	return b.postJSON(ctx, "/v5/order/cancel-all", body, nil)
}

func (b *BybitAdapter) GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderStatus, error) {
	var result struct {
		List []struct {
			OrderStatus string `json:"orderStatus"`
		} `json:"list"`
	}
	query := map[string]string{"category": bybitCategory, "symbol": symbol, "orderId": orderID}
	if err := b.get(ctx, "/v5/order/realtime", query, &result); err != nil {
		return OrderStatusUnknown, err
	}
	if len(result.List) == 0 {
		return OrderStatusUnknown, nil
	}
	switch result.List[0].OrderStatus {
	case "New", "Untriggered":
		return OrderStatusNew, nil
	case "Filled":
		return OrderStatusFilled, nil
	case "PartiallyFilled":
		return OrderStatusPartially, nil
	case "Cancelled", "Deactivated":
		return OrderStatusCancelled, nil
	case "Rejected":
		return OrderStatusRejected, nil
	default:
		return OrderStatusUnknown, nil
	}
}

// ==================== FORMATTING ====================

func (b *BybitAdapter) FormatSymbol(asset string) string {
	return strings.ToUpper(asset) + "USDT"
}

func (b *BybitAdapter) FormatQuantity(symbol string, qty float64) float64 {
	b.mu.RLock()
	inst, ok := b.instruments[symbol]
	b.mu.RUnlock()
	if !ok {
		return RoundToDecimals(qty, 3)
	}
	return RoundToDecimals(qty, inst.SizeDecimals)
}

func (b *BybitAdapter) FormatPrice(symbol string, price float64) float64 {
	b.mu.RLock()
	inst, ok := b.instruments[symbol]
	b.mu.RUnlock()
	if !ok || inst.TickSize <= 0 {
		return price
	}
	return RoundToTick(price, inst.TickSize)
}

var (
	_ Adapter       = (*BybitAdapter)(nil)
	_ FeeRateSource = (*BybitAdapter)(nil)
)

// ==================== HELPERS ====================

func isBybitSemanticError(err error, out **BybitAPIError) bool {
	var apiErr *BybitAPIError
	if !errors.As(err, &apiErr) {
		return false
	}
	*out = apiErr
	return true
}

func decimalsOfStep(step float64) int {
	if step <= 0 {
		return 3
	}
	decimals := 0
	for step < 1 && decimals < 10 {
		step *= 10
		decimals++
	}
	return decimals
}
