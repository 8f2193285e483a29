package exchange

import (
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
	asterBaseURL    = "https://fapi.asterdex.com"
	asterTestnetURL = "https://testnet.asterdex.com"
)

// AsterConfig configures the Aster adapter. Credentials are env-var names
// resolved at Connect.
type AsterConfig struct {
	Testnet           bool   `json:"testnet"`
	APIKeyEnv         string `json:"api_key_env"`    // default ASTER_API_KEY
	APISecretEnv      string `json:"api_secret_env"` // default ASTER_API_SECRET
	RequestTimeoutSec int    `json:"request_timeout_sec"`
}

// AsterAdapter implements Adapter over Aster's binance-style futures API:
// signed requests carry an HMAC-SHA256 signature of the query string plus a
// timestamp, with the API key in a header.
type AsterAdapter struct {
	cfg        AsterConfig
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
	cache      *MarketDataCache
	log        zerolog.Logger

	mu          sync.RWMutex
	connected   bool
	apiKey      string
	secretKey   string
	instruments map[string]Instrument // keyed by venue symbol, e.g. BTC-PERP
}

// NewAsterAdapter creates a disconnected adapter.
func NewAsterAdapter(cfg AsterConfig, cache *MarketDataCache, logger zerolog.Logger) *AsterAdapter {
	baseURL := asterBaseURL
	if cfg.Testnet {
		baseURL = asterTestnetURL
	}
	timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if cache == nil {
		cache = NewMarketDataCache()
	}
	return &AsterAdapter{
		cfg:        cfg,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    NewRateLimiter(RateDelayFor(VenueAster)),
		cache:      cache,
		log:        logger.With().Str("component", "aster").Logger(),
	}
}

func (a *AsterAdapter) Venue() Venue              { return VenueAster }
func (a *AsterAdapter) SupportsNativeStops() bool { return true }

func (a *AsterAdapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// Connect resolves credentials and loads symbol filters from exchangeInfo.
func (a *AsterAdapter) Connect(ctx context.Context) error {
	keyEnv := a.cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "ASTER_API_KEY"
	}
	secretEnv := a.cfg.APISecretEnv
	if secretEnv == "" {
		secretEnv = "ASTER_API_SECRET"
	}
	apiKey := strings.TrimSpace(os.Getenv(keyEnv))
	secretKey := strings.TrimSpace(os.Getenv(secretEnv))
	if apiKey == "" || secretKey == "" {
		return fmt.Errorf("aster: missing credentials in %s/%s", keyEnv, secretEnv)
	}

	var info struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			PricePrecision    int    `json:"pricePrecision"`
			QuantityPrecision int    `json:"quantityPrecision"`
			Filters           []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				MinQty     string `json:"minQty"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := a.publicGet(ctx, "/fapi/v1/exchangeInfo", nil, &info); err != nil {
		return fmt.Errorf("aster: load exchange info: %w", err)
	}
	instruments := make(map[string]Instrument, len(info.Symbols))
	for _, s := range info.Symbols {
		inst := Instrument{
			Symbol:        s.Symbol,
			SizeDecimals:  s.QuantityPrecision,
			ContractAsset: strings.TrimSuffix(s.Symbol, "-PERP"),
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				inst.TickSize = parseFloat(f.TickSize)
			case "LOT_SIZE":
				inst.MinSize = parseFloat(f.MinQty)
			}
		}
		instruments[s.Symbol] = inst
	}

	a.mu.Lock()
	a.apiKey = apiKey
	a.secretKey = secretKey
	a.instruments = instruments
	a.connected = true
	a.mu.Unlock()

	a.log.Info().Int("instruments", len(instruments)).Bool("testnet", a.cfg.Testnet).Msg("connected")
	return nil
}

func (a *AsterAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	return nil
}

// ==================== HTTP ====================

func (a *AsterAdapter) signParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	// Stable ordering so the signature matches the sent query.
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	values := url.Values{}
	for _, k := range keys {
		values.Set(k, params[k])
	}
	query := values.Encode()
	mac := hmac.New(sha256.New, []byte(a.secretKey))
	mac.Write([]byte(query))
	return query + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

func (a *AsterAdapter) request(ctx context.Context, method, path, rawQuery string, signed bool, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	endpoint := a.baseURL + path
	if rawQuery != "" {
		endpoint += "?" + rawQuery
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	if signed {
		a.mu.RLock()
		req.Header.Set("X-MBX-APIKEY", a.apiKey)
		a.mu.RUnlock()
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", path, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
		a.limiter.RecordRateLimitHit()
		return fmt.Errorf("%s: rate limited: %w", path, ErrUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Msg != "" {
			return &AsterAPIError{Code: apiErr.Code, Message: apiErr.Msg, Path: path}
		}
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, truncate(string(data), 200))
	}
	a.limiter.RecordSuccess()
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s: parse response: %w", path, err)
		}
	}
	return nil
}

// AsterAPIError carries the venue's error code for semantic rejections.
type AsterAPIError struct {
	Code    int
	Message string
	Path    string
}

func (e *AsterAPIError) Error() string {
	return fmt.Sprintf("aster %s: code=%d %s", e.Path, e.Code, e.Message)
}

func (a *AsterAdapter) publicGet(ctx context.Context, path string, params map[string]string, out any) error {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return a.request(ctx, http.MethodGet, path, values.Encode(), false, out)
}

func (a *AsterAdapter) signedRequest(ctx context.Context, method, path string, params map[string]string, out any) error {
	if !a.IsConnected() {
		return ErrNotConnected
	}
	if params == nil {
		params = map[string]string{}
	}
	params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	params["recvWindow"] = "5000"
	a.mu.RLock()
	query := a.signParams(params)
	a.mu.RUnlock()
	return a.request(ctx, method, path, query, true, out)
}

// ==================== ACCOUNT ====================

func (a *AsterAdapter) GetBalance(ctx context.Context) (*Balance, error) {
	var acct struct {
		TotalWalletBalance    string `json:"totalWalletBalance"`
		TotalUnrealizedProfit string `json:"totalUnrealizedProfit"`
		TotalMarginBalance    string `json:"totalMarginBalance"`
		TotalMaintMargin      string `json:"totalMaintMargin"`
		TotalInitialMargin    string `json:"totalInitialMargin"`
		AvailableBalance      string `json:"availableBalance"`
	}
	if err := a.signedRequest(ctx, http.MethodGet, "/fapi/v2/account", nil, &acct); err != nil {
		return nil, err
	}
	return &Balance{
		Venue:             VenueAster,
		Currency:          "USDT",
		TotalEquity:       parseFloat(acct.TotalMarginBalance),
		AvailableBalance:  parseFloat(acct.AvailableBalance),
		MarginUsed:        parseFloat(acct.TotalInitialMargin),
		MaintenanceMargin: parseFloat(acct.TotalMaintMargin),
		UnrealizedPnL:     parseFloat(acct.TotalUnrealizedProfit),
		UpdatedAt:         time.Now(),
	}, nil
}

func (a *AsterAdapter) GetPositions(ctx context.Context) ([]Position, error) {
	var rows []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		LiquidationPrice string `json:"liquidationPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
	}
	if err := a.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, &rows); err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(rows))
	for _, row := range rows {
		amt := parseFloat(row.PositionAmt)
		if amt == 0 {
			continue
		}
		dir := DirectionLong
		size := amt
		if amt < 0 {
			dir = DirectionShort
			size = -amt
		}
		positions = append(positions, Position{
			Venue:            VenueAster,
			Symbol:           row.Symbol,
			Direction:        dir,
			Size:             size,
			EntryPrice:       parseFloat(row.EntryPrice),
			MarkPrice:        parseFloat(row.MarkPrice),
			LiquidationPrice: parseFloat(row.LiquidationPrice),
			UnrealizedPnL:    parseFloat(row.UnRealizedProfit),
			Leverage:         parseFloat(row.Leverage),
			UpdatedAt:        time.Now(),
		})
	}
	return positions, nil
}

func (a *AsterAdapter) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	positions, err := a.GetPositions(ctx)
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

func (a *AsterAdapter) GetMarketData(ctx context.Context, symbol string) (*MarketData, error) {
	var book struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := a.publicGet(ctx, "/fapi/v1/ticker/bookTicker", map[string]string{"symbol": symbol}, &book); err != nil {
		return nil, err
	}
	var premium struct {
		MarkPrice       string `json:"markPrice"`
		LastFundingRate string `json:"lastFundingRate"`
	}
	if err := a.publicGet(ctx, "/fapi/v1/premiumIndex", map[string]string{"symbol": symbol}, &premium); err != nil {
		return nil, err
	}
	md := &MarketData{
		Symbol:      symbol,
		Bid:         parseFloat(book.BidPrice),
		Ask:         parseFloat(book.AskPrice),
		Mark:        parseFloat(premium.MarkPrice),
		FundingRate: parseFloat(premium.LastFundingRate),
		UpdatedAt:   time.Now(),
	}
	md.Last = md.Mid()
	a.cache.UpdateMarketData(VenueAster, md)
	return md, nil
}

func (a *AsterAdapter) GetMarketPrice(ctx context.Context, symbol string) (float64, error) {
	md, err := a.GetMarketData(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return md.Mid(), nil
}

func (a *AsterAdapter) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	if interval == "" {
		interval = "1m"
	}
	params := map[string]string{"symbol": symbol, "interval": interval, "limit": strconv.Itoa(limit)}
	var rows [][]json.Number
	if err := a.publicGet(ctx, "/fapi/v1/klines", params, &rows); err != nil {
		return nil, err
	}
	candles := make([]Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		ts, _ := row[0].Int64()
		candles = append(candles, Candle{
			OpenTime: time.UnixMilli(ts),
			Open:     parseFloat(row[1].String()),
			High:     parseFloat(row[2].String()),
			Low:      parseFloat(row[3].String()),
			Close:    parseFloat(row[4].String()),
			Volume:   parseFloat(row[5].String()),
		})
	}
	return candles, nil
}

func (a *AsterAdapter) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	if depth <= 0 {
		depth = 50
	}
	var resp struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	params := map[string]string{"symbol": symbol, "limit": strconv.Itoa(depth)}
	if err := a.publicGet(ctx, "/fapi/v1/depth", params, &resp); err != nil {
		return nil, err
	}
	book := &OrderBook{Symbol: symbol, UpdatedAt: time.Now()}
	for _, lvl := range resp.Bids {
		if len(lvl) >= 2 {
			book.Bids = append(book.Bids, BookLevel{Price: parseFloat(lvl[0]), Size: parseFloat(lvl[1])})
		}
	}
	for _, lvl := range resp.Asks {
		if len(lvl) >= 2 {
			book.Asks = append(book.Asks, BookLevel{Price: parseFloat(lvl[0]), Size: parseFloat(lvl[1])})
		}
	}
	a.cache.UpdateOrderBook(VenueAster, book)
	return book, nil
}

func (a *AsterAdapter) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	md, err := a.GetMarketData(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return md.FundingRate, nil
}

// GetFeeRates implements FeeRateSource from the account's commission tier.
func (a *AsterAdapter) GetFeeRates(ctx context.Context, symbol string) (float64, float64, error) {
	var rates struct {
		MakerCommissionRate string `json:"makerCommissionRate"`
		TakerCommissionRate string `json:"takerCommissionRate"`
	}
	if err := a.signedRequest(ctx, http.MethodGet, "/fapi/v1/commissionRate", map[string]string{"symbol": symbol}, &rates); err != nil {
		return 0, 0, err
	}
	return parseFloat(rates.MakerCommissionRate) * 10_000, parseFloat(rates.TakerCommissionRate) * 10_000, nil
}

// ==================== TRADING ====================

type asterOrderResponse struct {
	OrderID     int64  `json:"orderId"`
	Status      string `json:"status"`
	AvgPrice    string `json:"avgPrice"`
	ExecutedQty string `json:"executedQty"`
}

func (a *AsterAdapter) placeRaw(ctx context.Context, symbol string, dir Direction, params map[string]string) (*OrderResult, error) {
	params["symbol"] = symbol
	if dir == DirectionLong {
		params["side"] = "BUY"
	} else {
		params["side"] = "SELL"
	}
	var resp asterOrderResponse
	err := a.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params, &resp)
	if err != nil {
		var apiErr *AsterAPIError
		if errors.As(err, &apiErr) {
			return &OrderResult{
				Success: false, Venue: VenueAster, Symbol: symbol,
				Direction: dir, Error: apiErr.Message, PlacedAt: time.Now(),
			}, nil
		}
		return nil, err
	}
	return &OrderResult{
		Success:     resp.Status != "REJECTED" && resp.Status != "EXPIRED",
		Venue:       VenueAster,
		OrderID:     strconv.FormatInt(resp.OrderID, 10),
		Symbol:      symbol,
		Direction:   dir,
		FilledPrice: parseFloat(resp.AvgPrice),
		FilledSize:  parseFloat(resp.ExecutedQty),
		PlacedAt:    time.Now(),
	}, nil
}

func (a *AsterAdapter) PlaceOrder(ctx context.Context, params OrderParams) (*OrderResult, error) {
	raw := map[string]string{
		"quantity": formatPx(a.FormatQuantity(params.Symbol, params.Size)),
	}
	if params.Type == OrderTypeLimit && params.LimitPrice > 0 {
		raw["type"] = "LIMIT"
		raw["price"] = formatPx(a.FormatPrice(params.Symbol, params.LimitPrice))
		raw["timeInForce"] = "IOC"
	} else {
		raw["type"] = "MARKET"
	}
	if params.ReduceOnly {
		raw["reduceOnly"] = "true"
	}
	if params.ClientID != "" {
		raw["newClientOrderId"] = params.ClientID
	}
	return a.placeRaw(ctx, params.Symbol, params.Direction, raw)
}

func (a *AsterAdapter) OpenPosition(ctx context.Context, symbol string, dir Direction, size float64, leverage int) (*OrderResult, error) {
	if leverage > 0 {
		if err := a.SetLeverage(ctx, symbol, leverage); err != nil {
			return nil, fmt.Errorf("aster: set leverage before open: %w", err)
		}
	}
	return a.PlaceOrder(ctx, OrderParams{Symbol: symbol, Direction: dir, Size: size, Type: OrderTypeMarket, ClientID: NewClientOrderID()})
}

func (a *AsterAdapter) ClosePosition(ctx context.Context, symbol string, size float64) (*OrderResult, error) {
	pos, err := a.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if size <= 0 || size > pos.Size {
		size = pos.Size
	}
	return a.PlaceOrder(ctx, OrderParams{
		Symbol:     symbol,
		Direction:  pos.Direction.Opposite(),
		Size:       size,
		Type:       OrderTypeMarket,
		ReduceOnly: true,
	})
}

func (a *AsterAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := map[string]string{"symbol": symbol, "leverage": strconv.Itoa(leverage)}
	return a.signedRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params, nil)
}

// ==================== STOPS ====================

func (a *AsterAdapter) stopOrder(ctx context.Context, symbol string, dir Direction, size, triggerPrice float64, orderType string) (*OrderResult, error) {
	raw := map[string]string{
		"type":        orderType, // STOP_MARKET or TAKE_PROFIT_MARKET
		"stopPrice":   formatPx(a.FormatPrice(symbol, triggerPrice)),
		"quantity":    formatPx(a.FormatQuantity(symbol, size)),
		"reduceOnly":  "true",
		"workingType": "MARK_PRICE",
	}
	return a.placeRaw(ctx, symbol, dir.Opposite(), raw)
}

func (a *AsterAdapter) SetStopLoss(ctx context.Context, symbol string, dir Direction, size, stopPrice float64) (*OrderResult, error) {
	return a.stopOrder(ctx, symbol, dir, size, stopPrice, "STOP_MARKET")
}

func (a *AsterAdapter) SetTakeProfit(ctx context.Context, symbol string, dir Direction, size, tpPrice float64) (*OrderResult, error) {
	return a.stopOrder(ctx, symbol, dir, size, tpPrice, "TAKE_PROFIT_MARKET")
}

func (a *AsterAdapter) SetStopLossTakeProfit(ctx context.Context, symbol string, dir Direction, size, stopPrice, tpPrice float64) (*OrderResult, error) {
	return PlaceBracketHalves(ctx, a, symbol, dir, size, stopPrice, tpPrice)
}

func (a *AsterAdapter) CancelStopOrders(ctx context.Context, symbol string) error {
	var open []struct {
		OrderID int64  `json:"orderId"`
		Type    string `json:"type"`
	}
	if err := a.signedRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", map[string]string{"symbol": symbol}, &open); err != nil {
		return err
	}
	for _, o := range open {
		if o.Type != "STOP_MARKET" && o.Type != "TAKE_PROFIT_MARKET" {
			continue
		}
		if err := a.CancelOrder(ctx, symbol, strconv.FormatInt(o.OrderID, 10)); err != nil {
			return err
		}
	}
	return nil
}

// ==================== ORDER MGMT ====================

func (a *AsterAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]string{"symbol": symbol, "orderId": orderID}
	return a.signedRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, nil)
}

func (a *AsterAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	params := map[string]string{"symbol": symbol}
	return a.signedRequest(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, nil)
}

func (a *AsterAdapter) GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderStatus, error) {
	params := map[string]string{"symbol": symbol, "orderId": orderID}
	var resp struct {
		Status string `json:"status"`
	}
	if err := a.signedRequest(ctx, http.MethodGet, "/fapi/v1/order", params, &resp); err != nil {
		return OrderStatusUnknown, err
	}
	switch resp.Status {
	case "NEW":
		return OrderStatusNew, nil
	case "FILLED":
		return OrderStatusFilled, nil
	case "PARTIALLY_FILLED":
		return OrderStatusPartially, nil
	case "CANCELED", "EXPIRED":
		return OrderStatusCancelled, nil
	case "REJECTED":
		return OrderStatusRejected, nil
	default:
		return OrderStatusUnknown, nil
	}
}

// ==================== FORMATTING ====================

func (a *AsterAdapter) FormatSymbol(asset string) string {
	return strings.ToUpper(asset) + "-PERP"
}

func (a *AsterAdapter) FormatQuantity(symbol string, qty float64) float64 {
	a.mu.RLock()
	inst, ok := a.instruments[symbol]
	a.mu.RUnlock()
	if !ok {
		return RoundToDecimals(qty, 3)
	}
	return RoundToDecimals(qty, inst.SizeDecimals)
}

func (a *AsterAdapter) FormatPrice(symbol string, price float64) float64 {
	a.mu.RLock()
	inst, ok := a.instruments[symbol]
	a.mu.RUnlock()
	if !ok || inst.TickSize <= 0 {
		return price
	}
	return RoundToTick(price, inst.TickSize)
}

var (
	_ Adapter       = (*AsterAdapter)(nil)
	_ FeeRateSource = (*AsterAdapter)(nil)
)
