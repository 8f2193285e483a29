package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	hlMainnetURL = "https://api.hyperliquid.xyz"
	hlTestnetURL = "https://api.hyperliquid-testnet.xyz"
	hlMainnetWS  = "wss://api.hyperliquid.xyz/ws"
	hlTestnetWS  = "wss://api.hyperliquid-testnet.xyz/ws"

	// Hyperliquid prices round to 5 significant figures.
	hlPriceSigFigs = 5
)

// HyperliquidConfig configures the Hyperliquid adapter. Credentials are
// env-var names; values are resolved at Connect and live only inside the
// signer.
type HyperliquidConfig struct {
	Testnet           bool   `json:"testnet"`
	PrivateKeyEnv     string `json:"private_key_env"`     // default HL_PRIVATE_KEY
	WalletAddressEnv  string `json:"wallet_address_env"`  // default HL_WALLET_ADDRESS
	RequestTimeoutSec int    `json:"request_timeout_sec"` // default 10
	StreamMids        bool   `json:"stream_mids"`
}

// HyperliquidAdapter talks to the Hyperliquid perp API. Info queries are
// unauthenticated POSTs; exchange actions are keccak-hashed and signed with
// the wallet's secp256k1 key.
type HyperliquidAdapter struct {
	cfg        HyperliquidConfig
	baseURL    string
	wsURL      string
	httpClient *http.Client
	limiter    *RateLimiter
	cache      *MarketDataCache
	log        zerolog.Logger

	mu          sync.RWMutex
	connected   bool
	wallet      string
	signer      *hlSigner
	instruments map[string]Instrument // keyed by bare asset code
	assetIndex  map[string]int        // asset code -> universe index

	wsCancel context.CancelFunc
}

// NewHyperliquidAdapter creates a disconnected adapter.
func NewHyperliquidAdapter(cfg HyperliquidConfig, cache *MarketDataCache, logger zerolog.Logger) *HyperliquidAdapter {
	baseURL, wsURL := hlMainnetURL, hlMainnetWS
	if cfg.Testnet {
		baseURL, wsURL = hlTestnetURL, hlTestnetWS
	}
	timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cache == nil {
		cache = NewMarketDataCache()
	}
	return &HyperliquidAdapter{
		cfg:        cfg,
		baseURL:    baseURL,
		wsURL:      wsURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    NewRateLimiter(RateDelayFor(VenueHyperliquid)),
		cache:      cache,
		log:        logger.With().Str("component", "hyperliquid").Logger(),
	}
}

func (h *HyperliquidAdapter) Venue() Venue              { return VenueHyperliquid }
func (h *HyperliquidAdapter) SupportsNativeStops() bool { return true }

func (h *HyperliquidAdapter) IsConnected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connected
}

// Connect resolves credentials and loads instrument metadata from the meta
// endpoint (size decimals, max leverage per asset).
func (h *HyperliquidAdapter) Connect(ctx context.Context) error {
	keyEnv := h.cfg.PrivateKeyEnv
	if keyEnv == "" {
		keyEnv = "HL_PRIVATE_KEY"
	}
	addrEnv := h.cfg.WalletAddressEnv
	if addrEnv == "" {
		addrEnv = "HL_WALLET_ADDRESS"
	}
	signer, err := newHLSigner(os.Getenv(keyEnv))
	if err != nil {
		return fmt.Errorf("hyperliquid: load signing key from %s: %w", keyEnv, err)
	}
	wallet := strings.ToLower(os.Getenv(addrEnv))
	if wallet == "" {
		wallet = strings.ToLower(signer.address)
	}

	var meta struct {
		Universe []struct {
			Name        string `json:"name"`
			SzDecimals  int    `json:"szDecimals"`
			MaxLeverage int    `json:"maxLeverage"`
		} `json:"universe"`
	}
	if err := h.info(ctx, map[string]any{"type": "meta"}, &meta); err != nil {
		return fmt.Errorf("hyperliquid: load meta: %w", err)
	}

	instruments := make(map[string]Instrument, len(meta.Universe))
	assetIndex := make(map[string]int, len(meta.Universe))
	for i, u := range meta.Universe {
		instruments[u.Name] = Instrument{
			Symbol:        u.Name,
			SizeDecimals:  u.SzDecimals,
			MaxLeverage:   float64(u.MaxLeverage),
			ContractAsset: u.Name,
		}
		assetIndex[u.Name] = i
	}

	h.mu.Lock()
	h.signer = signer
	h.wallet = wallet
	h.instruments = instruments
	h.assetIndex = assetIndex
	h.connected = true
	h.mu.Unlock()

	if h.cfg.StreamMids {
		wsCtx, cancel := context.WithCancel(context.Background())
		h.mu.Lock()
		h.wsCancel = cancel
		h.mu.Unlock()
		go h.streamMids(wsCtx)
	}

	h.log.Info().Int("instruments", len(instruments)).Bool("testnet", h.cfg.Testnet).Msg("connected")
	return nil
}

func (h *HyperliquidAdapter) Disconnect(ctx context.Context) error {
	h.mu.Lock()
	h.connected = false
	cancel := h.wsCancel
	h.wsCancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// streamMids keeps the market-data cache warm from the allMids channel,
// reconnecting with a fixed backoff on any read error.
func (h *HyperliquidAdapter) streamMids(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, h.wsURL, nil)
		if err != nil {
			h.log.Warn().Err(err).Msg("mids stream dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		sub := map[string]any{"method": "subscribe", "subscription": map[string]string{"type": "allMids"}}
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			continue
		}
		h.readMids(ctx, conn)
		conn.Close()
	}
}

func (h *HyperliquidAdapter) readMids(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		var msg struct {
			Channel string `json:"channel"`
			Data    struct {
				Mids map[string]string `json:"mids"`
			} `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			h.log.Debug().Err(err).Msg("mids stream read error")
			return
		}
		if msg.Channel != "allMids" {
			continue
		}
		for coin, raw := range msg.Data.Mids {
			if mid, err := strconv.ParseFloat(raw, 64); err == nil {
				h.cache.UpdateMid(VenueHyperliquid, coin, mid)
			}
		}
	}
}

// info posts an unauthenticated query to the /info endpoint.
func (h *HyperliquidAdapter) info(ctx context.Context, payload any, out any) error {
	return h.post(ctx, "/info", payload, out)
}

func (h *HyperliquidAdapter) post(ctx context.Context, path string, payload any, out any) error {
	if err := h.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", path, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		h.limiter.RecordRateLimitHit()
		return fmt.Errorf("%s: rate limited: %w", path, ErrUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, truncate(string(data), 200))
	}
	h.limiter.RecordSuccess()
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s: parse response: %w", path, err)
		}
	}
	return nil
}

// ==================== ACCOUNT ====================

type hlClearinghouseState struct {
	MarginSummary struct {
		AccountValue    string `json:"accountValue"`
		TotalMarginUsed string `json:"totalMarginUsed"`
	} `json:"marginSummary"`
	CrossMaintenanceMarginUsed string `json:"crossMaintenanceMarginUsed"`
	Withdrawable               string `json:"withdrawable"`
	AssetPositions             []struct {
		Position struct {
			Coin     string `json:"coin"`
			Szi      string `json:"szi"`
			EntryPx  string `json:"entryPx"`
			LiqPx    string `json:"liquidationPx"`
			Leverage struct {
				Value int `json:"value"`
			} `json:"leverage"`
			UnrealizedPnl string `json:"unrealizedPnl"`
		} `json:"position"`
	} `json:"assetPositions"`
}

func (h *HyperliquidAdapter) clearinghouse(ctx context.Context) (*hlClearinghouseState, error) {
	h.mu.RLock()
	wallet := h.wallet
	connected := h.connected
	h.mu.RUnlock()
	if !connected {
		return nil, ErrNotConnected
	}
	var state hlClearinghouseState
	err := h.info(ctx, map[string]any{"type": "clearinghouseState", "user": wallet}, &state)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (h *HyperliquidAdapter) GetBalance(ctx context.Context) (*Balance, error) {
	state, err := h.clearinghouse(ctx)
	if err != nil {
		return nil, err
	}
	equity := parseFloat(state.MarginSummary.AccountValue)
	marginUsed := parseFloat(state.MarginSummary.TotalMarginUsed)
	var upnl float64
	for _, ap := range state.AssetPositions {
		upnl += parseFloat(ap.Position.UnrealizedPnl)
	}
	return &Balance{
		Venue:             VenueHyperliquid,
		Currency:          "USD",
		TotalEquity:       equity,
		AvailableBalance:  parseFloat(state.Withdrawable),
		MarginUsed:        marginUsed,
		MaintenanceMargin: parseFloat(state.CrossMaintenanceMarginUsed),
		UnrealizedPnL:     upnl,
		UpdatedAt:         time.Now(),
	}, nil
}

func (h *HyperliquidAdapter) GetPositions(ctx context.Context) ([]Position, error) {
	state, err := h.clearinghouse(ctx)
	if err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		szi := parseFloat(ap.Position.Szi)
		if szi == 0 {
			continue
		}
		dir := DirectionLong
		size := szi
		if szi < 0 {
			dir = DirectionShort
			size = -szi
		}
		mark, _ := h.cache.GetMid(VenueHyperliquid, ap.Position.Coin)
		positions = append(positions, Position{
			Venue:            VenueHyperliquid,
			Symbol:           ap.Position.Coin,
			Direction:        dir,
			Size:             size,
			EntryPrice:       parseFloat(ap.Position.EntryPx),
			MarkPrice:        mark,
			LiquidationPrice: parseFloat(ap.Position.LiqPx),
			UnrealizedPnL:    parseFloat(ap.Position.UnrealizedPnl),
			Leverage:         float64(ap.Position.Leverage.Value),
			UpdatedAt:        time.Now(),
		})
	}
	return positions, nil
}

func (h *HyperliquidAdapter) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	positions, err := h.GetPositions(ctx)
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

func (h *HyperliquidAdapter) GetMarketPrice(ctx context.Context, symbol string) (float64, error) {
	if mid, ok := h.cache.GetMid(VenueHyperliquid, symbol); ok {
		return mid, nil
	}
	var mids map[string]string
	if err := h.info(ctx, map[string]any{"type": "allMids"}, &mids); err != nil {
		return 0, err
	}
	for coin, raw := range mids {
		if mid, err := strconv.ParseFloat(raw, 64); err == nil {
			h.cache.UpdateMid(VenueHyperliquid, coin, mid)
		}
	}
	raw, ok := mids[symbol]
	if !ok {
		return 0, fmt.Errorf("hyperliquid: no mid for %s: %w", symbol, ErrSymbolUnknown)
	}
	return strconv.ParseFloat(raw, 64)
}

func (h *HyperliquidAdapter) GetMarketData(ctx context.Context, symbol string) (*MarketData, error) {
	book, err := h.GetOrderBook(ctx, symbol, 1)
	if err != nil {
		return nil, err
	}
	funding, err := h.GetFundingRate(ctx, symbol)
	if err != nil {
		// Funding is advisory for the ticker; keep the book data.
		h.log.Debug().Err(err).Str("symbol", symbol).Msg("funding fetch failed")
	}
	md := &MarketData{Symbol: symbol, FundingRate: funding, UpdatedAt: time.Now()}
	if len(book.Bids) > 0 {
		md.Bid = book.Bids[0].Price
	}
	if len(book.Asks) > 0 {
		md.Ask = book.Asks[0].Price
	}
	md.Last = md.Mid()
	md.Mark = md.Last
	h.cache.UpdateMarketData(VenueHyperliquid, md)
	return md, nil
}

func (h *HyperliquidAdapter) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	if interval == "" {
		interval = "1m"
	}
	dur := intervalDuration(interval)
	end := time.Now()
	start := end.Add(-dur * time.Duration(limit+1))
	var rows []struct {
		T int64  `json:"t"`
		O string `json:"o"`
		H string `json:"h"`
		L string `json:"l"`
		C string `json:"c"`
		V string `json:"v"`
	}
	req := map[string]any{
		"type": "candleSnapshot",
		"req": map[string]any{
			"coin":      symbol,
			"interval":  interval,
			"startTime": start.UnixMilli(),
			"endTime":   end.UnixMilli(),
		},
	}
	if err := h.info(ctx, req, &rows); err != nil {
		return nil, err
	}
	candles := make([]Candle, 0, len(rows))
	for _, r := range rows {
		candles = append(candles, Candle{
			OpenTime: time.UnixMilli(r.T),
			Open:     parseFloat(r.O),
			High:     parseFloat(r.H),
			Low:      parseFloat(r.L),
			Close:    parseFloat(r.C),
			Volume:   parseFloat(r.V),
		})
	}
	if len(candles) > limit && limit > 0 {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

func (h *HyperliquidAdapter) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	var resp struct {
		Levels [][]struct {
			Px string `json:"px"`
			Sz string `json:"sz"`
		} `json:"levels"`
	}
	if err := h.info(ctx, map[string]any{"type": "l2Book", "coin": symbol}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Levels) < 2 {
		return nil, fmt.Errorf("hyperliquid: malformed l2Book for %s", symbol)
	}
	book := &OrderBook{Symbol: symbol, UpdatedAt: time.Now()}
	for i, lvl := range resp.Levels[0] {
		if depth > 0 && i >= depth {
			break
		}
		book.Bids = append(book.Bids, BookLevel{Price: parseFloat(lvl.Px), Size: parseFloat(lvl.Sz)})
	}
	for i, lvl := range resp.Levels[1] {
		if depth > 0 && i >= depth {
			break
		}
		book.Asks = append(book.Asks, BookLevel{Price: parseFloat(lvl.Px), Size: parseFloat(lvl.Sz)})
	}
	h.cache.UpdateOrderBook(VenueHyperliquid, book)
	return book, nil
}

func (h *HyperliquidAdapter) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	var ctxs []json.RawMessage
	if err := h.info(ctx, map[string]any{"type": "metaAndAssetCtxs"}, &ctxs); err != nil {
		return 0, err
	}
	if len(ctxs) < 2 {
		return 0, fmt.Errorf("hyperliquid: malformed metaAndAssetCtxs")
	}
	var meta struct {
		Universe []struct {
			Name string `json:"name"`
		} `json:"universe"`
	}
	if err := json.Unmarshal(ctxs[0], &meta); err != nil {
		return 0, err
	}
	var assetCtxs []struct {
		Funding string `json:"funding"`
	}
	if err := json.Unmarshal(ctxs[1], &assetCtxs); err != nil {
		return 0, err
	}
	for i, u := range meta.Universe {
		if u.Name == symbol && i < len(assetCtxs) {
			return parseFloat(assetCtxs[i].Funding), nil
		}
	}
	return 0, fmt.Errorf("hyperliquid: no funding for %s: %w", symbol, ErrSymbolUnknown)
}

// ==================== TRADING ====================

type hlOrderSpec struct {
	Asset      int
	IsBuy      bool
	Price      float64
	Size       float64
	ReduceOnly bool
	// Trigger fields; TriggerPx == 0 means a plain IOC limit.
	TriggerPx float64
	TPSL      string // "sl" or "tp"
}

func (h *HyperliquidAdapter) assetFor(symbol string) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	idx, ok := h.assetIndex[symbol]
	if !ok {
		return 0, fmt.Errorf("hyperliquid: %s: %w", symbol, ErrSymbolUnknown)
	}
	return idx, nil
}

func (h *HyperliquidAdapter) sendOrders(ctx context.Context, specs []hlOrderSpec, grouping string) (*OrderResult, error) {
	h.mu.RLock()
	signer := h.signer
	connected := h.connected
	h.mu.RUnlock()
	if !connected || signer == nil {
		return nil, ErrNotConnected
	}

	orders := make([]map[string]any, 0, len(specs))
	for _, s := range specs {
		var orderType map[string]any
		if s.TriggerPx > 0 {
			orderType = map[string]any{"trigger": map[string]any{
				"isMarket":  true,
				"triggerPx": formatPx(s.TriggerPx),
				"tpsl":      s.TPSL,
			}}
		} else {
			orderType = map[string]any{"limit": map[string]any{"tif": "Ioc"}}
		}
		orders = append(orders, map[string]any{
			"a": s.Asset,
			"b": s.IsBuy,
			"p": formatPx(s.Price),
			"s": formatPx(s.Size),
			"r": s.ReduceOnly,
			"t": orderType,
		})
	}
	action := map[string]any{"type": "order", "orders": orders, "grouping": grouping}

	nonce := time.Now().UnixMilli()
	sig, err := signer.signAction(action, nonce)
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: sign order: %w", err)
	}
	payload := map[string]any{"action": action, "nonce": nonce, "signature": sig}

	var resp struct {
		Status   string `json:"status"`
		Response struct {
			Data struct {
				Statuses []json.RawMessage `json:"statuses"`
			} `json:"data"`
		} `json:"response"`
	}
	if err := h.post(ctx, "/exchange", payload, &resp); err != nil {
		return nil, err
	}

	result := &OrderResult{Venue: VenueHyperliquid, PlacedAt: time.Now()}
	if resp.Status != "ok" {
		result.Error = resp.Status
		return result, nil
	}
	result.Success = true
	for _, raw := range resp.Response.Data.Statuses {
		var st struct {
			Filled *struct {
				Oid     int64  `json:"oid"`
				AvgPx   string `json:"avgPx"`
				TotalSz string `json:"totalSz"`
			} `json:"filled"`
			Resting *struct {
				Oid int64 `json:"oid"`
			} `json:"resting"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal(raw, &st); err != nil {
			continue
		}
		switch {
		case st.Error != "":
			result.Success = false
			result.Error = st.Error
		case st.Filled != nil:
			result.OrderID = strconv.FormatInt(st.Filled.Oid, 10)
			result.FilledPrice = parseFloat(st.Filled.AvgPx)
			result.FilledSize = parseFloat(st.Filled.TotalSz)
		case st.Resting != nil:
			result.OrderID = strconv.FormatInt(st.Resting.Oid, 10)
		}
	}
	return result, nil
}

func (h *HyperliquidAdapter) PlaceOrder(ctx context.Context, params OrderParams) (*OrderResult, error) {
	asset, err := h.assetFor(params.Symbol)
	if err != nil {
		return nil, err
	}
	price := params.LimitPrice
	if params.Type == OrderTypeMarket || price == 0 {
		mid, err := h.GetMarketPrice(ctx, params.Symbol)
		if err != nil {
			return nil, fmt.Errorf("hyperliquid: market order price: %w", err)
		}
		// IOC with an aggressive limit emulates a market order with a
		// bounded worst fill.
		if params.Direction == DirectionLong {
			price = mid * 1.005
		} else {
			price = mid * 0.995
		}
	}
	spec := hlOrderSpec{
		Asset:      asset,
		IsBuy:      params.Direction == DirectionLong,
		Price:      h.FormatPrice(params.Symbol, price),
		Size:       h.FormatQuantity(params.Symbol, params.Size),
		ReduceOnly: params.ReduceOnly,
	}
	res, err := h.sendOrders(ctx, []hlOrderSpec{spec}, "na")
	if res != nil {
		res.Symbol = params.Symbol
		res.Direction = params.Direction
	}
	return res, err
}

func (h *HyperliquidAdapter) OpenPosition(ctx context.Context, symbol string, dir Direction, size float64, leverage int) (*OrderResult, error) {
	if leverage > 0 {
		if err := h.SetLeverage(ctx, symbol, leverage); err != nil {
			return nil, fmt.Errorf("hyperliquid: set leverage before open: %w", err)
		}
	}
	return h.PlaceOrder(ctx, OrderParams{Symbol: symbol, Direction: dir, Size: size, Type: OrderTypeMarket})
}

func (h *HyperliquidAdapter) ClosePosition(ctx context.Context, symbol string, size float64) (*OrderResult, error) {
	pos, err := h.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if size <= 0 || size > pos.Size {
		size = pos.Size
	}
	return h.PlaceOrder(ctx, OrderParams{
		Symbol:     symbol,
		Direction:  pos.Direction.Opposite(),
		Size:       size,
		Type:       OrderTypeMarket,
		ReduceOnly: true,
	})
}

func (h *HyperliquidAdapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	asset, err := h.assetFor(symbol)
	if err != nil {
		return err
	}
	h.mu.RLock()
	signer := h.signer
	h.mu.RUnlock()
	if signer == nil {
		return ErrNotConnected
	}
	action := map[string]any{"type": "updateLeverage", "asset": asset, "isCross": true, "leverage": leverage}
	nonce := time.Now().UnixMilli()
	sig, err := signer.signAction(action, nonce)
	if err != nil {
		return err
	}
	payload := map[string]any{"action": action, "nonce": nonce, "signature": sig}
	var resp struct {
		Status string `json:"status"`
	}
	if err := h.post(ctx, "/exchange", payload, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("hyperliquid: updateLeverage rejected: %s", resp.Status)
	}
	return nil
}

// ==================== STOPS ====================

func (h *HyperliquidAdapter) triggerOrder(ctx context.Context, symbol string, dir Direction, size, triggerPx float64, tpsl string) (*OrderResult, error) {
	asset, err := h.assetFor(symbol)
	if err != nil {
		return nil, err
	}
	// Stop orders close the position, so the side is opposite the position.
	isBuy := dir == DirectionShort
	limitPx := triggerPx * 0.99
	if isBuy {
		limitPx = triggerPx * 1.01
	}
	spec := hlOrderSpec{
		Asset:      asset,
		IsBuy:      isBuy,
		Price:      h.FormatPrice(symbol, limitPx),
		Size:       h.FormatQuantity(symbol, size),
		ReduceOnly: true,
		TriggerPx:  h.FormatPrice(symbol, triggerPx),
		TPSL:       tpsl,
	}
	res, err := h.sendOrders(ctx, []hlOrderSpec{spec}, "positionTpsl")
	if res != nil {
		res.Symbol = symbol
		res.Direction = dir
	}
	return res, err
}

func (h *HyperliquidAdapter) SetStopLoss(ctx context.Context, symbol string, dir Direction, size, stopPrice float64) (*OrderResult, error) {
	return h.triggerOrder(ctx, symbol, dir, size, stopPrice, "sl")
}

func (h *HyperliquidAdapter) SetTakeProfit(ctx context.Context, symbol string, dir Direction, size, tpPrice float64) (*OrderResult, error) {
	return h.triggerOrder(ctx, symbol, dir, size, tpPrice, "tp")
}

func (h *HyperliquidAdapter) SetStopLossTakeProfit(ctx context.Context, symbol string, dir Direction, size, stopPrice, tpPrice float64) (*OrderResult, error) {
	asset, err := h.assetFor(symbol)
	if err != nil {
		return nil, err
	}
	isBuy := dir == DirectionShort
	mk := func(triggerPx float64, tpsl string) hlOrderSpec {
		limitPx := triggerPx * 0.99
		if isBuy {
			limitPx = triggerPx * 1.01
		}
		return hlOrderSpec{
			Asset:      asset,
			IsBuy:      isBuy,
			Price:      h.FormatPrice(symbol, limitPx),
			Size:       h.FormatQuantity(symbol, size),
			ReduceOnly: true,
			TriggerPx:  h.FormatPrice(symbol, triggerPx),
			TPSL:       tpsl,
		}
	}
	res, err := h.sendOrders(ctx, []hlOrderSpec{mk(stopPrice, "sl"), mk(tpPrice, "tp")}, "positionTpsl")
	if res != nil {
		res.Symbol = symbol
		res.Direction = dir
	}
	return res, err
}

func (h *HyperliquidAdapter) CancelStopOrders(ctx context.Context, symbol string) error {
	// Hyperliquid cancels by oid; without a local oid ledger the safe form
	// is cancel-all for the asset, which only ever touches our own orders.
	return h.CancelAllOrders(ctx, symbol)
}

// ==================== ORDER MGMT ====================

func (h *HyperliquidAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	asset, err := h.assetFor(symbol)
	if err != nil {
		return err
	}
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("hyperliquid: bad order id %q: %w", orderID, err)
	}
	h.mu.RLock()
	signer := h.signer
	h.mu.RUnlock()
	if signer == nil {
		return ErrNotConnected
	}
	action := map[string]any{"type": "cancel", "cancels": []map[string]any{{"a": asset, "o": oid}}}
	nonce := time.Now().UnixMilli()
	sig, err := signer.signAction(action, nonce)
	if err != nil {
		return err
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := h.post(ctx, "/exchange", map[string]any{"action": action, "nonce": nonce, "signature": sig}, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("hyperliquid: cancel rejected: %s", resp.Status)
	}
	return nil
}

func (h *HyperliquidAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	h.mu.RLock()
	wallet := h.wallet
	h.mu.RUnlock()
	var open []struct {
		Coin string `json:"coin"`
		Oid  int64  `json:"oid"`
	}
	if err := h.info(ctx, map[string]any{"type": "openOrders", "user": wallet}, &open); err != nil {
		return err
	}
	for _, o := range open {
		if symbol != "" && o.Coin != symbol {
			continue
		}
		if err := h.CancelOrder(ctx, o.Coin, strconv.FormatInt(o.Oid, 10)); err != nil {
			return err
		}
	}
	return nil
}

func (h *HyperliquidAdapter) GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderStatus, error) {
	h.mu.RLock()
	wallet := h.wallet
	h.mu.RUnlock()
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return OrderStatusUnknown, fmt.Errorf("hyperliquid: bad order id %q: %w", orderID, err)
	}
	var resp struct {
		Status string `json:"status"`
		Order  struct {
			Status string `json:"status"`
		} `json:"order"`
	}
	if err := h.info(ctx, map[string]any{"type": "orderStatus", "user": wallet, "oid": oid}, &resp); err != nil {
		return OrderStatusUnknown, err
	}
	switch resp.Order.Status {
	case "open":
		return OrderStatusNew, nil
	case "filled":
		return OrderStatusFilled, nil
	case "canceled", "marginCanceled":
		return OrderStatusCancelled, nil
	case "rejected":
		return OrderStatusRejected, nil
	default:
		return OrderStatusUnknown, nil
	}
}

// ==================== FORMATTING ====================

func (h *HyperliquidAdapter) FormatSymbol(asset string) string {
	return strings.ToUpper(asset)
}

func (h *HyperliquidAdapter) FormatQuantity(symbol string, qty float64) float64 {
	h.mu.RLock()
	inst, ok := h.instruments[symbol]
	h.mu.RUnlock()
	if !ok {
		return RoundToDecimals(qty, 4)
	}
	return RoundToDecimals(qty, inst.SizeDecimals)
}

func (h *HyperliquidAdapter) FormatPrice(symbol string, price float64) float64 {
	return RoundToSigFigs(price, hlPriceSigFigs)
}

var _ Adapter = (*HyperliquidAdapter)(nil)

// ==================== SIGNING ====================

// hlSigner signs exchange actions with the wallet's secp256k1 key: the
// action JSON and nonce are keccak-hashed into a digest that is signed
// EIP-191 style. The private key never leaves this struct.
type hlSigner struct {
	key     []byte
	address string
}

func newHLSigner(hexKey string) (*hlSigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("empty private key")
	}
	priv, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &hlSigner{
		key:     crypto.FromECDSA(priv),
		address: crypto.PubkeyToAddress(priv.PublicKey).Hex(),
	}, nil
}

func (s *hlSigner) signAction(action any, nonce int64) (map[string]any, error) {
	actionJSON, err := json.Marshal(action)
	if err != nil {
		return nil, err
	}
	nonceBytes := make([]byte, 8)
	for i := 0; i < 8; i++ {
		nonceBytes[7-i] = byte(nonce >> (8 * i))
	}
	digest := crypto.Keccak256(actionJSON, nonceBytes)
	msg := crypto.Keccak256([]byte("\x19Ethereum Signed Message:\n32"), digest)

	priv, err := crypto.ToECDSA(s.key)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(msg, priv)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"r": hexutil.Encode(sig[:32]),
		"s": hexutil.Encode(sig[32:64]),
		"v": int(sig[64]) + 27,
	}, nil
}

// ==================== HELPERS ====================

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

func formatPx(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func intervalDuration(interval string) time.Duration {
	switch interval {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
