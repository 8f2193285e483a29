package stops

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fzheng/hivemind-sub000/internal/database"
	"github.com/fzheng/hivemind-sub000/internal/exchange"
	"github.com/fzheng/hivemind-sub000/internal/metrics"
)

// Trigger reasons written to active_stops rows.
const (
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"
	ReasonTimeout    = "timeout"
	ReasonNativeStop = "native_stop"
)

// Config holds stop manager configuration.
type Config struct {
	PollInterval    time.Duration `json:"poll_interval"`
	DefaultRR       float64       `json:"default_rr"`
	MaxHold         time.Duration `json:"max_hold"`
	TrailingEnabled bool          `json:"trailing_enabled"`
	UseNativeStops  bool          `json:"use_native_stops"`
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		PollInterval:   5 * time.Second,
		DefaultRR:      2.0,
		MaxHold:        168 * time.Hour,
		UseNativeStops: true,
	}
}

// StopRequest registers protection for a newly opened position. Symbol is
// the bare asset code; venue formatting happens at call time.
type StopRequest struct {
	DecisionID       int64
	Venue            exchange.Venue
	Symbol           string
	Direction        exchange.Direction
	EntryPrice       float64
	EntrySize        float64 // coins
	StopDistancePct  float64 // fraction
	TrailDistancePct float64
}

// Store is the persistence surface for stop rows.
type Store interface {
	CreateActiveStop(ctx context.Context, s *database.ActiveStop) error
	ListActiveStops(ctx context.Context) ([]*database.ActiveStop, error)
	UpdateStopPrice(ctx context.Context, stopID int64, stopPrice float64) error
	MarkStopTriggered(ctx context.Context, stopID int64, price float64, reason string) error
	MarkStopCancelled(ctx context.Context, stopID int64, reason string) error
	SetNativeStopPlaced(ctx context.Context, stopID int64, placed bool) error
}

// OutcomeSink receives realized results when a tracked position closes.
type OutcomeSink interface {
	PositionClosed(ctx context.Context, decisionID int64, pnl, rMultiple float64)
}

// Manager owns stop protection for every open position: native brackets
// where the venue holds them, local polling everywhere else.
type Manager struct {
	cfg      Config
	exchange *exchange.Manager
	store    Store
	sink     OutcomeSink
	log      zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	stops map[int64]*database.ActiveStop
}

// NewManager creates a stop manager. sink may be nil.
func NewManager(cfg Config, ex *exchange.Manager, store Store, sink OutcomeSink, logger zerolog.Logger) *Manager {
	if cfg.PollInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		cfg:      cfg,
		exchange: ex,
		store:    store,
		sink:     sink,
		log:      logger.With().Str("component", "stop_manager").Logger(),
		now:      time.Now,
		stops:    make(map[int64]*database.ActiveStop),
	}
}

// Load restores active stops from the store, typically at startup.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	rows, err := m.store.ListActiveStops(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active stops: %w", err)
	}
	m.mu.Lock()
	for _, row := range rows {
		m.stops[row.ID] = row
	}
	n := len(m.stops)
	m.mu.Unlock()
	m.log.Info().Int("count", n).Msg("active stops restored")
	return nil
}

// Register computes the stop and take-profit for a new position, attempts
// native placement where supported, and persists the row.
func (m *Manager) Register(ctx context.Context, req StopRequest) (*database.ActiveStop, error) {
	if req.EntryPrice <= 0 || req.EntrySize <= 0 || req.StopDistancePct <= 0 {
		return nil, fmt.Errorf("invalid stop request for %s", req.Symbol)
	}

	d := req.StopDistancePct
	var stopPrice, tpPrice float64
	if req.Direction == exchange.DirectionLong {
		stopPrice = req.EntryPrice * (1 - d)
		tpPrice = req.EntryPrice * (1 + d*m.cfg.DefaultRR)
	} else {
		stopPrice = req.EntryPrice * (1 + d)
		tpPrice = req.EntryPrice * (1 - d*m.cfg.DefaultRR)
	}

	trailing := m.cfg.TrailingEnabled && req.TrailDistancePct > 0

	row := &database.ActiveStop{
		DecisionID:       req.DecisionID,
		Symbol:           req.Symbol,
		Direction:        string(req.Direction),
		EntryPrice:       req.EntryPrice,
		EntrySize:        req.EntrySize,
		StopPrice:        stopPrice,
		StopDistancePct:  d,
		TakeProfitPrice:  tpPrice,
		TrailingEnabled:  trailing,
		TrailDistancePct: req.TrailDistancePct,
		TimeoutAt:        m.now().Add(m.cfg.MaxHold),
		Exchange:         string(req.Venue),
		Status:           database.StopStatusActive,
	}

	if m.cfg.UseNativeStops && !trailing {
		if adapter, err := m.exchange.Get(req.Venue); err == nil && adapter.SupportsNativeStops() {
			symbol := adapter.FormatSymbol(req.Symbol)
			_, err := adapter.SetStopLossTakeProfit(ctx, symbol, req.Direction, req.EntrySize, stopPrice, tpPrice)
			if err != nil {
				m.log.Warn().Err(err).Str("symbol", req.Symbol).Msg("native bracket placement failed, falling back to polling")
			} else {
				row.NativeStopPlaced = true
			}
		}
	}

	if m.store != nil {
		if err := m.store.CreateActiveStop(ctx, row); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	m.stops[row.ID] = row
	m.mu.Unlock()

	m.log.Info().
		Str("symbol", req.Symbol).
		Str("venue", string(req.Venue)).
		Float64("stop", stopPrice).
		Float64("take_profit", tpPrice).
		Bool("native", row.NativeStopPlaced).
		Msg("stop registered")
	return row, nil
}

// Cancel marks a stop cancelled without any market order, removing native
// brackets first if present.
func (m *Manager) Cancel(ctx context.Context, stopID int64, reason string) error {
	m.mu.Lock()
	row, ok := m.stops[stopID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("stop %d not tracked", stopID)
	}

	if row.NativeStopPlaced {
		if adapter, err := m.exchange.Get(exchange.Venue(row.Exchange)); err == nil {
			if err := adapter.CancelStopOrders(ctx, adapter.FormatSymbol(row.Symbol)); err != nil {
				m.log.Warn().Err(err).Str("symbol", row.Symbol).Msg("native stop cancel failed")
			}
		}
	}
	if m.store != nil {
		if err := m.store.MarkStopCancelled(ctx, stopID, reason); err != nil {
			return err
		}
	}
	m.mu.Lock()
	delete(m.stops, stopID)
	m.mu.Unlock()
	return nil
}

// Run polls until the context ends. Tick failures are logged, never fatal.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick checks every active stop once.
func (m *Manager) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("stop tick panicked")
		}
	}()

	m.mu.Lock()
	snapshot := make([]*database.ActiveStop, 0, len(m.stops))
	for _, s := range m.stops {
		snapshot = append(snapshot, s)
	}
	m.mu.Unlock()

	for _, row := range snapshot {
		if err := m.checkStop(ctx, row); err != nil {
			m.log.Warn().Err(err).Int64("stop_id", row.ID).Str("symbol", row.Symbol).Msg("stop check failed")
		}
	}
}

func (m *Manager) checkStop(ctx context.Context, row *database.ActiveStop) error {
	now := m.now()
	venue := exchange.Venue(row.Exchange)
	dir := exchange.Direction(row.Direction)

	// Timeout applies to every stop, native or polled.
	if now.After(row.TimeoutAt) {
		if row.NativeStopPlaced {
			if adapter, err := m.exchange.Get(venue); err == nil {
				if err := adapter.CancelStopOrders(ctx, adapter.FormatSymbol(row.Symbol)); err != nil {
					m.log.Warn().Err(err).Str("symbol", row.Symbol).Msg("native stop cancel before timeout close failed")
				}
			}
		}
		return m.trigger(ctx, row, 0, ReasonTimeout)
	}

	if row.NativeStopPlaced && !row.TrailingEnabled {
		// The venue holds the bracket; just detect exchange-side closure.
		closed, err := m.positionGone(ctx, venue, row.Symbol)
		if err != nil {
			return err
		}
		if closed {
			mid, _ := m.midPrice(ctx, venue, row.Symbol)
			return m.finalize(ctx, row, mid, ReasonNativeStop)
		}
		return nil
	}

	mid, err := m.midPrice(ctx, venue, row.Symbol)
	if err != nil {
		return err
	}

	if dir == exchange.DirectionLong {
		if mid <= row.StopPrice {
			return m.trigger(ctx, row, mid, ReasonStopLoss)
		}
		if mid >= row.TakeProfitPrice {
			return m.trigger(ctx, row, mid, ReasonTakeProfit)
		}
	} else {
		if mid >= row.StopPrice {
			return m.trigger(ctx, row, mid, ReasonStopLoss)
		}
		if mid <= row.TakeProfitPrice {
			return m.trigger(ctx, row, mid, ReasonTakeProfit)
		}
	}

	if row.TrailingEnabled {
		m.maybeTrail(ctx, row, dir, mid)
	}
	return nil
}

// maybeTrail moves the stop in the favorable direction only.
func (m *Manager) maybeTrail(ctx context.Context, row *database.ActiveStop, dir exchange.Direction, mid float64) {
	trail := row.TrailDistancePct
	if trail <= 0 {
		return
	}
	var newStop float64
	if dir == exchange.DirectionLong {
		newStop = mid * (1 - trail)
		if newStop <= row.StopPrice {
			return
		}
	} else {
		newStop = mid * (1 + trail)
		if newStop >= row.StopPrice {
			return
		}
	}

	old := row.StopPrice
	row.StopPrice = newStop
	if m.store != nil {
		if err := m.store.UpdateStopPrice(ctx, row.ID, newStop); err != nil {
			m.log.Warn().Err(err).Int64("stop_id", row.ID).Msg("trail persist failed")
		}
	}
	m.log.Debug().
		Str("symbol", row.Symbol).
		Float64("from", old).
		Float64("to", newStop).
		Msg("trailing stop moved")
}

// trigger market-closes the position then finalizes the row.
func (m *Manager) trigger(ctx context.Context, row *database.ActiveStop, price float64, reason string) error {
	venue := exchange.Venue(row.Exchange)
	adapter, err := m.exchange.Get(venue)
	if err != nil {
		return err
	}
	symbol := adapter.FormatSymbol(row.Symbol)

	result, err := m.exchange.ClosePosition(ctx, venue, symbol, row.EntrySize)
	if err != nil {
		return fmt.Errorf("market close for %s failed: %w", row.Symbol, err)
	}
	if result != nil && result.Success && result.FilledPrice > 0 {
		price = result.FilledPrice
	}
	if price == 0 {
		price, _ = m.midPrice(ctx, venue, row.Symbol)
	}
	return m.finalize(ctx, row, price, reason)
}

// finalize records the trigger and reports the realized outcome.
func (m *Manager) finalize(ctx context.Context, row *database.ActiveStop, price float64, reason string) error {
	if m.store != nil {
		if err := m.store.MarkStopTriggered(ctx, row.ID, price, reason); err != nil {
			return err
		}
	}
	m.mu.Lock()
	delete(m.stops, row.ID)
	m.mu.Unlock()

	metrics.StopTriggers.WithLabelValues(reason).Inc()

	pnl, rMult := realized(row, price)
	m.log.Info().
		Str("symbol", row.Symbol).
		Str("reason", reason).
		Float64("price", price).
		Float64("pnl", pnl).
		Float64("r_multiple", rMult).
		Msg("stop triggered")

	if m.sink != nil {
		m.sink.PositionClosed(ctx, row.DecisionID, pnl, rMult)
	}
	return nil
}

// realized computes PnL and R-multiple from entry, exit and the original
// stop distance. Trailing moves StopPrice, so 1R is always taken from the
// distance captured at registration, never the current stop.
func realized(row *database.ActiveStop, exitPrice float64) (pnl, rMultiple float64) {
	if exitPrice <= 0 || row.EntryPrice <= 0 {
		return 0, 0
	}
	move := exitPrice - row.EntryPrice
	if exchange.Direction(row.Direction) == exchange.DirectionShort {
		move = -move
	}
	pnl = move * row.EntrySize

	stopDistance := row.EntryPrice * row.StopDistancePct
	if stopDistance <= 0 {
		// Rows persisted before the distance was stored.
		stopDistance = math.Abs(row.EntryPrice - row.StopPrice)
	}
	if stopDistance > 0 {
		rMultiple = move / stopDistance
	}
	return pnl, rMultiple
}

func (m *Manager) positionGone(ctx context.Context, venue exchange.Venue, asset string) (bool, error) {
	adapter, err := m.exchange.Get(venue)
	if err != nil {
		return false, err
	}
	pos, err := adapter.GetPosition(ctx, adapter.FormatSymbol(asset))
	if err != nil {
		if errors.Is(err, exchange.ErrNoPosition) {
			return true, nil
		}
		return false, err
	}
	return pos == nil || pos.Size == 0, nil
}

func (m *Manager) midPrice(ctx context.Context, venue exchange.Venue, asset string) (float64, error) {
	adapter, err := m.exchange.Get(venue)
	if err != nil {
		return 0, err
	}
	return m.exchange.GetMarketPrice(ctx, venue, adapter.FormatSymbol(asset))
}

// ActiveCount reports how many stops are being tracked.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stops)
}
