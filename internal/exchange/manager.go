package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ConnectionRecorder persists venue connection and balance observations.
// Implemented by the database layer; nil disables persistence.
type ConnectionRecorder interface {
	RecordConnection(ctx context.Context, venue Venue, testnet, connected bool, lastError string) error
	RecordBalance(ctx context.Context, venue Venue, b NormalizedBalance) error
}

// VenueHealth is one venue's row in a health report.
type VenueHealth struct {
	Venue     Venue     `json:"venue"`
	Connected bool      `json:"connected"`
	Healthy   bool      `json:"healthy"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// HealthReport is the result of one health-check pass.
type HealthReport struct {
	Venues      map[Venue]VenueHealth `json:"venues"`
	Reconnected []Venue               `json:"reconnected"`
	CheckedAt   time.Time             `json:"checked_at"`
}

// AggregatedBalance is the USD-normalized sum across connected venues with
// the per-venue originals preserved.
type AggregatedBalance struct {
	TotalEquityUSD   float64                     `json:"total_equity_usd"`
	AvailableUSD     float64                     `json:"available_usd"`
	MarginUsedUSD    float64                     `json:"margin_used_usd"`
	UnrealizedPnLUSD float64                     `json:"unrealized_pnl_usd"`
	PerVenue         map[Venue]NormalizedBalance `json:"per_venue"`
	FetchedAt        time.Time                   `json:"fetched_at"`
}

// Manager is the registry of connected adapters. It aggregates state across
// venues, routes orders, and health-checks with per-venue rate-limited
// probes. Each adapter call path runs through a per-venue circuit breaker so
// a dead venue fails fast instead of eating timeouts.
type Manager struct {
	mu         sync.RWMutex
	adapters   map[Venue]Adapter
	breakers   map[Venue]*gobreaker.CircuitBreaker
	rateDelays map[Venue]time.Duration
	lastErrors map[Venue]string

	normalizer *Normalizer
	recorder   ConnectionRecorder
	testnet    bool
	log        zerolog.Logger
}

// NewManager creates an empty registry.
func NewManager(recorder ConnectionRecorder, testnet bool, logger zerolog.Logger) *Manager {
	return &Manager{
		adapters:   make(map[Venue]Adapter),
		breakers:   make(map[Venue]*gobreaker.CircuitBreaker),
		rateDelays: make(map[Venue]time.Duration),
		lastErrors: make(map[Venue]string),
		normalizer: NewNormalizer(),
		recorder:   recorder,
		testnet:    testnet,
		log:        logger.With().Str("component", "exchange_manager").Logger(),
	}
}

// Register adds an adapter to the registry with its health-probe delay.
func (m *Manager) Register(a Adapter, rateDelay time.Duration) {
	if rateDelay <= 0 {
		rateDelay = RateDelayFor(a.Venue())
	}
	venue := a.Venue()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[venue] = a
	m.rateDelays[venue] = rateDelay
	m.breakers[venue] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(venue),
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.log.Warn().Str("venue", name).Str("from", from.String()).Str("to", to.String()).Msg("breaker state change")
		},
	})
}

// Get returns the adapter for a venue.
func (m *Manager) Get(venue Venue) (Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[venue]
	if !ok {
		return nil, fmt.Errorf("venue %s not registered", venue)
	}
	return a, nil
}

// Venues returns the registered venues in stable order.
func (m *Manager) Venues() []Venue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	venues := make([]Venue, 0, len(m.adapters))
	for v := range m.adapters {
		venues = append(venues, v)
	}
	sort.Slice(venues, func(i, j int) bool { return venues[i] < venues[j] })
	return venues
}

// call runs fn through the venue's circuit breaker.
func (m *Manager) call(venue Venue, fn func() (any, error)) (any, error) {
	m.mu.RLock()
	br := m.breakers[venue]
	m.mu.RUnlock()
	if br == nil {
		return fn()
	}
	return br.Execute(fn)
}

// ConnectAll connects every registered adapter, recording outcomes. A venue
// that fails to connect is logged and left for the health checker to retry.
func (m *Manager) ConnectAll(ctx context.Context) error {
	var firstErr error
	for _, venue := range m.Venues() {
		a, _ := m.Get(venue)
		err := a.Connect(ctx)
		m.recordConnection(ctx, venue, err)
		if err != nil {
			m.log.Error().Err(err).Str("venue", string(venue)).Msg("connect failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
	}
	return firstErr
}

// DisconnectAll disconnects every adapter.
func (m *Manager) DisconnectAll(ctx context.Context) {
	for _, venue := range m.Venues() {
		a, _ := m.Get(venue)
		if err := a.Disconnect(ctx); err != nil {
			m.log.Warn().Err(err).Str("venue", string(venue)).Msg("disconnect failed")
		}
	}
}

// GetBalance fetches one venue's balance through the breaker.
func (m *Manager) GetBalance(ctx context.Context, venue Venue) (*Balance, error) {
	a, err := m.Get(venue)
	if err != nil {
		return nil, err
	}
	res, err := m.call(venue, func() (any, error) { return a.GetBalance(ctx) })
	if err != nil {
		m.noteError(venue, err)
		return nil, err
	}
	return res.(*Balance), nil
}

// GetAccountState fetches a venue's balance and positions as one snapshot.
func (m *Manager) GetAccountState(ctx context.Context, venue Venue) (*AccountState, error) {
	a, err := m.Get(venue)
	if err != nil {
		return nil, err
	}
	res, err := m.call(venue, func() (any, error) {
		balance, err := a.GetBalance(ctx)
		if err != nil {
			return nil, err
		}
		positions, err := a.GetPositions(ctx)
		if err != nil {
			return nil, err
		}
		return &AccountState{
			Venue:     venue,
			Balance:   *balance,
			Positions: positions,
			FetchedAt: time.Now(),
		}, nil
	})
	if err != nil {
		m.noteError(venue, err)
		return nil, err
	}
	return res.(*AccountState), nil
}

// AggregatedBalance reads every connected venue's balance, normalizes to
// USD, and sums. Venues that fail are skipped with a log line; a fully
// failed pass returns an error.
func (m *Manager) AggregatedBalance(ctx context.Context) (*AggregatedBalance, error) {
	agg := &AggregatedBalance{
		PerVenue:  make(map[Venue]NormalizedBalance),
		FetchedAt: time.Now(),
	}
	var okCount int
	for _, venue := range m.Venues() {
		a, _ := m.Get(venue)
		if !a.IsConnected() {
			continue
		}
		balance, err := m.GetBalance(ctx, venue)
		if err != nil {
			m.log.Warn().Err(err).Str("venue", string(venue)).Msg("balance fetch failed during aggregation")
			continue
		}
		normalized := m.normalizer.NormalizeBalance(*balance)
		if normalized.UnknownCurrency {
			m.log.Warn().Str("venue", string(venue)).Str("currency", balance.Currency).Msg("unknown settlement currency, assuming parity")
		}
		agg.PerVenue[venue] = normalized
		agg.TotalEquityUSD += normalized.TotalEquityUSD
		agg.AvailableUSD += normalized.AvailableUSD
		agg.MarginUsedUSD += normalized.MarginUsedUSD
		agg.UnrealizedPnLUSD += normalized.UnrealizedPnLUSD
		okCount++

		if m.recorder != nil {
			if err := m.recorder.RecordBalance(ctx, venue, normalized); err != nil {
				m.log.Warn().Err(err).Str("venue", string(venue)).Msg("balance snapshot persist failed")
			}
		}
	}
	if okCount == 0 {
		return nil, fmt.Errorf("no venue balance available: %w", ErrUnavailable)
	}
	return agg, nil
}

// PlaceOrder routes an order to the target venue through the breaker.
func (m *Manager) PlaceOrder(ctx context.Context, venue Venue, params OrderParams) (*OrderResult, error) {
	a, err := m.Get(venue)
	if err != nil {
		return nil, err
	}
	res, err := m.call(venue, func() (any, error) { return a.PlaceOrder(ctx, params) })
	if err != nil {
		m.noteError(venue, err)
		return nil, err
	}
	return res.(*OrderResult), nil
}

// OpenPosition routes a market open to the target venue.
func (m *Manager) OpenPosition(ctx context.Context, venue Venue, symbol string, dir Direction, size float64, leverage int) (*OrderResult, error) {
	a, err := m.Get(venue)
	if err != nil {
		return nil, err
	}
	res, err := m.call(venue, func() (any, error) { return a.OpenPosition(ctx, symbol, dir, size, leverage) })
	if err != nil {
		m.noteError(venue, err)
		return nil, err
	}
	return res.(*OrderResult), nil
}

// ClosePosition routes a market close to the target venue.
func (m *Manager) ClosePosition(ctx context.Context, venue Venue, symbol string, size float64) (*OrderResult, error) {
	a, err := m.Get(venue)
	if err != nil {
		return nil, err
	}
	res, err := m.call(venue, func() (any, error) { return a.ClosePosition(ctx, symbol, size) })
	if err != nil {
		m.noteError(venue, err)
		return nil, err
	}
	return res.(*OrderResult), nil
}

// GetMarketPrice fetches a mid from the target venue.
func (m *Manager) GetMarketPrice(ctx context.Context, venue Venue, symbol string) (float64, error) {
	a, err := m.Get(venue)
	if err != nil {
		return 0, err
	}
	res, err := m.call(venue, func() (any, error) { return a.GetMarketPrice(ctx, symbol) })
	if err != nil {
		m.noteError(venue, err)
		return 0, err
	}
	return res.(float64), nil
}

// HealthCheck probes every venue with a lightweight balance fetch, sleeping
// the per-venue rate delay between probes, and reconnects adapters whose
// probe fails. One pass; callers run it on a ticker.
func (m *Manager) HealthCheck(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Venues:    make(map[Venue]VenueHealth),
		CheckedAt: time.Now(),
	}
	venues := m.Venues()
	for i, venue := range venues {
		if i > 0 {
			m.mu.RLock()
			delay := m.rateDelays[venue]
			m.mu.RUnlock()
			select {
			case <-ctx.Done():
				return report
			case <-time.After(delay):
			}
		}
		report.Venues[venue] = m.probeVenue(ctx, venue, report)
	}
	return report
}

func (m *Manager) probeVenue(ctx context.Context, venue Venue, report *HealthReport) VenueHealth {
	a, err := m.Get(venue)
	if err != nil {
		return VenueHealth{Venue: venue, CheckedAt: time.Now(), LastError: err.Error()}
	}

	health := VenueHealth{Venue: venue, Connected: a.IsConnected(), CheckedAt: time.Now()}

	probeOK := false
	if health.Connected {
		if _, err := a.GetBalance(ctx); err != nil {
			health.LastError = err.Error()
			m.noteError(venue, err)
		} else {
			probeOK = true
		}
	}

	if !probeOK {
		m.log.Warn().Str("venue", string(venue)).Str("error", health.LastError).Msg("probe failed, reconnecting")
		_ = a.Disconnect(ctx)
		if err := a.Connect(ctx); err != nil {
			health.Connected = false
			health.Healthy = false
			health.LastError = err.Error()
			m.recordConnection(ctx, venue, err)
			return health
		}
		report.Reconnected = append(report.Reconnected, venue)
		health.Connected = true
		health.LastError = ""
	}

	health.Healthy = true
	m.recordConnection(ctx, venue, nil)
	return health
}

// RunHealthLoop runs HealthCheck on an interval until the context ends.
func (m *Manager) RunHealthLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := m.HealthCheck(ctx)
			for venue, h := range report.Venues {
				if !h.Healthy {
					m.log.Warn().Str("venue", string(venue)).Str("error", h.LastError).Msg("venue unhealthy")
				}
			}
		}
	}
}

func (m *Manager) noteError(venue Venue, err error) {
	m.mu.Lock()
	m.lastErrors[venue] = err.Error()
	m.mu.Unlock()
}

func (m *Manager) recordConnection(ctx context.Context, venue Venue, connErr error) {
	if m.recorder == nil {
		return
	}
	a, err := m.Get(venue)
	if err != nil {
		return
	}
	msg := ""
	if connErr != nil {
		msg = connErr.Error()
	}
	if err := m.recorder.RecordConnection(ctx, venue, m.testnet, a.IsConnected(), msg); err != nil {
		m.log.Warn().Err(err).Str("venue", string(venue)).Msg("connection snapshot persist failed")
	}
}

// Normalizer exposes the manager's normalizer for callers that need
// position-level conversion.
func (m *Manager) Normalizer() *Normalizer {
	return m.normalizer
}
