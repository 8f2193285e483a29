package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fzheng/hivemind-sub000/internal/consensus"
	"github.com/fzheng/hivemind-sub000/internal/cost"
	"github.com/fzheng/hivemind-sub000/internal/database"
	"github.com/fzheng/hivemind-sub000/internal/decision"
	"github.com/fzheng/hivemind-sub000/internal/exchange"
	"github.com/fzheng/hivemind-sub000/internal/regime"
	"github.com/fzheng/hivemind-sub000/internal/risk"
	"github.com/fzheng/hivemind-sub000/internal/sizing"
	"github.com/fzheng/hivemind-sub000/internal/stops"
)

type memExecStore struct {
	mu   sync.Mutex
	rows []*database.ExecutionLog
}

func (s *memExecStore) CreateExecutionLog(ctx context.Context, e *database.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, e)
	return nil
}

func (s *memExecStore) last() *database.ExecutionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rows) == 0 {
		return nil
	}
	return s.rows[len(s.rows)-1]
}

type memRiskState struct {
	mu    sync.Mutex
	kv    map[string]string
	daily map[string]*database.RiskDailyPnL
}

func newMemRiskState() *memRiskState {
	return &memRiskState{kv: make(map[string]string), daily: make(map[string]*database.RiskDailyPnL)}
}

func (s *memRiskState) GetGovernorState(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv[key], nil
}

func (s *memRiskState) SetGovernorState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
	return nil
}

func (s *memRiskState) GetDailyPnL(ctx context.Context, date time.Time) (*database.RiskDailyPnL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daily[date.Format("2006-01-02")], nil
}

func (s *memRiskState) UpsertDailyPnL(ctx context.Context, p *database.RiskDailyPnL) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daily[p.Date.Format("2006-01-02")] = p
	return nil
}

type memDecisionRepo struct {
	mu   sync.Mutex
	rows []*database.DecisionLog
}

func (r *memDecisionRepo) CreateDecisionLog(ctx context.Context, d *database.DecisionLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.ID = int64(len(r.rows) + 1)
	r.rows = append(r.rows, d)
	return nil
}

func (r *memDecisionRepo) UpdateDecisionOutcome(ctx context.Context, decisionID int64, pnl, rMultiple float64, closedAt time.Time) error {
	return nil
}

func (r *memDecisionRepo) ListDecisionLogs(ctx context.Context, f database.DecisionFilter, limit, offset int) ([]*database.DecisionLog, error) {
	return nil, nil
}

func (r *memDecisionRepo) GetDecisionStats(ctx context.Context, days int) (*database.DecisionStats, error) {
	return nil, nil
}

type execHarness struct {
	exec     *Executor
	mock     *exchange.MockAdapter
	governor *risk.Governor
	store    *memExecStore
	repo     *memDecisionRepo
}

func newExecHarness(t *testing.T, mutate func(*Config), riskMutate func(*risk.Config)) *execHarness {
	t.Helper()
	nop := zerolog.Nop()

	mock := exchange.NewMockAdapter(exchange.VenueHyperliquid)
	mock.Prices["BTC"] = 50_000
	ex := exchange.NewManager(nil, false, nop)
	ex.Register(mock, 0)

	riskCfg := risk.DefaultConfig()
	if riskMutate != nil {
		riskMutate(&riskCfg)
	}
	gov := risk.NewGovernor(context.Background(), riskCfg, newMemRiskState(), nop)

	costs := consensus.CostModel{
		Fees:     cost.NewFeeProvider(map[exchange.Venue]exchange.Adapter{exchange.VenueHyperliquid: mock}, nop),
		Slippage: cost.NewSlippageProvider(map[exchange.Venue]cost.BookSource{exchange.VenueHyperliquid: mock}, nop),
		Funding:  cost.NewFundingProvider(map[exchange.Venue]cost.FundingSource{exchange.VenueHyperliquid: mock}, nop),
		Hold:     cost.NewHoldTimeEstimator(nil, 8, nop),
	}
	regimes := regime.NewDetector(map[exchange.Venue]regime.CandleSource{exchange.VenueHyperliquid: mock}, nop)

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	h := &execHarness{
		mock:     mock,
		governor: gov,
		store:    &memExecStore{},
		repo:     &memDecisionRepo{},
	}
	stopMgr := stops.NewManager(stops.DefaultConfig(), ex, nil, nil, nop)
	h.exec = New(cfg, ex, gov, sizing.NewSizer(sizing.DefaultConfig(), nil, nop), costs, regimes,
		decision.NewLogger(h.repo, nop), h.store, stopMgr, nop)
	h.exec.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return h
}

func testSignal() *consensus.Signal {
	return &consensus.Signal{
		DecisionID:       42,
		Symbol:           "BTC",
		Direction:        exchange.DirectionLong,
		NTraders:         3,
		NAgreeing:        3,
		EffectiveK:       3,
		PWin:             0.66,
		EntryPrice:       50_000,
		TargetVenue:      exchange.VenueHyperliquid,
		StopDistancePct:  0.005,
		GrossEV:          0.98,
		NetEV:            0.76,
		TriggerAddresses: []string{"0xaaa", "0xbbb", "0xccc"},
	}
}

func TestDryRunWritesSimulatedFill(t *testing.T) {
	h := newExecHarness(t, nil, nil)

	require.NoError(t, h.exec.MaybeExecuteSignal(context.Background(), testSignal()))

	row := h.store.last()
	require.NotNil(t, row)
	assert.Equal(t, StatusSimulated, row.Status)
	assert.Equal(t, int64(42), row.DecisionID)
	// No qualifying history: consensus fallback sizes 1% of equity.
	assert.InDelta(t, 0.01, row.PositionPct, 1e-9)
	assert.InDelta(t, 0.02, row.Size, 1e-9)
	assert.InDelta(t, 100_000, row.AccountValue, 1e-6)
	assert.InDelta(t, 1_000, row.ExposureAfter, 1e-6)
	require.NotNil(t, row.FillPrice)
	assert.InDelta(t, 50_000, *row.FillPrice, 1e-6)

	// Dry-run places nothing on the venue.
	assert.Empty(t, h.mock.PlacedOrders)
}

func TestExecutionDisabled(t *testing.T) {
	h := newExecHarness(t, func(c *Config) { c.Enabled = false }, nil)
	assert.Error(t, h.exec.MaybeExecuteSignal(context.Background(), testSignal()))
	assert.Nil(t, h.store.last())
}

func TestKillSwitchShortCircuits(t *testing.T) {
	h := newExecHarness(t, nil, nil)
	h.governor.ObserveEquity(context.Background(), 100_000)
	h.governor.ObserveEquity(context.Background(), 90_000)
	require.True(t, h.governor.KillSwitchActive(context.Background()))

	err := h.exec.MaybeExecuteSignal(context.Background(), testSignal())
	assert.Error(t, err)

	row := h.store.last()
	require.NotNil(t, row)
	assert.Equal(t, StatusRejected, row.Status)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, "KILL SWITCH")
	assert.Empty(t, h.mock.PlacedOrders)
}

func TestAccountStateUnavailable(t *testing.T) {
	h := newExecHarness(t, nil, nil)
	h.mock.Fail["GetBalance"] = assert.AnError

	err := h.exec.MaybeExecuteSignal(context.Background(), testSignal())
	assert.Error(t, err)
	row := h.store.last()
	require.NotNil(t, row)
	assert.Equal(t, StatusRejected, row.Status)
	assert.Contains(t, *row.ErrorMessage, "account state unavailable")
}

func TestAccountStateRetrySucceeds(t *testing.T) {
	h := newExecHarness(t, nil, nil)
	h.mock.FailBalanceCount = 2

	require.NoError(t, h.exec.MaybeExecuteSignal(context.Background(), testSignal()))
	assert.Equal(t, StatusSimulated, h.store.last().Status)
}

func TestZeroEquityRejected(t *testing.T) {
	h := newExecHarness(t, nil, nil)
	h.mock.Balances.TotalEquity = 0

	err := h.exec.MaybeExecuteSignal(context.Background(), testSignal())
	assert.Error(t, err)
	assert.Contains(t, *h.store.last().ErrorMessage, "zero account value")
}

func TestReEVRejectsAtSizedNotional(t *testing.T) {
	h := newExecHarness(t, func(c *Config) { c.MinEVR = 1.0 }, nil)

	// Static costs at the sized notional leave 0.98 - 0.20 = 0.78R, below
	// the raised floor.
	err := h.exec.MaybeExecuteSignal(context.Background(), testSignal())
	assert.Error(t, err)
	row := h.store.last()
	assert.Equal(t, StatusRejected, row.Status)
	assert.Contains(t, *row.ErrorMessage, "re-EV")
}

func TestGovernorRejectsSizedOrder(t *testing.T) {
	// Position cap below the sizer's 1% fallback: the full check fails
	// where the zero-size pre-check passed.
	h := newExecHarness(t, nil, func(c *risk.Config) { c.MaxPositionSizePct = 0.005 })

	err := h.exec.MaybeExecuteSignal(context.Background(), testSignal())
	assert.Error(t, err)

	row := h.store.last()
	assert.Equal(t, StatusRejected, row.Status)
	assert.Contains(t, *row.ErrorMessage, "exceeds")

	// The rejection is also recorded as a risk_reject decision.
	require.NotEmpty(t, h.repo.rows)
	assert.Equal(t, decision.TypeRiskReject, h.repo.rows[len(h.repo.rows)-1].DecisionType)
}

func TestLiveExecution(t *testing.T) {
	h := newExecHarness(t, func(c *Config) { c.RealExecutionEnabled = true }, nil)

	require.NoError(t, h.exec.MaybeExecuteSignal(context.Background(), testSignal()))

	require.Len(t, h.mock.PlacedOrders, 1)
	order := h.mock.PlacedOrders[0]
	assert.Equal(t, "BTC", order.Symbol)
	assert.Equal(t, exchange.DirectionLong, order.Direction)
	assert.InDelta(t, 0.02, order.Size, 1e-9)

	row := h.store.last()
	assert.Equal(t, StatusFilled, row.Status)
	require.NotNil(t, row.FillPrice)
	assert.InDelta(t, 50_000, *row.FillPrice, 1e-6)

	// Stop protection registered against the live fill.
	assert.NotEmpty(t, h.mock.StopOrders)
}

func TestLiveOrderFailure(t *testing.T) {
	h := newExecHarness(t, func(c *Config) { c.RealExecutionEnabled = true }, nil)
	h.mock.Fail["PlaceOrder"] = assert.AnError

	err := h.exec.MaybeExecuteSignal(context.Background(), testSignal())
	assert.Error(t, err)
	row := h.store.last()
	assert.Equal(t, StatusFailed, row.Status)
	assert.Empty(t, h.mock.StopOrders)
}

func TestDefaultVenueWhenSignalHasNone(t *testing.T) {
	h := newExecHarness(t, nil, nil)
	sig := testSignal()
	sig.TargetVenue = ""

	require.NoError(t, h.exec.MaybeExecuteSignal(context.Background(), sig))
	assert.Equal(t, string(exchange.VenueHyperliquid), h.store.last().Exchange)
}
