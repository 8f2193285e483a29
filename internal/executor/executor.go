package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fzheng/hivemind-sub000/internal/consensus"
	"github.com/fzheng/hivemind-sub000/internal/database"
	"github.com/fzheng/hivemind-sub000/internal/decision"
	"github.com/fzheng/hivemind-sub000/internal/exchange"
	"github.com/fzheng/hivemind-sub000/internal/metrics"
	"github.com/fzheng/hivemind-sub000/internal/regime"
	"github.com/fzheng/hivemind-sub000/internal/risk"
	"github.com/fzheng/hivemind-sub000/internal/sizing"
	"github.com/fzheng/hivemind-sub000/internal/stops"
)

// Execution statuses written to execution_logs.
const (
	StatusFilled    = "filled"
	StatusFailed    = "failed"
	StatusRejected  = "rejected"
	StatusSimulated = "simulated"
)

// Config holds executor configuration.
type Config struct {
	Enabled              bool           `json:"enabled"`
	RealExecutionEnabled bool           `json:"real_execution_enabled"`
	DefaultVenue         exchange.Venue `json:"default_venue"`
	DefaultLeverage      int            `json:"default_leverage"`
	MinEVR               float64        `json:"min_ev_r"`
	MaxRetries           int            `json:"max_retries"`
	RetryBackoff         time.Duration  `json:"retry_backoff"`
}

// DefaultConfig returns the standard settings: dry-run, conservative.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		DefaultVenue:    exchange.VenueHyperliquid,
		DefaultLeverage: 1,
		MinEVR:          0.20,
		MaxRetries:      3,
		RetryBackoff:    500 * time.Millisecond,
	}
}

// ExecutionStore persists execution attempts.
type ExecutionStore interface {
	CreateExecutionLog(ctx context.Context, e *database.ExecutionLog) error
}

// Executor turns a consensus signal into (at most) one order. Every step
// fails closed: any doubt means no trade, with the block recorded.
type Executor struct {
	cfg       Config
	exchange  *exchange.Manager
	governor  *risk.Governor
	sizer     *sizing.Sizer
	costs     consensus.CostModel
	regimes   *regime.Detector
	decisions *decision.Logger
	store     ExecutionStore
	stops     *stops.Manager
	log       zerolog.Logger
	sleep     func(context.Context, time.Duration) error
}

// New creates an executor.
func New(cfg Config, ex *exchange.Manager, gov *risk.Governor, sizer *sizing.Sizer, costs consensus.CostModel, regimes *regime.Detector, decisions *decision.Logger, store ExecutionStore, stopMgr *stops.Manager, logger zerolog.Logger) *Executor {
	if cfg.MaxRetries == 0 {
		cfg = DefaultConfig()
	}
	return &Executor{
		cfg:       cfg,
		exchange:  ex,
		governor:  gov,
		sizer:     sizer,
		costs:     costs,
		regimes:   regimes,
		decisions: decisions,
		store:     store,
		stops:     stopMgr,
		log:       logger.With().Str("component", "executor").Logger(),
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// HandleSignal is the consensus detector's hand-off point.
func (e *Executor) HandleSignal(ctx context.Context, sig *consensus.Signal) {
	metrics.SignalsEmitted.WithLabelValues(sig.Symbol, string(sig.Direction)).Inc()
	if err := e.MaybeExecuteSignal(ctx, sig); err != nil {
		e.log.Warn().Err(err).Str("symbol", sig.Symbol).Int64("decision_id", sig.DecisionID).Msg("signal not executed")
	}
}

// MaybeExecuteSignal runs the fail-closed execution sequence for one
// signal. A returned error always means no order was placed (or the order
// failed and was logged).
func (e *Executor) MaybeExecuteSignal(ctx context.Context, sig *consensus.Signal) error {
	// 1. Execution enabled at all?
	if !e.cfg.Enabled {
		return fmt.Errorf("execution disabled")
	}

	// 2. Resolve target venue.
	venue := sig.TargetVenue
	if venue == "" {
		venue = e.cfg.DefaultVenue
	}

	// 3. Kill-switch short-circuit before any venue traffic.
	if e.governor.KillSwitchActive(ctx) {
		metrics.SafetyBlocks.WithLabelValues(metrics.GuardKillSwitch).Inc()
		e.logAttempt(ctx, sig, venue, nil, sizing.Result{}, 0, 0, StatusRejected, "KILL SWITCH active")
		return fmt.Errorf("kill switch active")
	}

	// 4. One account snapshot, retried with backoff, reused for every
	// later step. No re-fetching: all sizing and risk math sees the same
	// state.
	state, err := e.fetchAccountState(ctx, venue)
	if err != nil {
		metrics.SafetyBlocks.WithLabelValues(metrics.GuardAccountState).Inc()
		e.governor.RecordAPIError()
		e.logAttempt(ctx, sig, venue, nil, sizing.Result{}, 0, 0, StatusRejected, fmt.Sprintf("account state unavailable: %v", err))
		return fmt.Errorf("account state unavailable: %w", err)
	}
	e.governor.RecordAPISuccess()

	// 5. Refresh the governor's position view from this snapshot.
	e.governor.UpdatePositionCounts(state)

	equity := state.Balance.TotalEquity
	exposure := state.TotalExposureUSD()
	if equity <= 0 {
		metrics.SafetyBlocks.WithLabelValues(metrics.GuardAccountState).Inc()
		e.logAttempt(ctx, sig, venue, state, sizing.Result{}, 0, 0, StatusRejected, "zero account value")
		return fmt.Errorf("zero account value")
	}
	e.governor.ObserveEquity(ctx, equity)

	// 6. Exposure pre-check with a zero-size probe; catches kill switch,
	// floors and breakers before any pricing work.
	pre := e.governor.Check(ctx, risk.CheckRequest{
		Symbol:             sig.Symbol,
		EquityUSD:          equity,
		MaintenanceMargin:  state.Balance.MaintenanceMargin,
		CurrentExposureUSD: exposure,
	})
	if !pre.Allowed {
		metrics.SafetyBlocks.WithLabelValues(metrics.GuardRiskGovernor).Inc()
		e.rejectRecord(ctx, sig, pre)
		e.logAttempt(ctx, sig, venue, state, sizing.Result{}, exposure, exposure, StatusRejected, pre.Reason)
		return fmt.Errorf("risk pre-check: %s", pre.Reason)
	}

	// 7. Current mid.
	adapter, err := e.exchange.Get(venue)
	if err != nil {
		e.logAttempt(ctx, sig, venue, state, sizing.Result{}, exposure, exposure, StatusRejected, err.Error())
		return err
	}
	symbol := adapter.FormatSymbol(sig.Symbol)
	mid, err := e.exchange.GetMarketPrice(ctx, venue, symbol)
	if err != nil || mid <= 0 {
		e.governor.RecordAPIError()
		e.logAttempt(ctx, sig, venue, state, sizing.Result{}, exposure, exposure, StatusRejected, "no price obtainable")
		return fmt.Errorf("no price obtainable for %s: %w", symbol, err)
	}

	// 8. Size the position.
	regimeDet := e.regimes.Detect(ctx, venue, sig.Symbol)
	mults := regimeDet.Multipliers()
	feePct := e.costs.Fees.RoundTripBps(ctx, venue, sig.Symbol, true) / 10_000
	size := e.sizer.SizeConsensus(ctx, sig.TriggerAddresses, equity, mid, sig.StopDistancePct, feePct, mults.Kelly)
	if size.USDSize <= 0 {
		e.logAttempt(ctx, sig, venue, state, size, exposure, exposure, StatusRejected, "sizer returned zero")
		return fmt.Errorf("sizer returned zero size")
	}

	// 9. Re-EV with the actual sized notional. The consensus pass priced a
	// nominal clip; a larger order may walk deeper through the book.
	reEV := e.costs.PriceVenue(ctx, venue, sig.Symbol, sig.Direction,
		size.USDSize, sig.PWin, 1, 1, sig.StopDistancePct, string(regimeDet.Regime))
	if sig.GrossEV != 0 {
		reEV.GrossEV = sig.GrossEV
		reEV.NetEV = reEV.GrossEV - reEV.CostR
	}
	if reEV.NetEV < e.cfg.MinEVR {
		e.logAttempt(ctx, sig, venue, state, size, exposure, exposure, StatusRejected,
			fmt.Sprintf("re-EV %.3fR below %.2fR at $%.0f notional", reEV.NetEV, e.cfg.MinEVR, size.USDSize))
		return fmt.Errorf("re-EV below threshold")
	}

	// 10-11. Full governor check with the proposed size.
	verdict := e.governor.Check(ctx, risk.CheckRequest{
		Symbol:             sig.Symbol,
		EquityUSD:          equity,
		MaintenanceMargin:  state.Balance.MaintenanceMargin,
		ProposedUSD:        size.USDSize,
		CurrentExposureUSD: exposure,
	})
	if !verdict.Allowed {
		guard := metrics.GuardRiskGovernor
		if isBreakerReason(verdict.Checks) {
			guard = metrics.GuardCircuitBreaker
		}
		metrics.SafetyBlocks.WithLabelValues(guard).Inc()
		e.rejectRecord(ctx, sig, verdict)
		e.logAttempt(ctx, sig, venue, state, size, exposure, exposure, StatusRejected, verdict.Reason)
		return fmt.Errorf("risk governor: %s", verdict.Reason)
	}

	// 12. Dry-run or live.
	exposureAfter := exposure + size.USDSize
	if !e.cfg.RealExecutionEnabled {
		e.log.Info().
			Str("symbol", sig.Symbol).
			Str("venue", string(venue)).
			Float64("usd", size.USDSize).
			Float64("mid", mid).
			Msg("dry-run: synthetic fill")
		e.logFill(ctx, sig, venue, state, size, exposure, exposureAfter, StatusSimulated, mid, size.CoinSize)
		return nil
	}

	result, err := e.exchange.OpenPosition(ctx, venue, symbol, sig.Direction, size.CoinSize, e.cfg.DefaultLeverage)
	if err != nil {
		metrics.OrdersPlaced.WithLabelValues(string(venue), "error").Inc()
		e.governor.RecordAPIError()
		e.logAttempt(ctx, sig, venue, state, size, exposure, exposure, StatusFailed, err.Error())
		return fmt.Errorf("order placement failed: %w", err)
	}
	if !result.Success {
		metrics.OrdersPlaced.WithLabelValues(string(venue), "rejected").Inc()
		e.logAttempt(ctx, sig, venue, state, size, exposure, exposure, StatusFailed, result.Error)
		return fmt.Errorf("venue rejected order: %s", result.Error)
	}
	metrics.OrdersPlaced.WithLabelValues(string(venue), "filled").Inc()
	e.governor.RecordAPISuccess()

	fillPrice := result.FilledPrice
	if fillPrice <= 0 {
		fillPrice = mid
	}
	fillSize := result.FilledSize
	if fillSize <= 0 {
		fillSize = size.CoinSize
	}

	// Register stop protection before reporting success.
	if e.stops != nil {
		_, err := e.stops.Register(ctx, stops.StopRequest{
			DecisionID:      sig.DecisionID,
			Venue:           venue,
			Symbol:          sig.Symbol,
			Direction:       sig.Direction,
			EntryPrice:      fillPrice,
			EntrySize:       fillSize,
			StopDistancePct: sig.StopDistancePct,
		})
		if err != nil {
			e.log.Error().Err(err).Str("symbol", sig.Symbol).Msg("stop registration failed for live position")
		}
	}

	// 13. One execution-log row for the fill.
	e.logFill(ctx, sig, venue, state, size, exposure, exposureAfter, StatusFilled, fillPrice, fillSize)
	return nil
}

// fetchAccountState retries with exponential backoff: 500ms, 1s, 2s.
func (e *Executor) fetchAccountState(ctx context.Context, venue exchange.Venue) (*exchange.AccountState, error) {
	backoff := e.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
		}
		state, err := e.exchange.GetAccountState(ctx, venue)
		if err == nil {
			return state, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// rejectRecord writes the risk_reject decision row.
func (e *Executor) rejectRecord(ctx context.Context, sig *consensus.Signal, v risk.Verdict) {
	e.decisions.LogRiskReject(ctx, decision.Record{
		Symbol:       sig.Symbol,
		Direction:    string(sig.Direction),
		TraderCount:  sig.NTraders,
		AgreementPct: agreementPct(sig),
		EffectiveK:   sig.EffectiveK,
		EVEstimate:   sig.NetEV,
		Price:        sig.EntryPrice,
		RiskChecks:   v.Checks,
	})
}

func agreementPct(sig *consensus.Signal) float64 {
	if sig.NTraders == 0 {
		return 0
	}
	return float64(sig.NAgreeing) / float64(sig.NTraders)
}

func isBreakerReason(checks []decision.RiskCheck) bool {
	for _, c := range checks {
		if c.Passed {
			continue
		}
		switch c.Name {
		case "max_concurrent", "max_per_symbol", "api_error_pause", "loss_streak_pause":
			return true
		}
		return false
	}
	return false
}

func (e *Executor) logAttempt(ctx context.Context, sig *consensus.Signal, venue exchange.Venue, state *exchange.AccountState, size sizing.Result, expBefore, expAfter float64, status, errMsg string) {
	e.writeRow(ctx, sig, venue, state, size, expBefore, expAfter, status, 0, 0, errMsg)
}

func (e *Executor) logFill(ctx context.Context, sig *consensus.Signal, venue exchange.Venue, state *exchange.AccountState, size sizing.Result, expBefore, expAfter float64, status string, fillPrice, fillSize float64) {
	e.writeRow(ctx, sig, venue, state, size, expBefore, expAfter, status, fillPrice, fillSize, "")
}

func (e *Executor) writeRow(ctx context.Context, sig *consensus.Signal, venue exchange.Venue, state *exchange.AccountState, size sizing.Result, expBefore, expAfter float64, status string, fillPrice, fillSize float64, errMsg string) {
	if e.store == nil {
		return
	}
	row := &database.ExecutionLog{
		DecisionID:       sig.DecisionID,
		Exchange:         string(venue),
		Symbol:           sig.Symbol,
		Side:             string(sig.Direction),
		Size:             size.CoinSize,
		Leverage:         e.cfg.DefaultLeverage,
		Status:           status,
		PositionPct:      size.PositionPct,
		ExposureBefore:   expBefore,
		ExposureAfter:    expAfter,
		KellyFull:        size.KellyFull,
		KellyFractionUse: size.KellyFraction,
		KellyPositionPct: size.PositionPct,
		KellyMethod:      size.Method,
		KellyReasoning:   size.Reasoning,
		KellyCapped:      size.Capped,
	}
	if state != nil {
		row.AccountValue = state.Balance.TotalEquity
	}
	if fillPrice > 0 {
		row.FillPrice = &fillPrice
	}
	if fillSize > 0 {
		row.FillSize = &fillSize
	}
	if errMsg != "" {
		row.ErrorMessage = &errMsg
	}
	if err := e.store.CreateExecutionLog(ctx, row); err != nil {
		e.log.Error().Err(err).Int64("decision_id", sig.DecisionID).Msg("execution log persist failed")
	}
}
