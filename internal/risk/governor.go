package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fzheng/hivemind-sub000/internal/database"
	"github.com/fzheng/hivemind-sub000/internal/decision"
	"github.com/fzheng/hivemind-sub000/internal/exchange"
)

// Config holds risk governor configuration.
type Config struct {
	LiquidationDistanceMin float64       `json:"liquidation_distance_min"`
	DailyDrawdownKillPct   float64       `json:"daily_drawdown_kill_pct"`
	MinEquityFloor         float64       `json:"min_equity_floor"`
	MaxPositionSizePct     float64       `json:"max_position_size_pct"`
	MaxTotalExposurePct    float64       `json:"max_total_exposure_pct"`
	KillSwitchCooldown     time.Duration `json:"kill_switch_cooldown"`
	MaxConcurrentPositions int           `json:"max_concurrent_positions"`
	MaxPositionPerSymbol   int           `json:"max_position_per_symbol"`
	APIErrorThreshold      int           `json:"api_error_threshold"`
	APIErrorPause          time.Duration `json:"api_error_pause"`
	MaxConsecutiveLosses   int           `json:"max_consecutive_losses"`
	LossStreakPause        time.Duration `json:"loss_streak_pause"`
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		LiquidationDistanceMin: 1.5,
		DailyDrawdownKillPct:   0.05,
		MinEquityFloor:         10_000,
		MaxPositionSizePct:     0.10,
		MaxTotalExposurePct:    0.50,
		KillSwitchCooldown:     24 * time.Hour,
		MaxConcurrentPositions: 3,
		MaxPositionPerSymbol:   1,
		APIErrorThreshold:      3,
		APIErrorPause:          300 * time.Second,
		MaxConsecutiveLosses:   5,
		LossStreakPause:        3600 * time.Second,
	}
}

// StateStore persists the governor's durable state.
type StateStore interface {
	GetGovernorState(ctx context.Context, key string) (string, error)
	SetGovernorState(ctx context.Context, key, value string) error
	GetDailyPnL(ctx context.Context, date time.Time) (*database.RiskDailyPnL, error)
	UpsertDailyPnL(ctx context.Context, p *database.RiskDailyPnL) error
}

// Durable state keys.
const (
	stateKeyKillSwitch = "kill_switch_since"
)

// CheckRequest describes a proposed position for validation.
type CheckRequest struct {
	Symbol             string
	EquityUSD          float64
	MaintenanceMargin  float64
	ProposedUSD        float64
	CurrentExposureUSD float64
}

// Verdict is the governor's allow/block decision. The first failing gate is
// the reason; every evaluated gate is reported.
type Verdict struct {
	Allowed bool
	Reason  string
	Checks  []decision.RiskCheck
}

// Governor enforces the hard safety ceilings and circuit breakers. All
// mutation goes through its methods; state changes persist.
type Governor struct {
	cfg   Config
	store StateStore
	log   zerolog.Logger
	now   func() time.Time

	mu               sync.Mutex
	killSwitchSince  time.Time
	startingEquity   float64
	startingDate     string // UTC yyyy-mm-dd the starting equity belongs to
	positionsByVenue map[exchange.Venue]map[string]int
	apiErrorStreak   int
	lossStreak       int
	apiPauseUntil    time.Time
	lossPauseUntil   time.Time
}

// NewGovernor creates a governor and restores durable state. store may be
// nil for replay use.
func NewGovernor(ctx context.Context, cfg Config, store StateStore, logger zerolog.Logger) *Governor {
	if cfg.DailyDrawdownKillPct == 0 {
		cfg = DefaultConfig()
	}
	g := &Governor{
		cfg:              cfg,
		store:            store,
		log:              logger.With().Str("component", "risk_governor").Logger(),
		now:              time.Now,
		positionsByVenue: make(map[exchange.Venue]map[string]int),
	}
	g.restore(ctx)
	return g
}

func (g *Governor) restore(ctx context.Context) {
	if g.store == nil {
		return
	}
	if v, err := g.store.GetGovernorState(ctx, stateKeyKillSwitch); err == nil && v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			g.killSwitchSince = ts
			g.log.Warn().Time("since", ts).Msg("kill switch restored from durable state")
		}
	}
	today := g.now().UTC().Truncate(24 * time.Hour)
	if row, err := g.store.GetDailyPnL(ctx, today); err == nil && row != nil {
		g.startingEquity = row.StartingEquity
		g.startingDate = today.Format("2006-01-02")
	}
}

// ObserveEquity records an equity observation. The first observation of
// each UTC date becomes that day's starting equity; later observations
// update the drawdown and may engage the kill switch.
func (g *Governor) ObserveEquity(ctx context.Context, equity float64) {
	if equity <= 0 {
		return
	}
	g.mu.Lock()
	today := g.now().UTC().Truncate(24 * time.Hour)
	dateStr := today.Format("2006-01-02")
	if g.startingDate != dateStr || g.startingEquity <= 0 {
		g.startingEquity = equity
		g.startingDate = dateStr
	}
	start := g.startingEquity
	g.mu.Unlock()

	drawdown := 0.0
	if start > 0 && equity < start {
		drawdown = (start - equity) / start
	}

	if g.store != nil {
		err := g.store.UpsertDailyPnL(ctx, &database.RiskDailyPnL{
			Date:             today,
			StartingEquity:   start,
			CurrentEquity:    equity,
			DailyDrawdownPct: drawdown,
		})
		if err != nil {
			g.log.Warn().Err(err).Msg("daily pnl persist failed")
		}
	}

	if drawdown >= g.cfg.DailyDrawdownKillPct {
		g.engageKillSwitch(ctx, fmt.Sprintf("daily drawdown %.2f%% >= %.2f%%",
			drawdown*100, g.cfg.DailyDrawdownKillPct*100))
	}
}

// engageKillSwitch activates and persists the kill switch.
func (g *Governor) engageKillSwitch(ctx context.Context, cause string) {
	g.mu.Lock()
	already := !g.killSwitchSince.IsZero()
	if !already {
		g.killSwitchSince = g.now()
	}
	since := g.killSwitchSince
	g.mu.Unlock()
	if already {
		return
	}

	g.log.Error().Str("cause", cause).Msg("KILL SWITCH engaged")
	if g.store != nil {
		if err := g.store.SetGovernorState(ctx, stateKeyKillSwitch, since.Format(time.RFC3339)); err != nil {
			g.log.Error().Err(err).Msg("kill switch persist failed")
		}
	}
}

// killSwitchActive reports the switch state, auto-clearing after the
// cooldown.
func (g *Governor) killSwitchActive(ctx context.Context) (bool, time.Time) {
	g.mu.Lock()
	since := g.killSwitchSince
	expired := !since.IsZero() && g.now().Sub(since) >= g.cfg.KillSwitchCooldown
	if expired {
		g.killSwitchSince = time.Time{}
	}
	g.mu.Unlock()

	if expired {
		g.log.Info().Msg("kill switch cooldown elapsed, auto-cleared")
		if g.store != nil {
			if err := g.store.SetGovernorState(ctx, stateKeyKillSwitch, ""); err != nil {
				g.log.Warn().Err(err).Msg("kill switch clear persist failed")
			}
		}
		return false, time.Time{}
	}
	return !since.IsZero(), since
}

// KillSwitchActive exposes the switch state for short-circuit checks.
func (g *Governor) KillSwitchActive(ctx context.Context) bool {
	active, _ := g.killSwitchActive(ctx)
	return active
}

// UpdatePositionCounts replaces one venue's open-position view from an
// account state snapshot.
func (g *Governor) UpdatePositionCounts(state *exchange.AccountState) {
	counts := make(map[string]int)
	for _, p := range state.Positions {
		if p.Size != 0 {
			counts[exchange.BaseAsset(p.Symbol)]++
		}
	}
	g.mu.Lock()
	g.positionsByVenue[state.Venue] = counts
	g.mu.Unlock()
}

// positionCounts sums open positions across venues, total and for one
// symbol. Both sides are reduced to the base asset so BTCUSDT, BTC-PERP
// and BTC all count toward BTC without SOL also matching SOLO.
func (g *Governor) positionCounts(symbol string) (total, forSymbol int) {
	asset := exchange.BaseAsset(symbol)
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, byVenueSym := range g.positionsByVenue {
		for sym, n := range byVenueSym {
			total += n
			if sym == asset {
				forSymbol += n
			}
		}
	}
	return total, forSymbol
}

// RecordAPIError advances the consecutive-failure breaker.
func (g *Governor) RecordAPIError() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.apiErrorStreak++
	if g.apiErrorStreak >= g.cfg.APIErrorThreshold {
		g.apiPauseUntil = g.now().Add(g.cfg.APIErrorPause)
		g.log.Warn().Int("streak", g.apiErrorStreak).Time("until", g.apiPauseUntil).Msg("API error breaker tripped")
	}
}

// RecordAPISuccess resets the failure streak.
func (g *Governor) RecordAPISuccess() {
	g.mu.Lock()
	g.apiErrorStreak = 0
	g.mu.Unlock()
}

// RecordTradeResult advances or resets the loss-streak breaker.
func (g *Governor) RecordTradeResult(pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if pnl >= 0 {
		g.lossStreak = 0
		return
	}
	g.lossStreak++
	if g.lossStreak >= g.cfg.MaxConsecutiveLosses {
		g.lossPauseUntil = g.now().Add(g.cfg.LossStreakPause)
		g.log.Warn().Int("streak", g.lossStreak).Time("until", g.lossPauseUntil).Msg("loss streak breaker tripped")
	}
}

// Check validates a proposed position against every gate in fixed order.
// The first failure becomes the verdict reason; all evaluated checks are
// returned.
func (g *Governor) Check(ctx context.Context, req CheckRequest) Verdict {
	v := Verdict{Allowed: true}
	failed := false

	add := func(name string, passed bool, reason string) {
		v.Checks = append(v.Checks, decision.RiskCheck{Name: name, Passed: passed, Reason: reason})
		if !passed && !failed {
			failed = true
			v.Allowed = false
			v.Reason = reason
		}
	}

	// 1. Kill switch.
	if active, since := g.killSwitchActive(ctx); active {
		remaining := g.cfg.KillSwitchCooldown - g.now().Sub(since)
		add("kill_switch", false, fmt.Sprintf("KILL SWITCH active, %s remaining", remaining.Round(time.Minute)))
		return v
	}
	add("kill_switch", true, "")

	// 2. Equity floor.
	if req.EquityUSD < g.cfg.MinEquityFloor {
		add("equity_floor", false, fmt.Sprintf("equity $%.0f below floor $%.0f", req.EquityUSD, g.cfg.MinEquityFloor))
	} else {
		add("equity_floor", true, "")
	}

	// 3. Liquidation distance.
	if req.MaintenanceMargin > 0 {
		ratio := req.EquityUSD / req.MaintenanceMargin
		if ratio < g.cfg.LiquidationDistanceMin {
			add("liquidation_distance", false, fmt.Sprintf("equity/maintenance %.2f below %.2f", ratio, g.cfg.LiquidationDistanceMin))
		} else {
			add("liquidation_distance", true, "")
		}
	} else {
		add("liquidation_distance", true, "")
	}

	// 4. Daily drawdown (informational here; breach engages the switch via
	// ObserveEquity and is caught by gate 1 on the next check).
	g.mu.Lock()
	start := g.startingEquity
	g.mu.Unlock()
	if start > 0 && req.EquityUSD < start {
		drawdown := (start - req.EquityUSD) / start
		if drawdown >= g.cfg.DailyDrawdownKillPct {
			g.engageKillSwitch(ctx, fmt.Sprintf("daily drawdown %.2f%%", drawdown*100))
			add("daily_drawdown", false, fmt.Sprintf("KILL SWITCH: daily drawdown %.2f%% >= %.2f%%",
				drawdown*100, g.cfg.DailyDrawdownKillPct*100))
		} else {
			add("daily_drawdown", true, "")
		}
	} else {
		add("daily_drawdown", true, "")
	}

	// 5. Single position size.
	if req.EquityUSD > 0 && req.ProposedUSD > req.EquityUSD*g.cfg.MaxPositionSizePct {
		add("position_size", false, fmt.Sprintf("proposed $%.0f exceeds %.0f%% of equity",
			req.ProposedUSD, g.cfg.MaxPositionSizePct*100))
	} else {
		add("position_size", true, "")
	}

	// 6. Total exposure.
	newExposure := req.CurrentExposureUSD + req.ProposedUSD
	if req.EquityUSD > 0 && newExposure > req.EquityUSD*g.cfg.MaxTotalExposurePct {
		add("total_exposure", false, fmt.Sprintf("exposure $%.0f would exceed %.0f%% of equity",
			newExposure, g.cfg.MaxTotalExposurePct*100))
	} else {
		add("total_exposure", true, "")
	}

	// 7. Circuit breakers.
	total, forSymbol := g.positionCounts(req.Symbol)
	if total >= g.cfg.MaxConcurrentPositions {
		add("max_concurrent", false, fmt.Sprintf("%d positions open (max %d)", total, g.cfg.MaxConcurrentPositions))
	} else {
		add("max_concurrent", true, "")
	}
	if forSymbol >= g.cfg.MaxPositionPerSymbol {
		add("max_per_symbol", false, fmt.Sprintf("%d %s positions open (max %d)", forSymbol, req.Symbol, g.cfg.MaxPositionPerSymbol))
	} else {
		add("max_per_symbol", true, "")
	}

	now := g.now()
	g.mu.Lock()
	apiPause, lossPause := g.apiPauseUntil, g.lossPauseUntil
	g.mu.Unlock()
	if now.Before(apiPause) {
		add("api_error_pause", false, fmt.Sprintf("API error pause until %s", apiPause.Format(time.RFC3339)))
	} else {
		add("api_error_pause", true, "")
	}
	if now.Before(lossPause) {
		add("loss_streak_pause", false, fmt.Sprintf("loss streak pause until %s", lossPause.Format(time.RFC3339)))
	} else {
		add("loss_streak_pause", true, "")
	}

	return v
}
