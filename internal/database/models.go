package database

import (
	"time"
)

// DecisionLog is one row in decision_logs. Every pipeline evaluation writes
// exactly one, whatever the verdict.
type DecisionLog struct {
	ID              int64      `json:"id"`
	CreatedAt       time.Time  `json:"created_at"`
	Symbol          string     `json:"symbol"`
	Direction       string     `json:"direction"`
	DecisionType    string     `json:"decision_type"` // signal, skip, risk_reject
	TraderCount     int        `json:"trader_count"`
	AgreementPct    float64    `json:"agreement_pct"`
	EffectiveK      float64    `json:"effective_k"`
	AvgConfidence   float64    `json:"avg_confidence"`
	EVEstimate      float64    `json:"ev_estimate"`
	PriceAtDecision float64    `json:"price_at_decision"`
	Gates           []byte     `json:"gates"`       // JSON array of gate results
	RiskChecks      []byte     `json:"risk_checks"` // JSON array of governor checks
	Reasoning       string     `json:"reasoning"`
	OutcomePnL      *float64   `json:"outcome_pnl,omitempty"`
	OutcomeRMult    *float64   `json:"outcome_r_multiple,omitempty"`
	OutcomeClosedAt *time.Time `json:"outcome_closed_at,omitempty"`
}

// ExecutionLog is one row in execution_logs. One per execution attempt,
// successful or not.
type ExecutionLog struct {
	ID               int64     `json:"id"`
	DecisionID       int64     `json:"decision_id"`
	Exchange         string    `json:"exchange"`
	Symbol           string    `json:"symbol"`
	Side             string    `json:"side"`
	Size             float64   `json:"size"`
	Leverage         int       `json:"leverage"`
	Status           string    `json:"status"` // filled, rejected, failed, dry_run
	FillPrice        *float64  `json:"fill_price,omitempty"`
	FillSize         *float64  `json:"fill_size,omitempty"`
	ErrorMessage     *string   `json:"error_message,omitempty"`
	AccountValue     float64   `json:"account_value"`
	PositionPct      float64   `json:"position_pct"`
	ExposureBefore   float64   `json:"exposure_before"`
	ExposureAfter    float64   `json:"exposure_after"`
	KellyFull        float64   `json:"kelly_full"`
	KellyFractionUse float64   `json:"kelly_fraction_used"`
	KellyPositionPct float64   `json:"kelly_position_pct"`
	KellyMethod      string    `json:"kelly_method"`
	KellyReasoning   string    `json:"kelly_reasoning"`
	KellyCapped      bool      `json:"kelly_capped"`
	CreatedAt        time.Time `json:"created_at"`
}

// Stop statuses for active_stops rows.
const (
	StopStatusActive    = "active"
	StopStatusTriggered = "triggered"
	StopStatusCancelled = "cancelled"
)

// ActiveStop is one row in active_stops.
type ActiveStop struct {
	ID               int64      `json:"id"`
	DecisionID       int64      `json:"decision_id"`
	Symbol           string     `json:"symbol"`
	Direction        string     `json:"direction"`
	EntryPrice       float64    `json:"entry_price"`
	EntrySize        float64    `json:"entry_size"`
	StopPrice        float64    `json:"stop_price"`
	StopDistancePct  float64    `json:"stop_distance_pct"`
	TakeProfitPrice  float64    `json:"take_profit_price"`
	TrailingEnabled  bool       `json:"trailing_enabled"`
	TrailDistancePct float64    `json:"trail_distance_pct"`
	TimeoutAt        time.Time  `json:"timeout_at"`
	Exchange         string     `json:"exchange"`
	NativeStopPlaced bool       `json:"native_stop_placed"`
	Status           string     `json:"status"`
	TriggeredAt      *time.Time `json:"triggered_at,omitempty"`
	TriggeredPrice   *float64   `json:"triggered_price,omitempty"`
	TriggeredReason  *string    `json:"triggered_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TraderPerformance is one row in trader_performance. The NIG fields are the
// Normal-Inverse-Gamma posterior over the trader's per-episode R.
type TraderPerformance struct {
	Address      string    `json:"address"`
	NigM         float64   `json:"nig_m"`
	NigKappa     float64   `json:"nig_kappa"`
	NigAlpha     float64   `json:"nig_alpha"`
	NigBeta      float64   `json:"nig_beta"`
	TotalSignals int       `json:"total_signals"`
	AvgR         float64   `json:"avg_r"`
	AvgWinR      float64   `json:"avg_win_r"`
	AvgLossR     float64   `json:"avg_loss_r"`
	WinRate      float64   `json:"win_rate"`
	EpisodeCount int       `json:"episode_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TraderCorrelation is one row in trader_corr. AddrA < AddrB always.
type TraderCorrelation struct {
	AsOfDate   time.Time `json:"as_of_date"`
	Asset      string    `json:"asset"`
	AddrA      string    `json:"addr_a"`
	AddrB      string    `json:"addr_b"`
	Rho        float64   `json:"rho"`
	NBuckets   int       `json:"n_buckets"`
	ComputedAt time.Time `json:"computed_at"`
}

// AlphaPoolAddress is one row in alpha_pool_addresses.
type AlphaPoolAddress struct {
	Address      string    `json:"address"`
	IsActive     bool      `json:"is_active"`
	PnL30d       float64   `json:"pnl_30d"`
	ROI30d       float64   `json:"roi_30d"`
	WinRate      float64   `json:"win_rate"`
	AccountValue float64   `json:"account_value"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Mark1m is one row in marks_1m, a one-minute bar with its rolling ATR.
type Mark1m struct {
	Asset string    `json:"asset"`
	Ts    time.Time `json:"ts"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
	Mid   float64   `json:"mid"`
	ATR14 *float64  `json:"atr14,omitempty"`
}

// ExchangeConnection is one row in exchange_connections.
type ExchangeConnection struct {
	ExchangeType    string     `json:"exchange_type"`
	Testnet         bool       `json:"testnet"`
	IsConnected     bool       `json:"is_connected"`
	LastConnectedAt *time.Time `json:"last_connected_at,omitempty"`
	LastError       *string    `json:"last_error,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ExchangeBalance is one row in exchange_balances.
type ExchangeBalance struct {
	ID               int64     `json:"id"`
	ExchangeType     string    `json:"exchange_type"`
	TotalEquity      float64   `json:"total_equity"`
	AvailableBalance float64   `json:"available_balance"`
	MarginUsed       float64   `json:"margin_used"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	Timestamp        time.Time `json:"timestamp"`
}

// RiskDailyPnL is one row in risk_daily_pnl, keyed by UTC date.
type RiskDailyPnL struct {
	Date             time.Time `json:"date"`
	StartingEquity   float64   `json:"starting_equity"`
	CurrentEquity    float64   `json:"current_equity"`
	DailyDrawdownPct float64   `json:"daily_drawdown_pct"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// RiskGovernorState is one row in risk_governor_state, a string key/value
// store for durable governor flags (kill switch, pause timers).
type RiskGovernorState struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DecisionStats is an aggregate over decision_logs for a trailing window.
type DecisionStats struct {
	Days          int     `json:"days"`
	TotalSignals  int     `json:"total_signals"`
	TotalSkips    int     `json:"total_skips"`
	TotalRejects  int     `json:"total_rejects"`
	ClosedCount   int     `json:"closed_count"`
	WinCount      int     `json:"win_count"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	AvgRMultiple  float64 `json:"avg_r_multiple"`
	AvgEVEstimate float64 `json:"avg_ev_estimate"`
}
