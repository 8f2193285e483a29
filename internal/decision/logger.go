package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fzheng/hivemind-sub000/internal/database"
)

// Decision types stored in decision_logs.
const (
	TypeSignal     = "signal"
	TypeSkip       = "skip"
	TypeRiskReject = "risk_reject"
)

// Gate is one gate's verdict inside an evaluation.
type Gate struct {
	Name      string  `json:"name"`
	Passed    bool    `json:"passed"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Detail    string  `json:"detail,omitempty"`
}

// RiskCheck is one governor check result attached to a decision.
type RiskCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// Record is one evaluation's worth of decision data before persistence.
type Record struct {
	Symbol        string
	Direction     string
	Type          string
	TraderCount   int
	AgreementPct  float64
	EffectiveK    float64
	AvgConfidence float64
	PWin          float64
	EVEstimate    float64
	Price         float64
	Gates         []Gate
	RiskChecks    []RiskCheck
	Reasoning     string
}

// Repository is the persistence surface the logger needs.
type Repository interface {
	CreateDecisionLog(ctx context.Context, d *database.DecisionLog) error
	UpdateDecisionOutcome(ctx context.Context, decisionID int64, pnl, rMultiple float64, closedAt time.Time) error
	ListDecisionLogs(ctx context.Context, f database.DecisionFilter, limit, offset int) ([]*database.DecisionLog, error)
	GetDecisionStats(ctx context.Context, days int) (*database.DecisionStats, error)
}

// Logger writes one row per evaluation. Persistence failures are logged and
// swallowed so an audit outage never blocks trading decisions.
type Logger struct {
	repo Repository
	log  zerolog.Logger
}

// NewLogger creates a decision logger.
func NewLogger(repo Repository, logger zerolog.Logger) *Logger {
	return &Logger{
		repo: repo,
		log:  logger.With().Str("component", "decision_logger").Logger(),
	}
}

// Log persists one record and returns the row ID (0 when persistence is
// unavailable).
func (l *Logger) Log(ctx context.Context, r Record) int64 {
	if r.Reasoning == "" {
		r.Reasoning = Reasoning(r)
	}

	event := l.log.Info().
		Str("symbol", r.Symbol).
		Str("direction", r.Direction).
		Str("type", r.Type).
		Float64("effective_k", r.EffectiveK).
		Float64("ev", r.EVEstimate).
		Str("reasoning", r.Reasoning)

	row := &database.DecisionLog{
		CreatedAt:       time.Now().UTC(),
		Symbol:          r.Symbol,
		Direction:       r.Direction,
		DecisionType:    r.Type,
		TraderCount:     r.TraderCount,
		AgreementPct:    r.AgreementPct,
		EffectiveK:      r.EffectiveK,
		AvgConfidence:   r.AvgConfidence,
		EVEstimate:      r.EVEstimate,
		PriceAtDecision: r.Price,
		Reasoning:       r.Reasoning,
	}
	if gates, err := json.Marshal(r.Gates); err == nil {
		row.Gates = gates
	}
	if checks, err := json.Marshal(r.RiskChecks); err == nil {
		row.RiskChecks = checks
	}

	if l.repo == nil {
		event.Msg("decision (not persisted)")
		return 0
	}
	if err := l.repo.CreateDecisionLog(ctx, row); err != nil {
		l.log.Error().Err(err).Str("symbol", r.Symbol).Msg("decision log persist failed")
		event.Msg("decision (persist failed)")
		return 0
	}
	event.Int64("decision_id", row.ID).Msg("decision")
	return row.ID
}

// LogSignal records a fired signal.
func (l *Logger) LogSignal(ctx context.Context, r Record) int64 {
	r.Type = TypeSignal
	return l.Log(ctx, r)
}

// LogSkip records a gate-blocked evaluation.
func (l *Logger) LogSkip(ctx context.Context, r Record) int64 {
	r.Type = TypeSkip
	return l.Log(ctx, r)
}

// LogRiskReject records a governor rejection of an otherwise valid signal.
func (l *Logger) LogRiskReject(ctx context.Context, r Record) int64 {
	r.Type = TypeRiskReject
	return l.Log(ctx, r)
}

// UpdateOutcome attaches the realized result once the position closes.
func (l *Logger) UpdateOutcome(ctx context.Context, decisionID int64, pnl, rMultiple float64) error {
	if l.repo == nil || decisionID == 0 {
		return nil
	}
	if err := l.repo.UpdateDecisionOutcome(ctx, decisionID, pnl, rMultiple, time.Now().UTC()); err != nil {
		l.log.Error().Err(err).Int64("decision_id", decisionID).Msg("outcome update failed")
		return err
	}
	l.log.Info().Int64("decision_id", decisionID).
		Float64("pnl", pnl).Float64("r_multiple", rMultiple).
		Msg("decision outcome recorded")
	return nil
}

// List returns persisted decisions, newest first. The filter narrows by
// symbol and decision type; zero values match everything.
func (l *Logger) List(ctx context.Context, f database.DecisionFilter, limit, offset int) ([]*database.DecisionLog, error) {
	if l.repo == nil {
		return nil, nil
	}
	return l.repo.ListDecisionLogs(ctx, f, limit, offset)
}

// Stats aggregates decisions over the trailing N days.
func (l *Logger) Stats(ctx context.Context, days int) (*database.DecisionStats, error) {
	if l.repo == nil {
		return nil, nil
	}
	return l.repo.GetDecisionStats(ctx, days)
}

// Reasoning composes the human-readable line for a record from its failing
// gates and checks.
func Reasoning(r Record) string {
	switch r.Type {
	case TypeSignal:
		return fmt.Sprintf("consensus %s on %s: %d/%d traders agree, effective-K %.2f, net EV %.2fR",
			r.Direction, r.Symbol, agreeCount(r), r.TraderCount, r.EffectiveK, r.EVEstimate)
	case TypeRiskReject:
		for _, c := range r.RiskChecks {
			if !c.Passed {
				return fmt.Sprintf("risk governor blocked %s %s: %s", r.Direction, r.Symbol, c.Reason)
			}
		}
		return fmt.Sprintf("risk governor blocked %s %s", r.Direction, r.Symbol)
	default:
		var failed []string
		for _, g := range r.Gates {
			if !g.Passed {
				failed = append(failed, fmt.Sprintf("%s (%.4g vs %.4g)", g.Name, g.Value, g.Threshold))
			}
		}
		if len(failed) == 0 {
			return fmt.Sprintf("skipped %s: no qualifying consensus", r.Symbol)
		}
		return fmt.Sprintf("skipped %s: failed %s", r.Symbol, strings.Join(failed, ", "))
	}
}

// agreeCount back-derives the agreeing voter count from the agreement pct.
func agreeCount(r Record) int {
	if r.TraderCount == 0 {
		return 0
	}
	return int(r.AgreementPct*float64(r.TraderCount) + 0.5)
}
