package database

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ==================== DECISION LOGS ====================

// DecisionFilter narrows a decision listing. Zero values match everything.
type DecisionFilter struct {
	Symbol       string `json:"symbol,omitempty"`
	DecisionType string `json:"decision_type,omitempty"`
}

// CreateDecisionLog inserts a decision row and sets its ID.
func (db *DB) CreateDecisionLog(ctx context.Context, d *DecisionLog) error {
	query := `
		INSERT INTO decision_logs (
			created_at, symbol, direction, decision_type, trader_count,
			agreement_pct, effective_k, avg_confidence, ev_estimate,
			price_at_decision, gates, risk_checks, reasoning
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		) RETURNING id`

	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	err := db.Pool.QueryRow(ctx, query,
		d.CreatedAt,
		d.Symbol,
		d.Direction,
		d.DecisionType,
		d.TraderCount,
		d.AgreementPct,
		d.EffectiveK,
		d.AvgConfidence,
		d.EVEstimate,
		d.PriceAtDecision,
		d.Gates,
		d.RiskChecks,
		d.Reasoning,
	).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("failed to create decision log: %w", err)
	}
	return nil
}

// UpdateDecisionOutcome records the realized result after the position
// closes.
func (db *DB) UpdateDecisionOutcome(ctx context.Context, decisionID int64, pnl, rMultiple float64, closedAt time.Time) error {
	query := `
		UPDATE decision_logs SET
			outcome_pnl = $2,
			outcome_r_multiple = $3,
			outcome_closed_at = $4
		WHERE id = $1`

	tag, err := db.Pool.Exec(ctx, query, decisionID, pnl, rMultiple, closedAt)
	if err != nil {
		return fmt.Errorf("failed to update decision outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("decision %d not found", decisionID)
	}
	return nil
}

// ListDecisionLogs returns decisions newest first, paginated, optionally
// narrowed by symbol and decision type.
func (db *DB) ListDecisionLogs(ctx context.Context, f DecisionFilter, limit, offset int) ([]*DecisionLog, error) {
	query, args := decisionListQuery(f, limit, offset)

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list decision logs: %w", err)
	}
	defer rows.Close()

	var out []*DecisionLog
	for rows.Next() {
		d := &DecisionLog{}
		err := rows.Scan(
			&d.ID, &d.CreatedAt, &d.Symbol, &d.Direction, &d.DecisionType,
			&d.TraderCount, &d.AgreementPct, &d.EffectiveK, &d.AvgConfidence,
			&d.EVEstimate, &d.PriceAtDecision, &d.Gates, &d.RiskChecks,
			&d.Reasoning, &d.OutcomePnL, &d.OutcomeRMult, &d.OutcomeClosedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision log: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// decisionListQuery builds the filtered listing statement and its args.
func decisionListQuery(f DecisionFilter, limit, offset int) (string, []any) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, created_at, symbol, direction, decision_type, trader_count,
			agreement_pct, effective_k, avg_confidence, ev_estimate,
			price_at_decision, gates, risk_checks, reasoning,
			outcome_pnl, outcome_r_multiple, outcome_closed_at
		FROM decision_logs`

	var conds []string
	var args []any
	if f.Symbol != "" {
		args = append(args, strings.ToUpper(f.Symbol))
		conds = append(conds, fmt.Sprintf("symbol = $%d", len(args)))
	}
	if f.DecisionType != "" {
		args = append(args, f.DecisionType)
		conds = append(conds, fmt.Sprintf("decision_type = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += "\n\t\tWHERE " + strings.Join(conds, " AND ")
	}

	args = append(args, limit, offset)
	query += fmt.Sprintf("\n\t\tORDER BY created_at DESC\n\t\tLIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return query, args
}

// GetDecisionLog returns one decision by ID.
func (db *DB) GetDecisionLog(ctx context.Context, id int64) (*DecisionLog, error) {
	query := `
		SELECT id, created_at, symbol, direction, decision_type, trader_count,
			agreement_pct, effective_k, avg_confidence, ev_estimate,
			price_at_decision, gates, risk_checks, reasoning,
			outcome_pnl, outcome_r_multiple, outcome_closed_at
		FROM decision_logs WHERE id = $1`

	d := &DecisionLog{}
	err := db.Pool.QueryRow(ctx, query, id).Scan(
		&d.ID, &d.CreatedAt, &d.Symbol, &d.Direction, &d.DecisionType,
		&d.TraderCount, &d.AgreementPct, &d.EffectiveK, &d.AvgConfidence,
		&d.EVEstimate, &d.PriceAtDecision, &d.Gates, &d.RiskChecks,
		&d.Reasoning, &d.OutcomePnL, &d.OutcomeRMult, &d.OutcomeClosedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get decision log %d: %w", id, err)
	}
	return d, nil
}

// GetDecisionStats aggregates decision outcomes over the trailing N days.
func (db *DB) GetDecisionStats(ctx context.Context, days int) (*DecisionStats, error) {
	if days <= 0 {
		days = 7
	}
	query := `
		SELECT
			COUNT(*) FILTER (WHERE decision_type = 'signal'),
			COUNT(*) FILTER (WHERE decision_type = 'skip'),
			COUNT(*) FILTER (WHERE decision_type = 'risk_reject'),
			COUNT(*) FILTER (WHERE outcome_closed_at IS NOT NULL),
			COUNT(*) FILTER (WHERE outcome_pnl > 0),
			COALESCE(SUM(outcome_pnl), 0),
			COALESCE(AVG(outcome_r_multiple), 0),
			COALESCE(AVG(ev_estimate) FILTER (WHERE decision_type = 'signal'), 0)
		FROM decision_logs
		WHERE created_at > NOW() - ($1 || ' days')::interval`

	s := &DecisionStats{Days: days}
	err := db.Pool.QueryRow(ctx, query, days).Scan(
		&s.TotalSignals, &s.TotalSkips, &s.TotalRejects,
		&s.ClosedCount, &s.WinCount, &s.TotalPnL,
		&s.AvgRMultiple, &s.AvgEVEstimate,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get decision stats: %w", err)
	}
	if s.ClosedCount > 0 {
		s.WinRate = float64(s.WinCount) / float64(s.ClosedCount)
	}
	return s, nil
}

// AvgEpisodeHours returns the mean open-to-close duration of closed
// positions on one asset, plus the episode count behind the mean.
func (db *DB) AvgEpisodeHours(ctx context.Context, asset string) (float64, int, error) {
	query := `
		SELECT
			COALESCE(AVG(EXTRACT(EPOCH FROM (outcome_closed_at - created_at)) / 3600.0), 0),
			COUNT(*)
		FROM decision_logs
		WHERE symbol = $1
		  AND decision_type = 'signal'
		  AND outcome_closed_at IS NOT NULL`

	var hours float64
	var episodes int
	if err := db.Pool.QueryRow(ctx, query, asset).Scan(&hours, &episodes); err != nil {
		return 0, 0, fmt.Errorf("failed to get episode hours: %w", err)
	}
	return hours, episodes, nil
}

// ==================== EXECUTION LOGS ====================

// CreateExecutionLog inserts one execution attempt row.
func (db *DB) CreateExecutionLog(ctx context.Context, e *ExecutionLog) error {
	query := `
		INSERT INTO execution_logs (
			decision_id, exchange, symbol, side, size, leverage, status,
			fill_price, fill_size, error_message, account_value, position_pct,
			exposure_before, exposure_after, kelly_full, kelly_fraction_used,
			kelly_position_pct, kelly_method, kelly_reasoning, kelly_capped,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21
		) RETURNING id`

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	err := db.Pool.QueryRow(ctx, query,
		e.DecisionID, e.Exchange, e.Symbol, e.Side, e.Size, e.Leverage,
		e.Status, e.FillPrice, e.FillSize, e.ErrorMessage, e.AccountValue,
		e.PositionPct, e.ExposureBefore, e.ExposureAfter, e.KellyFull,
		e.KellyFractionUse, e.KellyPositionPct, e.KellyMethod,
		e.KellyReasoning, e.KellyCapped, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to create execution log: %w", err)
	}
	return nil
}

// ListExecutionLogs returns the execution attempts for one decision,
// oldest first.
func (db *DB) ListExecutionLogs(ctx context.Context, decisionID int64) ([]*ExecutionLog, error) {
	query := `
		SELECT id, decision_id, exchange, symbol, side, size, leverage,
			status, fill_price, fill_size, error_message, account_value,
			position_pct, exposure_before, exposure_after, kelly_full,
			kelly_fraction_used, kelly_position_pct, kelly_method,
			kelly_reasoning, kelly_capped, created_at
		FROM execution_logs
		WHERE decision_id = $1
		ORDER BY created_at ASC`

	rows, err := db.Pool.Query(ctx, query, decisionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution logs: %w", err)
	}
	defer rows.Close()

	var out []*ExecutionLog
	for rows.Next() {
		e := &ExecutionLog{}
		err := rows.Scan(
			&e.ID, &e.DecisionID, &e.Exchange, &e.Symbol, &e.Side, &e.Size,
			&e.Leverage, &e.Status, &e.FillPrice, &e.FillSize, &e.ErrorMessage,
			&e.AccountValue, &e.PositionPct, &e.ExposureBefore, &e.ExposureAfter,
			&e.KellyFull, &e.KellyFractionUse, &e.KellyPositionPct, &e.KellyMethod,
			&e.KellyReasoning, &e.KellyCapped, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
