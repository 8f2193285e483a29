package database

import (
	"context"
	"fmt"
	"time"
)

// ==================== ACTIVE STOPS ====================

// CreateActiveStop inserts a stop row and sets its ID.
func (db *DB) CreateActiveStop(ctx context.Context, s *ActiveStop) error {
	query := `
		INSERT INTO active_stops (
			decision_id, symbol, direction, entry_price, entry_size,
			stop_price, stop_distance_pct, take_profit_price, trailing_enabled,
			trail_distance_pct, timeout_at, exchange, native_stop_placed, status,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15
		) RETURNING id`

	now := time.Now().UTC()
	if s.Status == "" {
		s.Status = StopStatusActive
	}
	err := db.Pool.QueryRow(ctx, query,
		s.DecisionID, s.Symbol, s.Direction, s.EntryPrice, s.EntrySize,
		s.StopPrice, s.StopDistancePct, s.TakeProfitPrice, s.TrailingEnabled,
		s.TrailDistancePct, s.TimeoutAt, s.Exchange, s.NativeStopPlaced, s.Status, now,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("failed to create active stop: %w", err)
	}
	s.CreatedAt = now
	s.UpdatedAt = now
	return nil
}

// ListActiveStops returns all rows still in the active status.
func (db *DB) ListActiveStops(ctx context.Context) ([]*ActiveStop, error) {
	query := `
		SELECT id, decision_id, symbol, direction, entry_price, entry_size,
			stop_price, stop_distance_pct, take_profit_price, trailing_enabled,
			trail_distance_pct, timeout_at, exchange, native_stop_placed, status,
			triggered_at, triggered_price, triggered_reason,
			created_at, updated_at
		FROM active_stops
		WHERE status = $1
		ORDER BY created_at ASC`

	rows, err := db.Pool.Query(ctx, query, StopStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active stops: %w", err)
	}
	defer rows.Close()

	var out []*ActiveStop
	for rows.Next() {
		s := &ActiveStop{}
		err := rows.Scan(
			&s.ID, &s.DecisionID, &s.Symbol, &s.Direction, &s.EntryPrice,
			&s.EntrySize, &s.StopPrice, &s.StopDistancePct, &s.TakeProfitPrice,
			&s.TrailingEnabled, &s.TrailDistancePct, &s.TimeoutAt, &s.Exchange, &s.NativeStopPlaced,
			&s.Status, &s.TriggeredAt, &s.TriggeredPrice, &s.TriggeredReason,
			&s.CreatedAt, &s.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan active stop: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateStopPrice moves a trailing stop. Direction checks are the stop
// manager's job; this just persists.
func (db *DB) UpdateStopPrice(ctx context.Context, stopID int64, stopPrice float64) error {
	query := `
		UPDATE active_stops SET stop_price = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3`

	tag, err := db.Pool.Exec(ctx, query, stopID, stopPrice, StopStatusActive)
	if err != nil {
		return fmt.Errorf("failed to update stop price: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("active stop %d not found", stopID)
	}
	return nil
}

// MarkStopTriggered closes a stop row with the trigger details.
func (db *DB) MarkStopTriggered(ctx context.Context, stopID int64, price float64, reason string) error {
	query := `
		UPDATE active_stops SET
			status = $2,
			triggered_at = NOW(),
			triggered_price = $3,
			triggered_reason = $4,
			updated_at = NOW()
		WHERE id = $1 AND status = $5`

	tag, err := db.Pool.Exec(ctx, query, stopID, StopStatusTriggered, price, reason, StopStatusActive)
	if err != nil {
		return fmt.Errorf("failed to mark stop triggered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("active stop %d not found", stopID)
	}
	return nil
}

// MarkStopCancelled cancels a stop row without a trigger.
func (db *DB) MarkStopCancelled(ctx context.Context, stopID int64, reason string) error {
	query := `
		UPDATE active_stops SET
			status = $2,
			triggered_reason = $3,
			updated_at = NOW()
		WHERE id = $1 AND status = $4`

	tag, err := db.Pool.Exec(ctx, query, stopID, StopStatusCancelled, reason, StopStatusActive)
	if err != nil {
		return fmt.Errorf("failed to mark stop cancelled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("active stop %d not found", stopID)
	}
	return nil
}

// SetNativeStopPlaced flags that the venue is holding the bracket.
func (db *DB) SetNativeStopPlaced(ctx context.Context, stopID int64, placed bool) error {
	query := `UPDATE active_stops SET native_stop_placed = $2, updated_at = NOW() WHERE id = $1`

	if _, err := db.Pool.Exec(ctx, query, stopID, placed); err != nil {
		return fmt.Errorf("failed to set native stop flag: %w", err)
	}
	return nil
}
