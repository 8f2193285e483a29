package database

import (
	"context"
	"fmt"
	"time"
)

// ==================== RISK STATE ====================

// GetDailyPnL returns the row for a UTC date, or nil when absent.
func (db *DB) GetDailyPnL(ctx context.Context, date time.Time) (*RiskDailyPnL, error) {
	query := `
		SELECT date, starting_equity, current_equity, daily_drawdown_pct, updated_at
		FROM risk_daily_pnl WHERE date = $1`

	p := &RiskDailyPnL{}
	err := db.Pool.QueryRow(ctx, query, date.UTC().Truncate(24*time.Hour)).Scan(
		&p.Date, &p.StartingEquity, &p.CurrentEquity, &p.DailyDrawdownPct, &p.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get daily pnl: %w", err)
	}
	return p, nil
}

// UpsertDailyPnL writes the day's equity tracking row. starting_equity is
// only set on first insert; later calls update the current side.
func (db *DB) UpsertDailyPnL(ctx context.Context, p *RiskDailyPnL) error {
	query := `
		INSERT INTO risk_daily_pnl (date, starting_equity, current_equity, daily_drawdown_pct, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (date) DO UPDATE SET
			current_equity = EXCLUDED.current_equity,
			daily_drawdown_pct = EXCLUDED.daily_drawdown_pct,
			updated_at = NOW()`

	_, err := db.Pool.Exec(ctx, query,
		p.Date.UTC().Truncate(24*time.Hour),
		p.StartingEquity, p.CurrentEquity, p.DailyDrawdownPct)
	if err != nil {
		return fmt.Errorf("failed to upsert daily pnl: %w", err)
	}
	return nil
}

// GetGovernorState reads one durable governor flag. Returns "" when unset.
func (db *DB) GetGovernorState(ctx context.Context, key string) (string, error) {
	query := `SELECT value FROM risk_governor_state WHERE key = $1`

	var value string
	err := db.Pool.QueryRow(ctx, query, key).Scan(&value)
	if err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get governor state: %w", err)
	}
	return value, nil
}

// SetGovernorState writes one durable governor flag.
func (db *DB) SetGovernorState(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO risk_governor_state (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = NOW()`

	if _, err := db.Pool.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set governor state: %w", err)
	}
	return nil
}

// DeleteGovernorState removes one flag.
func (db *DB) DeleteGovernorState(ctx context.Context, key string) error {
	if _, err := db.Pool.Exec(ctx, `DELETE FROM risk_governor_state WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete governor state: %w", err)
	}
	return nil
}
