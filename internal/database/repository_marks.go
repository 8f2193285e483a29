package database

import (
	"context"
	"fmt"
	"time"
)

// ==================== 1-MINUTE MARKS ====================

// InsertMark writes one minute bar, replacing any existing bar at the same
// timestamp.
func (db *DB) InsertMark(ctx context.Context, m *Mark1m) error {
	query := `
		INSERT INTO marks_1m (asset, ts, open, high, low, close, mid, atr14)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (asset, ts) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			mid = EXCLUDED.mid,
			atr14 = EXCLUDED.atr14`

	_, err := db.Pool.Exec(ctx, query,
		m.Asset, m.Ts, m.Open, m.High, m.Low, m.Close, m.Mid, m.ATR14)
	if err != nil {
		return fmt.Errorf("failed to insert mark: %w", err)
	}
	return nil
}

// GetRecentMarks returns the latest bars for an asset, oldest first.
func (db *DB) GetRecentMarks(ctx context.Context, asset string, limit int) ([]*Mark1m, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT asset, ts, open, high, low, close, mid, atr14
		FROM (
			SELECT asset, ts, open, high, low, close, mid, atr14
			FROM marks_1m
			WHERE asset = $1
			ORDER BY ts DESC
			LIMIT $2
		) recent
		ORDER BY ts ASC`

	rows, err := db.Pool.Query(ctx, query, asset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent marks: %w", err)
	}
	defer rows.Close()

	var out []*Mark1m
	for rows.Next() {
		m := &Mark1m{}
		err := rows.Scan(&m.Asset, &m.Ts, &m.Open, &m.High, &m.Low,
			&m.Close, &m.Mid, &m.ATR14)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mark: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetLatestATR returns the newest stored ATR value for an asset and the bar
// timestamp it was computed at. Returns (0, zero, nil) when none is stored.
func (db *DB) GetLatestATR(ctx context.Context, asset string) (float64, time.Time, error) {
	query := `
		SELECT atr14, ts FROM marks_1m
		WHERE asset = $1 AND atr14 IS NOT NULL
		ORDER BY ts DESC LIMIT 1`

	var atr float64
	var ts time.Time
	err := db.Pool.QueryRow(ctx, query, asset).Scan(&atr, &ts)
	if err != nil {
		if isNoRows(err) {
			return 0, time.Time{}, nil
		}
		return 0, time.Time{}, fmt.Errorf("failed to get latest ATR: %w", err)
	}
	return atr, ts, nil
}
