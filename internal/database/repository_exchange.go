package database

import (
	"context"
	"fmt"

	"github.com/fzheng/hivemind-sub000/internal/exchange"
)

// ==================== EXCHANGE SNAPSHOTS ====================

// RecordConnection upserts a venue's connection status row. Satisfies
// exchange.ConnectionRecorder.
func (db *DB) RecordConnection(ctx context.Context, venue exchange.Venue, testnet, connected bool, lastError string) error {
	query := `
		INSERT INTO exchange_connections (
			exchange_type, testnet, is_connected, last_connected_at, last_error, updated_at
		) VALUES (
			$1, $2, $3, CASE WHEN $3 THEN NOW() ELSE NULL END, NULLIF($4, ''), NOW()
		)
		ON CONFLICT (exchange_type, testnet) DO UPDATE SET
			is_connected = EXCLUDED.is_connected,
			last_connected_at = COALESCE(EXCLUDED.last_connected_at, exchange_connections.last_connected_at),
			last_error = EXCLUDED.last_error,
			updated_at = NOW()`

	_, err := db.Pool.Exec(ctx, query, string(venue), testnet, connected, lastError)
	if err != nil {
		return fmt.Errorf("failed to record connection: %w", err)
	}
	return nil
}

// RecordBalance appends a USD-normalized balance snapshot for a venue.
func (db *DB) RecordBalance(ctx context.Context, venue exchange.Venue, b exchange.NormalizedBalance) error {
	query := `
		INSERT INTO exchange_balances (
			exchange_type, total_equity, available_balance, margin_used,
			unrealized_pnl, timestamp
		) VALUES ($1, $2, $3, $4, $5, NOW())`

	_, err := db.Pool.Exec(ctx, query,
		string(venue), b.TotalEquityUSD, b.AvailableUSD, b.MarginUsedUSD,
		b.UnrealizedPnLUSD)
	if err != nil {
		return fmt.Errorf("failed to record balance: %w", err)
	}
	return nil
}

// ListConnectionStatus returns the latest connection rows.
func (db *DB) ListConnectionStatus(ctx context.Context) ([]*ExchangeConnection, error) {
	query := `
		SELECT exchange_type, testnet, is_connected, last_connected_at, last_error, updated_at
		FROM exchange_connections
		ORDER BY exchange_type`

	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list connection status: %w", err)
	}
	defer rows.Close()

	var out []*ExchangeConnection
	for rows.Next() {
		c := &ExchangeConnection{}
		err := rows.Scan(&c.ExchangeType, &c.Testnet, &c.IsConnected,
			&c.LastConnectedAt, &c.LastError, &c.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection status: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
