package database

import (
	"context"
	"fmt"
	"time"
)

// ==================== TRADER CORRELATION ====================

// LoadCorrelations returns the most recent correlation rows per
// (asset, pair), newest as_of_date winning.
func (db *DB) LoadCorrelations(ctx context.Context, asset string) ([]*TraderCorrelation, error) {
	query := `
		SELECT DISTINCT ON (addr_a, addr_b)
			as_of_date, asset, addr_a, addr_b, rho, n_buckets, computed_at
		FROM trader_corr
		WHERE asset = $1
		ORDER BY addr_a, addr_b, as_of_date DESC`

	rows, err := db.Pool.Query(ctx, query, asset)
	if err != nil {
		return nil, fmt.Errorf("failed to load correlations: %w", err)
	}
	defer rows.Close()

	var out []*TraderCorrelation
	for rows.Next() {
		c := &TraderCorrelation{}
		err := rows.Scan(&c.AsOfDate, &c.Asset, &c.AddrA, &c.AddrB,
			&c.Rho, &c.NBuckets, &c.ComputedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan correlation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertCorrelation writes one pairwise correlation row. Callers must
// already have addr_a < addr_b.
func (db *DB) UpsertCorrelation(ctx context.Context, c *TraderCorrelation) error {
	if c.AddrA >= c.AddrB {
		return fmt.Errorf("correlation pair not ordered: %s >= %s", c.AddrA, c.AddrB)
	}
	query := `
		INSERT INTO trader_corr (as_of_date, asset, addr_a, addr_b, rho, n_buckets, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (as_of_date, asset, addr_a, addr_b) DO UPDATE SET
			rho = EXCLUDED.rho,
			n_buckets = EXCLUDED.n_buckets,
			computed_at = EXCLUDED.computed_at`

	if c.ComputedAt.IsZero() {
		c.ComputedAt = time.Now().UTC()
	}
	_, err := db.Pool.Exec(ctx, query,
		c.AsOfDate, c.Asset, c.AddrA, c.AddrB, c.Rho, c.NBuckets, c.ComputedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert correlation: %w", err)
	}
	return nil
}
