package database

import (
	"context"
	"fmt"
)

// ==================== TRADER PERFORMANCE ====================

// GetTraderPerformance returns one trader's stats, or nil when unseen.
func (db *DB) GetTraderPerformance(ctx context.Context, address string) (*TraderPerformance, error) {
	query := `
		SELECT address, nig_m, nig_kappa, nig_alpha, nig_beta, total_signals,
			avg_r, avg_win_r, avg_loss_r, win_rate, episode_count, updated_at
		FROM trader_performance WHERE address = $1`

	p := &TraderPerformance{}
	err := db.Pool.QueryRow(ctx, query, address).Scan(
		&p.Address, &p.NigM, &p.NigKappa, &p.NigAlpha, &p.NigBeta,
		&p.TotalSignals, &p.AvgR, &p.AvgWinR, &p.AvgLossR,
		&p.WinRate, &p.EpisodeCount, &p.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get trader performance: %w", err)
	}
	return p, nil
}

// ListTraderPerformance returns stats for a set of addresses. Missing
// addresses are simply absent from the result map.
func (db *DB) ListTraderPerformance(ctx context.Context, addresses []string) (map[string]*TraderPerformance, error) {
	if len(addresses) == 0 {
		return map[string]*TraderPerformance{}, nil
	}
	query := `
		SELECT address, nig_m, nig_kappa, nig_alpha, nig_beta, total_signals,
			avg_r, avg_win_r, avg_loss_r, win_rate, episode_count, updated_at
		FROM trader_performance WHERE address = ANY($1)`

	rows, err := db.Pool.Query(ctx, query, addresses)
	if err != nil {
		return nil, fmt.Errorf("failed to list trader performance: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*TraderPerformance, len(addresses))
	for rows.Next() {
		p := &TraderPerformance{}
		err := rows.Scan(
			&p.Address, &p.NigM, &p.NigKappa, &p.NigAlpha, &p.NigBeta,
			&p.TotalSignals, &p.AvgR, &p.AvgWinR, &p.AvgLossR,
			&p.WinRate, &p.EpisodeCount, &p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trader performance: %w", err)
		}
		out[p.Address] = p
	}
	return out, rows.Err()
}

// UpsertTraderPerformance writes a trader's stats row.
func (db *DB) UpsertTraderPerformance(ctx context.Context, p *TraderPerformance) error {
	query := `
		INSERT INTO trader_performance (
			address, nig_m, nig_kappa, nig_alpha, nig_beta, total_signals,
			avg_r, avg_win_r, avg_loss_r, win_rate, episode_count, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (address) DO UPDATE SET
			nig_m = EXCLUDED.nig_m,
			nig_kappa = EXCLUDED.nig_kappa,
			nig_alpha = EXCLUDED.nig_alpha,
			nig_beta = EXCLUDED.nig_beta,
			total_signals = EXCLUDED.total_signals,
			avg_r = EXCLUDED.avg_r,
			avg_win_r = EXCLUDED.avg_win_r,
			avg_loss_r = EXCLUDED.avg_loss_r,
			win_rate = EXCLUDED.win_rate,
			episode_count = EXCLUDED.episode_count,
			updated_at = NOW()`

	_, err := db.Pool.Exec(ctx, query,
		p.Address, p.NigM, p.NigKappa, p.NigAlpha, p.NigBeta, p.TotalSignals,
		p.AvgR, p.AvgWinR, p.AvgLossR, p.WinRate, p.EpisodeCount,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert trader performance: %w", err)
	}
	return nil
}

// ==================== ALPHA POOL ====================

// ListAlphaPoolAddresses returns the active tracked addresses.
func (db *DB) ListAlphaPoolAddresses(ctx context.Context) ([]*AlphaPoolAddress, error) {
	query := `
		SELECT address, is_active, pnl_30d, roi_30d, win_rate, account_value, updated_at
		FROM alpha_pool_addresses
		WHERE is_active = TRUE
		ORDER BY pnl_30d DESC`

	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list alpha pool addresses: %w", err)
	}
	defer rows.Close()

	var out []*AlphaPoolAddress
	for rows.Next() {
		a := &AlphaPoolAddress{}
		err := rows.Scan(&a.Address, &a.IsActive, &a.PnL30d, &a.ROI30d,
			&a.WinRate, &a.AccountValue, &a.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alpha pool address: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertAlphaPoolAddress writes one tracked-address row.
func (db *DB) UpsertAlphaPoolAddress(ctx context.Context, a *AlphaPoolAddress) error {
	query := `
		INSERT INTO alpha_pool_addresses (
			address, is_active, pnl_30d, roi_30d, win_rate, account_value, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (address) DO UPDATE SET
			is_active = EXCLUDED.is_active,
			pnl_30d = EXCLUDED.pnl_30d,
			roi_30d = EXCLUDED.roi_30d,
			win_rate = EXCLUDED.win_rate,
			account_value = EXCLUDED.account_value,
			updated_at = NOW()`

	_, err := db.Pool.Exec(ctx, query,
		a.Address, a.IsActive, a.PnL30d, a.ROI30d, a.WinRate, a.AccountValue)
	if err != nil {
		return fmt.Errorf("failed to upsert alpha pool address: %w", err)
	}
	return nil
}
