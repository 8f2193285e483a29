package consensus

import (
	"context"

	"github.com/fzheng/hivemind-sub000/internal/cost"
	"github.com/fzheng/hivemind-sub000/internal/exchange"
)

// CostModel bundles the cost providers the detector prices venues with.
type CostModel struct {
	Fees     *cost.FeeProvider
	Slippage *cost.SlippageProvider
	Funding  *cost.FundingProvider
	Hold     *cost.HoldTimeEstimator
}

// PriceVenue computes one venue's cost breakdown and EV for a candidate
// signal. stopPct is a fraction (0.01 = 1%).
func (m CostModel) PriceVenue(ctx context.Context, venue exchange.Venue, asset string, dir exchange.Direction, notionalUSD, pWin, avgWinR, avgLossR, stopPct float64, regimeName string) CostBreakdown {
	cb := CostBreakdown{Venue: venue}

	cb.FeesBps = m.Fees.RoundTripBps(ctx, venue, asset, true)
	cb.SlippageBps = m.Slippage.Estimate(ctx, venue, asset, dir, notionalUSD).TotalBps

	holdHours := m.Hold.EstimateHours(ctx, asset, regimeName)
	cb.FundingBps = m.Funding.HoldCostBps(ctx, venue, asset, dir, holdHours)

	cb.TotalBps = cb.FeesBps + cb.SlippageBps + cb.FundingBps
	cb.StopDistanceBps = stopPct * 10_000
	if cb.StopDistanceBps > 0 {
		cb.CostR = cb.TotalBps / cb.StopDistanceBps
	}
	cb.GrossEV = pWin*avgWinR - (1-pWin)*avgLossR
	cb.NetEV = cb.GrossEV - cb.CostR
	return cb
}

// CompareVenues prices every configured venue and picks the one with the
// best net EV. PriceVenue always yields a breakdown, falling back to the
// static cost tables when live data is unavailable.
func (m CostModel) CompareVenues(ctx context.Context, venues []exchange.Venue, asset string, dir exchange.Direction, notionalUSD, pWin, avgWinR, avgLossR, stopPct float64, regimeName string) (CostBreakdown, []CostBreakdown) {
	all := make([]CostBreakdown, 0, len(venues))
	var best CostBreakdown
	for i, v := range venues {
		cb := m.PriceVenue(ctx, v, asset, dir, notionalUSD, pWin, avgWinR, avgLossR, stopPct, regimeName)
		all = append(all, cb)
		if i == 0 || cb.NetEV > best.NetEV {
			best = cb
		}
	}
	return best, all
}
