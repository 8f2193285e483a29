package consensus

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fzheng/hivemind-sub000/internal/cost"
	"github.com/fzheng/hivemind-sub000/internal/exchange"
)

// costModelOver builds a CostModel with one mock per venue. Disconnected
// mocks price from the static tables with zero funding.
func costModelOver(t *testing.T, connected bool, mutate func(map[exchange.Venue]*exchange.MockAdapter)) CostModel {
	t.Helper()
	nop := zerolog.Nop()

	mocks := map[exchange.Venue]*exchange.MockAdapter{
		exchange.VenueHyperliquid: exchange.NewMockAdapter(exchange.VenueHyperliquid),
		exchange.VenueBybit:       exchange.NewMockAdapter(exchange.VenueBybit),
	}
	if mutate != nil {
		mutate(mocks)
	}

	adapters := make(map[exchange.Venue]exchange.Adapter)
	books := make(map[exchange.Venue]cost.BookSource)
	funding := make(map[exchange.Venue]cost.FundingSource)
	for v, m := range mocks {
		if !connected {
			require.NoError(t, m.Disconnect(context.Background()))
		}
		adapters[v] = m
		books[v] = m
		funding[v] = m
	}
	return CostModel{
		Fees:     cost.NewFeeProvider(adapters, nop),
		Slippage: cost.NewSlippageProvider(books, nop),
		Funding:  cost.NewFundingProvider(funding, nop),
		Hold:     cost.NewHoldTimeEstimator(nil, 8, nop),
	}
}

func TestPriceVenueBreakdown(t *testing.T) {
	m := costModelOver(t, false, nil)

	cb := m.PriceVenue(context.Background(), exchange.VenueHyperliquid, "BTC",
		exchange.DirectionLong, 5_000, 0.6, 1, 1, 0.01, "unknown")

	assert.InDelta(t, 9.0, cb.FeesBps, 1e-9)
	assert.InDelta(t, 1.0, cb.SlippageBps, 1e-9)
	assert.Zero(t, cb.FundingBps)
	assert.InDelta(t, 10.0, cb.TotalBps, 1e-9)
	assert.InDelta(t, 100.0, cb.StopDistanceBps, 1e-9)
	assert.InDelta(t, 0.10, cb.CostR, 1e-9)
	assert.InDelta(t, 0.20, cb.GrossEV, 1e-9)
	assert.InDelta(t, 0.10, cb.NetEV, 1e-9)
}

func TestCompareVenuesMinimizesCost(t *testing.T) {
	m := costModelOver(t, false, nil)
	venues := []exchange.Venue{exchange.VenueHyperliquid, exchange.VenueBybit}

	// Static tables, no funding: HL 9+1 bps beats Bybit 11+1.
	best, all := m.CompareVenues(context.Background(), venues, "BTC",
		exchange.DirectionLong, 5_000, 0.6, 1, 1, 0.01, "unknown")

	require.Len(t, all, 2)
	assert.Equal(t, exchange.VenueHyperliquid, all[0].Venue)
	assert.Equal(t, exchange.VenueBybit, all[1].Venue)
	assert.Equal(t, exchange.VenueHyperliquid, best.Venue)
	assert.InDelta(t, 10.0, best.TotalBps, 1e-9)

	t.Run("single venue wins by default", func(t *testing.T) {
		best, all := m.CompareVenues(context.Background(), venues[1:], "BTC",
			exchange.DirectionLong, 5_000, 0.6, 1, 1, 0.01, "unknown")
		require.Len(t, all, 1)
		assert.Equal(t, exchange.VenueBybit, best.Venue)
	})

	t.Run("selection is order independent", func(t *testing.T) {
		// Flipping the venue list must not change the winner.
		best, _ := m.CompareVenues(context.Background(),
			[]exchange.Venue{exchange.VenueBybit, exchange.VenueHyperliquid}, "BTC",
			exchange.DirectionLong, 5_000, 0.6, 1, 1, 0.01, "unknown")
		assert.Equal(t, exchange.VenueHyperliquid, best.Venue)
	})
}

func TestCompareVenuesFundingRebate(t *testing.T) {
	// Hyperliquid funds hourly: +0.0001 over an 8h hold costs a long 8 bps.
	// Bybit's single 8h period at -0.0008 pays the long 8 bps, more than
	// covering its 2 bps fee disadvantage.
	m := costModelOver(t, true, func(mocks map[exchange.Venue]*exchange.MockAdapter) {
		mocks[exchange.VenueHyperliquid].Funding["BTC"] = 0.0001
		mocks[exchange.VenueBybit].Funding["BTC"] = -0.0008
	})
	venues := []exchange.Venue{exchange.VenueHyperliquid, exchange.VenueBybit}

	best, all := m.CompareVenues(context.Background(), venues, "BTC",
		exchange.DirectionLong, 5_000, 0.6, 1, 1, 0.01, "unknown")

	require.Len(t, all, 2)
	assert.InDelta(t, 8.0, all[0].FundingBps, 1e-9)

	assert.Equal(t, exchange.VenueBybit, best.Venue)
	assert.InDelta(t, 11.0, best.FeesBps, 1e-9)
	assert.InDelta(t, -8.0, best.FundingBps, 1e-9)
	assert.InDelta(t, 4.0, best.TotalBps, 1e-9)
	assert.Greater(t, best.NetEV, all[0].NetEV)
}
