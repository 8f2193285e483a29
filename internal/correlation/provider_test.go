package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fzheng/hivemind-sub000/internal/database"
	"github.com/fzheng/hivemind-sub000/internal/exchange"
)

type memCorrStore struct {
	rows  []*database.TraderCorrelation
	calls int
	err   error
}

func (s *memCorrStore) LoadCorrelations(ctx context.Context, asset string) ([]*database.TraderCorrelation, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.rows, nil
}

type sinkMap map[[2]string]float64

func (s sinkMap) SetCorrelation(a, b string, rho float64) { s[[2]string{a, b}] = rho }

func pair(a, b string, rho float64, asOf time.Time, buckets int) *database.TraderCorrelation {
	return &database.TraderCorrelation{AddrA: a, AddrB: b, Rho: rho, AsOfDate: asOf, NBuckets: buckets}
}

func corrFixture(t *testing.T, venue exchange.Venue, rows []*database.TraderCorrelation) (*Provider, *memCorrStore, *time.Time) {
	t.Helper()
	store := &memCorrStore{rows: rows}
	p := NewProvider(store, DefaultConfig(), venue, zerolog.Nop())
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }
	require.NoError(t, p.Load(context.Background(), "BTC", true))
	return p, store, &clock
}

func TestDecayFactor(t *testing.T) {
	assert.Equal(t, 1.0, DecayFactor(0, 3))
	assert.Equal(t, 1.0, DecayFactor(-1, 3))
	assert.InDelta(t, 0.5, DecayFactor(3, 3), 1e-9)
	assert.InDelta(t, 0.25, DecayFactor(6, 3), 1e-9)
}

func TestPairKey(t *testing.T) {
	a, b := PairKey("0xBBB", " 0xaaa")
	assert.Equal(t, "0xaaa", a)
	assert.Equal(t, "0xbbb", b)
}

func TestRho(t *testing.T) {
	asOf := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p, _, clock := corrFixture(t, exchange.VenueHyperliquid, []*database.TraderCorrelation{
		pair("0xaaa", "0xbbb", 0.8, asOf, 50),
		pair("0xccc", "0xddd", -0.4, asOf, 50), // clipped to 0 at load
		pair("0xeee", "0xfff", 0.9, asOf, 5),   // too few common buckets
	})

	t.Run("self correlates fully", func(t *testing.T) {
		assert.Equal(t, 1.0, p.Rho("0xaaa", "0xAAA"))
	})

	t.Run("fresh datum served as stored", func(t *testing.T) {
		assert.InDelta(t, 0.8, p.Rho("0xaaa", "0xbbb"), 1e-9)
		// Order and case independent.
		assert.InDelta(t, 0.8, p.Rho("0xBBB", "0xaaa"), 1e-9)
	})

	t.Run("anti-correlation counts as independent", func(t *testing.T) {
		assert.Zero(t, p.Rho("0xccc", "0xddd"))
	})

	t.Run("sparse pair gets the default", func(t *testing.T) {
		assert.InDelta(t, 0.3, p.Rho("0xeee", "0xfff"), 1e-9)
	})

	t.Run("missing pair gets the default", func(t *testing.T) {
		assert.InDelta(t, 0.3, p.Rho("0x111", "0x222"), 1e-9)
	})

	t.Run("age decays toward the default", func(t *testing.T) {
		*clock = clock.Add(72 * time.Hour) // one halflife
		got := p.Rho("0xaaa", "0xbbb")
		assert.InDelta(t, 0.8*0.5+0.3*0.5, got, 1e-9)
	})
}

func TestRhoNonHLDefault(t *testing.T) {
	p, _, _ := corrFixture(t, exchange.VenueBybit, nil)
	assert.InDelta(t, 0.5, p.Rho("0xaaa", "0xbbb"), 1e-9)
}

func TestLoadCaching(t *testing.T) {
	asOf := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	p, store, clock := corrFixture(t, exchange.VenueHyperliquid, []*database.TraderCorrelation{
		pair("0xaaa", "0xbbb", 0.8, asOf, 50),
	})
	require.Equal(t, 1, store.calls)

	t.Run("fresh matrix is not reloaded", func(t *testing.T) {
		require.NoError(t, p.Load(context.Background(), "BTC", false))
		assert.Equal(t, 1, store.calls)
	})

	t.Run("force reloads", func(t *testing.T) {
		require.NoError(t, p.Load(context.Background(), "BTC", true))
		assert.Equal(t, 2, store.calls)
	})

	t.Run("daily reload", func(t *testing.T) {
		*clock = clock.Add(25 * time.Hour)
		require.NoError(t, p.Load(context.Background(), "BTC", false))
		assert.Equal(t, 3, store.calls)
	})

	t.Run("store failure surfaces", func(t *testing.T) {
		store.err = assert.AnError
		assert.Error(t, p.Load(context.Background(), "BTC", true))
	})
}

func TestIsStale(t *testing.T) {
	asOf := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p, _, clock := corrFixture(t, exchange.VenueHyperliquid, []*database.TraderCorrelation{
		pair("0xaaa", "0xbbb", 0.8, asOf, 50),
	})

	assert.False(t, p.IsStale("0xaaa", "0xbbb"))
	assert.True(t, p.IsStale("0x111", "0x222"))

	*clock = clock.Add(8 * 24 * time.Hour)
	assert.True(t, p.IsStale("0xaaa", "0xbbb"))
}

func TestHydrate(t *testing.T) {
	asOf := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p, _, _ := corrFixture(t, exchange.VenueHyperliquid, []*database.TraderCorrelation{
		pair("0xaaa", "0xbbb", 0.8, asOf, 50),
		pair("0xccc", "0xddd", 0.6, asOf, 50),
	})

	sink := make(sinkMap)
	p.Hydrate(sink)
	assert.Len(t, sink, 2)
	assert.InDelta(t, 0.8, sink[[2]string{"0xaaa", "0xbbb"}], 1e-9)
	assert.InDelta(t, 0.6, sink[[2]string{"0xccc", "0xddd"}], 1e-9)
}
