package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdaptiveWindowSeconds(t *testing.T) {
	assert.Equal(t, 120, AdaptiveWindowSeconds(0))
	assert.Equal(t, 120, AdaptiveWindowSeconds(0.32))
	assert.Equal(t, 240, AdaptiveWindowSeconds(0.34))
	assert.Equal(t, 240, AdaptiveWindowSeconds(0.65))
	assert.Equal(t, 360, AdaptiveWindowSeconds(0.67))
	assert.Equal(t, 360, AdaptiveWindowSeconds(1))
}

func TestWindowSet(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	ws := newWindowSet(func() time.Time { return clock })

	f1 := Fill{ID: "1", Trader: "0xaaa", Asset: "BTC", Size: 1, Price: 50_000, Timestamp: base}
	snap := ws.add(f1, 2*time.Minute)
	require.Len(t, snap, 1)

	clock = base.Add(30 * time.Second)
	f2 := Fill{ID: "2", Trader: "0xbbb", Asset: "BTC", Size: 1, Price: 50_010, Timestamp: clock}
	snap = ws.add(f2, 2*time.Minute)
	require.Len(t, snap, 2)

	fills, w := ws.snapshot("BTC")
	require.NotNil(t, w)
	assert.Len(t, fills, 2)
	assert.Equal(t, 2*time.Minute, w.Duration)

	t.Run("expiry opens a fresh window", func(t *testing.T) {
		clock = base.Add(3 * time.Minute)
		fills, w := ws.snapshot("BTC")
		assert.Nil(t, w)
		assert.Nil(t, fills)

		f3 := Fill{ID: "3", Trader: "0xccc", Asset: "BTC", Size: 1, Price: 50_020, Timestamp: clock}
		snap := ws.add(f3, 2*time.Minute)
		require.Len(t, snap, 1)
		assert.Equal(t, "3", snap[0].ID)
	})

	t.Run("clear drops the window", func(t *testing.T) {
		ws.clear("BTC")
		fills, w := ws.snapshot("BTC")
		assert.Nil(t, w)
		assert.Nil(t, fills)
	})

	t.Run("assets are independent", func(t *testing.T) {
		ws.add(Fill{ID: "b", Trader: "0xaaa", Asset: "BTC", Size: 1, Price: 50_000, Timestamp: clock}, time.Minute)
		ws.add(Fill{ID: "e", Trader: "0xaaa", Asset: "ETH", Size: 1, Price: 3_000, Timestamp: clock}, time.Minute)
		ws.clear("BTC")
		_, w := ws.snapshot("ETH")
		assert.NotNil(t, w)
	})

	t.Run("snapshot is a copy", func(t *testing.T) {
		fills, _ := ws.snapshot("ETH")
		require.Len(t, fills, 1)
		fills[0].Size = 99
		again, _ := ws.snapshot("ETH")
		assert.Equal(t, 1.0, again[0].Size)
	})
}
