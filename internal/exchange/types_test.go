package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBaseAsset(t *testing.T) {
	assert.Equal(t, "BTC", BaseAsset("BTC"))
	assert.Equal(t, "BTC", BaseAsset("BTCUSDT"))
	assert.Equal(t, "BTC", BaseAsset("BTC-PERP"))
	assert.Equal(t, "BTC", BaseAsset(" btc "))

	// A longer asset sharing a prefix is not collapsed.
	assert.Equal(t, "SOLO", BaseAsset("SOLO-PERP"))
	assert.NotEqual(t, BaseAsset("SOL"), BaseAsset("SOLO"))
}

func TestParseDirection(t *testing.T) {
	for _, s := range []string{"long", "Buy", "b"} {
		d, err := ParseDirection(s)
		assert.NoError(t, err)
		assert.Equal(t, DirectionLong, d)
	}
	d, err := ParseDirection("SELL")
	assert.NoError(t, err)
	assert.Equal(t, DirectionShort, d)

	_, err = ParseDirection("hold")
	assert.Error(t, err)
}
