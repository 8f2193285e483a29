package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fzheng/hivemind-sub000/internal/exchange"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Consensus.MinTraders)
	assert.Equal(t, []string{"hyperliquid", "bybit"}, cfg.Venues.Enabled)
	assert.False(t, cfg.Execution.RealExecutionEnabled)
	assert.Equal(t, "HL_PRIVATE_KEY", cfg.Hyperliquid.PrivateKeyEnv)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("CONSENSUS_MIN_TRADERS", "5")
	t.Setenv("REAL_EXECUTION_ENABLED", "true")
	t.Setenv("STOPS_MAX_HOLD", "24h")
	t.Setenv("EXECUTION_DEFAULT_VENUE", "bybit")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5, cfg.Consensus.MinTraders)
	assert.True(t, cfg.Execution.RealExecutionEnabled)
	assert.Equal(t, 24*time.Hour, cfg.Stops.MaxHold)
	assert.Equal(t, exchange.VenueBybit, cfg.Execution.DefaultVenue)
}

func TestEnvOverrideBadValuesIgnored(t *testing.T) {
	t.Setenv("DB_PORT", "not-a-port")
	t.Setenv("STOPS_POLL_INTERVAL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, defaultConfig().Stops.PollInterval, cfg.Stops.PollInterval)
}

func TestCredentialOverridesChangeNamesNotValues(t *testing.T) {
	// Only the env var NAME is configurable; the adapter resolves the value.
	t.Setenv("BYBIT_API_KEY_ENV", "MY_BYBIT_KEY")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "MY_BYBIT_KEY", cfg.Bybit.APIKeyEnv)
}

func TestVenuesConfig(t *testing.T) {
	v := VenuesConfig{
		Enabled:            []string{"hyperliquid"},
		HyperliquidDelayMs: 300,
	}

	assert.True(t, v.VenueEnabled(exchange.VenueHyperliquid))
	assert.False(t, v.VenueEnabled(exchange.VenueBybit))
	assert.Equal(t, 300*time.Millisecond, v.RateDelay(exchange.VenueHyperliquid))
	assert.Equal(t, time.Duration(0), v.RateDelay(exchange.VenueBybit))

	t.Run("unknown venue gets the conservative default", func(t *testing.T) {
		assert.Equal(t, 500*time.Millisecond, v.RateDelay(exchange.Venue("unknown")))
	})
}
