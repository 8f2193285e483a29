package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fzheng/hivemind-sub000/internal/consensus"
	"github.com/fzheng/hivemind-sub000/internal/correlation"
	"github.com/fzheng/hivemind-sub000/internal/cost"
	"github.com/fzheng/hivemind-sub000/internal/database"
	"github.com/fzheng/hivemind-sub000/internal/exchange"
	"github.com/fzheng/hivemind-sub000/internal/executor"
	"github.com/fzheng/hivemind-sub000/internal/feed"
	"github.com/fzheng/hivemind-sub000/internal/risk"
	"github.com/fzheng/hivemind-sub000/internal/sizing"
	"github.com/fzheng/hivemind-sub000/internal/stops"
)

type Config struct {
	Database    database.Config            `json:"database"`
	Redis       feed.Config                `json:"redis"`
	Consensus   consensus.Config           `json:"consensus"`
	ATR         cost.ATRConfig             `json:"atr"`
	Correlation correlation.Config         `json:"correlation"`
	Kelly       sizing.Config              `json:"kelly"`
	Risk        risk.Config                `json:"risk"`
	Stops       stops.Config               `json:"stops"`
	Execution   executor.Config            `json:"execution"`
	Hyperliquid exchange.HyperliquidConfig `json:"hyperliquid"`
	Bybit       exchange.BybitConfig       `json:"bybit"`
	Aster       exchange.AsterConfig       `json:"aster"`
	Venues      VenuesConfig               `json:"venues"`
	Logging     LoggingConfig              `json:"logging"`
}

// VenuesConfig controls which adapters are registered and how they are
// paced. Rate delays are the minimum gap between consecutive REST probes
// against one venue.
type VenuesConfig struct {
	Testnet                bool     `json:"testnet"`
	Enabled                []string `json:"enabled"`
	HealthCheckIntervalSec int      `json:"health_check_interval_sec"`
	HyperliquidDelayMs     int      `json:"hyperliquid_delay_ms"`
	BybitDelayMs           int      `json:"bybit_delay_ms"`
	AsterDelayMs           int      `json:"aster_delay_ms"`
}

// RateDelay returns the pacing delay for a venue.
func (v VenuesConfig) RateDelay(venue exchange.Venue) time.Duration {
	switch venue {
	case exchange.VenueHyperliquid:
		return time.Duration(v.HyperliquidDelayMs) * time.Millisecond
	case exchange.VenueBybit:
		return time.Duration(v.BybitDelayMs) * time.Millisecond
	case exchange.VenueAster:
		return time.Duration(v.AsterDelayMs) * time.Millisecond
	}
	return 500 * time.Millisecond
}

// VenueEnabled reports whether a venue is in the enabled list.
func (v VenuesConfig) VenueEnabled(venue exchange.Venue) bool {
	for _, name := range v.Enabled {
		if exchange.Venue(name) == venue {
			return true
		}
	}
	return false
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // false = console writer
}

func Load() (*Config, error) {
	cfg := defaultConfig()

	// Overlay base config from file when present
	if err := loadFromFile("config.json", cfg); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Database: database.Config{
			Host:     "localhost",
			Port:     5432,
			User:     "hivemind",
			Database: "hivemind",
			SSLMode:  "disable",
		},
		Redis: feed.Config{
			Addr: "localhost:6379",
		},
		Consensus:   consensus.DefaultConfig(),
		ATR:         cost.DefaultATRConfig(),
		Correlation: correlation.DefaultConfig(),
		Kelly:       sizing.DefaultConfig(),
		Risk:        risk.DefaultConfig(),
		Stops:       stops.DefaultConfig(),
		Execution:   executor.DefaultConfig(),
		Hyperliquid: exchange.HyperliquidConfig{
			PrivateKeyEnv:    "HL_PRIVATE_KEY",
			WalletAddressEnv: "HL_WALLET_ADDRESS",
			StreamMids:       true,
		},
		Bybit: exchange.BybitConfig{
			APIKeyEnv:    "BYBIT_API_KEY",
			APISecretEnv: "BYBIT_API_SECRET",
		},
		Aster: exchange.AsterConfig{
			APIKeyEnv:    "ASTER_API_KEY",
			APISecretEnv: "ASTER_API_SECRET",
		},
		Venues: VenuesConfig{
			Enabled:                []string{"hyperliquid", "bybit"},
			HealthCheckIntervalSec: 60,
			HyperliquidDelayMs:     300,
			BybitDelayMs:           750,
			AsterDelayMs:           500,
		},
		Logging: LoggingConfig{
			Level:      "info",
			JSONFormat: true,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Note: venue credentials are NOT read here. Adapters resolve their own
// keys from the env var NAMES configured below, at request time.
func applyEnvOverrides(cfg *Config) {
	// Database config
	cfg.Database.Host = getEnvOrDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvIntOrDefault("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.Database.SSLMode)

	// Redis config
	cfg.Redis.Addr = getEnvOrDefault("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)

	// Consensus config
	cfg.Consensus.MinTraders = getEnvIntOrDefault("CONSENSUS_MIN_TRADERS", cfg.Consensus.MinTraders)
	cfg.Consensus.MinAgreeing = getEnvIntOrDefault("CONSENSUS_MIN_AGREEING", cfg.Consensus.MinAgreeing)
	cfg.Consensus.MinPct = getEnvFloatOrDefault("CONSENSUS_MIN_PCT", cfg.Consensus.MinPct)
	cfg.Consensus.MinEffectiveK = getEnvFloatOrDefault("CONSENSUS_MIN_EFFECTIVE_K", cfg.Consensus.MinEffectiveK)
	cfg.Consensus.BaseWindowSeconds = getEnvIntOrDefault("CONSENSUS_BASE_WINDOW_S", cfg.Consensus.BaseWindowSeconds)
	cfg.Consensus.MaxPriceBandBps = getEnvFloatOrDefault("CONSENSUS_MAX_PRICE_BAND_BPS", cfg.Consensus.MaxPriceBandBps)
	cfg.Consensus.MinEVR = getEnvFloatOrDefault("CONSENSUS_MIN_EV_R", cfg.Consensus.MinEVR)
	cfg.Consensus.StrictATR = getEnvOrDefault("CONSENSUS_STRICT_ATR", boolString(cfg.Consensus.StrictATR)) == "true"

	// ATR config
	cfg.ATR.Period = getEnvIntOrDefault("ATR_PERIOD", cfg.ATR.Period)
	cfg.ATR.CacheTTL = getEnvDurationOrDefault("ATR_CACHE_TTL", cfg.ATR.CacheTTL)
	cfg.ATR.MaxStaleness = getEnvDurationOrDefault("ATR_MAX_STALENESS", cfg.ATR.MaxStaleness)
	cfg.ATR.StrictMode = getEnvOrDefault("ATR_STRICT_MODE", boolString(cfg.ATR.StrictMode)) == "true"

	// Correlation config
	cfg.Correlation.LookbackDays = getEnvIntOrDefault("CORRELATION_LOOKBACK_DAYS", cfg.Correlation.LookbackDays)
	cfg.Correlation.HalflifeDays = getEnvFloatOrDefault("CORRELATION_HALFLIFE_DAYS", cfg.Correlation.HalflifeDays)
	cfg.Correlation.DefaultRho = getEnvFloatOrDefault("CORRELATION_DEFAULT_RHO", cfg.Correlation.DefaultRho)
	cfg.Correlation.NonHLDefaultRho = getEnvFloatOrDefault("CORRELATION_NON_HL_DEFAULT_RHO", cfg.Correlation.NonHLDefaultRho)

	// Kelly config
	cfg.Kelly.Enabled = getEnvOrDefault("KELLY_ENABLED", boolString(cfg.Kelly.Enabled)) == "true"
	cfg.Kelly.Fraction = getEnvFloatOrDefault("KELLY_FRACTION", cfg.Kelly.Fraction)
	cfg.Kelly.MinEpisodes = getEnvIntOrDefault("KELLY_MIN_EPISODES", cfg.Kelly.MinEpisodes)
	cfg.Kelly.FallbackPct = getEnvFloatOrDefault("KELLY_FALLBACK_PCT", cfg.Kelly.FallbackPct)
	cfg.Kelly.MaxFraction = getEnvFloatOrDefault("KELLY_MAX_FRACTION", cfg.Kelly.MaxFraction)
	cfg.Kelly.MaxPositionPct = getEnvFloatOrDefault("KELLY_MAX_POSITION_PCT", cfg.Kelly.MaxPositionPct)

	// Risk config
	cfg.Risk.LiquidationDistanceMin = getEnvFloatOrDefault("RISK_LIQUIDATION_DISTANCE_MIN", cfg.Risk.LiquidationDistanceMin)
	cfg.Risk.DailyDrawdownKillPct = getEnvFloatOrDefault("RISK_DAILY_DRAWDOWN_KILL_PCT", cfg.Risk.DailyDrawdownKillPct)
	cfg.Risk.MinEquityFloor = getEnvFloatOrDefault("RISK_MIN_EQUITY_FLOOR", cfg.Risk.MinEquityFloor)
	cfg.Risk.MaxPositionSizePct = getEnvFloatOrDefault("RISK_MAX_POSITION_SIZE_PCT", cfg.Risk.MaxPositionSizePct)
	cfg.Risk.MaxTotalExposurePct = getEnvFloatOrDefault("RISK_MAX_TOTAL_EXPOSURE_PCT", cfg.Risk.MaxTotalExposurePct)
	cfg.Risk.KillSwitchCooldown = getEnvDurationOrDefault("RISK_KILL_SWITCH_COOLDOWN", cfg.Risk.KillSwitchCooldown)
	cfg.Risk.MaxConcurrentPositions = getEnvIntOrDefault("RISK_MAX_CONCURRENT_POSITIONS", cfg.Risk.MaxConcurrentPositions)
	cfg.Risk.MaxPositionPerSymbol = getEnvIntOrDefault("RISK_MAX_POSITION_PER_SYMBOL", cfg.Risk.MaxPositionPerSymbol)
	cfg.Risk.APIErrorThreshold = getEnvIntOrDefault("RISK_API_ERROR_THRESHOLD", cfg.Risk.APIErrorThreshold)
	cfg.Risk.APIErrorPause = getEnvDurationOrDefault("RISK_API_ERROR_PAUSE", cfg.Risk.APIErrorPause)
	cfg.Risk.MaxConsecutiveLosses = getEnvIntOrDefault("RISK_MAX_CONSECUTIVE_LOSSES", cfg.Risk.MaxConsecutiveLosses)
	cfg.Risk.LossStreakPause = getEnvDurationOrDefault("RISK_LOSS_STREAK_PAUSE", cfg.Risk.LossStreakPause)

	// Stops config
	cfg.Stops.PollInterval = getEnvDurationOrDefault("STOPS_POLL_INTERVAL", cfg.Stops.PollInterval)
	cfg.Stops.DefaultRR = getEnvFloatOrDefault("STOPS_DEFAULT_RR", cfg.Stops.DefaultRR)
	cfg.Stops.MaxHold = getEnvDurationOrDefault("STOPS_MAX_HOLD", cfg.Stops.MaxHold)
	cfg.Stops.TrailingEnabled = getEnvOrDefault("STOPS_TRAILING_ENABLED", boolString(cfg.Stops.TrailingEnabled)) == "true"
	cfg.Stops.UseNativeStops = getEnvOrDefault("STOPS_USE_NATIVE", boolString(cfg.Stops.UseNativeStops)) == "true"

	// Execution config
	cfg.Execution.Enabled = getEnvOrDefault("EXECUTION_ENABLED", boolString(cfg.Execution.Enabled)) == "true"
	cfg.Execution.RealExecutionEnabled = getEnvOrDefault("REAL_EXECUTION_ENABLED", "false") == "true"
	cfg.Execution.DefaultVenue = exchange.Venue(getEnvOrDefault("EXECUTION_DEFAULT_VENUE", string(cfg.Execution.DefaultVenue)))
	cfg.Execution.DefaultLeverage = getEnvIntOrDefault("EXECUTION_DEFAULT_LEVERAGE", cfg.Execution.DefaultLeverage)
	cfg.Execution.MinEVR = getEnvFloatOrDefault("EXECUTION_MIN_EV_R", cfg.Execution.MinEVR)
	cfg.Execution.MaxRetries = getEnvIntOrDefault("EXECUTION_MAX_RETRIES", cfg.Execution.MaxRetries)
	cfg.Execution.RetryBackoff = getEnvDurationOrDefault("EXECUTION_RETRY_BACKOFF", cfg.Execution.RetryBackoff)

	// Venue configs - credential env var NAMES only, never values
	cfg.Venues.Testnet = getEnvOrDefault("VENUES_TESTNET", boolString(cfg.Venues.Testnet)) == "true"
	cfg.Venues.HealthCheckIntervalSec = getEnvIntOrDefault("VENUES_HEALTH_CHECK_INTERVAL_SEC", cfg.Venues.HealthCheckIntervalSec)
	cfg.Hyperliquid.Testnet = cfg.Venues.Testnet
	cfg.Hyperliquid.PrivateKeyEnv = getEnvOrDefault("HL_PRIVATE_KEY_ENV", cfg.Hyperliquid.PrivateKeyEnv)
	cfg.Hyperliquid.WalletAddressEnv = getEnvOrDefault("HL_WALLET_ADDRESS_ENV", cfg.Hyperliquid.WalletAddressEnv)
	cfg.Bybit.Testnet = cfg.Venues.Testnet
	cfg.Bybit.APIKeyEnv = getEnvOrDefault("BYBIT_API_KEY_ENV", cfg.Bybit.APIKeyEnv)
	cfg.Bybit.APISecretEnv = getEnvOrDefault("BYBIT_API_SECRET_ENV", cfg.Bybit.APISecretEnv)
	cfg.Aster.Testnet = cfg.Venues.Testnet
	cfg.Aster.APIKeyEnv = getEnvOrDefault("ASTER_API_KEY_ENV", cfg.Aster.APIKeyEnv)
	cfg.Aster.APISecretEnv = getEnvOrDefault("ASTER_API_SECRET_ENV", cfg.Aster.APISecretEnv)

	// Logging config
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.JSONFormat = getEnvOrDefault("LOG_JSON", boolString(cfg.Logging.JSONFormat)) == "true"
}

func loadFromFile(filename string, cfg *Config) error {
	file, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(file, cfg); err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}
	return nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if durVal, err := time.ParseDuration(value); err == nil {
			return durVal
		}
	}
	return defaultValue
}
