package cost

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EpisodeSource reports historical hold durations for an asset. Implemented
// over closed decision outcomes; nil means no history.
type EpisodeSource interface {
	AvgEpisodeHours(ctx context.Context, asset string) (hours float64, episodes int, err error)
}

// Hold-horizon shortening by regime name. Unlisted regimes hold the
// default horizon.
var holdRegimeMultiplier = map[string]float64{
	"volatile": 0.5,
	"ranging":  0.75,
}

const (
	holdCacheTTL        = 10 * time.Minute
	minEpisodesForHold  = 5
	defaultHoldHours    = 8.0
	maxEstimatedHoldHrs = 72.0
)

// HoldTimeEstimator predicts how long a new position will be held, from
// historical episode durations with a configured default fallback.
type HoldTimeEstimator struct {
	episodes EpisodeSource
	fallback float64
	log      zerolog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]holdEntry
}

type holdEntry struct {
	hours     float64
	timestamp time.Time
}

// NewHoldTimeEstimator creates an estimator. fallbackHours <= 0 selects the
// standard default.
func NewHoldTimeEstimator(episodes EpisodeSource, fallbackHours float64, logger zerolog.Logger) *HoldTimeEstimator {
	if fallbackHours <= 0 {
		fallbackHours = defaultHoldHours
	}
	return &HoldTimeEstimator{
		episodes: episodes,
		fallback: fallbackHours,
		log:      logger.With().Str("component", "holdtime_estimator").Logger(),
		now:      time.Now,
		cache:    make(map[string]holdEntry),
	}
}

// EstimateHours returns the expected hold horizon for an asset under the
// named regime.
func (e *HoldTimeEstimator) EstimateHours(ctx context.Context, asset, regimeName string) float64 {
	base := e.baseHours(ctx, strings.ToUpper(asset))
	if mult, ok := holdRegimeMultiplier[strings.ToLower(regimeName)]; ok {
		base *= mult
	}
	return base
}

func (e *HoldTimeEstimator) baseHours(ctx context.Context, asset string) float64 {
	e.mu.RLock()
	cached, ok := e.cache[asset]
	e.mu.RUnlock()
	if ok && e.now().Sub(cached.timestamp) < holdCacheTTL {
		return cached.hours
	}

	hours := e.fallback
	if e.episodes != nil {
		avg, n, err := e.episodes.AvgEpisodeHours(ctx, asset)
		switch {
		case err != nil:
			e.log.Debug().Err(err).Str("asset", asset).Msg("episode history fetch failed")
		case n >= minEpisodesForHold && avg > 0:
			hours = avg
			if hours > maxEstimatedHoldHrs {
				hours = maxEstimatedHoldHrs
			}
		}
	}

	e.mu.Lock()
	e.cache[asset] = holdEntry{hours: hours, timestamp: e.now()}
	e.mu.Unlock()
	return hours
}
