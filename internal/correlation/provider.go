package correlation

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fzheng/hivemind-sub000/internal/database"
	"github.com/fzheng/hivemind-sub000/internal/exchange"
)

// Config holds correlation provider configuration.
type Config struct {
	BucketMinutes    int     `json:"bucket_minutes"`
	LookbackDays     int     `json:"lookback_days"`
	MinCommonBuckets int     `json:"min_common_buckets"`
	MaxStalenessDays float64 `json:"max_staleness_days"`
	HalflifeDays     float64 `json:"halflife_days"`
	DefaultRho       float64 `json:"default_rho"`
	NonHLDefaultRho  float64 `json:"non_hl_default_rho"`
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		BucketMinutes:    5,
		LookbackDays:     30,
		MinCommonBuckets: 10,
		MaxStalenessDays: 7,
		HalflifeDays:     3.0,
		DefaultRho:       0.3,
		NonHLDefaultRho:  0.5,
	}
}

// Store is the persistence surface the provider loads from.
type Store interface {
	LoadCorrelations(ctx context.Context, asset string) ([]*database.TraderCorrelation, error)
}

// MatrixSink receives the hydrated pairwise matrix.
type MatrixSink interface {
	SetCorrelation(addrA, addrB string, rho float64)
}

// entry is one stored pair with its load metadata.
type entry struct {
	rho      float64
	asOfDate time.Time
	nBuckets int
}

// PairKey returns the canonical sorted-lowercase key parts for a pair.
func PairKey(a, b string) (string, string) {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a > b {
		a, b = b, a
	}
	return a, b
}

// Provider serves time-decayed pairwise trader correlations for one asset.
// The stored matrix is reloaded at most once per day; between loads, lookups
// decay toward a venue-specific default.
type Provider struct {
	store Store
	cfg   Config
	venue exchange.Venue
	log   zerolog.Logger
	now   func() time.Time

	mu       sync.RWMutex
	pairs    map[[2]string]entry
	loadedAt time.Time
}

// NewProvider creates a provider. venue selects the decay target rho.
func NewProvider(store Store, cfg Config, venue exchange.Venue, logger zerolog.Logger) *Provider {
	if cfg.HalflifeDays <= 0 {
		cfg = DefaultConfig()
	}
	return &Provider{
		store: store,
		cfg:   cfg,
		venue: venue,
		log:   logger.With().Str("component", "correlation_provider").Str("venue", string(venue)).Logger(),
		now:   time.Now,
		pairs: make(map[[2]string]entry),
	}
}

// defaultRho is the venue-aware decay target. Non-HL venues get a higher
// default because the correlation data originates from HL behavior.
func (p *Provider) defaultRho() float64 {
	if p.venue == exchange.VenueHyperliquid {
		return p.cfg.DefaultRho
	}
	return p.cfg.NonHLDefaultRho
}

// Load refreshes the matrix from the store if the last load is older than a
// day (or force is set).
func (p *Provider) Load(ctx context.Context, asset string, force bool) error {
	p.mu.RLock()
	fresh := !force && p.now().Sub(p.loadedAt) < 24*time.Hour && len(p.pairs) > 0
	p.mu.RUnlock()
	if fresh {
		return nil
	}

	rows, err := p.store.LoadCorrelations(ctx, strings.ToUpper(asset))
	if err != nil {
		return err
	}

	pairs := make(map[[2]string]entry, len(rows))
	for _, row := range rows {
		if row.NBuckets < p.cfg.MinCommonBuckets {
			continue
		}
		a, b := PairKey(row.AddrA, row.AddrB)
		rho := row.Rho
		// Anti-correlated traders count as independent, never diversifying.
		if rho < 0 {
			rho = 0
		}
		if rho > 1 {
			rho = 1
		}
		pairs[[2]string{a, b}] = entry{rho: rho, asOfDate: row.AsOfDate, nBuckets: row.NBuckets}
	}

	p.mu.Lock()
	p.pairs = pairs
	p.loadedAt = p.now()
	p.mu.Unlock()
	p.log.Info().Str("asset", asset).Int("pairs", len(pairs)).Msg("correlation matrix loaded")
	return nil
}

// DecayFactor is 2^(-ageDays/halflife).
func DecayFactor(ageDays, halflifeDays float64) float64 {
	if ageDays <= 0 {
		return 1
	}
	return math.Exp2(-ageDays / halflifeDays)
}

// Rho returns the decayed correlation for a pair. Missing pairs return the
// venue default directly.
func (p *Provider) Rho(a, b string) float64 {
	ka, kb := PairKey(a, b)
	if ka == kb {
		return 1
	}

	p.mu.RLock()
	e, ok := p.pairs[[2]string{ka, kb}]
	p.mu.RUnlock()
	if !ok {
		return p.defaultRho()
	}

	ageDays := p.now().Sub(e.asOfDate).Hours() / 24
	decay := DecayFactor(ageDays, p.cfg.HalflifeDays)
	if decay >= 0.99 {
		return e.rho
	}
	rho0 := p.defaultRho()
	return e.rho*decay + rho0*(1-decay)
}

// IsStale reports whether a pair's stored datum is beyond the hard age
// ceiling. Callers still get a decayed value from Rho, never a null.
func (p *Provider) IsStale(a, b string) bool {
	ka, kb := PairKey(a, b)
	p.mu.RLock()
	e, ok := p.pairs[[2]string{ka, kb}]
	p.mu.RUnlock()
	if !ok {
		return true
	}
	ageDays := p.now().Sub(e.asOfDate).Hours() / 24
	return ageDays > p.cfg.MaxStalenessDays
}

// Hydrate writes the full decayed matrix into a sink.
func (p *Provider) Hydrate(sink MatrixSink) {
	p.mu.RLock()
	keys := make([][2]string, 0, len(p.pairs))
	for k := range p.pairs {
		keys = append(keys, k)
	}
	p.mu.RUnlock()

	for _, k := range keys {
		sink.SetCorrelation(k[0], k[1], p.Rho(k[0], k[1]))
	}
}
