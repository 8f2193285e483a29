package sizing

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/fzheng/hivemind-sub000/internal/database"
)

// Sizing method tags recorded with every result.
const (
	MethodKelly            = "kelly"
	MethodFallbackData     = "fallback_insufficient_data"
	MethodFallbackNegEV    = "fallback_negative_ev"
	MethodFallbackNoLoss   = "zero_no_loss_history"
	MethodConsensusMedian  = "consensus_median"
	MethodConsensusFallbck = "consensus_fallback"
)

// Config holds Kelly sizer configuration.
type Config struct {
	Enabled        bool    `json:"enabled"`
	Fraction       float64 `json:"fraction"`
	MinEpisodes    int     `json:"min_episodes"`
	FallbackPct    float64 `json:"fallback_pct"`
	MaxFraction    float64 `json:"max_fraction"`
	MaxPositionPct float64 `json:"max_position_pct"`
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Fraction:       0.25,
		MinEpisodes:    30,
		FallbackPct:    0.01,
		MaxFraction:    0.50,
		MaxPositionPct: 0.10,
	}
}

// Inputs is one sizing request. AvgLossR is stored positive.
type Inputs struct {
	WinRate         float64
	AvgWinR         float64
	AvgLossR        float64
	Episodes        int
	Equity          float64
	Price           float64
	StopDistancePct float64 // fraction, e.g. 0.01
	RoundTripFeePct float64 // fraction
	RegimeKellyMult float64 // 1.0 when regime is neutral
}

// Result is one sizing decision with its full audit trail.
type Result struct {
	USDSize       float64 `json:"usd_size"`
	CoinSize      float64 `json:"coin_size"`
	PositionPct   float64 `json:"position_pct"`
	KellyFull     float64 `json:"kelly_full"`
	KellyFraction float64 `json:"kelly_fraction"`
	EV            float64 `json:"ev"`
	Method        string  `json:"method"`
	Reasoning     string  `json:"reasoning"`
	Capped        bool    `json:"capped"`
}

// PerformanceStore is the persistence surface for trader stats.
type PerformanceStore interface {
	ListTraderPerformance(ctx context.Context, addresses []string) (map[string]*database.TraderPerformance, error)
}

// Sizer computes fractional-Kelly position sizes from winsorized R-multiple
// history.
type Sizer struct {
	cfg   Config
	store PerformanceStore
	log   zerolog.Logger
}

// NewSizer creates a sizer. store may be nil for pure per-inputs sizing.
func NewSizer(cfg Config, store PerformanceStore, logger zerolog.Logger) *Sizer {
	if cfg.Fraction == 0 {
		cfg = DefaultConfig()
	}
	return &Sizer{
		cfg:   cfg,
		store: store,
		log:   logger.With().Str("component", "kelly_sizer").Logger(),
	}
}

// Size runs the Kelly procedure over one set of inputs.
func (s *Sizer) Size(in Inputs) Result {
	if in.RegimeKellyMult <= 0 {
		in.RegimeKellyMult = 1
	}
	if in.StopDistancePct <= 0 || in.Equity <= 0 || in.Price <= 0 {
		return s.finish(in, Result{
			Method:    MethodFallbackData,
			Reasoning: "invalid inputs: non-positive stop, equity or price",
		})
	}

	if in.Episodes < s.cfg.MinEpisodes {
		r := Result{
			PositionPct: s.cfg.FallbackPct,
			Method:      MethodFallbackData,
			Reasoning: fmt.Sprintf("only %d episodes (<%d), fallback %.1f%% of equity",
				in.Episodes, s.cfg.MinEpisodes, s.cfg.FallbackPct*100),
		}
		return s.finish(in, r)
	}

	feeCostR := in.RoundTripFeePct / in.StopDistancePct
	ev := in.WinRate*in.AvgWinR - (1-in.WinRate)*in.AvgLossR - feeCostR
	if ev <= 0 {
		r := Result{
			PositionPct: s.cfg.FallbackPct / 2,
			EV:          ev,
			Method:      MethodFallbackNegEV,
			Reasoning: fmt.Sprintf("EV %.3fR <= 0 after %.3fR fees, half-fallback %.2f%% of equity",
				ev, feeCostR, s.cfg.FallbackPct/2*100),
		}
		return s.finish(in, r)
	}

	if in.AvgLossR <= 0 {
		return s.finish(in, Result{
			EV:        ev,
			Method:    MethodFallbackNoLoss,
			Reasoning: "no loss history, refusing to size",
		})
	}

	payoff := in.AvgWinR / in.AvgLossR
	full := in.WinRate - (1-in.WinRate)/payoff
	if full < 0 {
		full = 0
	} else if full > 1 {
		full = 1
	}

	frac := full * in.RegimeKellyMult * s.cfg.Fraction
	capped := false
	if frac > s.cfg.MaxFraction {
		frac = s.cfg.MaxFraction
		capped = true
	}

	posPct := frac / in.StopDistancePct
	if posPct > s.cfg.MaxPositionPct {
		posPct = s.cfg.MaxPositionPct
		capped = true
	}

	r := Result{
		PositionPct:   posPct,
		KellyFull:     full,
		KellyFraction: frac,
		EV:            ev,
		Method:        MethodKelly,
		Capped:        capped,
		Reasoning: fmt.Sprintf("p=%.2f payoff=%.2f f*=%.3f f=%.3f (x%.2f regime, x%.2f fraction) stop=%.2f%% pos=%.2f%% capped=%t",
			in.WinRate, payoff, full, frac, in.RegimeKellyMult, s.cfg.Fraction,
			in.StopDistancePct*100, posPct*100, capped),
	}
	return s.finish(in, r)
}

// finish converts the position fraction into USD and coin sizes.
func (s *Sizer) finish(in Inputs, r Result) Result {
	r.USDSize = in.Equity * r.PositionPct
	if in.Price > 0 {
		r.CoinSize = r.USDSize / in.Price
	}
	return r
}

// SizeConsensus sizes from the agreeing traders' histories: per-address
// Kelly for every trader meeting the episode minimum, then the median
// position fraction. When none qualify, the fallback size applies.
func (s *Sizer) SizeConsensus(ctx context.Context, addresses []string, equity, price, stopDistancePct, roundTripFeePct, regimeKellyMult float64) Result {
	var perfs map[string]*database.TraderPerformance
	if s.store != nil {
		var err error
		perfs, err = s.store.ListTraderPerformance(ctx, addresses)
		if err != nil {
			s.log.Warn().Err(err).Msg("trader performance fetch failed")
		}
	}

	var pcts []float64
	for _, addr := range addresses {
		p, ok := perfs[addr]
		if !ok || p.EpisodeCount < s.cfg.MinEpisodes {
			continue
		}
		r := s.Size(Inputs{
			WinRate:         p.WinRate,
			AvgWinR:         p.AvgWinR,
			AvgLossR:        p.AvgLossR,
			Episodes:        p.EpisodeCount,
			Equity:          equity,
			Price:           price,
			StopDistancePct: stopDistancePct,
			RoundTripFeePct: roundTripFeePct,
			RegimeKellyMult: regimeKellyMult,
		})
		pcts = append(pcts, r.PositionPct)
	}

	if len(pcts) == 0 {
		r := Result{
			PositionPct: s.cfg.FallbackPct,
			Method:      MethodConsensusFallbck,
			Reasoning: fmt.Sprintf("no trigger address with >=%d episodes, fallback %.1f%% of equity",
				s.cfg.MinEpisodes, s.cfg.FallbackPct*100),
		}
		return s.finish(Inputs{Equity: equity, Price: price}, r)
	}

	sort.Float64s(pcts)
	median := pcts[len(pcts)/2]
	if len(pcts)%2 == 0 {
		median = (pcts[len(pcts)/2-1] + pcts[len(pcts)/2]) / 2
	}

	r := Result{
		PositionPct: median,
		Method:      MethodConsensusMedian,
		Reasoning: fmt.Sprintf("median of %d qualifying trigger addresses, pos=%.2f%% of equity",
			len(pcts), median*100),
	}
	return s.finish(Inputs{Equity: equity, Price: price}, r)
}

// PooledWinLossR averages win/loss R stats across addresses, weighted by
// episode count. Addresses without history contribute nothing; an empty
// pool returns symmetric (1, 1).
func (s *Sizer) PooledWinLossR(ctx context.Context, addresses []string) (float64, float64) {
	if s.store == nil {
		return 1, 1
	}
	perfs, err := s.store.ListTraderPerformance(ctx, addresses)
	if err != nil || len(perfs) == 0 {
		return 1, 1
	}

	var winSum, lossSum, weight float64
	for _, p := range perfs {
		if p.EpisodeCount <= 0 {
			continue
		}
		w := float64(p.EpisodeCount)
		winSum += p.AvgWinR * w
		lossSum += p.AvgLossR * w
		weight += w
	}
	if weight == 0 || winSum <= 0 || lossSum <= 0 {
		return 1, 1
	}
	return winSum / weight, lossSum / weight
}
