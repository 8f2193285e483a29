package consensus

import (
	"time"

	"github.com/fzheng/hivemind-sub000/internal/exchange"
)

// Fill is a single observed execution by a tracked trader. Size is signed:
// positive for buys/longs, negative for sells/shorts.
type Fill struct {
	ID        string    `json:"id"`
	Trader    string    `json:"trader"`
	Asset     string    `json:"asset"`
	Size      float64   `json:"size"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// Vote is one trader's net contribution to a consensus window.
type Vote struct {
	Trader    string             `json:"trader"`
	Direction exchange.Direction `json:"direction"`
	NetSize   float64            `json:"net_size"`
	Weight    float64            `json:"weight"`
	Price     float64            `json:"price"` // size-weighted mean of the trader's fills
	Timestamp time.Time          `json:"timestamp"`
}

// CostBreakdown is one venue's execution cost estimate for a candidate
// signal, with the EV arithmetic it produced.
type CostBreakdown struct {
	Venue           exchange.Venue `json:"venue"`
	FeesBps         float64        `json:"fees_bps"`
	SlippageBps     float64        `json:"slippage_bps"`
	FundingBps      float64        `json:"funding_bps"`
	TotalBps        float64        `json:"total_bps"`
	StopDistanceBps float64        `json:"stop_distance_bps"`
	CostR           float64        `json:"cost_r"`
	GrossEV         float64        `json:"gross_ev"`
	NetEV           float64        `json:"net_ev"`
}

// Signal is the emitted consensus decision. Immutable once emitted.
type Signal struct {
	DecisionID       int64              `json:"decision_id"`
	Symbol           string             `json:"symbol"`
	Direction        exchange.Direction `json:"direction"`
	EntryPrice       float64            `json:"entry_price"` // median of agreeing voters' prices
	StopPrice        float64            `json:"stop_price"`
	StopDistancePct  float64            `json:"stop_distance_pct"` // fraction, e.g. 0.01
	NTraders         int                `json:"n_traders"`
	NAgreeing        int                `json:"n_agreeing"`
	EffectiveK       float64            `json:"effective_k"`
	Dispersion       float64            `json:"dispersion"` // price stddev of agreeing votes, bps
	PWin             float64            `json:"p_win"`
	GrossEV          float64            `json:"gross_ev"`
	CostR            float64            `json:"cost_r"`
	NetEV            float64            `json:"net_ev"`
	LatencySeconds   float64            `json:"latency_seconds"`
	TriggerAddresses []string           `json:"trigger_addresses"`
	TargetVenue      exchange.Venue     `json:"target_venue"`
	Costs            CostBreakdown      `json:"costs"`
	EmittedAt        time.Time          `json:"emitted_at"`
}

// Config holds consensus detector configuration.
type Config struct {
	MinTraders         int              `json:"min_traders"`
	MinAgreeing        int              `json:"min_agreeing"`
	MinPct             float64          `json:"min_pct"`
	MinEffectiveK      float64          `json:"min_effective_k"`
	BaseWindowSeconds  int              `json:"base_window_s"`
	MaxStalenessFactor float64          `json:"max_staleness_factor"`
	MaxPriceBandBps    float64          `json:"max_price_band_bps"`
	MinEVR             float64          `json:"min_ev_r"`
	Symbols            []string         `json:"symbols"`
	VoteSizeCap        float64          `json:"vote_size_cap"` // coins; weight saturates here
	NominalNotionalUSD float64          `json:"nominal_notional_usd"`
	Venues             []exchange.Venue `json:"venues"`
	DefaultStopPct     float64          `json:"default_stop_pct"`
	StrictATR          bool             `json:"strict_atr"`
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		MinTraders:         3,
		MinAgreeing:        3,
		MinPct:             0.70,
		MinEffectiveK:      2.0,
		BaseWindowSeconds:  120,
		MaxStalenessFactor: 1.25,
		MaxPriceBandBps:    8,
		MinEVR:             0.20,
		Symbols:            []string{"BTC", "ETH"},
		VoteSizeCap:        1.0,
		NominalNotionalUSD: 10_000,
		Venues:             []exchange.Venue{exchange.VenueHyperliquid, exchange.VenueBybit},
		DefaultStopPct:     0.01,
		StrictATR:          true,
	}
}
