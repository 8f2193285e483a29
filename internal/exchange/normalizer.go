package exchange

import "strings"

// USD-pegged settlement currencies treated as 1:1. Sub-basis-point depegs
// are ignored by policy.
var usdPeggedCurrencies = map[string]float64{
	"USD":  1.0,
	"USDT": 1.0,
	"USDC": 1.0,
}

// NormalizedBalance is a balance converted to USD with the original
// preserved for audit.
type NormalizedBalance struct {
	Venue            Venue   `json:"venue"`
	TotalEquityUSD   float64 `json:"total_equity_usd"`
	AvailableUSD     float64 `json:"available_usd"`
	MarginUsedUSD    float64 `json:"margin_used_usd"`
	MaintMarginUSD   float64 `json:"maint_margin_usd"`
	UnrealizedPnLUSD float64 `json:"unrealized_pnl_usd"`
	OriginalCurrency string  `json:"original_currency"`
	ConversionRate   float64 `json:"conversion_rate"`
	UnknownCurrency  bool    `json:"unknown_currency,omitempty"`
	Original         Balance `json:"original"`
}

// NormalizedPosition is a position with its notional expressed in USD.
type NormalizedPosition struct {
	NotionalUSD    float64  `json:"notional_usd"`
	ConversionRate float64  `json:"conversion_rate"`
	Original       Position `json:"original"`
}

// Normalizer converts per-venue balances and positions to USD so risk math
// runs in one unit. Stateless: it receives values, never the manager.
type Normalizer struct{}

// NewNormalizer creates a normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// rateFor returns the USD conversion rate for a currency and whether the
// currency was recognized.
func (n *Normalizer) rateFor(currency string) (float64, bool) {
	rate, ok := usdPeggedCurrencies[strings.ToUpper(strings.TrimSpace(currency))]
	if !ok {
		// Unknown currencies assume parity; the flag lets audit find them.
		return 1.0, false
	}
	return rate, true
}

// NormalizeBalance converts a balance to USD.
func (n *Normalizer) NormalizeBalance(b Balance) NormalizedBalance {
	rate, known := n.rateFor(b.Currency)
	return NormalizedBalance{
		Venue:            b.Venue,
		TotalEquityUSD:   b.TotalEquity * rate,
		AvailableUSD:     b.AvailableBalance * rate,
		MarginUsedUSD:    b.MarginUsed * rate,
		MaintMarginUSD:   b.MaintenanceMargin * rate,
		UnrealizedPnLUSD: b.UnrealizedPnL * rate,
		OriginalCurrency: b.Currency,
		ConversionRate:   rate,
		UnknownCurrency:  !known,
		Original:         b,
	}
}

// NormalizePosition converts a position's notional to USD. Perp notionals
// are already quoted in the venue's settlement currency.
func (n *Normalizer) NormalizePosition(p Position, currency string) NormalizedPosition {
	rate, _ := n.rateFor(currency)
	return NormalizedPosition{
		NotionalUSD:    p.NotionalUSD() * rate,
		ConversionRate: rate,
		Original:       p,
	}
}
