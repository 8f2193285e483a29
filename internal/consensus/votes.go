package consensus

import (
	"math"
	"sort"

	"github.com/fzheng/hivemind-sub000/internal/exchange"
)

// CollapseToVotes reduces a window's fills to one vote per trader: signed
// sizes summed, zero-net traders dropped, weight saturating at the cap.
// Output order is deterministic regardless of fill order.
func CollapseToVotes(fills []Fill, sizeCap float64) []Vote {
	if sizeCap <= 0 {
		sizeCap = 1
	}

	type acc struct {
		net      float64
		notional float64 // sum |size|*price for the weighted mean
		absSize  float64
		latest   Fill
	}
	byTrader := make(map[string]*acc)
	for _, f := range fills {
		a, ok := byTrader[f.Trader]
		if !ok {
			a = &acc{latest: f}
			byTrader[f.Trader] = a
		}
		a.net += f.Size
		a.notional += math.Abs(f.Size) * f.Price
		a.absSize += math.Abs(f.Size)
		if f.Timestamp.After(a.latest.Timestamp) {
			a.latest = f
		}
	}

	votes := make([]Vote, 0, len(byTrader))
	for trader, a := range byTrader {
		if a.net == 0 || a.absSize == 0 {
			continue
		}
		dir := exchange.DirectionLong
		if a.net < 0 {
			dir = exchange.DirectionShort
		}
		votes = append(votes, Vote{
			Trader:    trader,
			Direction: dir,
			NetSize:   a.net,
			Weight:    math.Min(math.Abs(a.net)/sizeCap, 1.0),
			Price:     a.notional / a.absSize,
			Timestamp: a.latest.Timestamp,
		})
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].Trader < votes[j].Trader })
	return votes
}

// MajorityDirection splits votes and returns the majority side with its
// count. Ties break long.
func MajorityDirection(votes []Vote) (exchange.Direction, int) {
	var long, short int
	for _, v := range votes {
		if v.Direction == exchange.DirectionLong {
			long++
		} else {
			short++
		}
	}
	if short > long {
		return exchange.DirectionShort, short
	}
	return exchange.DirectionLong, long
}

// Agreeing filters votes to the given direction.
func Agreeing(votes []Vote, dir exchange.Direction) []Vote {
	out := make([]Vote, 0, len(votes))
	for _, v := range votes {
		if v.Direction == dir {
			out = append(out, v)
		}
	}
	return out
}

// EffectiveK computes the diversity-adjusted trader count over the agreeing
// subset: (sum w)^2 / sum_ij w_i w_j rho_ij, where rho is 1 on the diagonal
// and the pairwise correlation (clipped to [0,1]) off it.
func EffectiveK(votes []Vote, rho func(a, b string) float64) float64 {
	if len(votes) == 0 {
		return 0
	}
	var sumW float64
	for _, v := range votes {
		sumW += v.Weight
	}
	if sumW == 0 {
		return 0
	}

	var denom float64
	for i := range votes {
		for j := range votes {
			r := 1.0
			if i != j {
				r = rho(votes[i].Trader, votes[j].Trader)
				if r < 0 {
					r = 0
				} else if r > 1 {
					r = 1
				}
			}
			denom += votes[i].Weight * votes[j].Weight * r
		}
	}
	if denom == 0 {
		return 0
	}
	return sumW * sumW / denom
}

// MedianPrice returns the median of the votes' prices.
func MedianPrice(votes []Vote) float64 {
	if len(votes) == 0 {
		return 0
	}
	prices := make([]float64, len(votes))
	for i, v := range votes {
		prices[i] = v.Price
	}
	sort.Float64s(prices)
	mid := len(prices) / 2
	if len(prices)%2 == 1 {
		return prices[mid]
	}
	return (prices[mid-1] + prices[mid]) / 2
}

// PriceDispersionBps is the standard deviation of the votes' prices
// relative to their median, in basis points.
func PriceDispersionBps(votes []Vote) float64 {
	median := MedianPrice(votes)
	if median == 0 || len(votes) < 2 {
		return 0
	}
	var sumSq float64
	for _, v := range votes {
		d := (v.Price - median) / median
		sumSq += d * d
	}
	return math.Sqrt(sumSq/float64(len(votes))) * 10_000
}

// CalibratedPWin maps effective-K and total vote weight to a win
// probability: base 0.5 plus capped diversity and conviction bonuses,
// clamped to [0.30, 0.80].
func CalibratedPWin(effK, sumWeight float64) float64 {
	p := 0.5
	p += math.Min(0.15, (effK-1)*0.05)
	p += math.Min(0.10, sumWeight*0.02)
	if p < 0.30 {
		return 0.30
	}
	if p > 0.80 {
		return 0.80
	}
	return p
}
