package resolver

import (
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/rebalancer/internal/domain"
)

// CapAndRedistribute truncates every weight above limit and hands the excess
// to symbols still under the limit, in proportion to their current weight.
// It repeats until nothing exceeds the limit or nothing can absorb more.
// Excess that cannot be absorbed is dropped, so the total may shrink.
func CapAndRedistribute(weights domain.TargetAllocation, limit decimal.Decimal) domain.TargetAllocation {
	out := weights.Clone()
	symbols := out.Symbols()

	// each round caps at least one more symbol, so len+1 rounds suffice
	for round := 0; round <= len(symbols); round++ {
		excess := decimal.Zero
		for _, s := range symbols {
			if out[s].GreaterThan(limit) {
				excess = excess.Add(out[s].Sub(limit))
				out[s] = limit
			}
		}
		if !excess.IsPositive() {
			break
		}

		base := decimal.Zero
		for _, s := range symbols {
			if w := out[s]; w.IsPositive() && w.LessThan(limit) {
				base = base.Add(w)
			}
		}
		if !base.IsPositive() {
			break
		}

		for _, s := range symbols {
			if w := out[s]; w.IsPositive() && w.LessThan(limit) {
				out[s] = w.Add(excess.Mul(w).Div(base))
			}
		}
	}

	return out
}

// proportional turns scores into weights that sum to one.
func proportional(scores []domain.SymbolScore) domain.TargetAllocation {
	total := decimal.Zero
	for _, s := range scores {
		if s.Score.IsPositive() {
			total = total.Add(s.Score)
		}
	}

	out := make(domain.TargetAllocation, len(scores))
	if !total.IsPositive() {
		return out
	}
	for _, s := range scores {
		if s.Score.IsPositive() {
			out[s.Symbol] = s.Score.Div(total)
		}
	}
	return out
}

// equalWeight spreads the whole account evenly over symbols.
func equalWeight(symbols []string) domain.TargetAllocation {
	out := make(domain.TargetAllocation, len(symbols))
	if len(symbols) == 0 {
		return out
	}
	w := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(len(symbols))))
	for _, s := range symbols {
		out[s] = w
	}
	return out
}
