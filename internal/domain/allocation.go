package domain

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// WeightEpsilon absorbs rounding when checking that weights sum to at most one.
var WeightEpsilon = decimal.New(1, -6)

// AllocationSource names where a target allocation came from.
type AllocationSource string

const (
	AllocationSourceRL        AllocationSource = "rl"
	AllocationSourceModel     AllocationSource = "model_score"
	AllocationSourceLiquidity AllocationSource = "liquidity"
	AllocationSourceNone      AllocationSource = "none"
)

// TargetAllocation maps symbol to desired fraction of account value.
type TargetAllocation map[string]decimal.Decimal

// Weight returns the target weight for symbol. Absent symbols target zero.
func (a TargetAllocation) Weight(symbol string) decimal.Decimal {
	w, ok := a[symbol]
	if !ok {
		return decimal.Zero
	}
	return w
}

// Has reports whether symbol is part of the allocation.
func (a TargetAllocation) Has(symbol string) bool {
	_, ok := a[symbol]
	return ok
}

// Total is the sum of all weights.
func (a TargetAllocation) Total() decimal.Decimal {
	total := decimal.Zero
	for _, w := range a {
		total = total.Add(w)
	}
	return total
}

// Symbols returns allocation symbols in lexical order.
func (a TargetAllocation) Symbols() []string {
	out := make([]string, 0, len(a))
	for s := range a {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Validate checks weight bounds and the total.
func (a TargetAllocation) Validate() error {
	one := decimal.NewFromInt(1)
	for symbol, w := range a {
		if w.IsNegative() || w.GreaterThan(one) {
			return errors.Errorf("target weight for %s out of range [0,1]: %s", symbol, w)
		}
	}
	if total := a.Total(); total.GreaterThan(one.Add(WeightEpsilon)) {
		return errors.Errorf("target weights sum to %s, exceeding 1", total)
	}
	return nil
}

// Clone returns an independent copy.
func (a TargetAllocation) Clone() TargetAllocation {
	out := make(TargetAllocation, len(a))
	for s, w := range a {
		out[s] = w
	}
	return out
}

// SymbolScore is one row of model output.
type SymbolScore struct {
	Symbol     string          `json:"symbol" db:"symbol"`
	Score      decimal.Decimal `json:"score" db:"score"`
	Confidence decimal.Decimal `json:"confidence" db:"confidence"`
}
