// Package drift compares current portfolio weights with target weights.
package drift

import (
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/rebalancer/internal/domain"
)

// Analyze builds one record per held equity position. A position missing
// from target gets target weight zero and is therefore flagged for exit once
// its weight exceeds threshold.
func Analyze(positions []domain.Position, accountTotal decimal.Decimal, target domain.TargetAllocation, threshold decimal.Decimal) domain.DriftReport {
	report := domain.DriftReport{
		Records:  make([]domain.DriftRecord, 0, len(positions)),
		MaxDrift: decimal.Zero,
		AvgDrift: decimal.Zero,
	}

	sum := decimal.Zero
	for _, p := range positions {
		if !p.IsEquity() {
			continue
		}

		current := p.Weight(accountTotal)
		targetWeight := target.Weight(p.Symbol)
		d := current.Sub(targetWeight).Abs()

		rec := domain.DriftRecord{
			Symbol:           p.Symbol,
			CurrentWeight:    current,
			TargetWeight:     targetWeight,
			Drift:            d,
			ExceedsThreshold: d.GreaterThan(threshold),
			Action:           classify(current, targetWeight, d, threshold),
		}
		report.Records = append(report.Records, rec)

		sum = sum.Add(d)
		if d.GreaterThan(report.MaxDrift) {
			report.MaxDrift = d
		}
		if rec.ExceedsThreshold {
			report.CountExceeding++
		}
	}

	if n := len(report.Records); n > 0 {
		report.AvgDrift = sum.Div(decimal.NewFromInt(int64(n)))
	}

	return report
}

func classify(current, target, d, threshold decimal.Decimal) domain.DriftAction {
	if d.LessThanOrEqual(threshold) {
		return domain.DriftActionHold
	}
	if current.GreaterThan(target) {
		return domain.DriftActionReduce
	}
	return domain.DriftActionIncrease
}
