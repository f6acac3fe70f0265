package drift

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/rebalancer/internal/domain"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func pos(symbol string, qty, value int64) domain.Position {
	return domain.Position{Symbol: symbol, Quantity: decimal.NewFromInt(qty), MarketValue: decimal.NewFromInt(value)}
}

func TestAnalyze(t *testing.T) {
	total := decimal.NewFromInt(10000)
	threshold := d(0.05)

	tests := []struct {
		name       string
		positions  []domain.Position
		target     domain.TargetAllocation
		wantAction map[string]domain.DriftAction
		wantDrift  map[string]decimal.Decimal
	}{
		{
			name:       "weights equal target hold",
			positions:  []domain.Position{pos("AAPL", 20, 3000)},
			target:     domain.TargetAllocation{"AAPL": d(0.30)},
			wantAction: map[string]domain.DriftAction{"AAPL": domain.DriftActionHold},
			wantDrift:  map[string]decimal.Decimal{"AAPL": decimal.Zero},
		},
		{
			name:       "overweight reduce",
			positions:  []domain.Position{pos("AAPL", 40, 6000)},
			target:     domain.TargetAllocation{"AAPL": d(0.30), "MSFT": d(0.30)},
			wantAction: map[string]domain.DriftAction{"AAPL": domain.DriftActionReduce},
			wantDrift:  map[string]decimal.Decimal{"AAPL": d(0.30)},
		},
		{
			name:       "underweight increase",
			positions:  []domain.Position{pos("AAPL", 10, 1000)},
			target:     domain.TargetAllocation{"AAPL": d(0.30)},
			wantAction: map[string]domain.DriftAction{"AAPL": domain.DriftActionIncrease},
			wantDrift:  map[string]decimal.Decimal{"AAPL": d(0.20)},
		},
		{
			name:       "drift within threshold holds",
			positions:  []domain.Position{pos("AAPL", 10, 3400)},
			target:     domain.TargetAllocation{"AAPL": d(0.30)},
			wantAction: map[string]domain.DriftAction{"AAPL": domain.DriftActionHold},
			wantDrift:  map[string]decimal.Decimal{"AAPL": d(0.04)},
		},
		{
			name:       "unmodeled position defaults to zero target",
			positions:  []domain.Position{pos("TSLA", 5, 2000)},
			target:     domain.TargetAllocation{"AAPL": d(0.30)},
			wantAction: map[string]domain.DriftAction{"TSLA": domain.DriftActionReduce},
			wantDrift:  map[string]decimal.Decimal{"TSLA": d(0.20)},
		},
		{
			name:       "small unmodeled position under threshold",
			positions:  []domain.Position{pos("TSLA", 1, 300)},
			target:     domain.TargetAllocation{},
			wantAction: map[string]domain.DriftAction{"TSLA": domain.DriftActionHold},
			wantDrift:  map[string]decimal.Decimal{"TSLA": d(0.03)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := Analyze(tt.positions, total, tt.target, threshold)
			require.Len(t, report.Records, len(tt.wantAction))
			for _, rec := range report.Records {
				assert.Equal(t, tt.wantAction[rec.Symbol], rec.Action, rec.Symbol)
				assert.True(t, tt.wantDrift[rec.Symbol].Equal(rec.Drift), "drift for %s: got %s", rec.Symbol, rec.Drift)
			}
		})
	}
}

func TestAnalyze_UnmodeledGetsZeroTarget(t *testing.T) {
	report := Analyze([]domain.Position{pos("TSLA", 5, 2000)}, decimal.NewFromInt(10000), domain.TargetAllocation{}, d(0.05))
	require.Len(t, report.Records, 1)
	assert.True(t, report.Records[0].TargetWeight.IsZero())
	assert.True(t, report.Records[0].ExceedsThreshold)
}

func TestAnalyze_Aggregates(t *testing.T) {
	positions := []domain.Position{
		pos("AAPL", 40, 6000),
		pos("MSFT", 10, 3000),
		pos("TSLA", 1, 1000),
		{Symbol: "SPAXX", Quantity: decimal.NewFromInt(100), MarketValue: decimal.NewFromInt(100), AssetType: domain.AssetTypeMoneyMarket},
	}
	target := domain.TargetAllocation{"AAPL": d(0.30), "MSFT": d(0.30)}

	report := Analyze(positions, decimal.NewFromInt(10000), target, d(0.05))

	// money market positions are not analyzed
	require.Len(t, report.Records, 3)
	assert.True(t, report.MaxDrift.Equal(d(0.30)))
	// drifts: 0.30, 0.00, 0.10
	assert.True(t, report.AvgDrift.Equal(d(0.4).Div(decimal.NewFromInt(3))))
	assert.Equal(t, 2, report.CountExceeding)
}

func TestAnalyze_ZeroAccountValue(t *testing.T) {
	report := Analyze([]domain.Position{pos("AAPL", 0, 0)}, decimal.Zero, domain.TargetAllocation{"AAPL": d(0.02)}, d(0.05))
	require.Len(t, report.Records, 1)
	assert.True(t, report.Records[0].CurrentWeight.IsZero())
	assert.Equal(t, domain.DriftActionHold, report.Records[0].Action)
}
