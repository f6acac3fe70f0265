package validator

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/vadiminshakov/rebalancer/internal/domain"
)

func codes(r Result) []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.Code)
	}
	return out
}

func TestValidate(t *testing.T) {
	v := New(Limits{MaxOrderValue: decimal.NewFromInt(100_000), MaxPositionPct: decimal.NewFromFloat(0.25)})
	acct := Account{TotalValue: decimal.NewFromInt(100_000), Cash: decimal.NewFromInt(10_000)}

	tests := []struct {
		name  string
		order Order
		acct  Account
		want  []string
	}{
		{
			name:  "valid buy",
			order: Order{Symbol: "MSFT", Action: domain.ActionBuy, OrderType: domain.OrderTypeMarket, Quantity: 10, Price: decimal.NewFromInt(300)},
			acct:  acct,
		},
		{
			name:  "sell ignores cash",
			order: Order{Symbol: "AAPL", Action: domain.ActionSell, OrderType: domain.OrderTypeMarket, Quantity: 100, Price: decimal.NewFromInt(150)},
			acct:  acct,
		},
		{
			name:  "zero quantity",
			order: Order{Symbol: "AAPL", Action: domain.ActionSell, OrderType: domain.OrderTypeMarket, Quantity: 0, Price: decimal.NewFromInt(150)},
			acct:  acct,
			want:  []string{CodeNonPositiveQuantity},
		},
		{
			name:  "limit without price",
			order: Order{Symbol: "AAPL", Action: domain.ActionSell, OrderType: domain.OrderTypeLimit, Quantity: 1, Price: decimal.NewFromInt(150)},
			acct:  acct,
			want:  []string{CodeMissingLimitPrice},
		},
		{
			name:  "errors accumulate",
			order: Order{Symbol: "NVDA", Action: domain.ActionBuy, OrderType: domain.OrderTypeMarket, Quantity: 1000, Price: decimal.NewFromInt(500)},
			acct:  acct,
			want:  []string{CodeOrderValueTooHigh, CodePositionTooLarge, CodeInsufficientCash},
		},
		{
			name:  "buy to cover consumes cash",
			order: Order{Symbol: "TSLA", Action: domain.ActionBuyToCover, OrderType: domain.OrderTypeMarket, Quantity: 60, Price: decimal.NewFromInt(200)},
			acct:  acct,
			want:  []string{CodeInsufficientCash},
		},
		{
			name:  "limit price used for value",
			order: Order{Symbol: "MSFT", Action: domain.ActionBuy, OrderType: domain.OrderTypeLimit, Quantity: 10, LimitPrice: decimal.NewFromInt(1100), Price: decimal.NewFromInt(300)},
			acct:  acct,
			want:  []string{CodeInsufficientCash},
		},
		{
			name:  "empty account",
			order: Order{Symbol: "MSFT", Action: domain.ActionSell, OrderType: domain.OrderTypeMarket, Quantity: 1, Price: decimal.NewFromInt(300)},
			acct:  Account{},
			want:  []string{CodeNoAccountValue},
		},
		{
			name:  "no price",
			order: Order{Symbol: "MSFT", Action: domain.ActionSell, OrderType: domain.OrderTypeMarket, Quantity: 1},
			acct:  acct,
			want:  []string{CodeNoPrice},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := v.Validate(tt.order, tt.acct)
			if len(tt.want) == 0 {
				assert.True(t, r.Valid, "violations: %v", r.Violations)
				assert.Empty(t, r.Errors())
				return
			}
			assert.False(t, r.Valid)
			assert.Equal(t, tt.want, codes(r))
			assert.Len(t, r.Errors(), len(tt.want))
		})
	}
}

func TestValidate_ZeroLimitsDisableChecks(t *testing.T) {
	v := New(Limits{})
	r := v.Validate(Order{Symbol: "A", Action: domain.ActionSell, OrderType: domain.OrderTypeMarket, Quantity: 1_000_000, Price: decimal.NewFromInt(1000)}, Account{})
	assert.True(t, r.Valid)
}
