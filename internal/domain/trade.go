package domain

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// TradeInstruction is one planned order inside a batch.
type TradeInstruction struct {
	Symbol          string          `json:"symbol"`
	Action          Action          `json:"action"`
	OrderType       OrderType       `json:"order_type"`
	LimitPrice      decimal.Decimal `json:"limit_price,omitempty"`
	Quantity        int64           `json:"quantity"`
	CurrentQuantity decimal.Decimal `json:"current_quantity"`
	TargetQuantity  decimal.Decimal `json:"target_quantity"`
	EstimatedPrice  decimal.Decimal `json:"estimated_price"`
	EstimatedValue  decimal.Decimal `json:"estimated_value"`
	Reason          string          `json:"reason"`
}

// String returns a human-readable string representation.
func (t TradeInstruction) String() string {
	return fmt.Sprintf("%s %d %s (%s)", t.Action, t.Quantity, t.Symbol, t.Reason)
}

// SortSellsFirst orders instructions with every sell ahead of every buy,
// ties broken by symbol. The sort is stable.
func SortSellsFirst(trades []TradeInstruction) {
	sort.SliceStable(trades, func(i, j int) bool {
		si, sj := trades[i].Action.IsSell(), trades[j].Action.IsSell()
		if si != sj {
			return si
		}
		return trades[i].Symbol < trades[j].Symbol
	})
}

// SellsPrecedeBuys reports whether trades already satisfy the sell-first ordering.
func SellsPrecedeBuys(trades []TradeInstruction) bool {
	seenBuy := false
	for _, t := range trades {
		if t.Action.IsSell() {
			if seenBuy {
				return false
			}
			continue
		}
		seenBuy = true
	}
	return true
}
