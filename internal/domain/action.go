package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Action is the side of a trade instruction.
type Action string

const (
	ActionBuy        Action = "BUY"
	ActionSell       Action = "SELL"
	ActionBuyToCover Action = "BUY_TO_COVER"
	ActionSellShort  Action = "SELL_SHORT"
)

// isValidAction checks if the string is a known action
func isValidAction(s string) bool {
	switch Action(s) {
	case ActionBuy, ActionSell, ActionBuyToCover, ActionSellShort:
		return true
	}
	return false
}

// ParseAction converts a case-insensitive string into an Action.
func ParseAction(s string) (Action, error) {
	normalized := strings.ToUpper(strings.TrimSpace(s))
	if !isValidAction(normalized) {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return Action(normalized), nil
}

// String returns the string representation of the action
func (a Action) String() string {
	return string(a)
}

// ConsumesCash reports whether executing the action spends available cash.
func (a Action) ConsumesCash() bool {
	return a == ActionBuy || a == ActionBuyToCover
}

// IsSell reports whether the action reduces or shorts a holding.
func (a Action) IsSell() bool {
	return a == ActionSell || a == ActionSellShort
}

// UnmarshalJSON rejects unknown actions at the boundary.
func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAction(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// OrderType is the brokerage order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)
