package domain

import (
	"github.com/shopspring/decimal"
)

// DriftAction is the rebalancing action a drift record calls for.
type DriftAction string

const (
	DriftActionHold     DriftAction = "HOLD"
	DriftActionReduce   DriftAction = "REDUCE"
	DriftActionIncrease DriftAction = "INCREASE"
)

// DriftRecord compares a held position's weight with its target.
type DriftRecord struct {
	Symbol           string          `json:"symbol"`
	CurrentWeight    decimal.Decimal `json:"current_weight"`
	TargetWeight     decimal.Decimal `json:"target_weight"`
	Drift            decimal.Decimal `json:"drift"`
	ExceedsThreshold bool            `json:"exceeds_threshold"`
	Action           DriftAction     `json:"action"`
}

// DriftReport aggregates drift across a portfolio.
type DriftReport struct {
	Records        []DriftRecord   `json:"records"`
	MaxDrift       decimal.Decimal `json:"max_drift"`
	AvgDrift       decimal.Decimal `json:"avg_drift"`
	CountExceeding int             `json:"count_exceeding"`
}
