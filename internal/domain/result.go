package domain

import (
	"time"
)

// Result statuses recorded for an instruction.
const (
	ResultStatusValidationFailed = "validation_failed"
	ResultStatusBrokerageError   = "brokerage_error"
	ResultStatusDryRun           = "dry_run"
	ResultStatusPriceUnavailable = "price_unavailable"
)

// TradeResult is the outcome of one instruction, keyed by symbol in the batch.
type TradeResult struct {
	Symbol           string    `json:"symbol"`
	InstructionIndex int       `json:"instruction_index"`
	IdempotencyKey   string    `json:"idempotency_key"`
	Success          bool      `json:"success"`
	DryRun           bool      `json:"dry_run,omitempty"`
	OrderID          string    `json:"order_id,omitempty"`
	Status           string    `json:"status"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	RecordedAt       time.Time `json:"recorded_at"`
}

// ExecutionSummary is returned from one execution attempt.
type ExecutionSummary struct {
	BatchID   string        `json:"batch_id"`
	Status    BatchStatus   `json:"status"`
	DryRun    bool          `json:"dry_run"`
	Results   []TradeResult `json:"results"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
}

// NewExecutionSummary tallies results in instruction order.
func NewExecutionSummary(batchID string, status BatchStatus, dryRun bool, results []TradeResult) ExecutionSummary {
	summary := ExecutionSummary{
		BatchID: batchID,
		Status:  status,
		DryRun:  dryRun,
		Results: results,
	}
	for _, r := range results {
		if r.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}
	return summary
}
