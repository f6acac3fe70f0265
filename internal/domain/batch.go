package domain

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// BatchStatus is the lifecycle state of an order batch.
type BatchStatus string

const (
	BatchStatusPendingApproval BatchStatus = "pending_approval"
	BatchStatusReady           BatchStatus = "ready"
	BatchStatusApproved        BatchStatus = "approved"
	BatchStatusRejected        BatchStatus = "rejected"
	BatchStatusExecuted        BatchStatus = "executed"
	BatchStatusPartialFailure  BatchStatus = "partial_failure"
	BatchStatusDryRunValidated BatchStatus = "dry_run_validated"
)

var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchStatusPendingApproval: {BatchStatusApproved, BatchStatusRejected},
	BatchStatusReady:           {BatchStatusExecuted, BatchStatusPartialFailure, BatchStatusDryRunValidated},
	BatchStatusApproved:        {BatchStatusExecuted, BatchStatusPartialFailure, BatchStatusDryRunValidated},
}

// ParseBatchStatus validates a status string.
func ParseBatchStatus(s string) (BatchStatus, error) {
	status := BatchStatus(s)
	switch status {
	case BatchStatusPendingApproval, BatchStatusReady, BatchStatusApproved, BatchStatusRejected,
		BatchStatusExecuted, BatchStatusPartialFailure, BatchStatusDryRunValidated:
		return status, nil
	}
	return "", fmt.Errorf("unknown batch status %q", s)
}

// IsTerminal reports whether no further transition is allowed.
func (s BatchStatus) IsTerminal() bool {
	_, ok := batchTransitions[s]
	return !ok
}

// Executable reports whether an execution attempt may start from s.
func (s BatchStatus) Executable() bool {
	return s == BatchStatusReady || s == BatchStatusApproved
}

// CanTransition reports whether s -> to is a legal transition.
func (s BatchStatus) CanTransition(to BatchStatus) bool {
	for _, next := range batchTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ExecutableStatuses lists states an execution attempt may start from.
func ExecutableStatuses() []BatchStatus {
	return []BatchStatus{BatchStatusReady, BatchStatusApproved}
}

// OrderBatch is a persisted group of trade instructions sharing one
// approval and execution lifecycle.
type OrderBatch struct {
	ID               string                 `json:"batch_id"`
	ClientID         string                 `json:"client_id"`
	AccountRef       string                 `json:"account_ref"`
	StrategyID       string                 `json:"strategy_id"`
	Status           BatchStatus            `json:"status"`
	RequireApproval  bool                   `json:"require_approval"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	Snapshot         Portfolio              `json:"portfolio_snapshot"`
	TargetAllocation TargetAllocation       `json:"target_allocation"`
	AllocationSource AllocationSource       `json:"allocation_source"`
	Trades           []TradeInstruction     `json:"trades"`
	ExecutionResults map[string]TradeResult `json:"execution_results"`
	RejectionReason  string                 `json:"rejection_reason,omitempty"`
	// ExecutionClaim is set while an execution attempt owns the batch.
	ExecutionClaim   string                 `json:"execution_claim,omitempty"`
}

// NewOrderBatch builds a batch in its initial state.
func NewOrderBatch(id, clientID, accountRef, strategyID string, snapshot Portfolio, target TargetAllocation,
	source AllocationSource, trades []TradeInstruction, requireApproval bool, now time.Time) (*OrderBatch, error) {
	if id == "" {
		return nil, errors.New("batch id is required")
	}
	if clientID == "" {
		return nil, errors.New("client id is required")
	}
	if accountRef == "" {
		return nil, errors.New("account ref is required")
	}
	if !SellsPrecedeBuys(trades) {
		return nil, errors.New("trade list must place every sell before every buy")
	}
	seen := make(map[string]struct{}, len(trades))
	for _, t := range trades {
		if _, dup := seen[t.Symbol]; dup {
			return nil, errors.Errorf("trade list has more than one instruction for %s", t.Symbol)
		}
		seen[t.Symbol] = struct{}{}
	}

	status := BatchStatusReady
	if requireApproval {
		status = BatchStatusPendingApproval
	}
	if target == nil {
		target = TargetAllocation{}
	}

	return &OrderBatch{
		ID:               id,
		ClientID:         clientID,
		AccountRef:       accountRef,
		StrategyID:       strategyID,
		Status:           status,
		RequireApproval:  requireApproval,
		CreatedAt:        now,
		UpdatedAt:        now,
		Snapshot:         snapshot,
		TargetAllocation: target,
		AllocationSource: source,
		Trades:           trades,
		ExecutionResults: make(map[string]TradeResult),
	}, nil
}

// CheckTransition returns ErrInvalidBatchState when the batch cannot move to status.
func (b *OrderBatch) CheckTransition(to BatchStatus) error {
	if !b.Status.CanTransition(to) {
		return errors.Wrapf(ErrInvalidBatchState, "batch %s cannot move from %s to %s", b.ID, b.Status, to)
	}
	return nil
}

// IdempotencyKey identifies one instruction of one batch.
func IdempotencyKey(batchID string, index int) string {
	return fmt.Sprintf("%s-%d", batchID, index)
}

// DeriveStatus computes the terminal status of an execution attempt from its
// results. It depends only on its inputs, so it yields the same answer when
// re-run over persisted results.
func DeriveStatus(trades []TradeInstruction, results map[string]TradeResult, dryRun bool) BatchStatus {
	if dryRun {
		return BatchStatusDryRunValidated
	}
	for _, t := range trades {
		r, ok := results[t.Symbol]
		if !ok || !r.Success {
			return BatchStatusPartialFailure
		}
	}
	return BatchStatusExecuted
}
