package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrResolutionEmpty no allocation source produced data.
	ErrResolutionEmpty = errors.New("no allocation source produced data")
	// ErrPriceUnavailable no usable price for a symbol.
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrValidationFailed an order failed pre-submission risk checks.
	ErrValidationFailed = errors.New("order validation failed")
	// ErrInvalidBatchState the batch is not in a state that allows the transition.
	ErrInvalidBatchState = errors.New("invalid batch state")
	// ErrBrokerage the brokerage rejected or failed a submission.
	ErrBrokerage = errors.New("brokerage error")
	// ErrBatchNotFound no batch with the requested id.
	ErrBatchNotFound = errors.New("batch not found")
)

// Failure codes exposed to callers.
const (
	FailureResolutionEmpty   = "resolution_empty"
	FailurePriceUnavailable  = "price_unavailable"
	FailureValidationFailed  = "validation_failed"
	FailureInvalidBatchState = "invalid_batch_state"
	FailureBrokerage         = "brokerage_error"
	FailureBatchNotFound     = "batch_not_found"
	FailureInternal          = "internal_error"
)

// Failure is the structured error shape returned to callers.
type Failure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// NewFailure maps err onto the error taxonomy. Errors outside the taxonomy
// are reported without their message so storage internals never leak.
func NewFailure(err error) Failure {
	if err == nil {
		return Failure{Success: true}
	}

	code := FailureCode(err)
	if code == FailureInternal {
		return Failure{Error: code, Details: "internal error"}
	}
	return Failure{Error: code, Details: err.Error()}
}

// FailureCode returns the taxonomy code for err.
func FailureCode(err error) string {
	switch {
	case errors.Is(err, ErrBatchNotFound):
		return FailureBatchNotFound
	case errors.Is(err, ErrInvalidBatchState):
		return FailureInvalidBatchState
	case errors.Is(err, ErrValidationFailed):
		return FailureValidationFailed
	case errors.Is(err, ErrBrokerage):
		return FailureBrokerage
	case errors.Is(err, ErrPriceUnavailable):
		return FailurePriceUnavailable
	case errors.Is(err, ErrResolutionEmpty):
		return FailureResolutionEmpty
	default:
		return FailureInternal
	}
}

type brokerageError struct {
	msg   string
	cause error
}

// BrokerageError reports a transport failure as ErrBrokerage while keeping
// cause in the chain, so deadline and cancellation checks still match.
func BrokerageError(cause error, format string, args ...any) error {
	return &brokerageError{msg: fmt.Sprintf(format, args...), cause: cause}
}

func (e *brokerageError) Error() string {
	return e.msg + ": " + e.cause.Error() + ": " + ErrBrokerage.Error()
}

func (e *brokerageError) Is(target error) bool { return target == ErrBrokerage }

func (e *brokerageError) Unwrap() error { return e.cause }
