// Package execution submits the instructions of an order batch one at a time,
// in stored order, and records each outcome as soon as it is known.
package execution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vadiminshakov/rebalancer/internal/domain"
	"github.com/vadiminshakov/rebalancer/internal/metrics"
	"github.com/vadiminshakov/rebalancer/internal/services/gateway"
	"github.com/vadiminshakov/rebalancer/internal/services/validator"
)

const (
	defaultOrderTimeout = 30 * time.Second
	defaultStaleAfter   = 5 * time.Minute
)

// BatchStore is the persistence the executor needs.
type BatchStore interface {
	Get(ctx context.Context, batchID string) (*domain.OrderBatch, error)
	Claim(ctx context.Context, batchID, claimID string) error
	RecordResult(ctx context.Context, batchID, claimID string, r domain.TradeResult) error
	Finalize(ctx context.Context, batchID, claimID string, to domain.BatchStatus) error
}

// Journal is the write-ahead audit trail of submissions.
type Journal interface {
	Prepare(batchID, claimID string, index int, t domain.TradeInstruction, price decimal.Decimal, dryRun bool) (string, error)
	MarkDone(id, orderID string) error
	MarkFailed(id string, cause error) error
}

// Settings tunes the executor.
type Settings struct {
	// OrderTimeout bounds a single brokerage submission.
	OrderTimeout time.Duration
	// StaleAfter is how long a claimed batch must be idle before RecoverBatch
	// treats its execution as crashed.
	StaleAfter time.Duration
	// BreakerFailures consecutive order failures open the breaker.
	BreakerFailures uint32
	// BreakerOpenTimeout is how long the breaker stays open.
	BreakerOpenTimeout time.Duration
}

// Service executes order batches.
type Service struct {
	store     BatchStore
	brokerage gateway.Brokerage
	validator *validator.Validator
	journal   Journal
	breaker   *gobreaker.TwoStepCircuitBreaker
	metrics   *metrics.Registry
	settings  Settings
	l         *zap.Logger
	now       func() time.Time
	newClaim  func() string
}

// NewService wires the executor. metrics may be nil.
func NewService(store BatchStore, brokerage gateway.Brokerage, v *validator.Validator, journal Journal,
	m *metrics.Registry, settings Settings, l *zap.Logger) *Service {
	if l == nil {
		l = zap.NewNop()
	}
	if settings.OrderTimeout <= 0 {
		settings.OrderTimeout = defaultOrderTimeout
	}
	if settings.StaleAfter <= 0 {
		settings.StaleAfter = defaultStaleAfter
	}

	s := &Service{
		store:     store,
		brokerage: brokerage,
		validator: v,
		journal:   journal,
		metrics:   m,
		settings:  settings,
		l:         l,
		now:       time.Now,
		newClaim:  func() string { return uuid.New().String() },
	}
	s.breaker = newOrderBreaker(settings, l, m)
	return s
}

// newOrderBreaker tracks brokerage health across runs. It gates the start of a
// live run only; instructions inside a run are always submitted.
func newOrderBreaker(settings Settings, l *zap.Logger, m *metrics.Registry) *gobreaker.TwoStepCircuitBreaker {
	failures := settings.BreakerFailures
	if failures == 0 {
		failures = 3
	}

	st := gobreaker.Settings{Name: "brokerage-orders"}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= failures }
	st.Timeout = settings.BreakerOpenTimeout
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		l.Warn("circuit breaker state changed",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		if m != nil {
			m.BreakerState.Set(float64(to))
		}
	}
	return gobreaker.NewTwoStepCircuitBreaker(st)
}

// ExecuteBatch runs one execution attempt. A dry run validates every
// instruction without contacting the brokerage and leaves the stored batch
// untouched. A live run claims the batch first, so concurrent attempts on the
// same batch fail with ErrInvalidBatchState; once claimed it runs to the end
// even if ctx is cancelled.
func (s *Service) ExecuteBatch(ctx context.Context, batchID string, dryRun bool) (domain.ExecutionSummary, error) {
	b, err := s.store.Get(ctx, batchID)
	if err != nil {
		return domain.ExecutionSummary{}, err
	}
	if !b.Status.Executable() {
		return domain.ExecutionSummary{}, errors.Wrapf(domain.ErrInvalidBatchState,
			"batch %s is %s, execution requires ready or approved", batchID, b.Status)
	}

	if b.ExecutionClaim != "" {
		return domain.ExecutionSummary{}, errors.Wrapf(domain.ErrInvalidBatchState,
			"batch %s is being executed under claim %s", batchID, b.ExecutionClaim)
	}

	if dryRun {
		return s.dryRun(ctx, b), nil
	}

	if s.breaker.State() == gobreaker.StateOpen {
		return domain.ExecutionSummary{}, errors.Wrapf(domain.ErrBrokerage,
			"order circuit open after repeated brokerage failures, batch %s not started", batchID)
	}

	claimID := s.newClaim()
	if err := s.store.Claim(ctx, batchID, claimID); err != nil {
		return domain.ExecutionSummary{}, err
	}
	s.l.Info("batch claimed for execution",
		zap.String("batch_id", batchID),
		zap.String("claim_id", claimID),
		zap.Int("instructions", len(b.Trades)))

	return s.live(context.WithoutCancel(ctx), b, claimID)
}

func (s *Service) dryRun(ctx context.Context, b *domain.OrderBatch) domain.ExecutionSummary {
	results := make([]domain.TradeResult, 0, len(b.Trades))
	// net cash effect of instructions already validated in this run
	cashDelta := decimal.Zero

	for i, t := range b.Trades {
		acct, price, failure := s.freshState(ctx, b, t)
		if failure != nil {
			results = append(results, s.failed(b.ID, i, t, failure.status, failure.err))
			s.audit(b.ID, "dry-run", i, t, price, true, failure.err)
			continue
		}
		acct.Cash = acct.Cash.Add(cashDelta)

		order := validator.OrderFromInstruction(t, price)
		if res := s.validate(order, acct); !res.Valid {
			cause := validationError(res)
			results = append(results, s.failed(b.ID, i, t, domain.ResultStatusValidationFailed, cause))
			s.audit(b.ID, "dry-run", i, t, price, true, cause)
			continue
		}

		switch {
		case t.Action.IsSell():
			cashDelta = cashDelta.Add(order.Value())
		case t.Action.ConsumesCash():
			cashDelta = cashDelta.Sub(order.Value())
		}

		results = append(results, domain.TradeResult{
			Symbol:           t.Symbol,
			InstructionIndex: i,
			IdempotencyKey:   domain.IdempotencyKey(b.ID, i),
			Success:          true,
			DryRun:           true,
			Status:           domain.ResultStatusDryRun,
			RecordedAt:       s.now().UTC(),
		})
		s.audit(b.ID, "dry-run", i, t, price, true, nil)
	}

	summary := domain.NewExecutionSummary(b.ID, domain.DeriveStatus(b.Trades, nil, true), true, results)
	s.l.Info("dry run finished",
		zap.String("batch_id", b.ID),
		zap.Int("valid", summary.Succeeded),
		zap.Int("invalid", summary.Failed))
	return summary
}

func (s *Service) live(ctx context.Context, b *domain.OrderBatch, claimID string) (domain.ExecutionSummary, error) {
	recorded := make(map[string]domain.TradeResult, len(b.Trades))
	results := make([]domain.TradeResult, 0, len(b.Trades))
	var recordErrs []string

	for i, t := range b.Trades {
		r := s.executeOne(ctx, b, claimID, i, t)
		if err := s.store.RecordResult(ctx, b.ID, claimID, r); err != nil {
			s.l.Error("failed to persist trade result",
				zap.String("batch_id", b.ID), zap.String("symbol", t.Symbol), zap.Error(err))
			recordErrs = append(recordErrs, fmt.Sprintf("%s: %v", t.Symbol, err))
		}
		recorded[t.Symbol] = r
		results = append(results, r)
	}

	status := domain.DeriveStatus(b.Trades, recorded, false)
	if len(recordErrs) > 0 {
		return domain.NewExecutionSummary(b.ID, status, false, results),
			errors.Errorf("batch %s left claimed, results not persisted: %s", b.ID, strings.Join(recordErrs, "; "))
	}
	if err := s.store.Finalize(ctx, b.ID, claimID, status); err != nil {
		return domain.NewExecutionSummary(b.ID, status, false, results), errors.Wrapf(err, "finalize batch %s", b.ID)
	}
	if s.metrics != nil {
		s.metrics.BatchTransitions.WithLabelValues(string(status)).Inc()
	}

	summary := domain.NewExecutionSummary(b.ID, status, false, results)
	s.l.Info("batch executed",
		zap.String("batch_id", b.ID),
		zap.String("status", string(status)),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed))
	return summary, nil
}

func (s *Service) executeOne(ctx context.Context, b *domain.OrderBatch, claimID string, i int, t domain.TradeInstruction) domain.TradeResult {
	acct, price, failure := s.freshState(ctx, b, t)
	if failure != nil {
		s.audit(b.ID, claimID, i, t, price, false, failure.err)
		return s.failed(b.ID, i, t, failure.status, failure.err)
	}

	if res := s.validate(validator.OrderFromInstruction(t, price), acct); !res.Valid {
		cause := validationError(res)
		s.audit(b.ID, claimID, i, t, price, false, cause)
		return s.failed(b.ID, i, t, domain.ResultStatusValidationFailed, cause)
	}

	key := domain.IdempotencyKey(b.ID, i)
	intentID, err := s.journal.Prepare(b.ID, claimID, i, t, price, false)
	if err != nil {
		// without a write-ahead record the submission could not be reconciled after a crash
		cause := errors.Wrap(err, "journal order intent")
		s.l.Error("refusing to submit without journal record", zap.String("idempotency_key", key), zap.Error(err))
		return s.failed(b.ID, i, t, domain.ResultStatusBrokerageError, cause)
	}

	ack, err := s.submit(ctx, b.AccountRef, key, t)
	if err != nil {
		if jerr := s.journal.MarkFailed(intentID, err); jerr != nil {
			s.l.Error("failed to close order intent", zap.String("intent_id", intentID), zap.Error(jerr))
		}
		return s.failed(b.ID, i, t, domain.ResultStatusBrokerageError, err)
	}
	if jerr := s.journal.MarkDone(intentID, ack.OrderID); jerr != nil {
		s.l.Error("failed to close order intent", zap.String("intent_id", intentID), zap.Error(jerr))
	}

	if s.metrics != nil {
		s.metrics.OrdersSubmitted.WithLabelValues(t.Action.String(), ack.Status).Inc()
	}
	s.l.Info("order submitted",
		zap.String("batch_id", b.ID),
		zap.String("symbol", t.Symbol),
		zap.String("action", t.Action.String()),
		zap.Int64("quantity", t.Quantity),
		zap.String("order_id", ack.OrderID))

	return domain.TradeResult{
		Symbol:           t.Symbol,
		InstructionIndex: i,
		IdempotencyKey:   key,
		Success:          true,
		OrderID:          ack.OrderID,
		Status:           ack.Status,
		RecordedAt:       s.now().UTC(),
	}
}

// submit places one order with a bounded timeout and reports the outcome to
// the breaker. It is never retried.
func (s *Service) submit(ctx context.Context, accountRef, key string, t domain.TradeInstruction) (gateway.OrderAck, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.settings.OrderTimeout)
	defer cancel()

	req := gateway.OrderRequest{
		AccountRef:    accountRef,
		Symbol:        t.Symbol,
		Action:        t.Action,
		Quantity:      t.Quantity,
		OrderType:     t.OrderType,
		LimitPrice:    t.LimitPrice,
		ClientOrderID: key,
	}

	// an open or saturated breaker does not stop the submission, the outcome
	// just goes unreported
	done, berr := s.breaker.Allow()
	if berr != nil {
		done = func(bool) {}
	}

	started := s.now()
	ack, err := s.brokerage.PlaceOrder(callCtx, req)
	done(err == nil)
	if s.metrics != nil {
		s.metrics.OrderLatency.Observe(s.now().Sub(started).Seconds())
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return gateway.OrderAck{}, errors.Wrapf(domain.ErrBrokerage, "order timed out after %s", s.settings.OrderTimeout)
	case err != nil:
		if !errors.Is(err, domain.ErrBrokerage) {
			err = errors.Wrapf(domain.ErrBrokerage, "%v", err)
		}
		return gateway.OrderAck{}, err
	}
	return ack, nil
}

type stateFailure struct {
	status string
	err    error
}

// freshState reads current account totals and the latest price for t,
// falling back to the batch's estimate when no live price is available.
func (s *Service) freshState(ctx context.Context, b *domain.OrderBatch, t domain.TradeInstruction) (validator.Account, decimal.Decimal, *stateFailure) {
	price := t.EstimatedPrice
	if live, err := s.brokerage.GetLastPrice(ctx, t.Symbol); err == nil && live.IsPositive() {
		price = live
	} else if err != nil {
		s.l.Warn("live price unavailable, using estimate",
			zap.String("symbol", t.Symbol), zap.String("estimate", t.EstimatedPrice.String()), zap.Error(err))
	}
	if !price.IsPositive() && !(t.OrderType == domain.OrderTypeLimit && t.LimitPrice.IsPositive()) {
		return validator.Account{}, price, &stateFailure{
			status: domain.ResultStatusPriceUnavailable,
			err:    errors.Wrapf(domain.ErrPriceUnavailable, "no price for %s", t.Symbol),
		}
	}

	p, err := s.brokerage.GetPortfolio(ctx, b.AccountRef)
	if err != nil {
		return validator.Account{}, price, &stateFailure{
			status: domain.ResultStatusBrokerageError,
			err:    errors.Wrap(err, "fetch account state"),
		}
	}
	return validator.Account{TotalValue: p.Summary.TotalValue, Cash: p.Summary.Cash}, price, nil
}

func (s *Service) validate(o validator.Order, acct validator.Account) validator.Result {
	res := s.validator.Validate(o, acct)
	if !res.Valid && s.metrics != nil {
		for _, v := range res.Violations {
			s.metrics.ValidationFailed.WithLabelValues(v.Code).Inc()
		}
	}
	return res
}

func (s *Service) failed(batchID string, i int, t domain.TradeInstruction, status string, cause error) domain.TradeResult {
	s.l.Warn("instruction failed",
		zap.String("batch_id", batchID),
		zap.String("symbol", t.Symbol),
		zap.String("status", status),
		zap.Error(cause))
	if s.metrics != nil {
		s.metrics.OrdersSubmitted.WithLabelValues(t.Action.String(), status).Inc()
	}
	return domain.TradeResult{
		Symbol:           t.Symbol,
		InstructionIndex: i,
		IdempotencyKey:   domain.IdempotencyKey(batchID, i),
		Status:           status,
		ErrorMessage:     cause.Error(),
		RecordedAt:       s.now().UTC(),
	}
}

// audit journals an attempt that never reached the brokerage.
func (s *Service) audit(batchID, claimID string, i int, t domain.TradeInstruction, price decimal.Decimal, dryRun bool, cause error) {
	id, err := s.journal.Prepare(batchID, claimID, i, t, price, dryRun)
	if err != nil {
		s.l.Error("failed to journal attempt", zap.String("batch_id", batchID), zap.Int("index", i), zap.Error(err))
		return
	}
	if cause != nil {
		err = s.journal.MarkFailed(id, cause)
	} else {
		err = s.journal.MarkDone(id, "")
	}
	if err != nil {
		s.l.Error("failed to close journaled attempt", zap.String("intent_id", id), zap.Error(err))
	}
}

func validationError(res validator.Result) error {
	return errors.Wrap(domain.ErrValidationFailed, strings.Join(res.Errors(), "; "))
}

// RecoverBatch finalizes a batch whose execution stopped after claiming it,
// deriving the terminal status from the results that were persisted. Batches
// claimed more recently than StaleAfter are assumed to still be running.
func (s *Service) RecoverBatch(ctx context.Context, batchID string) (domain.ExecutionSummary, error) {
	b, err := s.store.Get(ctx, batchID)
	if err != nil {
		return domain.ExecutionSummary{}, err
	}
	if !b.Status.Executable() || b.ExecutionClaim == "" {
		return domain.ExecutionSummary{}, errors.Wrapf(domain.ErrInvalidBatchState,
			"batch %s is %s and not mid-execution", batchID, b.Status)
	}
	if idle := s.now().Sub(b.UpdatedAt); idle < s.settings.StaleAfter {
		return domain.ExecutionSummary{}, errors.Wrapf(domain.ErrInvalidBatchState,
			"batch %s execution active %s ago", batchID, idle.Round(time.Second))
	}

	status := domain.DeriveStatus(b.Trades, b.ExecutionResults, false)
	if err := s.store.Finalize(ctx, batchID, b.ExecutionClaim, status); err != nil {
		return domain.ExecutionSummary{}, err
	}
	if s.metrics != nil {
		s.metrics.BatchTransitions.WithLabelValues(string(status)).Inc()
	}

	results := make([]domain.TradeResult, 0, len(b.Trades))
	for _, t := range b.Trades {
		if r, ok := b.ExecutionResults[t.Symbol]; ok {
			results = append(results, r)
		}
	}
	s.l.Warn("recovered interrupted batch",
		zap.String("batch_id", batchID),
		zap.String("claim_id", b.ExecutionClaim),
		zap.String("status", string(status)),
		zap.Int("recorded", len(results)),
		zap.Int("instructions", len(b.Trades)))
	return domain.NewExecutionSummary(batchID, status, false, results), nil
}
