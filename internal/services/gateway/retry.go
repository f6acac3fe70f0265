package gateway

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/rebalancer/internal/domain"
	"github.com/vadiminshakov/rebalancer/pkg/retrier"
)

// RetryingReads retries portfolio and price reads. Orders pass straight
// through: a resubmitted order could fill twice.
type RetryingReads struct {
	next    Brokerage
	retrier *retrier.Retrier
}

var _ Brokerage = (*RetryingReads)(nil)

// NewRetryingReads wraps next. Missing prices are not retried.
func NewRetryingReads(next Brokerage, logger *zap.Logger, opts ...retrier.Option) *RetryingReads {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := []retrier.Option{
		retrier.WithRetryIf(func(err error) bool {
			return !errors.Is(err, domain.ErrPriceUnavailable) && !errors.Is(err, context.Canceled)
		}),
		retrier.WithOnRetry(func(attempt int, err error) {
			logger.Warn("retrying brokerage read", zap.Int("attempt", attempt), zap.Error(err))
		}),
	}
	return &RetryingReads{next: next, retrier: retrier.New(append(base, opts...)...)}
}

// GetPortfolio retries transient failures.
func (r *RetryingReads) GetPortfolio(ctx context.Context, accountRef string) (domain.Portfolio, error) {
	return retrier.DoWithData(r.retrier, ctx, func(ctx context.Context) (domain.Portfolio, error) {
		return r.next.GetPortfolio(ctx, accountRef)
	})
}

// GetLastPrice retries transient failures.
func (r *RetryingReads) GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return retrier.DoWithData(r.retrier, ctx, func(ctx context.Context) (decimal.Decimal, error) {
		return r.next.GetLastPrice(ctx, symbol)
	})
}

// PlaceOrder is never retried.
func (r *RetryingReads) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	return r.next.PlaceOrder(ctx, req)
}
