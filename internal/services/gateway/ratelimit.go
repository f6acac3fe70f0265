package gateway

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/vadiminshakov/rebalancer/internal/domain"
)

// RateLimited shares one token bucket across every call to next.
type RateLimited struct {
	next    Brokerage
	limiter *rate.Limiter
}

var _ Brokerage = (*RateLimited)(nil)

// NewRateLimited allows perSecond calls with the given burst.
// A non-positive rate disables limiting.
func NewRateLimited(next Brokerage, perSecond float64, burst int) *RateLimited {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (r *RateLimited) wait(ctx context.Context) error {
	return errors.Wrap(r.limiter.Wait(ctx), "brokerage rate limit wait")
}

// GetPortfolio waits for a token then delegates.
func (r *RateLimited) GetPortfolio(ctx context.Context, accountRef string) (domain.Portfolio, error) {
	if err := r.wait(ctx); err != nil {
		return domain.Portfolio{}, err
	}
	return r.next.GetPortfolio(ctx, accountRef)
}

// GetLastPrice waits for a token then delegates.
func (r *RateLimited) GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := r.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	return r.next.GetLastPrice(ctx, symbol)
}

// PlaceOrder waits for a token then delegates.
func (r *RateLimited) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if err := r.wait(ctx); err != nil {
		return OrderAck{}, err
	}
	return r.next.PlaceOrder(ctx, req)
}
