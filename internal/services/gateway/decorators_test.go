package gateway

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/rebalancer/internal/domain"
	"github.com/vadiminshakov/rebalancer/pkg/retrier"
)

func fastRetries() []retrier.Option {
	return []retrier.Option{retrier.WithInitialInterval(time.Millisecond), retrier.WithMaxRetries(2)}
}

func TestRetryingReads(t *testing.T) {
	ctx := context.Background()

	t.Run("transient read retried", func(t *testing.T) {
		next := &brokerageMock{}
		next.On("GetPortfolio", mock.Anything, "ACC-1").Return(domain.Portfolio{}, errors.New("connection reset")).Once()
		next.On("GetPortfolio", mock.Anything, "ACC-1").Return(domain.Portfolio{AccountRef: "ACC-1"}, nil).Once()

		r := NewRetryingReads(next, zap.NewNop(), fastRetries()...)
		p, err := r.GetPortfolio(ctx, "ACC-1")
		require.NoError(t, err)
		assert.Equal(t, "ACC-1", p.AccountRef)
		next.AssertNumberOfCalls(t, "GetPortfolio", 2)
	})

	t.Run("missing price not retried", func(t *testing.T) {
		next := &brokerageMock{}
		next.On("GetLastPrice", mock.Anything, "ZZZ").Return(decimal.Zero, domain.ErrPriceUnavailable)

		r := NewRetryingReads(next, zap.NewNop(), fastRetries()...)
		_, err := r.GetLastPrice(ctx, "ZZZ")
		assert.True(t, errors.Is(err, domain.ErrPriceUnavailable))
		next.AssertNumberOfCalls(t, "GetLastPrice", 1)
	})

	t.Run("orders never retried", func(t *testing.T) {
		next := &brokerageMock{}
		next.On("PlaceOrder", mock.Anything, mock.Anything).Return(OrderAck{}, errors.New("timeout"))

		r := NewRetryingReads(next, zap.NewNop(), fastRetries()...)
		_, err := r.PlaceOrder(ctx, OrderRequest{Symbol: "AAPL"})
		require.Error(t, err)
		next.AssertNumberOfCalls(t, "PlaceOrder", 1)
	})
}

func TestRateLimited(t *testing.T) {
	next := &brokerageMock{}
	next.On("GetLastPrice", mock.Anything, "AAPL").Return(decimal.NewFromInt(1), nil)

	r := NewRateLimited(next, 1, 1)

	_, err := r.GetLastPrice(context.Background(), "AAPL")
	require.NoError(t, err)

	// bucket is empty; the next call must wait past the deadline
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.GetLastPrice(ctx, "AAPL")
	assert.Error(t, err)
	next.AssertNumberOfCalls(t, "GetLastPrice", 1)
}

func TestTraced(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := SetupTracing(context.Background(), "rebalancer-test", &buf)
	require.NoError(t, err)

	next := &brokerageMock{}
	next.On("PlaceOrder", mock.Anything, mock.Anything).Return(OrderAck{OrderID: "ord-1", Status: "filled"}, nil)
	next.On("GetLastPrice", mock.Anything, "ZZZ").Return(decimal.Zero, domain.ErrPriceUnavailable)

	tr := NewTraced(next, zap.NewNop())
	ack, err := tr.PlaceOrder(context.Background(), OrderRequest{Symbol: "AAPL", Action: domain.ActionBuy, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", ack.OrderID)

	_, err = tr.GetLastPrice(context.Background(), "ZZZ")
	assert.True(t, errors.Is(err, domain.ErrPriceUnavailable))

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "brokerage.PlaceOrder")
	assert.Contains(t, buf.String(), "brokerage.GetLastPrice")
}
