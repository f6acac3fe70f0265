package gateway

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/vadiminshakov/rebalancer/internal/domain"
)

type brokerageMock struct{ mock.Mock }

func (m *brokerageMock) GetPortfolio(ctx context.Context, accountRef string) (domain.Portfolio, error) {
	args := m.Called(ctx, accountRef)
	return args.Get(0).(domain.Portfolio), args.Error(1)
}

func (m *brokerageMock) GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *brokerageMock) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(OrderAck), args.Error(1)
}
