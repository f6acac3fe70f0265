// Package gateway is the boundary to the brokerage: account state, last
// prices and order submission. Decorators add rate limiting, tracing, price
// caching and read retries around any Brokerage.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/rebalancer/internal/domain"
)

// OrderRequest is one order submission.
type OrderRequest struct {
	AccountRef    string           `json:"account_ref"`
	Symbol        string           `json:"symbol"`
	Action        domain.Action    `json:"action"`
	Quantity      int64            `json:"quantity"`
	OrderType     domain.OrderType `json:"order_type"`
	LimitPrice    decimal.Decimal  `json:"limit_price,omitempty"`
	ClientOrderID string           `json:"client_order_id"`
}

// OrderAck is the brokerage acknowledgement of a submitted order.
type OrderAck struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// Brokerage reads account state and submits orders.
type Brokerage interface {
	GetPortfolio(ctx context.Context, accountRef string) (domain.Portfolio, error)
	GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
}
