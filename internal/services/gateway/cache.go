package gateway

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/rebalancer/internal/domain"
)

const priceKeyPrefix = "rebalancer:price:"

// PriceCached serves last prices from redis for a short TTL.
// Portfolio reads and order placement always reach the brokerage.
type PriceCached struct {
	next   Brokerage
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

var _ Brokerage = (*PriceCached)(nil)

// NewPriceCached wraps next with a redis price cache.
func NewPriceCached(next Brokerage, client *redis.Client, ttl time.Duration, logger *zap.Logger) *PriceCached {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PriceCached{next: next, client: client, ttl: ttl, logger: logger}
}

// NewRedisClient connects to addr and pings it.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// GetLastPrice returns a cached price when fresh, otherwise fetches and
// caches it. Redis failures degrade to a direct fetch.
func (c *PriceCached) GetLastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	key := priceKeyPrefix + symbol

	val, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if price, perr := decimal.NewFromString(val); perr == nil && price.IsPositive() {
			return price, nil
		}
		c.logger.Warn("discarding malformed cached price", zap.String("symbol", symbol), zap.String("value", val))
	case err != redis.Nil:
		c.logger.Warn("price cache read failed", zap.String("symbol", symbol), zap.Error(err))
	}

	price, err := c.next.GetLastPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	if err := c.client.Set(ctx, key, price.String(), c.ttl).Err(); err != nil {
		c.logger.Warn("price cache write failed", zap.String("symbol", symbol), zap.Error(err))
	}
	return price, nil
}

// GetPortfolio delegates.
func (c *PriceCached) GetPortfolio(ctx context.Context, accountRef string) (domain.Portfolio, error) {
	return c.next.GetPortfolio(ctx, accountRef)
}

// PlaceOrder delegates.
func (c *PriceCached) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	return c.next.PlaceOrder(ctx, req)
}
