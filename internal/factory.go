package internal

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/rebalancer/config"
	"github.com/vadiminshakov/rebalancer/internal/metrics"
	"github.com/vadiminshakov/rebalancer/internal/services/execution"
	"github.com/vadiminshakov/rebalancer/internal/services/gateway"
	"github.com/vadiminshakov/rebalancer/internal/services/resolver"
	"github.com/vadiminshakov/rebalancer/internal/services/tradediff"
	"github.com/vadiminshakov/rebalancer/internal/services/validator"
	"github.com/vadiminshakov/rebalancer/internal/storage/allocations"
	"github.com/vadiminshakov/rebalancer/internal/storage/batches"
	"github.com/vadiminshakov/rebalancer/internal/storage/journal"
	"github.com/vadiminshakov/rebalancer/pkg/id"
)

// App owns the engine and every resource it was built from.
type App struct {
	Engine  *Engine
	Metrics *metrics.Registry
	Store   *batches.Store

	closers []func() error
	logger  *zap.Logger
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("failed to close resource", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	a.closers = nil
	return firstErr
}

// NewApp wires the engine from configuration.
func NewApp(ctx context.Context, conf config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{Metrics: metrics.New(), logger: logger}

	fail := func(err error) (*App, error) {
		_ = app.Close()
		return nil, err
	}

	store, err := batches.Open(ctx, conf.Database.Driver, conf.Database.DSN, conf.Database.QueryTimeout, logger.Named("batches"))
	if err != nil {
		return fail(errors.Wrap(err, "open batch store"))
	}
	app.Store = store
	app.closers = append(app.closers, store.Close)

	sources := allocations.NewSQLStore(store.DB(), conf.Database.QueryTimeout)
	if err := sources.Migrate(ctx); err != nil {
		return fail(errors.Wrap(err, "migrate allocation sources"))
	}

	j, err := journal.Open(conf.Journal.Dir, logger.Named("journal"))
	if err != nil {
		return fail(errors.Wrap(err, "open execution journal"))
	}
	app.closers = append(app.closers, j.Close)

	brokerage, err := newBrokerage(ctx, conf, logger, app)
	if err != nil {
		return fail(err)
	}

	res := resolver.NewResolver(sources, sources, sources, resolver.Settings{
		MaxPositionWeight:   conf.Rebalance.MaxPositionWeight,
		MinConfidence:       conf.Rebalance.MinConfidence,
		LiquidityWindowDays: conf.Rebalance.LiquidityWindowDays,
		MinAvgVolume:        conf.Rebalance.MinAvgVolume,
		DefaultMaxPositions: conf.Rebalance.DefaultMaxPositions,
	}, logger.Named("resolver"))

	executor := execution.NewService(store, brokerage,
		validator.New(validator.Limits{
			MaxOrderValue:  conf.Limits.MaxOrderValue,
			MaxPositionPct: conf.Limits.MaxPositionPct,
		}),
		j, app.Metrics,
		execution.Settings{
			OrderTimeout:       conf.Brokerage.Timeout,
			BreakerFailures:    conf.Breaker.ConsecutiveFailures,
			BreakerOpenTimeout: conf.Breaker.OpenTimeout,
		},
		logger.Named("execution"))

	engine, err := NewEngine(EngineDeps{
		Resolver:       res,
		Calculator:     tradediff.NewCalculator(conf.Rebalance.Tolerance, logger.Named("tradediff")),
		Brokerage:      brokerage,
		Store:          store,
		Executor:       executor,
		Journal:        j,
		IDs:            id.NewGenerator(),
		Metrics:        app.Metrics,
		DriftThreshold: conf.Rebalance.DriftThreshold,
		Logger:         logger.Named("engine"),
	})
	if err != nil {
		return fail(err)
	}
	app.Engine = engine

	if pending := j.Pending(); len(pending) > 0 {
		logger.Warn("execution journal has unresolved order intents", zap.Int("count", len(pending)))
	}
	return app, nil
}

// newBrokerage builds the configured backend and layers rate limiting,
// tracing, read retries and the optional redis price cache on top of it.
func newBrokerage(ctx context.Context, conf config.Config, logger *zap.Logger, app *App) (gateway.Brokerage, error) {
	provider, err := newBrokerageProvider(conf.Brokerage, logger.Named("brokerage"))
	if err != nil {
		return nil, err
	}
	base, err := provider.Brokerage(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "create brokerage")
	}

	var b gateway.Brokerage = gateway.NewRateLimited(base, conf.Brokerage.RateLimit, conf.Brokerage.RateBurst)
	b = gateway.NewTraced(b, logger.Named("brokerage"))
	b = gateway.NewRetryingReads(b, logger.Named("brokerage"))

	if conf.Cache.RedisAddr != "" {
		client, err := gateway.NewRedisClient(ctx, conf.Cache.RedisAddr, conf.Cache.Password, conf.Cache.DB)
		if err != nil {
			return nil, errors.Wrapf(err, "connect redis %s", conf.Cache.RedisAddr)
		}
		app.closers = append(app.closers, client.Close)
		b = gateway.NewPriceCached(b, client, conf.Cache.PriceTTL, logger.Named("price_cache"))
	}
	return b, nil
}
