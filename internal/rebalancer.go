package internal

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/rebalancer/internal/domain"
	"github.com/vadiminshakov/rebalancer/internal/metrics"
	"github.com/vadiminshakov/rebalancer/internal/services/drift"
	"github.com/vadiminshakov/rebalancer/internal/services/execution"
	"github.com/vadiminshakov/rebalancer/internal/services/gateway"
	"github.com/vadiminshakov/rebalancer/internal/services/resolver"
	"github.com/vadiminshakov/rebalancer/internal/services/tradediff"
	"github.com/vadiminshakov/rebalancer/internal/storage/batches"
	"github.com/vadiminshakov/rebalancer/internal/storage/journal"
)

// BatchStore persists order batches.
type BatchStore interface {
	Create(ctx context.Context, b *domain.OrderBatch) error
	Get(ctx context.Context, batchID string) (*domain.OrderBatch, error)
	List(ctx context.Context, f batches.Filter) ([]*domain.OrderBatch, error)
	Transition(ctx context.Context, batchID string, from []domain.BatchStatus, to domain.BatchStatus, reason string) error
}

// IDGenerator issues batch ids.
type IDGenerator interface {
	New() (string, error)
}

// RebalanceRequest names the account and strategy to rebalance.
type RebalanceRequest struct {
	ClientID        string
	AccountRef      string
	StrategyID      string
	MaxPositions    int
	RequireApproval bool
}

// Engine is the request-driven rebalancing workflow: resolve a target,
// diff it against the account, persist the batch, then approve and execute.
type Engine struct {
	resolver       *resolver.Resolver
	calculator     *tradediff.Calculator
	brokerage      gateway.Brokerage
	store          BatchStore
	executor       *execution.Service
	journal        *journal.Journal
	ids            IDGenerator
	metrics        *metrics.Registry
	driftThreshold decimal.Decimal
	l              *zap.Logger
	now            func() time.Time
}

// EngineDeps are the collaborators of an Engine. Journal and Metrics may be nil.
type EngineDeps struct {
	Resolver       *resolver.Resolver
	Calculator     *tradediff.Calculator
	Brokerage      gateway.Brokerage
	Store          BatchStore
	Executor       *execution.Service
	Journal        *journal.Journal
	IDs            IDGenerator
	Metrics        *metrics.Registry
	DriftThreshold decimal.Decimal
	Logger         *zap.Logger
}

// NewEngine validates deps and builds the engine.
func NewEngine(deps EngineDeps) (*Engine, error) {
	switch {
	case deps.Resolver == nil:
		return nil, errors.New("resolver is required")
	case deps.Calculator == nil:
		return nil, errors.New("trade calculator is required")
	case deps.Brokerage == nil:
		return nil, errors.New("brokerage is required")
	case deps.Store == nil:
		return nil, errors.New("batch store is required")
	case deps.Executor == nil:
		return nil, errors.New("executor is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	}
	l := deps.Logger
	if l == nil {
		l = zap.NewNop()
	}

	return &Engine{
		resolver:       deps.Resolver,
		calculator:     deps.Calculator,
		brokerage:      deps.Brokerage,
		store:          deps.Store,
		executor:       deps.Executor,
		journal:        deps.Journal,
		ids:            deps.IDs,
		metrics:        deps.Metrics,
		driftThreshold: deps.DriftThreshold,
		l:              l,
		now:            time.Now,
	}, nil
}

// GenerateRebalanceOrders resolves the target allocation, diffs it against
// the live portfolio and persists the resulting batch. An empty resolution
// yields a batch that exits every equity position.
func (e *Engine) GenerateRebalanceOrders(ctx context.Context, req RebalanceRequest) (*domain.OrderBatch, error) {
	if req.ClientID == "" || req.AccountRef == "" {
		return nil, errors.New("client id and account ref are required")
	}
	log := e.l.With(zap.String("client_id", req.ClientID), zap.String("account_ref", req.AccountRef))

	res, err := e.resolver.Resolve(ctx, req.AccountRef, req.StrategyID, req.MaxPositions)
	if err != nil {
		return nil, errors.Wrap(err, "resolve target allocation")
	}
	if res.Empty() {
		log.Warn("no target allocation, exiting all positions", zap.Error(domain.ErrResolutionEmpty))
	}

	portfolio, err := e.brokerage.GetPortfolio(ctx, req.AccountRef)
	if err != nil {
		return nil, errors.Wrap(err, "fetch portfolio")
	}

	report := drift.Analyze(portfolio.Equities(), portfolio.Summary.TotalValue, res.Allocation, e.driftThreshold)
	log.Info("drift analyzed",
		zap.String("max_drift", report.MaxDrift.StringFixed(4)),
		zap.String("avg_drift", report.AvgDrift.StringFixed(4)),
		zap.Int("exceeding", report.CountExceeding))
	if e.metrics != nil {
		e.metrics.MaxDrift.WithLabelValues(req.AccountRef).Set(report.MaxDrift.InexactFloat64())
		e.metrics.PositionsOffside.WithLabelValues(req.AccountRef).Set(float64(report.CountExceeding))
	}

	prices := e.entryPrices(ctx, portfolio, res.Allocation)

	trades := e.calculator.ComputeTrades(tradediff.Input{
		Positions:    portfolio.Equities(),
		Target:       res.Allocation,
		AccountValue: portfolio.Summary.TotalValue,
		Cash:         portfolio.Summary.Cash,
		Prices:       prices,
	})

	batchID, err := e.ids.New()
	if err != nil {
		return nil, errors.Wrap(err, "generate batch id")
	}
	b, err := domain.NewOrderBatch(batchID, req.ClientID, req.AccountRef, req.StrategyID, portfolio,
		res.Allocation, res.Source, trades, req.RequireApproval, e.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := e.store.Create(ctx, b); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.BatchesCreated.WithLabelValues(string(res.Source), string(b.Status)).Inc()
	}

	log.Info("order batch created",
		zap.String("batch_id", b.ID),
		zap.String("status", string(b.Status)),
		zap.String("source", string(res.Source)),
		zap.Int("trades", len(trades)))
	return b, nil
}

// entryPrices looks up prices for target symbols that are not held or whose
// holding has no market value to derive a price from. Symbols without a price
// are left out and skipped by the calculator.
func (e *Engine) entryPrices(ctx context.Context, portfolio domain.Portfolio, target domain.TargetAllocation) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal)
	for _, symbol := range target.Symbols() {
		if pos, ok := portfolio.Position(symbol); ok && pos.Quantity.IsPositive() && pos.CurrentPrice().IsPositive() {
			continue
		}
		price, err := e.brokerage.GetLastPrice(ctx, symbol)
		if err != nil {
			e.l.Warn("no entry price", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		prices[symbol] = price
	}
	return prices
}

// ExecuteOrderBatch runs one execution attempt of a ready or approved batch.
func (e *Engine) ExecuteOrderBatch(ctx context.Context, batchID string, dryRun bool) (domain.ExecutionSummary, error) {
	return e.executor.ExecuteBatch(ctx, batchID, dryRun)
}

// ApproveBatch moves a pending batch to approved.
func (e *Engine) ApproveBatch(ctx context.Context, batchID string) error {
	return e.transition(ctx, batchID, domain.BatchStatusApproved, "")
}

// RejectBatch moves a pending batch to rejected with a reason.
func (e *Engine) RejectBatch(ctx context.Context, batchID, reason string) error {
	return e.transition(ctx, batchID, domain.BatchStatusRejected, reason)
}

func (e *Engine) transition(ctx context.Context, batchID string, to domain.BatchStatus, reason string) error {
	from := []domain.BatchStatus{domain.BatchStatusPendingApproval}
	if err := e.store.Transition(ctx, batchID, from, to, reason); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.BatchTransitions.WithLabelValues(string(to)).Inc()
	}
	e.l.Info("batch transitioned", zap.String("batch_id", batchID), zap.String("status", string(to)))
	return nil
}

// GetBatch loads one batch with its results.
func (e *Engine) GetBatch(ctx context.Context, batchID string) (*domain.OrderBatch, error) {
	return e.store.Get(ctx, batchID)
}

// ListBatches returns batches newest first. Empty filters match everything.
func (e *Engine) ListBatches(ctx context.Context, clientID string, status domain.BatchStatus, limit int) ([]*domain.OrderBatch, error) {
	return e.store.List(ctx, batches.Filter{ClientID: clientID, Status: status, Limit: limit})
}

// RecoverBatch finalizes a batch whose execution was interrupted.
func (e *Engine) RecoverBatch(ctx context.Context, batchID string) (domain.ExecutionSummary, error) {
	return e.executor.RecoverBatch(ctx, batchID)
}

// PendingIntents lists journaled submissions whose outcome was never recorded.
func (e *Engine) PendingIntents() []journal.Intent {
	if e.journal == nil {
		return nil
	}
	return e.journal.Pending()
}
