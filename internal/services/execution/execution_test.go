package execution

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/rebalancer/internal/domain"
	"github.com/vadiminshakov/rebalancer/internal/metrics"
	"github.com/vadiminshakov/rebalancer/internal/services/gateway"
	"github.com/vadiminshakov/rebalancer/internal/services/validator"
	"github.com/vadiminshakov/rebalancer/internal/storage/batches"
	"github.com/vadiminshakov/rebalancer/internal/storage/journal"
)

// flakyBrokerage fails or stalls orders for selected symbols and counts submissions.
type flakyBrokerage struct {
	*gateway.SimulateBrokerage

	mu     sync.Mutex
	fail   map[string]bool
	stall  map[string]time.Duration
	placed map[string]int
}

func (f *flakyBrokerage) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (gateway.OrderAck, error) {
	f.mu.Lock()
	f.placed[req.Symbol]++
	fail, stall := f.fail[req.Symbol], f.stall[req.Symbol]
	f.mu.Unlock()

	if stall > 0 {
		select {
		case <-time.After(stall):
		case <-ctx.Done():
			return gateway.OrderAck{}, ctx.Err()
		}
	}
	if fail {
		return gateway.OrderAck{}, errors.New("exchange rejected order")
	}
	return f.SimulateBrokerage.PlaceOrder(ctx, req)
}

func (f *flakyBrokerage) count(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placed[symbol]
}

type fixture struct {
	svc     *Service
	store   *batches.Store
	journal *journal.Journal
	broker  *flakyBrokerage
}

func newFixture(t *testing.T, cash int64, settings Settings) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := batches.Open(ctx, "sqlite3", filepath.Join(dir, "batches.db"), 5*time.Second, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	j, err := journal.Open(filepath.Join(dir, "wal"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	sim, err := gateway.NewSimulateBrokerage(
		[]gateway.SimulatedAccount{{
			AccountRef: "ACC-1",
			Cash:       decimal.NewFromInt(cash),
			Holdings: map[string]gateway.SimulatedHolding{
				"AAPL": {Quantity: decimal.NewFromInt(40), AssetType: domain.AssetTypeEquity},
				"IBM":  {Quantity: decimal.NewFromInt(10), AssetType: domain.AssetTypeEquity},
			},
		}},
		map[string]decimal.Decimal{
			"AAPL": decimal.NewFromInt(150),
			"MSFT": decimal.NewFromInt(300),
			"IBM":  decimal.NewFromInt(100),
			"TSLA": decimal.NewFromInt(200),
		},
		nil, zap.NewNop())
	require.NoError(t, err)

	broker := &flakyBrokerage{
		SimulateBrokerage: sim,
		fail:              map[string]bool{},
		stall:             map[string]time.Duration{},
		placed:            map[string]int{},
	}

	v := validator.New(validator.Limits{
		MaxOrderValue:  decimal.NewFromInt(100_000),
		MaxPositionPct: decimal.NewFromInt(1),
	})

	svc := NewService(store, broker, v, j, metrics.New(), settings, zap.NewNop())
	return &fixture{svc: svc, store: store, journal: j, broker: broker}
}

func trade(symbol string, action domain.Action, qty int64, price int64) domain.TradeInstruction {
	return domain.TradeInstruction{
		Symbol:         symbol,
		Action:         action,
		OrderType:      domain.OrderTypeMarket,
		Quantity:       qty,
		EstimatedPrice: decimal.NewFromInt(price),
		EstimatedValue: decimal.NewFromInt(qty * price),
	}
}

func (f *fixture) createBatch(t *testing.T, id string, requireApproval bool, trades ...domain.TradeInstruction) {
	t.Helper()
	b, err := domain.NewOrderBatch(id, "client-1", "ACC-1", "s1", domain.Portfolio{AccountRef: "ACC-1"},
		domain.TargetAllocation{}, domain.AllocationSourceModel, trades, requireApproval, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.store.Create(context.Background(), b))
}

func TestExecuteBatch_Executed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4000, Settings{})
	f.createBatch(t, "b1", false,
		trade("AAPL", domain.ActionSell, 20, 150),
		trade("MSFT", domain.ActionBuy, 10, 300))

	summary, err := f.svc.ExecuteBatch(ctx, "b1", false)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusExecuted, summary.Status)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)

	stored, err := f.store.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusExecuted, stored.Status)
	require.Len(t, stored.ExecutionResults, 2)
	assert.Equal(t, "b1-0", stored.ExecutionResults["AAPL"].IdempotencyKey)
	assert.NotEmpty(t, stored.ExecutionResults["MSFT"].OrderID)

	p, err := f.broker.GetPortfolio(ctx, "ACC-1")
	require.NoError(t, err)
	msft, ok := p.Position("MSFT")
	require.True(t, ok)
	assert.True(t, msft.Quantity.Equal(decimal.NewFromInt(10)))

	intents := f.journal.ForBatch("b1")
	require.Len(t, intents, 2)
	for _, in := range intents {
		assert.Equal(t, journal.IntentDone, in.Status)
	}
	assert.Empty(t, f.journal.Pending())

	t.Run("terminal batch is not executed again", func(t *testing.T) {
		_, err := f.svc.ExecuteBatch(ctx, "b1", false)
		assert.True(t, errors.Is(err, domain.ErrInvalidBatchState))
		assert.Equal(t, 1, f.broker.count("AAPL"))
	})
}

func TestExecuteBatch_PartialFailureIsolated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10_000, Settings{})
	f.broker.fail["MSFT"] = true
	f.createBatch(t, "b1", false,
		trade("AAPL", domain.ActionSell, 10, 150),
		trade("MSFT", domain.ActionBuy, 5, 300),
		trade("TSLA", domain.ActionBuy, 5, 200))

	summary, err := f.svc.ExecuteBatch(ctx, "b1", false)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusPartialFailure, summary.Status)
	require.Len(t, summary.Results, 3)
	assert.True(t, summary.Results[0].Success)
	assert.False(t, summary.Results[1].Success)
	assert.Equal(t, domain.ResultStatusBrokerageError, summary.Results[1].Status)
	assert.Contains(t, summary.Results[1].ErrorMessage, "exchange rejected order")
	assert.True(t, summary.Results[2].Success, "later instructions still run")

	stored, err := f.store.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusPartialFailure, stored.Status)
	assert.False(t, stored.ExecutionResults["MSFT"].Success)
	assert.Equal(t, 1, f.broker.count("MSFT"), "brokerage errors are not retried")

	var failed int
	for _, in := range f.journal.ForBatch("b1") {
		if in.Status == journal.IntentFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestExecuteBatch_ValidationFailureSkipsBrokerage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1000, Settings{})
	f.createBatch(t, "b1", false,
		trade("IBM", domain.ActionSell, 5, 100),
		trade("MSFT", domain.ActionBuy, 10, 300))

	summary, err := f.svc.ExecuteBatch(ctx, "b1", false)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusPartialFailure, summary.Status)
	assert.True(t, summary.Results[0].Success)
	assert.Equal(t, domain.ResultStatusValidationFailed, summary.Results[1].Status)
	assert.Contains(t, summary.Results[1].ErrorMessage, "available cash")
	assert.Equal(t, 0, f.broker.count("MSFT"))
}

func TestExecuteBatch_SellProceedsFundBuys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0, Settings{})
	f.createBatch(t, "b1", false,
		trade("AAPL", domain.ActionSell, 20, 150),
		trade("MSFT", domain.ActionBuy, 10, 300))

	summary, err := f.svc.ExecuteBatch(ctx, "b1", false)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusExecuted, summary.Status)
}

func TestExecuteBatch_DryRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0, Settings{})
	f.createBatch(t, "b1", false,
		trade("AAPL", domain.ActionSell, 20, 150),
		trade("MSFT", domain.ActionBuy, 10, 300),
		trade("TSLA", domain.ActionBuy, 1, 200))

	first, err := f.svc.ExecuteBatch(ctx, "b1", true)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusDryRunValidated, first.Status)
	assert.True(t, first.DryRun)
	require.Len(t, first.Results, 3)
	assert.True(t, first.Results[0].DryRun)
	assert.True(t, first.Results[1].Success, "sell proceeds are credited within the run")
	assert.Equal(t, domain.ResultStatusValidationFailed, first.Results[2].Status, "proceeds already spent")

	second, err := f.svc.ExecuteBatch(ctx, "b1", true)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Succeeded, second.Succeeded)

	assert.Equal(t, 0, f.broker.count("AAPL"))
	assert.Equal(t, 0, f.broker.count("MSFT"))

	stored, err := f.store.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusReady, stored.Status)
	assert.Empty(t, stored.ExecutionResults)
	assert.Len(t, f.journal.ForBatch("b1"), 6)
	assert.Empty(t, f.journal.Pending())
}

func TestExecuteBatch_NotExecutable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4000, Settings{})
	f.createBatch(t, "b1", true, trade("AAPL", domain.ActionSell, 1, 150))

	_, err := f.svc.ExecuteBatch(ctx, "b1", false)
	assert.True(t, errors.Is(err, domain.ErrInvalidBatchState))
	_, err = f.svc.ExecuteBatch(ctx, "b1", true)
	assert.True(t, errors.Is(err, domain.ErrInvalidBatchState))

	_, err = f.svc.ExecuteBatch(ctx, "missing", false)
	assert.True(t, errors.Is(err, domain.ErrBatchNotFound))

	stored, err := f.store.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusPendingApproval, stored.Status)
}

func TestExecuteBatch_ConcurrentAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4000, Settings{})
	f.createBatch(t, "b1", false,
		trade("AAPL", domain.ActionSell, 20, 150),
		trade("MSFT", domain.ActionBuy, 10, 300))

	const attempts = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		rejected  int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ExecuteBatch(ctx, "b1", false)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrInvalidBatchState):
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, rejected)
	assert.Equal(t, 1, f.broker.count("AAPL"))
	assert.Equal(t, 1, f.broker.count("MSFT"))
}

func TestExecuteBatch_TimeoutAndBreaker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10_000, Settings{
		OrderTimeout:       20 * time.Millisecond,
		BreakerFailures:    2,
		BreakerOpenTimeout: time.Minute,
	})
	f.broker.stall["AAPL"] = time.Second
	f.broker.fail["IBM"] = true
	f.createBatch(t, "b1", false,
		trade("AAPL", domain.ActionSell, 1, 150),
		trade("IBM", domain.ActionSell, 1, 100),
		trade("MSFT", domain.ActionBuy, 1, 300))

	summary, err := f.svc.ExecuteBatch(ctx, "b1", false)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusPartialFailure, summary.Status)
	assert.Contains(t, summary.Results[0].ErrorMessage, "timed out")
	assert.Contains(t, summary.Results[1].ErrorMessage, "exchange rejected")
	assert.True(t, summary.Results[2].Success, "open breaker does not skip later instructions")
	assert.Equal(t, 1, f.broker.count("MSFT"))

	t.Run("open breaker refuses to start the next live run", func(t *testing.T) {
		f.createBatch(t, "b2", false, trade("TSLA", domain.ActionBuy, 1, 200))

		_, err := f.svc.ExecuteBatch(ctx, "b2", false)
		assert.True(t, errors.Is(err, domain.ErrBrokerage))
		assert.Equal(t, 0, f.broker.count("TSLA"))

		stored, err := f.store.Get(ctx, "b2")
		require.NoError(t, err)
		assert.Equal(t, domain.BatchStatusReady, stored.Status)
		assert.Empty(t, stored.ExecutionClaim)

		dry, err := f.svc.ExecuteBatch(ctx, "b2", true)
		require.NoError(t, err)
		assert.Equal(t, domain.BatchStatusDryRunValidated, dry.Status)
	})
}

func TestExecuteBatch_FailuresDoNotBlockLaterSymbols(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10_000, Settings{})
	f.broker.fail["AAPL"] = true
	f.broker.fail["IBM"] = true
	f.broker.fail["MSFT"] = true
	f.createBatch(t, "b1", false,
		trade("AAPL", domain.ActionSell, 1, 150),
		trade("IBM", domain.ActionSell, 1, 100),
		trade("MSFT", domain.ActionBuy, 1, 300),
		trade("TSLA", domain.ActionBuy, 1, 200))

	summary, err := f.svc.ExecuteBatch(ctx, "b1", false)
	require.NoError(t, err)
	require.Len(t, summary.Results, 4)
	assert.True(t, summary.Results[3].Success)
	assert.Equal(t, 1, f.broker.count("TSLA"))
	assert.Equal(t, domain.BatchStatusPartialFailure, summary.Status)
}

func TestExecuteBatch_DryRunRefusedWhileClaimed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4000, Settings{})
	f.createBatch(t, "b1", false, trade("AAPL", domain.ActionSell, 1, 150))
	require.NoError(t, f.store.Claim(ctx, "b1", "running"))

	_, err := f.svc.ExecuteBatch(ctx, "b1", true)
	assert.True(t, errors.Is(err, domain.ErrInvalidBatchState))
	assert.Empty(t, f.journal.ForBatch("b1"))
}

func TestRecoverBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4000, Settings{StaleAfter: time.Minute})
	f.createBatch(t, "b1", false,
		trade("AAPL", domain.ActionSell, 20, 150),
		trade("MSFT", domain.ActionBuy, 10, 300))

	// simulate a crash after the first instruction was recorded
	require.NoError(t, f.store.Claim(ctx, "b1", "crashed"))
	require.NoError(t, f.store.RecordResult(ctx, "b1", "crashed", domain.TradeResult{
		Symbol: "AAPL", InstructionIndex: 0, IdempotencyKey: "b1-0", Success: true, OrderID: "o1", Status: "filled",
	}))

	_, err := f.svc.ExecuteBatch(ctx, "b1", false)
	assert.True(t, errors.Is(err, domain.ErrInvalidBatchState), "claimed batch cannot be executed")

	_, err = f.svc.RecoverBatch(ctx, "b1")
	assert.True(t, errors.Is(err, domain.ErrInvalidBatchState), "recent claim is treated as running")

	f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	summary, err := f.svc.RecoverBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusPartialFailure, summary.Status)
	assert.Equal(t, 1, summary.Succeeded)

	stored, err := f.store.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusPartialFailure, stored.Status)

	_, err = f.svc.RecoverBatch(ctx, "b1")
	assert.True(t, errors.Is(err, domain.ErrInvalidBatchState))
}
