package batches

import (
	"context"
	"fmt"
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
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batches.db")
	s, err := Open(context.Background(), "sqlite3", path, 5*time.Second, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newBatch(t *testing.T, id, client string, requireApproval bool, createdAt time.Time) *domain.OrderBatch {
	t.Helper()
	trades := []domain.TradeInstruction{
		{Symbol: "AAPL", Action: domain.ActionSell, OrderType: domain.OrderTypeMarket, Quantity: 20,
			EstimatedPrice: decimal.NewFromInt(150), EstimatedValue: decimal.NewFromInt(3000)},
		{Symbol: "MSFT", Action: domain.ActionBuy, OrderType: domain.OrderTypeMarket, Quantity: 10,
			EstimatedPrice: decimal.NewFromInt(300), EstimatedValue: decimal.NewFromInt(3000)},
	}
	snapshot := domain.Portfolio{
		AccountRef: "ACC-1",
		Positions: []domain.Position{
			{Symbol: "AAPL", Quantity: decimal.NewFromInt(40), MarketValue: decimal.NewFromInt(6000), AssetType: domain.AssetTypeEquity},
		},
		Summary: domain.PortfolioSummary{TotalValue: decimal.NewFromInt(10000), Cash: decimal.NewFromInt(4000)},
	}
	target := domain.TargetAllocation{"AAPL": decimal.NewFromFloat(0.3), "MSFT": decimal.NewFromFloat(0.3)}

	b, err := domain.NewOrderBatch(id, client, "ACC-1", "s1", snapshot, target, domain.AllocationSourceModel, trades, requireApproval, createdAt)
	require.NoError(t, err)
	return b
}

func TestStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	b := newBatch(t, "b1", "c1", true, now)
	require.NoError(t, s.Create(ctx, b))

	got, err := s.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusPendingApproval, got.Status)
	assert.Equal(t, "c1", got.ClientID)
	assert.True(t, got.RequireApproval)
	assert.True(t, now.Equal(got.CreatedAt))
	require.Len(t, got.Trades, 2)
	assert.Equal(t, "AAPL", got.Trades[0].Symbol)
	assert.True(t, got.Trades[1].EstimatedValue.Equal(decimal.NewFromInt(3000)))
	assert.True(t, got.TargetAllocation["MSFT"].Equal(decimal.NewFromFloat(0.3)))
	assert.True(t, got.Snapshot.Summary.Cash.Equal(decimal.NewFromInt(4000)))
	assert.Equal(t, domain.AllocationSourceModel, got.AllocationSource)
	assert.Empty(t, got.ExecutionResults)

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrBatchNotFound))

	assert.Error(t, s.Create(ctx, b), "duplicate batch id")
}

func TestStore_ApproveReject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Create(ctx, newBatch(t, "b1", "c1", true, now)))
	require.NoError(t, s.Create(ctx, newBatch(t, "b2", "c1", true, now)))

	pending := []domain.BatchStatus{domain.BatchStatusPendingApproval}

	require.NoError(t, s.Transition(ctx, "b1", pending, domain.BatchStatusApproved, ""))
	err := s.Transition(ctx, "b1", pending, domain.BatchStatusRejected, "too late")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidBatchState))

	got, err := s.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusApproved, got.Status)
	assert.Empty(t, got.RejectionReason)

	require.NoError(t, s.Transition(ctx, "b2", pending, domain.BatchStatusRejected, "drift too small"))
	got, err = s.Get(ctx, "b2")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusRejected, got.Status)
	assert.Equal(t, "drift too small", got.RejectionReason)

	err = s.Transition(ctx, "nope", pending, domain.BatchStatusApproved, "")
	assert.True(t, errors.Is(err, domain.ErrBatchNotFound))
}

func TestStore_ClaimRecordFinalize(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newBatch(t, "b1", "c1", false, time.Now())))

	// pending batches cannot be claimed
	require.NoError(t, s.Create(ctx, newBatch(t, "b2", "c1", true, time.Now())))
	err := s.Claim(ctx, "b2", "claim-x")
	assert.True(t, errors.Is(err, domain.ErrInvalidBatchState))

	require.NoError(t, s.Claim(ctx, "b1", "claim-1"))
	err = s.Claim(ctx, "b1", "claim-2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidBatchState))

	// a foreign claim cannot write results
	err = s.RecordResult(ctx, "b1", "claim-2", domain.TradeResult{Symbol: "AAPL", Success: true, Status: "filled"})
	assert.True(t, errors.Is(err, domain.ErrInvalidBatchState))

	require.NoError(t, s.RecordResult(ctx, "b1", "claim-1", domain.TradeResult{
		Symbol: "AAPL", InstructionIndex: 0, IdempotencyKey: "b1-0", Success: false, Status: "brokerage_error", ErrorMessage: "timeout",
	}))
	// upsert overwrites the same symbol
	require.NoError(t, s.RecordResult(ctx, "b1", "claim-1", domain.TradeResult{
		Symbol: "AAPL", InstructionIndex: 0, IdempotencyKey: "b1-0", Success: true, OrderID: "ord-1", Status: "filled",
	}))
	require.NoError(t, s.RecordResult(ctx, "b1", "claim-1", domain.TradeResult{
		Symbol: "MSFT", InstructionIndex: 1, IdempotencyKey: "b1-1", Success: true, OrderID: "ord-2", Status: "filled",
	}))

	require.NoError(t, s.Finalize(ctx, "b1", "claim-1", domain.BatchStatusExecuted))

	got, err := s.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusExecuted, got.Status)
	require.Len(t, got.ExecutionResults, 2)
	assert.True(t, got.ExecutionResults["AAPL"].Success)
	assert.Equal(t, "ord-1", got.ExecutionResults["AAPL"].OrderID)
	assert.Equal(t, "b1-1", got.ExecutionResults["MSFT"].IdempotencyKey)

	// terminal batches accept no further writes
	err = s.Finalize(ctx, "b1", "claim-1", domain.BatchStatusPartialFailure)
	assert.True(t, errors.Is(err, domain.ErrInvalidBatchState))
	err = s.Claim(ctx, "b1", "claim-3")
	assert.True(t, errors.Is(err, domain.ErrInvalidBatchState))

	assert.Error(t, s.Finalize(ctx, "b1", "claim-1", domain.BatchStatusApproved), "non-terminal target")
}

func TestStore_ConcurrentClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newBatch(t, "b1", "c1", false, time.Now())))

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.Claim(ctx, "b1", fmt.Sprintf("claim-%d", i)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestStore_List(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Create(ctx, newBatch(t, "b1", "c1", true, base)))
	require.NoError(t, s.Create(ctx, newBatch(t, "b2", "c1", false, base.Add(time.Minute))))
	require.NoError(t, s.Create(ctx, newBatch(t, "b3", "c2", true, base.Add(2*time.Minute))))

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "b3", all[0].ID, "newest first")

	byClient, err := s.List(ctx, Filter{ClientID: "c1"})
	require.NoError(t, err)
	require.Len(t, byClient, 2)

	pending, err := s.List(ctx, Filter{ClientID: "c1", Status: domain.BatchStatusPendingApproval})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b1", pending[0].ID)

	limited, err := s.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	none, err := s.List(ctx, Filter{ClientID: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, none)
}
