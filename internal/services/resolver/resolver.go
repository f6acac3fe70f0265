// Package resolver picks the target allocation for an account.
package resolver

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/rebalancer/internal/domain"
)

// WeightSource reads the latest reinforcement-learning weights of a strategy.
type WeightSource interface {
	LatestWeights(ctx context.Context, strategyID string) (domain.TargetAllocation, error)
}

// ScoreSource reads the latest model scores at or above a confidence cutoff,
// best score first.
type ScoreSource interface {
	TopScores(ctx context.Context, minConfidence decimal.Decimal, limit int) ([]domain.SymbolScore, error)
}

// LiquiditySource lists symbols whose average volume over the trailing
// window meets the minimum, most liquid first.
type LiquiditySource interface {
	LiquidSymbols(ctx context.Context, windowDays int, minAvgVolume decimal.Decimal, limit int) ([]string, error)
}

// Settings is the resolver policy.
type Settings struct {
	MaxPositionWeight   decimal.Decimal
	MinConfidence       decimal.Decimal
	LiquidityWindowDays int
	MinAvgVolume        decimal.Decimal
	DefaultMaxPositions int
}

// Resolution is a resolved allocation and the source it came from.
type Resolution struct {
	Allocation domain.TargetAllocation
	Source     domain.AllocationSource
}

// Empty reports whether no source produced data.
func (r Resolution) Empty() bool {
	return len(r.Allocation) == 0
}

// Resolver tries allocation sources in strict priority order.
type Resolver struct {
	rl        WeightSource
	scores    ScoreSource
	liquidity LiquiditySource
	settings  Settings
	l         *zap.Logger
}

// NewResolver creates a resolver. Any source may be nil, in which case it is skipped.
func NewResolver(rl WeightSource, scores ScoreSource, liquidity LiquiditySource, settings Settings, l *zap.Logger) *Resolver {
	if l == nil {
		l = zap.NewNop()
	}
	if settings.DefaultMaxPositions <= 0 {
		settings.DefaultMaxPositions = 20
	}
	return &Resolver{rl: rl, scores: scores, liquidity: liquidity, settings: settings, l: l}
}

// Resolve returns the first non-empty allocation among the RL weights, the
// capped model-score allocation and the equal-weight liquid universe. When all
// are empty it returns an empty allocation, which callers treat as exit-all.
// Source failures are returned as errors rather than treated as empty.
func (r *Resolver) Resolve(ctx context.Context, accountRef, strategyID string, maxPositions int) (Resolution, error) {
	if maxPositions <= 0 {
		maxPositions = r.settings.DefaultMaxPositions
	}
	log := r.l.With(zap.String("account_ref", accountRef), zap.String("strategy_id", strategyID))

	if r.rl != nil && strategyID != "" {
		weights, err := r.rl.LatestWeights(ctx, strategyID)
		if err != nil {
			return Resolution{}, errors.Wrap(err, "read RL allocation")
		}
		if len(weights) > 0 {
			if err := weights.Validate(); err != nil {
				return Resolution{}, errors.Wrap(err, "RL allocation is invalid")
			}
			log.Info("resolved allocation from RL weights", zap.Int("symbols", len(weights)))
			return Resolution{Allocation: weights, Source: domain.AllocationSourceRL}, nil
		}
	}

	if r.scores != nil {
		scores, err := r.scores.TopScores(ctx, r.settings.MinConfidence, maxPositions)
		if err != nil {
			return Resolution{}, errors.Wrap(err, "read model scores")
		}
		weights := proportional(scores)
		if len(weights) > 0 {
			capped := CapAndRedistribute(weights, r.settings.MaxPositionWeight)
			log.Info("resolved allocation from model scores",
				zap.Int("symbols", len(capped)),
				zap.String("total_weight", capped.Total().String()))
			return Resolution{Allocation: capped, Source: domain.AllocationSourceModel}, nil
		}
	}

	if r.liquidity != nil {
		symbols, err := r.liquidity.LiquidSymbols(ctx, r.settings.LiquidityWindowDays, r.settings.MinAvgVolume, maxPositions)
		if err != nil {
			return Resolution{}, errors.Wrap(err, "read liquid universe")
		}
		if len(symbols) > 0 {
			log.Info("resolved equal-weight allocation over liquid universe", zap.Int("symbols", len(symbols)))
			return Resolution{Allocation: equalWeight(symbols), Source: domain.AllocationSourceLiquidity}, nil
		}
	}

	log.Warn("no allocation source produced data, targeting full exit", zap.Error(domain.ErrResolutionEmpty))
	return Resolution{Allocation: domain.TargetAllocation{}, Source: domain.AllocationSourceNone}, nil
}
