// Package allocations reads the upstream allocation tables that feed the
// resolver. The tables are maintained out of band; this package never writes
// to them outside of Migrate.
package allocations

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/rebalancer/internal/domain"
)

// Schema is valid for both sqlite3 and postgres.
const Schema = `
CREATE TABLE IF NOT EXISTS rl_allocations (
	strategy_id TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	weight      NUMERIC NOT NULL,
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (strategy_id, symbol, updated_at)
);

CREATE TABLE IF NOT EXISTS model_scores (
	symbol     TEXT NOT NULL,
	score      NUMERIC NOT NULL,
	confidence NUMERIC NOT NULL,
	scored_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (symbol, scored_at)
);

CREATE TABLE IF NOT EXISTS daily_volumes (
	symbol     TEXT NOT NULL,
	trade_date TIMESTAMP NOT NULL,
	volume     NUMERIC NOT NULL,
	PRIMARY KEY (symbol, trade_date)
);
`

// SQLStore implements the resolver sources on top of sqlx.
type SQLStore struct {
	db           *sqlx.DB
	queryTimeout time.Duration
	now          func() time.Time
}

// NewSQLStore wraps db.
func NewSQLStore(db *sqlx.DB, queryTimeout time.Duration) *SQLStore {
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	return &SQLStore{db: db, queryTimeout: queryTimeout, now: time.Now}
}

// Migrate creates the source tables when missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	for _, stmt := range strings.Split(Schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "apply allocation schema")
		}
	}
	return nil
}

type weightRow struct {
	Symbol string          `db:"symbol"`
	Weight decimal.Decimal `db:"weight"`
}

// LatestWeights returns the active weights from the strategy's most recent update.
func (s *SQLStore) LatestWeights(ctx context.Context, strategyID string) (domain.TargetAllocation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var rows []weightRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT symbol, weight FROM rl_allocations
		WHERE strategy_id = ? AND active = TRUE AND updated_at = (
			SELECT MAX(updated_at) FROM rl_allocations WHERE strategy_id = ? AND active = TRUE
		)
		ORDER BY symbol`), strategyID, strategyID)
	if err != nil {
		return nil, errors.Wrapf(err, "select RL weights for %s", strategyID)
	}

	out := make(domain.TargetAllocation, len(rows))
	for _, r := range rows {
		if r.Weight.IsPositive() {
			out[r.Symbol] = r.Weight
		}
	}
	return out, nil
}

// TopScores returns the best-scored symbols of the latest scoring run.
func (s *SQLStore) TopScores(ctx context.Context, minConfidence decimal.Decimal, limit int) ([]domain.SymbolScore, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var rows []domain.SymbolScore
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT symbol, score, confidence FROM model_scores
		WHERE scored_at = (SELECT MAX(scored_at) FROM model_scores)
			AND confidence >= ? AND score > 0
		ORDER BY score DESC, symbol
		LIMIT ?`), minConfidence.InexactFloat64(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select model scores")
	}
	return rows, nil
}

// LiquidSymbols returns symbols whose average daily volume over the trailing
// window meets minAvgVolume, most liquid first.
func (s *SQLStore) LiquidSymbols(ctx context.Context, windowDays int, minAvgVolume decimal.Decimal, limit int) ([]string, error) {
	if windowDays <= 0 {
		return nil, errors.Errorf("liquidity window must be positive, got %d", windowDays)
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	since := s.now().UTC().AddDate(0, 0, -windowDays)

	var rows []struct {
		Symbol    string  `db:"symbol"`
		AvgVolume float64 `db:"avg_volume"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT symbol, AVG(volume) AS avg_volume FROM daily_volumes
		WHERE trade_date >= ?
		GROUP BY symbol
		HAVING AVG(volume) >= ?
		ORDER BY avg_volume DESC, symbol
		LIMIT ?`), since, minAvgVolume.InexactFloat64(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select liquid symbols")
	}

	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Symbol)
	}
	return out, nil
}
