// Package batches persists order batches and their per-symbol results in SQL.
// Every status change is a compare-and-set UPDATE guarded by the expected
// current status, so concurrent callers cannot both win a transition.
package batches

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/rebalancer/internal/domain"
)

const (
	defaultQueryTimeout = 30 * time.Second
	defaultListLimit    = 50
	maxListLimit        = 500
)

// Filter narrows ListBatches. Zero values match everything.
type Filter struct {
	ClientID string
	Status   domain.BatchStatus
	Limit    int
}

// Store is a SQL-backed batch store.
type Store struct {
	db           *sqlx.DB
	queryTimeout time.Duration
	l            *zap.Logger
}

type batchRow struct {
	BatchID          string    `db:"batch_id"`
	ClientID         string    `db:"client_id"`
	AccountRef       string    `db:"account_ref"`
	StrategyID       string    `db:"strategy_id"`
	Status           string    `db:"status"`
	RequireApproval  bool      `db:"require_approval"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
	Snapshot         string    `db:"portfolio_snapshot"`
	TargetAllocation string    `db:"target_allocation"`
	AllocationSource string    `db:"allocation_source"`
	Trades           string    `db:"trades"`
	RejectionReason  string    `db:"rejection_reason"`
	ExecutionClaim   string    `db:"execution_claim"`
}

type resultRow struct {
	BatchID          string    `db:"batch_id"`
	Symbol           string    `db:"symbol"`
	InstructionIndex int       `db:"instruction_index"`
	IdempotencyKey   string    `db:"idempotency_key"`
	Success          bool      `db:"success"`
	DryRun           bool      `db:"dry_run"`
	OrderID          string    `db:"order_id"`
	Status           string    `db:"status"`
	ErrorMessage     string    `db:"error_message"`
	RecordedAt       time.Time `db:"recorded_at"`
}

const batchColumns = `batch_id, client_id, account_ref, strategy_id, status, require_approval, created_at, updated_at,
	portfolio_snapshot, target_allocation, allocation_source, trades, rejection_reason, execution_claim`

// Open connects to driver/dsn and applies the schema.
func Open(ctx context.Context, driver, dsn string, queryTimeout time.Duration, l *zap.Logger) (*Store, error) {
	if driver == "sqlite3" && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, errors.Wrap(err, "create database dir")
		}
	}
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", driver)
	}
	if driver == "sqlite3" {
		// single writer keeps sqlite from returning SQLITE_BUSY under concurrent claims
		db.SetMaxOpenConns(1)
	}

	s := New(db, queryTimeout, l)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection.
func New(db *sqlx.DB, queryTimeout time.Duration, l *zap.Logger) *Store {
	if l == nil {
		l = zap.NewNop()
	}
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &Store{db: db, queryTimeout: queryTimeout, l: l}
}

// DB exposes the connection for stores sharing the database.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Migrate creates tables and indexes when missing.
func (s *Store) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	for _, stmt := range strings.Split(Schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "apply batch schema")
		}
	}
	return nil
}

// Create inserts a new batch. The snapshot, target allocation and trade list
// are written once here and never updated.
func (s *Store) Create(ctx context.Context, b *domain.OrderBatch) error {
	if b == nil {
		return errors.New("batch is nil")
	}

	snapshot, err := json.Marshal(b.Snapshot)
	if err != nil {
		return errors.Wrap(err, "marshal portfolio snapshot")
	}
	target, err := json.Marshal(b.TargetAllocation)
	if err != nil {
		return errors.Wrap(err, "marshal target allocation")
	}
	trades, err := json.Marshal(b.Trades)
	if err != nil {
		return errors.Wrap(err, "marshal trades")
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := s.db.Rebind(`INSERT INTO order_batches (` + batchColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		b.ID, b.ClientID, b.AccountRef, b.StrategyID, string(b.Status), b.RequireApproval,
		b.CreatedAt.UTC(), b.UpdatedAt.UTC(), string(snapshot), string(target), string(b.AllocationSource),
		string(trades), b.RejectionReason, "")
	if err != nil {
		return errors.Wrapf(err, "insert batch %s", b.ID)
	}

	s.l.Debug("batch stored", zap.String("batch_id", b.ID), zap.String("status", string(b.Status)))
	return nil
}

// Get loads a batch with its execution results.
func (s *Store) Get(ctx context.Context, batchID string) (*domain.OrderBatch, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var row batchRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+batchColumns+` FROM order_batches WHERE batch_id = ?`), batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrBatchNotFound, "batch %s", batchID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "select batch %s", batchID)
	}

	b, err := row.toDomain()
	if err != nil {
		return nil, err
	}

	results, err := s.results(ctx, []string{batchID})
	if err != nil {
		return nil, err
	}
	for _, r := range results[batchID] {
		b.ExecutionResults[r.Symbol] = r
	}
	return b, nil
}

// List returns batches newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*domain.OrderBatch, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var (
		where []string
		args  []any
	)
	if f.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, f.ClientID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT ` + batchColumns + ` FROM order_batches`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, batch_id DESC LIMIT ?`
	args = append(args, limit)

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var rows []batchRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "list batches")
	}
	if len(rows) == 0 {
		return []*domain.OrderBatch{}, nil
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.BatchID)
	}
	results, err := s.results(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.OrderBatch, 0, len(rows))
	for _, r := range rows {
		b, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		for _, res := range results[b.ID] {
			b.ExecutionResults[res.Symbol] = res
		}
		out = append(out, b)
	}
	return out, nil
}

// Transition moves a batch from one of the expected statuses to the next,
// recording reason when given. It fails with ErrInvalidBatchState when the
// batch is in any other status, leaving it untouched.
func (s *Store) Transition(ctx context.Context, batchID string, from []domain.BatchStatus, to domain.BatchStatus, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	query, args, err := sqlx.In(`UPDATE order_batches
		SET status = ?, rejection_reason = ?, updated_at = ?
		WHERE batch_id = ? AND status IN (?) AND execution_claim = ''`,
		string(to), reason, time.Now().UTC(), batchID, statusStrings(from))
	if err != nil {
		return errors.Wrap(err, "build transition query")
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return errors.Wrapf(err, "transition batch %s to %s", batchID, to)
	}
	return s.checkAffected(ctx, res, batchID, "move to "+string(to))
}

// Claim reserves an executable batch for one execution attempt. Only one
// claim can succeed per batch.
func (s *Store) Claim(ctx context.Context, batchID, claimID string) error {
	if claimID == "" {
		return errors.New("claim id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	query, args, err := sqlx.In(`UPDATE order_batches
		SET execution_claim = ?, updated_at = ?
		WHERE batch_id = ? AND status IN (?) AND execution_claim = ''`,
		claimID, time.Now().UTC(), batchID, statusStrings(domain.ExecutableStatuses()))
	if err != nil {
		return errors.Wrap(err, "build claim query")
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return errors.Wrapf(err, "claim batch %s", batchID)
	}
	return s.checkAffected(ctx, res, batchID, "claim for execution")
}

// RecordResult upserts one per-symbol result. The write only lands while
// claimID still owns the batch.
func (s *Store) RecordResult(ctx context.Context, batchID, claimID string, r domain.TradeResult) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin result transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE order_batches SET updated_at = ?
		WHERE batch_id = ? AND execution_claim = ?`), time.Now().UTC(), batchID, claimID)
	if err != nil {
		return errors.Wrapf(err, "touch batch %s", batchID)
	}
	if n, err := res.RowsAffected(); err != nil {
		return errors.Wrap(err, "rows affected")
	} else if n == 0 {
		return errors.Wrapf(domain.ErrInvalidBatchState, "batch %s is not claimed by %s", batchID, claimID)
	}

	recordedAt := r.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO batch_results
		(batch_id, symbol, instruction_index, idempotency_key, success, dry_run, order_id, status, error_message, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (batch_id, symbol) DO UPDATE SET
			instruction_index = excluded.instruction_index,
			idempotency_key = excluded.idempotency_key,
			success = excluded.success,
			dry_run = excluded.dry_run,
			order_id = excluded.order_id,
			status = excluded.status,
			error_message = excluded.error_message,
			recorded_at = excluded.recorded_at`),
		batchID, r.Symbol, r.InstructionIndex, r.IdempotencyKey, r.Success, r.DryRun,
		r.OrderID, r.Status, r.ErrorMessage, recordedAt.UTC())
	if err != nil {
		return errors.Wrapf(err, "upsert result %s/%s", batchID, r.Symbol)
	}

	return errors.Wrap(tx.Commit(), "commit result")
}

// Finalize moves a claimed batch to its terminal status.
func (s *Store) Finalize(ctx context.Context, batchID, claimID string, to domain.BatchStatus) error {
	if !to.IsTerminal() {
		return errors.Errorf("finalize requires a terminal status, got %s", to)
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	query, args, err := sqlx.In(`UPDATE order_batches
		SET status = ?, updated_at = ?
		WHERE batch_id = ? AND execution_claim = ? AND status IN (?)`,
		string(to), time.Now().UTC(), batchID, claimID, statusStrings(domain.ExecutableStatuses()))
	if err != nil {
		return errors.Wrap(err, "build finalize query")
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return errors.Wrapf(err, "finalize batch %s", batchID)
	}
	return s.checkAffected(ctx, res, batchID, "finalize as "+string(to))
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return errors.New("batch store is not initialized")
	}
	return s.db.Close()
}

func (s *Store) results(ctx context.Context, batchIDs []string) (map[string][]domain.TradeResult, error) {
	query, args, err := sqlx.In(`SELECT batch_id, symbol, instruction_index, idempotency_key, success, dry_run,
		order_id, status, error_message, recorded_at
		FROM batch_results WHERE batch_id IN (?) ORDER BY instruction_index`, batchIDs)
	if err != nil {
		return nil, errors.Wrap(err, "build results query")
	}

	var rows []resultRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "select batch results")
	}

	out := make(map[string][]domain.TradeResult, len(batchIDs))
	for _, r := range rows {
		out[r.BatchID] = append(out[r.BatchID], domain.TradeResult{
			Symbol:           r.Symbol,
			InstructionIndex: r.InstructionIndex,
			IdempotencyKey:   r.IdempotencyKey,
			Success:          r.Success,
			DryRun:           r.DryRun,
			OrderID:          r.OrderID,
			Status:           r.Status,
			ErrorMessage:     r.ErrorMessage,
			RecordedAt:       r.RecordedAt,
		})
	}
	return out, nil
}

// checkAffected turns a zero-row CAS update into ErrBatchNotFound or
// ErrInvalidBatchState.
func (s *Store) checkAffected(ctx context.Context, res sql.Result, batchID, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n > 0 {
		return nil
	}

	var current struct {
		Status string `db:"status"`
		Claim  string `db:"execution_claim"`
	}
	err = s.db.GetContext(ctx, &current, s.db.Rebind(`SELECT status, execution_claim FROM order_batches WHERE batch_id = ?`), batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(domain.ErrBatchNotFound, "batch %s", batchID)
	}
	if err != nil {
		return errors.Wrapf(err, "select batch %s status", batchID)
	}
	if current.Claim != "" && !domain.BatchStatus(current.Status).IsTerminal() {
		return errors.Wrapf(domain.ErrInvalidBatchState, "cannot %s batch %s: execution in progress", op, batchID)
	}
	return errors.Wrapf(domain.ErrInvalidBatchState, "cannot %s batch %s in status %s", op, batchID, current.Status)
}

func (r batchRow) toDomain() (*domain.OrderBatch, error) {
	b := &domain.OrderBatch{
		ID:               r.BatchID,
		ClientID:         r.ClientID,
		AccountRef:       r.AccountRef,
		StrategyID:       r.StrategyID,
		Status:           domain.BatchStatus(r.Status),
		RequireApproval:  r.RequireApproval,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		AllocationSource: domain.AllocationSource(r.AllocationSource),
		RejectionReason:  r.RejectionReason,
		ExecutionClaim:   r.ExecutionClaim,
		ExecutionResults: make(map[string]domain.TradeResult),
	}
	if err := json.Unmarshal([]byte(r.Snapshot), &b.Snapshot); err != nil {
		return nil, errors.Wrapf(err, "decode snapshot of batch %s", r.BatchID)
	}
	if err := json.Unmarshal([]byte(r.TargetAllocation), &b.TargetAllocation); err != nil {
		return nil, errors.Wrapf(err, "decode target allocation of batch %s", r.BatchID)
	}
	if err := json.Unmarshal([]byte(r.Trades), &b.Trades); err != nil {
		return nil, errors.Wrapf(err, "decode trades of batch %s", r.BatchID)
	}
	if b.TargetAllocation == nil {
		b.TargetAllocation = domain.TargetAllocation{}
	}
	return b, nil
}

func statusStrings(statuses []domain.BatchStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, string(st))
	}
	return out
}
