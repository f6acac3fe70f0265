// Package journal is the write-ahead audit trail of order submissions.
// An intent is written before the brokerage call and closed after it, so a
// crash between the two leaves a pending intent that recovery can reconcile.
package journal

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/rebalancer/internal/domain"
)

const (
	DefaultDir   = "./wal/execution"
	segmentLimit = 1000
	maxSegments  = 100

	intentKeyPrefix = "order_intent_"
)

// IntentStatus is the state of a journaled submission.
type IntentStatus string

const (
	IntentPending IntentStatus = "pending"
	IntentDone    IntentStatus = "done"
	IntentFailed  IntentStatus = "failed"
)

// Intent records one attempt to submit (or dry-run validate) an instruction.
type Intent struct {
	ID             string          `json:"id"`
	BatchID        string          `json:"batch_id"`
	ClaimID        string          `json:"claim_id"`
	Index          int             `json:"index"`
	IdempotencyKey string          `json:"idempotency_key"`
	Symbol         string          `json:"symbol"`
	Action         domain.Action   `json:"action"`
	Quantity       int64           `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	DryRun         bool            `json:"dry_run,omitempty"`
	Status         IntentStatus    `json:"status"`
	OrderID        string          `json:"order_id,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Journal keeps the latest state of every intent in memory and appends each
// change to the WAL.
type Journal struct {
	wal     *gowal.Wal
	mu      sync.Mutex
	intents []*Intent
	index   map[string]*Intent
	now     func() time.Time
	l       *zap.Logger
}

// Open loads (or creates) the journal in dir and replays existing records.
func Open(dir string, l *zap.Logger) (*Journal, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if l == nil {
		l = zap.NewNop()
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "intent_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init execution journal WAL")
	}

	j := &Journal{
		wal:   wal,
		index: make(map[string]*Intent),
		now:   time.Now,
		l:     l,
	}

	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, intentKeyPrefix) {
			continue
		}
		var intent Intent
		if err := json.Unmarshal(msg.Value, &intent); err != nil {
			l.Error("failed to unmarshal order intent", zap.String("key", msg.Key), zap.Error(err))
			continue
		}
		if existing, ok := j.index[intent.ID]; ok {
			*existing = intent
			continue
		}
		rec := intent
		j.intents = append(j.intents, &rec)
		j.index[rec.ID] = &rec
	}

	return j, nil
}

// Prepare journals a pending intent for the instruction and returns its id.
func (j *Journal) Prepare(batchID, claimID string, index int, t domain.TradeInstruction, price decimal.Decimal, dryRun bool) (string, error) {
	now := j.now().UTC()
	intent := &Intent{
		ID:             uuid.New().String(),
		BatchID:        batchID,
		ClaimID:        claimID,
		Index:          index,
		IdempotencyKey: domain.IdempotencyKey(batchID, index),
		Symbol:         t.Symbol,
		Action:         t.Action,
		Quantity:       t.Quantity,
		Price:          price,
		DryRun:         dryRun,
		Status:         IntentPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.persist(intent); err != nil {
		return "", err
	}
	j.intents = append(j.intents, intent)
	j.index[intent.ID] = intent
	return intent.ID, nil
}

// MarkDone closes the intent with the brokerage order id.
func (j *Journal) MarkDone(id, orderID string) error {
	return j.update(id, func(in *Intent) {
		in.Status = IntentDone
		in.OrderID = orderID
		in.Error = ""
	})
}

// MarkFailed closes the intent with the failure cause.
func (j *Journal) MarkFailed(id string, cause error) error {
	return j.update(id, func(in *Intent) {
		in.Status = IntentFailed
		if cause != nil {
			in.Error = cause.Error()
		}
	})
}

// Pending returns live intents that were never closed, oldest first.
func (j *Journal) Pending() []Intent {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []Intent
	for _, in := range j.intents {
		if in.Status == IntentPending && !in.DryRun {
			out = append(out, *in)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

// ForBatch returns every intent recorded for batchID in write order.
func (j *Journal) ForBatch(batchID string) []Intent {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []Intent
	for _, in := range j.intents {
		if in.BatchID == batchID {
			out = append(out, *in)
		}
	}
	return out
}

// Close flushes and closes the WAL.
func (j *Journal) Close() error {
	if j == nil || j.wal == nil {
		return nil
	}
	return j.wal.Close()
}

func (j *Journal) update(id string, apply func(*Intent)) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	in, ok := j.index[id]
	if !ok {
		return errors.Errorf("order intent %s not found", id)
	}
	apply(in)
	in.UpdatedAt = j.now().UTC()
	return j.persist(in)
}

func (j *Journal) persist(in *Intent) error {
	data, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "marshal order intent")
	}
	nextIndex := j.wal.CurrentIndex() + 1
	return errors.Wrap(j.wal.Write(nextIndex, intentKeyPrefix+in.ID, data), "write order intent")
}
