// Package queue is the durable outbox for remote pushes that could not be
// made while offline.
//
// Entries are kept in SQLite in enqueue order. A drain groups them by
// record: each record's chain is replayed strictly in order, and chains for
// different records run in parallel. A failing entry stays at the head of
// its chain and blocks only that chain until the next drain.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	caerrors "github.com/nuzzle/caresync/internal/errors"
	"github.com/nuzzle/caresync/internal/model"
	"github.com/nuzzle/caresync/internal/netmon"
	"github.com/nuzzle/caresync/internal/sqlitedb"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_entries (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	op TEXT NOT NULL,
	record_kind TEXT NOT NULL,
	record_id TEXT NOT NULL,
	payload TEXT,
	enqueued_at TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_record ON queue_entries(record_kind, record_id, seq);
`

// Op is a queued mutation.
type Op string

const (
	OpUpsertEvent   Op = "upsert_event"
	OpDeleteEvent   Op = "delete_event"
	OpUpsertSubject Op = "upsert_subject"
	OpDeleteSubject Op = "delete_subject"
)

// Entry is one queued mutation.
type Entry struct {
	Seq        int64            `json:"seq"`
	Op         Op               `json:"op"`
	Kind       model.RecordKind `json:"record_kind"`
	RecordID   string           `json:"record_id"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
	Attempts   int              `json:"attempts"`
	LastError  string           `json:"last_error,omitempty"`
}

// Pusher replays entries against the remote.
type Pusher interface {
	PushEvent(ctx context.Context, e model.Event) error
	PushSubject(ctx context.Context, s model.Subject) error
	PushDelete(ctx context.Context, kind model.RecordKind, id string) error
}

// Config configures the queue.
type Config struct {
	// Path of the SQLite file.
	Path string

	// Parallelism caps concurrently drained records. Zero uses 4.
	Parallelism int

	// RetryInterval re-drains while connected and entries remain. Zero
	// uses one minute.
	RetryInterval time.Duration

	// Clock stamps enqueue times.
	Clock model.Clock
}

// DrainResult summarises one drain.
type DrainResult struct {
	Pushed    int `json:"pushed"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
	Remaining int `json:"remaining"`
}

// Queue is the durable offline queue.
type Queue struct {
	db     *sqlitedb.DB
	pusher Pusher
	cfg    Config
	logger *zap.Logger

	drainMu sync.Mutex
	kick    chan struct{}

	watchMu  sync.Mutex
	watchers map[chan int]struct{}
}

// Open opens or creates the queue at cfg.Path.
func Open(ctx context.Context, cfg Config, pusher Pusher, logger *zap.Logger) (*Queue, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("queue path is required")
	}
	if pusher == nil {
		return nil, fmt.Errorf("queue pusher is required")
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = model.SystemClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sqlitedb.Open(ctx, cfg.Path, sqlitedb.Options{MaxOpenConns: 1}, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Exec(ctx, schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Queue{
		db:       db,
		pusher:   pusher,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "queue")),
		kick:     make(chan struct{}, 1),
		watchers: make(map[chan int]struct{}),
	}, nil
}

// Close closes the database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// EnqueueEvent queues an event upsert.
func (q *Queue) EnqueueEvent(ctx context.Context, e model.Event) (Entry, error) {
	return q.Enqueue(ctx, OpUpsertEvent, model.KindEvent, e.ID, e)
}

// EnqueueSubject queues a subject upsert.
func (q *Queue) EnqueueSubject(ctx context.Context, s model.Subject) (Entry, error) {
	return q.Enqueue(ctx, OpUpsertSubject, model.KindSubject, s.ID, s)
}

// EnqueueDelete queues a remote delete.
func (q *Queue) EnqueueDelete(ctx context.Context, kind model.RecordKind, id string) (Entry, error) {
	op := OpDeleteEvent
	if kind == model.KindSubject {
		op = OpDeleteSubject
	}
	return q.Enqueue(ctx, op, kind, id, nil)
}

// Enqueue appends an entry. payload is stored as JSON.
func (q *Queue) Enqueue(ctx context.Context, op Op, kind model.RecordKind, id string, payload any) (Entry, error) {
	if id == "" {
		return Entry{}, caerrors.New(caerrors.CodeValidationFailed, "queue entry needs a record id")
	}
	var raw json.RawMessage
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return Entry{}, fmt.Errorf("failed to encode queue payload: %w", err)
		}
		raw = buf
	}

	entry := Entry{Op: op, Kind: kind, RecordID: id, Payload: raw, EnqueuedAt: q.cfg.Clock()}
	res, err := q.db.SQL().ExecContext(ctx, `
		INSERT INTO queue_entries (op, record_kind, record_id, payload, enqueued_at)
		VALUES (?, ?, ?, ?, ?)
	`, string(op), string(kind), id, sqlitedb.NullString(string(raw)), sqlitedb.FormatTime(entry.EnqueuedAt))
	if err != nil {
		return Entry{}, fmt.Errorf("failed to enqueue %s %s: %w", op, id, err)
	}
	entry.Seq, err = res.LastInsertId()
	if err != nil {
		return Entry{}, fmt.Errorf("failed to read queue sequence: %w", err)
	}

	q.logger.Debug("entry queued", zap.Int64("seq", entry.Seq), zap.String("op", string(op)), zap.String("record_id", id))
	q.notify(ctx)
	return entry, nil
}

// Pending counts queued entries.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	var n int
	if err := q.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// PendingFor counts queued entries for one record.
func (q *Queue) PendingFor(ctx context.Context, kind model.RecordKind, id string) (int, error) {
	var n int
	err := q.db.SQL().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_entries WHERE record_kind = ? AND record_id = ?`, string(kind), id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// Holds reports whether any entry for the record is still queued.
func (q *Queue) Holds(ctx context.Context, kind model.RecordKind, id string) (bool, error) {
	n, err := q.PendingFor(ctx, kind, id)
	return n > 0, err
}

// Entries lists queued entries in enqueue order.
func (q *Queue) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := q.db.SQL().QueryContext(ctx, `
		SELECT seq, op, record_kind, record_id, payload, enqueued_at, attempts, last_error
		FROM queue_entries ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e          Entry
			op, kind   string
			payload    sql.NullString
			enqueuedAt string
			lastError  sql.NullString
		)
		if err := rows.Scan(&e.Seq, &op, &kind, &e.RecordID, &payload, &enqueuedAt, &e.Attempts, &lastError); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.Op = Op(op)
		e.Kind = model.RecordKind(kind)
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		if e.EnqueuedAt, err = sqlitedb.ParseTime(enqueuedAt); err != nil {
			return nil, fmt.Errorf("invalid enqueued_at for entry %d: %w", e.Seq, err)
		}
		e.LastError = lastError.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Drain replays every queued entry. Records drain in parallel, each in
// enqueue order. A failed entry is kept with its attempt count raised and
// the rest of its record's chain waits for the next drain.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	entries, err := q.Entries(ctx)
	if err != nil {
		return DrainResult{}, err
	}
	if len(entries) == 0 {
		return DrainResult{}, nil
	}

	type chainKey struct {
		kind model.RecordKind
		id   string
	}
	chains := make(map[chainKey][]Entry)
	var order []chainKey
	for _, e := range entries {
		k := chainKey{e.Kind, e.RecordID}
		if _, ok := chains[k]; !ok {
			order = append(order, k)
		}
		chains[k] = append(chains[k], e)
	}

	var (
		mu     sync.Mutex
		result DrainResult
		errs   []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.cfg.Parallelism)
	for _, k := range order {
		chain := chains[k]
		g.Go(func() error {
			for i, e := range chain {
				if err := q.apply(gctx, e); err != nil {
					q.recordFailure(ctx, e, err)
					mu.Lock()
					result.Failed++
					result.Blocked += len(chain) - i - 1
					errs = append(errs, fmt.Errorf("entry %d (%s %s): %w", e.Seq, e.Op, e.RecordID, err))
					mu.Unlock()
					return nil
				}
				if err := q.remove(ctx, e.Seq); err != nil {
					return err
				}
				mu.Lock()
				result.Pushed++
				mu.Unlock()
			}
			return nil
		})
	}
	waitErr := g.Wait()

	remaining, err := q.Pending(ctx)
	if err == nil {
		result.Remaining = remaining
	}
	q.notify(ctx)

	q.logger.Info("queue drained",
		zap.Int("pushed", result.Pushed),
		zap.Int("failed", result.Failed),
		zap.Int("blocked", result.Blocked),
		zap.Int("remaining", result.Remaining))

	if waitErr != nil {
		return result, waitErr
	}
	if len(errs) > 0 {
		return result, caerrors.Wrap(caerrors.CodeQueueEntryFailed,
			fmt.Sprintf("%d queue entries failed", len(errs)), errors.Join(errs...))
	}
	return result, nil
}

func (q *Queue) apply(ctx context.Context, e Entry) error {
	switch e.Op {
	case OpUpsertEvent:
		var ev model.Event
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			return fmt.Errorf("corrupt event payload: %w", err)
		}
		return q.pusher.PushEvent(ctx, ev)
	case OpUpsertSubject:
		var s model.Subject
		if err := json.Unmarshal(e.Payload, &s); err != nil {
			return fmt.Errorf("corrupt subject payload: %w", err)
		}
		return q.pusher.PushSubject(ctx, s)
	case OpDeleteEvent, OpDeleteSubject:
		return q.pusher.PushDelete(ctx, e.Kind, e.RecordID)
	default:
		return fmt.Errorf("unknown queue op %q", e.Op)
	}
}

func (q *Queue) recordFailure(ctx context.Context, e Entry, cause error) {
	_, err := q.db.SQL().ExecContext(ctx,
		`UPDATE queue_entries SET attempts = attempts + 1, last_error = ? WHERE seq = ?`, cause.Error(), e.Seq)
	if err != nil {
		q.logger.Warn("failed to record queue failure", zap.Int64("seq", e.Seq), zap.Error(err))
	}
	q.logger.Warn("queue entry failed",
		zap.Int64("seq", e.Seq),
		zap.String("op", string(e.Op)),
		zap.String("record_id", e.RecordID),
		zap.Int("attempts", e.Attempts+1),
		zap.Error(cause))
}

func (q *Queue) remove(ctx context.Context, seq int64) error {
	if _, err := q.db.SQL().ExecContext(ctx, `DELETE FROM queue_entries WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("failed to remove queue entry %d: %w", seq, err)
	}
	return nil
}

// Kick asks Run to drain soon without blocking.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Run drains on every reconnect edge, on Kick, and every RetryInterval
// while connected with entries left, until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, mon *netmon.Monitor) error {
	edges, unsubscribe := mon.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(q.cfg.RetryInterval)
	defer ticker.Stop()

	drain := func(reason string) {
		if !mon.Connected() {
			return
		}
		n, err := q.Pending(ctx)
		if err != nil || n == 0 {
			return
		}
		q.logger.Debug("draining queue", zap.String("reason", reason), zap.Int("pending", n))
		if _, err := q.Drain(ctx); err != nil && ctx.Err() == nil {
			q.logger.Warn("queue drain incomplete", zap.Error(err))
		}
	}

	drain("startup")
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-edges:
			if !ok {
				return nil
			}
			if t.Reconnected() {
				drain("reconnected")
			}
		case <-q.kick:
			drain("kick")
		case <-ticker.C:
			drain("retry")
		}
	}
}

// Watch returns a channel that always holds the latest pending count, and
// a function that stops updates.
func (q *Queue) Watch() (<-chan int, func()) {
	ch := make(chan int, 1)
	q.watchMu.Lock()
	q.watchers[ch] = struct{}{}
	q.watchMu.Unlock()
	return ch, func() {
		q.watchMu.Lock()
		delete(q.watchers, ch)
		q.watchMu.Unlock()
	}
}

func (q *Queue) notify(ctx context.Context) {
	q.watchMu.Lock()
	defer q.watchMu.Unlock()
	if len(q.watchers) == 0 {
		return
	}
	n, err := q.Pending(ctx)
	if err != nil {
		return
	}
	for ch := range q.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- n
	}
}
