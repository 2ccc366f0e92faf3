// Package managed implements the primary durable storage backend on an
// embedded SQLite database.
//
// The engine is only ever touched from background execution contexts: one
// writer goroutine that owns a dedicated connection and runs each write as
// a single transaction, and a small pool of reader goroutines with their own
// connections. Callers never execute SQL on their own goroutine.
//
// Open returns immediately and opens the database in the background. Every
// operation first waits for readiness (bounded by Config.ReadyWait, failing
// with store.not_ready) and the whole operation, readiness wait included,
// is bounded by Config.OpTimeout (failing with store.timeout). The bound
// that elapses first decides the code. Under DefaultConfig (2s readiness,
// 5s operation) a database that stays unready for 6s is reported as
// store.not_ready after 2s; store.timeout needs a ReadyWait at least as
// long as OpTimeout, or a slow query.
package managed

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	caerrors "github.com/nuzzle/caresync/internal/errors"
	"github.com/nuzzle/caresync/internal/sqlitedb"
	"github.com/nuzzle/caresync/internal/storage"
)

// Config bounds readiness, execution, and result sizes.
type Config struct {
	// Path of the database file.
	Path string

	// ReadyWait bounds the readiness poll at the start of each operation.
	ReadyWait time.Duration

	// ReadyPoll is the readiness poll interval.
	ReadyPoll time.Duration

	// OpTimeout bounds each operation end to end.
	OpTimeout time.Duration

	// ReaderContexts is the number of concurrent read contexts.
	ReaderContexts int

	// RangeCap is the hard limit on rows returned by a range query.
	RangeCap int

	// Observer receives per-operation latency. May be nil.
	Observer Observer

	// beforeOpen runs on the opener goroutine before the database is
	// touched. Tests use it to hold the store in the not-ready state.
	beforeOpen func()
}

// Observer records operation outcomes, e.g. into metrics.
type Observer interface {
	ObserveStoreOp(op string, code string, elapsed time.Duration)
}

// DefaultConfig returns the production bounds.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		ReadyWait:      2 * time.Second,
		ReadyPoll:      100 * time.Millisecond,
		OpTimeout:      5 * time.Second,
		ReaderContexts: 4,
		RangeCap:       1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Path)
	if c.ReadyWait <= 0 {
		c.ReadyWait = d.ReadyWait
	}
	if c.ReadyPoll <= 0 {
		c.ReadyPoll = d.ReadyPoll
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = d.OpTimeout
	}
	if c.ReaderContexts <= 0 {
		c.ReaderContexts = d.ReaderContexts
	}
	if c.RangeCap <= 0 {
		c.RangeCap = d.RangeCap
	}
	return c
}

// Store is the managed backend.
type Store struct {
	cfg    Config
	opts   storage.Options
	logger *zap.Logger

	db      *sqlitedb.DB
	ready   atomic.Bool
	openErr atomic.Pointer[error]
	closed  atomic.Bool

	writeJobs chan job
	readJobs  chan job
	contexts  []*execContext
	stop      chan struct{}
	opened    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ storage.Store = (*Store)(nil)

// Open starts opening the database at cfg.Path and returns without waiting.
// The caller must call Close.
func Open(cfg Config, opts storage.Options, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("managed store path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		cfg:       cfg.withDefaults(),
		opts:      opts.WithDefaults(),
		logger:    logger.With(zap.String("component", "managed")),
		writeJobs: make(chan job),
		readJobs:  make(chan job),
		stop:      make(chan struct{}),
		opened:    make(chan struct{}),
	}

	go s.open()

	return s, nil
}

// open runs once on its own goroutine and flips readiness at the end.
func (s *Store) open() {
	defer close(s.opened)

	if s.cfg.beforeOpen != nil {
		s.cfg.beforeOpen()
	}

	fail := func(err error) {
		s.openErr.Store(&err)
		s.logger.Error("failed to open managed store", zap.String("path", s.cfg.Path), zap.Error(err))
	}

	ctx := context.Background()
	db, err := sqlitedb.Open(ctx, s.cfg.Path, sqlitedb.Options{MaxOpenConns: s.cfg.ReaderContexts + 1}, s.logger)
	if err != nil {
		fail(err)
		return
	}
	if err := db.Exec(ctx, schema); err != nil {
		_ = db.Close()
		fail(err)
		return
	}

	// One connection per execution context, held for the store's lifetime.
	contexts := make([]*execContext, 0, s.cfg.ReaderContexts+1)
	for i := 0; i <= s.cfg.ReaderContexts; i++ {
		conn, err := db.SQL().Conn(ctx)
		if err != nil {
			for _, c := range contexts {
				_ = c.conn.Close()
			}
			_ = db.Close()
			fail(fmt.Errorf("failed to reserve connection: %w", err))
			return
		}
		ec := &execContext{conn: conn}
		if i == 0 {
			ec.name, ec.jobs = "writer", s.writeJobs
		} else {
			ec.name, ec.jobs = fmt.Sprintf("reader-%d", i), s.readJobs
		}
		contexts = append(contexts, ec)
	}

	select {
	case <-s.stop:
		// Closed while opening.
		for _, c := range contexts {
			_ = c.conn.Close()
		}
		_ = db.Close()
		return
	default:
	}

	s.db = db
	s.contexts = contexts
	for _, c := range contexts {
		s.wg.Add(1)
		go func(c *execContext) {
			defer s.wg.Done()
			c.loop(s.stop)
		}(c)
	}

	s.ready.Store(true)
	s.logger.Info("managed store ready",
		zap.String("path", s.cfg.Path),
		zap.Int("reader_contexts", s.cfg.ReaderContexts))
}

func (s *Store) openError() error {
	if p := s.openErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Ready reports whether the database has finished opening.
func (s *Store) Ready() bool {
	return s.ready.Load()
}

// WaitReady blocks until the store is ready, the open fails, or ctx ends.
func (s *Store) WaitReady(ctx context.Context) error {
	select {
	case <-s.opened:
		if err := s.openError(); err != nil {
			return caerrors.Wrap(caerrors.CodeStoreFailed, "managed store failed to open", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the execution contexts and closes the database. Operations
// in flight on other goroutines fail with store.closed or store.timeout.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stop)
		<-s.opened
		s.wg.Wait()

		for _, c := range s.contexts {
			_ = c.conn.Close()
		}
		if s.db != nil {
			err = s.db.Close()
		}
	})
	return err
}

func (s *Store) observe(op string, err error, elapsed time.Duration) {
	if s.cfg.Observer != nil {
		s.cfg.Observer.ObserveStoreOp(op, caerrors.GetCode(err), elapsed)
	}
	if err != nil && !caerrors.IsNotFound(err) && !caerrors.IsValidation(err) {
		s.logger.Warn("store operation failed",
			zap.String("op", op), zap.Duration("elapsed", elapsed), zap.Error(err))
	}
}

// UnitOfWork runs fn as one transaction on the writer context. Either every
// statement fn issues commits, or none does.
func (s *Store) UnitOfWork(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	_, err := perform(ctx, s, op, true, func(ctx context.Context, q querier) (struct{}, error) {
		tx, ok := q.(*sql.Tx)
		if !ok {
			return struct{}{}, fmt.Errorf("unit of work %s not running in a transaction", op)
		}
		return struct{}{}, fn(ctx, tx)
	})
	return err
}
