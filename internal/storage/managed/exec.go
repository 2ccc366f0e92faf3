package managed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	caerrors "github.com/nuzzle/caresync/internal/errors"
)

// querier is satisfied by both *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// job runs on an execution context's dedicated connection.
type job func(conn *sql.Conn)

// execContext is one goroutine that owns one connection. The engine
// connection is never touched from any other goroutine.
type execContext struct {
	name string
	conn *sql.Conn
	jobs <-chan job
}

func (c *execContext) loop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case j := <-c.jobs:
			j(c.conn)
		}
	}
}

type result[T any] struct {
	val T
	err error
}

// perform runs fn on an execution context, bounded by the operation
// timeout. The readiness wait counts against the same bound.
//
// Exactly one value is ever sent on the buffered done channel, and the
// caller takes whichever of done, the timer, or ctx fires first. A late
// result lands in the buffer and is dropped. Timing out cancels the job's
// context so an unstarted job never runs and a running write rolls back.
func perform[T any](ctx context.Context, s *Store, op string, write bool, fn func(ctx context.Context, q querier) (T, error)) (T, error) {
	start := time.Now()
	var zero T

	if s.closed.Load() {
		return zero, caerrors.New(caerrors.CodeStoreClosed, "managed store is closed")
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan result[T], 1)
	go s.dispatch(jobCtx, write, func(conn *sql.Conn) {
		if err := jobCtx.Err(); err != nil {
			done <- result[T]{err: err}
			return
		}
		var (
			v   T
			err error
		)
		if write {
			v, err = inTx(jobCtx, conn, fn)
		} else {
			v, err = fn(jobCtx, conn)
		}
		done <- result[T]{val: v, err: err}
	}, func(err error) {
		done <- result[T]{err: err}
	})

	timer := time.NewTimer(s.cfg.OpTimeout)
	defer timer.Stop()

	var out result[T]
	select {
	case out = <-done:
	case <-timer.C:
		out = result[T]{err: caerrors.Newf(caerrors.CodeStoreTimeout, "%s did not complete within %s", op, s.cfg.OpTimeout)}
	case <-ctx.Done():
		out = result[T]{err: ctx.Err()}
	}

	out.err = normalize(op, out.err)
	s.observe(op, out.err, time.Since(start))
	if out.err != nil {
		return zero, out.err
	}
	return out.val, nil
}

// dispatch waits for readiness then hands j to the writer or a reader.
// Exactly one of j or fail is called.
func (s *Store) dispatch(ctx context.Context, write bool, j job, fail func(error)) {
	if err := s.awaitReady(ctx); err != nil {
		fail(err)
		return
	}

	queue := s.readJobs
	if write {
		queue = s.writeJobs
	}

	select {
	case queue <- j:
	case <-ctx.Done():
		fail(ctx.Err())
	case <-s.stop:
		fail(caerrors.New(caerrors.CodeStoreClosed, "managed store is closed"))
	}
}

// awaitReady polls the readiness flag until it flips, the open fails, the
// readiness bound elapses, or ctx ends.
func (s *Store) awaitReady(ctx context.Context) error {
	if s.ready.Load() {
		return nil
	}

	deadline := time.NewTimer(s.cfg.ReadyWait)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.ReadyPoll)
	defer ticker.Stop()

	for {
		if s.ready.Load() {
			return nil
		}
		if err := s.openError(); err != nil {
			return caerrors.Wrap(caerrors.CodeStoreFailed, "managed store failed to open", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return caerrors.Newf(caerrors.CodeStoreNotReady, "store not ready after %s", s.cfg.ReadyWait)
		case <-ticker.C:
		}
	}
}

// inTx runs fn as one transaction. Rollback after a successful commit is a
// no-op, so the deferred call covers every exit path including cancellation.
func inTx[T any](ctx context.Context, conn *sql.Conn, fn func(ctx context.Context, q querier) (T, error)) (T, error) {
	var zero T
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	v, err := fn(ctx, tx)
	if err != nil {
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return v, nil
}

// normalize gives every failure a code.
func normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	var coded *caerrors.CodedError
	if errors.As(err, &coded) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return caerrors.Wrap(caerrors.CodeCanceled, op+" canceled", err)
	}
	return caerrors.Wrap(caerrors.CodeStoreFailed, op+" failed", err)
}
