// Package sqlitedb opens embedded SQLite databases the way every caresync
// component expects them: WAL journaling for concurrent readers, a busy
// timeout, and enforced foreign keys.
//
// It backs the managed storage backend, the durable offline queue, and the
// file: variant of the SQL remote.
package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"
)

// TimeFormat is fixed width so stored timestamps compare correctly as text.
// Always format UTC values with it.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Options tune the connection pool.
type Options struct {
	// MaxOpenConns caps the pool. Zero leaves database/sql's default.
	MaxOpenConns int

	// BusyTimeout is how long a writer waits on a locked database.
	BusyTimeout time.Duration
}

// DB wraps a database/sql handle to one SQLite file.
type DB struct {
	conn   *sql.DB
	path   string
	logger *zap.Logger
}

// Open creates or opens the database file at path.
//
// The caller MUST call Close() when done so the WAL is checkpointed.
func Open(ctx context.Context, path string, opts Options, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(opts.MaxOpenConns)
		conn.SetMaxIdleConns(opts.MaxOpenConns)
	}
	conn.SetConnMaxLifetime(0)

	db := &DB{conn: conn, path: path, logger: logger}

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds()),
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// SQL returns the underlying handle.
func (db *DB) SQL() *sql.DB {
	return db.conn
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

// Exec runs a schema script. Scripts must be idempotent.
func (db *DB) Exec(ctx context.Context, script string) error {
	if _, err := db.conn.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Close checkpoints the WAL and closes the handle.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Warn("failed to checkpoint WAL", zap.String("path", db.path), zap.Error(err))
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// FormatTime renders t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime reads a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		// Accept plain RFC3339 written by other tools.
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

// NullTime renders an optional time as a nullable column value.
func NullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

// ParseNullTime reads an optional stored timestamp.
func ParseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// NullString maps "" to NULL.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// IsConstraint reports whether err is a SQLite constraint violation.
func IsConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
