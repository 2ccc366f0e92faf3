package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nuzzle/caresync/internal/sqlitedb"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS remote_subjects (
	id TEXT PRIMARY KEY,
	family_id TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_remote_subjects_family ON remote_subjects(family_id);

CREATE TABLE IF NOT EXISTS remote_events (
	id TEXT PRIMARY KEY,
	family_id TEXT NOT NULL,
	baby_id TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_remote_events_updated ON remote_events(family_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_remote_events_baby ON remote_events(family_id, baby_id);
`

// SQLStore keeps remote records in a SQL database. A libsql://, https://
// or http:// DSN connects to a libSQL server such as Turso; anything else
// is treated as a local SQLite file path.
type SQLStore struct {
	db       *sql.DB
	local    *sqlitedb.DB
	familyID string
	dsn      string
	logger   *zap.Logger
}

var _ API = (*SQLStore)(nil)

// IsNetworkDSN reports whether dsn names a libSQL server.
func IsNetworkDSN(dsn string) bool {
	for _, prefix := range []string{"libsql://", "https://", "http://", "wss://", "ws://"} {
		if strings.HasPrefix(dsn, prefix) {
			return true
		}
	}
	return false
}

// OpenSQL connects to dsn and ensures the schema exists.
func OpenSQL(ctx context.Context, dsn, familyID string, logger *zap.Logger) (*SQLStore, error) {
	if familyID == "" {
		return nil, fmt.Errorf("family id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SQLStore{familyID: familyID, dsn: dsn, logger: logger.With(zap.String("component", "remote"))}

	if IsNetworkDSN(dsn) {
		if !libsqlAvailable {
			return nil, Unavailable("open", fmt.Errorf("libsql driver requires a cgo build"))
		}
		db, err := sql.Open("libsql", dsn)
		if err != nil {
			return nil, Unavailable("open", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, Unavailable("open", err)
		}
		s.db = db
	} else {
		local, err := sqlitedb.Open(ctx, strings.TrimPrefix(dsn, "file:"), sqlitedb.Options{MaxOpenConns: 1}, logger)
		if err != nil {
			return nil, Unavailable("open", err)
		}
		s.local = local
		s.db = local.SQL()
	}

	if _, err := s.db.ExecContext(ctx, sqlSchema); err != nil {
		_ = s.Close()
		return nil, Unavailable("open", fmt.Errorf("failed to create schema: %w", err))
	}
	return s, nil
}

// Close releases the connection.
func (s *SQLStore) Close() error {
	if s.local != nil {
		return s.local.Close()
	}
	return s.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *SQLStore) lookupArgs(ids []string) []any {
	args := make([]any, 0, len(ids)+1)
	args = append(args, s.familyID)
	for _, id := range ids {
		args = append(args, id)
	}
	return args
}

func (s *SQLStore) GetEvents(ctx context.Context, ids []string) (map[string]EventRecord, error) {
	out := make(map[string]EventRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := `SELECT data FROM remote_events WHERE family_id = ? AND id IN (` + placeholders(len(ids)) + `)`
	records, err := queryRecords[EventRecord](ctx, s.db, "get_events", query, s.lookupArgs(ids)...)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		out[r.ID] = r
	}
	return out, nil
}

func (s *SQLStore) UpsertEvents(ctx context.Context, records []EventRecord) error {
	return s.inTx(ctx, "upsert_events", func(tx *sql.Tx) error {
		for _, r := range records {
			r.FamilyID = s.familyID
			data, err := json.Marshal(r)
			if err != nil {
				return Rejected("upsert_events", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO remote_events (id, family_id, baby_id, updated_at, data)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					baby_id = excluded.baby_id,
					updated_at = excluded.updated_at,
					data = excluded.data
				WHERE remote_events.family_id = excluded.family_id
			`, r.ID, s.familyID, r.SubjectID, sqlitedb.FormatTime(r.UpdatedAt), string(data))
			if err != nil {
				return Unavailable("upsert_events", err)
			}
		}
		return nil
	})
}

func (s *SQLStore) DeleteEvent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM remote_events WHERE family_id = ? AND id = ?`, s.familyID, id)
	if err != nil {
		return Unavailable("delete_event", err)
	}
	return nil
}

func (s *SQLStore) EventsUpdatedSince(ctx context.Context, since time.Time) ([]EventRecord, error) {
	return queryRecords[EventRecord](ctx, s.db, "events_updated_since", `
		SELECT data FROM remote_events
		WHERE family_id = ? AND updated_at >= ?
		ORDER BY updated_at ASC
	`, s.familyID, sqlitedb.FormatTime(since))
}

func (s *SQLStore) GetSubjects(ctx context.Context, ids []string) (map[string]SubjectRecord, error) {
	out := make(map[string]SubjectRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := `SELECT data FROM remote_subjects WHERE family_id = ? AND id IN (` + placeholders(len(ids)) + `)`
	records, err := queryRecords[SubjectRecord](ctx, s.db, "get_subjects", query, s.lookupArgs(ids)...)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		out[r.ID] = r
	}
	return out, nil
}

func (s *SQLStore) UpsertSubjects(ctx context.Context, records []SubjectRecord) error {
	return s.inTx(ctx, "upsert_subjects", func(tx *sql.Tx) error {
		for _, r := range records {
			r.FamilyID = s.familyID
			data, err := json.Marshal(r)
			if err != nil {
				return Rejected("upsert_subjects", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO remote_subjects (id, family_id, updated_at, data)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					updated_at = excluded.updated_at,
					data = excluded.data
				WHERE remote_subjects.family_id = excluded.family_id
			`, r.ID, s.familyID, sqlitedb.FormatTime(r.UpdatedAt), string(data))
			if err != nil {
				return Unavailable("upsert_subjects", err)
			}
		}
		return nil
	})
}

func (s *SQLStore) DeleteSubject(ctx context.Context, id string) error {
	return s.inTx(ctx, "delete_subject", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM remote_events WHERE family_id = ? AND baby_id = ?`, s.familyID, id); err != nil {
			return Unavailable("delete_subject", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM remote_subjects WHERE family_id = ? AND id = ?`, s.familyID, id); err != nil {
			return Unavailable("delete_subject", err)
		}
		return nil
	})
}

func (s *SQLStore) Subjects(ctx context.Context) ([]SubjectRecord, error) {
	return queryRecords[SubjectRecord](ctx, s.db, "subjects",
		`SELECT data FROM remote_subjects WHERE family_id = ? ORDER BY id`, s.familyID)
}

func (s *SQLStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Unavailable(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return Unavailable(op, err)
	}
	return nil
}

func queryRecords[T any](ctx context.Context, db *sql.DB, op, query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Unavailable(op, err)
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, Unavailable(op, err)
		}
		var rec T
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, Unavailable(op, fmt.Errorf("corrupt remote record: %w", err))
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, Unavailable(op, err)
	}
	return out, nil
}
