package managed

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	caerrors "github.com/nuzzle/caresync/internal/errors"
	"github.com/nuzzle/caresync/internal/model"
	"github.com/nuzzle/caresync/internal/sqlitedb"
	"github.com/nuzzle/caresync/internal/storage"
)

const subjectColumns = `id, name, date_of_birth, sex, feeding_style, timezone, created_at, updated_at`

const eventColumns = `id, subject_id, type, subtype, start_time, end_time, amount, unit, side, note, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubject(row rowScanner) (model.Subject, error) {
	var (
		s                     model.Subject
		dob, created, updated string
		sex, feedingStyle     sql.NullString
	)
	if err := row.Scan(&s.ID, &s.Name, &dob, &sex, &feedingStyle, &s.Timezone, &created, &updated); err != nil {
		return model.Subject{}, err
	}
	s.Sex = sex.String
	s.FeedingStyle = feedingStyle.String

	var err error
	if s.DateOfBirth, err = sqlitedb.ParseTime(dob); err != nil {
		return model.Subject{}, fmt.Errorf("failed to parse date_of_birth: %w", err)
	}
	if s.CreatedAt, err = sqlitedb.ParseTime(created); err != nil {
		return model.Subject{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if s.UpdatedAt, err = sqlitedb.ParseTime(updated); err != nil {
		return model.Subject{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return s, nil
}

func scanEvent(row rowScanner) (model.Event, error) {
	var (
		e                         model.Event
		typ, start                string
		created, updated          string
		subtype, unit, side, note sql.NullString
		end                       sql.NullString
		amount                    sql.NullFloat64
	)
	if err := row.Scan(&e.ID, &e.SubjectID, &typ, &subtype, &start, &end, &amount, &unit, &side, &note, &created, &updated); err != nil {
		return model.Event{}, err
	}
	e.Type = model.EventType(typ)
	e.Subtype = subtype.String
	e.Unit = unit.String
	e.Side = side.String
	e.Note = note.String
	if amount.Valid {
		e.Amount = model.Float(amount.Float64)
	}

	var err error
	if e.StartTime, err = sqlitedb.ParseTime(start); err != nil {
		return model.Event{}, fmt.Errorf("failed to parse start_time: %w", err)
	}
	if e.EndTime, err = sqlitedb.ParseNullTime(end); err != nil {
		return model.Event{}, fmt.Errorf("failed to parse end_time: %w", err)
	}
	if e.CreatedAt, err = sqlitedb.ParseTime(created); err != nil {
		return model.Event{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if e.UpdatedAt, err = sqlitedb.ParseTime(updated); err != nil {
		return model.Event{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	defer rows.Close()
	events := []model.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

func nullAmount(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// ===== Subjects =====

func (s *Store) FetchSubjects(ctx context.Context) ([]model.Subject, error) {
	return perform(ctx, s, "fetch_subjects", false, func(ctx context.Context, q querier) ([]model.Subject, error) {
		rows, err := q.QueryContext(ctx, `SELECT `+subjectColumns+` FROM subjects ORDER BY created_at, id`)
		if err != nil {
			return nil, fmt.Errorf("failed to query subjects: %w", err)
		}
		defer rows.Close()

		subjects := []model.Subject{}
		for rows.Next() {
			subj, err := scanSubject(rows)
			if err != nil {
				return nil, err
			}
			subjects = append(subjects, subj)
		}
		return subjects, rows.Err()
	})
}

func getSubject(ctx context.Context, q querier, id string) (model.Subject, error) {
	subj, err := scanSubject(q.QueryRowContext(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subject{}, storage.NotFound("subject", id)
	}
	return subj, err
}

func (s *Store) GetSubject(ctx context.Context, id string) (model.Subject, error) {
	return perform(ctx, s, "get_subject", false, func(ctx context.Context, q querier) (model.Subject, error) {
		return getSubject(ctx, q, id)
	})
}

func (s *Store) AddSubject(ctx context.Context, subj model.Subject) (model.Subject, error) {
	prepared, err := storage.PrepareNewSubject(subj, s.opts.Clock())
	if err != nil {
		return model.Subject{}, err
	}
	return perform(ctx, s, "add_subject", true, func(ctx context.Context, q querier) (model.Subject, error) {
		if _, err := getSubject(ctx, q, prepared.ID); err == nil {
			return model.Subject{}, caerrors.Newf(caerrors.CodeStoreConflict, "subject %s already exists", prepared.ID)
		}
		return prepared, writeSubject(ctx, q, prepared)
	})
}

func writeSubject(ctx context.Context, q querier, subj model.Subject) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO subjects (`+subjectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		date_of_birth = excluded.date_of_birth,
		sex = excluded.sex,
		feeding_style = excluded.feeding_style,
		timezone = excluded.timezone,
		updated_at = excluded.updated_at
	`,
		subj.ID,
		subj.Name,
		sqlitedb.FormatTime(subj.DateOfBirth),
		sqlitedb.NullString(subj.Sex),
		sqlitedb.NullString(subj.FeedingStyle),
		subj.Timezone,
		sqlitedb.FormatTime(subj.CreatedAt),
		sqlitedb.FormatTime(subj.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to write subject %s: %w", subj.ID, err)
	}
	return nil
}

func (s *Store) UpdateSubject(ctx context.Context, subj model.Subject) (model.Subject, error) {
	return perform(ctx, s, "update_subject", true, func(ctx context.Context, q querier) (model.Subject, error) {
		stored, err := getSubject(ctx, q, subj.ID)
		if err != nil {
			return model.Subject{}, err
		}
		prepared, err := storage.PrepareSubjectUpdate(subj, stored, s.opts.Clock())
		if err != nil {
			return model.Subject{}, err
		}
		return prepared, writeSubject(ctx, q, prepared)
	})
}

// DeleteSubject removes the subject's events and predictions, then the
// subject, as one unit of work.
func (s *Store) DeleteSubject(ctx context.Context, id string) error {
	return s.UnitOfWork(ctx, "delete_subject", func(ctx context.Context, tx *sql.Tx) error {
		if _, err := getSubject(ctx, tx, id); err != nil {
			return err
		}
		for _, stmt := range []string{
			`DELETE FROM events WHERE subject_id = ?`,
			`DELETE FROM predictions WHERE subject_id = ?`,
			`DELETE FROM subjects WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("failed to delete subject %s: %w", id, err)
			}
		}
		return nil
	})
}

// ===== Events =====

// FetchEvents returns at most Config.RangeCap events.
func (s *Store) FetchEvents(ctx context.Context, subjectID string, from, to time.Time) ([]model.Event, error) {
	return perform(ctx, s, "fetch_events", false, func(ctx context.Context, q querier) ([]model.Event, error) {
		rows, err := q.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE subject_id = ? AND start_time >= ? AND start_time < ?
		ORDER BY start_time DESC, id ASC
		LIMIT ?
		`, subjectID, sqlitedb.FormatTime(from), sqlitedb.FormatTime(to), s.cfg.RangeCap)
		if err != nil {
			return nil, fmt.Errorf("failed to query events: %w", err)
		}
		return scanEvents(rows)
	})
}

func (s *Store) FetchEventsChangedSince(ctx context.Context, since time.Time) ([]model.Event, error) {
	return perform(ctx, s, "fetch_events_changed", false, func(ctx context.Context, q querier) ([]model.Event, error) {
		var (
			rows *sql.Rows
			err  error
		)
		if since.IsZero() {
			rows, err = q.QueryContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY updated_at, id`)
		} else {
			rows, err = q.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE updated_at > ? ORDER BY updated_at, id`,
				sqlitedb.FormatTime(since))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query changed events: %w", err)
		}
		return scanEvents(rows)
	})
}

func getEvent(ctx context.Context, q querier, id string) (model.Event, error) {
	e, err := scanEvent(q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, storage.NotFound("event", id)
	}
	return e, err
}

func (s *Store) GetEvent(ctx context.Context, id string) (model.Event, error) {
	return perform(ctx, s, "get_event", false, func(ctx context.Context, q querier) (model.Event, error) {
		return getEvent(ctx, q, id)
	})
}

func openSession(ctx context.Context, q querier, subjectID string) (*model.Event, error) {
	e, err := scanEvent(q.QueryRowContext(ctx, `
	SELECT `+eventColumns+` FROM events
	WHERE subject_id = ? AND type = 'sleep' AND end_time IS NULL
	LIMIT 1
	`, subjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active session: %w", err)
	}
	return &e, nil
}

// insertEvent checks ownership and uniqueness, then inserts.
func insertEvent(ctx context.Context, q querier, e model.Event) error {
	if _, err := getEvent(ctx, q, e.ID); err == nil {
		return caerrors.Newf(caerrors.CodeStoreConflict, "event %s already exists", e.ID)
	}
	if _, err := getSubject(ctx, q, e.SubjectID); err != nil {
		return err
	}
	if e.IsOpen() {
		open, err := openSession(ctx, q, e.SubjectID)
		if err != nil {
			return err
		}
		if open != nil {
			return storage.SessionAlreadyRunning(e.SubjectID, *open)
		}
	}
	return writeEvent(ctx, q, e)
}

func writeEvent(ctx context.Context, q querier, e model.Event) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		subject_id = excluded.subject_id,
		type = excluded.type,
		subtype = excluded.subtype,
		start_time = excluded.start_time,
		end_time = excluded.end_time,
		amount = excluded.amount,
		unit = excluded.unit,
		side = excluded.side,
		note = excluded.note,
		updated_at = excluded.updated_at
	`,
		e.ID,
		e.SubjectID,
		string(e.Type),
		sqlitedb.NullString(e.Subtype),
		sqlitedb.FormatTime(e.StartTime),
		sqlitedb.NullTime(e.EndTime),
		nullAmount(e.Amount),
		sqlitedb.NullString(e.Unit),
		sqlitedb.NullString(e.Side),
		sqlitedb.NullString(e.Note),
		sqlitedb.FormatTime(e.CreatedAt),
		sqlitedb.FormatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to write event %s: %w", e.ID, err)
	}
	return nil
}

func (s *Store) AddEvent(ctx context.Context, e model.Event) (model.Event, error) {
	now := s.opts.Clock()
	prepared, err := storage.PrepareNewEvent(e, now)
	if err != nil {
		return model.Event{}, err
	}
	return perform(ctx, s, "add_event", true, func(ctx context.Context, q querier) (model.Event, error) {
		if err := insertEvent(ctx, q, prepared); err != nil {
			return model.Event{}, err
		}
		if err := writeLastUsed(ctx, q, model.LastUsedFrom(prepared, now)); err != nil {
			return model.Event{}, err
		}
		return prepared, nil
	})
}

func (s *Store) UpdateEvent(ctx context.Context, e model.Event) (model.Event, error) {
	return perform(ctx, s, "update_event", true, func(ctx context.Context, q querier) (model.Event, error) {
		stored, err := getEvent(ctx, q, e.ID)
		if err != nil {
			return model.Event{}, err
		}
		prepared, err := storage.PrepareEventUpdate(e, stored, s.opts.Clock())
		if err != nil {
			return model.Event{}, err
		}
		if prepared.IsOpen() {
			open, err := openSession(ctx, q, prepared.SubjectID)
			if err != nil {
				return model.Event{}, err
			}
			if open != nil && open.ID != prepared.ID {
				return model.Event{}, storage.SessionAlreadyRunning(prepared.SubjectID, *open)
			}
		}
		return prepared, writeEvent(ctx, q, prepared)
	})
}

func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	_, err := perform(ctx, s, "delete_event", true, func(ctx context.Context, q querier) (struct{}, error) {
		res, err := q.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to delete event %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return struct{}{}, storage.NotFound("event", id)
		}
		return struct{}{}, nil
	})
	return err
}

// ===== Active session =====

func (s *Store) GetActiveSession(ctx context.Context, subjectID string) (*model.Event, error) {
	return perform(ctx, s, "get_active_session", false, func(ctx context.Context, q querier) (*model.Event, error) {
		return openSession(ctx, q, subjectID)
	})
}

func (s *Store) StartActiveSession(ctx context.Context, subjectID string) (model.Event, error) {
	return perform(ctx, s, "start_active_session", true, func(ctx context.Context, q querier) (model.Event, error) {
		now := s.opts.Clock()
		open, err := openSession(ctx, q, subjectID)
		if err != nil {
			return model.Event{}, err
		}
		if open != nil {
			if s.opts.SessionPolicy != storage.SessionReplace {
				return model.Event{}, storage.SessionAlreadyRunning(subjectID, *open)
			}
			if err := writeEvent(ctx, q, storage.CloseSession(*open, now)); err != nil {
				return model.Event{}, err
			}
		}
		session, err := storage.PrepareNewEvent(storage.NewSession(subjectID, now), now)
		if err != nil {
			return model.Event{}, err
		}
		return session, insertEvent(ctx, q, session)
	})
}

func (s *Store) StopActiveSession(ctx context.Context, subjectID string) (model.Event, error) {
	return perform(ctx, s, "stop_active_session", true, func(ctx context.Context, q querier) (model.Event, error) {
		now := s.opts.Clock()
		open, err := openSession(ctx, q, subjectID)
		if err != nil {
			return model.Event{}, err
		}
		if open != nil {
			closed := storage.CloseSession(*open, now)
			return closed, writeEvent(ctx, q, closed)
		}
		fallback, err := storage.PrepareNewEvent(storage.FallbackSession(subjectID, now), now)
		if err != nil {
			return model.Event{}, err
		}
		return fallback, insertEvent(ctx, q, fallback)
	})
}

// ===== Last used =====

func writeLastUsed(ctx context.Context, q querier, lu model.LastUsedValues) error {
	data, err := json.Marshal(lu)
	if err != nil {
		return fmt.Errorf("failed to marshal last used values: %w", err)
	}
	_, err = q.ExecContext(ctx, `
	INSERT INTO last_used (event_type, data, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(event_type) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, string(lu.EventType), string(data), sqlitedb.FormatTime(lu.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to write last used values: %w", err)
	}
	return nil
}

func (s *Store) GetLastUsed(ctx context.Context, typ model.EventType) (*model.LastUsedValues, error) {
	return perform(ctx, s, "get_last_used", false, func(ctx context.Context, q querier) (*model.LastUsedValues, error) {
		var data string
		err := q.QueryRowContext(ctx, `SELECT data FROM last_used WHERE event_type = ?`, string(typ)).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query last used values: %w", err)
		}
		var lu model.LastUsedValues
		if err := json.Unmarshal([]byte(data), &lu); err != nil {
			return nil, fmt.Errorf("failed to parse last used values: %w", err)
		}
		return &lu, nil
	})
}

func (s *Store) SaveLastUsed(ctx context.Context, lu model.LastUsedValues) error {
	if err := model.ValidateLastUsed(&lu); err != nil {
		return err
	}
	if lu.UpdatedAt.IsZero() {
		lu.UpdatedAt = s.opts.Clock()
	}
	_, err := perform(ctx, s, "save_last_used", true, func(ctx context.Context, q querier) (struct{}, error) {
		return struct{}{}, writeLastUsed(ctx, q, lu)
	})
	return err
}

// ===== Predictions =====

func (s *Store) GetPrediction(ctx context.Context, subjectID string, kind model.PredictionKind) (*model.Prediction, error) {
	return perform(ctx, s, "get_prediction", false, func(ctx context.Context, q querier) (*model.Prediction, error) {
		var (
			p                  model.Prediction
			kindStr            string
			predicted, updated string
			explanation        sql.NullString
		)
		err := q.QueryRowContext(ctx, `
		SELECT subject_id, kind, predicted_time, confidence, explanation, updated_at
		FROM predictions WHERE subject_id = ? AND kind = ?
		`, subjectID, string(kind)).Scan(&p.SubjectID, &kindStr, &predicted, &p.Confidence, &explanation, &updated)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query prediction: %w", err)
		}
		p.Kind = model.PredictionKind(kindStr)
		p.Explanation = explanation.String
		if p.PredictedTime, err = sqlitedb.ParseTime(predicted); err != nil {
			return nil, fmt.Errorf("failed to parse predicted_time: %w", err)
		}
		if p.UpdatedAt, err = sqlitedb.ParseTime(updated); err != nil {
			return nil, fmt.Errorf("failed to parse updated_at: %w", err)
		}
		return &p, nil
	})
}

func writePrediction(ctx context.Context, q querier, p model.Prediction) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO predictions (subject_id, kind, predicted_time, confidence, explanation, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(subject_id, kind) DO UPDATE SET
		predicted_time = excluded.predicted_time,
		confidence = excluded.confidence,
		explanation = excluded.explanation,
		updated_at = excluded.updated_at
	`, p.SubjectID, string(p.Kind), sqlitedb.FormatTime(p.PredictedTime), p.Confidence,
		sqlitedb.NullString(p.Explanation), sqlitedb.FormatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to write prediction: %w", err)
	}
	return nil
}

func (s *Store) SavePrediction(ctx context.Context, p model.Prediction) error {
	if err := model.ValidatePrediction(&p); err != nil {
		return err
	}
	p.UpdatedAt = s.opts.Clock()
	_, err := perform(ctx, s, "save_prediction", true, func(ctx context.Context, q querier) (struct{}, error) {
		if _, err := getSubject(ctx, q, p.SubjectID); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, writePrediction(ctx, q, p)
	})
	return err
}

// ===== Settings =====

func (s *Store) GetSettings(ctx context.Context) (model.Settings, error) {
	return perform(ctx, s, "get_settings", false, func(ctx context.Context, q querier) (model.Settings, error) {
		var data string
		err := q.QueryRowContext(ctx, `SELECT data FROM settings WHERE id = 1`).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return model.DefaultSettings(), nil
		}
		if err != nil {
			return model.Settings{}, fmt.Errorf("failed to query settings: %w", err)
		}
		settings := model.DefaultSettings()
		if err := json.Unmarshal([]byte(data), &settings); err != nil {
			return model.Settings{}, fmt.Errorf("failed to parse settings: %w", err)
		}
		if settings.QuotaCounters == nil {
			settings.QuotaCounters = map[string]int{}
		}
		return settings, nil
	})
}

func writeSettings(ctx context.Context, q querier, settings model.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	_, err = q.ExecContext(ctx, `
	INSERT INTO settings (id, data, updated_at) VALUES (1, ?, ?)
	ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, string(data), sqlitedb.FormatTime(settings.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

func (s *Store) SaveSettings(ctx context.Context, settings model.Settings) error {
	if err := model.ValidateSettings(&settings); err != nil {
		return err
	}
	settings = settings.Clone()
	settings.UpdatedAt = s.opts.Clock()
	_, err := perform(ctx, s, "save_settings", true, func(ctx context.Context, q querier) (struct{}, error) {
		return struct{}{}, writeSettings(ctx, q, settings)
	})
	return err
}

// DeleteAllData clears every table except settings in one unit of work.
func (s *Store) DeleteAllData(ctx context.Context) error {
	return s.UnitOfWork(ctx, "delete_all_data", func(ctx context.Context, tx *sql.Tx) error {
		for _, table := range []string{"events", "predictions", "last_used", "subjects"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// Import loads ds in a single unit of work, replacing records with the same
// ids. Used to migrate from the snapshot backend.
func (s *Store) Import(ctx context.Context, ds *storage.Dataset) error {
	return s.UnitOfWork(ctx, "import", func(ctx context.Context, tx *sql.Tx) error {
		for _, subj := range ds.Subjects {
			if err := writeSubject(ctx, tx, subj); err != nil {
				return err
			}
		}
		for _, e := range ds.Events {
			if err := writeEvent(ctx, tx, e); err != nil {
				return err
			}
		}
		for _, p := range ds.Predictions {
			if err := writePrediction(ctx, tx, p); err != nil {
				return err
			}
		}
		for _, lu := range ds.LastUsed {
			if err := writeLastUsed(ctx, tx, lu); err != nil {
				return err
			}
		}
		if ds.Settings != nil {
			if err := writeSettings(ctx, tx, *ds.Settings); err != nil {
				return err
			}
		}
		return nil
	})
}
