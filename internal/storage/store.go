// Package storage defines the Storage Contract every caresync backend
// implements and every caller depends on.
//
// Backends (see the snapshot and managed subpackages) persist records
// locally and return immediately. Mutating calls validate their input first
// and fail with a validation.failed error without side effects. All other
// failures carry one of the store.* codes from internal/errors.
//
// The active sleep session is not stored separately. It is the sleep event
// for a subject whose end time is unset, reconstructed on every call, so
// process restarts are transparent.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	caerrors "github.com/nuzzle/caresync/internal/errors"
	"github.com/nuzzle/caresync/internal/model"
)

// Store is the capability interface shared by all backends.
type Store interface {
	// FetchSubjects returns every subject ordered by creation time.
	FetchSubjects(ctx context.Context) ([]model.Subject, error)

	// GetSubject returns one subject or a store.not_found error.
	GetSubject(ctx context.Context, id string) (model.Subject, error)

	// AddSubject validates and inserts a subject.
	AddSubject(ctx context.Context, s model.Subject) (model.Subject, error)

	// UpdateSubject replaces a subject in full.
	UpdateSubject(ctx context.Context, s model.Subject) (model.Subject, error)

	// DeleteSubject removes a subject and every event it owns as one unit.
	DeleteSubject(ctx context.Context, id string) error

	// FetchEvents returns the subject's events with from <= start < to,
	// newest first. Backends may cap the number of results.
	FetchEvents(ctx context.Context, subjectID string, from, to time.Time) ([]model.Event, error)

	// FetchEventsChangedSince returns events of any subject whose UpdatedAt
	// is strictly after since. A zero since returns everything.
	FetchEventsChangedSince(ctx context.Context, since time.Time) ([]model.Event, error)

	// GetEvent returns one event or a store.not_found error.
	GetEvent(ctx context.Context, id string) (model.Event, error)

	// AddEvent validates and inserts an event, then records its
	// LastUsedValues for the event type.
	AddEvent(ctx context.Context, e model.Event) (model.Event, error)

	// UpdateEvent validates and replaces an event.
	UpdateEvent(ctx context.Context, e model.Event) (model.Event, error)

	// DeleteEvent removes an event.
	DeleteEvent(ctx context.Context, id string) error

	// GetActiveSession returns the subject's open sleep event, or nil.
	GetActiveSession(ctx context.Context, subjectID string) (*model.Event, error)

	// StartActiveSession opens a sleep event starting now.
	StartActiveSession(ctx context.Context, subjectID string) (model.Event, error)

	// StopActiveSession closes the open sleep event at now. With no open
	// session it records a short retroactive nap instead, so it always
	// returns a completed event.
	StopActiveSession(ctx context.Context, subjectID string) (model.Event, error)

	// GetLastUsed returns the cached entry values for typ, or nil.
	GetLastUsed(ctx context.Context, typ model.EventType) (*model.LastUsedValues, error)

	// SaveLastUsed overwrites the cached entry values for lu.EventType.
	SaveLastUsed(ctx context.Context, lu model.LastUsedValues) error

	// GetPrediction returns the stored prediction for (subjectID, kind), or nil.
	GetPrediction(ctx context.Context, subjectID string, kind model.PredictionKind) (*model.Prediction, error)

	// SavePrediction upserts by (SubjectID, Kind).
	SavePrediction(ctx context.Context, p model.Prediction) error

	// GetSettings returns the installation settings, defaults if never saved.
	GetSettings(ctx context.Context) (model.Settings, error)

	// SaveSettings overwrites the installation settings.
	SaveSettings(ctx context.Context, s model.Settings) error

	// DeleteAllData removes subjects, events, predictions and last-used
	// values. Settings survive.
	DeleteAllData(ctx context.Context) error

	// Close flushes pending work and releases the backend.
	Close() error
}

// SessionPolicy decides what StartActiveSession does when a session is
// already running for the subject.
type SessionPolicy int

const (
	// SessionReject fails with session.already_running.
	SessionReject SessionPolicy = iota

	// SessionReplace closes the running session at now and opens a new one.
	SessionReplace
)

// ParseSessionPolicy maps a config value onto a SessionPolicy.
func ParseSessionPolicy(s string) SessionPolicy {
	if s == "replace" {
		return SessionReplace
	}
	return SessionReject
}

const (
	// FallbackSessionDuration is the length of the nap synthesized by a
	// stop with no open session.
	FallbackSessionDuration = 10 * time.Minute

	// FallbackSessionNote annotates synthesized naps.
	FallbackSessionNote = "Quick log nap (10 min)"

	// SessionSubtype is the subtype given to sessions opened by start.
	SessionSubtype = "nap"
)

// Options configure behavior common to all backends.
type Options struct {
	// Clock stamps timestamps and bounds future-dated events.
	Clock model.Clock

	// SessionPolicy applies to StartActiveSession.
	SessionPolicy SessionPolicy
}

// WithDefaults fills unset fields.
func (o Options) WithDefaults() Options {
	if o.Clock == nil {
		o.Clock = model.SystemClock
	}
	return o
}

// PrepareNewEvent validates e for insertion and fills id and timestamps.
// Timestamps already set are kept so reconciled records retain their
// remote values.
func PrepareNewEvent(e model.Event, now time.Time) (model.Event, error) {
	e = e.Clone()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	if err := model.ValidateEvent(&e, now); err != nil {
		return model.Event{}, err
	}
	return e, nil
}

// PrepareEventUpdate validates a replacement for stored. UpdatedAt moves to
// now unless the incoming copy is already newer, which is how reconciled
// remote winners keep their timestamps.
func PrepareEventUpdate(e model.Event, stored model.Event, now time.Time) (model.Event, error) {
	e = e.Clone()
	e.CreatedAt = stored.CreatedAt
	if !e.UpdatedAt.After(stored.UpdatedAt) {
		e.UpdatedAt = now
	}
	if err := model.ValidateEvent(&e, now); err != nil {
		return model.Event{}, err
	}
	return e, nil
}

// PrepareNewSubject validates s for insertion and fills id and timestamps.
func PrepareNewSubject(s model.Subject, now time.Time) (model.Subject, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}
	if err := model.ValidateSubject(&s, now); err != nil {
		return model.Subject{}, err
	}
	return s, nil
}

// PrepareSubjectUpdate validates a replacement for stored.
func PrepareSubjectUpdate(s model.Subject, stored model.Subject, now time.Time) (model.Subject, error) {
	s.CreatedAt = stored.CreatedAt
	if !s.UpdatedAt.After(stored.UpdatedAt) {
		s.UpdatedAt = now
	}
	if err := model.ValidateSubject(&s, now); err != nil {
		return model.Subject{}, err
	}
	return s, nil
}

// NewSession builds the open sleep event created by StartActiveSession.
func NewSession(subjectID string, now time.Time) model.Event {
	e := model.NewEvent(subjectID, model.EventSleep, now, now)
	e.Subtype = SessionSubtype
	return e
}

// CloseSession ends an open session at now. An end before the start (clock
// moved backwards) is clamped to the start.
func CloseSession(open model.Event, now time.Time) model.Event {
	closed := open.Clone()
	end := now
	if end.Before(closed.StartTime) {
		end = closed.StartTime
	}
	closed.EndTime = &end
	closed.UpdatedAt = now
	return closed
}

// FallbackSession builds the retroactive nap recorded by a stop with no
// open session.
func FallbackSession(subjectID string, now time.Time) model.Event {
	e := model.NewEvent(subjectID, model.EventSleep, now.Add(-FallbackSessionDuration), now)
	e.Subtype = SessionSubtype
	e.Note = FallbackSessionNote
	e.EndTime = model.Time(now)
	return e
}

// SessionAlreadyRunning is returned by StartActiveSession under SessionReject.
func SessionAlreadyRunning(subjectID string, open model.Event) error {
	return caerrors.Newf(caerrors.CodeSessionAlreadyRunning,
		"subject %s already has a sleep session running since %s", subjectID, open.StartTime.Format(time.RFC3339))
}

// NotFound builds the store.not_found error for a record kind and id.
func NotFound(kind, id string) error {
	return caerrors.Newf(caerrors.CodeStoreNotFound, "%s %s not found", kind, id)
}

// FetchEventsDay returns the subject's events for the calendar day containing
// day in loc.
func FetchEventsDay(ctx context.Context, s Store, subjectID string, day time.Time, loc *time.Location) ([]model.Event, error) {
	from, to := model.DayBounds(day, loc)
	return s.FetchEvents(ctx, subjectID, from, to)
}
