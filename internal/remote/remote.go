// Package remote defines the remote record store the reconciliation engine
// syncs with, plus three implementations: an HTTP client for the REST
// service, a SQL store for libSQL/Turso or a plain SQLite file, and an
// in-process Memory store for tests and offline demos.
//
// Remote records carry the owning family id and the created_at/updated_at
// pair. updated_at is used only for conflict resolution.
package remote

import (
	"context"
	"time"

	caerrors "github.com/nuzzle/caresync/internal/errors"
	"github.com/nuzzle/caresync/internal/model"
)

// API is the remote record store.
//
// Implementations return remote.unavailable for transient failures
// (network, 5xx, busy) and remote.rejected when the remote refuses a record.
type API interface {
	// GetEvents returns the remote copies of the given ids that exist.
	GetEvents(ctx context.Context, ids []string) (map[string]EventRecord, error)

	// UpsertEvents creates or replaces a batch of events.
	UpsertEvents(ctx context.Context, records []EventRecord) error

	// DeleteEvent removes an event. Deleting a missing event succeeds.
	DeleteEvent(ctx context.Context, id string) error

	// EventsUpdatedSince returns events whose updated_at is at or after since.
	EventsUpdatedSince(ctx context.Context, since time.Time) ([]EventRecord, error)

	// GetSubjects returns the remote copies of the given ids that exist.
	GetSubjects(ctx context.Context, ids []string) (map[string]SubjectRecord, error)

	// UpsertSubjects creates or replaces a batch of subjects.
	UpsertSubjects(ctx context.Context, records []SubjectRecord) error

	// DeleteSubject removes a subject and its events.
	DeleteSubject(ctx context.Context, id string) error

	// Subjects returns every subject in the family.
	Subjects(ctx context.Context) ([]SubjectRecord, error)
}

// SubjectRecord is the remote form of a Subject.
type SubjectRecord struct {
	ID           string    `json:"id"`
	FamilyID     string    `json:"family_id"`
	Name         string    `json:"name"`
	DateOfBirth  time.Time `json:"date_of_birth"`
	Sex          string    `json:"sex,omitempty"`
	FeedingStyle string    `json:"primary_feeding_style,omitempty"`
	Timezone     string    `json:"timezone"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EventRecord is the remote form of an Event.
type EventRecord struct {
	ID        string     `json:"id"`
	FamilyID  string     `json:"family_id"`
	SubjectID string     `json:"baby_id"`
	Type      string     `json:"type"`
	Subtype   string     `json:"subtype,omitempty"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Amount    *float64   `json:"amount,omitempty"`
	Unit      string     `json:"unit,omitempty"`
	Side      string     `json:"side,omitempty"`
	Note      string     `json:"note,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// FromEvent converts a local event for the given family.
func FromEvent(e model.Event, familyID string) EventRecord {
	c := e.Clone()
	return EventRecord{
		ID:        c.ID,
		FamilyID:  familyID,
		SubjectID: c.SubjectID,
		Type:      string(c.Type),
		Subtype:   c.Subtype,
		StartTime: c.StartTime.UTC(),
		EndTime:   utcPtr(c.EndTime),
		Amount:    c.Amount,
		Unit:      c.Unit,
		Side:      c.Side,
		Note:      c.Note,
		CreatedAt: c.CreatedAt.UTC(),
		UpdatedAt: c.UpdatedAt.UTC(),
	}
}

// Event converts the record to a local event.
func (r EventRecord) Event() model.Event {
	e := model.Event{
		ID:        r.ID,
		SubjectID: r.SubjectID,
		Type:      model.EventType(r.Type),
		Subtype:   r.Subtype,
		StartTime: r.StartTime,
		EndTime:   r.EndTime,
		Amount:    r.Amount,
		Unit:      r.Unit,
		Side:      r.Side,
		Note:      r.Note,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	return e.Clone()
}

// FromSubject converts a local subject for the given family.
func FromSubject(s model.Subject, familyID string) SubjectRecord {
	return SubjectRecord{
		ID:           s.ID,
		FamilyID:     familyID,
		Name:         s.Name,
		DateOfBirth:  s.DateOfBirth.UTC(),
		Sex:          s.Sex,
		FeedingStyle: s.FeedingStyle,
		Timezone:     s.Timezone,
		CreatedAt:    s.CreatedAt.UTC(),
		UpdatedAt:    s.UpdatedAt.UTC(),
	}
}

// Subject converts the record to a local subject.
func (r SubjectRecord) Subject() model.Subject {
	return model.Subject{
		ID:           r.ID,
		Name:         r.Name,
		DateOfBirth:  r.DateOfBirth,
		Sex:          r.Sex,
		FeedingStyle: r.FeedingStyle,
		Timezone:     r.Timezone,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// Unavailable wraps a transient remote failure.
func Unavailable(op string, cause error) error {
	return caerrors.Wrap(caerrors.CodeRemoteUnavailable, op+" failed", cause)
}

// Rejected wraps a permanent remote refusal.
func Rejected(op string, cause error) error {
	return caerrors.Wrap(caerrors.CodeRemoteRejected, op+" rejected", cause)
}

func isRejected(err error) bool {
	return caerrors.HasCode(err, caerrors.CodeRemoteRejected)
}
