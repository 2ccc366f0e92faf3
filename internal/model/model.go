// Package model defines the plain record types that flow through caresync:
// subjects, events, predictions, settings and last-used values.
//
// Records carry no behavior beyond small derived values and validation.
// Backends own persistence; the reconciliation engine compares UpdatedAt.
package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the closed set of caregiving event kinds.
type EventType string

const (
	EventFeed      EventType = "feed"
	EventSleep     EventType = "sleep"
	EventDiaper    EventType = "diaper"
	EventTummyTime EventType = "tummy_time"
)

// EventTypes lists every valid EventType in display order.
var EventTypes = []EventType{EventFeed, EventSleep, EventDiaper, EventTummyTime}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// PredictionKind identifies what a Prediction forecasts.
type PredictionKind string

const (
	PredictionNextNap  PredictionKind = "next_nap"
	PredictionNextFeed PredictionKind = "next_feed"
)

// RecordKind names a synced record type.
type RecordKind string

const (
	KindSubject RecordKind = "subject"
	KindEvent   RecordKind = "event"
)

// Clock returns the current time. Components take a Clock so tests can pin time.
type Clock func() time.Time

// SystemClock is the wall clock.
func SystemClock() time.Time { return time.Now() }

// Subject is a tracked individual that events belong to.
type Subject struct {
	ID           string    `json:"id" validate:"required"`
	Name         string    `json:"name" validate:"required,max=50"`
	DateOfBirth  time.Time `json:"date_of_birth" validate:"required"`
	Sex          string    `json:"sex,omitempty" validate:"omitempty,oneof=male female"`
	FeedingStyle string    `json:"feeding_style,omitempty" validate:"omitempty,oneof=breast bottle both"`
	Timezone     string    `json:"timezone"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewSubject returns a Subject with a fresh id and timestamps set to now.
func NewSubject(name string, dob time.Time, now time.Time) Subject {
	return Subject{
		ID:          uuid.NewString(),
		Name:        name,
		DateOfBirth: dob,
		Timezone:    time.Local.String(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Location resolves the subject's timezone, falling back to UTC.
func (s *Subject) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Event is a single logged occurrence with a time range.
type Event struct {
	ID        string     `json:"id" validate:"required"`
	SubjectID string     `json:"subject_id" validate:"required"`
	Type      EventType  `json:"type" validate:"required,oneof=feed sleep diaper tummy_time"`
	Subtype   string     `json:"subtype,omitempty" validate:"max=32"`
	StartTime time.Time  `json:"start_time" validate:"required"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Amount    *float64   `json:"amount,omitempty"`
	Unit      string     `json:"unit,omitempty" validate:"omitempty,oneof=ml oz"`
	Side      string     `json:"side,omitempty" validate:"omitempty,oneof=left right both"`
	Note      string     `json:"note,omitempty" validate:"max=2000"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewEvent returns an Event with a fresh id and timestamps set to now.
func NewEvent(subjectID string, typ EventType, start time.Time, now time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		Type:      typ,
		StartTime: start,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsOpen reports whether e is an in-progress sleep session.
func (e *Event) IsOpen() bool {
	return e.Type == EventSleep && e.EndTime == nil
}

// DurationMinutes is the whole minutes between start and end.
// Open events and inverted ranges report zero.
func (e *Event) DurationMinutes() int {
	if e.EndTime == nil {
		return 0
	}
	d := e.EndTime.Sub(e.StartTime)
	if d < 0 {
		return 0
	}
	return int(d / time.Minute)
}

// Clone returns a deep copy so callers never share pointer fields with a store.
func (e Event) Clone() Event {
	if e.EndTime != nil {
		end := *e.EndTime
		e.EndTime = &end
	}
	if e.Amount != nil {
		amount := *e.Amount
		e.Amount = &amount
	}
	return e
}

// Prediction is a recomputed forecast, upserted by (SubjectID, Kind).
type Prediction struct {
	SubjectID     string         `json:"subject_id" validate:"required"`
	Kind          PredictionKind `json:"kind" validate:"required,oneof=next_nap next_feed"`
	PredictedTime time.Time      `json:"predicted_time" validate:"required"`
	Confidence    float64        `json:"confidence" validate:"gte=0,lte=1"`
	Explanation   string         `json:"explanation,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Settings is the single per-installation preferences record.
type Settings struct {
	Units            string         `json:"units" validate:"oneof=metric imperial"`
	QuietHoursStart  string         `json:"quiet_hours_start,omitempty" validate:"omitempty,datetime=15:04"`
	QuietHoursEnd    string         `json:"quiet_hours_end,omitempty" validate:"omitempty,datetime=15:04"`
	RemindersPaused  bool           `json:"reminders_paused"`
	AnalyticsConsent bool           `json:"analytics_consent"`
	AIConsent        bool           `json:"ai_consent"`
	SyncEnabled      bool           `json:"sync_enabled"`
	QuotaCounters    map[string]int `json:"quota_counters,omitempty"`
	LastSyncAt       *time.Time     `json:"last_sync_at,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// DefaultSettings is what GetSettings returns before anything was saved.
func DefaultSettings() Settings {
	return Settings{
		Units:         "metric",
		QuotaCounters: map[string]int{},
	}
}

// Clone returns a deep copy of s.
func (s Settings) Clone() Settings {
	counters := make(map[string]int, len(s.QuotaCounters))
	for k, v := range s.QuotaCounters {
		counters[k] = v
	}
	s.QuotaCounters = counters
	return s
}

// LastUsedValues caches the most recent entry values for an event type.
type LastUsedValues struct {
	EventType       EventType `json:"event_type"`
	Amount          *float64  `json:"amount,omitempty"`
	Unit            string    `json:"unit,omitempty"`
	Subtype         string    `json:"subtype,omitempty"`
	Side            string    `json:"side,omitempty"`
	DurationMinutes *int      `json:"duration_minutes,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// LastUsedFrom derives the quick re-entry values from a stored event.
func LastUsedFrom(e Event, now time.Time) LastUsedValues {
	lu := LastUsedValues{
		EventType: e.Type,
		Unit:      e.Unit,
		Subtype:   e.Subtype,
		Side:      e.Side,
		UpdatedAt: now,
	}
	if e.Amount != nil {
		amount := *e.Amount
		lu.Amount = &amount
	}
	if e.EndTime != nil {
		minutes := e.DurationMinutes()
		lu.DurationMinutes = &minutes
	}
	return lu
}

// DayBounds returns [start of day, start of next day) for t in loc.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Time returns a pointer to t.
func Time(t time.Time) *time.Time { return &t }
