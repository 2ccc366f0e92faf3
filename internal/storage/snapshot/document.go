package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/nuzzle/caresync/internal/model"
	"github.com/nuzzle/caresync/internal/storage"
)

// Version is the schema version tag written into every document.
// A document with any other version, or none, is reseeded.
const Version = 1

// Document is the on-disk form of the snapshot store.
type Document struct {
	Version     int                                      `json:"version"`
	Subjects    []model.Subject                          `json:"subjects"`
	Events      []model.Event                            `json:"events"`
	Predictions []model.Prediction                       `json:"predictions"`
	Settings    *model.Settings                          `json:"settings,omitempty"`
	LastUsed    map[model.EventType]model.LastUsedValues `json:"last_used"`
}

// ErrNoDocument means the file is missing, empty, or carries an unknown
// version tag.
var ErrNoDocument = errors.New("no usable snapshot document")

// ReadDocument loads the document at path without opening a store.
// Used by migration to read the canonical source.
func ReadDocument(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoDocument
		}
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	// Version probe first so an unknown layout never half-decodes.
	var probe struct {
		Version *int `json:"version"`
	}
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrNoDocument
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	if probe.Version == nil || *probe.Version != Version {
		return nil, ErrNoDocument
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return &doc, nil
}

// toDocument serializes st with records in a stable order.
func (st *state) toDocument() *Document {
	doc := &Document{
		Version:     Version,
		Subjects:    make([]model.Subject, 0, len(st.subjects)),
		Events:      make([]model.Event, 0, len(st.events)),
		Predictions: make([]model.Prediction, 0, len(st.predictions)),
		LastUsed:    make(map[model.EventType]model.LastUsedValues, len(st.lastUsed)),
	}
	for _, s := range st.subjects {
		doc.Subjects = append(doc.Subjects, s)
	}
	for _, e := range st.events {
		doc.Events = append(doc.Events, e.Clone())
	}
	for _, p := range st.predictions {
		doc.Predictions = append(doc.Predictions, p)
	}
	for k, v := range st.lastUsed {
		doc.LastUsed[k] = v
	}
	if st.settings != nil {
		settings := st.settings.Clone()
		doc.Settings = &settings
	}

	sort.Slice(doc.Subjects, func(i, j int) bool { return doc.Subjects[i].ID < doc.Subjects[j].ID })
	sort.Slice(doc.Events, func(i, j int) bool { return doc.Events[i].ID < doc.Events[j].ID })
	sort.Slice(doc.Predictions, func(i, j int) bool {
		a, b := doc.Predictions[i], doc.Predictions[j]
		if a.SubjectID != b.SubjectID {
			return a.SubjectID < b.SubjectID
		}
		return a.Kind < b.Kind
	})
	return doc
}

// stateFromDocument indexes doc into memory.
func stateFromDocument(doc *Document) *state {
	st := newState()
	for _, s := range doc.Subjects {
		st.subjects[s.ID] = s
	}
	for _, e := range doc.Events {
		st.events[e.ID] = e.Clone()
	}
	for _, p := range doc.Predictions {
		st.predictions[predictionKey{p.SubjectID, p.Kind}] = p
	}
	for k, v := range doc.LastUsed {
		st.lastUsed[k] = v
	}
	if doc.Settings != nil {
		settings := doc.Settings.Clone()
		st.settings = &settings
	}
	return st
}

// Sample record ids are fixed so reseeding is reproducible.
const (
	SampleSubjectID       = "5a3e0c1e-0000-4000-8000-000000000001"
	SampleSecondSubjectID = "5a3e0c1e-0000-4000-8000-000000000002"
)

// SampleDocument is the deterministic data a fresh install starts with:
// two subjects and four events for the first, relative to now.
func SampleDocument(now time.Time) *Document {
	now = now.Truncate(time.Minute)
	at := func(ago time.Duration) time.Time { return now.Add(-ago) }

	first := model.Subject{
		ID:          SampleSubjectID,
		Name:        "Sample Baby",
		DateOfBirth: now.AddDate(0, -2, 0),
		Sex:         "female",
		Timezone:    "UTC",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	second := model.Subject{
		ID:           SampleSecondSubjectID,
		Name:         "Sample Twin",
		DateOfBirth:  now.AddDate(0, -2, 0),
		Sex:          "male",
		FeedingStyle: "bottle",
		Timezone:     "UTC",
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	event := func(n int, typ model.EventType, subtype string, start time.Time, end *time.Time, amount *float64) model.Event {
		e := model.Event{
			ID:        fmt.Sprintf("5a3e0c1e-0000-4000-9000-%012d", n),
			SubjectID: first.ID,
			Type:      typ,
			Subtype:   subtype,
			StartTime: start,
			EndTime:   end,
			Amount:    amount,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if amount != nil {
			e.Unit = "ml"
		}
		return e
	}

	return &Document{
		Version:  Version,
		Subjects: []model.Subject{first, second},
		Events: []model.Event{
			event(1, model.EventFeed, "bottle", at(2*time.Hour), nil, model.Float(120)),
			event(2, model.EventDiaper, "wet", at(90*time.Minute), nil, nil),
			event(3, model.EventSleep, "nap", at(75*time.Minute), model.Time(at(30*time.Minute)), nil),
			event(4, model.EventFeed, "bottle", at(15*time.Minute), nil, model.Float(150)),
		},
		Predictions: []model.Prediction{},
		LastUsed: map[model.EventType]model.LastUsedValues{
			model.EventFeed: {EventType: model.EventFeed, Amount: model.Float(150), Unit: "ml", Subtype: "bottle", UpdatedAt: now},
		},
	}
}

// Dataset converts the document into the backend-neutral form.
func (doc *Document) Dataset() *storage.Dataset {
	ds := &storage.Dataset{
		Subjects:    append([]model.Subject(nil), doc.Subjects...),
		Events:      make([]model.Event, 0, len(doc.Events)),
		Predictions: append([]model.Prediction(nil), doc.Predictions...),
		LastUsed:    make(map[model.EventType]model.LastUsedValues, len(doc.LastUsed)),
	}
	for _, e := range doc.Events {
		ds.Events = append(ds.Events, e.Clone())
	}
	for k, v := range doc.LastUsed {
		ds.LastUsed[k] = v
	}
	if doc.Settings != nil {
		settings := doc.Settings.Clone()
		ds.Settings = &settings
	}
	return ds
}
