// Package snapshot implements the in-memory storage backend mirrored to a
// single JSON document.
//
// Reads load an immutable state through an atomic pointer and never block.
// Writers serialize on a mutex, build a modified copy of the state, publish
// it, then signal a background worker that rewrites the whole document
// (temp file, fsync, rename) after a short debounce. In-memory state is
// authoritative for the running process; the file is last-writer-wins.
//
// A missing document, or one with an unknown version tag, is replaced by
// deterministic sample data on open.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	caerrors "github.com/nuzzle/caresync/internal/errors"
	"github.com/nuzzle/caresync/internal/model"
	"github.com/nuzzle/caresync/internal/storage"
)

// DefaultSaveDelay is how long the save worker waits for writes to settle.
const DefaultSaveDelay = 500 * time.Millisecond

type predictionKey struct {
	subjectID string
	kind      model.PredictionKind
}

// state is never mutated after it is published.
type state struct {
	subjects    map[string]model.Subject
	events      map[string]model.Event
	predictions map[predictionKey]model.Prediction
	settings    *model.Settings
	lastUsed    map[model.EventType]model.LastUsedValues
}

func newState() *state {
	return &state{
		subjects:    make(map[string]model.Subject),
		events:      make(map[string]model.Event),
		predictions: make(map[predictionKey]model.Prediction),
		lastUsed:    make(map[model.EventType]model.LastUsedValues),
	}
}

// clone copies the indexes. Record values are replaced, never edited, so a
// shallow copy of each map is enough.
func (st *state) clone() *state {
	next := &state{
		subjects:    make(map[string]model.Subject, len(st.subjects)),
		events:      make(map[string]model.Event, len(st.events)),
		predictions: make(map[predictionKey]model.Prediction, len(st.predictions)),
		settings:    st.settings,
		lastUsed:    make(map[model.EventType]model.LastUsedValues, len(st.lastUsed)),
	}
	for k, v := range st.subjects {
		next.subjects[k] = v
	}
	for k, v := range st.events {
		next.events[k] = v
	}
	for k, v := range st.predictions {
		next.predictions[k] = v
	}
	for k, v := range st.lastUsed {
		next.lastUsed[k] = v
	}
	return next
}

func (st *state) openSession(subjectID string) (model.Event, bool) {
	for _, e := range st.events {
		if e.SubjectID == subjectID && e.IsOpen() {
			return e, true
		}
	}
	return model.Event{}, false
}

// Config controls where and how the document is written.
type Config struct {
	// Path of the JSON document.
	Path string

	// SaveDelay debounces background rewrites. Zero uses DefaultSaveDelay.
	SaveDelay time.Duration

	// DisableSeed opens an empty store instead of seeding sample data.
	DisableSeed bool
}

// Store is the snapshot backend.
type Store struct {
	cfg    Config
	opts   storage.Options
	logger *zap.Logger

	current atomic.Pointer[state]
	writeMu sync.Mutex
	fileMu  sync.Mutex
	dirty   atomic.Bool
	closed  atomic.Bool

	saveChan     chan struct{}
	shutdownChan chan struct{}
	workerDone   chan struct{}
}

var _ storage.Store = (*Store)(nil)

// Open loads or seeds the document at cfg.Path and starts the save worker.
// The caller must call Close to flush the final state.
func Open(cfg Config, opts storage.Options, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("snapshot path is required")
	}
	if cfg.SaveDelay <= 0 {
		cfg.SaveDelay = DefaultSaveDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		cfg:          cfg,
		opts:         opts.WithDefaults(),
		logger:       logger.With(zap.String("component", "snapshot")),
		saveChan:     make(chan struct{}, 1),
		shutdownChan: make(chan struct{}),
		workerDone:   make(chan struct{}),
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	go s.saveWorker()

	return s, nil
}

func (s *Store) load() error {
	doc, err := ReadDocument(s.cfg.Path)
	switch {
	case err == nil:
		s.current.Store(stateFromDocument(doc))
		s.logger.Info("loaded snapshot",
			zap.String("path", s.cfg.Path),
			zap.Int("subjects", len(doc.Subjects)),
			zap.Int("events", len(doc.Events)))
		return nil

	case errors.Is(err, ErrNoDocument):
		// fall through to seeding

	default:
		// Unparseable document: keep a copy for inspection, then reseed.
		backup := s.cfg.Path + ".corrupt." + s.opts.Clock().Format("20060102-150405")
		if renameErr := os.Rename(s.cfg.Path, backup); renameErr != nil {
			return fmt.Errorf("failed to set aside unreadable snapshot: %w", renameErr)
		}
		s.logger.Warn("snapshot unreadable, reseeding", zap.String("backup", backup), zap.Error(err))
	}

	if s.cfg.DisableSeed {
		s.current.Store(newState())
	} else {
		s.current.Store(stateFromDocument(SampleDocument(s.opts.Clock())))
		s.logger.Info("seeded sample data", zap.String("path", s.cfg.Path))
	}
	return s.save()
}

// Path returns the document location.
func (s *Store) Path() string { return s.cfg.Path }

// Document returns the current in-memory state in document form.
func (s *Store) Document() *Document {
	return s.current.Load().toDocument()
}

// mutate applies fn to a private copy of the state and publishes it when fn
// succeeds. The exclusive section is released on every path.
func (s *Store) mutate(ctx context.Context, fn func(next *state, now time.Time) error) error {
	if s.closed.Load() {
		return caerrors.New(caerrors.CodeStoreClosed, "snapshot store is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.current.Load().clone()
	if err := fn(next, s.opts.Clock()); err != nil {
		return err
	}
	s.current.Store(next)
	s.scheduleSave()
	return nil
}

// scheduleSave marks the state dirty and nudges the worker without blocking.
func (s *Store) scheduleSave() {
	s.dirty.Store(true)
	select {
	case s.saveChan <- struct{}{}:
	default:
	}
}

func (s *Store) saveWorker() {
	defer close(s.workerDone)

	timer := time.NewTimer(s.cfg.SaveDelay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-s.saveChan:
			timer.Reset(s.cfg.SaveDelay)
		case <-timer.C:
			if !s.dirty.Load() {
				continue
			}
			if err := s.save(); err != nil {
				s.logger.Error("error saving snapshot", zap.Error(err))
			}
		case <-s.shutdownChan:
			return
		}
	}
}

// save rewrites the document from the current state.
func (s *Store) save() error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	s.dirty.Store(false)
	doc := s.current.Load().toDocument()
	if err := atomicWriteFileJSON(s.cfg.Path, doc); err != nil {
		s.dirty.Store(true)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// Flush writes the current state synchronously.
func (s *Store) Flush() error {
	return s.save()
}

// Close stops the save worker and writes the final state.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.shutdownChan)
	<-s.workerDone
	return s.save()
}

func atomicWriteFileJSON(filePath string, data any) error {
	tempFile := filePath + ".tmp"
	f, err := os.Create(tempFile)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		f.Close()
		os.Remove(tempFile)
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempFile)
		return err
	}

	if err := f.Close(); err != nil {
		os.Remove(tempFile)
		return err
	}

	return os.Rename(tempFile, filePath)
}

// ===== Subjects =====

func (s *Store) FetchSubjects(ctx context.Context) ([]model.Subject, error) {
	st := s.current.Load()
	out := make([]model.Subject, 0, len(st.subjects))
	for _, subj := range st.subjects {
		out = append(out, subj)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetSubject(ctx context.Context, id string) (model.Subject, error) {
	subj, ok := s.current.Load().subjects[id]
	if !ok {
		return model.Subject{}, storage.NotFound("subject", id)
	}
	return subj, nil
}

func (s *Store) AddSubject(ctx context.Context, subj model.Subject) (model.Subject, error) {
	var out model.Subject
	err := s.mutate(ctx, func(next *state, now time.Time) error {
		prepared, err := storage.PrepareNewSubject(subj, now)
		if err != nil {
			return err
		}
		if _, exists := next.subjects[prepared.ID]; exists {
			return caerrors.Newf(caerrors.CodeStoreConflict, "subject %s already exists", prepared.ID)
		}
		next.subjects[prepared.ID] = prepared
		out = prepared
		return nil
	})
	return out, err
}

func (s *Store) UpdateSubject(ctx context.Context, subj model.Subject) (model.Subject, error) {
	var out model.Subject
	err := s.mutate(ctx, func(next *state, now time.Time) error {
		stored, ok := next.subjects[subj.ID]
		if !ok {
			return storage.NotFound("subject", subj.ID)
		}
		prepared, err := storage.PrepareSubjectUpdate(subj, stored, now)
		if err != nil {
			return err
		}
		next.subjects[prepared.ID] = prepared
		out = prepared
		return nil
	})
	return out, err
}

func (s *Store) DeleteSubject(ctx context.Context, id string) error {
	return s.mutate(ctx, func(next *state, now time.Time) error {
		if _, ok := next.subjects[id]; !ok {
			return storage.NotFound("subject", id)
		}
		for eventID, e := range next.events {
			if e.SubjectID == id {
				delete(next.events, eventID)
			}
		}
		for key := range next.predictions {
			if key.subjectID == id {
				delete(next.predictions, key)
			}
		}
		delete(next.subjects, id)
		return nil
	})
}

// ===== Events =====

func sortNewestFirst(events []model.Event) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].StartTime.Equal(events[j].StartTime) {
			return events[i].StartTime.After(events[j].StartTime)
		}
		return events[i].ID < events[j].ID
	})
}

func (s *Store) FetchEvents(ctx context.Context, subjectID string, from, to time.Time) ([]model.Event, error) {
	st := s.current.Load()
	out := []model.Event{}
	for _, e := range st.events {
		if e.SubjectID != subjectID {
			continue
		}
		if e.StartTime.Before(from) || !e.StartTime.Before(to) {
			continue
		}
		out = append(out, e.Clone())
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *Store) FetchEventsChangedSince(ctx context.Context, since time.Time) ([]model.Event, error) {
	st := s.current.Load()
	out := []model.Event{}
	for _, e := range st.events {
		if since.IsZero() || e.UpdatedAt.After(since) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (model.Event, error) {
	e, ok := s.current.Load().events[id]
	if !ok {
		return model.Event{}, storage.NotFound("event", id)
	}
	return e.Clone(), nil
}

func (s *Store) AddEvent(ctx context.Context, e model.Event) (model.Event, error) {
	var out model.Event
	err := s.mutate(ctx, func(next *state, now time.Time) error {
		prepared, err := storage.PrepareNewEvent(e, now)
		if err != nil {
			return err
		}
		if err := insertEvent(next, prepared); err != nil {
			return err
		}
		next.lastUsed[prepared.Type] = model.LastUsedFrom(prepared, now)
		out = prepared.Clone()
		return nil
	})
	return out, err
}

func insertEvent(next *state, e model.Event) error {
	if _, exists := next.events[e.ID]; exists {
		return caerrors.Newf(caerrors.CodeStoreConflict, "event %s already exists", e.ID)
	}
	if _, ok := next.subjects[e.SubjectID]; !ok {
		return storage.NotFound("subject", e.SubjectID)
	}
	if e.IsOpen() {
		if open, running := next.openSession(e.SubjectID); running {
			return storage.SessionAlreadyRunning(e.SubjectID, open)
		}
	}
	next.events[e.ID] = e
	return nil
}

func (s *Store) UpdateEvent(ctx context.Context, e model.Event) (model.Event, error) {
	var out model.Event
	err := s.mutate(ctx, func(next *state, now time.Time) error {
		stored, ok := next.events[e.ID]
		if !ok {
			return storage.NotFound("event", e.ID)
		}
		prepared, err := storage.PrepareEventUpdate(e, stored, now)
		if err != nil {
			return err
		}
		if prepared.IsOpen() {
			if open, running := next.openSession(prepared.SubjectID); running && open.ID != prepared.ID {
				return storage.SessionAlreadyRunning(prepared.SubjectID, open)
			}
		}
		next.events[prepared.ID] = prepared
		out = prepared.Clone()
		return nil
	})
	return out, err
}

func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	return s.mutate(ctx, func(next *state, now time.Time) error {
		if _, ok := next.events[id]; !ok {
			return storage.NotFound("event", id)
		}
		delete(next.events, id)
		return nil
	})
}

// ===== Active session =====

func (s *Store) GetActiveSession(ctx context.Context, subjectID string) (*model.Event, error) {
	open, ok := s.current.Load().openSession(subjectID)
	if !ok {
		return nil, nil
	}
	e := open.Clone()
	return &e, nil
}

func (s *Store) StartActiveSession(ctx context.Context, subjectID string) (model.Event, error) {
	var out model.Event
	err := s.mutate(ctx, func(next *state, now time.Time) error {
		if open, running := next.openSession(subjectID); running {
			if s.opts.SessionPolicy != storage.SessionReplace {
				return storage.SessionAlreadyRunning(subjectID, open)
			}
			next.events[open.ID] = storage.CloseSession(open, now)
		}
		session, err := storage.PrepareNewEvent(storage.NewSession(subjectID, now), now)
		if err != nil {
			return err
		}
		if err := insertEvent(next, session); err != nil {
			return err
		}
		out = session.Clone()
		return nil
	})
	return out, err
}

func (s *Store) StopActiveSession(ctx context.Context, subjectID string) (model.Event, error) {
	var out model.Event
	err := s.mutate(ctx, func(next *state, now time.Time) error {
		if open, running := next.openSession(subjectID); running {
			closed := storage.CloseSession(open, now)
			next.events[closed.ID] = closed
			out = closed.Clone()
			return nil
		}
		fallback, err := storage.PrepareNewEvent(storage.FallbackSession(subjectID, now), now)
		if err != nil {
			return err
		}
		if err := insertEvent(next, fallback); err != nil {
			return err
		}
		out = fallback.Clone()
		return nil
	})
	return out, err
}

// ===== Last used, predictions, settings =====

func (s *Store) GetLastUsed(ctx context.Context, typ model.EventType) (*model.LastUsedValues, error) {
	lu, ok := s.current.Load().lastUsed[typ]
	if !ok {
		return nil, nil
	}
	return &lu, nil
}

func (s *Store) SaveLastUsed(ctx context.Context, lu model.LastUsedValues) error {
	if err := model.ValidateLastUsed(&lu); err != nil {
		return err
	}
	return s.mutate(ctx, func(next *state, now time.Time) error {
		if lu.UpdatedAt.IsZero() {
			lu.UpdatedAt = now
		}
		next.lastUsed[lu.EventType] = lu
		return nil
	})
}

func (s *Store) GetPrediction(ctx context.Context, subjectID string, kind model.PredictionKind) (*model.Prediction, error) {
	p, ok := s.current.Load().predictions[predictionKey{subjectID, kind}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *Store) SavePrediction(ctx context.Context, p model.Prediction) error {
	if err := model.ValidatePrediction(&p); err != nil {
		return err
	}
	return s.mutate(ctx, func(next *state, now time.Time) error {
		if _, ok := next.subjects[p.SubjectID]; !ok {
			return storage.NotFound("subject", p.SubjectID)
		}
		p.UpdatedAt = now
		next.predictions[predictionKey{p.SubjectID, p.Kind}] = p
		return nil
	})
}

func (s *Store) GetSettings(ctx context.Context) (model.Settings, error) {
	st := s.current.Load()
	if st.settings == nil {
		return model.DefaultSettings(), nil
	}
	return st.settings.Clone(), nil
}

func (s *Store) SaveSettings(ctx context.Context, settings model.Settings) error {
	if err := model.ValidateSettings(&settings); err != nil {
		return err
	}
	return s.mutate(ctx, func(next *state, now time.Time) error {
		saved := settings.Clone()
		saved.UpdatedAt = now
		next.settings = &saved
		return nil
	})
}

func (s *Store) DeleteAllData(ctx context.Context) error {
	return s.mutate(ctx, func(next *state, now time.Time) error {
		settings := next.settings
		*next = *newState()
		next.settings = settings
		return nil
	})
}
