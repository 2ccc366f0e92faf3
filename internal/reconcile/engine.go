// Package reconcile keeps the local store and the remote record store in
// step.
//
// A sync cycle runs idle -> pushing -> pulling -> idle:
//  1. Push: every local event changed since the last successful cycle is
//     looked up remotely by id, in batches. Missing records are created,
//     and existing ones are resolved by updated_at (later wins, ties keep
//     the local copy).
//  2. Pull: remote events touched inside the trailing pull window are
//     inserted locally when absent and written through the store only when
//     the remote copy wins. Records with local mutations still waiting in
//     the offline queue are left alone until the queue has delivered them.
//
// Two devices may each start a session for the same subject. The session
// that started later is the running one: a local session that started
// earlier is closed at the remote start, and a remote session that started
// earlier is not inserted until its own device closes it.
//
// The engine never touches storage directly. Every local write goes through
// storage.Store so validation and session invariants hold.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	caerrors "github.com/nuzzle/caresync/internal/errors"
	"github.com/nuzzle/caresync/internal/model"
	"github.com/nuzzle/caresync/internal/remote"
	"github.com/nuzzle/caresync/internal/storage"
)

// State is the engine's position in a sync cycle.
type State int32

const (
	StateIdle State = iota
	StatePushing
	StatePulling
)

func (s State) String() string {
	switch s {
	case StatePushing:
		return "pushing"
	case StatePulling:
		return "pulling"
	default:
		return "idle"
	}
}

const (
	DefaultBatchSize  = 100
	DefaultPullWindow = 30 * 24 * time.Hour
	DefaultDeadline   = 2 * time.Minute
)

// Skip reasons reported in Report.SkipReason.
const (
	SkipInProgress = "in_progress"
	SkipDisabled   = "disabled"
	SkipOffline    = "offline"
)

// Config holds engine settings.
type Config struct {
	// FamilyID is stamped on pushed records.
	FamilyID string

	// BatchSize caps records per remote lookup and upload.
	BatchSize int

	// PullWindow bounds how far back the pull phase looks.
	PullWindow time.Duration

	// Deadline is the soft limit for one cycle. Batches not started before
	// it passes are deferred to the next cycle. Zero disables it.
	Deadline time.Duration

	// Clock defaults to the wall clock.
	Clock model.Clock

	// Online, when set, gates Sync. Offline cycles are skipped.
	Online func() bool

	// Pending, when set, reports whether a record still has local
	// mutations queued for the remote. Pull skips such records.
	Pending func(ctx context.Context, kind model.RecordKind, id string) (bool, error)

	// Observer receives one call per finished cycle.
	Observer Observer
}

// Observer is notified after each sync or migration.
type Observer interface {
	ObserveSync(r Report, err error, elapsed time.Duration)
}

// Observers fans one notification out to several observers.
type Observers []Observer

func (obs Observers) ObserveSync(r Report, err error, elapsed time.Duration) {
	for _, o := range obs {
		if o != nil {
			o.ObserveSync(r, err, elapsed)
		}
	}
}

// DefaultConfig returns the standard batch size, pull window and deadline.
func DefaultConfig() Config {
	return Config{
		BatchSize:  DefaultBatchSize,
		PullWindow: DefaultPullWindow,
		Deadline:   DefaultDeadline,
	}
}

// Report summarises one cycle.
type Report struct {
	Started       time.Time `json:"started"`
	Skipped       bool      `json:"skipped"`
	SkipReason    string    `json:"skip_reason,omitempty"`
	Pushed        int       `json:"pushed"`
	Pulled        int       `json:"pulled"`
	Conflicts     int       `json:"conflicts"`
	Batches       int       `json:"batches"`
	BatchFailures int       `json:"batch_failures"`
	Deferred      int       `json:"deferred"`
}

// Engine runs sync cycles between a local store and a remote API.
type Engine struct {
	store  storage.Store
	remote remote.API
	cfg    Config
	logger *zap.Logger

	state   atomic.Int32
	running atomic.Bool
	trigger chan struct{}

	mu      sync.Mutex
	last    Report
	lastErr error
	hasLast bool
}

// New creates an engine. Zero config fields take their defaults.
func New(store storage.Store, api remote.API, cfg Config, logger *zap.Logger) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PullWindow <= 0 {
		cfg.PullWindow = DefaultPullWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = model.SystemClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:   store,
		remote:  api,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "reconcile")),
		trigger: make(chan struct{}, 1),
	}
}

// State returns the current cycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// LastReport returns the most recent finished cycle, if any.
func (e *Engine) LastReport() (Report, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, e.hasLast
}

// LastError returns the error of the most recent finished cycle.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Sync runs one cycle. A cycle already in flight is not queued; the call
// returns a skipped report instead. Per-batch failures do not stop the
// cycle and are returned joined once it completes.
func (e *Engine) Sync(ctx context.Context) (Report, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Debug("sync already in progress, skipping")
		return Report{Skipped: true, SkipReason: SkipInProgress}, nil
	}
	defer e.running.Store(false)

	settings, err := e.store.GetSettings(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to read settings: %w", err)
	}
	if !settings.SyncEnabled {
		return Report{Skipped: true, SkipReason: SkipDisabled}, nil
	}
	if e.cfg.Online != nil && !e.cfg.Online() {
		return Report{Skipped: true, SkipReason: SkipOffline}, nil
	}

	var since time.Time
	if settings.LastSyncAt != nil {
		// Store change queries are exclusive, so step back one tick to keep
		// records stamped exactly at the watermark.
		since = settings.LastSyncAt.Add(-time.Nanosecond)
	}
	return e.cycle(ctx, since, true)
}

// Migrate pushes every local subject and event regardless of the
// watermark, then enables sync. It is used once when a local-only install
// gains a remote.
func (e *Engine) Migrate(ctx context.Context) (Report, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Report{Skipped: true, SkipReason: SkipInProgress}, nil
	}
	defer e.running.Store(false)

	report, err := e.cycle(ctx, time.Time{}, false)
	if err != nil {
		return report, err
	}

	settings, err := e.store.GetSettings(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to read settings: %w", err)
	}
	settings.SyncEnabled = true
	if err := e.store.SaveSettings(ctx, settings); err != nil {
		return report, fmt.Errorf("failed to enable sync: %w", err)
	}
	return report, nil
}

func (e *Engine) cycle(ctx context.Context, since time.Time, pull bool) (report Report, err error) {
	start := e.cfg.Clock()
	report.Started = start
	began := time.Now()
	defer func() {
		e.state.Store(int32(StateIdle))
		e.finish(report, err, time.Since(began))
	}()

	deadline := time.Time{}
	if e.cfg.Deadline > 0 {
		deadline = began.Add(e.cfg.Deadline)
	}

	e.logger.Info("sync started", zap.Time("since", since), zap.Bool("pull", pull))

	var errs []error
	e.state.Store(int32(StatePushing))
	if err := e.pushSubjects(ctx, since, &report); err != nil {
		errs = append(errs, err)
	}
	if err := e.pushEvents(ctx, since, deadline, &report); err != nil {
		errs = append(errs, err)
	}

	if pull {
		e.state.Store(int32(StatePulling))
		known, err := e.pullSubjects(ctx, &report)
		if err != nil {
			errs = append(errs, err)
		}
		if err := e.pullEvents(ctx, start, deadline, known, &report); err != nil {
			errs = append(errs, err)
		}
	}

	err = errors.Join(errs...)
	if err == nil && report.Deferred == 0 {
		if werr := e.advanceWatermark(ctx, start); werr != nil {
			err = werr
		}
	}

	fields := []zap.Field{
		zap.Int("pushed", report.Pushed),
		zap.Int("pulled", report.Pulled),
		zap.Int("conflicts", report.Conflicts),
		zap.Int("batches", report.Batches),
		zap.Int("batch_failures", report.BatchFailures),
		zap.Int("deferred", report.Deferred),
	}
	if err != nil {
		e.logger.Warn("sync finished with errors", append(fields, zap.Error(err))...)
	} else {
		e.logger.Info("sync complete", fields...)
	}
	return report, err
}

func (e *Engine) finish(report Report, err error, elapsed time.Duration) {
	e.mu.Lock()
	e.last, e.lastErr, e.hasLast = report, err, true
	e.mu.Unlock()
	if e.cfg.Observer != nil {
		e.cfg.Observer.ObserveSync(report, err, elapsed)
	}
}

func (e *Engine) advanceWatermark(ctx context.Context, at time.Time) error {
	settings, err := e.store.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}
	settings.LastSyncAt = model.Time(at)
	if err := e.store.SaveSettings(ctx, settings); err != nil {
		return fmt.Errorf("failed to save sync watermark: %w", err)
	}
	return nil
}

func pastDeadline(deadline time.Time) bool {
	return !deadline.IsZero() && time.Now().After(deadline)
}

func (e *Engine) pushSubjects(ctx context.Context, since time.Time, report *Report) error {
	subjects, err := e.store.FetchSubjects(ctx)
	if err != nil {
		return fmt.Errorf("failed to list local subjects: %w", err)
	}
	changed := make([]model.Subject, 0, len(subjects))
	for _, s := range subjects {
		if since.IsZero() || s.UpdatedAt.After(since) {
			changed = append(changed, s)
		}
	}
	if len(changed) == 0 {
		return nil
	}
	if err := e.pushSubjectBatch(ctx, changed, report); err != nil {
		return fmt.Errorf("push subjects: %w", err)
	}
	return nil
}

func (e *Engine) pushSubjectBatch(ctx context.Context, subjects []model.Subject, report *Report) error {
	ids := make([]string, len(subjects))
	for i, s := range subjects {
		ids[i] = s.ID
	}
	existing, err := e.remote.GetSubjects(ctx, ids)
	if err != nil {
		return err
	}

	var upload []remote.SubjectRecord
	var errs []error
	for _, s := range subjects {
		rec, ok := existing[s.ID]
		if !ok {
			upload = append(upload, remote.FromSubject(s, e.cfg.FamilyID))
			continue
		}
		if !rec.UpdatedAt.Equal(s.UpdatedAt) {
			report.Conflicts++
		}
		winner, side := ResolveSubject(s, rec)
		if side == Remote {
			if _, err := e.store.UpdateSubject(ctx, winner); err != nil {
				errs = append(errs, fmt.Errorf("apply remote subject %s: %w", s.ID, err))
			}
			continue
		}
		upload = append(upload, remote.FromSubject(winner, e.cfg.FamilyID))
	}
	if len(upload) > 0 {
		if err := e.remote.UpsertSubjects(ctx, upload); err != nil {
			return err
		}
		report.Pushed += len(upload)
	}
	return errors.Join(errs...)
}

func (e *Engine) pushEvents(ctx context.Context, since, deadline time.Time, report *Report) error {
	events, err := e.store.FetchEventsChangedSince(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to list changed events: %w", err)
	}

	var errs []error
	for i := 0; i < len(events); i += e.cfg.BatchSize {
		if ctx.Err() != nil {
			errs = append(errs, caerrors.Wrap(caerrors.CodeCanceled, "sync canceled", ctx.Err()))
			report.Deferred += len(events) - i
			break
		}
		if pastDeadline(deadline) {
			report.Deferred += len(events) - i
			e.logger.Info("sync deadline reached, deferring remaining push batches",
				zap.Int("deferred", len(events)-i))
			break
		}
		end := min(i+e.cfg.BatchSize, len(events))
		report.Batches++
		if err := e.pushEventBatch(ctx, events[i:end], report); err != nil {
			report.BatchFailures++
			errs = append(errs, fmt.Errorf("push batch %d-%d: %w", i, end, err))
			e.logger.Warn("push batch failed", zap.Int("from", i), zap.Int("to", end), zap.Error(err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) pushEventBatch(ctx context.Context, events []model.Event, report *Report) error {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	existing, err := e.remote.GetEvents(ctx, ids)
	if err != nil {
		return err
	}

	var upload []remote.EventRecord
	var errs []error
	for _, ev := range events {
		rec, ok := existing[ev.ID]
		if !ok {
			upload = append(upload, remote.FromEvent(ev, e.cfg.FamilyID))
			continue
		}
		if !rec.UpdatedAt.Equal(ev.UpdatedAt) {
			report.Conflicts++
		}
		winner, side := ResolveEvent(ev, rec)
		if side == Remote {
			if err := e.applyRemoteEvent(ctx, winner); err != nil {
				errs = append(errs, fmt.Errorf("apply remote event %s: %w", ev.ID, err))
			}
			continue
		}
		upload = append(upload, remote.FromEvent(winner, e.cfg.FamilyID))
	}
	if len(upload) > 0 {
		if err := e.remote.UpsertEvents(ctx, upload); err != nil {
			return err
		}
		report.Pushed += len(upload)
	}
	return errors.Join(errs...)
}

// applyRemoteEvent writes a remote winner through the store. Updates keep
// the incoming updated_at because it is newer than the stored one.
func (e *Engine) applyRemoteEvent(ctx context.Context, ev model.Event) error {
	_, err := e.store.UpdateEvent(ctx, ev)
	if caerrors.IsNotFound(err) {
		_, err = e.insertRemoteEvent(ctx, ev)
	}
	return err
}

// insertRemoteEvent adds a remote event locally. It reports false when the
// event was held back because a later local session is running.
func (e *Engine) insertRemoteEvent(ctx context.Context, ev model.Event) (bool, error) {
	_, err := e.store.AddEvent(ctx, ev)
	if !caerrors.IsSessionAlreadyRunning(err) {
		return err == nil, err
	}

	running, gerr := e.store.GetActiveSession(ctx, ev.SubjectID)
	if gerr != nil {
		return false, gerr
	}
	if running == nil {
		// Closed in the meantime.
		_, err = e.store.AddEvent(ctx, ev)
		return err == nil, err
	}
	if !ev.StartTime.After(running.StartTime) {
		e.logger.Info("holding back remote session that started before the local one",
			zap.String("event_id", ev.ID), zap.String("running_id", running.ID))
		return false, nil
	}

	closed := running.Clone()
	closed.EndTime = model.Time(ev.StartTime)
	if _, err := e.store.UpdateEvent(ctx, closed); err != nil {
		return false, fmt.Errorf("close local session %s: %w", running.ID, err)
	}
	e.logger.Info("closed local session superseded by a later remote one",
		zap.String("closed_id", running.ID), zap.String("event_id", ev.ID))
	_, err = e.store.AddEvent(ctx, ev)
	return err == nil, err
}

// pending reports whether the record has queued local mutations. Lookup
// failures count as pending so the record is retried next cycle.
func (e *Engine) pending(ctx context.Context, kind model.RecordKind, id string) (bool, error) {
	if e.cfg.Pending == nil {
		return false, nil
	}
	queued, err := e.cfg.Pending(ctx, kind, id)
	if err != nil {
		return true, fmt.Errorf("check queue for %s %s: %w", kind, id, err)
	}
	return queued, nil
}

// pullSubjects merges remote subjects and returns the ids present locally
// afterwards.
func (e *Engine) pullSubjects(ctx context.Context, report *Report) (map[string]bool, error) {
	local, err := e.store.FetchSubjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list local subjects: %w", err)
	}
	known := make(map[string]bool, len(local))
	byID := make(map[string]model.Subject, len(local))
	for _, s := range local {
		known[s.ID] = true
		byID[s.ID] = s
	}

	records, err := e.remote.Subjects(ctx)
	if err != nil {
		return known, fmt.Errorf("pull subjects: %w", err)
	}

	var errs []error
	for _, rec := range records {
		queued, err := e.pending(ctx, model.KindSubject, rec.ID)
		if err != nil {
			errs = append(errs, err)
		}
		if queued {
			e.logger.Debug("skipping remote subject with queued local changes", zap.String("subject_id", rec.ID))
			continue
		}
		stored, ok := byID[rec.ID]
		if !ok {
			if _, err := e.store.AddSubject(ctx, rec.Subject()); err != nil {
				errs = append(errs, fmt.Errorf("insert remote subject %s: %w", rec.ID, err))
				continue
			}
			known[rec.ID] = true
			report.Pulled++
			continue
		}
		if winner, side := ResolveSubject(stored, rec); side == Remote {
			if _, err := e.store.UpdateSubject(ctx, winner); err != nil {
				errs = append(errs, fmt.Errorf("apply remote subject %s: %w", rec.ID, err))
				continue
			}
			report.Pulled++
		}
	}
	return known, errors.Join(errs...)
}

func (e *Engine) pullEvents(ctx context.Context, now, deadline time.Time, known map[string]bool, report *Report) error {
	records, err := e.remote.EventsUpdatedSince(ctx, now.Add(-e.cfg.PullWindow))
	if err != nil {
		return fmt.Errorf("pull events: %w", err)
	}

	var errs []error
	for i := 0; i < len(records); i += e.cfg.BatchSize {
		if ctx.Err() != nil {
			errs = append(errs, caerrors.Wrap(caerrors.CodeCanceled, "sync canceled", ctx.Err()))
			report.Deferred += len(records) - i
			break
		}
		if pastDeadline(deadline) {
			report.Deferred += len(records) - i
			e.logger.Info("sync deadline reached, deferring remaining pull batches",
				zap.Int("deferred", len(records)-i))
			break
		}
		end := min(i+e.cfg.BatchSize, len(records))
		report.Batches++
		if err := e.pullEventBatch(ctx, records[i:end], known, report); err != nil {
			report.BatchFailures++
			errs = append(errs, fmt.Errorf("pull batch %d-%d: %w", i, end, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) pullEventBatch(ctx context.Context, records []remote.EventRecord, known map[string]bool, report *Report) error {
	var errs []error
	for _, rec := range records {
		if !known[rec.SubjectID] {
			e.logger.Debug("skipping remote event for unknown subject",
				zap.String("event_id", rec.ID), zap.String("subject_id", rec.SubjectID))
			continue
		}
		queued, err := e.pending(ctx, model.KindEvent, rec.ID)
		if err != nil {
			errs = append(errs, err)
		}
		if queued {
			e.logger.Debug("skipping remote event with queued local changes", zap.String("event_id", rec.ID))
			continue
		}
		local, err := e.store.GetEvent(ctx, rec.ID)
		switch {
		case caerrors.IsNotFound(err):
			inserted, err := e.insertRemoteEvent(ctx, rec.Event())
			if err != nil {
				errs = append(errs, fmt.Errorf("insert remote event %s: %w", rec.ID, err))
				continue
			}
			if inserted {
				report.Pulled++
			}
		case err != nil:
			errs = append(errs, fmt.Errorf("read local event %s: %w", rec.ID, err))
		default:
			winner, side := ResolveEvent(local, rec)
			if side == Local {
				continue
			}
			report.Conflicts++
			if _, err := e.store.UpdateEvent(ctx, winner); err != nil {
				errs = append(errs, fmt.Errorf("apply remote event %s: %w", rec.ID, err))
				continue
			}
			report.Pulled++
		}
	}
	return errors.Join(errs...)
}

// PushEvent pushes one event. When the remote copy is newer it is written
// locally instead and the call succeeds.
func (e *Engine) PushEvent(ctx context.Context, ev model.Event) error {
	existing, err := e.remote.GetEvents(ctx, []string{ev.ID})
	if err != nil {
		return err
	}
	if rec, ok := existing[ev.ID]; ok {
		if winner, side := ResolveEvent(ev, rec); side == Remote {
			e.logger.Debug("remote copy is newer, applying locally", zap.String("event_id", ev.ID))
			return e.applyRemoteEvent(ctx, winner)
		}
	}
	return e.remote.UpsertEvents(ctx, []remote.EventRecord{remote.FromEvent(ev, e.cfg.FamilyID)})
}

// PushSubject pushes one subject with the same rule as PushEvent.
func (e *Engine) PushSubject(ctx context.Context, s model.Subject) error {
	existing, err := e.remote.GetSubjects(ctx, []string{s.ID})
	if err != nil {
		return err
	}
	if rec, ok := existing[s.ID]; ok {
		if winner, side := ResolveSubject(s, rec); side == Remote {
			_, err := e.store.UpdateSubject(ctx, winner)
			if caerrors.IsNotFound(err) {
				return nil
			}
			return err
		}
	}
	return e.remote.UpsertSubjects(ctx, []remote.SubjectRecord{remote.FromSubject(s, e.cfg.FamilyID)})
}

// PushDelete removes a record remotely.
func (e *Engine) PushDelete(ctx context.Context, kind model.RecordKind, id string) error {
	switch kind {
	case model.KindEvent:
		return e.remote.DeleteEvent(ctx, id)
	case model.KindSubject:
		return e.remote.DeleteSubject(ctx, id)
	default:
		return caerrors.Newf(caerrors.CodeValidationFailed, "unknown record kind %q", kind)
	}
}

// Trigger requests a cycle from Run without blocking. Requests made while
// one is pending are merged.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run syncs immediately, then every interval and whenever Trigger is
// called, until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.runOnce(ctx)
		case <-e.trigger:
			e.runOnce(ctx)
		}
	}
}

func (e *Engine) runOnce(ctx context.Context) {
	if _, err := e.Sync(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn("periodic sync failed", zap.Error(err))
	}
}
