package managed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	caerrors "github.com/nuzzle/caresync/internal/errors"
	"github.com/nuzzle/caresync/internal/model"
	"github.com/nuzzle/caresync/internal/storage"
	"github.com/nuzzle/caresync/internal/storage/storetest"
	"github.com/nuzzle/caresync/internal/testutil"
)

func setupTestStore(t *testing.T, cfg Config, opts storage.Options) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "nuzzle.db")
	}
	s, err := Open(cfg, opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func readyStore(t *testing.T, opts storage.Options) *Store {
	t.Helper()
	s := setupTestStore(t, Config{}, opts)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.WaitReady(ctx))
	return s
}

// gatedOpen holds the opener until the returned release func is called.
func gatedOpen(t *testing.T) (func(), func()) {
	gate := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	return func() { <-gate }, release
}

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, opts storage.Options) storage.Store {
		return readyStore(t, opts)
	})
}

func TestReadiness_NotReadyWithinBound(t *testing.T) {
	hold, release := gatedOpen(t)
	s := setupTestStore(t, Config{
		ReadyWait:  100 * time.Millisecond,
		ReadyPoll:  10 * time.Millisecond,
		OpTimeout:  2 * time.Second,
		beforeOpen: hold,
	}, storage.Options{})
	t.Cleanup(release)

	start := time.Now()
	_, err := s.FetchSubjects(context.Background())
	require.Error(t, err)
	assert.Equal(t, caerrors.CodeStoreNotReady, caerrors.GetCode(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, caerrors.IsRetryable(err))
}

func TestReadiness_DefaultBoundsReportNotReady(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the default readiness bound")
	}
	hold, release := gatedOpen(t)
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "nuzzle.db"))
	cfg.beforeOpen = hold
	s := setupTestStore(t, cfg, storage.Options{})
	t.Cleanup(release)

	// Readiness would flip at 6s, past both default bounds.
	go func() {
		time.Sleep(6 * time.Second)
		release()
	}()

	start := time.Now()
	_, err := s.FetchSubjects(context.Background())
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.Equal(t, caerrors.CodeStoreNotReady, caerrors.GetCode(err))
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
	assert.Less(t, elapsed, 5*time.Second)
}

// The readiness flag stays false longer than the operation bound, so the
// caller gets a timeout rather than waiting on the readiness poll.
func TestReadiness_TimeoutWhenReadinessOutlastsBound(t *testing.T) {
	hold, release := gatedOpen(t)
	s := setupTestStore(t, Config{
		ReadyWait:  3 * time.Second,
		ReadyPoll:  10 * time.Millisecond,
		OpTimeout:  250 * time.Millisecond,
		beforeOpen: hold,
	}, storage.Options{})
	t.Cleanup(release)

	// Readiness flips only after 3x the operation timeout.
	go func() {
		time.Sleep(750 * time.Millisecond)
		release()
	}()

	start := time.Now()
	_, err := s.FetchSubjects(context.Background())
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.Equal(t, caerrors.CodeStoreTimeout, caerrors.GetCode(err))
	assert.Less(t, elapsed, 700*time.Millisecond, "operation must fail at its bound, not hang")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitReady(ctx))
	_, err = s.FetchSubjects(context.Background())
	assert.NoError(t, err, "store works once ready")
}

func TestPerform_StalledWorkTimesOutAndReleasesWriter(t *testing.T) {
	s := readyStore(t, storage.Options{})
	s.cfg.OpTimeout = 100 * time.Millisecond

	_, err := perform(context.Background(), s, "stall", true, func(ctx context.Context, q querier) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.Equal(t, caerrors.CodeStoreTimeout, caerrors.GetCode(err))

	// The writer context is free again.
	s.cfg.OpTimeout = 5 * time.Second
	_, err = s.AddSubject(context.Background(), model.NewSubject("Ada", time.Now().AddDate(0, -1, 0), time.Now()))
	assert.NoError(t, err)
}

func TestPerform_TimedOutWriteDoesNotCommit(t *testing.T) {
	s := readyStore(t, storage.Options{})
	s.cfg.OpTimeout = 100 * time.Millisecond

	subject := model.NewSubject("Ada", time.Now().AddDate(0, -1, 0), time.Now())
	_, err := perform(context.Background(), s, "slow_insert", true, func(ctx context.Context, q querier) (struct{}, error) {
		if err := writeSubject(ctx, q, subject); err != nil {
			return struct{}{}, err
		}
		<-ctx.Done()
		return struct{}{}, ctx.Err()
	})
	assert.Equal(t, caerrors.CodeStoreTimeout, caerrors.GetCode(err))

	s.cfg.OpTimeout = 5 * time.Second
	_, err = s.GetSubject(context.Background(), subject.ID)
	assert.True(t, caerrors.IsNotFound(err), "timed out transaction must roll back, got %v", err)
}

func TestPerform_CallerCancellation(t *testing.T) {
	s := readyStore(t, storage.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := perform(ctx, s, "wait", true, func(ctx context.Context, q querier) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	_, err = s.FetchSubjects(context.Background())
	assert.NoError(t, err)
}

func TestUnitOfWork_RollsBackOnError(t *testing.T) {
	s := readyStore(t, storage.Options{})
	ctx := context.Background()

	subject, err := s.AddSubject(ctx, model.NewSubject("Ada", time.Now().AddDate(0, -1, 0), time.Now()))
	require.NoError(t, err)
	e, err := s.AddEvent(ctx, model.NewEvent(subject.ID, model.EventDiaper, time.Now(), time.Now()))
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.UnitOfWork(ctx, "partial", func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE subject_id = ?`, subject.ID); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetEvent(ctx, e.ID)
	assert.NoError(t, err, "events deleted inside a failed unit of work come back")
}

func TestFetchEvents_RangeCap(t *testing.T) {
	clock := testutil.NewManualClock(storetest.Epoch)
	s := setupTestStore(t, Config{RangeCap: 5}, storage.Options{Clock: clock.Now})
	ctx := context.Background()
	require.NoError(t, s.WaitReady(ctx))

	subject, err := s.AddSubject(ctx, model.NewSubject("Ada", storetest.Epoch.AddDate(0, -1, 0), storetest.Epoch))
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		_, err := s.AddEvent(ctx, model.NewEvent(subject.ID, model.EventDiaper, storetest.Epoch.Add(-time.Duration(i)*time.Minute), storetest.Epoch))
		require.NoError(t, err)
	}

	events, err := s.FetchEvents(ctx, subject.ID, storetest.Epoch.Add(-time.Hour), storetest.Epoch.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.True(t, events[0].StartTime.Equal(storetest.Epoch), "cap keeps the newest events")
}

func TestConcurrentWritesAreSerialized(t *testing.T) {
	s := readyStore(t, storage.Options{})
	ctx := context.Background()

	subject, err := s.AddSubject(ctx, model.NewSubject("Ada", time.Now().AddDate(0, -1, 0), time.Now()))
	require.NoError(t, err)

	const workers, perWorker = 10, 15
	var wg sync.WaitGroup
	errChan := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				e := model.NewEvent(subject.ID, model.EventFeed, time.Now().Add(-time.Hour), time.Now())
				e.Subtype = "bottle"
				e.Amount = model.Float(float64(10*w + i + 1))
				if _, err := s.AddEvent(ctx, e); err != nil {
					errChan <- fmt.Errorf("worker %d: %w", w, err)
				}
			}
		}(w)
	}
	wg.Wait()
	close(errChan)
	for err := range errChan {
		t.Error(err)
	}

	all, err := s.FetchEventsChangedSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, workers*perWorker)
}

func TestImport(t *testing.T) {
	s := readyStore(t, storage.Options{})
	ctx := context.Background()

	now := storetest.Epoch
	subject := model.NewSubject("Ada", now.AddDate(0, -1, 0), now)
	e := model.NewEvent(subject.ID, model.EventSleep, now.Add(-time.Hour), now)
	e.EndTime = model.Time(now)
	settings := model.DefaultSettings()
	settings.Units = "imperial"

	ds := &storage.Dataset{
		Subjects:    []model.Subject{subject},
		Events:      []model.Event{e},
		Predictions: []model.Prediction{{SubjectID: subject.ID, Kind: model.PredictionNextFeed, PredictedTime: now, Confidence: 0.5, UpdatedAt: now}},
		Settings:    &settings,
		LastUsed:    map[model.EventType]model.LastUsedValues{model.EventSleep: {EventType: model.EventSleep, UpdatedAt: now}},
	}
	require.NoError(t, s.Import(ctx, ds))

	got, err := s.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(now), "import keeps original timestamps")
	assert.Equal(t, 60, got.DurationMinutes())

	gotSettings, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "imperial", gotSettings.Units)

	// Importing again is idempotent.
	require.NoError(t, s.Import(ctx, ds))
	all, err := s.FetchEventsChangedSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestClose_RejectsLaterOperations(t *testing.T) {
	s := readyStore(t, storage.Options{})
	require.NoError(t, s.Close())

	_, err := s.FetchSubjects(context.Background())
	assert.Equal(t, caerrors.CodeStoreClosed, caerrors.GetCode(err))
	assert.NoError(t, s.Close(), "Close is idempotent")
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nuzzle.db")
	ctx := context.Background()

	first, err := Open(Config{Path: path}, storage.Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, first.WaitReady(ctx))
	subject, err := first.AddSubject(ctx, model.NewSubject("Ada", time.Now().AddDate(0, -1, 0), time.Now()))
	require.NoError(t, err)
	_, err = first.StartActiveSession(ctx, subject.ID)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := setupTestStore(t, Config{Path: path}, storage.Options{})
	require.NoError(t, second.WaitReady(ctx))
	active, err := second.GetActiveSession(ctx, subject.ID)
	require.NoError(t, err)
	require.NotNil(t, active, "open session is reconstructed after restart")
}
