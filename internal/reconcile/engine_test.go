package reconcile

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	caerrors "github.com/nuzzle/caresync/internal/errors"
	"github.com/nuzzle/caresync/internal/model"
	"github.com/nuzzle/caresync/internal/remote"
	"github.com/nuzzle/caresync/internal/storage"
	"github.com/nuzzle/caresync/internal/storage/snapshot"
	"github.com/nuzzle/caresync/internal/testutil"
)

var epoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

const family = "fam-1"

type harness struct {
	store   *snapshot.Store
	remote  *remote.Memory
	clock   *testutil.ManualClock
	subject model.Subject
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := testutil.NewManualClock(epoch)
	store, err := snapshot.Open(snapshot.Config{
		Path:        filepath.Join(t.TempDir(), "caresync.json"),
		DisableSeed: true,
	}, storage.Options{Clock: clock.Now}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	settings, err := store.GetSettings(ctx)
	require.NoError(t, err)
	settings.SyncEnabled = true
	require.NoError(t, store.SaveSettings(ctx, settings))

	subject, err := store.AddSubject(ctx, model.NewSubject("Ada", epoch.AddDate(0, -2, 0), epoch))
	require.NoError(t, err)

	return &harness{store: store, remote: remote.NewMemory(family), clock: clock, subject: subject}
}

func (h *harness) engine(cfg Config) *Engine {
	cfg.FamilyID = family
	cfg.Clock = h.clock.Now
	return New(h.store, h.remote, cfg, nil)
}

func (h *harness) addFeed(t *testing.T, note string) model.Event {
	t.Helper()
	now := h.clock.Now()
	e := model.NewEvent(h.subject.ID, model.EventFeed, now.Add(-time.Hour), now)
	e.Subtype = "bottle"
	e.Amount = model.Float(120)
	e.Unit = "ml"
	e.Note = note
	added, err := h.store.AddEvent(context.Background(), e)
	require.NoError(t, err)
	return added
}

func (h *harness) watermark(t *testing.T) *time.Time {
	t.Helper()
	settings, err := h.store.GetSettings(context.Background())
	require.NoError(t, err)
	return settings.LastSyncAt
}

func TestResolve(t *testing.T) {
	t1 := epoch
	t2 := epoch.Add(time.Minute)

	tests := []struct {
		name   string
		local  time.Time
		remote time.Time
		want   Side
	}{
		{"remote later wins", t1, t2, Remote},
		{"local later wins", t2, t1, Local},
		{"tie keeps local", t1, t1, Local},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.local, tt.remote))
		})
	}
}

func TestResolveEventReturnsWinningCopy(t *testing.T) {
	local := model.NewEvent("s1", model.EventDiaper, epoch, epoch)
	local.Subtype = "wet"
	rec := remote.FromEvent(local, family)
	rec.Subtype = "dirty"

	rec.UpdatedAt = epoch.Add(time.Second)
	winner, side := ResolveEvent(local, rec)
	assert.Equal(t, Remote, side)
	assert.Equal(t, "dirty", winner.Subtype)

	rec.UpdatedAt = epoch
	winner, side = ResolveEvent(local, rec)
	assert.Equal(t, Local, side)
	assert.Equal(t, "wet", winner.Subtype)
}

func TestSyncPushesLocalChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.addFeed(t, "")
	}
	h.clock.Advance(time.Minute)

	e := h.engine(Config{})
	report, err := e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Pushed, "one subject and three events")
	assert.Equal(t, 3, h.remote.EventCount())
	assert.Equal(t, StateIdle, e.State())

	mark := h.watermark(t)
	require.NotNil(t, mark)
	assert.True(t, mark.Equal(epoch.Add(time.Minute)))

	// Only the edit made after the watermark goes out next time.
	h.clock.Advance(time.Minute)
	edited := h.addFeed(t, "late")
	report, err = e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pushed)
	rec, ok := h.remote.Event(edited.ID)
	require.True(t, ok)
	assert.Equal(t, "late", rec.Note)
	assert.Equal(t, family, rec.FamilyID)

	last, ok := e.LastReport()
	require.True(t, ok)
	assert.Equal(t, report, last)
	assert.NoError(t, e.LastError())
}

func TestSyncConflictResolution(t *testing.T) {
	tests := []struct {
		name       string
		remoteSkew time.Duration
		wantNote   string
	}{
		{"remote newer wins locally", time.Hour, "remote"},
		{"local newer overwrites remote", -time.Hour, "local"},
		{"tie keeps local", 0, "local"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			local := h.addFeed(t, "local")

			rec := remote.FromEvent(local, family)
			rec.Note = "remote"
			rec.UpdatedAt = local.UpdatedAt.Add(tt.remoteSkew)
			h.remote.PutEvent(rec)

			_, err := h.engine(Config{}).Sync(ctx)
			require.NoError(t, err)

			stored, err := h.store.GetEvent(ctx, local.ID)
			require.NoError(t, err)
			remoteCopy, ok := h.remote.Event(local.ID)
			require.True(t, ok)

			assert.Equal(t, tt.wantNote, stored.Note)
			assert.Equal(t, tt.wantNote, remoteCopy.Note)
			want := local.UpdatedAt
			if tt.remoteSkew > 0 {
				want = rec.UpdatedAt
			}
			assert.True(t, stored.UpdatedAt.Equal(want), "winner keeps its timestamp, got %s", stored.UpdatedAt)
		})
	}
}

func TestPullInsertsRemoteRecordsInsideWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sibling := remote.SubjectRecord{
		ID: "sibling", Name: "Bo", DateOfBirth: epoch.AddDate(-1, 0, 0),
		Timezone: "UTC", CreatedAt: epoch, UpdatedAt: epoch,
	}
	h.remote.PutSubject(sibling)

	recent := remote.FromEvent(model.NewEvent("sibling", model.EventDiaper, epoch.Add(-time.Hour), epoch), family)
	recent.Subtype = "wet"
	h.remote.PutEvent(recent)

	stale := remote.FromEvent(model.NewEvent("sibling", model.EventDiaper, epoch.AddDate(0, 0, -40), epoch.AddDate(0, 0, -40)), family)
	stale.Subtype = "dirty"
	h.remote.PutEvent(stale)

	orphan := remote.FromEvent(model.NewEvent("nobody", model.EventDiaper, epoch, epoch), family)
	orphan.Subtype = "wet"
	h.remote.PutEvent(orphan)

	report, err := h.engine(Config{}).Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Pulled, "subject and recent event")

	_, err = h.store.GetSubject(ctx, "sibling")
	require.NoError(t, err)
	got, err := h.store.GetEvent(ctx, recent.ID)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(recent.UpdatedAt))

	_, err = h.store.GetEvent(ctx, stale.ID)
	assert.Error(t, err, "records outside the pull window stay remote")
	_, err = h.store.GetEvent(ctx, orphan.ID)
	assert.Error(t, err, "events for unknown subjects are skipped")
}

func TestPullClosesEarlierLocalSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	mine, err := h.store.StartActiveSession(ctx, h.subject.ID)
	require.NoError(t, err)
	h.clock.Advance(10 * time.Minute)
	theirs := remote.FromEvent(storage.NewSession(h.subject.ID, h.clock.Now()), family)
	h.remote.PutEvent(theirs)
	h.clock.Advance(time.Minute)

	report, err := h.engine(Config{}).Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pulled)
	assert.NotNil(t, h.watermark(t), "cycle completes cleanly")

	running, err := h.store.GetActiveSession(ctx, h.subject.ID)
	require.NoError(t, err)
	require.NotNil(t, running)
	assert.Equal(t, theirs.ID, running.ID)

	closed, err := h.store.GetEvent(ctx, mine.ID)
	require.NoError(t, err)
	require.NotNil(t, closed.EndTime)
	assert.True(t, closed.EndTime.Equal(theirs.StartTime))

	// The closed copy reaches the remote on the next cycle.
	h.clock.Advance(time.Minute)
	_, err = h.engine(Config{}).Sync(ctx)
	require.NoError(t, err)
	rec, ok := h.remote.Event(mine.ID)
	require.True(t, ok)
	assert.NotNil(t, rec.EndTime)
}

func TestPullHoldsBackEarlierRemoteSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	theirs := remote.FromEvent(storage.NewSession(h.subject.ID, h.clock.Now()), family)
	h.remote.PutEvent(theirs)
	h.clock.Advance(10 * time.Minute)
	mine, err := h.store.StartActiveSession(ctx, h.subject.ID)
	require.NoError(t, err)
	h.clock.Advance(time.Minute)

	report, err := h.engine(Config{}).Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Pulled)
	assert.NotNil(t, h.watermark(t), "cycle completes cleanly")

	running, err := h.store.GetActiveSession(ctx, h.subject.ID)
	require.NoError(t, err)
	require.NotNil(t, running)
	assert.Equal(t, mine.ID, running.ID)
	_, err = h.store.GetEvent(ctx, theirs.ID)
	assert.True(t, caerrors.IsNotFound(err))

	// Once the other device closes it, the session is pulled.
	h.clock.Advance(time.Minute)
	theirs.EndTime = model.Time(mine.StartTime)
	theirs.UpdatedAt = h.clock.Now()
	h.remote.PutEvent(theirs)
	report, err = h.engine(Config{}).Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pulled)
	_, err = h.store.GetEvent(ctx, theirs.ID)
	assert.NoError(t, err)
}

func TestPullLeavesLocalWinnerUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	local := h.addFeed(t, "mine")

	older := remote.FromEvent(local, family)
	older.Note = "theirs"
	older.UpdatedAt = local.UpdatedAt.Add(-time.Minute)
	h.remote.PutEvent(older)

	h.clock.Advance(time.Hour)
	report, err := h.engine(Config{}).Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Pulled)

	stored, err := h.store.GetEvent(ctx, local.ID)
	require.NoError(t, err)
	assert.True(t, stored.UpdatedAt.Equal(local.UpdatedAt), "no redundant local write")
	assert.Equal(t, "mine", stored.Note)
}

func TestFailedBatchKeepsEarlierProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		h.addFeed(t, "")
	}
	h.remote.FailNext(1, nil, "upsert_events")

	e := h.engine(Config{BatchSize: 2})
	report, err := e.Sync(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, report.BatchFailures)
	assert.Equal(t, 3, h.remote.EventCount(), "later batches still land")
	assert.Nil(t, h.watermark(t), "failed cycle keeps the old watermark")

	_, err = e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, h.remote.EventCount())
	assert.NotNil(t, h.watermark(t))
}

func TestRemoteUnavailableSurfacesOnce(t *testing.T) {
	h := newHarness(t)
	h.addFeed(t, "")
	h.remote.SetOffline(true)

	report, err := h.engine(Config{}).Sync(context.Background())
	require.Error(t, err)
	assert.Zero(t, report.Pushed)
	assert.Nil(t, h.watermark(t))
}

// gatedRemote blocks subject lookups until released.
type gatedRemote struct {
	*remote.Memory
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRemote) GetSubjects(ctx context.Context, ids []string) (map[string]remote.SubjectRecord, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Memory.GetSubjects(ctx, ids)
}

func TestSyncInFlightIsSkipped(t *testing.T) {
	h := newHarness(t)
	gate := &gatedRemote{Memory: h.remote, entered: make(chan struct{}, 1), release: make(chan struct{})}
	e := New(h.store, gate, Config{FamilyID: family, Clock: h.clock.Now}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := e.Sync(context.Background())
		done <- err
	}()
	<-gate.entered
	assert.Equal(t, StatePushing, e.State())

	report, err := e.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, SkipInProgress, report.SkipReason)

	close(gate.release)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, e.State())
}

func TestSyncGates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	online := false
	e := New(h.store, h.remote, Config{Clock: h.clock.Now, Online: func() bool { return online }}, nil)
	report, err := e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, SkipOffline, report.SkipReason)

	settings, err := h.store.GetSettings(ctx)
	require.NoError(t, err)
	settings.SyncEnabled = false
	require.NoError(t, h.store.SaveSettings(ctx, settings))
	online = true

	report, err = e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, SkipDisabled, report.SkipReason)
	assert.Zero(t, h.remote.Requests())
}

// slowRemote delays every event lookup.
type slowRemote struct {
	*remote.Memory
	delay time.Duration
}

func (s *slowRemote) GetEvents(ctx context.Context, ids []string) (map[string]remote.EventRecord, error) {
	time.Sleep(s.delay)
	return s.Memory.GetEvents(ctx, ids)
}

func TestDeadlineDefersRemainingBatches(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.addFeed(t, "")
	}
	slow := &slowRemote{Memory: h.remote, delay: 80 * time.Millisecond}
	e := New(h.store, slow, Config{FamilyID: family, Clock: h.clock.Now, BatchSize: 1, Deadline: 40 * time.Millisecond}, nil)

	report, err := e.Sync(context.Background())
	require.NoError(t, err, "deferral is not a failure")
	assert.Equal(t, 1, h.remote.EventCount())
	assert.Equal(t, 3, report.Deferred, "two push records and one pull record")
	assert.Nil(t, h.watermark(t))
}

func TestMigratePushesEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		h.addFeed(t, "")
	}

	settings, err := h.store.GetSettings(ctx)
	require.NoError(t, err)
	settings.SyncEnabled = false
	settings.LastSyncAt = model.Time(epoch.Add(time.Hour))
	require.NoError(t, h.store.SaveSettings(ctx, settings))

	report, err := h.engine(Config{}).Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Pushed)
	assert.Equal(t, 4, h.remote.EventCount())

	settings, err = h.store.GetSettings(ctx)
	require.NoError(t, err)
	assert.True(t, settings.SyncEnabled)
}

func TestPushPrimitives(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.engine(Config{})

	require.NoError(t, e.PushSubject(ctx, h.subject))
	ev := h.addFeed(t, "first")
	require.NoError(t, e.PushEvent(ctx, ev))
	rec, ok := h.remote.Event(ev.ID)
	require.True(t, ok)
	assert.Equal(t, "first", rec.Note)

	// A stale local copy does not overwrite a newer remote one.
	newer := rec
	newer.Note = "other device"
	newer.UpdatedAt = ev.UpdatedAt.Add(time.Minute)
	h.remote.PutEvent(newer)
	require.NoError(t, e.PushEvent(ctx, ev))
	rec, _ = h.remote.Event(ev.ID)
	assert.Equal(t, "other device", rec.Note)
	stored, err := h.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "other device", stored.Note)

	require.NoError(t, e.PushDelete(ctx, model.KindEvent, ev.ID))
	_, ok = h.remote.Event(ev.ID)
	assert.False(t, ok)

	require.NoError(t, e.PushDelete(ctx, model.KindSubject, h.subject.ID))
	subjects, err := h.remote.Subjects(ctx)
	require.NoError(t, err)
	assert.Empty(t, subjects)

	assert.Error(t, e.PushDelete(ctx, model.RecordKind("prediction"), "x"))
}

type countingObserver struct {
	mu    sync.Mutex
	calls int
}

func (c *countingObserver) ObserveSync(Report, error, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
}

func (c *countingObserver) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestRunSyncsOnStartAndTrigger(t *testing.T) {
	h := newHarness(t)
	obs := &countingObserver{}
	e := New(h.store, h.remote, Config{Clock: h.clock.Now, Observer: obs}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var stopped atomic.Bool
	go func() {
		_ = e.Run(ctx, time.Hour)
		stopped.Store(true)
	}()

	require.Eventually(t, func() bool { return obs.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	e.Trigger()
	require.Eventually(t, func() bool { return obs.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, stopped.Load, 2*time.Second, 10*time.Millisecond)
}
