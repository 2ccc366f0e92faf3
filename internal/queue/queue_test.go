package queue

import (
	"context"
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
	"github.com/nuzzle/caresync/internal/netmon"
	"github.com/nuzzle/caresync/internal/reconcile"
	"github.com/nuzzle/caresync/internal/remote"
	"github.com/nuzzle/caresync/internal/storage"
	"github.com/nuzzle/caresync/internal/storage/snapshot"
	"github.com/nuzzle/caresync/internal/testutil"
)

var epoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// recordingPusher logs pushes and fails records listed in failing.
type recordingPusher struct {
	mu      sync.Mutex
	pushed  []string
	failing map[string]error
}

func (p *recordingPusher) push(id, label string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failing[id]; ok {
		delete(p.failing, id)
		return err
	}
	p.pushed = append(p.pushed, label)
	return nil
}

func (p *recordingPusher) PushEvent(ctx context.Context, e model.Event) error {
	return p.push(e.ID, e.ID+":"+e.Note)
}

func (p *recordingPusher) PushSubject(ctx context.Context, s model.Subject) error {
	return p.push(s.ID, s.ID+":"+s.Name)
}

func (p *recordingPusher) PushDelete(ctx context.Context, kind model.RecordKind, id string) error {
	return p.push(id, id+":deleted")
}

func (p *recordingPusher) log() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.pushed...)
}

func openQueue(t *testing.T, path string, pusher Pusher) *Queue {
	t.Helper()
	q, err := Open(context.Background(), Config{Path: path}, pusher, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func note(id, text string) model.Event {
	e := model.NewEvent("s1", model.EventDiaper, epoch, epoch)
	e.ID = id
	e.Subtype = "wet"
	e.Note = text
	return e
}

func TestEntriesAreDurableAndOrdered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	q, err := Open(ctx, Config{Path: path}, &recordingPusher{}, nil)
	require.NoError(t, err)
	_, err = q.EnqueueEvent(ctx, note("e1", "one"))
	require.NoError(t, err)
	_, err = q.EnqueueDelete(ctx, model.KindEvent, "e2")
	require.NoError(t, err)
	_, err = q.EnqueueSubject(ctx, model.Subject{ID: "s1", Name: "Ada"})
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q = openQueue(t, path, &recordingPusher{})
	entries, err := q.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, OpUpsertEvent, entries[0].Op)
	assert.Equal(t, OpDeleteEvent, entries[1].Op)
	assert.Nil(t, entries[1].Payload)
	assert.Equal(t, OpUpsertSubject, entries[2].Op)
	assert.Equal(t, model.KindSubject, entries[2].Kind)
	assert.Less(t, entries[0].Seq, entries[1].Seq)

	n, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = q.PendingFor(ctx, model.KindEvent, "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = q.Enqueue(ctx, OpDeleteEvent, model.KindEvent, "", nil)
	assert.True(t, caerrors.IsValidation(err))
}

func TestDrainPreservesPerRecordOrder(t *testing.T) {
	ctx := context.Background()
	pusher := &recordingPusher{}
	q := openQueue(t, filepath.Join(t.TempDir(), "queue.db"), pusher)

	for i := 1; i <= 3; i++ {
		_, err := q.EnqueueEvent(ctx, note("a", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		_, err = q.EnqueueEvent(ctx, note("b", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	result, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Pushed: 6}, result)

	var a, b []string
	for _, label := range pusher.log() {
		switch label[0] {
		case 'a':
			a = append(a, label)
		case 'b':
			b = append(b, label)
		}
	}
	assert.Equal(t, []string{"a:m1", "a:m2", "a:m3"}, a)
	assert.Equal(t, []string{"b:m1", "b:m2", "b:m3"}, b)
}

func TestFailedHeadBlocksOnlyItsRecord(t *testing.T) {
	ctx := context.Background()
	pusher := &recordingPusher{failing: map[string]error{
		"a": remote.Unavailable("upsert_events", errors.New("connection reset")),
	}}
	q := openQueue(t, filepath.Join(t.TempDir(), "queue.db"), pusher)

	for _, e := range []model.Event{note("a", "1"), note("b", "1"), note("a", "2"), note("b", "2")} {
		_, err := q.EnqueueEvent(ctx, e)
		require.NoError(t, err)
	}

	result, err := q.Drain(ctx)
	require.Error(t, err)
	assert.True(t, caerrors.HasCode(err, caerrors.CodeQueueEntryFailed))
	assert.Equal(t, DrainResult{Pushed: 2, Failed: 1, Blocked: 1, Remaining: 2}, result)
	assert.Equal(t, []string{"b:1", "b:2"}, pusher.log())

	entries, err := q.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].RecordID)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Contains(t, entries[0].LastError, "connection reset")
	assert.Zero(t, entries[1].Attempts, "blocked entry was not attempted")

	result, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Pushed)
	assert.Equal(t, []string{"b:1", "b:2", "a:1", "a:2"}, pusher.log())
}

func TestWatchReportsPendingCount(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, filepath.Join(t.TempDir(), "queue.db"), &recordingPusher{})
	counts, stop := q.Watch()
	defer stop()

	_, err := q.EnqueueEvent(ctx, note("a", "1"))
	require.NoError(t, err)
	_, err = q.EnqueueEvent(ctx, note("b", "1"))
	require.NoError(t, err)
	assert.Equal(t, 2, <-counts, "only the latest count is kept")

	_, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, <-counts)
}

// syncHarness wires a snapshot store, the reconcile engine over a memory
// remote, the queue and a monitor.
type syncHarness struct {
	store   *Syncing
	local   storage.Store
	remote  *remote.Memory
	queue   *Queue
	engine  *reconcile.Engine
	monitor *netmon.Monitor
	clock   *testutil.ManualClock
	subject model.Subject
}

func newSyncHarness(t *testing.T) *syncHarness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	clock := testutil.NewManualClock(epoch)

	local, err := snapshot.Open(snapshot.Config{Path: filepath.Join(dir, "caresync.json"), DisableSeed: true},
		storage.Options{Clock: clock.Now}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	mem := remote.NewMemory("fam-1")
	var q *Queue
	engine := reconcile.New(local, mem, reconcile.Config{
		FamilyID: "fam-1",
		Clock:    clock.Now,
		Pending: func(ctx context.Context, kind model.RecordKind, id string) (bool, error) {
			return q.Holds(ctx, kind, id)
		},
	}, nil)
	q = openQueue(t, filepath.Join(dir, "queue.db"), engine)
	mon := netmon.New(netmon.Offline, nil)

	subject, err := local.AddSubject(ctx, model.NewSubject("Ada", epoch.AddDate(0, -2, 0), epoch))
	require.NoError(t, err)

	return &syncHarness{
		store:   NewSyncing(local, q, engine, mon.Connected, nil),
		local:   local,
		remote:  mem,
		queue:   q,
		engine:  engine,
		monitor: mon,
		clock:   clock,
		subject: subject,
	}
}

func (h *syncHarness) feed(t *testing.T, amount float64) model.Event {
	t.Helper()
	e := model.NewEvent(h.subject.ID, model.EventFeed, h.clock.Now(), h.clock.Now())
	e.Subtype = "bottle"
	e.Amount = model.Float(amount)
	e.Unit = "ml"
	added, err := h.store.AddEvent(context.Background(), e)
	require.NoError(t, err)
	return added
}

func TestOfflineWritesDrainOnReconnect(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.feed(t, float64(60+i*10))
	}
	n, err := h.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Zero(t, h.remote.EventCount())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = h.queue.Run(runCtx, h.monitor) }()

	h.monitor.Set(netmon.Status{Connected: true, Interface: netmon.InterfaceWiFi})
	require.Eventually(t, func() bool {
		n, err := h.queue.Pending(ctx)
		return err == nil && n == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, h.remote.EventCount())
}

func TestQueuedEditsReachRemoteInOrder(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()

	e := h.feed(t, 90)
	for _, text := range []string{"m2", "m3"} {
		h.clock.Advance(time.Minute)
		e.Note = text
		var err error
		e, err = h.store.UpdateEvent(ctx, e)
		require.NoError(t, err)
	}

	h.monitor.Set(netmon.Status{Connected: true})
	_, err := h.queue.Drain(ctx)
	require.NoError(t, err)

	var notes []string
	for _, c := range h.remote.Calls() {
		if c.RecordID == e.ID && c.Record != nil {
			notes = append(notes, c.Record.Note)
		}
	}
	assert.Equal(t, []string{"", "m2", "m3"}, notes)
	rec, ok := h.remote.Event(e.ID)
	require.True(t, ok)
	assert.Equal(t, "m3", rec.Note)
}

func TestSyncingPushesInlineWhenOnline(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()
	h.monitor.Set(netmon.Status{Connected: true})

	e := h.feed(t, 120)
	_, ok := h.remote.Event(e.ID)
	assert.True(t, ok)

	require.NoError(t, h.store.DeleteEvent(ctx, e.ID))
	_, ok = h.remote.Event(e.ID)
	assert.False(t, ok)

	n, err := h.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncingFallsBackToQueue(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()
	h.monitor.Set(netmon.Status{Connected: true})

	h.remote.FailNext(1, nil)
	e := h.feed(t, 120)
	n, err := h.queue.PendingFor(ctx, model.KindEvent, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "unavailable remote falls back to the queue")

	h.remote.FailNext(1, remote.Rejected("get_events", errors.New("bad record")))
	rejected := h.feed(t, 130)
	n, err = h.queue.PendingFor(ctx, model.KindEvent, rejected.ID)
	require.NoError(t, err)
	assert.Zero(t, n, "rejections are not queued")

	// Local writes always land.
	_, err = h.local.GetEvent(ctx, rejected.ID)
	require.NoError(t, err)
}

func TestSyncingSessionsAreForwarded(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()

	open, err := h.store.StartActiveSession(ctx, h.subject.ID)
	require.NoError(t, err)
	h.clock.Advance(45 * time.Minute)
	closed, err := h.store.StopActiveSession(ctx, h.subject.ID)
	require.NoError(t, err)
	assert.Equal(t, open.ID, closed.ID)
	assert.Equal(t, 45, closed.DurationMinutes())

	entries, err := h.queue.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].RecordID, entries[1].RecordID)
}

func (h *syncHarness) enableSync(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	settings, err := h.local.GetSettings(ctx)
	require.NoError(t, err)
	settings.SyncEnabled = true
	require.NoError(t, h.local.SaveSettings(ctx, settings))
}

func TestQueuedDeleteSurvivesSyncBeforeDrain(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()
	h.enableSync(t)

	h.monitor.Set(netmon.Status{Connected: true})
	e := h.feed(t, 100)
	_, ok := h.remote.Event(e.ID)
	require.True(t, ok)

	h.monitor.Set(netmon.Offline)
	require.NoError(t, h.store.DeleteEvent(ctx, e.ID))
	queued, err := h.queue.Holds(ctx, model.KindEvent, e.ID)
	require.NoError(t, err)
	require.True(t, queued)

	// A cycle that runs before the queue drains must not restore the event.
	h.monitor.Set(netmon.Status{Connected: true})
	h.clock.Advance(time.Minute)
	_, err = h.engine.Sync(ctx)
	require.NoError(t, err)
	_, err = h.local.GetEvent(ctx, e.ID)
	assert.True(t, caerrors.IsNotFound(err), "deleted event stays deleted")

	_, err = h.queue.Drain(ctx)
	require.NoError(t, err)
	_, ok = h.remote.Event(e.ID)
	assert.False(t, ok)
	_, err = h.local.GetEvent(ctx, e.ID)
	assert.True(t, caerrors.IsNotFound(err))
}

func TestQueuedSubjectDeleteSurvivesSyncBeforeDrain(t *testing.T) {
	h := newSyncHarness(t)
	ctx := context.Background()
	h.enableSync(t)

	h.monitor.Set(netmon.Status{Connected: true})
	_, err := h.engine.Migrate(ctx)
	require.NoError(t, err)
	e := h.feed(t, 100)

	h.monitor.Set(netmon.Offline)
	require.NoError(t, h.store.DeleteSubject(ctx, h.subject.ID))

	h.monitor.Set(netmon.Status{Connected: true})
	h.clock.Advance(time.Minute)
	_, err = h.engine.Sync(ctx)
	require.NoError(t, err)

	_, err = h.local.GetSubject(ctx, h.subject.ID)
	assert.True(t, caerrors.IsNotFound(err), "deleted subject stays deleted")
	_, err = h.local.GetEvent(ctx, e.ID)
	assert.True(t, caerrors.IsNotFound(err), "its events stay deleted")

	_, err = h.queue.Drain(ctx)
	require.NoError(t, err)
	subjects, err := h.remote.Subjects(ctx)
	require.NoError(t, err)
	assert.Empty(t, subjects)
}
