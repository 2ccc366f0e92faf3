package app

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuzzle/caresync/internal/config"
	"github.com/nuzzle/caresync/internal/model"
	"github.com/nuzzle/caresync/internal/netmon"
	"github.com/nuzzle/caresync/internal/queue"
	"github.com/nuzzle/caresync/internal/reconcile"
	"github.com/nuzzle/caresync/internal/remote"
)

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, config.FileName)
	require.NoError(t, os.WriteFile(path, []byte("data_dir = \""+dir+"\"\n"+body), 0600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestLocalOnly(t *testing.T) {
	cfg := loadConfig(t, "backend = \"snapshot\"\n")
	a, err := Open(context.Background(), cfg, Options{}, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.False(t, a.RemoteEnabled())
	assert.Nil(t, a.Queue)
	assert.Same(t, a.Local, a.Store)
	assert.True(t, a.Monitor.Connected())

	subjects, err := a.Store.FetchSubjects(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, subjects, "a fresh snapshot store is seeded")
}

func TestManagedWithSQLRemote(t *testing.T) {
	remoteDB := filepath.Join(t.TempDir(), "remote.db")
	cfg := loadConfig(t, `
backend = "managed"

[remote]
dsn = "file:`+remoteDB+`"
family_id = "fam-1"
`)
	ctx := context.Background()
	a, err := Open(ctx, cfg, Options{}, nil)
	require.NoError(t, err)
	defer a.Close()

	require.True(t, a.RemoteEnabled())
	_, isSyncing := a.Store.(*queue.Syncing)
	assert.True(t, isSyncing)

	now := time.Now().UTC()
	subj, err := a.Store.AddSubject(ctx, model.NewSubject("Ada", now.AddDate(0, -1, 0), now))
	require.NoError(t, err)
	e := model.NewEvent(subj.ID, model.EventDiaper, now.Add(-time.Minute), now)
	e.Subtype = "wet"
	_, err = a.Store.AddEvent(ctx, e)
	require.NoError(t, err)

	got, err := a.Remote.GetEvents(ctx, []string{e.ID})
	require.NoError(t, err)
	require.Contains(t, got, e.ID, "an online mutation is pushed inline")
	assert.Equal(t, "fam-1", got[e.ID].FamilyID)

	pending, err := a.Queue.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestOfflineMutationsDrainWhenProbeRecovers(t *testing.T) {
	cfg := loadConfig(t, `
[remote]
url = "http://127.0.0.1:1"
family_id = "fam-1"

[netmon]
probe_interval = "20ms"

[sync]
interval = "1h"
`)
	var online atomic.Bool
	probe := netmon.ProbeFunc(func(context.Context) netmon.Status {
		if online.Load() {
			return netmon.Status{Connected: true, Interface: netmon.InterfaceWiFi}
		}
		return netmon.Offline
	})
	mem := remote.NewMemory("fam-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := Open(ctx, cfg, Options{Remote: mem, Probe: probe}, nil)
	require.NoError(t, err)
	defer a.Close()
	require.False(t, a.Monitor.Connected())

	subjects, err := a.Store.FetchSubjects(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, subjects)

	now := time.Now().UTC()
	for i := range 3 {
		e := model.NewEvent(subjects[0].ID, model.EventFeed, now.Add(-time.Duration(i+1)*time.Minute), now)
		e.Subtype = "bottle"
		e.Amount = model.Float(90)
		e.Unit = "ml"
		_, err := a.Store.AddEvent(ctx, e)
		require.NoError(t, err)
	}
	pending, err := a.Queue.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, pending)
	assert.Zero(t, mem.EventCount())

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	online.Store(true)
	require.Eventually(t, func() bool {
		n, err := a.Queue.Pending(ctx)
		return err == nil && n == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, mem.EventCount(), 3)

	cancel()
	assert.NoError(t, <-done)
}

func TestSyncObserverFanOut(t *testing.T) {
	cfg := loadConfig(t, "")
	mem := remote.NewMemory("fam-1")
	cfg.Remote.FamilyID = "fam-1"

	a, err := Open(context.Background(), cfg, Options{Remote: mem}, nil)
	require.NoError(t, err)
	defer a.Close()

	var calls atomic.Int32
	a.AddSyncObserver(observerFunc(func() { calls.Add(1) }))

	_, err = a.Engine.Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Positive(t, mem.EventCount(), "migration pushes the seeded events")
}

type observerFunc func()

func (f observerFunc) ObserveSync(reconcile.Report, error, time.Duration) { f() }
