package loadtest

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuzzle/caresync/internal/storage"
	"github.com/nuzzle/caresync/internal/storage/managed"
	"github.com/nuzzle/caresync/internal/storage/snapshot"
)

func TestSnapshotConcurrentCaregivers(t *testing.T) {
	store, err := snapshot.Open(snapshot.Config{
		Path:        filepath.Join(t.TempDir(), "caresync.json"),
		DisableSeed: true,
	}, storage.Options{}, nil)
	require.NoError(t, err)
	defer store.Close()

	res, err := Run(context.Background(), store, Options{Caregivers: 8, EventsPerCaregiver: 25, ReadsPerWrite: 2, Subjects: 3})
	require.NoError(t, err)

	assert.True(t, res.OK(), "lost=%d dup=%d errors=%d", res.Lost, res.Duplicates, res.Errors)
	assert.Equal(t, 200, res.Expected)
	assert.Equal(t, 200, res.Writes.Count)
	assert.Equal(t, 400, res.Reads.Count)
	assert.LessOrEqual(t, res.Writes.P50, res.Writes.P99)
}

func TestManagedConcurrentCaregivers(t *testing.T) {
	store, err := managed.Open(managed.DefaultConfig(filepath.Join(t.TempDir(), "caresync.db")), storage.Options{}, nil)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.WaitReady(context.Background()))

	res, err := Run(context.Background(), store, Options{Caregivers: 6, EventsPerCaregiver: 20, ReadsPerWrite: 1})
	require.NoError(t, err)

	assert.True(t, res.OK(), "lost=%d dup=%d errors=%d", res.Lost, res.Duplicates, res.Errors)
	assert.Equal(t, 120, res.Expected)

	var buf bytes.Buffer
	res.Print(&buf)
	assert.Contains(t, buf.String(), "Events written: 120")
}

func TestComputeLatencyStats(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	s := computeLatencyStats(ds)
	assert.Equal(t, time.Millisecond, s.Min)
	assert.Equal(t, 100*time.Millisecond, s.Max)
	assert.Equal(t, 51*time.Millisecond, s.P50)
	assert.Equal(t, 96*time.Millisecond, s.P95)
	assert.Equal(t, 100, s.Count)
	assert.Equal(t, LatencyStats{}, computeLatencyStats(nil))
}

func TestCancelledRun(t *testing.T) {
	store, err := snapshot.Open(snapshot.Config{
		Path:        filepath.Join(t.TempDir(), "caresync.json"),
		DisableSeed: true,
	}, storage.Options{}, nil)
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, store, DefaultOptions())
	assert.Error(t, err)
}

func TestCompareBackends(t *testing.T) {
	cmp, err := Compare(context.Background(), t.TempDir(), Options{Caregivers: 3, EventsPerCaregiver: 10}, nil)
	require.NoError(t, err)

	assert.True(t, cmp.Managed.OK())
	assert.True(t, cmp.Snapshot.OK())
	assert.Equal(t, 30, cmp.Managed.Expected)
	assert.Len(t, cmp.WriteImprovement, 4)

	var buf bytes.Buffer
	cmp.Print(&buf)
	assert.Contains(t, buf.String(), "managed")
	assert.Contains(t, buf.String(), "p99")
}

func TestImprovement(t *testing.T) {
	assert.InDelta(t, 50.0, improvement(5*time.Millisecond, 10*time.Millisecond), 0.001)
	assert.InDelta(t, -100.0, improvement(20*time.Millisecond, 10*time.Millisecond), 0.001)
	assert.Zero(t, improvement(time.Millisecond, 0))
}

func TestOpenScratchUnknownBackend(t *testing.T) {
	_, err := OpenScratch(context.Background(), "cloud", t.TempDir(), nil)
	assert.Error(t, err)
}
