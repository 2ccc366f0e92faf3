package netmon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var online = Status{Connected: true, Interface: InterfaceWiFi}

func receive(t *testing.T, ch <-chan Transition) Transition {
	t.Helper()
	select {
	case tr := <-ch:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transition")
		return Transition{}
	}
}

func TestSetEmitsOncePerEdge(t *testing.T) {
	m := New(Offline, nil)
	ch, cancel := m.Subscribe()
	defer cancel()

	assert.True(t, m.Set(online))
	assert.False(t, m.Set(online), "repeated state is not an edge")
	assert.False(t, m.Set(Status{Connected: true, Interface: InterfaceCellular}), "interface change alone is not an edge")
	assert.Equal(t, InterfaceCellular, m.Status().Interface)
	assert.True(t, m.Set(Offline))
	assert.False(t, m.Set(Status{Connected: false, Interface: InterfaceWiFi}))

	up := receive(t, ch)
	assert.True(t, up.Reconnected())
	assert.Equal(t, InterfaceWiFi, up.To.Interface)

	down := receive(t, ch)
	assert.False(t, down.Reconnected())
	assert.False(t, down.To.Connected)
	assert.Equal(t, InterfaceNone, down.To.Interface)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected transition %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberKeepsOrder(t *testing.T) {
	m := New(Offline, nil)
	ch, cancel := m.Subscribe()
	defer cancel()

	for i := 0; i < 10; i++ {
		m.Set(online)
		m.Set(Offline)
	}
	for i := 0; i < 10; i++ {
		assert.True(t, receive(t, ch).To.Connected)
		assert.False(t, receive(t, ch).To.Connected)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := New(Offline, nil)
	ch, cancel := m.Subscribe()
	cancel()
	cancel()

	m.Set(online)
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}

func TestWaitConnected(t *testing.T) {
	m := New(Offline, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.WaitConnected(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- m.WaitConnected(context.Background()) }()
	m.Set(online)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitConnected did not return")
	}

	m.Set(Offline)
	m.Set(online)
	require.NoError(t, m.WaitConnected(context.Background()))
}

func TestRunFeedsProbeReadings(t *testing.T) {
	var up atomic.Bool
	probe := ProbeFunc(func(ctx context.Context) Status {
		if up.Load() {
			return online
		}
		return Offline
	})

	m := New(Offline, nil)
	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx, probe, 5*time.Millisecond) }()

	up.Store(true)
	assert.True(t, receive(t, ch).Reconnected())
	up.Store(false)
	assert.False(t, receive(t, ch).To.Connected)
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	probe := HTTPProbe{URL: srv.URL, Timeout: time.Second}
	assert.True(t, probe.Probe(context.Background()).Connected, "any response means reachable")

	srv.Close()
	assert.Equal(t, Offline, probe.Probe(context.Background()))
}
