package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuzzle/caresync/internal/netmon"
	"github.com/nuzzle/caresync/internal/reconcile"
)

type fakeSync struct {
	mu    sync.Mutex
	state reconcile.State
	last  *reconcile.Report
}

func (f *fakeSync) State() reconcile.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSync) set(st reconcile.State) {
	f.mu.Lock()
	f.state = st
	f.mu.Unlock()
}

func (f *fakeSync) LastReport() (reconcile.Report, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return reconcile.Report{}, false
	}
	return *f.last, true
}

type fakeQueue struct {
	pending int
	ch      chan int
	watched chan struct{}
}

func newFakeQueue(pending int) *fakeQueue {
	return &fakeQueue{pending: pending, ch: make(chan int, 1), watched: make(chan struct{})}
}

func (f *fakeQueue) Watch() (<-chan int, func()) {
	close(f.watched)
	return f.ch, func() {}
}

func (f *fakeQueue) Pending(context.Context) (int, error) { return f.pending, nil }

type fakeLink struct {
	status     netmon.Status
	ch         chan netmon.Transition
	subscribed chan struct{}
}

func newFakeLink(s netmon.Status) *fakeLink {
	return &fakeLink{status: s, ch: make(chan netmon.Transition, 1), subscribed: make(chan struct{})}
}

func (f *fakeLink) Status() netmon.Status { return f.status }
func (f *fakeLink) Since() time.Time      { return time.Unix(0, 0).UTC() }
func (f *fakeLink) Subscribe() (<-chan netmon.Transition, func()) {
	close(f.subscribed)
	return f.ch, func() {}
}

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	srv := NewServer(cfg)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func dial(t *testing.T, ctx context.Context, srv *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+srv.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestServerStartStop(t *testing.T) {
	srv := NewServer(Config{Addr: "127.0.0.1:0"})
	require.NoError(t, srv.Start())
	assert.NotEqual(t, "127.0.0.1:0", srv.Addr())
	require.NoError(t, srv.Stop())
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "caresync_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	srv := startServer(t, Config{Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})})

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(0), health["clients"])

	resp, err = http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "caresync_test_total 1")
}

func TestMultipleClients(t *testing.T) {
	srv := startServer(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = dial(t, ctx, srv)
	}
	require.Eventually(t, func() bool { return srv.ClientCount() == 3 }, 2*time.Second, 10*time.Millisecond)

	msg, err := NewMessage(MessageTypeQueue, QueueData{Pending: 7})
	require.NoError(t, err)
	srv.Broadcast(msg)

	for _, conn := range conns {
		got := readMessage(t, ctx, conn)
		assert.Equal(t, MessageTypeQueue, got.Type)
		var data QueueData
		require.NoError(t, json.Unmarshal(got.Data, &data))
		assert.Equal(t, 7, data.Pending)
	}

	_ = conns[0].Close(websocket.StatusNormalClosure, "")
	assert.Eventually(t, func() bool { return srv.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestWelcomeCarriesCurrentState(t *testing.T) {
	srv := startServer(t, Config{})
	syncSrc := &fakeSync{state: reconcile.StatePushing, last: &reconcile.Report{Pushed: 4}}
	NewFeed(srv, syncSrc, newFakeQueue(2), newFakeLink(netmon.Status{Connected: true, Interface: netmon.InterfaceWiFi}), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, srv)

	msg := readMessage(t, ctx, conn)
	require.Equal(t, MessageTypeSyncState, msg.Type)
	var state SyncStateData
	require.NoError(t, json.Unmarshal(msg.Data, &state))
	assert.Equal(t, "pushing", state.State)
	require.NotNil(t, state.LastReport)
	assert.Equal(t, 4, state.LastReport.Pushed)

	msg = readMessage(t, ctx, conn)
	require.Equal(t, MessageTypeQueue, msg.Type)
	assert.JSONEq(t, `{"pending":2}`, string(msg.Data))

	msg = readMessage(t, ctx, conn)
	require.Equal(t, MessageTypeConnectivity, msg.Type)
	var link ConnectivityData
	require.NoError(t, json.Unmarshal(msg.Data, &link))
	assert.True(t, link.Connected)
	assert.Equal(t, netmon.InterfaceWiFi, link.Interface)
}

func TestFeedBroadcastsChanges(t *testing.T) {
	srv := startServer(t, Config{})
	syncSrc := &fakeSync{}
	queueSrc := newFakeQueue(0)
	link := newFakeLink(netmon.Status{Connected: true, Interface: netmon.InterfaceWiFi})
	feed := NewFeed(srv, syncSrc, queueSrc, link, nil)
	feed.poll = 10 * time.Millisecond

	runCtx, stopRun := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(runCtx) }()
	defer func() {
		stopRun()
		assert.ErrorIs(t, <-done, context.Canceled)
	}()
	<-queueSrc.watched
	<-link.subscribed

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, srv)
	for range 3 {
		readMessage(t, ctx, conn)
	}
	require.Eventually(t, func() bool { return srv.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	link.ch <- netmon.Transition{From: link.status, To: netmon.Offline, At: time.Now()}
	msg := readMessage(t, ctx, conn)
	require.Equal(t, MessageTypeConnectivity, msg.Type)
	var cd ConnectivityData
	require.NoError(t, json.Unmarshal(msg.Data, &cd))
	assert.False(t, cd.Connected)

	queueSrc.ch <- 3
	msg = readMessage(t, ctx, conn)
	require.Equal(t, MessageTypeQueue, msg.Type)
	assert.JSONEq(t, `{"pending":3}`, string(msg.Data))

	syncSrc.set(reconcile.StatePulling)
	msg = readMessage(t, ctx, conn)
	require.Equal(t, MessageTypeSyncState, msg.Type)
	assert.Contains(t, string(msg.Data), `"pulling"`)

	syncSrc.set(reconcile.StateIdle)
	feed.ObserveSync(reconcile.Report{Pushed: 2, Pulled: 1}, errors.New("remote.unavailable: down"), 1500*time.Millisecond)

	var complete *SyncCompleteData
	for complete == nil {
		msg = readMessage(t, ctx, conn)
		if msg.Type == MessageTypeSyncComplete {
			complete = &SyncCompleteData{}
			require.NoError(t, json.Unmarshal(msg.Data, complete))
		}
	}
	assert.Equal(t, 2, complete.Report.Pushed)
	assert.Equal(t, int64(1500), complete.DurationMs)
	assert.Contains(t, complete.Error, "remote.unavailable")
}
