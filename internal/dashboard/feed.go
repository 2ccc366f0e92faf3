package dashboard

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nuzzle/caresync/internal/netmon"
	"github.com/nuzzle/caresync/internal/reconcile"
)

// SyncStateData is the payload of sync_state.
type SyncStateData struct {
	State      string            `json:"state"`
	LastReport *reconcile.Report `json:"last_report,omitempty"`
}

// SyncCompleteData is the payload of sync_complete.
type SyncCompleteData struct {
	Report     reconcile.Report `json:"report"`
	Error      string           `json:"error,omitempty"`
	DurationMs int64            `json:"duration_ms"`
}

// QueueData is the payload of queue.
type QueueData struct {
	Pending int `json:"pending"`
}

// ConnectivityData is the payload of connectivity.
type ConnectivityData struct {
	Connected bool             `json:"connected"`
	Interface netmon.Interface `json:"interface"`
	Since     time.Time        `json:"since"`
}

// SyncSource is the engine as seen by the feed.
type SyncSource interface {
	State() reconcile.State
	LastReport() (reconcile.Report, bool)
}

// QueueSource publishes the pending count.
type QueueSource interface {
	Watch() (<-chan int, func())
	Pending(ctx context.Context) (int, error)
}

// LinkSource publishes connectivity edges.
type LinkSource interface {
	Status() netmon.Status
	Since() time.Time
	Subscribe() (<-chan netmon.Transition, func())
}

// Feed turns engine, queue and connectivity activity into dashboard
// messages. It implements reconcile.Observer for sync_complete; the other
// message types come from Run. Any source may be nil.
type Feed struct {
	server *Server
	sync   SyncSource
	queue  QueueSource
	link   LinkSource
	poll   time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	state   reconcile.State
	pending int
}

var _ reconcile.Observer = (*Feed)(nil)

// NewFeed creates a feed broadcasting on server and registers its Welcome
// with the server.
func NewFeed(server *Server, syncSrc SyncSource, queueSrc QueueSource, link LinkSource, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Feed{
		server: server,
		sync:   syncSrc,
		queue:  queueSrc,
		link:   link,
		poll:   250 * time.Millisecond,
		logger: logger.With(zap.String("component", "dashboard")),
	}
	server.SetWelcome(f.Welcome)
	return f
}

// ObserveSync broadcasts sync_complete followed by the idle state.
func (f *Feed) ObserveSync(r reconcile.Report, err error, elapsed time.Duration) {
	data := SyncCompleteData{Report: r, DurationMs: elapsed.Milliseconds()}
	if err != nil {
		data.Error = err.Error()
	}
	f.send(MessageTypeSyncComplete, data)
	f.setState(reconcile.StateIdle, true)
}

// Welcome returns the current state for a newly connected client.
func (f *Feed) Welcome() []Message {
	var out []Message
	if f.sync != nil {
		if msg, err := NewMessage(MessageTypeSyncState, f.syncState(f.sync.State())); err == nil {
			out = append(out, msg)
		}
	}
	if f.queue != nil {
		pending, err := f.queue.Pending(context.Background())
		if err == nil {
			if msg, err := NewMessage(MessageTypeQueue, QueueData{Pending: pending}); err == nil {
				out = append(out, msg)
			}
		}
	}
	if f.link != nil {
		if msg, err := NewMessage(MessageTypeConnectivity, f.connectivity(f.link.Status())); err == nil {
			out = append(out, msg)
		}
	}
	return out
}

// Run forwards queue and connectivity changes and polls the engine state
// until ctx is done.
func (f *Feed) Run(ctx context.Context) error {
	var queueCh <-chan int
	if f.queue != nil {
		ch, stop := f.queue.Watch()
		defer stop()
		queueCh = ch
	}
	var linkCh <-chan netmon.Transition
	if f.link != nil {
		ch, stop := f.link.Subscribe()
		defer stop()
		linkCh = ch
	}

	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case n := <-queueCh:
			f.mu.Lock()
			changed := n != f.pending
			f.pending = n
			f.mu.Unlock()
			if changed {
				f.send(MessageTypeQueue, QueueData{Pending: n})
			}

		case tr, ok := <-linkCh:
			if !ok {
				linkCh = nil
				continue
			}
			f.send(MessageTypeConnectivity, ConnectivityData{
				Connected: tr.To.Connected,
				Interface: tr.To.Interface,
				Since:     tr.At,
			})

		case <-ticker.C:
			if f.sync != nil {
				f.setState(f.sync.State(), false)
			}
		}
	}
}

func (f *Feed) setState(st reconcile.State, force bool) {
	f.mu.Lock()
	changed := st != f.state
	f.state = st
	f.mu.Unlock()
	if changed || force {
		f.send(MessageTypeSyncState, f.syncState(st))
	}
}

func (f *Feed) syncState(st reconcile.State) SyncStateData {
	data := SyncStateData{State: st.String()}
	if f.sync != nil {
		if r, ok := f.sync.LastReport(); ok {
			data.LastReport = &r
		}
	}
	return data
}

func (f *Feed) connectivity(s netmon.Status) ConnectivityData {
	return ConnectivityData{Connected: s.Connected, Interface: s.Interface, Since: f.link.Since()}
}

func (f *Feed) send(typ MessageType, data any) {
	msg, err := NewMessage(typ, data)
	if err != nil {
		f.logger.Error("failed to build message", zap.Error(err))
		return
	}
	f.server.Broadcast(msg)
}
