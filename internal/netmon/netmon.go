// Package netmon tracks whether the remote store is reachable and emits one
// transition per connectivity edge.
package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Interface is the kind of link the device is using.
type Interface string

const (
	InterfaceWiFi     Interface = "wifi"
	InterfaceCellular Interface = "cellular"
	InterfaceEthernet Interface = "ethernet"
	InterfaceUnknown  Interface = "unknown"
	InterfaceNone     Interface = "none"
)

// Status is a connectivity reading.
type Status struct {
	Connected bool      `json:"connected"`
	Interface Interface `json:"interface"`
}

// Offline is the reading used before anything is known.
var Offline = Status{Connected: false, Interface: InterfaceNone}

// Transition is one edge of the connected flag.
type Transition struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

// Reconnected reports whether the edge is disconnected -> connected.
func (t Transition) Reconnected() bool {
	return !t.From.Connected && t.To.Connected
}

// Monitor holds the current status and fans out transitions.
//
// Thread-safety: All methods are safe for concurrent use.
type Monitor struct {
	mu          sync.Mutex
	status      Status
	since       time.Time
	connectedCh chan struct{}
	subs        map[*subscriber]struct{}
	logger      *zap.Logger
}

// New creates a monitor starting at initial.
func New(initial Status, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		status:      initial,
		since:       time.Now(),
		connectedCh: make(chan struct{}),
		subs:        make(map[*subscriber]struct{}),
		logger:      logger.With(zap.String("component", "netmon")),
	}
	if initial.Connected {
		close(m.connectedCh)
	}
	return m
}

// Status returns the current reading.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connected reports the current connected flag.
func (m *Monitor) Connected() bool {
	return m.Status().Connected
}

// Since returns when the connected flag last changed.
func (m *Monitor) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}

// Set records a new reading. It returns true when the connected flag
// changed, which is the only case subscribers hear about. An interface
// change alone updates the status silently.
func (m *Monitor) Set(s Status) bool {
	if !s.Connected {
		s.Interface = InterfaceNone
	} else if s.Interface == "" || s.Interface == InterfaceNone {
		s.Interface = InterfaceUnknown
	}

	m.mu.Lock()
	prev := m.status
	m.status = s
	if prev.Connected == s.Connected {
		m.mu.Unlock()
		return false
	}

	now := time.Now()
	m.since = now
	if s.Connected {
		close(m.connectedCh)
	} else {
		m.connectedCh = make(chan struct{})
	}
	t := Transition{From: prev, To: s, At: now}
	for sub := range m.subs {
		sub.push(t)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed",
		zap.Bool("connected", s.Connected),
		zap.String("interface", string(s.Interface)))
	return true
}

// Subscribe returns a channel receiving every future transition in order,
// and a function that stops delivery and closes the channel. Slow readers
// do not block Set.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	sub := &subscriber{
		out:    make(chan Transition),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	go sub.pump()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, sub)
			m.mu.Unlock()
			close(sub.done)
		})
	}
	return sub.out, cancel
}

// WaitConnected blocks until connected or ctx is done.
func (m *Monitor) WaitConnected(ctx context.Context) error {
	m.mu.Lock()
	ch := m.connectedCh
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// subscriber queues transitions so a slow reader never loses or reorders
// an edge.
type subscriber struct {
	mu      sync.Mutex
	pending []Transition
	out     chan Transition
	signal  chan struct{}
	done    chan struct{}
}

func (s *subscriber) push(t Transition) {
	s.mu.Lock()
	s.pending = append(s.pending, t)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			next := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			select {
			case s.out <- next:
			case <-s.done:
				return
			}
		}
	}
}

// Probe takes one connectivity reading.
type Probe interface {
	Probe(ctx context.Context) Status
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) Status

func (f ProbeFunc) Probe(ctx context.Context) Status { return f(ctx) }

// HTTPProbe treats any HTTP response from URL as connected.
type HTTPProbe struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// Probe sends a HEAD request.
func (p HTTPProbe) Probe(ctx context.Context) Status {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return Offline
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Offline
	}
	_ = resp.Body.Close()
	return Status{Connected: true, Interface: InterfaceUnknown}
}

// Run probes immediately and then every interval, feeding readings to Set
// until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, probe Probe, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		reading := probe.Probe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		m.Set(reading)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
