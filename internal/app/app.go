// Package app assembles a caresync process from configuration: the local
// backend, the optional remote, the reconciliation engine, the offline
// queue and the connectivity monitor.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nuzzle/caresync/internal/config"
	"github.com/nuzzle/caresync/internal/metrics"
	"github.com/nuzzle/caresync/internal/model"
	"github.com/nuzzle/caresync/internal/netmon"
	"github.com/nuzzle/caresync/internal/queue"
	"github.com/nuzzle/caresync/internal/reconcile"
	"github.com/nuzzle/caresync/internal/remote"
	"github.com/nuzzle/caresync/internal/storage"
	"github.com/nuzzle/caresync/internal/storage/managed"
	"github.com/nuzzle/caresync/internal/storage/snapshot"
)

// App is a wired caresync instance.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// Local is the backend behind the retry decorator.
	Local storage.Store

	// Store is what callers use. With a remote configured it pushes or
	// queues every mutation; otherwise it is Local.
	Store storage.Store

	// Remote, Engine and Queue are nil for a local-only installation.
	Remote remote.API
	Engine *reconcile.Engine
	Queue  *queue.Queue

	Monitor *netmon.Monitor
	probe   netmon.Probe

	observers *observerHub
	closers   []func() error
}

// Options tweak Open for tests and embedding.
type Options struct {
	// Clock defaults to the wall clock.
	Clock model.Clock

	// Remote replaces the configured remote.
	Remote remote.API

	// Probe replaces the configured connectivity probe.
	Probe netmon.Probe
}

// Open builds every component. The caller must call Close.
func Open(ctx context.Context, cfg *config.Config, opts Options, logger *zap.Logger) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = model.SystemClock
	}

	a = &App{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics.New(),
		observers: &observerHub{},
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()
	a.observers.add(a.Metrics)

	backend, err := a.openBackend(ctx, opts)
	if err != nil {
		return nil, err
	}
	a.Local = storage.NewRetrying(backend, storage.RetryConfig{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Clock:           opts.Clock,
	}, logger)
	a.Store = a.Local

	a.Remote = opts.Remote
	if a.Remote == nil {
		if a.Remote, err = a.openRemote(ctx); err != nil {
			return nil, err
		}
	}

	a.Monitor, a.probe = a.openMonitor(ctx, opts.Probe)

	if a.Remote == nil {
		logger.Info("no remote configured, running local-only")
		return a, nil
	}

	a.Engine = reconcile.New(a.Local, a.Remote, reconcile.Config{
		FamilyID:   cfg.Remote.FamilyID,
		BatchSize:  cfg.Sync.BatchSize,
		PullWindow: cfg.Sync.Window(),
		Deadline:   cfg.Sync.Deadline,
		Clock:      opts.Clock,
		Online:     a.Monitor.Connected,
		Observer:   a.observers,
		// The queue is opened below; cycles only start from Run.
		Pending: func(ctx context.Context, kind model.RecordKind, id string) (bool, error) {
			return a.Queue.Holds(ctx, kind, id)
		},
	}, logger)

	a.Queue, err = queue.Open(ctx, queue.Config{
		Path:          cfg.QueuePath(),
		Parallelism:   cfg.Queue.Parallelism,
		RetryInterval: cfg.Queue.RetryInterval,
		Clock:         opts.Clock,
	}, a.Engine, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open offline queue: %w", err)
	}
	a.closers = append(a.closers, a.Queue.Close)

	a.Store = queue.NewSyncing(a.Local, a.Queue, a.Engine, a.Monitor.Connected, logger)
	return a, nil
}

func (a *App) openBackend(ctx context.Context, opts Options) (storage.Store, error) {
	cfg := a.Config
	storeOpts := storage.Options{
		Clock:         opts.Clock,
		SessionPolicy: storage.ParseSessionPolicy(cfg.SessionPolicy),
	}

	switch cfg.Backend {
	case config.BackendManaged:
		s, err := managed.Open(managed.Config{
			Path:           cfg.ManagedPath(),
			ReadyWait:      cfg.Managed.ReadyWait,
			ReadyPoll:      cfg.Managed.ReadyPoll,
			OpTimeout:      cfg.Managed.OpTimeout,
			ReaderContexts: cfg.Managed.ReaderContexts,
			RangeCap:       cfg.Managed.RangeCap,
			Observer:       a.Metrics,
		}, storeOpts, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open managed store: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil

	default:
		s, err := snapshot.Open(snapshot.Config{Path: cfg.SnapshotPath()}, storeOpts, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open snapshot store: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	}
}

func (a *App) openRemote(ctx context.Context) (remote.API, error) {
	rc := a.Config.Remote
	switch {
	case rc.DSN != "":
		s, err := remote.OpenSQL(ctx, rc.DSN, rc.FamilyID, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open remote store: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case rc.URL != "":
		c, err := remote.NewHTTPClient(remote.HTTPConfig{
			BaseURL:           rc.URL,
			FamilyID:          rc.FamilyID,
			APIKey:            rc.APIKey,
			RequestsPerSecond: rc.RequestsPerSecond,
			Timeout:           rc.Timeout,
		}, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create remote client: %w", err)
		}
		return c, nil
	default:
		return nil, nil
	}
}

// openMonitor takes a first reading synchronously so one-shot commands
// see real connectivity. Without any probe the remote is assumed
// reachable and failures surface as remote.unavailable instead.
func (a *App) openMonitor(ctx context.Context, probe netmon.Probe) (*netmon.Monitor, netmon.Probe) {
	if probe == nil {
		url := a.Config.Netmon.ProbeURL
		if url == "" {
			url = a.Config.Remote.URL
		}
		if url != "" {
			probe = netmon.HTTPProbe{URL: url, Timeout: 3 * time.Second}
		}
	}
	if probe == nil {
		return netmon.New(netmon.Status{Connected: true, Interface: netmon.InterfaceUnknown}, a.Logger), nil
	}
	m := netmon.New(netmon.Offline, a.Logger)
	m.Set(probe.Probe(ctx))
	return m, probe
}

// AddSyncObserver registers o for every finished sync or migration.
func (a *App) AddSyncObserver(o reconcile.Observer) {
	a.observers.add(o)
}

// RemoteEnabled reports whether a remote is wired.
func (a *App) RemoteEnabled() bool {
	return a.Engine != nil
}

// Run starts the background loops until ctx is cancelled: periodic sync,
// queue draining on reconnect, connectivity probing and the metrics
// gauges.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.probe != nil {
		g.Go(func() error { return a.Monitor.Run(ctx, a.probe, a.Config.Netmon.ProbeInterval) })
	}

	g.Go(func() error {
		edges, stop := a.Monitor.Subscribe()
		defer stop()
		a.Metrics.SetConnected(a.Monitor.Connected())
		for {
			select {
			case <-ctx.Done():
				return nil
			case t, ok := <-edges:
				if !ok {
					return nil
				}
				a.Metrics.SetConnected(t.To.Connected)
				if t.Reconnected() && a.Engine != nil {
					a.Engine.Trigger()
				}
			}
		}
	})

	if a.Engine != nil {
		g.Go(func() error { return a.Engine.Run(ctx, a.Config.Sync.Interval) })
		g.Go(func() error { return a.Queue.Run(ctx, a.Monitor) })
		g.Go(func() error {
			counts, stop := a.Queue.Watch()
			defer stop()
			if n, err := a.Queue.Pending(ctx); err == nil {
				a.Metrics.SetQueuePending(n)
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case n := <-counts:
					a.Metrics.SetQueuePending(n)
				}
			}
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases components in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// observerHub lets observers be added after the engine exists.
type observerHub struct {
	mu  sync.RWMutex
	obs reconcile.Observers
}

func (h *observerHub) add(o reconcile.Observer) {
	h.mu.Lock()
	h.obs = append(h.obs, o)
	h.mu.Unlock()
}

func (h *observerHub) ObserveSync(r reconcile.Report, err error, elapsed time.Duration) {
	h.mu.RLock()
	obs := h.obs
	h.mu.RUnlock()
	obs.ObserveSync(r, err, elapsed)
}
