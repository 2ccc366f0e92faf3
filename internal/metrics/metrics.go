// Package metrics exposes Prometheus collectors for the store, the sync
// engine, the offline queue and connectivity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	caerrors "github.com/nuzzle/caresync/internal/errors"
	"github.com/nuzzle/caresync/internal/reconcile"
	"github.com/nuzzle/caresync/internal/storage/managed"
)

// Metrics owns a registry so tests and multiple instances never collide.
type Metrics struct {
	registry *prometheus.Registry

	storeOpDuration *prometheus.HistogramVec
	syncCycles      *prometheus.CounterVec
	syncDuration    prometheus.Histogram
	records         *prometheus.CounterVec
	conflicts       prometheus.Counter
	deferred        prometheus.Counter
	queuePending    prometheus.Gauge
	connected       prometheus.Gauge
}

var (
	_ managed.Observer   = (*Metrics)(nil)
	_ reconcile.Observer = (*Metrics)(nil)
)

// New registers every collector plus the Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		storeOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caresync_store_op_duration_seconds",
			Help:    "Managed store operation latency by operation and outcome code",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"op", "code"}),
		syncCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caresync_sync_cycles_total",
			Help: "Sync cycles by outcome",
		}, []string{"outcome"}),
		syncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "caresync_sync_duration_seconds",
			Help:    "Wall time of completed sync cycles",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		records: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "caresync_sync_records_total",
			Help: "Records moved by sync, by direction",
		}, []string{"direction"}),
		conflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "caresync_sync_conflicts_total",
			Help: "Records present on both sides with different updated_at",
		}),
		deferred: factory.NewCounter(prometheus.CounterOpts{
			Name: "caresync_sync_deferred_total",
			Help: "Records deferred to a later cycle by the sync deadline",
		}),
		queuePending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "caresync_queue_pending",
			Help: "Entries waiting in the offline queue",
		}),
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "caresync_connected",
			Help: "1 when the remote is reachable",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStoreOp implements managed.Observer.
func (m *Metrics) ObserveStoreOp(op, code string, elapsed time.Duration) {
	if code == "" {
		code = "ok"
	}
	m.storeOpDuration.WithLabelValues(op, code).Observe(elapsed.Seconds())
}

// ObserveSync implements reconcile.Observer.
func (m *Metrics) ObserveSync(r reconcile.Report, err error, elapsed time.Duration) {
	outcome := "ok"
	switch {
	case caerrors.IsRemoteUnavailable(err):
		outcome = "remote_unavailable"
	case err != nil:
		outcome = "error"
	case r.Deferred > 0:
		outcome = "deferred"
	}
	m.syncCycles.WithLabelValues(outcome).Inc()
	m.syncDuration.Observe(elapsed.Seconds())
	m.records.WithLabelValues("push").Add(float64(r.Pushed))
	m.records.WithLabelValues("pull").Add(float64(r.Pulled))
	m.conflicts.Add(float64(r.Conflicts))
	m.deferred.Add(float64(r.Deferred))
}

// SetQueuePending records the queue depth.
func (m *Metrics) SetQueuePending(n int) {
	m.queuePending.Set(float64(n))
}

// SetConnected records connectivity.
func (m *Metrics) SetConnected(connected bool) {
	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
