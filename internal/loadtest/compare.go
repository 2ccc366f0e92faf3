package loadtest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/nuzzle/caresync/internal/storage"
	"github.com/nuzzle/caresync/internal/storage/managed"
	"github.com/nuzzle/caresync/internal/storage/snapshot"
)

// Backend names accepted by OpenScratch.
const (
	BackendSnapshot = "snapshot"
	BackendManaged  = "managed"
)

// OpenScratch opens an empty, ready backend of the given kind inside dir.
func OpenScratch(ctx context.Context, backend, dir string, logger *zap.Logger) (storage.Store, error) {
	switch backend {
	case BackendManaged:
		s, err := managed.Open(managed.DefaultConfig(filepath.Join(dir, "load.db")), storage.Options{}, logger)
		if err != nil {
			return nil, err
		}
		if err := s.WaitReady(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	case BackendSnapshot:
		s, err := snapshot.Open(snapshot.Config{Path: filepath.Join(dir, "load.json"), DisableSeed: true}, storage.Options{}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

// Comparison holds the same load run against both backends.
type Comparison struct {
	Managed  *Result `json:"managed"`
	Snapshot *Result `json:"snapshot"`

	// WriteImprovement is the managed backend's latency gain over the
	// snapshot backend per percentile, in percent. Negative means slower.
	WriteImprovement map[string]float64 `json:"write_improvement"`
}

// Compare runs opts against a scratch managed and a scratch snapshot
// backend under dir.
func Compare(ctx context.Context, dir string, opts Options, logger *zap.Logger) (*Comparison, error) {
	results := make(map[string]*Result, 2)
	for _, backend := range []string{BackendManaged, BackendSnapshot} {
		sub := filepath.Join(dir, backend)
		if err := os.MkdirAll(sub, 0755); err != nil {
			return nil, err
		}
		store, err := OpenScratch(ctx, backend, sub, logger)
		if err != nil {
			return nil, fmt.Errorf("%s backend: %w", backend, err)
		}
		res, err := Run(ctx, store, opts)
		_ = store.Close()
		if err != nil {
			return nil, fmt.Errorf("%s backend: %w", backend, err)
		}
		results[backend] = res
	}

	m, s := results[BackendManaged], results[BackendSnapshot]
	return &Comparison{
		Managed:  m,
		Snapshot: s,
		WriteImprovement: map[string]float64{
			"p50":  improvement(m.Writes.P50, s.Writes.P50),
			"mean": improvement(m.Writes.Mean, s.Writes.Mean),
			"p95":  improvement(m.Writes.P95, s.Writes.P95),
			"p99":  improvement(m.Writes.P99, s.Writes.P99),
		},
	}, nil
}

// improvement is how much lower candidate is than baseline, in percent.
func improvement(candidate, baseline time.Duration) float64 {
	if baseline == 0 {
		return 0
	}
	return (float64(baseline) - float64(candidate)) / float64(baseline) * 100
}

// Print writes both results side by side.
func (c *Comparison) Print(w io.Writer) {
	fmt.Fprintf(w, "%-8s %12s %12s %10s\n", "writes", "managed", "snapshot", "gain")
	rows := []struct {
		name string
		m, s time.Duration
	}{
		{"p50", c.Managed.Writes.P50, c.Snapshot.Writes.P50},
		{"mean", c.Managed.Writes.Mean, c.Snapshot.Writes.Mean},
		{"p95", c.Managed.Writes.P95, c.Snapshot.Writes.P95},
		{"p99", c.Managed.Writes.P99, c.Snapshot.Writes.P99},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%-8s %12v %12v %+9.1f%%\n", r.name, r.m, r.s, c.WriteImprovement[r.name])
	}
}
