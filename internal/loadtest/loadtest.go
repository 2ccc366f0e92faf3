// Package loadtest drives a storage.Store with concurrent caregivers.
//
// Each simulated caregiver logs events for a shared set of subjects and
// reads back the subject's day between writes, the access pattern of
// several phones logging for the same family. After the run every write is
// checked against the store so lost or duplicated events are reported.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nuzzle/caresync/internal/model"
	"github.com/nuzzle/caresync/internal/storage"
)

// notePrefix marks events written by the harness.
const notePrefix = "loadtest "

// Options shape a run.
type Options struct {
	// Caregivers is the number of concurrent writers.
	Caregivers int

	// EventsPerCaregiver is how many events each caregiver adds.
	EventsPerCaregiver int

	// ReadsPerWrite is how many day reads follow each write.
	ReadsPerWrite int

	// Subjects is the number of subjects shared between caregivers.
	Subjects int

	// Clock defaults to the wall clock.
	Clock model.Clock
}

// DefaultOptions simulates four caregivers logging fifty events each.
func DefaultOptions() Options {
	return Options{Caregivers: 4, EventsPerCaregiver: 50, ReadsPerWrite: 1, Subjects: 2}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Caregivers <= 0 {
		o.Caregivers = d.Caregivers
	}
	if o.EventsPerCaregiver <= 0 {
		o.EventsPerCaregiver = d.EventsPerCaregiver
	}
	if o.ReadsPerWrite < 0 {
		o.ReadsPerWrite = 0
	}
	if o.Subjects <= 0 {
		o.Subjects = d.Subjects
	}
	if o.Clock == nil {
		o.Clock = model.SystemClock
	}
	return o
}

// LatencyStats captures latency percentiles for one operation kind.
type LatencyStats struct {
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Count int           `json:"count"`
}

// Result is the outcome of a run.
type Result struct {
	Writes  LatencyStats  `json:"writes"`
	Reads   LatencyStats  `json:"reads"`
	Elapsed time.Duration `json:"elapsed"`

	// Expected is the number of events written successfully.
	Expected int `json:"expected"`

	// Lost counts written events missing from the store.
	Lost int `json:"lost"`

	// Duplicates counts extra copies of a written event.
	Duplicates int `json:"duplicates"`

	// Errors counts failed operations.
	Errors int `json:"errors"`
}

// OK reports whether the run lost or duplicated nothing.
func (r *Result) OK() bool {
	return r.Lost == 0 && r.Duplicates == 0 && r.Errors == 0
}

type caregiverResult struct {
	writes []time.Duration
	reads  []time.Duration
	ids    []string
	errors int
}

// Run executes the load against store. Subjects are created first; the
// store is expected to start empty of harness events.
func Run(ctx context.Context, store storage.Store, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	now := opts.Clock()

	subjects := make([]model.Subject, opts.Subjects)
	for i := range subjects {
		s, err := store.AddSubject(ctx, model.NewSubject(fmt.Sprintf("Load %d", i+1), now.AddDate(0, -3, 0), now))
		if err != nil {
			return nil, fmt.Errorf("failed to create subject %d: %w", i+1, err)
		}
		subjects[i] = s
	}

	results := make([]caregiverResult, opts.Caregivers)
	started := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for c := range opts.Caregivers {
		g.Go(func() error {
			results[c] = caregiver(gctx, store, opts, c, subjects)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Elapsed: time.Since(started)}
	var writes, reads []time.Duration
	var written []string
	for _, r := range results {
		writes = append(writes, r.writes...)
		reads = append(reads, r.reads...)
		written = append(written, r.ids...)
		res.Errors += r.errors
	}
	res.Writes = computeLatencyStats(writes)
	res.Reads = computeLatencyStats(reads)
	res.Expected = len(written)

	if err := verify(ctx, store, written, res); err != nil {
		return nil, err
	}
	return res, nil
}

func caregiver(ctx context.Context, store storage.Store, opts Options, id int, subjects []model.Subject) caregiverResult {
	var out caregiverResult
	now := opts.Clock()

	for i := range opts.EventsPerCaregiver {
		if ctx.Err() != nil {
			return out
		}
		subject := subjects[(id+i)%len(subjects)]
		e := sampleEvent(subject.ID, id, i, now)

		start := time.Now()
		saved, err := store.AddEvent(ctx, e)
		out.writes = append(out.writes, time.Since(start))
		if err != nil {
			out.errors++
			continue
		}
		out.ids = append(out.ids, saved.ID)

		for range opts.ReadsPerWrite {
			start := time.Now()
			_, err := store.FetchEvents(ctx, subject.ID, now.Add(-24*time.Hour), now.Add(time.Minute))
			out.reads = append(out.reads, time.Since(start))
			if err != nil {
				out.errors++
			}
		}
	}
	return out
}

// sampleEvent alternates bottle feeds, diapers and tummy time spread over
// the last day.
func sampleEvent(subjectID string, caregiver, seq int, now time.Time) model.Event {
	start := now.Add(-time.Duration(caregiver*37+seq*11) * time.Minute % (23 * time.Hour))
	e := model.NewEvent(subjectID, model.EventFeed, start, now)
	e.Note = fmt.Sprintf("%scaregiver=%d seq=%d", notePrefix, caregiver, seq)

	switch seq % 3 {
	case 0:
		e.Subtype = "bottle"
		e.Amount = model.Float(float64(60 + (seq*7)%120))
		e.Unit = "ml"
	case 1:
		e.Type = model.EventDiaper
		e.Subtype = "wet"
	default:
		e.Type = model.EventTummyTime
		end := start.Add(time.Duration(5+seq%10) * time.Minute)
		e.EndTime = &end
	}
	return e
}

func verify(ctx context.Context, store storage.Store, written []string, res *Result) error {
	stored, err := store.FetchEventsChangedSince(ctx, time.Time{})
	if err != nil {
		return fmt.Errorf("failed to read back events: %w", err)
	}

	byID := make(map[string]int)
	byNote := make(map[string]int)
	for _, e := range stored {
		if !strings.HasPrefix(e.Note, notePrefix) {
			continue
		}
		byID[e.ID]++
		byNote[e.Note]++
	}

	for _, id := range written {
		if byID[id] == 0 {
			res.Lost++
		}
	}
	for _, n := range byID {
		if n > 1 {
			res.Duplicates += n - 1
		}
	}
	for _, n := range byNote {
		if n > 1 {
			res.Duplicates += n - 1
		}
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}

// Print writes a human-readable summary.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "Events written: %d (lost %d, duplicated %d, errors %d) in %v\n",
		r.Expected, r.Lost, r.Duplicates, r.Errors, r.Elapsed.Round(time.Millisecond))
	for _, row := range []struct {
		name string
		s    LatencyStats
	}{{"writes", r.Writes}, {"reads", r.Reads}} {
		fmt.Fprintf(w, "  %-6s n=%-6d p50=%-10v p95=%-10v p99=%-10v max=%v\n",
			row.name, row.s.Count, row.s.P50, row.s.P95, row.s.P99, row.s.Max)
	}
}
