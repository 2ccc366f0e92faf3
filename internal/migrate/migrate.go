// Package migrate moves an installation's local records from the snapshot
// document into the managed store.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/nuzzle/caresync/internal/model"
	"github.com/nuzzle/caresync/internal/storage"
	"github.com/nuzzle/caresync/internal/storage/snapshot"
)

// Importer receives a dataset in one unit of work. managed.Store
// implements it.
type Importer interface {
	Import(ctx context.Context, ds *storage.Dataset) error
}

// Options contains configuration for the migration
type Options struct {
	SnapshotPath string   // Input snapshot document
	Target       Importer // Destination store
	DryRun       bool     // Preview without writing
	Backup       bool     // Copy the snapshot aside first
	Clock        model.Clock
}

// Result contains statistics about the migration
type Result struct {
	Subjects      int      `json:"subjects"`
	Events        int      `json:"events"`
	Predictions   int      `json:"predictions"`
	LastUsed      int      `json:"last_used"`
	Settings      bool     `json:"settings"`
	DryRun        bool     `json:"dry_run"`
	BackupCreated string   `json:"backup_created,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// ErrNothingToMigrate is returned when the snapshot file is missing or
// unreadable as a current document.
var ErrNothingToMigrate = errors.New("no snapshot document to migrate")

// SnapshotToManaged validates every record of the snapshot document and
// imports the valid ones into opts.Target. Invalid records are skipped and
// listed in Result.Errors.
func SnapshotToManaged(ctx context.Context, opts Options, logger *zap.Logger) (*Result, error) {
	if opts.Target == nil && !opts.DryRun {
		return nil, fmt.Errorf("migration target is required")
	}
	if opts.Clock == nil {
		opts.Clock = model.SystemClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	result := &Result{DryRun: opts.DryRun}

	doc, err := snapshot.ReadDocument(opts.SnapshotPath)
	if errors.Is(err, snapshot.ErrNoDocument) {
		return nil, ErrNothingToMigrate
	}
	if err != nil {
		return nil, err
	}

	// Create backup if requested
	if opts.Backup && !opts.DryRun {
		backupPath := opts.SnapshotPath + ".backup." + opts.Clock().Format("20060102-150405")
		input, err := os.ReadFile(opts.SnapshotPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read input for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	ds := filter(doc.Dataset(), opts.Clock(), result)

	result.Subjects, result.Events, result.Predictions = ds.Counts()
	result.LastUsed = len(ds.LastUsed)
	result.Settings = ds.Settings != nil

	if !opts.DryRun {
		if err := opts.Target.Import(ctx, ds); err != nil {
			return nil, fmt.Errorf("failed to import records: %w", err)
		}
	}

	logger.Info("snapshot migration complete",
		zap.Int("subjects", result.Subjects),
		zap.Int("events", result.Events),
		zap.Int("predictions", result.Predictions),
		zap.Int("skipped", len(result.Errors)),
		zap.Bool("dry_run", opts.DryRun))
	return result, nil
}

// filter drops records that would violate the managed schema or the
// domain rules.
func filter(in *storage.Dataset, now time.Time, result *Result) *storage.Dataset {
	out := &storage.Dataset{LastUsed: make(map[model.EventType]model.LastUsedValues)}
	subjects := make(map[string]bool, len(in.Subjects))

	for _, s := range in.Subjects {
		if err := model.ValidateSubject(&s, now); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("subject %s: %v", s.ID, err))
			continue
		}
		subjects[s.ID] = true
		out.Subjects = append(out.Subjects, s)
	}

	openSleep := make(map[string]bool)
	for _, e := range in.Events {
		switch {
		case !subjects[e.SubjectID]:
			result.Errors = append(result.Errors, fmt.Sprintf("event %s: unknown subject %s", e.ID, e.SubjectID))
			continue
		case e.IsOpen() && openSleep[e.SubjectID]:
			result.Errors = append(result.Errors, fmt.Sprintf("event %s: second open sleep for subject %s", e.ID, e.SubjectID))
			continue
		}
		if err := model.ValidateEvent(&e, now); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("event %s: %v", e.ID, err))
			continue
		}
		if e.IsOpen() {
			openSleep[e.SubjectID] = true
		}
		out.Events = append(out.Events, e)
	}

	for _, p := range in.Predictions {
		if !subjects[p.SubjectID] {
			result.Errors = append(result.Errors, fmt.Sprintf("prediction %s/%s: unknown subject", p.SubjectID, p.Kind))
			continue
		}
		if err := model.ValidatePrediction(&p); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("prediction %s/%s: %v", p.SubjectID, p.Kind, err))
			continue
		}
		out.Predictions = append(out.Predictions, p)
	}

	for k, v := range in.LastUsed {
		out.LastUsed[k] = v
	}
	if in.Settings != nil {
		settings := in.Settings.Clone()
		if err := model.ValidateSettings(&settings); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("settings: %v", err))
		} else {
			out.Settings = &settings
		}
	}
	return out
}
