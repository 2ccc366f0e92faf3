package storage

import "github.com/nuzzle/caresync/internal/model"

// Dataset is a complete copy of one installation's local records, used to
// move data between backends.
type Dataset struct {
	Subjects    []model.Subject
	Events      []model.Event
	Predictions []model.Prediction
	Settings    *model.Settings
	LastUsed    map[model.EventType]model.LastUsedValues
}

// Counts summarizes a dataset for logs and migration reports.
func (d *Dataset) Counts() (subjects, events, predictions int) {
	return len(d.Subjects), len(d.Events), len(d.Predictions)
}
