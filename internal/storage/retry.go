package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	caerrors "github.com/nuzzle/caresync/internal/errors"
	"github.com/nuzzle/caresync/internal/model"
)

// RetryConfig bounds the caller-layer retry of readiness and timeout races.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Clock must be the decorated store's clock. Session retries compare
	// record timestamps against it.
	Clock model.Clock
}

// DefaultRetryConfig retries three times starting at 100ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Clock:           model.SystemClock,
	}
}

// Retrying decorates a Store so store.not_ready and store.timeout failures
// are retried a bounded number of times before being surfaced. Every other
// error, validation included, is returned on the first attempt.
type Retrying struct {
	next   Store
	cfg    RetryConfig
	logger *zap.Logger
}

var _ Store = (*Retrying)(nil)

// NewRetrying wraps next.
func NewRetrying(next Store, cfg RetryConfig, logger *zap.Logger) *Retrying {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = model.SystemClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{next: next, cfg: cfg, logger: logger.With(zap.String("component", "retry"))}
}

// Unwrap returns the decorated store.
func (r *Retrying) Unwrap() Store { return r.next }

func (r *Retrying) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.cfg.InitialInterval
	exp.MaxInterval = r.cfg.MaxInterval
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.cfg.MaxAttempts-1)), ctx)
}

func retryValue[T any](ctx context.Context, r *Retrying, op string, fn func() (T, error)) (T, error) {
	var out T
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		v, err := fn()
		if err == nil {
			out = v
			return nil
		}
		if !caerrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		r.logger.Debug("retrying store operation",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		return err
	}, r.policy(ctx))
	return out, err
}

func retryErr(ctx context.Context, r *Retrying, op string, fn func() error) error {
	_, err := retryValue(ctx, r, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func (r *Retrying) FetchSubjects(ctx context.Context) ([]model.Subject, error) {
	return retryValue(ctx, r, "fetch_subjects", func() ([]model.Subject, error) { return r.next.FetchSubjects(ctx) })
}

func (r *Retrying) GetSubject(ctx context.Context, id string) (model.Subject, error) {
	return retryValue(ctx, r, "get_subject", func() (model.Subject, error) { return r.next.GetSubject(ctx, id) })
}

// AddSubject pins the id before the first attempt so a retry after a timed
// out insert that actually landed resolves to the stored record.
func (r *Retrying) AddSubject(ctx context.Context, s model.Subject) (model.Subject, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	tried := false
	return retryValue(ctx, r, "add_subject", func() (model.Subject, error) {
		out, err := r.next.AddSubject(ctx, s)
		if err != nil && tried && caerrors.IsAlreadyExists(err) {
			return r.next.GetSubject(ctx, s.ID)
		}
		tried = true
		return out, err
	})
}

func (r *Retrying) UpdateSubject(ctx context.Context, s model.Subject) (model.Subject, error) {
	return retryValue(ctx, r, "update_subject", func() (model.Subject, error) { return r.next.UpdateSubject(ctx, s) })
}

func (r *Retrying) DeleteSubject(ctx context.Context, id string) error {
	return retryErr(ctx, r, "delete_subject", func() error { return r.next.DeleteSubject(ctx, id) })
}

func (r *Retrying) FetchEvents(ctx context.Context, subjectID string, from, to time.Time) ([]model.Event, error) {
	return retryValue(ctx, r, "fetch_events", func() ([]model.Event, error) { return r.next.FetchEvents(ctx, subjectID, from, to) })
}

func (r *Retrying) FetchEventsChangedSince(ctx context.Context, since time.Time) ([]model.Event, error) {
	return retryValue(ctx, r, "fetch_events_changed", func() ([]model.Event, error) { return r.next.FetchEventsChangedSince(ctx, since) })
}

func (r *Retrying) GetEvent(ctx context.Context, id string) (model.Event, error) {
	return retryValue(ctx, r, "get_event", func() (model.Event, error) { return r.next.GetEvent(ctx, id) })
}

// AddEvent pins the id the same way AddSubject does.
func (r *Retrying) AddEvent(ctx context.Context, e model.Event) (model.Event, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	tried := false
	return retryValue(ctx, r, "add_event", func() (model.Event, error) {
		out, err := r.next.AddEvent(ctx, e)
		if err != nil && tried && caerrors.IsAlreadyExists(err) {
			return r.next.GetEvent(ctx, e.ID)
		}
		tried = true
		return out, err
	})
}

func (r *Retrying) UpdateEvent(ctx context.Context, e model.Event) (model.Event, error) {
	return retryValue(ctx, r, "update_event", func() (model.Event, error) { return r.next.UpdateEvent(ctx, e) })
}

func (r *Retrying) DeleteEvent(ctx context.Context, id string) error {
	return retryErr(ctx, r, "delete_event", func() error { return r.next.DeleteEvent(ctx, id) })
}

func (r *Retrying) GetActiveSession(ctx context.Context, subjectID string) (*model.Event, error) {
	return retryValue(ctx, r, "get_active_session", func() (*model.Event, error) { return r.next.GetActiveSession(ctx, subjectID) })
}

// StartActiveSession does not start a second session when a timed-out
// attempt had in fact committed: a retry first looks for an open session
// created since the call began.
func (r *Retrying) StartActiveSession(ctx context.Context, subjectID string) (model.Event, error) {
	prior, err := r.GetActiveSession(ctx, subjectID)
	if err != nil {
		return model.Event{}, err
	}
	began := r.cfg.Clock()
	tried := false
	return retryValue(ctx, r, "start_active_session", func() (model.Event, error) {
		if tried {
			open, err := r.next.GetActiveSession(ctx, subjectID)
			if err != nil {
				return model.Event{}, err
			}
			if open != nil && (prior == nil || open.ID != prior.ID) && !open.CreatedAt.Before(began) {
				return *open, nil
			}
		}
		tried = true
		return r.next.StartActiveSession(ctx, subjectID)
	})
}

// StopActiveSession does not record a second stop when a timed-out attempt
// had in fact committed. A retry returns the session closed by that attempt,
// or the fallback nap it synthesized.
func (r *Retrying) StopActiveSession(ctx context.Context, subjectID string) (model.Event, error) {
	prior, err := r.GetActiveSession(ctx, subjectID)
	if err != nil {
		return model.Event{}, err
	}
	began := r.cfg.Clock()
	tried := false
	return retryValue(ctx, r, "stop_active_session", func() (model.Event, error) {
		if tried {
			done, ok, err := r.committedStop(ctx, subjectID, prior, began)
			if err != nil || ok {
				return done, err
			}
		}
		tried = true
		return r.next.StopActiveSession(ctx, subjectID)
	})
}

func (r *Retrying) committedStop(ctx context.Context, subjectID string, prior *model.Event, began time.Time) (model.Event, bool, error) {
	if prior != nil {
		e, err := r.next.GetEvent(ctx, prior.ID)
		if caerrors.IsNotFound(err) {
			return model.Event{}, false, nil
		}
		if err != nil {
			return model.Event{}, false, err
		}
		return e, e.EndTime != nil, nil
	}

	from := began.Add(-FallbackSessionDuration - time.Minute)
	events, err := r.next.FetchEvents(ctx, subjectID, from, r.cfg.Clock().Add(time.Minute))
	if err != nil {
		return model.Event{}, false, err
	}
	for _, e := range events {
		if e.Type == model.EventSleep && e.Note == FallbackSessionNote && e.EndTime != nil && !e.CreatedAt.Before(began) {
			return e, true, nil
		}
	}
	return model.Event{}, false, nil
}

func (r *Retrying) GetLastUsed(ctx context.Context, typ model.EventType) (*model.LastUsedValues, error) {
	return retryValue(ctx, r, "get_last_used", func() (*model.LastUsedValues, error) { return r.next.GetLastUsed(ctx, typ) })
}

func (r *Retrying) SaveLastUsed(ctx context.Context, lu model.LastUsedValues) error {
	return retryErr(ctx, r, "save_last_used", func() error { return r.next.SaveLastUsed(ctx, lu) })
}

func (r *Retrying) GetPrediction(ctx context.Context, subjectID string, kind model.PredictionKind) (*model.Prediction, error) {
	return retryValue(ctx, r, "get_prediction", func() (*model.Prediction, error) { return r.next.GetPrediction(ctx, subjectID, kind) })
}

func (r *Retrying) SavePrediction(ctx context.Context, p model.Prediction) error {
	return retryErr(ctx, r, "save_prediction", func() error { return r.next.SavePrediction(ctx, p) })
}

func (r *Retrying) GetSettings(ctx context.Context) (model.Settings, error) {
	return retryValue(ctx, r, "get_settings", func() (model.Settings, error) { return r.next.GetSettings(ctx) })
}

func (r *Retrying) SaveSettings(ctx context.Context, s model.Settings) error {
	return retryErr(ctx, r, "save_settings", func() error { return r.next.SaveSettings(ctx, s) })
}

func (r *Retrying) DeleteAllData(ctx context.Context) error {
	return retryErr(ctx, r, "delete_all_data", func() error { return r.next.DeleteAllData(ctx) })
}

func (r *Retrying) Close() error { return r.next.Close() }
