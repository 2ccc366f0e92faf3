package queue

import (
	"context"

	"go.uber.org/zap"

	caerrors "github.com/nuzzle/caresync/internal/errors"
	"github.com/nuzzle/caresync/internal/model"
	"github.com/nuzzle/caresync/internal/storage"
)

// Syncing wraps a store so every successful local mutation is also sent to
// the remote. While connected with nothing queued for the record the push
// happens inline. Otherwise, or when the remote is unavailable, the
// mutation is queued. Callers always get the local result.
type Syncing struct {
	storage.Store
	queue  *Queue
	pusher Pusher
	online func() bool
	logger *zap.Logger
}

var _ storage.Store = (*Syncing)(nil)

// NewSyncing decorates next. online reports current connectivity.
func NewSyncing(next storage.Store, q *Queue, pusher Pusher, online func() bool, logger *zap.Logger) *Syncing {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncing{
		Store:  next,
		queue:  q,
		pusher: pusher,
		online: online,
		logger: logger.With(zap.String("component", "syncing")),
	}
}

// Unwrap returns the decorated store.
func (s *Syncing) Unwrap() storage.Store {
	return s.Store
}

func (s *Syncing) AddSubject(ctx context.Context, subj model.Subject) (model.Subject, error) {
	out, err := s.Store.AddSubject(ctx, subj)
	if err == nil {
		s.forward(ctx, model.KindSubject, out.ID, func() error { return s.pusher.PushSubject(ctx, out) },
			func() (Entry, error) { return s.queue.EnqueueSubject(ctx, out) })
	}
	return out, err
}

func (s *Syncing) UpdateSubject(ctx context.Context, subj model.Subject) (model.Subject, error) {
	out, err := s.Store.UpdateSubject(ctx, subj)
	if err == nil {
		s.forward(ctx, model.KindSubject, out.ID, func() error { return s.pusher.PushSubject(ctx, out) },
			func() (Entry, error) { return s.queue.EnqueueSubject(ctx, out) })
	}
	return out, err
}

func (s *Syncing) DeleteSubject(ctx context.Context, id string) error {
	err := s.Store.DeleteSubject(ctx, id)
	if err == nil {
		s.forwardDelete(ctx, model.KindSubject, id)
	}
	return err
}

func (s *Syncing) AddEvent(ctx context.Context, e model.Event) (model.Event, error) {
	out, err := s.Store.AddEvent(ctx, e)
	if err == nil {
		s.forwardEvent(ctx, out)
	}
	return out, err
}

func (s *Syncing) UpdateEvent(ctx context.Context, e model.Event) (model.Event, error) {
	out, err := s.Store.UpdateEvent(ctx, e)
	if err == nil {
		s.forwardEvent(ctx, out)
	}
	return out, err
}

func (s *Syncing) DeleteEvent(ctx context.Context, id string) error {
	err := s.Store.DeleteEvent(ctx, id)
	if err == nil {
		s.forwardDelete(ctx, model.KindEvent, id)
	}
	return err
}

func (s *Syncing) StartActiveSession(ctx context.Context, subjectID string) (model.Event, error) {
	out, err := s.Store.StartActiveSession(ctx, subjectID)
	if err == nil {
		s.forwardEvent(ctx, out)
	}
	return out, err
}

func (s *Syncing) StopActiveSession(ctx context.Context, subjectID string) (model.Event, error) {
	out, err := s.Store.StopActiveSession(ctx, subjectID)
	if err == nil {
		s.forwardEvent(ctx, out)
	}
	return out, err
}

func (s *Syncing) forwardEvent(ctx context.Context, e model.Event) {
	s.forward(ctx, model.KindEvent, e.ID, func() error { return s.pusher.PushEvent(ctx, e) },
		func() (Entry, error) { return s.queue.EnqueueEvent(ctx, e) })
}

func (s *Syncing) forwardDelete(ctx context.Context, kind model.RecordKind, id string) {
	s.forward(ctx, kind, id, func() error { return s.pusher.PushDelete(ctx, kind, id) },
		func() (Entry, error) { return s.queue.EnqueueDelete(ctx, kind, id) })
}

func (s *Syncing) forward(ctx context.Context, kind model.RecordKind, id string, push func() error, enqueue func() (Entry, error)) {
	if s.online() {
		pending, err := s.queue.PendingFor(ctx, kind, id)
		if err == nil && pending == 0 {
			err = push()
			switch {
			case err == nil:
				return
			case !caerrors.IsRemoteUnavailable(err):
				// The remote refused the record; queueing it would only
				// block the record's later changes.
				s.logger.Warn("remote push rejected",
					zap.String("kind", string(kind)), zap.String("record_id", id), zap.Error(err))
				return
			}
			s.logger.Debug("remote unavailable, queueing", zap.String("record_id", id), zap.Error(err))
		}
	}

	if _, err := enqueue(); err != nil {
		s.logger.Error("failed to queue remote push",
			zap.String("kind", string(kind)), zap.String("record_id", id), zap.Error(err))
		return
	}
	if s.online() {
		s.queue.Kick()
	}
}
