// Package storetest is a conformance suite run against every storage.Store
// backend so callers can rely on identical behavior.
package storetest

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	caerrors "github.com/nuzzle/caresync/internal/errors"
	"github.com/nuzzle/caresync/internal/model"
	"github.com/nuzzle/caresync/internal/storage"
	"github.com/nuzzle/caresync/internal/testutil"
)

// Epoch is where every suite clock starts.
var Epoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// Factory opens a fresh, empty, ready backend for one test. The backend
// must read time from opts.Clock.
type Factory func(t *testing.T, opts storage.Options) storage.Store

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	setup := func(t *testing.T, policy storage.SessionPolicy) (storage.Store, *testutil.ManualClock, model.Subject) {
		t.Helper()
		clock := testutil.NewManualClock(Epoch)
		s := newStore(t, storage.Options{Clock: clock.Now, SessionPolicy: policy})
		t.Cleanup(func() { _ = s.Close() })

		subject, err := s.AddSubject(context.Background(), model.NewSubject("Ada", Epoch.AddDate(0, -2, 0), Epoch))
		require.NoError(t, err)
		return s, clock, subject
	}

	t.Run("RejectsInvalidAmount", func(t *testing.T) {
		s, _, subject := setup(t, storage.SessionReject)
		ctx := context.Background()

		for _, amount := range []float64{0, -10, math.NaN(), math.Inf(1)} {
			e := model.NewEvent(subject.ID, model.EventFeed, Epoch, Epoch)
			e.Subtype = "bottle"
			e.Amount = model.Float(amount)
			_, err := s.AddEvent(ctx, e)
			require.Error(t, err)
			assert.True(t, caerrors.IsValidation(err), "amount %v: got %v", amount, err)

			_, err = s.GetEvent(ctx, e.ID)
			assert.True(t, caerrors.IsNotFound(err), "rejected event must not be persisted")
		}

		events, err := s.FetchEvents(ctx, subject.ID, Epoch.Add(-time.Hour), Epoch.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, events)

		lu, err := s.GetLastUsed(ctx, model.EventFeed)
		require.NoError(t, err)
		assert.Nil(t, lu, "failed add must not touch last-used values")
	})

	t.Run("RejectsEndBeforeStartAndFarFuture", func(t *testing.T) {
		s, _, subject := setup(t, storage.SessionReject)
		ctx := context.Background()

		e := model.NewEvent(subject.ID, model.EventSleep, Epoch, Epoch)
		e.EndTime = model.Time(Epoch.Add(-time.Minute))
		_, err := s.AddEvent(ctx, e)
		assert.True(t, caerrors.IsValidation(err))

		future := model.NewEvent(subject.ID, model.EventDiaper, Epoch.Add(25*time.Hour), Epoch)
		_, err = s.AddEvent(ctx, future)
		assert.True(t, caerrors.IsValidation(err))
	})

	t.Run("FeedFetchedByDay", func(t *testing.T) {
		s, _, subject := setup(t, storage.SessionReject)
		ctx := context.Background()

		e := model.NewEvent(subject.ID, model.EventFeed, Epoch, Epoch)
		e.Subtype = "bottle"
		e.Amount = model.Float(120)
		e.Unit = "ml"
		_, err := s.AddEvent(ctx, e)
		require.NoError(t, err)

		// Events the day before and after must not leak in.
		for _, at := range []time.Time{Epoch.AddDate(0, 0, -1), Epoch.AddDate(0, 0, 1)} {
			other := model.NewEvent(subject.ID, model.EventDiaper, at, Epoch)
			other.Subtype = "wet"
			_, err := s.AddEvent(ctx, other)
			require.NoError(t, err)
		}

		events, err := storage.FetchEventsDay(ctx, s, subject.ID, Epoch, time.UTC)
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.NotNil(t, events[0].Amount)
		assert.Equal(t, 120.0, *events[0].Amount)
		assert.Equal(t, "ml", events[0].Unit)

		lu, err := s.GetLastUsed(ctx, model.EventFeed)
		require.NoError(t, err)
		require.NotNil(t, lu)
		require.NotNil(t, lu.Amount)
		assert.Equal(t, 120.0, *lu.Amount)
	})

	t.Run("FetchEventsNewestFirst", func(t *testing.T) {
		s, _, subject := setup(t, storage.SessionReject)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			e := model.NewEvent(subject.ID, model.EventDiaper, Epoch.Add(time.Duration(i)*time.Hour), Epoch)
			_, err := s.AddEvent(ctx, e)
			require.NoError(t, err)
		}

		events, err := s.FetchEvents(ctx, subject.ID, Epoch, Epoch.Add(3*time.Hour))
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.True(t, events[0].StartTime.After(events[1].StartTime))
		assert.True(t, events[1].StartTime.After(events[2].StartTime))

		// The upper bound is exclusive.
		events, err = s.FetchEvents(ctx, subject.ID, Epoch, Epoch.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("StartStopSession", func(t *testing.T) {
		s, clock, subject := setup(t, storage.SessionReject)
		ctx := context.Background()

		started, err := s.StartActiveSession(ctx, subject.ID)
		require.NoError(t, err)
		assert.True(t, started.IsOpen())

		active, err := s.GetActiveSession(ctx, subject.ID)
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, started.ID, active.ID)

		clock.Advance(45 * time.Minute)
		stopped, err := s.StopActiveSession(ctx, subject.ID)
		require.NoError(t, err)
		assert.Equal(t, started.ID, stopped.ID)
		require.NotNil(t, stopped.EndTime)
		assert.False(t, stopped.EndTime.Before(stopped.StartTime))
		assert.Equal(t, 45, stopped.DurationMinutes())

		active, err = s.GetActiveSession(ctx, subject.ID)
		require.NoError(t, err)
		assert.Nil(t, active)
	})

	t.Run("StopWithoutStartSynthesizesNap", func(t *testing.T) {
		s, clock, subject := setup(t, storage.SessionReject)
		ctx := context.Background()

		now := clock.Now()
		stopped, err := s.StopActiveSession(ctx, subject.ID)
		require.NoError(t, err)
		require.NotNil(t, stopped.EndTime)
		assert.Equal(t, model.EventSleep, stopped.Type)
		assert.Equal(t, storage.SessionSubtype, stopped.Subtype)
		assert.Equal(t, int(storage.FallbackSessionDuration/time.Minute), stopped.DurationMinutes())
		assert.True(t, stopped.EndTime.Equal(now))

		stored, err := s.GetEvent(ctx, stopped.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.FallbackSessionNote, stored.Note)
	})

	t.Run("StartWhileRunningRejected", func(t *testing.T) {
		s, _, subject := setup(t, storage.SessionReject)
		ctx := context.Background()

		first, err := s.StartActiveSession(ctx, subject.ID)
		require.NoError(t, err)

		_, err = s.StartActiveSession(ctx, subject.ID)
		assert.Equal(t, caerrors.CodeSessionAlreadyRunning, caerrors.GetCode(err))

		active, err := s.GetActiveSession(ctx, subject.ID)
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, first.ID, active.ID, "running session must be untouched")
	})

	t.Run("StartWhileRunningReplaces", func(t *testing.T) {
		s, clock, subject := setup(t, storage.SessionReplace)
		ctx := context.Background()

		first, err := s.StartActiveSession(ctx, subject.ID)
		require.NoError(t, err)
		clock.Advance(20 * time.Minute)

		second, err := s.StartActiveSession(ctx, subject.ID)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)

		closed, err := s.GetEvent(ctx, first.ID)
		require.NoError(t, err)
		require.NotNil(t, closed.EndTime, "replaced session is closed, not lost")
		assert.Equal(t, 20, closed.DurationMinutes())

		active, err := s.GetActiveSession(ctx, subject.ID)
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, second.ID, active.ID)
	})

	t.Run("UpdateAndDeleteEvent", func(t *testing.T) {
		s, clock, subject := setup(t, storage.SessionReject)
		ctx := context.Background()

		added, err := s.AddEvent(ctx, model.NewEvent(subject.ID, model.EventTummyTime, Epoch, Epoch))
		require.NoError(t, err)

		clock.Advance(time.Minute)
		added.Note = "rolled over"
		updated, err := s.UpdateEvent(ctx, added)
		require.NoError(t, err)
		assert.Equal(t, "rolled over", updated.Note)
		assert.True(t, updated.UpdatedAt.After(added.CreatedAt))

		bad := updated
		bad.EndTime = model.Time(bad.StartTime.Add(-time.Hour))
		_, err = s.UpdateEvent(ctx, bad)
		assert.True(t, caerrors.IsValidation(err))

		got, err := s.GetEvent(ctx, added.ID)
		require.NoError(t, err)
		assert.Nil(t, got.EndTime, "failed update leaves the record untouched")

		require.NoError(t, s.DeleteEvent(ctx, added.ID))
		_, err = s.GetEvent(ctx, added.ID)
		assert.True(t, caerrors.IsNotFound(err))

		_, err = s.UpdateEvent(ctx, added)
		assert.True(t, caerrors.IsNotFound(err))
	})

	t.Run("UpdateKeepsNewerIncomingTimestamp", func(t *testing.T) {
		s, _, subject := setup(t, storage.SessionReject)
		ctx := context.Background()

		added, err := s.AddEvent(ctx, model.NewEvent(subject.ID, model.EventDiaper, Epoch, Epoch))
		require.NoError(t, err)

		remote := added
		remote.Subtype = "dirty"
		remote.UpdatedAt = Epoch.Add(3 * time.Hour)
		updated, err := s.UpdateEvent(ctx, remote)
		require.NoError(t, err)
		assert.True(t, updated.UpdatedAt.Equal(remote.UpdatedAt))
	})

	t.Run("ChangedSince", func(t *testing.T) {
		s, clock, subject := setup(t, storage.SessionReject)
		ctx := context.Background()

		_, err := s.AddEvent(ctx, model.Event{SubjectID: subject.ID, Type: model.EventDiaper, StartTime: Epoch})
		require.NoError(t, err)
		mark := clock.Advance(time.Minute)
		clock.Advance(time.Minute)
		later, err := s.AddEvent(ctx, model.Event{SubjectID: subject.ID, Type: model.EventDiaper, StartTime: Epoch})
		require.NoError(t, err)

		changed, err := s.FetchEventsChangedSince(ctx, mark)
		require.NoError(t, err)
		require.Len(t, changed, 1)
		assert.Equal(t, later.ID, changed[0].ID)

		all, err := s.FetchEventsChangedSince(ctx, time.Time{})
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("DeleteSubjectCascades", func(t *testing.T) {
		s, _, subject := setup(t, storage.SessionReject)
		ctx := context.Background()

		other, err := s.AddSubject(ctx, model.NewSubject("Bo", Epoch.AddDate(0, -1, 0), Epoch))
		require.NoError(t, err)

		var ids []string
		for _, owner := range []string{subject.ID, subject.ID, other.ID} {
			e, err := s.AddEvent(ctx, model.NewEvent(owner, model.EventDiaper, Epoch, Epoch))
			require.NoError(t, err)
			ids = append(ids, e.ID)
		}

		require.NoError(t, s.DeleteSubject(ctx, subject.ID))

		_, err = s.GetSubject(ctx, subject.ID)
		assert.True(t, caerrors.IsNotFound(err))
		for _, id := range ids[:2] {
			_, err := s.GetEvent(ctx, id)
			assert.True(t, caerrors.IsNotFound(err), "event %s should be gone", id)
		}
		_, err = s.GetEvent(ctx, ids[2])
		assert.NoError(t, err, "other subject's events survive")

		subjects, err := s.FetchSubjects(ctx)
		require.NoError(t, err)
		require.Len(t, subjects, 1)
		assert.Equal(t, other.ID, subjects[0].ID)
	})

	t.Run("UpdateSubject", func(t *testing.T) {
		s, _, subject := setup(t, storage.SessionReject)
		ctx := context.Background()

		subject.Name = "Ada Lovelace"
		subject.FeedingStyle = "breast"
		updated, err := s.UpdateSubject(ctx, subject)
		require.NoError(t, err)
		assert.Equal(t, "Ada Lovelace", updated.Name)

		got, err := s.GetSubject(ctx, subject.ID)
		require.NoError(t, err)
		assert.Equal(t, "breast", got.FeedingStyle)

		subject.Sex = "unknown"
		_, err = s.UpdateSubject(ctx, subject)
		assert.True(t, caerrors.IsValidation(err))
	})

	t.Run("PredictionUpsert", func(t *testing.T) {
		s, _, subject := setup(t, storage.SessionReject)
		ctx := context.Background()

		got, err := s.GetPrediction(ctx, subject.ID, model.PredictionNextNap)
		require.NoError(t, err)
		assert.Nil(t, got)

		p := model.Prediction{SubjectID: subject.ID, Kind: model.PredictionNextNap, PredictedTime: Epoch.Add(time.Hour), Confidence: 0.4}
		require.NoError(t, s.SavePrediction(ctx, p))
		p.Confidence = 0.9
		p.Explanation = "wake window"
		require.NoError(t, s.SavePrediction(ctx, p))

		got, err = s.GetPrediction(ctx, subject.ID, model.PredictionNextNap)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 0.9, got.Confidence)
		assert.Equal(t, "wake window", got.Explanation)

		other, err := s.GetPrediction(ctx, subject.ID, model.PredictionNextFeed)
		require.NoError(t, err)
		assert.Nil(t, other)
	})

	t.Run("SettingsDefaultsAndSave", func(t *testing.T) {
		s, _, _ := setup(t, storage.SessionReject)
		ctx := context.Background()

		settings, err := s.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, "metric", settings.Units)

		settings.Units = "imperial"
		settings.QuotaCounters["ai_requests"] = 3
		require.NoError(t, s.SaveSettings(ctx, settings))

		got, err := s.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, "imperial", got.Units)
		assert.Equal(t, 3, got.QuotaCounters["ai_requests"])

		settings.Units = "stone"
		assert.True(t, caerrors.IsValidation(s.SaveSettings(ctx, settings)))
	})

	t.Run("LastUsedOverwrite", func(t *testing.T) {
		s, _, _ := setup(t, storage.SessionReject)
		ctx := context.Background()

		require.NoError(t, s.SaveLastUsed(ctx, model.LastUsedValues{EventType: model.EventFeed, Amount: model.Float(90), Unit: "ml"}))
		require.NoError(t, s.SaveLastUsed(ctx, model.LastUsedValues{EventType: model.EventFeed, Amount: model.Float(110), Unit: "ml"}))

		err := s.SaveLastUsed(ctx, model.LastUsedValues{EventType: model.EventFeed, Amount: model.Float(math.NaN()), Unit: "ml"})
		assert.True(t, caerrors.IsValidation(err))

		lu, err := s.GetLastUsed(ctx, model.EventFeed)
		require.NoError(t, err)
		require.NotNil(t, lu)
		assert.Equal(t, 110.0, *lu.Amount)
	})

	t.Run("DeleteAllDataKeepsSettings", func(t *testing.T) {
		s, _, subject := setup(t, storage.SessionReject)
		ctx := context.Background()

		_, err := s.AddEvent(ctx, model.NewEvent(subject.ID, model.EventDiaper, Epoch, Epoch))
		require.NoError(t, err)
		settings, err := s.GetSettings(ctx)
		require.NoError(t, err)
		settings.Units = "imperial"
		require.NoError(t, s.SaveSettings(ctx, settings))

		require.NoError(t, s.DeleteAllData(ctx))

		subjects, err := s.FetchSubjects(ctx)
		require.NoError(t, err)
		assert.Empty(t, subjects)
		all, err := s.FetchEventsChangedSince(ctx, time.Time{})
		require.NoError(t, err)
		assert.Empty(t, all)

		got, err := s.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, "imperial", got.Units)
	})
}
