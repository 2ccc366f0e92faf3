package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	caerrors "github.com/nuzzle/caresync/internal/errors"
	"github.com/nuzzle/caresync/internal/model"
)

const family = "fam-1"

var base = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func event(id, subject string, updated time.Time) EventRecord {
	amount := 120.0
	return EventRecord{
		ID:        id,
		SubjectID: subject,
		Type:      string(model.EventFeed),
		Subtype:   "bottle",
		StartTime: base,
		Amount:    &amount,
		Unit:      "ml",
		CreatedAt: base,
		UpdatedAt: updated,
	}
}

func runContract(t *testing.T, api API) {
	ctx := context.Background()

	t.Run("SubjectsRoundTrip", func(t *testing.T) {
		err := api.UpsertSubjects(ctx, []SubjectRecord{{
			ID: "s1", Name: "Ada", DateOfBirth: base.AddDate(0, -3, 0),
			Timezone: "UTC", CreatedAt: base, UpdatedAt: base,
		}})
		require.NoError(t, err)

		subjects, err := api.Subjects(ctx)
		require.NoError(t, err)
		require.Len(t, subjects, 1)
		assert.Equal(t, "Ada", subjects[0].Name)
		assert.Equal(t, family, subjects[0].FamilyID)

		found, err := api.GetSubjects(ctx, []string{"s1", "missing"})
		require.NoError(t, err)
		assert.Len(t, found, 1)
		assert.Contains(t, found, "s1")
	})

	t.Run("EventsUpsertAndLookup", func(t *testing.T) {
		require.NoError(t, api.UpsertEvents(ctx, []EventRecord{
			event("e1", "s1", base),
			event("e2", "s1", base.Add(time.Hour)),
		}))

		found, err := api.GetEvents(ctx, []string{"e1", "e2", "e3"})
		require.NoError(t, err)
		require.Len(t, found, 2)
		require.NotNil(t, found["e1"].Amount)
		assert.InDelta(t, 120.0, *found["e1"].Amount, 0.001)
		assert.True(t, found["e2"].UpdatedAt.Equal(base.Add(time.Hour)))

		updated := event("e1", "s1", base.Add(2*time.Hour))
		updated.Note = "edited"
		require.NoError(t, api.UpsertEvents(ctx, []EventRecord{updated}))
		found, err = api.GetEvents(ctx, []string{"e1"})
		require.NoError(t, err)
		assert.Equal(t, "edited", found["e1"].Note)
	})

	t.Run("UpdatedSinceIsInclusive", func(t *testing.T) {
		since, err := api.EventsUpdatedSince(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		ids := make([]string, 0, len(since))
		for _, r := range since {
			ids = append(ids, r.ID)
		}
		assert.Equal(t, []string{"e2", "e1"}, ids)
	})

	t.Run("DeleteMissingSucceeds", func(t *testing.T) {
		require.NoError(t, api.DeleteEvent(ctx, "e2"))
		require.NoError(t, api.DeleteEvent(ctx, "e2"))
		found, err := api.GetEvents(ctx, []string{"e2"})
		require.NoError(t, err)
		assert.Empty(t, found)
	})

	t.Run("DeleteSubjectRemovesEvents", func(t *testing.T) {
		require.NoError(t, api.DeleteSubject(ctx, "s1"))
		subjects, err := api.Subjects(ctx)
		require.NoError(t, err)
		assert.Empty(t, subjects)
		found, err := api.GetEvents(ctx, []string{"e1"})
		require.NoError(t, err)
		assert.Empty(t, found)
	})
}

func TestMemoryContract(t *testing.T) {
	runContract(t, NewMemory(family))
}

func TestHTTPContract(t *testing.T) {
	srv := httptest.NewServer(NewHandler(family, NewMemory(family), nil))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, FamilyID: family, APIKey: "k"}, nil)
	require.NoError(t, err)
	runContract(t, client)
}

func TestSQLContract(t *testing.T) {
	store, err := OpenSQL(context.Background(), filepath.Join(t.TempDir(), "remote.db"), family, nil)
	require.NoError(t, err)
	defer store.Close()
	runContract(t, store)
}

func TestSQLStoreScopesByFamily(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote.db")
	ctx := context.Background()

	a, err := OpenSQL(ctx, path, "fam-a", nil)
	require.NoError(t, err)
	require.NoError(t, a.UpsertEvents(ctx, []EventRecord{event("e1", "s1", base)}))
	require.NoError(t, a.Close())

	b, err := OpenSQL(ctx, path, "fam-b", nil)
	require.NoError(t, err)
	defer b.Close()
	found, err := b.GetEvents(ctx, []string{"e1"})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestMemoryFaults(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(family)

	m.SetOffline(true)
	err := m.UpsertEvents(ctx, []EventRecord{event("e1", "s1", base)})
	assert.True(t, caerrors.IsRemoteUnavailable(err))
	m.SetOffline(false)

	m.FailNext(1, nil, "upsert_events")
	_, err = m.GetEvents(ctx, []string{"e1"})
	require.NoError(t, err, "only the named op fails")
	err = m.UpsertEvents(ctx, []EventRecord{event("e1", "s1", base)})
	assert.True(t, caerrors.IsRemoteUnavailable(err))
	require.NoError(t, m.UpsertEvents(ctx, []EventRecord{event("e1", "s1", base)}))

	assert.Equal(t, 1, m.EventCount())
	assert.Equal(t, 4, m.Requests())
	calls := m.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "e1", calls[0].RecordID)
}

func TestHTTPClientMapsStatus(t *testing.T) {
	status := http.StatusServiceUnavailable
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(status)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, FamilyID: family, APIKey: "secret"}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.Subjects(ctx)
	assert.True(t, caerrors.IsRemoteUnavailable(err))
	assert.Equal(t, "Bearer secret", auth)

	status = http.StatusUnprocessableEntity
	err = client.UpsertEvents(ctx, []EventRecord{event("e1", "s1", base)})
	assert.True(t, caerrors.HasCode(err, caerrors.CodeRemoteRejected))

	status = http.StatusNotFound
	assert.NoError(t, client.DeleteEvent(ctx, "gone"))
}

func TestHTTPClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := NewHTTPClient(HTTPConfig{BaseURL: url, FamilyID: family, Timeout: time.Second}, nil)
	require.NoError(t, err)
	_, err = client.EventsUpdatedSince(context.Background(), base)
	assert.True(t, caerrors.IsRemoteUnavailable(err))
}

func TestHandlerRejectsOtherFamily(t *testing.T) {
	srv := httptest.NewServer(NewHandler(family, NewMemory(family), nil))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, FamilyID: "other"}, nil)
	require.NoError(t, err)
	subjects, err := client.Subjects(context.Background())
	require.NoError(t, err, "unknown family reads as not found")
	assert.Empty(t, subjects)
}

func TestHandlerSurfacesRejection(t *testing.T) {
	m := NewMemory(family)
	m.FailNext(1, Rejected("upsert_events", errors.New("bad record")))
	srv := httptest.NewServer(NewHandler(family, m, nil))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, FamilyID: family}, nil)
	require.NoError(t, err)
	err = client.UpsertEvents(context.Background(), []EventRecord{event("e1", "s1", base)})
	assert.True(t, caerrors.HasCode(err, caerrors.CodeRemoteRejected))
}

func TestConversions(t *testing.T) {
	end := base.Add(45 * time.Minute)
	e := model.Event{
		ID: "e1", SubjectID: "s1", Type: model.EventSleep, Subtype: "nap",
		StartTime: base, EndTime: &end, CreatedAt: base, UpdatedAt: end,
	}
	r := FromEvent(e, family)
	assert.Equal(t, family, r.FamilyID)
	back := r.Event()
	assert.Equal(t, e.ID, back.ID)
	require.NotNil(t, back.EndTime)
	assert.True(t, back.EndTime.Equal(end))
	assert.Nil(t, back.Amount)

	s := model.Subject{ID: "s1", Name: "Ada", Timezone: "UTC", DateOfBirth: base}
	assert.Equal(t, s.Name, FromSubject(s, family).Subject().Name)
}
