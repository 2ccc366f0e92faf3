package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Call records one mutating request a Memory store accepted.
type Call struct {
	Op       string // upsert_events, delete_event, upsert_subjects, delete_subject
	RecordID string
	Record   *EventRecord
}

// Memory is an in-process API with fault injection. It is safe for
// concurrent use.
type Memory struct {
	mu       sync.Mutex
	familyID string
	subjects map[string]SubjectRecord
	events   map[string]EventRecord
	calls    []Call

	offline  bool
	failNext int
	failErr  error
	failOps  map[string]bool
	requests int
}

var _ API = (*Memory)(nil)

// NewMemory creates an empty store for familyID.
func NewMemory(familyID string) *Memory {
	return &Memory{
		familyID: familyID,
		subjects: make(map[string]SubjectRecord),
		events:   make(map[string]EventRecord),
	}
}

// SetOffline makes every call fail with remote.unavailable while true.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailNext makes the next n calls to any of ops fail with err. With no ops
// every operation counts. A nil err means remote.unavailable.
func (m *Memory) FailNext(n int, err error, ops ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failErr = err
	m.failOps = nil
	if len(ops) > 0 {
		m.failOps = make(map[string]bool, len(ops))
		for _, op := range ops {
			m.failOps[op] = true
		}
	}
}

// Requests counts every call made, failed ones included.
func (m *Memory) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// Calls returns the accepted mutations in arrival order.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Event returns the stored copy of id.
func (m *Memory) Event(id string) (EventRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.events[id]
	return r, ok
}

// EventCount returns the number of stored events.
func (m *Memory) EventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// PutEvent stores r directly, bypassing faults and the call log. Tests use
// it to stage edits made by another device.
func (m *Memory) PutEvent(r EventRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.FamilyID = m.familyID
	m.events[r.ID] = r
}

// PutSubject stores r directly.
func (m *Memory) PutSubject(r SubjectRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.FamilyID = m.familyID
	m.subjects[r.ID] = r
}

// enter must be called with m.mu held.
func (m *Memory) enter(op string) error {
	m.requests++
	if m.offline {
		return Unavailable(op, fmt.Errorf("network is offline"))
	}
	if m.failNext > 0 && (m.failOps == nil || m.failOps[op]) {
		m.failNext--
		if m.failErr != nil {
			return m.failErr
		}
		return Unavailable(op, fmt.Errorf("injected failure"))
	}
	return nil
}

func (m *Memory) GetEvents(ctx context.Context, ids []string) (map[string]EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("get_events"); err != nil {
		return nil, err
	}
	out := make(map[string]EventRecord, len(ids))
	for _, id := range ids {
		if r, ok := m.events[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func (m *Memory) UpsertEvents(ctx context.Context, records []EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("upsert_events"); err != nil {
		return err
	}
	for _, r := range records {
		r.FamilyID = m.familyID
		m.events[r.ID] = r
		stored := r
		m.calls = append(m.calls, Call{Op: "upsert_events", RecordID: r.ID, Record: &stored})
	}
	return nil
}

func (m *Memory) DeleteEvent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("delete_event"); err != nil {
		return err
	}
	delete(m.events, id)
	m.calls = append(m.calls, Call{Op: "delete_event", RecordID: id})
	return nil
}

func (m *Memory) EventsUpdatedSince(ctx context.Context, since time.Time) ([]EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("events_updated_since"); err != nil {
		return nil, err
	}
	out := []EventRecord{}
	for _, r := range m.events {
		if !r.UpdatedAt.Before(since) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) GetSubjects(ctx context.Context, ids []string) (map[string]SubjectRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("get_subjects"); err != nil {
		return nil, err
	}
	out := make(map[string]SubjectRecord, len(ids))
	for _, id := range ids {
		if r, ok := m.subjects[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func (m *Memory) UpsertSubjects(ctx context.Context, records []SubjectRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("upsert_subjects"); err != nil {
		return err
	}
	for _, r := range records {
		r.FamilyID = m.familyID
		m.subjects[r.ID] = r
		m.calls = append(m.calls, Call{Op: "upsert_subjects", RecordID: r.ID})
	}
	return nil
}

func (m *Memory) DeleteSubject(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("delete_subject"); err != nil {
		return err
	}
	delete(m.subjects, id)
	for eid, r := range m.events {
		if r.SubjectID == id {
			delete(m.events, eid)
		}
	}
	m.calls = append(m.calls, Call{Op: "delete_subject", RecordID: id})
	return nil
}

func (m *Memory) Subjects(ctx context.Context) ([]SubjectRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("subjects"); err != nil {
		return nil, err
	}
	out := make([]SubjectRecord, 0, len(m.subjects))
	for _, r := range m.subjects {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
