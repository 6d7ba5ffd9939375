package disintegrate

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memStore is an in-memory EventStore for unit tests. It honors the same
// contract as the Postgres store: ids are assigned from a global sequence
// and an append fails when a committed event matching the validation query
// exists past lastSeen.
type memStore struct {
	mu     sync.Mutex
	events []PersistedEvent
	nextID int64
}

func newMemStore() *memStore {
	return &memStore{nextID: 1}
}

func (m *memStore) Scan(_ context.Context, query StreamQuery, lo, hi int64) ([]PersistedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PersistedEvent
	for _, e := range m.events {
		if e.ID <= lo || (hi > 0 && e.ID > hi) {
			continue
		}
		if query.Matches(e.Event) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) Append(_ context.Context, events []Event, validation StreamQuery, lastSeen int64) ([]PersistedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(events) == 0 {
		return nil, &ValidationError{
			EventStoreError: EventStoreError{Op: "append", Err: fmt.Errorf("events slice cannot be empty")},
			Field:           "events",
			Value:           "empty",
		}
	}
	if validation != nil {
		for _, e := range m.events {
			if e.ID > lastSeen && validation.Matches(e.Event) {
				return nil, &ConcurrencyError{
					EventStoreError: EventStoreError{
						Op:  "append",
						Err: fmt.Errorf("conflicting event %d past position %d", e.ID, lastSeen),
					},
					LastSeenID: lastSeen,
				}
			}
		}
	}

	committed := make([]PersistedEvent, len(events))
	for i, e := range events {
		committed[i] = PersistedEvent{ID: m.nextID, Event: e, InsertedAt: time.Now()}
		m.nextID++
	}
	m.events = append(m.events, committed...)
	return committed, nil
}

func (m *memStore) MaxEventID(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return 0, nil
	}
	return m.events[len(m.events)-1].ID, nil
}

func (m *memStore) seed(events ...Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		m.events = append(m.events, PersistedEvent{ID: m.nextID, Event: e, InsertedAt: time.Now()})
		m.nextID++
	}
}
