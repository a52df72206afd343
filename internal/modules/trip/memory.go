// README: In-memory trip repository used for single-node runs and tests.
package trip

import (
	"context"
	"sort"
	"sync"
	"time"

	"arkdispatch/internal/types"
)

type MemoryStore struct {
	mu     sync.RWMutex
	trips  map[types.ID]*Trip
	events []Event
	nextID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[types.ID]*Trip)}
}

func (m *MemoryStore) Create(_ context.Context, t *Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; ok {
		return ErrConflict
	}
	m.trips[t.ID] = t.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.clone(), nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, tr Transition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tr.TripID]
	if !ok || t.Status != tr.From || t.StatusVersion != tr.Version {
		return false, nil
	}
	t.Status = tr.To
	t.StatusVersion++
	switch {
	case tr.ClearDriver:
		t.DriverID = nil
	case tr.DriverID != nil:
		d := *tr.DriverID
		t.DriverID = &d
	}
	if tr.Reason != nil {
		r := *tr.Reason
		t.CancelReason = &r
	}
	stamp(t, tr.To, time.Now())
	return true, nil
}

func (m *MemoryStore) UpdateRoute(_ context.Context, id types.ID, route []types.Point, distanceKm, etaMin float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	t.Route = append([]types.Point(nil), route...)
	t.DistanceKm = distanceKm
	t.CurrentEtaMin = etaMin
	t.EtaUpdatedAt = &now
	return nil
}

func (m *MemoryStore) UpdateEta(_ context.Context, id types.ID, etaMin float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return ErrNotFound
	}
	t.CurrentEtaMin = etaMin
	t.EtaUpdatedAt = &at
	return nil
}

func (m *MemoryStore) AddPassengers(_ context.Context, id types.ID, n, capacity int) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return 0, 0, ErrNotFound
	}
	boarded := boardedCount(t.Passengers, n, capacity)
	overflow := t.Passengers + n - boarded
	t.Passengers = boarded
	return boarded, overflow, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, statuses ...Status) ([]*Trip, error) {
	return m.list(time.Time{}, statuses), nil
}

func (m *MemoryStore) ListCreatedSince(_ context.Context, since time.Time, statuses ...Status) ([]*Trip, error) {
	return m.list(since, statuses), nil
}

func (m *MemoryStore) list(since time.Time, statuses []Status) []*Trip {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Trip
	for _, t := range m.trips {
		if t.CreatedAt.Before(since) || !hasStatus(statuses, t.Status) {
			continue
		}
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) AppendEvent(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	ev := *e
	ev.ID = m.nextID
	m.events = append(m.events, ev)
	return nil
}

// Events returns the recorded lifecycle events of one trip in order.
func (m *MemoryStore) Events(id types.ID) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, e := range m.events {
		if e.TripID == id {
			out = append(out, e)
		}
	}
	return out
}

func (m *MemoryStore) HasActiveByPassenger(_ context.Context, passengerID types.ID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trips {
		if t.PassengerID == passengerID && hasStatus(ActiveStatuses, t.Status) {
			return true, nil
		}
	}
	return false, nil
}

func hasStatus(statuses []Status, s Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}
