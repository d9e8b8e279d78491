package callstore

import (
	"context"
	"sync"
	"time"
)

// Per-call retention caps for the in-memory store. The realtime surfaces
// only ever read the most recent slice of history, so older rows can be
// trimmed without observable effect.
const (
	memMaxEventsPerCall = 500
	memMaxAlertsPerCall = 200
)

// MemStore is the default, process-local [Store]. State is lost on
// restart, which matches the realtime plane's delivery guarantees.
type MemStore struct {
	mu          sync.RWMutex
	calls       map[string]Call
	events      map[string][]Event
	alerts      map[string][]Alert
	alertByID   map[int64]*Alert
	nextEventID int64
	nextAlertID int64
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		calls:     make(map[string]Call),
		events:    make(map[string][]Event),
		alerts:    make(map[string][]Alert),
		alertByID: make(map[int64]*Alert),
	}
}

func (m *MemStore) GetCall(_ context.Context, id string) (Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[id]
	if !ok {
		return Call{}, ErrCallNotFound
	}
	c.Metadata = CloneMetadata(c.Metadata)
	return c, nil
}

func (m *MemStore) PutCall(_ context.Context, c Call) error {
	c.Metadata = CloneMetadata(c.Metadata)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[c.ID] = c
	return nil
}

func (m *MemStore) AppendEvent(_ context.Context, e Event) (Event, error) {
	e.Metadata = CloneMetadata(e.Metadata)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	e.ID = m.nextEventID
	evs := append(m.events[e.CallID], e)
	if len(evs) > memMaxEventsPerCall {
		evs = evs[len(evs)-memMaxEventsPerCall:]
	}
	m.events[e.CallID] = evs
	return e, nil
}

func (m *MemStore) RecentEvents(_ context.Context, callID string, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	evs := m.events[callID]
	if limit > 0 && len(evs) > limit {
		evs = evs[len(evs)-limit:]
	}
	out := make([]Event, len(evs))
	copy(out, evs)
	return out, nil
}

func (m *MemStore) InsertAlert(_ context.Context, a Alert) (Alert, error) {
	a.Metadata = CloneMetadata(a.Metadata)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAlertID++
	a.ID = m.nextAlertID
	als := append(m.alerts[a.CallID], a)
	if len(als) > memMaxAlertsPerCall {
		delete(m.alertByID, als[0].ID)
		als = als[len(als)-memMaxAlertsPerCall:]
	}
	m.alerts[a.CallID] = als
	// Appending may have reallocated the backing array; refresh pointers.
	for i := range als {
		m.alertByID[als[i].ID] = &als[i]
	}
	return a, nil
}

func (m *MemStore) GetAlert(_ context.Context, id int64) (Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alertByID[id]
	if !ok {
		return Alert{}, ErrAlertNotFound
	}
	return *a, nil
}

func (m *MemStore) AckAlert(_ context.Context, id int64, at time.Time) (Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alertByID[id]
	if !ok {
		return Alert{}, false, ErrAlertNotFound
	}
	if a.Acknowledged {
		return *a, false, nil
	}
	a.Acknowledged = true
	t := at
	a.AcknowledgedAt = &t
	return *a, true, nil
}

func (m *MemStore) RecentAlerts(_ context.Context, callID string, limit int) ([]Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	als := m.alerts[callID]
	n := len(als)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]Alert, 0, n)
	for i := len(als) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, als[i])
	}
	return out, nil
}

func (m *MemStore) ListAlerts(_ context.Context, callID string, openOnly bool, limit int) ([]Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pool [][]Alert
	if callID != "" {
		pool = [][]Alert{m.alerts[callID]}
	} else {
		pool = make([][]Alert, 0, len(m.alerts))
		for _, als := range m.alerts {
			pool = append(pool, als)
		}
	}

	var out []Alert
	for _, als := range pool {
		for i := len(als) - 1; i >= 0; i-- {
			if openOnly && als[i].Acknowledged {
				continue
			}
			out = append(out, als[i])
		}
	}
	// Newest first across calls.
	sortAlertsByCreatedDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortAlertsByCreatedDesc(als []Alert) {
	// Insertion sort; alert lists on this path are small.
	for i := 1; i < len(als); i++ {
		for j := i; j > 0 && als[j].CreatedAt.After(als[j-1].CreatedAt); j-- {
			als[j], als[j-1] = als[j-1], als[j]
		}
	}
}

func (m *MemStore) LastAlertTime(_ context.Context, callID, alertType string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	als := m.alerts[callID]
	for i := len(als) - 1; i >= 0; i-- {
		if als[i].AlertType == alertType {
			return als[i].CreatedAt, true, nil
		}
	}
	return time.Time{}, false, nil
}

func (m *MemStore) Close() {}
