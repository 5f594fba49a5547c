package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implementa Store em memória.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	outcomes map[string]Outcome
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		outcomes: make(map[string]Outcome),
	}
}

func (m *MemoryStore) Create(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) Update(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if !ok {
		return ErrNotFound
	}
	if !cur.Active() {
		return ErrNotInProgress
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) OpenByDevice(_ context.Context, deviceID string) ([]Session, error) {
	return m.filter(func(s Session) bool { return s.DeviceID == deviceID && s.Active() }, 0), nil
}

func (m *MemoryStore) Idle(_ context.Context, before time.Time, limit int) ([]Session, error) {
	return m.filter(func(s Session) bool { return s.Active() && s.UpdatedAt.Before(before) }, limit), nil
}

func (m *MemoryStore) filter(keep func(Session) bool, limit int) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) GetOutcome(_ context.Context, deviceID, key string) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outcomes[deviceID+"\x00"+key]
	if !ok {
		return Outcome{}, ErrNotFound
	}
	return o, nil
}

func (m *MemoryStore) SaveOutcome(_ context.Context, deviceID, _ string, o Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := deviceID + "\x00" + o.IdempotencyKey
	if _, ok := m.outcomes[k]; !ok {
		m.outcomes[k] = o
	}
	return nil
}
