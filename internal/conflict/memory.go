package conflict

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implementa Store em memória.
type MemoryStore struct {
	mu        sync.Mutex
	conflicts []Conflict
	byID      map[uuid.UUID]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[uuid.UUID]int)}
}

func (m *MemoryStore) Insert(_ context.Context, cs ...Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range cs {
		m.byID[c.ID] = len(m.conflicts)
		m.conflicts = append(m.conflicts, c)
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byID[id]
	if !ok {
		return Conflict{}, ErrNotFound
	}
	return m.conflicts[i], nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Conflict
	for _, c := range m.conflicts {
		if f.Table != "" && c.Table != f.Table {
			continue
		}
		if f.UserID != nil && c.UserID != *f.UserID {
			continue
		}
		if f.SessionID != "" && c.SessionID != f.SessionID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		out = append(out, c)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkResolved(_ context.Context, id uuid.UUID, resolution Resolution, final json.RawMessage, reviewer uuid.UUID, at time.Time) (Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byID[id]
	if !ok {
		return Conflict{}, ErrNotFound
	}
	c := m.conflicts[i]
	if c.Status != StatusPendingReview {
		return Conflict{}, ErrAlreadyResolved
	}
	c.Status = StatusResolved
	c.Resolution = resolution
	c.FinalValue = final
	c.ResolvedBy = &reviewer
	c.ResolvedAt = &at
	m.conflicts[i] = c
	return c, nil
}
