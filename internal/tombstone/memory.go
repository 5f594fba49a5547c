package tombstone

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gestaozabele/geosync/internal/changelog"
)

type deliveryKey struct {
	tombstone uuid.UUID
	device    string
}

// MemoryStore implementa Store em memória.
type MemoryStore struct {
	mu         sync.Mutex
	tombstones map[uuid.UUID]Tombstone
	deliveries map[deliveryKey]int
	horizons   map[string]changelog.Stamp
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tombstones: make(map[uuid.UUID]Tombstone),
		deliveries: make(map[deliveryKey]int),
		horizons:   make(map[string]changelog.Stamp),
	}
}

func (m *MemoryStore) Insert(_ context.Context, t Tombstone) (Tombstone, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tombstones {
		if existing.Table == t.Table && existing.RecordID == t.RecordID && existing.Stamp == t.Stamp {
			return existing, true, nil
		}
	}
	m.tombstones[t.ID] = t
	return t, false, nil
}

func (m *MemoryStore) Latest(_ context.Context, table, recordID string) (Tombstone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best  Tombstone
		found bool
	)
	for _, t := range m.tombstones {
		if t.Table != table || t.RecordID != recordID {
			continue
		}
		if !found || best.Stamp.Less(t.Stamp) {
			best, found = t, true
		}
	}
	if !found {
		return Tombstone{}, ErrNotFound
	}
	return best, nil
}

func (m *MemoryStore) sorted(filter func(Tombstone) bool) []Tombstone {
	var out []Tombstone
	for _, t := range m.tombstones {
		if filter(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stamp.Less(out[j].Stamp) })
	return out
}

func (m *MemoryStore) Range(_ context.Context, q Query) ([]Tombstone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sorted(func(t Tombstone) bool {
		if !q.From.Less(t.Stamp) || q.To.Less(t.Stamp) {
			return false
		}
		if q.Table != "" && t.Table != q.Table {
			return false
		}
		if len(q.Nodes) > 0 {
			for _, n := range q.Nodes {
				if t.GeoPath.Contains(n) {
					return true
				}
			}
			return false
		}
		return true
	})
	return limit(out, q.Limit), nil
}

func (m *MemoryStore) RecordDeliveries(_ context.Context, deviceID string, ids []uuid.UUID, _ time.Time) (map[uuid.UUID]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]int, len(ids))
	for _, id := range ids {
		k := deliveryKey{tombstone: id, device: deviceID}
		m.deliveries[k]++
		out[id] = m.deliveries[k]
		if t, ok := m.tombstones[id]; ok && out[id] > t.PropagationAttempts {
			t.PropagationAttempts = out[id]
			m.tombstones[id] = t
		}
	}
	return out, nil
}

func (m *MemoryStore) Unsettled(_ context.Context, n int) ([]Tombstone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return limit(m.sorted(func(t Tombstone) bool { return t.PropagationStatus != StatusPropagated }), n), nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id uuid.UUID, status Status, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tombstones[id]
	if !ok {
		return ErrNotFound
	}
	t.PropagationStatus = status
	t.ExpiresAt = expiresAt
	m.tombstones[id] = t
	return nil
}

func (m *MemoryStore) MarkEscalated(_ context.Context, ids []uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if t, ok := m.tombstones[id]; ok {
			ts := at
			t.EscalatedAt = &ts
			m.tombstones[id] = t
		}
	}
	return nil
}

func (m *MemoryStore) Unescalated(_ context.Context, n int) ([]Tombstone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return limit(m.sorted(func(t Tombstone) bool {
		return t.PropagationStatus == StatusFailed && t.EscalatedAt == nil
	}), n), nil
}

func (m *MemoryStore) Expired(_ context.Context, now time.Time, n int) ([]Tombstone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return limit(m.sorted(func(t Tombstone) bool { return !t.ExpiresAt.After(now) }), n), nil
}

func (m *MemoryStore) Delete(_ context.Context, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.tombstones, id)
		for k := range m.deliveries {
			if k.tombstone == id {
				delete(m.deliveries, k)
			}
		}
	}
	return nil
}

func (m *MemoryStore) AdvanceHorizon(_ context.Context, table string, s changelog.Stamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.horizons[table] = changelog.MaxStamp(m.horizons[table], s)
	return nil
}

func (m *MemoryStore) Horizon(_ context.Context, table string) (changelog.Stamp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.horizons[table], nil
}

func limit(ts []Tombstone, n int) []Tombstone {
	if n > 0 && len(ts) > n {
		return ts[:n]
	}
	return ts
}
