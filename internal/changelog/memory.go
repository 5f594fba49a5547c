package changelog

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/gestaozabele/geosync/internal/geo"
	"github.com/gestaozabele/geosync/internal/util"
)

// MemoryStore mantém o log em memória; usado em testes e no modo local.
type MemoryStore struct {
	mu       sync.Mutex
	versions VersionSource
	clock    util.Clock
	entries  []Entry
	byRecord map[string][]int
	byKey    map[string]int
}

// NewMemoryStore cria o store com a fonte de versão informada
// (contador a partir de zero quando nil).
func NewMemoryStore(versions VersionSource, clock util.Clock) *MemoryStore {
	if versions == nil {
		versions = NewCounterSource(Stamp{})
	}
	return &MemoryStore{
		versions: versions,
		clock:    clock,
		byRecord: make(map[string][]int),
		byKey:    make(map[string]int),
	}
}

func recordKey(table, recordID string) string { return table + "/" + recordID }

func idemKey(deviceID, key string) string { return deviceID + "\x00" + key }

func (m *MemoryStore) Append(ctx context.Context, c Change) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.DeviceID != "" && c.IdempotencyKey != "" {
		if idx, ok := m.byKey[idemKey(c.DeviceID, c.IdempotencyKey)]; ok {
			return m.entries[idx], true, nil
		}
	}

	if c.ExpectedLatest != nil {
		var latest Stamp
		if idxs := m.byRecord[recordKey(c.Table, c.RecordID)]; len(idxs) > 0 {
			latest = m.entries[idxs[len(idxs)-1]].Stamp
		}
		if latest != *c.ExpectedLatest {
			return Entry{}, false, ErrStaleBase
		}
	}

	stamp, err := m.versions.Next(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	e := Entry{
		ID:             util.NewUUID(),
		Table:          c.Table,
		RecordID:       c.RecordID,
		Stamp:          stamp,
		Operation:      c.Op,
		Snapshot:       c.Snapshot,
		Diff:           c.Diff,
		GeoNodeID:      c.GeoNodeID,
		GeoPath:        c.GeoPath,
		ActorID:        c.ActorID,
		DeviceID:       c.DeviceID,
		ClientChangeID: c.IdempotencyKey,
		CreatedAt:      m.clock.OrNow(),
	}
	if c.Within != nil {
		if err := c.Within(ctx, e); err != nil {
			return Entry{}, false, err
		}
	}

	m.entries = append(m.entries, e)
	idx := len(m.entries) - 1
	rk := recordKey(e.Table, e.RecordID)
	m.byRecord[rk] = append(m.byRecord[rk], idx)
	if c.DeviceID != "" && c.IdempotencyKey != "" {
		m.byKey[idemKey(c.DeviceID, c.IdempotencyKey)] = idx
	}
	return e, false, nil
}

func (m *MemoryStore) FindByIdempotencyKey(_ context.Context, deviceID, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.byKey[idemKey(deviceID, key)]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return m.entries[idx], nil
}

func (m *MemoryStore) Latest(_ context.Context, table, recordID string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idxs := m.byRecord[recordKey(table, recordID)]
	if len(idxs) == 0 {
		return Entry{}, ErrNotFound
	}
	return m.entries[idxs[len(idxs)-1]], nil
}

func (m *MemoryStore) After(_ context.Context, table, recordID string, base Stamp) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, idx := range m.byRecord[recordKey(table, recordID)] {
		if base.Less(m.entries[idx].Stamp) {
			out = append(out, m.entries[idx])
		}
	}
	return out, nil
}

func (m *MemoryStore) Range(_ context.Context, q RangeQuery) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if !q.From.Less(e.Stamp) || q.To.Less(e.Stamp) {
			continue
		}
		if q.Table != "" && e.Table != q.Table {
			continue
		}
		if len(q.Nodes) > 0 && !intersects(e.GeoPath, q.Nodes) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) HighWater(_ context.Context) (Stamp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return Stamp{}, nil
	}
	return m.entries[len(m.entries)-1].Stamp, nil
}

func intersects(p geo.Path, nodes []uuid.UUID) bool {
	for _, n := range nodes {
		if p.Contains(n) {
			return true
		}
	}
	return false
}
