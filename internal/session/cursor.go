package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gestaozabele/geosync/internal/changelog"
)

// Cursors expõe a posição efetiva de cada dispositivo por tabela. Uma
// leitura sem filtro de tabela também cobre todas as tabelas.
type Cursors struct {
	store CursorStore
}

func NewCursors(store CursorStore) *Cursors {
	return &Cursors{store: store}
}

// Effective devolve o maior entre o cursor da tabela e o cursor geral.
func (c *Cursors) Effective(ctx context.Context, deviceID, table string) (changelog.Stamp, error) {
	all, err := c.store.Get(ctx, deviceID, AllEntities)
	if err != nil {
		return changelog.Stamp{}, err
	}
	if table == "" || table == AllEntities {
		return all.Stamp, nil
	}
	own, err := c.store.Get(ctx, deviceID, table)
	if err != nil {
		return changelog.Stamp{}, err
	}
	return changelog.MaxStamp(all.Stamp, own.Stamp), nil
}

// MemoryCursorStore implementa CursorStore em memória.
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[string]Cursor
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]Cursor)}
}

func (m *MemoryCursorStore) key(deviceID, entityType string) string {
	return deviceID + "\x00" + cursorKey(entityType)
}

func (m *MemoryCursorStore) Get(_ context.Context, deviceID, entityType string) (Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[m.key(deviceID, entityType)]
	if !ok {
		return Cursor{DeviceID: deviceID, EntityType: cursorKey(entityType)}, nil
	}
	return c, nil
}

func (m *MemoryCursorStore) Advance(_ context.Context, deviceID, entityType string, to changelog.Stamp, at time.Time) (Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(deviceID, entityType)
	cur := m.cursors[k]
	if to.Less(cur.Stamp) {
		return cur, fmt.Errorf("%w: %s < %s", ErrCursorRegression, to, cur.Stamp)
	}
	next := Cursor{DeviceID: deviceID, EntityType: cursorKey(entityType), Stamp: to, SyncedAt: at}
	m.cursors[k] = next
	return next, nil
}

func (m *MemoryCursorStore) Reset(_ context.Context, deviceID, entityType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cursors, m.key(deviceID, entityType))
	return nil
}

func (m *MemoryCursorStore) ListByDevice(_ context.Context, deviceID string) ([]Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Cursor
	for _, c := range m.cursors {
		if c.DeviceID == deviceID {
			out = append(out, c)
		}
	}
	return out, nil
}
