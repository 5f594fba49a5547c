package device

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implementa Store em memória.
type MemoryStore struct {
	mu      sync.Mutex
	devices map[string]Device
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]Device)}
}

func (m *MemoryStore) Get(_ context.Context, deviceID string) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return Device{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) Save(_ context.Context, d Device, suspendOthers bool) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var suspended []Device
	if suspendOthers && d.Usable() {
		for id, other := range m.devices {
			if id == d.DeviceID || other.UserID != d.UserID || !other.Usable() {
				continue
			}
			other.Status = StatusSuspended
			other.StatusReason = "substituído por " + d.DeviceID
			other.UpdatedAt = d.UpdatedAt
			m.devices[id] = other
			suspended = append(suspended, other)
		}
	}
	m.devices[d.DeviceID] = d
	return suspended, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID uuid.UUID) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Device
	for _, d := range m.devices {
		if d.UserID == userID && !d.Deleted {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

func (m *MemoryStore) Touch(_ context.Context, deviceID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	d.LastSeenAt = &at
	m.devices[deviceID] = d
	return nil
}

func (m *MemoryStore) EligibleForTombstones(_ context.Context, deletedAt time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, d := range m.devices {
		if d.Status == StatusRevoked || d.Deleted || d.RegisteredAt.After(deletedAt) {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
