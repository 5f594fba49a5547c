package lbac

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implementa Store em memória.
type MemoryStore struct {
	mu          sync.Mutex
	assignments map[uuid.UUID]Assignment
	constraints []Constraint
	delegations map[uuid.UUID]Delegation
	history     []HistoryEntry
	audit       []AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assignments: make(map[uuid.UUID]Assignment),
		delegations: make(map[uuid.UUID]Delegation),
	}
}

func (m *MemoryStore) ActiveAssignments(_ context.Context, userID uuid.UUID, now time.Time) ([]Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Assignment
	for _, a := range m.assignments {
		if a.UserID == userID && a.EffectiveAt(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ActiveDelegations(_ context.Context, userID uuid.UUID, _ time.Time) ([]Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Delegation
	for _, d := range m.delegations {
		if d.ToUserID == userID && d.IsActive() {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Constraints(_ context.Context, permission string) ([]Constraint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Constraint
	for _, c := range m.constraints {
		if c.Permission == permission {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateAssignment(_ context.Context, a Assignment) ([]Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var superseded []Assignment
	for id, prev := range m.assignments {
		if prev.UserID != a.UserID || prev.Type != a.Type || !prev.IsActive || prev.RevokedAt != nil {
			continue
		}
		if prev.EndDate != nil && !prev.EndDate.After(a.StartDate) {
			continue
		}
		end := a.StartDate
		prev.EndDate = &end
		if a.IsActive {
			prev.IsActive = false
		}
		m.assignments[id] = prev
		superseded = append(superseded, prev)
	}
	m.assignments[a.ID] = a
	return superseded, nil
}

func (m *MemoryStore) GetAssignment(_ context.Context, id uuid.UUID) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return Assignment{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) RevokeAssignment(_ context.Context, id uuid.UUID, at time.Time) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return Assignment{}, ErrNotFound
	}
	if a.RevokedAt != nil {
		return Assignment{}, ErrAlreadyRevoked
	}
	a.IsActive = false
	a.RevokedAt = &at
	m.assignments[id] = a
	return a, nil
}

func (m *MemoryStore) ExpireAssignments(_ context.Context, now time.Time) ([]Assignment, []Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired, activated []Assignment
	for id, a := range m.assignments {
		if a.RevokedAt != nil {
			continue
		}
		ended := a.EndDate != nil && !now.Before(*a.EndDate)
		switch {
		case a.IsActive && ended:
			a.IsActive = false
			m.assignments[id] = a
			expired = append(expired, a)
		case !a.IsActive && !ended && !now.Before(a.StartDate):
			// inativa sem revogação nem fim: agendada
			a.IsActive = true
			m.assignments[id] = a
			activated = append(activated, a)
		}
	}
	return expired, activated, nil
}

func (m *MemoryStore) AppendHistory(_ context.Context, entries ...HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, entries...)
	return nil
}

func (m *MemoryStore) History(_ context.Context, userID uuid.UUID) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []HistoryEntry
	for _, h := range m.history {
		if h.UserID == userID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *MemoryStore) InsertConstraint(_ context.Context, c Constraint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.constraints = append(m.constraints, c)
	return nil
}

func (m *MemoryStore) InsertDelegation(_ context.Context, d Delegation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delegations[d.ID] = d
	return nil
}

func (m *MemoryStore) GetDelegation(_ context.Context, id uuid.UUID) (Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.delegations[id]
	if !ok {
		return Delegation{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) RevokeDelegation(_ context.Context, id uuid.UUID, at time.Time) (Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.delegations[id]
	if !ok {
		return Delegation{}, ErrNotFound
	}
	if d.Status == DelegationRevoked {
		return Delegation{}, ErrAlreadyRevoked
	}
	d.Status = DelegationRevoked
	d.RevokedAt = &at
	m.delegations[id] = d
	return d, nil
}

func (m *MemoryStore) ConsumeDelegation(_ context.Context, id uuid.UUID, now time.Time) (Delegation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.delegations[id]
	if !ok {
		return Delegation{}, false, ErrNotFound
	}
	if !d.UsableAt(now) {
		return d, false, nil
	}
	d.CurrentUsageCount++
	if d.MaxUsageCount != nil && d.CurrentUsageCount >= *d.MaxUsageCount {
		d.Status = DelegationUsedUp
	}
	m.delegations[id] = d
	return d, true, nil
}

func (m *MemoryStore) RefreshDelegations(_ context.Context, now time.Time) ([]Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed []Delegation
	for id, d := range m.delegations {
		switch {
		case (d.Status == DelegationPending || d.Status == DelegationActive) && !now.Before(d.EndDate):
			d.Status = DelegationExpired
		case d.Status == DelegationPending && !now.Before(d.StartDate):
			d.Status = DelegationActive
		default:
			continue
		}
		m.delegations[id] = d
		changed = append(changed, d)
	}
	return changed, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *MemoryStore) Audit(_ context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if f.UserID != nil && e.UserID != *f.UserID {
			continue
		}
		if f.Since != nil && e.CreatedAt.Before(*f.Since) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}
