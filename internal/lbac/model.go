// Package lbac decide o acesso a recursos conforme a jurisdição geográfica do usuário.
package lbac

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gestaozabele/geosync/internal/geo"
)

var (
	ErrNotFound          = errors.New("registro lbac não encontrado")
	ErrInvalidWindow     = errors.New("janela de vigência inválida")
	ErrSelfDelegation    = errors.New("delegação para o próprio usuário")
	ErrDelegatorNoScope  = errors.New("delegante não possui o escopo delegado")
	ErrLevelMismatch     = errors.New("nível da restrição difere do escopo")
	ErrInvalidConstraint = errors.New("restrição inválida")
	ErrAlreadyRevoked    = errors.New("registro já revogado")
	ErrInvalidAssignment = errors.New("atribuição inválida")
)

// AllPermissions concede todas as ações em uma delegação.
const AllPermissions = "*"

// Motivos estáveis das decisões.
const (
	ReasonAllowed            = "allowed"
	ReasonAllowedDelegation  = "allowed_by_delegation"
	ReasonNoActiveAssignment = "no_active_assignment"
	ReasonOutOfScope         = "out_of_scope"
	ReasonExclusive          = "exclusive_constraint"
)

// AssignmentType classifica a atribuição de jurisdição.
type AssignmentType string

const (
	AssignmentPermanent AssignmentType = "permanent"
	AssignmentTemporary AssignmentType = "temporary"
	AssignmentEmergency AssignmentType = "emergency"
)

func (t AssignmentType) Valid() bool {
	switch t {
	case AssignmentPermanent, AssignmentTemporary, AssignmentEmergency:
		return true
	}
	return false
}

// Assignment vincula um usuário a um escopo geográfico.
type Assignment struct {
	ID        uuid.UUID      `json:"id"`
	UserID    uuid.UUID      `json:"user_id"`
	Scope     geo.Scope      `json:"scope"`
	Type      AssignmentType `json:"assignment_type"`
	StartDate time.Time      `json:"start_date"`
	EndDate   *time.Time     `json:"end_date,omitempty"`
	IsActive  bool           `json:"is_active"`
	CreatedBy uuid.UUID      `json:"created_by"`
	CreatedAt time.Time      `json:"created_at"`
	RevokedAt *time.Time     `json:"revoked_at,omitempty"`
}

// EffectiveAt indica se a atribuição vale no instante informado.
func (a Assignment) EffectiveAt(now time.Time) bool {
	if !a.IsActive || a.RevokedAt != nil || now.Before(a.StartDate) {
		return false
	}
	return a.EndDate == nil || now.Before(*a.EndDate)
}

// HistoryAction descreve a mudança registrada no histórico.
type HistoryAction string

const (
	HistoryCreated    HistoryAction = "created"
	HistorySuperseded HistoryAction = "superseded"
	HistoryRevoked    HistoryAction = "revoked"
	HistoryExpired    HistoryAction = "expired"
)

// HistoryEntry registra a mudança de uma atribuição.
type HistoryEntry struct {
	ID           uuid.UUID     `json:"id"`
	UserID       uuid.UUID     `json:"user_id"`
	AssignmentID uuid.UUID     `json:"assignment_id"`
	Action       HistoryAction `json:"action"`
	Previous     *Assignment   `json:"previous,omitempty"`
	Current      *Assignment   `json:"current,omitempty"`
	ActorID      uuid.UUID     `json:"actor_id"`
	Reason       string        `json:"reason,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// ConstraintType define se a restrição inclui ou exclui.
type ConstraintType string

const (
	ConstraintInclusive ConstraintType = "inclusive"
	ConstraintExclusive ConstraintType = "exclusive"
)

// Constraint refina uma permissão dentro de um escopo. Menor prioridade vence.
type Constraint struct {
	ID         uuid.UUID      `json:"id"`
	Permission string         `json:"permission"`
	Scope      geo.Scope      `json:"scope"`
	Level      geo.Level      `json:"level"`
	Type       ConstraintType `json:"constraint_type"`
	Priority   int            `json:"priority"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (c Constraint) validate() error {
	if c.Permission == "" || !c.Scope.Valid() {
		return ErrInvalidConstraint
	}
	if c.Type != ConstraintInclusive && c.Type != ConstraintExclusive {
		return ErrInvalidConstraint
	}
	if c.Level != c.Scope.Level() {
		return ErrLevelMismatch
	}
	return nil
}

// DelegationStatus é o ciclo de vida de uma delegação.
type DelegationStatus string

const (
	DelegationPending DelegationStatus = "pending"
	DelegationActive  DelegationStatus = "active"
	DelegationExpired DelegationStatus = "expired"
	DelegationRevoked DelegationStatus = "revoked"
	DelegationUsedUp  DelegationStatus = "used_up"
)

// Delegation transfere temporariamente parte do escopo de um usuário a outro.
type Delegation struct {
	ID                uuid.UUID        `json:"id"`
	FromUserID        uuid.UUID        `json:"from_user_id"`
	ToUserID          uuid.UUID        `json:"to_user_id"`
	Permissions       []string         `json:"permissions"`
	Scope             geo.Scope        `json:"scope"`
	StartDate         time.Time        `json:"start_date"`
	EndDate           time.Time        `json:"end_date"`
	MaxUsageCount     *int             `json:"max_usage_count,omitempty"`
	CurrentUsageCount int              `json:"current_usage_count"`
	Status            DelegationStatus `json:"status"`
	Reason            string           `json:"reason,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	RevokedAt         *time.Time       `json:"revoked_at,omitempty"`
}

// IsActive reflete apenas o status.
func (d Delegation) IsActive() bool { return d.Status == DelegationActive }

// UsableAt indica se a delegação pode conceder acesso no instante.
func (d Delegation) UsableAt(now time.Time) bool {
	if !d.IsActive() || now.Before(d.StartDate) || !now.Before(d.EndDate) {
		return false
	}
	return d.MaxUsageCount == nil || d.CurrentUsageCount < *d.MaxUsageCount
}

// Grants indica se a delegação cobre a ação.
func (d Delegation) Grants(action string) bool {
	for _, p := range d.Permissions {
		if p == AllPermissions || p == action {
			return true
		}
	}
	return false
}

// Decision é o resultado de uma autorização.
type Decision struct {
	Allowed       bool       `json:"allow"`
	Reason        string     `json:"reason"`
	ViaDelegation *uuid.UUID `json:"via_delegation,omitempty"`
	FromCache     bool       `json:"from_cache"`
}

// AuditEntry registra cada decisão tomada.
type AuditEntry struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	Action     string     `json:"action"`
	GeoNodeID  uuid.UUID  `json:"geo_node_id"`
	Allowed    bool       `json:"allowed"`
	Reason     string     `json:"reason"`
	Delegation *uuid.UUID `json:"delegation_id,omitempty"`
	FromCache  bool       `json:"from_cache"`
	ElapsedMS  float64    `json:"elapsed_ms"`
	CreatedAt  time.Time  `json:"created_at"`
}

// AuditFilter restringe a consulta ao log de auditoria.
type AuditFilter struct {
	UserID *uuid.UUID
	Since  *time.Time
	Limit  int
}
