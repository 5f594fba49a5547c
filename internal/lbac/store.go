package lbac

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persiste atribuições, restrições, delegações, histórico e auditoria.
type Store interface {
	ActiveAssignments(ctx context.Context, userID uuid.UUID, now time.Time) ([]Assignment, error)
	ActiveDelegations(ctx context.Context, userID uuid.UUID, now time.Time) ([]Delegation, error)
	Constraints(ctx context.Context, permission string) ([]Constraint, error)

	// CreateAssignment grava a atribuição e encerra, na mesma transação, as
	// atribuições ativas do mesmo tipo do usuário na data de início da nova,
	// devolvendo-as já alteradas.
	CreateAssignment(ctx context.Context, a Assignment) ([]Assignment, error)
	GetAssignment(ctx context.Context, id uuid.UUID) (Assignment, error)
	RevokeAssignment(ctx context.Context, id uuid.UUID, at time.Time) (Assignment, error)
	// ExpireAssignments desativa as vencidas e ativa as agendadas cuja vigência começou.
	ExpireAssignments(ctx context.Context, now time.Time) (expired, activated []Assignment, err error)

	AppendHistory(ctx context.Context, entries ...HistoryEntry) error
	History(ctx context.Context, userID uuid.UUID) ([]HistoryEntry, error)

	InsertConstraint(ctx context.Context, c Constraint) error

	InsertDelegation(ctx context.Context, d Delegation) error
	GetDelegation(ctx context.Context, id uuid.UUID) (Delegation, error)
	RevokeDelegation(ctx context.Context, id uuid.UUID, at time.Time) (Delegation, error)
	// ConsumeDelegation incrementa o uso se a delegação ainda puder ser usada;
	// o status passa a used_up ao atingir o limite.
	ConsumeDelegation(ctx context.Context, id uuid.UUID, now time.Time) (Delegation, bool, error)
	// RefreshDelegations ativa pendentes cuja vigência começou e expira as vencidas.
	RefreshDelegations(ctx context.Context, now time.Time) ([]Delegation, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Audit(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}
