// Package conflict detecta edições concorrentes e aplica a tabela de políticas
// de resolução, enviando à revisão manual o que não pode ser resolvido.
package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gestaozabele/geosync/internal/changelog"
	"github.com/gestaozabele/geosync/internal/entity"
	"github.com/gestaozabele/geosync/internal/geo"
)

var (
	ErrNotFound        = errors.New("conflito não encontrado")
	ErrAlreadyResolved = errors.New("conflito já resolvido")
	ErrInvalidChoice   = errors.New("escolha de resolução inválida")
	ErrInvalidPolicy   = errors.New("política de conflito inválida")
)

// Type classifica o conflito.
type Type string

const (
	TypeConcurrentUpdate Type = "concurrent_update"
	TypeDeletedOnServer  Type = "deleted_on_server"
	TypeValidationError  Type = "validation_error"
)

// Resolution é a política aplicada (ou o desfecho registrado).
type Resolution string

const (
	ServerWins   Resolution = "server_wins"
	ClientWins   Resolution = "client_wins"
	Merge        Resolution = "merge"
	Manual       Resolution = "manual"
	DeletionWins Resolution = "deletion_wins"
)

// Status do conflito.
type Status string

const (
	StatusResolved      Status = "resolved"
	StatusPendingReview Status = "pending_review"
)

// Action é o que a sessão deve fazer com a operação.
type Action string

const (
	ActionApply  Action = "apply"
	ActionSkip   Action = "skip"
	ActionManual Action = "manual"
)

// Conflict registra a divergência com valores de servidor, cliente e final.
type Conflict struct {
	ID            uuid.UUID       `json:"id"`
	SessionID     string          `json:"session_id"`
	DeviceID      string          `json:"device_id"`
	UserID        uuid.UUID       `json:"user_id"`
	Table         string          `json:"table"`
	RecordID      string          `json:"record_id"`
	FieldName     string          `json:"field_name,omitempty"`
	Operation     changelog.Op    `json:"op"`
	Type          Type            `json:"conflict_type"`
	BaseVersion   changelog.Stamp `json:"base_version"`
	ServerVersion changelog.Stamp `json:"server_version"`
	ServerValue   json.RawMessage `json:"server_value,omitempty"`
	ClientValue   json.RawMessage `json:"client_value,omitempty"`
	FinalValue    json.RawMessage `json:"final_value,omitempty"`
	Resolution    Resolution      `json:"resolution"`
	Status        Status          `json:"status"`
	GeoNodeID     uuid.UUID       `json:"geo_node_id"`
	GeoPath       geo.Path        `json:"-"`
	ResolvedBy    *uuid.UUID      `json:"resolved_by,omitempty"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Incoming é a operação do cliente a conferir contra o estado do servidor.
type Incoming struct {
	SessionID   string
	DeviceID    string
	UserID      uuid.UUID
	Table       string
	RecordID    string
	Op          changelog.Op
	BaseVersion changelog.Stamp
	Fields      entity.Fields
	GeoNodeID   uuid.UUID
	GeoPath     geo.Path
}

// Result orienta a sessão. Patch traz os campos a gravar e Record o registro
// resultante; ambos nulos em exclusões.
type Result struct {
	Action     Action
	Patch      entity.Fields
	Record     entity.Fields
	Resolution Resolution
	Conflicts  []Conflict
}

// Conflicted indica que houve divergência, mesmo resolvida automaticamente.
func (r Result) Conflicted() bool { return len(r.Conflicts) > 0 }

// Filter restringe a fila de revisão.
type Filter struct {
	Table     string
	UserID    *uuid.UUID
	SessionID string
	Status    Status
	Limit     int
}

// Store persiste conflitos.
type Store interface {
	Insert(ctx context.Context, cs ...Conflict) error
	Get(ctx context.Context, id uuid.UUID) (Conflict, error)
	List(ctx context.Context, f Filter) ([]Conflict, error)
	// MarkResolved só altera conflitos ainda pendentes; caso contrário devolve ErrAlreadyResolved.
	MarkResolved(ctx context.Context, id uuid.UUID, resolution Resolution, final json.RawMessage, reviewer uuid.UUID, at time.Time) (Conflict, error)
}

// ChangeHistory informa o que mudou no servidor desde a versão base.
type ChangeHistory interface {
	ChangedFieldsSince(ctx context.Context, table, recordID string, base changelog.Stamp) ([]string, bool, error)
}

// Applier grava no log a versão do cliente escolhida pelo revisor.
type Applier interface {
	ApplyConflict(ctx context.Context, c Conflict, reviewer uuid.UUID) (changelog.Entry, error)
}
