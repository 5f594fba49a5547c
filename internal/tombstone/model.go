// Package tombstone registra exclusões e acompanha sua propagação aos dispositivos.
package tombstone

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gestaozabele/geosync/internal/changelog"
	"github.com/gestaozabele/geosync/internal/geo"
)

var ErrNotFound = errors.New("lápide não encontrada")

// Status acompanha a propagação da exclusão.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPropagated Status = "propagated"
	StatusFailed     Status = "failed"
)

// Tombstone registra que um registro foi excluído e precisa ser removido dos clientes.
type Tombstone struct {
	ID                  uuid.UUID       `json:"id"`
	Table               string          `json:"table"`
	RecordID            string          `json:"record_id"`
	Stamp               changelog.Stamp `json:"version"`
	DeletedAt           time.Time       `json:"deleted_at"`
	DeletedBy           uuid.UUID       `json:"deleted_by"`
	Reason              string          `json:"reason"`
	RecordHash          string          `json:"record_hash"`
	Snapshot            json.RawMessage `json:"-"`
	GeoNodeID           uuid.UUID       `json:"geo_node_id"`
	GeoPath             geo.Path        `json:"-"`
	PropagationStatus   Status          `json:"propagation_status"`
	PropagationAttempts int             `json:"propagation_attempts"`
	EscalatedAt         *time.Time      `json:"-"`
	ExpiresAt           time.Time       `json:"expires_at"`
}

// Deletion descreve a exclusão a registrar.
type Deletion struct {
	ActorID   uuid.UUID
	Table     string
	RecordID  string
	Reason    string
	Stamp     changelog.Stamp
	Snapshot  json.RawMessage
	GeoNodeID uuid.UUID
	GeoPath   geo.Path
}

// Query seleciona lápides com carimbo em (From, To].
type Query struct {
	From  changelog.Stamp
	To    changelog.Stamp
	Table string
	Nodes []uuid.UUID
	Limit int
}

// Store persiste lápides, entregas e o horizonte de coleta.
type Store interface {
	// Insert grava a lápide; se (tabela, registro, carimbo) já existe devolve a existente e true.
	Insert(ctx context.Context, t Tombstone) (Tombstone, bool, error)
	Latest(ctx context.Context, table, recordID string) (Tombstone, error)
	Range(ctx context.Context, q Query) ([]Tombstone, error)
	// RecordDeliveries incrementa as tentativas por (lápide, dispositivo) e devolve o novo total.
	RecordDeliveries(ctx context.Context, deviceID string, ids []uuid.UUID, at time.Time) (map[uuid.UUID]int, error)
	Unsettled(ctx context.Context, limit int) ([]Tombstone, error)
	SetStatus(ctx context.Context, id uuid.UUID, status Status, expiresAt time.Time) error
	MarkEscalated(ctx context.Context, ids []uuid.UUID, at time.Time) error
	Unescalated(ctx context.Context, limit int) ([]Tombstone, error)
	Expired(ctx context.Context, now time.Time, limit int) ([]Tombstone, error)
	Delete(ctx context.Context, ids []uuid.UUID) error
	AdvanceHorizon(ctx context.Context, table string, s changelog.Stamp) error
	Horizon(ctx context.Context, table string) (changelog.Stamp, error)
}

// DeviceLister lista os dispositivos que precisam receber uma exclusão.
type DeviceLister interface {
	EligibleForTombstones(ctx context.Context, deletedAt time.Time) ([]string, error)
}

// CursorReader informa até onde o dispositivo confirmou a tabela.
type CursorReader interface {
	Effective(ctx context.Context, deviceID, table string) (changelog.Stamp, error)
}
