// Package session conduz as sessões de sincronização: envio de lotes,
// leitura incremental filtrada por LBAC e confirmação de cursores.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gestaozabele/geosync/internal/changelog"
	"github.com/gestaozabele/geosync/internal/tombstone"
)

var (
	ErrNotFound         = errors.New("sessão não encontrada")
	ErrNotInProgress    = errors.New("sessão não está em andamento")
	ErrCursorRegression = errors.New("cursor anterior ao já confirmado")
)

// Type indica o sentido da sincronização.
type Type string

const (
	TypePull     Type = "pull"
	TypePush     Type = "push"
	TypeFullSync Type = "full_sync"
)

func (t Type) Valid() bool {
	switch t {
	case TypePull, TypePush, TypeFullSync:
		return true
	}
	return false
}

func (t Type) pulls() bool { return t == TypePull || t == TypeFullSync }

// Status da sessão.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllEntities é a chave de cursor usada quando a leitura não filtra tabela.
const AllEntities = "*"

// Session registra uma troca de sincronização de um dispositivo.
type Session struct {
	ID             string          `json:"id"`
	DeviceID       string          `json:"device_id"`
	UserID         uuid.UUID       `json:"user_id"`
	Type           Type            `json:"type"`
	Status         Status          `json:"status"`
	Total          int             `json:"total_records"`
	Successful     int             `json:"successful_records"`
	Failed         int             `json:"failed_records"`
	Conflicted     int             `json:"conflict_records"`
	PendingKeys    []string        `json:"pending_keys,omitempty"`
	LastSyncCursor changelog.Stamp `json:"last_sync_cursor"`
	ServedCursor   changelog.Stamp `json:"served_cursor"`
	EntityType     string          `json:"entity_type,omitempty"`
	Acknowledged   bool            `json:"acknowledged"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
}

// Active indica se a sessão ainda aceita chamadas.
func (s Session) Active() bool { return s.Status == StatusInProgress }

// Pending conta operações recebidas sem desfecho definitivo.
func (s Session) Pending() int { return len(s.PendingKeys) }

func (s Session) pulled() bool { return !s.ServedCursor.IsZero() || s.EntityType != "" }

// Operation é uma mutação enviada pelo cliente.
type Operation struct {
	IdempotencyKey  string          `json:"idempotency_key"`
	Table           string          `json:"table"`
	RecordID        string          `json:"record_id"`
	Op              string          `json:"op"`
	BaseVersion     changelog.Stamp `json:"base_version"`
	Payload         json.RawMessage `json:"payload"`
	ClientTimestamp *time.Time      `json:"client_timestamp,omitempty"`
}

// SyncStatus é o desfecho de uma operação.
type SyncStatus string

const (
	SyncSynced   SyncStatus = "synced"
	SyncConflict SyncStatus = "conflict"
	SyncFailed   SyncStatus = "failed"
)

// Outcome é o resultado por operação, gravado por (dispositivo, chave).
type Outcome struct {
	IdempotencyKey string           `json:"idempotency_key"`
	Table          string           `json:"table"`
	RecordID       string           `json:"record_id"`
	Status         SyncStatus       `json:"status"`
	Version        *changelog.Stamp `json:"version,omitempty"`
	Resolution     string           `json:"resolution,omitempty"`
	ConflictIDs    []uuid.UUID      `json:"conflict_ids,omitempty"`
	Code           string           `json:"code,omitempty"`
	Message        string           `json:"message,omitempty"`
	Retryable      bool             `json:"retryable,omitempty"`
	Attempts       int              `json:"attempts,omitempty"`
	Replayed       bool             `json:"replayed,omitempty"`
}

// BatchResult agrupa os desfechos do lote.
type BatchResult struct {
	Accepted  []Outcome `json:"accepted"`
	Rejected  []Outcome `json:"rejected"`
	Conflicts []Outcome `json:"conflicts"`
}

func (r *BatchResult) add(o Outcome) {
	switch {
	case o.Status == SyncConflict:
		r.Conflicts = append(r.Conflicts, o)
	case o.Status == SyncSynced:
		r.Accepted = append(r.Accepted, o)
	default:
		r.Rejected = append(r.Rejected, o)
	}
}

// PullRequest parametriza uma leitura incremental.
type PullRequest struct {
	Since      *changelog.Stamp
	EntityType string
	Limit      int
}

// PullResult é uma página de alterações visíveis ao usuário.
type PullResult struct {
	Changes        []changelog.Entry     `json:"changes"`
	Tombstones     []tombstone.Tombstone `json:"tombstones"`
	NextCursor     changelog.Stamp       `json:"next_cursor"`
	HasMore        bool                  `json:"has_more"`
	ResyncRequired bool                  `json:"resync_required"`
}

// Cursor é a última posição confirmada por dispositivo e tipo de entidade.
type Cursor struct {
	DeviceID   string          `json:"device_id"`
	EntityType string          `json:"entity_type"`
	Stamp      changelog.Stamp `json:"last_sync_cursor"`
	SyncedAt   time.Time       `json:"last_sync_timestamp"`
}

// Store persiste sessões e desfechos de operações.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	// Update grava a sessão somente se ela ainda estiver em andamento.
	Update(ctx context.Context, s Session) error
	OpenByDevice(ctx context.Context, deviceID string) ([]Session, error)
	Idle(ctx context.Context, before time.Time, limit int) ([]Session, error)

	GetOutcome(ctx context.Context, deviceID, key string) (Outcome, error)
	SaveOutcome(ctx context.Context, deviceID, sessionID string, o Outcome) error
}

// CursorStore mantém os cursores confirmados. Advance nunca retrocede;
// só Reset volta o cursor a zero, quando o cliente precisa ressincronizar.
type CursorStore interface {
	Get(ctx context.Context, deviceID, entityType string) (Cursor, error)
	Advance(ctx context.Context, deviceID, entityType string, to changelog.Stamp, at time.Time) (Cursor, error)
	Reset(ctx context.Context, deviceID, entityType string) error
	ListByDevice(ctx context.Context, deviceID string) ([]Cursor, error)
}

// cursorKey normaliza o tipo de entidade.
func cursorKey(entityType string) string {
	if entityType == "" {
		return AllEntities
	}
	return entityType
}
