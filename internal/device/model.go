// Package device mantém o registro dos dispositivos de campo e suas credenciais.
package device

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("dispositivo não encontrado")
)

// Status do dispositivo. Transições são explícitas; nada é apagado em cascata.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
)

// Device é um aparelho registrado por um usuário.
type Device struct {
	DeviceID            string            `json:"device_id"`
	UserID              uuid.UUID         `json:"user_id"`
	Name                string            `json:"name,omitempty"`
	Platform            string            `json:"platform,omitempty"`
	AppVersion          string            `json:"app_version,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	Status              Status            `json:"status"`
	StatusReason        string            `json:"status_reason,omitempty"`
	CredentialHash      string            `json:"-"`
	CredentialExpiresAt *time.Time        `json:"credential_expires_at,omitempty"`
	Deleted             bool              `json:"deleted"`
	DeletedAt           *time.Time        `json:"deleted_at,omitempty"`
	RegisteredAt        time.Time         `json:"registered_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	LastSeenAt          *time.Time        `json:"last_seen_at,omitempty"`
}

// Usable indica se o dispositivo pode sincronizar.
func (d Device) Usable() bool {
	return d.Status == StatusActive && !d.Deleted
}

// RegisterInput descreve um registro ou re-registro.
type RegisterInput struct {
	UserID     uuid.UUID         `json:"-"`
	DeviceID   string            `json:"device_id"`
	Name       string            `json:"name"`
	Platform   string            `json:"platform"`
	AppVersion string            `json:"app_version"`
	Metadata   map[string]string `json:"metadata"`
}

// Store persiste dispositivos.
type Store interface {
	Get(ctx context.Context, deviceID string) (Device, error)
	// Save grava o dispositivo. Com suspendOthers, os demais dispositivos ativos
	// do usuário passam a suspended na mesma transação e são devolvidos.
	Save(ctx context.Context, d Device, suspendOthers bool) ([]Device, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]Device, error)
	Touch(ctx context.Context, deviceID string, at time.Time) error
	// EligibleForTombstones lista dispositivos não revogados nem removidos
	// registrados até o instante da exclusão.
	EligibleForTombstones(ctx context.Context, deletedAt time.Time) ([]string, error)
}

// SessionTerminator encerra as sessões abertas de um dispositivo.
type SessionTerminator interface {
	FailDeviceSessions(ctx context.Context, deviceID, code string) (int, error)
}
