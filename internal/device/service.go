package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gestaozabele/geosync/internal/apperr"
	"github.com/gestaozabele/geosync/internal/auth"
	"github.com/gestaozabele/geosync/internal/util"
)

// Options controla o comportamento do registro.
type Options struct {
	SingleActive  bool
	CredentialTTL time.Duration
	Hasher        *auth.Hasher
	Clock         util.Clock
}

// Service aplica as regras de registro, revogação e credenciais.
type Service struct {
	store    Store
	opts     Options
	sessions SessionTerminator
	logger   zerolog.Logger
}

// NewService cria o serviço de dispositivos.
func NewService(store Store, opts Options) *Service {
	if opts.Hasher == nil {
		opts.Hasher = auth.NewHasher(nil)
	}
	return &Service{
		store:  store,
		opts:   opts,
		logger: log.With().Str("component", "device").Logger(),
	}
}

// SetSessionTerminator conecta o gerenciador de sessões após a construção.
func (s *Service) SetSessionTerminator(t SessionTerminator) {
	s.sessions = t
}

// Register registra ou re-registra o dispositivo e devolve a credencial bruta,
// que não é recuperável depois.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Device, string, error) {
	in.DeviceID = strings.TrimSpace(in.DeviceID)
	if in.UserID == uuid.Nil {
		return Device{}, "", apperr.Rejected(apperr.CodeValidationFailed, "usuário obrigatório")
	}
	if err := util.ValidateDeviceID(in.DeviceID); err != nil {
		return Device{}, "", apperr.Wrap(apperr.KindRejected, apperr.CodeValidationFailed, err)
	}

	now := s.opts.Clock.OrNow()
	d, err := s.store.Get(ctx, in.DeviceID)
	switch {
	case errors.Is(err, ErrNotFound):
		d = Device{DeviceID: in.DeviceID, UserID: in.UserID, RegisteredAt: now}
	case err != nil:
		return Device{}, "", err
	case d.UserID != in.UserID:
		return Device{}, "", apperr.Fatal(apperr.CodeDeviceOwnedByOther, "dispositivo pertence a outro usuário")
	case d.Status == StatusRevoked || d.Deleted:
		return Device{}, "", apperr.Fatal(apperr.CodeDeviceRevoked, "dispositivo revogado")
	}

	raw, err := auth.GenerateCredential()
	if err != nil {
		return Device{}, "", err
	}
	hash, err := s.opts.Hasher.Hash(raw)
	if err != nil {
		return Device{}, "", fmt.Errorf("hash da credencial: %w", err)
	}

	d.Name = strings.TrimSpace(in.Name)
	d.Platform = strings.TrimSpace(in.Platform)
	d.AppVersion = strings.TrimSpace(in.AppVersion)
	d.Metadata = in.Metadata
	d.Status = StatusActive
	d.StatusReason = ""
	d.CredentialHash = hash
	d.CredentialExpiresAt = s.expiry(now)
	d.UpdatedAt = now
	d.LastSeenAt = &now

	suspended, err := s.store.Save(ctx, d, s.opts.SingleActive)
	if err != nil {
		return Device{}, "", err
	}
	for _, other := range suspended {
		s.failSessions(ctx, other.DeviceID, apperr.CodeDeviceSuspended)
	}

	s.logger.Info().
		Str("device_id", d.DeviceID).
		Str("user_id", d.UserID.String()).
		Str("credential", auth.Fingerprint(raw)).
		Int("suspended", len(suspended)).
		Msg("dispositivo registrado")
	return d, raw, nil
}

// Revoke revoga o dispositivo, apaga a credencial e falha suas sessões abertas.
func (s *Service) Revoke(ctx context.Context, deviceID, reason string) (Device, error) {
	d, err := s.store.Get(ctx, deviceID)
	if err != nil {
		return Device{}, err
	}
	if d.Status == StatusRevoked {
		return d, nil
	}
	now := s.opts.Clock.OrNow()
	d.Status = StatusRevoked
	d.StatusReason = strings.TrimSpace(reason)
	d.CredentialHash = ""
	d.CredentialExpiresAt = nil
	d.UpdatedAt = now
	if _, err := s.store.Save(ctx, d, false); err != nil {
		return Device{}, err
	}
	s.failSessions(ctx, deviceID, apperr.CodeDeviceRevoked)
	s.logger.Warn().Str("device_id", deviceID).Str("reason", d.StatusReason).Msg("dispositivo revogado")
	return d, nil
}

// Remove marca o dispositivo como removido; implica revogação.
func (s *Service) Remove(ctx context.Context, deviceID string) error {
	d, err := s.Revoke(ctx, deviceID, "removido")
	if err != nil {
		return err
	}
	if d.Deleted {
		return nil
	}
	now := s.opts.Clock.OrNow()
	d.Deleted = true
	d.DeletedAt = &now
	d.UpdatedAt = now
	_, err = s.store.Save(ctx, d, false)
	return err
}

// VerifyCredential confere a credencial bruta do dispositivo.
func (s *Service) VerifyCredential(ctx context.Context, deviceID, raw string) (Device, error) {
	d, err := s.store.Get(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Device{}, auth.ErrInvalidCredential
		}
		return Device{}, err
	}
	if !d.Usable() {
		return Device{}, statusError(d)
	}
	now := s.opts.Clock.OrNow()
	if d.CredentialExpiresAt != nil && !now.Before(*d.CredentialExpiresAt) {
		return Device{}, auth.ErrInvalidCredential
	}
	ok, err := s.opts.Hasher.Verify(raw, d.CredentialHash)
	if err != nil {
		return Device{}, fmt.Errorf("verificar credencial: %w", err)
	}
	if !ok {
		return Device{}, auth.ErrInvalidCredential
	}
	return d, nil
}

// RotateCredential troca uma credencial válida por uma nova.
func (s *Service) RotateCredential(ctx context.Context, deviceID, raw string) (Device, string, error) {
	d, err := s.VerifyCredential(ctx, deviceID, raw)
	if err != nil {
		return Device{}, "", err
	}
	next, err := auth.GenerateCredential()
	if err != nil {
		return Device{}, "", err
	}
	hash, err := s.opts.Hasher.Hash(next)
	if err != nil {
		return Device{}, "", fmt.Errorf("hash da credencial: %w", err)
	}
	now := s.opts.Clock.OrNow()
	d.CredentialHash = hash
	d.CredentialExpiresAt = s.expiry(now)
	d.UpdatedAt = now
	d.LastSeenAt = &now
	if _, err := s.store.Save(ctx, d, false); err != nil {
		return Device{}, "", err
	}
	return d, next, nil
}

// RequireUsable confirma que o dispositivo existe, pertence ao usuário e está ativo.
func (s *Service) RequireUsable(ctx context.Context, userID uuid.UUID, deviceID string) (Device, error) {
	d, err := s.store.Get(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Device{}, apperr.Fatal(apperr.CodeDeviceNotActive, "dispositivo não registrado")
		}
		return Device{}, apperr.Retryable(apperr.CodeStorageUnavailable, err)
	}
	if d.UserID != userID {
		return Device{}, apperr.Fatal(apperr.CodeDeviceOwnedByOther, "dispositivo pertence a outro usuário")
	}
	if !d.Usable() {
		return Device{}, statusError(d)
	}
	return d, nil
}

func (s *Service) Get(ctx context.Context, deviceID string) (Device, error) {
	return s.store.Get(ctx, deviceID)
}

func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID) ([]Device, error) {
	return s.store.ListByUser(ctx, userID)
}

// Touch atualiza o último contato do dispositivo.
func (s *Service) Touch(ctx context.Context, deviceID string) error {
	return s.store.Touch(ctx, deviceID, s.opts.Clock.OrNow())
}

// EligibleForTombstones lista quem precisa receber uma exclusão ocorrida em deletedAt.
func (s *Service) EligibleForTombstones(ctx context.Context, deletedAt time.Time) ([]string, error) {
	return s.store.EligibleForTombstones(ctx, deletedAt)
}

func (s *Service) expiry(now time.Time) *time.Time {
	if s.opts.CredentialTTL <= 0 {
		return nil
	}
	exp := now.Add(s.opts.CredentialTTL)
	return &exp
}

func (s *Service) failSessions(ctx context.Context, deviceID, code string) {
	if s.sessions == nil {
		return
	}
	n, err := s.sessions.FailDeviceSessions(ctx, deviceID, code)
	if err != nil {
		s.logger.Error().Err(err).Str("device_id", deviceID).Msg("falha ao encerrar sessões do dispositivo")
		return
	}
	if n > 0 {
		s.logger.Info().Str("device_id", deviceID).Str("code", code).Int("sessions", n).Msg("sessões encerradas")
	}
}

func statusError(d Device) error {
	switch {
	case d.Status == StatusRevoked || d.Deleted:
		return apperr.Fatal(apperr.CodeDeviceRevoked, "dispositivo revogado")
	case d.Status == StatusSuspended:
		return apperr.Fatal(apperr.CodeDeviceSuspended, "dispositivo suspenso")
	default:
		return apperr.Fatal(apperr.CodeDeviceNotActive, "dispositivo inativo")
	}
}
