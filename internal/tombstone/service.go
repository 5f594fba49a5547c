package tombstone

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gestaozabele/geosync/internal/changelog"
	"github.com/gestaozabele/geosync/internal/storage"
	"github.com/gestaozabele/geosync/internal/util"
)

const (
	defaultReason = "user_delete"
	sweepBatch    = 500
)

// Options agrupa os parâmetros do serviço.
type Options struct {
	MaxPropagationAttempts int
	Retention              time.Duration
	Clock                  util.Clock
}

// Service coordena gravação, propagação e coleta de lápides.
type Service struct {
	store       Store
	devices     DeviceLister
	cursors     CursorReader
	archive     *storage.Archive
	maxAttempts int
	retention   time.Duration
	clock       util.Clock
	logger      zerolog.Logger
}

// NewService cria o serviço. archive pode ser nil (coleta sem arquivamento).
func NewService(store Store, devices DeviceLister, cursors CursorReader, archive *storage.Archive, opts Options) *Service {
	if opts.MaxPropagationAttempts <= 0 {
		opts.MaxPropagationAttempts = 3
	}
	if opts.Retention <= 0 {
		opts.Retention = 180 * 24 * time.Hour
	}
	return &Service{
		store:       store,
		devices:     devices,
		cursors:     cursors,
		archive:     archive,
		maxAttempts: opts.MaxPropagationAttempts,
		retention:   opts.Retention,
		clock:       opts.Clock,
		logger:      log.With().Str("component", "tombstone").Logger(),
	}
}

// SetCursorReader injeta o leitor de cursores depois da construção.
func (s *Service) SetCursorReader(r CursorReader) { s.cursors = r }

// RecordDeletion grava a lápide da exclusão. Deve rodar na mesma unidade
// atômica da entrada de exclusão no log de alterações.
func (s *Service) RecordDeletion(ctx context.Context, d Deletion) (Tombstone, bool, error) {
	hash, err := RecordHash(d.Snapshot)
	if err != nil {
		return Tombstone{}, false, err
	}
	reason := d.Reason
	if reason == "" {
		reason = defaultReason
	}
	now := s.clock.OrNow()
	t := Tombstone{
		ID:                util.NewUUID(),
		Table:             d.Table,
		RecordID:          d.RecordID,
		Stamp:             d.Stamp,
		DeletedAt:         now,
		DeletedBy:         d.ActorID,
		Reason:            reason,
		RecordHash:        hash,
		Snapshot:          d.Snapshot,
		GeoNodeID:         d.GeoNodeID,
		GeoPath:           d.GeoPath,
		PropagationStatus: StatusPending,
		ExpiresAt:         now.Add(s.retention),
	}
	return s.store.Insert(ctx, t)
}

// Latest devolve a lápide mais recente do registro.
func (s *Service) Latest(ctx context.Context, table, recordID string) (Tombstone, error) {
	return s.store.Latest(ctx, table, recordID)
}

// Horizon devolve o maior carimbo de lápide já coletada na tabela. Cursores
// abaixo dele podem ter perdido exclusões.
func (s *Service) Horizon(ctx context.Context, table string) (changelog.Stamp, error) {
	return s.store.Horizon(ctx, table)
}

// PropagateRequest descreve a entrega de lápides a um dispositivo.
type PropagateRequest struct {
	DeviceID string
	Since    changelog.Stamp
	Until    changelog.Stamp
	Table    string
	Nodes    []uuid.UUID
	Decide   func(Tombstone) bool
	Limit    int
}

// PropagateTo devolve as lápides em (Since, Until] visíveis ao dispositivo e
// contabiliza uma tentativa de entrega para cada uma.
func (s *Service) PropagateTo(ctx context.Context, req PropagateRequest) ([]Tombstone, error) {
	found, err := s.store.Range(ctx, Query{From: req.Since, To: req.Until, Table: req.Table, Nodes: req.Nodes, Limit: req.Limit})
	if err != nil {
		return nil, err
	}
	visible := found[:0]
	for _, t := range found {
		if req.Decide == nil || req.Decide(t) {
			visible = append(visible, t)
		}
	}
	if len(visible) == 0 || req.DeviceID == "" {
		return visible, nil
	}

	ids := make([]uuid.UUID, len(visible))
	for i, t := range visible {
		ids[i] = t.ID
	}
	attempts, err := s.store.RecordDeliveries(ctx, req.DeviceID, ids, s.clock.OrNow())
	if err != nil {
		return nil, err
	}
	for i, t := range visible {
		n := attempts[t.ID]
		if n > visible[i].PropagationAttempts {
			visible[i].PropagationAttempts = n
		}
		if n >= s.maxAttempts && t.PropagationStatus == StatusPending {
			if err := s.store.SetStatus(ctx, t.ID, StatusFailed, t.ExpiresAt); err != nil {
				return nil, err
			}
			visible[i].PropagationStatus = StatusFailed
			s.logger.Warn().
				Str("tombstone_id", t.ID.String()).
				Str("table", t.Table).
				Str("record_id", t.RecordID).
				Str("device_id", req.DeviceID).
				Int("attempts", n).
				Msg("exclusão não confirmada após tentativas máximas")
		}
	}
	return visible, nil
}

// SweepResult resume uma varredura.
type SweepResult struct {
	Propagated int
	Collected  int
	ArchiveKey string
}

// Sweep marca como propagadas as lápides confirmadas por todos os dispositivos
// elegíveis e coleta as expiradas.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.clock.OrNow()

	unsettled, err := s.store.Unsettled(ctx, sweepBatch)
	if err != nil {
		return res, err
	}
	for _, t := range unsettled {
		done, err := s.acknowledgedByAll(ctx, t)
		if err != nil {
			return res, err
		}
		if !done {
			continue
		}
		if err := s.store.SetStatus(ctx, t.ID, StatusPropagated, now); err != nil {
			return res, err
		}
		res.Propagated++
	}

	expired, err := s.store.Expired(ctx, now, sweepBatch)
	if err != nil {
		return res, err
	}
	if len(expired) == 0 {
		return res, nil
	}
	if s.archive != nil {
		key, err := s.archive.Store(ctx, "tombstones", archiveRecords(expired))
		if err != nil {
			return res, fmt.Errorf("arquivar lápides: %w", err)
		}
		res.ArchiveKey = key
	}

	horizons := make(map[string]changelog.Stamp)
	ids := make([]uuid.UUID, len(expired))
	for i, t := range expired {
		ids[i] = t.ID
		horizons[t.Table] = changelog.MaxStamp(horizons[t.Table], t.Stamp)
	}
	for table, h := range horizons {
		if err := s.store.AdvanceHorizon(ctx, table, h); err != nil {
			return res, err
		}
	}
	if err := s.store.Delete(ctx, ids); err != nil {
		return res, err
	}
	res.Collected = len(expired)
	s.logger.Info().Int("collected", res.Collected).Str("archive", res.ArchiveKey).Msg("lápides coletadas")
	return res, nil
}

func (s *Service) acknowledgedByAll(ctx context.Context, t Tombstone) (bool, error) {
	if s.devices == nil || s.cursors == nil {
		return false, nil
	}
	devices, err := s.devices.EligibleForTombstones(ctx, t.DeletedAt)
	if err != nil {
		return false, err
	}
	for _, d := range devices {
		cur, err := s.cursors.Effective(ctx, d, t.Table)
		if err != nil {
			return false, err
		}
		if cur.Less(t.Stamp) {
			return false, nil
		}
	}
	return true, nil
}

// Escalations devolve lápides com falha de propagação ainda não reportadas.
func (s *Service) Escalations(ctx context.Context) ([]Tombstone, error) {
	return s.store.Unescalated(ctx, sweepBatch)
}

// MarkEscalated registra que as lápides foram enviadas para revisão.
func (s *Service) MarkEscalated(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return s.store.MarkEscalated(ctx, ids, s.clock.OrNow())
}

type archivedTombstone struct {
	Tombstone
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	GeoPath  []string        `json:"geo_path"`
}

func archiveRecords(ts []Tombstone) []archivedTombstone {
	out := make([]archivedTombstone, len(ts))
	for i, t := range ts {
		out[i] = archivedTombstone{Tombstone: t, Snapshot: t.Snapshot, GeoPath: t.GeoPath.Strings()}
	}
	return out
}

// RecordHash calcula o SHA-256 do snapshot em JSON canônico (chaves ordenadas).
func RecordHash(snapshot json.RawMessage) (string, error) {
	if len(snapshot) == 0 {
		return "", nil
	}
	var v any
	if err := json.Unmarshal(snapshot, &v); err != nil {
		return "", errors.New("snapshot inválido para hash")
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
