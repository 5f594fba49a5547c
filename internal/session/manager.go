package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gestaozabele/geosync/internal/apperr"
	"github.com/gestaozabele/geosync/internal/changelog"
	"github.com/gestaozabele/geosync/internal/conflict"
	"github.com/gestaozabele/geosync/internal/device"
	"github.com/gestaozabele/geosync/internal/entity"
	"github.com/gestaozabele/geosync/internal/geo"
	"github.com/gestaozabele/geosync/internal/lbac"
	"github.com/gestaozabele/geosync/internal/tombstone"
	"github.com/gestaozabele/geosync/internal/util"
)

const idleBatch = 500

// Options agrupa os limites das sessões.
type Options struct {
	MaxBatch     int
	PageSize     int
	MaxOpRetries int
	RetryBackoff time.Duration
	IdleTimeout  time.Duration
	Clock        util.Clock
}

// Deps reúne os serviços usados pelo gerenciador.
type Deps struct {
	Sessions   Store
	Cursors    CursorStore
	Devices    *device.Service
	Scopes     *lbac.Service
	Engine     *lbac.Engine
	Tracker    *changelog.Tracker
	Tombstones *tombstone.Service
	Resolver   *conflict.Resolver
	Tree       *geo.Tree
}

// Manager conduz as sessões. Chamadas na mesma sessão são serializadas.
type Manager struct {
	Deps
	opts   Options
	locks  sync.Map
	logger zerolog.Logger
}

// NewManager cria o gerenciador com defaults para limites não informados.
func NewManager(deps Deps, opts Options) *Manager {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 500
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}
	if opts.MaxOpRetries < 0 {
		opts.MaxOpRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 100 * time.Millisecond
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	return &Manager{
		Deps:   deps,
		opts:   opts,
		logger: log.With().Str("component", "session").Logger(),
	}
}

func (m *Manager) lock(id string) func() {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Open inicia uma sessão para o dispositivo do usuário.
func (m *Manager) Open(ctx context.Context, userID uuid.UUID, deviceID string, t Type) (Session, error) {
	if !t.Valid() {
		return Session{}, apperr.Rejected(apperr.CodeValidationFailed, "tipo de sessão inválido")
	}
	if _, err := m.Devices.RequireUsable(ctx, userID, deviceID); err != nil {
		return Session{}, err
	}
	ok, err := m.Scopes.HasActiveScope(ctx, userID)
	if err != nil {
		return Session{}, apperr.Retryable(apperr.CodeStorageUnavailable, err)
	}
	if !ok {
		return Session{}, apperr.Rejected(apperr.CodeNoActiveAssignment, "usuário sem atribuição geográfica ativa")
	}
	cur, err := m.Cursors.Get(ctx, deviceID, AllEntities)
	if err != nil {
		return Session{}, apperr.Retryable(apperr.CodeStorageUnavailable, err)
	}

	now := m.opts.Clock.OrNow()
	s := Session{
		ID:             util.NewULID(),
		DeviceID:       deviceID,
		UserID:         userID,
		Type:           t,
		Status:         StatusInProgress,
		LastSyncCursor: cur.Stamp,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.Sessions.Create(ctx, s); err != nil {
		return Session{}, apperr.Retryable(apperr.CodeStorageUnavailable, err)
	}
	if err := m.Devices.Touch(ctx, deviceID); err != nil {
		m.logger.Warn().Err(err).Str("device_id", deviceID).Msg("falha ao atualizar último contato")
	}
	m.logger.Info().
		Str("session_id", s.ID).
		Str("device_id", deviceID).
		Str("user_id", userID.String()).
		Str("type", string(t)).
		Msg("sessão aberta")
	return s, nil
}

// Get devolve a sessão do usuário.
func (m *Manager) Get(ctx context.Context, id string, userID uuid.UUID) (Session, error) {
	s, err := m.load(ctx, id, userID)
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

func (m *Manager) load(ctx context.Context, id string, userID uuid.UUID) (Session, error) {
	s, err := m.Sessions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, apperr.Fatal(apperr.CodeUnknownSession, "sessão desconhecida")
		}
		return Session{}, apperr.Retryable(apperr.CodeStorageUnavailable, err)
	}
	if s.UserID != userID {
		return Session{}, apperr.Fatal(apperr.CodeUnknownSession, "sessão desconhecida")
	}
	return s, nil
}

// active carrega a sessão e confirma que ela e o dispositivo seguem utilizáveis.
func (m *Manager) active(ctx context.Context, id string, userID uuid.UUID) (Session, error) {
	s, err := m.load(ctx, id, userID)
	if err != nil {
		return Session{}, err
	}
	if !s.Active() {
		return Session{}, closedError(s)
	}
	if err := m.requireDevice(ctx, s); err != nil {
		return Session{}, err
	}
	return s, nil
}

func (m *Manager) requireDevice(ctx context.Context, s Session) error {
	_, err := m.Devices.RequireUsable(ctx, s.UserID, s.DeviceID)
	if err != nil && apperr.IsFatal(err) {
		m.finish(ctx, s, StatusFailed, apperr.CodeOf(err))
	}
	return err
}

func closedError(s Session) error {
	switch s.FailureReason {
	case apperr.CodeDeviceRevoked, apperr.CodeDeviceSuspended:
		return apperr.Fatal(s.FailureReason, "dispositivo não está mais ativo")
	}
	return apperr.Fatal(apperr.CodeSessionClosed, "sessão encerrada: "+string(s.Status))
}

// finish leva a sessão a um estado terminal; perder a corrida para outro
// encerramento não é erro.
func (m *Manager) finish(ctx context.Context, s Session, status Status, reason string) (Session, bool) {
	now := m.opts.Clock.OrNow()
	s.Status = status
	s.FailureReason = reason
	s.UpdatedAt = now
	s.EndedAt = &now
	if err := m.Sessions.Update(ctx, s); err != nil {
		if !errors.Is(err, ErrNotInProgress) {
			m.logger.Error().Err(err).Str("session_id", s.ID).Msg("falha ao encerrar sessão")
		}
		return s, false
	}
	m.locks.Delete(s.ID)
	ev := m.logger.Info()
	if status == StatusFailed {
		ev = m.logger.Warn()
	}
	ev.Str("session_id", s.ID).
		Str("device_id", s.DeviceID).
		Str("status", string(status)).
		Str("reason", reason).
		Int("successful", s.Successful).
		Int("failed", s.Failed).
		Int("conflicts", s.Conflicted).
		Msg("sessão encerrada")
	return s, true
}

func (m *Manager) save(ctx context.Context, s *Session) error {
	s.UpdatedAt = m.opts.Clock.OrNow()
	err := m.Sessions.Update(ctx, *s)
	if errors.Is(err, ErrNotInProgress) {
		cur, getErr := m.Sessions.Get(ctx, s.ID)
		if getErr != nil {
			return apperr.Fatal(apperr.CodeSessionClosed, "sessão encerrada")
		}
		return closedError(cur)
	}
	if err != nil {
		return apperr.Retryable(apperr.CodeStorageUnavailable, err)
	}
	return nil
}

// SubmitBatch processa as operações em ordem. Cada operação tem desfecho
// próprio; entradas aceitas permanecem gravadas mesmo que o lote seja
// interrompido por um erro fatal.
func (m *Manager) SubmitBatch(ctx context.Context, id string, userID uuid.UUID, ops []Operation) (BatchResult, error) {
	if len(ops) > m.opts.MaxBatch {
		return BatchResult{}, apperr.Rejected(apperr.CodeBatchTooLarge, "lote acima do limite")
	}
	unlock := m.lock(id)
	defer unlock()

	s, err := m.active(ctx, id, userID)
	if err != nil {
		return BatchResult{}, err
	}
	if s.Type == TypePull {
		return BatchResult{}, apperr.Rejected(apperr.CodeValidationFailed, "sessão de leitura não aceita envios")
	}

	pending := make(map[string]bool, len(s.PendingKeys))
	for _, k := range s.PendingKeys {
		pending[k] = true
	}
	s.Total += len(ops)

	var (
		res      BatchResult
		batchErr error
	)
	for i, op := range ops {
		if i > 0 {
			if err := ctx.Err(); err != nil {
				batchErr = apperr.Retryable(apperr.CodeSessionTimeout, err)
			} else if err := m.requireDevice(ctx, s); err != nil {
				batchErr = err
			}
		}
		if batchErr != nil {
			for _, rest := range ops[i:] {
				if rest.IdempotencyKey != "" {
					pending[rest.IdempotencyKey] = true
				}
			}
			break
		}

		out := m.apply(ctx, s, op)
		switch {
		case out.Status == SyncSynced:
			s.Successful++
		case out.Status == SyncConflict:
			s.Conflicted++
		case !out.Retryable:
			s.Failed++
		}
		if out.Status == SyncFailed && out.Retryable {
			pending[op.IdempotencyKey] = true
		} else {
			delete(pending, op.IdempotencyKey)
		}
		res.add(out)
	}

	s.PendingKeys = sortedKeys(pending)
	m.logger.Info().
		Str("session_id", s.ID).
		Str("device_id", s.DeviceID).
		Int("operations", len(ops)).
		Int("accepted", len(res.Accepted)).
		Int("rejected", len(res.Rejected)).
		Int("conflicts", len(res.Conflicts)).
		Msg("lote processado")

	if batchErr != nil {
		if !apperr.IsFatal(batchErr) {
			if err := m.save(ctx, &s); err != nil {
				m.logger.Warn().Err(err).Str("session_id", s.ID).Msg("progresso do lote não gravado")
			}
		}
		return res, batchErr
	}
	if err := m.save(ctx, &s); err != nil {
		return res, err
	}
	return res, nil
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// apply produz o desfecho definitivo (ou repetível) da operação e grava os definitivos.
func (m *Manager) apply(ctx context.Context, s Session, op Operation) Outcome {
	out := Outcome{IdempotencyKey: op.IdempotencyKey, Table: op.Table, RecordID: op.RecordID}
	if err := util.ValidateIdempotencyKey(op.IdempotencyKey); err != nil {
		return failed(out, apperr.Wrap(apperr.KindRejected, apperr.CodeValidationFailed, err))
	}

	prev, found, err := m.replay(ctx, s.DeviceID, op.IdempotencyKey)
	if err != nil {
		return failed(out, err)
	}
	if found {
		return prev
	}

	out, err = m.execute(ctx, s, op, out)
	if err != nil {
		out = failed(out, err)
	}
	if out.Status == SyncFailed && out.Retryable {
		m.logger.Warn().
			Str("session_id", s.ID).
			Str("idempotency_key", op.IdempotencyKey).
			Str("code", out.Code).
			Int("attempts", out.Attempts).
			Msg("operação não concluída; cliente deve repetir")
		return out
	}
	if err := m.Sessions.SaveOutcome(ctx, s.DeviceID, s.ID, out); err != nil {
		m.logger.Error().Err(err).Str("idempotency_key", op.IdempotencyKey).Msg("falha ao gravar desfecho")
	}
	return out
}

func failed(out Outcome, err error) Outcome {
	if apperr.KindOf(err) == apperr.KindFatal && apperr.CodeOf(err) == "internal" {
		err = apperr.Retryable(apperr.CodeStorageUnavailable, err)
	}
	out.Status = SyncFailed
	out.Code = apperr.CodeOf(err)
	out.Message = err.Error()
	out.Retryable = apperr.IsRetryable(err)
	return out
}

// replay devolve o desfecho já registrado para a chave, se houver.
func (m *Manager) replay(ctx context.Context, deviceID, key string) (Outcome, bool, error) {
	o, err := m.Sessions.GetOutcome(ctx, deviceID, key)
	if err == nil {
		o.Replayed = true
		return o, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Outcome{}, false, apperr.Retryable(apperr.CodeStorageUnavailable, err)
	}
	e, err := m.Tracker.Find(ctx, deviceID, key)
	if errors.Is(err, changelog.ErrNotFound) {
		return Outcome{}, false, nil
	}
	if err != nil {
		return Outcome{}, false, err
	}
	stamp := e.Stamp
	return Outcome{
		IdempotencyKey: key,
		Table:          e.Table,
		RecordID:       e.RecordID,
		Status:         SyncSynced,
		Version:        &stamp,
		Replayed:       true,
	}, true, nil
}

// retry repete fn enquanto o erro for transitório, com espera exponencial.
func (m *Manager) retry(ctx context.Context, fn func() error) (int, error) {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !apperr.IsRetryable(err) || attempt > m.opts.MaxOpRetries {
			return attempt, err
		}
		timer := time.NewTimer(m.opts.RetryBackoff << (attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, apperr.Retryable(apperr.CodeSessionTimeout, ctx.Err())
		case <-timer.C:
		}
	}
}

// staleRounds limita quantas vezes a operação é reavaliada quando outro
// escritor inclui uma entrada entre a leitura e a inclusão.
const staleRounds = 4

func (m *Manager) execute(ctx context.Context, s Session, op Operation, out Outcome) (Outcome, error) {
	attempts := 0
	for round := 1; ; round++ {
		res, err := m.evaluate(ctx, s, op, out)
		attempts += res.Attempts
		res.Attempts = attempts
		if !errors.Is(err, changelog.ErrStaleBase) {
			return res, err
		}
		m.logger.Debug().
			Str("table", op.Table).
			Str("record_id", op.RecordID).
			Int("round", round).
			Msg("registro alterado durante a operação; reavaliando")
		if round >= staleRounds {
			return res, apperr.Retryable(apperr.CodeVersionUnavailable, err)
		}
	}
}

// evaluate lê a versão atual, resolve contra ela e inclui no log exigindo
// que essa versão ainda seja a mais recente.
func (m *Manager) evaluate(ctx context.Context, s Session, op Operation, out Outcome) (Outcome, error) {
	kind, err := changelog.ParseOp(op.Op)
	if err != nil {
		return out, apperr.Wrap(apperr.KindRejected, apperr.CodeValidationFailed, err)
	}
	if strings.TrimSpace(op.RecordID) == "" {
		return out, apperr.Rejected(apperr.CodeValidationFailed, "record_id obrigatório")
	}
	payload, fields, err := entity.Decode(op.Table, kind, op.Payload)
	if err != nil {
		return out, apperr.Wrap(apperr.KindRejected, apperr.CodeValidationFailed, err)
	}

	var current *changelog.Entry
	n, err := m.retry(ctx, func() error {
		e, err := m.Tracker.Latest(ctx, op.Table, op.RecordID)
		switch {
		case err == nil:
			current = &e
		case errors.Is(err, changelog.ErrNotFound):
			current = nil
		default:
			return err
		}
		return nil
	})
	out.Attempts = n
	if err != nil {
		return out, err
	}

	deleted := current != nil && current.Operation == changelog.OpDelete
	against := current
	switch {
	case kind != changelog.OpCreate && current == nil:
		return out, apperr.Rejected(apperr.CodeUnknownRecord, "registro inexistente no servidor")
	case deleted && op.BaseVersion == current.Stamp:
		if kind != changelog.OpCreate {
			return out, apperr.Rejected(apperr.CodeUnknownRecord, "registro já excluído")
		}
		// recriação consciente da exclusão
		against = nil
	}

	node := uuid.Nil
	if payload != nil {
		if id, ok := payload.GeoNode(); ok {
			node = id
		}
	}
	if node == uuid.Nil && current != nil {
		node = current.GeoNodeID
	}
	if node == uuid.Nil {
		return out, apperr.Rejected(apperr.CodeInvalidGeoScope, "registro sem nó geográfico")
	}
	path, err := m.Tree.Path(node)
	if err != nil {
		return out, apperr.Rejected(apperr.CodeInvalidGeoScope, "nó geográfico desconhecido")
	}

	// mover um registro exige escopo na origem e no destino
	paths := []geo.Path{path}
	if current != nil && !deleted && current.GeoNodeID != node {
		paths = append(paths, current.GeoPath)
	}
	action := entity.Permission(op.Table, kind)
	for _, p := range paths {
		d, err := m.Engine.Authorize(ctx, s.UserID, action, p)
		if err != nil {
			return out, apperr.Retryable(apperr.CodeStorageUnavailable, err)
		}
		if !d.Allowed {
			code := apperr.CodeLBACDenied
			if d.Reason == lbac.ReasonNoActiveAssignment {
				code = apperr.CodeNoActiveAssignment
			}
			return out, apperr.Rejected(code, "acesso geográfico negado: "+d.Reason)
		}
	}

	res, err := m.Resolver.Resolve(ctx, conflict.Incoming{
		SessionID:   s.ID,
		DeviceID:    s.DeviceID,
		UserID:      s.UserID,
		Table:       op.Table,
		RecordID:    op.RecordID,
		Op:          kind,
		BaseVersion: op.BaseVersion,
		Fields:      fields,
		GeoNodeID:   node,
		GeoPath:     path,
	}, against)
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return out, err
		}
		return out, apperr.Retryable(apperr.CodeStorageUnavailable, err)
	}
	for _, c := range res.Conflicts {
		out.ConflictIDs = append(out.ConflictIDs, c.ID)
	}
	if res.Conflicted() {
		out.Resolution = string(res.Resolution)
	}

	switch res.Action {
	case conflict.ActionManual:
		out.Status = SyncConflict
		out.Code = apperr.CodeConflict
		out.Message = "conflito enviado para revisão"
		return out, nil
	case conflict.ActionSkip:
		stamp := current.Stamp
		out.Status = SyncConflict
		out.Code = apperr.CodeConflict
		out.Version = &stamp
		return out, nil
	}

	ch := changelog.Change{
		ActorID:        s.UserID,
		DeviceID:       s.DeviceID,
		IdempotencyKey: op.IdempotencyKey,
		Table:          op.Table,
		RecordID:       op.RecordID,
		Op:             kind,
		GeoNodeID:      node,
		GeoPath:        path,
	}
	var seen changelog.Stamp
	if current != nil {
		seen = current.Stamp
	}
	ch.ExpectedLatest = &seen
	if kind == changelog.OpDelete {
		ch.Snapshot = current.Snapshot
		ch.Within = m.recordTombstone
	} else {
		if kind == changelog.OpCreate && current != nil && !deleted {
			ch.Op = changelog.OpUpdate
		}
		ch.Snapshot = res.Record.JSON()
		ch.Diff = res.Patch.JSON()
	}

	var (
		entry    changelog.Entry
		replayed bool
	)
	n, err = m.retry(ctx, func() error {
		var err error
		entry, replayed, err = m.Tracker.RecordChange(ctx, ch)
		return err
	})
	out.Attempts += n
	if err != nil {
		return out, err
	}

	stamp := entry.Stamp
	out.Version = &stamp
	out.Replayed = replayed
	out.Status = SyncSynced
	if res.Conflicted() {
		out.Status = SyncConflict
	}
	return out, nil
}

// recordTombstone roda dentro da inclusão da exclusão no log.
func (m *Manager) recordTombstone(ctx context.Context, e changelog.Entry) error {
	_, _, err := m.Tombstones.RecordDeletion(ctx, tombstone.Deletion{
		ActorID:   e.ActorID,
		Table:     e.Table,
		RecordID:  e.RecordID,
		Stamp:     e.Stamp,
		Snapshot:  e.Snapshot,
		GeoNodeID: e.GeoNodeID,
		GeoPath:   e.GeoPath,
	})
	return err
}

// Pull devolve as alterações visíveis ao usuário após o cursor, em ordem de
// carimbo e limitadas ao maior carimbo confirmado no início da leitura.
func (m *Manager) Pull(ctx context.Context, id string, userID uuid.UUID, req PullRequest) (PullResult, error) {
	unlock := m.lock(id)
	defer unlock()

	s, err := m.active(ctx, id, userID)
	if err != nil {
		return PullResult{}, err
	}
	if s.Type == TypePush {
		return PullResult{}, apperr.Rejected(apperr.CodeValidationFailed, "sessão de envio não aceita leituras")
	}
	tables := entity.Tables()
	if req.EntityType != "" {
		if !entity.Known(req.EntityType) {
			return PullResult{}, apperr.Rejected(apperr.CodeValidationFailed, "tipo de entidade desconhecido")
		}
		tables = []string{req.EntityType}
	}
	key := cursorKey(req.EntityType)

	var since changelog.Stamp
	if req.Since != nil {
		since = *req.Since
	} else {
		cur, err := m.Cursors.Get(ctx, s.DeviceID, key)
		if err != nil {
			return PullResult{}, apperr.Retryable(apperr.CodeStorageUnavailable, err)
		}
		since = cur.Stamp
	}
	limit := req.Limit
	if limit <= 0 || limit > m.opts.PageSize {
		limit = m.opts.PageSize
	}

	if !since.IsZero() {
		for _, t := range tables {
			h, err := m.Tombstones.Horizon(ctx, t)
			if err != nil {
				return PullResult{}, apperr.Retryable(apperr.CodeStorageUnavailable, err)
			}
			if since.Less(h) {
				m.logger.Warn().
					Str("session_id", s.ID).
					Str("table", t).
					Str("since", since.String()).
					Str("horizon", h.String()).
					Msg("cursor anterior ao horizonte de coleta; ressincronização necessária")
				if err := m.Cursors.Reset(ctx, s.DeviceID, key); err != nil {
					return PullResult{}, apperr.Retryable(apperr.CodeStorageUnavailable, err)
				}
				return PullResult{Changes: []changelog.Entry{}, Tombstones: []tombstone.Tombstone{}, ResyncRequired: true}, nil
			}
		}
	}

	high, err := m.Tracker.HighWater(ctx)
	if err != nil {
		return PullResult{}, err
	}
	if high.Less(since) {
		return PullResult{}, apperr.Rejected(apperr.CodeCursorAhead, "cursor além do log do servidor")
	}

	grants := make(map[string]lbac.Grant, len(tables))
	seen := make(map[uuid.UUID]bool)
	var nodes []uuid.UUID
	for _, t := range tables {
		g, err := m.Engine.ResolveGrant(ctx, userID, entity.ReadPermission(t))
		if err != nil {
			return PullResult{}, apperr.Retryable(apperr.CodeStorageUnavailable, err)
		}
		grants[t] = g
		for _, n := range g.CoveredNodes() {
			if !seen[n] {
				seen[n] = true
				nodes = append(nodes, n)
			}
		}
	}

	res := PullResult{Changes: []changelog.Entry{}, Tombstones: []tombstone.Tombstone{}, NextCursor: high}
	read := m.Engine.BeginScopedRead(userID, entity.ReadPermission(key), grants)
	if len(nodes) > 0 {
		entries, err := m.Tracker.Since(ctx, changelog.RangeQuery{From: since, To: high, Table: req.EntityType, Nodes: nodes, Limit: limit + 1})
		if err != nil {
			return PullResult{}, err
		}
		if len(entries) > limit {
			entries = entries[:limit]
			res.HasMore = true
			res.NextCursor = entries[limit-1].Stamp
		}
		// delegação esgotada por outra requisição sai das concessões; refiltra
		for {
			read.Reset()
			res.Changes = res.Changes[:0]
			for _, e := range entries {
				if read.Admit(e.Table, e.GeoPath) {
					res.Changes = append(res.Changes, e)
				}
			}
			exhausted, err := read.Settle(ctx)
			if err != nil {
				return PullResult{}, apperr.Retryable(apperr.CodeStorageUnavailable, err)
			}
			if len(exhausted) == 0 {
				break
			}
		}

		ts, err := m.Tombstones.PropagateTo(ctx, tombstone.PropagateRequest{
			DeviceID: s.DeviceID,
			Since:    since,
			Until:    res.NextCursor,
			Table:    req.EntityType,
			Nodes:    nodes,
			Decide: func(t tombstone.Tombstone) bool {
				return read.Admit(t.Table, t.GeoPath)
			},
		})
		if err != nil {
			return PullResult{}, apperr.Retryable(apperr.CodeStorageUnavailable, err)
		}
		if ts != nil {
			res.Tombstones = ts
		}
		if exhausted, err := read.Settle(ctx); err != nil || len(exhausted) > 0 {
			m.logger.Warn().Err(err).
				Str("session_id", s.ID).
				Int("exhausted", len(exhausted)).
				Msg("delegação não consumida após entrega de exclusões")
		}
	}
	read.Audit(ctx)

	s.ServedCursor = res.NextCursor
	s.EntityType = key
	s.Acknowledged = false
	if err := m.save(ctx, &s); err != nil {
		return PullResult{}, err
	}
	m.logger.Debug().
		Str("session_id", s.ID).
		Str("entity_type", key).
		Str("since", since.String()).
		Str("next", res.NextCursor.String()).
		Int("changes", len(res.Changes)).
		Int("tombstones", len(res.Tombstones)).
		Bool("has_more", res.HasMore).
		Msg("leitura servida")
	return res, nil
}

// Acknowledge confirma que o cliente aplicou as alterações até o cursor.
// Retroceder encerra a sessão; confirmar além do servido é rejeitado.
func (m *Manager) Acknowledge(ctx context.Context, id string, userID uuid.UUID, cursor changelog.Stamp) (Cursor, error) {
	unlock := m.lock(id)
	defer unlock()

	s, err := m.active(ctx, id, userID)
	if err != nil {
		return Cursor{}, err
	}
	if !s.pulled() || s.ServedCursor.Less(cursor) {
		return Cursor{}, apperr.Rejected(apperr.CodeCursorAhead, "cursor além do que foi servido")
	}
	c, err := m.Cursors.Advance(ctx, s.DeviceID, s.EntityType, cursor, m.opts.Clock.OrNow())
	if errors.Is(err, ErrCursorRegression) {
		m.finish(ctx, s, StatusFailed, apperr.CodeCursorRegression)
		return Cursor{}, apperr.Wrap(apperr.KindFatal, apperr.CodeCursorRegression, err)
	}
	if err != nil {
		return Cursor{}, apperr.Retryable(apperr.CodeStorageUnavailable, err)
	}

	s.Acknowledged = !cursor.Less(s.ServedCursor)
	if err := m.save(ctx, &s); err != nil {
		return Cursor{}, err
	}
	if err := m.Devices.Touch(ctx, s.DeviceID); err != nil {
		m.logger.Warn().Err(err).Str("device_id", s.DeviceID).Msg("falha ao atualizar último contato")
	}
	return c, nil
}

// Close encerra a sessão: concluída se todas as operações tiveram desfecho
// definitivo e a última leitura foi confirmada; falha caso contrário.
func (m *Manager) Close(ctx context.Context, id string, userID uuid.UUID) (Session, error) {
	unlock := m.lock(id)
	defer unlock()

	s, err := m.active(ctx, id, userID)
	if err != nil {
		return Session{}, err
	}
	status, reason := StatusCompleted, ""
	switch {
	case s.Pending() > 0:
		status, reason = StatusFailed, apperr.CodeOperationsPending
	case s.Type.pulls() && s.pulled() && !s.Acknowledged:
		status, reason = StatusFailed, apperr.CodePullNotAcknowledged
	}
	closed, ok := m.finish(ctx, s, status, reason)
	if !ok {
		return m.load(ctx, id, userID)
	}
	return closed, nil
}

// Cancel encerra a sessão a pedido do cliente.
func (m *Manager) Cancel(ctx context.Context, id string, userID uuid.UUID, reason string) (Session, error) {
	unlock := m.lock(id)
	defer unlock()

	s, err := m.load(ctx, id, userID)
	if err != nil {
		return Session{}, err
	}
	if !s.Active() {
		return Session{}, closedError(s)
	}
	if reason == "" {
		reason = "client_cancelled"
	}
	closed, ok := m.finish(ctx, s, StatusCancelled, reason)
	if !ok {
		return m.load(ctx, id, userID)
	}
	return closed, nil
}

// FailDeviceSessions encerra as sessões abertas do dispositivo com o código
// informado. Não espera operações em curso: o lote seguinte encontra a
// sessão encerrada.
func (m *Manager) FailDeviceSessions(ctx context.Context, deviceID, code string) (int, error) {
	open, err := m.Sessions.OpenByDevice(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range open {
		if _, ok := m.finish(ctx, s, StatusFailed, code); ok {
			n++
		}
	}
	return n, nil
}

// ExpireIdle cancela sessões sem atividade além do tempo limite.
func (m *Manager) ExpireIdle(ctx context.Context) (int, error) {
	before := m.opts.Clock.OrNow().Add(-m.opts.IdleTimeout)
	idle, err := m.Sessions.Idle(ctx, before, idleBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range idle {
		if _, ok := m.finish(ctx, s, StatusCancelled, apperr.CodeSessionTimeout); ok {
			n++
		}
	}
	return n, nil
}

// ApplyConflict grava a versão do cliente de um conflito revisado.
func (m *Manager) ApplyConflict(ctx context.Context, c conflict.Conflict, reviewer uuid.UUID) (changelog.Entry, error) {
	var current *changelog.Entry
	e, err := m.Tracker.Latest(ctx, c.Table, c.RecordID)
	switch {
	case err == nil:
		current = &e
	case !errors.Is(err, changelog.ErrNotFound):
		return changelog.Entry{}, err
	}
	live := current != nil && current.Operation != changelog.OpDelete

	ch := changelog.Change{
		ActorID:        reviewer,
		DeviceID:       c.DeviceID,
		IdempotencyKey: "review:" + c.ID.String(),
		Table:          c.Table,
		RecordID:       c.RecordID,
	}
	if c.Operation == changelog.OpDelete {
		if !live {
			return changelog.Entry{}, apperr.Rejected(apperr.CodeUnknownRecord, "registro já excluído")
		}
		ch.Op = changelog.OpDelete
		ch.Snapshot = current.Snapshot
		ch.GeoNodeID, ch.GeoPath = current.GeoNodeID, current.GeoPath
		ch.Within = m.recordTombstone
		entry, _, err := m.Tracker.RecordChange(ctx, ch)
		return entry, err
	}

	client, err := entity.ParseFields(c.ClientValue)
	if err != nil {
		return changelog.Entry{}, apperr.Wrap(apperr.KindRejected, apperr.CodeValidationFailed, err)
	}
	base := entity.Fields{}
	if current != nil {
		if base, err = entity.ParseFields(current.Snapshot); err != nil {
			return changelog.Entry{}, err
		}
	}
	record := base.Merge(client)
	payload, _, err := entity.Decode(c.Table, changelog.OpUpdate, record.JSON())
	if err == nil {
		err = entity.ValidateRecord(c.Table, record.JSON())
	}
	if err != nil {
		return changelog.Entry{}, apperr.Wrap(apperr.KindRejected, apperr.CodeValidationFailed, err)
	}

	node := c.GeoNodeID
	if id, ok := payload.GeoNode(); ok {
		node = id
	}
	path, err := m.Tree.Path(node)
	if err != nil {
		return changelog.Entry{}, apperr.Rejected(apperr.CodeInvalidGeoScope, "nó geográfico desconhecido")
	}

	ch.Op = changelog.OpUpdate
	if !live {
		ch.Op = changelog.OpCreate
	}
	ch.Snapshot = record.JSON()
	ch.Diff = client.JSON()
	ch.GeoNodeID, ch.GeoPath = node, path
	entry, _, err := m.Tracker.RecordChange(ctx, ch)
	if err != nil {
		return changelog.Entry{}, err
	}
	m.logger.Info().
		Str("conflict_id", c.ID.String()).
		Str("table", c.Table).
		Str("record_id", c.RecordID).
		Str("version", entry.Stamp.String()).
		Msg("versão do cliente aplicada após revisão")
	return entry, nil
}
