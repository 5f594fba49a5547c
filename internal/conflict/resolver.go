package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gestaozabele/geosync/internal/changelog"
	"github.com/gestaozabele/geosync/internal/entity"
	"github.com/gestaozabele/geosync/internal/util"
)

// Resolver compara operações com o estado atual e registra cada resolução.
type Resolver struct {
	policy  Policy
	history ChangeHistory
	store   Store
	applier Applier
	clock   util.Clock
	logger  zerolog.Logger
}

// NewResolver cria o resolvedor.
func NewResolver(policy Policy, history ChangeHistory, store Store, clock util.Clock) *Resolver {
	return &Resolver{
		policy:  policy,
		history: history,
		store:   store,
		clock:   clock,
		logger:  log.With().Str("component", "conflict").Logger(),
	}
}

// SetApplier conecta quem grava a versão do cliente em resoluções manuais.
func (r *Resolver) SetApplier(a Applier) {
	r.applier = a
}

// Policy devolve a tabela em uso.
func (r *Resolver) Policy() Policy { return r.policy }

// Resolve decide o destino da operação. current nulo significa registro
// inexistente no servidor. Conflitos gerados já estão persistidos no retorno.
func (r *Resolver) Resolve(ctx context.Context, in Incoming, current *changelog.Entry) (Result, error) {
	if current == nil {
		return Result{Action: ActionApply, Patch: in.Fields, Record: in.Fields}, nil
	}
	server, err := entity.ParseFields(current.Snapshot)
	if err != nil {
		return Result{}, err
	}
	if in.BaseVersion == current.Stamp {
		res := Result{Action: ActionApply, Patch: in.Fields, Record: server.Merge(in.Fields)}
		if in.Op == changelog.OpDelete {
			res.Patch, res.Record = nil, nil
		}
		return res, nil
	}

	var res Result
	switch {
	case current.Operation == changelog.OpDelete:
		res = r.deletedOnServer(in, current, server)
	case in.Op == changelog.OpDelete:
		res = r.deleteVersusUpdate(in, current, server)
	default:
		res, err = r.concurrentUpdate(ctx, in, current, server)
		if err != nil {
			return Result{}, err
		}
	}

	if err := r.store.Insert(ctx, res.Conflicts...); err != nil {
		return Result{}, fmt.Errorf("registrar conflito: %w", err)
	}
	r.logger.Info().
		Str("table", in.Table).
		Str("record_id", in.RecordID).
		Str("base", in.BaseVersion.String()).
		Str("server", current.Stamp.String()).
		Str("action", string(res.Action)).
		Str("resolution", string(res.Resolution)).
		Msg("conflito detectado")
	return res, nil
}

func (r *Resolver) deletedOnServer(in Incoming, current *changelog.Entry, server entity.Fields) Result {
	c := r.newConflict(in, current, TypeDeletedOnServer, "")
	c.ServerValue = nullable(server)
	c.ClientValue = nullable(in.Fields)
	if in.Op != changelog.OpDelete && r.policy.PreserveOnDelete(in.Table) {
		c.Resolution = Manual
		c.Status = StatusPendingReview
		return Result{Action: ActionManual, Resolution: Manual, Conflicts: []Conflict{c}}
	}
	c.Resolution = DeletionWins
	c.Status = StatusResolved
	return Result{Action: ActionSkip, Resolution: DeletionWins, Conflicts: []Conflict{c}}
}

func (r *Resolver) deleteVersusUpdate(in Incoming, current *changelog.Entry, server entity.Fields) Result {
	c := r.newConflict(in, current, TypeConcurrentUpdate, "")
	c.ServerValue = server.JSON()
	switch r.policy.ForTable(in.Table) {
	case ClientWins:
		c.Resolution, c.Status = ClientWins, StatusResolved
		return Result{Action: ActionApply, Resolution: ClientWins, Conflicts: []Conflict{c}}
	case ServerWins:
		c.Resolution, c.Status = ServerWins, StatusResolved
		c.FinalValue = server.JSON()
		return Result{Action: ActionSkip, Resolution: ServerWins, Conflicts: []Conflict{c}}
	default:
		c.Resolution, c.Status = Manual, StatusPendingReview
		return Result{Action: ActionManual, Resolution: Manual, Conflicts: []Conflict{c}}
	}
}

func (r *Resolver) concurrentUpdate(ctx context.Context, in Incoming, current *changelog.Entry, server entity.Fields) (Result, error) {
	changed, _, err := r.history.ChangedFieldsSince(ctx, in.Table, in.RecordID, in.BaseVersion)
	if err != nil {
		return Result{}, err
	}
	changedOnServer := make(map[string]bool, len(changed))
	for _, f := range changed {
		changedOnServer[f] = true
	}

	patch := entity.Fields{}
	var (
		resolved []Conflict
		manual   []string
	)
	for _, field := range in.Fields.Keys() {
		client := in.Fields[field]
		if server.Equal(in.Fields, field) {
			patch[field] = client
			continue
		}
		p := r.policy.ForField(in.Table, field)
		switch {
		case !changedOnServer[field] && p != ServerWins:
			patch[field] = client
		case !changedOnServer[field] || p == ServerWins:
			resolved = append(resolved, r.fieldConflict(in, current, field, server, ServerWins, server[field]))
		case p == ClientWins:
			patch[field] = client
			resolved = append(resolved, r.fieldConflict(in, current, field, server, ClientWins, client))
		default:
			manual = append(manual, field)
		}
	}

	if len(manual) > 0 {
		c := r.newConflict(in, current, TypeConcurrentUpdate, strings.Join(manual, ","))
		c.ServerValue = server.JSON()
		c.ClientValue = in.Fields.JSON()
		c.Resolution, c.Status = Manual, StatusPendingReview
		return Result{Action: ActionManual, Resolution: Manual, Conflicts: []Conflict{c}}, nil
	}

	merged := server.Merge(patch)
	if err := entity.ValidateRecord(in.Table, merged.JSON()); err != nil {
		c := r.newConflict(in, current, TypeValidationError, "")
		c.ServerValue = server.JSON()
		c.ClientValue = in.Fields.JSON()
		c.FinalValue = merged.JSON()
		c.Resolution, c.Status = Manual, StatusPendingReview
		return Result{Action: ActionManual, Resolution: Manual, Conflicts: []Conflict{c}}, nil
	}

	if len(resolved) == 0 {
		// alterações em campos disjuntos: mescla automática
		c := r.newConflict(in, current, TypeConcurrentUpdate, "")
		c.ServerValue = server.JSON()
		c.ClientValue = in.Fields.JSON()
		c.FinalValue = merged.JSON()
		c.Resolution, c.Status = Merge, StatusResolved
		resolved = append(resolved, c)
	}

	res := Result{Action: ActionApply, Patch: patch, Record: merged, Resolution: Merge, Conflicts: resolved}
	if len(resolved) == 1 {
		res.Resolution = resolved[0].Resolution
	}
	if equalRecords(server, merged) {
		res.Action = ActionSkip
	}
	return res, nil
}

func (r *Resolver) fieldConflict(in Incoming, current *changelog.Entry, field string, server entity.Fields, resolution Resolution, final json.RawMessage) Conflict {
	c := r.newConflict(in, current, TypeConcurrentUpdate, field)
	c.ServerValue = server[field]
	c.ClientValue = in.Fields[field]
	c.FinalValue = final
	c.Resolution = resolution
	c.Status = StatusResolved
	return c
}

func (r *Resolver) newConflict(in Incoming, current *changelog.Entry, t Type, field string) Conflict {
	return Conflict{
		ID:            util.NewUUID(),
		SessionID:     in.SessionID,
		DeviceID:      in.DeviceID,
		UserID:        in.UserID,
		Table:         in.Table,
		RecordID:      in.RecordID,
		FieldName:     field,
		Operation:     in.Op,
		Type:          t,
		BaseVersion:   in.BaseVersion,
		ServerVersion: current.Stamp,
		GeoNodeID:     current.GeoNodeID,
		GeoPath:       current.GeoPath,
		CreatedAt:     r.clock.OrNow(),
	}
}

// Choice é a decisão do revisor.
type Choice string

const (
	ChooseServer Choice = "server"
	ChooseClient Choice = "client"
)

// ResolveManual encerra um conflito pendente. Escolher o cliente grava a
// versão do cliente no log pelo Applier.
func (r *Resolver) ResolveManual(ctx context.Context, id, reviewer uuid.UUID, choice Choice) (Conflict, error) {
	c, err := r.store.Get(ctx, id)
	if err != nil {
		return Conflict{}, err
	}
	if c.Status != StatusPendingReview {
		return Conflict{}, ErrAlreadyResolved
	}

	var (
		resolution Resolution
		final      json.RawMessage
	)
	switch choice {
	case ChooseServer:
		resolution, final = ServerWins, c.ServerValue
	case ChooseClient:
		if r.applier == nil {
			return Conflict{}, errors.New("aplicação de conflitos não configurada")
		}
		entry, err := r.applier.ApplyConflict(ctx, c, reviewer)
		if err != nil {
			return Conflict{}, err
		}
		resolution, final = ClientWins, entry.Snapshot
	default:
		return Conflict{}, fmt.Errorf("%w: %q", ErrInvalidChoice, choice)
	}

	resolvedConflict, err := r.store.MarkResolved(ctx, id, resolution, final, reviewer, r.clock.OrNow())
	if err != nil {
		return Conflict{}, err
	}
	r.logger.Info().Str("conflict_id", id.String()).Str("reviewer", reviewer.String()).Str("resolution", string(resolution)).Msg("conflito revisado")
	return resolvedConflict, nil
}

// Pending lista a fila de revisão.
func (r *Resolver) Pending(ctx context.Context, f Filter) ([]Conflict, error) {
	f.Status = StatusPendingReview
	return r.store.List(ctx, f)
}

// List consulta conflitos com qualquer status.
func (r *Resolver) List(ctx context.Context, f Filter) ([]Conflict, error) {
	return r.store.List(ctx, f)
}

func (r *Resolver) Get(ctx context.Context, id uuid.UUID) (Conflict, error) {
	return r.store.Get(ctx, id)
}

func nullable(f entity.Fields) json.RawMessage {
	if len(f) == 0 {
		return nil
	}
	return f.JSON()
}

func equalRecords(a, b entity.Fields) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range b {
		if !a.Equal(b, k) {
			return false
		}
	}
	return true
}
