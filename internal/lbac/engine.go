package lbac

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/gestaozabele/geosync/internal/geo"
	"github.com/gestaozabele/geosync/internal/util"
)

// Engine avalia o acesso geográfico.
type Engine struct {
	store  Store
	cache  DecisionCache
	group  singleflight.Group
	clock  util.Clock
	logger zerolog.Logger
}

// NewEngine cria o motor; cache nil desativa o cache.
func NewEngine(store Store, cache DecisionCache, clock util.Clock) *Engine {
	if cache == nil {
		cache = NoopCache{}
	}
	return &Engine{
		store:  store,
		cache:  cache,
		clock:  clock,
		logger: log.With().Str("component", "lbac").Logger(),
	}
}

// Cache expõe o cache para invalidação pelo serviço administrativo.
func (e *Engine) Cache() DecisionCache { return e.cache }

// ResolveGrant reúne atribuições, delegações e restrições do usuário para a ação.
// Chamadas concorrentes para o mesmo par compartilham a mesma consulta.
func (e *Engine) ResolveGrant(ctx context.Context, userID uuid.UUID, action string) (Grant, error) {
	key := userID.String() + "|" + action
	v, err, _ := e.group.Do(key, func() (any, error) {
		now := e.clock.OrNow()
		assignments, err := e.store.ActiveAssignments(ctx, userID, now)
		if err != nil {
			return Grant{}, fmt.Errorf("atribuições: %w", err)
		}
		delegations, err := e.store.ActiveDelegations(ctx, userID, now)
		if err != nil {
			return Grant{}, fmt.Errorf("delegações: %w", err)
		}
		usable := delegations[:0]
		for _, d := range delegations {
			if d.UsableAt(now) && d.Grants(action) {
				usable = append(usable, d)
			}
		}
		constraints, err := e.store.Constraints(ctx, action)
		if err != nil {
			return Grant{}, fmt.Errorf("restrições: %w", err)
		}
		return Grant{
			UserID:      userID,
			Action:      action,
			Assignments: assignments,
			Delegations: usable,
			Constraints: constraints,
		}, nil
	})
	if err != nil {
		return Grant{}, err
	}
	return v.(Grant), nil
}

// Authorize decide se o usuário pode executar a ação sobre o recurso no caminho.
// Decisões concedidas por delegação consomem um uso e nunca entram no cache.
func (e *Engine) Authorize(ctx context.Context, userID uuid.UUID, action string, path geo.Path) (Decision, error) {
	start := time.Now()
	node := path.Leaf()

	if d, ok := e.cache.Get(ctx, userID, action, node); ok {
		e.audit(ctx, userID, action, node, d, start)
		return d, nil
	}

	grant, err := e.ResolveGrant(ctx, userID, action)
	if err != nil {
		return Decision{}, err
	}

	var dec Decision
	for {
		v := grant.Decide(path)
		dec = Decision{Allowed: v.Allowed, Reason: v.Reason}
		if v.Delegation == nil {
			break
		}
		consumed, ok, err := e.store.ConsumeDelegation(ctx, v.Delegation.ID, e.clock.OrNow())
		if err != nil {
			return Decision{}, err
		}
		if ok {
			id := consumed.ID
			dec.ViaDelegation = &id
			if consumed.Status == DelegationUsedUp {
				e.logger.Info().Str("delegation_id", id.String()).Msg("delegação esgotada")
			}
			break
		}
		// esgotada por outra requisição; reavalia sem ela
		grant.Delegations = without(grant.Delegations, v.Delegation.ID)
	}

	if dec.ViaDelegation == nil {
		e.cache.Set(ctx, userID, action, node, dec)
	}
	e.audit(ctx, userID, action, node, dec, start)
	return dec, nil
}

func (e *Engine) audit(ctx context.Context, userID uuid.UUID, action string, node uuid.UUID, d Decision, start time.Time) {
	entry := AuditEntry{
		ID:         util.NewUUID(),
		UserID:     userID,
		Action:     action,
		GeoNodeID:  node,
		Allowed:    d.Allowed,
		Reason:     d.Reason,
		Delegation: d.ViaDelegation,
		FromCache:  d.FromCache,
		ElapsedMS:  float64(time.Since(start).Microseconds()) / 1000,
		CreatedAt:  e.clock.OrNow(),
	}
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		e.logger.Error().Err(err).Str("user_id", userID.String()).Str("action", action).Msg("falha ao registrar auditoria lbac")
	}
}

func without(ds []Delegation, id uuid.UUID) []Delegation {
	out := make([]Delegation, 0, len(ds))
	for _, d := range ds {
		if d.ID != id {
			out = append(out, d)
		}
	}
	return out
}
