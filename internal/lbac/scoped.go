package lbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gestaozabele/geosync/internal/geo"
)

// ScopedRead filtra os itens de uma leitura em lote com as concessões de cada
// tabela. Toda delegação que admitir ao menos um item consome um uso em Settle.
type ScopedRead struct {
	engine   *Engine
	userID   uuid.UUID
	action   string
	start    time.Time
	grants   map[string]Grant
	allowed  int
	denied   int
	reasons  map[string]int
	pending  []uuid.UUID
	marked   map[uuid.UUID]bool
	consumed []uuid.UUID
}

// BeginScopedRead inicia a filtragem; action identifica a leitura na auditoria.
func (e *Engine) BeginScopedRead(userID uuid.UUID, action string, grants map[string]Grant) *ScopedRead {
	return &ScopedRead{
		engine:  e,
		userID:  userID,
		action:  action,
		start:   time.Now(),
		grants:  grants,
		reasons: make(map[string]int),
		marked:  make(map[uuid.UUID]bool),
	}
}

// Admit decide se o item da tabela no caminho pode ser entregue.
func (r *ScopedRead) Admit(table string, path geo.Path) bool {
	g, ok := r.grants[table]
	if !ok {
		r.denied++
		r.reasons[ReasonNoActiveAssignment]++
		return false
	}
	v := g.Decide(path)
	if !v.Allowed {
		r.denied++
		r.reasons[v.Reason]++
		return false
	}
	r.allowed++
	if v.Delegation != nil && !r.marked[v.Delegation.ID] {
		r.marked[v.Delegation.ID] = true
		r.pending = append(r.pending, v.Delegation.ID)
	}
	return true
}

// Reset zera as contagens para refazer a filtragem. Usos já consumidos continuam valendo.
func (r *ScopedRead) Reset() {
	r.allowed, r.denied = 0, 0
	r.reasons = make(map[string]int)
}

// Settle consome um uso de cada delegação que admitiu itens desde a última
// chamada. Delegações esgotadas por outra requisição saem das concessões e
// são devolvidas para que o chamador refaça a filtragem.
func (r *ScopedRead) Settle(ctx context.Context) ([]uuid.UUID, error) {
	var exhausted []uuid.UUID
	pending := r.pending
	r.pending = nil
	for _, id := range pending {
		d, ok, err := r.engine.store.ConsumeDelegation(ctx, id, r.engine.clock.OrNow())
		if err != nil && !errors.Is(err, ErrNotFound) {
			r.pending = append(r.pending, id)
			return exhausted, err
		}
		if !ok {
			exhausted = append(exhausted, id)
			for table, g := range r.grants {
				g.Delegations = without(g.Delegations, id)
				r.grants[table] = g
			}
			continue
		}
		r.consumed = append(r.consumed, id)
		if d.Status == DelegationUsedUp {
			r.engine.logger.Info().Str("delegation_id", id.String()).Msg("delegação esgotada")
		}
	}
	return exhausted, nil
}

// Counts devolve itens admitidos e negados na filtragem corrente.
func (r *ScopedRead) Counts() (allowed, denied int) { return r.allowed, r.denied }

// Audit grava uma linha de auditoria resumindo a leitura.
func (r *ScopedRead) Audit(ctx context.Context) {
	var b strings.Builder
	fmt.Fprintf(&b, "scoped_read allowed=%d denied=%d", r.allowed, r.denied)
	if len(r.reasons) > 0 {
		reasons := make([]string, 0, len(r.reasons))
		for reason, n := range r.reasons {
			reasons = append(reasons, fmt.Sprintf("%s:%d", reason, n))
		}
		sort.Strings(reasons)
		b.WriteString(" reasons=" + strings.Join(reasons, ","))
	}
	d := Decision{Allowed: r.allowed > 0 || r.denied == 0}
	if len(r.consumed) > 0 {
		ids := make([]string, len(r.consumed))
		for i, id := range r.consumed {
			ids[i] = id.String()
		}
		b.WriteString(" delegations=" + strings.Join(ids, ","))
		first := r.consumed[0]
		d.ViaDelegation = &first
	}
	d.Reason = b.String()
	r.engine.audit(ctx, r.userID, r.action, uuid.Nil, d, r.start)
}
