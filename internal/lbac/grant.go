package lbac

import (
	"github.com/google/uuid"

	"github.com/gestaozabele/geosync/internal/geo"
)

// Grant é o conjunto resolvido de atribuições, delegações e restrições de um
// usuário para uma ação. Decide é puro e pode ser aplicado a muitos caminhos.
type Grant struct {
	UserID      uuid.UUID
	Action      string
	Assignments []Assignment
	Delegations []Delegation
	Constraints []Constraint
}

// Verdict é a decisão pura para um caminho.
type Verdict struct {
	Allowed    bool
	Reason     string
	Delegation *Delegation
}

// Decide aplica as regras de cobertura e restrições ao caminho.
func (g Grant) Decide(path geo.Path) Verdict {
	if len(g.Assignments) == 0 && len(g.Delegations) == 0 {
		return Verdict{Reason: ReasonNoActiveAssignment}
	}

	covered := false
	for _, a := range g.Assignments {
		if a.Scope.Covers(path) {
			covered = true
			break
		}
	}
	var via *Delegation
	if !covered {
		for i := range g.Delegations {
			if g.Delegations[i].Scope.Covers(path) {
				via = &g.Delegations[i]
				break
			}
		}
	}
	if !covered && via == nil {
		if len(g.Assignments) == 0 {
			return Verdict{Reason: ReasonNoActiveAssignment}
		}
		return Verdict{Reason: ReasonOutOfScope}
	}

	if excluded(g.Constraints, path) {
		return Verdict{Reason: ReasonExclusive}
	}
	if via != nil {
		return Verdict{Allowed: true, Reason: ReasonAllowedDelegation, Delegation: via}
	}
	return Verdict{Allowed: true, Reason: ReasonAllowed}
}

// excluded: a melhor exclusiva vence se não houver inclusiva aplicável ou se
// sua prioridade for menor ou igual à da melhor inclusiva.
func excluded(constraints []Constraint, path geo.Path) bool {
	var bestIncl, bestExcl *Constraint
	for i := range constraints {
		c := &constraints[i]
		if !c.Scope.Covers(path) {
			continue
		}
		switch c.Type {
		case ConstraintInclusive:
			if bestIncl == nil || c.Priority < bestIncl.Priority {
				bestIncl = c
			}
		case ConstraintExclusive:
			if bestExcl == nil || c.Priority < bestExcl.Priority {
				bestExcl = c
			}
		}
	}
	if bestExcl == nil {
		return false
	}
	return bestIncl == nil || bestExcl.Priority <= bestIncl.Priority
}

// CoveredNodes lista os nós das atribuições e delegações, usados como
// pré-filtro de consultas por caminho.
func (g Grant) CoveredNodes() []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	add := func(id uuid.UUID) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, a := range g.Assignments {
		add(a.Scope.NodeID())
	}
	for _, d := range g.Delegations {
		add(d.Scope.NodeID())
	}
	return out
}

// Empty indica ausência de qualquer cobertura.
func (g Grant) Empty() bool {
	return len(g.Assignments) == 0 && len(g.Delegations) == 0
}
