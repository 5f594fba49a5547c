package lbac

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gestaozabele/geosync/internal/geo"
	"github.com/gestaozabele/geosync/internal/util"
)

// PathResolver resolve o caminho de um nó geográfico.
type PathResolver interface {
	Path(id uuid.UUID) (geo.Path, error)
	Validate(s geo.Scope) error
}

// Service administra atribuições, restrições e delegações, invalidando o
// cache de decisões a cada mudança.
type Service struct {
	store  Store
	cache  DecisionCache
	tree   PathResolver
	clock  util.Clock
	logger zerolog.Logger
}

// NewService cria o serviço administrativo.
func NewService(store Store, cache DecisionCache, tree PathResolver, clock util.Clock) *Service {
	if cache == nil {
		cache = NoopCache{}
	}
	return &Service{
		store:  store,
		cache:  cache,
		tree:   tree,
		clock:  clock,
		logger: log.With().Str("component", "lbac-admin").Logger(),
	}
}

// AssignInput descreve uma nova atribuição.
type AssignInput struct {
	UserID    uuid.UUID
	Scope     geo.Scope
	Type      AssignmentType
	StartDate *time.Time
	EndDate   *time.Time
	ActorID   uuid.UUID
	Reason    string
}

// Assign cria a atribuição e substitui a ativa do mesmo tipo.
func (s *Service) Assign(ctx context.Context, in AssignInput) (Assignment, error) {
	if in.UserID == uuid.Nil {
		return Assignment{}, fmt.Errorf("%w: usuário obrigatório", ErrInvalidAssignment)
	}
	if !in.Type.Valid() {
		return Assignment{}, fmt.Errorf("%w: tipo %q", ErrInvalidAssignment, in.Type)
	}
	if err := s.tree.Validate(in.Scope); err != nil {
		return Assignment{}, err
	}
	now := s.clock.OrNow()
	start := now
	if in.StartDate != nil {
		start = in.StartDate.UTC()
	}
	if in.EndDate != nil && !in.EndDate.After(start) {
		return Assignment{}, ErrInvalidWindow
	}
	if in.Type != AssignmentPermanent && in.EndDate == nil {
		return Assignment{}, fmt.Errorf("%w: atribuição %s exige data final", ErrInvalidWindow, in.Type)
	}

	a := Assignment{
		ID:        util.NewUUID(),
		UserID:    in.UserID,
		Scope:     in.Scope,
		Type:      in.Type,
		StartDate: start,
		EndDate:   in.EndDate,
		IsActive:  !start.After(now),
		CreatedBy: in.ActorID,
		CreatedAt: now,
	}
	superseded, err := s.store.CreateAssignment(ctx, a)
	if err != nil {
		return Assignment{}, err
	}

	entries := make([]HistoryEntry, 0, len(superseded)+1)
	for i := range superseded {
		prev := superseded[i]
		entries = append(entries, s.history(prev.UserID, prev.ID, HistorySuperseded, &prev, &a, in.ActorID, in.Reason))
	}
	entries = append(entries, s.history(a.UserID, a.ID, HistoryCreated, nil, &a, in.ActorID, in.Reason))
	if err := s.store.AppendHistory(ctx, entries...); err != nil {
		return Assignment{}, err
	}
	s.invalidate(ctx, a.UserID)
	s.logger.Info().Str("user_id", a.UserID.String()).Str("scope", a.Scope.String()).Str("type", string(a.Type)).Int("superseded", len(superseded)).Msg("atribuição criada")
	return a, nil
}

// RevokeAssignment desativa a atribuição.
func (s *Service) RevokeAssignment(ctx context.Context, id, actorID uuid.UUID, reason string) (Assignment, error) {
	prev, err := s.store.GetAssignment(ctx, id)
	if err != nil {
		return Assignment{}, err
	}
	if prev.RevokedAt != nil {
		return Assignment{}, ErrAlreadyRevoked
	}
	revoked, err := s.store.RevokeAssignment(ctx, id, s.clock.OrNow())
	if err != nil {
		return Assignment{}, err
	}
	if err := s.store.AppendHistory(ctx, s.history(revoked.UserID, id, HistoryRevoked, &prev, &revoked, actorID, reason)); err != nil {
		return Assignment{}, err
	}
	s.invalidate(ctx, revoked.UserID)
	return revoked, nil
}

// ExpireAssignments desativa atribuições vencidas e ativa as agendadas.
func (s *Service) ExpireAssignments(ctx context.Context) (int, error) {
	expired, activated, err := s.store.ExpireAssignments(ctx, s.clock.OrNow())
	if err != nil {
		return 0, err
	}
	for _, a := range activated {
		s.invalidate(ctx, a.UserID)
	}
	for i := range expired {
		a := expired[i]
		if err := s.store.AppendHistory(ctx, s.history(a.UserID, a.ID, HistoryExpired, &a, nil, uuid.Nil, "fim da vigência")); err != nil {
			return 0, err
		}
		s.invalidate(ctx, a.UserID)
	}
	return len(expired) + len(activated), nil
}

// ConstraintInput descreve uma nova restrição.
type ConstraintInput struct {
	Permission string
	Scope      geo.Scope
	Level      geo.Level
	Type       ConstraintType
	Priority   int
}

// AddConstraint valida e grava a restrição; invalida todo o cache.
func (s *Service) AddConstraint(ctx context.Context, in ConstraintInput) (Constraint, error) {
	c := Constraint{
		ID:         util.NewUUID(),
		Permission: strings.TrimSpace(in.Permission),
		Scope:      in.Scope,
		Level:      in.Level,
		Type:       in.Type,
		Priority:   in.Priority,
		CreatedAt:  s.clock.OrNow(),
	}
	if c.Level == "" {
		c.Level = in.Scope.Level()
	}
	if err := c.validate(); err != nil {
		return Constraint{}, err
	}
	if err := s.tree.Validate(c.Scope); err != nil {
		return Constraint{}, err
	}
	if err := s.store.InsertConstraint(ctx, c); err != nil {
		return Constraint{}, err
	}
	if err := s.cache.InvalidateAll(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("falha ao invalidar cache lbac")
	}
	return c, nil
}

// DelegateInput descreve uma delegação.
type DelegateInput struct {
	FromUserID    uuid.UUID
	ToUserID      uuid.UUID
	Permissions   []string
	Scope         geo.Scope
	StartDate     time.Time
	EndDate       time.Time
	MaxUsageCount *int
	Reason        string
}

// Delegate cria a delegação; o delegante precisa cobrir o escopo delegado.
func (s *Service) Delegate(ctx context.Context, in DelegateInput) (Delegation, error) {
	if in.FromUserID == in.ToUserID {
		return Delegation{}, ErrSelfDelegation
	}
	if !in.EndDate.After(in.StartDate) {
		return Delegation{}, ErrInvalidWindow
	}
	if in.MaxUsageCount != nil && *in.MaxUsageCount <= 0 {
		return Delegation{}, fmt.Errorf("%w: limite de uso deve ser positivo", ErrInvalidWindow)
	}
	if len(in.Permissions) == 0 {
		in.Permissions = []string{AllPermissions}
	}
	if err := s.tree.Validate(in.Scope); err != nil {
		return Delegation{}, err
	}
	path, err := s.tree.Path(in.Scope.NodeID())
	if err != nil {
		return Delegation{}, err
	}

	now := s.clock.OrNow()
	own, err := s.store.ActiveAssignments(ctx, in.FromUserID, now)
	if err != nil {
		return Delegation{}, err
	}
	covered := false
	for _, a := range own {
		if a.Scope.Covers(path) {
			covered = true
			break
		}
	}
	if !covered {
		return Delegation{}, ErrDelegatorNoScope
	}
	if !in.EndDate.After(now) {
		return Delegation{}, ErrInvalidWindow
	}

	status := DelegationPending
	if !in.StartDate.After(now) {
		status = DelegationActive
	}
	d := Delegation{
		ID:            util.NewUUID(),
		FromUserID:    in.FromUserID,
		ToUserID:      in.ToUserID,
		Permissions:   in.Permissions,
		Scope:         in.Scope,
		StartDate:     in.StartDate.UTC(),
		EndDate:       in.EndDate.UTC(),
		MaxUsageCount: in.MaxUsageCount,
		Status:        status,
		Reason:        in.Reason,
		CreatedAt:     now,
	}
	if err := s.store.InsertDelegation(ctx, d); err != nil {
		return Delegation{}, err
	}
	s.invalidate(ctx, d.ToUserID)
	return d, nil
}

// RevokeDelegation encerra a delegação imediatamente.
func (s *Service) RevokeDelegation(ctx context.Context, id uuid.UUID) (Delegation, error) {
	d, err := s.store.RevokeDelegation(ctx, id, s.clock.OrNow())
	if err != nil {
		return Delegation{}, err
	}
	s.invalidate(ctx, d.ToUserID)
	return d, nil
}

// RefreshDelegations ativa pendentes e expira vencidas.
func (s *Service) RefreshDelegations(ctx context.Context) (int, error) {
	changed, err := s.store.RefreshDelegations(ctx, s.clock.OrNow())
	if err != nil {
		return 0, err
	}
	for _, d := range changed {
		s.invalidate(ctx, d.ToUserID)
	}
	return len(changed), nil
}

// HasActiveScope indica se o usuário tem atribuição ou delegação vigente.
func (s *Service) HasActiveScope(ctx context.Context, userID uuid.UUID) (bool, error) {
	now := s.clock.OrNow()
	assignments, err := s.store.ActiveAssignments(ctx, userID, now)
	if err != nil {
		return false, err
	}
	if len(assignments) > 0 {
		return true, nil
	}
	delegations, err := s.store.ActiveDelegations(ctx, userID, now)
	if err != nil {
		return false, err
	}
	for _, d := range delegations {
		if d.UsableAt(now) {
			return true, nil
		}
	}
	return false, nil
}

// History devolve o histórico de atribuições do usuário.
func (s *Service) History(ctx context.Context, userID uuid.UUID) ([]HistoryEntry, error) {
	return s.store.History(ctx, userID)
}

// Audit consulta o log de decisões.
func (s *Service) Audit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	return s.store.Audit(ctx, f)
}

func (s *Service) history(userID, assignmentID uuid.UUID, action HistoryAction, prev, cur *Assignment, actor uuid.UUID, reason string) HistoryEntry {
	return HistoryEntry{
		ID:           util.NewUUID(),
		UserID:       userID,
		AssignmentID: assignmentID,
		Action:       action,
		Previous:     prev,
		Current:      cur,
		ActorID:      actor,
		Reason:       reason,
		CreatedAt:    s.clock.OrNow(),
	}
}

func (s *Service) invalidate(ctx context.Context, userID uuid.UUID) {
	if err := s.cache.InvalidateUser(ctx, userID); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID.String()).Msg("falha ao invalidar cache lbac")
	}
}
