package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gestaozabele/geosync/internal/apperr"
	"github.com/gestaozabele/geosync/internal/geo"
	httpmiddleware "github.com/gestaozabele/geosync/internal/http/middleware"
	"github.com/gestaozabele/geosync/internal/lbac"
)

type authorizeRequest struct {
	UserID    *uuid.UUID `json:"user_id"`
	Action    string     `json:"action"`
	GeoPath   []string   `json:"geo_path"`
	GeoNodeID *uuid.UUID `json:"geo_node_id"`
}

// Authorize avalia uma ação sobre um nó ou caminho geográfico. Consultar outro
// usuário exige papel de administrador.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	subject, ok := h.subjectUUID(w, r)
	if !ok {
		return
	}
	var payload authorizeRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	userID := subject
	if payload.UserID != nil && *payload.UserID != subject {
		if !httpmiddleware.HasRole(r.Context(), httpmiddleware.RoleLBACAdmin) {
			WriteError(w, http.StatusForbidden, "forbidden", "consulta restrita ao próprio usuário", nil)
			return
		}
		userID = *payload.UserID
	}
	action := strings.TrimSpace(payload.Action)
	if action == "" {
		WriteError(w, http.StatusBadRequest, apperr.CodeValidationFailed, "action obrigatória", nil)
		return
	}

	var (
		path geo.Path
		err  error
	)
	switch {
	case payload.GeoNodeID != nil:
		path, err = h.Tree.Path(*payload.GeoNodeID)
	case len(payload.GeoPath) > 0:
		path, err = geo.ParsePath(payload.GeoPath)
	default:
		WriteError(w, http.StatusBadRequest, apperr.CodeValidationFailed, "geo_path ou geo_node_id obrigatório", nil)
		return
	}
	if err != nil {
		WriteError(w, http.StatusBadRequest, apperr.CodeInvalidGeoScope, err.Error(), nil)
		return
	}

	decision, err := h.Engine.Authorize(r.Context(), userID, action, path)
	if err != nil {
		writeAppError(w, r, err, nil)
		return
	}
	WriteJSON(w, http.StatusOK, decision)
}

type assignmentRequest struct {
	UserID         uuid.UUID           `json:"user_id"`
	Scope          geo.Scope           `json:"scope"`
	AssignmentType lbac.AssignmentType `json:"assignment_type"`
	StartDate      *string             `json:"start_date"`
	EndDate        *string             `json:"end_date"`
	Reason         string              `json:"reason"`
}

func (h *Handler) CreateAssignment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.subjectUUID(w, r)
	if !ok {
		return
	}
	var payload assignmentRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	start, err := parseOptionalDate(payload.StartDate)
	if err != nil {
		WriteError(w, http.StatusBadRequest, apperr.CodeValidationFailed, "start_date inválida", nil)
		return
	}
	end, err := parseOptionalDate(payload.EndDate)
	if err != nil {
		WriteError(w, http.StatusBadRequest, apperr.CodeValidationFailed, "end_date inválida", nil)
		return
	}
	if payload.AssignmentType == "" {
		payload.AssignmentType = lbac.AssignmentPermanent
	}
	a, err := h.Scopes.Assign(r.Context(), lbac.AssignInput{
		UserID:    payload.UserID,
		Scope:     payload.Scope,
		Type:      payload.AssignmentType,
		StartDate: start,
		EndDate:   end,
		ActorID:   actor,
		Reason:    strings.TrimSpace(payload.Reason),
	})
	if err != nil {
		writeAppError(w, r, err, nil)
		return
	}
	WriteJSON(w, http.StatusCreated, a)
}

func (h *Handler) RevokeAssignment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.subjectUUID(w, r)
	if !ok {
		return
	}
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, apperr.CodeValidationFailed, "id inválido", nil)
		return
	}
	var payload revokeRequest
	if !decodeOptionalJSON(w, r, &payload) {
		return
	}
	a, err := h.Scopes.RevokeAssignment(r.Context(), id, actor, strings.TrimSpace(payload.Reason))
	if err != nil {
		writeAppError(w, r, err, nil)
		return
	}
	WriteJSON(w, http.StatusOK, a)
}

type constraintRequest struct {
	Permission     string              `json:"permission"`
	Scope          geo.Scope           `json:"scope"`
	Level          geo.Level           `json:"level"`
	ConstraintType lbac.ConstraintType `json:"constraint_type"`
	Priority       int                 `json:"priority"`
}

func (h *Handler) CreateConstraint(w http.ResponseWriter, r *http.Request) {
	var payload constraintRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	c, err := h.Scopes.AddConstraint(r.Context(), lbac.ConstraintInput{
		Permission: payload.Permission,
		Scope:      payload.Scope,
		Level:      payload.Level,
		Type:       payload.ConstraintType,
		Priority:   payload.Priority,
	})
	if err != nil {
		writeAppError(w, r, err, nil)
		return
	}
	WriteJSON(w, http.StatusCreated, c)
}

type delegationRequest struct {
	FromUserID    *uuid.UUID `json:"from_user_id"`
	ToUserID      uuid.UUID  `json:"to_user_id"`
	Permissions   []string   `json:"permissions"`
	Scope         geo.Scope  `json:"scope"`
	StartDate     string     `json:"start_date"`
	EndDate       string     `json:"end_date"`
	MaxUsageCount *int       `json:"max_usage_count"`
	Reason        string     `json:"reason"`
}

// CreateDelegation registra uma delegação temporária. Sem from_user_id o
// administrador delega o próprio escopo.
func (h *Handler) CreateDelegation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.subjectUUID(w, r)
	if !ok {
		return
	}
	var payload delegationRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	from := actor
	if payload.FromUserID != nil {
		from = *payload.FromUserID
	}
	start := time.Now().UTC()
	if strings.TrimSpace(payload.StartDate) != "" {
		parsed, err := parseISODate(payload.StartDate)
		if err != nil {
			WriteError(w, http.StatusBadRequest, apperr.CodeValidationFailed, "start_date inválida", nil)
			return
		}
		start = parsed
	}
	end, err := parseISODate(payload.EndDate)
	if err != nil {
		WriteError(w, http.StatusBadRequest, apperr.CodeValidationFailed, "end_date obrigatória", nil)
		return
	}
	d, err := h.Scopes.Delegate(r.Context(), lbac.DelegateInput{
		FromUserID:    from,
		ToUserID:      payload.ToUserID,
		Permissions:   payload.Permissions,
		Scope:         payload.Scope,
		StartDate:     start,
		EndDate:       end,
		MaxUsageCount: payload.MaxUsageCount,
		Reason:        strings.TrimSpace(payload.Reason),
	})
	if err != nil {
		writeAppError(w, r, err, nil)
		return
	}
	WriteJSON(w, http.StatusCreated, d)
}

func (h *Handler) RevokeDelegation(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, apperr.CodeValidationFailed, "id inválido", nil)
		return
	}
	d, err := h.Scopes.RevokeDelegation(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err, nil)
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

func (h *Handler) UserHistory(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, apperr.CodeValidationFailed, "id inválido", nil)
		return
	}
	entries, err := h.Scopes.History(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err, nil)
		return
	}
	if entries == nil {
		entries = []lbac.HistoryEntry{}
	}
	WriteJSON(w, http.StatusOK, entries)
}

// AuditLog lista decisões registradas, das mais recentes para as mais antigas.
func (h *Handler) AuditLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter lbac.AuditFilter
	if raw := strings.TrimSpace(q.Get("user_id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, apperr.CodeValidationFailed, "user_id inválido", nil)
			return
		}
		filter.UserID = &id
	}
	if raw := strings.TrimSpace(q.Get("since")); raw != "" {
		since, err := parseISODate(raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, apperr.CodeValidationFailed, "since inválido", nil)
			return
		}
		filter.Since = &since
	}
	limit, err := parseLimit(r, 100)
	if err != nil {
		WriteError(w, http.StatusBadRequest, apperr.CodeValidationFailed, err.Error(), nil)
		return
	}
	filter.Limit = limit
	entries, err := h.Scopes.Audit(r.Context(), filter)
	if err != nil {
		writeAppError(w, r, err, nil)
		return
	}
	if entries == nil {
		entries = []lbac.AuditEntry{}
	}
	WriteJSON(w, http.StatusOK, entries)
}
