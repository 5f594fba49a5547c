package http

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/gestaozabele/geosync/internal/apperr"
	"github.com/gestaozabele/geosync/internal/conflict"
)

// ListConflicts lista a fila de revisão. Sem status, somente pendentes.
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := conflict.Filter{
		Table:     strings.TrimSpace(q.Get("table")),
		SessionID: strings.TrimSpace(q.Get("session_id")),
		Status:    conflict.Status(strings.TrimSpace(q.Get("status"))),
	}
	if raw := strings.TrimSpace(q.Get("user_id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, apperr.CodeValidationFailed, "user_id inválido", nil)
			return
		}
		filter.UserID = &id
	}
	limit, err := parseLimit(r, 100)
	if err != nil {
		WriteError(w, http.StatusBadRequest, apperr.CodeValidationFailed, err.Error(), nil)
		return
	}
	filter.Limit = limit

	var items []conflict.Conflict
	if filter.Status == "" {
		items, err = h.Conflicts.Pending(r.Context(), filter)
	} else {
		items, err = h.Conflicts.List(r.Context(), filter)
	}
	if err != nil {
		writeAppError(w, r, err, nil)
		return
	}
	if items == nil {
		items = []conflict.Conflict{}
	}
	WriteJSON(w, http.StatusOK, items)
}

func (h *Handler) GetConflict(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, apperr.CodeValidationFailed, "id inválido", nil)
		return
	}
	c, err := h.Conflicts.Get(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err, nil)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

type resolveRequest struct {
	Choice conflict.Choice `json:"choice"`
}

// ResolveConflict encerra um conflito pendente com a versão escolhida pelo revisor.
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	reviewer, ok := h.subjectUUID(w, r)
	if !ok {
		return
	}
	id, err := parseUUIDParam(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, apperr.CodeValidationFailed, "id inválido", nil)
		return
	}
	var payload resolveRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	c, err := h.Conflicts.ResolveManual(r.Context(), id, reviewer, payload.Choice)
	if err != nil {
		writeAppError(w, r, err, nil)
		return
	}
	WriteJSON(w, http.StatusOK, c)
}
