package http

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gestaozabele/geosync/internal/apperr"
	"github.com/gestaozabele/geosync/internal/changelog"
	"github.com/gestaozabele/geosync/internal/session"
)

type openSessionRequest struct {
	DeviceID    string       `json:"device_id"`
	SessionType session.Type `json:"session_type"`
}

// OpenSession abre uma sessão para o dispositivo do usuário autenticado.
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.subjectUUID(w, r)
	if !ok {
		return
	}
	var payload openSessionRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	if payload.SessionType == "" {
		payload.SessionType = session.TypeFullSync
	}
	s, err := h.Sessions.Open(r.Context(), userID, strings.TrimSpace(payload.DeviceID), payload.SessionType)
	if err != nil {
		writeAppError(w, r, err, nil)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{"session_id": s.ID, "session": s})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.subjectUUID(w, r)
	if !ok {
		return
	}
	s, err := h.Sessions.Get(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		writeAppError(w, r, err, nil)
		return
	}
	WriteJSON(w, http.StatusOK, s)
}

type operationRequest struct {
	IdempotencyKey  string          `json:"idempotency_key"`
	Table           string          `json:"table"`
	RecordID        string          `json:"record_id"`
	Op              string          `json:"op"`
	BaseVersion     changelog.Stamp `json:"base_version"`
	Payload         json.RawMessage `json:"payload"`
	ClientTimestamp *time.Time      `json:"client_timestamp"`
}

type pushRequest struct {
	Operations []operationRequest `json:"operations"`
}

// PushBatch aplica o lote. Erros de operação vêm no corpo; apenas erros que
// encerram a sessão mudam o status, com o resultado parcial em details.
func (h *Handler) PushBatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.subjectUUID(w, r)
	if !ok {
		return
	}
	var payload pushRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	ops := make([]session.Operation, len(payload.Operations))
	for i, op := range payload.Operations {
		ops[i] = session.Operation{
			IdempotencyKey:  op.IdempotencyKey,
			Table:           op.Table,
			RecordID:        op.RecordID,
			Op:              op.Op,
			BaseVersion:     op.BaseVersion,
			Payload:         op.Payload,
			ClientTimestamp: op.ClientTimestamp,
		}
	}
	result, err := h.Sessions.SubmitBatch(r.Context(), chi.URLParam(r, "id"), userID, ops)
	if err != nil {
		writeAppError(w, r, err, result)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// Pull devolve a próxima página de alterações visíveis.
func (h *Handler) Pull(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.subjectUUID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	req := session.PullRequest{EntityType: strings.TrimSpace(q.Get("entity_type"))}
	if raw := strings.TrimSpace(q.Get("since")); raw != "" {
		since, err := changelog.ParseStamp(raw)
		if err != nil {
			writeAppError(w, r, err, nil)
			return
		}
		req.Since = &since
	}
	limit, err := parseLimit(r, 0)
	if err != nil {
		WriteError(w, http.StatusBadRequest, apperr.CodeValidationFailed, err.Error(), nil)
		return
	}
	req.Limit = limit

	result, err := h.Sessions.Pull(r.Context(), chi.URLParam(r, "id"), userID, req)
	if err != nil {
		writeAppError(w, r, err, nil)
		return
	}
	if result.Changes == nil {
		result.Changes = []changelog.Entry{}
	}
	WriteJSON(w, http.StatusOK, result)
}

type ackRequest struct {
	Cursor *changelog.Stamp `json:"cursor"`
}

// Acknowledge confirma o cursor recebido no último pull.
func (h *Handler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.subjectUUID(w, r)
	if !ok {
		return
	}
	var payload ackRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	if payload.Cursor == nil {
		WriteError(w, http.StatusBadRequest, apperr.CodeValidationFailed, "cursor obrigatório", nil)
		return
	}
	cursor, err := h.Sessions.Acknowledge(r.Context(), chi.URLParam(r, "id"), userID, *payload.Cursor)
	if err != nil {
		writeAppError(w, r, err, nil)
		return
	}
	WriteJSON(w, http.StatusOK, cursor)
}

func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.subjectUUID(w, r)
	if !ok {
		return
	}
	s, err := h.Sessions.Close(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		writeAppError(w, r, err, nil)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":         s.Status,
		"failure_reason": s.FailureReason,
		"session":        s,
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.subjectUUID(w, r)
	if !ok {
		return
	}
	var payload cancelRequest
	if !decodeOptionalJSON(w, r, &payload) {
		return
	}
	s, err := h.Sessions.Cancel(r.Context(), chi.URLParam(r, "id"), userID, strings.TrimSpace(payload.Reason))
	if err != nil {
		writeAppError(w, r, err, nil)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": s.Status, "session": s})
}
