package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gestaozabele/geosync/internal/apperr"
	"github.com/gestaozabele/geosync/internal/device"
	httpmiddleware "github.com/gestaozabele/geosync/internal/http/middleware"
)

type credentialResponse struct {
	DeviceID            string        `json:"device_id"`
	Status              device.Status `json:"status"`
	Credential          string        `json:"credential"`
	CredentialExpiresAt *time.Time    `json:"credential_expires_at,omitempty"`
}

func newCredentialResponse(d device.Device, raw string) credentialResponse {
	return credentialResponse{
		DeviceID:            d.DeviceID,
		Status:              d.Status,
		Credential:          raw,
		CredentialExpiresAt: d.CredentialExpiresAt,
	}
}

// RegisterDevice registra o aparelho do usuário e devolve a credencial bruta uma única vez.
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.subjectUUID(w, r)
	if !ok {
		return
	}
	var payload device.RegisterInput
	if !decodeJSON(w, r, &payload) {
		return
	}
	payload.UserID = userID
	d, raw, err := h.Devices.Register(r.Context(), payload)
	if err != nil {
		writeAppError(w, r, err, nil)
		return
	}
	WriteJSON(w, http.StatusCreated, newCredentialResponse(d, raw))
}

func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.subjectUUID(w, r)
	if !ok {
		return
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("user_id")); raw != "" && httpmiddleware.HasRole(r.Context(), httpmiddleware.RoleLBACAdmin) {
		other, err := uuid.Parse(raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, apperr.CodeValidationFailed, "user_id inválido", nil)
			return
		}
		userID = other
	}
	devices, err := h.Devices.ListByUser(r.Context(), userID)
	if err != nil {
		writeAppError(w, r, err, nil)
		return
	}
	if devices == nil {
		devices = []device.Device{}
	}
	WriteJSON(w, http.StatusOK, devices)
}

// ownedDevice carrega o dispositivo e confere se o usuário é o dono ou administrador.
func (h *Handler) ownedDevice(w http.ResponseWriter, r *http.Request) (device.Device, bool) {
	userID, ok := h.subjectUUID(w, r)
	if !ok {
		return device.Device{}, false
	}
	d, err := h.Devices.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err, nil)
		return device.Device{}, false
	}
	if d.UserID != userID && !httpmiddleware.HasRole(r.Context(), httpmiddleware.RoleLBACAdmin) {
		WriteError(w, http.StatusForbidden, "forbidden", "dispositivo pertence a outro usuário", nil)
		return device.Device{}, false
	}
	return d, true
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) RevokeDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := h.ownedDevice(w, r)
	if !ok {
		return
	}
	var payload revokeRequest
	if !decodeOptionalJSON(w, r, &payload) {
		return
	}
	revoked, err := h.Devices.Revoke(r.Context(), d.DeviceID, payload.Reason)
	if err != nil {
		writeAppError(w, r, err, nil)
		return
	}
	WriteJSON(w, http.StatusOK, revoked)
}

func (h *Handler) RemoveDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := h.ownedDevice(w, r)
	if !ok {
		return
	}
	if err := h.Devices.Remove(r.Context(), d.DeviceID); err != nil {
		writeAppError(w, r, err, nil)
		return
	}
	WriteNoContent(w)
}

type refreshRequest struct {
	Credential string `json:"credential"`
}

// RefreshDevice troca a credencial vigente por uma nova.
func (h *Handler) RefreshDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := h.ownedDevice(w, r)
	if !ok {
		return
	}
	var payload refreshRequest
	if !decodeJSON(w, r, &payload) {
		return
	}
	if strings.TrimSpace(payload.Credential) == "" {
		WriteError(w, http.StatusBadRequest, apperr.CodeValidationFailed, "credencial obrigatória", nil)
		return
	}
	rotated, raw, err := h.Devices.RotateCredential(r.Context(), d.DeviceID, payload.Credential)
	if err != nil {
		writeAppError(w, r, err, nil)
		return
	}
	WriteJSON(w, http.StatusOK, newCredentialResponse(rotated, raw))
}
