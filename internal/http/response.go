package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Envelope é o formato de todas as respostas: data no sucesso, error na falha.
type Envelope struct {
	Data  any        `json:"data"`
	Error *ErrorBody `json:"error"`
}

// ErrorBody descreve falhas normalizadas. Code segue a taxonomia do protocolo
// de sincronização (lbac_denied, cursor_ahead, device_revoked...).
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// WriteJSON escreve envelope de sucesso.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, Envelope{Data: data})
}

// WriteError escreve envelope de erro.
func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	writeEnvelope(w, status, Envelope{Error: &ErrorBody{Code: code, Message: message, Details: details}})
}

// WriteRetryable responde 503 indicando ao aparelho quando tentar de novo.
func WriteRetryable(w http.ResponseWriter, after time.Duration, code, message string, details any) {
	secs := int(after.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	WriteError(w, http.StatusServiceUnavailable, code, message, details)
}

// WriteNoContent encerra a resposta sem corpo.
func WriteNoContent(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
}
