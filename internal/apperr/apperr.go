// Package apperr define a taxonomia de erros do protocolo de sincronização.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifica o erro quanto à política de propagação.
type Kind string

const (
	// KindRetryable cobre falhas transitórias (rede, lock, contador indisponível).
	KindRetryable Kind = "retryable"
	// KindRejected rejeita apenas a operação (LBAC, validação, versão base obsoleta).
	KindRejected Kind = "rejected"
	// KindConflict indica conflito registrado e resolvido ou enviado para revisão.
	KindConflict Kind = "conflict"
	// KindFatal encerra a sessão; o cliente precisa abrir outra.
	KindFatal Kind = "fatal"
)

// Códigos estáveis expostos ao cliente.
const (
	CodeDeviceRevoked       = "device_revoked"
	CodeDeviceSuspended     = "device_suspended"
	CodeDeviceNotActive     = "device_not_active"
	CodeDeviceOwnedByOther  = "device_owned_by_other"
	CodeUnknownSession      = "unknown_session"
	CodeSessionClosed       = "session_closed"
	CodeCursorRegression    = "cursor_regression"
	CodeCursorAhead         = "cursor_ahead"
	CodeNoActiveAssignment  = "no_active_assignment"
	CodeLBACDenied          = "lbac_denied"
	CodeValidationFailed    = "validation_failed"
	CodeInvalidGeoScope     = "invalid_geo_scope"
	CodeUnknownRecord       = "unknown_record"
	CodeVersionUnavailable  = "version_unavailable"
	CodeStorageUnavailable  = "storage_unavailable"
	CodeConflict            = "conflict"
	CodeBatchTooLarge       = "batch_too_large"
	CodeSessionTimeout      = "timeout"
	CodeOperationsPending   = "operations_pending"
	CodePullNotAcknowledged = "pull_not_acknowledged"
)

// Error carrega classe, código e causa original.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is compara por código para permitir errors.Is com valores sentinela.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Kind == "" || t.Kind == e.Kind)
}

// New cria erro com classe e código.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap anexa causa a um erro classificado.
func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// Retryable cria erro transitório.
func Retryable(code string, err error) *Error {
	return Wrap(KindRetryable, code, err)
}

// Rejected cria erro restrito à operação.
func Rejected(code, message string) *Error {
	return New(KindRejected, code, message)
}

// Fatal cria erro que encerra a sessão.
func Fatal(code, message string) *Error {
	return New(KindFatal, code, message)
}

// KindOf devolve a classe do erro; erros não classificados são tratados como fatais.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// CodeOf devolve o código estável ou "internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// IsRetryable informa se o erro pode ser repetido.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindRetryable
}

// IsFatal informa se o erro encerra a sessão.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindFatal
}
