package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gestaozabele/geosync/internal/apperr"
	"github.com/gestaozabele/geosync/internal/auth"
	"github.com/gestaozabele/geosync/internal/changelog"
	"github.com/gestaozabele/geosync/internal/conflict"
	"github.com/gestaozabele/geosync/internal/device"
	"github.com/gestaozabele/geosync/internal/entity"
	"github.com/gestaozabele/geosync/internal/geo"
	"github.com/gestaozabele/geosync/internal/lbac"
	"github.com/gestaozabele/geosync/internal/session"
)

// statusFor traduz a taxonomia do protocolo em status HTTP.
func statusFor(err error) (int, string) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		switch ae.Kind {
		case apperr.KindRetryable:
			return http.StatusServiceUnavailable, ae.Code
		case apperr.KindConflict:
			return http.StatusConflict, ae.Code
		case apperr.KindRejected:
			switch ae.Code {
			case apperr.CodeLBACDenied, apperr.CodeNoActiveAssignment:
				return http.StatusForbidden, ae.Code
			}
			return http.StatusBadRequest, ae.Code
		default:
			switch ae.Code {
			case apperr.CodeUnknownSession:
				return http.StatusNotFound, ae.Code
			case apperr.CodeDeviceRevoked, apperr.CodeDeviceSuspended:
				return http.StatusGone, ae.Code
			}
			return http.StatusConflict, ae.Code
		}
	}

	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, device.ErrNotFound),
		errors.Is(err, conflict.ErrNotFound), errors.Is(err, lbac.ErrNotFound), errors.Is(err, geo.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, auth.ErrInvalidCredential):
		return http.StatusUnauthorized, "invalid_credential"
	case errors.Is(err, lbac.ErrDelegatorNoScope):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, lbac.ErrAlreadyRevoked), errors.Is(err, conflict.ErrAlreadyResolved):
		return http.StatusConflict, "conflict"
	case errors.Is(err, lbac.ErrInvalidWindow), errors.Is(err, lbac.ErrSelfDelegation),
		errors.Is(err, lbac.ErrLevelMismatch), errors.Is(err, lbac.ErrInvalidConstraint), errors.Is(err, lbac.ErrInvalidAssignment),
		errors.Is(err, geo.ErrInvalidScope), errors.Is(err, geo.ErrInvalidLevel),
		errors.Is(err, entity.ErrValidation), errors.Is(err, entity.ErrUnknownTable),
		errors.Is(err, conflict.ErrInvalidChoice), errors.Is(err, changelog.ErrInvalidCursor):
		return http.StatusBadRequest, apperr.CodeValidationFailed
	}
	return http.StatusInternalServerError, "internal"
}

// writeAppError responde com o envelope de erro. Falhas internas não expõem a causa.
func writeAppError(w http.ResponseWriter, r *http.Request, err error, details any) {
	status, code := statusFor(err)
	switch {
	case status == http.StatusServiceUnavailable:
		WriteRetryable(w, time.Second, code, err.Error(), details)
	case status >= 500:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("falha interna")
		WriteError(w, status, code, "erro interno", details)
	default:
		WriteError(w, status, code, err.Error(), details)
	}
}
