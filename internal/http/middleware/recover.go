package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Recover garante resposta sanitizada em caso de panic.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Interface("panic", rec).
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg("panic recuperado")
				writeError(w, http.StatusInternalServerError, "internal", "erro interno")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
