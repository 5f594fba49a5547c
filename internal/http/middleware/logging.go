package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logging escreve logs estruturados por requisição. Respostas 5xx sobem
// para error e 4xx para warn.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		level := zerolog.InfoLevel
		switch {
		case status >= 500:
			level = zerolog.ErrorLevel
		case status >= 400:
			level = zerolog.WarnLevel
		}

		event := log.WithLevel(level).Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", status).Dur("duration", time.Since(start)).Int("bytes", ww.BytesWritten())

		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			event = event.Str("request_id", reqID)
		}
		if device := r.Header.Get("X-Device-ID"); device != "" {
			event = event.Str("device_id", device)
		}

		if ip := r.Header.Get("X-Real-IP"); ip != "" {
			event = event.Str("ip", ip)
		} else {
			event = event.Str("ip", r.RemoteAddr)
		}

		if ua := r.Header.Get("User-Agent"); ua != "" {
			event = event.Str("user_agent", ua)
		}

		event.Msg("http_request")
	})
}
