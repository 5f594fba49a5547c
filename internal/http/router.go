// Package http expõe a superfície REST de sincronização, dispositivos,
// administração LBAC e revisão de conflitos.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/gestaozabele/geosync/internal/apperr"
	"github.com/gestaozabele/geosync/internal/auth"
	"github.com/gestaozabele/geosync/internal/config"
	"github.com/gestaozabele/geosync/internal/conflict"
	"github.com/gestaozabele/geosync/internal/device"
	"github.com/gestaozabele/geosync/internal/geo"
	httpmiddleware "github.com/gestaozabele/geosync/internal/http/middleware"
	"github.com/gestaozabele/geosync/internal/lbac"
	"github.com/gestaozabele/geosync/internal/session"
	"github.com/gestaozabele/geosync/internal/sweeper"
)

// Check é uma verificação de prontidão de dependência.
type Check func(ctx context.Context) error

// Deps reúne os serviços expostos pela API.
type Deps struct {
	Config      *config.Config
	JWT         *auth.JWTManager
	Sessions    *session.Manager
	Devices     *device.Service
	Engine      *lbac.Engine
	Scopes      *lbac.Service
	Conflicts   *conflict.Resolver
	Tree        *geo.Tree
	Sweeper     *sweeper.Service
	Checks      map[string]Check
	// SyncLimiter substitui o limitador local das rotas de sincronização,
	// normalmente pelo compartilhado em Redis.
	SyncLimiter httpmiddleware.Limiter
}

type Handler struct {
	Deps
	publicLimiter httpmiddleware.Limiter
	syncLimiter   httpmiddleware.Limiter
}

// NewRouter devolve roteador configurado.
func NewRouter(deps Deps) http.Handler {
	cfg := deps.Config
	h := &Handler{
		Deps:          deps,
		publicLimiter: httpmiddleware.NewRateLimiter(cfg.RateLimitPublic.RequestsPerSecond, cfg.RateLimitPublic.Burst),
		syncLimiter:   httpmiddleware.NewRateLimiter(cfg.RateLimitSync.RequestsPerSecond, cfg.RateLimitSync.Burst),
	}
	if deps.SyncLimiter != nil {
		h.syncLimiter = deps.SyncLimiter
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(httpmiddleware.Logging)
	r.Use(httpmiddleware.Recover)
	r.Use(httpmiddleware.CORS(cfg.AllowOrigins))

	r.Group(func(public chi.Router) {
		public.Use(httpmiddleware.IPRateLimit(h.publicLimiter))

		public.Get("/healthz", h.Health)
		public.Get("/readyz", h.Ready)
	})

	r.Group(func(private chi.Router) {
		private.Use(httpmiddleware.Auth(deps.JWT))

		private.Route("/sync", func(s chi.Router) {
			s.Route("/sessions", func(ss chi.Router) {
				ss.Use(httpmiddleware.DeviceRateLimit(h.syncLimiter))
				ss.Post("/", h.OpenSession)
				ss.Get("/{id}", h.GetSession)
				ss.Post("/{id}/push", h.PushBatch)
				ss.Get("/{id}/pull", h.Pull)
				ss.Post("/{id}/ack", h.Acknowledge)
				ss.Post("/{id}/close", h.CloseSession)
				ss.Post("/{id}/cancel", h.CancelSession)
			})
			s.Route("/conflicts", func(c chi.Router) {
				c.Use(httpmiddleware.RequireRoles(httpmiddleware.RoleSyncReviewer))
				c.Get("/", h.ListConflicts)
				c.Get("/{id}", h.GetConflict)
				c.Post("/{id}/resolve", h.ResolveConflict)
			})
		})

		private.Route("/devices", func(d chi.Router) {
			d.Use(httpmiddleware.UserRateLimit(h.syncLimiter))
			d.Get("/", h.ListDevices)
			d.Post("/register", h.RegisterDevice)
			d.Post("/{id}/revoke", h.RevokeDevice)
			d.Post("/{id}/refresh", h.RefreshDevice)
			d.Delete("/{id}", h.RemoveDevice)
		})

		private.Route("/lbac", func(l chi.Router) {
			l.Post("/authorize", h.Authorize)
			l.Group(func(admin chi.Router) {
				admin.Use(httpmiddleware.RequireRoles(httpmiddleware.RoleLBACAdmin))
				admin.Post("/assignments", h.CreateAssignment)
				admin.Post("/assignments/{id}/revoke", h.RevokeAssignment)
				admin.Post("/constraints", h.CreateConstraint)
				admin.Post("/delegations", h.CreateDelegation)
				admin.Post("/delegations/{id}/revoke", h.RevokeDelegation)
				admin.Get("/users/{id}/history", h.UserHistory)
				admin.Get("/audit", h.AuditLog)
			})
		})

		private.Group(func(admin chi.Router) {
			admin.Use(httpmiddleware.RequireRoles(httpmiddleware.RoleLBACAdmin))
			admin.Get("/admin/sweeper", h.SweeperStatus)
			admin.Post("/admin/sweeper/run", h.SweeperRun)
		})
	})

	return r
}

// Health responde status simples.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready executa as verificações de dependência.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		WriteRetryable(w, 5*time.Second, apperr.CodeStorageUnavailable, "dependências indisponíveis", failed)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// SweeperStatus devolve a última execução da manutenção.
func (h *Handler) SweeperStatus(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		WriteError(w, http.StatusNotFound, "not_found", "manutenção desativada", nil)
		return
	}
	run, ok := h.Sweeper.LastRun()
	if !ok {
		WriteJSON(w, http.StatusOK, map[string]any{"last_run": nil})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"last_run": run})
}

// SweeperRun dispara uma execução imediata.
func (h *Handler) SweeperRun(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		WriteError(w, http.StatusNotFound, "not_found", "manutenção desativada", nil)
		return
	}
	run, err := h.Sweeper.RunOnce(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal", "execução com falhas", run)
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

func (h *Handler) subjectUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	subject, err := httpmiddleware.SubjectUUID(r.Context())
	if err != nil {
		WriteError(w, http.StatusUnauthorized, "unauthorized", "identificação inválida", nil)
		return uuid.Nil, false
	}
	return subject, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, apperr.CodeValidationFailed, "JSON inválido", err.Error())
		return false
	}
	return true
}

// decodeOptionalJSON aceita corpo vazio.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	return decodeJSON(w, r, dst)
}

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	value := strings.TrimSpace(chi.URLParam(r, name))
	if value == "" {
		return uuid.Nil, errors.New("empty")
	}
	return uuid.Parse(value)
}

func parseLimit(r *http.Request, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit inválido")
	}
	return n, nil
}

func parseISODate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse("2006-01-02", value); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, errors.New("invalid date")
}

func parseOptionalDate(value *string) (*time.Time, error) {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil, nil
	}
	ts, err := parseISODate(*value)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}
