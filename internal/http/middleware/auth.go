package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/gestaozabele/geosync/internal/auth"
)

type contextKey string

const (
	ContextKeySubject  contextKey = "subject"
	ContextKeyAudience contextKey = "audience"
	ContextKeyRoles    contextKey = "roles"
)

// Papéis reconhecidos pela API de sincronização.
const (
	RoleLBACAdmin    = "LBAC_ADMIN"
	RoleSyncReviewer = "SYNC_REVIEWER"
)

// Auth valida JWT de acesso e injeta claims no contexto.
func Auth(jwtManager *auth.JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, http.StatusUnauthorized, "unauthorized", "token ausente")
				return
			}

			claims, err := jwtManager.ParseAndValidate(parts[1])
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "token inválido")
				return
			}

			if _, err := claims.UserID(); err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "subject inválido")
				return
			}

			audience := ""
			if len(claims.Audience) > 0 {
				audience = claims.Audience[0]
			}

			ctx := context.WithValue(r.Context(), ContextKeySubject, claims.Subject)
			ctx = context.WithValue(ctx, ContextKeyAudience, audience)
			ctx = context.WithValue(ctx, ContextKeyRoles, claims.Roles)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSubject recupera subject do contexto.
func GetSubject(ctx context.Context) string {
	val, _ := ctx.Value(ContextKeySubject).(string)
	return val
}

// SubjectUUID devolve o usuário autenticado.
func SubjectUUID(ctx context.Context) (uuid.UUID, error) {
	subject := strings.TrimSpace(GetSubject(ctx))
	if subject == "" {
		return uuid.Nil, errors.New("subject ausente")
	}
	return uuid.Parse(subject)
}

// GetAudience recupera audience do contexto.
func GetAudience(ctx context.Context) string {
	val, _ := ctx.Value(ContextKeyAudience).(string)
	return val
}

// GetRoles recupera roles do contexto.
func GetRoles(ctx context.Context) []string {
	val, _ := ctx.Value(ContextKeyRoles).([]string)
	return val
}

// HasRole informa se o usuário possui algum dos papéis.
func HasRole(ctx context.Context, required ...string) bool {
	for _, role := range GetRoles(ctx) {
		roleUpper := strings.ToUpper(strings.TrimSpace(role))
		for _, want := range required {
			if roleUpper == strings.ToUpper(want) {
				return true
			}
		}
	}
	return false
}

// RequireRoles garante que o usuário possua pelo menos um dos papéis informados.
func RequireRoles(requiredRoles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if HasRole(r.Context(), requiredRoles...) {
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, http.StatusForbidden, "forbidden", "papel insuficiente")
		})
	}
}
