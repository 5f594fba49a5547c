package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gestaozabele/geosync/internal/auth"
)

func okHandler(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

func TestAuthAndRequireRoles(t *testing.T) {
	jwt := auth.NewJWTManager("segredo-de-teste-com-mais-de-32-caracteres", time.Minute)
	user := uuid.New()
	h := Auth(jwt)(RequireRoles(RoleLBACAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, err := SubjectUUID(r.Context())
		require.NoError(t, err)
		assert.Equal(t, user, subject)
		w.WriteHeader(http.StatusOK)
	})))

	call := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, call(""))
	assert.Equal(t, http.StatusUnauthorized, call("lixo"))

	plain, _, err := jwt.GenerateAccessToken(user.String(), "geosync", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, call(plain))

	admin, _, err := jwt.GenerateAccessToken(user.String(), "geosync", []string{"lbac_admin"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, call(admin))

	notUUID, _, err := jwt.GenerateAccessToken("surveyor@example.org", "geosync", []string{RoleLBACAdmin})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, call(notUUID))
}

func TestDeviceRateLimitKeysByDevice(t *testing.T) {
	limiter := NewRateLimiter(0.001, 1)
	h := DeviceRateLimit(limiter)(http.HandlerFunc(okHandler))

	call := func(device string) int {
		req := httptest.NewRequest(http.MethodPost, "/sync/sessions", nil)
		req.Header.Set("X-Device-ID", device)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("tablet-0001"))
	assert.Equal(t, http.StatusTooManyRequests, call("tablet-0001"))
	assert.Equal(t, http.StatusOK, call("tablet-0002"))
}

func TestRedisRateLimitSharedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := NewRedisRateLimiter(client, 1, 1)
	limiter.window = time.Hour
	h := DeviceRateLimit(limiter)(http.HandlerFunc(okHandler))

	call := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/sync/sessions", nil)
		req.Header.Set("X-Device-ID", "tablet-0001")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, call().Code)
	assert.Equal(t, http.StatusOK, call().Code)
	rec := call()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	mr.Close()
	assert.Equal(t, http.StatusOK, call().Code, "sem redis a requisição é liberada")
}

func TestRecoverReturnsEnvelope(t *testing.T) {
	h := Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"internal"`)
}

func TestCORSWildcardSubdomain(t *testing.T) {
	h := CORS([]string{"*.geosync.gov"})(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodOptions, "/sync/conflicts", nil)
	req.Header.Set("Origin", "https://revisao.geosync.gov")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://revisao.geosync.gov", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "Retry-After")

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://geosync.gov")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
