package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gestaozabele/geosync/internal/auth"
	"github.com/gestaozabele/geosync/internal/changelog"
	"github.com/gestaozabele/geosync/internal/config"
	"github.com/gestaozabele/geosync/internal/conflict"
	"github.com/gestaozabele/geosync/internal/device"
	"github.com/gestaozabele/geosync/internal/entity"
	"github.com/gestaozabele/geosync/internal/geo"
	httpmiddleware "github.com/gestaozabele/geosync/internal/http/middleware"
	"github.com/gestaozabele/geosync/internal/lbac"
	"github.com/gestaozabele/geosync/internal/session"
	"github.com/gestaozabele/geosync/internal/tombstone"
)

const seed = `
nodes:
  - code: GOV-SANAA
    level: governorate
    name: Amanat Al-Asimah
    children:
      - code: DIST-SANAA
        level: district
        name: Sana'a
        children:
          - code: NB-01
            level: neighborhood
            name: Bab Al-Yemen
      - code: DIST-MAIN
        level: district
        name: Ma'ain
`

const testSecret = "segredo-de-teste-com-mais-de-32-caracteres"

func nodeID(code string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("geo:"+code))
}

type api struct {
	handler http.Handler
	jwt     *auth.JWTManager
	ready   error
}

func newAPI(t *testing.T) *api {
	t.Helper()
	nodes, err := geo.ParseSeed(strings.NewReader(seed))
	require.NoError(t, err)
	tree, err := geo.NewTree(nodes)
	require.NoError(t, err)

	devices := device.NewService(device.NewMemoryStore(), device.Options{
		Hasher: auth.NewHasher(&argon2id.Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}),
	})
	lbacStore := lbac.NewMemoryStore()
	engine := lbac.NewEngine(lbacStore, nil, nil)
	scopes := lbac.NewService(lbacStore, nil, tree, nil)
	tracker := changelog.NewTracker(changelog.NewMemoryStore(nil, nil))
	cursors := session.NewMemoryCursorStore()
	tombstones := tombstone.NewService(tombstone.NewMemoryStore(), devices, session.NewCursors(cursors), nil, tombstone.Options{})
	resolver := conflict.NewResolver(conflict.DefaultPolicy(), tracker, conflict.NewMemoryStore(), nil)
	mgr := session.NewManager(session.Deps{
		Sessions:   session.NewMemoryStore(),
		Cursors:    cursors,
		Devices:    devices,
		Scopes:     scopes,
		Engine:     engine,
		Tracker:    tracker,
		Tombstones: tombstones,
		Resolver:   resolver,
		Tree:       tree,
	}, session.Options{MaxBatch: 10, PageSize: 50, MaxOpRetries: 1, RetryBackoff: time.Millisecond, IdleTimeout: time.Hour})
	devices.SetSessionTerminator(mgr)
	resolver.SetApplier(mgr)

	a := &api{jwt: auth.NewJWTManager(testSecret, time.Hour)}
	a.handler = NewRouter(Deps{
		Config: &config.Config{
			RateLimitPublic: config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
			RateLimitSync:   config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
		},
		JWT:       a.jwt,
		Sessions:  mgr,
		Devices:   devices,
		Engine:    engine,
		Scopes:    scopes,
		Conflicts: resolver,
		Tree:      tree,
		Checks: map[string]Check{
			"db": func(context.Context) error { return a.ready },
		},
	})
	return a
}

func (a *api) token(t *testing.T, user uuid.UUID, roles ...string) string {
	t.Helper()
	tok, _, err := a.jwt.GenerateAccessToken(user.String(), "geosync", roles)
	require.NoError(t, err)
	return tok
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *ErrorBody      `json:"error"`
}

func (a *api) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec.Code, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

// enroll atribui escopo pelo endpoint administrativo e registra o dispositivo.
func (a *api) enroll(t *testing.T, scope map[string]any, deviceID string) (uuid.UUID, string, string) {
	t.Helper()
	admin := a.token(t, uuid.New(), httpmiddleware.RoleLBACAdmin)
	user := uuid.New()
	status, env := a.do(t, http.MethodPost, "/lbac/assignments", admin, map[string]any{
		"user_id":         user,
		"scope":           scope,
		"assignment_type": "permanent",
	})
	require.Equal(t, http.StatusCreated, status, env.Error)

	tok := a.token(t, user)
	status, env = a.do(t, http.MethodPost, "/devices/register", tok, map[string]any{
		"device_id": deviceID,
		"platform":  "android",
	})
	require.Equal(t, http.StatusCreated, status, env.Error)
	cred := decode[credentialResponse](t, env)
	assert.Equal(t, device.StatusActive, cred.Status)
	require.NotEmpty(t, cred.Credential)
	return user, tok, cred.Credential
}

func inspectionPayload(code string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"geo_node_id": %q, "building_code": "B-17", "inspection_date": "2026-05-01", "floors": 3, "structural_condition": "fair"}`, nodeID(code)))
}

func districtScope(code string) map[string]any {
	return map[string]any{"level": "district", "node_id": nodeID(code)}
}

func TestHealthAndReadiness(t *testing.T) {
	a := newAPI(t)

	status, _ := a.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = a.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, status)

	a.ready = errors.New("conexão recusada")
	status, env := a.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "storage_unavailable", env.Error.Code)
}

func TestSyncRoutesRequireToken(t *testing.T) {
	a := newAPI(t)
	status, env := a.do(t, http.MethodPost, "/sync/sessions", "", map[string]any{"device_id": "tablet-0001"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", env.Error.Code)
}

func TestFullSyncRoundTrip(t *testing.T) {
	a := newAPI(t)
	_, tok, _ := a.enroll(t, districtScope("DIST-SANAA"), "tablet-0001")

	status, env := a.do(t, http.MethodPost, "/sync/sessions", tok, map[string]any{
		"device_id":    "tablet-0001",
		"session_type": "full_sync",
	})
	require.Equal(t, http.StatusCreated, status, env.Error)
	opened := decode[struct {
		SessionID string `json:"session_id"`
	}](t, env)
	base := "/sync/sessions/" + opened.SessionID

	status, env = a.do(t, http.MethodPost, base+"/push", tok, map[string]any{
		"operations": []map[string]any{{
			"idempotency_key": "k-1",
			"table":           entity.TableBuildingInspections,
			"record_id":       "insp-1",
			"op":              "create",
			"base_version":    "0.0",
			"payload":         inspectionPayload("NB-01"),
		}, {
			"idempotency_key": "k-2",
			"table":           entity.TableBuildingInspections,
			"record_id":       "insp-2",
			"op":              "create",
			"base_version":    "0.0",
			"payload":         inspectionPayload("DIST-MAIN"),
		}},
	})
	require.Equal(t, http.StatusOK, status, env.Error)
	batch := decode[session.BatchResult](t, env)
	require.Len(t, batch.Accepted, 1)
	require.Len(t, batch.Rejected, 1)
	assert.Equal(t, "lbac_denied", batch.Rejected[0].Code)

	status, env = a.do(t, http.MethodGet, base+"/pull", tok, nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	page := decode[struct {
		Changes    []changelog.Entry `json:"changes"`
		NextCursor changelog.Stamp   `json:"next_cursor"`
		HasMore    bool              `json:"has_more"`
	}](t, env)
	require.Len(t, page.Changes, 1)
	assert.Equal(t, "insp-1", page.Changes[0].RecordID)
	assert.False(t, page.HasMore)

	status, env = a.do(t, http.MethodPost, base+"/ack", tok, map[string]any{"cursor": "999.0"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "cursor_ahead", env.Error.Code)

	status, env = a.do(t, http.MethodPost, base+"/ack", tok, map[string]any{"cursor": page.NextCursor.String()})
	require.Equal(t, http.StatusOK, status, env.Error)

	status, env = a.do(t, http.MethodPost, base+"/close", tok, nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	closed := decode[struct {
		Status session.Status `json:"status"`
	}](t, env)
	assert.Equal(t, session.StatusCompleted, closed.Status)

	status, env = a.do(t, http.MethodPost, base+"/push", tok, map[string]any{"operations": []any{}})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "session_closed", env.Error.Code)
}

func TestSessionOfAnotherUserIsUnknown(t *testing.T) {
	a := newAPI(t)
	_, tok, _ := a.enroll(t, districtScope("DIST-SANAA"), "tablet-0001")
	_, other, _ := a.enroll(t, districtScope("DIST-SANAA"), "tablet-0002")

	status, env := a.do(t, http.MethodPost, "/sync/sessions", tok, map[string]any{"device_id": "tablet-0001", "session_type": "pull"})
	require.Equal(t, http.StatusCreated, status)
	id := decode[struct {
		SessionID string `json:"session_id"`
	}](t, env).SessionID

	status, env = a.do(t, http.MethodGet, "/sync/sessions/"+id, other, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "unknown_session", env.Error.Code)
}

func TestRevokedDeviceEndsSession(t *testing.T) {
	a := newAPI(t)
	_, tok, _ := a.enroll(t, districtScope("DIST-SANAA"), "tablet-0001")

	status, env := a.do(t, http.MethodPost, "/sync/sessions", tok, map[string]any{"device_id": "tablet-0001", "session_type": "push"})
	require.Equal(t, http.StatusCreated, status)
	id := decode[struct {
		SessionID string `json:"session_id"`
	}](t, env).SessionID

	status, env = a.do(t, http.MethodPost, "/devices/tablet-0001/revoke", tok, map[string]any{"reason": "aparelho perdido"})
	require.Equal(t, http.StatusOK, status, env.Error)

	status, env = a.do(t, http.MethodPost, "/sync/sessions/"+id+"/push", tok, map[string]any{"operations": []any{}})
	assert.Equal(t, http.StatusGone, status)
	assert.Equal(t, "device_revoked", env.Error.Code)

	status, env = a.do(t, http.MethodPost, "/sync/sessions", tok, map[string]any{"device_id": "tablet-0001"})
	assert.Equal(t, http.StatusGone, status)
	assert.Equal(t, "device_revoked", env.Error.Code)
}

func TestDeviceCredentialRefresh(t *testing.T) {
	a := newAPI(t)
	_, tok, cred := a.enroll(t, districtScope("DIST-SANAA"), "tablet-0001")

	status, env := a.do(t, http.MethodPost, "/devices/tablet-0001/refresh", tok, map[string]any{"credential": cred})
	require.Equal(t, http.StatusOK, status, env.Error)
	rotated := decode[credentialResponse](t, env)
	assert.NotEqual(t, cred, rotated.Credential)

	status, env = a.do(t, http.MethodPost, "/devices/tablet-0001/refresh", tok, map[string]any{"credential": cred})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_credential", env.Error.Code)

	stranger := a.token(t, uuid.New())
	status, _ = a.do(t, http.MethodPost, "/devices/tablet-0001/refresh", stranger, map[string]any{"credential": rotated.Credential})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestAuthorizeEndpoint(t *testing.T) {
	a := newAPI(t)
	user, tok, _ := a.enroll(t, districtScope("DIST-SANAA"), "tablet-0001")
	action := entity.ReadPermission(entity.TableBuildingInspections)

	status, env := a.do(t, http.MethodPost, "/lbac/authorize", tok, map[string]any{"action": action, "geo_node_id": nodeID("NB-01")})
	require.Equal(t, http.StatusOK, status, env.Error)
	assert.True(t, decode[lbac.Decision](t, env).Allowed)

	status, env = a.do(t, http.MethodPost, "/lbac/authorize", tok, map[string]any{"action": action, "geo_node_id": nodeID("DIST-MAIN")})
	require.Equal(t, http.StatusOK, status)
	assert.False(t, decode[lbac.Decision](t, env).Allowed)

	status, _ = a.do(t, http.MethodPost, "/lbac/authorize", a.token(t, uuid.New()), map[string]any{"user_id": user, "action": action, "geo_node_id": nodeID("NB-01")})
	assert.Equal(t, http.StatusForbidden, status)

	admin := a.token(t, uuid.New(), httpmiddleware.RoleLBACAdmin)
	status, env = a.do(t, http.MethodPost, "/lbac/authorize", admin, map[string]any{
		"user_id":  user,
		"action":   action,
		"geo_path": []string{nodeID("GOV-SANAA").String(), nodeID("DIST-SANAA").String(), nodeID("NB-01").String()},
	})
	require.Equal(t, http.StatusOK, status)
	assert.True(t, decode[lbac.Decision](t, env).Allowed)

	status, env = a.do(t, http.MethodGet, "/lbac/users/"+user.String()+"/history", admin, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]lbac.HistoryEntry](t, env), 1)
}

func TestAdminAndReviewerRoutesRequireRoles(t *testing.T) {
	a := newAPI(t)
	plain := a.token(t, uuid.New())

	status, env := a.do(t, http.MethodPost, "/lbac/assignments", plain, map[string]any{"user_id": uuid.New()})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", env.Error.Code)

	status, _ = a.do(t, http.MethodGet, "/sync/conflicts", plain, nil)
	assert.Equal(t, http.StatusForbidden, status)

	reviewer := a.token(t, uuid.New(), httpmiddleware.RoleSyncReviewer)
	status, env = a.do(t, http.MethodGet, "/sync/conflicts", reviewer, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, decode[[]conflict.Conflict](t, env))

	status, env = a.do(t, http.MethodPost, "/sync/conflicts/"+uuid.NewString()+"/resolve", reviewer, map[string]any{"choice": "server"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", env.Error.Code)
}

func TestInvalidAssignmentScopeIsRejected(t *testing.T) {
	a := newAPI(t)
	admin := a.token(t, uuid.New(), httpmiddleware.RoleLBACAdmin)
	status, env := a.do(t, http.MethodPost, "/lbac/assignments", admin, map[string]any{
		"user_id": uuid.New(),
		"scope":   map[string]any{"level": "district", "node_id": nodeID("NB-01")},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_failed", env.Error.Code)
}
