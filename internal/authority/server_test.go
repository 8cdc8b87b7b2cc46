// ABOUTME: HTTP tests for the approval server routes and middleware
// ABOUTME: Drives ceremonies through JSON endpoints and checks status mapping and loopback enforcement

package authority

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-vault/internal/ledger"
)

func setupTestServer(t *testing.T) (*testEnv, http.Handler) {
	t.Helper()
	env := setupTestAuthority(t)
	srv, err := NewServer(env.authority, ServerConfig{
		Addr:        "127.0.0.1:0",
		MetricsPath: "/metrics",
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
	})
	require.NoError(t, err)
	return env, srv.Handler()
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "127.0.0.1:51234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServerHealth(t *testing.T) {
	_, h := setupTestServer(t)
	rec := doRequest(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestServerRejectsNonLoopback(t *testing.T) {
	_, h := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.168.1.20:40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServerAllowsIPv6Loopback(t *testing.T) {
	_, h := setupTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "[::1]:40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerMetricsRoute(t *testing.T) {
	_, h := setupTestServer(t)
	rec := doRequest(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics", rec.Body.String())
}

func TestServerHomePage(t *testing.T) {
	env, h := setupTestServer(t)
	env.register(t, keyA, 1)
	env.createOp(t, "grafana", ledger.ActionCreate)

	rec := doRequest(t, h, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "grafana")
	assert.Contains(t, body, "YubiKey")
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "script-src 'nonce-")
}

func TestServerApprovePage(t *testing.T) {
	env, h := setupTestServer(t)
	op := env.createOp(t, "grafana", ledger.ActionUpdate)

	rec := doRequest(t, h, http.MethodGet, "/approve/"+op.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "API_KEY")
	assert.Contains(t, body, op.ID)
	assert.NotContains(t, body, "k-7f3a9c2e1b8d4f6a", "full secret value must not be rendered")
}

func TestServerApprovePageMissingAndExpired(t *testing.T) {
	env, h := setupTestServer(t)

	rec := doRequest(t, h, http.MethodGet, "/approve/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	op := env.createOp(t, "grafana", ledger.ActionCreate)
	env.clock.Advance(ledger.DefaultTTL + time.Second)
	rec = doRequest(t, h, http.MethodGet, "/approve/"+op.ID, nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Contains(t, rec.Body.String(), "expired")
}

func TestServerStatus(t *testing.T) {
	env, h := setupTestServer(t)
	env.register(t, keyA, 1)
	op := env.createOp(t, "grafana", ledger.ActionCreate)

	rec := doRequest(t, h, http.MethodGet, "/status/"+op.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", decodeJSON(t, rec)["status"])

	_, err := env.approve(t, op.ID, keyA, 2)
	require.NoError(t, err)
	rec = doRequest(t, h, http.MethodGet, "/status/"+op.ID, nil)
	out := decodeJSON(t, rec)
	assert.Equal(t, "approved", out["status"])
	assert.Equal(t, true, out["approved"])

	rec = doRequest(t, h, http.MethodGet, "/status/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerRegistrationFlow(t *testing.T) {
	_, h := setupTestServer(t)

	rec := doRequest(t, h, http.MethodPost, "/webauthn/register/options", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := decodeJSON(t, rec)["sessionId"].(string)

	rec = doRequest(t, h, http.MethodPost, "/webauthn/register/verify", map[string]any{
		"sessionId":  sessionID,
		"credential": fakeResponse{CredentialID: keyA, SignCount: 0},
		"deviceName": "Laptop key",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeJSON(t, rec)
	assert.Equal(t, "registered", out["status"])
	assert.Equal(t, "Laptop key", out["deviceName"])

	rec = doRequest(t, h, http.MethodPost, "/webauthn/register/options", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServerApprovalFlow(t *testing.T) {
	env, h := setupTestServer(t)
	env.register(t, keyA, 5)
	op := env.createOp(t, "jellyfin", ledger.ActionUpdate)

	rec := doRequest(t, h, http.MethodPost, "/webauthn/authenticate/options", map[string]string{"opId": op.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := decodeJSON(t, rec)["sessionId"].(string)

	rec = doRequest(t, h, http.MethodPost, "/webauthn/authenticate/verify", map[string]any{
		"sessionId":  sessionID,
		"credential": fakeResponse{CredentialID: keyA, SignCount: 6},
		"opId":       op.ID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeJSON(t, rec)
	assert.Equal(t, true, out["approved"])
	assert.Contains(t, out["message"], op.ID)

	// Replaying the same verify body reuses a spent challenge.
	rec = doRequest(t, h, http.MethodPost, "/webauthn/authenticate/verify", map[string]any{
		"sessionId":  sessionID,
		"credential": fakeResponse{CredentialID: keyA, SignCount: 6},
		"opId":       op.ID,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerCloneDetectedIsForbidden(t *testing.T) {
	env, h := setupTestServer(t)
	env.register(t, keyA, 5)
	op := env.createOp(t, "jellyfin", ledger.ActionUpdate)

	rec := doRequest(t, h, http.MethodPost, "/webauthn/authenticate/options", map[string]string{"opId": op.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := decodeJSON(t, rec)["sessionId"].(string)

	rec = doRequest(t, h, http.MethodPost, "/webauthn/authenticate/verify", map[string]any{
		"sessionId":  sessionID,
		"credential": fakeResponse{CredentialID: keyA, SignCount: 5},
		"opId":       op.ID,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServerAuthenticateRequiresCredential(t *testing.T) {
	env, h := setupTestServer(t)
	op := env.createOp(t, "jellyfin", ledger.ActionUpdate)

	rec := doRequest(t, h, http.MethodPost, "/webauthn/authenticate/options", map[string]string{"opId": op.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeJSON(t, rec)["error"], "/register")
}

func TestServerBadRequests(t *testing.T) {
	_, h := setupTestServer(t)

	rec := doRequest(t, h, http.MethodPost, "/webauthn/authenticate/options", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/webauthn/register/verify", map[string]string{"sessionId": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/webauthn/register/verify", strings.NewReader("{not json"))
	req.RemoteAddr = "127.0.0.1:1"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServerResetFlow(t *testing.T) {
	env, h := setupTestServer(t)
	env.register(t, keyA, 1)

	rec := doRequest(t, h, http.MethodPost, "/reset-credentials/options", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := decodeJSON(t, rec)["sessionId"].(string)

	rec = doRequest(t, h, http.MethodPost, "/reset-credentials", map[string]any{
		"sessionId":  sessionID,
		"credential": fakeResponse{CredentialID: keyA, SignCount: 2},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeJSON(t, rec)["removed"])

	rec = doRequest(t, h, http.MethodGet, "/register", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Register a security key")
}

func TestServerFavicon(t *testing.T) {
	_, h := setupTestServer(t)
	rec := doRequest(t, h, http.MethodGet, "/favicon.ico", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/svg+xml", rec.Header().Get("Content-Type"))
}

func TestMaskValue(t *testing.T) {
	assert.Equal(t, "••••", maskValue("abcd"))
	assert.Equal(t, "ab••••", maskValue("abcdef"))
	assert.Equal(t, "k-7f••••••••6a", maskValue("k-7f3a9c2e1b8d4f6a"))
}
