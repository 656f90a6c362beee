package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/authgate/pkg/audit"
	"github.com/platinummonkey/authgate/pkg/session"
)

func TestSession_Current(t *testing.T) {
	h := newHarness(t)
	cookie, _ := h.signUp("ada@example.com")

	rec := h.do(http.MethodGet, "/auth/session", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	user := body["user"].(map[string]interface{})
	assert.Equal(t, h.user("ada@example.com").ID, user["id"])
	assert.Nil(t, user["organizationId"])
	assert.NotEmpty(t, body["jwt"])
	assert.NotNil(t, sessionCookie(rec))
}

func TestSession_CurrentRequiresSession(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/auth/session", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unauthorized", decode(t, rec)["error"])

	rec = h.do(http.MethodGet, "/auth/session", nil, &http.Cookie{Name: session.CookieName, Value: "garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSession_BearerToken(t *testing.T) {
	h := newHarness(t)
	_, body := h.signUp("ada@example.com")

	req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	req.Header.Set("Authorization", "Bearer "+body["jwt"].(string))
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSession_Refresh(t *testing.T) {
	h := newHarness(t)
	_, body := h.signUp("ada@example.com")

	rec := h.do(http.MethodPut, "/auth/session", map[string]string{"jwt": body["jwt"].(string)})
	require.Equal(t, http.StatusOK, rec.Code)
	refreshed := decode(t, rec)
	assert.Equal(t, true, refreshed["success"])
	assert.NotEmpty(t, refreshed["jwt"])

	rec = h.do(http.MethodPut, "/auth/session", map[string]string{"jwt": "not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSession_Logout(t *testing.T) {
	h := newHarness(t)
	cookie, body := h.signUp("ada@example.com")

	rec := h.do(http.MethodPost, "/auth/logout", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	cleared := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared, "session cookie not cleared")
	assert.Contains(t, h.audit.types(), audit.EventTypeLogout)

	// the token is still well formed but its session is gone
	rec = h.do(http.MethodGet, "/auth/session", nil, cookie)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = h.do(http.MethodPut, "/auth/session", map[string]string{"jwt": body["jwt"].(string)})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// logout without a session still succeeds
	rec = h.do(http.MethodPost, "/auth/logout", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSession_LogoutExpiredBearer(t *testing.T) {
	h := newHarness(t)
	_, body := h.signUp("ada@example.com")
	token := body["jwt"].(string)

	h.advance(session.DefaultTokenTTL + time.Second)
	bearer := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.server.ServeHTTP(rec, req)
		return rec
	}
	require.Equal(t, http.StatusUnauthorized, bearer(http.MethodGet, "/auth/session").Code)

	rec := bearer(http.MethodPost, "/auth/logout")
	require.Equal(t, http.StatusOK, rec.Code)

	// without the session row the expired token can no longer be refreshed
	rec = h.do(http.MethodPut, "/auth/session", map[string]string{"jwt": token})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSession_CreateWithInternalKey(t *testing.T) {
	h := newHarness(t)
	h.signUp("ada@example.com")
	userID := h.user("ada@example.com").ID

	send := func(key string, body interface{}) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/auth/session", strings.NewReader(mustJSON(t, body)))
		if key != "" {
			req.Header.Set(InternalAPIKeyHeader, key)
		}
		rec := httptest.NewRecorder()
		h.server.ServeHTTP(rec, req)
		return rec
	}

	rec := send("", map[string]string{"userId": userID})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = send("wrong", map[string]string{"userId": userID})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = send(testInternalKey, map[string]string{"userId": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = send(testInternalKey, map[string]string{"userId": userID, "userAgent": "worker/1.0", "ip": "10.0.0.1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["jwt"])
}

func TestHome(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, HomePath, nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))

	cookie, _ := h.signUp("ada@example.com")
	rec = h.do(http.MethodGet, HomePath, nil, cookie)
	assert.Equal(t, "/admin/organizations/new", rec.Header().Get("Location"))

	rec = h.do(http.MethodPost, "/api/organizations", map[string]string{"name": "Analytical Engines"}, cookie)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = h.do(http.MethodGet, HomePath, nil, cookie)
	assert.Equal(t, "/auth/passkey-setup", rec.Header().Get("Location"))

	rec = h.do(http.MethodPost, "/auth/passkey/snooze", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(http.MethodGet, HomePath, nil, cookie)
	assert.Equal(t, "/dashboard", rec.Header().Get("Location"))
}

func TestOrganizations(t *testing.T) {
	h := newHarness(t)
	cookie, _ := h.signUp("ada@example.com")

	rec := h.do(http.MethodGet, "/api/organizations", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["organizations"])

	rec = h.do(http.MethodGet, "/api/organizations/current", nil, cookie)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/api/organizations", map[string]string{"name": "  "}, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/api/organizations", map[string]string{"name": "Analytical Engines"}, cookie)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode(t, rec)
	org := created["organization"].(map[string]interface{})
	assert.Equal(t, "Analytical Engines", org["name"])
	scoped := &http.Cookie{Name: session.CookieName, Value: created["jwt"].(string)}

	rec = h.do(http.MethodGet, "/api/organizations/current", nil, scoped)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, org["id"], decode(t, rec)["organization"].(map[string]interface{})["id"])

	rec = h.do(http.MethodGet, "/auth/session", nil, scoped)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, org["id"], decode(t, rec)["user"].(map[string]interface{})["organizationId"])

	// the scope lives on the session row, so the pre-creation cookie sees it too
	rec = h.do(http.MethodGet, "/api/organizations/current", nil, cookie)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/api/organizations", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["organizations"], 1)

	memberships, err := h.store.ListMemberships(t.Context(), h.user("ada@example.com").ID)
	require.NoError(t, err)
	require.Len(t, memberships, 1)
	assert.Equal(t, "owner", string(memberships[0].Role))

	// a session opened after the organization exists is scoped to it
	rec = h.do(http.MethodPost, "/auth/login", map[string]string{"email": "ada@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	code, _ := h.lastCode()
	rec = h.do(http.MethodPost, "/auth/verify", map[string]string{"email": "ada@example.com", "code": code})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(http.MethodGet, "/api/organizations/current", nil, sessionCookie(rec))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, org["id"], decode(t, rec)["organization"].(map[string]interface{})["id"])

	rec = h.do(http.MethodGet, "/api/organizations", nil, scoped)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOrganizations_RequireSession(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/api/organizations", map[string]string{"name": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
