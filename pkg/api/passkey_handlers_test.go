package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasskey_RegisterOptions(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/auth/passkey/register-options", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	cookie, _ := h.signUp("ada@example.com")
	rec = h.do(http.MethodPost, "/auth/passkey/register-options", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	opts := decode(t, rec)["publicKey"].(map[string]interface{})
	assert.NotEmpty(t, opts["challenge"])
	assert.Equal(t, "localhost", opts["rp"].(map[string]interface{})["id"])
	assert.Equal(t, "ada@example.com", opts["user"].(map[string]interface{})["name"])
}

func TestPasskey_VerifyRegistrationRejectsGarbage(t *testing.T) {
	h := newHarness(t)
	cookie, _ := h.signUp("ada@example.com")

	rec := h.do(http.MethodPost, "/auth/passkey/verify-registration", nil, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// no ceremony was started
	rec = h.do(http.MethodPost, "/auth/passkey/verify-registration", map[string]string{"id": "x"}, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No challenge found", decode(t, rec)["error"])
}

func TestPasskey_AuthOptionsWithoutPasskey(t *testing.T) {
	h := newHarness(t)
	h.signUp("ada@example.com")

	rec := h.do(http.MethodPost, "/auth/passkey/auth-options", map[string]string{"email": "ada@example.com"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "No passkey registered", decode(t, rec)["error"])
}

func TestPasskey_VerifyAuthentication(t *testing.T) {
	h := newHarness(t)
	h.signUp("ada@example.com")

	rec := h.do(http.MethodPost, "/auth/passkey/verify-authentication", map[string]string{"email": "ada@example.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Credential is required", decode(t, rec)["error"])

	rec = h.do(http.MethodPost, "/auth/passkey/verify-authentication", map[string]interface{}{
		"email":      "ada@example.com",
		"credential": map[string]string{"id": "x"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No challenge found", decode(t, rec)["error"])
	assert.Nil(t, sessionCookie(rec))
}

func TestPasskey_Status(t *testing.T) {
	h := newHarness(t)
	h.signUp("ada@example.com")

	for _, addr := range []string{"ada@example.com", "ghost@example.com"} {
		rec := h.do(http.MethodPost, "/auth/passkey/status", map[string]string{"email": addr})
		require.Equal(t, http.StatusOK, rec.Code, addr)
		assert.Equal(t, false, decode(t, rec)["hasPasskey"], addr)
	}

	rec := h.do(http.MethodPost, "/auth/passkey/status", map[string]string{"email": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPasskey_Snooze(t *testing.T) {
	h := newHarness(t)
	cookie, _ := h.signUp("ada@example.com")

	until := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Second)
	rec := h.do(http.MethodPost, "/auth/passkey/snooze", map[string]interface{}{"snoozedUntil": until}, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, h.user("ada@example.com").PasskeySnoozedUntil.Equal(until))

	rec = h.do(http.MethodPost, "/auth/passkey/snooze", map[string]interface{}{"snoozedUntil": time.Now().Add(-time.Hour)}, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/auth/passkey/snooze", "{bad", cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
