package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/authgate/pkg/audit"
	"github.com/platinummonkey/authgate/pkg/auth"
	"github.com/platinummonkey/authgate/pkg/httputil"
	"github.com/platinummonkey/authgate/pkg/passkey"
)

// passkeyProvider labels passkey sign-ins; it matches the identity's Provider
const passkeyProvider = "passkey"

// PasskeyHandlers serves the WebAuthn ceremonies
type PasskeyHandlers struct {
	s *Server
}

// RegisterRoutes registers the passkey routes
func (h *PasskeyHandlers) RegisterRoutes(router *mux.Router) {
	r := router.PathPrefix("/auth/passkey").Subrouter()
	r.Handle("/register-options", h.s.requireSession(h.registerOptions)).Methods(http.MethodPost)
	r.Handle("/verify-registration", h.s.requireSession(h.verifyRegistration)).Methods(http.MethodPost)
	r.HandleFunc("/auth-options", h.authOptions).Methods(http.MethodPost)
	r.HandleFunc("/verify-authentication", h.verifyAuthentication).Methods(http.MethodPost)
	r.HandleFunc("/status", h.status).Methods(http.MethodPost)
	r.Handle("/snooze", h.s.requireSession(h.snooze)).Methods(http.MethodPost)
}

type verifyAuthenticationRequest struct {
	Email      string          `json:"email"`
	Credential json.RawMessage `json:"credential"`
}

type snoozeRequest struct {
	SnoozedUntil *time.Time `json:"snoozedUntil"`
}

// PasskeyLoginResponse is returned by a successful passkey sign-in
type PasskeyLoginResponse struct {
	Verified     bool        `json:"verified"`
	User         UserSummary `json:"user"`
	RedirectPath string      `json:"redirectPath"`
	JWT          string      `json:"jwt"`
}

func (h *PasskeyHandlers) registerOptions(w http.ResponseWriter, r *http.Request) {
	authCtx, err := currentUser(r)
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	opts, err := h.s.deps.Passkeys.BeginRegistration(r.Context(), authCtx.User.ID)
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, opts)
}

func (h *PasskeyHandlers) verifyRegistration(w http.ResponseWriter, r *http.Request) {
	authCtx, err := currentUser(r)
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, httputil.MaxJSONBody))
	if err != nil || len(body) == 0 {
		httputil.WriteBadRequest(w, "Invalid request body")
		return
	}

	ctx := r.Context()
	authenticator, err := h.s.deps.Passkeys.CompleteRegistration(ctx, authCtx.User.ID, body)
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	audit.LogSuccess(ctx, h.s.deps.Audit, audit.EventTypePasskeyRegistered, authCtx.User.ID, authCtx.User.Email, "passkey registered")
	httputil.WriteSuccess(w, map[string]interface{}{
		"verified":     true,
		"credentialId": authenticator.CredentialID,
	})
}

func (h *PasskeyHandlers) authOptions(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	opts, err := h.s.deps.Passkeys.BeginAuthentication(r.Context(), auth.NormalizeEmail(req.Email))
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, opts)
}

func (h *PasskeyHandlers) verifyAuthentication(w http.ResponseWriter, r *http.Request) {
	var req verifyAuthenticationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if len(req.Credential) == 0 {
		httputil.WriteBadRequest(w, "Credential is required")
		return
	}

	ctx := r.Context()
	addr := auth.NormalizeEmail(req.Email)
	id, err := h.s.deps.Passkeys.CompleteAuthentication(ctx, addr, req.Credential)
	if err != nil {
		if errors.Is(err, passkey.ErrCloneWarning) {
			audit.LogFailure(ctx, h.s.deps.Audit, audit.EventTypePasskeyCloneWarning, addr, "signature counter did not increase", err)
		}
		h.s.loginFailed(ctx, passkeyProvider, addr, err)
		httputil.WriteAuthError(w, r, err)
		return
	}

	in, err := h.s.signIn(ctx, w, id)
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	next, err := h.s.deps.Resolver.NextStep(ctx, in.User)
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, PasskeyLoginResponse{
		Verified:     true,
		User:         UserSummary{ID: in.User.ID, Email: in.User.Email},
		RedirectPath: next,
		JWT:          in.Issued.Token,
	})
}

func (h *PasskeyHandlers) status(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	has, err := h.s.deps.Passkeys.Status(r.Context(), auth.NormalizeEmail(req.Email))
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"hasPasskey": has})
}

func (h *PasskeyHandlers) snooze(w http.ResponseWriter, r *http.Request) {
	authCtx, err := currentUser(r)
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	// the body is optional
	var req snoozeRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, httputil.MaxJSONBody))
	if err != nil {
		httputil.WriteBadRequest(w, "Invalid request body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httputil.WriteBadRequest(w, "Invalid request body")
			return
		}
	}
	until, err := h.s.deps.Passkeys.Snooze(r.Context(), authCtx.User.ID, req.SnoozedUntil)
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"success":      true,
		"snoozedUntil": until,
	})
}
