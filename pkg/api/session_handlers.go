package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/authgate/pkg/audit"
	"github.com/platinummonkey/authgate/pkg/auth"
	"github.com/platinummonkey/authgate/pkg/autherr"
	"github.com/platinummonkey/authgate/pkg/httputil"
	"github.com/platinummonkey/authgate/pkg/middleware"
	"github.com/platinummonkey/authgate/pkg/observability"
	"github.com/platinummonkey/authgate/pkg/session"
)

// InternalAPIKeyHeader carries the shared key for server-to-server calls
const InternalAPIKeyHeader = "X-Internal-API-Key"

// SessionHandlers serves the session lifecycle endpoints
type SessionHandlers struct {
	s *Server
}

// RegisterRoutes registers the session routes
func (h *SessionHandlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/auth/session", h.s.requireSession(h.current)).Methods(http.MethodGet)
	router.HandleFunc("/auth/session", h.create).Methods(http.MethodPost)
	router.HandleFunc("/auth/session", h.refresh).Methods(http.MethodPut)
	router.Handle("/auth/logout", h.s.optional.Handler(http.HandlerFunc(h.logout))).Methods(http.MethodPost)
	router.Handle(HomePath, h.s.optional.Handler(http.HandlerFunc(h.home))).Methods(http.MethodGet)
}

type createSessionRequest struct {
	UserID    string `json:"userId"`
	UserAgent string `json:"userAgent"`
	IP        string `json:"ip"`
}

type refreshRequest struct {
	JWT string `json:"jwt"`
}

// CurrentSessionResponse describes the caller's session
type CurrentSessionResponse struct {
	User struct {
		ID             string  `json:"id"`
		OrganizationID *string `json:"organizationId"`
	} `json:"user"`
	JWT string `json:"jwt"`
}

// current re-issues a short-lived token for the caller's session
func (h *SessionHandlers) current(w http.ResponseWriter, r *http.Request) {
	authCtx, err := currentUser(r)
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	issued, err := h.s.deps.Sessions.Reissue(&auth.Session{
		ID:             authCtx.SessionID,
		UserID:         authCtx.User.ID,
		OrganizationID: authCtx.OrganizationID,
	})
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	h.s.deps.Sessions.SetCookie(w, issued.Token)

	var resp CurrentSessionResponse
	resp.User.ID = authCtx.User.ID
	resp.User.OrganizationID = authCtx.OrganizationID
	resp.JWT = issued.Token
	httputil.WriteSuccess(w, resp)
}

// create opens a session on behalf of a trusted backend
func (h *SessionHandlers) create(w http.ResponseWriter, r *http.Request) {
	key := h.s.deps.InternalAPIKey
	if key == "" || !auth.ConstantTimeEqual(r.Header.Get(InternalAPIKeyHeader), key) {
		httputil.WriteUnauthorized(w, "Unauthorized")
		return
	}

	var req createSessionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == "" {
		httputil.WriteBadRequest(w, "userId is required")
		return
	}

	ctx := r.Context()
	user, err := h.s.deps.Store.GetUserByID(ctx, req.UserID)
	if err != nil {
		if isNotFound(err) {
			httputil.WriteAuthError(w, r, autherr.New(autherr.KindNotFound, "User not found"))
			return
		}
		httputil.WriteAuthError(w, r, autherr.Wrap(err, autherr.KindInternal, "load user"))
		return
	}

	issued, err := h.s.deps.Sessions.Create(ctx, user.ID, session.Metadata{
		UserAgent: req.UserAgent,
		IP:        req.IP,
	})
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	httputil.WriteCreated(w, map[string]interface{}{"success": true, "jwt": issued.Token})
}

// refresh trades a token, expired or not, for a fresh one while its
// session is live
func (h *SessionHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	issued, err := h.s.deps.Sessions.Refresh(r.Context(), req.JWT)
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	h.s.deps.Sessions.SetCookie(w, issued.Token)
	httputil.WriteSuccess(w, map[string]interface{}{"success": true, "jwt": issued.Token})
}

func (h *SessionHandlers) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if authCtx := middleware.GetAuthContext(r); authCtx != nil {
		if err := h.s.deps.Sessions.Delete(ctx, authCtx.SessionID); err != nil {
			observability.FromContext(ctx).WithError(err).Warn("failed to delete session on logout")
		}
		audit.LogSuccess(ctx, h.s.deps.Audit, audit.EventTypeLogout, authCtx.User.ID, authCtx.User.Email, "logout")
	} else if token := requestToken(r); token != "" {
		// an expired bearer token still names the session to end
		if err := h.s.deps.Sessions.Revoke(ctx, token); err != nil && autherr.KindOf(err) != autherr.KindUnauthorized {
			observability.FromContext(ctx).WithError(err).Warn("failed to delete session on logout")
		}
	}
	h.s.deps.Sessions.ClearCookie(w)
	httputil.WriteSuccess(w, map[string]interface{}{"success": true})
}

func requestToken(r *http.Request) string {
	if token := httputil.CookieValue(r, session.CookieName); token != "" {
		return token
	}
	return httputil.BearerToken(r)
}

// home sends a signed-in browser to its onboarding step
func (h *SessionHandlers) home(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil {
		httputil.Redirect(w, r, httputil.LoginPath)
		return
	}
	next, err := h.s.deps.Resolver.NextStep(r.Context(), authCtx.User)
	if err != nil {
		httputil.RedirectError(w, r, err)
		return
	}
	httputil.Redirect(w, r, next)
}
