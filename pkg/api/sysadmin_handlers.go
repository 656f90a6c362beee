package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/authgate/pkg/audit"
	"github.com/platinummonkey/authgate/pkg/auth"
	"github.com/platinummonkey/authgate/pkg/autherr"
	"github.com/platinummonkey/authgate/pkg/httputil"
)

const (
	// sysadminHome is where a sysadmin verification code link lands
	sysadminHome = "/admin"

	defaultPageSize = 50
	maxPageSize     = 200
)

// SysadminHandlers serves operator endpoints behind the elevated gate
type SysadminHandlers struct {
	s *Server
}

// RegisterRoutes registers the sysadmin routes. Verification endpoints need
// only a session; everything else also passes the gate.
func (h *SysadminHandlers) RegisterRoutes(router *mux.Router) {
	r := router.PathPrefix("/api/sysadmin").Subrouter()
	r.Handle("/verify/send", h.s.requireSession(h.sendVerification)).Methods(http.MethodPost)
	r.Handle("/verify", h.s.requireSession(h.verify)).Methods(http.MethodPost)

	gated := func(fn http.HandlerFunc) http.Handler {
		return h.s.authn.Handler(h.s.deps.Gate.Middleware(fn))
	}
	r.Handle("/users", gated(h.listUsers)).Methods(http.MethodGet)
	r.Handle("/organizations", gated(h.listOrganizations)).Methods(http.MethodGet)
}

type sysadminVerifyRequest struct {
	Code string `json:"code"`
}

// sysadmin returns the caller when they are on the allow list
func (h *SysadminHandlers) sysadmin(w http.ResponseWriter, r *http.Request) (*auth.User, bool) {
	authCtx, err := currentUser(r)
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return nil, false
	}
	if !h.s.deps.Gate.IsSysadmin(authCtx.User.Email) {
		audit.LogDenied(r.Context(), h.s.deps.Audit, r.URL.Path, "not a sysadmin")
		httputil.WriteForbidden(w, "Forbidden")
		return nil, false
	}
	return authCtx.User, true
}

func (h *SysadminHandlers) sendVerification(w http.ResponseWriter, r *http.Request) {
	user, ok := h.sysadmin(w, r)
	if !ok {
		return
	}
	res, err := h.s.deps.OTP.Send(r.Context(), user.Email, auth.PurposeVerification, sysadminHome)
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	audit.LogSuccess(r.Context(), h.s.deps.Audit, audit.EventTypeOTPSent, user.ID, user.Email, "sysadmin verification")
	httputil.WriteSuccess(w, map[string]interface{}{"success": true, "expiresAt": res.ExpiresAt})
}

func (h *SysadminHandlers) verify(w http.ResponseWriter, r *http.Request) {
	user, ok := h.sysadmin(w, r)
	if !ok {
		return
	}
	var req sysadminVerifyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	ctx := r.Context()
	if _, err := h.s.deps.OTP.VerifyCode(ctx, user.Email, req.Code); err != nil {
		audit.LogFailure(ctx, h.s.deps.Audit, audit.EventTypeOTPFailed, user.Email, "sysadmin verification", err)
		writeOTPError(w, r, err)
		return
	}
	if err := h.s.deps.Gate.MarkVerified(ctx, user); err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"success":    true,
		"verifiedAt": user.LastVerifiedAt,
	})
}

func (h *SysadminHandlers) listUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := httputil.Pagination(r, defaultPageSize, maxPageSize)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	users, total, err := h.s.deps.Store.ListUsers(r.Context(), limit, offset)
	if err != nil {
		httputil.WriteAuthError(w, r, autherr.Wrap(err, autherr.KindInternal, "list users"))
		return
	}
	if users == nil {
		users = []*auth.User{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"users":  users,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *SysadminHandlers) listOrganizations(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := httputil.Pagination(r, defaultPageSize, maxPageSize)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	orgs, total, err := h.s.deps.Store.ListOrganizations(r.Context(), limit, offset)
	if err != nil {
		httputil.WriteAuthError(w, r, autherr.Wrap(err, autherr.KindInternal, "list organizations"))
		return
	}
	if orgs == nil {
		orgs = []*auth.Organization{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"organizations": orgs,
		"total":         total,
		"limit":         limit,
		"offset":        offset,
	})
}
