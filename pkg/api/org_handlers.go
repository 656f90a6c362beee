package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/authgate/pkg/auth"
	"github.com/platinummonkey/authgate/pkg/autherr"
	"github.com/platinummonkey/authgate/pkg/httputil"
	"github.com/platinummonkey/authgate/pkg/middleware"
)

// maxOrganizationName bounds organization names
const maxOrganizationName = 200

// OrganizationHandlers serves the organization onboarding endpoints
type OrganizationHandlers struct {
	s *Server
}

// RegisterRoutes registers the organization routes
func (h *OrganizationHandlers) RegisterRoutes(router *mux.Router) {
	r := router.PathPrefix("/api/organizations").Subrouter()
	r.Handle("", h.s.requireSession(h.list)).Methods(http.MethodGet)
	r.Handle("", h.s.requireSession(h.create)).Methods(http.MethodPost)
	r.Handle("/current", h.s.authn.Handler(middleware.RequireOrganization(http.HandlerFunc(h.current)))).Methods(http.MethodGet)
}

type createOrganizationRequest struct {
	Name string `json:"name"`
}

func (h *OrganizationHandlers) list(w http.ResponseWriter, r *http.Request) {
	authCtx, err := currentUser(r)
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	orgs, err := h.s.deps.Store.ListOrganizationsForUser(r.Context(), authCtx.User.ID)
	if err != nil {
		httputil.WriteAuthError(w, r, autherr.Wrap(err, autherr.KindInternal, "list organizations"))
		return
	}
	if orgs == nil {
		orgs = []*auth.Organization{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"organizations": orgs})
}

// create makes the caller the owner of a new organization and returns a
// token scoped to it
func (h *OrganizationHandlers) create(w http.ResponseWriter, r *http.Request) {
	authCtx, err := currentUser(r)
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	var req createOrganizationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || len(name) > maxOrganizationName {
		httputil.WriteBadRequest(w, "Organization name is required")
		return
	}

	ctx := r.Context()
	org := &auth.Organization{ID: uuid.NewString(), Name: name, CreatedAt: h.s.now().UTC()}
	if err := h.s.deps.Store.CreateOrganization(ctx, org, authCtx.User.ID); err != nil {
		httputil.WriteAuthError(w, r, autherr.Wrap(err, autherr.KindInternal, "create organization"))
		return
	}

	issued, err := h.s.deps.Sessions.Rescope(ctx, authCtx.SessionID, &org.ID)
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	h.s.deps.Sessions.SetCookie(w, issued.Token)
	httputil.WriteCreated(w, map[string]interface{}{"organization": org, "jwt": issued.Token})
}

func (h *OrganizationHandlers) current(w http.ResponseWriter, r *http.Request) {
	authCtx, err := currentUser(r)
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	orgs, err := h.s.deps.Store.ListOrganizationsForUser(r.Context(), authCtx.User.ID)
	if err != nil {
		httputil.WriteAuthError(w, r, autherr.Wrap(err, autherr.KindInternal, "list organizations"))
		return
	}
	for _, org := range orgs {
		if org.ID == *authCtx.OrganizationID {
			httputil.WriteSuccess(w, map[string]interface{}{"organization": org})
			return
		}
	}
	httputil.WriteNotFound(w, "Organization not found")
}
