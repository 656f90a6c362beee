package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/authgate/pkg/httputil"
	"github.com/platinummonkey/authgate/pkg/sso"
)

// callbackDetector is implemented by providers whose begin and callback
// share one path
type callbackDetector interface {
	IsCallback(r *http.Request) bool
}

// SSOHandlers drives the redirect-based OAuth2 and SAML flows
type SSOHandlers struct {
	s *Server
}

// RegisterRoutes registers the SSO routes. The metadata route must win over
// /auth/{provider}, so it is registered first.
func (h *SSOHandlers) RegisterRoutes(router *mux.Router) {
	if h.s.deps.SAML != nil {
		router.HandleFunc(sso.SAMLMetadataPath, h.samlMetadata).Methods(http.MethodGet)
	}
	router.HandleFunc("/auth/{provider}", h.provider).Methods(http.MethodGet, http.MethodPost)
}

func (h *SSOHandlers) provider(w http.ResponseWriter, r *http.Request) {
	name := httputil.PathString(r, "provider")
	p, err := h.s.deps.Providers.Get(name)
	if err != nil {
		httputil.WriteNotFound(w, "Unknown provider")
		return
	}

	if cd, ok := p.(callbackDetector); ok && cd.IsCallback(r) {
		h.callback(w, r, p)
		return
	}
	if r.Method != http.MethodGet {
		httputil.WriteErrorMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	h.begin(w, r, p)
}

// begin redirects to the identity provider. SAML begin failures are the
// caller's fault (missing or unknown domain) and are reported as JSON.
func (h *SSOHandlers) begin(w http.ResponseWriter, r *http.Request, p sso.Provider) {
	location, err := p.Begin(r.Context(), w, r)
	if err != nil {
		if p.Name() == sso.ProviderSAML {
			httputil.WriteAuthError(w, r, err)
			return
		}
		httputil.RedirectError(w, r, err)
		return
	}
	httputil.Redirect(w, r, location)
}

func (h *SSOHandlers) callback(w http.ResponseWriter, r *http.Request, p sso.Provider) {
	ctx := r.Context()
	id, err := p.Complete(ctx, w, r)
	if err != nil {
		h.s.loginFailed(ctx, p.Name(), "", err)
		httputil.RedirectError(w, r, err)
		return
	}

	if _, err := h.s.signIn(ctx, w, id); err != nil {
		httputil.RedirectError(w, r, err)
		return
	}
	httputil.Redirect(w, r, HomePath)
}

func (h *SSOHandlers) samlMetadata(w http.ResponseWriter, r *http.Request) {
	md, err := h.s.deps.SAML.Metadata(r.URL.Query().Get("domain"))
	if err != nil {
		httputil.WriteAuthError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(md)
}
