package middleware

import (
	"net/http"

	"github.com/platinummonkey/authgate/pkg/auth"
	"github.com/platinummonkey/authgate/pkg/autherr"
	"github.com/platinummonkey/authgate/pkg/contextkeys"
	"github.com/platinummonkey/authgate/pkg/httputil"
	"github.com/platinummonkey/authgate/pkg/observability"
)

// Authenticator resolves the caller of a request. It may write headers to w
// (a refreshed session cookie) but never the body.
type Authenticator interface {
	Authenticate(w http.ResponseWriter, r *http.Request) (*auth.AuthContext, error)
}

// AuthMiddleware provides session authentication
type AuthMiddleware struct {
	authenticator Authenticator
	optional      bool // If true, allow requests without auth
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(authenticator Authenticator, optional bool) *AuthMiddleware {
	return &AuthMiddleware{
		authenticator: authenticator,
		optional:      optional,
	}
}

// Handler wraps an HTTP handler with authentication. Failures answer 401
// {"error":"Unauthorized"} unless the middleware is optional.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx, err := m.authenticator.Authenticate(w, r)
		if err != nil {
			if autherr.KindOf(err) == autherr.KindInternal {
				httputil.WriteAuthError(w, r, err)
				return
			}
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "Unauthorized")
			return
		}

		ctx := contextkeys.WithAuth(r.Context(), authCtx)
		ctx = observability.WithUserID(ctx, authCtx.User.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAuthContext extracts auth context from request
func GetAuthContext(r *http.Request) *auth.AuthContext {
	ctx := r.Context().Value(contextkeys.AuthKey)
	if ctx == nil {
		return nil
	}
	authCtx, ok := ctx.(*auth.AuthContext)
	if !ok {
		return nil
	}
	return authCtx
}

// RequireOrganization rejects authenticated callers whose session is not
// scoped to an organization
func RequireOrganization(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := GetAuthContext(r)
		if authCtx == nil {
			httputil.WriteUnauthorized(w, "Unauthorized")
			return
		}
		if authCtx.OrganizationID == nil {
			httputil.WriteForbidden(w, "Organization required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientInfoMiddleware records the client address and user agent for
// session creation and audit events
func ClientInfoMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := contextkeys.WithClient(r.Context(), contextkeys.ClientInfo{
			IP:        ClientIP(r),
			UserAgent: r.UserAgent(),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
