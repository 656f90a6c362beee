package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/authgate/pkg/audit"
	"github.com/platinummonkey/authgate/pkg/auth"
	"github.com/platinummonkey/authgate/pkg/autherr"
	"github.com/platinummonkey/authgate/pkg/contextkeys"
	"github.com/platinummonkey/authgate/pkg/httputil"
	"github.com/platinummonkey/authgate/pkg/identity"
	"github.com/platinummonkey/authgate/pkg/middleware"
	"github.com/platinummonkey/authgate/pkg/observability"
	"github.com/platinummonkey/authgate/pkg/otp"
	"github.com/platinummonkey/authgate/pkg/passkey"
	"github.com/platinummonkey/authgate/pkg/session"
	"github.com/platinummonkey/authgate/pkg/sso"
	"github.com/platinummonkey/authgate/pkg/storage"
	"github.com/platinummonkey/authgate/pkg/sysadmin"
)

// HomePath is where browser sign-ins land; it redirects onward to the
// onboarding step
const HomePath = "/home"

// LoginRecorder counts completed sign-ins per provider
type LoginRecorder interface {
	LoginRecorded(provider string, success bool)
}

// Deps are the collaborators the server routes to. Metrics, AuthLimiter and
// SAML are optional.
type Deps struct {
	Store     storage.Store
	Providers *sso.Registry
	SAML      *sso.SAMLProvider
	OTP       *otp.Engine
	Passkeys  *passkey.Manager
	Resolver  *identity.Resolver
	Sessions  *session.Manager
	Gate      *sysadmin.Gate
	Audit     audit.Logger
	Logger    *observability.Logger

	Metrics *observability.Metrics
	// AuthLimiter throttles the unauthenticated OTP endpoints per client IP
	AuthLimiter middleware.Limiter
	// InternalAPIKey authorizes server-to-server session creation; empty
	// disables the endpoint
	InternalAPIKey string
}

// Server represents our API server
type Server struct {
	deps     Deps
	router   *mux.Router
	authn    *middleware.AuthMiddleware
	optional *middleware.AuthMiddleware
	logins   LoginRecorder
	now      func() time.Time
}

// NewServer creates a new API server with every route registered
func NewServer(deps Deps) *Server {
	if deps.Audit == nil {
		deps.Audit = audit.NoOp()
	}
	s := &Server{
		deps:     deps,
		router:   mux.NewRouter(),
		authn:    middleware.NewAuthMiddleware(deps.Sessions, false),
		optional: middleware.NewAuthMiddleware(deps.Sessions, true),
		now:      time.Now,
	}
	if deps.Metrics != nil {
		s.logins = deps.Metrics
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes. Fixed /auth/* paths are
// registered before the /auth/{provider} catch-all.
func (s *Server) setupRoutes() {
	s.router.Use(httputil.RecoveryMiddleware)
	s.router.Use(httputil.RequestIDMiddleware(s.deps.Logger))
	s.router.Use(httputil.LoggingMiddleware)
	if s.deps.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.deps.Metrics))
	}
	s.router.Use(httputil.SecurityHeadersMiddleware)
	s.router.Use(httputil.MaxBytesMiddleware(httputil.MaxJSONBody))
	s.router.Use(middleware.ClientInfoMiddleware)
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(audit.WithLogger(r.Context(), s.deps.Audit)))
		})
	})

	s.RegisterRoutes(&OTPHandlers{s: s})
	s.RegisterRoutes(&PasskeyHandlers{s: s})
	s.RegisterRoutes(&SessionHandlers{s: s})
	s.RegisterRoutes(&OrganizationHandlers{s: s})
	if s.deps.Gate != nil {
		s.RegisterRoutes(&SysadminHandlers{s: s})
	}
	s.RegisterRoutes(&SSOHandlers{s: s})

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFound(w, "Not found")
	})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router exposes the underlying router for additional routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// RouteRegistrar is an interface for types that can register routes
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// RegisterRoutes registers routes from a RouteRegistrar
func (s *Server) RegisterRoutes(registrar RouteRegistrar) {
	registrar.RegisterRoutes(s.router)
}

// requireSession wraps h with mandatory session authentication
func (s *Server) requireSession(h http.HandlerFunc) http.Handler {
	return s.authn.Handler(h)
}

// limited wraps h with the per-IP auth limiter when one is configured
func (s *Server) limited(h http.Handler) http.Handler {
	if s.deps.AuthLimiter == nil {
		return h
	}
	return middleware.RateLimit(s.deps.AuthLimiter, middleware.ClientIPKey, s.deps.Logger)(h)
}

// signedIn is the outcome of a completed sign-in
type signedIn struct {
	User    *auth.User
	Created bool
	Issued  *session.Issued
}

// signIn resolves a verified identity to a local user, opens a session and
// sets the session cookie. Success and failure are audited and counted.
func (s *Server) signIn(ctx context.Context, w http.ResponseWriter, id *auth.ExternalIdentity) (_ *signedIn, err error) {
	ctx, span := observability.StartSpan(ctx, "authgate.sign_in", attribute.String("auth.provider", id.Provider))
	defer func() { observability.EndSpan(span, err) }()

	res, err := s.deps.Resolver.Resolve(ctx, id)
	if err != nil {
		s.loginFailed(ctx, id.Provider, id.Email, err)
		return nil, err
	}
	issued, err := s.openSession(ctx, w, res.User)
	if err != nil {
		s.loginFailed(ctx, id.Provider, id.Email, err)
		return nil, err
	}

	eventType := audit.EventTypeLogin
	if res.Created {
		eventType = audit.EventTypeSignup
	}
	event := audit.NewEvent(ctx, eventType, audit.EventStatusSuccess)
	event.UserID = res.User.ID
	event.Email = res.User.Email
	event.Provider = id.Provider
	event.Metadata["session_id"] = issued.Session.ID
	audit.Record(ctx, s.deps.Audit, event)
	s.countLogin(id.Provider, true)

	return &signedIn{User: res.User, Created: res.Created, Issued: issued}, nil
}

// openSession creates a session for user with the request's client metadata
func (s *Server) openSession(ctx context.Context, w http.ResponseWriter, user *auth.User) (*session.Issued, error) {
	client := contextkeys.GetClient(ctx)
	issued, err := s.deps.Sessions.Create(ctx, user.ID, session.Metadata{
		UserAgent: client.UserAgent,
		IP:        client.IP,
	})
	if err != nil {
		return nil, err
	}
	s.deps.Sessions.SetCookie(w, issued.Token)
	return issued, nil
}

func (s *Server) loginFailed(ctx context.Context, provider, email string, err error) {
	event := audit.NewEvent(ctx, audit.EventTypeLoginFailed, audit.EventStatusFailure)
	event.Email = email
	event.Provider = provider
	event.Message = autherr.Code(err)
	event.Metadata["error"] = err.Error()
	audit.Record(ctx, s.deps.Audit, event)
	s.countLogin(provider, false)
}

func (s *Server) countLogin(provider string, success bool) {
	if s.logins != nil {
		s.logins.LoginRecorded(provider, success)
	}
}

// currentUser returns the authenticated user; handlers behind
// requireSession always have one
func currentUser(r *http.Request) (*auth.AuthContext, error) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil || authCtx.User == nil {
		return nil, autherr.ErrUnauthorized
	}
	return authCtx, nil
}

// hasOrganization reports whether the user belongs to any organization
func (s *Server) hasOrganization(ctx context.Context, userID string) (bool, error) {
	memberships, err := s.deps.Store.ListMemberships(ctx, userID)
	if err != nil {
		return false, autherr.Wrap(err, autherr.KindInternal, "list memberships")
	}
	return len(memberships) > 0, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
