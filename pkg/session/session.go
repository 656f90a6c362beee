// Package session issues signed short-lived session tokens backed by
// persisted sliding sessions.
//
// A token is a 5 minute HS256 JWT naming {userId, organizationId, sessionId}.
// Validation always re-reads the session row, so deleting the row revokes
// every outstanding token immediately. Each successful validation slides the
// session's 7 day expiry; an expired token whose session is still alive is
// refreshed by minting a new token for the same session.
package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/platinummonkey/authgate/pkg/auth"
	"github.com/platinummonkey/authgate/pkg/autherr"
	"github.com/platinummonkey/authgate/pkg/httputil"
	"github.com/platinummonkey/authgate/pkg/observability"
	"github.com/platinummonkey/authgate/pkg/storage"
)

const (
	// CookieName holds the signed session token
	CookieName = "session"
	// DefaultSessionTTL is the sliding lifetime of a session
	DefaultSessionTTL = 7 * 24 * time.Hour
)

// Store is what the manager needs from persistence
type Store interface {
	storage.SessionStore
	GetUserByID(ctx context.Context, id string) (*auth.User, error)
	ListMemberships(ctx context.Context, userID string) ([]*auth.Membership, error)
}

// Recorder receives session lifecycle events
type Recorder interface {
	SessionCreated()
	SessionValidated(outcome string)
	SessionRevoked()
	SessionsSwept(n int64)
}

// Metadata describes the client a session is created for
type Metadata struct {
	UserAgent string
	IP        string
}

// Issued is a session and a freshly minted token for it
type Issued struct {
	Session        *auth.Session
	Token          string
	TokenExpiresAt time.Time
}

// Config for the manager
type Config struct {
	SessionTTL time.Duration
	// SecureCookies marks the session cookie Secure (production)
	SecureCookies bool
}

// Manager implements the session lifecycle
type Manager struct {
	store   Store
	signer  *Signer
	cfg     Config
	logger  *observability.Logger
	metrics Recorder
	now     func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithRecorder reports lifecycle events to r
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// WithClock overrides the time source for the manager and its signer
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
		m.signer.now = now
	}
}

// NewManager creates a session manager
func NewManager(store Store, signer *Signer, cfg Config, logger *observability.Logger, opts ...Option) *Manager {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	m := &Manager{
		store:  store,
		signer: signer,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create persists a session for userID scoped to the first membership's
// organization, if any, and mints its first token
func (m *Manager) Create(ctx context.Context, userID string, meta Metadata) (*Issued, error) {
	memberships, err := m.store.ListMemberships(ctx, userID)
	if err != nil {
		return nil, autherr.Wrap(err, autherr.KindInternal, "list memberships")
	}

	var orgID *string
	if len(memberships) > 0 {
		id := memberships[0].OrganizationID
		orgID = &id
	}

	now := m.now()
	sess := &auth.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		OrganizationID: orgID,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(m.cfg.SessionTTL),
		UserAgent:      meta.UserAgent,
		IP:             meta.IP,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, autherr.Wrap(err, autherr.KindInternal, "create session")
	}

	token, exp, err := m.signer.Mint(sess.UserID, sess.OrganizationID, sess.ID)
	if err != nil {
		return nil, autherr.Wrap(err, autherr.KindInternal, "mint token")
	}

	if m.metrics != nil {
		m.metrics.SessionCreated()
	}
	return &Issued{Session: sess, Token: token, TokenExpiresAt: exp}, nil
}

// Validate accepts an unexpired token whose session still exists, sliding
// the session expiry. Every failure is Unauthorized; an expired token's
// error also matches jwt.ErrTokenExpired.
func (m *Manager) Validate(ctx context.Context, token string) (*Claims, *auth.Session, error) {
	if token == "" {
		m.record("missing")
		return nil, nil, autherr.ErrUnauthorized
	}

	claims, err := m.signer.Parse(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			m.record("expired")
		} else {
			m.record("invalid")
		}
		return nil, nil, autherr.Wrap(err, autherr.KindUnauthorized, "Unauthorized")
	}

	sess, err := m.liveSession(ctx, claims)
	if err != nil {
		return nil, nil, err
	}
	m.record("valid")
	return claims, sess, nil
}

// liveSession loads the session named by claims, rejects it when missing,
// mismatched or expired, and slides its expiry
func (m *Manager) liveSession(ctx context.Context, claims *Claims) (*auth.Session, error) {
	sess, err := m.store.GetSession(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.record("revoked")
			return nil, autherr.Wrap(err, autherr.KindUnauthorized, "Unauthorized")
		}
		return nil, autherr.Wrap(err, autherr.KindInternal, "load session")
	}
	if sess.UserID != claims.UserID {
		m.record("invalid")
		return nil, autherr.ErrUnauthorized
	}

	now := m.now()
	if sess.Expired(now) {
		if err := m.store.DeleteSession(ctx, sess.ID); err != nil {
			m.logger.WithError(err).Warn("failed to delete expired session")
		}
		m.record("session_expired")
		return nil, autherr.ErrUnauthorized
	}

	sess.LastAccessedAt = now
	sess.ExpiresAt = now.Add(m.cfg.SessionTTL)
	if err := m.store.TouchSession(ctx, sess.ID, sess.LastAccessedAt, sess.ExpiresAt); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, autherr.ErrUnauthorized
		}
		return nil, autherr.Wrap(err, autherr.KindInternal, "touch session")
	}
	return sess, nil
}

// Refresh mints a new token for the session behind token. The token may be
// expired but its signature must verify and its session must be alive.
func (m *Manager) Refresh(ctx context.Context, token string) (*Issued, error) {
	if token == "" {
		return nil, autherr.ErrUnauthorized
	}
	claims, err := m.signer.ParseIgnoringExpiry(token)
	if err != nil {
		m.record("invalid")
		return nil, autherr.Wrap(err, autherr.KindUnauthorized, "Unauthorized")
	}

	sess, err := m.liveSession(ctx, claims)
	if err != nil {
		return nil, err
	}
	return m.Reissue(sess)
}

// Reissue mints a token for an already validated session
func (m *Manager) Reissue(sess *auth.Session) (*Issued, error) {
	token, exp, err := m.signer.Mint(sess.UserID, sess.OrganizationID, sess.ID)
	if err != nil {
		return nil, autherr.Wrap(err, autherr.KindInternal, "mint token")
	}
	m.record("refreshed")
	return &Issued{Session: sess, Token: token, TokenExpiresAt: exp}, nil
}

// Rescope moves a session to organizationID and mints a token scoped to it.
// The scope is stored on the session row so later refreshes keep it.
func (m *Manager) Rescope(ctx context.Context, sessionID string, organizationID *string) (*Issued, error) {
	if err := m.store.SetSessionOrganization(ctx, sessionID, organizationID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, autherr.ErrUnauthorized
		}
		return nil, autherr.Wrap(err, autherr.KindInternal, "rescope session")
	}
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, autherr.ErrUnauthorized
		}
		return nil, autherr.Wrap(err, autherr.KindInternal, "load session")
	}
	return m.Reissue(sess)
}

// Revoke deletes the session behind token. Like Refresh, the token may be
// expired but its signature must verify.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return autherr.ErrUnauthorized
	}
	claims, err := m.signer.ParseIgnoringExpiry(token)
	if err != nil {
		return autherr.Wrap(err, autherr.KindUnauthorized, "Unauthorized")
	}
	return m.Delete(ctx, claims.SessionID)
}

// Delete revokes a session; outstanding tokens fail on next validation
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return autherr.Wrap(err, autherr.KindInternal, "delete session")
	}
	if m.metrics != nil {
		m.metrics.SessionRevoked()
	}
	return nil
}

// Sweep deletes expired sessions. Safe to run repeatedly.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteExpiredSessions(ctx, m.now())
	if err != nil {
		return 0, err
	}
	if m.metrics != nil {
		m.metrics.SessionsSwept(n)
	}
	return n, nil
}

// SetCookie writes the session cookie holding token
func (m *Manager) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   m.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie expires the session cookie
func (m *Manager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// Authenticate resolves the caller of r from the session cookie or a bearer
// token. A cookie token that merely expired is refreshed in place and the
// cookie rewritten.
func (m *Manager) Authenticate(w http.ResponseWriter, r *http.Request) (*auth.AuthContext, error) {
	ctx := r.Context()

	token, fromCookie := httputil.CookieValue(r, CookieName), true
	if token == "" {
		token, fromCookie = httputil.BearerToken(r), false
	}

	claims, sess, err := m.Validate(ctx, token)
	if err != nil {
		if !errors.Is(err, jwt.ErrTokenExpired) || !fromCookie {
			return nil, err
		}
		issued, refreshErr := m.Refresh(ctx, token)
		if refreshErr != nil {
			return nil, refreshErr
		}
		m.SetCookie(w, issued.Token)
		sess = issued.Session
		claims = &Claims{UserID: sess.UserID, OrganizationID: sess.OrganizationID, SessionID: sess.ID}
	}

	user, err := m.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, autherr.ErrUnauthorized
		}
		return nil, autherr.Wrap(err, autherr.KindInternal, "load session user")
	}

	return &auth.AuthContext{
		User:           user,
		SessionID:      sess.ID,
		OrganizationID: sess.OrganizationID,
	}, nil
}

func (m *Manager) record(outcome string) {
	if m.metrics != nil {
		m.metrics.SessionValidated(outcome)
	}
}
