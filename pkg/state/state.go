// Package state issues and single-use validates the anti-forgery tokens that
// bind a browser to an in-flight login.
//
// A token is 256 random bits. It is set as an HttpOnly, SameSite=Lax cookie
// and stored server-side with optional context (provider name, SAML domain).
// Consume requires the callback token and the cookie value to be equal and
// atomically takes the server record, so a second consume of the same token
// always fails. Every failure is autherr.ErrInvalidState; callers do not learn
// which check failed.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/platinummonkey/authgate/pkg/auth"
	"github.com/platinummonkey/authgate/pkg/autherr"
	"github.com/platinummonkey/authgate/pkg/storage"
)

// DefaultTTL is the lifetime of a state record and its cookie
const DefaultTTL = 10 * time.Minute

// Store holds state records. Take must be atomic: concurrent takers of the
// same token see the data at most once.
type Store interface {
	Put(ctx context.Context, token string, data []byte, ttl time.Duration) error
	Take(ctx context.Context, token string) ([]byte, error)
}

// Context is provider-specific data bound to a token
type Context map[string]string

// Manager issues and consumes anti-forgery state
type Manager struct {
	store  Store
	ttl    time.Duration
	secure bool
}

// Option configures a Manager
type Option func(*Manager)

// WithTTL overrides the state lifetime. Values above DefaultTTL are clamped.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 && ttl <= DefaultTTL {
			m.ttl = ttl
		}
	}
}

// WithSecureCookies marks state cookies Secure
func WithSecureCookies(secure bool) Option {
	return func(m *Manager) {
		m.secure = secure
	}
}

// NewManager creates a state manager backed by store
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{store: store, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the configured state lifetime
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Issue creates a new token bound to sc, stores it and sets it as cookieName
func (m *Manager) Issue(ctx context.Context, w http.ResponseWriter, cookieName string, sc Context) (string, error) {
	token, err := auth.GenerateToken()
	if err != nil {
		return "", err
	}
	if err := m.Bind(ctx, token, sc); err != nil {
		return "", err
	}
	m.SetCookie(w, cookieName, token)
	return token, nil
}

// Bind stores a caller-chosen token (for example a SAML request id) with the
// same single-use semantics as Issue. It does not set a cookie.
func (m *Manager) Bind(ctx context.Context, token string, sc Context) error {
	if token == "" {
		return fmt.Errorf("state token is empty")
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("failed to encode state context: %w", err)
	}
	if err := m.store.Put(ctx, token, data, m.ttl); err != nil {
		return fmt.Errorf("failed to store state: %w", err)
	}
	return nil
}

// Consume validates token against cookieValue and takes the server record.
// The record is taken even when the values differ, so a leaked token cannot
// be retried.
func (m *Manager) Consume(ctx context.Context, token, cookieValue string) (Context, error) {
	if token == "" || cookieValue == "" {
		return nil, autherr.ErrInvalidState
	}

	matches := auth.ConstantTimeEqual(token, cookieValue)

	data, err := m.store.Take(ctx, cookieValue)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, autherr.ErrInvalidState
		}
		return nil, autherr.Wrap(err, autherr.KindInternal, "state store unavailable")
	}
	if !matches {
		return nil, autherr.ErrInvalidState
	}

	sc := Context{}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &sc); err != nil {
			return nil, autherr.ErrInvalidState
		}
	}
	return sc, nil
}

// ConsumeRequest reads cookieName from r, clears it on w, then consumes
// token against it.
func (m *Manager) ConsumeRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, cookieName, token string) (Context, error) {
	var cookieValue string
	if c, err := r.Cookie(cookieName); err == nil {
		cookieValue = c.Value
	}
	m.ClearCookie(w, cookieName)
	return m.Consume(ctx, token, cookieValue)
}

// SetCookie writes a state cookie
func (m *Manager) SetCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie expires a state cookie
func (m *Manager) ClearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
