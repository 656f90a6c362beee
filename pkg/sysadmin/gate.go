// Package sysadmin guards operator endpoints. A caller passes the gate when
// their email is on the configured allow-list and they completed an OTP
// re-verification within the last hour.
package sysadmin

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/authgate/pkg/audit"
	"github.com/platinummonkey/authgate/pkg/auth"
	"github.com/platinummonkey/authgate/pkg/autherr"
	"github.com/platinummonkey/authgate/pkg/httputil"
	"github.com/platinummonkey/authgate/pkg/middleware"
	"github.com/platinummonkey/authgate/pkg/observability"
	"github.com/platinummonkey/authgate/pkg/storage"
)

// DefaultWindow is how long an OTP re-verification satisfies the gate
const DefaultWindow = 60 * time.Minute

// Users is the slice of the user store the gate needs
type Users interface {
	GetUserByID(ctx context.Context, id string) (*auth.User, error)
	SetLastVerifiedAt(ctx context.Context, userID string, at time.Time) error
}

// Gate enforces sysadmin membership plus recent re-verification
type Gate struct {
	allow  map[string]struct{}
	users  Users
	window time.Duration
	now    func() time.Time
	logger *observability.Logger
	audit  audit.Logger
}

// Option configures a Gate
type Option func(*Gate)

// WithWindow overrides DefaultWindow
func WithWindow(d time.Duration) Option {
	return func(g *Gate) {
		g.window = d
	}
}

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// WithAuditLogger records verifications and denials
func WithAuditLogger(l audit.Logger) Option {
	return func(g *Gate) {
		g.audit = l
	}
}

// ParseAllowList splits a comma separated email list
func ParseAllowList(list string) []string {
	var out []string
	for _, e := range strings.Split(list, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// NewGate creates a gate for the given sysadmin emails
func NewGate(emails []string, users Users, logger *observability.Logger, opts ...Option) *Gate {
	g := &Gate{
		allow:  make(map[string]struct{}, len(emails)),
		users:  users,
		window: DefaultWindow,
		now:    time.Now,
		logger: logger.WithField("component", "sysadmin"),
		audit:  audit.NoOp(),
	}
	for _, e := range emails {
		g.allow[normalize(e)] = struct{}{}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsSysadmin reports whether email is on the allow-list
func (g *Gate) IsSysadmin(email string) bool {
	if email == "" {
		return false
	}
	_, ok := g.allow[normalize(email)]
	return ok
}

// Check returns nil when user may use sysadmin endpoints now. Non-sysadmins
// get Unauthorized; sysadmins without a verification inside the window get
// VerificationRequired.
func (g *Gate) Check(ctx context.Context, user *auth.User) error {
	if user == nil || !g.IsSysadmin(user.Email) {
		return autherr.ErrUnauthorized
	}
	if !user.VerifiedWithin(g.window, g.now()) {
		return autherr.ErrVerificationRequired
	}
	return nil
}

// MarkVerified stamps a completed re-verification for a sysadmin
func (g *Gate) MarkVerified(ctx context.Context, user *auth.User) error {
	if user == nil || !g.IsSysadmin(user.Email) {
		return autherr.ErrUnauthorized
	}
	at := g.now().UTC()
	if err := g.users.SetLastVerifiedAt(ctx, user.ID, at); err != nil {
		return autherr.Wrap(err, autherr.KindInternal, "stamp verification")
	}
	user.LastVerifiedAt = &at

	g.logger.WithField("user_id", user.ID).Info("Sysadmin verified")
	audit.LogSuccess(ctx, g.audit, audit.EventTypeSysadminVerified, user.ID, user.Email, "sysadmin re-verification")
	return nil
}

// current re-reads the caller so a verification earlier in the same session
// is visible
func (g *Gate) current(ctx context.Context, authCtx *auth.AuthContext) (*auth.User, error) {
	if authCtx == nil || authCtx.User == nil {
		return nil, autherr.ErrUnauthorized
	}
	user, err := g.users.GetUserByID(ctx, authCtx.User.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, autherr.ErrUnauthorized
	}
	if err != nil {
		return nil, autherr.Wrap(err, autherr.KindInternal, "load user")
	}
	return user, nil
}

// Middleware admits only verified sysadmins. It must run after the session
// middleware. Responses are 401 {"error":"Unauthorized"} and 403
// {"error":"Verification required"}.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		user, err := g.current(ctx, middleware.GetAuthContext(r))
		if err == nil {
			err = g.Check(ctx, user)
		}
		if err != nil {
			if autherr.KindOf(err) != autherr.KindInternal {
				audit.LogDenied(ctx, g.audit, r.URL.Path, autherr.PublicMessage(err))
			}
			httputil.WriteAuthError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
