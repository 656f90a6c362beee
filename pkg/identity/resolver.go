// Package identity maps verified external identities onto local users.
//
// Accounts are keyed by lower-cased email. A first sign-in from any channel
// provisions the user; later sign-ins from other channels link to the same
// account when the provider vouches for the email. Email verification is
// never downgraded.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/platinummonkey/authgate/pkg/auth"
	"github.com/platinummonkey/authgate/pkg/autherr"
	"github.com/platinummonkey/authgate/pkg/observability"
	"github.com/platinummonkey/authgate/pkg/storage"
)

// Onboarding destinations returned by NextStep
const (
	PathNewOrganization = "/admin/organizations/new"
	PathPasskeySetup    = "/auth/passkey-setup"
	PathDashboard       = "/dashboard"
)

// Store is what resolution needs from persistence
type Store interface {
	GetUserByEmail(ctx context.Context, email string) (*auth.User, error)
	CreateUser(ctx context.Context, user *auth.User) error
	MarkEmailVerified(ctx context.Context, userID string) error
	SetDisplayName(ctx context.Context, userID, displayName string) error
	ListMemberships(ctx context.Context, userID string) ([]*auth.Membership, error)
	HasAuthenticator(ctx context.Context, userID string) (bool, error)
}

// Result of resolving an identity
type Result struct {
	User    *auth.User
	Created bool
}

// Resolver finds or creates local users
type Resolver struct {
	store  Store
	logger *observability.Logger
	now    func() time.Time
}

// NewResolver creates a resolver
func NewResolver(store Store, logger *observability.Logger) *Resolver {
	return &Resolver{store: store, logger: logger, now: time.Now}
}

// firstParty reports whether the identity was proven against an existing
// local account (its email is the account's, not a provider claim)
func firstParty(kind auth.ProviderKind) bool {
	return kind == auth.KindWebAuthn || kind == auth.KindEmailOTP
}

// Resolve maps id onto a local user, creating one on first sight.
//
// An existing account is linked implicitly only when the incoming email is
// verified by its provider; otherwise the call fails with AccountConflict.
// An unverified account is upgraded when a verified identity signs in.
func (r *Resolver) Resolve(ctx context.Context, id *auth.ExternalIdentity) (*Result, error) {
	if id == nil {
		return nil, autherr.ErrMissingEmail
	}
	email := auth.NormalizeEmail(id.Email)
	if email == "" || !auth.ValidEmail(email) {
		return nil, autherr.ErrMissingEmail
	}

	logger := r.logger.WithFields(map[string]interface{}{
		"provider_kind": string(id.Kind),
		"provider":      id.Provider,
	})

	user, err := r.store.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		return r.link(ctx, user, id, logger)
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, autherr.Wrap(err, autherr.KindInternal, "lookup user")
	}

	user = &auth.User{
		Email:         email,
		EmailVerified: id.EmailVerified,
		DisplayName:   displayName(id, email),
		AvatarURL:     id.AvatarURL,
	}
	if err := r.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Lost a race with a concurrent first sign-in.
			existing, getErr := r.store.GetUserByEmail(ctx, email)
			if getErr != nil {
				return nil, autherr.Wrap(getErr, autherr.KindInternal, "lookup user")
			}
			return r.link(ctx, existing, id, logger)
		}
		return nil, autherr.Wrap(err, autherr.KindInternal, "create user")
	}

	logger.WithField("user_id", user.ID).Info("provisioned user")
	return &Result{User: user, Created: true}, nil
}

func (r *Resolver) link(ctx context.Context, user *auth.User, id *auth.ExternalIdentity, logger *observability.Logger) (*Result, error) {
	if !id.EmailVerified && !firstParty(id.Kind) {
		logger.WithField("user_id", user.ID).Warn("refused to link unverified identity to existing account")
		return nil, autherr.ErrAccountConflict
	}

	if id.EmailVerified && !user.EmailVerified {
		if err := r.store.MarkEmailVerified(ctx, user.ID); err != nil {
			return nil, autherr.Wrap(err, autherr.KindInternal, "mark email verified")
		}
		user.EmailVerified = true
	}

	if user.DisplayName == "" && strings.TrimSpace(id.DisplayName) != "" {
		name := strings.TrimSpace(id.DisplayName)
		if err := r.store.SetDisplayName(ctx, user.ID, name); err != nil {
			logger.WithError(err).Warn("failed to backfill display name")
		} else {
			user.DisplayName = name
		}
	}

	return &Result{User: user}, nil
}

func displayName(id *auth.ExternalIdentity, email string) string {
	if name := strings.TrimSpace(id.DisplayName); name != "" {
		return name
	}
	return auth.LocalPart(email)
}

// NextStep returns the onboarding destination for a signed-in user
func (r *Resolver) NextStep(ctx context.Context, user *auth.User) (string, error) {
	memberships, err := r.store.ListMemberships(ctx, user.ID)
	if err != nil {
		return "", autherr.Wrap(err, autherr.KindInternal, "list memberships")
	}
	hasPasskey, err := r.store.HasAuthenticator(ctx, user.ID)
	if err != nil {
		return "", autherr.Wrap(err, autherr.KindInternal, "check authenticators")
	}
	return NextStep(user, len(memberships) > 0, hasPasskey, r.now()), nil
}

// NextStep picks the onboarding destination: a user without an organization
// creates one first, then a user without a passkey (and no active snooze) is
// offered passkey setup, everyone else lands on the dashboard.
func NextStep(user *auth.User, hasOrganization, hasPasskey bool, now time.Time) string {
	switch {
	case !hasOrganization:
		return PathNewOrganization
	case !hasPasskey && !user.PasskeySnoozed(now):
		return PathPasskeySetup
	default:
		return PathDashboard
	}
}
