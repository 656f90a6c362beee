// Package passkey runs WebAuthn registration and authentication ceremonies.
//
// Each user has at most one pending ceremony. Its session data is stored on
// the user record when a ceremony begins (replacing any earlier one) and is
// taken atomically when it completes, so a challenge can be answered once
// whether or not verification succeeds. Authentication additionally
// requires the authenticator's signature counter to strictly increase over
// the stored value; anything else is rejected as a possible cloned
// authenticator.
package passkey

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/platinummonkey/authgate/pkg/auth"
	"github.com/platinummonkey/authgate/pkg/autherr"
	"github.com/platinummonkey/authgate/pkg/observability"
	"github.com/platinummonkey/authgate/pkg/storage"
)

const (
	// DefaultRPName is the relying party display name
	DefaultRPName = "00SaaS"
	// DefaultRPID is the relying party id used when none is configured
	DefaultRPID = "localhost"
	// CeremonyTimeout bounds how long a pending challenge may be answered
	CeremonyTimeout = 5 * time.Minute
	// DefaultSnooze is how long the setup prompt is postponed by default
	DefaultSnooze = 14 * 24 * time.Hour
)

// ErrCloneWarning marks an assertion whose signature counter did not
// increase
var ErrCloneWarning = errors.New("passkey: signature counter did not increase")

// Store is what ceremonies need from persistence
type Store interface {
	GetUserByID(ctx context.Context, id string) (*auth.User, error)
	GetUserByEmail(ctx context.Context, email string) (*auth.User, error)
	SetPasskeySnooze(ctx context.Context, userID string, until time.Time) error
	storage.ChallengeStore
	storage.AuthenticatorStore
}

// Recorder receives ceremony outcomes
type Recorder interface {
	PasskeyCeremony(ceremony, outcome string)
	PasskeyCloneWarning()
}

// relyingParty is the subset of the WebAuthn library the manager drives.
// Finish methods parse the raw client JSON themselves.
type relyingParty interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	FinishRegistration(user webauthn.User, session webauthn.SessionData, body []byte) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	FinishLogin(user webauthn.User, session webauthn.SessionData, body []byte) (*webauthn.Credential, error)
}

// libraryRP wraps *webauthn.WebAuthn with body parsing
type libraryRP struct {
	*webauthn.WebAuthn
}

func (l libraryRP) FinishRegistration(user webauthn.User, session webauthn.SessionData, body []byte) (*webauthn.Credential, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return l.CreateCredential(user, session, parsed)
}

func (l libraryRP) FinishLogin(user webauthn.User, session webauthn.SessionData, body []byte) (*webauthn.Credential, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	return l.ValidateLogin(user, session, parsed)
}

// Config describes the relying party
type Config struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
}

// Manager runs WebAuthn ceremonies
type Manager struct {
	store   Store
	rp      relyingParty
	logger  *observability.Logger
	metrics Recorder
	now     func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithRecorder reports ceremony outcomes to r
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager for the configured relying party. Origins
// default to https://<rpID>.
func NewManager(store Store, cfg Config, logger *observability.Logger, opts ...Option) (*Manager, error) {
	if cfg.RPID == "" {
		cfg.RPID = DefaultRPID
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = DefaultRPName
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"https://" + cfg.RPID}
	}

	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     cfg.RPOrigins,
		Timeouts: webauthn.TimeoutsConfig{
			Login:        webauthn.TimeoutConfig{Enforce: true, Timeout: CeremonyTimeout},
			Registration: webauthn.TimeoutConfig{Enforce: true, Timeout: CeremonyTimeout},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}
	return newManager(store, libraryRP{wa}, logger, opts...), nil
}

func newManager(store Store, rp relyingParty, logger *observability.Logger, opts ...Option) *Manager {
	m := &Manager{store: store, rp: rp, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) loadUser(ctx context.Context, user *auth.User) (*webauthnUser, error) {
	stored, err := m.store.ListAuthenticators(ctx, user.ID)
	if err != nil {
		return nil, autherr.Wrap(err, autherr.KindInternal, "list authenticators")
	}
	return newWebauthnUser(user, stored), nil
}

func (m *Manager) userByID(ctx context.Context, userID string) (*auth.User, error) {
	user, err := m.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, autherr.New(autherr.KindNotFound, "User not found")
		}
		return nil, autherr.Wrap(err, autherr.KindInternal, "load user")
	}
	return user, nil
}

// saveChallenge stores the pending ceremony, replacing any earlier one
func (m *Manager) saveChallenge(ctx context.Context, userID string, sd *webauthn.SessionData) error {
	data, err := json.Marshal(sd)
	if err != nil {
		return autherr.Wrap(err, autherr.KindInternal, "encode challenge")
	}
	if err := m.store.SetChallenge(ctx, userID, data); err != nil {
		return autherr.Wrap(err, autherr.KindInternal, "store challenge")
	}
	return nil
}

// takeChallenge atomically reads and clears the pending ceremony
func (m *Manager) takeChallenge(ctx context.Context, userID string) (webauthn.SessionData, error) {
	var sd webauthn.SessionData
	data, err := m.store.TakeChallenge(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return sd, autherr.ErrNoChallenge
		}
		return sd, autherr.Wrap(err, autherr.KindInternal, "take challenge")
	}
	if err := json.Unmarshal(data, &sd); err != nil {
		return sd, autherr.Wrap(err, autherr.KindNoChallenge, "No challenge found")
	}
	if !sd.Expires.IsZero() && m.now().After(sd.Expires) {
		return sd, autherr.New(autherr.KindExpired, "Challenge expired")
	}
	return sd, nil
}

// BeginRegistration builds credential creation options for the user and
// stores the challenge
func (m *Manager) BeginRegistration(ctx context.Context, userID string) (*protocol.CredentialCreation, error) {
	user, err := m.userByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	wu, err := m.loadUser(ctx, user)
	if err != nil {
		return nil, err
	}

	creation, sd, err := m.rp.BeginRegistration(wu,
		webauthn.WithExclusions(wu.descriptors()),
		webauthn.WithConveyancePreference(protocol.PreferNoAttestation),
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
			UserVerification: protocol.VerificationPreferred,
		}),
	)
	if err != nil {
		return nil, autherr.Wrap(err, autherr.KindInternal, "begin registration")
	}
	if err := m.saveChallenge(ctx, user.ID, sd); err != nil {
		return nil, err
	}
	m.record("registration_begin", "ok")
	return creation, nil
}

// CompleteRegistration verifies an attestation response against the
// pending challenge and stores the new authenticator
func (m *Manager) CompleteRegistration(ctx context.Context, userID string, body []byte) (*auth.Authenticator, error) {
	user, err := m.userByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	sd, err := m.takeChallenge(ctx, user.ID)
	if err != nil {
		m.record("registration", autherr.Code(err))
		return nil, err
	}
	wu, err := m.loadUser(ctx, user)
	if err != nil {
		return nil, err
	}

	cred, err := m.rp.FinishRegistration(wu, sd, body)
	if err != nil {
		m.logger.WithError(err).WithField("user_id", user.ID).Info("passkey registration rejected")
		m.record("registration", "invalid")
		return nil, autherr.Wrap(err, autherr.KindInvalidCredential, "Failed to verify registration")
	}

	a := fromCredential(user.ID, cred)
	a.CreatedAt = m.now().UTC()
	if err := m.store.AddAuthenticator(ctx, a); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, autherr.New(autherr.KindValidation, "Passkey already registered")
		}
		return nil, autherr.Wrap(err, autherr.KindInternal, "store authenticator")
	}
	m.record("registration", "ok")
	return a, nil
}

// BeginAuthentication builds assertion options restricted to the user's
// registered credentials and stores the challenge
func (m *Manager) BeginAuthentication(ctx context.Context, email string) (*protocol.CredentialAssertion, error) {
	user, err := m.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, autherr.New(autherr.KindNotFound, "No passkey registered")
		}
		return nil, autherr.Wrap(err, autherr.KindInternal, "load user")
	}
	wu, err := m.loadUser(ctx, user)
	if err != nil {
		return nil, err
	}
	if len(wu.credentials) == 0 {
		return nil, autherr.New(autherr.KindNotFound, "No passkey registered")
	}

	assertion, sd, err := m.rp.BeginLogin(wu,
		webauthn.WithAllowedCredentials(wu.descriptors()),
		webauthn.WithUserVerification(protocol.VerificationPreferred),
	)
	if err != nil {
		return nil, autherr.Wrap(err, autherr.KindInternal, "begin authentication")
	}
	if err := m.saveChallenge(ctx, user.ID, sd); err != nil {
		return nil, err
	}
	m.record("authentication_begin", "ok")
	return assertion, nil
}

// CompleteAuthentication verifies an assertion against the pending challenge
// and advances the credential's signature counter. The returned identity is
// bound to the local account that owns the credential.
func (m *Manager) CompleteAuthentication(ctx context.Context, email string, body []byte) (*auth.ExternalIdentity, error) {
	user, err := m.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, autherr.ErrNoChallenge
		}
		return nil, autherr.Wrap(err, autherr.KindInternal, "load user")
	}
	sd, err := m.takeChallenge(ctx, user.ID)
	if err != nil {
		m.record("authentication", autherr.Code(err))
		return nil, err
	}
	wu, err := m.loadUser(ctx, user)
	if err != nil {
		return nil, err
	}

	cred, err := m.rp.FinishLogin(wu, sd, body)
	if err != nil {
		m.logger.WithError(err).WithField("user_id", user.ID).Info("passkey assertion rejected")
		m.record("authentication", "invalid")
		return nil, autherr.Wrap(err, autherr.KindInvalidCredential, "Passkey verification failed")
	}

	if err := m.advanceCounter(ctx, user.ID, cred); err != nil {
		return nil, err
	}

	m.record("authentication", "ok")
	return &auth.ExternalIdentity{
		Kind:          auth.KindWebAuthn,
		Provider:      "passkey",
		Subject:       base64.RawURLEncoding.EncodeToString(cred.ID),
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
		DisplayName:   user.DisplayName,
	}, nil
}

// advanceCounter compares the asserted counter with the latest stored value
// and stores it with a conditional update
func (m *Manager) advanceCounter(ctx context.Context, userID string, cred *webauthn.Credential) error {
	stored, err := m.store.GetAuthenticator(ctx, cred.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return autherr.ErrInvalidCredential
		}
		return autherr.Wrap(err, autherr.KindInternal, "load authenticator")
	}
	if stored.UserID != userID {
		return autherr.New(autherr.KindInvalidCredential, "Passkey verification failed")
	}

	newCount := cred.Authenticator.SignCount
	if newCount > stored.SignCount {
		err = m.store.UpdateSignCount(ctx, cred.ID, newCount)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrCounterRegression) {
			return autherr.Wrap(err, autherr.KindInternal, "update sign count")
		}
	}

	m.logger.WithFields(map[string]interface{}{
		"user_id":       userID,
		"stored_count":  stored.SignCount,
		"asserted":      newCount,
		"credential_id": base64.RawURLEncoding.EncodeToString(cred.ID),
	}).Warn("possible cloned authenticator")
	if m.metrics != nil {
		m.metrics.PasskeyCloneWarning()
	}
	m.record("authentication", "clone_warning")
	return autherr.Wrap(ErrCloneWarning, autherr.KindInvalidCredential, "Passkey verification failed")
}

// Status reports whether the email has a registered passkey. Unknown emails
// report false.
func (m *Manager) Status(ctx context.Context, email string) (bool, error) {
	if strings.TrimSpace(email) == "" {
		return false, autherr.New(autherr.KindValidation, "Email is required")
	}
	user, err := m.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, autherr.Wrap(err, autherr.KindInternal, "load user")
	}
	has, err := m.store.HasAuthenticator(ctx, user.ID)
	if err != nil {
		return false, autherr.Wrap(err, autherr.KindInternal, "check authenticators")
	}
	return has, nil
}

// Snooze postpones the passkey setup prompt until the given time, or for
// DefaultSnooze when until is nil
func (m *Manager) Snooze(ctx context.Context, userID string, until *time.Time) (time.Time, error) {
	now := m.now()
	t := now.Add(DefaultSnooze)
	if until != nil {
		if !until.After(now) {
			return time.Time{}, autherr.New(autherr.KindValidation, "snoozedUntil must be in the future")
		}
		t = *until
	}
	if err := m.store.SetPasskeySnooze(ctx, userID, t); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return time.Time{}, autherr.New(autherr.KindNotFound, "User not found")
		}
		return time.Time{}, autherr.Wrap(err, autherr.KindInternal, "snooze passkey prompt")
	}
	return t, nil
}

func (m *Manager) record(ceremony, outcome string) {
	if m.metrics != nil {
		m.metrics.PasskeyCeremony(ceremony, outcome)
	}
}
