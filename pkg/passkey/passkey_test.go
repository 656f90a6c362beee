package passkey

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/authgate/pkg/auth"
	"github.com/platinummonkey/authgate/pkg/autherr"
	"github.com/platinummonkey/authgate/pkg/observability"
	"github.com/platinummonkey/authgate/pkg/storage/memory"
)

// fakeRP accepts any response whose body is "ok" and reports the
// configured counter on login
type fakeRP struct {
	mu           sync.Mutex
	credentialID []byte
	counter      uint32
	regOpts      int
	expires      time.Time
	lastSession  webauthn.SessionData
}

func (f *fakeRP) BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regOpts = len(opts)
	return &protocol.CredentialCreation{}, &webauthn.SessionData{
		Challenge: "reg-challenge",
		UserID:    user.WebAuthnID(),
		Expires:   f.expires,
	}, nil
}

func (f *fakeRP) FinishRegistration(user webauthn.User, session webauthn.SessionData, body []byte) (*webauthn.Credential, error) {
	f.mu.Lock()
	f.lastSession = session
	f.mu.Unlock()
	if string(body) != "ok" {
		return nil, errors.New("bad attestation")
	}
	return &webauthn.Credential{
		ID:        f.credentialID,
		PublicKey: []byte("pk"),
		Flags:     webauthn.CredentialFlags{UserPresent: true, BackupEligible: true},
		Transport: []protocol.AuthenticatorTransport{protocol.Internal},
		Authenticator: webauthn.Authenticator{
			SignCount: 7,
		},
	}, nil
}

func (f *fakeRP) BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	return &protocol.CredentialAssertion{}, &webauthn.SessionData{
		Challenge: "login-challenge",
		UserID:    user.WebAuthnID(),
		Expires:   f.expires,
	}, nil
}

func (f *fakeRP) FinishLogin(user webauthn.User, session webauthn.SessionData, body []byte) (*webauthn.Credential, error) {
	if string(body) != "ok" {
		return nil, errors.New("bad signature")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range user.WebAuthnCredentials() {
		if bytes.Equal(c.ID, f.credentialID) {
			c.Authenticator.SignCount = f.counter
			return &c, nil
		}
	}
	return nil, errors.New("unknown credential")
}

type recorder struct {
	mu     sync.Mutex
	events map[string]int
	clones int
}

func (r *recorder) PasskeyCeremony(ceremony, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[ceremony+":"+outcome]++
}

func (r *recorder) PasskeyCloneWarning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clones++
}

type fixture struct {
	mgr   *Manager
	rp    *fakeRP
	store *memory.Store
	user  *auth.User
	rec   *recorder
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		rp:    &fakeRP{credentialID: []byte{9, 9, 9}},
		store: memory.NewStore(),
		rec:   &recorder{events: map[string]int{}},
		now:   time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
	}
	f.user = &auth.User{Email: "pat@example.com", EmailVerified: true, DisplayName: "Pat"}
	require.NoError(t, f.store.CreateUser(context.Background(), f.user))

	f.mgr = newManager(f.store, f.rp,
		observability.NewLogger(observability.ErrorLevel, &bytes.Buffer{}),
		WithRecorder(f.rec),
		WithClock(func() time.Time { return f.now }),
	)
	return f
}

func (f *fixture) register(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := f.mgr.BeginRegistration(ctx, f.user.ID)
	require.NoError(t, err)
	_, err = f.mgr.CompleteRegistration(ctx, f.user.ID, []byte("ok"))
	require.NoError(t, err)
}

func TestNewManager_Defaults(t *testing.T) {
	m, err := NewManager(memory.NewStore(), Config{}, observability.NewLogger(observability.ErrorLevel, &bytes.Buffer{}))
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.BeginRegistration(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, f.rp.regOpts)

	a, err := f.mgr.CompleteRegistration(ctx, f.user.ID, []byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), a.SignCount, "counter starts at zero")
	assert.Equal(t, []string{"internal"}, a.Transports)
	assert.Equal(t, flagUserPresent|flagBackupEligible, a.Flags)
	assert.Equal(t, "reg-challenge", f.rp.lastSession.Challenge)

	has, err := f.mgr.Status(ctx, "PAT@example.com")
	require.NoError(t, err)
	assert.True(t, has)

	// Challenge was cleared.
	_, err = f.mgr.CompleteRegistration(ctx, f.user.ID, []byte("ok"))
	assert.ErrorIs(t, err, autherr.ErrNoChallenge)
	assert.Equal(t, 1, f.rec.events["registration:ok"])
}

func TestRegistration_NoChallenge(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.CompleteRegistration(context.Background(), f.user.ID, []byte("ok"))
	assert.ErrorIs(t, err, autherr.ErrNoChallenge)
	assert.Equal(t, 400, autherr.Status(err))
}

func TestRegistration_FailedVerificationConsumesChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.BeginRegistration(ctx, f.user.ID)
	require.NoError(t, err)

	_, err = f.mgr.CompleteRegistration(ctx, f.user.ID, []byte("forged"))
	assert.ErrorIs(t, err, autherr.ErrInvalidCredential)

	_, err = f.mgr.CompleteRegistration(ctx, f.user.ID, []byte("ok"))
	assert.ErrorIs(t, err, autherr.ErrNoChallenge)
}

func TestRegistration_NewCeremonyReplacesPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.BeginRegistration(ctx, f.user.ID)
	require.NoError(t, err)
	_, err = f.mgr.BeginRegistration(ctx, f.user.ID)
	require.NoError(t, err)

	_, err = f.mgr.CompleteRegistration(ctx, f.user.ID, []byte("ok"))
	require.NoError(t, err)
	_, err = f.mgr.CompleteRegistration(ctx, f.user.ID, []byte("ok"))
	assert.ErrorIs(t, err, autherr.ErrNoChallenge)
}

func TestRegistration_ExpiredChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rp.expires = f.now.Add(CeremonyTimeout)

	_, err := f.mgr.BeginRegistration(ctx, f.user.ID)
	require.NoError(t, err)

	f.now = f.now.Add(CeremonyTimeout + time.Second)
	_, err = f.mgr.CompleteRegistration(ctx, f.user.ID, []byte("ok"))
	assert.ErrorIs(t, err, autherr.ErrExpired)
}

func TestRegistration_UnknownUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.BeginRegistration(context.Background(), "missing")
	assert.Equal(t, autherr.KindNotFound, autherr.KindOf(err))
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t)

	f.rp.counter = 1
	_, err := f.mgr.BeginAuthentication(ctx, f.user.Email)
	require.NoError(t, err)

	id, err := f.mgr.CompleteAuthentication(ctx, f.user.Email, []byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, auth.KindWebAuthn, id.Kind)
	assert.Equal(t, f.user.Email, id.Email)
	assert.True(t, id.EmailVerified)

	stored, err := f.store.GetAuthenticator(ctx, f.rp.credentialID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stored.SignCount)

	_, err = f.mgr.CompleteAuthentication(ctx, f.user.Email, []byte("ok"))
	assert.ErrorIs(t, err, autherr.ErrNoChallenge)
}

func TestAuthentication_CounterMustIncrease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t)

	f.rp.counter = 5
	_, err := f.mgr.BeginAuthentication(ctx, f.user.Email)
	require.NoError(t, err)
	_, err = f.mgr.CompleteAuthentication(ctx, f.user.Email, []byte("ok"))
	require.NoError(t, err)

	for _, counter := range []uint32{5, 4, 0} {
		f.rp.counter = counter
		_, err = f.mgr.BeginAuthentication(ctx, f.user.Email)
		require.NoError(t, err)

		_, err = f.mgr.CompleteAuthentication(ctx, f.user.Email, []byte("ok"))
		assert.ErrorIs(t, err, autherr.ErrInvalidCredential, "counter %d", counter)
		assert.ErrorIs(t, err, ErrCloneWarning, "counter %d", counter)
	}
	assert.Equal(t, 3, f.rec.clones)

	stored, err := f.store.GetAuthenticator(ctx, f.rp.credentialID)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), stored.SignCount)
}

func TestAuthentication_ConcurrentAssertionsSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t)
	f.rp.counter = 3

	_, err := f.mgr.BeginAuthentication(ctx, f.user.Email)
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.mgr.CompleteAuthentication(ctx, f.user.Email, []byte("ok")); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestAuthentication_BadSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t)

	_, err := f.mgr.BeginAuthentication(ctx, f.user.Email)
	require.NoError(t, err)
	_, err = f.mgr.CompleteAuthentication(ctx, f.user.Email, []byte("garbage"))
	assert.ErrorIs(t, err, autherr.ErrInvalidCredential)
	assert.NotErrorIs(t, err, ErrCloneWarning)
}

func TestBeginAuthentication_NoPasskey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.BeginAuthentication(ctx, f.user.Email)
	assert.Equal(t, autherr.KindNotFound, autherr.KindOf(err))

	_, errUnknown := f.mgr.BeginAuthentication(ctx, "nobody@example.com")
	assert.Equal(t, autherr.PublicMessage(err), autherr.PublicMessage(errUnknown))
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	has, err := f.mgr.Status(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.False(t, has)

	has, err = f.mgr.Status(ctx, f.user.Email)
	require.NoError(t, err)
	assert.False(t, has)

	_, err = f.mgr.Status(ctx, " ")
	assert.Equal(t, autherr.KindValidation, autherr.KindOf(err))
}

func TestSnooze(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	until, err := f.mgr.Snooze(ctx, f.user.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(DefaultSnooze), until)

	u, err := f.store.GetUserByID(ctx, f.user.ID)
	require.NoError(t, err)
	assert.True(t, u.PasskeySnoozed(f.now))

	past := f.now.Add(-time.Hour)
	_, err = f.mgr.Snooze(ctx, f.user.ID, &past)
	assert.Equal(t, autherr.KindValidation, autherr.KindOf(err))

	custom := f.now.Add(48 * time.Hour)
	until, err = f.mgr.Snooze(ctx, f.user.ID, &custom)
	require.NoError(t, err)
	assert.Equal(t, custom, until)

	_, err = f.mgr.Snooze(ctx, "missing", nil)
	assert.Equal(t, autherr.KindNotFound, autherr.KindOf(err))
}
