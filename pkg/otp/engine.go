// Package otp issues and verifies email one-time codes and magic links.
//
// A send generates a 6-digit code, derives the lookup token from it with an
// HMAC keyed by a server salt, persists only the derived token and emails the
// code plus a magic link embedding the token. Verification is single-use and
// attempt-limited; the atomic check-then-delete lives in the Store.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/authgate/pkg/auth"
	"github.com/platinummonkey/authgate/pkg/autherr"
	"github.com/platinummonkey/authgate/pkg/email"
	"github.com/platinummonkey/authgate/pkg/observability"
	"github.com/platinummonkey/authgate/pkg/storage"
)

const (
	// CodeDigits is the length of a one-time code
	CodeDigits = 6
	// DefaultTTL is how long a code stays valid
	DefaultTTL = 15 * time.Minute
	// DefaultMaxAttempts is the number of wrong guesses a record tolerates
	DefaultMaxAttempts = 3
)

// Store persists pending records and consumes them atomically
type Store interface {
	Save(ctx context.Context, rec *auth.OTPRecord) error
	ConsumeByEmail(ctx context.Context, email, token string, maxAttempts int, now time.Time) (*auth.OTPRecord, error)
	ConsumeByToken(ctx context.Context, token string, maxAttempts int, now time.Time) (*auth.OTPRecord, error)
}

// Users is the slice of the user store the engine needs
type Users interface {
	storage.UserReader
	CreateUser(ctx context.Context, user *auth.User) error
	MarkEmailVerified(ctx context.Context, userID string) error
	SetLastVerifiedAt(ctx context.Context, userID string, at time.Time) error
}

// Limiter throttles sends per email
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Config for the engine
type Config struct {
	// Salt keys the token derivation. Required.
	Salt []byte
	// BaseURL prefixes magic links, e.g. https://app.example.com
	BaseURL     string
	TTL         time.Duration
	MaxAttempts int
}

// Engine issues and verifies one-time codes
type Engine struct {
	store   Store
	users   Users
	sender  email.Sender
	limiter Limiter
	cfg     Config
	logger  *observability.Logger
	metrics Recorder
	now     func() time.Time
	code    func() (string, error)
}

// Recorder receives send and verify outcomes
type Recorder interface {
	OTPSent(purpose string)
	OTPVerified(outcome string)
}

// Option configures an Engine
type Option func(*Engine)

// WithLimiter throttles sends per email
func WithLimiter(l Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithRecorder reports outcomes to r
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.metrics = r }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine
func NewEngine(store Store, users Users, sender email.Sender, cfg Config, logger *observability.Logger, opts ...Option) (*Engine, error) {
	if len(cfg.Salt) == 0 {
		return nil, errors.New("otp salt is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	e := &Engine{
		store:  store,
		users:  users,
		sender: sender,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		code:   GenerateCode,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SendResult describes an issued code
type SendResult struct {
	User        *auth.User
	UserCreated bool
	ExpiresAt   time.Time
}

// Result is a successful verification
type Result struct {
	User         *auth.User
	Email        string
	Purpose      auth.OTPPurpose
	RedirectPath string
}

// ExpiredError reports an expired record. When Resent is true a fresh code
// has already been sent to Email.
type ExpiredError struct {
	Email  string
	Resent bool
}

func (e *ExpiredError) Error() string {
	if e.Resent {
		return "code expired, a new code was sent"
	}
	return "code expired"
}

// Unwrap makes ExpiredError match autherr.ErrExpired
func (e *ExpiredError) Unwrap() error {
	return autherr.ErrExpired
}

// GenerateCode returns a zero-padded numeric code from crypto/rand
func GenerateCode() (string, error) {
	max := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", CodeDigits, n.Int64()), nil
}

// MagicLink returns the link that verifies token
func (e *Engine) MagicLink(token string) string {
	return e.cfg.BaseURL + "/magiclink/" + token
}

// Send issues a code for emailAddr. With no matching user, purpose signup
// creates an unverified placeholder user; other purposes return NotFound.
func (e *Engine) Send(ctx context.Context, emailAddr string, purpose auth.OTPPurpose, redirectPath string) (*SendResult, error) {
	addr := auth.NormalizeEmail(emailAddr)
	if !auth.ValidEmail(addr) {
		return nil, autherr.New(autherr.KindValidation, "Email is required")
	}
	if !purpose.Valid() {
		return nil, autherr.Newf(autherr.KindValidation, "Unknown purpose %q", purpose)
	}

	if e.limiter != nil {
		allowed, err := e.limiter.Allow(ctx, "otp:"+addr)
		if err != nil {
			e.logger.WithError(err).Warn("otp rate limiter unavailable")
		} else if !allowed {
			return nil, autherr.ErrRateLimited
		}
	}

	user, created, err := e.userFor(ctx, addr, purpose)
	if err != nil {
		return nil, err
	}

	code, err := e.code()
	if err != nil {
		return nil, autherr.Wrap(err, autherr.KindInternal, "generate code")
	}

	now := e.now()
	rec := &auth.OTPRecord{
		Token:        auth.DeriveOTPToken(e.cfg.Salt, addr, code),
		UserID:       user.ID,
		Email:        addr,
		Purpose:      purpose,
		RedirectPath: redirectPath,
		CreatedAt:    now,
		ExpiresAt:    now.Add(e.cfg.TTL),
	}
	if err := e.store.Save(ctx, rec); err != nil {
		return nil, autherr.Wrap(err, autherr.KindInternal, "save otp")
	}

	template := email.TemplateLoginOTP
	if purpose == auth.PurposeSignup {
		template = email.TemplateSignupOTP
	}
	msg := email.Message{
		To:       addr,
		Template: template,
		Data: map[string]interface{}{
			"otp":       code,
			"verifyUrl": e.MagicLink(rec.Token),
			"expiresIn": humanizeTTL(e.cfg.TTL),
		},
	}
	if err := e.sender.Send(ctx, msg); err != nil {
		return nil, autherr.Wrap(err, autherr.KindInternal, "send otp email")
	}

	if e.metrics != nil {
		e.metrics.OTPSent(string(purpose))
	}
	e.logger.WithFields(map[string]interface{}{
		"user_id": user.ID,
		"purpose": string(purpose),
	}).Info("otp sent")

	return &SendResult{User: user, UserCreated: created, ExpiresAt: rec.ExpiresAt}, nil
}

func (e *Engine) userFor(ctx context.Context, addr string, purpose auth.OTPPurpose) (*auth.User, bool, error) {
	user, err := e.users.GetUserByEmail(ctx, addr)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, autherr.Wrap(err, autherr.KindInternal, "lookup user")
	}
	if purpose != auth.PurposeSignup {
		return nil, false, autherr.New(autherr.KindNotFound, "User not found")
	}

	now := e.now()
	user = &auth.User{
		ID:            uuid.NewString(),
		Email:         addr,
		EmailVerified: false,
		DisplayName:   auth.LocalPart(addr),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// lost a race with a concurrent signup
			existing, lookupErr := e.users.GetUserByEmail(ctx, addr)
			if lookupErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, autherr.Wrap(err, autherr.KindInternal, "create user")
	}
	return user, true, nil
}

// VerifyCode checks code for emailAddr. A wrong code counts as an attempt.
func (e *Engine) VerifyCode(ctx context.Context, emailAddr, code string) (*Result, error) {
	addr := auth.NormalizeEmail(emailAddr)
	code = strings.TrimSpace(code)
	if addr == "" || code == "" {
		return nil, autherr.New(autherr.KindValidation, "Email and code are required")
	}

	token := auth.DeriveOTPToken(e.cfg.Salt, addr, code)
	rec, err := e.store.ConsumeByEmail(ctx, addr, token, e.cfg.MaxAttempts, e.now())
	return e.finish(ctx, rec, err)
}

// VerifyToken checks a magic-link token
func (e *Engine) VerifyToken(ctx context.Context, token string) (*Result, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, autherr.New(autherr.KindValidation, "Token is required")
	}

	rec, err := e.store.ConsumeByToken(ctx, token, e.cfg.MaxAttempts, e.now())
	return e.finish(ctx, rec, err)
}

func (e *Engine) finish(ctx context.Context, rec *auth.OTPRecord, err error) (*Result, error) {
	if err != nil {
		e.record(autherr.Code(err))
		if errors.Is(err, autherr.ErrExpired) && rec != nil && rec.Email != "" {
			return nil, e.resend(ctx, rec.Email, rec.RedirectPath)
		}
		if autherr.KindOf(err) == autherr.KindInternal {
			return nil, autherr.Wrap(err, autherr.KindInternal, "consume otp")
		}
		return nil, err
	}

	user, err := e.users.GetUserByID(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, autherr.ErrInvalidCredential
		}
		return nil, autherr.Wrap(err, autherr.KindInternal, "load user")
	}

	now := e.now()
	if rec.Purpose.VerifiesEmail() && !user.EmailVerified {
		if err := e.users.MarkEmailVerified(ctx, user.ID); err != nil {
			return nil, autherr.Wrap(err, autherr.KindInternal, "mark email verified")
		}
		user.EmailVerified = true
	}
	if err := e.users.SetLastVerifiedAt(ctx, user.ID, now); err != nil {
		return nil, autherr.Wrap(err, autherr.KindInternal, "stamp verification")
	}
	user.LastVerifiedAt = &now

	e.record("success")
	return &Result{
		User:         user,
		Email:        rec.Email,
		Purpose:      rec.Purpose,
		RedirectPath: rec.RedirectPath,
	}, nil
}

// resend issues a replacement code after expiry. The purpose follows the
// account: unverified accounts get a verification code, others a login code.
// The expired record's redirect path carries over.
func (e *Engine) resend(ctx context.Context, addr, redirectPath string) error {
	purpose := auth.PurposeLogin
	if user, err := e.users.GetUserByEmail(ctx, addr); err == nil && !user.EmailVerified {
		purpose = auth.PurposeVerification
	}

	if _, err := e.Send(ctx, addr, purpose, redirectPath); err != nil {
		e.logger.WithError(err).Warn("otp resend after expiry failed")
		return &ExpiredError{Email: addr}
	}
	return &ExpiredError{Email: addr, Resent: true}
}

func (e *Engine) record(outcome string) {
	if e.metrics != nil {
		e.metrics.OTPVerified(outcome)
	}
}

func humanizeTTL(d time.Duration) string {
	minutes := int(d.Round(time.Minute) / time.Minute)
	if minutes == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", minutes)
}
