package storage

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/authgate/pkg/auth"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict is returned when a unique constraint would be violated
	ErrConflict = errors.New("storage: conflict")

	// ErrCounterRegression is returned when a signature counter update does
	// not strictly increase the stored value
	ErrCounterRegression = errors.New("storage: signature counter did not increase")
)

// UserReader provides read operations for users
type UserReader interface {
	GetUserByID(ctx context.Context, id string) (*auth.User, error)
	// GetUserByEmail looks a user up case-insensitively
	GetUserByEmail(ctx context.Context, email string) (*auth.User, error)
	ListUsers(ctx context.Context, limit, offset int) ([]*auth.User, int64, error)
}

// UserWriter provides write operations for users
type UserWriter interface {
	CreateUser(ctx context.Context, user *auth.User) error
	// MarkEmailVerified sets email_verified; it never clears it
	MarkEmailVerified(ctx context.Context, userID string) error
	SetDisplayName(ctx context.Context, userID, displayName string) error
	SetLastVerifiedAt(ctx context.Context, userID string, at time.Time) error
	SetPasskeySnooze(ctx context.Context, userID string, until time.Time) error
}

// ChallengeStore holds the single pending WebAuthn ceremony per user
type ChallengeStore interface {
	// SetChallenge stores data, replacing any prior pending ceremony
	SetChallenge(ctx context.Context, userID string, data []byte) error
	// TakeChallenge atomically reads and clears the pending ceremony.
	// Returns ErrNotFound when nothing is pending.
	TakeChallenge(ctx context.Context, userID string) ([]byte, error)
}

// AuthenticatorStore persists registered WebAuthn credentials
type AuthenticatorStore interface {
	ListAuthenticators(ctx context.Context, userID string) ([]*auth.Authenticator, error)
	GetAuthenticator(ctx context.Context, credentialID []byte) (*auth.Authenticator, error)
	AddAuthenticator(ctx context.Context, a *auth.Authenticator) error
	// UpdateSignCount stores newCount only when it is strictly greater than
	// the current value, evaluated inside the database. Returns
	// ErrCounterRegression otherwise.
	UpdateSignCount(ctx context.Context, credentialID []byte, newCount uint32) error
	HasAuthenticator(ctx context.Context, userID string) (bool, error)
}

// SessionStore persists server-side sessions
type SessionStore interface {
	CreateSession(ctx context.Context, s *auth.Session) error
	GetSession(ctx context.Context, id string) (*auth.Session, error)
	// TouchSession bumps last access and slides the expiry
	TouchSession(ctx context.Context, id string, accessedAt, expiresAt time.Time) error
	// SetSessionOrganization changes the organization a session is scoped to
	SetSessionOrganization(ctx context.Context, id string, organizationID *string) error
	DeleteSession(ctx context.Context, id string) error
	// DeleteExpiredSessions removes every session expired at now
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// OrganizationStore persists organizations and the user membership join
type OrganizationStore interface {
	// CreateOrganization creates org and an owner membership for ownerID
	CreateOrganization(ctx context.Context, org *auth.Organization, ownerID string) error
	ListMemberships(ctx context.Context, userID string) ([]*auth.Membership, error)
	ListOrganizationsForUser(ctx context.Context, userID string) ([]*auth.Organization, error)
	ListOrganizations(ctx context.Context, limit, offset int) ([]*auth.Organization, int64, error)
}

// Store composes every persistence capability the core needs
type Store interface {
	UserReader
	UserWriter
	ChallengeStore
	AuthenticatorStore
	SessionStore
	OrganizationStore

	HealthCheck(ctx context.Context) error
	Close() error
}

// Config for storage backends
type Config struct {
	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration

	// Redis config
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	// StateBackend selects where anti-forgery state lives: "redis" or "memory"
	StateBackend string
	// MemoryStateSize bounds the in-memory state backend
	MemoryStateSize int
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		PostgresURL:      "postgres://localhost:5432/authgate?sslmode=disable",
		PostgresMaxConns: 20,
		PostgresMinConns: 2,
		PostgresTimeout:  10 * time.Second,
		RedisURL:         "redis://localhost:6379/0",
		RedisDB:          0,
		RedisMaxRetries:  3,
		RedisPoolSize:    10,
		StateBackend:     "redis",
		MemoryStateSize:  10000,
	}
}
