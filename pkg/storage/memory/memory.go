// Package memory is an in-process storage.Store for local development and
// tests. It keeps the same single-use and conditional-update guarantees as
// the Postgres store using one mutex.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/authgate/pkg/auth"
	"github.com/platinummonkey/authgate/pkg/storage"
)

// Store implements storage.Store in memory
type Store struct {
	mu             sync.Mutex
	users          map[string]*auth.User
	emails         map[string]string
	challenges     map[string][]byte
	authenticators map[string]*auth.Authenticator
	sessions       map[string]*auth.Session
	orgs           map[string]*auth.Organization
	memberships    map[string][]*auth.Membership
}

var _ storage.Store = (*Store)(nil)

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		users:          make(map[string]*auth.User),
		emails:         make(map[string]string),
		challenges:     make(map[string][]byte),
		authenticators: make(map[string]*auth.Authenticator),
		sessions:       make(map[string]*auth.Session),
		orgs:           make(map[string]*auth.Organization),
		memberships:    make(map[string][]*auth.Membership),
	}
}

func copyUser(u *auth.User) *auth.User {
	c := *u
	return &c
}

func (s *Store) user(id string) (*auth.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return u, nil
}

// GetUserByID retrieves a user by id
func (s *Store) GetUserByID(ctx context.Context, id string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.user(id)
	if err != nil {
		return nil, err
	}
	return copyUser(u), nil
}

// GetUserByEmail retrieves a user by email, case-insensitively
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.emails[auth.NormalizeEmail(email)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyUser(s.users[id]), nil
}

// ListUsers returns a page of users, newest first
func (s *Store) ListUsers(ctx context.Context, limit, offset int) ([]*auth.User, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*auth.User, 0, len(s.users))
	for _, u := range s.users {
		all = append(all, copyUser(u))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return page(all, limit, offset), int64(len(all)), nil
}

// CreateUser inserts a user; the email must be unused
func (s *Store) CreateUser(ctx context.Context, user *auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user.Email = auth.NormalizeEmail(user.Email)
	if _, taken := s.emails[user.Email]; taken {
		return storage.ErrConflict
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.UpdatedAt = user.CreatedAt

	s.users[user.ID] = copyUser(user)
	s.emails[user.Email] = user.ID
	return nil
}

func (s *Store) updateUser(userID string, fn func(*auth.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.user(userID)
	if err != nil {
		return err
	}
	fn(u)
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkEmailVerified sets the verified flag
func (s *Store) MarkEmailVerified(ctx context.Context, userID string) error {
	return s.updateUser(userID, func(u *auth.User) { u.EmailVerified = true })
}

// SetDisplayName updates the display name
func (s *Store) SetDisplayName(ctx context.Context, userID, displayName string) error {
	return s.updateUser(userID, func(u *auth.User) { u.DisplayName = displayName })
}

// SetLastVerifiedAt records a completed OTP verification
func (s *Store) SetLastVerifiedAt(ctx context.Context, userID string, at time.Time) error {
	return s.updateUser(userID, func(u *auth.User) { u.LastVerifiedAt = &at })
}

// SetPasskeySnooze postpones the passkey prompt
func (s *Store) SetPasskeySnooze(ctx context.Context, userID string, until time.Time) error {
	return s.updateUser(userID, func(u *auth.User) { u.PasskeySnoozedUntil = &until })
}

// SetChallenge stores the pending ceremony, replacing any prior one
func (s *Store) SetChallenge(ctx context.Context, userID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.user(userID); err != nil {
		return err
	}
	s.challenges[userID] = append([]byte(nil), data...)
	return nil
}

// TakeChallenge reads and clears the pending ceremony
func (s *Store) TakeChallenge(ctx context.Context, userID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.challenges[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.challenges, userID)
	return data, nil
}

func credKey(id []byte) string {
	return string(id)
}

func copyAuthenticator(a *auth.Authenticator) *auth.Authenticator {
	c := *a
	c.Transports = append([]string(nil), a.Transports...)
	return &c
}

// ListAuthenticators returns the user's credentials, oldest first
func (s *Store) ListAuthenticators(ctx context.Context, userID string) ([]*auth.Authenticator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*auth.Authenticator
	for _, a := range s.authenticators {
		if a.UserID == userID {
			out = append(out, copyAuthenticator(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetAuthenticator retrieves a credential by id
func (s *Store) GetAuthenticator(ctx context.Context, credentialID []byte) (*auth.Authenticator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.authenticators[credKey(credentialID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyAuthenticator(a), nil
}

// AddAuthenticator stores a new credential; ids are globally unique
func (s *Store) AddAuthenticator(ctx context.Context, a *auth.Authenticator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := credKey(a.CredentialID)
	if _, exists := s.authenticators[key]; exists {
		return storage.ErrConflict
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.authenticators[key] = copyAuthenticator(a)
	return nil
}

// UpdateSignCount stores newCount only when it exceeds the stored counter
func (s *Store) UpdateSignCount(ctx context.Context, credentialID []byte, newCount uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.authenticators[credKey(credentialID)]
	if !ok || a.SignCount >= newCount {
		return storage.ErrCounterRegression
	}
	now := time.Now().UTC()
	a.SignCount = newCount
	a.LastUsedAt = &now
	return nil
}

// HasAuthenticator reports whether the user registered any passkey
func (s *Store) HasAuthenticator(ctx context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.authenticators {
		if a.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func copySession(sess *auth.Session) *auth.Session {
	c := *sess
	return &c
}

// CreateSession stores a session
func (s *Store) CreateSession(ctx context.Context, sess *auth.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if _, exists := s.sessions[sess.ID]; exists {
		return storage.ErrConflict
	}
	s.sessions[sess.ID] = copySession(sess)
	return nil
}

// GetSession retrieves a session by id
func (s *Store) GetSession(ctx context.Context, id string) (*auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copySession(sess), nil
}

// TouchSession bumps last access and slides the expiry
func (s *Store) TouchSession(ctx context.Context, id string, accessedAt, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	sess.LastAccessedAt = accessedAt
	sess.ExpiresAt = expiresAt
	return nil
}

// SetSessionOrganization rescopes a session
func (s *Store) SetSessionOrganization(ctx context.Context, id string, organizationID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if organizationID == nil {
		sess.OrganizationID = nil
		return nil
	}
	org := *organizationID
	sess.OrganizationID = &org
	return nil
}

// DeleteSession removes a session; deleting a missing session is not an error
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// DeleteExpiredSessions removes sessions expired at now
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// CreateOrganization creates org with ownerID as owner
func (s *Store) CreateOrganization(ctx context.Context, org *auth.Organization, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.user(ownerID); err != nil {
		return err
	}
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	c := *org
	s.orgs[org.ID] = &c
	s.memberships[ownerID] = append(s.memberships[ownerID], &auth.Membership{
		UserID:         ownerID,
		OrganizationID: org.ID,
		Role:           auth.RoleOwner,
		CreatedAt:      org.CreatedAt,
	})
	return nil
}

// ListMemberships returns the user's memberships, oldest first
func (s *Store) ListMemberships(ctx context.Context, userID string) ([]*auth.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*auth.Membership, 0, len(s.memberships[userID]))
	for _, m := range s.memberships[userID] {
		c := *m
		out = append(out, &c)
	}
	return out, nil
}

// ListOrganizationsForUser returns organizations the user belongs to
func (s *Store) ListOrganizationsForUser(ctx context.Context, userID string) ([]*auth.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*auth.Organization
	for _, m := range s.memberships[userID] {
		if org, ok := s.orgs[m.OrganizationID]; ok {
			c := *org
			out = append(out, &c)
		}
	}
	return out, nil
}

// ListOrganizations returns a page of organizations ordered by name
func (s *Store) ListOrganizations(ctx context.Context, limit, offset int) ([]*auth.Organization, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*auth.Organization, 0, len(s.orgs))
	for _, org := range s.orgs {
		c := *org
		all = append(all, &c)
	}
	sort.Slice(all, func(i, j int) bool { return strings.ToLower(all[i].Name) < strings.ToLower(all[j].Name) })
	return page(all, limit, offset), int64(len(all)), nil
}

// HealthCheck always succeeds
func (s *Store) HealthCheck(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}

func page[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end]
}
