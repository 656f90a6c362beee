package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/authgate/pkg/auth"
	"github.com/platinummonkey/authgate/pkg/storage"
)

const userColumns = `id, email, email_verified, display_name, avatar_url,
	passkey_snoozed_until, last_verified_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*auth.User, error) {
	var (
		u        auth.User
		snoozed  sql.NullTime
		verified sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Email, &u.EmailVerified, &u.DisplayName, &u.AvatarURL,
		&snoozed, &verified, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.PasskeySnoozedUntil = nullTime(snoozed)
	u.LastVerifiedAt = nullTime(verified)
	return &u, nil
}

// GetUserByID retrieves a user by id
func (s *Store) GetUserByID(ctx context.Context, id string) (*auth.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return user, nil
}

// GetUserByEmail retrieves a user by email, case-insensitively
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*auth.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`

	user, err := scanUser(s.db.QueryRowContext(ctx, query, auth.NormalizeEmail(email)))
	if err != nil {
		return nil, mapError(err)
	}
	return user, nil
}

// ListUsers returns a page of users ordered by creation time
func (s *Store) ListUsers(ctx context.Context, limit, offset int) ([]*auth.User, int64, error) {
	var total int64
	if err := s.readDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}

	query := `SELECT ` + userColumns + ` FROM users ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	rows, err := s.readDB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*auth.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, total, rows.Err()
}

// CreateUser inserts a user. ID and timestamps are assigned when empty.
// Returns storage.ErrConflict when the email is taken.
func (s *Store) CreateUser(ctx context.Context, user *auth.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = user.CreatedAt
	user.Email = auth.NormalizeEmail(user.Email)

	query := `
		INSERT INTO users (id, email, email_verified, display_name, avatar_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		user.ID, user.Email, user.EmailVerified, user.DisplayName, user.AvatarURL,
		user.CreatedAt, user.UpdatedAt,
	)
	return mapError(err)
}

// MarkEmailVerified sets email_verified to true
func (s *Store) MarkEmailVerified(ctx context.Context, userID string) error {
	return s.execOne(ctx, `UPDATE users SET email_verified = TRUE, updated_at = NOW() WHERE id = $1`, userID)
}

// SetDisplayName updates the display name
func (s *Store) SetDisplayName(ctx context.Context, userID, displayName string) error {
	return s.execOne(ctx, `UPDATE users SET display_name = $2, updated_at = NOW() WHERE id = $1`, userID, displayName)
}

// SetLastVerifiedAt records a completed OTP verification
func (s *Store) SetLastVerifiedAt(ctx context.Context, userID string, at time.Time) error {
	return s.execOne(ctx, `UPDATE users SET last_verified_at = $2, updated_at = NOW() WHERE id = $1`, userID, at)
}

// SetPasskeySnooze postpones the passkey setup prompt
func (s *Store) SetPasskeySnooze(ctx context.Context, userID string, until time.Time) error {
	return s.execOne(ctx, `UPDATE users SET passkey_snoozed_until = $2, updated_at = NOW() WHERE id = $1`, userID, until)
}

// SetChallenge stores the pending WebAuthn ceremony, replacing any prior one
func (s *Store) SetChallenge(ctx context.Context, userID string, data []byte) error {
	return s.execOne(ctx, `UPDATE users SET current_challenge = $2 WHERE id = $1`, userID, data)
}

// TakeChallenge reads and clears the pending ceremony in one statement.
// The row lock makes concurrent takers serialize; only one sees the value.
func (s *Store) TakeChallenge(ctx context.Context, userID string) ([]byte, error) {
	query := `
		WITH pending AS (
			SELECT id, current_challenge FROM users
			WHERE id = $1 AND current_challenge IS NOT NULL
			FOR UPDATE
		)
		UPDATE users u SET current_challenge = NULL
		FROM pending
		WHERE u.id = pending.id
		RETURNING pending.current_challenge
	`
	var data []byte
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&data); err != nil {
		return nil, mapError(err)
	}
	return data, nil
}

// execOne runs a statement that must affect exactly one row
func (s *Store) execOne(ctx context.Context, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
