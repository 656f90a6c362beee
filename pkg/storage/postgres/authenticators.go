package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/authgate/pkg/auth"
	"github.com/platinummonkey/authgate/pkg/storage"
)

const authenticatorColumns = `credential_id, user_id, public_key, attestation_type, aaguid,
	sign_count, flags, transports, created_at, last_used_at`

func scanAuthenticator(row rowScanner) (*auth.Authenticator, error) {
	var (
		a         auth.Authenticator
		signCount int64
		flags     int16
		lastUsed  sql.NullTime
	)
	if err := row.Scan(&a.CredentialID, &a.UserID, &a.PublicKey, &a.AttestationType, &a.AAGUID,
		&signCount, &flags, pq.Array(&a.Transports), &a.CreatedAt, &lastUsed); err != nil {
		return nil, err
	}
	a.SignCount = uint32(signCount)
	a.Flags = uint8(flags)
	a.LastUsedAt = nullTime(lastUsed)
	return &a, nil
}

// ListAuthenticators returns the user's registered credentials
func (s *Store) ListAuthenticators(ctx context.Context, userID string) ([]*auth.Authenticator, error) {
	query := `SELECT ` + authenticatorColumns + ` FROM authenticators WHERE user_id = $1 ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list authenticators: %w", err)
	}
	defer rows.Close()

	var result []*auth.Authenticator
	for rows.Next() {
		a, err := scanAuthenticator(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan authenticator: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// GetAuthenticator reads the latest stored state of a credential
func (s *Store) GetAuthenticator(ctx context.Context, credentialID []byte) (*auth.Authenticator, error) {
	query := `SELECT ` + authenticatorColumns + ` FROM authenticators WHERE credential_id = $1`

	a, err := scanAuthenticator(s.db.QueryRowContext(ctx, query, credentialID))
	if err != nil {
		return nil, mapError(err)
	}
	return a, nil
}

// AddAuthenticator appends a credential to its user
func (s *Store) AddAuthenticator(ctx context.Context, a *auth.Authenticator) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Transports == nil {
		a.Transports = []string{}
	}

	query := `
		INSERT INTO authenticators (credential_id, user_id, public_key, attestation_type, aaguid,
			sign_count, flags, transports, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, query,
		a.CredentialID, a.UserID, a.PublicKey, a.AttestationType, a.AAGUID,
		int64(a.SignCount), int16(a.Flags), pq.Array(a.Transports), a.CreatedAt,
	)
	return mapError(err)
}

// UpdateSignCount stores newCount only if it strictly exceeds the stored
// counter. The comparison happens in the UPDATE itself so two concurrent
// assertions carrying the same counter cannot both succeed.
func (s *Store) UpdateSignCount(ctx context.Context, credentialID []byte, newCount uint32) error {
	query := `
		UPDATE authenticators SET sign_count = $2, last_used_at = NOW()
		WHERE credential_id = $1 AND sign_count < $2
	`
	result, err := s.db.ExecContext(ctx, query, credentialID, int64(newCount))
	if err != nil {
		return mapError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrCounterRegression
	}
	return nil
}

// HasAuthenticator reports whether the user registered any passkey
func (s *Store) HasAuthenticator(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM authenticators WHERE user_id = $1)`, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check authenticators: %w", err)
	}
	return exists, nil
}
