package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/authgate/pkg/auth"
)

// CreateSession persists a session record
func (s *Store) CreateSession(ctx context.Context, session *auth.Session) error {
	query := `
		INSERT INTO sessions (id, user_id, organization_id, created_at, last_accessed_at, expires_at, user_agent, ip)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.UserID, session.OrganizationID, session.CreatedAt,
		session.LastAccessedAt, session.ExpiresAt, session.UserAgent, session.IP,
	)
	return mapError(err)
}

// GetSession always reads from the primary so revocation is visible at once
func (s *Store) GetSession(ctx context.Context, id string) (*auth.Session, error) {
	query := `
		SELECT id, user_id, organization_id, created_at, last_accessed_at, expires_at, user_agent, ip
		FROM sessions WHERE id = $1
	`
	var (
		session auth.Session
		orgID   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID, &session.UserID, &orgID, &session.CreatedAt,
		&session.LastAccessedAt, &session.ExpiresAt, &session.UserAgent, &session.IP,
	)
	if err != nil {
		return nil, mapError(err)
	}
	session.OrganizationID = nullString(orgID)
	return &session, nil
}

// TouchSession bumps last access and slides the expiry forward
func (s *Store) TouchSession(ctx context.Context, id string, accessedAt, expiresAt time.Time) error {
	return s.execOne(ctx,
		`UPDATE sessions SET last_accessed_at = $2, expires_at = $3 WHERE id = $1`,
		id, accessedAt, expiresAt,
	)
}

// SetSessionOrganization rescopes a session; a nil organizationID clears it
func (s *Store) SetSessionOrganization(ctx context.Context, id string, organizationID *string) error {
	return s.execOne(ctx,
		`UPDATE sessions SET organization_id = $2 WHERE id = $1`,
		id, organizationID,
	)
}

// DeleteSession removes a session. Deleting a missing session is not an error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return mapError(err)
}

// DeleteExpiredSessions removes sessions expired at now
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return result.RowsAffected()
}
