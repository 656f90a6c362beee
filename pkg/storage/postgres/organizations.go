package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/authgate/pkg/auth"
)

// CreateOrganization creates org and makes ownerID its owner in one transaction
func (s *Store) CreateOrganization(ctx context.Context, org *auth.Organization, ownerID string) error {
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO organizations (id, name, created_at) VALUES ($1, $2, $3)`,
		org.ID, org.Name, org.CreatedAt,
	); err != nil {
		return mapError(err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memberships (user_id, organization_id, role, created_at) VALUES ($1, $2, $3, $4)`,
		ownerID, org.ID, string(auth.RoleOwner), org.CreatedAt,
	); err != nil {
		return mapError(err)
	}

	return tx.Commit()
}

// ListMemberships returns the user's memberships, oldest first
func (s *Store) ListMemberships(ctx context.Context, userID string) ([]*auth.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, organization_id, role, created_at
		FROM memberships WHERE user_id = $1
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var result []*auth.Membership
	for rows.Next() {
		var (
			m    auth.Membership
			role string
		)
		if err := rows.Scan(&m.UserID, &m.OrganizationID, &role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		m.Role = auth.Role(role)
		result = append(result, &m)
	}
	return result, rows.Err()
}

// ListOrganizationsForUser returns organizations the user belongs to
func (s *Store) ListOrganizationsForUser(ctx context.Context, userID string) ([]*auth.Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.name, o.created_at
		FROM organizations o
		JOIN memberships m ON m.organization_id = o.id
		WHERE m.user_id = $1
		ORDER BY m.created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var result []*auth.Organization
	for rows.Next() {
		var o auth.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		result = append(result, &o)
	}
	return result, rows.Err()
}

// ListOrganizations returns a page of all organizations
func (s *Store) ListOrganizations(ctx context.Context, limit, offset int) ([]*auth.Organization, int64, error) {
	var total int64
	if err := s.readDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM organizations").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count organizations: %w", err)
	}

	rows, err := s.readDB.QueryContext(ctx,
		`SELECT id, name, created_at FROM organizations ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var result []*auth.Organization
	for rows.Next() {
		var o auth.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan organization: %w", err)
		}
		result = append(result, &o)
	}
	return result, total, rows.Err()
}
