package audit

import (
	"context"
	"fmt"
	"time"
)

// Store provides methods for querying and managing audit logs
type Store interface {
	// Search searches audit logs based on filters
	Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error)

	// Get retrieves a specific audit event by ID
	Get(ctx context.Context, id int64) (*AuditEvent, error)

	// Cleanup removes audit logs older than the retention period
	Cleanup(ctx context.Context, policy RetentionPolicy) (int64, error)
}

// DBStore implements Store interface using PostgreSQL
type DBStore struct {
	logger *DBLogger
	now    func() time.Time
}

// NewDBStore creates a new database-backed audit store
func NewDBStore(logger *DBLogger) *DBStore {
	return &DBStore{
		logger: logger,
		now:    time.Now,
	}
}

// Search searches audit logs based on filters
func (s *DBStore) Search(ctx context.Context, filter SearchFilter) ([]*AuditEvent, error) {
	return s.logger.Search(ctx, filter)
}

// Get retrieves a specific audit event by ID
func (s *DBStore) Get(ctx context.Context, id int64) (*AuditEvent, error) {
	return s.logger.Get(ctx, id)
}

// Cleanup removes audit logs older than the retention period. With an
// archiver configured the expired rows are uploaded first and only the
// uploaded rows are deleted; a failed upload deletes nothing.
func (s *DBStore) Cleanup(ctx context.Context, policy RetentionPolicy) (int64, error) {
	days := policy.RetentionDays
	if days <= 0 {
		days = DefaultRetentionDays
	}
	cutoff := s.now().UTC().AddDate(0, 0, -days)

	if policy.Archive == nil {
		return s.deleteBefore(ctx, "DELETE FROM audit_logs WHERE timestamp < $1", cutoff)
	}

	rows, err := s.logger.db.QueryContext(ctx, selectColumns+" WHERE timestamp < $1 ORDER BY id", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to read expired audit logs: %w", err)
	}
	events, err := scanEvents(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	body, err := exportArchive(events)
	if err != nil {
		return 0, err
	}
	if err := policy.Archive.Archive(ctx, archiveKey(cutoff), body); err != nil {
		return 0, err
	}

	maxID := events[len(events)-1].ID
	return s.deleteBefore(ctx, "DELETE FROM audit_logs WHERE timestamp < $1 AND id <= $2", cutoff, maxID)
}

func (s *DBStore) deleteBefore(ctx context.Context, query string, args ...interface{}) (int64, error) {
	result, err := s.logger.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit logs: %w", err)
	}
	return result.RowsAffected()
}
