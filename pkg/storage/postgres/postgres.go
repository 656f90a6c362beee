package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/authgate/pkg/observability"
	"github.com/platinummonkey/authgate/pkg/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

// uniqueViolation is the PostgreSQL error code for unique_violation
const uniqueViolation = "23505"

// Store implements storage.Store on PostgreSQL
type Store struct {
	db      *sql.DB
	readDB  *sql.DB
	manager *ConnectionManager
}

var _ storage.Store = (*Store)(nil)

// NewStore connects to PostgreSQL using config
func NewStore(config storage.Config, logger *observability.Logger) (*Store, error) {
	cm, err := NewConnectionManager(ConnectionConfig{
		PrimaryURL:  config.PostgresURL,
		ReplicaURLs: ParseReplicaURLs(config.PostgresReplicaURLs),
		MaxConns:    config.PostgresMaxConns,
		MinConns:    config.PostgresMinConns,
		Timeout:     config.PostgresTimeout,
		MaxLifetime: time.Hour,
		MaxIdleTime: 10 * time.Minute,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return &Store{db: cm.Primary(), readDB: cm.Replica(), manager: cm}, nil
}

// NewStoreWithDB wraps an existing connection. Reads and writes share db.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db, readDB: db}
}

// DB returns the primary connection
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

// HealthCheck pings the database
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.manager != nil {
		return s.manager.HealthCheck(ctx)
	}
	return s.db.PingContext(ctx)
}

// Close closes all connections
func (s *Store) Close() error {
	if s.manager != nil {
		return s.manager.Close()
	}
	return s.db.Close()
}

// mapError translates driver errors into storage sentinels
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", storage.ErrConflict, pqErr.Constraint)
	}
	return err
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
