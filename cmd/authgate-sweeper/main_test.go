package main

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/authgate/pkg/audit"
	"github.com/platinummonkey/authgate/pkg/observability"
	"github.com/platinummonkey/authgate/pkg/session"
	"github.com/platinummonkey/authgate/pkg/storage/postgres"
)

func newTestSweeper(t *testing.T) (*sweeper, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)
	logger := observability.NewLogger(observability.ErrorLevel, &bytes.Buffer{})
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	signer, err := session.NewSigner([]byte("0123456789abcdef0123456789abcdef"), time.Minute, "test")
	require.NoError(t, err)
	dbLogger, err := audit.NewDBLogger(db)
	require.NoError(t, err)

	return &sweeper{
		log:       log,
		sessions:  session.NewManager(postgres.NewStoreWithDB(db), signer, session.Config{}, logger, session.WithRecorder(metrics)),
		audit:     audit.NewDBStore(dbLogger),
		retention: audit.RetentionPolicy{RetentionDays: 30},
		metrics:   metrics,
		timeout:   time.Second,
	}, mock
}

func TestSweepSessions(t *testing.T) {
	s, mock := newTestSweeper(t)
	mock.ExpectExec("DELETE FROM sessions WHERE expires_at").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 4))

	require.NoError(t, s.sweepSessions())
	assert.Equal(t, float64(4), testutil.ToFloat64(s.metrics.SessionsSweptTotal))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepSessions_Error(t *testing.T) {
	s, mock := newTestSweeper(t)
	mock.ExpectExec("DELETE FROM sessions").WillReturnError(errors.New("connection reset"))

	assert.Error(t, s.sweepSessions())
	assert.Equal(t, float64(0), testutil.ToFloat64(s.metrics.SessionsSweptTotal))
}

func TestPurgeAudit(t *testing.T) {
	s, mock := newTestSweeper(t)
	mock.ExpectExec("DELETE FROM audit_logs WHERE timestamp").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 12))

	require.NoError(t, s.purgeAudit())
	assert.Equal(t, float64(12), testutil.ToFloat64(s.metrics.AuditEventsPurgedTotal))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "@hourly", firstNonEmpty("", "@hourly", "@daily"))
	assert.Equal(t, "", firstNonEmpty("", ""))
}
