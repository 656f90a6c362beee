package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/authgate/pkg/audit"
	"github.com/platinummonkey/authgate/pkg/config"
	"github.com/platinummonkey/authgate/pkg/observability"
	"github.com/platinummonkey/authgate/pkg/session"
	"github.com/platinummonkey/authgate/pkg/storage/postgres"
)

var (
	sessionSchedule = flag.String("session-schedule", "", "Cron schedule for expired session cleanup (overrides SWEEP_SESSIONS_SCHEDULE)")
	auditSchedule   = flag.String("audit-schedule", "", "Cron schedule for audit retention (overrides SWEEP_AUDIT_SCHEDULE)")
	jobTimeout      = flag.Duration("job-timeout", 10*time.Minute, "Maximum duration of a single job run")
	runOnce         = flag.Bool("run-once", false, "Run every job once and exit")
	logLevel        = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

// sweeper holds the periodic maintenance jobs
type sweeper struct {
	log       *logrus.Logger
	sessions  *session.Manager
	audit     *audit.DBStore
	retention audit.RetentionPolicy
	metrics   *observability.Metrics
	timeout   time.Duration
}

func main() {
	flag.Parse()
	log := setupLogger(*logLevel)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stderr)

	store, err := postgres.NewStore(cfg.Storage, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	signer, err := session.NewSigner([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL, "authgate")
	if err != nil {
		log.Fatalf("Invalid session signer: %v", err)
	}
	dbLogger, err := audit.NewDBLogger(store.DB())
	if err != nil {
		log.Fatalf("Failed to open audit store: %v", err)
	}

	retention := audit.RetentionPolicy{RetentionDays: cfg.Audit.RetentionDays}
	if cfg.Audit.ArchiveBucket != "" {
		awsCfg, err := cfg.AWS.Load(context.Background())
		if err != nil {
			log.Fatalf("Failed to load AWS config: %v", err)
		}
		retention.Archive = audit.NewS3ArchiverFromConfig(awsCfg, cfg.Audit.ArchiveBucket, cfg.Audit.ArchivePrefix, cfg.AWS.S3Endpoint)
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	s := &sweeper{
		log:       log,
		sessions:  session.NewManager(store, signer, session.Config{SessionTTL: cfg.Auth.SessionTTL}, logger, session.WithRecorder(metrics)),
		audit:     audit.NewDBStore(dbLogger),
		retention: retention,
		metrics:   metrics,
		timeout:   *jobTimeout,
	}

	if *runOnce {
		failed := false
		for _, job := range []func() error{s.sweepSessions, s.purgeAudit} {
			if err := job(); err != nil {
				failed = true
			}
		}
		if failed {
			os.Exit(1)
		}
		log.Info("All jobs completed successfully")
		return
	}

	schedules := map[string]string{
		"sessions": firstNonEmpty(*sessionSchedule, cfg.Sweeper.SessionSchedule),
		"audit":    firstNonEmpty(*auditSchedule, cfg.Sweeper.AuditSchedule),
	}
	jobs := map[string]func() error{
		"sessions": s.sweepSessions,
		"audit":    s.purgeAudit,
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	for name, spec := range schedules {
		job := jobs[name]
		if _, err := c.AddFunc(spec, func() { _ = job() }); err != nil {
			log.Fatalf("Failed to schedule %s job (%q): %v", name, spec, err)
		}
		log.WithFields(logrus.Fields{"job": name, "schedule": spec}).Info("Scheduled job")
	}
	c.Start()

	mux := http.NewServeMux()
	observability.RegisterMetricsEndpoint(mux, prometheus.DefaultGatherer)
	metricsServer := &http.Server{Addr: net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort), Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Metrics server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down sweeper...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	<-c.Stop().Done()
	log.Info("Sweeper stopped")
}

func (s *sweeper) sweepSessions() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	n, err := s.sessions.Sweep(ctx)
	if err != nil {
		s.log.WithError(err).Error("Session sweep failed")
		return err
	}
	s.log.WithFields(logrus.Fields{"deleted": n, "duration": time.Since(start)}).Info("Session sweep completed")
	return nil
}

func (s *sweeper) purgeAudit() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	n, err := s.audit.Cleanup(ctx, s.retention)
	if err != nil {
		s.log.WithError(err).Error("Audit retention failed")
		return err
	}
	s.metrics.AuditEventsPurged(n)
	s.log.WithFields(logrus.Fields{
		"deleted":        n,
		"retention_days": s.retention.RetentionDays,
		"archived":       s.retention.Archive != nil,
		"duration":       time.Since(start),
	}).Info("Audit retention completed")
	return nil
}

func setupLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	return logger
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
