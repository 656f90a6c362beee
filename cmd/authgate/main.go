package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/authgate/pkg/api"
	"github.com/platinummonkey/authgate/pkg/audit"
	"github.com/platinummonkey/authgate/pkg/config"
	"github.com/platinummonkey/authgate/pkg/email"
	"github.com/platinummonkey/authgate/pkg/identity"
	"github.com/platinummonkey/authgate/pkg/middleware"
	"github.com/platinummonkey/authgate/pkg/observability"
	"github.com/platinummonkey/authgate/pkg/otp"
	"github.com/platinummonkey/authgate/pkg/passkey"
	"github.com/platinummonkey/authgate/pkg/session"
	"github.com/platinummonkey/authgate/pkg/sso"
	"github.com/platinummonkey/authgate/pkg/state"
	"github.com/platinummonkey/authgate/pkg/storage/postgres"
	"github.com/platinummonkey/authgate/pkg/storage/redisstore"
	"github.com/platinummonkey/authgate/pkg/sysadmin"
)

var version = "dev"

const tokenIssuer = "authgate"

func main() {
	migrate := flag.Bool("migrate", true, "Apply database migrations on startup")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	observability.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *migrate); err != nil {
		logger.WithError(err).Error("authgate exited")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger, migrate bool) error {
	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})

	store, err := postgres.NewStore(cfg.Storage, logger)
	if err != nil {
		return err
	}
	shutdown.Register("postgres", func(context.Context) error { return store.Close() })
	if migrate {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
	}

	redisClient, err := redisstore.NewClient(cfg.Storage)
	if err != nil {
		return err
	}
	shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(store.DB(), "authgate"),
	)
	metrics := observability.NewMetrics(registry)

	auditLogger, err := newAuditLogger(cfg, store, logger)
	if err != nil {
		return err
	}
	shutdown.Register("audit", func(context.Context) error { return auditLogger.Close() })

	states := newStateManager(cfg, redisClient)

	providers, samlProvider, tenants, err := newProviders(cfg, states, logger)
	if err != nil {
		return err
	}

	sender, err := newSender(ctx, cfg, logger)
	if err != nil {
		return err
	}

	engine, err := otp.NewEngine(
		redisstore.NewOTPStore(redisClient, "authgate:otp"),
		store,
		sender,
		otp.Config{
			Salt:        []byte(cfg.Auth.OTPSalt),
			BaseURL:     cfg.Auth.BaseURL,
			TTL:         cfg.Auth.OTPTTL,
			MaxAttempts: cfg.Auth.OTPMaxAttempts,
		},
		logger,
		otp.WithLimiter(middleware.NewDistributedRateLimiter(redisClient, &middleware.RateLimitConfig{
			RequestsPerWindow: cfg.Auth.OTPSendLimit,
			WindowDuration:    cfg.Auth.OTPSendWindow,
		}, "otp")),
		otp.WithRecorder(metrics),
	)
	if err != nil {
		return err
	}

	passkeys, err := passkey.NewManager(store, passkey.Config{
		RPID:          cfg.WebAuthn.RPID,
		RPDisplayName: cfg.WebAuthn.RPDisplayName,
		RPOrigins:     cfg.WebAuthn.RPOrigins,
	}, logger, passkey.WithRecorder(metrics))
	if err != nil {
		return err
	}

	signer, err := session.NewSigner([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL, tokenIssuer)
	if err != nil {
		return err
	}
	sessions := session.NewManager(store, signer, session.Config{
		SessionTTL:    cfg.Auth.SessionTTL,
		SecureCookies: cfg.Auth.Production,
	}, logger, session.WithRecorder(metrics))

	gate := sysadmin.NewGate(cfg.Auth.SysadminEmails, store, logger,
		sysadmin.WithWindow(cfg.Auth.SysadminWindow),
		sysadmin.WithAuditLogger(auditLogger),
	)

	server := api.NewServer(api.Deps{
		Store:          store,
		Providers:      providers,
		SAML:           samlProvider,
		OTP:            engine,
		Passkeys:       passkeys,
		Resolver:       identity.NewResolver(store, logger),
		Sessions:       sessions,
		Gate:           gate,
		Audit:          auditLogger,
		Logger:         logger,
		Metrics:        metrics,
		AuthLimiter:    middleware.NewDistributedRateLimiter(redisClient, middleware.DefaultRateLimitConfig(), "auth"),
		InternalAPIKey: cfg.Auth.InternalAPIKey,
	})

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(server, "authgate"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux(cfg, store, redisClient, registry),
	}
	shutdown.AddServer(apiServer)
	shutdown.AddServer(healthServer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(apiServer, logger) })
	g.Go(func() error { return serve(healthServer, logger) })
	if cfg.SAML.Watch && tenants != nil {
		g.Go(func() error {
			defer observability.RecoverPanic(logger, "saml tenant watcher")
			return tenants.Watch(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return shutdown.Shutdown(context.Background())
	})

	logger.WithFields(map[string]interface{}{
		"addr":      apiServer.Addr,
		"health":    healthServer.Addr,
		"providers": providers.Names(),
		"version":   version,
	}).Info("authgate listening")

	return g.Wait()
}

func serve(srv *http.Server, logger *observability.Logger) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).WithField("addr", srv.Addr).Error("server failed")
		return err
	}
	return nil
}

func healthMux(cfg *config.Config, store *postgres.Store, redisClient redis.UniversalClient, registry *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	observability.RegisterHealthRoutes(mux, observability.NewHealthChecker(store.DB(), redisClient, version))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(mux, registry)
	}
	return mux
}

func newStateManager(cfg *config.Config, redisClient redis.UniversalClient) *state.Manager {
	var backend state.Store
	if cfg.Storage.StateBackend == "memory" {
		backend = state.NewMemoryStore(cfg.Storage.MemoryStateSize, cfg.Auth.StateTTL)
	} else {
		backend = redisstore.NewStateStore(redisClient, "authgate:state")
	}
	return state.NewManager(backend,
		state.WithTTL(cfg.Auth.StateTTL),
		state.WithSecureCookies(cfg.Auth.Production),
	)
}

// newProviders builds every configured OAuth2 provider plus the SAML
// provider. SAML is always registered; domains without a tenant are rejected
// at Begin.
func newProviders(cfg *config.Config, states *state.Manager, logger *observability.Logger) (*sso.Registry, *sso.SAMLProvider, *sso.TenantRegistry, error) {
	pc := cfg.Providers
	redirect := func(name string) string { return cfg.Auth.BaseURL + "/auth/" + name }
	timeout := sso.WithExchangeTimeout(pc.ExchangeTimeout)

	registry := sso.NewRegistry()
	if pc.Google.Enabled() {
		p, err := sso.NewOAuth2Provider(sso.GooglePreset(sso.Credentials{
			ClientID:     pc.Google.ClientID,
			ClientSecret: pc.Google.ClientSecret,
			RedirectURL:  redirect(sso.ProviderGoogle),
		}), states, logger, timeout)
		if err != nil {
			return nil, nil, nil, err
		}
		registry.Register(p)
	}
	if pc.Microsoft.Enabled() {
		p, err := sso.NewOAuth2Provider(sso.MicrosoftPreset(sso.Credentials{
			ClientID:     pc.Microsoft.ClientID,
			ClientSecret: pc.Microsoft.ClientSecret,
			RedirectURL:  redirect(sso.ProviderMicrosoft),
		}, pc.MicrosoftResource), states, logger, timeout)
		if err != nil {
			return nil, nil, nil, err
		}
		registry.Register(p)
	}
	if pc.Apple.Enabled() {
		key, err := pc.Apple.Key()
		if err != nil {
			return nil, nil, nil, err
		}
		secret, err := sso.NewAppleSecret(pc.Apple.TeamID, pc.Apple.KeyID, pc.Apple.ClientID, string(key))
		if err != nil {
			return nil, nil, nil, err
		}
		p, err := sso.NewAppleProvider(sso.Credentials{
			ClientID:    pc.Apple.ClientID,
			RedirectURL: redirect(sso.ProviderApple),
		}, secret, states, logger, timeout)
		if err != nil {
			return nil, nil, nil, err
		}
		registry.Register(p)
	}

	tenants, err := sso.LoadTenants(cfg.SAML.TenantsFile, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	samlProvider := sso.NewSAMLProvider(tenants, states, cfg.Auth.BaseURL, logger)
	registry.Register(samlProvider)

	return registry, samlProvider, tenants, nil
}

func newSender(ctx context.Context, cfg *config.Config, logger *observability.Logger) (email.Sender, error) {
	if cfg.Email.Driver != "ses" {
		return email.NewLogSender(logger), nil
	}
	awsCfg, err := cfg.AWS.Load(ctx)
	if err != nil {
		return nil, err
	}
	return email.NewSESSender(ses.NewFromConfig(awsCfg), cfg.Email.From, nil), nil
}

// newAuditLogger always writes structured log lines and adds the database
// sink when the db driver is selected.
func newAuditLogger(cfg *config.Config, store *postgres.Store, logger *observability.Logger) (audit.Logger, error) {
	sinks := []audit.Logger{audit.NewLogLogger(logger)}
	if cfg.Audit.Driver == "db" {
		dbLogger, err := audit.NewDBLogger(store.DB())
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, dbLogger)
	}
	return audit.NewMultiLogger(sinks...), nil
}
