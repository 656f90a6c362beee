// Package observability provides structured logging, Prometheus metrics,
// health checks, OpenTelemetry setup and graceful shutdown.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("provider", "google").Info("Login complete")
//
// Request handlers read the request-scoped logger with FromContext.
//
// # Prometheus Metrics
//
// Metrics implements the Recorder interfaces of pkg/otp, pkg/session and
// pkg/passkey, so one instance is passed to each:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	router.Use(observability.HTTPMetricsMiddleware(metrics))
//
// HTTP series are labelled with the mux route template, never the raw path.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(healthMux, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "authgate",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/httputil: Request id and logging middleware
package observability
