package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "authgate"

// Login outcomes used as the outcome label of LoginsTotal.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds the Prometheus collectors for the auth service. It satisfies
// the Recorder interfaces of the otp, session and passkey packages.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	LoginsTotal *prometheus.CounterVec

	OTPSendsTotal         *prometheus.CounterVec
	OTPVerificationsTotal *prometheus.CounterVec

	PasskeyCeremoniesTotal    *prometheus.CounterVec
	PasskeyCloneWarningsTotal prometheus.Counter

	SessionsCreatedTotal    prometheus.Counter
	SessionValidationsTotal *prometheus.CounterVec
	SessionsRevokedTotal    prometheus.Counter
	SessionsSweptTotal      prometheus.Counter

	AuditEventsPurgedTotal prometheus.Counter
}

// NewMetrics creates the collectors and registers them with registerer.
// Registering twice on the same registry panics.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "logins_total",
				Help:      "Completed login attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		OTPSendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "otp_sends_total",
				Help:      "One-time codes sent by purpose",
			},
			[]string{"purpose"},
		),
		OTPVerificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "otp_verifications_total",
				Help:      "One-time code verification attempts by outcome",
			},
			[]string{"outcome"},
		),
		PasskeyCeremoniesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passkey_ceremonies_total",
				Help:      "Completed WebAuthn ceremonies by type and outcome",
			},
			[]string{"ceremony", "outcome"},
		),
		PasskeyCloneWarningsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passkey_clone_warnings_total",
				Help:      "Assertions rejected for a non-increasing signature counter",
			},
		),
		SessionsCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_created_total",
				Help:      "Sessions created",
			},
		),
		SessionValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_validations_total",
				Help:      "Access token and session validations by outcome",
			},
			[]string{"outcome"},
		),
		SessionsRevokedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_revoked_total",
				Help:      "Sessions deleted by logout",
			},
		),
		SessionsSweptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_swept_total",
				Help:      "Expired sessions removed by the sweeper",
			},
		),
		AuditEventsPurgedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_events_purged_total",
				Help:      "Audit events removed by retention cleanup",
			},
		),
	}

	registerer.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginsTotal,
		m.OTPSendsTotal,
		m.OTPVerificationsTotal,
		m.PasskeyCeremoniesTotal,
		m.PasskeyCloneWarningsTotal,
		m.SessionsCreatedTotal,
		m.SessionValidationsTotal,
		m.SessionsRevokedTotal,
		m.SessionsSweptTotal,
		m.AuditEventsPurgedTotal,
	)
	return m
}

// LoginRecorded counts a completed login for provider.
func (m *Metrics) LoginRecorded(provider string, success bool) {
	outcome := OutcomeSuccess
	if !success {
		outcome = OutcomeFailure
	}
	m.LoginsTotal.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) OTPSent(purpose string) {
	m.OTPSendsTotal.WithLabelValues(purpose).Inc()
}

func (m *Metrics) OTPVerified(outcome string) {
	m.OTPVerificationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PasskeyCeremony(ceremony, outcome string) {
	m.PasskeyCeremoniesTotal.WithLabelValues(ceremony, outcome).Inc()
}

func (m *Metrics) PasskeyCloneWarning() {
	m.PasskeyCloneWarningsTotal.Inc()
}

func (m *Metrics) SessionCreated() {
	m.SessionsCreatedTotal.Inc()
}

func (m *Metrics) SessionValidated(outcome string) {
	m.SessionValidationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SessionRevoked() {
	m.SessionsRevokedTotal.Inc()
}

func (m *Metrics) SessionsSwept(n int64) {
	m.SessionsSweptTotal.Add(float64(n))
}

func (m *Metrics) AuditEventsPurged(n int64) {
	m.AuditEventsPurgedTotal.Add(float64(n))
}

// responseWriter captures the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routeLabel returns the mux route template so path parameters such as magic
// link tokens never become label values.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware records request counts and latency. Use it as
// router middleware so the matched route is available.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint serves the registry at /metrics.
func RegisterMetricsEndpoint(mux *http.ServeMux, gatherer prometheus.Gatherer) {
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
