package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	t.Run("registers collectors", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)
		metrics.LoginRecorded("google", true)
		metrics.OTPSent("login")
		metrics.SessionCreated()

		families, err := registry.Gather()
		require.NoError(t, err)
		names := make(map[string]bool)
		for _, family := range families {
			names[family.GetName()] = true
		}
		for _, name := range []string{
			"authgate_logins_total",
			"authgate_otp_sends_total",
			"authgate_sessions_created_total",
			"authgate_passkey_clone_warnings_total",
			"authgate_audit_events_purged_total",
		} {
			assert.True(t, names[name], "missing %s", name)
		}
	})

	t.Run("panics on duplicate registration", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		NewMetrics(registry)
		assert.Panics(t, func() { NewMetrics(registry) })
	})
}

func TestMetrics_Recorders(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.LoginRecorded("apple", true)
	metrics.LoginRecorded("apple", false)
	metrics.LoginRecorded("apple", false)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LoginsTotal.WithLabelValues("apple", OutcomeSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.LoginsTotal.WithLabelValues("apple", OutcomeFailure)))

	metrics.OTPSent("signup")
	metrics.OTPVerified("expired")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OTPSendsTotal.WithLabelValues("signup")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OTPVerificationsTotal.WithLabelValues("expired")))

	metrics.PasskeyCeremony("registration", "success")
	metrics.PasskeyCloneWarning()
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PasskeyCeremoniesTotal.WithLabelValues("registration", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PasskeyCloneWarningsTotal))

	metrics.SessionCreated()
	metrics.SessionValidated("refreshed")
	metrics.SessionRevoked()
	metrics.SessionsSwept(7)
	metrics.AuditEventsPurged(3)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SessionsCreatedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SessionValidationsTotal.WithLabelValues("refreshed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SessionsRevokedTotal))
	assert.Equal(t, 7.0, testutil.ToFloat64(metrics.SessionsSweptTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.AuditEventsPurgedTotal))
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(metrics))
	router.HandleFunc("/auth/magiclink/{token}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	})
	router.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})

	for _, path := range []string{"/auth/magiclink/secret-one", "/auth/magiclink/secret-two", "/home"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	expected := `
# HELP authgate_http_requests_total Total number of HTTP requests
# TYPE authgate_http_requests_total counter
authgate_http_requests_total{method="GET",route="/auth/magiclink/{token}",status="302"} 2
authgate_http_requests_total{method="GET",route="/home",status="200"} 1
`
	assert.NoError(t, testutil.CollectAndCompare(metrics.HTTPRequestsTotal, strings.NewReader(expected)))
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.HTTPRequestDuration))
}

func TestHTTPMetricsMiddleware_Unmatched(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	handler := HTTPMetricsMiddleware(metrics)(http.NotFoundHandler())

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	metrics.SessionCreated()

	mux := http.NewServeMux()
	RegisterMetricsEndpoint(mux, registry)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "authgate_sessions_created_total 1")
}
