package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersOnRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.RecordTokenIssued("access")
	m.RecordRotation("success")
	m.RecordDecision("update", true, "ownership", time.Millisecond)

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.TokensIssuedTotal.WithLabelValues("access")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PermissionDecisionsTotal.WithLabelValues("update", "allow", "ownership")))
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTokenIssued("access")
		m.RecordTokenVerification("access", "ok")
		m.RecordRotation("already_used")
		m.RecordRevocations("logout", 3)
		m.RecordReplay()
		m.RecordDecision("read", false, "default", 0)
		m.RecordCacheHit()
		m.RecordCacheMiss()
		m.RecordCacheFetchError()
		m.RecordCacheInvalidation("user")
		m.RecordRateLimited("memory")
		m.RecordRateLimitError("redis")
		m.RecordAuditDropped()
		m.RecordAuditError("db")
	})
}

func TestMetrics_RecordRevocationsIgnoresZero(t *testing.T) {
	m := NewMetrics(nil)
	m.RecordRevocations("logout", 0)
	m.RecordRevocations("logout", 2)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.TokensRevokedTotal.WithLabelValues("logout")))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics(nil)
	m.RecordReplay()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "tollgate_token_replay_detected_total 1"))
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetrics(nil)
	handler := HTTPMetricsMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/whoami", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/whoami", "418")))
}
