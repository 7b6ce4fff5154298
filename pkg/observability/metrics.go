package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Every Record* method is safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Token lifecycle metrics
	TokensIssuedTotal       *prometheus.CounterVec
	TokenVerificationsTotal *prometheus.CounterVec
	RefreshRotationsTotal   *prometheus.CounterVec
	TokensRevokedTotal      *prometheus.CounterVec
	TokenReplayDetected     prometheus.Counter

	// Authorization metrics
	PermissionDecisionsTotal   *prometheus.CounterVec
	PermissionDecisionDuration prometheus.Histogram

	// Membership cache metrics
	MembershipCacheHits          prometheus.Counter
	MembershipCacheMisses        prometheus.Counter
	MembershipCacheFetchErrors   prometheus.Counter
	MembershipCacheInvalidations *prometheus.CounterVec

	// Rate limiting
	RateLimitRejectedTotal *prometheus.CounterVec
	RateLimitErrorsTotal   *prometheus.CounterVec

	// Audit sink
	AuditEventsDropped prometheus.Counter
	AuditWriteErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics. A nil registry gets a private one.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		TokensIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_tokens_issued_total",
				Help: "Total number of tokens issued",
			},
			[]string{"type"},
		),
		TokenVerificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_token_verifications_total",
				Help: "Total number of token verifications by outcome",
			},
			[]string{"type", "result"},
		),
		RefreshRotationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_refresh_rotations_total",
				Help: "Total number of refresh token rotations by outcome",
			},
			[]string{"result"},
		),
		TokensRevokedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_tokens_revoked_total",
				Help: "Total number of refresh tokens revoked",
			},
			[]string{"reason"},
		),
		TokenReplayDetected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_token_replay_detected_total",
				Help: "Refresh tokens presented again after rotation",
			},
		),

		PermissionDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_permission_decisions_total",
				Help: "Total number of permission decisions",
			},
			[]string{"action", "result", "step"},
		),
		PermissionDecisionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tollgate_permission_decision_duration_seconds",
				Help:    "Permission decision latency in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
		),

		MembershipCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_membership_cache_hits_total",
				Help: "Membership cache hits",
			},
		),
		MembershipCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_membership_cache_misses_total",
				Help: "Membership cache misses, including stale entries",
			},
		),
		MembershipCacheFetchErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_membership_cache_fetch_errors_total",
				Help: "Upstream membership fetch failures",
			},
		),
		MembershipCacheInvalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_membership_cache_invalidations_total",
				Help: "Membership cache invalidations",
			},
			[]string{"scope"},
		),

		RateLimitRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_rate_limit_rejected_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"limiter"},
		),
		RateLimitErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_rate_limit_errors_total",
				Help: "Rate limiter backend errors",
			},
			[]string{"limiter"},
		),

		AuditEventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_audit_events_dropped_total",
				Help: "Audit events dropped because the sink buffer was full",
			},
		),
		AuditWriteErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_audit_write_errors_total",
				Help: "Audit sink write failures",
			},
			[]string{"sink"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.TokensIssuedTotal,
		m.TokenVerificationsTotal,
		m.RefreshRotationsTotal,
		m.TokensRevokedTotal,
		m.TokenReplayDetected,
		m.PermissionDecisionsTotal,
		m.PermissionDecisionDuration,
		m.MembershipCacheHits,
		m.MembershipCacheMisses,
		m.MembershipCacheFetchErrors,
		m.MembershipCacheInvalidations,
		m.RateLimitRejectedTotal,
		m.RateLimitErrorsTotal,
		m.AuditEventsDropped,
		m.AuditWriteErrors,
	)

	return m
}

// Registry returns the registry the metrics were registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordTokenIssued(tokenType string) {
	if m == nil {
		return
	}
	m.TokensIssuedTotal.WithLabelValues(tokenType).Inc()
}

func (m *Metrics) RecordTokenVerification(tokenType, result string) {
	if m == nil {
		return
	}
	m.TokenVerificationsTotal.WithLabelValues(tokenType, result).Inc()
}

func (m *Metrics) RecordRotation(result string) {
	if m == nil {
		return
	}
	m.RefreshRotationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordRevocations(reason string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.TokensRevokedTotal.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) RecordReplay() {
	if m == nil {
		return
	}
	m.TokenReplayDetected.Inc()
}

// RecordDecision records one authorization outcome and its latency
func (m *Metrics) RecordDecision(action string, allowed bool, step string, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "deny"
	if allowed {
		result = "allow"
	}
	m.PermissionDecisionsTotal.WithLabelValues(action, result, step).Inc()
	m.PermissionDecisionDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.MembershipCacheHits.Inc()
}

func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.MembershipCacheMisses.Inc()
}

func (m *Metrics) RecordCacheFetchError() {
	if m == nil {
		return
	}
	m.MembershipCacheFetchErrors.Inc()
}

func (m *Metrics) RecordCacheInvalidation(scope string) {
	if m == nil {
		return
	}
	m.MembershipCacheInvalidations.WithLabelValues(scope).Inc()
}

func (m *Metrics) RecordRateLimited(limiter string) {
	if m == nil {
		return
	}
	m.RateLimitRejectedTotal.WithLabelValues(limiter).Inc()
}

func (m *Metrics) RecordRateLimitError(limiter string) {
	if m == nil {
		return
	}
	m.RateLimitErrorsTotal.WithLabelValues(limiter).Inc()
}

func (m *Metrics) RecordAuditDropped() {
	if m == nil {
		return
	}
	m.AuditEventsDropped.Inc()
}

func (m *Metrics) RecordAuditError(sink string) {
	if m == nil {
		return
	}
	m.AuditWriteErrors.WithLabelValues(sink).Inc()
}

// statusRecorder captures the status code written by the wrapped handler
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
		})
	}
}
