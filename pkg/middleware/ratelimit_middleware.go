package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// RateLimitMiddleware answers 429 once a key exceeds its limit
type RateLimitMiddleware struct {
	limiter    Limiter
	name       string
	keyFunc    KeyFunc
	failClosed bool
	metrics    *observability.Metrics
	logger     *observability.Logger
}

// RateLimitOption configures a RateLimitMiddleware
type RateLimitOption func(*RateLimitMiddleware)

// WithKeyFunc overrides DefaultKey
func WithKeyFunc(fn KeyFunc) RateLimitOption {
	return func(m *RateLimitMiddleware) {
		m.keyFunc = fn
	}
}

// WithFailClosed answers 503 when the limiter errors instead of letting the
// request through
func WithFailClosed(failClosed bool) RateLimitOption {
	return func(m *RateLimitMiddleware) {
		m.failClosed = failClosed
	}
}

func WithRateLimitMetrics(metrics *observability.Metrics) RateLimitOption {
	return func(m *RateLimitMiddleware) {
		m.metrics = metrics
	}
}

func WithRateLimitLogger(logger *observability.Logger) RateLimitOption {
	return func(m *RateLimitMiddleware) {
		m.logger = logger
	}
}

// NewRateLimitMiddleware creates a middleware over limiter. name labels metrics.
func NewRateLimitMiddleware(limiter Limiter, name string, opts ...RateLimitOption) *RateLimitMiddleware {
	m := &RateLimitMiddleware{
		limiter: limiter,
		name:    name,
		keyFunc: DefaultKey,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := m.keyFunc(r)

		res, err := m.limiter.Allow(r.Context(), key)
		if err != nil {
			m.metrics.RecordRateLimitError(m.name)
			m.logger.WithError(err).WithField("limiter", m.name).Warn("rate limiter unavailable")
			if m.failClosed {
				httputil.WriteServiceUnavailable(w, "rate limiter unavailable")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		setRateLimitHeaders(w, res)
		if !res.Allowed {
			m.metrics.RecordRateLimited(m.name)
			retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httputil.WriteTooManyRequests(w, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func setRateLimitHeaders(w http.ResponseWriter, res RateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if !res.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	}
}
