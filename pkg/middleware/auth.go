package middleware

import (
	"net/http"

	"github.com/platinummonkey/tollgate/pkg/auth"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// AuthMiddleware binds the principal of a valid access token to the request context
type AuthMiddleware struct {
	gate     *auth.Gate
	optional bool // If true, allow requests without an Authorization header
	metrics  *observability.Metrics
	logger   *observability.Logger
}

// AuthOption configures an AuthMiddleware
type AuthOption func(*AuthMiddleware)

// Optional lets requests without an Authorization header through unauthenticated.
// A present but invalid header is still rejected.
func Optional() AuthOption {
	return func(m *AuthMiddleware) {
		m.optional = true
	}
}

func WithAuthMetrics(metrics *observability.Metrics) AuthOption {
	return func(m *AuthMiddleware) {
		m.metrics = metrics
	}
}

func WithAuthLogger(logger *observability.Logger) AuthOption {
	return func(m *AuthMiddleware) {
		m.logger = logger
	}
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(gate *auth.Gate, opts ...AuthOption) *AuthMiddleware {
	m := &AuthMiddleware{gate: gate, logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handler wraps an HTTP handler with authentication. Every rejection answers
// 401 with the same body.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" && m.optional {
			next.ServeHTTP(w, r)
			return
		}

		result := m.gate.AuthenticateHeader(header)
		if !result.Bound() {
			m.metrics.RecordTokenVerification("access", string(result.Reason))
			observability.LoggerWithTrace(r.Context(), m.logger).
				WithField("reason", string(result.Reason)).
				Debug("rejected access token")
			httputil.WriteUnauthorized(w, auth.GenericAuthMessage)
			return
		}
		m.metrics.RecordTokenVerification("access", "valid")

		ctx := auth.WithPrincipal(r.Context(), result.Principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
