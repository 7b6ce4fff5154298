package rbac

import (
	"net/http"

	"github.com/platinummonkey/tollgate/pkg/audit"
	"github.com/platinummonkey/tollgate/pkg/auth"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// ForbiddenMessage is the only denial text clients see
const ForbiddenMessage = "insufficient permissions"

// ResourceFunc extracts the resource a request targets
type ResourceFunc func(r *http.Request) (Resource, error)

type middlewareConfig struct {
	audit  audit.Logger
	logger *observability.Logger
}

// MiddlewareOption configures RequirePermission
type MiddlewareOption func(*middlewareConfig)

// WithDecisionAudit records every decision. Audit failures never change the outcome.
func WithDecisionAudit(l audit.Logger) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.audit = l
	}
}

func WithMiddlewareLogger(l *observability.Logger) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.logger = l
	}
}

// AuditResourceType maps a resource scope to the audit resource type
func AuditResourceType(s Scope) audit.ResourceType {
	switch s {
	case ScopeTeam:
		return audit.ResourceTypeTeam
	case ScopeOrganization:
		return audit.ResourceTypeOrganization
	default:
		return audit.ResourceTypePersonal
	}
}

// RequirePermission allows the request through only if the resolver allows action
// on the resource returned by resourceFn. It answers 401 without a principal and
// 403 on deny.
func RequirePermission(resolver *Resolver, resourceFn ResourceFunc, action Action, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := &middlewareConfig{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				httputil.WriteUnauthorized(w, auth.GenericAuthMessage)
				return
			}

			resource, err := resourceFn(r)
			if err != nil {
				httputil.WriteBadRequest(w, "invalid resource")
				return
			}

			pc := PermissionContext{
				UserID:   principal.UserID,
				IsAdmin:  principal.Role.IsAdmin(),
				Resource: resource,
				Action:   action,
			}
			decision := resolver.Decide(r.Context(), principal, pc)

			logger := audit.FromContext(r.Context())
			if cfg.audit != nil {
				logger = cfg.audit
			}
			if err := logger.LogAuthorization(r.Context(), principal.UserID, AuditResourceType(resource.Scope),
				resource.ID, string(action), decision.Allowed, decision.Reason); err != nil {
				cfg.logger.WithError(err).Warn("failed to audit authorization decision")
			}

			if !decision.Allowed {
				httputil.WriteForbidden(w, ForbiddenMessage)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
