package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tollgate/pkg/audit"
	"github.com/platinummonkey/tollgate/pkg/auth"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/rbac"
)

const maxBodyBytes = 64 << 10

type handlers struct {
	sessions *auth.SessionService
	resolver *rbac.Resolver
	audit    audit.Logger
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type authorizeRequest struct {
	Resource rbac.Resource `json:"resource"`
	Action   string        `json:"action"`
}

type authorizeResponse struct {
	Allowed bool `json:"allowed"`
}

// register mounts the token and decision endpoints. A nil limit disables
// rate limiting.
func (h *handlers) register(r *mux.Router, authn *middleware.AuthMiddleware, limit *middleware.RateLimitMiddleware) {
	public := []func(http.Handler) http.Handler{}
	protected := []func(http.Handler) http.Handler{authn.Handler}
	if limit != nil {
		public = append(public, limit.Handler)
		protected = append(protected, limit.Handler)
	}

	open := httputil.Chain(public...)
	guarded := httputil.Chain(protected...)

	r.Handle("/v1/token/refresh", open(http.HandlerFunc(h.refresh))).Methods(http.MethodPost)
	r.Handle("/v1/logout", open(http.HandlerFunc(h.logout))).Methods(http.MethodPost)
	r.Handle("/v1/whoami", guarded(http.HandlerFunc(h.whoami))).Methods(http.MethodGet)
	r.Handle("/v1/authorize", guarded(http.HandlerFunc(h.authorize))).Methods(http.MethodPost)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return false
	}
	return true
}

func deviceInfo(r *http.Request) auth.DeviceInfo {
	return auth.DeviceInfo{
		IPAddress: middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// writeSessionError maps session failures to a status without exposing the cause
func writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case auth.IsAuthenticationFailure(err):
		httputil.WriteUnauthorized(w, auth.GenericAuthMessage)
	case auth.IsRetryable(err):
		observability.FromContext(r.Context()).WithError(err).Warn("Session store unavailable")
		httputil.WriteServiceUnavailable(w, "try again later")
	default:
		observability.FromContext(r.Context()).WithError(err).Error("Session operation failed")
		httputil.WriteInternalError(w)
	}
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		httputil.WriteBadRequest(w, "refresh_token is required")
		return
	}

	pair, err := h.sessions.Refresh(r.Context(), req.RefreshToken, deviceInfo(r))
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, pair)
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		httputil.WriteBadRequest(w, "refresh_token is required")
		return
	}

	if err := h.sessions.Logout(r.Context(), req.RefreshToken); err != nil {
		// An unknown token is already logged out.
		if errors.Is(err, auth.ErrTokenNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeSessionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) whoami(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, auth.GenericAuthMessage)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

// authorize answers whether the caller may perform an action on a resource.
// Only the verdict is returned.
func (h *handlers) authorize(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, auth.GenericAuthMessage)
		return
	}

	var req authorizeRequest
	if !decode(w, r, &req) {
		return
	}
	action, err := rbac.ParseAction(req.Action)
	if err != nil {
		httputil.WriteBadRequest(w, "unknown action")
		return
	}

	res, err := callerResource(p, req.Resource)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	decision := h.resolver.Decide(r.Context(), p, rbac.PermissionContext{
		UserID:   p.UserID,
		IsAdmin:  p.Role.IsAdmin(),
		Resource: res,
		Action:   action,
	})

	if err := h.audit.LogAuthorization(r.Context(), p.UserID, rbac.AuditResourceType(res.Scope),
		res.ID, string(action), decision.Allowed, decision.Reason); err != nil {
		observability.FromContext(r.Context()).WithError(err).Warn("Failed to audit authorization decision")
	}

	httputil.WriteJSON(w, http.StatusOK, authorizeResponse{Allowed: decision.Allowed})
}

// callerResource rebuilds the requested resource from its scope key. Ownership
// and team tenancy are never taken from the client: a personal resource
// belongs to the caller and a team's organization is looked up by the resolver.
func callerResource(p auth.Principal, req rbac.Resource) (rbac.Resource, error) {
	if req.OwnerID != nil {
		return rbac.Resource{}, errors.New("owner_id is not accepted")
	}

	switch req.Scope {
	case rbac.ScopePersonal:
		return rbac.PersonalResource(req.Type, req.ID, p.UserID), nil
	case rbac.ScopeTeam:
		if req.OrganizationID != nil {
			return rbac.Resource{}, errors.New("organization_id is not accepted for team resources")
		}
		if req.TeamID == nil {
			return rbac.Resource{}, errors.New("team_id is required")
		}
		return rbac.TeamResource(req.Type, req.ID, *req.TeamID), nil
	case rbac.ScopeOrganization:
		if req.OrganizationID == nil {
			return rbac.Resource{}, errors.New("organization_id is required")
		}
		return rbac.OrganizationResource(req.Type, req.ID, *req.OrganizationID), nil
	}
	return rbac.Resource{}, errors.New("unknown scope")
}

// wrap applies the request-scoped middleware shared by every API route
func wrap(h http.Handler, logger *observability.Logger, metrics *observability.Metrics) http.Handler {
	return httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
		observability.HTTPMetricsMiddleware(metrics),
	)(h)
}

// opsRouter serves probes and metrics on the health port
func opsRouter(health *observability.HealthChecker, metrics *observability.Metrics, metricsEnabled bool) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", health.Liveness).Methods(http.MethodGet)
	r.HandleFunc("/readyz", health.Readiness).Methods(http.MethodGet)
	if metricsEnabled {
		r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}
