package rbac

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tollgate/pkg/auth"
	"github.com/platinummonkey/tollgate/pkg/membership"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/orgs"
)

var tracer = observability.Tracer("github.com/platinummonkey/tollgate/pkg/rbac")

// MembershipProvider returns a user's memberships and whether they came from cache.
// *membership.Cache implements it.
type MembershipProvider interface {
	Lookup(ctx context.Context, userID uuid.UUID) (*membership.Info, bool, error)
}

// Step names the stage that settled a decision
type Step string

const (
	StepInput         Step = "input"
	StepInactive      Step = "inactive"
	StepAdminOverride Step = "admin_override"
	StepMembership    Step = "membership"
	StepMatrix        Step = "matrix"
	StepOwnership     Step = "ownership"
	StepScope         Step = "scope"
	StepTier          Step = "tier"
)

// Decision reasons. They are for audit and metrics only and are never sent to clients.
const (
	ReasonInvalidContext        = "invalid_context"
	ReasonInactive              = "inactive"
	ReasonAdminOverride         = "admin_override"
	ReasonMembershipUnavailable = "membership_unavailable"
	ReasonTenantMismatch        = "tenant_mismatch"
	ReasonMatrixUnavailable     = "matrix_unavailable"
	ReasonMatrixDenied          = "matrix_denied"
	ReasonMatrixAllowed         = "matrix_allowed"
	ReasonOwner                 = "owner"
	ReasonNotMember             = "not_a_member"
	ReasonInsufficientRole      = "insufficient_role"
	ReasonTierRequired          = "tier_required"
	ReasonRoleAllowed           = "role_allowed"
)

// Decision is the outcome of one authorization check
type Decision struct {
	Allowed  bool   `json:"allowed"`
	Step     Step   `json:"step"`
	Reason   string `json:"reason"`
	CacheHit bool   `json:"cache_hit"`
}

func allow(step Step, reason string) Decision {
	return Decision{Allowed: true, Step: step, Reason: reason}
}

func deny(step Step, reason string) Decision {
	return Decision{Step: step, Reason: reason}
}

// Resolver decides whether a principal may perform an action on a resource.
// Every failure to gather input results in deny.
type Resolver struct {
	memberships MembershipProvider
	teams       orgs.TeamDirectory
	matrices    MatrixStore
	metrics     *observability.Metrics
	logger      *observability.Logger
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithMatrixStore enables per-entity matrix overrides
func WithMatrixStore(store MatrixStore) ResolverOption {
	return func(r *Resolver) {
		r.matrices = store
	}
}

// WithTeamDirectory resolves the organization of teams the user is not a member of
func WithTeamDirectory(teams orgs.TeamDirectory) ResolverOption {
	return func(r *Resolver) {
		r.teams = teams
	}
}

func WithMetrics(m *observability.Metrics) ResolverOption {
	return func(r *Resolver) {
		r.metrics = m
	}
}

func WithLogger(l *observability.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = l
	}
}

// NewResolver creates a Resolver
func NewResolver(memberships MembershipProvider, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		memberships: memberships,
		logger:      observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Can reports whether the action is allowed
func (r *Resolver) Can(ctx context.Context, p auth.Principal, pc PermissionContext) bool {
	return r.Decide(ctx, p, pc).Allowed
}

// Authorize returns a *PermissionDeniedError unless the action is allowed
func (r *Resolver) Authorize(ctx context.Context, p auth.Principal, pc PermissionContext) error {
	if r.Decide(ctx, p, pc).Allowed {
		return nil
	}
	return &PermissionDeniedError{Resource: pc.Resource, Action: pc.Action}
}

// Decide evaluates the check and reports which step settled it
func (r *Resolver) Decide(ctx context.Context, p auth.Principal, pc PermissionContext) Decision {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "Resolver.Decide", trace.WithAttributes(
		attribute.String("rbac.action", string(pc.Action)),
		attribute.String("rbac.scope", string(pc.Resource.Scope)),
		attribute.String("rbac.resource_type", pc.Resource.Type),
	))
	defer span.End()

	d := r.decide(ctx, p, pc)

	span.SetAttributes(
		attribute.Bool("rbac.allowed", d.Allowed),
		attribute.String("rbac.step", string(d.Step)),
		attribute.Bool("rbac.cache_hit", d.CacheHit),
	)
	r.metrics.RecordDecision(string(pc.Action), d.Allowed, string(d.Step), time.Since(start))
	return d
}

func (r *Resolver) decide(ctx context.Context, p auth.Principal, pc PermissionContext) Decision {
	if p.UserID == uuid.Nil || pc.UserID != p.UserID || !pc.Action.Valid() || !pc.Resource.complete() {
		return deny(StepInput, ReasonInvalidContext)
	}
	if !p.IsActive {
		return deny(StepInactive, ReasonInactive)
	}
	if pc.IsAdmin && p.Role.IsAdmin() && pc.Action.AdminOverridable() {
		return allow(StepAdminOverride, ReasonAdminOverride)
	}

	var (
		info     *membership.Info
		cacheHit bool
	)
	if pc.Resource.Scope != ScopePersonal {
		if r.memberships == nil {
			return deny(StepMembership, ReasonMembershipUnavailable)
		}
		var err error
		info, cacheHit, err = r.memberships.Lookup(ctx, p.UserID)
		if err != nil {
			r.logger.WithError(err).WithField("user_id", p.UserID.String()).Warn("membership lookup failed, denying")
			return deny(StepMembership, ReasonMembershipUnavailable)
		}
	}

	var teamOrg uuid.UUID
	if pc.Resource.Scope == ScopeTeam {
		var d Decision
		var ok bool
		if teamOrg, d, ok = r.teamOrganization(ctx, pc.Resource, info); !ok {
			d.CacheHit = cacheHit
			return d
		}
	}

	d := r.evaluate(ctx, p, pc, info, teamOrg)
	d.CacheHit = cacheHit
	return d
}

// teamOrganization finds the organization owning a team resource from the
// membership snapshot, then the team directory. The organization named on the
// resource is only checked against it. uuid.Nil means the organization is unknown.
func (r *Resolver) teamOrganization(ctx context.Context, res Resource, info *membership.Info) (uuid.UUID, Decision, bool) {
	orgID, known := info.OrganizationOf(*res.TeamID)
	if !known && r.teams != nil {
		var err error
		orgID, err = r.teams.TeamOrganization(ctx, *res.TeamID)
		switch {
		case errors.Is(err, orgs.ErrTeamNotFound):
			orgID = uuid.Nil
		case err != nil:
			r.logger.WithError(err).WithField("team_id", res.TeamID.String()).Warn("team lookup failed, denying")
			return uuid.Nil, deny(StepMembership, ReasonMembershipUnavailable), false
		default:
			known = true
		}
	}
	if !known {
		return uuid.Nil, Decision{}, true
	}
	if res.OrganizationID != nil && *res.OrganizationID != orgID {
		return uuid.Nil, deny(StepScope, ReasonTenantMismatch), false
	}
	return orgID, Decision{}, true
}

func (r *Resolver) evaluate(ctx context.Context, p auth.Principal, pc PermissionContext, info *membership.Info, teamOrg uuid.UUID) Decision {
	role, hasRole := EffectiveRole(p.UserID, pc.Resource, info, teamOrg)

	if r.matrices != nil && hasRole {
		allowed, found, err := r.matrixEntry(ctx, pc, info, teamOrg, role)
		if err != nil {
			r.logger.WithError(err).WithField("action", string(pc.Action)).Warn("permission matrix lookup failed, denying")
			return deny(StepMatrix, ReasonMatrixUnavailable)
		}
		if found {
			if !allowed {
				return deny(StepMatrix, ReasonMatrixDenied)
			}
			return tierGate(p, pc, StepMatrix, ReasonMatrixAllowed)
		}
	}

	if pc.Resource.ownedBy(p.UserID) && pc.Action.IsSelfAction() {
		return allow(StepOwnership, ReasonOwner)
	}

	if !hasRole {
		return deny(StepScope, ReasonNotMember)
	}
	if !role.AtLeast(pc.Action.MinimumRole()) {
		return deny(StepScope, ReasonInsufficientRole)
	}
	return tierGate(p, pc, StepScope, ReasonRoleAllowed)
}

func tierGate(p auth.Principal, pc PermissionContext, step Step, reason string) Decision {
	if !p.SubscriptionTier.IsAtLeast(pc.Action.RequiredTier()) {
		return deny(StepTier, ReasonTierRequired)
	}
	return allow(step, reason)
}

// EffectiveRole computes the principal's role in the resource's scope.
// teamOrg is the organization owning a team resource, or uuid.Nil when unknown;
// an admin or owner of that organization counts at their organization role.
// Owning a personal resource confers member, never an administrative role.
func EffectiveRole(userID uuid.UUID, res Resource, info *membership.Info, teamOrg uuid.UUID) (orgs.Role, bool) {
	switch res.Scope {
	case ScopePersonal:
		if res.ownedBy(userID) {
			return orgs.RoleMember, true
		}
		return "", false

	case ScopeTeam:
		if res.TeamID == nil {
			return "", false
		}
		role, ok := info.TeamRole(*res.TeamID)
		if teamOrg != uuid.Nil {
			if orgRole, isMember := info.OrganizationRole(teamOrg); isMember && orgRole.AtLeast(orgs.RoleAdmin) {
				role = orgs.MaxRole(role, orgRole)
				ok = true
			}
		}
		return role, ok

	case ScopeOrganization:
		if res.OrganizationID == nil {
			return "", false
		}
		return info.OrganizationRole(*res.OrganizationID)
	}
	return "", false
}

type matrixRef struct {
	entityType EntityType
	entityID   uuid.UUID
}

// matrixChain lists the entities to consult, most specific first
func matrixChain(res Resource, info *membership.Info, teamOrg uuid.UUID) []matrixRef {
	switch res.Scope {
	case ScopeTeam:
		chain := []matrixRef{{EntityTeam, *res.TeamID}}
		if dept, ok := info.DepartmentOf(*res.TeamID); ok {
			chain = append(chain, matrixRef{EntityDepartment, dept})
		}
		if teamOrg != uuid.Nil {
			chain = append(chain, matrixRef{EntityOrganization, teamOrg})
		}
		return chain
	case ScopeOrganization:
		return []matrixRef{{EntityOrganization, *res.OrganizationID}}
	}
	return nil
}

// matrixEntry walks the chain and returns the first explicit entry for the role.
// An entity without an active matrix does not stop the walk; a matrix without
// InheritFromParent does.
func (r *Resolver) matrixEntry(ctx context.Context, pc PermissionContext, info *membership.Info, teamOrg uuid.UUID, role orgs.Role) (allowed, found bool, err error) {
	category, verb := pc.Action.Category(), pc.Action.Verb()

	for _, ref := range matrixChain(pc.Resource, info, teamOrg) {
		pm, err := r.matrices.Get(ctx, ref.entityType, ref.entityID)
		if errors.Is(err, ErrMatrixNotFound) {
			continue
		}
		if err != nil {
			return false, false, err
		}
		if !pm.IsActive {
			continue
		}
		if allowed, ok := pm.MatrixData.Lookup(category, verb, role); ok {
			return allowed, true, nil
		}
		if !pm.InheritanceSettings.InheritFromParent {
			break
		}
	}
	return false, false, nil
}
