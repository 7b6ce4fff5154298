package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/auth"
	"github.com/platinummonkey/tollgate/pkg/membership"
	"github.com/platinummonkey/tollgate/pkg/orgs"
)

// staticMemberships serves fixed membership snapshots
type staticMemberships struct {
	infos map[uuid.UUID]*membership.Info
	err   error
	calls int
}

func newStaticMemberships() *staticMemberships {
	return &staticMemberships{infos: make(map[uuid.UUID]*membership.Info)}
}

func (s *staticMemberships) info(userID uuid.UUID) *membership.Info {
	if s.infos[userID] == nil {
		s.infos[userID] = membership.NewInfo(userID)
	}
	return s.infos[userID]
}

func (s *staticMemberships) Lookup(_ context.Context, userID uuid.UUID) (*membership.Info, bool, error) {
	s.calls++
	if s.err != nil {
		return nil, false, s.err
	}
	return s.info(userID), true, nil
}

// staticTeams maps teams to their organization
type staticTeams map[uuid.UUID]uuid.UUID

func (s staticTeams) TeamOrganization(_ context.Context, teamID uuid.UUID) (uuid.UUID, error) {
	orgID, ok := s[teamID]
	if !ok {
		return uuid.Nil, orgs.ErrTeamNotFound
	}
	return orgID, nil
}

type failingTeams struct{}

func (failingTeams) TeamOrganization(context.Context, uuid.UUID) (uuid.UUID, error) {
	return uuid.Nil, errors.New("connection reset")
}

// memoryMatrices is an in-memory MatrixStore
type memoryMatrices struct {
	matrices map[matrixRef]*PermissionMatrix
	err      error
}

func newMemoryMatrices() *memoryMatrices {
	return &memoryMatrices{matrices: make(map[matrixRef]*PermissionMatrix)}
}

func (m *memoryMatrices) put(entityType EntityType, entityID uuid.UUID, inherit bool, data MatrixData) {
	m.matrices[matrixRef{entityType, entityID}] = &PermissionMatrix{
		ID:                  uuid.New(),
		EntityType:          entityType,
		EntityID:            entityID,
		MatrixVersion:       1,
		MatrixData:          data,
		InheritanceSettings: InheritanceSettings{InheritFromParent: inherit},
		IsActive:            true,
	}
}

func (m *memoryMatrices) Get(_ context.Context, entityType EntityType, entityID uuid.UUID) (*PermissionMatrix, error) {
	if m.err != nil {
		return nil, m.err
	}
	pm, ok := m.matrices[matrixRef{entityType, entityID}]
	if !ok {
		return nil, ErrMatrixNotFound
	}
	return pm, nil
}

func principal(role auth.RoleName, tier auth.SubscriptionTier) auth.Principal {
	return auth.Principal{
		UserID:           uuid.New(),
		Username:         "user",
		Role:             role,
		SubscriptionTier: tier,
		IsActive:         true,
		EmailVerified:    true,
	}
}

func check(p auth.Principal, res Resource, action Action) PermissionContext {
	return PermissionContext{UserID: p.UserID, IsAdmin: p.Role.IsAdmin(), Resource: res, Action: action}
}

func matrix(category Category, verb string, role orgs.Role, allowed bool) MatrixData {
	m := MatrixData{}
	m.Set(category, verb, role, allowed)
	return m
}

func TestResolver_TaskScenario(t *testing.T) {
	resolver := NewResolver(newStaticMemberships())
	ctx := context.Background()

	a := principal(auth.RoleMember, auth.TierFree)
	b := principal(auth.RoleMember, auth.TierFree)
	c := principal(auth.RoleAdmin, auth.TierFree)
	task := PersonalResource("task", "T", a.UserID)

	assert.True(t, resolver.Can(ctx, a, check(a, task, ActionUpdate)), "owner updates own task")
	assert.False(t, resolver.Can(ctx, b, check(b, task, ActionUpdate)), "non-collaborator cannot update")
	assert.True(t, resolver.Can(ctx, c, check(c, task, ActionUpdate)), "admin override")

	d := resolver.Decide(ctx, a, check(a, task, ActionExport))
	assert.False(t, d.Allowed)
	assert.Equal(t, StepTier, d.Step)

	a.SubscriptionTier = auth.TierPro
	assert.True(t, resolver.Can(ctx, a, check(a, task, ActionExport)), "export after upgrade")
}

func TestResolver_InactiveAlwaysDenies(t *testing.T) {
	memberships := newStaticMemberships()
	resolver := NewResolver(memberships)
	ctx := context.Background()

	team, org := uuid.New(), uuid.New()
	for _, role := range []auth.RoleName{auth.RoleAdmin, auth.RoleMember} {
		p := principal(role, auth.TierEnterprise)
		p.IsActive = false
		memberships.info(p.UserID).AddTeam(team, org, nil, orgs.RoleOwner)
		memberships.info(p.UserID).AddOrganization(org, orgs.RoleOwner)

		resources := []Resource{
			PersonalResource("task", "1", p.UserID),
			TeamResource("task", "2", team),
			OrganizationResource("settings", "3", org),
		}
		for _, res := range resources {
			for action := range actionRules {
				d := resolver.Decide(ctx, p, check(p, res, action))
				assert.False(t, d.Allowed, "%s %s %s", role, res.Scope, action)
				assert.Equal(t, StepInactive, d.Step)
			}
		}
	}
}

func TestResolver_InvalidContext(t *testing.T) {
	resolver := NewResolver(newStaticMemberships())
	ctx := context.Background()
	p := principal(auth.RoleAdmin, auth.TierEnterprise)
	task := PersonalResource("task", "1", p.UserID)

	tests := []struct {
		name string
		p    auth.Principal
		pc   PermissionContext
	}{
		{"zero principal", auth.Principal{}, PermissionContext{Resource: task, Action: ActionRead}},
		{"user mismatch", p, PermissionContext{UserID: uuid.New(), IsAdmin: true, Resource: task, Action: ActionRead}},
		{"unknown action", p, check(p, task, Action("frobnicate"))},
		{"personal without owner", p, check(p, Resource{Type: "task", Scope: ScopePersonal}, ActionRead)},
		{"team without team", p, check(p, Resource{Type: "task", Scope: ScopeTeam}, ActionRead)},
		{"unknown scope", p, check(p, Resource{Type: "task", Scope: "galaxy"}, ActionRead)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := resolver.Decide(ctx, tt.p, tt.pc)
			assert.False(t, d.Allowed)
			assert.Equal(t, StepInput, d.Step)
			assert.Equal(t, ReasonInvalidContext, d.Reason)
		})
	}
}

func TestResolver_AdminOverrideExclusions(t *testing.T) {
	memberships := newStaticMemberships()
	resolver := NewResolver(memberships)
	ctx := context.Background()
	admin := principal(auth.RoleAdmin, auth.TierFree)
	team := uuid.New()
	res := TeamResource("task", "1", team)

	for _, action := range []Action{ActionDelete, ActionBulkUpdate, ActionRemoveMember, ActionAssignRole} {
		assert.False(t, resolver.Can(ctx, admin, check(admin, res, action)), action)
	}
	assert.True(t, resolver.Can(ctx, admin, check(admin, res, ActionInvite)))

	// Without the admin flag on the request, the override does not apply.
	pc := check(admin, res, ActionRead)
	pc.IsAdmin = false
	assert.False(t, resolver.Can(ctx, admin, pc))
}

func TestResolver_TeamRoles(t *testing.T) {
	memberships := newStaticMemberships()
	resolver := NewResolver(memberships)
	ctx := context.Background()

	team, org := uuid.New(), uuid.New()
	res := TeamResource("task", "1", team)

	viewer := principal(auth.RoleMember, auth.TierFree)
	memberships.info(viewer.UserID).AddTeam(team, org, nil, orgs.RoleViewer)

	member := principal(auth.RoleMember, auth.TierFree)
	memberships.info(member.UserID).AddTeam(team, org, nil, orgs.RoleMember)

	teamAdmin := principal(auth.RoleMember, auth.TierFree)
	memberships.info(teamAdmin.UserID).AddTeam(team, org, nil, orgs.RoleAdmin)

	outsider := principal(auth.RoleMember, auth.TierFree)

	assert.True(t, resolver.Can(ctx, viewer, check(viewer, res, ActionRead)))
	assert.False(t, resolver.Can(ctx, viewer, check(viewer, res, ActionUpdate)))
	assert.True(t, resolver.Can(ctx, member, check(member, res, ActionUpdate)))
	assert.False(t, resolver.Can(ctx, member, check(member, res, ActionInvite)))
	assert.True(t, resolver.Can(ctx, teamAdmin, check(teamAdmin, res, ActionInvite)))
	assert.True(t, resolver.Can(ctx, teamAdmin, check(teamAdmin, res, ActionDelete)))

	d := resolver.Decide(ctx, outsider, check(outsider, res, ActionRead))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNotMember, d.Reason)
	assert.True(t, d.CacheHit)
}

func TestResolver_OrganizationRoleLiftsTeamRole(t *testing.T) {
	memberships := newStaticMemberships()
	teams := staticTeams{}
	resolver := NewResolver(memberships, WithTeamDirectory(teams))
	ctx := context.Background()

	team, org := uuid.New(), uuid.New()
	teams[team] = org

	orgAdmin := principal(auth.RoleMember, auth.TierFree)
	memberships.info(orgAdmin.UserID).AddOrganization(org, orgs.RoleAdmin)

	orgMember := principal(auth.RoleMember, auth.TierFree)
	memberships.info(orgMember.UserID).AddOrganization(org, orgs.RoleMember)

	res := TeamResource("task", "1", team)

	assert.True(t, resolver.Can(ctx, orgAdmin, check(orgAdmin, res, ActionInvite)), "org admin acts on any team")
	assert.False(t, resolver.Can(ctx, orgMember, check(orgMember, res, ActionRead)), "org member is not a team member")

	// Without a directory the team's organization is unknown to a non-member.
	assert.False(t, NewResolver(memberships).Can(ctx, orgAdmin, check(orgAdmin, res, ActionInvite)))

	// A viewer on the team who is an org owner gets owner.
	memberships.info(orgMember.UserID).AddTeam(team, org, nil, orgs.RoleViewer)
	memberships.info(orgMember.UserID).AddOrganization(org, orgs.RoleOwner)
	role, ok := EffectiveRole(orgMember.UserID, res, memberships.info(orgMember.UserID), org)
	require.True(t, ok)
	assert.Equal(t, orgs.RoleOwner, role)

	role, ok = EffectiveRole(orgMember.UserID, res, memberships.info(orgMember.UserID), uuid.Nil)
	require.True(t, ok)
	assert.Equal(t, orgs.RoleViewer, role)
}

func TestResolver_TeamOrganizationFromRecord(t *testing.T) {
	ctx := context.Background()
	teamX, orgX := uuid.New(), uuid.New()
	teamY, orgY := uuid.New(), uuid.New()

	memberships := newStaticMemberships()
	teams := staticTeams{teamX: orgX, teamY: orgY}
	resolver := NewResolver(memberships, WithTeamDirectory(teams))

	t.Run("naming the admin's organization does not lift a foreign team", func(t *testing.T) {
		adminX := principal(auth.RoleMember, auth.TierFree)
		memberships.info(adminX.UserID).AddOrganization(orgX, orgs.RoleAdmin)

		res := TeamResource("task", "1", teamY)
		res.OrganizationID = &orgX

		d := resolver.Decide(ctx, adminX, check(adminX, res, ActionAssignRole))
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonTenantMismatch, d.Reason)

		// Without the directory the claim is ignored instead.
		d = NewResolver(memberships).Decide(ctx, adminX, check(adminX, res, ActionAssignRole))
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonNotMember, d.Reason)
	})

	t.Run("membership snapshot wins over the resource", func(t *testing.T) {
		viewer := principal(auth.RoleMember, auth.TierFree)
		memberships.info(viewer.UserID).AddTeam(teamY, orgY, nil, orgs.RoleViewer)
		memberships.info(viewer.UserID).AddOrganization(orgX, orgs.RoleOwner)

		res := TeamResource("task", "1", teamY)
		res.OrganizationID = &orgX

		d := NewResolver(memberships).Decide(ctx, viewer, check(viewer, res, ActionDelete))
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonTenantMismatch, d.Reason)

		res.OrganizationID = &orgY
		d = NewResolver(memberships).Decide(ctx, viewer, check(viewer, res, ActionDelete))
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonInsufficientRole, d.Reason)
		assert.True(t, NewResolver(memberships).Can(ctx, viewer, check(viewer, res, ActionRead)))
	})

	t.Run("unknown team has no organization", func(t *testing.T) {
		adminX := principal(auth.RoleMember, auth.TierFree)
		memberships.info(adminX.UserID).AddOrganization(orgX, orgs.RoleOwner)

		res := TeamResource("task", "1", uuid.New())
		res.OrganizationID = &orgX
		d := resolver.Decide(ctx, adminX, check(adminX, res, ActionRead))
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonNotMember, d.Reason)
	})

	t.Run("directory error denies", func(t *testing.T) {
		p := principal(auth.RoleMember, auth.TierFree)
		resolver := NewResolver(memberships, WithTeamDirectory(failingTeams{}))

		d := resolver.Decide(ctx, p, check(p, TeamResource("task", "1", teamX), ActionRead))
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonMembershipUnavailable, d.Reason)
	})
}

func TestResolver_PersonalOwnerIsNotAnAdministrator(t *testing.T) {
	resolver := NewResolver(newStaticMemberships())
	ctx := context.Background()

	owner := principal(auth.RoleMember, auth.TierFree)
	task := PersonalResource("task", "T", owner.UserID)

	for _, action := range []Action{ActionAssignRole, ActionInvite, ActionRemoveMember, ActionManageSettings} {
		d := resolver.Decide(ctx, owner, check(owner, task, action))
		assert.False(t, d.Allowed, action)
		assert.Equal(t, ReasonInsufficientRole, d.Reason, action)
	}

	for _, action := range []Action{ActionRead, ActionUpdate, ActionDelete, ActionCreate} {
		assert.True(t, resolver.Can(ctx, owner, check(owner, task, action)), action)
	}

	owner.SubscriptionTier = auth.TierPro
	assert.True(t, resolver.Can(ctx, owner, check(owner, task, ActionExport)))
	assert.True(t, resolver.Can(ctx, owner, check(owner, task, ActionBulkUpdate)))
}

func TestResolver_OrganizationScope(t *testing.T) {
	memberships := newStaticMemberships()
	resolver := NewResolver(memberships)
	ctx := context.Background()

	org := uuid.New()
	res := OrganizationResource("audit_log", "", org)

	admin := principal(auth.RoleMember, auth.TierPro)
	memberships.info(admin.UserID).AddOrganization(org, orgs.RoleAdmin)

	d := resolver.Decide(ctx, admin, check(admin, res, ActionViewAuditLog))
	assert.False(t, d.Allowed)
	assert.Equal(t, StepTier, d.Step, "audit log needs enterprise")

	admin.SubscriptionTier = auth.TierEnterprise
	assert.True(t, resolver.Can(ctx, admin, check(admin, res, ActionViewAuditLog)))

	analyst := principal(auth.RoleMember, auth.TierFree)
	memberships.info(analyst.UserID).AddOrganization(org, orgs.RoleMember)
	assert.False(t, resolver.Can(ctx, analyst, check(analyst, res, ActionViewAnalytics)))
	analyst.SubscriptionTier = auth.TierPro
	assert.True(t, resolver.Can(ctx, analyst, check(analyst, res, ActionViewAnalytics)))
}

func TestResolver_MembershipErrorDenies(t *testing.T) {
	memberships := newStaticMemberships()
	memberships.err = &membership.FetchError{UserID: uuid.New(), Err: errors.New("db down")}
	resolver := NewResolver(memberships)
	ctx := context.Background()

	p := principal(auth.RoleMember, auth.TierEnterprise)
	d := resolver.Decide(ctx, p, check(p, TeamResource("task", "1", uuid.New()), ActionRead))
	assert.False(t, d.Allowed)
	assert.Equal(t, StepMembership, d.Step)

	// Personal resources never consult memberships.
	calls := memberships.calls
	assert.True(t, resolver.Can(ctx, p, check(p, PersonalResource("task", "2", p.UserID), ActionRead)))
	assert.Equal(t, calls, memberships.calls)
}

func TestResolver_MatrixOverrides(t *testing.T) {
	ctx := context.Background()
	team, org, dept := uuid.New(), uuid.New(), uuid.New()
	res := TeamResource("task", "1", team)

	setup := func() (*Resolver, *staticMemberships, *memoryMatrices, auth.Principal) {
		memberships := newStaticMemberships()
		matrices := newMemoryMatrices()
		p := principal(auth.RoleMember, auth.TierFree)
		memberships.info(p.UserID).AddTeam(team, org, &dept, orgs.RoleMember)
		return NewResolver(memberships, WithMatrixStore(matrices)), memberships, matrices, p
	}

	t.Run("explicit false denies a role-allowed verb", func(t *testing.T) {
		resolver, _, matrices, p := setup()
		matrices.put(EntityTeam, team, false, matrix(CategoryTasks, "update", orgs.RoleMember, false))

		d := resolver.Decide(ctx, p, check(p, res, ActionUpdate))
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonMatrixDenied, d.Reason)

		// Only that verb is affected.
		assert.True(t, resolver.Can(ctx, p, check(p, res, ActionRead)))
	})

	t.Run("explicit false revokes ownership", func(t *testing.T) {
		resolver, _, matrices, p := setup()
		matrices.put(EntityTeam, team, false, matrix(CategoryTasks, "update", orgs.RoleMember, false))

		owned := res
		owned.OwnerID = &p.UserID
		assert.False(t, resolver.Can(ctx, p, check(p, owned, ActionUpdate)))
	})

	t.Run("explicit true skips role hierarchy but not tier", func(t *testing.T) {
		resolver, _, matrices, p := setup()
		data := matrix(CategoryAdministration, "invite", orgs.RoleMember, true)
		data.Set(CategoryTasks, "export", orgs.RoleMember, true)
		matrices.put(EntityTeam, team, false, data)

		d := resolver.Decide(ctx, p, check(p, res, ActionInvite))
		assert.True(t, d.Allowed)
		assert.Equal(t, StepMatrix, d.Step)

		d = resolver.Decide(ctx, p, check(p, res, ActionExport))
		assert.False(t, d.Allowed)
		assert.Equal(t, StepTier, d.Step)
	})

	t.Run("inherits from department and organization", func(t *testing.T) {
		resolver, _, matrices, p := setup()
		matrices.put(EntityTeam, team, true, MatrixData{})
		matrices.put(EntityDepartment, dept, true, matrix(CategoryTasks, "read", orgs.RoleMember, false))
		matrices.put(EntityOrganization, org, false, matrix(CategoryAdministration, "invite", orgs.RoleMember, true))

		assert.False(t, resolver.Can(ctx, p, check(p, res, ActionRead)))
		assert.True(t, resolver.Can(ctx, p, check(p, res, ActionInvite)))
	})

	t.Run("inheritance stops without the flag", func(t *testing.T) {
		resolver, _, matrices, p := setup()
		matrices.put(EntityTeam, team, false, MatrixData{})
		matrices.put(EntityOrganization, org, false, matrix(CategoryTasks, "read", orgs.RoleMember, false))

		assert.True(t, resolver.Can(ctx, p, check(p, res, ActionRead)))
	})

	t.Run("inactive matrix is ignored", func(t *testing.T) {
		resolver, _, matrices, p := setup()
		matrices.put(EntityTeam, team, false, matrix(CategoryTasks, "read", orgs.RoleMember, false))
		matrices.matrices[matrixRef{EntityTeam, team}].IsActive = false

		assert.True(t, resolver.Can(ctx, p, check(p, res, ActionRead)))
	})

	t.Run("store error denies", func(t *testing.T) {
		resolver, _, matrices, p := setup()
		matrices.err = errors.New("timeout")

		d := resolver.Decide(ctx, p, check(p, res, ActionRead))
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonMatrixUnavailable, d.Reason)
	})
}

func TestResolver_Authorize(t *testing.T) {
	resolver := NewResolver(newStaticMemberships())
	ctx := context.Background()
	a := principal(auth.RoleMember, auth.TierFree)
	b := principal(auth.RoleMember, auth.TierFree)
	task := PersonalResource("task", "T", a.UserID)

	require.NoError(t, resolver.Authorize(ctx, a, check(a, task, ActionRead)))

	err := resolver.Authorize(ctx, b, check(b, task, ActionDelete))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	var denied *PermissionDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, ActionDelete, denied.Action)
	assert.False(t, auth.IsAuthenticationFailure(err))
}

func TestActionPolicy(t *testing.T) {
	assert.Equal(t, auth.TierPro, ActionExport.RequiredTier())
	assert.Equal(t, auth.TierPro, ActionBulkUpdate.RequiredTier())
	assert.Equal(t, auth.TierPro, ActionViewAnalytics.RequiredTier())
	assert.Equal(t, auth.TierEnterprise, ActionViewAuditLog.RequiredTier())
	assert.Equal(t, orgs.RoleAdmin, ActionInvite.MinimumRole())

	for _, a := range []Action{ActionRead, ActionUpdate, ActionDelete} {
		assert.True(t, a.IsSelfAction(), a)
	}
	assert.False(t, ActionAssignRole.IsSelfAction())

	_, err := ParseAction("Export")
	require.NoError(t, err)
	_, err = ParseAction("drop_tables")
	assert.ErrorIs(t, err, ErrUnknownAction)
}
