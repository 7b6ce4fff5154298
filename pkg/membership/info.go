package membership

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tollgate/pkg/orgs"
)

// Info is a snapshot of a user's team and organization memberships.
// Values returned by the cache are shared and must not be modified.
type Info struct {
	UserID            uuid.UUID               `json:"user_id"`
	TeamIDs           []uuid.UUID             `json:"team_ids"`
	OrganizationIDs   []uuid.UUID             `json:"organization_ids"`
	TeamRoles         map[uuid.UUID]orgs.Role `json:"team_roles"`
	OrganizationRoles map[uuid.UUID]orgs.Role `json:"organization_roles"`
	TeamOrganizations map[uuid.UUID]uuid.UUID `json:"team_organizations"`
	TeamDepartments   map[uuid.UUID]uuid.UUID `json:"team_departments,omitempty"`
	CachedAt          time.Time               `json:"cached_at"`
}

// NewInfo returns an empty Info for userID
func NewInfo(userID uuid.UUID) *Info {
	return &Info{
		UserID:            userID,
		TeamRoles:         make(map[uuid.UUID]orgs.Role),
		OrganizationRoles: make(map[uuid.UUID]orgs.Role),
		TeamOrganizations: make(map[uuid.UUID]uuid.UUID),
		TeamDepartments:   make(map[uuid.UUID]uuid.UUID),
	}
}

// AddTeam records a team membership
func (i *Info) AddTeam(teamID, orgID uuid.UUID, departmentID *uuid.UUID, role orgs.Role) {
	if _, ok := i.TeamRoles[teamID]; !ok {
		i.TeamIDs = append(i.TeamIDs, teamID)
	}
	i.TeamRoles[teamID] = role
	i.TeamOrganizations[teamID] = orgID
	if departmentID != nil {
		i.TeamDepartments[teamID] = *departmentID
	}
}

// AddOrganization records an organization membership
func (i *Info) AddOrganization(orgID uuid.UUID, role orgs.Role) {
	if _, ok := i.OrganizationRoles[orgID]; !ok {
		i.OrganizationIDs = append(i.OrganizationIDs, orgID)
	}
	i.OrganizationRoles[orgID] = role
}

// TeamRole returns the user's role in a team
func (i *Info) TeamRole(teamID uuid.UUID) (orgs.Role, bool) {
	if i == nil {
		return "", false
	}
	r, ok := i.TeamRoles[teamID]
	return r, ok
}

// OrganizationRole returns the user's role in an organization
func (i *Info) OrganizationRole(orgID uuid.UUID) (orgs.Role, bool) {
	if i == nil {
		return "", false
	}
	r, ok := i.OrganizationRoles[orgID]
	return r, ok
}

// OrganizationOf returns the organization owning a team the user belongs to
func (i *Info) OrganizationOf(teamID uuid.UUID) (uuid.UUID, bool) {
	if i == nil {
		return uuid.Nil, false
	}
	id, ok := i.TeamOrganizations[teamID]
	return id, ok
}

// DepartmentOf returns the department of a team the user belongs to
func (i *Info) DepartmentOf(teamID uuid.UUID) (uuid.UUID, bool) {
	if i == nil {
		return uuid.Nil, false
	}
	id, ok := i.TeamDepartments[teamID]
	return id, ok
}

// Source loads memberships from the system of record
type Source interface {
	Load(ctx context.Context, userID uuid.UUID) (*Info, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context, userID uuid.UUID) (*Info, error)

func (f SourceFunc) Load(ctx context.Context, userID uuid.UUID) (*Info, error) {
	return f(ctx, userID)
}

type readerSource struct {
	reader orgs.MembershipReader
}

// NewSource builds a Source over the membership tables
func NewSource(reader orgs.MembershipReader) Source {
	return &readerSource{reader: reader}
}

func (s *readerSource) Load(ctx context.Context, userID uuid.UUID) (*Info, error) {
	teams, err := s.reader.ListTeamMemberships(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load team memberships: %w", err)
	}
	organizations, err := s.reader.ListOrganizationMemberships(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load organization memberships: %w", err)
	}

	info := NewInfo(userID)
	for _, t := range teams {
		info.AddTeam(t.TeamID, t.OrganizationID, t.DepartmentID, t.Role)
	}
	for _, o := range organizations {
		info.AddOrganization(o.OrganizationID, o.Role)
	}
	return info, nil
}
