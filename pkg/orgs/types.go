package orgs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is a user's role inside a team or organization
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

var (
	ErrUnknownRole     = errors.New("unknown scope role")
	ErrMemberNotFound  = errors.New("member not found")
	ErrAlreadyMember   = errors.New("member already exists")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrTeamNotFound    = errors.New("team not found")
)

// ParseRole parses a scope role. Unknown names are rejected.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if r.Level() == 0 {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}

// Level orders roles: owner > admin > member > viewer. Unknown roles are 0.
func (r Role) Level() int {
	switch r {
	case RoleOwner:
		return 4
	case RoleAdmin:
		return 3
	case RoleMember:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r.Level() > 0
}

// AtLeast reports whether r ranks at or above required
func (r Role) AtLeast(required Role) bool {
	return r.Valid() && r.Level() >= required.Level()
}

// CanInvite reports whether the role may invite new members
func (r Role) CanInvite() bool {
	return r.AtLeast(RoleAdmin)
}

// CanManageRoles reports whether the role may change other members' roles
func (r Role) CanManageRoles() bool {
	return r.AtLeast(RoleAdmin)
}

// MaxRole returns the higher of two roles
func MaxRole(a, b Role) Role {
	if b.Level() > a.Level() {
		return b
	}
	return a
}

// TeamMembership is one team a user belongs to
type TeamMembership struct {
	TeamID         uuid.UUID  `json:"team_id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	DepartmentID   *uuid.UUID `json:"department_id,omitempty"`
	Role           Role       `json:"role"`
	JoinedAt       time.Time  `json:"joined_at"`
}

// OrgMembership is one organization a user belongs to
type OrgMembership struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	Role           Role      `json:"role"`
	JoinedAt       time.Time `json:"joined_at"`
}

// Member is a user listed within a team
type Member struct {
	TeamID    uuid.UUID  `json:"team_id"`
	UserID    uuid.UUID  `json:"user_id"`
	Role      Role       `json:"role"`
	InvitedBy *uuid.UUID `json:"invited_by,omitempty"`
	JoinedAt  time.Time  `json:"joined_at"`
}

// Invalidator is notified after a user's memberships change
type Invalidator interface {
	Invalidate(userID uuid.UUID)
}

// InvalidatorFunc adapts a function to Invalidator
type InvalidatorFunc func(userID uuid.UUID)

func (f InvalidatorFunc) Invalidate(userID uuid.UUID) { f(userID) }

// MembershipReader lists a user's memberships
type MembershipReader interface {
	ListTeamMemberships(ctx context.Context, userID uuid.UUID) ([]*TeamMembership, error)
	ListOrganizationMemberships(ctx context.Context, userID uuid.UUID) ([]*OrgMembership, error)
}

// TeamDirectory resolves which organization owns a team
type TeamDirectory interface {
	TeamOrganization(ctx context.Context, teamID uuid.UUID) (uuid.UUID, error)
}

// Service defines membership management
type Service interface {
	MembershipReader
	TeamDirectory

	ListTeamMembers(ctx context.Context, teamIDs ...uuid.UUID) ([]*Member, error)

	AddTeamMember(ctx context.Context, teamID, userID uuid.UUID, role Role, invitedBy *uuid.UUID) error
	UpdateTeamMemberRole(ctx context.Context, teamID, userID uuid.UUID, role Role) error
	RemoveTeamMember(ctx context.Context, teamID, userID uuid.UUID) error

	AddOrgMember(ctx context.Context, orgID, userID uuid.UUID, role Role, invitedBy *uuid.UUID) error
	UpdateOrgMemberRole(ctx context.Context, orgID, userID uuid.UUID, role Role) error
	RemoveOrgMember(ctx context.Context, orgID, userID uuid.UUID) error
}
