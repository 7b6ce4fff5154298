package rbac

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/platinummonkey/tollgate/pkg/auth"
	"github.com/platinummonkey/tollgate/pkg/orgs"
)

var (
	ErrUnknownAction     = errors.New("unknown action")
	ErrUnknownEntityType = errors.New("unknown entity type")
	ErrUnknownCategory   = errors.New("unknown permission category")
	ErrMatrixNotFound    = errors.New("permission matrix not found")
	ErrMatrixExists      = errors.New("permission matrix already exists")
	ErrVersionConflict   = errors.New("permission matrix was modified concurrently")
	ErrPermissionDenied  = errors.New("permission denied")
)

// Category groups verbs in a permission matrix
type Category string

const (
	CategoryTasks          Category = "tasks"
	CategoryAnalytics      Category = "analytics"
	CategoryAdministration Category = "administration"
)

// Valid reports whether c is a known category
func (c Category) Valid() bool {
	switch c {
	case CategoryTasks, CategoryAnalytics, CategoryAdministration:
		return true
	}
	return false
}

// Action is an operation checked by the resolver
type Action string

const (
	ActionRead           Action = "read"
	ActionCreate         Action = "create"
	ActionUpdate         Action = "update"
	ActionDelete         Action = "delete"
	ActionExport         Action = "export"
	ActionBulkUpdate     Action = "bulk_update"
	ActionViewAnalytics  Action = "view_analytics"
	ActionInvite         Action = "invite"
	ActionRemoveMember   Action = "remove_member"
	ActionAssignRole     Action = "assign_role"
	ActionManageSettings Action = "manage_settings"
	ActionViewAuditLog   Action = "view_audit_log"
)

// actionRule holds the static policy of one action
type actionRule struct {
	category       Category
	verb           string
	minimumRole    orgs.Role
	requiredTier   auth.SubscriptionTier
	self           bool
	adminOverrides bool
}

var actionRules = map[Action]actionRule{
	ActionRead:           {CategoryTasks, "read", orgs.RoleViewer, auth.TierFree, true, true},
	ActionCreate:         {CategoryTasks, "create", orgs.RoleMember, auth.TierFree, false, true},
	ActionUpdate:         {CategoryTasks, "update", orgs.RoleMember, auth.TierFree, true, true},
	ActionDelete:         {CategoryTasks, "delete", orgs.RoleAdmin, auth.TierFree, true, false},
	ActionExport:         {CategoryTasks, "export", orgs.RoleMember, auth.TierPro, false, true},
	ActionBulkUpdate:     {CategoryTasks, "bulk_update", orgs.RoleMember, auth.TierPro, false, false},
	ActionViewAnalytics:  {CategoryAnalytics, "view", orgs.RoleMember, auth.TierPro, false, true},
	ActionInvite:         {CategoryAdministration, "invite", orgs.RoleAdmin, auth.TierFree, false, true},
	ActionRemoveMember:   {CategoryAdministration, "remove_member", orgs.RoleAdmin, auth.TierFree, false, false},
	ActionAssignRole:     {CategoryAdministration, "assign_role", orgs.RoleAdmin, auth.TierFree, false, false},
	ActionManageSettings: {CategoryAdministration, "manage_settings", orgs.RoleAdmin, auth.TierFree, false, true},
	ActionViewAuditLog:   {CategoryAdministration, "audit_log", orgs.RoleAdmin, auth.TierEnterprise, false, true},
}

// ParseAction parses an action name. Unknown names are rejected.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return a, nil
}

// Valid reports whether a is a known action
func (a Action) Valid() bool {
	_, ok := actionRules[a]
	return ok
}

// Category returns the matrix category the action belongs to
func (a Action) Category() Category { return actionRules[a].category }

// Verb returns the matrix key of the action within its category
func (a Action) Verb() string { return actionRules[a].verb }

// MinimumRole is the lowest scope role allowed to perform the action
func (a Action) MinimumRole() orgs.Role { return actionRules[a].minimumRole }

// RequiredTier is the lowest subscription tier allowed to perform the action
func (a Action) RequiredTier() auth.SubscriptionTier { return actionRules[a].requiredTier }

// IsSelfAction reports whether an owner may always perform the action on their own resource
func (a Action) IsSelfAction() bool { return actionRules[a].self }

// AdminOverridable reports whether a system admin bypasses checks for the action
func (a Action) AdminOverridable() bool { return actionRules[a].adminOverrides }

// Scope is where a resource lives
type Scope string

const (
	ScopePersonal     Scope = "personal"
	ScopeTeam         Scope = "team"
	ScopeOrganization Scope = "organization"
)

// Resource identifies the object being accessed
type Resource struct {
	Type           string     `json:"type"`
	ID             string     `json:"id"`
	Scope          Scope      `json:"scope"`
	OwnerID        *uuid.UUID `json:"owner_id,omitempty"`
	TeamID         *uuid.UUID `json:"team_id,omitempty"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
}

// PersonalResource builds a resource owned by one user
func PersonalResource(kind, id string, owner uuid.UUID) Resource {
	return Resource{Type: kind, ID: id, Scope: ScopePersonal, OwnerID: &owner}
}

// TeamResource builds a resource held by a team
func TeamResource(kind, id string, teamID uuid.UUID) Resource {
	return Resource{Type: kind, ID: id, Scope: ScopeTeam, TeamID: &teamID}
}

// OrganizationResource builds a resource held by an organization
func OrganizationResource(kind, id string, orgID uuid.UUID) Resource {
	return Resource{Type: kind, ID: id, Scope: ScopeOrganization, OrganizationID: &orgID}
}

// complete reports whether the resource carries the key its scope needs
func (r Resource) complete() bool {
	switch r.Scope {
	case ScopePersonal:
		return r.OwnerID != nil && *r.OwnerID != uuid.Nil
	case ScopeTeam:
		return r.TeamID != nil && *r.TeamID != uuid.Nil
	case ScopeOrganization:
		return r.OrganizationID != nil && *r.OrganizationID != uuid.Nil
	}
	return false
}

func (r Resource) ownedBy(userID uuid.UUID) bool {
	return r.OwnerID != nil && *r.OwnerID == userID
}

// PermissionContext is the input of one authorization decision
type PermissionContext struct {
	UserID   uuid.UUID `json:"user_id"`
	IsAdmin  bool      `json:"is_admin"`
	Resource Resource  `json:"resource"`
	Action   Action    `json:"action"`
}

// PermissionDeniedError is returned by Authorize on deny
type PermissionDeniedError struct {
	Resource Resource
	Action   Action
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s on %s", e.Action, e.Resource.Type)
}

func (e *PermissionDeniedError) Unwrap() error { return ErrPermissionDenied }
