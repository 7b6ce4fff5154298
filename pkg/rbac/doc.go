// Package rbac decides whether a principal may perform an action on a resource.
//
// # Decision Order
//
// Resolver.Decide short-circuits in this order:
//
//  1. incomplete input denies
//  2. an inactive principal denies
//  3. a system admin acting as admin is allowed for admin-overridable actions
//  4. a permission matrix entry for the effective role is definitive
//     (false denies, true still passes the tier gate)
//  5. the owner of a resource may read, update or delete it
//  6. the effective role must meet the action's minimum role
//  7. the subscription tier must meet the action's required tier
//
// Anything not allowed by then is denied. A membership or matrix lookup error
// is a deny, never an allow.
//
// # Effective Role
//
//   - personal: the owner is owner, everyone else has no role
//   - team: the team role, raised to the organization role when that is admin or owner
//   - organization: the organization role
//
// # Permission Matrices
//
// A matrix belongs to a team, department or organization and maps
// category -> verb -> role -> bool:
//
//	{"tasks": {"update": {"member": false}}, "analytics": {"view": {"viewer": true}}}
//
// Team resources consult the team matrix, then the department and organization
// matrices while each visited matrix has inherit_from_parent set.
//
// # Middleware
//
//	mw := rbac.RequirePermission(resolver, taskFromRequest, rbac.ActionUpdate,
//		rbac.WithDecisionAudit(auditLog))
//	router.Handle("/tasks/{id}", mw(handler)).Methods("PUT")
package rbac
