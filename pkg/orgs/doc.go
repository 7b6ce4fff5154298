// Package orgs manages team and organization membership.
//
// # Roles
//
// Scope roles are ordered owner > admin > member > viewer and compared with
// Role.AtLeast. Unknown role strings read from storage are errors.
//
// # Invalidation
//
// Every successful mutation calls the configured Invalidator with the
// affected user before returning, so a membership cache never serves the
// pre-change role after the call completes:
//
//	svc := orgs.NewPostgresService(db, orgs.WithAuditLogger(auditLog))
//	cache := membership.NewCache(membership.NewSource(svc))
//	svc.SetInvalidator(cache)
//
// # Related Packages
//
//   - pkg/membership: cached view of a user's memberships
//   - pkg/rbac: effective-role computation from memberships
package orgs
