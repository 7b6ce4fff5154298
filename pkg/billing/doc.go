// Package billing manages user subscription tiers.
//
// A tier change updates users.subscription_tier and appends a row to
// subscription_history in the same transaction. subscription_history is the
// only record of past tiers.
//
//	svc := billing.NewPostgresService(db, billing.WithAuditLogger(auditLog))
//	change, err := svc.ChangeTier(ctx, userID, auth.TierPro, &adminID, "upgrade")
//
// Issued access tokens keep the tier they were minted with. The new tier is
// visible to permission checks from the next Login or Refresh.
package billing
