// Package auth provides the token lifecycle for tollgate.
//
// # Overview
//
// Access tokens are short-lived HS256 JWTs that carry a Principal snapshot.
// Refresh tokens are long-lived JWTs whose SHA256 hash is stored in the
// refresh_tokens table. Every refresh rotates the token: the presented token
// is revoked and a successor in the same family is issued, atomically.
//
// # Key Components
//
// TokenCodec: issue and verify access and refresh tokens
//
//	codec, err := auth.NewTokenCodec(auth.TokenConfig{
//		SecretKey: cfg.Auth.SecretKey,
//		Issuer:    "tollgate",
//	})
//	access, err := codec.IssueAccess(principal)
//
// SQLRefreshTokenStore: persistence with per-user caps and compare-and-set rotation
//
//	store := auth.NewSQLRefreshTokenStore(db, auth.WithMaxTokensPerUser(5))
//
// SessionService: login, refresh and logout flows with replay detection
//
//	sessions := auth.NewSessionService(codec, store, auth.NewSQLPrincipalSource(db))
//	pair, err := sessions.Refresh(ctx, rawRefresh, device)
//	if errors.Is(err, auth.ErrTokenAlreadyUsed) {
//		// the token family has been revoked
//	}
//
// Gate: request authentication without I/O
//
//	result := auth.NewGate(codec).AuthenticateHeader(r.Header.Get("Authorization"))
//	if !result.Bound() {
//		// 401 with auth.GenericAuthMessage
//	}
//
// # Schema
//
// refresh_tokens(id, user_id, family_id, generation, token_hash UNIQUE,
// expires_at, is_revoked, revoked_reason, use_count, last_used_at,
// device_type, ip_address, user_agent, geo_location, created_at, updated_at)
//
// # Related Packages
//
//   - pkg/middleware: HTTP authentication over Gate
//   - pkg/rbac: authorization of bound principals
//   - pkg/audit: token lifecycle events
package auth
