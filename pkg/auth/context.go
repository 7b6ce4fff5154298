package auth

import (
	"context"

	"github.com/platinummonkey/tollgate/pkg/contextkeys"
)

// WithPrincipal binds p to ctx. The user id is also stored for loggers.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	ctx = contextkeys.WithPrincipal(ctx, p)
	return contextkeys.WithUserID(ctx, p.UserID.String())
}

// PrincipalFromContext returns the principal bound by the authentication middleware
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextkeys.PrincipalKey).(Principal)
	return p, ok
}
