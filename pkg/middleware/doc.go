// Package middleware provides HTTP middleware for authentication and rate limiting.
//
// # Authentication
//
//	authn := middleware.NewAuthMiddleware(gate, middleware.WithAuthMetrics(metrics))
//	router.Use(authn.Handler)
//
// A bound request carries its principal (auth.PrincipalFromContext). Any
// rejection is a 401 with the same generic message.
//
// # Rate Limiting
//
// RateLimiter keeps a golang.org/x/time/rate bucket per key in process. Use it
// only when requests for a key always reach the same instance.
//
//	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
//
// DistributedRateLimiter is a fixed window counter in Redis shared by all
// instances. It fails open unless WithFailClosed(true) is set.
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, cfg, "")
//	rl := middleware.NewRateLimitMiddleware(limiter, "redis")
//	router.Use(rl.Handler)
//
// Keys are "user:<id>" for authenticated requests and "ip:<addr>" otherwise,
// so the rate limiter must run after authentication. Responses carry
// X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset; 429s add
// Retry-After.
//
// # Related Packages
//
//   - pkg/auth: Token verification
//   - pkg/rbac: Permission checking
package middleware
