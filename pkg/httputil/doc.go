// Package httputil provides JSON responses and the request middleware shared by
// the tollgate binaries.
//
// Error responses have the body {"error": "..."}:
//
//	httputil.WriteUnauthorized(w, auth.GenericAuthMessage)
//	httputil.WriteForbidden(w, "insufficient permissions")
//
// Middleware:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//	)(router)
//
// # Related Packages
//
//   - pkg/middleware: Authentication and rate limiting middleware
//   - pkg/rbac: Permission middleware
package httputil
