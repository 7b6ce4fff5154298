// Package audit records security events for token lifecycle and authorization decisions.
//
// # Overview
//
// Every sink implements Logger. Sinks are best-effort: a failed write is
// logged and counted but never changes the outcome of the operation that
// produced the event.
//
// # Sinks
//
//   - NoOp: discards events
//   - DBLogger: inserts into audit_events with JSON metadata
//   - LogSink: structured log lines through observability.Logger
//   - MultiLogger: fan-out to several sinks
//   - AsyncLogger: bounded queue in front of a slow sink, drops when full
//
// # Usage Example
//
//	dbSink, _ := audit.NewDBLogger(db)
//	sink := audit.NewAsyncLogger(
//		audit.NewMultiLogger(dbSink, audit.NewLogSink(logger)),
//		audit.WithAsyncMetrics(metrics, "db"),
//	)
//	defer sink.Close()
//
//	sink.LogAuthorization(ctx, userID, audit.ResourceTypeTeam, teamID.String(), "update", false, "insufficient_role")
//
// # Related Packages
//
//   - pkg/auth: token lifecycle events
//   - pkg/rbac: authorization events
//   - pkg/billing: tier changes
package audit
