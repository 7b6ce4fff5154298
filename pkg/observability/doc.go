// Package observability provides structured logging, Prometheus metrics, health checks
// and OpenTelemetry tracing.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("user_id", id).WithError(err).Warn("metadata update failed")
//
// # Prometheus Metrics
//
// Metrics are created once per process and passed to the components that record them.
// Every Record* method tolerates a nil *Metrics so tests can omit them.
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	router.Handle("/metrics", metrics.Handler())
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version).AddDatabase(db).AddRedis(rdb)
//	router.HandleFunc("/health/ready", checker.Readiness)
//
// # OpenTelemetry
//
//	tp, err := observability.InitTracing(ctx, cfg.Tracing, logger)
//	defer observability.ShutdownTracing(ctx, tp, logger)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/middleware: Request authentication and rate limiting
package observability
