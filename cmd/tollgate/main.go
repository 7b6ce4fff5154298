package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tollgate/pkg/async"
	"github.com/platinummonkey/tollgate/pkg/audit"
	"github.com/platinummonkey/tollgate/pkg/auth"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/membership"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/orgs"
	"github.com/platinummonkey/tollgate/pkg/rbac"
	"github.com/platinummonkey/tollgate/pkg/storage"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tollgate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := observability.InitTracing(ctx, cfg.Observability.TracingConfig(), logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = observability.ShutdownTracing(shutdownCtx, tp, logger)
	}()

	db, err := storage.OpenPostgres(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb, err = storage.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		logger.Info("Connected to Redis")
	}

	metrics := observability.NewMetrics(nil)

	auditLog, err := newAuditLogger(cfg, db, logger, metrics)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	codec, err := auth.NewTokenCodec(cfg.Auth.TokenConfig())
	if err != nil {
		return err
	}
	replay, err := auth.ParseReplayPolicy(cfg.Auth.ReplayPolicy)
	if err != nil {
		return err
	}
	tokens := auth.NewSQLRefreshTokenStore(db,
		auth.WithMaxTokensPerUser(cfg.Auth.MaxTokensPerUser),
		auth.WithStoreLogger(logger.WithField("component", "refresh_store")),
	)
	sessions := auth.NewSessionService(codec, tokens, auth.NewSQLPrincipalSource(db),
		auth.WithReplayPolicy(replay),
		auth.WithSessionAudit(auditLog),
		auth.WithSessionMetrics(metrics),
		auth.WithSessionLogger(logger.WithField("component", "sessions")),
	)

	orgService := orgs.NewPostgresService(db,
		orgs.WithAuditLogger(auditLog),
		orgs.WithLogger(logger.WithField("component", "orgs")),
	)
	memberships := membership.NewCache(membership.NewSource(orgService),
		membership.WithTTL(cfg.Cache.MembershipTTL()),
		membership.WithMetrics(metrics),
		membership.WithLogger(logger.WithField("component", "membership_cache")),
	)
	async.Go(ctx, logger, "membership pruner", func(ctx context.Context) error {
		memberships.RunPruner(ctx, cfg.Cache.PruneInterval)
		return nil
	})

	if cfg.Cache.BroadcastInvalidations {
		broadcaster := membership.NewBroadcaster(rdb, memberships,
			membership.WithBroadcastLogger(logger.WithField("component", "membership_broadcast")))
		runErr := async.Go(ctx, logger, "membership broadcast", broadcaster.Run)
		select {
		case <-broadcaster.Ready():
		case err := <-runErr:
			return err
		}
		orgService.SetInvalidator(broadcaster)
	} else {
		orgService.SetInvalidator(memberships)
	}

	resolver := rbac.NewResolver(memberships,
		rbac.WithTeamDirectory(orgService),
		rbac.WithMatrixStore(rbac.NewCachedStore(rbac.NewStore(db), cfg.Cache.MatrixCacheSize, cfg.Cache.MatrixTTL())),
		rbac.WithMetrics(metrics),
		rbac.WithLogger(logger.WithField("component", "resolver")),
	)

	authn := middleware.NewAuthMiddleware(auth.NewGate(codec),
		middleware.WithAuthMetrics(metrics),
		middleware.WithAuthLogger(logger),
	)
	limit := newRateLimit(cfg.RateLimit, rdb, metrics, logger)

	h := &handlers{
		sessions: sessions,
		resolver: resolver,
		audit:    auditLog,
	}
	router := mux.NewRouter()
	h.register(router, authn, limit)

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(wrap(router, logger, metrics), "tollgate"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	health := observability.NewHealthChecker(version).AddDatabase(db)
	if rdb != nil {
		health.AddRedis(rdb)
	}
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: opsRouter(health, metrics, cfg.Observability.MetricsEnabled),
	}

	apiErr := serve(ctx, logger, "api server", apiServer)
	healthErr := serve(ctx, logger, "health server", healthServer)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down gracefully...")
	case serveErr = <-apiErr:
	case serveErr = <-healthErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	shutdownErr := serveErr
	for _, srv := range []*http.Server{apiServer, healthServer} {
		shutdownErr = errors.Join(shutdownErr, srv.Shutdown(shutdownCtx))
	}
	return shutdownErr
}

// serve runs srv until it is shut down. Only a listen failure is reported.
func serve(ctx context.Context, logger *observability.Logger, name string, srv *http.Server) <-chan error {
	return async.Go(ctx, logger, name, func(context.Context) error {
		logger.WithField("addr", srv.Addr).Infof("Starting %s", name)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
}

// newAuditLogger always logs events and also persists them when configured.
// Writes happen off the request path.
func newAuditLogger(cfg *config.Config, db *sql.DB, logger *observability.Logger, metrics *observability.Metrics) (*audit.AsyncLogger, error) {
	sinks := []audit.Logger{audit.NewLogSink(logger.WithField("component", "audit"))}
	if cfg.Audit.Database {
		dbSink, err := audit.NewDBLogger(db)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, dbSink)
	}

	return audit.NewAsyncLogger(audit.NewMultiLogger(sinks...),
		audit.WithBufferSize(cfg.Audit.BufferSize),
		audit.WithAsyncLogger(logger),
		audit.WithAsyncMetrics(metrics, "audit"),
	), nil
}

// newRateLimit returns nil when rate limiting is disabled
func newRateLimit(cfg config.RateLimitConfig, rdb *redis.Client, metrics *observability.Metrics, logger *observability.Logger) *middleware.RateLimitMiddleware {
	if !cfg.Enabled {
		return nil
	}

	limits := &middleware.RateLimitConfig{
		RequestsPerWindow: cfg.RequestsPerWindow,
		WindowDuration:    cfg.Window,
		BurstSize:         cfg.BurstSize,
	}

	var limiter middleware.Limiter
	switch cfg.Backend {
	case "redis":
		limiter = middleware.NewDistributedRateLimiter(rdb, limits, "")
	default:
		limiter = middleware.NewRateLimiter(limits, middleware.WithMaxKeys(cfg.MaxKeys))
	}

	return middleware.NewRateLimitMiddleware(limiter, cfg.Backend,
		middleware.WithFailClosed(cfg.FailClosed),
		middleware.WithRateLimitMetrics(metrics),
		middleware.WithRateLimitLogger(logger),
	)
}
