package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tollgate/pkg/auth"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/storage"
)

var (
	schedule = flag.String("schedule", "", "Cron schedule for refresh token cleanup (defaults to janitor.schedule)")
	runOnce  = flag.Bool("run-once", false, "Run cleanup once and exit")
)

// tokenCleaner deletes refresh tokens that expired or were revoked before a cutoff
type tokenCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}

type janitor struct {
	tokens    tokenCleaner
	retention time.Duration
	timeout   time.Duration
	logger    *logrus.Logger
	now       func() time.Time
}

// sweep runs one cleanup pass under its own deadline
func (j *janitor) sweep(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	cutoff := j.now().UTC().Add(-j.retention)
	start := time.Now()
	deleted, err := j.tokens.Cleanup(ctx, cutoff)
	if err != nil {
		j.logger.WithError(err).Error("Refresh token cleanup failed")
		return err
	}

	j.logger.WithFields(logrus.Fields{
		"deleted":     deleted,
		"cutoff":      cutoff.Format(time.RFC3339),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Refresh token cleanup completed")
	return nil
}

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	logger := setupLogger(cfg.Observability.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenPostgres(ctx, cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	j := &janitor{
		tokens:    auth.NewSQLRefreshTokenStore(db),
		retention: time.Duration(cfg.Janitor.RetentionDays) * 24 * time.Hour,
		timeout:   5 * time.Minute,
		logger:    logger,
		now:       time.Now,
	}

	if *runOnce {
		if err := j.sweep(ctx); err != nil {
			os.Exit(1)
		}
		return
	}

	expr := cfg.Janitor.Schedule
	if *schedule != "" {
		expr = *schedule
	}

	c := cron.New()
	if _, err := c.AddFunc(expr, func() { _ = j.sweep(ctx) }); err != nil {
		logger.Fatalf("Failed to schedule cleanup %q: %v", expr, err)
	}

	c.Start()
	logger.WithFields(logrus.Fields{
		"schedule":       expr,
		"retention_days": cfg.Janitor.RetentionDays,
	}).Info("Tollgate janitor started")

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	stopped := c.Stop()
	<-stopped.Done()

	logger.Info("Janitor stopped")
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}
