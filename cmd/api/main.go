package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/verscienta/health-security/internal/api/rest"
	"github.com/verscienta/health-security/internal/infrastructure/config"
	"github.com/verscienta/health-security/internal/infrastructure/database"
	"github.com/verscienta/health-security/internal/infrastructure/notification"
	"github.com/verscienta/health-security/internal/infrastructure/store"
	"github.com/verscienta/health-security/internal/infrastructure/telemetry"
	"github.com/verscienta/health-security/internal/metrics"
	"github.com/verscienta/health-security/internal/service/anomaly"
	"github.com/verscienta/health-security/internal/service/lockout"
	"github.com/verscienta/health-security/internal/service/ratelimit"
	"github.com/verscienta/health-security/internal/service/session"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := telemetry.SetupLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting security enforcement core",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "health-security", cfg.Version, cfg.Environment, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("failed to setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush failed", zap.Error(err))
		}
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	reg := metrics.NewRegistry(promReg)

	s := store.NewStore(&cfg.Redis, logger)
	defer s.Close()
	store.StartBackgroundCleanup(ctx, s, time.Minute, logger)

	channels := []notification.Channel{notification.NewConsoleChannel(logger)}
	if cfg.Notification.WebhookURL != "" {
		client := &http.Client{Timeout: cfg.Notification.WebhookTimeout}
		channels = append(channels, notification.NewWebhookChannel(cfg.Notification.WebhookURL, client))
	}
	if cfg.Notification.SESRegion != "" && cfg.Notification.SESFromAddress != "" {
		email, err := notification.NewEmailChannel(cfg.Notification.SESRegion, cfg.Notification.SESFromAddress, logger)
		if err != nil {
			return fmt.Errorf("failed to setup email channel: %w", err)
		}
		channels = append(channels, email)
	}
	dispatcher := notification.NewDispatcher(channels, cfg.Notification.QueueSize, cfg.Notification.AlertCooldown, logger, reg)
	defer dispatcher.Close()

	limiter, err := ratelimit.NewService(s, cfg.RateLimit, logger, reg)
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}

	guard := lockout.NewGuard(s, cfg.Lockout, dispatcher, logger, reg)
	guard.StartFallbackCleanup(ctx, time.Minute)

	var auditReader anomaly.AuditReader = anomaly.NopAuditReader{}
	if cfg.AuditDB.URL != "" {
		reader, err := database.NewAuditReader(ctx, cfg.AuditDB, logger)
		if err != nil {
			return fmt.Errorf("failed to connect audit database: %w", err)
		}
		defer reader.Close()
		auditReader = reader
	} else {
		logger.Warn("audit database not configured, history detectors disabled")
	}

	detectors := anomaly.NewDetectors(auditReader,
		cfg.Anomaly.FailedLoginsPerOrigin,
		cfg.Anomaly.OriginChurnCount,
		cfg.Anomaly.OriginChurnWindow,
		cfg.Anomaly.CompromiseViewCount,
		cfg.Anomaly.ExportThreshold)

	// The executor and tracker reference each other; the executor is built
	// first with a late-bound terminator.
	var tracker *session.Tracker
	executor := anomaly.NewExecutor(
		cfg.Anomaly.EventHistoryLimit,
		cfg.Anomaly.EventRetention,
		dispatcher,
		anomaly.SessionTerminatorFunc(func(ctx context.Context, userID string) int {
			return tracker.RemoveAll(ctx, userID)
		}),
		s, logger, reg)
	tracker = session.NewTracker(cfg.Session, executor, logger, reg)

	executor.StartSweeper(ctx, cfg.Anomaly.SweepInterval)

	handler := rest.NewHandler(guard, limiter, tracker, executor, detectors, s, logger)
	middleware := rest.NewRateLimitMiddleware(limiter, logger)
	router := rest.NewRouter(handler, middleware, promReg)
	server := rest.NewServer(cfg.Server, router, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}
