// Package main is the entrypoint for the connection lease service.
// It loads configuration, opens one lease manager per pool, optionally
// joins the Redis coordinator for global limits, serves health checks and
// metrics, and shuts everything down gracefully.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/joao-brasil/dblease/internal/config"
	"github.com/joao-brasil/dblease/internal/coordinator"
	"github.com/joao-brasil/dblease/internal/health"
	"github.com/joao-brasil/dblease/internal/logging"
	"github.com/joao-brasil/dblease/internal/metrics"
	"github.com/joao-brasil/dblease/internal/registry"
)

var (
	serviceConfigPath = flag.String("config", "configs/service.yaml", "Path to service configuration file")
	poolsConfigPath   = flag.String("pools", "configs/pools.yaml", "Path to pools configuration file")
)

func main() {
	flag.Parse()

	// ─── Load Configuration ───────────────────────────────────────────
	cfg, err := config.Load(*serviceConfigPath, *poolsConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("service stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	log := logger.Named("main")
	log.Info("starting connection lease service",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.Int("pools", len(cfg.Pools)))
	for _, p := range cfg.Pools {
		log.Info("pool configured",
			zap.String("pool_id", p.ID),
			zap.String("driver", p.Driver),
			zap.String("addr", p.Addr()),
			zap.Int("max_connections", p.MaxConnections),
			zap.Int("min_idle", p.MinIdle))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ─── Initialize Metrics ──────────────────────────────────────────
	// Pre-register labels so dashboards show every pool immediately.
	for _, p := range cfg.Pools {
		metrics.ConnectionsActive.WithLabelValues(p.ID).Set(0)
		metrics.ConnectionsIdle.WithLabelValues(p.ID).Set(0)
		metrics.ConnectionsMax.WithLabelValues(p.ID).Set(float64(p.MaxConnections))
		metrics.QueueLength.WithLabelValues(p.ID).Set(0)
		metrics.TransactionsActive.WithLabelValues(p.ID).Set(0)
	}
	metrics.InstanceHeartbeat.WithLabelValues(cfg.Service.InstanceID).Set(1)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Service.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("metrics server listening", zap.Int("port", cfg.Service.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	// ─── Redis Coordinator (optional) ────────────────────────────────
	var (
		regOpts []registry.Option
		pinger  health.Pinger
	)
	if cfg.Redis.Enabled {
		rc, err := coordinator.NewRedisCoordinator(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("initializing redis coordinator: %w", err)
		}
		if rc.IsFallback() {
			log.Warn("coordinator started in fallback mode (redis unavailable)")
		}
		hb := coordinator.NewHeartbeat(rc)
		hb.Start(ctx)
		regOpts = append(regOpts, registry.WithSlotLimiter(coordinator.NewSemaphore(rc)))
		pinger = rc
		defer closeCoordinator(log, rc, hb)
	}

	// ─── Lease Managers ──────────────────────────────────────────────
	reg, err := registry.New(ctx, cfg, logger, regOpts...)
	if err != nil {
		return fmt.Errorf("initializing pools: %w", err)
	}
	defer func() {
		log.Info("closing pools")
		if err := reg.Close(); err != nil {
			log.Warn("pool close error", zap.Error(err))
		}
	}()

	// ─── Health Checker ──────────────────────────────────────────────
	checker := health.NewChecker(reg, pinger, cfg.Service.InstanceID, logger)
	report := checker.Check(ctx)
	for _, comp := range report.Components {
		log.Info("initial health",
			zap.String("component", comp.Name),
			zap.String("status", string(comp.Status)),
			zap.String("message", comp.Message),
			zap.String("latency", comp.Latency))
	}
	log.Info("overall health", zap.String("status", string(report.Status)))
	healthServer := checker.Serve(cfg.Service.HealthCheckPort)

	// ─── Graceful Shutdown ───────────────────────────────────────────
	log.Info("service ready, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()

	metrics.InstanceHeartbeat.WithLabelValues(cfg.Service.InstanceID).Set(0)

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("health server shutdown error", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown error", zap.Error(err))
	}
	return nil
}

func closeCoordinator(log *zap.Logger, rc *coordinator.RedisCoordinator, hb *coordinator.Heartbeat) {
	hb.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("closing redis coordinator")
	if err := rc.Close(ctx); err != nil {
		log.Warn("coordinator close error", zap.Error(err))
	}
}
