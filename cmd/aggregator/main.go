// Package main is the entry point for the aggregator's resilience service.
// It loads configuration, builds the shared rate limiter, breaker registry,
// and upstream client factory, starts the operational HTTP server (health,
// metrics, admin), and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coinlens/aggregator-core/internal/admin"
	"github.com/coinlens/aggregator-core/internal/breaker"
	"github.com/coinlens/aggregator-core/internal/config"
	"github.com/coinlens/aggregator-core/internal/health"
	"github.com/coinlens/aggregator-core/internal/logging"
	"github.com/coinlens/aggregator-core/internal/metrics"
	"github.com/coinlens/aggregator-core/internal/middleware"
	"github.com/coinlens/aggregator-core/internal/ratelimit"
	"github.com/coinlens/aggregator-core/internal/upstream"
)

func main() {
	configPath := flag.String("config", "configs/aggregator.yaml", "path to configuration file")
	flag.Parse()

	// Bootstrap logger for config loading; replaced once config is read.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.NewLogger(
		cfg.Logging.Output,
		cfg.Logging.Level,
		cfg.Logging.MaxSizeMB,
		cfg.Logging.MaxBackups,
		cfg.Logging.MaxAgeDays,
	)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to open log output", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"services", len(cfg.Services),
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"metrics_path", cfg.Metrics.Path,
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// Shared infrastructure: one rate limiter and one breaker registry for
	// the whole process.
	limiter := ratelimit.New(logger)
	defer limiter.Stop()

	breakerDefaults := breaker.Config{
		FailureThreshold: cfg.Defaults.CircuitBreaker.FailureThreshold,
		ResetTimeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
		ExpectedErrors:   cfg.Defaults.CircuitBreaker.ExpectedErrors,
	}
	registry := breaker.NewRegistry(breakerDefaults, logger)

	factory := upstream.NewFactory(cfg, registry, limiter, logger)

	// Warm up clients for every configured service so breakers and limiter
	// state exist before the first request and show up on /ready.
	for _, name := range factory.Services() {
		factory.Get(name)
	}

	// Config reloader: file watcher + SIGHUP.
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()
	reloader.OnReload(func(newCfg *config.Config) {
		factory.UpdateConfig(newCfg)
	})

	// Operational server: health, metrics, admin.
	mux := http.NewServeMux()

	healthHandler := health.New(factory, logger)
	healthHandler.RegisterRoutes(mux)

	if cfg.Metrics.IsEnabled() {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", cfg.Metrics.Path)
	}

	if cfg.Admin.Enabled {
		adminHandler := admin.New(reloader, registry, limiter, logger)
		adminHandler.RegisterRoutes(mux)
		logger.Info("admin endpoints registered", "allowlist", cfg.Admin.IPAllowlist)
	}

	var handler http.Handler = mux
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting aggregator", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("aggregator stopped gracefully")
}
