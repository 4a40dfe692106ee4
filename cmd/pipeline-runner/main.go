// pipeline-runner is the HTTP service that assembles pipeline definitions,
// runs them locally and accepts approval decisions.
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cdpipeline/internal/api"
	"cdpipeline/internal/assembler"
	"cdpipeline/internal/config"
	"cdpipeline/internal/executor/docker"
	"cdpipeline/internal/health"
	"cdpipeline/internal/notify"
	"cdpipeline/internal/observability"
	"cdpipeline/internal/params"
	"cdpipeline/internal/revision"
	"cdpipeline/internal/run"
	"cdpipeline/internal/runstore/sqlite"
	"cdpipeline/internal/source/github"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	configPath := flag.String("config", config.ConfigPath(), "path to the YAML configuration file")
	flag.Parse()

	if err := serve(*configPath); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func openStore(path string) (run.Store, health.ReadinessChecker, error) {
	if path == "" {
		slog.Warn("No database_path configured, run history is kept in memory")
		return run.NewMemoryStore(), health.CheckFunc(func(context.Context) error { return nil }), nil
	}
	store, err := sqlite.New(path)
	if err != nil {
		return nil, nil, err
	}
	return store, store, nil
}

func serve(configPath string) error {
	ctx := context.Background()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}
	metrics.DispatcherBufferSize = int64(cfg.Dispatcher.BufferSize)

	paramStore, err := params.Load(cfg.Params.File)
	if err != nil {
		return err
	}

	notifier := notify.New(notify.Config{
		Channels:      cfg.Notifications.Channels,
		SigningSecret: cfg.Notifications.SigningSecret,
		BufferSize:    cfg.Dispatcher.BufferSize,
		Workers:       cfg.Dispatcher.Workers,
		MaxAttempts:   cfg.Dispatcher.MaxAttempts,
		HTTPTimeout:   cfg.Dispatcher.HTTPTimeout,
	}, metrics)

	executor, err := docker.NewExecutor(docker.Config{WorkRoot: cfg.Service.WorkDir})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := executor.Close(closeCtx); err != nil {
			slog.Warn("Executor shutdown error", "error", err)
		}
	}()
	slog.Info("Connected to Docker daemon")

	store, storeCheck, err := openStore(cfg.Service.DatabasePath)
	if err != nil {
		return err
	}

	runs, err := run.NewService(run.Config{
		Sources:  github.New(github.Config{APIURL: cfg.Source.APIURL, Secrets: paramStore}),
		Builds:   executor,
		Params:   paramStore,
		Notifier: notifier,
		Store:    store,
		Metrics:  metrics,
		WorkDir:  cfg.Service.WorkDir,
	})
	if err != nil {
		store.Close()
		return err
	}

	if n, err := runs.Recover(ctx); err != nil {
		runs.Close(ctx)
		return err
	} else if n > 0 {
		slog.Warn("Closed out runs interrupted by a previous shutdown", "count", n)
	}

	var lookup revision.GitLookup
	asm := assembler.New(lookup, metrics)
	props := assembler.PropsFromConfig(cfg)

	healthChecker := health.NewChecker(map[string]health.ReadinessChecker{
		"executor": executor,
		"store":    storeCheck,
	})
	healthChecker.AddOptional("notifications", notifier)

	router := api.NewRouter(api.RouterConfig{
		Runs:          runs,
		Assembler:     asm,
		Props:         props,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        cfg.Service.APIKey,
	})

	if cfg.Service.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no api_key_file configured")
	}

	apiServer := &http.Server{
		Addr:         ":" + cfg.Service.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.Service.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", cfg.Service.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", cfg.Service.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		runs.Close(context.Background())
		return err
	}

	// Phase 1: fail readiness so load balancers drain
	healthChecker.SetShuttingDown()
	if cfg.Service.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.Service.ShutdownDrainWait)
		time.Sleep(cfg.Service.ShutdownDrainWait)
	}

	// Phase 2: stop accepting requests, finish in-flight ones
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: cancel live runs; pending gates end as cancelled
	runsCtx, runsCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer runsCancel()
	if err := runs.Close(runsCtx); err != nil {
		slog.Warn("Run service shutdown error", "error", err)
	}

	// Phase 4: deliver the final notifications
	slog.Info("Draining notification dispatcher")
	notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer notifyCancel()
	if err := notifier.Close(notifyCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := notifier.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)
	slog.Info("Shutdown complete")
	return nil
}
