package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"horizon-workflow/internal/app"
	"horizon-workflow/internal/config"
	"horizon-workflow/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg, os.Stderr).With("service", "worker")

	if cfg.StorageBackend == config.StorageMemory {
		logger.Error("the worker needs shared storage; the api runs tasks inline with STORAGE_BACKEND=memory")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	go func() { _ = svc.Sweeper().Run(ctx) }()

	logger.Info("worker started",
		"worker_id", workerID,
		"visibility", cfg.VisibilityTimeout,
		"backoff_initial", cfg.BackoffInitial,
		"sweep_interval", cfg.SweepInterval,
		"step_lease", cfg.StepLease)
	if err := svc.Processor(workerID).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
	}
}
