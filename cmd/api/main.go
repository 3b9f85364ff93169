package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"horizon-workflow/internal/app"
	"horizon-workflow/internal/config"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg, os.Stderr).With("service", "api")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	seeded, err := svc.Catalog.SeedDefaults(ctx)
	if err != nil {
		logger.Error("seed process sequences", "error", err)
		os.Exit(1)
	}
	if seeded > 0 {
		logger.Info("seeded default process sequences", "count", seeded)
	}

	// The in-memory store is invisible to a separate worker process, so run the task loop and
	// sweeper here instead.
	if cfg.StorageBackend == config.StorageMemory {
		go func() { _ = svc.Processor("api-inline").Run(ctx) }()
		go func() { _ = svc.Sweeper().Run(ctx) }()
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           svc.Server().Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "storage", cfg.StorageBackend, "event_sink", cfg.EventSink)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("api stopped")
}
