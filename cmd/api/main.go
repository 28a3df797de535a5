package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"icr-worker/internal/api"
	"icr-worker/internal/app"
	"icr-worker/internal/cli"
	"icr-worker/internal/config"
)

// The api process serves submission intake and status without running the
// coordinator, so it never reports itself as halted.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(cli.ExitConfigError)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(cli.ExitConfigError)
	}

	logger, closer, err := cli.NewLogger(cfg.LogTo, cfg.Debug, os.Stderr)
	if err != nil {
		slog.Error("open log file", "error", err)
		os.Exit(cli.ExitConfigError)
	}
	if closer != nil {
		defer closer.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	backends, err := app.Open(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("open backends", "error", err)
		os.Exit(cli.ExitFailure)
	}
	defer backends.Close()

	h := api.NewHandler(backends.Catalog, backends.Counters, backends.Producer(logger), nil, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			os.Exit(cli.ExitFailure)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
