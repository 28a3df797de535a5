package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"icr-worker/internal/api"
	"icr-worker/internal/app"
	"icr-worker/internal/coordinator"
	"icr-worker/internal/recognition"
)

type RunOptions struct {
	*RootOptions
	NoHTTP bool
}

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process queued pages until stopped or halted",
		Long: `Start the completion coordinator on the local queue.

The worker pulls one page at a time, runs recognition, updates the submission
counters and writes results to the catalog. A catalog failure puts the page
back, restores the counters and exits with code 3 so a supervisor can restart
the worker.

Example:
  worker run --root /var/lib/icr --save-path /srv/icr_results
  worker run --config worker.yaml --debug`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.NoHTTP, "no-http", false, "do not serve the ops HTTP endpoints")
	return cmd
}

func runWorker(ctx context.Context, opts *RunOptions) error {
	cfg, logger := opts.Config, opts.Logger
	logger.Info("storing icr results", "save_path", cfg.SavePath, "artifact_backend", cfg.ArtifactBackend)

	backends, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitFailure, "open backends", err)
	}
	defer backends.Close()

	artifacts, err := app.OpenArtifacts(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitFailure, "open artifact store", err)
	}

	logger.Info("using recognizer", "url", cfg.RecognizerURL)
	engine := recognition.NewHTTPClient(cfg.RecognizerURL, cfg.RecognizerTimeout())
	adapter := recognition.NewAdapter(engine, artifacts, cfg.QuestionCount, logger)

	coord, err := coordinator.New(coordinator.Options{
		Queue:      backends.Queue,
		Counters:   backends.Counters,
		Recognizer: adapter,
		Catalog:    backends.Catalog,
		Logger:     logger,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "build coordinator", err)
	}

	if !opts.NoHTTP {
		h := api.NewHandler(backends.Catalog, backends.Counters, backends.Producer(logger), coord, logger)
		srv := &http.Server{
			Addr:              ":" + cfg.HTTPPort,
			Handler:           api.NewRouter(h),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("ops http listening", "port", cfg.HTTPPort)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("graceful shutdown failed", "error", err)
			}
		}()
	}

	if err := coord.Run(ctx); err != nil {
		if errors.Is(err, coordinator.ErrHalted) {
			return WrapExitError(ExitHalted, "worker halted", err)
		}
		return WrapExitError(ExitFailure, "worker stopped", err)
	}
	return nil
}
