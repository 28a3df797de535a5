package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/cobra"

	"icr-worker/internal/app"
	"icr-worker/internal/events"
)

type IntakeOptions struct {
	*RootOptions
	NoBackfill bool
}

func NewIntakeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IntakeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "intake",
		Short: "Queue submissions uploaded to the intake bucket",
		Long: `Listen for object-created events on the MinIO intake bucket. When
{submission_id}/manifest.json arrives, the listed pages are downloaded to the
incoming directory and queued for recognition.

Manifests uploaded while the listener was down are picked up at start.

Example:
  worker intake --root /var/lib/icr`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runIntake(ctx, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.NoBackfill, "no-backfill", false, "skip manifests uploaded before start")
	return cmd
}

func runIntake(ctx context.Context, opts *IntakeOptions) error {
	cfg, logger := opts.Config, opts.Logger

	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "connect minio", err)
	}

	backends, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitFailure, "open backends", err)
	}
	defer backends.Close()

	intake := &events.Intake{
		Objects:     events.NewMinioObjects(client, cfg.IntakeBucket),
		Enqueuer:    backends.Producer(logger),
		Catalog:     backends.Catalog,
		IncomingDir: cfg.IncomingPath(),
		Logger:      logger,
	}
	if !opts.NoBackfill {
		if err := intake.Backfill(ctx); err != nil {
			return WrapExitError(ExitFailure, "backfill", err)
		}
	}

	logger.Info("listening for uploads", "bucket", cfg.IntakeBucket, "incoming_dir", cfg.IncomingPath())
	source := events.NewManifestSource(client, cfg.IntakeBucket, logger)
	if err := source.Run(ctx, intake.Handle); err != nil {
		return WrapExitError(ExitFailure, "intake stopped", err)
	}
	return nil
}
