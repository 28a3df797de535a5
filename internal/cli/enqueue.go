package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"icr-worker/internal/app"
)

type EnqueueOptions struct {
	*RootOptions
	SubmissionID string
}

func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <page-image>...",
		Short: "Queue the pages of one submission",
		Long: `Seed the submission counters, mark it as queued in the catalog and push
one job per page image, in argument order.

Example:
  worker enqueue --root /var/lib/icr --submission-id 7f9c scans/7f9c-1.jpg scans/7f9c-2.jpg`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backends, err := app.Open(ctx, opts.Config, opts.Logger)
			if err != nil {
				return WrapExitError(ExitFailure, "open backends", err)
			}
			defer backends.Close()

			sub, err := backends.Producer(opts.Logger).Enqueue(ctx, opts.SubmissionID, args)
			if err != nil {
				return WrapExitError(ExitFailure, "enqueue", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sub)
		},
	}

	cmd.Flags().StringVar(&opts.SubmissionID, "submission-id", "", "submission id (generated when empty)")
	return cmd
}
