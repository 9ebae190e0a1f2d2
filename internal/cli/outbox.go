package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davicafu/fleetguard/internal/app"
)

// NewOutboxCommand agrupa las operaciones de mantenimiento del outbox.
func NewOutboxCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Outbox maintenance",
	}
	cmd.AddCommand(newRetryFailedCommand(opts))
	cmd.AddCommand(newCleanupCommand(opts))
	return cmd
}

func newRetryFailedCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed",
		Short: "Move every failed event back to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				n, err := a.Outbox.RetryAllFailed(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %d failed events\n", n)
				return nil
			})
		},
	}
}

func newCleanupCommand(opts *RootOptions) *cobra.Command {
	var retentionDays int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete published events older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				n, err := a.Outbox.CleanupPublished(ctx, retentionDays)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d published events older than %d days\n", n, retentionDays)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&retentionDays, "retention-days", 7, "keep published events newer than this many days")
	return cmd
}
