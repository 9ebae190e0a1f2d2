package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davicafu/fleetguard/internal/app"
)

func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the saga, outbox and rollback tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				if err := a.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", opts.cfg.DBDriver)
				return nil
			})
		},
	}
}
