package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davicafu/fleetguard/internal/app"
)

func NewSagaCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "saga",
		Short: "Saga operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "resume <sagaId>",
		Short: "Continue a saga from its last checkpoint and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				inst, err := a.Orchestrator.ResumeFromCheckpoint(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saga %s: %s\n", inst.ID, inst.Status)
				if inst.Error != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "error: %s\n", inst.Error)
				}
				return nil
			})
		},
	})
	return cmd
}
