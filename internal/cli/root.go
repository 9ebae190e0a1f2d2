package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davicafu/fleetguard/internal/app"
	"github.com/davicafu/fleetguard/internal/config"
	"github.com/davicafu/fleetguard/pkg/logger"
)

// RootOptions es el estado compartido por los subcomandos, cargado en
// PersistentPreRunE.
type RootOptions struct {
	LogLevel string

	cfg *config.Config
	log *zap.Logger
}

// NewRootCommand crea el comando fleetguard. Sin subcomando arranca el servidor.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fleetguard",
		Short: "Saga orchestrator and transactional outbox for device fleet rollbacks",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			if opts.LogLevel != "" {
				cfg.LogLevel = opts.LogLevel
			}
			logger.Init(cfg.LogLevel)
			opts.cfg, opts.log = cfg, logger.Logger()
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Sync()
		},
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override LOG_LEVEL (debug|info|warn|error)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewOutboxCommand(opts))
	cmd.AddCommand(NewSagaCommand(opts))
	return cmd
}

// withApp abre las dependencias, ejecuta fn y las cierra.
func withApp(ctx context.Context, opts *RootOptions, fn func(context.Context, *app.App) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, opts.cfg, opts.log)
	if err != nil {
		return fmt.Errorf("wiring application: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			opts.log.Warn("⚠️ Error cerrando conexiones", zap.Error(err))
		}
	}()
	return fn(ctx, a)
}
