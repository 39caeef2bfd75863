package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/changewatch/internal/app"
	"github.com/JakeFAU/changewatch/internal/config"
)

// server is what serve runs; tests substitute a fake.
type server interface {
	Run(ctx context.Context) error
}

// buildServer is a variable so tests can avoid binding a port.
var buildServer = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (server, error) {
	return app.Build(ctx, cfg, logger)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, workers, notification dispatcher and control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv, err := buildServer(ctx, rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			rt.logger.Info("changewatch starting", zap.Int("port", rt.cfg.Server.Port))
			if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run: %w", err)
			}
			return nil
		},
	}
}
