package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskpilot/taskpilot/internal/observability"
	"github.com/taskpilot/taskpilot/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the task orchestration API server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		components, err := service.Build(ctx, cfg, logger)
		if err != nil {
			return err
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- components.Server.Listen()
		}()

		select {
		case err := <-errCh:
			components.Shutdown(context.Background())
			return err
		case <-ctx.Done():
			logger.Info("Shutdown signal received.")
			components.Shutdown(context.Background())
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
