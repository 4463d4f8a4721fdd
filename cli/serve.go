package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rowmill/rowmill/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the orchestrator service",
	Long: `Starts the dispatcher, reclaim, and scheduler loops and blocks until
SIGINT or SIGTERM. On shutdown, in-flight runs drain within the configured
cancel grace and their requests settle to a terminal status.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		o, err := orchestrator.New(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer o.Close()

		err = o.Serve(ctx)
		log.Info("orchestrator stopped")
		return err
	},
}
