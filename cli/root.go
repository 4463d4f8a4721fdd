// Package cli provides the rowmill command-line interface: the long-running
// orchestrator service plus administrative commands for enqueueing,
// cancelling, and inspecting requests.
//
// Configuration precedence (highest to lowest):
//  1. Command-line flags
//  2. Environment variables with the ROWMILL_ prefix
//  3. Configuration file values
//  4. Built-in defaults
package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rowmill/rowmill/common"
	"github.com/rowmill/rowmill/config"
)

// cfgFile holds the path given with --config. When empty, config.yaml is
// searched in ., ./configs, $HOME/.rowmill, and /etc/rowmill.
var cfgFile string

// RootCmd is the rowmill entry point. Subcommands do the actual work; the
// bare command prints help.
var RootCmd = &cobra.Command{
	Use:   "rowmill",
	Short: "metadata-driven ETL orchestrator",
	Long: `Rowmill moves data between relational databases, driven by mapping
metadata: it schedules jobs, claims them from a durable request queue,
executes them in parallel chunks, and checkpoints progress so interrupted
runs resume where they stopped.

Commands:
  serve    run the orchestrator loops (dispatcher, reclaim, scheduler)
  enqueue  queue a run for a mapping
  cancel   cancel a queued or running request
  status   show a request's status and latest run counters`,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(enqueueCmd)
	RootCmd.AddCommand(cancelCmd)
	RootCmd.AddCommand(statusCmd)
}

// loadConfig reads the configuration and builds the process logger from it.
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	log := common.NewLogger(common.LoggerConfig{
		Level:  common.LogLevel(cfg.Logging.Level),
		Format: cfg.Logging.Format,
	})
	return cfg, log, nil
}

// Execute runs the root command.
func Execute() error {
	return RootCmd.Execute()
}
