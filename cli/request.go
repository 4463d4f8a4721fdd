package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rowmill/rowmill/config"
	"github.com/rowmill/rowmill/queue"
	"github.com/rowmill/rowmill/store"
)

// withGateway connects to the metadata store for one administrative command.
func withGateway(fn func(ctx context.Context, cfg *config.Config, g *store.Gateway, log *logrus.Logger) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g, err := store.NewGateway(ctx, cfg.Metadata.DSN, cfg.Metadata.Schema, log)
	if err != nil {
		return err
	}
	defer g.Close()
	return fn(ctx, cfg, g, log)
}

var enqueueLoadMode string

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <mapping-ref>",
	Short: "queue a run for a mapping",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGateway(func(ctx context.Context, cfg *config.Config, g *store.Gateway, log *logrus.Logger) error {
			d := queue.NewDispatcher(g, nil, nil, cfg.Queue, cfg.Service.WorkerID, log)
			params := map[string]string{"source": "MANUAL"}
			if enqueueLoadMode != "" {
				params["load_mode"] = enqueueLoadMode
			}
			id, err := d.Enqueue(ctx, args[0], params)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <request-id>",
	Short: "cancel a queued or running request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid request id %q: %w", args[0], err)
		}
		return withGateway(func(ctx context.Context, _ *config.Config, g *store.Gateway, _ *logrus.Logger) error {
			return g.CancelRequest(ctx, id)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <request-id>",
	Short: "show a request's status and latest run counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid request id %q: %w", args[0], err)
		}
		return withGateway(func(ctx context.Context, _ *config.Config, g *store.Gateway, _ *logrus.Logger) error {
			req, err := g.GetRequest(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("request:  %s\n", req.RequestID)
			fmt.Printf("mapping:  %s\n", req.MappingRef)
			fmt.Printf("status:   %s\n", req.Status)
			fmt.Printf("created:  %s\n", req.CreatedAt.Format(time.RFC3339))
			if req.ClaimOwner != nil {
				fmt.Printf("owner:    %s\n", *req.ClaimOwner)
			}

			run, err := g.LatestRunForRequest(ctx, id)
			if err != nil {
				// No run yet: the request has not been picked up.
				return nil
			}
			fmt.Printf("run:      %s (%s)\n", run.RunID, run.Status)
			fmt.Printf("rows:     %s read, %s succeeded, %s failed\n",
				humanize.Comma(run.RowsRead), humanize.Comma(run.RowsSucceeded), humanize.Comma(run.RowsFailed))
			if run.CheckpointValue != nil {
				fmt.Printf("checkpoint: %s\n", *run.CheckpointValue)
			}
			return nil
		})
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueLoadMode, "load-mode", "", "override the mapping's load mode (INSERT, TRUNCATE_LOAD, UPSERT)")
}
