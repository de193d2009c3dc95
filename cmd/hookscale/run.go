package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bobarin/hookscale/internal/config"
	"github.com/bobarin/hookscale/internal/progress"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	runPublish  bool
	runTakeover bool
)

var runCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Render a job in the foreground, printing progress as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE:  runJob,
}

func init() {
	runCmd.Flags().BoolVar(&runPublish, "publish", true, "also publish progress to redis for API subscribers")
	runCmd.Flags().BoolVar(&runTakeover, "takeover", false, "resume a job left processing by a worker that stopped")
}

func runJob(cmd *cobra.Command, args []string) error {
	jobID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", args[0], err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	notifiers := progress.Multi{progress.NewWriter(os.Stdout)}
	if runPublish {
		notifiers = append(notifiers, progress.NewRedisRelay(b.queue.Client()))
	}

	orch := b.orchestrator(notifiers)
	if runTakeover {
		return orch.Takeover(ctx, jobID)
	}
	return orch.Run(ctx, jobID)
}
