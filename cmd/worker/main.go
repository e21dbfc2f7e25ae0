// Package main is the entrypoint for the strokelab pipeline workers.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/strokelab/internal/app"
	"github.com/kiranshivaraju/strokelab/internal/config"
	"github.com/kiranshivaraju/strokelab/internal/media"
	"github.com/kiranshivaraju/strokelab/internal/pose"
)

var (
	migrate     bool
	concurrency int
	poll        bool

	rootCmd = &cobra.Command{
		Use:   "strokelab-worker",
		Short: "Run strokelab pipeline stages",
		Long: `strokelab-worker consumes pipeline messages. Each subcommand runs one
stage so stages can be scaled independently; "all" runs every stage and the
reaper in one process.`,
		SilenceUsage: true,
	}

	planCmd = &cobra.Command{
		Use:   "plan",
		Short: "Probe uploaded videos and plan their chunks",
		RunE:  stageRunner(stagePlan),
	}

	chunksCmd = &cobra.Command{
		Use:   "chunks",
		Short: "Extract poses for queued chunks",
		RunE:  stageRunner(stageChunks),
	}

	aggregateCmd = &cobra.Command{
		Use:   "aggregate",
		Short: "Merge finished jobs into their final report",
		RunE:  stageRunner(stageAggregate),
	}

	reapCmd = &cobra.Command{
		Use:   "reap",
		Short: "Recover expired claims and lost messages",
		RunE:  stageRunner(stageReap),
	}

	allCmd = &cobra.Command{
		Use:   "all",
		Short: "Run every stage and the reaper",
		RunE:  stageRunner(stageAll),
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&migrate, "migrate", false, "Apply database migrations before starting")
	chunksCmd.Flags().IntVarP(&concurrency, "concurrency", "c", 0, "Concurrent chunks (default WORKER_CONCURRENCY)")
	chunksCmd.Flags().BoolVar(&poll, "poll", false, "Claim chunks by polling the database instead of consuming the queue")
	allCmd.Flags().IntVarP(&concurrency, "concurrency", "c", 0, "Concurrent chunks (default WORKER_CONCURRENCY)")

	rootCmd.AddCommand(planCmd, chunksCmd, aggregateCmd, reapCmd, allCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// stageRunner loads config, connects backends and runs stage until SIGINT or
// SIGTERM.
func stageRunner(stage string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger := app.NewLogger(cfg.Server.LogLevel).With("stage", stage)
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		backends, err := app.Open(ctx, cfg, app.Options{Migrate: migrate}, logger)
		if err != nil {
			return err
		}
		defer backends.Close()

		c := newComponents(cfg, dependencies{
			Store:     backends.Store,
			Objects:   backends.Objects,
			Broker:    backends.Broker,
			Progress:  backends.Cache,
			Prober:    media.NewProber(cfg.Media.FFprobePath, media.ExecRunner, logger),
			Extractor: pose.NewHTTPClient(cfg.Pose.BaseURL, cfg.Pose.Timeout),
		}, logger)

		logger.Info("worker starting", "queue_backend", cfg.Queue.Backend)
		err = c.run(ctx, stage, runOptions{Concurrency: concurrency, Poll: poll})
		if err != nil && ctx.Err() == nil {
			return err
		}
		logger.Info("worker stopped")
		return nil
	}
}
