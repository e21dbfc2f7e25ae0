package main

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/strokelab/internal/aggregator"
	"github.com/kiranshivaraju/strokelab/internal/analysis"
	"github.com/kiranshivaraju/strokelab/internal/config"
	"github.com/kiranshivaraju/strokelab/internal/pipeline"
	"github.com/kiranshivaraju/strokelab/internal/planner"
	"github.com/kiranshivaraju/strokelab/internal/pose"
	"github.com/kiranshivaraju/strokelab/internal/queue"
	"github.com/kiranshivaraju/strokelab/internal/storage"
	"github.com/kiranshivaraju/strokelab/internal/store"
	"github.com/kiranshivaraju/strokelab/internal/worker"
)

const (
	stagePlan      = "plan"
	stageChunks    = "chunks"
	stageAggregate = "aggregate"
	stageReap      = "reap"
	stageAll       = "all"
)

const planConcurrency = 2

type dependencies struct {
	Store     store.Store
	Objects   storage.ObjectStore
	Broker    queue.Broker
	Progress  worker.ProgressRecorder
	Prober    planner.Prober
	Extractor pose.Extractor
}

type components struct {
	cfg        *config.Config
	broker     queue.Broker
	planner    *planner.Planner
	chunks     *worker.ChunkWorker
	aggregator *aggregator.Aggregator
	reaper     *worker.Reaper
	logger     *slog.Logger
}

type runOptions struct {
	Concurrency int
	Poll        bool
}

func newComponents(cfg *config.Config, d dependencies, logger *slog.Logger) *components {
	p := cfg.Pipeline
	return &components{
		cfg:    cfg,
		broker: d.Broker,
		planner: planner.New(d.Store, d.Objects, d.Prober, d.Broker, cfg.Storage.SignedURLTTL,
			logger.With("component", "planner")),
		chunks: worker.New(d.Store, d.Objects, d.Extractor, d.Broker, d.Progress, worker.Config{
			Lease:         p.ChunkLeaseTimeout,
			RetryBudget:   p.RetryBudget,
			MaxFrameWidth: p.MaxFrameWidth,
			URLTTL:        cfg.Storage.SignedURLTTL,
			Concurrency:   p.WorkerConcurrency,
			PollInterval:  p.PollInterval,
		}, logger.With("component", "chunk_worker")),
		aggregator: aggregator.New(d.Store, d.Objects, analysis.NewComputer(), analysis.NewTemplateRenderer(),
			d.Progress, p.AggregationLeaseTimeout, logger.With("component", "aggregator")),
		reaper: worker.NewReaper(d.Store, d.Broker, p.RetryBudget, cfg.Queue.VisibilityTimeout, p.ReaperInterval,
			logger.With("component", "reaper")),
		logger: logger,
	}
}

// run blocks until ctx is done or a stage fails.
func (c *components) run(ctx context.Context, stage string, opts runOptions) error {
	chunkConcurrency := c.cfg.Pipeline.WorkerConcurrency
	if opts.Concurrency > 0 {
		chunkConcurrency = opts.Concurrency
	}
	d := pipeline.NewDispatcher(c.broker, c.logger)

	switch stage {
	case stagePlan:
		return d.Route(queue.KindPlanJob, c.planner, planConcurrency).Run(ctx)
	case stageChunks:
		if opts.Poll {
			return c.chunks.Run(ctx)
		}
		return d.Route(queue.KindProcessChunk, c.chunks, chunkConcurrency).Run(ctx)
	case stageAggregate:
		return d.Route(queue.KindAggregateJob, c.aggregator, c.cfg.Pipeline.AggregatorConcurrency).Run(ctx)
	case stageReap:
		return c.reaper.Run(ctx)
	case stageAll:
		d.Route(queue.KindPlanJob, c.planner, planConcurrency).
			Route(queue.KindProcessChunk, c.chunks, chunkConcurrency).
			Route(queue.KindAggregateJob, c.aggregator, c.cfg.Pipeline.AggregatorConcurrency)
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return d.Run(ctx) })
		g.Go(func() error { return c.reaper.Run(ctx) })
		return g.Wait()
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
}
