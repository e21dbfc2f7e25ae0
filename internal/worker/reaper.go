package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/strokelab/internal/queue"
	"github.com/kiranshivaraju/strokelab/internal/store"
	"github.com/kiranshivaraju/strokelab/internal/telemetry"
)

// idleChunkBatch caps how many idle chunks or jobs one sweep re-publishes.
const idleChunkBatch = 500

// Reaper recovers work that a crashed worker or a lost message left behind.
type Reaper struct {
	store       store.Store
	publisher   queue.Publisher
	retryBudget int
	// republishAfter is how long queued work may sit untouched before its
	// message is presumed lost. Normally the queue visibility timeout.
	republishAfter time.Duration
	interval       time.Duration
	logger         *slog.Logger
}

// NewReaper creates a Reaper.
func NewReaper(s store.Store, pub queue.Publisher, retryBudget int, republishAfter, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:          s,
		publisher:      pub,
		retryBudget:    retryBudget,
		republishAfter: republishAfter,
		interval:       interval,
		logger:         logger,
	}
}

// Sweep returns expired claims to the queue and re-publishes work whose
// message appears lost: idle queued chunks, stalled plans and finished jobs
// that never started aggregating.
func (r *Reaper) Sweep(ctx context.Context) error {
	var errs []error

	reaped, err := r.store.ReapExpiredChunks(ctx, r.retryBudget)
	if err != nil {
		errs = append(errs, fmt.Errorf("reaping expired claims: %w", err))
	} else {
		for _, c := range reaped.Requeued {
			telemetry.ChunksReaped.WithLabelValues("requeued").Inc()
			r.logger.Warn("claim lease expired, chunk requeued",
				"job_id", c.JobID, "chunk_id", c.ID, "chunk_index", c.ChunkIndex, "attempts", c.AttemptCount)
			r.publish(ctx, queue.ProcessChunk(c.JobID, c.ID))
		}
		for _, jobID := range reaped.FailedJobs {
			telemetry.ChunksReaped.WithLabelValues("failed").Inc()
			r.logger.Error("claim lease expired with retry budget exhausted, job failed", "job_id", jobID)
		}
	}

	idle, err := r.store.RefreshIdleChunks(ctx, r.republishAfter, idleChunkBatch)
	if err != nil {
		errs = append(errs, fmt.Errorf("listing idle chunks: %w", err))
	}
	for _, c := range idle {
		r.logger.Info("re-publishing idle chunk", "job_id", c.JobID, "chunk_id", c.ID, "chunk_index", c.ChunkIndex)
		r.publish(ctx, queue.ProcessChunk(c.JobID, c.ID))
	}

	stalled, err := r.store.RefreshStalledPlans(ctx, r.republishAfter, idleChunkBatch)
	if err != nil {
		errs = append(errs, fmt.Errorf("listing stalled plans: %w", err))
	}
	for _, jobID := range stalled {
		r.logger.Info("re-publishing plan", "job_id", jobID)
		r.publish(ctx, queue.PlanJob(jobID))
	}

	jobs, err := r.store.ListAggregationCandidates(ctx, r.republishAfter)
	if err != nil {
		errs = append(errs, fmt.Errorf("listing aggregation candidates: %w", err))
	}
	for _, jobID := range jobs {
		r.logger.Info("re-publishing aggregation", "job_id", jobID)
		r.publish(ctx, queue.AggregateJob(jobID))
	}

	return errors.Join(errs...)
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("reaper started", "interval", r.interval.String())
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reaper sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Reaper) publish(ctx context.Context, msg queue.Message) {
	if err := r.publisher.Publish(ctx, msg); err != nil {
		r.logger.Error("failed to publish", "kind", msg.Kind, "job_id", msg.JobID, "error", err)
	}
}
