package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/strokelab/internal/media"
	"github.com/kiranshivaraju/strokelab/internal/queue"
	"github.com/kiranshivaraju/strokelab/internal/store"
	"github.com/kiranshivaraju/strokelab/internal/telemetry"
	"github.com/kiranshivaraju/strokelab/pkg/models"
)

// Prober returns the duration of a video in seconds.
type Prober interface {
	Probe(ctx context.Context, videoURL string) (float64, error)
}

// URLSigner hands out time-limited read URLs for stored objects.
type URLSigner interface {
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Planner turns an uploaded job into a persisted chunk set and publishes one
// ProcessChunk message per chunk.
type Planner struct {
	store     store.Store
	signer    URLSigner
	prober    Prober
	publisher queue.Publisher
	urlTTL    time.Duration
	logger    *slog.Logger
}

// New creates a Planner.
func New(s store.Store, signer URLSigner, prober Prober, pub queue.Publisher, urlTTL time.Duration, logger *slog.Logger) *Planner {
	return &Planner{
		store:     s,
		signer:    signer,
		prober:    prober,
		publisher: pub,
		urlTTL:    urlTTL,
		logger:    logger,
	}
}

// HandleMessage implements queue.Handler for PlanJob messages.
func (p *Planner) HandleMessage(ctx context.Context, msg queue.Message) error {
	if msg.Kind != queue.KindPlanJob {
		return fmt.Errorf("%w: planner got %s", queue.ErrInvalidMessage, msg.Kind)
	}
	return p.PlanJob(ctx, msg.JobID)
}

// PlanJob probes the job's video, persists its chunks and publishes them.
// Redelivery for a job that is already planned is a no-op. A returned error
// means the message should be redelivered.
func (p *Planner) PlanJob(ctx context.Context, jobID uuid.UUID) error {
	logger := p.logger.With("job_id", jobID)

	job, err := p.store.BeginPlanning(ctx, jobID)
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		telemetry.JobsPlanned.WithLabelValues("noop").Inc()
		logger.Debug("job already planned")
		return nil
	case errors.Is(err, store.ErrNotFound):
		logger.Warn("plan requested for unknown job")
		return nil
	case err != nil:
		return fmt.Errorf("begin planning: %w", err)
	}

	videoURL, err := p.signer.SignedURL(ctx, job.VideoRef, p.urlTTL)
	if err != nil {
		return p.failUnreadable(ctx, logger, jobID, fmt.Errorf("signing video url: %w", err))
	}

	duration, err := p.prober.Probe(ctx, videoURL)
	if errors.Is(err, media.ErrMediaUnreadable) {
		return p.failUnreadable(ctx, logger, jobID, err)
	}
	if err != nil {
		return fmt.Errorf("probing video: %w", err)
	}

	if err := p.store.SetStage(ctx, jobID, "planning chunks"); err != nil {
		logger.Warn("failed to update stage", "error", err)
	}

	chunkSeconds := job.ChunkSeconds
	if job.Mode == models.JobModeMonolithic {
		chunkSeconds = duration
	}
	intervals, err := Plan(duration, chunkSeconds)
	if err != nil {
		return p.failUnreadable(ctx, logger, jobID, err)
	}

	chunks := make([]*models.Chunk, len(intervals))
	for i, iv := range intervals {
		chunks[i] = &models.Chunk{
			ID:         uuid.New(),
			JobID:      jobID,
			ChunkIndex: i,
			StartSec:   iv.Start,
			EndSec:     iv.End,
			Status:     models.ChunkStatusQueued,
		}
	}

	err = p.store.SavePlan(ctx, jobID, duration, chunks)
	if errors.Is(err, store.ErrInvalidTransition) {
		// A concurrent delivery saved its plan first.
		telemetry.JobsPlanned.WithLabelValues("noop").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("saving plan: %w", err)
	}
	telemetry.JobsPlanned.WithLabelValues("planned").Inc()
	telemetry.PlannedChunks.Observe(float64(len(chunks)))
	logger.Info("job planned", "duration_seconds", duration, "chunks", len(chunks), "mode", job.Mode)

	// The plan is committed. A lost publish is recovered by the reaper, which
	// re-publishes idle queued chunks, so publish errors are only logged.
	for _, c := range chunks {
		if err := p.publisher.Publish(ctx, queue.ProcessChunk(jobID, c.ID)); err != nil {
			logger.Error("failed to publish chunk", "chunk_id", c.ID, "chunk_index", c.ChunkIndex, "error", err)
		}
	}
	return nil
}

func (p *Planner) failUnreadable(ctx context.Context, logger *slog.Logger, jobID uuid.UUID, cause error) error {
	telemetry.JobsPlanned.WithLabelValues("media_unreadable").Inc()
	logger.Warn("video unreadable, failing job", "error", cause)
	if !errors.Is(cause, media.ErrMediaUnreadable) {
		cause = fmt.Errorf("%w: %v", media.ErrMediaUnreadable, cause)
	}
	err := p.store.FailJob(ctx, jobID, cause.Error())
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		return fmt.Errorf("failing job: %w", err)
	}
	return nil
}
