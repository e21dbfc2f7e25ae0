// Package worker runs chunk processing and lease reaping against the job store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/strokelab/internal/media"
	"github.com/kiranshivaraju/strokelab/internal/pose"
	"github.com/kiranshivaraju/strokelab/internal/queue"
	"github.com/kiranshivaraju/strokelab/internal/storage"
	"github.com/kiranshivaraju/strokelab/internal/store"
	"github.com/kiranshivaraju/strokelab/internal/telemetry"
	"github.com/kiranshivaraju/strokelab/pkg/models"
)

// errLeaseLost cancels an extraction whose claim was taken away.
var errLeaseLost = errors.New("chunk lease lost")

// ProgressRecorder mirrors job progress into a fast read path.
type ProgressRecorder interface {
	SetJobProgress(ctx context.Context, jobID uuid.UUID, pct int, ttl time.Duration) (int, error)
}

// Config tunes a ChunkWorker.
type Config struct {
	WorkerID      string
	Lease         time.Duration
	RetryBudget   int
	MaxFrameWidth int
	URLTTL        time.Duration
	Concurrency   int
	PollInterval  time.Duration
}

// ChunkWorker claims chunks, extracts their poses and records the results.
type ChunkWorker struct {
	store     store.Store
	objects   storage.ObjectStore
	extractor pose.Extractor
	publisher queue.Publisher
	progress  ProgressRecorder
	cfg       Config
	logger    *slog.Logger
}

// New creates a ChunkWorker. progress may be nil.
func New(s store.Store, objects storage.ObjectStore, extractor pose.Extractor, pub queue.Publisher,
	progress ProgressRecorder, cfg Config, logger *slog.Logger) *ChunkWorker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &ChunkWorker{
		store:     s,
		objects:   objects,
		extractor: extractor,
		publisher: pub,
		progress:  progress,
		cfg:       cfg,
		logger:    logger.With("worker_id", cfg.WorkerID),
	}
}

// ProcessNext claims any queued chunk and processes it. It reports false
// without blocking when nothing is queued.
func (w *ChunkWorker) ProcessNext(ctx context.Context) (bool, error) {
	chunk, err := w.store.ClaimNextChunk(ctx, w.cfg.WorkerID, w.cfg.Lease)
	if err != nil {
		return false, fmt.Errorf("claiming chunk: %w", err)
	}
	if chunk == nil {
		return false, nil
	}
	return true, w.process(ctx, chunk)
}

// HandleProcessChunk claims the chunk named by msg. Losing the claim means the
// chunk is already claimed, finished or skipped, and is not an error.
func (w *ChunkWorker) HandleProcessChunk(ctx context.Context, msg queue.Message) error {
	chunk, err := w.store.TryClaimChunk(ctx, msg.ChunkID, w.cfg.WorkerID, w.cfg.Lease)
	if errors.Is(err, store.ErrClaimConflict) {
		telemetry.ClaimConflicts.WithLabelValues("chunk").Inc()
		w.logger.Debug("chunk not claimable, skipping", "job_id", msg.JobID, "chunk_id", msg.ChunkID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("claiming chunk %s: %w", msg.ChunkID, err)
	}
	return w.process(ctx, chunk)
}

// HandleMessage implements queue.Handler for ProcessChunk messages.
func (w *ChunkWorker) HandleMessage(ctx context.Context, msg queue.Message) error {
	if msg.Kind != queue.KindProcessChunk {
		return fmt.Errorf("%w: chunk worker got %s", queue.ErrInvalidMessage, msg.Kind)
	}
	return w.HandleProcessChunk(ctx, msg)
}

// Run polls for work with Concurrency loops until ctx is done.
func (w *ChunkWorker) Run(ctx context.Context) error {
	w.logger.Info("chunk worker polling", "concurrency", w.cfg.Concurrency)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				found, err := w.ProcessNext(ctx)
				if err != nil && ctx.Err() == nil {
					w.logger.Error("processing chunk failed", "error", err)
				}
				if !found || err != nil {
					sleep(ctx, w.cfg.PollInterval)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// process runs one claimed chunk to completion or failure. Only store errors
// are returned; chunk-level failures are recorded on the chunk.
func (w *ChunkWorker) process(ctx context.Context, chunk *models.Chunk) error {
	start := time.Now()
	token := *chunk.ClaimToken
	logger := w.logger.With("job_id", chunk.JobID, "chunk_id", chunk.ID, "chunk_index", chunk.ChunkIndex,
		"attempt", chunk.AttemptCount)

	job, err := w.store.GetJob(ctx, chunk.JobID)
	if err != nil {
		// Hand the chunk back now rather than leaving it claimed until the
		// lease expires.
		return w.fail(ctx, logger, chunk, token, fmt.Errorf("loading job: %w", err), w.cfg.RetryBudget)
	}

	key := storage.ChunkArtifactKey(job.ID, chunk.ChunkIndex)
	exists, err := w.objects.Exists(ctx, key)
	if err != nil {
		return w.fail(ctx, logger, chunk, token, fmt.Errorf("checking artifact: %w", err), w.cfg.RetryBudget)
	}
	if exists {
		logger.Info("artifact already stored, skipping extraction")
		telemetry.ChunksProcessed.WithLabelValues("reused_artifact").Inc()
		return w.complete(ctx, logger, chunk, token, key, start)
	}

	videoURL, err := w.objects.SignedURL(ctx, job.VideoRef, w.cfg.URLTTL)
	if err != nil {
		return w.fail(ctx, logger, chunk, token, fmt.Errorf("%w: signing video url: %v", media.ErrMediaUnreadable, err), 0)
	}

	samples, err := w.extract(ctx, chunk, token, pose.Request{
		VideoURL:   videoURL,
		Start:      chunk.StartSec,
		End:        chunk.EndSec,
		SampleRate: job.SampleRate,
		MaxWidth:   w.cfg.MaxFrameWidth,
	})
	switch {
	case errors.Is(err, errLeaseLost):
		logger.Warn("lease lost during extraction, abandoning chunk")
		return nil
	case errors.Is(err, media.ErrMediaUnreadable):
		// The extractor could not decode the video at all. Retrying cannot help.
		return w.fail(ctx, logger, chunk, token, err, 0)
	case err != nil:
		return w.fail(ctx, logger, chunk, token, err, w.cfg.RetryBudget)
	}

	data, err := models.EncodeChunkArtifact(&models.ChunkArtifact{
		JobID:      job.ID,
		ChunkIndex: chunk.ChunkIndex,
		StartSec:   chunk.StartSec,
		EndSec:     chunk.EndSec,
		SampleRate: job.SampleRate,
		Samples:    samples,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return w.fail(ctx, logger, chunk, token, err, w.cfg.RetryBudget)
	}
	if err := w.objects.Put(ctx, key, data, "application/json"); err != nil {
		return w.fail(ctx, logger, chunk, token, fmt.Errorf("storing artifact: %w", err), w.cfg.RetryBudget)
	}
	telemetry.ChunksProcessed.WithLabelValues("completed").Inc()
	return w.complete(ctx, logger, chunk, token, key, start)
}

// extract runs the extractor while a heartbeat keeps the claim lease alive.
func (w *ChunkWorker) extract(ctx context.Context, chunk *models.Chunk, token uuid.UUID, req pose.Request) ([]models.PoseSample, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(heartbeatInterval(w.cfg.Lease))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := w.store.ExtendChunkLease(ctx, chunk.ID, token, w.cfg.Lease)
				if errors.Is(err, store.ErrClaimConflict) {
					cancel(errLeaseLost)
					return
				}
				if err != nil {
					w.logger.Warn("lease heartbeat failed", "chunk_id", chunk.ID, "error", err)
				}
			}
		}
	}()

	samples, err := w.extractor.Extract(ctx, req)
	if cause := context.Cause(ctx); errors.Is(cause, errLeaseLost) {
		return nil, errLeaseLost
	}
	return samples, err
}

func (w *ChunkWorker) complete(ctx context.Context, logger *slog.Logger, chunk *models.Chunk, token uuid.UUID, key string, start time.Time) error {
	elapsed := time.Since(start)
	res, err := w.store.CompleteChunk(ctx, chunk.ID, token, key, elapsed.Milliseconds())
	if errors.Is(err, store.ErrClaimConflict) {
		telemetry.ClaimConflicts.WithLabelValues("chunk").Inc()
		logger.Warn("claim expired before completion, result left for the next attempt")
		return nil
	}
	if err != nil {
		return fmt.Errorf("completing chunk: %w", err)
	}
	telemetry.ChunkDuration.Observe(elapsed.Seconds())
	logger.Info("chunk completed", "completed_chunks", res.CompletedChunks, "total_chunks", res.TotalChunks,
		"progress_pct", res.ProgressPct, "duration_ms", elapsed.Milliseconds())

	if w.progress != nil {
		if _, err := w.progress.SetJobProgress(ctx, res.JobID, res.ProgressPct, progressTTL); err != nil {
			logger.Warn("failed to cache job progress", "error", err)
		}
	}

	if res.LastChunk {
		// A lost publish is recovered by the reaper's aggregation sweep.
		if err := w.publisher.Publish(ctx, queue.AggregateJob(res.JobID)); err != nil {
			logger.Error("failed to publish aggregation", "error", err)
		} else {
			logger.Info("all chunks complete, aggregation requested")
		}
	}
	return nil
}

// fail records a failed attempt. A budget of 0 fails the chunk and its job on
// the first attempt.
func (w *ChunkWorker) fail(ctx context.Context, logger *slog.Logger, chunk *models.Chunk, token uuid.UUID, cause error, budget int) error {
	res, err := w.store.FailChunk(ctx, chunk.ID, token, cause.Error(), budget)
	if errors.Is(err, store.ErrClaimConflict) {
		logger.Warn("claim expired before failure was recorded", "error", cause)
		return nil
	}
	if err != nil {
		return fmt.Errorf("recording chunk failure: %w", err)
	}

	if res.Requeued {
		telemetry.ChunksProcessed.WithLabelValues("requeued").Inc()
		logger.Warn("chunk attempt failed, requeued", "attempts", res.Attempts, "error", cause)
		if err := w.publisher.Publish(ctx, queue.ProcessChunk(chunk.JobID, chunk.ID)); err != nil {
			logger.Error("failed to republish chunk", "error", err)
		}
		return nil
	}
	telemetry.ChunksProcessed.WithLabelValues("failed").Inc()
	logger.Error("chunk failed permanently", "attempts", res.Attempts, "job_failed", res.JobFailed, "error", cause)
	return nil
}

const progressTTL = 24 * time.Hour

func heartbeatInterval(lease time.Duration) time.Duration {
	if d := lease / 3; d > 0 {
		return d
	}
	return time.Millisecond
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
