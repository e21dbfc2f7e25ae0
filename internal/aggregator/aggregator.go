// Package aggregator merges completed chunk artifacts into a job's final report.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/strokelab/internal/queue"
	"github.com/kiranshivaraju/strokelab/internal/storage"
	"github.com/kiranshivaraju/strokelab/internal/store"
	"github.com/kiranshivaraju/strokelab/internal/telemetry"
	"github.com/kiranshivaraju/strokelab/pkg/models"
)

// ErrAggregation is recorded on a job whose merge, metrics or report step failed.
var ErrAggregation = errors.New("aggregation failed")

// errLeaseLost cancels a run whose aggregation claim was taken over.
var errLeaseLost = errors.New("aggregation lease lost")

// defaultFetchConcurrency bounds concurrent artifact downloads per job.
const defaultFetchConcurrency = 8

// MetricsComputer measures a merged pose timeline.
type MetricsComputer interface {
	Compute(samples []models.PoseSample, durationSeconds float64, sampleRate int) (models.Metrics, error)
}

// Renderer turns metrics into findings and report text.
type Renderer interface {
	Render(m models.Metrics) ([]string, string, error)
}

// ProgressRecorder mirrors job progress into a fast read path.
type ProgressRecorder interface {
	SetJobProgress(ctx context.Context, jobID uuid.UUID, pct int, ttl time.Duration) (int, error)
}

// Aggregator claims fully processed jobs and produces their FinalReport.
type Aggregator struct {
	store            store.Store
	objects          storage.ObjectStore
	metrics          MetricsComputer
	renderer         Renderer
	progress         ProgressRecorder
	lease            time.Duration
	fetchConcurrency int
	logger           *slog.Logger
}

// New creates an Aggregator. progress may be nil.
func New(s store.Store, objects storage.ObjectStore, metrics MetricsComputer, renderer Renderer,
	progress ProgressRecorder, lease time.Duration, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		store:            s,
		objects:          objects,
		metrics:          metrics,
		renderer:         renderer,
		progress:         progress,
		lease:            lease,
		fetchConcurrency: defaultFetchConcurrency,
		logger:           logger,
	}
}

// HandleMessage implements queue.Handler for AggregateJob messages.
func (a *Aggregator) HandleMessage(ctx context.Context, msg queue.Message) error {
	if msg.Kind != queue.KindAggregateJob {
		return fmt.Errorf("%w: aggregator got %s", queue.ErrInvalidMessage, msg.Kind)
	}
	return a.Aggregate(ctx, msg.JobID)
}

// Aggregate builds and stores the report for jobID if this caller wins the
// aggregation claim. Jobs that are not ready, already terminal, or claimed by
// another aggregator are skipped without error. Failures after the claim fail
// the job; only store errors before the claim are returned for redelivery.
func (a *Aggregator) Aggregate(ctx context.Context, jobID uuid.UUID) error {
	logger := a.logger.With("job_id", jobID)

	token, err := a.store.ClaimJobForAggregation(ctx, jobID, a.lease)
	switch {
	case errors.Is(err, store.ErrNotReady), errors.Is(err, store.ErrClaimConflict), errors.Is(err, store.ErrNotFound):
		telemetry.Aggregations.WithLabelValues("skipped").Inc()
		if errors.Is(err, store.ErrClaimConflict) {
			telemetry.ClaimConflicts.WithLabelValues("aggregation").Inc()
		}
		logger.Debug("aggregation skipped", "reason", err)
		return nil
	case err != nil:
		return fmt.Errorf("claiming job for aggregation: %w", err)
	}

	start := time.Now()
	logger.Info("aggregation started")

	reportKey, err := a.withLease(ctx, logger, jobID, token)
	if errors.Is(err, errLeaseLost) {
		telemetry.Aggregations.WithLabelValues("skipped").Inc()
		logger.Warn("aggregation lease lost, leaving the job to its new holder")
		a.discardIfFailed(ctx, logger, jobID)
		return nil
	}
	if err != nil {
		return a.fail(ctx, logger, jobID, token, err)
	}

	err = a.store.FinalizeJob(ctx, jobID, token, reportKey)
	if errors.Is(err, store.ErrClaimConflict) {
		telemetry.Aggregations.WithLabelValues("skipped").Inc()
		logger.Warn("aggregation lease lost before finalize")
		a.discardIfFailed(ctx, logger, jobID)
		return nil
	}
	if err != nil {
		return a.fail(ctx, logger, jobID, token, fmt.Errorf("finalizing job: %w", err))
	}

	if a.progress != nil {
		if _, err := a.progress.SetJobProgress(ctx, jobID, 100, 24*time.Hour); err != nil {
			logger.Warn("failed to cache job progress", "error", err)
		}
	}
	telemetry.Aggregations.WithLabelValues("done").Inc()
	logger.Info("aggregation complete", "report", reportKey, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// withLease builds the report while a heartbeat renews the aggregation lease.
// The build is cancelled with errLeaseLost once another aggregator holds the job.
func (a *Aggregator) withLease(ctx context.Context, logger *slog.Logger, jobID, token uuid.UUID) (string, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(heartbeatInterval(a.lease))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := a.store.ExtendAggregationLease(ctx, jobID, token, a.lease)
				if errors.Is(err, store.ErrClaimConflict) {
					telemetry.ClaimConflicts.WithLabelValues("aggregation").Inc()
					cancel(errLeaseLost)
					return
				}
				if err != nil {
					logger.Warn("aggregation lease heartbeat failed", "error", err)
				}
			}
		}
	}()

	key, err := a.buildReport(ctx, jobID)
	if errors.Is(context.Cause(ctx), errLeaseLost) {
		return "", errLeaseLost
	}
	return key, err
}

func heartbeatInterval(lease time.Duration) time.Duration {
	if d := lease / 3; d > 0 {
		return d
	}
	return time.Millisecond
}

func (a *Aggregator) buildReport(ctx context.Context, jobID uuid.UUID) (string, error) {
	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("loading job: %w", err)
	}
	chunks, err := a.store.ListChunks(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("loading chunks: %w", err)
	}

	artifacts, err := a.fetchArtifacts(ctx, chunks)
	if err != nil {
		return "", err
	}
	samples := Merge(artifacts)

	duration := 0.0
	if job.VideoDurationSeconds != nil {
		duration = *job.VideoDurationSeconds
	}
	metrics, err := a.metrics.Compute(samples, duration, job.SampleRate)
	if err != nil {
		return "", fmt.Errorf("computing metrics: %w", err)
	}
	findings, text, err := a.renderer.Render(metrics)
	if err != nil {
		return "", err
	}

	data, err := models.EncodeFinalReport(&models.FinalReport{
		JobID:           job.ID,
		SessionID:       job.SessionID,
		DurationSeconds: duration,
		ChunkCount:      len(chunks),
		SampleCount:     len(samples),
		Metrics:         metrics,
		Findings:        findings,
		ReportText:      text,
		GeneratedAt:     time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}
	key := storage.ReportKey(jobID)
	if err := a.objects.Put(ctx, key, data, "application/json"); err != nil {
		return "", fmt.Errorf("storing report: %w", err)
	}
	return key, nil
}

// fetchArtifacts downloads every chunk artifact concurrently. The result is
// ordered by chunk index.
func (a *Aggregator) fetchArtifacts(ctx context.Context, chunks []*models.Chunk) ([]*models.ChunkArtifact, error) {
	artifacts := make([]*models.ChunkArtifact, len(chunks))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.fetchConcurrency)
	for i, c := range chunks {
		if c.Status != models.ChunkStatusCompleted || c.ArtifactRef == nil {
			return nil, fmt.Errorf("chunk %d is %s without an artifact", c.ChunkIndex, c.Status)
		}
		if c.ChunkIndex != i {
			return nil, fmt.Errorf("chunk index %d found at position %d", c.ChunkIndex, i)
		}
		ref := *c.ArtifactRef
		g.Go(func() error {
			data, err := a.objects.Get(ctx, ref)
			if err != nil {
				return fmt.Errorf("fetching chunk %d artifact: %w", c.ChunkIndex, err)
			}
			artifact, err := models.DecodeChunkArtifact(data)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", c.ChunkIndex, err)
			}
			artifacts[i] = artifact
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return artifacts, nil
}

// Merge concatenates chunk samples in chunk order into one timeline with
// strictly increasing timestamps. Samples that do not advance the timeline,
// such as a frame repeated at a chunk boundary, are dropped.
func Merge(artifacts []*models.ChunkArtifact) []models.PoseSample {
	n := 0
	for _, a := range artifacts {
		n += len(a.Samples)
	}
	merged := make([]models.PoseSample, 0, n)
	for _, a := range artifacts {
		for _, s := range a.Samples {
			if len(merged) > 0 && s.Timestamp <= merged[len(merged)-1].Timestamp {
				continue
			}
			merged = append(merged, s)
		}
	}
	return merged
}

// fail records cause on the job while token still holds it. A failed job must
// not keep a report object, including one left by an earlier superseded run.
func (a *Aggregator) fail(ctx context.Context, logger *slog.Logger, jobID, token uuid.UUID, cause error) error {
	msg := fmt.Errorf("%w: %v", ErrAggregation, cause).Error()
	err := a.store.FailAggregation(ctx, jobID, token, msg)
	if errors.Is(err, store.ErrClaimConflict) {
		telemetry.Aggregations.WithLabelValues("skipped").Inc()
		logger.Warn("aggregation lease lost before failure was recorded", "error", cause)
		a.discardIfFailed(ctx, logger, jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failing job: %w", err)
	}
	telemetry.Aggregations.WithLabelValues("failed").Inc()
	logger.Error("aggregation failed", "error", cause)
	a.discardReport(ctx, logger, jobID)
	return nil
}

// discardIfFailed removes a report this run may have written after the job's
// current holder failed it.
func (a *Aggregator) discardIfFailed(ctx context.Context, logger *slog.Logger, jobID uuid.UUID) {
	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		logger.Warn("failed to reload job after losing aggregation lease", "error", err)
		return
	}
	if job.Status == models.JobStatusFailed {
		a.discardReport(ctx, logger, jobID)
	}
}

func (a *Aggregator) discardReport(ctx context.Context, logger *slog.Logger, jobID uuid.UUID) {
	if err := a.objects.Delete(ctx, storage.ReportKey(jobID)); err != nil {
		logger.Warn("failed to delete report of failed job", "error", err)
	}
}
