// Package pipeline is the entry point for submitting and managing analysis
// jobs, and wires queue consumers to the stage that handles each message.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/strokelab/internal/cache"
	"github.com/kiranshivaraju/strokelab/internal/queue"
	"github.com/kiranshivaraju/strokelab/internal/storage"
	"github.com/kiranshivaraju/strokelab/internal/store"
	"github.com/kiranshivaraju/strokelab/internal/telemetry"
	"github.com/kiranshivaraju/strokelab/pkg/models"
)

var (
	ErrInvalidRequest = errors.New("invalid job request")
	ErrReportNotReady = errors.New("report not ready")
)

const (
	reportCacheTTL   = time.Hour
	progressCacheTTL = 24 * time.Hour

	minChunkSeconds = 1.0
	maxChunkSeconds = 600.0
	maxSampleRate   = 60
)

// SubmitRequest describes a new analysis job. Zero values take the service defaults.
type SubmitRequest struct {
	SessionID    string
	VideoRef     string
	Mode         string
	ChunkSeconds float64
	SampleRate   int
}

// Defaults fill in unset SubmitRequest fields.
type Defaults struct {
	ChunkSeconds float64
	SampleRate   int
}

// Service implements job submission, polling and the operator actions.
type Service struct {
	store     store.Store
	objects   storage.ObjectStore
	publisher queue.Publisher
	cache     cache.Cache
	defaults  Defaults
	logger    *slog.Logger
}

// NewService creates a Service. c may be nil, which disables caching.
func NewService(s store.Store, objects storage.ObjectStore, pub queue.Publisher, c cache.Cache, defaults Defaults, logger *slog.Logger) *Service {
	return &Service{
		store:     s,
		objects:   objects,
		publisher: pub,
		cache:     c,
		defaults:  defaults,
		logger:    logger,
	}
}

// Submit creates an uploaded job and asks the planner to plan it.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	if err := s.normalize(&req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:           uuid.New(),
		SessionID:    req.SessionID,
		VideoRef:     req.VideoRef,
		Mode:         req.Mode,
		Status:       models.JobStatusUploaded,
		Stage:        "uploaded",
		ChunkSeconds: req.ChunkSeconds,
		SampleRate:   req.SampleRate,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	telemetry.JobsSubmitted.WithLabelValues(job.Mode).Inc()

	// The reaper re-publishes plans for jobs left in uploaded.
	if err := s.publisher.Publish(ctx, queue.PlanJob(job.ID)); err != nil {
		s.logger.Error("failed to publish plan request", "job_id", job.ID, "error", err)
	}
	s.logger.Info("job submitted", "job_id", job.ID, "session_id", job.SessionID, "mode", job.Mode)
	return job, nil
}

func (s *Service) normalize(req *SubmitRequest) error {
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.VideoRef = strings.TrimSpace(req.VideoRef)
	if req.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	if req.VideoRef == "" {
		return fmt.Errorf("%w: video_ref is required", ErrInvalidRequest)
	}
	if req.Mode == "" {
		req.Mode = models.JobModeChunked
	}
	if !models.ValidJobMode(req.Mode) {
		return fmt.Errorf("%w: mode must be monolithic or chunked", ErrInvalidRequest)
	}
	if req.ChunkSeconds == 0 {
		req.ChunkSeconds = s.defaults.ChunkSeconds
	}
	if math.IsNaN(req.ChunkSeconds) || req.ChunkSeconds < minChunkSeconds || req.ChunkSeconds > maxChunkSeconds {
		return fmt.Errorf("%w: chunk_seconds must be between %v and %v", ErrInvalidRequest, minChunkSeconds, maxChunkSeconds)
	}
	if req.SampleRate == 0 {
		req.SampleRate = s.defaults.SampleRate
	}
	if req.SampleRate < 1 || req.SampleRate > maxSampleRate {
		return fmt.Errorf("%w: sample_rate must be between 1 and %d", ErrInvalidRequest, maxSampleRate)
	}
	return nil
}

// Get returns the job with its current status and progress.
func (s *Service) Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// ListChunks returns a job's chunks in index order.
func (s *Service) ListChunks(ctx context.Context, jobID uuid.UUID) ([]*models.Chunk, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.ListChunks(ctx, jobID)
}

// Progress returns the job's progress percentage, preferring the cached value
// that workers keep current.
func (s *Service) Progress(ctx context.Context, jobID uuid.UUID) (int, error) {
	if s.cache != nil {
		pct, ok, err := s.cache.GetJobProgress(ctx, jobID)
		if err != nil {
			s.logger.Warn("progress cache read failed", "job_id", jobID, "error", err)
		} else if ok {
			return pct, nil
		}
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if s.cache != nil {
		if _, err := s.cache.SetJobProgress(ctx, jobID, job.ProgressPct, progressCacheTTL); err != nil {
			s.logger.Warn("progress cache write failed", "job_id", jobID, "error", err)
		}
	}
	return job.ProgressPct, nil
}

// Report returns the FinalReport of a done job.
func (s *Service) Report(ctx context.Context, jobID uuid.UUID) (*models.FinalReport, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusDone || job.ReportRef == nil {
		return nil, fmt.Errorf("%w: job is %s", ErrReportNotReady, job.Status)
	}

	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, cache.ReportKey(jobID)); err == nil && ok {
			if report, err := models.DecodeFinalReport(data); err == nil {
				return report, nil
			}
		}
	}

	data, err := s.objects.Get(ctx, *job.ReportRef)
	if err != nil {
		return nil, fmt.Errorf("loading report: %w", err)
	}
	report, err := models.DecodeFinalReport(data)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, cache.ReportKey(jobID), data, reportCacheTTL); err != nil {
			s.logger.Warn("report cache write failed", "job_id", jobID, "error", err)
		}
	}
	return report, nil
}

// Cancel stops a job. Outstanding chunks are skipped and aggregation never runs.
func (s *Service) Cancel(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	if err := s.store.CancelJob(ctx, jobID); err != nil {
		return nil, err
	}
	s.logger.Info("job cancelled", "job_id", jobID)
	return s.store.GetJob(ctx, jobID)
}

// RetryChunk requeues a failed chunk, reopening its job if the chunk's failure
// had failed it.
func (s *Service) RetryChunk(ctx context.Context, jobID, chunkID uuid.UUID) (*models.Chunk, error) {
	chunk, err := s.store.RetryChunk(ctx, jobID, chunkID)
	if err != nil {
		return nil, err
	}
	if err := s.publisher.Publish(ctx, queue.ProcessChunk(jobID, chunkID)); err != nil {
		s.logger.Error("failed to publish retried chunk", "job_id", jobID, "chunk_id", chunkID, "error", err)
	}
	s.logger.Info("chunk retry requested", "job_id", jobID, "chunk_id", chunkID, "chunk_index", chunk.ChunkIndex)
	return chunk, nil
}
