package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/strokelab/pkg/models"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrDuplicateKey      = errors.New("duplicate key violation")
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrClaimConflict means another worker won the claim race or the item is
	// no longer claimable. Callers treat it as a no-op.
	ErrClaimConflict = errors.New("claim conflict")
	// ErrNotReady means a job has chunks still outstanding.
	ErrNotReady = errors.New("job not ready for aggregation")
)

// Store is the data access interface for jobs and chunks. Every mutation is a
// single statement or a single transaction; no method reads state in one
// round trip and writes it back in another.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListChunks(ctx context.Context, jobID uuid.UUID) ([]*models.Chunk, error)
	GetChunk(ctx context.Context, id uuid.UUID) (*models.Chunk, error)

	// BeginPlanning moves an uploaded job (or one whose planning crashed) to planning.
	BeginPlanning(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	// SavePlan persists the chunk set and moves the job to queued_for_analysis.
	SavePlan(ctx context.Context, jobID uuid.UUID, durationSeconds float64, chunks []*models.Chunk) error
	SetStage(ctx context.Context, jobID uuid.UUID, stage string) error

	// ClaimNextChunk claims any queued chunk, skipping rows locked by other
	// claimers. Returns nil, nil when nothing is queued.
	ClaimNextChunk(ctx context.Context, workerID string, lease time.Duration) (*models.Chunk, error)
	// TryClaimChunk claims one specific chunk or returns ErrClaimConflict.
	TryClaimChunk(ctx context.Context, chunkID uuid.UUID, workerID string, lease time.Duration) (*models.Chunk, error)
	ExtendChunkLease(ctx context.Context, chunkID, claimToken uuid.UUID, lease time.Duration) error
	CompleteChunk(ctx context.Context, chunkID, claimToken uuid.UUID, artifactRef string, runtimeMS int64) (*ChunkCompletion, error)
	FailChunk(ctx context.Context, chunkID, claimToken uuid.UUID, errMsg string, retryBudget int) (*ChunkFailure, error)
	ReapExpiredChunks(ctx context.Context, retryBudget int) (*ReapResult, error)
	RetryChunk(ctx context.Context, jobID, chunkID uuid.UUID) (*models.Chunk, error)

	// ClaimJobForAggregation flips a fully completed job to aggregating and
	// returns the aggregation token. Only one caller can hold the token.
	ClaimJobForAggregation(ctx context.Context, jobID uuid.UUID, lease time.Duration) (uuid.UUID, error)
	// ExtendAggregationLease renews the aggregation lease. It returns
	// ErrClaimConflict once another aggregator holds the job.
	ExtendAggregationLease(ctx context.Context, jobID, aggregationToken uuid.UUID, lease time.Duration) error
	FinalizeJob(ctx context.Context, jobID, aggregationToken uuid.UUID, reportRef string) error
	// FailAggregation fails an aggregating job only while aggregationToken
	// still holds it; otherwise it returns ErrClaimConflict.
	FailAggregation(ctx context.Context, jobID, aggregationToken uuid.UUID, errMsg string) error
	FailJob(ctx context.Context, jobID uuid.UUID, errMsg string) error
	CancelJob(ctx context.Context, jobID uuid.UUID) error
	// ListAggregationCandidates returns jobs whose chunks are all complete but
	// that have sat in processing, or in aggregating with an expired lease,
	// for longer than idle.
	ListAggregationCandidates(ctx context.Context, idle time.Duration) ([]uuid.UUID, error)
	// RefreshIdleChunks returns up to limit queued chunks of live jobs that
	// have not changed for longer than idle, oldest first, and resets their
	// idle clock so each one is returned at most once per idle window. Used to
	// re-publish work whose message was lost.
	RefreshIdleChunks(ctx context.Context, idle time.Duration, limit int) ([]*models.Chunk, error)
	// RefreshStalledPlans does the same for jobs stuck in uploaded or
	// planning, so a lost PlanJob message or a crashed planner is retried.
	RefreshStalledPlans(ctx context.Context, idle time.Duration, limit int) ([]uuid.UUID, error)
}

// ChunkCompletion is the job state observed inside the completion transaction.
type ChunkCompletion struct {
	JobID           uuid.UUID
	CompletedChunks int
	TotalChunks     int
	ProgressPct     int
	// LastChunk is true for exactly one completion per job: the one whose
	// increment made completed_chunks equal total_chunks.
	LastChunk bool
}

// ChunkFailure reports what a failed attempt did to the chunk and its job.
type ChunkFailure struct {
	JobID     uuid.UUID
	Requeued  bool
	JobFailed bool
	Attempts  int
}

// ReapResult lists chunks returned to the queue and jobs failed by reaping.
type ReapResult struct {
	Requeued   []*models.Chunk
	FailedJobs []uuid.UUID
}

// MaxErrorMessageLen bounds error text persisted on jobs and chunks.
const MaxErrorMessageLen = 1000
