package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/strokelab/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var jobColumns = []string{
	"id", "session_id", "video_ref", "mode", "status", "stage", "total_chunks", "completed_chunks",
	"progress_pct", "video_duration_seconds", "chunk_seconds", "sample_rate", "error_message",
	"report_ref", "created_at", "started_at", "completed_at", "updated_at",
}

var chunkColumns = []string{
	"id", "job_id", "chunk_index", "start_sec", "end_sec", "status", "attempt_count", "claim_token",
	"claimed_by", "lease_expires_at", "artifact_ref", "runtime_ms", "error_message", "created_at",
	"claimed_at", "completed_at", "updated_at",
}

// columns joins column names, qualifying each with alias when one is given.
func columns(cols []string, alias string) string {
	if alias == "" {
		return strings.Join(cols, ", ")
	}
	qualified := make([]string, len(cols))
	for i, c := range cols {
		qualified[i] = alias + "." + c
	}
	return strings.Join(qualified, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.SessionID, &j.VideoRef, &j.Mode, &j.Status, &j.Stage, &j.TotalChunks,
		&j.CompletedChunks, &j.ProgressPct, &j.VideoDurationSeconds, &j.ChunkSeconds, &j.SampleRate,
		&j.ErrorMessage, &j.ReportRef, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanChunk(row rowScanner) (*models.Chunk, error) {
	var c models.Chunk
	err := row.Scan(&c.ID, &c.JobID, &c.ChunkIndex, &c.StartSec, &c.EndSec, &c.Status, &c.AttemptCount,
		&c.ClaimToken, &c.ClaimedBy, &c.LeaseExpiresAt, &c.ArtifactRef, &c.RuntimeMS, &c.ErrorMessage,
		&c.CreatedAt, &c.ClaimedAt, &c.CompletedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO analysis_jobs (id, session_id, video_ref, mode, status, stage, chunk_seconds, sample_rate, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.SessionID, job.VideoRef, job.Mode, job.Status, job.Stage, job.ChunkSeconds,
		job.SampleRate, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+columns(jobColumns, "")+` FROM analysis_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) SetStage(ctx context.Context, jobID uuid.UUID, stage string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE analysis_jobs SET stage = $2, updated_at = NOW()
		 WHERE id = $1 AND status NOT IN ('done', 'failed', 'cancelled')`, jobID, stage)
	if err != nil {
		return fmt.Errorf("set job stage: %w", err)
	}
	return nil
}

func (s *PostgresStore) BeginPlanning(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE analysis_jobs SET status = 'planning', stage = 'probing duration', updated_at = NOW()
		 WHERE id = $1 AND status IN ('uploaded', 'planning')
		 RETURNING `+columns(jobColumns, ""), jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.classifyJobMiss(ctx, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("begin planning: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) SavePlan(ctx context.Context, jobID uuid.UUID, durationSeconds float64, chunks []*models.Chunk) error {
	if len(chunks) == 0 {
		return fmt.Errorf("save plan: no chunks")
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Updating the job first takes its row lock, so a concurrent planner
		// blocks here and then fails the status guard.
		tag, err := tx.Exec(ctx,
			`UPDATE analysis_jobs SET total_chunks = $2, video_duration_seconds = $3,
			   status = 'queued_for_analysis', stage = 'waiting for workers', updated_at = NOW()
			 WHERE id = $1 AND status = 'planning'`, jobID, len(chunks), durationSeconds)
		if err != nil {
			return fmt.Errorf("save plan: update job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrInvalidTransition
		}

		batch := &pgx.Batch{}
		for _, c := range chunks {
			batch.Queue(
				`INSERT INTO analysis_chunks (id, job_id, chunk_index, start_sec, end_sec, status, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, 'queued', NOW(), NOW())
				 ON CONFLICT (job_id, chunk_index) DO NOTHING`,
				c.ID, jobID, c.ChunkIndex, c.StartSec, c.EndSec)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save plan: insert chunks: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID uuid.UUID, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_jobs SET status = 'failed', error_message = $2, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status NOT IN ('done', 'failed', 'cancelled')`, jobID, truncateMessage(errMsg))
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyJobMiss(ctx, jobID)
	}
	return nil
}

func (s *PostgresStore) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE analysis_jobs SET status = 'cancelled', stage = 'cancelled', completed_at = NOW(), updated_at = NOW()
			 WHERE id = $1 AND status NOT IN ('done', 'failed', 'cancelled')`, jobID)
		if err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errJobMiss
		}
		_, err = tx.Exec(ctx,
			`UPDATE analysis_chunks SET status = 'skipped', claim_token = NULL, claimed_by = NULL,
			   lease_expires_at = NULL, updated_at = NOW()
			 WHERE job_id = $1 AND status IN ('queued', 'claimed')`, jobID)
		if err != nil {
			return fmt.Errorf("cancel job: skip chunks: %w", err)
		}
		return nil
	})
	if errors.Is(err, errJobMiss) {
		return s.classifyJobMiss(ctx, jobID)
	}
	return err
}

// --- Chunks ---

func (s *PostgresStore) ListChunks(ctx context.Context, jobID uuid.UUID) ([]*models.Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+columns(chunkColumns, "")+` FROM analysis_chunks WHERE job_id = $1 ORDER BY chunk_index`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *PostgresStore) GetChunk(ctx context.Context, id uuid.UUID) (*models.Chunk, error) {
	c, err := scanChunk(s.pool.QueryRow(ctx,
		`SELECT `+columns(chunkColumns, "")+` FROM analysis_chunks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ClaimNextChunk(ctx context.Context, workerID string, lease time.Duration) (*models.Chunk, error) {
	c, err := s.claimChunk(ctx, "", nil, workerID, lease)
	if errors.Is(err, ErrClaimConflict) {
		return nil, nil
	}
	return c, err
}

func (s *PostgresStore) TryClaimChunk(ctx context.Context, chunkID uuid.UUID, workerID string, lease time.Duration) (*models.Chunk, error) {
	return s.claimChunk(ctx, "AND c.id = $4", []any{chunkID}, workerID, lease)
}

// claimChunk flips one queued chunk of a live job to claimed. Rows locked by
// a concurrent claimer are skipped rather than waited on.
func (s *PostgresStore) claimChunk(ctx context.Context, filter string, filterArgs []any, workerID string, lease time.Duration) (*models.Chunk, error) {
	query := `WITH target AS (
		SELECT c.id FROM analysis_chunks c
		JOIN analysis_jobs j ON j.id = c.job_id
		WHERE c.status = 'queued' AND j.status IN ('queued_for_analysis', 'processing') ` + filter + `
		ORDER BY c.created_at, c.chunk_index
		LIMIT 1
		FOR UPDATE OF c SKIP LOCKED
	)
	UPDATE analysis_chunks c SET status = 'claimed', attempt_count = c.attempt_count + 1,
		claim_token = $1, claimed_by = $2, lease_expires_at = NOW() + make_interval(secs => $3),
		claimed_at = NOW(), updated_at = NOW()
	FROM target WHERE c.id = target.id
	RETURNING ` + columns(chunkColumns, "c")

	args := append([]any{uuid.New(), workerID, lease.Seconds()}, filterArgs...)

	var claimed *models.Chunk
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		c, err := scanChunk(tx.QueryRow(ctx, query, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrClaimConflict
		}
		if err != nil {
			return fmt.Errorf("claim chunk: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE analysis_jobs SET status = 'processing', stage = 'extracting poses',
			   started_at = COALESCE(started_at, NOW()), updated_at = NOW()
			 WHERE id = $1 AND status = 'queued_for_analysis'`, c.JobID)
		if err != nil {
			return fmt.Errorf("claim chunk: start job: %w", err)
		}
		claimed = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *PostgresStore) ExtendChunkLease(ctx context.Context, chunkID, claimToken uuid.UUID, lease time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_chunks SET lease_expires_at = NOW() + make_interval(secs => $3), updated_at = NOW()
		 WHERE id = $1 AND claim_token = $2 AND status = 'claimed'`, chunkID, claimToken, lease.Seconds())
	if err != nil {
		return fmt.Errorf("extend chunk lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimConflict
	}
	return nil
}

func (s *PostgresStore) CompleteChunk(ctx context.Context, chunkID, claimToken uuid.UUID, artifactRef string, runtimeMS int64) (*ChunkCompletion, error) {
	var result ChunkCompletion
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`UPDATE analysis_chunks SET status = 'completed', artifact_ref = $3, runtime_ms = $4,
			   completed_at = NOW(), lease_expires_at = NULL, error_message = NULL, updated_at = NOW()
			 WHERE id = $1 AND claim_token = $2 AND status = 'claimed'
			 RETURNING job_id`, chunkID, claimToken, artifactRef, runtimeMS).Scan(&result.JobID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrClaimConflict
		}
		if err != nil {
			return fmt.Errorf("complete chunk: %w", err)
		}

		// The increment and the last-chunk check happen in one statement, so
		// exactly one completion can observe completed_chunks = total_chunks.
		var status string
		err = tx.QueryRow(ctx,
			`UPDATE analysis_jobs SET
			   completed_chunks = completed_chunks + 1,
			   progress_pct = GREATEST(progress_pct, LEAST(99, ((completed_chunks + 1) * 100) / total_chunks)),
			   status = CASE WHEN status = 'queued_for_analysis' THEN 'processing' ELSE status END,
			   started_at = COALESCE(started_at, NOW()),
			   updated_at = NOW()
			 WHERE id = $1 AND status NOT IN ('done', 'cancelled') AND completed_chunks < total_chunks
			 RETURNING completed_chunks, total_chunks, progress_pct, status`, result.JobID,
		).Scan(&result.CompletedChunks, &result.TotalChunks, &result.ProgressPct, &status)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("complete chunk: increment job: %w", err)
		}
		result.LastChunk = status == models.JobStatusProcessing && result.CompletedChunks == result.TotalChunks
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *PostgresStore) FailChunk(ctx context.Context, chunkID, claimToken uuid.UUID, errMsg string, retryBudget int) (*ChunkFailure, error) {
	var result ChunkFailure
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var status string
		var index int
		err := tx.QueryRow(ctx,
			`UPDATE analysis_chunks SET
			   status = CASE WHEN attempt_count > $4 THEN 'failed' ELSE 'queued' END,
			   error_message = $3, claim_token = NULL, claimed_by = NULL, lease_expires_at = NULL, updated_at = NOW()
			 WHERE id = $1 AND claim_token = $2 AND status = 'claimed'
			 RETURNING job_id, chunk_index, status, attempt_count`,
			chunkID, claimToken, truncateMessage(errMsg), retryBudget,
		).Scan(&result.JobID, &index, &status, &result.Attempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrClaimConflict
		}
		if err != nil {
			return fmt.Errorf("fail chunk: %w", err)
		}

		if status == models.ChunkStatusQueued {
			result.Requeued = true
			return nil
		}

		failed, err := failJobTx(ctx, tx, result.JobID, chunkFailureMessage(index, result.Attempts, errMsg))
		if err != nil {
			return err
		}
		result.JobFailed = failed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *PostgresStore) ReapExpiredChunks(ctx context.Context, retryBudget int) (*ReapResult, error) {
	result := &ReapResult{}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`UPDATE analysis_chunks SET
			   status = CASE WHEN attempt_count > $1 THEN 'failed' ELSE 'queued' END,
			   error_message = 'claim lease expired', claim_token = NULL, claimed_by = NULL,
			   lease_expires_at = NULL, updated_at = NOW()
			 WHERE id IN (
			   SELECT id FROM analysis_chunks
			   WHERE status = 'claimed' AND lease_expires_at < NOW()
			   FOR UPDATE SKIP LOCKED
			 )
			 RETURNING `+columns(chunkColumns, ""), retryBudget)
		if err != nil {
			return fmt.Errorf("reap chunks: %w", err)
		}
		var exhausted []*models.Chunk
		for rows.Next() {
			c, err := scanChunk(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan reaped chunk: %w", err)
			}
			if c.Status == models.ChunkStatusQueued {
				result.Requeued = append(result.Requeued, c)
			} else {
				exhausted = append(exhausted, c)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("reap chunks: %w", err)
		}

		for _, c := range exhausted {
			failed, err := failJobTx(ctx, tx, c.JobID,
				chunkFailureMessage(c.ChunkIndex, c.AttemptCount, "claim lease expired"))
			if err != nil {
				return err
			}
			if failed {
				result.FailedJobs = append(result.FailedJobs, c.JobID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) RetryChunk(ctx context.Context, jobID, chunkID uuid.UUID) (*models.Chunk, error) {
	var retried *models.Chunk
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE analysis_jobs SET status = 'processing', stage = 'extracting poses', error_message = NULL,
			   completed_at = NULL, updated_at = NOW()
			 WHERE id = $1 AND status IN ('failed', 'processing', 'queued_for_analysis')`, jobID)
		if err != nil {
			return fmt.Errorf("retry chunk: reopen job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errJobMiss
		}

		c, err := scanChunk(tx.QueryRow(ctx,
			`UPDATE analysis_chunks SET status = 'queued', error_message = NULL, updated_at = NOW()
			 WHERE id = $1 AND job_id = $2 AND status = 'failed'
			 RETURNING `+columns(chunkColumns, ""), chunkID, jobID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInvalidTransition
		}
		if err != nil {
			return fmt.Errorf("retry chunk: %w", err)
		}
		retried = c
		return nil
	})
	if errors.Is(err, errJobMiss) {
		return nil, s.classifyJobMiss(ctx, jobID)
	}
	if err != nil {
		return nil, err
	}
	return retried, nil
}

// --- Aggregation ---

func (s *PostgresStore) ClaimJobForAggregation(ctx context.Context, jobID uuid.UUID, lease time.Duration) (uuid.UUID, error) {
	token := uuid.New()
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`UPDATE analysis_jobs SET status = 'aggregating', stage = 'merging chunks',
		   progress_pct = GREATEST(progress_pct, 99), aggregation_token = $2,
		   aggregation_lease_expires_at = NOW() + make_interval(secs => $3), updated_at = NOW()
		 WHERE id = (
		   SELECT id FROM analysis_jobs
		   WHERE id = $1 AND total_chunks > 0 AND completed_chunks = total_chunks
		     AND (status = 'processing' OR (status = 'aggregating' AND aggregation_lease_expires_at < NOW()))
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id`, jobID, token, lease.Seconds()).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, s.classifyAggregationMiss(ctx, jobID)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("claim job for aggregation: %w", err)
	}
	return token, nil
}

func (s *PostgresStore) FinalizeJob(ctx context.Context, jobID, aggregationToken uuid.UUID, reportRef string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_jobs SET status = 'done', stage = 'complete', progress_pct = 100, report_ref = $3,
		   completed_at = NOW(), aggregation_lease_expires_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'aggregating' AND aggregation_token = $2`, jobID, aggregationToken, reportRef)
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimConflict
	}
	return nil
}

func (s *PostgresStore) ExtendAggregationLease(ctx context.Context, jobID, aggregationToken uuid.UUID, lease time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_jobs SET aggregation_lease_expires_at = NOW() + make_interval(secs => $3), updated_at = NOW()
		 WHERE id = $1 AND status = 'aggregating' AND aggregation_token = $2`, jobID, aggregationToken, lease.Seconds())
	if err != nil {
		return fmt.Errorf("extend aggregation lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimConflict
	}
	return nil
}

func (s *PostgresStore) FailAggregation(ctx context.Context, jobID, aggregationToken uuid.UUID, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_jobs SET status = 'failed', error_message = $3, completed_at = NOW(),
		   aggregation_lease_expires_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'aggregating' AND aggregation_token = $2`,
		jobID, aggregationToken, truncateMessage(errMsg))
	if err != nil {
		return fmt.Errorf("fail aggregation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimConflict
	}
	return nil
}

func (s *PostgresStore) ListAggregationCandidates(ctx context.Context, idle time.Duration) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM analysis_jobs
		 WHERE total_chunks > 0 AND completed_chunks = total_chunks
		   AND ((status = 'processing' AND updated_at < NOW() - make_interval(secs => $1))
		     OR (status = 'aggregating' AND aggregation_lease_expires_at < NOW()))
		 ORDER BY updated_at
		 LIMIT 100`, idle.Seconds())
	if err != nil {
		return nil, fmt.Errorf("list aggregation candidates: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan aggregation candidate: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) RefreshIdleChunks(ctx context.Context, idle time.Duration, limit int) ([]*models.Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE analysis_chunks SET updated_at = NOW()
		 WHERE id IN (
		   SELECT c.id FROM analysis_chunks c
		   JOIN analysis_jobs j ON j.id = c.job_id
		   WHERE c.status = 'queued' AND j.status IN ('queued_for_analysis', 'processing')
		     AND c.updated_at < NOW() - make_interval(secs => $1)
		   ORDER BY c.updated_at, c.chunk_index
		   LIMIT $2
		   FOR UPDATE OF c SKIP LOCKED
		 )
		 RETURNING `+columns(chunkColumns, ""), idle.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("refresh idle chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan idle chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *PostgresStore) RefreshStalledPlans(ctx context.Context, idle time.Duration, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE analysis_jobs SET updated_at = NOW()
		 WHERE id IN (
		   SELECT id FROM analysis_jobs
		   WHERE status IN ('uploaded', 'planning') AND updated_at < NOW() - make_interval(secs => $1)
		   ORDER BY updated_at
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id`, idle.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("refresh stalled plans: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stalled job: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- helpers ---

// errJobMiss marks a guarded job update that matched no row; callers turn it
// into ErrNotFound or ErrInvalidTransition outside the transaction.
var errJobMiss = errors.New("job update matched no row")

// failJobTx fails a non-terminal job inside tx. Reports whether the job changed.
func failJobTx(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, errMsg string) (bool, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE analysis_jobs SET status = 'failed', error_message = $2, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status NOT IN ('done', 'failed', 'cancelled')`, jobID, truncateMessage(errMsg))
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) classifyJobMiss(ctx context.Context, jobID uuid.UUID) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM analysis_jobs WHERE id = $1)`, jobID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("lookup job: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidTransition
}

func (s *PostgresStore) classifyAggregationMiss(ctx context.Context, jobID uuid.UUID) error {
	var status string
	var completed, total int
	err := s.pool.QueryRow(ctx,
		`SELECT status, completed_chunks, total_chunks FROM analysis_jobs WHERE id = $1`, jobID,
	).Scan(&status, &completed, &total)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup job: %w", err)
	}
	return aggregationMiss(status, completed, total)
}

// aggregationMiss explains why a job could not be claimed for aggregation.
func aggregationMiss(status string, completed, total int) error {
	if models.IsTerminalJobStatus(status) {
		return ErrClaimConflict
	}
	if total == 0 || completed < total {
		return ErrNotReady
	}
	return ErrClaimConflict
}

func chunkFailureMessage(index, attempts int, reason string) string {
	return fmt.Sprintf("chunk %d failed after %d attempts: %s", index, attempts, reason)
}

// truncateMessage bounds s to MaxErrorMessageLen bytes without splitting UTF-8 runes.
func truncateMessage(s string) string {
	s = strings.TrimSpace(s)
	maxBytes := MaxErrorMessageLen
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
