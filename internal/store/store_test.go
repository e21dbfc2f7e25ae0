package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/strokelab/internal/store"
	"github.com/kiranshivaraju/strokelab/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("strokelab_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

type storeFactory func(t *testing.T) store.Store

// backends returns the stores every contract test runs against. Postgres is
// skipped in -short mode.
func backends(t *testing.T) map[string]storeFactory {
	t.Helper()
	b := map[string]storeFactory{
		"memory": func(t *testing.T) store.Store { return store.NewMemoryStore() },
	}
	if !testing.Short() {
		var (
			once sync.Once
			pool *pgxpool.Pool
		)
		b["postgres"] = func(t *testing.T) store.Store {
			once.Do(func() { pool = setupTestDB(t) })
			return store.NewPostgresStore(pool)
		}
	}
	return b
}

func forEachStore(t *testing.T, fn func(t *testing.T, s store.Store)) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func newJob() *models.Job {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Job{
		ID:           uuid.New(),
		SessionID:    "session-" + uuid.NewString()[:8],
		VideoRef:     "uploads/video.mp4",
		Mode:         models.JobModeChunked,
		Status:       models.JobStatusUploaded,
		Stage:        "uploaded",
		ChunkSeconds: 30,
		SampleRate:   10,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// seedPlannedJob creates a job and plans n chunks of 30s each.
func seedPlannedJob(t *testing.T, s store.Store, n int) (*models.Job, []*models.Chunk) {
	t.Helper()
	ctx := context.Background()
	job := newJob()
	require.NoError(t, s.CreateJob(ctx, job))

	_, err := s.BeginPlanning(ctx, job.ID)
	require.NoError(t, err)

	chunks := make([]*models.Chunk, n)
	for i := range chunks {
		chunks[i] = &models.Chunk{
			ID:         uuid.New(),
			JobID:      job.ID,
			ChunkIndex: i,
			StartSec:   float64(i) * 30,
			EndSec:     float64(i+1) * 30,
		}
	}
	require.NoError(t, s.SavePlan(ctx, job.ID, float64(n)*30, chunks))

	saved, err := s.ListChunks(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, saved, n)
	return job, saved
}

// --- Jobs ---

func TestJob_CreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob()
		require.NoError(t, s.CreateJob(ctx, job))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.SessionID, got.SessionID)
		assert.Equal(t, models.JobStatusUploaded, got.Status)
		assert.Equal(t, 0, got.ProgressPct)
		assert.Nil(t, got.VideoDurationSeconds)
	})
}

func TestJob_CreateDuplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob()
		require.NoError(t, s.CreateJob(ctx, job))
		assert.ErrorIs(t, s.CreateJob(ctx, job), store.ErrDuplicateKey)
	})
}

func TestJob_GetNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		_, err := s.GetJob(context.Background(), uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestSavePlan_QueuesJobAndChunks(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		job, chunks := seedPlannedJob(t, s, 4)

		got, err := s.GetJob(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusQueuedForAnalysis, got.Status)
		assert.Equal(t, 4, got.TotalChunks)
		require.NotNil(t, got.VideoDurationSeconds)
		assert.Equal(t, 120.0, *got.VideoDurationSeconds)

		for i, c := range chunks {
			assert.Equal(t, i, c.ChunkIndex)
			assert.Equal(t, models.ChunkStatusQueued, c.Status)
			assert.Equal(t, 0, c.AttemptCount)
		}
	})
}

func TestSavePlan_SecondPlanRejected(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		job, _ := seedPlannedJob(t, s, 2)
		err := s.SavePlan(context.Background(), job.ID, 60, []*models.Chunk{
			{ID: uuid.New(), JobID: job.ID, ChunkIndex: 0, StartSec: 0, EndSec: 60},
		})
		assert.ErrorIs(t, err, store.ErrInvalidTransition)

		chunks, err := s.ListChunks(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Len(t, chunks, 2)
	})
}

func TestBeginPlanning_RejectsQueuedJob(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		job, _ := seedPlannedJob(t, s, 1)
		_, err := s.BeginPlanning(context.Background(), job.ID)
		assert.ErrorIs(t, err, store.ErrInvalidTransition)

		_, err = s.BeginPlanning(context.Background(), uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

// --- Claims ---

func TestClaimNextChunk_ClaimsInIndexOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job, _ := seedPlannedJob(t, s, 3)

		c, err := s.ClaimNextChunk(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, 0, c.ChunkIndex)
		assert.Equal(t, models.ChunkStatusClaimed, c.Status)
		assert.Equal(t, 1, c.AttemptCount)
		require.NotNil(t, c.ClaimToken)
		require.NotNil(t, c.ClaimedBy)
		assert.Equal(t, "worker-1", *c.ClaimedBy)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusProcessing, got.Status)
		assert.NotNil(t, got.StartedAt)
	})
}

func TestClaimNextChunk_NothingQueued(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		c, err := s.ClaimNextChunk(context.Background(), "worker-1", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, c)
	})
}

func TestClaimNextChunk_ConcurrentClaimersNeverShare(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		seedPlannedJob(t, s, 6)

		var (
			mu      sync.Mutex
			claimed = map[uuid.UUID]int{}
			wg      sync.WaitGroup
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				for {
					c, err := s.ClaimNextChunk(ctx, "worker", time.Minute)
					if err != nil || c == nil {
						return
					}
					mu.Lock()
					claimed[c.ID]++
					mu.Unlock()
				}
			}(w)
		}
		wg.Wait()

		assert.Len(t, claimed, 6)
		for id, n := range claimed {
			assert.Equal(t, 1, n, "chunk %s claimed more than once", id)
		}
	})
}

func TestTryClaimChunk_SecondClaimConflicts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		_, chunks := seedPlannedJob(t, s, 1)

		_, err := s.TryClaimChunk(ctx, chunks[0].ID, "worker-1", time.Minute)
		require.NoError(t, err)

		_, err = s.TryClaimChunk(ctx, chunks[0].ID, "worker-2", time.Minute)
		assert.ErrorIs(t, err, store.ErrClaimConflict)
	})
}

func TestExtendChunkLease_RequiresToken(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		_, chunks := seedPlannedJob(t, s, 1)
		c, err := s.TryClaimChunk(ctx, chunks[0].ID, "worker-1", time.Minute)
		require.NoError(t, err)

		require.NoError(t, s.ExtendChunkLease(ctx, c.ID, *c.ClaimToken, 2*time.Minute))
		assert.ErrorIs(t, s.ExtendChunkLease(ctx, c.ID, uuid.New(), time.Minute), store.ErrClaimConflict)
	})
}

// --- Completion ---

func TestCompleteChunk_ExactlyOneLastChunk(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job, _ := seedPlannedJob(t, s, 4)

		lastCount := 0
		prevPct := -1
		for i := 0; i < 4; i++ {
			c, err := s.ClaimNextChunk(ctx, "worker-1", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, c)

			done, err := s.CompleteChunk(ctx, c.ID, *c.ClaimToken, "artifacts/x.json", 1200)
			require.NoError(t, err)
			assert.Equal(t, job.ID, done.JobID)
			assert.Equal(t, i+1, done.CompletedChunks)
			assert.GreaterOrEqual(t, done.ProgressPct, prevPct)
			assert.LessOrEqual(t, done.ProgressPct, 99)
			prevPct = done.ProgressPct
			if done.LastChunk {
				lastCount++
			}
		}
		assert.Equal(t, 1, lastCount)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 4, got.CompletedChunks)
		assert.Equal(t, 99, got.ProgressPct)
		assert.Equal(t, models.JobStatusProcessing, got.Status)
	})
}

func TestCompleteChunk_StaleTokenConflicts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job, _ := seedPlannedJob(t, s, 2)
		c, err := s.ClaimNextChunk(ctx, "worker-1", time.Minute)
		require.NoError(t, err)

		_, err = s.CompleteChunk(ctx, c.ID, uuid.New(), "artifacts/x.json", 10)
		assert.ErrorIs(t, err, store.ErrClaimConflict)

		_, err = s.CompleteChunk(ctx, c.ID, *c.ClaimToken, "artifacts/x.json", 10)
		require.NoError(t, err)

		// A duplicate delivery finishing the same chunk must not double count.
		_, err = s.CompleteChunk(ctx, c.ID, *c.ClaimToken, "artifacts/x.json", 10)
		assert.ErrorIs(t, err, store.ErrClaimConflict)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.CompletedChunks)
	})
}

// --- Failure and reaping ---

func TestFailChunk_RequeuesWithinBudget(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job, _ := seedPlannedJob(t, s, 1)

		for attempt := 1; attempt <= 2; attempt++ {
			c, err := s.ClaimNextChunk(ctx, "worker-1", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, c)
			assert.Equal(t, attempt, c.AttemptCount)

			res, err := s.FailChunk(ctx, c.ID, *c.ClaimToken, "pose service returned 500", 2)
			require.NoError(t, err)
			assert.True(t, res.Requeued)
			assert.False(t, res.JobFailed)
		}

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusProcessing, got.Status)
	})
}

func TestFailChunk_ExhaustedBudgetFailsJob(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job, _ := seedPlannedJob(t, s, 2)

		var res *store.ChunkFailure
		for attempt := 1; attempt <= 3; attempt++ {
			c, err := s.ClaimNextChunk(ctx, "worker-1", time.Minute)
			require.NoError(t, err)
			require.NotNil(t, c)
			require.Equal(t, 0, c.ChunkIndex)
			res, err = s.FailChunk(ctx, c.ID, *c.ClaimToken, "boom", 2)
			require.NoError(t, err)
		}
		assert.False(t, res.Requeued)
		assert.True(t, res.JobFailed)
		assert.Equal(t, 3, res.Attempts)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, got.Status)
		require.NotNil(t, got.ErrorMessage)
		assert.Contains(t, *got.ErrorMessage, "chunk 0")
		assert.Contains(t, *got.ErrorMessage, "boom")

		// The other chunk is no longer claimable once the job failed.
		c, err := s.ClaimNextChunk(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		assert.Nil(t, c)
	})
}

func TestFailChunk_TruncatesLongErrors(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		_, _ = seedPlannedJob(t, s, 1)
		c, err := s.ClaimNextChunk(ctx, "worker-1", time.Minute)
		require.NoError(t, err)

		_, err = s.FailChunk(ctx, c.ID, *c.ClaimToken, strings.Repeat("é", 900), 5)
		require.NoError(t, err)

		got, err := s.GetChunk(ctx, c.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ErrorMessage)
		assert.LessOrEqual(t, len(*got.ErrorMessage), store.MaxErrorMessageLen)
	})
}

func TestReapExpiredChunks(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		_, chunks := seedPlannedJob(t, s, 2)

		expired, err := s.TryClaimChunk(ctx, chunks[0].ID, "crashed-worker", time.Millisecond)
		require.NoError(t, err)
		_, err = s.TryClaimChunk(ctx, chunks[1].ID, "live-worker", time.Hour)
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)

		res, err := s.ReapExpiredChunks(ctx, 2)
		require.NoError(t, err)
		require.Len(t, res.Requeued, 1)
		assert.Equal(t, expired.ID, res.Requeued[0].ID)
		assert.Empty(t, res.FailedJobs)

		// The crashed worker's late completion is rejected.
		_, err = s.CompleteChunk(ctx, expired.ID, *expired.ClaimToken, "artifacts/late.json", 10)
		assert.ErrorIs(t, err, store.ErrClaimConflict)

		again, err := s.ClaimNextChunk(ctx, "worker-2", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, expired.ID, again.ID)
		assert.Equal(t, 2, again.AttemptCount)
	})
}

func TestReapExpiredChunks_ExhaustedFailsJob(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job, chunks := seedPlannedJob(t, s, 1)

		_, err := s.TryClaimChunk(ctx, chunks[0].ID, "crashed-worker", time.Millisecond)
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)

		res, err := s.ReapExpiredChunks(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, res.Requeued)
		assert.Equal(t, []uuid.UUID{job.ID}, res.FailedJobs)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, got.Status)
	})
}

func TestRetryChunk_ReopensFailedJob(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job, _ := seedPlannedJob(t, s, 1)
		c, err := s.ClaimNextChunk(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		_, err = s.FailChunk(ctx, c.ID, *c.ClaimToken, "boom", 0)
		require.NoError(t, err)

		retried, err := s.RetryChunk(ctx, job.ID, c.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ChunkStatusQueued, retried.Status)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusProcessing, got.Status)
		assert.Nil(t, got.ErrorMessage)

		_, err = s.RetryChunk(ctx, job.ID, c.ID)
		assert.ErrorIs(t, err, store.ErrInvalidTransition)
	})
}

// --- Aggregation ---

func completeAll(t *testing.T, s store.Store, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		c, err := s.ClaimNextChunk(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, c)
		_, err = s.CompleteChunk(ctx, c.ID, *c.ClaimToken, "artifacts/x.json", 10)
		require.NoError(t, err)
	}
}

func TestClaimJobForAggregation_NotReady(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		job, _ := seedPlannedJob(t, s, 2)
		completeAll(t, s, 1)

		_, err := s.ClaimJobForAggregation(context.Background(), job.ID, time.Minute)
		assert.ErrorIs(t, err, store.ErrNotReady)
	})
}

func TestClaimJobForAggregation_SingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job, _ := seedPlannedJob(t, s, 3)
		completeAll(t, s, 3)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []uuid.UUID
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				token, err := s.ClaimJobForAggregation(ctx, job.ID, time.Minute)
				if err == nil {
					mu.Lock()
					winners = append(winners, token)
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, store.ErrClaimConflict)
			}()
		}
		wg.Wait()
		require.Len(t, winners, 1)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusAggregating, got.Status)
		assert.Equal(t, 99, got.ProgressPct)

		assert.ErrorIs(t, s.FinalizeJob(ctx, job.ID, uuid.New(), "artifacts/r.json"), store.ErrClaimConflict)
		require.NoError(t, s.FinalizeJob(ctx, job.ID, winners[0], "artifacts/r.json"))

		got, err = s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusDone, got.Status)
		assert.Equal(t, 100, got.ProgressPct)
		require.NotNil(t, got.ReportRef)
		assert.Equal(t, "artifacts/r.json", *got.ReportRef)

		_, err = s.ClaimJobForAggregation(ctx, job.ID, time.Minute)
		assert.ErrorIs(t, err, store.ErrClaimConflict)
	})
}

func TestClaimJobForAggregation_ExpiredLeaseReclaimable(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job, _ := seedPlannedJob(t, s, 1)
		completeAll(t, s, 1)

		first, err := s.ClaimJobForAggregation(ctx, job.ID, time.Millisecond)
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)

		ids, err := s.ListAggregationCandidates(ctx, time.Hour)
		require.NoError(t, err)
		assert.Contains(t, ids, job.ID)

		second, err := s.ClaimJobForAggregation(ctx, job.ID, time.Minute)
		require.NoError(t, err)
		assert.NotEqual(t, first, second)

		// The stalled aggregator can no longer finalize.
		assert.ErrorIs(t, s.FinalizeJob(ctx, job.ID, first, "artifacts/r.json"), store.ErrClaimConflict)
	})
}

func TestExtendAggregationLease_KeepsClaim(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job, _ := seedPlannedJob(t, s, 1)
		completeAll(t, s, 1)

		token, err := s.ClaimJobForAggregation(ctx, job.ID, 50*time.Millisecond)
		require.NoError(t, err)
		assert.ErrorIs(t, s.ExtendAggregationLease(ctx, job.ID, uuid.New(), time.Minute), store.ErrClaimConflict)
		require.NoError(t, s.ExtendAggregationLease(ctx, job.ID, token, time.Minute))
		time.Sleep(80 * time.Millisecond)

		_, err = s.ClaimJobForAggregation(ctx, job.ID, time.Minute)
		assert.ErrorIs(t, err, store.ErrClaimConflict)
		ids, err := s.ListAggregationCandidates(ctx, time.Hour)
		require.NoError(t, err)
		assert.NotContains(t, ids, job.ID)
	})
}

func TestExtendAggregationLease_AfterTakeover(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job, _ := seedPlannedJob(t, s, 1)
		completeAll(t, s, 1)

		first, err := s.ClaimJobForAggregation(ctx, job.ID, time.Millisecond)
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
		_, err = s.ClaimJobForAggregation(ctx, job.ID, time.Minute)
		require.NoError(t, err)

		assert.ErrorIs(t, s.ExtendAggregationLease(ctx, job.ID, first, time.Minute), store.ErrClaimConflict)
	})
}

func TestFailAggregation_RequiresCurrentToken(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job, _ := seedPlannedJob(t, s, 1)
		completeAll(t, s, 1)

		first, err := s.ClaimJobForAggregation(ctx, job.ID, time.Millisecond)
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
		second, err := s.ClaimJobForAggregation(ctx, job.ID, time.Minute)
		require.NoError(t, err)

		// The superseded aggregator cannot fail the job out from under the holder.
		assert.ErrorIs(t, s.FailAggregation(ctx, job.ID, first, "stale run"), store.ErrClaimConflict)
		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusAggregating, got.Status)

		require.NoError(t, s.FailAggregation(ctx, job.ID, second, "metrics failed"))
		got, err = s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, got.Status)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, "metrics failed", *got.ErrorMessage)

		assert.ErrorIs(t, s.FinalizeJob(ctx, job.ID, second, "artifacts/r.json"), store.ErrClaimConflict)
		assert.ErrorIs(t, s.FailAggregation(ctx, job.ID, second, "again"), store.ErrClaimConflict)
	})
}

func TestListAggregationCandidates_StalledProcessing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job, _ := seedPlannedJob(t, s, 1)
		completeAll(t, s, 1)
		time.Sleep(20 * time.Millisecond)

		ids, err := s.ListAggregationCandidates(ctx, 5*time.Millisecond)
		require.NoError(t, err)
		assert.Contains(t, ids, job.ID)

		ids, err = s.ListAggregationCandidates(ctx, time.Hour)
		require.NoError(t, err)
		assert.NotContains(t, ids, job.ID)
	})
}

func TestRefreshIdleChunks_OnlyIdleChunksOfLiveJobs(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job, chunks := seedPlannedJob(t, s, 3)
		_, err := s.TryClaimChunk(ctx, chunks[0].ID, "worker-1", time.Minute)
		require.NoError(t, err)
		cancelled, _ := seedPlannedJob(t, s, 2)
		require.NoError(t, s.CancelJob(ctx, cancelled.ID))
		time.Sleep(60 * time.Millisecond)

		got, err := s.RefreshIdleChunks(ctx, 30*time.Millisecond, 1000)
		require.NoError(t, err)
		var mine []int
		for _, c := range got {
			assert.NotEqual(t, cancelled.ID, c.JobID)
			if c.JobID == job.ID {
				mine = append(mine, c.ChunkIndex)
			}
		}
		assert.ElementsMatch(t, []int{1, 2}, mine)

		// Refreshed chunks are not idle again until another window passes.
		again, err := s.RefreshIdleChunks(ctx, 30*time.Millisecond, 1000)
		require.NoError(t, err)
		for _, c := range again {
			assert.NotEqual(t, job.ID, c.JobID)
		}
	})
}

func TestRefreshStalledPlans(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		uploaded := newJob()
		require.NoError(t, s.CreateJob(ctx, uploaded))
		planning := newJob()
		require.NoError(t, s.CreateJob(ctx, planning))
		_, err := s.BeginPlanning(ctx, planning.ID)
		require.NoError(t, err)
		planned, _ := seedPlannedJob(t, s, 1)
		time.Sleep(60 * time.Millisecond)

		ids, err := s.RefreshStalledPlans(ctx, 30*time.Millisecond, 1000)
		require.NoError(t, err)
		assert.Contains(t, ids, uploaded.ID)
		assert.Contains(t, ids, planning.ID)
		assert.NotContains(t, ids, planned.ID)

		again, err := s.RefreshStalledPlans(ctx, 30*time.Millisecond, 1000)
		require.NoError(t, err)
		assert.NotContains(t, again, uploaded.ID)
	})
}

// --- Cancel / fail ---

func TestCancelJob_SkipsOutstandingChunks(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job, _ := seedPlannedJob(t, s, 3)
		completeAll(t, s, 1)
		claimed, err := s.ClaimNextChunk(ctx, "worker-1", time.Minute)
		require.NoError(t, err)

		require.NoError(t, s.CancelJob(ctx, job.ID))

		chunks, err := s.ListChunks(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ChunkStatusCompleted, chunks[0].Status)
		assert.Equal(t, models.ChunkStatusSkipped, chunks[1].Status)
		assert.Equal(t, models.ChunkStatusSkipped, chunks[2].Status)

		_, err = s.CompleteChunk(ctx, claimed.ID, *claimed.ClaimToken, "artifacts/x.json", 10)
		assert.ErrorIs(t, err, store.ErrClaimConflict)

		assert.ErrorIs(t, s.CancelJob(ctx, job.ID), store.ErrInvalidTransition)
		assert.ErrorIs(t, s.CancelJob(ctx, uuid.New()), store.ErrNotFound)
	})
}

func TestFailJob_TerminalIsSticky(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob()
		require.NoError(t, s.CreateJob(ctx, job))

		require.NoError(t, s.FailJob(ctx, job.ID, "media unreadable"))
		assert.ErrorIs(t, s.FailJob(ctx, job.ID, "again"), store.ErrInvalidTransition)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, "media unreadable", *got.ErrorMessage)
		assert.NotNil(t, got.CompletedAt)
	})
}
