package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/strokelab/pkg/models"
)

// MemoryStore is an in-process Store guarded by a single mutex. It follows the
// same transition rules as PostgresStore and backs tests and single-binary runs.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*memJob
	chunks map[uuid.UUID]*models.Chunk
	now    func() time.Time
}

type memJob struct {
	job              models.Job
	aggregationToken uuid.UUID
	aggregationLease time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[uuid.UUID]*memJob),
		chunks: make(map[uuid.UUID]*models.Chunk),
		now:    time.Now,
	}
}

// SetClock replaces the store's time source. Tests use it to expire leases.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	m.jobs[job.ID] = &memJob{job: *job}
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := j.job
	return &cp, nil
}

func (m *MemoryStore) ListChunks(_ context.Context, jobID uuid.UUID) ([]*models.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Chunk
	for _, c := range m.chunks {
		if c.JobID == jobID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ChunkIndex < out[k].ChunkIndex })
	return out, nil
}

func (m *MemoryStore) GetChunk(_ context.Context, id uuid.UUID) (*models.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) BeginPlanning(_ context.Context, jobID uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if j.job.Status != models.JobStatusUploaded && j.job.Status != models.JobStatusPlanning {
		return nil, ErrInvalidTransition
	}
	j.job.Status = models.JobStatusPlanning
	j.job.Stage = "probing duration"
	j.job.UpdatedAt = m.now()
	cp := j.job
	return &cp, nil
}

func (m *MemoryStore) SavePlan(_ context.Context, jobID uuid.UUID, durationSeconds float64, chunks []*models.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.job.Status != models.JobStatusPlanning {
		return ErrInvalidTransition
	}
	now := m.now()
	for _, c := range chunks {
		cp := *c
		cp.JobID = jobID
		cp.Status = models.ChunkStatusQueued
		cp.CreatedAt = now
		cp.UpdatedAt = now
		m.chunks[cp.ID] = &cp
	}
	d := durationSeconds
	j.job.VideoDurationSeconds = &d
	j.job.TotalChunks = len(chunks)
	j.job.Status = models.JobStatusQueuedForAnalysis
	j.job.Stage = "waiting for workers"
	j.job.UpdatedAt = now
	return nil
}

func (m *MemoryStore) SetStage(_ context.Context, jobID uuid.UUID, stage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[jobID]; ok && !j.job.IsTerminal() {
		j.job.Stage = stage
		j.job.UpdatedAt = m.now()
	}
	return nil
}

func (m *MemoryStore) ClaimNextChunk(_ context.Context, workerID string, lease time.Duration) (*models.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *models.Chunk
	for _, c := range m.chunks {
		if !m.claimable(c) {
			continue
		}
		if next == nil || c.CreatedAt.Before(next.CreatedAt) ||
			(c.CreatedAt.Equal(next.CreatedAt) && c.ChunkIndex < next.ChunkIndex) {
			next = c
		}
	}
	if next == nil {
		return nil, nil
	}
	return m.claimLocked(next, workerID, lease), nil
}

func (m *MemoryStore) TryClaimChunk(_ context.Context, chunkID uuid.UUID, workerID string, lease time.Duration) (*models.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[chunkID]
	if !ok || !m.claimable(c) {
		return nil, ErrClaimConflict
	}
	return m.claimLocked(c, workerID, lease), nil
}

func (m *MemoryStore) claimable(c *models.Chunk) bool {
	if c.Status != models.ChunkStatusQueued {
		return false
	}
	j, ok := m.jobs[c.JobID]
	return ok && (j.job.Status == models.JobStatusQueuedForAnalysis || j.job.Status == models.JobStatusProcessing)
}

func (m *MemoryStore) claimLocked(c *models.Chunk, workerID string, lease time.Duration) *models.Chunk {
	now := m.now()
	token := uuid.New()
	expires := now.Add(lease)
	worker := workerID

	c.Status = models.ChunkStatusClaimed
	c.AttemptCount++
	c.ClaimToken = &token
	c.ClaimedBy = &worker
	c.LeaseExpiresAt = &expires
	c.ClaimedAt = &now
	c.UpdatedAt = now

	j := m.jobs[c.JobID]
	if j.job.Status == models.JobStatusQueuedForAnalysis {
		j.job.Status = models.JobStatusProcessing
		j.job.Stage = "extracting poses"
		if j.job.StartedAt == nil {
			j.job.StartedAt = &now
		}
		j.job.UpdatedAt = now
	}

	cp := *c
	return &cp
}

// heldBy reports whether c is still claimed under token.
func heldBy(c *models.Chunk, token uuid.UUID) bool {
	return c.Status == models.ChunkStatusClaimed && c.ClaimToken != nil && *c.ClaimToken == token
}

func (m *MemoryStore) ExtendChunkLease(_ context.Context, chunkID, claimToken uuid.UUID, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[chunkID]
	if !ok || !heldBy(c, claimToken) {
		return ErrClaimConflict
	}
	expires := m.now().Add(lease)
	c.LeaseExpiresAt = &expires
	return nil
}

func (m *MemoryStore) CompleteChunk(_ context.Context, chunkID, claimToken uuid.UUID, artifactRef string, runtimeMS int64) (*ChunkCompletion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[chunkID]
	if !ok || !heldBy(c, claimToken) {
		return nil, ErrClaimConflict
	}

	now := m.now()
	ref := artifactRef
	rt := runtimeMS
	c.Status = models.ChunkStatusCompleted
	c.ArtifactRef = &ref
	c.RuntimeMS = &rt
	c.CompletedAt = &now
	c.LeaseExpiresAt = nil
	c.ErrorMessage = nil
	c.UpdatedAt = now

	result := &ChunkCompletion{JobID: c.JobID}
	j := m.jobs[c.JobID]
	if j.job.Status == models.JobStatusDone || j.job.Status == models.JobStatusCancelled ||
		j.job.CompletedChunks >= j.job.TotalChunks {
		return result, nil
	}

	j.job.CompletedChunks++
	pct := models.ProgressPct(models.JobStatusProcessing, j.job.CompletedChunks, j.job.TotalChunks)
	if pct > j.job.ProgressPct {
		j.job.ProgressPct = pct
	}
	if j.job.Status == models.JobStatusQueuedForAnalysis {
		j.job.Status = models.JobStatusProcessing
	}
	if j.job.StartedAt == nil {
		j.job.StartedAt = &now
	}
	j.job.UpdatedAt = now

	result.CompletedChunks = j.job.CompletedChunks
	result.TotalChunks = j.job.TotalChunks
	result.ProgressPct = j.job.ProgressPct
	result.LastChunk = j.job.Status == models.JobStatusProcessing && j.job.CompletedChunks == j.job.TotalChunks
	return result, nil
}

func (m *MemoryStore) FailChunk(_ context.Context, chunkID, claimToken uuid.UUID, errMsg string, retryBudget int) (*ChunkFailure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[chunkID]
	if !ok || !heldBy(c, claimToken) {
		return nil, ErrClaimConflict
	}

	result := &ChunkFailure{JobID: c.JobID, Attempts: c.AttemptCount}
	m.releaseLocked(c, errMsg, retryBudget)
	if c.Status == models.ChunkStatusQueued {
		result.Requeued = true
		return result, nil
	}
	result.JobFailed = m.failJobLocked(c.JobID, chunkFailureMessage(c.ChunkIndex, c.AttemptCount, errMsg))
	return result, nil
}

// releaseLocked drops the claim on c, requeueing it while attempts remain.
func (m *MemoryStore) releaseLocked(c *models.Chunk, errMsg string, retryBudget int) {
	msg := truncateMessage(errMsg)
	c.ErrorMessage = &msg
	c.ClaimToken = nil
	c.ClaimedBy = nil
	c.LeaseExpiresAt = nil
	c.UpdatedAt = m.now()
	if c.AttemptCount > retryBudget {
		c.Status = models.ChunkStatusFailed
	} else {
		c.Status = models.ChunkStatusQueued
	}
}

func (m *MemoryStore) failJobLocked(jobID uuid.UUID, errMsg string) bool {
	j, ok := m.jobs[jobID]
	if !ok || j.job.IsTerminal() {
		return false
	}
	now := m.now()
	msg := truncateMessage(errMsg)
	j.job.Status = models.JobStatusFailed
	j.job.ErrorMessage = &msg
	j.job.CompletedAt = &now
	j.job.UpdatedAt = now
	return true
}

func (m *MemoryStore) ReapExpiredChunks(_ context.Context, retryBudget int) (*ReapResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	result := &ReapResult{}
	for _, c := range m.chunks {
		if c.Status != models.ChunkStatusClaimed || c.LeaseExpiresAt == nil || !c.LeaseExpiresAt.Before(now) {
			continue
		}
		m.releaseLocked(c, "claim lease expired", retryBudget)
		if c.Status == models.ChunkStatusQueued {
			cp := *c
			result.Requeued = append(result.Requeued, &cp)
			continue
		}
		if m.failJobLocked(c.JobID, chunkFailureMessage(c.ChunkIndex, c.AttemptCount, "claim lease expired")) {
			result.FailedJobs = append(result.FailedJobs, c.JobID)
		}
	}
	return result, nil
}

func (m *MemoryStore) RetryChunk(_ context.Context, jobID, chunkID uuid.UUID) (*models.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	switch j.job.Status {
	case models.JobStatusFailed, models.JobStatusProcessing, models.JobStatusQueuedForAnalysis:
	default:
		return nil, ErrInvalidTransition
	}
	c, ok := m.chunks[chunkID]
	if !ok || c.JobID != jobID || c.Status != models.ChunkStatusFailed {
		return nil, ErrInvalidTransition
	}

	now := m.now()
	c.Status = models.ChunkStatusQueued
	c.ErrorMessage = nil
	c.UpdatedAt = now
	j.job.Status = models.JobStatusProcessing
	j.job.Stage = "extracting poses"
	j.job.ErrorMessage = nil
	j.job.CompletedAt = nil
	j.job.UpdatedAt = now
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ClaimJobForAggregation(_ context.Context, jobID uuid.UUID, lease time.Duration) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return uuid.Nil, ErrNotFound
	}
	now := m.now()
	ready := j.job.TotalChunks > 0 && j.job.CompletedChunks == j.job.TotalChunks
	claimable := j.job.Status == models.JobStatusProcessing ||
		(j.job.Status == models.JobStatusAggregating && j.aggregationLease.Before(now))
	if !ready || !claimable {
		return uuid.Nil, aggregationMiss(j.job.Status, j.job.CompletedChunks, j.job.TotalChunks)
	}

	j.aggregationToken = uuid.New()
	j.aggregationLease = now.Add(lease)
	j.job.Status = models.JobStatusAggregating
	j.job.Stage = "merging chunks"
	if j.job.ProgressPct < 99 {
		j.job.ProgressPct = 99
	}
	j.job.UpdatedAt = now
	return j.aggregationToken, nil
}

func (m *MemoryStore) FinalizeJob(_ context.Context, jobID, aggregationToken uuid.UUID, reportRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.aggregationHeldLocked(jobID, aggregationToken)
	if !ok {
		return ErrClaimConflict
	}
	now := m.now()
	ref := reportRef
	j.job.Status = models.JobStatusDone
	j.job.Stage = "complete"
	j.job.ProgressPct = 100
	j.job.ReportRef = &ref
	j.job.CompletedAt = &now
	j.job.UpdatedAt = now
	j.aggregationLease = time.Time{}
	return nil
}

// aggregationHeldLocked reports whether token still holds jobID's aggregation.
func (m *MemoryStore) aggregationHeldLocked(jobID, token uuid.UUID) (*memJob, bool) {
	j, ok := m.jobs[jobID]
	if !ok || j.job.Status != models.JobStatusAggregating || j.aggregationToken != token {
		return nil, false
	}
	return j, true
}

func (m *MemoryStore) ExtendAggregationLease(_ context.Context, jobID, aggregationToken uuid.UUID, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.aggregationHeldLocked(jobID, aggregationToken)
	if !ok {
		return ErrClaimConflict
	}
	now := m.now()
	j.aggregationLease = now.Add(lease)
	j.job.UpdatedAt = now
	return nil
}

func (m *MemoryStore) FailAggregation(_ context.Context, jobID, aggregationToken uuid.UUID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.aggregationHeldLocked(jobID, aggregationToken)
	if !ok {
		return ErrClaimConflict
	}
	m.failJobLocked(jobID, errMsg)
	j.aggregationLease = time.Time{}
	return nil
}

func (m *MemoryStore) FailJob(_ context.Context, jobID uuid.UUID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return ErrNotFound
	}
	if !m.failJobLocked(jobID, errMsg) {
		return ErrInvalidTransition
	}
	return nil
}

func (m *MemoryStore) CancelJob(_ context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.job.IsTerminal() {
		return ErrInvalidTransition
	}
	now := m.now()
	j.job.Status = models.JobStatusCancelled
	j.job.Stage = "cancelled"
	j.job.CompletedAt = &now
	j.job.UpdatedAt = now
	for _, c := range m.chunks {
		if c.JobID == jobID && (c.Status == models.ChunkStatusQueued || c.Status == models.ChunkStatusClaimed) {
			c.Status = models.ChunkStatusSkipped
			c.ClaimToken = nil
			c.ClaimedBy = nil
			c.LeaseExpiresAt = nil
			c.UpdatedAt = now
		}
	}
	return nil
}

func (m *MemoryStore) ListAggregationCandidates(_ context.Context, idle time.Duration) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var ids []uuid.UUID
	for id, j := range m.jobs {
		if j.job.TotalChunks == 0 || j.job.CompletedChunks != j.job.TotalChunks {
			continue
		}
		stalled := j.job.Status == models.JobStatusProcessing && j.job.UpdatedAt.Before(now.Add(-idle))
		expired := j.job.Status == models.JobStatusAggregating && j.aggregationLease.Before(now)
		if stalled || expired {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryStore) RefreshIdleChunks(_ context.Context, idle time.Duration, limit int) ([]*models.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cutoff := now.Add(-idle)
	var idleChunks []*models.Chunk
	for _, c := range m.chunks {
		if m.claimable(c) && c.UpdatedAt.Before(cutoff) {
			idleChunks = append(idleChunks, c)
		}
	}
	sort.Slice(idleChunks, func(a, b int) bool {
		if !idleChunks[a].UpdatedAt.Equal(idleChunks[b].UpdatedAt) {
			return idleChunks[a].UpdatedAt.Before(idleChunks[b].UpdatedAt)
		}
		return idleChunks[a].ChunkIndex < idleChunks[b].ChunkIndex
	})
	if limit > 0 && len(idleChunks) > limit {
		idleChunks = idleChunks[:limit]
	}
	out := make([]*models.Chunk, len(idleChunks))
	for i, c := range idleChunks {
		c.UpdatedAt = now
		cp := *c
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) RefreshStalledPlans(_ context.Context, idle time.Duration, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cutoff := now.Add(-idle)
	var stalled []*memJob
	for _, j := range m.jobs {
		s := j.job.Status
		if (s == models.JobStatusUploaded || s == models.JobStatusPlanning) && j.job.UpdatedAt.Before(cutoff) {
			stalled = append(stalled, j)
		}
	}
	sort.Slice(stalled, func(a, b int) bool { return stalled[a].job.UpdatedAt.Before(stalled[b].job.UpdatedAt) })
	if limit > 0 && len(stalled) > limit {
		stalled = stalled[:limit]
	}
	ids := make([]uuid.UUID, len(stalled))
	for i, j := range stalled {
		j.job.UpdatedAt = now
		ids[i] = j.job.ID
	}
	return ids, nil
}

var _ Store = (*MemoryStore)(nil)
