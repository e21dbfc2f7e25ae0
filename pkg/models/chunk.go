package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ChunkStatusQueued    = "queued"
	ChunkStatusClaimed   = "claimed"
	ChunkStatusCompleted = "completed"
	ChunkStatusFailed    = "failed"
	ChunkStatusSkipped   = "skipped"
)

// Chunk is a half-open [StartSec, EndSec) slice of a job's video and the unit
// of parallel work. ChunkIndex defines merge order.
type Chunk struct {
	ID             uuid.UUID  `db:"id"               json:"id"`
	JobID          uuid.UUID  `db:"job_id"           json:"job_id"`
	ChunkIndex     int        `db:"chunk_index"      json:"chunk_index"`
	StartSec       float64    `db:"start_sec"        json:"start_sec"`
	EndSec         float64    `db:"end_sec"          json:"end_sec"`
	Status         string     `db:"status"           json:"status"`
	AttemptCount   int        `db:"attempt_count"    json:"attempt_count"`
	ClaimToken     *uuid.UUID `db:"claim_token"      json:"-"`
	ClaimedBy      *string    `db:"claimed_by"       json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at" json:"lease_expires_at,omitempty"`
	ArtifactRef    *string    `db:"artifact_ref"     json:"artifact_ref,omitempty"`
	RuntimeMS      *int64     `db:"runtime_ms"       json:"runtime_ms,omitempty"`
	ErrorMessage   *string    `db:"error_message"    json:"error_message,omitempty"`
	CreatedAt      time.Time  `db:"created_at"       json:"created_at"`
	ClaimedAt      *time.Time `db:"claimed_at"       json:"claimed_at,omitempty"`
	CompletedAt    *time.Time `db:"completed_at"     json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `db:"updated_at"       json:"updated_at"`
}

// Duration returns the chunk length in seconds.
func (c *Chunk) Duration() float64 {
	return c.EndSec - c.StartSec
}
