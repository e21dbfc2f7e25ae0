// Package models contains shared data models used across the strokelab codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusUploaded          = "uploaded"
	JobStatusPlanning          = "planning"
	JobStatusQueuedForAnalysis = "queued_for_analysis"
	JobStatusProcessing        = "processing"
	JobStatusAggregating       = "aggregating"
	JobStatusDone              = "done"
	JobStatusFailed            = "failed"
	JobStatusCancelled         = "cancelled"
)

const (
	JobModeMonolithic = "monolithic"
	JobModeChunked    = "chunked"
)

// Job is one analysis run over an uploaded video. Clients poll
// GET /api/v1/jobs/{job_id} until status is done, failed or cancelled.
type Job struct {
	ID                   uuid.UUID  `db:"id"                     json:"id"`
	SessionID            string     `db:"session_id"             json:"session_id"`
	VideoRef             string     `db:"video_ref"              json:"video_ref"`
	Mode                 string     `db:"mode"                   json:"mode"`
	Status               string     `db:"status"                 json:"status"`
	Stage                string     `db:"stage"                  json:"stage"`
	TotalChunks          int        `db:"total_chunks"           json:"total_chunks"`
	CompletedChunks      int        `db:"completed_chunks"       json:"completed_chunks"`
	ProgressPct          int        `db:"progress_pct"           json:"progress_pct"`
	VideoDurationSeconds *float64   `db:"video_duration_seconds" json:"video_duration_seconds,omitempty"`
	ChunkSeconds         float64    `db:"chunk_seconds"          json:"chunk_seconds"`
	SampleRate           int        `db:"sample_rate"            json:"sample_rate"`
	ErrorMessage         *string    `db:"error_message"          json:"error_message,omitempty"`
	ReportRef            *string    `db:"report_ref"             json:"report_ref,omitempty"`
	CreatedAt            time.Time  `db:"created_at"             json:"created_at"`
	StartedAt            *time.Time `db:"started_at"             json:"started_at,omitempty"`
	CompletedAt          *time.Time `db:"completed_at"           json:"completed_at,omitempty"`
	UpdatedAt            time.Time  `db:"updated_at"             json:"updated_at"`
}

// IsTerminal reports whether the job can no longer change state on its own.
func (j *Job) IsTerminal() bool {
	return IsTerminalJobStatus(j.Status)
}

// IsTerminalJobStatus reports whether status is done, failed or cancelled.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusDone, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ValidJobMode reports whether mode is a known analysis mode.
func ValidJobMode(mode string) bool {
	return mode == JobModeMonolithic || mode == JobModeChunked
}

// ProgressPct derives the progress percentage for a job. In-flight states are
// clamped to 99; only a done job reports 100.
func ProgressPct(status string, completed, total int) int {
	switch status {
	case JobStatusDone:
		return 100
	case JobStatusAggregating:
		return 99
	}
	if total <= 0 || completed <= 0 {
		return 0
	}
	pct := completed * 100 / total
	if pct > 99 {
		pct = 99
	}
	return pct
}
