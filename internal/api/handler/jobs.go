// Package handler implements the HTTP handlers for the job API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kiranshivaraju/strokelab/internal/api/response"
	"github.com/kiranshivaraju/strokelab/internal/pipeline"
	"github.com/kiranshivaraju/strokelab/internal/store"
	"github.com/kiranshivaraju/strokelab/pkg/models"
)

const maxBodyBytes = 1 << 20

// JobService is the job API's view of pipeline.Service.
type JobService interface {
	Submit(ctx context.Context, req pipeline.SubmitRequest) (*models.Job, error)
	Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	ListChunks(ctx context.Context, jobID uuid.UUID) ([]*models.Chunk, error)
	Progress(ctx context.Context, jobID uuid.UUID) (int, error)
	Report(ctx context.Context, jobID uuid.UUID) (*models.FinalReport, error)
	Cancel(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	RetryChunk(ctx context.Context, jobID, chunkID uuid.UUID) (*models.Chunk, error)
}

// Jobs serves /api/v1/jobs.
type Jobs struct {
	svc JobService
}

func NewJobs(svc JobService) *Jobs {
	return &Jobs{svc: svc}
}

type submitRequest struct {
	SessionID    string  `json:"session_id"`
	VideoRef     string  `json:"video_ref"`
	Mode         string  `json:"mode"`
	ChunkSeconds float64 `json:"chunk_seconds"`
	SampleRate   int     `json:"sample_rate"`
}

type progressResponse struct {
	JobID       uuid.UUID `json:"job_id"`
	ProgressPct int       `json:"progress_pct"`
}

// Submit handles POST /api/v1/jobs.
func (h *Jobs) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}

	job, err := h.svc.Submit(r.Context(), pipeline.SubmitRequest{
		SessionID:    req.SessionID,
		VideoRef:     req.VideoRef,
		Mode:         req.Mode,
		ChunkSeconds: req.ChunkSeconds,
		SampleRate:   req.SampleRate,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/jobs/"+job.ID.String())
	response.Accepted(w, job)
}

// Get handles GET /api/v1/jobs/{jobID}.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}
	job, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, job)
}

// ListChunks handles GET /api/v1/jobs/{jobID}/chunks.
func (h *Jobs) ListChunks(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}
	chunks, err := h.svc.ListChunks(r.Context(), jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if chunks == nil {
		chunks = []*models.Chunk{}
	}
	response.List(w, chunks, len(chunks))
}

// Progress handles GET /api/v1/jobs/{jobID}/progress.
func (h *Jobs) Progress(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}
	pct, err := h.svc.Progress(r.Context(), jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, progressResponse{JobID: jobID, ProgressPct: pct})
}

// Report handles GET /api/v1/jobs/{jobID}/report.
func (h *Jobs) Report(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}
	report, err := h.svc.Report(r.Context(), jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, report)
}

// Cancel handles POST /api/v1/jobs/{jobID}/cancel.
func (h *Jobs) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}
	job, err := h.svc.Cancel(r.Context(), jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, job)
}

// RetryChunk handles POST /api/v1/jobs/{jobID}/chunks/{chunkID}/retry.
func (h *Jobs) RetryChunk(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathUUID(w, r, "jobID")
	if !ok {
		return
	}
	chunkID, ok := pathUUID(w, r, "chunkID")
	if !ok {
		return
	}
	chunk, err := h.svc.RetryChunk(r.Context(), jobID, chunkID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Accepted(w, chunk)
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", name+" must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidRequest):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
	case errors.Is(err, pipeline.ErrReportNotReady):
		response.Error(w, http.StatusConflict, "REPORT_NOT_READY", err.Error(), nil)
	case errors.Is(err, store.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "INVALID_STATE",
			"The job or chunk is not in a state that allows this action", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
