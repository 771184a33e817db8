package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/phrazzld/scanrelay/internal/api/shared"
	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/pipeline"
	"github.com/phrazzld/scanrelay/internal/queue"
	"github.com/phrazzld/scanrelay/internal/safety"
)

// JobQueue is the part of the queue the scan handler needs.
type JobQueue interface {
	Submit(ctx context.Context, req queue.SubmitRequest) (uuid.UUID, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// ResultReader loads persisted results.
type ResultReader interface {
	Get(ctx context.Context, jobID uuid.UUID) (*pipeline.StoredResult, error)
}

// ScanHandler handles scan submission and job inspection.
type ScanHandler struct {
	queue   JobQueue
	results ResultReader
	logger  *slog.Logger
}

// NewScanHandler creates a ScanHandler.
func NewScanHandler(q JobQueue, results ResultReader, logger *slog.Logger) *ScanHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for ScanHandler")
	}
	return &ScanHandler{
		queue:   q,
		results: results,
		logger:  logger.With(slog.String("component", "scan_handler")),
	}
}

// Submit handles POST /api/scans. Unsafe URLs are rejected here, before a
// job exists.
func (h *ScanHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitScanRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	if err := safety.ValidateURL(req.URL); err != nil {
		h.logger.InfoContext(r.Context(), "rejected unsafe url", "client_id", req.ClientID, "error", err)
		HandleAPIError(w, r, err, "")
		return
	}

	id, err := h.queue.Submit(r.Context(), queue.SubmitRequest{
		URL:         req.URL,
		ClientID:    req.ClientID,
		Priority:    req.Priority,
		Lane:        domain.Lane(req.Lane),
		MaxAttempts: req.MaxAttempts,
	})
	if errors.Is(err, queue.ErrDuplicateJob) && id != uuid.Nil {
		shared.RespondWithJSON(w, r, http.StatusConflict, SubmitScanResponse{JobID: id, Existing: true})
		return
	}
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, SubmitScanResponse{JobID: id})
}

// GetJob handles GET /api/scans/{id}.
func (h *ScanHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	job, err := h.queue.Get(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, newJobResponse(job))
}

// GetResult handles GET /api/scans/{id}/result.
func (h *ScanHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	stored, err := h.results.Get(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, stored)
}

// QueueStats handles GET /api/queue/stats.
func (h *ScanHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to load queue statistics")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, stats)
}
