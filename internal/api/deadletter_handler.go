package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/phrazzld/scanrelay/internal/api/shared"
	"github.com/phrazzld/scanrelay/internal/deadletter"
	"github.com/phrazzld/scanrelay/internal/domain"
)

// DeadLetters is the dead-letter service as seen by the HTTP layer.
type DeadLetters interface {
	List(ctx context.Context, f deadletter.Filter) ([]*domain.FailedJobRecord, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.FailedJobRecord, error)
	Stats(ctx context.Context) (deadletter.Stats, error)
	Retry(ctx context.Context, id uuid.UUID) (deadletter.RetryResult, error)
	RetryBatch(ctx context.Context, f deadletter.Filter) (deadletter.BatchResult, error)
}

// defaultListLimit applies when a listing does not name a limit.
const defaultListLimit = 50

// DeadLetterHandler exposes inspection and replay of failed jobs.
type DeadLetterHandler struct {
	service DeadLetters
	logger  *slog.Logger
}

// NewDeadLetterHandler creates a DeadLetterHandler.
func NewDeadLetterHandler(service DeadLetters, logger *slog.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{
		service: service,
		logger:  logger.With(slog.String("component", "dead_letter_handler")),
	}
}

// List handles GET /api/dead-letters.
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		HandleAPIError(w, r, err, "Invalid limit")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		HandleAPIError(w, r, err, "Invalid offset")
		return
	}

	q := r.URL.Query()
	records, err := h.service.List(r.Context(), deadletter.Filter{
		URL:          q.Get("url"),
		ErrorPattern: q.Get("error"),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list dead-letter records")
		return
	}
	h.logger.DebugContext(r.Context(), "listed dead-letter records", "count", len(records))
	shared.RespondWithJSON(w, r, http.StatusOK, records)
}

// Get handles GET /api/dead-letters/{id}.
func (h *DeadLetterHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	rec, err := h.service.Get(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, rec)
}

// Stats handles GET /api/dead-letters/stats.
func (h *DeadLetterHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to load dead-letter statistics")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, stats)
}

// Retry handles POST /retry/{id}. A replay that could not be re-enqueued is
// reported in the body with success=false.
func (h *DeadLetterHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	result, err := h.service.Retry(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusConflict
	}
	shared.RespondWithJSON(w, r, status, result)
}

// RetryBatch handles POST /retry-batch.
func (h *DeadLetterHandler) RetryBatch(w http.ResponseWriter, r *http.Request) {
	var req DeadLetterFilterRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.service.RetryBatch(r.Context(), deadletter.Filter{
		URL:          req.URL,
		ErrorPattern: req.ErrorPattern,
		Limit:        req.Limit,
		Offset:       req.Offset,
	})
	if err != nil {
		HandleAPIError(w, r, err, "Failed to retry dead-letter records")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, result)
}
