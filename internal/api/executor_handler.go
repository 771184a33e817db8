package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/phrazzld/scanrelay/internal/api/shared"
	"github.com/phrazzld/scanrelay/internal/attest"
	"github.com/phrazzld/scanrelay/internal/domain"
)

// ExecutorRegistry is the attestor as seen by the HTTP layer.
type ExecutorRegistry interface {
	RegisterExecutor(ctx context.Context, executorID string, publicKey []byte, keyVersion int) error
	Verify(ctx context.Context, result *domain.ScanResult, att domain.Attestation, publicKey []byte) (bool, error)
	Revoke(ctx context.Context, executorID, reason string) (attest.RevokeResult, error)
	IsRevoked(ctx context.Context, executorID string) (bool, error)
}

// ExecutorHandler exposes executor registration, attestation checks and
// revocation.
type ExecutorHandler struct {
	registry ExecutorRegistry
	results  ResultReader
	logger   *slog.Logger
}

// NewExecutorHandler creates an ExecutorHandler.
func NewExecutorHandler(registry ExecutorRegistry, results ResultReader, logger *slog.Logger) *ExecutorHandler {
	return &ExecutorHandler{
		registry: registry,
		results:  results,
		logger:   logger.With(slog.String("component", "executor_handler")),
	}
}

// Register handles POST /api/executors.
func (h *ExecutorHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterExecutorRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.registry.RegisterExecutor(r.Context(), req.ExecutorID, req.PublicKey, req.KeyVersion); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusCreated, map[string]interface{}{
		"executor_id": req.ExecutorID,
		"key_version": req.KeyVersion,
	})
}

// Verify handles POST /api/attestations/verify. Verification failures are
// a normal answer (valid=false with a reason), not an HTTP error.
func (h *ExecutorHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, att := req.Result, req.Attestation
	if result == nil || att == nil {
		stored, err := h.results.Get(r.Context(), req.JobID)
		if err != nil {
			HandleAPIError(w, r, err, "")
			return
		}
		result, att = stored.Result, &stored.Attestation
	}

	valid, err := h.registry.Verify(r.Context(), result, *att, req.PublicKey)
	if err != nil && !attest.IsFailure(err) {
		HandleAPIError(w, r, err, "Failed to verify attestation")
		return
	}

	resp := VerifyResponse{Valid: valid}
	if err != nil {
		resp.Reason = verifyReason(err)
		h.logger.InfoContext(r.Context(), "attestation rejected",
			"job_id", att.JobID,
			"executor_id", att.ExecutorID,
			"reason", resp.Reason)
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

func verifyReason(err error) string {
	switch {
	case errors.Is(err, attest.ErrRevoked):
		return "revoked"
	case errors.Is(err, attest.ErrHashMismatch):
		return "hash_mismatch"
	case errors.Is(err, attest.ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, attest.ErrUnknownKey):
		return "unknown_key"
	default:
		return "invalid"
	}
}

// Revoke handles POST /api/executors/{id}/revoke.
func (h *ExecutorHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if r.ContentLength != 0 && !decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.registry.Revoke(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, res)
}

// Status handles GET /api/executors/{id}.
func (h *ExecutorHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	revoked, err := h.registry.IsRevoked(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ExecutorStatusResponse{ExecutorID: id, Revoked: revoked})
}
