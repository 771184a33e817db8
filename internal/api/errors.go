package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/phrazzld/scanrelay/internal/api/shared"
	"github.com/phrazzld/scanrelay/internal/attest"
	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/queue"
	"github.com/phrazzld/scanrelay/internal/safety"
	"github.com/phrazzld/scanrelay/internal/store"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes.
func MapErrorToStatusCode(err error) int {
	if _, ok := safety.AsViolation(err); ok {
		if safety.IsCode(err, safety.CodeRateLimit) {
			return http.StatusTooManyRequests
		}
		return http.StatusUnprocessableEntity
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, queue.ErrDuplicateJob),
		errors.Is(err, queue.ErrNotRetryable),
		errors.Is(err, attest.ErrKeyConflict),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict

	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrInvalidFormat),
		errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, attest.ErrInvalidKey),
		errors.Is(err, attest.ErrExecutorMismatch),
		errors.Is(err, shared.ErrEmptyBody):
		return http.StatusBadRequest

	case errors.Is(err, attest.ErrRevoked):
		return http.StatusForbidden

	case errors.Is(err, attest.ErrUnknownKey):
		return http.StatusUnprocessableEntity

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}
	if v, ok := safety.AsViolation(err); ok {
		return v.Message
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return "Invalid " + ve.Field + ": " + ve.Message
	}

	switch {
	case errors.Is(err, store.ErrJobNotFound):
		return "Job not found"
	case errors.Is(err, store.ErrFailedJobNotFound):
		return "Dead-letter record not found"
	case errors.Is(err, store.ErrExecutorNotFound):
		return "Executor not found"
	case errors.Is(err, store.ErrNotFound):
		return "Not found"
	case errors.Is(err, queue.ErrDuplicateJob):
		return "A scan for this URL is already queued"
	case errors.Is(err, queue.ErrNotRetryable):
		return "Job is not dead-lettered"
	case errors.Is(err, attest.ErrKeyConflict):
		return "A different key is registered for this version"
	case errors.Is(err, attest.ErrInvalidKey):
		return "Invalid public key"
	case errors.Is(err, attest.ErrExecutorMismatch):
		return "Executor id does not match the public key"
	case errors.Is(err, attest.ErrRevoked):
		return "Executor has been revoked"
	case errors.Is(err, attest.ErrUnknownKey):
		return "Unknown executor key"
	case errors.Is(err, shared.ErrEmptyBody):
		return "Request body is required"
	case errors.Is(err, domain.ErrInvalidID):
		return "Invalid ID"
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, store.ErrInvalidEntity):
		return "Invalid request"
	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError turns validator errors into a short message that
// names the first failing field.
func SanitizeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		field := strings.ToLower(verrs[0].Field())
		return fmt.Sprintf("Invalid %s: %s", field, validationTagMessage(verrs[0].Tag()))
	}
	return "Validation error"
}

func validationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "url", "http_url":
		return "must be an absolute URL"
	case "min", "gte":
		return "too small"
	case "max", "lte":
		return "too large"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}

// HandleAPIError writes the response for err. A non-empty message replaces
// the default client-facing text.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, message string) {
	status := MapErrorToStatusCode(err)
	if message == "" {
		message = GetSafeErrorMessage(err)
	}

	var opts []shared.ResponseOption
	if v, ok := safety.AsViolation(err); ok {
		opts = append(opts, shared.WithCode(string(v.Code)))
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err, opts...)
}
