package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/scanrelay/internal/domain"
)

// SubmitScanRequest is the payload of POST /api/scans.
type SubmitScanRequest struct {
	URL         string `json:"url"          validate:"required,url,max=2048"`
	ClientID    string `json:"client_id"    validate:"required,max=128"`
	Priority    int    `json:"priority"     validate:"gte=0,lte=100"`
	Lane        string `json:"lane"         validate:"omitempty,oneof=high low"`
	MaxAttempts int    `json:"max_attempts" validate:"gte=0,lte=10"`
}

// SubmitScanResponse carries the id of the queued job. Existing is set when
// the id belongs to a job that was already open for the same client and URL.
type SubmitScanResponse struct {
	JobID    uuid.UUID `json:"job_id"`
	Existing bool      `json:"existing,omitempty"`
}

// JobResponse is the public view of a job.
type JobResponse struct {
	ID           uuid.UUID       `json:"id"`
	URL          string          `json:"url"`
	ClientID     string          `json:"client_id"`
	State        domain.JobState `json:"state"`
	Lane         domain.Lane     `json:"lane"`
	Priority     int             `json:"priority"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	LastError    string          `json:"last_error,omitempty"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func newJobResponse(j *domain.Job) JobResponse {
	return JobResponse{
		ID:           j.ID,
		URL:          j.URL,
		ClientID:     j.ClientID,
		State:        j.State,
		Lane:         j.Lane,
		Priority:     j.Priority,
		AttemptsMade: j.AttemptsMade,
		MaxAttempts:  j.MaxAttempts,
		LastError:    j.LastError,
		EnqueuedAt:   j.EnqueuedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

// DeadLetterFilterRequest is the body of POST /retry-batch.
type DeadLetterFilterRequest struct {
	URL          string `json:"url"`
	ErrorPattern string `json:"error"`
	Limit        int    `json:"limit"  validate:"gte=0"`
	Offset       int    `json:"offset" validate:"gte=0"`
}

// RegisterExecutorRequest is the payload of POST /api/executors.
// PublicKey is base64 encoded.
type RegisterExecutorRequest struct {
	ExecutorID string `json:"executor_id" validate:"required,len=32,hexadecimal"`
	PublicKey  []byte `json:"public_key"  validate:"required"`
	KeyVersion int    `json:"key_version" validate:"required,gte=1"`
}

// VerifyRequest is the payload of POST /api/attestations/verify. Either
// JobID names a stored result, or Result and Attestation are given inline.
type VerifyRequest struct {
	JobID       uuid.UUID           `json:"job_id"`
	Result      *domain.ScanResult  `json:"result"`
	Attestation *domain.Attestation `json:"attestation"`
	PublicKey   []byte              `json:"public_key"`
}

// Validate implements the validation hook used by shared.ValidateRequest.
func (v *VerifyRequest) Validate() error {
	if v.JobID == uuid.Nil && (v.Result == nil || v.Attestation == nil) {
		return domain.NewValidationError("job_id", "or result and attestation are required", domain.ErrValidation)
	}
	return nil
}

// VerifyResponse is the verdict on an attestation.
type VerifyResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// RevokeRequest is the optional payload of POST /api/executors/{id}/revoke.
type RevokeRequest struct {
	Reason string `json:"reason" validate:"max=512"`
}

// ExecutorStatusResponse is returned by GET /api/executors/{id}.
type ExecutorStatusResponse struct {
	ExecutorID string `json:"executor_id"`
	Revoked    bool   `json:"revoked"`
}
