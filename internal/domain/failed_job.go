package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Error kinds recorded on dead-lettered jobs
const (
	ErrorKindTransient       = "transient"
	ErrorKindPermanent       = "permanent"
	ErrorKindSafetyViolation = "safety_violation"
)

// FailedJobRecord captures a job that terminally failed. There is at most one
// record per JobID; a repeated capture updates the existing record.
type FailedJobRecord struct {
	ID              uuid.UUID       `json:"id"`
	JobID           uuid.UUID       `json:"job_id"`
	URL             string          `json:"url"`
	ClientID        string          `json:"client_id"`
	ErrorMessage    string          `json:"error_message"`
	ErrorKind       string          `json:"error_kind"`
	AttemptsMade    int             `json:"attempts_made"`
	FailedAt        time.Time       `json:"failed_at"`
	RequestID       string          `json:"request_id,omitempty"`
	OriginalJobData json.RawMessage `json:"original_job_data"`
	RetryCount      int             `json:"retry_count"`
	LastRetriedAt   *time.Time      `json:"last_retried_at,omitempty"`
}
