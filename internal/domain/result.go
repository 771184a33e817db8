package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common validation errors for ScanResult
var (
	ErrEmptyResultJobID = errors.New("scan result job ID cannot be empty")
	ErrNegativeDuration = errors.New("scan duration cannot be negative")
)

// Violation is a single rule failure reported by the scan engine
type Violation struct {
	RuleID      string `json:"rule_id"`
	Impact      string `json:"impact"`
	Description string `json:"description"`
	Selector    string `json:"selector,omitempty"`
	HelpURL     string `json:"help_url,omitempty"`
}

// ScanResult is the outcome of a successful scan. It is immutable once persisted.
type ScanResult struct {
	JobID       uuid.UUID   `json:"job_id"`
	URL         string      `json:"url"`
	Violations  []Violation `json:"violations"`
	Score       float64     `json:"score"`
	DurationMs  int64       `json:"duration_ms"`
	CompletedAt time.Time   `json:"completed_at"`
}

// Validate checks the ScanResult's invariants.
func (r *ScanResult) Validate() error {
	if r.JobID == uuid.Nil {
		return ErrEmptyResultJobID
	}
	if r.DurationMs < 0 {
		return ErrNegativeDuration
	}
	return nil
}
