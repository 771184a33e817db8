package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobState represents where a scan job is in its lifecycle
type JobState string

// Possible job states. The only legal transitions are
// waiting -> active -> {completed | retrying -> waiting | dead_lettered}.
const (
	JobStateWaiting      JobState = "waiting"
	JobStateActive       JobState = "active"
	JobStateCompleted    JobState = "completed"
	JobStateRetrying     JobState = "retrying"
	JobStateDeadLettered JobState = "dead_lettered"
)

// Lane identifies one of the independent priority queues
type Lane string

// Supported lanes
const (
	LaneHigh Lane = "high"
	LaneLow  Lane = "low"
)

// Lanes lists every lane in scheduling order
var Lanes = []Lane{LaneHigh, LaneLow}

// DefaultMaxAttempts is used when a submission does not specify its own attempt budget
const DefaultMaxAttempts = 3

// Common validation errors for Job
var (
	ErrEmptyJobID        = errors.New("job ID cannot be empty")
	ErrEmptyJobURL       = errors.New("job URL cannot be empty")
	ErrEmptyJobClientID  = errors.New("job client ID cannot be empty")
	ErrInvalidLane       = errors.New("invalid lane")
	ErrInvalidJobState   = errors.New("invalid job state")
	ErrInvalidMaxAttempt = errors.New("max attempts must be positive")
	ErrAttemptsExceeded  = errors.New("attempts made exceeds max attempts")
	ErrIllegalTransition = errors.New("illegal job state transition")
)

// Job is a queued request to scan a single URL on behalf of a client.
// It is created on enqueue and mutated only by the worker holding its lease.
type Job struct {
	ID             uuid.UUID         `json:"id"`
	URL            string            `json:"url"`
	ClientID       string            `json:"client_id"`
	Priority       int               `json:"priority"`
	AttemptsMade   int               `json:"attempts_made"`
	MaxAttempts    int               `json:"max_attempts"`
	Lane           Lane              `json:"lane"`
	State          JobState          `json:"state"`
	EnqueuedAt     time.Time         `json:"enqueued_at"`
	RunAfter       time.Time         `json:"run_after"`
	LeaseOwner     string            `json:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time         `json:"lease_expires_at,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewJob creates a waiting Job for the given URL and client.
// A zero maxAttempts falls back to DefaultMaxAttempts.
func NewJob(rawURL, clientID string, priority int, lane Lane, maxAttempts int) (*Job, error) {
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := time.Now().UTC()
	job := &Job{
		ID:          uuid.New(),
		URL:         strings.TrimSpace(rawURL),
		ClientID:    clientID,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		Lane:        lane,
		State:       JobStateWaiting,
		EnqueuedAt:  now,
		RunAfter:    now,
		UpdatedAt:   now,
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

// Validate checks the Job's invariants.
func (j *Job) Validate() error {
	if j.ID == uuid.Nil {
		return ErrEmptyJobID
	}
	if j.URL == "" {
		return ErrEmptyJobURL
	}
	if _, err := url.Parse(j.URL); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if j.ClientID == "" {
		return ErrEmptyJobClientID
	}
	if !IsValidLane(j.Lane) {
		return ErrInvalidLane
	}
	if !isValidJobState(j.State) {
		return ErrInvalidJobState
	}
	if j.MaxAttempts <= 0 {
		return ErrInvalidMaxAttempt
	}
	if j.AttemptsMade < 0 || j.AttemptsMade > j.MaxAttempts {
		return ErrAttemptsExceeded
	}
	return nil
}

// DedupKey identifies jobs that must not be queued twice at the same time.
func (j *Job) DedupKey() string {
	return DedupKey(j.ClientID, j.URL)
}

// DedupKey builds the (client, url) deduplication key.
func DedupKey(clientID, rawURL string) string {
	return clientID + "|" + strings.TrimSpace(rawURL)
}

// AttemptsRemaining reports whether another attempt may be made.
func (j *Job) AttemptsRemaining() bool {
	return j.AttemptsMade < j.MaxAttempts
}

// IsOpen reports whether the job still occupies its dedup slot.
func (j *Job) IsOpen() bool {
	switch j.State {
	case JobStateWaiting, JobStateActive, JobStateRetrying:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the job has reached a final state.
func (j *Job) IsTerminal() bool {
	return j.State == JobStateCompleted || j.State == JobStateDeadLettered
}

// Transition moves the job to the next state if the move is legal and
// stamps UpdatedAt with now.
func (j *Job) Transition(next JobState, now time.Time) error {
	if !CanTransition(j.State, next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, j.State, next)
	}
	j.State = next
	j.UpdatedAt = now
	return nil
}

// CanTransition reports whether from -> to is part of the job state machine.
func CanTransition(from, to JobState) bool {
	switch from {
	case JobStateWaiting:
		return to == JobStateActive
	case JobStateActive:
		// active -> waiting happens when an expired lease is reclaimed
		return to == JobStateCompleted || to == JobStateRetrying ||
			to == JobStateDeadLettered || to == JobStateWaiting
	case JobStateRetrying:
		return to == JobStateWaiting
	case JobStateDeadLettered:
		// manual replay from the dead-letter store
		return to == JobStateWaiting
	default:
		return false
	}
}

// Clone returns a deep copy so stores never hand out shared state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Context != nil {
		c.Context = make(map[string]string, len(j.Context))
		for k, v := range j.Context {
			c.Context[k] = v
		}
	}
	return &c
}

// IsValidLane checks if the given lane is supported.
func IsValidLane(lane Lane) bool {
	return lane == LaneHigh || lane == LaneLow
}

func isValidJobState(state JobState) bool {
	switch state {
	case JobStateWaiting, JobStateActive, JobStateCompleted,
		JobStateRetrying, JobStateDeadLettered:
		return true
	default:
		return false
	}
}
