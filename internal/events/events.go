package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scanrelay/internal/domain"
)

// Type identifies a kind of job lifecycle event
type Type string

// Job lifecycle event types
const (
	// JobCompleted is published after a result and its attestation are persisted.
	JobCompleted Type = "job.completed"

	// JobRetrying is published when a transient failure schedules another attempt.
	JobRetrying Type = "job.retrying"

	// JobFailed is published when a job is dead-lettered, either because its
	// attempts are exhausted or because the failure was terminal.
	JobFailed Type = "job.failed"

	// JobReclaimed is published when an expired lease puts a job back to waiting.
	JobReclaimed Type = "job.reclaimed"
)

// Types lists every event type; the bus runs one consumer loop per entry.
var Types = []Type{JobCompleted, JobRetrying, JobFailed, JobReclaimed}

// JobEvent describes a single job state transition.
type JobEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID

	// Type is the kind of transition
	Type Type

	// Job is a snapshot of the job taken right after the transition
	Job *domain.Job

	// Err is the failure that caused a retry or dead-letter, if any
	Err error

	// Result is set on JobCompleted
	Result *domain.ScanResult

	// RetryDelay is set on JobRetrying
	RetryDelay time.Duration

	// OccurredAt is the timestamp when the transition happened
	OccurredAt time.Time
}

// NewJobEvent creates a JobEvent for the given job snapshot.
func NewJobEvent(eventType Type, job *domain.Job) *JobEvent {
	return &JobEvent{
		ID:         uuid.New(),
		Type:       eventType,
		Job:        job.Clone(),
		OccurredAt: time.Now().UTC(),
	}
}

// EventHandler defines an interface for components that can handle events.
// Handlers are responsible for processing events and taking appropriate actions.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// The context carries the request context of the job the event is about.
	HandleEvent(ctx context.Context, event *JobEvent) error
}

// HandlerFunc adapts a function to the EventHandler interface.
type HandlerFunc func(ctx context.Context, event *JobEvent) error

// HandleEvent calls f(ctx, event).
func (f HandlerFunc) HandleEvent(ctx context.Context, event *JobEvent) error {
	return f(ctx, event)
}

// Publisher defines an interface for components that can publish events.
// This allows the queue to report transitions without knowledge of consumers.
type Publisher interface {
	// Publish hands the event to the consumer loop for its type.
	Publish(ctx context.Context, event *JobEvent) error
}
