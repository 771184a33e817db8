package queue

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateJob is returned when an open job already exists for the same
	// client and URL. The concrete error is a *DuplicateError.
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrNotRetryable is returned by Retry when the job is not dead-lettered.
	ErrNotRetryable = errors.New("job is not dead-lettered")

	// ErrLeaseExpired is recorded on jobs whose worker stopped renewing its lease.
	ErrLeaseExpired = errors.New("lease expired")
)

// DuplicateError carries the id of the job that already occupies the
// (client, url) slot.
type DuplicateError struct {
	ExistingID uuid.UUID
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s: open job %s already exists", ErrDuplicateJob, e.ExistingID)
}

// Is makes errors.Is(err, ErrDuplicateJob) match.
func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicateJob
}

// terminal is implemented by failures that must never be retried.
type terminal interface {
	Terminal() bool
}

// IsTerminal reports whether err, or any error it wraps, is terminal.
func IsTerminal(err error) bool {
	var t terminal
	return errors.As(err, &t) && t.Terminal()
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string  { return e.err.Error() }
func (e *permanentError) Unwrap() error  { return e.err }
func (e *permanentError) Terminal() bool { return true }

// Permanent marks err as non-retryable. The job is dead-lettered on the
// attempt that returned it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
