package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scanrelay/internal/domain"
)

// Store persists jobs and performs the atomic state changes the queue needs.
// Implementations must make Claim, RenewLease and ReclaimExpired safe against
// concurrent callers in any number of processes.
type Store interface {
	// Insert stores a new waiting job. It returns a *DuplicateError when an
	// open job already exists for the same client and URL.
	Insert(ctx context.Context, job *domain.Job) error

	// Get returns a job by id or store.ErrJobNotFound.
	Get(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// Claim atomically takes the highest-priority due waiting job in lane,
	// marks it active, increments its attempts and leases it to owner until
	// leaseUntil. It returns nil, nil when nothing is due.
	Claim(ctx context.Context, lane domain.Lane, owner string, now, leaseUntil time.Time) (*domain.Job, error)

	// RenewLease extends the lease held by owner. It returns store.ErrConflict
	// when the job is no longer active under that owner.
	RenewLease(ctx context.Context, id uuid.UUID, owner string, leaseUntil time.Time) error

	// Finish writes the outcome of an execution (state, attempts, run_after,
	// last error) and clears the lease. It returns store.ErrConflict when the
	// lease is no longer held by owner.
	Finish(ctx context.Context, job *domain.Job, owner string) error

	// PromoteDue moves retrying jobs whose RunAfter has passed back to waiting.
	PromoteDue(ctx context.Context, now time.Time) ([]*domain.Job, error)

	// ReclaimExpired releases active jobs whose lease expired before now.
	// Jobs with attempts left return to waiting; the rest are dead-lettered.
	ReclaimExpired(ctx context.Context, now time.Time) ([]*domain.Job, error)

	// Reset moves a dead-lettered job back to waiting with its attempts
	// cleared. It returns ErrNotRetryable for jobs in any other state.
	Reset(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Job, error)

	// Counts returns the number of jobs per state.
	Counts(ctx context.Context) (map[domain.JobState]int, error)

	// Purge deletes completed and dead-lettered jobs last updated before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}
