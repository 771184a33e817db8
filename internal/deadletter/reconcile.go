package deadletter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/queue"
)

// reconcileBatch bounds the jobs captured by one Reconcile call.
const reconcileBatch = 100

// UncapturedSource lists dead-lettered jobs that have no pending record:
// either none was ever stored, or the stored one was requeued and the job
// failed again without being captured.
type UncapturedSource interface {
	// UncapturedDeadLetters returns up to limit such jobs last updated in
	// [since, before), oldest first.
	UncapturedDeadLetters(ctx context.Context, since, before time.Time, limit int) ([]*domain.Job, error)
}

// Reconcile captures dead-lettered jobs whose job.failed event never reached
// the store, for example because the process stopped in between. Jobs that
// changed state less than grace ago are left to the event path.
func (s *Service) Reconcile(ctx context.Context, src UncapturedSource, grace time.Duration) (int, error) {
	now := s.now()
	var since time.Time
	if s.config.RetentionDays > 0 {
		since = now.AddDate(0, 0, -s.config.RetentionDays)
	}

	jobs, err := src.UncapturedDeadLetters(ctx, since, now.Add(-grace), reconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list uncaptured jobs: %w", err)
	}

	captured := 0
	for _, job := range jobs {
		if _, err := s.Capture(ctx, job, recoveredCause(job)); err != nil {
			return captured, err
		}
		captured++
	}
	if captured > 0 {
		s.logger.WarnContext(ctx, "captured dead-lettered jobs missed by the event path", "count", captured)
	}
	return captured, nil
}

// recoveredCause rebuilds a failure cause from what the job row kept.
func recoveredCause(job *domain.Job) error {
	switch job.LastError {
	case "":
		return nil
	case queue.ErrLeaseExpired.Error():
		return queue.ErrLeaseExpired
	default:
		return errors.New(job.LastError)
	}
}

// MemoryUncaptured is the UncapturedSource for in-memory deployments.
type MemoryUncaptured struct {
	jobs    *queue.MemoryStore
	records *MemoryStore
}

// NewMemoryUncaptured pairs an in-memory job store with its record store.
func NewMemoryUncaptured(jobs *queue.MemoryStore, records *MemoryStore) *MemoryUncaptured {
	return &MemoryUncaptured{jobs: jobs, records: records}
}

// UncapturedDeadLetters implements UncapturedSource.
func (m *MemoryUncaptured) UncapturedDeadLetters(_ context.Context, since, before time.Time, limit int) ([]*domain.Job, error) {
	var out []*domain.Job
	for _, job := range m.jobs.Jobs() {
		if job.State != domain.JobStateDeadLettered ||
			job.UpdatedAt.Before(since) || !job.UpdatedAt.Before(before) {
			continue
		}
		if rec, ok := m.records.byJobID(job.ID); ok && IsPending(rec) {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// byJobID returns a copy of the record stored for jobID.
func (s *MemoryStore) byJobID(jobID uuid.UUID) (*domain.FailedJobRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byJob[jobID]
	if !ok {
		return nil, false
	}
	return cloneRecord(s.records[id]), true
}

// Ensure MemoryUncaptured implements UncapturedSource
var _ UncapturedSource = (*MemoryUncaptured)(nil)
