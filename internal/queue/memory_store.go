package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/store"
)

// MemoryStore is a Store held in process memory, used by tests and
// single-node development. A single mutex makes every operation atomic.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.Job
	open map[string]uuid.UUID // dedup key -> open job id
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[uuid.UUID]*domain.Job),
		open: make(map[string]uuid.UUID),
	}
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.open[job.DedupKey()]; ok {
		return &DuplicateError{ExistingID: id}
	}
	if _, ok := s.jobs[job.ID]; ok {
		return store.ErrDuplicate
	}
	s.jobs[job.ID] = job.Clone()
	s.open[job.DedupKey()] = job.ID
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return job.Clone(), nil
}

// Claim implements Store.
func (s *MemoryStore) Claim(
	_ context.Context,
	lane domain.Lane,
	owner string,
	now, leaseUntil time.Time,
) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *domain.Job
	for _, job := range s.jobs {
		if job.Lane != lane || job.State != domain.JobStateWaiting || job.RunAfter.After(now) {
			continue
		}
		if next == nil || ahead(job, next) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}

	if err := next.Transition(domain.JobStateActive, now); err != nil {
		return nil, err
	}
	next.AttemptsMade++
	next.LeaseOwner = owner
	next.LeaseExpiresAt = leaseUntil
	return next.Clone(), nil
}

// ahead orders claim candidates: higher priority first, then oldest.
func ahead(a, b *domain.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

// RenewLease implements Store.
func (s *MemoryStore) RenewLease(_ context.Context, id uuid.UUID, owner string, leaseUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return store.ErrJobNotFound
	}
	if job.State != domain.JobStateActive || job.LeaseOwner != owner {
		return store.ErrConflict
	}
	job.LeaseExpiresAt = leaseUntil
	return nil
}

// Finish implements Store.
func (s *MemoryStore) Finish(_ context.Context, job *domain.Job, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[job.ID]
	if !ok {
		return store.ErrJobNotFound
	}
	if current.State != domain.JobStateActive || current.LeaseOwner != owner {
		return store.ErrConflict
	}

	updated := job.Clone()
	updated.LeaseOwner = ""
	updated.LeaseExpiresAt = time.Time{}
	s.jobs[job.ID] = updated
	if !updated.IsOpen() {
		delete(s.open, updated.DedupKey())
	}
	return nil
}

// PromoteDue implements Store.
func (s *MemoryStore) PromoteDue(_ context.Context, now time.Time) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var promoted []*domain.Job
	for _, job := range s.jobs {
		if job.State != domain.JobStateRetrying || job.RunAfter.After(now) {
			continue
		}
		if err := job.Transition(domain.JobStateWaiting, now); err != nil {
			return promoted, err
		}
		promoted = append(promoted, job.Clone())
	}
	return promoted, nil
}

// ReclaimExpired implements Store.
func (s *MemoryStore) ReclaimExpired(_ context.Context, now time.Time) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reclaimed []*domain.Job
	for _, job := range s.jobs {
		if job.State != domain.JobStateActive || !job.LeaseExpiresAt.Before(now) {
			continue
		}
		next := domain.JobStateWaiting
		if !job.AttemptsRemaining() {
			next = domain.JobStateDeadLettered
		}
		if err := job.Transition(next, now); err != nil {
			return reclaimed, err
		}
		job.LastError = ErrLeaseExpired.Error()
		job.LeaseOwner = ""
		job.LeaseExpiresAt = time.Time{}
		job.RunAfter = now
		if !job.IsOpen() {
			delete(s.open, job.DedupKey())
		}
		reclaimed = append(reclaimed, job.Clone())
	}
	return reclaimed, nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(_ context.Context, id uuid.UUID, now time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	if job.State != domain.JobStateDeadLettered {
		return nil, ErrNotRetryable
	}
	if other, ok := s.open[job.DedupKey()]; ok {
		return nil, &DuplicateError{ExistingID: other}
	}

	if err := job.Transition(domain.JobStateWaiting, now); err != nil {
		return nil, err
	}
	job.AttemptsMade = 0
	job.LastError = ""
	job.RunAfter = now
	s.open[job.DedupKey()] = job.ID
	return job.Clone(), nil
}

// Counts implements Store.
func (s *MemoryStore) Counts(_ context.Context) (map[domain.JobState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.JobState]int)
	for _, job := range s.jobs {
		counts[job.State]++
	}
	return counts, nil
}

// Purge implements Store.
func (s *MemoryStore) Purge(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, job := range s.jobs {
		if job.IsTerminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// Jobs returns a snapshot of every stored job ordered by enqueue time.
func (s *MemoryStore) Jobs() []*domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
