package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/store"
)

// StoredResult is a persisted result together with its attestation.
type StoredResult struct {
	Result      *domain.ScanResult `json:"result"`
	Attestation domain.Attestation `json:"attestation"`
}

// ResultStats aggregates persisted results over a window.
type ResultStats struct {
	Completed         int     `json:"completed"`
	AverageDurationMs float64 `json:"average_duration_ms"`
}

// ResultStore persists scan results and attestations.
type ResultStore interface {
	// Save writes result and att atomically. A second save for the same job
	// returns store.ErrDuplicate and leaves the first one untouched.
	Save(ctx context.Context, result *domain.ScanResult, att domain.Attestation) error

	// Get returns the stored result of jobID or store.ErrNotFound.
	Get(ctx context.Context, jobID uuid.UUID) (*StoredResult, error)

	// LastCompletedAt returns the most recent completion time for url.
	LastCompletedAt(ctx context.Context, url string) (time.Time, bool, error)

	// Stats aggregates results completed at or after since.
	Stats(ctx context.Context, since time.Time) (ResultStats, error)
}

// MemoryResultStore is a ResultStore held in process memory.
type MemoryResultStore struct {
	mu      sync.RWMutex
	results map[uuid.UUID]StoredResult
}

// NewMemoryResultStore creates an empty MemoryResultStore.
func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{results: make(map[uuid.UUID]StoredResult)}
}

func cloneResult(r *domain.ScanResult) *domain.ScanResult {
	c := *r
	if r.Violations != nil {
		c.Violations = make([]domain.Violation, len(r.Violations))
		copy(c.Violations, r.Violations)
	}
	return &c
}

// Save implements ResultStore.
func (s *MemoryResultStore) Save(_ context.Context, result *domain.ScanResult, att domain.Attestation) error {
	if err := result.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[result.JobID]; ok {
		return store.ErrDuplicate
	}
	s.results[result.JobID] = StoredResult{Result: cloneResult(result), Attestation: att}
	return nil
}

// Get implements ResultStore.
func (s *MemoryResultStore) Get(_ context.Context, jobID uuid.UUID) (*StoredResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr, ok := s.results[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &StoredResult{Result: cloneResult(sr.Result), Attestation: sr.Attestation}, nil
}

// LastCompletedAt implements ResultStore.
func (s *MemoryResultStore) LastCompletedAt(_ context.Context, url string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last time.Time
	found := false
	for _, sr := range s.results {
		if sr.Result.URL == url && sr.Result.CompletedAt.After(last) {
			last = sr.Result.CompletedAt
			found = true
		}
	}
	return last, found, nil
}

// Stats implements ResultStore.
func (s *MemoryResultStore) Stats(_ context.Context, since time.Time) (ResultStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats ResultStats
	var total int64
	for _, sr := range s.results {
		if sr.Result.CompletedAt.Before(since) {
			continue
		}
		stats.Completed++
		total += sr.Result.DurationMs
	}
	if stats.Completed > 0 {
		stats.AverageDurationMs = float64(total) / float64(stats.Completed)
	}
	return stats, nil
}

// Ensure MemoryResultStore implements ResultStore
var _ ResultStore = (*MemoryResultStore)(nil)
