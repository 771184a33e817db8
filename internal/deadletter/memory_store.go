package deadletter

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/store"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*domain.FailedJobRecord // by record id
	byJob   map[uuid.UUID]uuid.UUID               // job id -> record id
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uuid.UUID]*domain.FailedJobRecord),
		byJob:   make(map[uuid.UUID]uuid.UUID),
	}
}

func cloneRecord(r *domain.FailedJobRecord) *domain.FailedJobRecord {
	c := *r
	c.OriginalJobData = append([]byte(nil), r.OriginalJobData...)
	if r.LastRetriedAt != nil {
		t := *r.LastRetriedAt
		c.LastRetriedAt = &t
	}
	return &c
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(_ context.Context, rec *domain.FailedJobRecord) (*domain.FailedJobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byJob[rec.JobID]; ok {
		existing := s.records[id]
		existing.URL = rec.URL
		existing.ClientID = rec.ClientID
		existing.ErrorMessage = rec.ErrorMessage
		existing.ErrorKind = rec.ErrorKind
		existing.AttemptsMade = rec.AttemptsMade
		existing.FailedAt = rec.FailedAt
		existing.RequestID = rec.RequestID
		existing.OriginalJobData = append([]byte(nil), rec.OriginalJobData...)
		return cloneRecord(existing), nil
	}

	stored := cloneRecord(rec)
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	s.records[stored.ID] = stored
	s.byJob[stored.JobID] = stored.ID
	return cloneRecord(stored), nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*domain.FailedJobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, store.ErrFailedJobNotFound
	}
	return cloneRecord(rec), nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, f Filter) ([]*domain.FailedJobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	url := strings.ToLower(f.URL)
	pattern := strings.ToLower(f.ErrorPattern)

	var matched []*domain.FailedJobRecord
	for _, rec := range s.records {
		if url != "" && !strings.Contains(strings.ToLower(rec.URL), url) {
			continue
		}
		if pattern != "" && !strings.Contains(strings.ToLower(rec.ErrorMessage), pattern) {
			continue
		}
		if f.PendingOnly && !IsPending(rec) {
			continue
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].FailedAt.Equal(matched[j].FailedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].FailedAt.After(matched[j].FailedAt)
	})

	if f.Offset >= len(matched) {
		return []*domain.FailedJobRecord{}, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}

	out := make([]*domain.FailedJobRecord, len(matched))
	for i, rec := range matched {
		out[i] = cloneRecord(rec)
	}
	return out, nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rec := range s.records {
		if !rec.FailedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// CountForURL implements Store.
func (s *MemoryStore) CountForURL(_ context.Context, url string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rec := range s.records {
		if rec.URL == url && rec.FailedAt.After(since) {
			n++
		}
	}
	return n, nil
}

// Top implements Store.
func (s *MemoryStore) Top(_ context.Context, n int) ([]Bucket, []Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byError := make(map[string]int)
	byURL := make(map[string]int)
	for _, rec := range s.records {
		byError[rec.ErrorMessage]++
		byURL[rec.URL]++
	}
	return topN(byError, n), topN(byURL, n), nil
}

func topN(counts map[string]int, n int) []Bucket {
	buckets := make([]Bucket, 0, len(counts))
	for v, c := range counts {
		buckets = append(buckets, Bucket{Value: v, Count: c})
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Count != buckets[j].Count {
			return buckets[i].Count > buckets[j].Count
		}
		return buckets[i].Value < buckets[j].Value
	})
	if len(buckets) > n {
		buckets = buckets[:n]
	}
	return buckets
}

// MarkRetried implements Store.
func (s *MemoryStore) MarkRetried(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return store.ErrFailedJobNotFound
	}
	rec.RetryCount++
	rec.LastRetriedAt = &at
	return nil
}

// DeleteBefore implements Store.
func (s *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.records {
		if rec.FailedAt.Before(cutoff) {
			delete(s.records, id)
			delete(s.byJob, rec.JobID)
			n++
		}
	}
	return n, nil
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
