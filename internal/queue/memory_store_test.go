package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJob(t *testing.T, url string, priority int, lane domain.Lane) *domain.Job {
	t.Helper()
	job, err := domain.NewJob(url, "client-1", priority, lane, 3)
	require.NoError(t, err)
	return job
}

func TestMemoryStoreClaimOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	low := newTestJob(t, "https://example.com/a", 1, domain.LaneHigh)
	high := newTestJob(t, "https://example.com/b", 9, domain.LaneHigh)
	other := newTestJob(t, "https://example.com/c", 99, domain.LaneLow)
	for _, j := range []*domain.Job{low, high, other} {
		require.NoError(t, s.Insert(ctx, j))
	}

	now := time.Now().UTC()
	first, err := s.Claim(ctx, domain.LaneHigh, "w1", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, high.ID, first.ID)
	assert.Equal(t, domain.JobStateActive, first.State)
	assert.Equal(t, 1, first.AttemptsMade)
	assert.Equal(t, "w1", first.LeaseOwner)

	second, err := s.Claim(ctx, domain.LaneHigh, "w2", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, low.ID, second.ID)

	none, err := s.Claim(ctx, domain.LaneHigh, "w3", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMemoryStoreClaimSkipsFutureRunAfter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	job := newTestJob(t, "https://example.com", 0, domain.LaneLow)
	job.RunAfter = time.Now().Add(time.Hour)
	require.NoError(t, s.Insert(ctx, job))

	now := time.Now()
	claimed, err := s.Claim(ctx, domain.LaneLow, "w", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestMemoryStoreDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	first := newTestJob(t, "https://example.com", 0, domain.LaneLow)
	require.NoError(t, s.Insert(ctx, first))

	dup := newTestJob(t, "https://example.com", 5, domain.LaneHigh)
	err := s.Insert(ctx, dup)
	require.ErrorIs(t, err, ErrDuplicateJob)
	var dupErr *DuplicateError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, first.ID, dupErr.ExistingID)

	// Finishing the open job frees the slot.
	now := time.Now()
	claimed, err := s.Claim(ctx, domain.LaneLow, "w", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, claimed.Transition(domain.JobStateCompleted, now))
	require.NoError(t, s.Finish(ctx, claimed, "w"))

	require.NoError(t, s.Insert(ctx, dup))
}

func TestMemoryStoreConcurrentClaimsAreExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	const jobs = 200
	for i := 0; i < jobs; i++ {
		job, err := domain.NewJob("https://example.com/page", uuid.NewString(), 0, domain.LaneHigh, 3)
		require.NoError(t, err)
		require.NoError(t, s.Insert(ctx, job))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[uuid.UUID]string)
		dupes   int
		wg      sync.WaitGroup
	)
	for w := 0; w < 16; w++ {
		owner := uuid.NewString()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				now := time.Now()
				job, err := s.Claim(ctx, domain.LaneHigh, owner, now, now.Add(time.Minute))
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				if _, seen := claimed[job.ID]; seen {
					dupes++
				}
				claimed[job.ID] = owner
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, dupes)
	assert.Len(t, claimed, jobs)
}

func TestMemoryStoreLeaseOwnership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	job := newTestJob(t, "https://example.com", 0, domain.LaneLow)
	require.NoError(t, s.Insert(ctx, job))

	now := time.Now()
	claimed, err := s.Claim(ctx, domain.LaneLow, "owner", now, now.Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, s.RenewLease(ctx, job.ID, "owner", now.Add(2*time.Minute)))
	assert.ErrorIs(t, s.RenewLease(ctx, job.ID, "intruder", now.Add(2*time.Minute)), store.ErrConflict)

	require.NoError(t, claimed.Transition(domain.JobStateCompleted, now))
	assert.ErrorIs(t, s.Finish(ctx, claimed, "intruder"), store.ErrConflict)
	require.NoError(t, s.Finish(ctx, claimed, "owner"))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, got.State)
	assert.Empty(t, got.LeaseOwner)
	assert.ErrorIs(t, s.RenewLease(ctx, job.ID, "owner", now), store.ErrConflict)
}

func TestMemoryStoreReclaimExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	retryable := newTestJob(t, "https://example.com/a", 0, domain.LaneLow)
	exhausted := newTestJob(t, "https://example.com/b", 0, domain.LaneHigh)
	exhausted.MaxAttempts = 1
	require.NoError(t, s.Insert(ctx, retryable))
	require.NoError(t, s.Insert(ctx, exhausted))

	now := time.Now()
	_, err := s.Claim(ctx, domain.LaneLow, "crashed", now, now.Add(time.Millisecond))
	require.NoError(t, err)
	_, err = s.Claim(ctx, domain.LaneHigh, "crashed", now, now.Add(time.Millisecond))
	require.NoError(t, err)

	none, err := s.ReclaimExpired(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, none)

	reclaimed, err := s.ReclaimExpired(ctx, now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, reclaimed, 2)

	got, err := s.Get(ctx, retryable.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateWaiting, got.State)
	assert.Equal(t, 1, got.AttemptsMade)
	assert.Empty(t, got.LeaseOwner)

	got, err = s.Get(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateDeadLettered, got.State)
	assert.Equal(t, ErrLeaseExpired.Error(), got.LastError)
}

func TestMemoryStoreResetKeepsLaneAndPriority(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	job := newTestJob(t, "https://example.com", 7, domain.LaneLow)
	require.NoError(t, s.Insert(ctx, job))

	_, err := s.Reset(ctx, job.ID, time.Now())
	assert.ErrorIs(t, err, ErrNotRetryable)

	now := time.Now()
	claimed, err := s.Claim(ctx, domain.LaneLow, "w", now, now.Add(time.Minute))
	require.NoError(t, err)
	claimed.AttemptsMade = claimed.MaxAttempts
	require.NoError(t, claimed.Transition(domain.JobStateDeadLettered, now))
	require.NoError(t, s.Finish(ctx, claimed, "w"))

	reset, err := s.Reset(ctx, job.ID, now)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateWaiting, reset.State)
	assert.Equal(t, 0, reset.AttemptsMade)
	assert.Equal(t, domain.LaneLow, reset.Lane)
	assert.Equal(t, 7, reset.Priority)

	_, err = s.Reset(ctx, uuid.New(), now)
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestMemoryStorePurge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	done := newTestJob(t, "https://example.com/done", 0, domain.LaneLow)
	open := newTestJob(t, "https://example.com/open", 0, domain.LaneLow)
	require.NoError(t, s.Insert(ctx, done))

	now := time.Now()
	claimed, err := s.Claim(ctx, domain.LaneLow, "w", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, claimed.Transition(domain.JobStateCompleted, now))
	require.NoError(t, s.Finish(ctx, claimed, "w"))
	require.NoError(t, s.Insert(ctx, open))

	n, err := s.Purge(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.Purge(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, done.ID)
	assert.ErrorIs(t, err, store.ErrJobNotFound)
	_, err = s.Get(ctx, open.ID)
	assert.NoError(t, err)
}
