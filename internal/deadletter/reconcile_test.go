package deadletter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scanrelay/internal/config"
	"github.com/phrazzld/scanrelay/internal/deadletter"
	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/mocks"
	"github.com/phrazzld/scanrelay/internal/platform/logger"
	"github.com/phrazzld/scanrelay/internal/queue"
	"github.com/phrazzld/scanrelay/internal/reqctx"
	"github.com/phrazzld/scanrelay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deadLetterJob drives job to dead_lettered at the given time without
// publishing any event, as if the process stopped right after.
func deadLetterJob(t *testing.T, jobs *queue.MemoryStore, job *domain.Job, lastError string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	if _, err := jobs.Get(ctx, job.ID); errors.Is(err, store.ErrJobNotFound) {
		require.NoError(t, jobs.Insert(ctx, job))
	}
	claimed, err := jobs.Claim(ctx, job.Lane, "w", at, at.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, job.ID, claimed.ID)
	claimed.AttemptsMade = claimed.MaxAttempts
	claimed.LastError = lastError
	require.NoError(t, claimed.Transition(domain.JobStateDeadLettered, at))
	require.NoError(t, jobs.Finish(ctx, claimed, "w"))
}

func TestReconcileCapturesLostFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := start

	jobs := queue.NewMemoryStore()
	records := deadletter.NewMemoryStore()
	cfg := testDLQConfig()
	q := queue.New(jobs, nil, config.QueueConfig{}, logger.Discard(), queue.WithClock(func() time.Time { return clock }))
	svc := deadletter.NewService(records, q, (&mocks.MockNotifier{}).Raiser(), cfg, logger.Discard(),
		deadletter.WithClock(func() time.Time { return clock }))
	src := deadletter.NewMemoryUncaptured(jobs, records)

	newJob := func(url string) *domain.Job {
		job, err := domain.NewJob(url, "acme", 0, domain.LaneLow, 2)
		require.NoError(t, err)
		return job
	}

	captured := newJob("https://example.com/captured")
	deadLetterJob(t, jobs, captured, "navigation failed", start)
	_, err := svc.Capture(ctx, captured, errors.New("navigation failed"))
	require.NoError(t, err)

	lost := newJob("https://example.com/lost")
	lost.Context = map[string]string{reqctx.KeyRequestID: "req-lost"}
	deadLetterJob(t, jobs, lost, "navigation failed", start)

	expired := newJob("https://example.com/expired")
	deadLetterJob(t, jobs, expired, queue.ErrLeaseExpired.Error(), start)

	clock = start.Add(time.Hour)
	recent := newJob("https://example.com/recent")
	deadLetterJob(t, jobs, recent, "navigation failed", clock.Add(-30*time.Second))

	n, err := svc.Reconcile(ctx, src, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := records.List(ctx, deadletter.Filter{})
	require.NoError(t, err)
	byJob := make(map[uuid.UUID]*domain.FailedJobRecord, len(all))
	for _, rec := range all {
		byJob[rec.JobID] = rec
	}
	require.Contains(t, byJob, lost.ID)
	assert.Equal(t, "req-lost", byJob[lost.ID].RequestID)
	assert.Equal(t, "navigation failed", byJob[lost.ID].ErrorMessage)
	require.Contains(t, byJob, expired.ID)
	assert.Equal(t, deadletter.ErrorKindTimeout, byJob[expired.ID].ErrorKind)
	assert.NotContains(t, byJob, recent.ID)

	n, err = svc.Reconcile(ctx, src, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	// A requeued job that fails again without a capture is picked up too.
	res, err := svc.Retry(ctx, byJob[lost.ID].ID)
	require.NoError(t, err)
	require.True(t, res.Success)
	clock = start.Add(2 * time.Hour)
	deadLetterJob(t, jobs, lost, "still failing", clock)

	clock = clock.Add(5 * time.Minute)
	n, err = svc.Reconcile(ctx, src, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n) // lost again, plus recent now outside the grace window

	rec, err := records.Get(ctx, byJob[lost.ID].ID)
	require.NoError(t, err)
	assert.Equal(t, "still failing", rec.ErrorMessage)
	assert.True(t, deadletter.IsPending(rec))
}
