package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scanrelay/internal/config"
	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/events"
	"github.com/phrazzld/scanrelay/internal/reqctx"
	"golang.org/x/sync/errgroup"
)

// Handler executes one attempt of a job. A nil error completes the job; an
// error marked terminal (see IsTerminal) dead-letters it immediately; any
// other error schedules a retry while attempts remain.
type Handler interface {
	Handle(ctx context.Context, job *domain.Job) (*domain.ScanResult, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *domain.Job) (*domain.ScanResult, error)

// Handle calls f(ctx, job).
func (f HandlerFunc) Handle(ctx context.Context, job *domain.Job) (*domain.ScanResult, error) {
	return f(ctx, job)
}

// SubmitRequest is the input to Enqueue.
type SubmitRequest struct {
	URL      string
	ClientID string
	Priority int
	// Lane is optional; see DefaultLane.
	Lane domain.Lane
	// MaxAttempts overrides the configured attempt budget when positive.
	MaxAttempts int
}

// Stats counts jobs per state. Failed counts dead-lettered jobs.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Retrying  int `json:"retrying"`
}

// DefaultLane picks the lane for submissions that do not name one.
func DefaultLane(priority int) domain.Lane {
	if priority > 0 {
		return domain.LaneHigh
	}
	return domain.LaneLow
}

// Queue schedules jobs onto per-lane worker pools.
type Queue struct {
	store     Store
	handler   Handler
	publisher events.Publisher
	config    config.QueueConfig
	backoff   Backoff
	logger    *slog.Logger
	instance  string
	now       func() time.Time

	wake map[domain.Lane]chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// Option customizes a Queue.
type Option func(*Queue)

// WithPublisher sets where job transitions are published.
func WithPublisher(p events.Publisher) Option {
	return func(q *Queue) { q.publisher = p }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithInstanceID sets the prefix of lease owner names. It defaults to a
// random id so that several processes sharing a store never collide.
func WithInstanceID(id string) Option {
	return func(q *Queue) { q.instance = id }
}

// New creates a stopped Queue. Call Start to begin processing.
func New(store Store, handler Handler, cfg config.QueueConfig, logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		store:    store,
		handler:  handler,
		config:   cfg,
		backoff:  Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		logger:   logger.With("component", "queue"),
		instance: uuid.NewString()[:8],
		now:      func() time.Time { return time.Now().UTC() },
		wake:     make(map[domain.Lane]chan struct{}, len(domain.Lanes)),
	}
	for _, lane := range domain.Lanes {
		q.wake[lane] = make(chan struct{}, 1)
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue validates and stores a new waiting job, attaching the caller's
// request context so that it can be restored by the worker.
// A *DuplicateError is returned together with the id of the open job when
// the client already has one queued for the URL.
func (q *Queue) Enqueue(ctx context.Context, req SubmitRequest) (uuid.UUID, error) {
	lane := req.Lane
	if lane == "" {
		lane = DefaultLane(req.Priority)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.config.MaxAttempts
	}

	job, err := domain.NewJob(req.URL, req.ClientID, req.Priority, lane, maxAttempts)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	job.Context = reqctx.Inject(ctx)
	now := q.now()
	job.EnqueuedAt, job.RunAfter, job.UpdatedAt = now, now, now

	if err := q.store.Insert(ctx, job); err != nil {
		var dup *DuplicateError
		if errors.As(err, &dup) {
			q.logger.InfoContext(ctx, "rejected duplicate job",
				"existing_job_id", dup.ExistingID,
				"client_id", job.ClientID)
			return dup.ExistingID, err
		}
		return uuid.Nil, fmt.Errorf("failed to store job: %w", err)
	}

	q.logger.InfoContext(ctx, "job enqueued",
		"job_id", job.ID,
		"lane", job.Lane,
		"priority", job.Priority,
		"max_attempts", job.MaxAttempts)
	q.signal(job.Lane)
	return job.ID, nil
}

// Submit is an alias of Enqueue.
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (uuid.UUID, error) {
	return q.Enqueue(ctx, req)
}

// Get returns a snapshot of a job.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return q.store.Get(ctx, id)
}

// Stats returns job counts per state.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.store.Counts(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count jobs: %w", err)
	}
	return Stats{
		Waiting:   counts[domain.JobStateWaiting],
		Active:    counts[domain.JobStateActive],
		Completed: counts[domain.JobStateCompleted],
		Failed:    counts[domain.JobStateDeadLettered],
		Retrying:  counts[domain.JobStateRetrying],
	}, nil
}

// Retry puts a dead-lettered job back into its original lane at its original
// priority with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id uuid.UUID) error {
	job, err := q.store.Reset(ctx, id, q.now())
	if err != nil {
		return err
	}
	q.logger.InfoContext(ctx, "dead-lettered job requeued",
		"job_id", job.ID,
		"lane", job.Lane,
		"priority", job.Priority)
	q.signal(job.Lane)
	return nil
}

// Restore re-inserts a job snapshot, typically one whose record was already
// purged, as a waiting job with the same id, lane and priority and a fresh
// attempt budget.
func (q *Queue) Restore(ctx context.Context, job *domain.Job) error {
	now := q.now()
	restored := job.Clone()
	restored.State = domain.JobStateWaiting
	restored.AttemptsMade = 0
	restored.LeaseOwner = ""
	restored.LeaseExpiresAt = time.Time{}
	restored.LastError = ""
	restored.RunAfter = now
	restored.UpdatedAt = now
	if err := restored.Validate(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	if err := q.store.Insert(ctx, restored); err != nil {
		return err
	}
	q.logger.InfoContext(ctx, "job restored from snapshot", "job_id", restored.ID, "lane", restored.Lane)
	q.signal(restored.Lane)
	return nil
}

// Purge deletes completed and dead-lettered jobs older than olderThan.
func (q *Queue) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := q.store.Purge(ctx, q.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	if n > 0 {
		q.logger.InfoContext(ctx, "purged finished jobs", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// Start launches the lane worker pools and the maintenance loop.
// Calling Start on a running queue is a no-op.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	for _, lane := range domain.Lanes {
		for i := 0; i < q.workers(lane); i++ {
			owner := fmt.Sprintf("%s/%s-%d", q.instance, lane, i)
			g.Go(func() error {
				q.work(gctx, lane, owner)
				return nil
			})
		}
	}
	g.Go(func() error {
		q.maintain(gctx)
		return nil
	})

	q.cancel = cancel
	q.group = g
	q.running = true
	q.logger.Info("queue started",
		"high_workers", q.config.HighWorkers,
		"low_workers", q.config.LowWorkers)
	return nil
}

// Stop cancels in-flight executions and waits for every worker to exit.
// Interrupted jobs go back to waiting.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	cancel, g := q.cancel, q.group
	q.mu.Unlock()

	cancel()
	_ = g.Wait()
	q.logger.Info("queue stopped")
}

// Restart stops and starts the worker pools.
func (q *Queue) Restart() error {
	q.Stop()
	return q.Start()
}

// Running reports whether the worker pools are started.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *Queue) workers(lane domain.Lane) int {
	if lane == domain.LaneHigh {
		return q.config.HighWorkers
	}
	return q.config.LowWorkers
}

// signal wakes one idle worker of lane without blocking.
func (q *Queue) signal(lane domain.Lane) {
	select {
	case q.wake[lane] <- struct{}{}:
	default:
	}
}

// publish restores the job's request context and hands the event to the bus.
func (q *Queue) publish(ev *events.JobEvent) {
	if q.publisher == nil {
		return
	}
	ctx := reqctx.Extract(context.Background(), ev.Job.Context)
	if err := q.publisher.Publish(ctx, ev); err != nil {
		q.logger.ErrorContext(ctx, "failed to publish job event",
			"error", err,
			"job_id", ev.Job.ID,
			"event_type", ev.Type)
	}
}
