package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/events"
)

// CaptureRetry bounds how hard a failed capture is retried before the job is
// left to the reconciliation sweep.
type CaptureRetry struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// DefaultCaptureRetry retries four times starting at 200ms.
var DefaultCaptureRetry = CaptureRetry{
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	MaxRetries:      4,
}

// Capturer stores dead-lettered jobs.
type Capturer interface {
	Capture(ctx context.Context, job *domain.Job, cause error) (*domain.FailedJobRecord, error)
}

// DeadLetterConsumer captures every job.failed event.
type DeadLetterConsumer struct {
	capturer Capturer
	retry    CaptureRetry
	logger   *slog.Logger
}

// NewDeadLetterConsumer creates a DeadLetterConsumer that retries failed
// captures with DefaultCaptureRetry.
func NewDeadLetterConsumer(capturer Capturer, logger *slog.Logger) *DeadLetterConsumer {
	return &DeadLetterConsumer{
		capturer: capturer,
		retry:    DefaultCaptureRetry,
		logger:   logger.With("component", "dead_letter_consumer"),
	}
}

// WithRetry replaces the capture retry policy.
func (c *DeadLetterConsumer) WithRetry(policy CaptureRetry) *DeadLetterConsumer {
	c.retry = policy
	return c
}

// HandleEvent implements events.EventHandler.
func (c *DeadLetterConsumer) HandleEvent(ctx context.Context, event *events.JobEvent) error {
	if event.Type != events.JobFailed || event.Job == nil {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialInterval
	b.MaxInterval = c.retry.MaxInterval
	b.MaxElapsedTime = 0

	var rec *domain.FailedJobRecord
	err := backoff.RetryNotify(func() error {
		var err error
		rec, err = c.capturer.Capture(ctx, event.Job, event.Err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, c.retry.MaxRetries), ctx),
		func(err error, wait time.Duration) {
			c.logger.WarnContext(ctx, "dead-letter capture failed, retrying",
				"job_id", event.Job.ID,
				"error", err,
				"retry_in", wait)
		})
	if err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "job captured in dead-letter store",
		"job_id", rec.JobID,
		"record_id", rec.ID,
		"error_kind", rec.ErrorKind)
	return nil
}

// CompletionLogger logs job.completed and job.retrying events.
type CompletionLogger struct {
	logger *slog.Logger
}

// NewCompletionLogger creates a CompletionLogger.
func NewCompletionLogger(logger *slog.Logger) *CompletionLogger {
	return &CompletionLogger{logger: logger.With("component", "job_events")}
}

// HandleEvent implements events.EventHandler.
func (l *CompletionLogger) HandleEvent(ctx context.Context, event *events.JobEvent) error {
	switch event.Type {
	case events.JobCompleted:
		attrs := []any{"job_id", event.Job.ID, "url", event.Job.URL}
		if event.Result != nil {
			attrs = append(attrs,
				"score", event.Result.Score,
				"violations", len(event.Result.Violations),
				"duration_ms", event.Result.DurationMs)
		}
		l.logger.InfoContext(ctx, "scan completed", attrs...)
	case events.JobRetrying:
		l.logger.InfoContext(ctx, "scan scheduled for retry",
			"job_id", event.Job.ID,
			"attempts_made", event.Job.AttemptsMade,
			"retry_delay", event.RetryDelay)
	case events.JobReclaimed:
		l.logger.WarnContext(ctx, "scan reclaimed after lease expiry", "job_id", event.Job.ID)
	}
	return nil
}

// Subscribe registers the consumers on bus.
func Subscribe(bus *events.Bus, deadLetters *DeadLetterConsumer, completions *CompletionLogger) {
	bus.Subscribe(events.JobFailed, deadLetters)
	bus.Subscribe(events.JobCompleted, completions)
	bus.Subscribe(events.JobRetrying, completions)
	bus.Subscribe(events.JobReclaimed, completions)
}
