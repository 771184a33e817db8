package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scanrelay/internal/alert"
	"github.com/phrazzld/scanrelay/internal/config"
	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/redact"
	"github.com/phrazzld/scanrelay/internal/reqctx"
	"github.com/phrazzld/scanrelay/internal/store"
)

// topCount is the size of the error and URL breakdowns in Stats.
const topCount = 5

// failureRateWindow is the trailing window of the high_failure_rate alert.
const failureRateWindow = 24 * time.Hour

// Requeuer puts dead-lettered jobs back on the queue.
type Requeuer interface {
	// Retry resets a dead-lettered job that is still in the queue store.
	Retry(ctx context.Context, jobID uuid.UUID) error
	// Restore re-inserts a job snapshot whose queue record was purged.
	Restore(ctx context.Context, job *domain.Job) error
}

// SuccessLookup reports the last time a scan of url completed.
type SuccessLookup interface {
	LastCompletedAt(ctx context.Context, url string) (time.Time, bool, error)
}

// Stats summarizes the dead-letter store.
type Stats struct {
	Total     int      `json:"total"`
	Last24h   int      `json:"last_24h"`
	TopErrors []Bucket `json:"top_errors"`
	TopURLs   []Bucket `json:"top_urls"`
}

// RetryResult is the outcome of replaying one record.
type RetryResult struct {
	ID      uuid.UUID `json:"id"`
	JobID   uuid.UUID `json:"job_id"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
}

// BatchResult counts the outcomes of RetryBatch.
type BatchResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Service captures, inspects and replays dead-lettered jobs.
type Service struct {
	store     Store
	requeuer  Requeuer
	successes SuccessLookup
	alerts    alert.Raiser
	config    config.DeadLetterConfig
	logger    *slog.Logger
	now       func() time.Time

	// rateAlerted is set while the 24h failure count stays above the
	// threshold, so high_failure_rate fires once per crossing.
	rateMu      sync.Mutex
	rateAlerted bool
}

// Option customizes a Service.
type Option func(*Service)

// WithSuccessLookup lets the failure-streak alert reset at the last
// successful scan of a URL. Without it every capture for the URL counts.
func WithSuccessLookup(l SuccessLookup) Option {
	return func(s *Service) { s.successes = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service.
func NewService(
	st Store,
	requeuer Requeuer,
	alerts alert.Raiser,
	cfg config.DeadLetterConfig,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		store:    st,
		requeuer: requeuer,
		alerts:   alerts,
		config:   cfg,
		logger:   logger.With("component", "dead_letter"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capture records the terminal failure of job. Capturing the same job again
// updates its existing record. Alert thresholds are evaluated afterwards;
// alerting problems never fail the capture.
func (s *Service) Capture(ctx context.Context, job *domain.Job, cause error) (*domain.FailedJobRecord, error) {
	snapshot, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot job: %w", err)
	}

	message := job.LastError
	if cause != nil {
		message = cause.Error()
	}

	requestID := reqctx.RequestID(ctx)
	if requestID == "" {
		requestID = job.Context[reqctx.KeyRequestID]
	}

	rec, err := s.store.Upsert(ctx, &domain.FailedJobRecord{
		ID:              uuid.New(),
		JobID:           job.ID,
		URL:             job.URL,
		ClientID:        job.ClientID,
		ErrorMessage:    redact.String(message),
		ErrorKind:       Classify(cause),
		AttemptsMade:    job.AttemptsMade,
		FailedAt:        s.now(),
		RequestID:       requestID,
		OriginalJobData: snapshot,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store dead-letter record: %w", err)
	}

	s.logger.InfoContext(ctx, "captured dead-lettered job",
		"record_id", rec.ID,
		"job_id", rec.JobID,
		"error_kind", rec.ErrorKind,
		"attempts_made", rec.AttemptsMade)

	s.evaluateAlerts(ctx, rec)
	return rec, nil
}

func (s *Service) evaluateAlerts(ctx context.Context, rec *domain.FailedJobRecord) {
	if s.alerts == nil {
		return
	}

	recent, err := s.store.Count(ctx, s.now().Add(-failureRateWindow))
	if err != nil {
		s.logger.WarnContext(ctx, "failed to evaluate failure rate", "error", err)
	} else if s.crossedFailureRate(recent) {
		s.alerts.Raise(ctx, alert.Alert{
			Type:      alert.TypeHighFailureRate,
			Severity:  alert.SeverityError,
			Message:   fmt.Sprintf("%d jobs dead-lettered in the last 24h", recent),
			RequestID: rec.RequestID,
			Details: map[string]any{
				"count":     recent,
				"threshold": s.config.HighFailureRateThreshold,
			},
		})
	}

	streak, err := s.failureStreak(ctx, rec.URL)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to evaluate failure streak", "error", err, "url", rec.URL)
		return
	}
	if streak >= s.config.ConsecutiveFailureThreshold {
		s.alerts.Raise(ctx, alert.Alert{
			Type:      alert.TypeConsecutiveFailures,
			Severity:  alert.SeverityWarning,
			Message:   fmt.Sprintf("%s failed %d times in a row", rec.URL, streak),
			RequestID: rec.RequestID,
			Details: map[string]any{
				"url":       rec.URL,
				"count":     streak,
				"threshold": s.config.ConsecutiveFailureThreshold,
			},
		})
	}
}

// crossedFailureRate reports whether recent has just gone over the threshold.
// The latch re-arms once the count falls back to the threshold.
func (s *Service) crossedFailureRate(recent int) bool {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	if recent <= s.config.HighFailureRateThreshold {
		s.rateAlerted = false
		return false
	}
	if s.rateAlerted {
		return false
	}
	s.rateAlerted = true
	return true
}

// failureStreak counts failures of url since its last successful scan.
func (s *Service) failureStreak(ctx context.Context, url string) (int, error) {
	var since time.Time
	if s.successes != nil {
		last, ok, err := s.successes.LastCompletedAt(ctx, url)
		if err != nil {
			return 0, err
		}
		if ok {
			since = last
		}
	}
	return s.store.CountForURL(ctx, url, since)
}

// List returns records matching f.
func (s *Service) List(ctx context.Context, f Filter) ([]*domain.FailedJobRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.store.List(ctx, f)
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.FailedJobRecord, error) {
	return s.store.Get(ctx, id)
}

// Stats summarizes the store.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	total, err := s.store.Count(ctx, time.Time{})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count records: %w", err)
	}
	recent, err := s.store.Count(ctx, s.now().Add(-failureRateWindow))
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count recent records: %w", err)
	}
	topErrors, topURLs, err := s.store.Top(ctx, topCount)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to rank records: %w", err)
	}
	return Stats{
		Total:     total,
		Last24h:   recent,
		TopErrors: topErrors,
		TopURLs:   topURLs,
	}, nil
}

// Retry puts the record's job back on the queue with a fresh attempt budget.
// A missing record is an error; a failed requeue is reported in the result.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (RetryResult, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return RetryResult{ID: id}, err
	}
	return s.retry(ctx, rec), nil
}

func (s *Service) retry(ctx context.Context, rec *domain.FailedJobRecord) RetryResult {
	result := RetryResult{ID: rec.ID, JobID: rec.JobID}

	// Stamped before the requeue so that a failure of the requeued job is
	// always recorded after it.
	retriedAt := s.now()
	err := s.requeuer.Retry(ctx, rec.JobID)
	if errors.Is(err, store.ErrJobNotFound) {
		err = s.restore(ctx, rec)
	}
	if err != nil {
		result.Error = redact.Error(err)
		s.logger.WarnContext(ctx, "dead-letter retry failed",
			"record_id", rec.ID,
			"job_id", rec.JobID,
			"error", result.Error)
		return result
	}

	if err := s.store.MarkRetried(ctx, rec.ID, retriedAt); err != nil {
		s.logger.WarnContext(ctx, "failed to record retry", "error", err, "record_id", rec.ID)
	}
	s.logger.InfoContext(ctx, "dead-lettered job requeued", "record_id", rec.ID, "job_id", rec.JobID)
	result.Success = true
	return result
}

// restore re-enqueues the job snapshot kept on the record.
func (s *Service) restore(ctx context.Context, rec *domain.FailedJobRecord) error {
	var job domain.Job
	if err := json.Unmarshal(rec.OriginalJobData, &job); err != nil {
		return fmt.Errorf("failed to decode job snapshot: %w", err)
	}
	return s.requeuer.Restore(ctx, &job)
}

// RetryBatch retries the pending records matching f, at most MaxBatchRetry
// of them. Records already requeued since their last failure are skipped.
func (s *Service) RetryBatch(ctx context.Context, f Filter) (BatchResult, error) {
	if f.Limit <= 0 || f.Limit > s.config.MaxBatchRetry {
		f.Limit = s.config.MaxBatchRetry
	}
	f.PendingOnly = true
	records, err := s.store.List(ctx, f)
	if err != nil {
		return BatchResult{}, fmt.Errorf("failed to list records: %w", err)
	}

	var res BatchResult
	for _, rec := range records {
		res.Attempted++
		if s.retry(ctx, rec).Success {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	s.logger.InfoContext(ctx, "batch retry finished",
		"attempted", res.Attempted,
		"succeeded", res.Succeeded,
		"failed", res.Failed)
	return res, nil
}

// Cleanup deletes records that failed more than olderThanDays days ago.
func (s *Service) Cleanup(ctx context.Context, olderThanDays int) (int, error) {
	cutoff := s.now().AddDate(0, 0, -olderThanDays)
	n, err := s.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete records: %w", err)
	}
	s.logger.InfoContext(ctx, "dead-letter cleanup finished", "deleted", n, "older_than_days", olderThanDays)
	return n, nil
}
