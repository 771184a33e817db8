package pipeline_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scanrelay/internal/alert"
	"github.com/phrazzld/scanrelay/internal/config"
	"github.com/phrazzld/scanrelay/internal/deadletter"
	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/events"
	"github.com/phrazzld/scanrelay/internal/mocks"
	"github.com/phrazzld/scanrelay/internal/pipeline"
	"github.com/phrazzld/scanrelay/internal/platform/logger"
	"github.com/phrazzld/scanrelay/internal/queue"
	"github.com/phrazzld/scanrelay/internal/reqctx"
	"github.com/phrazzld/scanrelay/internal/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flow struct {
	*fixture
	queue       *queue.Queue
	deadLetters *deadletter.MemoryStore
	dlq         *deadletter.Service
	notifier    *mocks.MockNotifier
	alerts      *alert.Dispatcher
}

type flowConfig struct {
	maxAttempts          int
	consecutiveThreshold int
	log                  *slog.Logger
}

func startFlow(t *testing.T, maxAttempts int) *flow {
	t.Helper()
	return startFlowWith(t, flowConfig{maxAttempts: maxAttempts})
}

func startFlowWith(t *testing.T, cfg flowConfig) *flow {
	t.Helper()
	f := newFixture(t)
	log := cfg.log
	if log == nil {
		log = logger.Discard()
	}
	if cfg.consecutiveThreshold == 0 {
		cfg.consecutiveThreshold = 3
	}
	maxAttempts := cfg.maxAttempts

	bus := events.NewBus(16, log)
	q := queue.New(queue.NewMemoryStore(), f.handler, config.QueueConfig{
		HighWorkers:     2,
		LowWorkers:      1,
		MaxAttempts:     maxAttempts,
		BackoffBase:     5 * time.Millisecond,
		BackoffMax:      20 * time.Millisecond,
		LeaseTTL:        time.Second,
		PollInterval:    5 * time.Millisecond,
		ReapInterval:    50 * time.Millisecond,
		EventBufferSize: 16,
	}, log, queue.WithPublisher(bus))

	notifier := &mocks.MockNotifier{}
	alerts := alert.NewDispatcher(time.Second, log, notifier)
	dlStore := deadletter.NewMemoryStore()
	dlq := deadletter.NewService(dlStore, q, alerts, config.DeadLetterConfig{
		HighFailureRateThreshold:    50,
		ConsecutiveFailureThreshold: cfg.consecutiveThreshold,
		MaxBatchRetry:               50,
		RetentionDays:               30,
	}, log, deadletter.WithSuccessLookup(f.results))

	pipeline.Subscribe(bus, pipeline.NewDeadLetterConsumer(dlq, log), pipeline.NewCompletionLogger(log))
	bus.Start()
	require.NoError(t, q.Start())
	t.Cleanup(func() {
		q.Stop()
		bus.Stop()
		alerts.Wait()
	})

	return &flow{fixture: f, queue: q, deadLetters: dlStore, dlq: dlq, notifier: notifier, alerts: alerts}
}

func (f *flow) waitForState(t *testing.T, id uuid.UUID, state domain.JobState) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := f.queue.Get(context.Background(), id)
		return err == nil && job.State == state
	}, 3*time.Second, 5*time.Millisecond)
}

func TestFlow_CompletedJobIsSignedAndStored(t *testing.T) {
	t.Parallel()
	f := startFlow(t, 3)
	ctx := reqctx.WithContext(context.Background(), reqctx.New("req-ok"))

	seen := make(chan string, 1)
	f.engine.ScanFn = func(ctx context.Context, url string, _ scanner.Options) (*scanner.Report, error) {
		seen <- reqctx.RequestID(ctx)
		return &scanner.Report{URL: url, Score: 98}, nil
	}

	id, err := f.queue.Enqueue(ctx, queue.SubmitRequest{URL: "https://example.com", ClientID: "acme"})
	require.NoError(t, err)
	f.waitForState(t, id, domain.JobStateCompleted)
	assert.Equal(t, "req-ok", <-seen)

	stored, err := f.results.Get(context.Background(), id)
	require.NoError(t, err)
	ok, err := f.attestor.Verify(context.Background(), stored.Result, stored.Attestation, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFlow_RequestIDReachesDeadLetterRecord(t *testing.T) {
	t.Parallel()
	f := startFlow(t, 2)
	ctx := reqctx.WithContext(context.Background(), reqctx.New("req-e2e"))

	seen := make(chan string, 4)
	f.engine.ScanFn = func(ctx context.Context, _ string, _ scanner.Options) (*scanner.Report, error) {
		seen <- reqctx.RequestID(ctx)
		return nil, errors.New("navigation timeout")
	}

	id, err := f.queue.Enqueue(ctx, queue.SubmitRequest{URL: "https://flaky.example.com", ClientID: "acme"})
	require.NoError(t, err)
	f.waitForState(t, id, domain.JobStateDeadLettered)

	var records []*domain.FailedJobRecord
	require.Eventually(t, func() bool {
		records, err = f.deadLetters.List(context.Background(), deadletter.Filter{})
		return err == nil && len(records) == 1
	}, 3*time.Second, 5*time.Millisecond)

	rec := records[0]
	assert.Equal(t, id, rec.JobID)
	assert.Equal(t, "req-e2e", rec.RequestID)
	assert.Equal(t, 2, rec.AttemptsMade)
	assert.Equal(t, domain.ErrorKindTransient, rec.ErrorKind)
	assert.Contains(t, rec.ErrorMessage, "navigation timeout")

	assert.Equal(t, "req-e2e", <-seen)
	assert.Equal(t, "req-e2e", <-seen)
}

func TestFlow_RequestIDReachesLogsAndAlerts(t *testing.T) {
	t.Parallel()
	buf, log := logger.NewTestLogger()
	f := startFlowWith(t, flowConfig{maxAttempts: 1, consecutiveThreshold: 1, log: log})
	ctx := reqctx.WithContext(context.Background(), reqctx.New("req-corr"))

	f.engine.ScanFn = func(context.Context, string, scanner.Options) (*scanner.Report, error) {
		return nil, errors.New("navigation timeout")
	}

	id, err := f.queue.Enqueue(ctx, queue.SubmitRequest{URL: "https://broken.example.com", ClientID: "acme"})
	require.NoError(t, err)
	f.waitForState(t, id, domain.JobStateDeadLettered)

	var alerts []alert.Alert
	require.Eventually(t, func() bool {
		alerts = f.notifier.OfType(alert.TypeConsecutiveFailures)
		return len(alerts) == 1
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, "req-corr", alerts[0].RequestID)

	want := map[string]bool{
		"job enqueued":                      false,
		"processing job":                    false,
		"job dead-lettered":                 false,
		"captured dead-lettered job":        false,
		"job captured in dead-letter store": false,
	}
	require.Eventually(t, func() bool {
		entries, err := buf.GetLogEntries()
		if err != nil {
			return false
		}
		for _, e := range entries {
			msg, _ := e["msg"].(string)
			if _, ok := want[msg]; ok && e["request_id"] == "req-corr" {
				want[msg] = true
			}
		}
		for _, seen := range want {
			if !seen {
				return false
			}
		}
		return true
	}, 3*time.Second, 5*time.Millisecond, "log lines without request_id: %v", want)
}

func TestFlow_UnsafeURLIsDeadLetteredWithoutRetry(t *testing.T) {
	t.Parallel()
	f := startFlow(t, 3)

	id, err := f.queue.Enqueue(context.Background(), queue.SubmitRequest{
		URL:      "http://10.0.0.8/admin",
		ClientID: "acme",
	})
	require.NoError(t, err)
	f.waitForState(t, id, domain.JobStateDeadLettered)

	job, err := f.queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, job.MaxAttempts, job.AttemptsMade)
	assert.Empty(t, f.engine.Calls())

	require.Eventually(t, func() bool {
		records, err := f.deadLetters.List(context.Background(), deadletter.Filter{})
		return err == nil && len(records) == 1 &&
			records[0].ErrorKind == domain.ErrorKindSafetyViolation+":UNSAFE_URL"
	}, 3*time.Second, 5*time.Millisecond)
}

func TestFlow_RetryFromDeadLetterCompletes(t *testing.T) {
	t.Parallel()
	f := startFlow(t, 1)

	fail := make(chan bool, 1)
	fail <- true
	f.engine.ScanFn = func(_ context.Context, url string, _ scanner.Options) (*scanner.Report, error) {
		select {
		case <-fail:
			return nil, errors.New("first attempt fails")
		default:
			return &scanner.Report{URL: url, Score: 90}, nil
		}
	}

	id, err := f.queue.Enqueue(context.Background(), queue.SubmitRequest{URL: "https://example.com/retry", ClientID: "acme"})
	require.NoError(t, err)
	f.waitForState(t, id, domain.JobStateDeadLettered)

	var rec *domain.FailedJobRecord
	require.Eventually(t, func() bool {
		records, err := f.deadLetters.List(context.Background(), deadletter.Filter{})
		if err != nil || len(records) != 1 {
			return false
		}
		rec = records[0]
		return true
	}, 3*time.Second, 5*time.Millisecond)

	res, err := f.dlq.Retry(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	f.waitForState(t, id, domain.JobStateCompleted)

	_, err = f.results.Get(context.Background(), id)
	require.NoError(t, err)
}
