package health_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/scanrelay/internal/alert"
	"github.com/phrazzld/scanrelay/internal/config"
	"github.com/phrazzld/scanrelay/internal/health"
	"github.com/phrazzld/scanrelay/internal/mocks"
	"github.com/phrazzld/scanrelay/internal/pipeline"
	"github.com/phrazzld/scanrelay/internal/platform/logger"
	"github.com/phrazzld/scanrelay/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		Interval:            20 * time.Millisecond,
		QueueFailedCritical: 100,
		QueueBacklogWarning: 500,
		MemoryCeilingMB:     1024,
		MetricsWindow:       24 * time.Hour,
	}
}

type stubQueue struct {
	stats queue.Stats
	err   error
}

func (s stubQueue) Stats(context.Context) (queue.Stats, error) { return s.stats, s.err }

type stubPool struct {
	running  atomic.Bool
	restarts atomic.Int32
	err      error
}

func (p *stubPool) Running() bool { return p.running.Load() }

func (p *stubPool) Restart() error {
	p.restarts.Add(1)
	if p.err != nil {
		return p.err
	}
	p.running.Store(true)
	return nil
}

type stubPinger struct {
	mu    sync.Mutex
	fails int
	calls int
	delay time.Duration
}

func (p *stubPinger) PingContext(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	time.Sleep(p.delay)
	if p.calls <= p.fails {
		return errors.New("connection refused")
	}
	return nil
}

func memoryMB(mb uint64) func(context.Context) (uint64, error) {
	return func(context.Context) (uint64, error) { return mb << 20, nil }
}

func critical(name string) health.Checker {
	return health.CheckerFunc{CheckerName: name, Fn: func(context.Context) health.ComponentHealth {
		return health.ComponentHealth{Status: health.StatusCritical, Message: "down"}
	}}
}

func TestQueueChecker(t *testing.T) {
	t.Parallel()
	cfg := testHealthConfig()

	tests := []struct {
		name string
		q    stubQueue
		want health.Status
	}{
		{"healthy", stubQueue{stats: queue.Stats{Waiting: 10, Failed: 3}}, health.StatusHealthy},
		{"failed over threshold", stubQueue{stats: queue.Stats{Failed: 101}}, health.StatusCritical},
		{"failed at threshold", stubQueue{stats: queue.Stats{Failed: 100}}, health.StatusHealthy},
		{"backlog", stubQueue{stats: queue.Stats{Waiting: 501}}, health.StatusWarning},
		{"stats error", stubQueue{err: errors.New("boom")}, health.StatusCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := health.NewQueueChecker(tt.q, cfg).Check(context.Background())
			assert.Equal(t, tt.want, got.Status)
		})
	}
}

func TestExecutorPoolChecker(t *testing.T) {
	t.Parallel()

	running := &stubPool{}
	running.running.Store(true)

	tests := []struct {
		name string
		pool *stubPool
		mb   uint64
		want health.Status
	}{
		{"healthy", running, 100, health.StatusHealthy},
		{"warning at 80 percent", running, 820, health.StatusWarning},
		{"critical at ceiling", running, 1024, health.StatusCritical},
		{"not running", &stubPool{}, 10, health.StatusCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := health.NewExecutorPoolChecker(tt.pool, memoryMB(tt.mb), 1024).Check(context.Background())
			assert.Equal(t, tt.want, got.Status)
		})
	}
}

func TestDatastoreChecker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	assert.Equal(t, health.StatusHealthy, health.NewDatastoreChecker(nil).Check(ctx).Status)
	assert.Equal(t, health.StatusHealthy, health.NewDatastoreChecker(&stubPinger{}).Check(ctx).Status)
	assert.Equal(t, health.StatusCritical, health.NewDatastoreChecker(&stubPinger{fails: 1}).Check(ctx).Status)
}

type stubResults struct{ stats pipeline.ResultStats }

func (s stubResults) Stats(context.Context, time.Time) (pipeline.ResultStats, error) { return s.stats, nil }

type stubFailures struct{ n int }

func (s stubFailures) Count(context.Context, time.Time) (int, error) { return s.n, nil }

func TestMonitor_CheckAggregatesAndComputesMetrics(t *testing.T) {
	t.Parallel()
	pool := &stubPool{}
	pool.running.Store(true)

	m := health.NewMonitor(testHealthConfig(), nil, logger.Discard(),
		health.WithChecker(health.NewQueueChecker(stubQueue{stats: queue.Stats{Waiting: 600}}, testHealthConfig())),
		health.WithChecker(health.NewExecutorPoolChecker(pool, memoryMB(100), 1024)),
		health.WithChecker(health.NewDatastoreChecker(nil)),
		health.WithMetrics(stubResults{pipeline.ResultStats{Completed: 30, AverageDurationMs: 850}}, stubFailures{10}),
		health.WithMemoryReader(memoryMB(256)),
	)

	_, ok := m.Last()
	assert.False(t, ok)

	report := m.Check(context.Background())
	assert.Equal(t, health.StatusWarning, report.Status)
	assert.Len(t, report.Components, 3)
	assert.Equal(t, health.StatusWarning, report.Components[health.ComponentQueue].Status)
	assert.InDelta(t, 0.75, report.Metrics.SuccessRate, 0.0001)
	assert.InDelta(t, 850.0, report.Metrics.AverageDurationMs, 0.0001)
	assert.InDelta(t, 256.0, report.Metrics.MemoryUsageMB, 0.0001)

	last, ok := m.Last()
	require.True(t, ok)
	assert.Equal(t, report.CheckedAt, last.CheckedAt)
}

func TestMonitor_SuccessRateWithNoTraffic(t *testing.T) {
	t.Parallel()
	m := health.NewMonitor(testHealthConfig(), nil, logger.Discard(),
		health.WithMetrics(stubResults{}, stubFailures{}))

	report := m.Check(context.Background())
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.InDelta(t, 1.0, report.Metrics.SuccessRate, 0.0001)
}

func TestMonitor_AutoRecoverQueueRaisesAlertOnly(t *testing.T) {
	t.Parallel()
	notifier := &mocks.MockNotifier{}
	var called atomic.Bool
	m := health.NewMonitor(testHealthConfig(), notifier.Raiser(), logger.Discard(),
		health.WithChecker(health.NewQueueChecker(stubQueue{stats: queue.Stats{Failed: 500}}, testHealthConfig())),
		health.WithRecoverer(health.ComponentQueue, func(context.Context) error {
			called.Store(true)
			return nil
		}),
	)

	outcomes := m.AutoRecover(context.Background())
	require.Len(t, outcomes, 1)
	assert.Equal(t, health.ComponentQueue, outcomes[0].Component)
	assert.False(t, outcomes[0].Attempted)
	assert.False(t, called.Load())

	alerts := notifier.OfType(alert.TypeComponentCritical)
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, health.ComponentQueue, alerts[0].Details["component"])
}

func TestMonitor_AutoRecoverRestartsPool(t *testing.T) {
	t.Parallel()
	pool := &stubPool{}
	m := health.NewMonitor(testHealthConfig(), nil, logger.Discard(),
		health.WithChecker(health.NewExecutorPoolChecker(pool, memoryMB(10), 1024)),
		health.WithRecoverer(health.ComponentExecutorPool, health.RestartPool(pool)),
	)

	outcomes := m.AutoRecover(context.Background())
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Attempted)
	assert.True(t, outcomes[0].Success)
	assert.Equal(t, int32(1), pool.restarts.Load())
	assert.True(t, pool.Running())

	// Healthy now, so nothing to do.
	assert.Empty(t, m.AutoRecover(context.Background()))
}

func TestMonitor_FailedRecoveryRaisesAlert(t *testing.T) {
	t.Parallel()
	notifier := &mocks.MockNotifier{}
	pool := &stubPool{err: errors.New("no capacity")}
	m := health.NewMonitor(testHealthConfig(), notifier.Raiser(), logger.Discard(),
		health.WithChecker(health.NewExecutorPoolChecker(pool, memoryMB(10), 1024)),
		health.WithRecoverer(health.ComponentExecutorPool, health.RestartPool(pool)),
	)

	outcomes := m.AutoRecover(context.Background())
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Attempted)
	assert.False(t, outcomes[0].Success)
	assert.Contains(t, outcomes[0].Error, "no capacity")
	assert.Len(t, notifier.OfType(alert.TypeRecoveryFailed), 1)
}

func TestMonitor_FailedRecoverySuspendsFurtherAttempts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	notifier := &mocks.MockNotifier{}
	pool := &stubPool{err: errors.New("no capacity")}
	m := health.NewMonitor(testHealthConfig(), notifier.Raiser(), logger.Discard(),
		health.WithChecker(health.NewExecutorPoolChecker(pool, memoryMB(10), 1024)),
		health.WithRecoverer(health.ComponentExecutorPool, health.RestartPool(pool)),
	)

	first := m.AutoRecover(ctx)
	require.Len(t, first, 1)
	assert.True(t, first[0].Attempted)

	for i := 0; i < 4; i++ {
		outcomes := m.AutoRecover(ctx)
		require.Len(t, outcomes, 1)
		assert.False(t, outcomes[0].Attempted)
		assert.Contains(t, outcomes[0].Note, "suspended")
	}
	assert.Equal(t, int32(1), pool.restarts.Load())
	assert.Len(t, notifier.OfType(alert.TypeRecoveryFailed), 1)

	// The pool comes back on its own, then fails again: recovery is re-armed.
	pool.running.Store(true)
	assert.Empty(t, m.AutoRecover(ctx))
	pool.running.Store(false)

	again := m.AutoRecover(ctx)
	require.Len(t, again, 1)
	assert.True(t, again[0].Attempted)
	assert.Equal(t, int32(2), pool.restarts.Load())
}

func TestMonitor_OneRecoveryInFlightPerComponent(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var runs atomic.Int32
	m := health.NewMonitor(testHealthConfig(), nil, logger.Discard(),
		health.WithChecker(critical(health.ComponentDatastore)),
		health.WithRecoverer(health.ComponentDatastore, func(context.Context) error {
			runs.Add(1)
			<-release
			return nil
		}),
	)

	const callers = 5
	var wg sync.WaitGroup
	var returned atomic.Int32
	outcomes := make([][]health.RecoveryOutcome, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = m.AutoRecover(context.Background())
			returned.Add(1)
		}(i)
	}

	// Everyone except the caller running the recovery gets turned away.
	require.Eventually(t, func() bool { return returned.Load() == callers-1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	attempted := 0
	for _, o := range outcomes {
		require.Len(t, o, 1)
		if o[0].Attempted {
			attempted++
		}
	}
	assert.Equal(t, 1, attempted)
}

func TestMonitor_ComponentWithoutRecoverer(t *testing.T) {
	t.Parallel()
	m := health.NewMonitor(testHealthConfig(), nil, logger.Discard(),
		health.WithChecker(critical("cache")))

	outcomes := m.AutoRecover(context.Background())
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Attempted)
}

func TestReconnect(t *testing.T) {
	t.Parallel()
	policy := health.ReconnectPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxRetries: 3}

	p := &stubPinger{fails: 2}
	require.NoError(t, health.Reconnect(p, policy)(context.Background()))
	assert.Equal(t, 3, p.calls)

	p = &stubPinger{fails: 10}
	err := health.Reconnect(p, policy)(context.Background())
	require.Error(t, err)
	assert.Equal(t, 4, p.calls)
}

func TestMonitor_StartRunsPeriodicWork(t *testing.T) {
	pool := &stubPool{}
	m := health.NewMonitor(testHealthConfig(), nil, logger.Discard(),
		health.WithChecker(health.NewExecutorPoolChecker(pool, memoryMB(10), 1024)),
		health.WithRecoverer(health.ComponentExecutorPool, health.RestartPool(pool)),
	)
	var purges atomic.Int32
	m.AddPeriodic("purge", 10*time.Millisecond, func(context.Context) error {
		purges.Add(1)
		return nil
	})

	var sweeps atomic.Int32
	m.AddPeriodic("sweep", time.Hour, func(context.Context) error {
		sweeps.Add(1)
		return nil
	})

	require.NoError(t, m.Start(context.Background()))
	defer func() { require.NoError(t, m.Stop()) }()

	// Periodic tasks also run once at startup.
	require.Eventually(t, func() bool {
		return pool.Running() && purges.Load() > 0 && sweeps.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
	_, ok := m.Last()
	assert.True(t, ok)
}
