package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/phrazzld/scanrelay/internal/alert"
	"github.com/phrazzld/scanrelay/internal/config"
	"github.com/phrazzld/scanrelay/internal/pipeline"
	"github.com/phrazzld/scanrelay/internal/redact"
	"github.com/phrazzld/scanrelay/internal/safety"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// checkTimeout bounds a single checker.
const checkTimeout = 5 * time.Second

// ResultMetrics is the persisted-result side of the metrics.
type ResultMetrics interface {
	Stats(ctx context.Context, since time.Time) (pipeline.ResultStats, error)
}

// FailureMetrics is the dead-letter side of the metrics.
type FailureMetrics interface {
	Count(ctx context.Context, since time.Time) (int, error)
}

// Monitor runs checkers, computes metrics and drives recovery.
type Monitor struct {
	checkers   []Checker
	recoverers map[string]Recoverer
	results    ResultMetrics
	failures   FailureMetrics
	memory     safety.MemoryReader
	alerts     alert.Raiser
	cfg        config.HealthConfig
	logger     *slog.Logger
	now        func() time.Time

	group    singleflight.Group
	mu       sync.Mutex
	inFlight map[string]bool
	// suspended holds components whose last recovery failed. They get no
	// further automatic attempts until a check sees them out of critical.
	suspended map[string]bool
	last      *Report

	scheduler gocron.Scheduler
	periodic  []periodicTask
}

type periodicTask struct {
	name  string
	every time.Duration
	fn    func(ctx context.Context) error
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithChecker adds a checker.
func WithChecker(p Checker) Option {
	return func(m *Monitor) { m.checkers = append(m.checkers, p) }
}

// WithRecoverer registers the recovery action for a component. Recoverers
// registered for the queue are ignored.
func WithRecoverer(component string, r Recoverer) Option {
	return func(m *Monitor) {
		if component != ComponentQueue {
			m.recoverers[component] = r
		}
	}
}

// WithMetrics sets the sources for success rate and duration metrics.
func WithMetrics(results ResultMetrics, failures FailureMetrics) Option {
	return func(m *Monitor) {
		m.results = results
		m.failures = failures
	}
}

// WithMemoryReader sets the source of the memory metric.
func WithMemoryReader(r safety.MemoryReader) Option {
	return func(m *Monitor) { m.memory = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg config.HealthConfig, alerts alert.Raiser, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		recoverers: make(map[string]Recoverer),
		alerts:     alerts,
		cfg:        cfg,
		logger:     logger.With("component", "health"),
		now:        func() time.Time { return time.Now().UTC() },
		inFlight:   make(map[string]bool),
		suspended:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check runs every checker concurrently and computes the metrics.
// The overall status is the worst component status.
func (m *Monitor) Check(ctx context.Context) Report {
	results := make([]ComponentHealth, len(m.checkers))

	var g errgroup.Group
	for i, p := range m.checkers {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			results[i] = p.Check(pctx)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Status:     StatusHealthy,
		Components: make(map[string]ComponentHealth, len(m.checkers)),
		Metrics:    m.metrics(ctx),
		CheckedAt:  m.now(),
	}
	for i, p := range m.checkers {
		report.Components[p.Name()] = results[i]
		report.Status = report.Status.Worse(results[i].Status)
	}

	m.mu.Lock()
	m.last = &report
	m.mu.Unlock()
	return report
}

// Last returns the most recent report, or false before the first check.
func (m *Monitor) Last() (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Report{}, false
	}
	return *m.last, true
}

func (m *Monitor) metrics(ctx context.Context) Metrics {
	out := Metrics{SuccessRate: 1}
	since := m.now().Add(-m.cfg.MetricsWindow)

	var completed, failed int
	if m.results != nil {
		stats, err := m.results.Stats(ctx, since)
		if err != nil {
			m.logger.WarnContext(ctx, "failed to read result metrics", "error", err)
		} else {
			completed = stats.Completed
			out.AverageDurationMs = stats.AverageDurationMs
		}
	}
	if m.failures != nil {
		n, err := m.failures.Count(ctx, since)
		if err != nil {
			m.logger.WarnContext(ctx, "failed to read failure metrics", "error", err)
		} else {
			failed = n
		}
	}
	if completed+failed > 0 {
		out.SuccessRate = float64(completed) / float64(completed+failed)
	}

	if m.memory != nil {
		if used, err := m.memory(ctx); err == nil {
			out.MemoryUsageMB = float64(used) / (1 << 20)
		}
	}
	return out
}

// AutoRecover checks health and attempts recovery of critical components.
func (m *Monitor) AutoRecover(ctx context.Context) []RecoveryOutcome {
	return m.recover(ctx, m.Check(ctx))
}

func (m *Monitor) recover(ctx context.Context, report Report) []RecoveryOutcome {
	m.resume(report)

	critical := report.Critical()
	sort.Strings(critical)

	outcomes := make([]RecoveryOutcome, 0, len(critical))
	for _, name := range critical {
		comp := report.Components[name]
		if name == ComponentQueue {
			m.raise(ctx, alert.TypeComponentCritical, alert.SeverityCritical,
				"queue is critical: "+comp.Message, name, comp)
			outcomes = append(outcomes, RecoveryOutcome{Component: name, Note: "alert raised; no automatic recovery"})
			continue
		}

		r, ok := m.recoverers[name]
		if !ok {
			outcomes = append(outcomes, RecoveryOutcome{Component: name, Note: "no recoverer registered"})
			continue
		}
		outcomes = append(outcomes, m.attempt(ctx, name, comp, r))
	}
	return outcomes
}

// resume lifts the suspension of every component that is no longer critical.
func (m *Monitor) resume(report Report) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.suspended {
		if comp, ok := report.Components[name]; !ok || comp.Status != StatusCritical {
			delete(m.suspended, name)
			m.logger.Info("automatic recovery resumed", "target", name)
		}
	}
}

// attempt runs r unless a recovery of the same component is already running
// or an earlier attempt failed while the component stayed critical.
func (m *Monitor) attempt(ctx context.Context, name string, comp ComponentHealth, r Recoverer) RecoveryOutcome {
	m.mu.Lock()
	if m.inFlight[name] {
		m.mu.Unlock()
		return RecoveryOutcome{Component: name, Note: "recovery already in progress"}
	}
	if m.suspended[name] {
		m.mu.Unlock()
		return RecoveryOutcome{Component: name, Note: "automatic recovery suspended after a failed attempt"}
	}
	m.inFlight[name] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inFlight, name)
		m.mu.Unlock()
	}()

	m.logger.WarnContext(ctx, "attempting recovery", "target", name, "reason", comp.Message)
	_, err, _ := m.group.Do(name, func() (any, error) {
		return nil, safeRecover(ctx, r)
	})

	out := RecoveryOutcome{Component: name, Attempted: true, Success: err == nil}
	if err != nil {
		out.Error = redact.Error(err)
		m.mu.Lock()
		m.suspended[name] = true
		m.mu.Unlock()
		m.logger.ErrorContext(ctx, "recovery failed", "target", name, "error", out.Error)
		m.raise(ctx, alert.TypeRecoveryFailed, alert.SeverityCritical,
			fmt.Sprintf("recovery of %s failed: %s", name, out.Error), name, comp)
		return out
	}
	m.logger.InfoContext(ctx, "recovery succeeded", "target", name)
	return out
}

func safeRecover(ctx context.Context, r Recoverer) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("recoverer panicked: %v", p)
		}
	}()
	return r(ctx)
}

func (m *Monitor) raise(
	ctx context.Context,
	alertType string,
	severity alert.Severity,
	message, component string,
	comp ComponentHealth,
) {
	if m.alerts == nil {
		return
	}
	details := map[string]any{"component": component, "status": comp.Status}
	for k, v := range comp.Details {
		details[k] = v
	}
	m.alerts.Raise(ctx, alert.Alert{
		Type:     alertType,
		Severity: severity,
		Message:  message,
		Details:  details,
	})
}

// AddPeriodic schedules fn to run once at Start and then every interval
// alongside the health check. It must be called before Start.
func (m *Monitor) AddPeriodic(name string, every time.Duration, fn func(ctx context.Context) error) {
	m.periodic = append(m.periodic, periodicTask{name: name, every: every, fn: fn})
}

// Start schedules the periodic check (Check then recovery) and every task
// added with AddPeriodic.
func (m *Monitor) Start(ctx context.Context) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(m.cfg.Interval),
		gocron.NewTask(func() { m.tick(ctx) }),
		gocron.WithName("health_check"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("initializing health check job: %w", err)
	}

	for _, task := range m.periodic {
		_, err = s.NewJob(
			gocron.DurationJob(task.every),
			gocron.NewTask(func() {
				if err := task.fn(ctx); err != nil {
					m.logger.ErrorContext(ctx, "periodic task failed", "task", task.name, "error", err)
				}
			}),
			gocron.WithName(task.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		)
		if err != nil {
			return fmt.Errorf("initializing %s job: %w", task.name, err)
		}
	}

	s.Start()
	m.scheduler = s
	m.logger.Info("health monitor started", "interval", m.cfg.Interval, "periodic_tasks", len(m.periodic))
	return nil
}

func (m *Monitor) tick(ctx context.Context) {
	report := m.Check(ctx)
	if report.Status != StatusHealthy {
		m.logger.WarnContext(ctx, "health degraded", "status", report.Status, "critical", report.Critical())
	}
	m.recover(ctx, report)
}

// Stop shuts the scheduler down and waits for running jobs.
func (m *Monitor) Stop() error {
	if m.scheduler == nil {
		return nil
	}
	err := m.scheduler.Shutdown()
	m.scheduler = nil
	return err
}
