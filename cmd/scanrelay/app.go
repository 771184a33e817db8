package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/phrazzld/scanrelay/internal/alert"
	"github.com/phrazzld/scanrelay/internal/api"
	"github.com/phrazzld/scanrelay/internal/api/middleware"
	"github.com/phrazzld/scanrelay/internal/attest"
	"github.com/phrazzld/scanrelay/internal/config"
	"github.com/phrazzld/scanrelay/internal/deadletter"
	"github.com/phrazzld/scanrelay/internal/events"
	"github.com/phrazzld/scanrelay/internal/health"
	"github.com/phrazzld/scanrelay/internal/pipeline"
	"github.com/phrazzld/scanrelay/internal/platform/postgres"
	"github.com/phrazzld/scanrelay/internal/platform/redis"
	"github.com/phrazzld/scanrelay/internal/queue"
	"github.com/phrazzld/scanrelay/internal/safety"
	"github.com/phrazzld/scanrelay/internal/scanner"
)

// deadLetterCleanupEvery is how often expired dead-letter records are deleted.
const deadLetterCleanupEvery = 24 * time.Hour

// Dead-lettered jobs without a record are captured every
// deadLetterReconcileEvery once they have been settled for reconcileGrace.
const (
	deadLetterReconcileEvery = 5 * time.Minute
	reconcileGrace           = time.Minute
)

// application holds every long-lived component so that they can be started
// and shut down in order.
type application struct {
	config *config.Config
	logger *slog.Logger

	db    *sql.DB
	redis *goredis.Client

	jobs        queue.Store
	failures    deadletter.Store
	uncaptured  deadletter.UncapturedSource
	results     pipeline.ResultStore
	registry    attest.Registry
	limiter     safety.RateLimiter
	signer      *attest.Signer
	attestor    *attest.Attestor
	alerts      *alert.Dispatcher
	bus         *events.Bus
	queue       *queue.Queue
	deadLetters *deadletter.Service
	monitor     *health.Monitor
	admin       *middleware.AdminAuth
	router      http.Handler
}

// newApplication wires every component. Nothing is started yet; cleanup
// releases whatever was acquired even when wiring fails halfway.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (app *application, err error) {
	if cfg.Scanner.URL == "" {
		return nil, errors.New("scanner.url is required")
	}

	app = &application{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.cleanup()
			app = nil
		}
	}()

	if err = app.setupStores(ctx); err != nil {
		return app, err
	}
	if err = app.setupLimiter(ctx); err != nil {
		return app, err
	}
	if err = app.setupAttestation(ctx); err != nil {
		return app, err
	}

	notifiers := []alert.Notifier{alert.NewLogNotifier(logger)}
	if cfg.Alerts.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewWebhookNotifier(cfg.Alerts.WebhookURL, nil))
	}
	app.alerts = alert.NewDispatcher(cfg.Alerts.Timeout, logger, notifiers...)

	memory, memErr := safety.ProcessRSS()
	if memErr != nil {
		logger.Warn("process memory sampling unavailable", "error", memErr)
	}

	guard := safety.NewGuard(cfg.Safety, app.limiter, logger, safety.WithMemoryReader(memory))
	engine := scanner.NewHTTPEngine(cfg.Scanner.URL, cfg.Scanner.Timeout, logger)
	handler := pipeline.NewHandler(engine, guard, app.signer, app.attestor, app.results, logger,
		pipeline.WithScanOptions(scanner.Options{Timeout: cfg.Safety.Timeout}))

	app.bus = events.NewBus(cfg.Queue.EventBufferSize, logger)
	app.queue = queue.New(app.jobs, handler, cfg.Queue, logger, queue.WithPublisher(app.bus))
	app.deadLetters = deadletter.NewService(app.failures, app.queue, app.alerts, cfg.DeadLetter, logger,
		deadletter.WithSuccessLookup(app.results))
	pipeline.Subscribe(app.bus,
		pipeline.NewDeadLetterConsumer(app.deadLetters, logger),
		pipeline.NewCompletionLogger(logger))

	app.monitor = app.newMonitor(memory)

	if cfg.Auth.JWTSecret != "" {
		if app.admin, err = middleware.NewAdminAuth(cfg.Auth.JWTSecret); err != nil {
			return app, fmt.Errorf("failed to initialize admin auth: %w", err)
		}
	} else {
		logger.Warn("auth.jwt_secret is empty, administrative routes are disabled")
	}

	app.router = api.NewRouter(api.RouterConfig{
		Queue:       app.queue,
		Results:     app.results,
		DeadLetters: app.deadLetters,
		Health:      app.monitor,
		Executors:   app.attestor,
		Admin:       app.admin,
		Logger:      logger,
	})

	logger.Info("application initialized",
		"executor_id", app.signer.ExecutorID(),
		"key_version", app.signer.KeyVersion())
	return app, nil
}

// setupStores selects Postgres when database.url is set and in-memory stores
// otherwise.
func (app *application) setupStores(ctx context.Context) error {
	if app.config.Database.URL == "" {
		app.logger.Warn("database.url is empty, jobs and results are kept in memory")
		jobs, failures := queue.NewMemoryStore(), deadletter.NewMemoryStore()
		app.jobs = jobs
		app.failures = failures
		app.uncaptured = deadletter.NewMemoryUncaptured(jobs, failures)
		app.results = pipeline.NewMemoryResultStore()
		app.registry = attest.NewMemoryRegistry()
		return nil
	}

	db, err := postgres.Open(ctx, app.config.Database, app.logger)
	if err != nil {
		return err
	}
	app.db = db
	jobStore := postgres.NewJobStore(db)
	app.jobs = jobStore
	app.uncaptured = jobStore
	app.failures = postgres.NewDeadLetterStore(db)
	app.results = postgres.NewResultStore(db)
	app.registry = postgres.NewRegistry(db)
	return nil
}

// setupLimiter shares rate windows through Redis when redis.addr is set.
func (app *application) setupLimiter(ctx context.Context) error {
	safetyCfg := app.config.Safety
	if app.config.Redis.Addr == "" {
		app.limiter = safety.NewMemoryRateLimiter(safetyCfg.RateLimitPerWindow, safetyCfg.RateWindow)
		return nil
	}

	client, err := redis.Connect(ctx, app.config.Redis, app.logger)
	if err != nil {
		return err
	}
	app.redis = client
	app.limiter = redis.NewRateLimiter(client, safetyCfg.RateLimitPerWindow, safetyCfg.RateWindow,
		redis.WithKeyPrefix(app.config.Redis.KeyPrefix))
	return nil
}

// setupAttestation loads the executor key and registers it. Without a key
// path the key is ephemeral and results signed before a restart can only be
// verified through the registry.
func (app *application) setupAttestation(ctx context.Context) error {
	attestCfg := app.config.Attest
	if attestCfg.KeyPath == "" {
		app.logger.Warn("attest.key_path is empty, using an ephemeral executor key")
		signer, err := attest.GenerateSigner()
		if err != nil {
			return err
		}
		app.signer = signer
	} else {
		signer, created, err := attest.LoadOrCreateSigner(attestCfg.KeyPath, attestCfg.KeyPassphrase)
		if err != nil {
			return fmt.Errorf("failed to load executor key: %w", err)
		}
		if created {
			app.logger.Info("generated executor key", "path", attestCfg.KeyPath)
		}
		app.signer = signer
	}

	app.attestor = attest.NewAttestor(app.registry, app.logger)
	if err := app.attestor.RegisterSigner(ctx, app.signer); err != nil {
		return fmt.Errorf("failed to register executor key: %w", err)
	}
	return nil
}

func (app *application) newMonitor(memory safety.MemoryReader) *health.Monitor {
	cfg := app.config
	opts := []health.Option{
		health.WithChecker(health.NewQueueChecker(app.queue, cfg.Health)),
		health.WithChecker(health.NewExecutorPoolChecker(app.queue, memory, cfg.Health.MemoryCeilingMB)),
		health.WithRecoverer(health.ComponentExecutorPool, health.RestartPool(app.queue)),
		health.WithMetrics(app.results, app.failures),
		health.WithMemoryReader(memory),
	}
	if app.db != nil {
		opts = append(opts,
			health.WithChecker(health.NewDatastoreChecker(app.db)),
			health.WithRecoverer(health.ComponentDatastore, health.Reconnect(app.db, health.DefaultReconnectPolicy)))
	}
	monitor := health.NewMonitor(cfg.Health, app.alerts, app.logger, opts...)

	if cfg.Queue.PurgeAfter > 0 {
		monitor.AddPeriodic("purge_jobs", cfg.Queue.ReapInterval, func(ctx context.Context) error {
			_, err := app.queue.Purge(ctx, cfg.Queue.PurgeAfter)
			return err
		})
	}
	monitor.AddPeriodic("dead_letter_reconcile", deadLetterReconcileEvery, func(ctx context.Context) error {
		_, err := app.deadLetters.Reconcile(ctx, app.uncaptured, reconcileGrace)
		return err
	})
	if cfg.DeadLetter.RetentionDays > 0 {
		monitor.AddPeriodic("dead_letter_cleanup", deadLetterCleanupEvery, func(ctx context.Context) error {
			_, err := app.deadLetters.Cleanup(ctx, cfg.DeadLetter.RetentionDays)
			return err
		})
	}
	return monitor
}

// start launches the background components. The bus must run before the
// workers so that no transition event is dropped.
func (app *application) start(ctx context.Context) error {
	app.bus.Start()
	if err := app.queue.Start(); err != nil {
		return fmt.Errorf("failed to start queue: %w", err)
	}
	if err := app.monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start health monitor: %w", err)
	}
	return nil
}

// cleanup stops components in reverse dependency order and closes
// connections. It is safe to call on a partially built application.
func (app *application) cleanup() {
	if app.monitor != nil {
		if err := app.monitor.Stop(); err != nil {
			app.logger.Error("error stopping health monitor", "error", err)
		}
	}
	if app.queue != nil {
		app.queue.Stop()
	}
	if app.bus != nil {
		app.bus.Stop()
	}
	if app.alerts != nil {
		app.alerts.Wait()
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("error closing redis connection", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}
	app.logger.Info("application shutdown completed")
}
