package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	apimiddleware "github.com/phrazzld/scanrelay/internal/api/middleware"
	"github.com/phrazzld/scanrelay/internal/api/shared"
)

// RouterConfig collects the services behind the HTTP routes. Admin may be
// nil, in which case administrative routes answer 503.
type RouterConfig struct {
	Queue       JobQueue
	Results     ResultReader
	DeadLetters DeadLetters
	Health      HealthChecker
	Executors   ExecutorRegistry
	Admin       *apimiddleware.AdminAuth
	Logger      *slog.Logger
}

// NewRouter builds the chi router with every route and middleware.
func NewRouter(cfg RouterConfig) http.Handler {
	scans := NewScanHandler(cfg.Queue, cfg.Results, cfg.Logger)
	deadLetters := NewDeadLetterHandler(cfg.DeadLetters, cfg.Logger)
	healthHandler := NewHealthHandler(cfg.Health)
	executors := NewExecutorHandler(cfg.Executors, cfg.Results, cfg.Logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(apimiddleware.RequestContext(cfg.Logger))
	r.Use(chimiddleware.Recoverer)

	adminOnly := func(r chi.Router) {
		if cfg.Admin != nil {
			r.Use(cfg.Admin.Authenticate)
			return
		}
		r.Use(func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				shared.RespondWithError(w, req, http.StatusServiceUnavailable, "Administrative routes are disabled")
			})
		})
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/scans", scans.Submit)
		r.Get("/scans/{id}", scans.GetJob)
		r.Get("/scans/{id}/result", scans.GetResult)
		r.Get("/queue/stats", scans.QueueStats)

		r.Get("/dead-letters", deadLetters.List)
		r.Get("/dead-letters/stats", deadLetters.Stats)
		r.Get("/dead-letters/{id}", deadLetters.Get)

		r.Post("/executors", executors.Register)
		r.Get("/executors/{id}", executors.Status)
		r.Post("/attestations/verify", executors.Verify)

		r.Group(func(r chi.Router) {
			adminOnly(r)
			r.Post("/executors/{id}/revoke", executors.Revoke)
		})
	})

	r.Post("/retry/{id}", deadLetters.Retry)
	r.Post("/retry-batch", deadLetters.RetryBatch)

	r.Get("/health", healthHandler.Live)
	r.Get("/health-report", healthHandler.Report)

	return r
}
