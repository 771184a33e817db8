package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/scanrelay/internal/attest"
	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/queue"
	"github.com/phrazzld/scanrelay/internal/safety"
	"github.com/phrazzld/scanrelay/internal/scanner"
	"github.com/phrazzld/scanrelay/internal/store"
)

// Signer signs results for the local execution unit.
type Signer interface {
	ExecutorID() string
	Sign(result *domain.ScanResult) (domain.Attestation, error)
}

// AttestationIndex records signed results and answers revocation checks.
type AttestationIndex interface {
	Record(ctx context.Context, att domain.Attestation) error
	IsRevoked(ctx context.Context, executorID string) (bool, error)
}

// Handler runs one scan job end to end. It implements queue.Handler.
type Handler struct {
	engine  scanner.Engine
	options scanner.Options
	guard   *safety.Guard
	signer  Signer
	index   AttestationIndex
	results ResultStore
	logger  *slog.Logger
	now     func() time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithScanOptions sets the options passed to every scan.
func WithScanOptions(opts scanner.Options) HandlerOption {
	return func(h *Handler) { h.options = opts }
}

// WithHandlerClock overrides the clock used for result timestamps.
func WithHandlerClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = now }
}

// NewHandler wires the scan pipeline.
func NewHandler(
	engine scanner.Engine,
	guard *safety.Guard,
	signer Signer,
	index AttestationIndex,
	results ResultStore,
	logger *slog.Logger,
	opts ...HandlerOption,
) *Handler {
	h := &Handler{
		engine:  engine,
		guard:   guard,
		signer:  signer,
		index:   index,
		results: results,
		logger:  logger.With("component", "pipeline"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle implements queue.Handler. Safety violations, revoked signers and
// permanent engine errors are terminal; everything else may be retried.
func (h *Handler) Handle(ctx context.Context, job *domain.Job) (*domain.ScanResult, error) {
	revoked, err := h.index.IsRevoked(ctx, h.signer.ExecutorID())
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, queue.Permanent(fmt.Errorf("executor %s: %w", h.signer.ExecutorID(), attest.ErrRevoked))
	}

	started := h.now()
	report, err := safety.Execute(ctx, h.guard, job.ClientID, job.URL,
		func(ctx context.Context) (*scanner.Report, error) {
			return h.engine.Scan(ctx, job.URL, h.options)
		})
	if err != nil {
		if errors.Is(err, scanner.ErrPermanent) {
			return nil, queue.Permanent(err)
		}
		return nil, err
	}

	completed := h.now()
	result := &domain.ScanResult{
		JobID:       job.ID,
		URL:         job.URL,
		Violations:  report.Violations,
		Score:       report.Score,
		DurationMs:  completed.Sub(started).Milliseconds(),
		CompletedAt: completed.UTC().Truncate(time.Microsecond),
	}
	if result.Violations == nil {
		result.Violations = []domain.Violation{}
	}

	att, err := h.signer.Sign(result)
	if err != nil {
		return nil, fmt.Errorf("failed to sign result: %w", err)
	}

	if err := h.results.Save(ctx, result, att); err != nil {
		if !store.IsDuplicateError(err) {
			return nil, fmt.Errorf("failed to persist result: %w", err)
		}
		// An earlier attempt already persisted this job; keep its result.
		stored, getErr := h.results.Get(ctx, job.ID)
		if getErr != nil {
			return nil, fmt.Errorf("failed to load persisted result: %w", getErr)
		}
		result, att = stored.Result, stored.Attestation
	}

	if err := h.index.Record(ctx, att); err != nil {
		return nil, err
	}

	h.logger.DebugContext(ctx, "result persisted",
		"job_id", job.ID,
		"executor_id", att.ExecutorID,
		"key_version", att.KeyVersion,
		"result_hash", att.ResultHash)
	return result, nil
}

// Ensure Handler implements queue.Handler
var _ queue.Handler = (*Handler)(nil)
