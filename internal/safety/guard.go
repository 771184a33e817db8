package safety

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/scanrelay/internal/config"
)

// Guard enforces the safety limits around a single execution.
type Guard struct {
	limiter     RateLimiter
	timeout     time.Duration
	memLimit    uint64
	sampleEvery time.Duration
	readMemory  MemoryReader
	logger      *slog.Logger
}

// Option customizes a Guard.
type Option func(*Guard)

// WithMemoryReader replaces the process RSS reader.
func WithMemoryReader(r MemoryReader) Option {
	return func(g *Guard) { g.readMemory = r }
}

// NewGuard creates a Guard from the safety settings. A nil limiter admits
// every execution.
func NewGuard(cfg config.SafetyConfig, limiter RateLimiter, logger *slog.Logger, opts ...Option) *Guard {
	g := &Guard{
		limiter:     limiter,
		timeout:     cfg.Timeout,
		memLimit:    uint64(cfg.MemoryLimitMB) << 20,
		sampleEvery: cfg.MemorySampleEvery,
		logger:      logger.With("component", "safety_guard"),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.readMemory == nil {
		reader, err := ProcessRSS()
		if err != nil {
			g.logger.Warn("memory sampling disabled", "error", err)
		}
		g.readMemory = reader
	}
	return g
}

// Execute runs fn for clientID against rawURL under every limit, in order:
// URL safety, rate admission, then fn itself bounded by the timeout and the
// memory ceiling. When a limit trips during fn, the execution context is
// cancelled with the Violation as its cause and whatever fn returns is
// discarded.
func Execute[T any](
	ctx context.Context,
	g *Guard,
	clientID, rawURL string,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	var zero T

	if err := ValidateURL(rawURL); err != nil {
		g.reject(ctx, clientID, err)
		return zero, err
	}
	if err := g.admit(ctx, clientID); err != nil {
		g.reject(ctx, clientID, err)
		return zero, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	timer := time.AfterFunc(g.timeout, func() {
		cancel(NewViolation(CodeTimeout, "execution exceeded %s", g.timeout))
	})
	defer timer.Stop()

	stopSampler := g.sample(runCtx, cancel)
	defer stopSampler()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("guarded execution panicked: %v", p)}
			}
		}()
		v, err := fn(runCtx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if v, ok := violationCause(runCtx); ok {
			g.reject(ctx, clientID, v)
			return zero, v
		}
		return out.value, out.err
	case <-runCtx.Done():
		if v, ok := violationCause(runCtx); ok {
			g.reject(ctx, clientID, v)
			return zero, v
		}
		return zero, context.Cause(runCtx)
	}
}

func (g *Guard) admit(ctx context.Context, clientID string) error {
	if g.limiter == nil {
		return nil
	}
	allowed, err := g.limiter.Allow(ctx, clientID)
	if err != nil {
		return fmt.Errorf("rate limiter unavailable: %w", err)
	}
	if !allowed {
		return NewViolation(CodeRateLimit, "client %s exceeded its rate window", clientID)
	}
	return nil
}

// sample watches memory until the returned stop function is called or the
// ceiling is reached, in which case it cancels the execution.
func (g *Guard) sample(ctx context.Context, cancel context.CancelCauseFunc) (stop func()) {
	if g.readMemory == nil || g.memLimit == 0 || g.sampleEvery <= 0 {
		return func() {}
	}

	sctx, scancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(g.sampleEvery)
		defer ticker.Stop()
		for {
			select {
			case <-sctx.Done():
				return
			case <-ticker.C:
				used, err := g.readMemory(sctx)
				if err != nil {
					g.logger.DebugContext(sctx, "memory sample failed", "error", err)
					continue
				}
				if used >= g.memLimit {
					cancel(NewViolation(CodeMemoryLimit, "memory usage %d MB reached ceiling %d MB",
						used>>20, g.memLimit>>20))
					return
				}
			}
		}
	}()
	return func() {
		scancel()
		wg.Wait()
	}
}

func (g *Guard) reject(ctx context.Context, clientID string, err error) {
	v, ok := AsViolation(err)
	if !ok {
		g.logger.ErrorContext(ctx, "guarded execution refused", "error", err, "client_id", clientID)
		return
	}
	g.logger.WarnContext(ctx, "safety violation",
		"code", v.Code,
		"message", v.Message,
		"client_id", clientID)
}

func violationCause(ctx context.Context) (*Violation, bool) {
	if ctx.Err() == nil {
		return nil, false
	}
	return AsViolation(context.Cause(ctx))
}
