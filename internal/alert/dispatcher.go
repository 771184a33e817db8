package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/scanrelay/internal/redact"
	"github.com/phrazzld/scanrelay/internal/reqctx"
)

// Dispatcher fans alerts out to every notifier in the background.
type Dispatcher struct {
	notifiers []Notifier
	timeout   time.Duration
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. Each delivery is bounded by timeout.
func NewDispatcher(timeout time.Duration, logger *slog.Logger, notifiers ...Notifier) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		notifiers: notifiers,
		timeout:   timeout,
		logger:    logger.With("component", "alert_dispatcher"),
	}
}

// Raise stamps the alert with the request id and time, then delivers it
// without blocking. Delivery errors are logged and dropped.
func (d *Dispatcher) Raise(ctx context.Context, a Alert) {
	if a.RequestID == "" {
		a.RequestID = reqctx.RequestID(ctx)
	}
	if a.RaisedAt.IsZero() {
		a.RaisedAt = time.Now().UTC()
	}

	// Deliveries outlive the caller's request.
	base := context.WithoutCancel(ctx)
	for _, n := range d.notifiers {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(base, n, a)
		}()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notifier, a Alert) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			d.logger.ErrorContext(ctx, "alert notifier panicked", "panic", p, "alert_type", a.Type)
		}
	}()

	if err := n.Notify(ctx, a); err != nil {
		d.logger.WarnContext(ctx, "alert delivery failed",
			"error", redact.Error(err),
			"alert_type", a.Type)
	}
}

// Wait blocks until every delivery started so far has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Ensure Dispatcher implements Raiser
var _ Raiser = (*Dispatcher)(nil)
