// Package reqctx carries a request's correlation id and caller metadata
// through everything that runs underneath that request, including the hop
// from synchronous request handling into asynchronous job execution.
//
// Within a process the context rides on context.Context. Across the queue
// boundary it is serialized into a string map stored on the job and restored
// by the worker before the scan engine is invoked.
package reqctx

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"
)

// HeaderRequestID is the inbound header consulted for an existing correlation id.
const HeaderRequestID = "X-Request-ID"

// Carrier keys used when a Context is serialized onto a job.
const (
	KeyRequestID = "request_id"
	KeyUserID    = "user_id"
	KeyTenantID  = "tenant_id"
	KeyRoute     = "route"
)

type contextKey struct{}

// Context is the lightweight caller metadata propagated with a request.
type Context struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
	Route     string `json:"route,omitempty"`
}

// Carrier is the serialized form of a Context plus W3C trace headers.
type Carrier map[string]string

// propagator serializes the active span context next to our own fields so a
// trace continues in whichever process picks up the job.
var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// New creates a Context for an inbound request. An empty requestID is
// replaced with a freshly generated one.
func New(requestID string) Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return Context{RequestID: requestID}
}

// WithContext returns a child of ctx carrying rc.
func WithContext(ctx context.Context, rc Context) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext returns the Context attached to ctx, if any.
func FromContext(ctx context.Context) (Context, bool) {
	if ctx == nil {
		return Context{}, false
	}
	rc, ok := ctx.Value(contextKey{}).(Context)
	return rc, ok
}

// RequestID is a shorthand for the correlation id on ctx, or "".
func RequestID(ctx context.Context) string {
	rc, _ := FromContext(ctx)
	return rc.RequestID
}

// Run invokes fn with rc attached to ctx.
func Run(ctx context.Context, rc Context, fn func(ctx context.Context) error) error {
	return fn(WithContext(ctx, rc))
}

// Update merges the non-empty fields of partial into the current Context.
// If ctx has no Context yet, partial becomes the Context (with a generated
// request id when partial has none).
func Update(ctx context.Context, partial Context) context.Context {
	rc, ok := FromContext(ctx)
	if !ok {
		rc = New(partial.RequestID)
	}
	if partial.RequestID != "" {
		rc.RequestID = partial.RequestID
	}
	if partial.UserID != "" {
		rc.UserID = partial.UserID
	}
	if partial.TenantID != "" {
		rc.TenantID = partial.TenantID
	}
	if partial.Route != "" {
		rc.Route = partial.Route
	}
	return WithContext(ctx, rc)
}

// Inject serializes the Context and trace state found on ctx.
// It returns nil when ctx carries neither.
func Inject(ctx context.Context) Carrier {
	c := Carrier{}
	if rc, ok := FromContext(ctx); ok {
		setIf(c, KeyRequestID, rc.RequestID)
		setIf(c, KeyUserID, rc.UserID)
		setIf(c, KeyTenantID, rc.TenantID)
		setIf(c, KeyRoute, rc.Route)
	}
	propagator.Inject(ctx, propagation.MapCarrier(c))
	if len(c) == 0 {
		return nil
	}
	return c
}

// Extract restores a Context and trace state previously produced by Inject.
// A carrier without a request id yields a fresh one so downstream logs are
// never uncorrelated.
func Extract(ctx context.Context, c Carrier) context.Context {
	rc := New(c[KeyRequestID])
	rc.UserID = c[KeyUserID]
	rc.TenantID = c[KeyTenantID]
	rc.Route = c[KeyRoute]
	if len(c) > 0 {
		ctx = propagator.Extract(ctx, propagation.MapCarrier(c))
	}
	return WithContext(ctx, rc)
}

func setIf(c Carrier, key, value string) {
	if value != "" {
		c[key] = value
	}
}
