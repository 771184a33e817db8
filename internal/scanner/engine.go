package scanner

import (
	"context"
	"errors"
	"time"

	"github.com/phrazzld/scanrelay/internal/domain"
)

// ErrPermanent marks engine failures that will not succeed on retry.
var ErrPermanent = errors.New("permanent scan failure")

// Options tunes a single scan.
type Options struct {
	// Standard is the rule set to evaluate, e.g. "wcag2aa".
	Standard string `json:"standard,omitempty"`

	// Timeout is forwarded to the engine as a page-load budget.
	Timeout time.Duration `json:"-"`
}

// Report is the raw engine output for one URL.
type Report struct {
	URL        string             `json:"url"`
	Violations []domain.Violation `json:"violations"`
	Score      float64            `json:"score"`
}

// Engine scans a single URL. Implementations must return promptly once ctx
// is cancelled.
type Engine interface {
	Scan(ctx context.Context, url string, opts Options) (*Report, error)
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, url string, opts Options) (*Report, error)

// Scan calls f(ctx, url, opts).
func (f EngineFunc) Scan(ctx context.Context, url string, opts Options) (*Report, error) {
	return f(ctx, url, opts)
}

// Permanent wraps err so that it matches ErrPermanent.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() []error { return []error{e.err, ErrPermanent} }
