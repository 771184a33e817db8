package mocks

import (
	"context"
	"sync"

	"github.com/phrazzld/scanrelay/internal/scanner"
)

// MockEngine implements scanner.Engine.
type MockEngine struct {
	// ScanFn is called by Scan; when nil Scan returns an empty report.
	ScanFn func(ctx context.Context, url string, opts scanner.Options) (*scanner.Report, error)

	mu    sync.Mutex
	calls []string
}

// Scan implements scanner.Engine.
func (m *MockEngine) Scan(ctx context.Context, url string, opts scanner.Options) (*scanner.Report, error) {
	m.mu.Lock()
	m.calls = append(m.calls, url)
	m.mu.Unlock()

	if m.ScanFn != nil {
		return m.ScanFn(ctx, url, opts)
	}
	return &scanner.Report{URL: url, Score: 100}, nil
}

// Calls returns the URLs scanned so far.
func (m *MockEngine) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Ensure MockEngine implements scanner.Engine
var _ scanner.Engine = (*MockEngine)(nil)
