package mocks

import (
	"context"
	"sync"

	"github.com/phrazzld/scanrelay/internal/alert"
)

// MockNotifier implements alert.Notifier and records every alert it receives.
type MockNotifier struct {
	// NotifyFn overrides the default behavior of returning Err
	NotifyFn func(ctx context.Context, a alert.Alert) error

	// Err is returned by Notify when NotifyFn is nil
	Err error

	mu     sync.Mutex
	alerts []alert.Alert
}

// Notify implements alert.Notifier.
func (m *MockNotifier) Notify(ctx context.Context, a alert.Alert) error {
	m.mu.Lock()
	m.alerts = append(m.alerts, a)
	m.mu.Unlock()

	if m.NotifyFn != nil {
		return m.NotifyFn(ctx, a)
	}
	return m.Err
}

// Alerts returns a copy of the alerts received so far.
func (m *MockNotifier) Alerts() []alert.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]alert.Alert(nil), m.alerts...)
}

// OfType returns the received alerts with the given type.
func (m *MockNotifier) OfType(alertType string) []alert.Alert {
	var out []alert.Alert
	for _, a := range m.Alerts() {
		if a.Type == alertType {
			out = append(out, a)
		}
	}
	return out
}

// Raiser adapts the notifier into a synchronous alert.Raiser, so tests can
// assert on alerts without waiting for background delivery.
func (m *MockNotifier) Raiser() alert.Raiser {
	return syncRaiser{n: m}
}

type syncRaiser struct {
	n alert.Notifier
}

func (r syncRaiser) Raise(ctx context.Context, a alert.Alert) {
	_ = r.n.Notify(ctx, a)
}
