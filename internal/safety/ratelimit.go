package safety

import (
	"context"
	"sync"
	"time"
)

// RateLimiter admits or rejects one execution for a client. Allow must check
// and increment the client's window atomically with respect to every other
// caller sharing the limiter.
type RateLimiter interface {
	Allow(ctx context.Context, clientID string) (bool, error)
}

// RateWindow is the per-client counter of a fixed window.
type RateWindow struct {
	ClientID    string
	WindowStart time.Time
	Count       int
}

// WindowStart aligns t to the start of its fixed window.
func WindowStart(t time.Time, window time.Duration) time.Time {
	return t.Truncate(window)
}

// MemoryRateLimiter keeps fixed rate windows in process memory. One mutex
// serializes every check-and-increment, so concurrent workers share a single
// counter per client.
type MemoryRateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	windows   map[string]*RateWindow
	lastPrune time.Time
}

// NewMemoryRateLimiter creates a limiter admitting limit executions per
// client in every window.
func NewMemoryRateLimiter(limit int, window time.Duration) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: make(map[string]*RateWindow),
	}
}

// Allow implements RateLimiter.
func (l *MemoryRateLimiter) Allow(_ context.Context, clientID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := WindowStart(l.now(), l.window)
	w, ok := l.windows[clientID]
	if !ok || !w.WindowStart.Equal(start) {
		l.prune(start)
		w = &RateWindow{ClientID: clientID, WindowStart: start}
		l.windows[clientID] = w
	}
	if w.Count >= l.limit {
		return false, nil
	}
	w.Count++
	return true, nil
}

// Window returns the client's current window.
func (l *MemoryRateLimiter) Window(clientID string) RateWindow {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := WindowStart(l.now(), l.window)
	if w, ok := l.windows[clientID]; ok && w.WindowStart.Equal(start) {
		return *w
	}
	return RateWindow{ClientID: clientID, WindowStart: start}
}

// prune drops windows that ended before current, at most once per window.
func (l *MemoryRateLimiter) prune(current time.Time) {
	if !current.After(l.lastPrune) {
		return
	}
	for id, w := range l.windows {
		if w.WindowStart.Before(current) {
			delete(l.windows, id)
		}
	}
	l.lastPrune = current
}

// Ensure MemoryRateLimiter implements RateLimiter
var _ RateLimiter = (*MemoryRateLimiter)(nil)
