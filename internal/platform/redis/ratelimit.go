package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/phrazzld/scanrelay/internal/safety"
)

// DefaultKeyPrefix namespaces rate window keys.
const DefaultKeyPrefix = "scanrelay:rate:"

// allowScript increments the window counter unless it already reached the
// limit. The expiry is set when the window is first touched.
var allowScript = goredis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[1]) then
	return 0
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 1
`)

// RateLimiter implements safety.RateLimiter with one Redis key per client
// and fixed window.
type RateLimiter struct {
	client goredis.Scripter
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) RateLimiterOption {
	return func(l *RateLimiter) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// WithClock sets the time source used to align windows.
func WithClock(now func() time.Time) RateLimiterOption {
	return func(l *RateLimiter) { l.now = now }
}

// NewRateLimiter creates a limiter admitting limit executions per client in
// every window.
func NewRateLimiter(client goredis.Scripter, limit int, window time.Duration, opts ...RateLimiterOption) *RateLimiter {
	l := &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: DefaultKeyPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the Redis key holding clientID's counter for the window
// containing t.
func (l *RateLimiter) Key(clientID string, t time.Time) string {
	start := safety.WindowStart(t, l.window)
	return l.prefix + clientID + ":" + strconv.FormatInt(start.Unix(), 10)
}

// Allow implements safety.RateLimiter.
func (l *RateLimiter) Allow(ctx context.Context, clientID string) (bool, error) {
	now := l.now()
	start := safety.WindowStart(now, l.window)
	// Keep the key a little past the window end so clock skew between
	// processes cannot reopen it early.
	ttl := start.Add(l.window).Sub(now) + time.Second

	allowed, err := allowScript.Run(ctx, l.client,
		[]string{l.Key(clientID, now)}, l.limit, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check for %s: %w", clientID, err)
	}
	return allowed == 1, nil
}

// Ensure RateLimiter implements safety.RateLimiter
var _ safety.RateLimiter = (*RateLimiter)(nil)
