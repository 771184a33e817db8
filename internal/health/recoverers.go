package health

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Recoverer tries to bring a critical component back.
type Recoverer func(ctx context.Context) error

// Restartable is a worker pool that can be restarted in place.
type Restartable interface {
	Restart() error
}

// RestartPool returns a Recoverer that restarts the executor pool.
func RestartPool(pool Restartable) Recoverer {
	return func(context.Context) error {
		return pool.Restart()
	}
}

// ReconnectPolicy bounds datastore reconnection.
type ReconnectPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// DefaultReconnectPolicy retries five times starting at 500ms.
var DefaultReconnectPolicy = ReconnectPolicy{
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	MaxRetries:      5,
}

// Reconnect returns a Recoverer that pings db with exponential backoff until
// it answers or the policy is exhausted. database/sql re-dials broken
// connections on demand, so a successful ping means the pool is usable again.
func Reconnect(db Pinger, policy ReconnectPolicy) Recoverer {
	return func(ctx context.Context) error {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = policy.InitialInterval
		b.MaxInterval = policy.MaxInterval
		b.MaxElapsedTime = 0

		attempts := 0
		err := backoff.Retry(func() error {
			attempts++
			return db.PingContext(ctx)
		}, backoff.WithContext(backoff.WithMaxRetries(b, policy.MaxRetries), ctx))
		if err != nil {
			return fmt.Errorf("datastore still unreachable after %d attempts: %w", attempts, err)
		}
		return nil
	}
}
