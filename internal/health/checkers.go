package health

import (
	"context"
	"fmt"
	"time"

	"github.com/phrazzld/scanrelay/internal/config"
	"github.com/phrazzld/scanrelay/internal/queue"
	"github.com/phrazzld/scanrelay/internal/redact"
	"github.com/phrazzld/scanrelay/internal/safety"
	"github.com/shirou/gopsutil/v4/mem"
)

// slowPing is the datastore latency above which the datastore is degraded.
const slowPing = time.Second

// Checker checks one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) ComponentHealth
}

// QueueStats is the part of the job queue the queue checker reads.
type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// QueueChecker reports the queue critical when too many jobs are dead-lettered
// and degraded when the backlog grows.
type QueueChecker struct {
	queue QueueStats
	cfg   config.HealthConfig
}

// NewQueueChecker creates a QueueChecker.
func NewQueueChecker(q QueueStats, cfg config.HealthConfig) *QueueChecker {
	return &QueueChecker{queue: q, cfg: cfg}
}

// Name implements Checker.
func (p *QueueChecker) Name() string { return ComponentQueue }

// Check implements Checker.
func (p *QueueChecker) Check(ctx context.Context) ComponentHealth {
	stats, err := p.queue.Stats(ctx)
	if err != nil {
		return ComponentHealth{Status: StatusCritical, Message: "queue stats unavailable: " + redact.Error(err)}
	}

	details := map[string]any{
		"waiting":   stats.Waiting,
		"active":    stats.Active,
		"completed": stats.Completed,
		"failed":    stats.Failed,
		"retrying":  stats.Retrying,
	}
	switch {
	case stats.Failed > p.cfg.QueueFailedCritical:
		return ComponentHealth{
			Status:  StatusCritical,
			Message: fmt.Sprintf("%d failed jobs exceeds %d", stats.Failed, p.cfg.QueueFailedCritical),
			Details: details,
		}
	case stats.Waiting > p.cfg.QueueBacklogWarning:
		return ComponentHealth{
			Status:  StatusWarning,
			Message: fmt.Sprintf("%d waiting jobs exceeds %d", stats.Waiting, p.cfg.QueueBacklogWarning),
			Details: details,
		}
	}
	return ComponentHealth{Status: StatusHealthy, Details: details}
}

// Pool is the executor pool as seen by the health monitor.
type Pool interface {
	Running() bool
}

// ExecutorPoolChecker watches the worker pool and the memory it consumes.
type ExecutorPoolChecker struct {
	pool      Pool
	memory    safety.MemoryReader
	ceilingMB int
}

// NewExecutorPoolChecker creates an ExecutorPoolChecker.
func NewExecutorPoolChecker(pool Pool, memory safety.MemoryReader, ceilingMB int) *ExecutorPoolChecker {
	return &ExecutorPoolChecker{pool: pool, memory: memory, ceilingMB: ceilingMB}
}

// Name implements Checker.
func (p *ExecutorPoolChecker) Name() string { return ComponentExecutorPool }

// Check implements Checker.
func (p *ExecutorPoolChecker) Check(ctx context.Context) ComponentHealth {
	details := map[string]any{"ceiling_mb": p.ceilingMB}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		details["system_used_percent"] = vm.UsedPercent
	}

	if !p.pool.Running() {
		return ComponentHealth{Status: StatusCritical, Message: "executor pool is not running", Details: details}
	}
	if p.memory == nil {
		return ComponentHealth{Status: StatusHealthy, Details: details}
	}

	used, err := p.memory(ctx)
	if err != nil {
		return ComponentHealth{Status: StatusWarning, Message: "memory usage unavailable", Details: details}
	}
	usedMB := float64(used) / (1 << 20)
	details["memory_mb"] = usedMB

	ceiling := float64(p.ceilingMB)
	switch {
	case usedMB >= ceiling:
		return ComponentHealth{
			Status:  StatusCritical,
			Message: fmt.Sprintf("memory %.0fMB at or above ceiling %dMB", usedMB, p.ceilingMB),
			Details: details,
		}
	case usedMB >= 0.8*ceiling:
		return ComponentHealth{
			Status:  StatusWarning,
			Message: fmt.Sprintf("memory %.0fMB above 80%% of ceiling %dMB", usedMB, p.ceilingMB),
			Details: details,
		}
	}
	return ComponentHealth{Status: StatusHealthy, Details: details}
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DatastoreChecker pings the database. A nil Pinger means the stores are in
// memory and always healthy.
type DatastoreChecker struct {
	db Pinger
}

// NewDatastoreChecker creates a DatastoreChecker.
func NewDatastoreChecker(db Pinger) *DatastoreChecker {
	return &DatastoreChecker{db: db}
}

// Name implements Checker.
func (p *DatastoreChecker) Name() string { return ComponentDatastore }

// Check implements Checker.
func (p *DatastoreChecker) Check(ctx context.Context) ComponentHealth {
	if p.db == nil {
		return ComponentHealth{Status: StatusHealthy, Message: "in-memory stores"}
	}

	start := time.Now()
	err := p.db.PingContext(ctx)
	latency := time.Since(start)
	details := map[string]any{"latency_ms": latency.Milliseconds()}
	switch {
	case err != nil:
		return ComponentHealth{Status: StatusCritical, Message: "ping failed: " + redact.Error(err), Details: details}
	case latency > slowPing:
		return ComponentHealth{Status: StatusWarning, Message: "slow ping", Details: details}
	}
	return ComponentHealth{Status: StatusHealthy, Details: details}
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc struct {
	CheckerName string
	Fn          func(ctx context.Context) ComponentHealth
}

// Name implements Checker.
func (p CheckerFunc) Name() string { return p.CheckerName }

// Check implements Checker.
func (p CheckerFunc) Check(ctx context.Context) ComponentHealth { return p.Fn(ctx) }
