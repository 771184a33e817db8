package health

import "time"

// Status is the health of a component or of the whole service.
type Status string

// Statuses, from best to worst
const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusWarning:
		return 1
	default:
		return 2
	}
}

// Worse returns the worse of s and other.
func (s Status) Worse(other Status) Status {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

// Component names
const (
	ComponentQueue        = "queue"
	ComponentExecutorPool = "executor_pool"
	ComponentDatastore    = "datastore"
)

// ComponentHealth is the outcome of one checker.
type ComponentHealth struct {
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Metrics summarizes recent throughput.
type Metrics struct {
	SuccessRate       float64 `json:"success_rate"`
	AverageDurationMs float64 `json:"average_duration_ms"`
	MemoryUsageMB     float64 `json:"memory_usage_mb"`
}

// Report is the result of a full health check.
type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Metrics    Metrics                    `json:"metrics"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// Critical lists the names of critical components.
func (r Report) Critical() []string {
	var names []string
	for name, c := range r.Components {
		if c.Status == StatusCritical {
			names = append(names, name)
		}
	}
	return names
}

// RecoveryOutcome describes what AutoRecover did for one component.
type RecoveryOutcome struct {
	Component string `json:"component"`
	Attempted bool   `json:"attempted"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Note      string `json:"note,omitempty"`
}
