// Package alert raises operational alerts. Delivery is advisory: a failing
// notifier is logged and never slows down or fails the caller.
package alert

import (
	"context"
	"time"
)

// Severity ranks an alert.
type Severity string

// Severities, from least to most urgent
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Alert types raised by the service
const (
	TypeHighFailureRate     = "high_failure_rate"
	TypeConsecutiveFailures = "consecutive_failures"
	TypeComponentCritical   = "component_critical"
	TypeRecoveryFailed      = "recovery_failed"
)

// Alert is a single notification.
type Alert struct {
	Type      string         `json:"type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	RaisedAt  time.Time      `json:"raised_at"`
}

// Notifier delivers alerts to one destination.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Raiser is what components depend on to raise alerts.
type Raiser interface {
	Raise(ctx context.Context, a Alert)
}
