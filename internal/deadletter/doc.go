// Package deadletter keeps the terminal failures of scan jobs so operators
// can inspect and replay them. Records are keyed by job id; capturing the
// same job twice updates its record instead of adding a second one. Every
// capture also evaluates the failure-rate and failure-streak alert
// thresholds.
package deadletter
