// Package safety wraps every scan execution in a guard that enforces URL
// safety, a per-client rate window, a wall-clock timeout and a process
// memory ceiling. A tripped limit is reported as a *Violation, which the
// queue treats as terminal. The guard itself never retries.
package safety
