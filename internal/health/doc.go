// Package health checks the queue, the executor pool and the datastore,
// derives throughput metrics from persisted results and dead-lettered jobs,
// and attempts one bounded recovery for critical components that support it.
package health
