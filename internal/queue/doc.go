// Package queue implements the persistent, lane-partitioned scan job queue.
//
// Each lane (high, low) has its own bounded pool of workers. A worker claims
// the next due job from the Store, which atomically moves it to active,
// counts the attempt and grants a time-limited lease to that worker. While the
// Handler runs, the lease is renewed in the background; when it returns, the
// job completes, is scheduled for retry with exponential backoff, or is
// dead-lettered once its attempt budget is spent or the failure is terminal.
//
// A maintenance loop promotes due retries back to waiting and reclaims jobs
// whose lease expired (crashed or stalled workers). Every transition is
// published as an events.JobEvent so that consumers such as the dead-letter
// store react without the queue knowing about them.
package queue
