// Package events provides the job lifecycle event channel. The queue publishes
// a JobEvent for every state transition and consumers (dead-letter capture,
// metrics, logging) subscribe per event type. Each type has a single consumer
// loop so delivery order is preserved per job.
package events
