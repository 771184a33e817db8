// Package pipeline is the work a queue worker performs for one scan job:
// safety-guarded engine call, signing, and persistence of the result with its
// attestation. It also hosts the event consumers that react to finished jobs.
package pipeline
