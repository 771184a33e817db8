// Package domain contains the core entities of the scan orchestration layer:
// jobs and their state machine, scan results, attestations, revocations and
// dead-lettered job records. It has no knowledge of storage or transport.
package domain
