package domain

import (
	"time"

	"github.com/google/uuid"
)

// Attestation binds a persisted ScanResult to the execution unit that produced it.
// There is exactly one attestation per persisted result and it is never modified.
type Attestation struct {
	JobID      uuid.UUID `json:"job_id"`
	ExecutorID string    `json:"executor_id"`
	ResultHash string    `json:"result_hash"`
	Signature  string    `json:"signature"`
	SignedAt   time.Time `json:"signed_at"`
	KeyVersion int       `json:"key_version"`
}

// ExecutorKey is the audit record of a public key registered for an executor.
// Every key version ever registered is kept so old signatures stay verifiable.
type ExecutorKey struct {
	ExecutorID   string    `json:"executor_id"`
	KeyVersion   int       `json:"key_version"`
	PublicKey    []byte    `json:"public_key"`
	RegisteredAt time.Time `json:"registered_at"`
}

// RevocationRecord marks every attestation by ExecutorID as invalid.
// It is created only by an administrative action and is never deleted.
type RevocationRecord struct {
	ExecutorID string    `json:"executor_id"`
	RevokedAt  time.Time `json:"revoked_at"`
	Reason     string    `json:"reason"`
}
