package attest

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/store"
)

// Registry persists executor keys, the attestation index and revocations.
type Registry interface {
	// RegisterKey stores key. Registering the same key twice is a no-op;
	// a different key for an existing (executor, version) is ErrKeyConflict.
	RegisterKey(ctx context.Context, key domain.ExecutorKey) error

	// Key returns the key registered for (executorID, version), or
	// store.ErrExecutorNotFound.
	Key(ctx context.Context, executorID string, version int) (*domain.ExecutorKey, error)

	// RecordAttestation indexes att under its executor. It is idempotent per job.
	RecordAttestation(ctx context.Context, att domain.Attestation) error

	// ResultIDs lists the job ids of every result signed by executorID.
	ResultIDs(ctx context.Context, executorID string) ([]uuid.UUID, error)

	// Revoke stores rec unless the executor is already revoked; the stored
	// record is returned either way.
	Revoke(ctx context.Context, rec domain.RevocationRecord) (*domain.RevocationRecord, error)

	// Revocation returns the revocation of executorID, or nil.
	Revocation(ctx context.Context, executorID string) (*domain.RevocationRecord, error)
}

type keyID struct {
	executor string
	version  int
}

// MemoryRegistry is a Registry held in process memory.
type MemoryRegistry struct {
	mu          sync.RWMutex
	keys        map[keyID]domain.ExecutorKey
	results     map[string]map[uuid.UUID]struct{}
	revocations map[string]domain.RevocationRecord
}

// NewMemoryRegistry creates an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		keys:        make(map[keyID]domain.ExecutorKey),
		results:     make(map[string]map[uuid.UUID]struct{}),
		revocations: make(map[string]domain.RevocationRecord),
	}
}

// RegisterKey implements Registry.
func (r *MemoryRegistry) RegisterKey(_ context.Context, key domain.ExecutorKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := keyID{key.ExecutorID, key.KeyVersion}
	if existing, ok := r.keys[id]; ok {
		if !bytes.Equal(existing.PublicKey, key.PublicKey) {
			return ErrKeyConflict
		}
		return nil
	}
	key.PublicKey = append([]byte(nil), key.PublicKey...)
	r.keys[id] = key
	return nil
}

// Key implements Registry.
func (r *MemoryRegistry) Key(_ context.Context, executorID string, version int) (*domain.ExecutorKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.keys[keyID{executorID, version}]
	if !ok {
		return nil, store.ErrExecutorNotFound
	}
	return &key, nil
}

// RecordAttestation implements Registry.
func (r *MemoryRegistry) RecordAttestation(_ context.Context, att domain.Attestation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.results[att.ExecutorID]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		r.results[att.ExecutorID] = set
	}
	set[att.JobID] = struct{}{}
	return nil
}

// ResultIDs implements Registry.
func (r *MemoryRegistry) ResultIDs(_ context.Context, executorID string) ([]uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(r.results[executorID]))
	for id := range r.results[executorID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// Revoke implements Registry.
func (r *MemoryRegistry) Revoke(_ context.Context, rec domain.RevocationRecord) (*domain.RevocationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.revocations[rec.ExecutorID]; ok {
		return &existing, nil
	}
	r.revocations[rec.ExecutorID] = rec
	return &rec, nil
}

// Revocation implements Registry.
func (r *MemoryRegistry) Revocation(_ context.Context, executorID string) (*domain.RevocationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rec, ok := r.revocations[executorID]; ok {
		return &rec, nil
	}
	return nil, nil
}

// Ensure MemoryRegistry implements Registry
var _ Registry = (*MemoryRegistry)(nil)
