package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/phrazzld/scanrelay/internal/attest"
	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/store"
)

// Registry implements attest.Registry. Keys, the attestation index and
// revocations are append-only.
type Registry struct {
	db store.DBTX
}

// NewRegistry creates a Registry.
func NewRegistry(db store.DBTX) *Registry {
	return &Registry{db: db}
}

// RegisterKey implements attest.Registry.
func (r *Registry) RegisterKey(ctx context.Context, key domain.ExecutorKey) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO executor_keys (executor_id, key_version, public_key, registered_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (executor_id, key_version) DO NOTHING`,
		key.ExecutorID, key.KeyVersion, key.PublicKey, key.RegisteredAt,
	)
	if err != nil {
		return MapError(err)
	}

	existing, err := r.Key(ctx, key.ExecutorID, key.KeyVersion)
	if err != nil {
		return err
	}
	if !bytes.Equal(existing.PublicKey, key.PublicKey) {
		return attest.ErrKeyConflict
	}
	return nil
}

// Key implements attest.Registry.
func (r *Registry) Key(ctx context.Context, executorID string, version int) (*domain.ExecutorKey, error) {
	var key domain.ExecutorKey
	err := r.db.QueryRowContext(ctx, `
		SELECT executor_id, key_version, public_key, registered_at
		FROM executor_keys WHERE executor_id = $1 AND key_version = $2`,
		executorID, version,
	).Scan(&key.ExecutorID, &key.KeyVersion, &key.PublicKey, &key.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrExecutorNotFound
	}
	if err != nil {
		return nil, MapError(err)
	}
	key.RegisteredAt = key.RegisteredAt.UTC()
	return &key, nil
}

// RecordAttestation implements attest.Registry.
func (r *Registry) RecordAttestation(ctx context.Context, att domain.Attestation) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attestation_index (job_id, executor_id) VALUES ($1, $2)
		ON CONFLICT (job_id) DO NOTHING`,
		att.JobID, att.ExecutorID,
	)
	return MapError(err)
}

// ResultIDs implements attest.Registry.
func (r *Registry) ResultIDs(ctx context.Context, executorID string) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT job_id FROM attestation_index WHERE executor_id = $1 ORDER BY job_id`, executorID)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Revoke implements attest.Registry.
func (r *Registry) Revoke(ctx context.Context, rec domain.RevocationRecord) (*domain.RevocationRecord, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO executor_revocations (executor_id, revoked_at, reason) VALUES ($1, $2, $3)
		ON CONFLICT (executor_id) DO NOTHING`,
		rec.ExecutorID, rec.RevokedAt, rec.Reason,
	)
	if err != nil {
		return nil, MapError(err)
	}
	return r.Revocation(ctx, rec.ExecutorID)
}

// Revocation implements attest.Registry.
func (r *Registry) Revocation(ctx context.Context, executorID string) (*domain.RevocationRecord, error) {
	var rec domain.RevocationRecord
	err := r.db.QueryRowContext(ctx, `
		SELECT executor_id, revoked_at, reason FROM executor_revocations WHERE executor_id = $1`,
		executorID,
	).Scan(&rec.ExecutorID, &rec.RevokedAt, &rec.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, MapError(err)
	}
	rec.RevokedAt = rec.RevokedAt.UTC()
	return &rec, nil
}

// Ensure Registry implements attest.Registry
var _ attest.Registry = (*Registry)(nil)
