package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/pipeline"
	"github.com/phrazzld/scanrelay/internal/store"
)

// ResultStore implements pipeline.ResultStore. A result and its attestation
// are written in one transaction.
type ResultStore struct {
	db store.DBTX
}

// NewResultStore creates a ResultStore. When db is a *sql.DB each Save runs
// in its own transaction; a *sql.Tx is used as is.
func NewResultStore(db store.DBTX) *ResultStore {
	return &ResultStore{db: db}
}

func (s *ResultStore) inTx(ctx context.Context, fn func(db store.DBTX) error) error {
	if db, ok := s.db.(*sql.DB); ok {
		return store.RunInTransaction(ctx, db, func(_ context.Context, tx *sql.Tx) error {
			return fn(tx)
		})
	}
	return fn(s.db)
}

// Save implements pipeline.ResultStore.
func (s *ResultStore) Save(ctx context.Context, result *domain.ScanResult, att domain.Attestation) error {
	if err := result.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	violations, err := json.Marshal(result.Violations)
	if err != nil {
		return fmt.Errorf("failed to encode violations: %w", err)
	}

	return s.inTx(ctx, func(db store.DBTX) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO scan_results (job_id, url, violations, score, duration_ms, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (job_id) DO NOTHING`,
			result.JobID, result.URL, string(violations), result.Score, result.DurationMs, result.CompletedAt,
		)
		if err != nil {
			return MapError(err)
		}
		if err := CheckRowsAffected(res, store.ErrDuplicate); err != nil {
			return err
		}

		_, err = db.ExecContext(ctx, `
			INSERT INTO attestations (job_id, executor_id, result_hash, signature, signed_at, key_version)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			att.JobID, att.ExecutorID, att.ResultHash, att.Signature, att.SignedAt, att.KeyVersion,
		)
		return MapError(err)
	})
}

// Get implements pipeline.ResultStore.
func (s *ResultStore) Get(ctx context.Context, jobID uuid.UUID) (*pipeline.StoredResult, error) {
	var (
		r          domain.ScanResult
		a          domain.Attestation
		violations []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT r.job_id, r.url, r.violations, r.score, r.duration_ms, r.completed_at,
			a.job_id, a.executor_id, a.result_hash, a.signature, a.signed_at, a.key_version
		FROM scan_results r
		JOIN attestations a ON a.job_id = r.job_id
		WHERE r.job_id = $1`, jobID,
	).Scan(
		&r.JobID, &r.URL, &violations, &r.Score, &r.DurationMs, &r.CompletedAt,
		&a.JobID, &a.ExecutorID, &a.ResultHash, &a.Signature, &a.SignedAt, &a.KeyVersion,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, MapError(err)
	}
	if err := json.Unmarshal(violations, &r.Violations); err != nil {
		return nil, fmt.Errorf("failed to decode violations: %w", err)
	}
	r.CompletedAt = r.CompletedAt.UTC()
	a.SignedAt = a.SignedAt.UTC()
	return &pipeline.StoredResult{Result: &r, Attestation: a}, nil
}

// LastCompletedAt implements pipeline.ResultStore.
func (s *ResultStore) LastCompletedAt(ctx context.Context, url string) (time.Time, bool, error) {
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(completed_at) FROM scan_results WHERE url = $1`, url,
	).Scan(&last)
	if err != nil {
		return time.Time{}, false, MapError(err)
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	return last.Time.UTC(), true, nil
}

// Stats implements pipeline.ResultStore.
func (s *ResultStore) Stats(ctx context.Context, since time.Time) (pipeline.ResultStats, error) {
	var (
		stats pipeline.ResultStats
		avg   sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(duration_ms)::DOUBLE PRECISION
		FROM scan_results WHERE completed_at >= $1`, since,
	).Scan(&stats.Completed, &avg)
	if err != nil {
		return pipeline.ResultStats{}, MapError(err)
	}
	stats.AverageDurationMs = avg.Float64
	return stats, nil
}

// Ensure ResultStore implements pipeline.ResultStore
var _ pipeline.ResultStore = (*ResultStore)(nil)
