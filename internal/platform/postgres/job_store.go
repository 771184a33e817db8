package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scanrelay/internal/deadletter"
	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/platform/logger"
	"github.com/phrazzld/scanrelay/internal/queue"
	"github.com/phrazzld/scanrelay/internal/store"
)

// openDedupIndex is the partial unique index that keeps one open job per
// (client, url).
const openDedupIndex = "idx_scan_jobs_open_dedup"

const jobColumns = `id, url, client_id, priority, attempts_made, max_attempts, lane, state,
	enqueued_at, run_after, lease_owner, lease_expires_at, last_error, context, updated_at`

// JobStore implements queue.Store on PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED so any number of processes can share the table.
type JobStore struct {
	db store.DBTX
}

// NewJobStore creates a JobStore.
func NewJobStore(db store.DBTX) *JobStore {
	return &JobStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job            domain.Job
		lane, state    string
		leaseOwner     sql.NullString
		leaseExpiresAt sql.NullTime
		lastError      sql.NullString
		rawContext     []byte
	)
	err := row.Scan(
		&job.ID, &job.URL, &job.ClientID, &job.Priority, &job.AttemptsMade, &job.MaxAttempts,
		&lane, &state, &job.EnqueuedAt, &job.RunAfter, &leaseOwner, &leaseExpiresAt,
		&lastError, &rawContext, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Lane = domain.Lane(lane)
	job.State = domain.JobState(state)
	job.LeaseOwner = leaseOwner.String
	if leaseExpiresAt.Valid {
		job.LeaseExpiresAt = leaseExpiresAt.Time.UTC()
	}
	job.LastError = lastError.String
	job.EnqueuedAt = job.EnqueuedAt.UTC()
	job.RunAfter = job.RunAfter.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if len(rawContext) > 0 {
		if err := json.Unmarshal(rawContext, &job.Context); err != nil {
			return nil, fmt.Errorf("failed to decode job context: %w", err)
		}
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*domain.Job, error) {
	defer func() { _ = rows.Close() }()
	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func encodeContext(c map[string]string) ([]byte, error) {
	if len(c) == 0 {
		return nil, nil
	}
	return json.Marshal(c)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// Insert implements queue.Store.
func (s *JobStore) Insert(ctx context.Context, job *domain.Job) error {
	rawContext, err := encodeContext(job.Context)
	if err != nil {
		return fmt.Errorf("failed to encode job context: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (client_id, url) WHERE state IN ('waiting', 'active', 'retrying') DO NOTHING`,
		job.ID, job.URL, job.ClientID, job.Priority, job.AttemptsMade, job.MaxAttempts,
		string(job.Lane), string(job.State), job.EnqueuedAt, job.RunAfter,
		nullString(job.LeaseOwner), nullTime(job.LeaseExpiresAt), nullString(job.LastError),
		nullString(string(rawContext)), job.UpdatedAt,
	)
	if err != nil {
		logger.FromContext(ctx).Error("failed to insert job", "job_id", job.ID, "error", err)
		return MapError(err)
	}
	if err := CheckRowsAffected(res, store.ErrDuplicate); err != nil {
		return s.duplicateOf(ctx, job, err)
	}
	return nil
}

// duplicateOf resolves the open job occupying job's dedup slot.
func (s *JobStore) duplicateOf(ctx context.Context, job *domain.Job, cause error) error {
	if !errors.Is(cause, store.ErrDuplicate) {
		return cause
	}
	var existing uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM scan_jobs
		WHERE client_id = $1 AND url = $2 AND state IN ('waiting', 'active', 'retrying')`,
		job.ClientID, job.URL,
	).Scan(&existing)
	if err != nil {
		// The open job finished in between; report a plain duplicate.
		return cause
	}
	return &queue.DuplicateError{ExistingID: existing}
}

// Get implements queue.Store.
func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM scan_jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrJobNotFound
	}
	if err != nil {
		return nil, MapError(err)
	}
	return job, nil
}

// Claim implements queue.Store.
func (s *JobStore) Claim(
	ctx context.Context,
	lane domain.Lane,
	owner string,
	now, leaseUntil time.Time,
) (*domain.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		UPDATE scan_jobs
		SET state = 'active',
			attempts_made = attempts_made + 1,
			lease_owner = $3,
			lease_expires_at = $4,
			updated_at = $2
		WHERE id = (
			SELECT id FROM scan_jobs
			WHERE lane = $1 AND state = 'waiting' AND run_after <= $2
			ORDER BY priority DESC, enqueued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		string(lane), now, owner, leaseUntil,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.NewStoreError("job", "claim", "lane "+string(lane), MapError(err))
	}
	return job, nil
}

// RenewLease implements queue.Store.
func (s *JobStore) RenewLease(ctx context.Context, id uuid.UUID, owner string, leaseUntil time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scan_jobs SET lease_expires_at = $3
		WHERE id = $1 AND state = 'active' AND lease_owner = $2`,
		id, owner, leaseUntil,
	)
	if err != nil {
		return MapError(err)
	}
	return s.leaseHeld(ctx, id, res)
}

// leaseHeld turns an update that touched no rows into ErrConflict, or
// ErrJobNotFound when the job is gone.
func (s *JobStore) leaseHeld(ctx context.Context, id uuid.UUID, res sql.Result) error {
	err := CheckRowsAffected(res, store.ErrConflict)
	if !errors.Is(err, store.ErrConflict) {
		return err
	}
	if _, getErr := s.Get(ctx, id); errors.Is(getErr, store.ErrJobNotFound) {
		return store.ErrJobNotFound
	}
	return store.ErrConflict
}

// Finish implements queue.Store.
func (s *JobStore) Finish(ctx context.Context, job *domain.Job, owner string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scan_jobs
		SET state = $3,
			attempts_made = $4,
			run_after = $5,
			last_error = $6,
			updated_at = $7,
			lease_owner = NULL,
			lease_expires_at = NULL
		WHERE id = $1 AND state = 'active' AND lease_owner = $2`,
		job.ID, owner, string(job.State), job.AttemptsMade, job.RunAfter,
		nullString(job.LastError), job.UpdatedAt,
	)
	if err != nil {
		return MapError(err)
	}
	return s.leaseHeld(ctx, job.ID, res)
}

// PromoteDue implements queue.Store.
func (s *JobStore) PromoteDue(ctx context.Context, now time.Time) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE scan_jobs SET state = 'waiting', updated_at = $1
		WHERE id IN (
			SELECT id FROM scan_jobs
			WHERE state = 'retrying' AND run_after <= $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, now)
	if err != nil {
		return nil, store.NewStoreError("job", "promote", "retrying jobs", MapError(err))
	}
	return scanJobs(rows)
}

// ReclaimExpired implements queue.Store.
func (s *JobStore) ReclaimExpired(ctx context.Context, now time.Time) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE scan_jobs
		SET state = CASE WHEN attempts_made < max_attempts THEN 'waiting' ELSE 'dead_lettered' END,
			last_error = $2,
			lease_owner = NULL,
			lease_expires_at = NULL,
			run_after = $1,
			updated_at = $1
		WHERE id IN (
			SELECT id FROM scan_jobs
			WHERE state = 'active' AND lease_expires_at < $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, now, queue.ErrLeaseExpired.Error())
	if err != nil {
		return nil, store.NewStoreError("job", "reclaim", "expired leases", MapError(err))
	}
	return scanJobs(rows)
}

// Reset implements queue.Store.
func (s *JobStore) Reset(ctx context.Context, id uuid.UUID, now time.Time) (*domain.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		UPDATE scan_jobs
		SET state = 'waiting', attempts_made = 0, last_error = NULL, run_after = $2, updated_at = $2
		WHERE id = $1 AND state = 'dead_lettered'
		RETURNING `+jobColumns, id, now))
	switch {
	case err == nil:
		return job, nil
	case IsUniqueViolation(err, openDedupIndex):
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, s.duplicateOf(ctx, current, MapError(err))
	case !errors.Is(err, sql.ErrNoRows):
		return nil, MapError(err)
	}

	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, queue.ErrNotRetryable
}

// Counts implements queue.Store.
func (s *JobStore) Counts(ctx context.Context) (map[domain.JobState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM scan_jobs GROUP BY state`)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[domain.JobState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[domain.JobState(state)] = n
	}
	return counts, rows.Err()
}

// Purge implements queue.Store.
func (s *JobStore) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM scan_jobs
		WHERE state IN ('completed', 'dead_lettered') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, MapError(err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// UncapturedDeadLetters implements deadletter.UncapturedSource. A job
// counts as captured only while its failed_jobs row is still pending, that
// is it has not been retried since it last failed.
func (s *JobStore) UncapturedDeadLetters(ctx context.Context, since, before time.Time, limit int) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM scan_jobs j
		WHERE j.state = 'dead_lettered' AND j.updated_at >= $1 AND j.updated_at < $2
			AND NOT EXISTS (
				SELECT 1 FROM failed_jobs f
				WHERE f.job_id = j.id
					AND (f.last_retried_at IS NULL OR f.last_retried_at < f.failed_at)
			)
		ORDER BY j.updated_at
		LIMIT $3`, since, before, limit)
	if err != nil {
		return nil, store.NewStoreError("job", "reconcile", "dead-lettered jobs", MapError(err))
	}
	return scanJobs(rows)
}

// Ensure JobStore implements queue.Store and deadletter.UncapturedSource
var (
	_ queue.Store                 = (*JobStore)(nil)
	_ deadletter.UncapturedSource = (*JobStore)(nil)
)
