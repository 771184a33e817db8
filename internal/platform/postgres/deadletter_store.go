package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scanrelay/internal/deadletter"
	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/store"
)

const failedJobColumns = `id, job_id, url, client_id, error_message, error_kind, attempts_made,
	failed_at, request_id, original_job_data, retry_count, last_retried_at`

// DeadLetterStore implements deadletter.Store. The unique job_id column
// makes concurrent captures of the same job collapse into one record.
type DeadLetterStore struct {
	db store.DBTX
}

// NewDeadLetterStore creates a DeadLetterStore.
func NewDeadLetterStore(db store.DBTX) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

func scanFailedJob(row rowScanner) (*domain.FailedJobRecord, error) {
	var (
		rec         domain.FailedJobRecord
		requestID   sql.NullString
		lastRetried sql.NullTime
		data        []byte
	)
	err := row.Scan(
		&rec.ID, &rec.JobID, &rec.URL, &rec.ClientID, &rec.ErrorMessage, &rec.ErrorKind,
		&rec.AttemptsMade, &rec.FailedAt, &requestID, &data, &rec.RetryCount, &lastRetried,
	)
	if err != nil {
		return nil, err
	}
	rec.FailedAt = rec.FailedAt.UTC()
	rec.RequestID = requestID.String
	rec.OriginalJobData = data
	if lastRetried.Valid {
		t := lastRetried.Time.UTC()
		rec.LastRetriedAt = &t
	}
	return &rec, nil
}

// Upsert implements deadletter.Store.
func (s *DeadLetterStore) Upsert(ctx context.Context, rec *domain.FailedJobRecord) (*domain.FailedJobRecord, error) {
	id := rec.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	data := string(rec.OriginalJobData)
	if data == "" {
		data = "null"
	}
	stored, err := scanFailedJob(s.db.QueryRowContext(ctx, `
		INSERT INTO failed_jobs (`+failedJobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, NULL)
		ON CONFLICT (job_id) DO UPDATE SET
			url = EXCLUDED.url,
			client_id = EXCLUDED.client_id,
			error_message = EXCLUDED.error_message,
			error_kind = EXCLUDED.error_kind,
			attempts_made = EXCLUDED.attempts_made,
			failed_at = EXCLUDED.failed_at,
			request_id = EXCLUDED.request_id,
			original_job_data = EXCLUDED.original_job_data
		RETURNING `+failedJobColumns,
		id, rec.JobID, rec.URL, rec.ClientID, rec.ErrorMessage, rec.ErrorKind, rec.AttemptsMade,
		rec.FailedAt, nullString(rec.RequestID), data,
	))
	if err != nil {
		return nil, MapError(err)
	}
	return stored, nil
}

// Get implements deadletter.Store.
func (s *DeadLetterStore) Get(ctx context.Context, id uuid.UUID) (*domain.FailedJobRecord, error) {
	rec, err := scanFailedJob(s.db.QueryRowContext(ctx,
		`SELECT `+failedJobColumns+` FROM failed_jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrFailedJobNotFound
	}
	if err != nil {
		return nil, MapError(err)
	}
	return rec, nil
}

// likePattern turns s into an ILIKE substring pattern with wildcards escaped.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

// List implements deadletter.Store.
func (s *DeadLetterStore) List(ctx context.Context, f deadletter.Filter) ([]*domain.FailedJobRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.URL != "" {
		args = append(args, likePattern(f.URL))
		where = append(where, fmt.Sprintf(`url ILIKE $%d ESCAPE '\'`, len(args)))
	}
	if f.ErrorPattern != "" {
		args = append(args, likePattern(f.ErrorPattern))
		where = append(where, fmt.Sprintf(`error_message ILIKE $%d ESCAPE '\'`, len(args)))
	}
	if f.PendingOnly {
		where = append(where, `(last_retried_at IS NULL OR last_retried_at < failed_at)`)
	}

	query := `SELECT ` + failedJobColumns + ` FROM failed_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY failed_at DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	records := []*domain.FailedJobRecord{}
	for rows.Next() {
		rec, err := scanFailedJob(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count implements deadletter.Store.
func (s *DeadLetterStore) Count(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM failed_jobs WHERE failed_at >= $1`, since).Scan(&n)
	return n, MapError(err)
}

// CountForURL implements deadletter.Store.
func (s *DeadLetterStore) CountForURL(ctx context.Context, url string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM failed_jobs WHERE url = $1 AND failed_at > $2`, url, since).Scan(&n)
	return n, MapError(err)
}

func (s *DeadLetterStore) top(ctx context.Context, column string, n int) ([]deadletter.Bucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+column+`, COUNT(*) AS n FROM failed_jobs
		GROUP BY `+column+`
		ORDER BY n DESC, `+column+`
		LIMIT $1`, n)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	buckets := []deadletter.Bucket{}
	for rows.Next() {
		var b deadletter.Bucket
		if err := rows.Scan(&b.Value, &b.Count); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// Top implements deadletter.Store.
func (s *DeadLetterStore) Top(ctx context.Context, n int) ([]deadletter.Bucket, []deadletter.Bucket, error) {
	byError, err := s.top(ctx, "error_message", n)
	if err != nil {
		return nil, nil, err
	}
	byURL, err := s.top(ctx, "url", n)
	if err != nil {
		return nil, nil, err
	}
	return byError, byURL, nil
}

// MarkRetried implements deadletter.Store.
func (s *DeadLetterStore) MarkRetried(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE failed_jobs SET retry_count = retry_count + 1, last_retried_at = $2
		WHERE id = $1`, id, at)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(res, store.ErrFailedJobNotFound)
}

// DeleteBefore implements deadletter.Store.
func (s *DeadLetterStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM failed_jobs WHERE failed_at < $1`, cutoff)
	if err != nil {
		return 0, MapError(err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Ensure DeadLetterStore implements deadletter.Store
var _ deadletter.Store = (*DeadLetterStore)(nil)
