package deadletter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scanrelay/internal/domain"
)

// Filter selects dead-letter records. URL and ErrorPattern match
// case-insensitive substrings; empty fields match everything.
// PendingOnly drops records requeued since they last failed.
type Filter struct {
	URL          string `json:"url"`
	ErrorPattern string `json:"error"`
	Limit        int    `json:"limit"`
	Offset       int    `json:"offset"`
	PendingOnly  bool   `json:"-"`
}

// IsPending reports whether rec has failed again since its last retry.
func IsPending(rec *domain.FailedJobRecord) bool {
	return rec.LastRetriedAt == nil || rec.LastRetriedAt.Before(rec.FailedAt)
}

// Bucket is one row of a top-N breakdown.
type Bucket struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Store persists FailedJobRecords.
type Store interface {
	// Upsert inserts rec, or updates the record already stored for rec.JobID
	// keeping its ID and retry bookkeeping. The stored record is returned.
	Upsert(ctx context.Context, rec *domain.FailedJobRecord) (*domain.FailedJobRecord, error)

	// Get returns a record by id or store.ErrFailedJobNotFound.
	Get(ctx context.Context, id uuid.UUID) (*domain.FailedJobRecord, error)

	// List returns matching records, most recent failure first.
	List(ctx context.Context, f Filter) ([]*domain.FailedJobRecord, error)

	// Count returns the number of records that failed at or after since.
	// A zero since counts every record.
	Count(ctx context.Context, since time.Time) (int, error)

	// CountForURL returns the number of records for url that failed after since.
	CountForURL(ctx context.Context, url string, since time.Time) (int, error)

	// Top returns the most frequent error messages and URLs.
	Top(ctx context.Context, n int) (errors []Bucket, urls []Bucket, err error)

	// MarkRetried increments RetryCount and sets LastRetriedAt.
	MarkRetried(ctx context.Context, id uuid.UUID, at time.Time) error

	// DeleteBefore removes records that failed before cutoff.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}
