//go:build integration

package postgres_test

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scanrelay/internal/deadletter"
	"github.com/phrazzld/scanrelay/internal/domain"
	"github.com/phrazzld/scanrelay/internal/platform/postgres"
	"github.com/phrazzld/scanrelay/internal/store"
	"github.com/phrazzld/scanrelay/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFailedJob(url, message string, failedAt time.Time) *domain.FailedJobRecord {
	return &domain.FailedJobRecord{
		JobID:           uuid.New(),
		URL:             url,
		ClientID:        "client-1",
		ErrorMessage:    message,
		ErrorKind:       domain.ErrorKindTransient,
		AttemptsMade:    3,
		FailedAt:        failedAt.UTC().Truncate(time.Microsecond),
		RequestID:       "req-" + uuid.NewString(),
		OriginalJobData: json.RawMessage(`{"url":"` + url + `"}`),
	}
}

func TestDeadLetterStore_UpsertKeepsOneRecordPerJob(t *testing.T) {
	t.Parallel()
	db := testdb.GetTestDBWithT(t)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		ctx := testContext(t)
		s := postgres.NewDeadLetterStore(tx)

		rec := newFailedJob("https://dlq.example.com/a", "timeout", time.Now())
		first, err := s.Upsert(ctx, rec)
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, first.ID)

		require.NoError(t, s.MarkRetried(ctx, first.ID, time.Now()))

		again := *rec
		again.ErrorMessage = "connection refused"
		again.AttemptsMade = 4
		second, err := s.Upsert(ctx, &again)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "connection refused", second.ErrorMessage)
		assert.Equal(t, 4, second.AttemptsMade)
		assert.Equal(t, 1, second.RetryCount)
		require.NotNil(t, second.LastRetriedAt)

		got, err := s.Get(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.RequestID, got.RequestID)
		assert.JSONEq(t, string(rec.OriginalJobData), string(got.OriginalJobData))

		_, err = s.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrFailedJobNotFound)
		assert.ErrorIs(t, s.MarkRetried(ctx, uuid.New(), time.Now()), store.ErrFailedJobNotFound)
	})
}

func TestDeadLetterStore_ListAndCount(t *testing.T) {
	t.Parallel()
	db := testdb.GetTestDBWithT(t)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		ctx := testContext(t)
		s := postgres.NewDeadLetterStore(tx)

		host := "https://" + uuid.NewString() + ".example.com"
		now := time.Now().UTC()
		older := newFailedJob(host+"/old", "Navigation TIMEOUT", now.Add(-2*time.Hour))
		newer := newFailedJob(host+"/new", "navigation timeout", now.Add(-time.Minute))
		literal := newFailedJob(host+"/pct", "100% failure_rate", now.Add(-time.Hour))
		for _, r := range []*domain.FailedJobRecord{older, newer, literal} {
			_, err := s.Upsert(ctx, r)
			require.NoError(t, err)
		}

		all, err := s.List(ctx, deadletter.Filter{URL: host})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, newer.JobID, all[0].JobID)
		assert.Equal(t, older.JobID, all[2].JobID)

		timeouts, err := s.List(ctx, deadletter.Filter{URL: host, ErrorPattern: "timeout"})
		require.NoError(t, err)
		assert.Len(t, timeouts, 2)

		// Wildcards in the filter match literally.
		pct, err := s.List(ctx, deadletter.Filter{URL: host, ErrorPattern: "0% f"})
		require.NoError(t, err)
		require.Len(t, pct, 1)
		assert.Equal(t, literal.JobID, pct[0].JobID)

		underscore, err := s.List(ctx, deadletter.Filter{URL: host, ErrorPattern: "_"})
		require.NoError(t, err)
		assert.Len(t, underscore, 1)

		page, err := s.List(ctx, deadletter.Filter{URL: host, Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, literal.JobID, page[0].JobID)

		n, err := s.CountForURL(ctx, newer.URL, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.CountForURL(ctx, older.URL, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n)

		total, err := s.Count(ctx, now.Add(-3*time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, total, 3)

		deleted, err := s.DeleteBefore(ctx, now.Add(-90*time.Minute))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, deleted, 1)

		remaining, err := s.List(ctx, deadletter.Filter{URL: host})
		require.NoError(t, err)
		assert.Len(t, remaining, 2)
	})
}

func TestDeadLetterStore_ListPendingOnly(t *testing.T) {
	t.Parallel()
	db := testdb.GetTestDBWithT(t)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		ctx := testContext(t)
		s := postgres.NewDeadLetterStore(tx)

		host := "https://" + uuid.NewString() + ".example.com"
		now := time.Now().UTC()
		retried, err := s.Upsert(ctx, newFailedJob(host+"/retried", "x", now.Add(-time.Hour)))
		require.NoError(t, err)
		untouched, err := s.Upsert(ctx, newFailedJob(host+"/untouched", "x", now.Add(-time.Hour)))
		require.NoError(t, err)
		require.NoError(t, s.MarkRetried(ctx, retried.ID, now.Add(-time.Minute)))

		pending, err := s.List(ctx, deadletter.Filter{URL: host, PendingOnly: true})
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, untouched.ID, pending[0].ID)

		// A fresh failure after the retry makes the record pending again.
		again := newFailedJob(host+"/retried", "y", now)
		again.JobID = retried.JobID
		_, err = s.Upsert(ctx, again)
		require.NoError(t, err)

		pending, err = s.List(ctx, deadletter.Filter{URL: host, PendingOnly: true})
		require.NoError(t, err)
		assert.Len(t, pending, 2)
	})
}

func TestDeadLetterStore_Top(t *testing.T) {
	t.Parallel()
	db := testdb.GetTestDBWithT(t)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		ctx := testContext(t)
		s := postgres.NewDeadLetterStore(tx)

		// A message unlikely to collide with other rows in the table.
		message := "engine crashed " + uuid.NewString()
		url := "https://" + uuid.NewString() + ".example.com"
		for i := 0; i < 50; i++ {
			_, err := s.Upsert(ctx, newFailedJob(url, message, time.Now()))
			require.NoError(t, err)
		}

		byError, byURL, err := s.Top(ctx, 1)
		require.NoError(t, err)
		require.Len(t, byError, 1)
		require.Len(t, byURL, 1)
		assert.Equal(t, message, byError[0].Value)
		assert.Equal(t, 50, byError[0].Count)
		assert.Equal(t, url, byURL[0].Value)
	})
}
