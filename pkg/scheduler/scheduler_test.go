package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsWithDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, 5*time.Second, o.PollInterval)
	assert.Equal(t, time.Minute, o.Lease)
	assert.Equal(t, 20, o.BatchSize)
	assert.Equal(t, 5, o.MaxAttempts)
	assert.Equal(t, 30*time.Second, o.BackoffBase)

	o = Options{PollInterval: time.Second, Lease: 10 * time.Second, BatchSize: 3, MaxAttempts: 2, BackoffBase: time.Second}.withDefaults()
	assert.Equal(t, time.Second, o.PollInterval)
	assert.Equal(t, 10*time.Second, o.Lease)
	assert.Equal(t, 3, o.BatchSize)
	assert.Equal(t, 2, o.MaxAttempts)
	assert.Equal(t, time.Second, o.BackoffBase)
}

func TestDecodePayload(t *testing.T) {
	var got struct {
		ProposalID string `json:"proposal_id"`
	}
	require.NoError(t, DecodePayload([]byte(`{"proposal_id":"PROP-1"}`), &got))
	assert.Equal(t, "PROP-1", got.ProposalID)

	err := DecodePayload([]byte(`not json`), &got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode job payload")
}

func newTestScheduler(t *testing.T) (*Scheduler, sqlmock.Sqlmock, time.Time) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(db, Options{BatchSize: 10, MaxAttempts: 3, BackoffBase: time.Minute},
		slog.New(slog.DiscardHandler)).WithClock(func() time.Time { return now })
	return s, mock, now
}

func jobColumns() []string {
	return []string{"id", "kind", "payload", "status", "run_at", "locked_until",
		"attempts", "max_attempts", "last_error", "created_at"}
}

func TestEnqueue(t *testing.T) {
	s, mock, now := newTestScheduler(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO scheduled_jobs (kind, payload, run_at, max_attempts)`)).
		WithArgs("proposal.advance", []byte(`{"proposal_id":"PROP-1"}`), now, 3).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.Enqueue(context.Background(), "proposal.advance",
		map[string]string{"proposal_id": "PROP-1"}, now)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnceExecutesDueJob(t *testing.T) {
	s, mock, now := newTestScheduler(t)
	var got []byte
	s.Register("proposal.advance", func(ctx context.Context, payload []byte) error {
		got = payload
		return nil
	})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM scheduled_jobs`)).
		WithArgs(now, 10).
		WillReturnRows(sqlmock.NewRows(jobColumns()).
			AddRow(7, "proposal.advance", []byte(`{"proposal_id":"PROP-1"}`), "pending",
				now.Add(-time.Minute), nil, 0, 3, "", now.Add(-time.Hour)))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE scheduled_jobs SET locked_until = $2, attempts = attempts + 1`)).
		WithArgs(int64(7), now.Add(time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE scheduled_jobs SET status = 'done', locked_until = NULL, last_error = ''`)).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.JSONEq(t, `{"proposal_id":"PROP-1"}`, string(got))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnceEmptyBatch(t *testing.T) {
	s, mock, now := newTestScheduler(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM scheduled_jobs`)).
		WithArgs(now, 10).
		WillReturnRows(sqlmock.NewRows(jobColumns()))
	mock.ExpectCommit()

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnceRetriesWithBackoff(t *testing.T) {
	s, mock, now := newTestScheduler(t)
	s.Register("review.schedule", func(ctx context.Context, payload []byte) error {
		return errors.New("transient")
	})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM scheduled_jobs`)).
		WithArgs(now, 10).
		WillReturnRows(sqlmock.NewRows(jobColumns()).
			AddRow(8, "review.schedule", []byte(`{}`), "pending",
				now.Add(-time.Minute), nil, 0, 3, "", now.Add(-time.Hour)))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE scheduled_jobs SET locked_until = $2, attempts = attempts + 1`)).
		WithArgs(int64(8), now.Add(time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	// attempt 1 with a one minute base means next run one minute out
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE scheduled_jobs SET run_at = $2, locked_until = NULL, last_error = $3`)).
		WithArgs(int64(8), now.Add(time.Minute), "transient").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnceFailsAfterMaxAttempts(t *testing.T) {
	s, mock, now := newTestScheduler(t)
	s.Register("review.schedule", func(ctx context.Context, payload []byte) error {
		return errors.New("still broken")
	})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM scheduled_jobs`)).
		WithArgs(now, 10).
		WillReturnRows(sqlmock.NewRows(jobColumns()).
			AddRow(9, "review.schedule", []byte(`{}`), "pending",
				now.Add(-time.Minute), nil, 2, 3, "transient", now.Add(-time.Hour)))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE scheduled_jobs SET locked_until = $2, attempts = attempts + 1`)).
		WithArgs(int64(9), now.Add(time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE scheduled_jobs SET status = 'failed', locked_until = NULL, last_error = $2`)).
		WithArgs(int64(9), "still broken").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunOnceUnknownKindFails(t *testing.T) {
	s, mock, now := newTestScheduler(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM scheduled_jobs`)).
		WithArgs(now, 10).
		WillReturnRows(sqlmock.NewRows(jobColumns()).
			AddRow(10, "bogus.kind", []byte(`{}`), "pending",
				now.Add(-time.Minute), nil, 0, 3, "", now.Add(-time.Hour)))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE scheduled_jobs SET locked_until = $2, attempts = attempts + 1`)).
		WithArgs(int64(10), now.Add(time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE scheduled_jobs SET status = 'failed'`)).
		WithArgs(int64(10), `no handler for kind "bogus.kind"`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneDone(t *testing.T) {
	s, mock, now := newTestScheduler(t)
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM scheduled_jobs WHERE status = 'done' AND created_at < $1`)).
		WithArgs(now.Add(-7*24*time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := s.PruneDone(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
