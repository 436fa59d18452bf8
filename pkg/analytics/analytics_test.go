package analytics

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewService(db, nil), mock
}

func TestGenerateAuditReports(t *testing.T) {
	svc, mock := newTestService(t)
	projectID := uuid.New()
	from := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("FROM governance_audit_logs")).
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows([]string{"project_id", "action", "count"}).
			AddRow(projectID, "proposal.decided", 3).
			AddRow(projectID, "proposal.vetoed", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_reports")).
		WithArgs(projectID, from, to, 4, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	written, err := svc.GenerateAuditReports(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, 1, written)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGenerateAuditReportsQuietPeriod(t *testing.T) {
	svc, mock := newTestService(t)
	from := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM governance_audit_logs")).
		WillReturnRows(sqlmock.NewRows([]string{"project_id", "action", "count"}))

	written, err := svc.GenerateAuditReports(context.Background(), from, from.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, written, "no activity writes no rows")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListReports(t *testing.T) {
	svc, mock := newTestService(t)
	projectID := uuid.New()
	start := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_reports")).
		WithArgs(projectID, 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "period_start", "period_end",
			"total_actions", "action_count", "generated_at"}).
			AddRow(int64(1), projectID, start, start.Add(24*time.Hour), 4,
				[]byte(`{"proposal.decided":3,"proposal.vetoed":1}`), start.Add(25*time.Hour)))

	reports, err := svc.ListReports(context.Background(), projectID, 0)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 4, reports[0].TotalActions)
	assert.JSONEq(t, `{"proposal.decided":3,"proposal.vetoed":1}`, string(reports[0].ActionCount))
	assert.NoError(t, mock.ExpectationsWereMet())
}
