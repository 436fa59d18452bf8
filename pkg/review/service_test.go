package review

import (
	"context"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpr-labs/governor/pkg/governance"
)

func TestValidRating(t *testing.T) {
	for _, v := range []string{"S", "A", "B", "C", "F"} {
		assert.True(t, ValidRating(v), v)
	}
	for _, v := range []string{"", "s", "D", "AA", "excellent"} {
		assert.False(t, ValidRating(v), v)
	}
}

func TestRatingPolarity(t *testing.T) {
	assert.True(t, RatingS.Positive())
	assert.True(t, RatingA.Positive())
	assert.False(t, RatingB.Positive())
	assert.False(t, RatingB.Negative())
	assert.True(t, RatingC.Negative())
	assert.True(t, RatingF.Negative())
	assert.False(t, RatingF.Positive())
}

func TestFeedbackDelta(t *testing.T) {
	cases := []struct {
		name       string
		role       string
		rated      Rating
		overturned bool
		want       int
	}{
		{"proposer S", RoleProposer, RatingS, false, 6},
		{"proposer A", RoleProposer, RatingA, false, 4},
		{"proposer B", RoleProposer, RatingB, false, 1},
		{"proposer C", RoleProposer, RatingC, false, -3},
		{"proposer F", RoleProposer, RatingF, false, -5},
		{"yes voter rewarded on S", RoleVoterYes, RatingS, false, 1},
		{"yes voter rewarded on A", RoleVoterYes, RatingA, false, 1},
		{"yes voter untouched on B", RoleVoterYes, RatingB, false, 0},
		{"yes voter untouched on F", RoleVoterYes, RatingF, false, 0},
		{"no voter vindicated on F", RoleVoterNo, RatingF, false, 2},
		{"no voter untouched on C", RoleVoterNo, RatingC, false, 0},
		{"no voter penalized on S", RoleVoterNo, RatingS, false, -1},
		{"no voter penalized on A", RoleVoterNo, RatingA, false, -1},
		{"abstainer untouched", RoleVoterAbstain, RatingS, false, 0},
		{"vetoer overturned", RoleVetoer, RatingS, true, -1},
		{"vetoer overturned trumps bad outcome", RoleVetoer, RatingF, true, -1},
		{"vetoer vindicated on C", RoleVetoer, RatingC, false, 1},
		{"vetoer vindicated on F", RoleVetoer, RatingF, false, 1},
		{"vetoer untouched on B", RoleVetoer, RatingB, false, 0},
		{"vetoer untouched on S", RoleVetoer, RatingS, false, 0},
		{"unknown role untouched", "bystander", RatingF, false, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, feedbackDelta(tc.role, tc.rated, tc.overturned))
		})
	}
}

func TestParticipantDeltasSumRoles(t *testing.T) {
	participants := []Participant{
		{ParticipantID: "p-1", Role: RoleProposer},
		{ParticipantID: "p-1", Role: RoleVoterYes},
		{ParticipantID: "p-2", Role: RoleVoterNo},
		{ParticipantID: "p-3", Role: RoleVetoer, VetoOverturned: true},
	}
	totals := participantDeltas(participants, RatingS)
	// Someone who both proposed and voted yes earns the proposer delta plus
	// the voter delta under one event key.
	assert.Equal(t, feedbackDelta(RoleProposer, RatingS, false)+1, totals["p-1"])
	assert.Equal(t, -1, totals["p-2"])
	assert.Equal(t, -1, totals["p-3"])
}

func newTestReviewService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	svc := NewService(NewPostgresStore(db), nil, nil, slog.New(slog.DiscardHandler))
	return svc, mock
}

func reviewRow(r *Review) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "proposal_id", "decision_id", "status", "scheduled_at",
		"rating", "outcome_summary", "goal_achievements", "achievements", "lessons",
		"repair_suggestion_required", "trust_score_applied", "completed_at", "created_at"}).
		AddRow(r.ID, r.ProposalID, r.DecisionID, r.Status, r.ScheduledAt, r.Rating,
			r.OutcomeSummary, r.GoalAchievements, r.Achievements, r.Lessons,
			r.RepairSuggestionRequired, r.TrustScoreApplied, r.CompletedAt, r.CreatedAt)
}

func pendingReview() *Review {
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	return &Review{
		ID:          "REV-test",
		ProposalID:  "PROP-test",
		DecisionID:  "DEC-test",
		Status:      StatusPending,
		ScheduledAt: now.Add(30 * 24 * time.Hour),
		CreatedAt:   now,
	}
}

func TestStartMovesPendingToCollecting(t *testing.T) {
	svc, mock := newTestReviewService(t)
	r := pendingReview()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE impact_reviews SET status = 'collecting'")).
		WithArgs(r.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	started := *r
	started.Status = StatusCollecting
	mock.ExpectQuery(regexp.QuoteMeta("FROM impact_reviews")).
		WillReturnRows(reviewRow(&started))

	got, err := svc.Start(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCollecting, got.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStartRefusesClosedReview(t *testing.T) {
	svc, mock := newTestReviewService(t)
	r := pendingReview()
	r.Status = StatusCompleted

	mock.ExpectExec(regexp.QuoteMeta("UPDATE impact_reviews SET status = 'collecting'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM impact_reviews")).
		WillReturnRows(reviewRow(r))

	_, err := svc.Start(context.Background(), r.ID)
	assert.ErrorIs(t, err, ErrWrongStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateEditsOpenReview(t *testing.T) {
	svc, mock := newTestReviewService(t)
	r := pendingReview()
	r.Status = StatusCollecting

	mock.ExpectExec(regexp.QuoteMeta("UPDATE impact_reviews SET goal_achievements")).
		WithArgs(r.ID, "goal met", "shipped the migration", "start smaller").
		WillReturnResult(sqlmock.NewResult(0, 1))
	updated := *r
	updated.GoalAchievements = "goal met"
	updated.Achievements = "shipped the migration"
	updated.Lessons = "start smaller"
	mock.ExpectQuery(regexp.QuoteMeta("FROM impact_reviews")).
		WillReturnRows(reviewRow(&updated))

	got, err := svc.Update(context.Background(), r.ID, "goal met", "shipped the migration", "start smaller")
	require.NoError(t, err)
	assert.Equal(t, "start smaller", got.Lessons)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRefusesCompletedReview(t *testing.T) {
	svc, mock := newTestReviewService(t)
	r := pendingReview()
	r.Status = StatusCompleted

	mock.ExpectExec(regexp.QuoteMeta("UPDATE impact_reviews SET goal_achievements")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM impact_reviews")).
		WillReturnRows(reviewRow(r))

	_, err := svc.Update(context.Background(), r.ID, "", "", "")
	assert.ErrorIs(t, err, ErrWrongStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSkipClosesWithoutRating(t *testing.T) {
	svc, mock := newTestReviewService(t)
	now := time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })
	r := pendingReview()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE impact_reviews SET status = 'skipped'")).
		WithArgs(r.ID, "change was reverted before review", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	skipped := *r
	skipped.Status = StatusSkipped
	skipped.OutcomeSummary = "change was reverted before review"
	skipped.CompletedAt = &now
	mock.ExpectQuery(regexp.QuoteMeta("FROM impact_reviews")).
		WillReturnRows(reviewRow(&skipped))

	got, err := svc.Skip(context.Background(), r.ID, "change was reverted before review")
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, got.Status)
	assert.False(t, got.TrustScoreApplied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTuningFor(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := NewPostgresStore(db)
	projectID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM governance_configs")).
		WithArgs(projectID).
		WillReturnRows(sqlmock.NewRows([]string{"consensus_abstain_fraction",
			"escalation_deadline_overturns"}).AddRow(0.5, true))
	tuning, err := store.TuningFor(context.Background(), projectID)
	require.NoError(t, err)
	require.NotNil(t, tuning)
	assert.Equal(t, governance.Tuning{ConsensusAbstainFraction: 0.5, EscalationDeadlineOverturns: true}, *tuning)

	// Projects without a config row fall back to service-wide settings.
	mock.ExpectQuery(regexp.QuoteMeta("FROM governance_configs")).
		WillReturnRows(sqlmock.NewRows([]string{"consensus_abstain_fraction",
			"escalation_deadline_overturns"}))
	tuning, err = store.TuningFor(context.Background(), projectID)
	require.NoError(t, err)
	assert.Nil(t, tuning)
	assert.NoError(t, mock.ExpectationsWereMet())
}
