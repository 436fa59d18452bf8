package trust

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
)

func TestLevelFor(t *testing.T) {
	tests := []struct {
		score int
		want  Level
	}{
		{0, LevelObserver},
		{49, LevelObserver},
		{50, LevelAdvisor},
		{99, LevelAdvisor},
		{100, LevelVoter},
		{199, LevelVoter},
		{200, LevelVetoer},
		{299, LevelVetoer},
		{300, LevelAutonomous},
		{1000, LevelAutonomous},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFor(tt.score), "score=%d", tt.score)
	}
}

func TestWeightFor(t *testing.T) {
	tests := []struct {
		score int
		want  float64
	}{
		{0, 0.5},
		{50, 0.75},
		{100, 1.0},
		{200, 1.5},
		{300, 2.0},
		{500, 2.0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, WeightFor(tt.score), 1e-9, "score=%d", tt.score)
	}
}

func TestLevelRankOrdering(t *testing.T) {
	levels := []Level{LevelObserver, LevelAdvisor, LevelVoter, LevelVetoer, LevelAutonomous}
	for i := 1; i < len(levels); i++ {
		assert.Greater(t, LevelRank(levels[i]), LevelRank(levels[i-1]))
	}
	assert.Equal(t, 0, LevelRank(Level("unknown")))
}

func TestValidLevel(t *testing.T) {
	for _, l := range []Level{LevelObserver, LevelAdvisor, LevelVoter, LevelVetoer, LevelAutonomous} {
		assert.True(t, ValidLevel(l))
	}
	assert.False(t, ValidLevel(Level("admin")))
}

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewEngine(NewPostgresStore(db), slog.New(slog.DiscardHandler)), mock
}

func scoreRow(sc *Score) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "participant_id", "project_id", "domain", "score",
		"level", "vote_weight", "consecutive_rejections", "cooldown_until", "last_activity_at",
		"updated_at"}).
		AddRow(sc.ID, sc.ParticipantID, sc.ProjectID, sc.Domain, sc.Score, sc.Level,
			sc.VoteWeight, sc.ConsecutiveRejections, sc.CooldownUntil, sc.LastActivityAt, sc.UpdatedAt)
}

func TestApplyChangeSkipsAppliedEvents(t *testing.T) {
	engine, mock := newTestEngine(t)
	projectID := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("proposal_result", "PROP-1", "p-1", projectID, "backend").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	log, err := engine.ApplyChange(context.Background(), Change{
		ParticipantID: "p-1",
		ProjectID:     projectID,
		Domain:        "backend",
		Delta:         2,
		EventType:     "proposal_result",
		EventID:       "PROP-1",
	})
	require.NoError(t, err)
	assert.Nil(t, log, "an already-applied event is a no-op")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyChange(t *testing.T) {
	engine, mock := newTestEngine(t)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	engine.WithClock(func() time.Time { return now })
	projectID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO trust_scores")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(scoreRow(&Score{
			ID: 1, ParticipantID: "p-1", ProjectID: projectID, Domain: "backend",
			Score: 99, Level: LevelAdvisor, VoteWeight: WeightFor(99),
			LastActivityAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour),
		}))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO trust_score_logs")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE trust_scores")).
		WithArgs("p-1", projectID, "backend", 101, string(LevelVoter), WeightFor(101), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	log, err := engine.ApplyChange(context.Background(), Change{
		ParticipantID: "p-1",
		ProjectID:     projectID,
		Domain:        "backend",
		Delta:         2,
		EventType:     "proposal_result",
		EventID:       "PROP-1",
		Reason:        "proposal approved",
	})
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, 99, log.ScoreBefore)
	assert.Equal(t, 101, log.ScoreAfter)
	assert.Equal(t, int64(11), log.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyChangeClampsAtZero(t *testing.T) {
	engine, mock := newTestEngine(t)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	engine.WithClock(func() time.Time { return now })
	projectID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO trust_scores")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(scoreRow(&Score{
			ID: 1, ParticipantID: "p-1", ProjectID: projectID, Domain: "global",
			Score: 3, Level: LevelObserver, VoteWeight: WeightFor(3),
			LastActivityAt: now, UpdatedAt: now,
		}))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO trust_score_logs")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(12)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE trust_scores")).
		WithArgs("p-1", projectID, "global", 0, string(LevelObserver), WeightFor(0), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	log, err := engine.ApplyChange(context.Background(), Change{
		ParticipantID: "p-1",
		ProjectID:     projectID,
		Delta:         -10,
		EventType:     "impact_review",
		EventID:       "REV-1",
	})
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, 0, log.ScoreAfter, "scores never go negative")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyChangeClampsAtMaxScore(t *testing.T) {
	engine, mock := newTestEngine(t)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	engine.WithClock(func() time.Time { return now })
	projectID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO trust_scores")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(scoreRow(&Score{
			ID: 1, ParticipantID: "p-1", ProjectID: projectID, Domain: "backend",
			Score: MaxScore - 1, Level: LevelAutonomous, VoteWeight: WeightFor(MaxScore - 1),
			LastActivityAt: now, UpdatedAt: now,
		}))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO trust_score_logs")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(13)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE trust_scores")).
		WithArgs("p-1", projectID, "backend", MaxScore, string(LevelAutonomous), WeightFor(MaxScore), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	log, err := engine.ApplyChange(context.Background(), Change{
		ParticipantID: "p-1",
		ProjectID:     projectID,
		Domain:        "backend",
		Delta:         10,
		EventType:     "impact_review",
		EventID:       "REV-2",
	})
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.Equal(t, MaxScore, log.ScoreAfter, "scores never exceed the ceiling")
	assert.NoError(t, mock.ExpectationsWereMet())
}
