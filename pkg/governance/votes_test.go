package governance

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func votingProposal(now time.Time) *Proposal {
	p := draftProposal()
	p.Status = StatusVoting
	submitted := now.Add(-2 * time.Hour)
	votingStart := now.Add(-30 * time.Minute)
	p.SubmittedAt = &submitted
	p.VotingStartedAt = &votingStart
	return p
}

func TestCastVote(t *testing.T) {
	weights := &stubWeights{weight: 1.5, canVote: true}
	svc, mock, _ := newTestService(t, weights)
	now := time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })
	p := votingProposal(now)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WillReturnRows(proposalRow(p))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO votes")).
		WithArgs(p.ID, "voter-1", "human", "yes", 1.5, "", now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	v, err := svc.CastVote(context.Background(), CastVoteRequest{
		ProposalID: p.ID,
		VoterID:    "voter-1",
		VoterType:  "human",
		Choice:     "yes",
	})
	require.NoError(t, err)
	assert.Equal(t, ChoiceYes, v.Choice)
	assert.Equal(t, 1.5, v.Weight)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCastVoteChecks(t *testing.T) {
	now := time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)

	t.Run("invalid choice", func(t *testing.T) {
		svc, _, _ := newTestService(t, &stubWeights{})
		_, err := svc.CastVote(context.Background(), CastVoteRequest{Choice: "maybe"})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("not voting", func(t *testing.T) {
		svc, mock, _ := newTestService(t, &stubWeights{canVote: true})
		p := draftProposal()
		mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WillReturnRows(proposalRow(p))
		_, err := svc.CastVote(context.Background(), CastVoteRequest{ProposalID: p.ID, Choice: "yes"})
		assert.ErrorIs(t, err, ErrWrongStatus)
	})

	t.Run("window closed", func(t *testing.T) {
		svc, mock, _ := newTestService(t, &stubWeights{canVote: true})
		svc.WithClock(func() time.Time { return now.Add(6 * time.Hour) })
		p := votingProposal(now)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WillReturnRows(proposalRow(p))
		_, err := svc.CastVote(context.Background(), CastVoteRequest{ProposalID: p.ID, Choice: "yes"})
		assert.ErrorIs(t, err, ErrWindowClosed)
	})

	t.Run("ai vote needs a reason", func(t *testing.T) {
		svc, mock, _ := newTestService(t, &stubWeights{canVote: true})
		svc.WithClock(func() time.Time { return now })
		p := votingProposal(now)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WillReturnRows(proposalRow(p))
		_, err := svc.CastVote(context.Background(), CastVoteRequest{
			ProposalID: p.ID, VoterType: "ai", Choice: "no", Reason: "short",
		})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("voter in cooldown", func(t *testing.T) {
		svc, mock, _ := newTestService(t, &stubWeights{canVote: true, cooldown: true})
		svc.WithClock(func() time.Time { return now })
		p := votingProposal(now)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WillReturnRows(proposalRow(p))
		_, err := svc.CastVote(context.Background(), CastVoteRequest{ProposalID: p.ID, Choice: "yes"})
		assert.ErrorIs(t, err, ErrCooldown)
	})

	t.Run("below voter level", func(t *testing.T) {
		svc, mock, _ := newTestService(t, &stubWeights{canVote: false})
		svc.WithClock(func() time.Time { return now })
		p := votingProposal(now)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WillReturnRows(proposalRow(p))
		_, err := svc.CastVote(context.Background(), CastVoteRequest{ProposalID: p.ID, Choice: "yes"})
		assert.ErrorIs(t, err, ErrWeightTooLow)
	})
}

func TestWithdrawVote(t *testing.T) {
	now := time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)

	t.Run("removes own ballot while open", func(t *testing.T) {
		svc, mock, _ := newTestService(t, &stubWeights{})
		svc.WithClock(func() time.Time { return now })
		p := votingProposal(now)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WillReturnRows(proposalRow(p))
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM votes")).
			WithArgs(p.ID, "voter-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, svc.WithdrawVote(context.Background(), p.ID, "voter-1"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no ballot to withdraw", func(t *testing.T) {
		svc, mock, _ := newTestService(t, &stubWeights{})
		svc.WithClock(func() time.Time { return now })
		p := votingProposal(now)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WillReturnRows(proposalRow(p))
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM votes")).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := svc.WithdrawVote(context.Background(), p.ID, "voter-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("voting not open", func(t *testing.T) {
		svc, mock, _ := newTestService(t, &stubWeights{})
		p := draftProposal()
		p.Status = StatusApproved
		mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WillReturnRows(proposalRow(p))

		err := svc.WithdrawVote(context.Background(), p.ID, "voter-1")
		assert.ErrorIs(t, err, ErrWrongStatus)
	})

	t.Run("window closed", func(t *testing.T) {
		svc, mock, _ := newTestService(t, &stubWeights{})
		svc.WithClock(func() time.Time { return now.Add(6 * time.Hour) })
		p := votingProposal(now)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WillReturnRows(proposalRow(p))

		err := svc.WithdrawVote(context.Background(), p.ID, "voter-1")
		assert.ErrorIs(t, err, ErrWindowClosed)
	})
}

func voteRows(votes []Vote) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "proposal_id", "voter_id", "voter_type",
		"choice", "weight", "reason", "voted_at"})
	for i, v := range votes {
		rows.AddRow(int64(i+1), v.ProposalID, v.VoterID, v.VoterType, v.Choice, v.Weight, v.Reason, time.Now())
	}
	return rows
}

func TestListVotesWithholdsOpenBallots(t *testing.T) {
	svc, mock, _ := newTestService(t, &stubWeights{})
	now := time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)
	p := votingProposal(now)
	ballots := []Vote{
		{ProposalID: p.ID, VoterID: "a", VoterType: "human", Choice: ChoiceYes, Weight: 1},
		{ProposalID: p.ID, VoterID: "b", VoterType: "human", Choice: ChoiceNo, Weight: 2},
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WillReturnRows(proposalRow(p))
	mock.ExpectQuery(regexp.QuoteMeta("FROM votes")).WillReturnRows(voteRows(ballots))

	listing, err := svc.ListVotes(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, listing.Preview.VotingOpen)
	assert.Equal(t, 2, listing.Preview.TotalVotes)
	assert.Empty(t, listing.Votes, "individual ballots stay hidden while voting is open")
}

func TestListVotesAfterClose(t *testing.T) {
	svc, mock, _ := newTestService(t, &stubWeights{})
	p := draftProposal()
	p.Status = StatusApproved
	ballots := []Vote{{ProposalID: p.ID, VoterID: "a", VoterType: "human", Choice: ChoiceYes, Weight: 1}}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WillReturnRows(proposalRow(p))
	mock.ExpectQuery(regexp.QuoteMeta("FROM votes")).WillReturnRows(voteRows(ballots))

	listing, err := svc.ListVotes(context.Background(), p.ID)
	require.NoError(t, err)
	assert.False(t, listing.Preview.VotingOpen)
	require.Len(t, listing.Votes, 1)
	assert.Equal(t, "a", listing.Votes[0].VoterID)
}

// AI voters with long enough reasons pass the length gate.
func TestCastVoteAIReasonAccepted(t *testing.T) {
	weights := &stubWeights{weight: 0.5, canVote: true}
	svc, mock, _ := newTestService(t, weights)
	now := time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })
	p := votingProposal(now)
	reason := strings.Repeat("because of measured latency impact ", 3)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WillReturnRows(proposalRow(p))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO votes")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	v, err := svc.CastVote(context.Background(), CastVoteRequest{
		ProposalID: p.ID, VoterID: "agent-1", VoterType: "ai", Choice: "no", Reason: reason,
	})
	require.NoError(t, err)
	assert.Equal(t, ChoiceNo, v.Choice)
}
