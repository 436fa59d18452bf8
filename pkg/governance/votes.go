package governance

import (
	"context"
	"fmt"
	"time"
)

// Minimum reason length for AI-cast ballots. Human voters may vote silently.
const aiVoteReasonMin = 50

// CastVoteRequest carries one ballot.
type CastVoteRequest struct {
	ProposalID string
	VoterID    string
	VoterType  string
	Choice     string
	Reason     string
}

// CastVote records a ballot during the voting window. Re-voting overwrites
// the previous ballot via the (proposal_id, voter_id) unique constraint, and
// the weight is re-snapshotted at the new vote time.
func (s *Service) CastVote(ctx context.Context, req CastVoteRequest) (*Vote, error) {
	if !ValidVoteChoice(req.Choice) {
		return nil, fmt.Errorf("%w: unknown vote choice %q", ErrInvalidInput, req.Choice)
	}
	p, err := s.store.GetProposal(ctx, req.ProposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusVoting {
		return nil, fmt.Errorf("%w: proposal is %s", ErrWrongStatus, p.Status)
	}
	now := s.now().UTC()
	if !now.Before(p.VotingDeadline()) {
		return nil, fmt.Errorf("%w: voting closed at %s", ErrWindowClosed, p.VotingDeadline().Format(time.RFC3339))
	}
	if req.VoterType == "ai" && len(req.Reason) < aiVoteReasonMin {
		return nil, fmt.Errorf("%w: AI ballots require a reason of at least %d characters", ErrInvalidInput, aiVoteReasonMin)
	}
	if cooling, err := s.weights.InCooldown(ctx, req.VoterID, p.ProjectID); err != nil {
		return nil, err
	} else if cooling {
		return nil, ErrCooldown
	}

	domain := PrimaryDomain(p.Domains)
	ok, err := s.weights.CanVote(ctx, req.VoterID, req.VoterType, p.ProjectID, domain)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: voter level required in domain %s", ErrWeightTooLow, domain)
	}
	weight, err := s.weights.VoteWeight(ctx, req.VoterID, p.ProjectID, domain)
	if err != nil {
		return nil, err
	}

	v := &Vote{
		ProposalID: req.ProposalID,
		VoterID:    req.VoterID,
		VoterType:  req.VoterType,
		Choice:     VoteChoice(req.Choice),
		Weight:     weight,
		Reason:     req.Reason,
		VotedAt:    now,
	}
	if err := s.store.UpsertVote(ctx, v); err != nil {
		return nil, err
	}
	s.logger.Info("vote cast", "proposal_id", req.ProposalID, "voter_id", req.VoterID, "weight", weight)
	return v, nil
}

// WithdrawVote removes the caller's own ballot while voting is still open.
func (s *Service) WithdrawVote(ctx context.Context, proposalID, voterID string) error {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	if p.Status != StatusVoting {
		return fmt.Errorf("%w: proposal is %s", ErrWrongStatus, p.Status)
	}
	now := s.now().UTC()
	if !now.Before(p.VotingDeadline()) {
		return fmt.Errorf("%w: voting closed at %s", ErrWindowClosed, p.VotingDeadline().Format(time.RFC3339))
	}
	if err := s.store.DeleteVote(ctx, proposalID, voterID); err != nil {
		return err
	}
	s.logger.Info("vote withdrawn", "proposal_id", proposalID, "voter_id", voterID)
	return nil
}

// TallyPreview is the anonymous running tally exposed while voting is open.
type TallyPreview struct {
	ProposalID      string  `json:"proposal_id"`
	TotalVotes      int     `json:"total_votes"`
	YesVotes        int     `json:"yes_votes"`
	NoVotes         int     `json:"no_votes"`
	AbstainVotes    int     `json:"abstain_votes"`
	WeightedYes     float64 `json:"weighted_yes"`
	WeightedNo      float64 `json:"weighted_no"`
	WeightedAbstain float64 `json:"weighted_abstain"`
	VotingOpen      bool    `json:"voting_open"`
}

// VoteListing pairs a tally with ballots. Ballots are withheld while the
// voting window is open so early voters cannot anchor later ones.
type VoteListing struct {
	Preview TallyPreview `json:"tally"`
	Votes   []Vote       `json:"votes,omitempty"`
}

// ListVotes returns the tally, plus individual ballots once voting closed.
func (s *Service) ListVotes(ctx context.Context, proposalID string) (*VoteListing, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	votes, err := s.store.ListVotes(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	t := TallyVotes(votes)
	open := p.Status == StatusVoting
	listing := &VoteListing{
		Preview: TallyPreview{
			ProposalID:      proposalID,
			TotalVotes:      t.TotalVotes,
			YesVotes:        t.YesVotes,
			NoVotes:         t.NoVotes,
			AbstainVotes:    t.AbstainVotes,
			WeightedYes:     t.WeightedYes,
			WeightedNo:      t.WeightedNo,
			WeightedAbstain: t.WeightedAbstain,
			VotingOpen:      open,
		},
	}
	if !open {
		listing.Votes = votes
	}
	return listing, nil
}
