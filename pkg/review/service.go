package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openpr-labs/governor/pkg/governance"
	"github.com/openpr-labs/governor/pkg/trust"
)

// Sentinel errors mapped to API error codes by the transport layer.
var (
	ErrWrongStatus   = errors.New("review: wrong status for operation")
	ErrRatingMissing = errors.New("review: a rating is required to complete")
)

// Rating deltas applied to the proposer when a review completes.
var baseDeltas = map[Rating]int{
	RatingS: 5,
	RatingA: 3,
	RatingB: 1,
	RatingC: -1,
	RatingF: -3,
}

// Service schedules and completes impact reviews.
type Service struct {
	store      *PostgresStore
	governance *governance.PostgresStore
	engine     *trust.Engine
	logger     *slog.Logger
	now        func() time.Time
}

// NewService wires a review service.
func NewService(store *PostgresStore, gov *governance.PostgresStore, engine *trust.Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		governance: gov,
		engine:     engine,
		logger:     logger.With("component", "review"),
		now:        time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Store exposes the backing store for read paths.
func (s *Service) Store() *PostgresStore {
	return s.store
}

// NewReviewID mints a prefixed review identifier.
func NewReviewID() string {
	return "REV-" + uuid.New().String()
}

// Schedule creates the review for an approved proposal and snapshots its
// participants. Idempotent: the unique proposal_id constraint makes repeat
// deliveries no-ops.
func (s *Service) Schedule(ctx context.Context, proposalID string) (*Review, error) {
	p, err := s.governance.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != governance.StatusApproved {
		return nil, fmt.Errorf("%w: proposal is %s", ErrWrongStatus, p.Status)
	}
	d, err := s.governance.GetDecision(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	cfg, err := s.store.GetConfig(ctx, p.ProjectID)
	if err != nil {
		return nil, err
	}

	base := s.now().UTC()
	if p.VotingEndedAt != nil {
		base = *p.VotingEndedAt
	}
	r := &Review{
		ID:          NewReviewID(),
		ProposalID:  proposalID,
		DecisionID:  d.ID,
		Status:      StatusPending,
		ScheduledAt: base.Add(time.Duration(cfg.AutoReviewDays) * 24 * time.Hour),
		CreatedAt:   s.now().UTC(),
	}
	res, err := s.store.db.ExecContext(ctx, `
		INSERT INTO impact_reviews (id, proposal_id, decision_id, status, scheduled_at, created_at)
		VALUES ($1, $2, $3, 'pending', $4, $5)
		ON CONFLICT (proposal_id) DO NOTHING`,
		r.ID, r.ProposalID, r.DecisionID, r.ScheduledAt, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert review: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.store.GetByProposal(ctx, proposalID)
	}
	if err := s.snapshotParticipants(ctx, r, p); err != nil {
		return nil, err
	}
	s.logger.Info("impact review scheduled",
		"review_id", r.ID, "proposal_id", proposalID, "scheduled_at", r.ScheduledAt)
	return r, nil
}

// snapshotParticipants records who shaped the decision and how: the
// proposer, each voter with their choice, and any vetoer.
func (s *Service) snapshotParticipants(ctx context.Context, r *Review, p *governance.Proposal) error {
	add := func(participantID, participantType, role string, choice *string, vetoed, overturned bool) error {
		_, err := s.store.db.ExecContext(ctx, `
			INSERT INTO review_participants (review_id, participant_id, participant_type,
				role, vote_choice, exercised_veto, veto_overturned)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (review_id, participant_id, role) DO NOTHING`,
			r.ID, participantID, participantType, role, choice, vetoed, overturned)
		if err != nil {
			return fmt.Errorf("insert review participant: %w", err)
		}
		return nil
	}

	if err := add(p.AuthorID, p.AuthorType, RoleProposer, nil, false, false); err != nil {
		return err
	}
	votes, err := s.governance.ListVotes(ctx, p.ID)
	if err != nil {
		return err
	}
	for _, v := range votes {
		role := RoleVoterAbstain
		switch v.Choice {
		case governance.ChoiceYes:
			role = RoleVoterYes
		case governance.ChoiceNo:
			role = RoleVoterNo
		}
		choice := string(v.Choice)
		if err := add(v.VoterID, v.VoterType, role, &choice, false, false); err != nil {
			return err
		}
	}
	ve, err := s.governance.GetVeto(ctx, p.ID)
	if err != nil && !errors.Is(err, governance.ErrNotFound) {
		return err
	}
	if ve != nil {
		overturned := ve.Status == governance.VetoOverturned
		if err := add(ve.VetoerID.String(), "human", RoleVetoer, nil, true, overturned); err != nil {
			return err
		}
	}
	return nil
}

// Start moves a pending review into the collecting phase. Worker and API
// entry point.
func (s *Service) Start(ctx context.Context, reviewID string) (*Review, error) {
	res, err := s.store.db.ExecContext(ctx, `
		UPDATE impact_reviews SET status = 'collecting'
		WHERE id = $1 AND status = 'pending'`, reviewID)
	if err != nil {
		return nil, fmt.Errorf("start review: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r, err := s.store.Get(ctx, reviewID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: review is %s", ErrWrongStatus, r.Status)
	}
	return s.store.Get(ctx, reviewID)
}

// Update edits the collected narrative fields while the review is still open.
func (s *Service) Update(ctx context.Context, reviewID, goalAchievements, achievements, lessons string) (*Review, error) {
	res, err := s.store.db.ExecContext(ctx, `
		UPDATE impact_reviews SET goal_achievements = $2, achievements = $3, lessons = $4
		WHERE id = $1 AND status IN ('pending', 'collecting')`,
		reviewID, goalAchievements, achievements, lessons)
	if err != nil {
		return nil, fmt.Errorf("update review: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r, err := s.store.Get(ctx, reviewID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: review is %s", ErrWrongStatus, r.Status)
	}
	return s.store.Get(ctx, reviewID)
}

// Skip closes an open review without rating it. No trust feedback is applied.
func (s *Service) Skip(ctx context.Context, reviewID, reason string) (*Review, error) {
	now := s.now().UTC()
	res, err := s.store.db.ExecContext(ctx, `
		UPDATE impact_reviews SET status = 'skipped', outcome_summary = $2, completed_at = $3
		WHERE id = $1 AND status IN ('pending', 'collecting')`, reviewID, reason, now)
	if err != nil {
		return nil, fmt.Errorf("skip review: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		r, err := s.store.Get(ctx, reviewID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: review is %s", ErrWrongStatus, r.Status)
	}
	s.logger.Info("impact review skipped", "review_id", reviewID)
	return s.store.Get(ctx, reviewID)
}

// Complete rates the outcome, feeds the deltas back into trust scores, and
// records AI learning alignment. The trust_score_applied flag plus the
// engine's per-event idempotency make the feedback exactly-once.
func (s *Service) Complete(ctx context.Context, reviewID, rating, summary string) (*Review, error) {
	if !ValidRating(rating) {
		return nil, fmt.Errorf("%w: unknown rating %q", ErrRatingMissing, rating)
	}
	r, err := s.store.Get(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if r.Status == StatusCompleted || r.Status == StatusSkipped {
		return nil, fmt.Errorf("%w: review is %s", ErrWrongStatus, r.Status)
	}

	now := s.now().UTC()
	rated := Rating(rating)
	repair := rated == RatingF
	res, err := s.store.db.ExecContext(ctx, `
		UPDATE impact_reviews SET status = 'completed', rating = $2, outcome_summary = $3,
			repair_suggestion_required = $4, completed_at = $5
		WHERE id = $1 AND status IN ('pending', 'collecting')`,
		reviewID, rated, summary, repair, now)
	if err != nil {
		return nil, fmt.Errorf("complete review: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: review completed concurrently", ErrWrongStatus)
	}
	r.Status = StatusCompleted
	r.Rating = &rated
	r.OutcomeSummary = summary
	r.RepairSuggestionRequired = repair
	r.CompletedAt = &now

	if err := s.applyTrustFeedback(ctx, r, rated); err != nil {
		return nil, err
	}
	if err := s.recordLearning(ctx, r, rated); err != nil {
		return nil, err
	}
	s.logger.Info("impact review completed",
		"review_id", r.ID, "proposal_id", r.ProposalID, "rating", rated)
	return r, nil
}

// feedbackDelta is the score adjustment one participant earns from a rating.
func feedbackDelta(role string, rated Rating, vetoOverturned bool) int {
	switch role {
	case RoleProposer:
		delta := baseDeltas[rated]
		if rated.Positive() {
			return delta + 1
		}
		if rated.Negative() {
			return delta - 2
		}
		return delta
	case RoleVoterYes:
		if rated.Positive() {
			return 1
		}
	case RoleVoterNo:
		if rated == RatingF {
			return 2
		}
		if rated.Positive() {
			return -1
		}
	case RoleVetoer:
		if vetoOverturned {
			return -1
		}
		if rated.Negative() {
			return 1
		}
	}
	return 0
}

// participantDeltas sums the adjustments per participant. A participant who
// held several roles in the decision earns the combined total, since the
// trust engine keys idempotency by event and participant and would otherwise
// land only the first role's delta.
func participantDeltas(participants []Participant, rated Rating) map[string]int {
	totals := make(map[string]int, len(participants))
	for _, pt := range participants {
		totals[pt.ParticipantID] += feedbackDelta(pt.Role, rated, pt.VetoOverturned)
	}
	return totals
}

// applyTrustFeedback turns the rating into score deltas for everyone who
// shaped the decision.
func (s *Service) applyTrustFeedback(ctx context.Context, r *Review, rated Rating) error {
	if r.TrustScoreApplied {
		return nil
	}
	p, err := s.governance.GetProposal(ctx, r.ProposalID)
	if err != nil {
		return err
	}
	participants, err := s.store.ListParticipants(ctx, r.ID)
	if err != nil {
		return err
	}

	domain := governance.PrimaryDomain(p.Domains)
	for participantID, delta := range participantDeltas(participants, rated) {
		if delta == 0 {
			continue
		}
		_, err := s.engine.ApplyChange(ctx, trust.Change{
			ParticipantID: participantID,
			ProjectID:     p.ProjectID,
			Domain:        domain,
			Delta:         delta,
			EventType:     "impact_review",
			EventID:       r.ID,
			Reason:        fmt.Sprintf("impact review %s rated %s", r.ID, rated),
		})
		if err != nil {
			return err
		}
	}

	if _, err := s.store.db.ExecContext(ctx, `
		UPDATE impact_reviews SET trust_score_applied = true WHERE id = $1`, r.ID); err != nil {
		return fmt.Errorf("mark trust applied: %w", err)
	}
	r.TrustScoreApplied = true
	return nil
}
