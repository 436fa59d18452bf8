// Package review runs the impact review feedback loop: every approved
// proposal gets a scheduled retrospective whose rating feeds back into the
// trust scores of everyone who participated in the decision.
package review

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openpr-labs/governor/pkg/governance"
)

// ErrNotFound is returned when a review row does not exist.
var ErrNotFound = errors.New("review: not found")

const pgSchema = `
CREATE TABLE IF NOT EXISTS impact_reviews (
    id TEXT PRIMARY KEY,
    proposal_id TEXT NOT NULL UNIQUE,
    decision_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    scheduled_at TIMESTAMPTZ NOT NULL,
    rating TEXT,
    outcome_summary TEXT NOT NULL DEFAULT '',
    goal_achievements TEXT NOT NULL DEFAULT '',
    achievements TEXT NOT NULL DEFAULT '',
    lessons TEXT NOT NULL DEFAULT '',
    repair_suggestion_required BOOLEAN NOT NULL DEFAULT false,
    trust_score_applied BOOLEAN NOT NULL DEFAULT false,
    completed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_impact_reviews_due
    ON impact_reviews (scheduled_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS review_participants (
    id BIGSERIAL PRIMARY KEY,
    review_id TEXT NOT NULL REFERENCES impact_reviews(id),
    participant_id TEXT NOT NULL,
    participant_type TEXT NOT NULL,
    role TEXT NOT NULL,
    vote_choice TEXT,
    exercised_veto BOOLEAN NOT NULL DEFAULT false,
    veto_overturned BOOLEAN NOT NULL DEFAULT false,
    UNIQUE (review_id, participant_id, role)
);

CREATE TABLE IF NOT EXISTS ai_learning_records (
    id BIGSERIAL PRIMARY KEY,
    participant_id TEXT NOT NULL,
    proposal_id TEXT NOT NULL,
    review_id TEXT NOT NULL,
    vote_choice TEXT,
    alignment TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (review_id, participant_id)
);

CREATE TABLE IF NOT EXISTS governance_configs (
    project_id UUID PRIMARY KEY,
    auto_review_days INTEGER NOT NULL DEFAULT 30,
    consensus_abstain_fraction DOUBLE PRECISION NOT NULL DEFAULT 0.25,
    escalation_deadline_overturns BOOLEAN NOT NULL DEFAULT false,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// ReviewStatus is the lifecycle state of an impact review.
type ReviewStatus string

const (
	StatusPending    ReviewStatus = "pending"
	StatusCollecting ReviewStatus = "collecting"
	StatusCompleted  ReviewStatus = "completed"
	StatusSkipped    ReviewStatus = "skipped"
)

// Rating grades the real-world outcome of an approved proposal.
type Rating string

const (
	RatingS Rating = "S"
	RatingA Rating = "A"
	RatingB Rating = "B"
	RatingC Rating = "C"
	RatingF Rating = "F"
)

// ValidRating reports whether value is a known rating.
func ValidRating(value string) bool {
	switch Rating(value) {
	case RatingS, RatingA, RatingB, RatingC, RatingF:
		return true
	}
	return false
}

// Positive reports whether the rating counts as a good outcome.
func (r Rating) Positive() bool { return r == RatingS || r == RatingA }

// Negative reports whether the rating counts as a bad outcome.
func (r Rating) Negative() bool { return r == RatingC || r == RatingF }

// Review is one scheduled retrospective.
type Review struct {
	ID                       string       `json:"id"`
	ProposalID               string       `json:"proposal_id"`
	DecisionID               string       `json:"decision_id"`
	Status                   ReviewStatus `json:"status"`
	ScheduledAt              time.Time    `json:"scheduled_at"`
	Rating                   *Rating      `json:"rating,omitempty"`
	OutcomeSummary           string       `json:"outcome_summary,omitempty"`
	GoalAchievements         string       `json:"goal_achievements,omitempty"`
	Achievements             string       `json:"achievements,omitempty"`
	Lessons                  string       `json:"lessons,omitempty"`
	RepairSuggestionRequired bool         `json:"repair_suggestion_required"`
	TrustScoreApplied        bool         `json:"trust_score_applied"`
	CompletedAt              *time.Time   `json:"completed_at,omitempty"`
	CreatedAt                time.Time    `json:"created_at"`
}

// Participant roles inside a review.
const (
	RoleProposer     = "proposer"
	RoleVoterYes     = "voter_yes"
	RoleVoterNo      = "voter_no"
	RoleVoterAbstain = "voter_abstain"
	RoleVetoer       = "vetoer"
)

// Participant links one actor's decision-time behavior to a review.
type Participant struct {
	ID             int64   `json:"id"`
	ReviewID       string  `json:"review_id"`
	ParticipantID  string  `json:"participant_id"`
	ParticipantType string `json:"participant_type"`
	Role           string  `json:"role"`
	VoteChoice     *string `json:"vote_choice,omitempty"`
	ExercisedVeto  bool    `json:"exercised_veto"`
	VetoOverturned bool    `json:"veto_overturned"`
}

// PostgresStore persists reviews and learning records.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the review tables if they do not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("init review schema: %w", err)
	}
	return nil
}

const reviewColumns = `id, proposal_id, decision_id, status, scheduled_at, rating,
	outcome_summary, goal_achievements, achievements, lessons,
	repair_suggestion_required, trust_score_applied, completed_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReview(row rowScanner) (*Review, error) {
	var r Review
	err := row.Scan(&r.ID, &r.ProposalID, &r.DecisionID, &r.Status, &r.ScheduledAt,
		&r.Rating, &r.OutcomeSummary, &r.GoalAchievements, &r.Achievements,
		&r.Lessons, &r.RepairSuggestionRequired,
		&r.TrustScoreApplied, &r.CompletedAt, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan review: %w", err)
	}
	return &r, nil
}

// Get fetches one review by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Review, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reviewColumns+` FROM impact_reviews WHERE id = $1`, id)
	return scanReview(row)
}

// GetByProposal fetches the review attached to a proposal.
func (s *PostgresStore) GetByProposal(ctx context.Context, proposalID string) (*Review, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reviewColumns+` FROM impact_reviews WHERE proposal_id = $1`, proposalID)
	return scanReview(row)
}

// ListDue returns pending reviews whose time has come.
func (s *PostgresStore) ListDue(ctx context.Context, asOf time.Time, limit int) ([]Review, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reviewColumns+` FROM impact_reviews
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY scheduled_at LIMIT $2`, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("list due reviews: %w", err)
	}
	defer rows.Close()
	var out []Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ListParticipants returns every participant of a review.
func (s *PostgresStore) ListParticipants(ctx context.Context, reviewID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, review_id, participant_id, participant_type, role, vote_choice,
			exercised_veto, veto_overturned
		FROM review_participants WHERE review_id = $1 ORDER BY id`, reviewID)
	if err != nil {
		return nil, fmt.Errorf("list review participants: %w", err)
	}
	defer rows.Close()
	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID, &p.ReviewID, &p.ParticipantID, &p.ParticipantType,
			&p.Role, &p.VoteChoice, &p.ExercisedVeto, &p.VetoOverturned); err != nil {
			return nil, fmt.Errorf("scan review participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Config is per-project governance tuning.
type Config struct {
	ProjectID                   uuid.UUID `json:"project_id"`
	AutoReviewDays              int       `json:"auto_review_days"`
	ConsensusAbstainFraction    float64   `json:"consensus_abstain_fraction"`
	EscalationDeadlineOverturns bool      `json:"escalation_deadline_overturns"`
	UpdatedAt                   time.Time `json:"updated_at"`
}

// DefaultConfig is used for projects without an explicit row.
func DefaultConfig(projectID uuid.UUID) Config {
	return Config{
		ProjectID:                projectID,
		AutoReviewDays:           30,
		ConsensusAbstainFraction: 0.25,
	}
}

// GetConfig returns the project's governance config, defaulted when absent.
func (s *PostgresStore) GetConfig(ctx context.Context, projectID uuid.UUID) (Config, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT project_id, auto_review_days, consensus_abstain_fraction,
			escalation_deadline_overturns, updated_at
		FROM governance_configs WHERE project_id = $1`, projectID)
	var c Config
	err := row.Scan(&c.ProjectID, &c.AutoReviewDays, &c.ConsensusAbstainFraction,
		&c.EscalationDeadlineOverturns, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultConfig(projectID), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("scan governance config: %w", err)
	}
	return c, nil
}

// TuningFor implements governance.ConfigSource over governance_configs.
// Projects without a row yield nil so the governance defaults apply.
func (s *PostgresStore) TuningFor(ctx context.Context, projectID uuid.UUID) (*governance.Tuning, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT consensus_abstain_fraction, escalation_deadline_overturns
		FROM governance_configs WHERE project_id = $1`, projectID)
	var t governance.Tuning
	err := row.Scan(&t.ConsensusAbstainFraction, &t.EscalationDeadlineOverturns)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan project tuning: %w", err)
	}
	return &t, nil
}

// PutConfig upserts the project's governance config.
func (s *PostgresStore) PutConfig(ctx context.Context, c Config) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO governance_configs (project_id, auto_review_days,
			consensus_abstain_fraction, escalation_deadline_overturns, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (project_id) DO UPDATE SET
			auto_review_days = EXCLUDED.auto_review_days,
			consensus_abstain_fraction = EXCLUDED.consensus_abstain_fraction,
			escalation_deadline_overturns = EXCLUDED.escalation_deadline_overturns,
			updated_at = now()`,
		c.ProjectID, c.AutoReviewDays, c.ConsensusAbstainFraction, c.EscalationDeadlineOverturns)
	if err != nil {
		return fmt.Errorf("upsert governance config: %w", err)
	}
	return nil
}
