package governance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors mapped to API error codes by the transport layer.
var (
	ErrInvalidInput    = errors.New("governance: invalid input")
	ErrForbidden       = errors.New("governance: forbidden")
	ErrWrongStatus     = errors.New("governance: wrong status for operation")
	ErrWindowClosed    = errors.New("governance: window closed")
	ErrWindowOpen      = errors.New("governance: window still open")
	ErrCooldown        = errors.New("governance: author is in cooldown")
	ErrAlreadyExists   = errors.New("governance: already exists")
	ErrWeightTooLow    = errors.New("governance: insufficient trust level")
	ErrHumanConsensus  = errors.New("governance: unanimous human consensus may not be vetoed")
	ErrEscalationState = errors.New("governance: escalation not available")
)

// WeightSource answers trust questions for voters and vetoers. Implemented
// by the trust engine.
type WeightSource interface {
	// VoteWeight returns the clamped voting weight of an actor in a project domain.
	VoteWeight(ctx context.Context, actorID string, projectID uuid.UUID, domain string) (float64, error)
	// CanVote reports whether the actor holds at least voter level in the
	// project domain.
	CanVote(ctx context.Context, actorID, actorType string, projectID uuid.UUID, domain string) (bool, error)
	// CanVeto reports whether the actor holds an active vetoer grant in the
	// project domain.
	CanVeto(ctx context.Context, actorID uuid.UUID, projectID uuid.UUID, domain string) (bool, error)
	// CanVetoHumanConsensus reports whether an AI vetoer may override a
	// unanimous human vote in the project.
	CanVetoHumanConsensus(ctx context.Context, actorID uuid.UUID, projectID uuid.UUID) (bool, error)
	// InCooldown reports whether the actor is barred from acting in the project.
	InCooldown(ctx context.Context, actorID string, projectID uuid.UUID) (bool, error)
	// DomainVetoerCount returns the number of active vetoer grants in a
	// project domain.
	DomainVetoerCount(ctx context.Context, projectID uuid.UUID, domain string) (int, error)
}

// Tuning holds the per-project knobs that override the service-wide defaults.
type Tuning struct {
	// ConsensusAbstainFraction caps abstention weight under the consensus rule.
	ConsensusAbstainFraction float64
	// EscalationDeadlineOverturns makes an expired escalation overturn the
	// veto instead of upholding it.
	EscalationDeadlineOverturns bool
}

// ConfigSource resolves per-project tuning. A nil Tuning with a nil error
// means the project has no config row and the service defaults apply.
type ConfigSource interface {
	TuningFor(ctx context.Context, projectID uuid.UUID) (*Tuning, error)
}

// JobEnqueuer hands follow-up work to the background scheduler.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any, runAt time.Time) error
}

// Job kinds produced by the lifecycle and veto modules.
const (
	JobAdvanceProposal = "proposal.advance"
	JobApplyResult     = "trust.apply_proposal_result"
	JobScheduleReview  = "review.schedule"
	JobResolveVeto     = "veto.resolve_escalation"
)

// Submission bounds.
const (
	titleMinLen   = 10
	titleMaxLen   = 200
	contentMinLen = 50
	vetoReasonMin = 100

	// EscalationWindow bounds both starting an escalation after a veto and
	// casting ballots after an escalation starts.
	EscalationWindow = 48 * time.Hour
)

// Service drives the proposal lifecycle.
type Service struct {
	store   *PostgresStore
	weights WeightSource
	jobs    JobEnqueuer
	logger  *slog.Logger
	now     func() time.Time

	// ConsensusAbstainFraction caps abstention weight under the consensus
	// rule. Zero means the package default.
	ConsensusAbstainFraction float64

	// EscalationDeadlineOverturns makes an expired escalation overturn the
	// veto instead of upholding it.
	EscalationDeadlineOverturns bool

	// Config supplies per-project overrides for the two fields above.
	// Optional; projects without a config row fall back to them.
	Config ConfigSource
}

// NewService wires a lifecycle service.
func NewService(store *PostgresStore, weights WeightSource, jobs JobEnqueuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		weights: weights,
		jobs:    jobs,
		logger:  logger.With("component", "governance"),
		now:     time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateDraftRequest carries the fields of a new proposal.
type CreateDraftRequest struct {
	ProjectID     uuid.UUID
	Title         string
	Type          string
	Content       string
	Domains       []string
	VotingRule    string
	CycleTemplate string
	AuthorID      string
	AuthorType    string
}

// CreateDraft validates and persists a new draft proposal.
func (s *Service) CreateDraft(ctx context.Context, req CreateDraftRequest) (*Proposal, error) {
	if !ValidProposalType(req.Type) {
		return nil, fmt.Errorf("%w: unknown proposal type %q", ErrInvalidInput, req.Type)
	}
	rule := VotingRule(req.VotingRule)
	if req.VotingRule == "" {
		rule = RuleSimpleMajority
	} else if !ValidVotingRule(req.VotingRule) {
		return nil, fmt.Errorf("%w: unknown voting rule %q", ErrInvalidInput, req.VotingRule)
	}
	cycle := CycleTemplate(req.CycleTemplate)
	if req.CycleTemplate == "" {
		cycle = DefaultCycleTemplate(ProposalType(req.Type))
	} else if !ValidCycleTemplate(req.CycleTemplate) {
		return nil, fmt.Errorf("%w: unknown cycle template %q", ErrInvalidInput, req.CycleTemplate)
	}

	p := &Proposal{
		ID:            NewProposalID(),
		ProjectID:     req.ProjectID,
		Title:         req.Title,
		Type:          ProposalType(req.Type),
		Status:        StatusDraft,
		AuthorID:      req.AuthorID,
		AuthorType:    req.AuthorType,
		Content:       req.Content,
		Domains:       NormalizeDomains(req.Domains),
		VotingRule:    rule,
		CycleTemplate: cycle,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.CreateProposal(ctx, p); err != nil {
		return nil, err
	}
	s.audit(ctx, p, p.AuthorID, p.AuthorType, "proposal.created", nil)
	return p, nil
}

// UpdateDraft edits a draft's title, content and domains. Author only.
func (s *Service) UpdateDraft(ctx context.Context, id, actorID, title, content string, domains []string) (*Proposal, error) {
	p, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.AuthorID != actorID {
		return nil, fmt.Errorf("%w: only the author may edit a draft", ErrForbidden)
	}
	if p.Status != StatusDraft {
		return nil, fmt.Errorf("%w: proposal is %s", ErrWrongStatus, p.Status)
	}
	normalized := NormalizeDomains(domains)
	if err := s.store.UpdateProposalContent(ctx, id, title, content, normalized); err != nil {
		return nil, err
	}
	p.Title, p.Content, p.Domains = title, content, normalized
	return p, nil
}

// DeleteDraft removes an unsubmitted proposal. Author only.
func (s *Service) DeleteDraft(ctx context.Context, id, actorID string) error {
	p, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return err
	}
	if p.AuthorID != actorID {
		return fmt.Errorf("%w: only the author may delete a draft", ErrForbidden)
	}
	if p.Status != StatusDraft {
		return fmt.Errorf("%w: proposal is %s", ErrWrongStatus, p.Status)
	}
	return s.store.DeleteDraft(ctx, id)
}

// Submit moves a draft to open and starts the discussion window.
func (s *Service) Submit(ctx context.Context, id, actorID string) (*Proposal, error) {
	p, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.AuthorID != actorID {
		return nil, fmt.Errorf("%w: only the author may submit", ErrForbidden)
	}
	if p.Status != StatusDraft {
		return nil, fmt.Errorf("%w: proposal is %s", ErrWrongStatus, p.Status)
	}
	if n := len(p.Title); n < titleMinLen || n > titleMaxLen {
		return nil, fmt.Errorf("%w: title must be %d-%d characters", ErrInvalidInput, titleMinLen, titleMaxLen)
	}
	if len(p.Content) < contentMinLen {
		return nil, fmt.Errorf("%w: content must be at least %d characters", ErrInvalidInput, contentMinLen)
	}
	if len(p.Domains) == 0 {
		return nil, fmt.Errorf("%w: at least one decision domain is required", ErrInvalidInput)
	}
	if cooling, err := s.weights.InCooldown(ctx, actorID, p.ProjectID); err != nil {
		return nil, err
	} else if cooling {
		return nil, ErrCooldown
	}

	now := s.now().UTC()
	res, err := s.store.db.ExecContext(ctx, `
		UPDATE proposals SET status = 'open', submitted_at = $2
		WHERE id = $1 AND status = 'draft'`, id, now)
	if err != nil {
		return nil, fmt.Errorf("submit proposal: %w", err)
	}
	if err := requireOneRow(res); err != nil {
		return nil, fmt.Errorf("%w: proposal left draft concurrently", ErrWrongStatus)
	}
	p.Status = StatusOpen
	p.SubmittedAt = &now

	discussion, _ := CycleHours(p.CycleTemplate)
	s.enqueueAdvance(ctx, p.ID, now.Add(discussion))
	s.audit(ctx, p, actorID, p.AuthorType, "proposal.submitted", nil)
	return p, nil
}

// StartVoting moves an open proposal to voting at the author's request. The
// author may cut the discussion window short; the scheduler otherwise moves
// the proposal when the window elapses.
func (s *Service) StartVoting(ctx context.Context, id, actorID string) (*Proposal, error) {
	p, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.AuthorID != actorID {
		return nil, fmt.Errorf("%w: only the author may start voting", ErrForbidden)
	}
	return s.startVoting(ctx, p, actorID, p.AuthorType)
}

// startVoting flips open to voting. Idempotent under races: the status
// predicate loses cleanly.
func (s *Service) startVoting(ctx context.Context, p *Proposal, actorID, actorType string) (*Proposal, error) {
	if p.Status != StatusOpen {
		return nil, fmt.Errorf("%w: proposal is %s", ErrWrongStatus, p.Status)
	}
	now := s.now().UTC()
	res, err := s.store.db.ExecContext(ctx, `
		UPDATE proposals SET status = 'voting', voting_started_at = $2
		WHERE id = $1 AND status = 'open'`, p.ID, now)
	if err != nil {
		return nil, fmt.Errorf("start voting: %w", err)
	}
	if err := requireOneRow(res); err != nil {
		return nil, fmt.Errorf("%w: proposal left open concurrently", ErrWrongStatus)
	}
	p.Status = StatusVoting
	p.VotingStartedAt = &now

	_, voting := CycleHours(p.CycleTemplate)
	s.enqueueAdvance(ctx, p.ID, now.Add(voting))
	s.audit(ctx, p, actorID, actorType, "proposal.voting_started", nil)
	return p, nil
}

// Finalize closes the voting window, tallies once and records the decision.
// The whole read-tally-write runs in one transaction with the proposal row
// locked, so concurrent finalizes serialize and the loser sees a non-voting
// status.
func (s *Service) Finalize(ctx context.Context, id string) (*Decision, error) {
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback()

	p, err := GetProposalForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusVoting {
		return nil, fmt.Errorf("%w: proposal is %s", ErrWrongStatus, p.Status)
	}
	now := s.now().UTC()
	if now.Before(p.VotingDeadline()) {
		return nil, fmt.Errorf("%w: voting runs until %s", ErrWindowOpen, p.VotingDeadline().Format(time.RFC3339))
	}

	d, err := s.recordDecision(ctx, tx, p, now)
	if err != nil {
		return nil, err
	}
	status := StatusRejected
	if d.Result == ResultApproved {
		status = StatusApproved
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE proposals SET status = $2, voting_ended_at = $3
		WHERE id = $1`, id, status, now); err != nil {
		return nil, fmt.Errorf("close proposal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit finalize: %w", err)
	}
	p.Status = status
	p.VotingEndedAt = &now

	s.afterDecision(ctx, p, d)
	return d, nil
}

// recordDecision tallies the ballots visible inside tx and inserts the
// decision row. Called with the proposal row locked.
func (s *Service) recordDecision(ctx context.Context, tx *sql.Tx, p *Proposal, now time.Time) (*Decision, error) {
	votes, err := listVotes(ctx, tx, p.ID)
	if err != nil {
		return nil, err
	}
	t := TallyVotes(votes)
	abstainFraction, _, err := s.tuning(ctx, p.ProjectID)
	if err != nil {
		return nil, err
	}
	result := Decide(p.VotingRule, t, abstainFraction)

	d := &Decision{
		ID:                   NewDecisionID(),
		ProposalID:           p.ID,
		Result:               result,
		TotalVotes:           t.TotalVotes,
		YesVotes:             t.YesVotes,
		NoVotes:              t.NoVotes,
		AbstainVotes:         t.AbstainVotes,
		WeightedYes:          t.WeightedYes,
		WeightedNo:           t.WeightedNo,
		WeightedAbstain:      t.WeightedAbstain,
		ApprovalRate:         t.ApprovalRate(),
		WeightedApprovalRate: t.WeightedApprovalRate(),
		DecidedAt:            now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO decisions (id, proposal_id, result, total_votes, yes_votes, no_votes,
			abstain_votes, weighted_yes, weighted_no, weighted_abstain, approval_rate,
			weighted_approval_rate, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (proposal_id) DO UPDATE SET result = EXCLUDED.result,
			total_votes = EXCLUDED.total_votes, yes_votes = EXCLUDED.yes_votes,
			no_votes = EXCLUDED.no_votes, abstain_votes = EXCLUDED.abstain_votes,
			weighted_yes = EXCLUDED.weighted_yes, weighted_no = EXCLUDED.weighted_no,
			weighted_abstain = EXCLUDED.weighted_abstain,
			approval_rate = EXCLUDED.approval_rate,
			weighted_approval_rate = EXCLUDED.weighted_approval_rate,
			decided_at = EXCLUDED.decided_at`,
		d.ID, d.ProposalID, d.Result, d.TotalVotes, d.YesVotes, d.NoVotes,
		d.AbstainVotes, d.WeightedYes, d.WeightedNo, d.WeightedAbstain,
		d.ApprovalRate, d.WeightedApprovalRate, d.DecidedAt); err != nil {
		return nil, fmt.Errorf("record decision: %w", err)
	}
	return d, nil
}

// afterDecision enqueues the post-commit follow-ups. The handlers are
// idempotent, so at-least-once delivery through the scheduler is safe.
func (s *Service) afterDecision(ctx context.Context, p *Proposal, d *Decision) {
	s.logger.Info("proposal decided",
		"proposal_id", p.ID, "result", d.Result,
		"yes", d.WeightedYes, "no", d.WeightedNo, "abstain", d.WeightedAbstain)
	if s.jobs == nil {
		return
	}
	now := s.now().UTC()
	if err := s.jobs.Enqueue(ctx, JobApplyResult, map[string]any{
		"proposal_id": p.ID, "decision_id": d.ID, "result": d.Result,
	}, now); err != nil {
		s.logger.Error("enqueue trust application failed", "proposal_id", p.ID, "error", err)
	}
	if d.Result == ResultApproved {
		if err := s.jobs.Enqueue(ctx, JobScheduleReview, map[string]any{
			"proposal_id": p.ID, "decision_id": d.ID,
		}, now); err != nil {
			s.logger.Error("enqueue review scheduling failed", "proposal_id", p.ID, "error", err)
		}
	}
	s.audit(ctx, p, "system", "system", "proposal.decided",
		map[string]any{"decision_id": d.ID, "result": d.Result})
}

// Advance pushes an out-of-draft proposal through any stage whose deadline
// has passed. Worker entry point; safe to call repeatedly.
func (s *Service) Advance(ctx context.Context, id string) error {
	p, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return err
	}
	switch p.Status {
	case StatusOpen:
		if !s.now().UTC().Before(p.DiscussionDeadline()) {
			if _, err := s.startVoting(ctx, p, "system", "system"); err != nil && !errors.Is(err, ErrWrongStatus) {
				return err
			}
			// fall through to finalize on templates with zero-length windows
			p, err = s.store.GetProposal(ctx, id)
			if err != nil {
				return err
			}
		}
	}
	if p.Status == StatusVoting && !s.now().UTC().Before(p.VotingDeadline()) {
		if _, err := s.Finalize(ctx, id); err != nil && !errors.Is(err, ErrWrongStatus) {
			return err
		}
	}
	return nil
}

// Archive moves a terminal proposal to archived. The author or an admin only.
func (s *Service) Archive(ctx context.Context, id, actorID, actorType string, isAdmin bool) (*Proposal, error) {
	p, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.AuthorID != actorID && !isAdmin {
		return nil, fmt.Errorf("%w: only the author or an admin may archive", ErrForbidden)
	}
	switch p.Status {
	case StatusApproved, StatusRejected, StatusVetoed:
	default:
		return nil, fmt.Errorf("%w: only decided proposals may be archived", ErrWrongStatus)
	}
	now := s.now().UTC()
	res, err := s.store.db.ExecContext(ctx, `
		UPDATE proposals SET status = 'archived', archived_at = $2
		WHERE id = $1 AND status = $3`, id, now, p.Status)
	if err != nil {
		return nil, fmt.Errorf("archive proposal: %w", err)
	}
	if err := requireOneRow(res); err != nil {
		return nil, fmt.Errorf("%w: proposal changed concurrently", ErrWrongStatus)
	}
	p.Status = StatusArchived
	p.ArchivedAt = &now
	s.audit(ctx, p, actorID, actorType, "proposal.archived", nil)
	return p, nil
}

// tuning resolves the knobs for one project, falling back to the
// service-wide settings when the project has no config row.
func (s *Service) tuning(ctx context.Context, projectID uuid.UUID) (abstainFraction float64, deadlineOverturns bool, err error) {
	abstainFraction = s.ConsensusAbstainFraction
	deadlineOverturns = s.EscalationDeadlineOverturns
	if s.Config == nil {
		return abstainFraction, deadlineOverturns, nil
	}
	t, err := s.Config.TuningFor(ctx, projectID)
	if err != nil {
		return 0, false, fmt.Errorf("project tuning: %w", err)
	}
	if t != nil {
		abstainFraction = t.ConsensusAbstainFraction
		deadlineOverturns = t.EscalationDeadlineOverturns
	}
	return abstainFraction, deadlineOverturns, nil
}

// Store exposes the backing store for read paths.
func (s *Service) Store() *PostgresStore {
	return s.store
}

func (s *Service) enqueueAdvance(ctx context.Context, proposalID string, at time.Time) {
	if s.jobs == nil {
		return
	}
	err := s.jobs.Enqueue(ctx, JobAdvanceProposal, map[string]any{"proposal_id": proposalID}, at)
	if err != nil {
		s.logger.Error("enqueue advance failed", "proposal_id", proposalID, "error", err)
	}
}

func (s *Service) audit(ctx context.Context, p *Proposal, actorID, actorType, action string, detail map[string]any) {
	var payload []byte
	if detail != nil {
		payload, _ = json.Marshal(detail)
	}
	pid := p.ProjectID
	err := s.store.AppendAudit(ctx, AuditEntry{
		ProjectID:  &pid,
		ActorID:    actorID,
		ActorType:  actorType,
		Action:     action,
		EntityType: "proposal",
		EntityID:   p.ID,
		Detail:     payload,
	})
	if err != nil {
		s.logger.Error("audit append failed", "action", action, "proposal_id", p.ID, "error", err)
	}
}
