package governance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// OverturnQuorum is the ballot count needed to overturn a veto: two thirds
// of the domain's vetoers, rounded up.
func OverturnQuorum(vetoers int) int {
	if vetoers <= 0 {
		return 1
	}
	return (2*vetoers + 2) / 3
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// VetoRequest carries one veto.
type VetoRequest struct {
	ProposalID string
	VetoerID   uuid.UUID
	VetoerType string
	Reason     string
}

// Veto blocks a proposal that is voting or freshly approved. The partial
// unique index on active veto events makes concurrent vetoes race cleanly:
// exactly one insert wins.
func (s *Service) Veto(ctx context.Context, req VetoRequest) (*VetoEvent, error) {
	if len(req.Reason) < vetoReasonMin {
		return nil, fmt.Errorf("%w: veto reason must be at least %d characters", ErrInvalidInput, vetoReasonMin)
	}
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin veto: %w", err)
	}
	defer tx.Rollback()

	p, err := GetProposalForUpdate(ctx, tx, req.ProposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusVoting && p.Status != StatusApproved {
		return nil, fmt.Errorf("%w: proposal is %s", ErrWrongStatus, p.Status)
	}
	domain := PrimaryDomain(p.Domains)
	ok, err := s.weights.CanVeto(ctx, req.VetoerID, p.ProjectID, domain)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: vetoer grant required in domain %s", ErrWeightTooLow, domain)
	}
	if req.VetoerType == "ai" {
		blocked, err := s.humanConsensusBlocks(ctx, tx, p, req.VetoerID)
		if err != nil {
			return nil, err
		}
		if blocked {
			return nil, ErrHumanConsensus
		}
	}

	now := s.now().UTC()
	ve := &VetoEvent{
		ProposalID: req.ProposalID,
		VetoerID:   req.VetoerID,
		Domain:     domain,
		Reason:     req.Reason,
		Status:     VetoActive,
		CreatedAt:  now,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO veto_events (proposal_id, vetoer_id, domain, reason, status, created_at)
		VALUES ($1, $2, $3, $4, 'active', $5)
		RETURNING id`,
		ve.ProposalID, ve.VetoerID, ve.Domain, ve.Reason, now).Scan(&ve.ID)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: an active veto already exists", ErrAlreadyExists)
	}
	if err != nil {
		return nil, fmt.Errorf("insert veto: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO decisions (id, proposal_id, result, total_votes, yes_votes, no_votes,
			abstain_votes, weighted_yes, weighted_no, weighted_abstain, veto_event_id, decided_at)
		VALUES ($1, $2, 'vetoed', 0, 0, 0, 0, 0, 0, 0, $3, $4)
		ON CONFLICT (proposal_id) DO UPDATE SET result = 'vetoed',
			veto_event_id = EXCLUDED.veto_event_id, decided_at = EXCLUDED.decided_at`,
		NewDecisionID(), req.ProposalID, ve.ID, now); err != nil {
		return nil, fmt.Errorf("mark decision vetoed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE proposals SET status = 'vetoed',
			voting_ended_at = COALESCE(voting_ended_at, $2)
		WHERE id = $1`, req.ProposalID, now); err != nil {
		return nil, fmt.Errorf("mark proposal vetoed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit veto: %w", err)
	}
	s.logger.Info("proposal vetoed", "proposal_id", req.ProposalID, "vetoer_id", req.VetoerID, "domain", domain)
	s.audit(ctx, p, req.VetoerID.String(), req.VetoerType, "proposal.vetoed",
		map[string]any{"veto_event_id": ve.ID, "domain": domain})
	return ve, nil
}

// humanConsensusBlocks reports whether an AI veto is barred because every
// human ballot agrees. A per-vetoer override lifts the bar.
func (s *Service) humanConsensusBlocks(ctx context.Context, tx *sql.Tx, p *Proposal, vetoerID uuid.UUID) (bool, error) {
	votes, err := listVotes(ctx, tx, p.ID)
	if err != nil {
		return false, err
	}
	var humanChoice VoteChoice
	humans := 0
	for _, v := range votes {
		if v.VoterType != "human" {
			continue
		}
		humans++
		if humans == 1 {
			humanChoice = v.Choice
		} else if v.Choice != humanChoice {
			return false, nil
		}
	}
	if humans < 2 {
		return false, nil
	}
	allowed, err := s.weights.CanVetoHumanConsensus(ctx, vetoerID, p.ProjectID)
	if err != nil {
		return false, err
	}
	return !allowed, nil
}

func (s *Service) getActiveVeto(ctx context.Context, tx *sql.Tx, proposalID string) (*VetoEvent, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, proposal_id, vetoer_id, domain, reason, status, escalation_started_at,
			escalation_result, overturned_count, upheld_count, created_at
		FROM veto_events WHERE proposal_id = $1 AND status = 'active'
		FOR UPDATE`, proposalID)
	var ve VetoEvent
	err := row.Scan(&ve.ID, &ve.ProposalID, &ve.VetoerID, &ve.Domain, &ve.Reason,
		&ve.Status, &ve.EscalationStartedAt, &ve.EscalationResult,
		&ve.OverturnedCount, &ve.UpheldCount, &ve.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active veto", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan veto: %w", err)
	}
	return &ve, nil
}

// GetVeto returns the newest veto event of a proposal.
func (s *PostgresStore) GetVeto(ctx context.Context, proposalID string) (*VetoEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, proposal_id, vetoer_id, domain, reason, status, escalation_started_at,
			escalation_result, overturned_count, upheld_count, created_at
		FROM veto_events WHERE proposal_id = $1 ORDER BY created_at DESC LIMIT 1`, proposalID)
	var ve VetoEvent
	err := row.Scan(&ve.ID, &ve.ProposalID, &ve.VetoerID, &ve.Domain, &ve.Reason,
		&ve.Status, &ve.EscalationStartedAt, &ve.EscalationResult,
		&ve.OverturnedCount, &ve.UpheldCount, &ve.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan veto: %w", err)
	}
	return &ve, nil
}

// StartEscalation opens the overturn vote on an active veto. Only the
// proposal author may escalate, once, within the escalation window.
func (s *Service) StartEscalation(ctx context.Context, proposalID, actorID string) (*VetoEvent, error) {
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin escalation: %w", err)
	}
	defer tx.Rollback()

	p, err := GetProposalForUpdate(ctx, tx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.AuthorID != actorID {
		return nil, fmt.Errorf("%w: only the author may escalate", ErrForbidden)
	}
	ve, err := s.getActiveVeto(ctx, tx, proposalID)
	if err != nil {
		return nil, err
	}
	if ve.EscalationStartedAt != nil {
		return nil, fmt.Errorf("%w: escalation already started", ErrEscalationState)
	}
	now := s.now().UTC()
	if now.After(ve.CreatedAt.Add(EscalationWindow)) {
		return nil, fmt.Errorf("%w: escalation window closed", ErrWindowClosed)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE veto_events SET escalation_started_at = $2
		WHERE id = $1 AND escalation_started_at IS NULL`, ve.ID, now); err != nil {
		return nil, fmt.Errorf("start escalation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit escalation: %w", err)
	}
	ve.EscalationStartedAt = &now

	if s.jobs != nil {
		err := s.jobs.Enqueue(ctx, JobResolveVeto,
			map[string]any{"veto_event_id": ve.ID}, now.Add(EscalationWindow))
		if err != nil {
			s.logger.Error("enqueue escalation deadline failed", "veto_event_id", ve.ID, "error", err)
		}
	}
	s.audit(ctx, p, actorID, p.AuthorType, "veto.escalation_started",
		map[string]any{"veto_event_id": ve.ID})
	return ve, nil
}

// CastEscalationBallot records one vetoer's counter-vote. The veto resolves
// inside the same transaction the moment the outcome is mathematically
// settled.
func (s *Service) CastEscalationBallot(ctx context.Context, proposalID string, vetoerID uuid.UUID, overturn bool) (*VetoEvent, error) {
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ballot: %w", err)
	}
	defer tx.Rollback()

	p, err := GetProposalForUpdate(ctx, tx, proposalID)
	if err != nil {
		return nil, err
	}
	ve, err := s.getActiveVeto(ctx, tx, proposalID)
	if err != nil {
		return nil, err
	}
	if ve.EscalationStartedAt == nil {
		return nil, fmt.Errorf("%w: escalation not started", ErrEscalationState)
	}
	now := s.now().UTC()
	if now.After(ve.EscalationStartedAt.Add(EscalationWindow)) {
		return nil, fmt.Errorf("%w: escalation ballot window closed", ErrWindowClosed)
	}
	ok, err := s.weights.CanVeto(ctx, vetoerID, p.ProjectID, ve.Domain)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: vetoer grant required in domain %s", ErrWeightTooLow, ve.Domain)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escalation_ballots (veto_event_id, vetoer_id, overturn, cast_at)
		VALUES ($1, $2, $3, $4)`, ve.ID, vetoerID, overturn, now)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: ballot already cast", ErrAlreadyExists)
	}
	if err != nil {
		return nil, fmt.Errorf("insert ballot: %w", err)
	}

	var overturns, upholds int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE overturn), COUNT(*) FILTER (WHERE NOT overturn)
		FROM escalation_ballots WHERE veto_event_id = $1`, ve.ID).Scan(&overturns, &upholds); err != nil {
		return nil, fmt.Errorf("count ballots: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE veto_events SET overturned_count = $2, upheld_count = $3
		WHERE id = $1`, ve.ID, overturns, upholds); err != nil {
		return nil, fmt.Errorf("update ballot counts: %w", err)
	}
	ve.OverturnedCount, ve.UpheldCount = overturns, upholds

	vetoers, err := s.weights.DomainVetoerCount(ctx, p.ProjectID, ve.Domain)
	if err != nil {
		return nil, err
	}
	// Every grant holder in the domain ballots, the vetoing party included.
	quorum := OverturnQuorum(vetoers)
	remaining := vetoers - overturns - upholds
	if remaining < 0 {
		remaining = 0
	}

	switch {
	case overturns >= quorum:
		if err := s.resolveVetoTx(ctx, tx, p, ve, VetoOverturned, "quorum_overturned", now); err != nil {
			return nil, err
		}
	case overturns+remaining < quorum:
		if err := s.resolveVetoTx(ctx, tx, p, ve, VetoUpheld, "quorum_unreachable", now); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ballot: %w", err)
	}
	if ve.Status != VetoActive {
		s.afterVetoResolved(ctx, p, ve)
	}
	return ve, nil
}

// ResolveEscalationDeadline settles an escalation whose ballot window has
// expired without reaching quorum. Worker entry point; idempotent.
func (s *Service) ResolveEscalationDeadline(ctx context.Context, vetoEventID int64) error {
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin resolve: %w", err)
	}
	defer tx.Rollback()

	var proposalID string
	row := tx.QueryRowContext(ctx, `
		SELECT proposal_id FROM veto_events WHERE id = $1 AND status = 'active'
		FOR UPDATE`, vetoEventID)
	if err := row.Scan(&proposalID); errors.Is(err, sql.ErrNoRows) {
		return nil // already resolved
	} else if err != nil {
		return fmt.Errorf("lookup veto: %w", err)
	}

	p, err := GetProposalForUpdate(ctx, tx, proposalID)
	if err != nil {
		return err
	}
	ve, err := s.getActiveVeto(ctx, tx, proposalID)
	if err != nil {
		return err
	}
	if ve.EscalationStartedAt == nil {
		return nil
	}
	now := s.now().UTC()
	if now.Before(ve.EscalationStartedAt.Add(EscalationWindow)) {
		return nil
	}

	_, deadlineOverturns, err := s.tuning(ctx, p.ProjectID)
	if err != nil {
		return err
	}
	status, result := VetoUpheld, "deadline_upheld"
	if deadlineOverturns {
		status, result = VetoOverturned, "deadline_overturned"
	}
	if err := s.resolveVetoTx(ctx, tx, p, ve, status, result, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit resolve: %w", err)
	}
	s.afterVetoResolved(ctx, p, ve)
	return nil
}

// WithdrawVeto lets the original vetoer retract an unresolved veto.
func (s *Service) WithdrawVeto(ctx context.Context, proposalID string, vetoerID uuid.UUID) (*VetoEvent, error) {
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin withdraw: %w", err)
	}
	defer tx.Rollback()

	p, err := GetProposalForUpdate(ctx, tx, proposalID)
	if err != nil {
		return nil, err
	}
	ve, err := s.getActiveVeto(ctx, tx, proposalID)
	if err != nil {
		return nil, err
	}
	if ve.VetoerID != vetoerID {
		return nil, fmt.Errorf("%w: only the vetoing party may withdraw", ErrForbidden)
	}
	now := s.now().UTC()
	if err := s.resolveVetoTx(ctx, tx, p, ve, VetoWithdrawn, "withdrawn", now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit withdraw: %w", err)
	}
	s.afterVetoResolved(ctx, p, ve)
	return ve, nil
}

// resolveVetoTx closes a veto event and reinstates the proposal when the
// veto did not stand. Runs with both the proposal and veto rows locked.
func (s *Service) resolveVetoTx(ctx context.Context, tx *sql.Tx, p *Proposal, ve *VetoEvent, status VetoStatus, result string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE veto_events SET status = $2, escalation_result = $3
		WHERE id = $1 AND status = 'active'`, ve.ID, status, result); err != nil {
		return fmt.Errorf("resolve veto: %w", err)
	}
	ve.Status = status
	ve.EscalationResult = result
	if status == VetoUpheld {
		return nil
	}

	// Veto fell: reinstate. Reopen voting when the window is still live,
	// otherwise re-tally and settle.
	if p.VotingStartedAt != nil && now.Before(p.VotingDeadline()) {
		if _, err := tx.ExecContext(ctx, `
			UPDATE proposals SET status = 'voting', voting_ended_at = NULL
			WHERE id = $1`, p.ID); err != nil {
			return fmt.Errorf("reopen voting: %w", err)
		}
		p.Status = StatusVoting
		p.VotingEndedAt = nil
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM decisions WHERE proposal_id = $1`, p.ID); err != nil {
			return fmt.Errorf("clear vetoed decision: %w", err)
		}
		return nil
	}

	d, err := s.recordDecision(ctx, tx, p, now)
	if err != nil {
		return err
	}
	final := StatusRejected
	if d.Result == ResultApproved {
		final = StatusApproved
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE proposals SET status = $2, voting_ended_at = COALESCE(voting_ended_at, $3)
		WHERE id = $1`, p.ID, final, now); err != nil {
		return fmt.Errorf("reinstate proposal: %w", err)
	}
	p.Status = final
	ve.reinstated = d
	return nil
}

func (s *Service) afterVetoResolved(ctx context.Context, p *Proposal, ve *VetoEvent) {
	s.logger.Info("veto resolved",
		"proposal_id", p.ID, "veto_event_id", ve.ID,
		"status", ve.Status, "result", ve.EscalationResult)
	s.audit(ctx, p, "system", "system", "veto.resolved",
		map[string]any{"veto_event_id": ve.ID, "status": ve.Status, "result": ve.EscalationResult})
	if ve.reinstated != nil {
		s.afterDecision(ctx, p, ve.reinstated)
	}
	if s.jobs != nil && ve.Status != VetoActive {
		err := s.jobs.Enqueue(ctx, JobApplyResult, map[string]any{
			"proposal_id": p.ID, "veto_event_id": ve.ID, "veto_status": ve.Status,
		}, s.now().UTC())
		if err != nil {
			s.logger.Error("enqueue veto trust application failed", "veto_event_id", ve.ID, "error", err)
		}
	}
}
