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

// ErrNotFound is returned when a governance row does not exist.
var ErrNotFound = errors.New("governance: not found")

const pgSchema = `
CREATE TABLE IF NOT EXISTS proposals (
    id TEXT PRIMARY KEY,
    project_id UUID NOT NULL,
    title TEXT NOT NULL,
    proposal_type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'draft',
    author_id TEXT NOT NULL,
    author_type TEXT NOT NULL,
    content TEXT NOT NULL,
    domains TEXT[] NOT NULL DEFAULT '{}',
    voting_rule TEXT NOT NULL,
    cycle_template TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    submitted_at TIMESTAMPTZ,
    voting_started_at TIMESTAMPTZ,
    voting_ended_at TIMESTAMPTZ,
    archived_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_proposals_project_status ON proposals (project_id, status);
CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals (status);

CREATE TABLE IF NOT EXISTS votes (
    id BIGSERIAL PRIMARY KEY,
    proposal_id TEXT NOT NULL REFERENCES proposals(id),
    voter_id TEXT NOT NULL,
    voter_type TEXT NOT NULL,
    choice TEXT NOT NULL,
    weight DOUBLE PRECISION NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    voted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (proposal_id, voter_id)
);

CREATE TABLE IF NOT EXISTS decisions (
    id TEXT PRIMARY KEY,
    proposal_id TEXT NOT NULL UNIQUE REFERENCES proposals(id),
    result TEXT NOT NULL,
    total_votes INTEGER NOT NULL,
    yes_votes INTEGER NOT NULL,
    no_votes INTEGER NOT NULL,
    abstain_votes INTEGER NOT NULL,
    weighted_yes DOUBLE PRECISION NOT NULL,
    weighted_no DOUBLE PRECISION NOT NULL,
    weighted_abstain DOUBLE PRECISION NOT NULL,
    approval_rate DOUBLE PRECISION,
    weighted_approval_rate DOUBLE PRECISION,
    veto_event_id BIGINT,
    decided_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS veto_events (
    id BIGSERIAL PRIMARY KEY,
    proposal_id TEXT NOT NULL REFERENCES proposals(id),
    vetoer_id UUID NOT NULL,
    domain TEXT NOT NULL,
    reason TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    escalation_started_at TIMESTAMPTZ,
    escalation_result TEXT NOT NULL DEFAULT '',
    overturned_count INTEGER NOT NULL DEFAULT 0,
    upheld_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_veto_events_active
    ON veto_events (proposal_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS escalation_ballots (
    veto_event_id BIGINT NOT NULL REFERENCES veto_events(id),
    vetoer_id UUID NOT NULL,
    overturn BOOLEAN NOT NULL,
    cast_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (veto_event_id, vetoer_id)
);

CREATE TABLE IF NOT EXISTS decision_domains (
    id TEXT PRIMARY KEY,
    project_id UUID NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    default_voting_rule TEXT NOT NULL DEFAULT 'simple_majority',
    default_cycle_template TEXT NOT NULL DEFAULT 'rapid',
    veto_threshold INTEGER NOT NULL DEFAULT 200,
    autonomous_threshold INTEGER NOT NULL DEFAULT 300,
    is_active BOOLEAN NOT NULL DEFAULT true,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (project_id, name)
);

CREATE TABLE IF NOT EXISTS governance_audit_logs (
    id BIGSERIAL PRIMARY KEY,
    project_id UUID,
    actor_id TEXT NOT NULL,
    actor_type TEXT NOT NULL,
    action TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    detail JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_governance_audit_project_time
    ON governance_audit_logs (project_id, created_at);
`

// PostgresStore persists proposals, votes, decisions and veto state.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the governance tables if they do not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("init governance schema: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for transactional services.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const proposalColumns = `id, project_id, title, proposal_type, status, author_id, author_type,
	content, domains, voting_rule, cycle_template, created_at, submitted_at,
	voting_started_at, voting_ended_at, archived_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (*Proposal, error) {
	var p Proposal
	var domains pq.StringArray
	err := row.Scan(&p.ID, &p.ProjectID, &p.Title, &p.Type, &p.Status, &p.AuthorID,
		&p.AuthorType, &p.Content, &domains, &p.VotingRule, &p.CycleTemplate,
		&p.CreatedAt, &p.SubmittedAt, &p.VotingStartedAt, &p.VotingEndedAt, &p.ArchivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan proposal: %w", err)
	}
	p.Domains = domains
	return &p, nil
}

// CreateProposal inserts a new draft.
func (s *PostgresStore) CreateProposal(ctx context.Context, p *Proposal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposals (id, project_id, title, proposal_type, status, author_id,
			author_type, content, domains, voting_rule, cycle_template, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.ProjectID, p.Title, p.Type, p.Status, p.AuthorID, p.AuthorType,
		p.Content, pq.Array(p.Domains), p.VotingRule, p.CycleTemplate, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

// GetProposal fetches one proposal by id.
func (s *PostgresStore) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id)
	return scanProposal(row)
}

// GetProposalForUpdate locks a proposal row inside tx.
func GetProposalForUpdate(ctx context.Context, tx *sql.Tx, id string) (*Proposal, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE id = $1 FOR UPDATE`, id)
	return scanProposal(row)
}

// ProposalFilter narrows list queries.
type ProposalFilter struct {
	ProjectID *uuid.UUID
	Status    ProposalStatus
	Type      ProposalType
	AuthorID  string
	Limit     int
	Offset    int
}

// ListProposals returns proposals newest-first under the given filter.
func (s *PostgresStore) ListProposals(ctx context.Context, f ProposalFilter) ([]*Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE 1=1`
	args := []any{}
	if f.ProjectID != nil {
		args = append(args, *f.ProjectID)
		query += fmt.Sprintf(" AND project_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		query += fmt.Sprintf(" AND proposal_type = $%d", len(args))
	}
	if f.AuthorID != "" {
		args = append(args, f.AuthorID)
		query += fmt.Sprintf(" AND author_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()
	var out []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListAdvanceCandidates returns proposals sitting in a timed stage whose
// window may have elapsed. Deadlines depend on the cycle template, so the
// caller re-checks them before advancing.
func (s *PostgresStore) ListAdvanceCandidates(ctx context.Context, limit int) ([]*Proposal, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+` FROM proposals
		WHERE status IN ('open', 'voting')
		ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list advance candidates: %w", err)
	}
	defer rows.Close()
	var out []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProposalContent edits title/content/domains of a draft. The status
// predicate makes the update a compare-and-set.
func (s *PostgresStore) UpdateProposalContent(ctx context.Context, id, title, content string, domains []string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET title = $2, content = $3, domains = $4
		WHERE id = $1 AND status = 'draft'`,
		id, title, content, pq.Array(domains))
	if err != nil {
		return fmt.Errorf("update proposal: %w", err)
	}
	return requireOneRow(res)
}

// DeleteDraft removes a draft proposal. Non-draft rows are untouched.
func (s *PostgresStore) DeleteDraft(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM proposals WHERE id = $1 AND status = 'draft'`, id)
	if err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return requireOneRow(res)
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListVotes returns every ballot for a proposal.
func (s *PostgresStore) ListVotes(ctx context.Context, proposalID string) ([]Vote, error) {
	return listVotes(ctx, s.db, proposalID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listVotes(ctx context.Context, q querier, proposalID string) ([]Vote, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, proposal_id, voter_id, voter_type, choice, weight, reason, voted_at
		FROM votes WHERE proposal_id = $1 ORDER BY voted_at`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()
	var out []Vote
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.ID, &v.ProposalID, &v.VoterID, &v.VoterType,
			&v.Choice, &v.Weight, &v.Reason, &v.VotedAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpsertVote records or overwrites a ballot.
func (s *PostgresStore) UpsertVote(ctx context.Context, v *Vote) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO votes (proposal_id, voter_id, voter_type, choice, weight, reason, voted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (proposal_id, voter_id)
		DO UPDATE SET choice = EXCLUDED.choice, weight = EXCLUDED.weight,
			reason = EXCLUDED.reason, voted_at = EXCLUDED.voted_at`,
		v.ProposalID, v.VoterID, v.VoterType, v.Choice, v.Weight, v.Reason, v.VotedAt)
	if err != nil {
		return fmt.Errorf("upsert vote: %w", err)
	}
	return nil
}

// DeleteVote removes one voter's ballot from a proposal.
func (s *PostgresStore) DeleteVote(ctx context.Context, proposalID, voterID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM votes WHERE proposal_id = $1 AND voter_id = $2`, proposalID, voterID)
	if err != nil {
		return fmt.Errorf("delete vote: %w", err)
	}
	return requireOneRow(res)
}

// GetDecision fetches the decision for a proposal.
func (s *PostgresStore) GetDecision(ctx context.Context, proposalID string) (*Decision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, proposal_id, result, total_votes, yes_votes, no_votes, abstain_votes,
			weighted_yes, weighted_no, weighted_abstain, approval_rate,
			weighted_approval_rate, veto_event_id, decided_at
		FROM decisions WHERE proposal_id = $1`, proposalID)
	var d Decision
	err := row.Scan(&d.ID, &d.ProposalID, &d.Result, &d.TotalVotes, &d.YesVotes,
		&d.NoVotes, &d.AbstainVotes, &d.WeightedYes, &d.WeightedNo, &d.WeightedAbstain,
		&d.ApprovalRate, &d.WeightedApprovalRate, &d.VetoEventID, &d.DecidedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan decision: %w", err)
	}
	return &d, nil
}

// ListDomains returns the active decision domains of a project.
func (s *PostgresStore) ListDomains(ctx context.Context, projectID uuid.UUID) ([]DecisionDomain, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, description, default_voting_rule,
			default_cycle_template, veto_threshold, autonomous_threshold, is_active, created_at
		FROM decision_domains WHERE project_id = $1 AND is_active ORDER BY name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()
	var out []DecisionDomain
	for rows.Next() {
		var d DecisionDomain
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Name, &d.Description,
			&d.DefaultVotingRule, &d.DefaultCycleTemplate, &d.VetoThreshold,
			&d.AutonomousThreshold, &d.IsActive, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertDomain creates or updates one decision domain.
func (s *PostgresStore) UpsertDomain(ctx context.Context, d *DecisionDomain) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decision_domains (id, project_id, name, description,
			default_voting_rule, default_cycle_template, veto_threshold,
			autonomous_threshold, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (project_id, name)
		DO UPDATE SET description = EXCLUDED.description,
			default_voting_rule = EXCLUDED.default_voting_rule,
			default_cycle_template = EXCLUDED.default_cycle_template,
			veto_threshold = EXCLUDED.veto_threshold,
			autonomous_threshold = EXCLUDED.autonomous_threshold,
			is_active = EXCLUDED.is_active`,
		d.ID, d.ProjectID, d.Name, d.Description, d.DefaultVotingRule,
		d.DefaultCycleTemplate, d.VetoThreshold, d.AutonomousThreshold,
		d.IsActive, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert domain: %w", err)
	}
	return nil
}

// AuditEntry is one append-only governance audit row.
type AuditEntry struct {
	ProjectID  *uuid.UUID
	ActorID    string
	ActorType  string
	Action     string
	EntityType string
	EntityID   string
	Detail     []byte
}

// AppendAudit writes one audit row. Detail defaults to an empty object.
func (s *PostgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	detail := e.Detail
	if len(detail) == 0 {
		detail = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO governance_audit_logs (project_id, actor_id, actor_type, action,
			entity_type, entity_id, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ProjectID, e.ActorID, e.ActorType, e.Action, e.EntityType, e.EntityID, detail)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit returns audit rows for a project within [from, to), newest first.
func (s *PostgresStore) ListAudit(ctx context.Context, projectID uuid.UUID, from, to time.Time, limit int) ([]AuditRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, actor_id, actor_type, action, entity_type, entity_id, detail, created_at
		FROM governance_audit_logs
		WHERE project_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC LIMIT $4`,
		projectID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.ActorID, &r.ActorType,
			&r.Action, &r.EntityType, &r.EntityID, &r.Detail, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AuditRecord is a stored audit row.
type AuditRecord struct {
	ID         int64      `json:"id"`
	ProjectID  *uuid.UUID `json:"project_id,omitempty"`
	ActorID    string     `json:"actor_id"`
	ActorType  string     `json:"actor_type"`
	Action     string     `json:"action"`
	EntityType string     `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Detail     []byte     `json:"detail"`
	CreatedAt  time.Time  `json:"created_at"`
}
