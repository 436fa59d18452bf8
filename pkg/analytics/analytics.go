// Package analytics computes read-only decision statistics and period audit
// reports over the governance tables.
package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openpr-labs/governor/pkg/governance"
)

// JobGenerateReport is the scheduler job kind for the periodic report sweep.
const JobGenerateReport = "analytics.audit_report"

const pgSchema = `
CREATE TABLE IF NOT EXISTS audit_reports (
    id BIGSERIAL PRIMARY KEY,
    project_id UUID NOT NULL,
    period_start TIMESTAMPTZ NOT NULL,
    period_end TIMESTAMPTZ NOT NULL,
    total_actions INTEGER NOT NULL,
    action_count JSONB NOT NULL,
    generated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (project_id, period_start, period_end)
);
`

// Service answers reporting queries.
type Service struct {
	db  *sql.DB
	gov *governance.PostgresStore
}

// NewService wraps the governance database.
func NewService(db *sql.DB, gov *governance.PostgresStore) *Service {
	return &Service{db: db, gov: gov}
}

// Init creates the analytics tables if they do not exist.
func (s *Service) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("init analytics schema: %w", err)
	}
	return nil
}

// Overview aggregates a project's decision history.
type Overview struct {
	ProjectID      uuid.UUID `json:"project_id"`
	TotalProposals int       `json:"total_proposals"`
	Approved       int       `json:"approved"`
	Rejected       int       `json:"rejected"`
	Vetoed         int       `json:"vetoed"`
	InFlight       int       `json:"in_flight"`
	PassRate       float64   `json:"pass_rate"`
	AvgCycleHours  float64   `json:"avg_cycle_hours"`
}

// DecisionOverview summarizes outcomes and cycle time for one project.
// Cycle time runs from submission to the decision.
func (s *Service) DecisionOverview(ctx context.Context, projectID uuid.UUID) (*Overview, error) {
	o := &Overview{ProjectID: projectID}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'approved'),
			COUNT(*) FILTER (WHERE status = 'rejected'),
			COUNT(*) FILTER (WHERE status = 'vetoed'),
			COUNT(*) FILTER (WHERE status IN ('draft', 'open', 'voting')),
			COALESCE(AVG(EXTRACT(EPOCH FROM (voting_ended_at - submitted_at)) / 3600.0)
				FILTER (WHERE voting_ended_at IS NOT NULL AND submitted_at IS NOT NULL), 0)
		FROM proposals WHERE project_id = $1`, projectID).Scan(
		&o.TotalProposals, &o.Approved, &o.Rejected, &o.Vetoed, &o.InFlight, &o.AvgCycleHours)
	if err != nil {
		return nil, fmt.Errorf("decision overview: %w", err)
	}
	if decided := o.Approved + o.Rejected + o.Vetoed; decided > 0 {
		o.PassRate = float64(o.Approved) / float64(decided)
	}
	return o, nil
}

// Bucket is one grouped slice of decisions.
type Bucket struct {
	Key           string  `json:"key"`
	Total         int     `json:"total"`
	Approved      int     `json:"approved"`
	Rejected      int     `json:"rejected"`
	Vetoed        int     `json:"vetoed"`
	PassRate      float64 `json:"pass_rate"`
	AvgCycleHours float64 `json:"avg_cycle_hours"`
}

// ByType groups decided proposals by proposal type.
func (s *Service) ByType(ctx context.Context, projectID uuid.UUID) ([]Bucket, error) {
	return s.buckets(ctx, `
		SELECT proposal_type,
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'approved'),
			COUNT(*) FILTER (WHERE status = 'rejected'),
			COUNT(*) FILTER (WHERE status = 'vetoed'),
			COALESCE(AVG(EXTRACT(EPOCH FROM (voting_ended_at - submitted_at)) / 3600.0)
				FILTER (WHERE voting_ended_at IS NOT NULL AND submitted_at IS NOT NULL), 0)
		FROM proposals
		WHERE project_id = $1 AND status IN ('approved', 'rejected', 'vetoed', 'archived')
		GROUP BY proposal_type ORDER BY proposal_type`, projectID)
}

// ByDomain groups decided proposals by their primary domain.
func (s *Service) ByDomain(ctx context.Context, projectID uuid.UUID) ([]Bucket, error) {
	return s.buckets(ctx, `
		SELECT COALESCE(domains[1], 'global'),
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'approved'),
			COUNT(*) FILTER (WHERE status = 'rejected'),
			COUNT(*) FILTER (WHERE status = 'vetoed'),
			COALESCE(AVG(EXTRACT(EPOCH FROM (voting_ended_at - submitted_at)) / 3600.0)
				FILTER (WHERE voting_ended_at IS NOT NULL AND submitted_at IS NOT NULL), 0)
		FROM proposals
		WHERE project_id = $1 AND status IN ('approved', 'rejected', 'vetoed', 'archived')
		GROUP BY COALESCE(domains[1], 'global') ORDER BY 1`, projectID)
}

func (s *Service) buckets(ctx context.Context, query string, projectID uuid.UUID) ([]Bucket, error) {
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("decision buckets: %w", err)
	}
	defer rows.Close()
	var out []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.Key, &b.Total, &b.Approved, &b.Rejected, &b.Vetoed, &b.AvgCycleHours); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		if decided := b.Approved + b.Rejected + b.Vetoed; decided > 0 {
			b.PassRate = float64(b.Approved) / float64(decided)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AuditReport is one period's governance activity.
type AuditReport struct {
	ProjectID   uuid.UUID                `json:"project_id"`
	From        time.Time                `json:"from"`
	To          time.Time                `json:"to"`
	ActionCount map[string]int           `json:"action_count"`
	Entries     []governance.AuditRecord `json:"entries"`
}

// PeriodAuditReport lists and summarizes audit rows within [from, to).
func (s *Service) PeriodAuditReport(ctx context.Context, projectID uuid.UUID, from, to time.Time, limit int) (*AuditReport, error) {
	entries, err := s.gov.ListAudit(ctx, projectID, from, to, limit)
	if err != nil {
		return nil, err
	}
	report := &AuditReport{
		ProjectID:   projectID,
		From:        from,
		To:          to,
		ActionCount: make(map[string]int),
		Entries:     entries,
	}
	for _, e := range entries {
		report.ActionCount[e.Action]++
	}
	return report, nil
}

// GenerateAuditReports materializes one audit_reports row per project with
// activity inside [from, to). Worker entry point; the period unique key makes
// repeat deliveries overwrite rather than duplicate.
func (s *Service) GenerateAuditReports(ctx context.Context, from, to time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, action, COUNT(*)
		FROM governance_audit_logs
		WHERE project_id IS NOT NULL AND created_at >= $1 AND created_at < $2
		GROUP BY project_id, action`, from, to)
	if err != nil {
		return 0, fmt.Errorf("aggregate audit actions: %w", err)
	}
	defer rows.Close()

	counts := map[uuid.UUID]map[string]int{}
	for rows.Next() {
		var projectID uuid.UUID
		var action string
		var n int
		if err := rows.Scan(&projectID, &action, &n); err != nil {
			return 0, fmt.Errorf("scan audit aggregate: %w", err)
		}
		if counts[projectID] == nil {
			counts[projectID] = map[string]int{}
		}
		counts[projectID][action] = n
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	written := 0
	for projectID, actions := range counts {
		total := 0
		for _, n := range actions {
			total += n
		}
		payload, err := json.Marshal(actions)
		if err != nil {
			return written, fmt.Errorf("encode action counts: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_reports (project_id, period_start, period_end, total_actions, action_count)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (project_id, period_start, period_end) DO UPDATE SET
				total_actions = EXCLUDED.total_actions,
				action_count = EXCLUDED.action_count,
				generated_at = now()`,
			projectID, from, to, total, payload); err != nil {
			return written, fmt.Errorf("upsert audit report: %w", err)
		}
		written++
	}
	return written, nil
}

// StoredReport is one materialized audit report row.
type StoredReport struct {
	ID           int64           `json:"id"`
	ProjectID    uuid.UUID       `json:"project_id"`
	PeriodStart  time.Time       `json:"period_start"`
	PeriodEnd    time.Time       `json:"period_end"`
	TotalActions int             `json:"total_actions"`
	ActionCount  json.RawMessage `json:"action_count"`
	GeneratedAt  time.Time       `json:"generated_at"`
}

// ListReports returns a project's materialized reports, newest period first.
func (s *Service) ListReports(ctx context.Context, projectID uuid.UUID, limit int) ([]StoredReport, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, period_start, period_end, total_actions, action_count, generated_at
		FROM audit_reports WHERE project_id = $1
		ORDER BY period_start DESC LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit reports: %w", err)
	}
	defer rows.Close()
	var out []StoredReport
	for rows.Next() {
		var r StoredReport
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.PeriodStart, &r.PeriodEnd,
			&r.TotalActions, &r.ActionCount, &r.GeneratedAt); err != nil {
			return nil, fmt.Errorf("scan audit report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
