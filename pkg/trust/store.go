// Package trust maintains trust scores keyed by participant, project and
// domain, the vote weights derived from them, vetoer grants, and the appeal
// process over score changes.
package trust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a trust row does not exist.
var ErrNotFound = errors.New("trust: not found")

const pgSchema = `
CREATE TABLE IF NOT EXISTS trust_scores (
    id BIGSERIAL PRIMARY KEY,
    participant_id TEXT NOT NULL,
    project_id UUID NOT NULL,
    domain TEXT NOT NULL,
    score INTEGER NOT NULL DEFAULT 100,
    level TEXT NOT NULL DEFAULT 'voter',
    vote_weight DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    consecutive_rejections INTEGER NOT NULL DEFAULT 0,
    cooldown_until TIMESTAMPTZ,
    last_activity_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (participant_id, project_id, domain)
);

CREATE TABLE IF NOT EXISTS trust_score_logs (
    id BIGSERIAL PRIMARY KEY,
    participant_id TEXT NOT NULL,
    project_id UUID NOT NULL,
    domain TEXT NOT NULL,
    delta INTEGER NOT NULL,
    score_before INTEGER NOT NULL,
    score_after INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    event_id TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    is_appealed BOOLEAN NOT NULL DEFAULT false,
    appeal_result TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (event_type, event_id, participant_id, project_id, domain)
);
CREATE INDEX IF NOT EXISTS idx_trust_logs_participant
    ON trust_score_logs (participant_id, created_at);

CREATE TABLE IF NOT EXISTS vetoers (
    participant_id UUID NOT NULL,
    project_id UUID NOT NULL,
    domain TEXT NOT NULL,
    can_veto_human_consensus BOOLEAN NOT NULL DEFAULT false,
    granted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (participant_id, project_id, domain)
);

CREATE TABLE IF NOT EXISTS trust_appeals (
    id BIGSERIAL PRIMARY KEY,
    log_id BIGINT NOT NULL REFERENCES trust_score_logs(id),
    appellant_id TEXT NOT NULL,
    reason TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    resolver_id TEXT,
    resolution_note TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    resolved_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_trust_appeals_log ON trust_appeals (log_id, status);

CREATE TABLE IF NOT EXISTS ai_participants (
    id UUID PRIMARY KEY,
    name TEXT NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT true,
    max_domain_level TEXT NOT NULL DEFAULT 'voter',
    domain_overrides JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Score is one participant's standing in one domain of one project.
type Score struct {
	ID                    int64      `json:"id"`
	ParticipantID         string     `json:"participant_id"`
	ProjectID             uuid.UUID  `json:"project_id"`
	Domain                string     `json:"domain"`
	Score                 int        `json:"score"`
	Level                 Level      `json:"level"`
	VoteWeight            float64    `json:"vote_weight"`
	ConsecutiveRejections int        `json:"consecutive_rejections"`
	CooldownUntil         *time.Time `json:"cooldown_until,omitempty"`
	LastActivityAt        time.Time  `json:"last_activity_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Log is one immutable score change. Rows are never edited after the fact;
// appeals write a compensating row instead.
type Log struct {
	ID            int64     `json:"id"`
	ParticipantID string    `json:"participant_id"`
	ProjectID     uuid.UUID `json:"project_id"`
	Domain        string    `json:"domain"`
	Delta         int       `json:"delta"`
	ScoreBefore   int       `json:"score_before"`
	ScoreAfter    int       `json:"score_after"`
	EventType     string    `json:"event_type"`
	EventID       string    `json:"event_id"`
	Reason        string    `json:"reason"`
	IsAppealed    bool      `json:"is_appealed"`
	AppealResult  *string   `json:"appeal_result,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// PostgresStore persists trust state.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the trust tables if they do not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("init trust schema: %w", err)
	}
	return nil
}

// DB exposes the underlying handle.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const scoreColumns = `id, participant_id, project_id, domain, score, level, vote_weight,
	consecutive_rejections, cooldown_until, last_activity_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScore(row rowScanner) (*Score, error) {
	var sc Score
	err := row.Scan(&sc.ID, &sc.ParticipantID, &sc.ProjectID, &sc.Domain, &sc.Score,
		&sc.Level, &sc.VoteWeight, &sc.ConsecutiveRejections, &sc.CooldownUntil,
		&sc.LastActivityAt, &sc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan trust score: %w", err)
	}
	return &sc, nil
}

// GetScore fetches one score row without creating it.
func (s *PostgresStore) GetScore(ctx context.Context, participantID string, projectID uuid.UUID, domain string) (*Score, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+scoreColumns+` FROM trust_scores
		WHERE participant_id = $1 AND project_id = $2 AND domain = $3`,
		participantID, projectID, domain)
	return scanScore(row)
}

// ListScores returns every project and domain score of a participant.
func (s *PostgresStore) ListScores(ctx context.Context, participantID string) ([]Score, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scoreColumns+` FROM trust_scores
		WHERE participant_id = $1 ORDER BY project_id, domain`,
		participantID)
	if err != nil {
		return nil, fmt.Errorf("list trust scores: %w", err)
	}
	defer rows.Close()
	var out []Score
	for rows.Next() {
		sc, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

// ListLogs returns a participant's score changes, newest first.
func (s *PostgresStore) ListLogs(ctx context.Context, participantID string, limit int) ([]Log, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, participant_id, project_id, domain, delta, score_before, score_after,
			event_type, event_id, reason, is_appealed, appeal_result, created_at
		FROM trust_score_logs WHERE participant_id = $1
		ORDER BY created_at DESC LIMIT $2`, participantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trust logs: %w", err)
	}
	defer rows.Close()
	var out []Log
	for rows.Next() {
		var l Log
		if err := rows.Scan(&l.ID, &l.ParticipantID, &l.ProjectID, &l.Domain, &l.Delta,
			&l.ScoreBefore, &l.ScoreAfter, &l.EventType, &l.EventID, &l.Reason,
			&l.IsAppealed, &l.AppealResult, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trust log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetLog fetches one score change row.
func (s *PostgresStore) GetLog(ctx context.Context, id int64) (*Log, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, participant_id, project_id, domain, delta, score_before, score_after,
			event_type, event_id, reason, is_appealed, appeal_result, created_at
		FROM trust_score_logs WHERE id = $1`, id)
	var l Log
	err := row.Scan(&l.ID, &l.ParticipantID, &l.ProjectID, &l.Domain, &l.Delta,
		&l.ScoreBefore, &l.ScoreAfter, &l.EventType, &l.EventID, &l.Reason,
		&l.IsAppealed, &l.AppealResult, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan trust log: %w", err)
	}
	return &l, nil
}

// VetoerGrant is an explicit veto right in one domain of one project.
type VetoerGrant struct {
	ParticipantID         uuid.UUID `json:"participant_id"`
	ProjectID             uuid.UUID `json:"project_id"`
	Domain                string    `json:"domain"`
	CanVetoHumanConsensus bool      `json:"can_veto_human_consensus"`
	GrantedAt             time.Time `json:"granted_at"`
}

// ListVetoers returns the active grants in a project's domain.
func (s *PostgresStore) ListVetoers(ctx context.Context, projectID uuid.UUID, domain string) ([]VetoerGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT participant_id, project_id, domain, can_veto_human_consensus, granted_at
		FROM vetoers WHERE project_id = $1 AND domain = $2 ORDER BY granted_at`, projectID, domain)
	if err != nil {
		return nil, fmt.Errorf("list vetoers: %w", err)
	}
	defer rows.Close()
	var out []VetoerGrant
	for rows.Next() {
		var g VetoerGrant
		if err := rows.Scan(&g.ParticipantID, &g.ProjectID, &g.Domain, &g.CanVetoHumanConsensus, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan vetoer: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
