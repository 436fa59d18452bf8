package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openpr-labs/governor/pkg/governance"
)

// AIParticipant caps what an autonomous agent may do regardless of its
// earned trust score.
type AIParticipant struct {
	ID              uuid.UUID        `json:"id"`
	Name            string           `json:"name"`
	IsActive        bool             `json:"is_active"`
	MaxDomainLevel  Level            `json:"max_domain_level"`
	DomainOverrides map[string]Level `json:"domain_overrides"`
	CreatedAt       time.Time        `json:"created_at"`
}

// GetAIParticipant fetches one agent registration.
func (s *PostgresStore) GetAIParticipant(ctx context.Context, id uuid.UUID) (*AIParticipant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, is_active, max_domain_level, domain_overrides, created_at
		FROM ai_participants WHERE id = $1`, id)
	var a AIParticipant
	var overrides []byte
	err := row.Scan(&a.ID, &a.Name, &a.IsActive, &a.MaxDomainLevel, &overrides, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ai participant: %w", err)
	}
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &a.DomainOverrides); err != nil {
			return nil, fmt.Errorf("decode domain overrides: %w", err)
		}
	}
	return &a, nil
}

// UpsertAIParticipant registers or updates an agent.
func (s *PostgresStore) UpsertAIParticipant(ctx context.Context, a *AIParticipant) error {
	overrides, err := json.Marshal(a.DomainOverrides)
	if err != nil {
		return fmt.Errorf("encode domain overrides: %w", err)
	}
	if a.DomainOverrides == nil {
		overrides = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ai_participants (id, name, is_active, max_domain_level, domain_overrides, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name,
			is_active = EXCLUDED.is_active,
			max_domain_level = EXCLUDED.max_domain_level,
			domain_overrides = EXCLUDED.domain_overrides`,
		a.ID, a.Name, a.IsActive, a.MaxDomainLevel, overrides, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert ai participant: %w", err)
	}
	return nil
}

// capFor returns the agent's level ceiling in a domain.
func (a *AIParticipant) capFor(domain string) Level {
	if !a.IsActive {
		return LevelObserver
	}
	if override, ok := a.DomainOverrides[domain]; ok {
		return override
	}
	return a.MaxDomainLevel
}

// EffectiveLevel is the earned level clipped by any AI cap. Humans keep
// their earned level unchanged.
func (e *Engine) EffectiveLevel(ctx context.Context, participantID, participantType string, projectID uuid.UUID, domain string) (Level, error) {
	domain = governance.NormalizeDomainKey(domain)
	if domain == "" {
		domain = governance.GlobalDomain
	}
	sc, err := e.EnsureScore(ctx, participantID, projectID, domain)
	if err != nil {
		return LevelObserver, err
	}
	level := sc.Level
	if participantType != "ai" {
		return level, nil
	}
	id, err := uuid.Parse(participantID)
	if err != nil {
		return LevelObserver, nil
	}
	agent, err := e.store.GetAIParticipant(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return LevelObserver, nil // unregistered agents only observe
	}
	if err != nil {
		return LevelObserver, err
	}
	if ceiling := agent.capFor(domain); LevelRank(ceiling) < LevelRank(level) {
		return ceiling, nil
	}
	return level, nil
}

// VoteWeight implements governance.WeightSource.
func (e *Engine) VoteWeight(ctx context.Context, actorID string, projectID uuid.UUID, domain string) (float64, error) {
	sc, err := e.EnsureScore(ctx, actorID, projectID, domain)
	if err != nil {
		return 0, err
	}
	return sc.VoteWeight, nil
}

// CanVote implements governance.WeightSource.
func (e *Engine) CanVote(ctx context.Context, actorID, actorType string, projectID uuid.UUID, domain string) (bool, error) {
	level, err := e.EffectiveLevel(ctx, actorID, actorType, projectID, domain)
	if err != nil {
		return false, err
	}
	return LevelRank(level) >= LevelRank(LevelVoter), nil
}

// CanVeto implements governance.WeightSource. Veto rights come only from an
// explicit grant row, not from the raw score.
func (e *Engine) CanVeto(ctx context.Context, actorID uuid.UUID, projectID uuid.UUID, domain string) (bool, error) {
	var exists bool
	err := e.store.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM vetoers
			WHERE participant_id = $1 AND project_id = $2 AND domain = $3)`,
		actorID, projectID, domain).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check vetoer: %w", err)
	}
	return exists, nil
}

// CanVetoHumanConsensus implements governance.WeightSource.
func (e *Engine) CanVetoHumanConsensus(ctx context.Context, actorID uuid.UUID, projectID uuid.UUID) (bool, error) {
	var allowed bool
	err := e.store.db.QueryRowContext(ctx, `
		SELECT COALESCE(bool_or(can_veto_human_consensus), false)
		FROM vetoers WHERE participant_id = $1 AND project_id = $2`,
		actorID, projectID).Scan(&allowed)
	if err != nil {
		return false, fmt.Errorf("check consensus override: %w", err)
	}
	return allowed, nil
}

// InCooldown implements governance.WeightSource. Cooldowns live on the
// project's global-domain score row.
func (e *Engine) InCooldown(ctx context.Context, actorID string, projectID uuid.UUID) (bool, error) {
	sc, err := e.store.GetScore(ctx, actorID, projectID, governance.GlobalDomain)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sc.CooldownUntil != nil && e.now().UTC().Before(*sc.CooldownUntil), nil
}

// DomainVetoerCount implements governance.WeightSource.
func (e *Engine) DomainVetoerCount(ctx context.Context, projectID uuid.UUID, domain string) (int, error) {
	var n int
	err := e.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vetoers WHERE project_id = $1 AND domain = $2`,
		projectID, domain).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count vetoers: %w", err)
	}
	return n, nil
}
