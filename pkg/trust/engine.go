package trust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/openpr-labs/governor/pkg/governance"
)

// Level is a participation band derived from the score.
type Level string

const (
	LevelObserver   Level = "observer"
	LevelAdvisor    Level = "advisor"
	LevelVoter      Level = "voter"
	LevelVetoer     Level = "vetoer"
	LevelAutonomous Level = "autonomous"
)

// DefaultScore is the standing every participant starts with in every domain.
const DefaultScore = 100

// MaxScore caps how high a score can climb. The ceiling sits above the
// autonomous threshold so clamping never demotes anyone.
const MaxScore = 1000

// Band thresholds and behavior constants.
const (
	advisorThreshold    = 50
	voterThreshold      = 100
	vetoerThreshold     = 200
	autonomousThreshold = 300

	minVoteWeight = 0.5
	maxVoteWeight = 2.0

	cooldownRejections = 3
	cooldownDuration   = 7 * 24 * time.Hour

	decayPerMonth = 2
)

// LevelFor maps a score to its band.
func LevelFor(score int) Level {
	switch {
	case score >= autonomousThreshold:
		return LevelAutonomous
	case score >= vetoerThreshold:
		return LevelVetoer
	case score >= voterThreshold:
		return LevelVoter
	case score >= advisorThreshold:
		return LevelAdvisor
	default:
		return LevelObserver
	}
}

// ValidLevel reports whether l names a known trust band.
func ValidLevel(l Level) bool {
	switch l {
	case LevelObserver, LevelAdvisor, LevelVoter, LevelVetoer, LevelAutonomous:
		return true
	}
	return false
}

// LevelRank orders bands so caps can be compared.
func LevelRank(l Level) int {
	switch l {
	case LevelAutonomous:
		return 4
	case LevelVetoer:
		return 3
	case LevelVoter:
		return 2
	case LevelAdvisor:
		return 1
	default:
		return 0
	}
}

// WeightFor derives a clamped voting weight from a score.
func WeightFor(score int) float64 {
	w := 1.0 + float64(score-voterThreshold)/200.0
	if w < minVoteWeight {
		return minVoteWeight
	}
	if w > maxVoteWeight {
		return maxVoteWeight
	}
	return w
}

// Engine applies score changes and answers weight queries. It satisfies
// governance.WeightSource.
type Engine struct {
	store  *PostgresStore
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine wires a trust engine.
func NewEngine(store *PostgresStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		logger: logger.With("component", "trust"),
		now:    time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Store exposes the backing store for read paths.
func (e *Engine) Store() *PostgresStore {
	return e.store
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Change is one requested score adjustment.
type Change struct {
	ParticipantID string
	ProjectID     uuid.UUID
	Domain        string
	Delta         int
	EventType     string
	EventID       string
	Reason        string
}

// ApplyChange applies a score delta exactly once per (event, participant,
// project, domain). The log's unique constraint is the idempotency key: it is
// checked before taking the row lock and enforced again on insert, so retries
// and concurrent deliveries collapse to one application. The resulting score
// stays within [0, MaxScore].
func (e *Engine) ApplyChange(ctx context.Context, c Change) (*Log, error) {
	domain := governance.NormalizeDomainKey(c.Domain)
	if domain == "" {
		domain = governance.GlobalDomain
	}
	applied, err := e.changeApplied(ctx, c.EventType, c.EventID, c.ParticipantID, c.ProjectID, domain)
	if err != nil {
		return nil, err
	}
	if applied {
		return nil, nil
	}

	tx, err := e.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin trust change: %w", err)
	}
	defer tx.Rollback()

	sc, err := e.lockScore(ctx, tx, c.ParticipantID, c.ProjectID, domain)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	after := sc.Score + c.Delta
	if after < 0 {
		after = 0
	}
	if after > MaxScore {
		after = MaxScore
	}
	level := LevelFor(after)
	weight := WeightFor(after)

	log := &Log{
		ParticipantID: c.ParticipantID,
		ProjectID:     c.ProjectID,
		Domain:        domain,
		Delta:         c.Delta,
		ScoreBefore:   sc.Score,
		ScoreAfter:    after,
		EventType:     c.EventType,
		EventID:       c.EventID,
		Reason:        c.Reason,
		CreatedAt:     now,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO trust_score_logs (participant_id, project_id, domain, delta,
			score_before, score_after, event_type, event_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		log.ParticipantID, log.ProjectID, log.Domain, log.Delta, log.ScoreBefore,
		log.ScoreAfter, log.EventType, log.EventID, log.Reason, log.CreatedAt).Scan(&log.ID)
	if isUniqueViolation(err) {
		return nil, nil // a concurrent delivery won
	}
	if err != nil {
		return nil, fmt.Errorf("insert trust log: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE trust_scores SET score = $4, level = $5, vote_weight = $6,
			last_activity_at = $7, updated_at = $7
		WHERE participant_id = $1 AND project_id = $2 AND domain = $3`,
		c.ParticipantID, c.ProjectID, domain, after, level, weight, now); err != nil {
		return nil, fmt.Errorf("update trust score: %w", err)
	}
	if err := e.syncVetoerGrant(ctx, tx, c.ParticipantID, c.ProjectID, domain, sc.Level, level, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit trust change: %w", err)
	}
	e.logger.Info("trust changed",
		"participant_id", c.ParticipantID, "project_id", c.ProjectID, "domain", domain,
		"delta", c.Delta, "score", after, "level", level,
		"event_type", c.EventType, "event_id", c.EventID)
	return log, nil
}

func (e *Engine) changeApplied(ctx context.Context, eventType, eventID, participantID string, projectID uuid.UUID, domain string) (bool, error) {
	var exists bool
	err := e.store.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM trust_score_logs
			WHERE event_type = $1 AND event_id = $2 AND participant_id = $3
				AND project_id = $4 AND domain = $5)`,
		eventType, eventID, participantID, projectID, domain).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check trust log: %w", err)
	}
	return exists, nil
}

// lockScore fetches a score row FOR UPDATE, creating the default row first
// when the participant has never been scored in the project's domain.
func (e *Engine) lockScore(ctx context.Context, tx *sql.Tx, participantID string, projectID uuid.UUID, domain string) (*Score, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trust_scores (participant_id, project_id, domain, score, level, vote_weight)
		VALUES ($1, $2, $3, $4, 'voter', 1.0)
		ON CONFLICT (participant_id, project_id, domain) DO NOTHING`,
		participantID, projectID, domain, DefaultScore); err != nil {
		return nil, fmt.Errorf("seed trust score: %w", err)
	}
	row := tx.QueryRowContext(ctx, `
		SELECT `+scoreColumns+` FROM trust_scores
		WHERE participant_id = $1 AND project_id = $2 AND domain = $3 FOR UPDATE`,
		participantID, projectID, domain)
	return scanScore(row)
}

// EnsureScore returns a participant's standing in a project's domain,
// creating the default row on first contact.
func (e *Engine) EnsureScore(ctx context.Context, participantID string, projectID uuid.UUID, domain string) (*Score, error) {
	domain = governance.NormalizeDomainKey(domain)
	if domain == "" {
		domain = governance.GlobalDomain
	}
	if _, err := e.store.db.ExecContext(ctx, `
		INSERT INTO trust_scores (participant_id, project_id, domain, score, level, vote_weight)
		VALUES ($1, $2, $3, $4, 'voter', 1.0)
		ON CONFLICT (participant_id, project_id, domain) DO NOTHING`,
		participantID, projectID, domain, DefaultScore); err != nil {
		return nil, fmt.Errorf("seed trust score: %w", err)
	}
	return e.store.GetScore(ctx, participantID, projectID, domain)
}

// syncVetoerGrant keeps the vetoers table in step with level crossings.
// Crossing up creates a grant; falling below removes it.
func (e *Engine) syncVetoerGrant(ctx context.Context, tx *sql.Tx, participantID string, projectID uuid.UUID, domain string, before, after Level, now time.Time) error {
	id, err := uuid.Parse(participantID)
	if err != nil {
		return nil // non-UUID participants never hold veto grants
	}
	wasVetoer := LevelRank(before) >= LevelRank(LevelVetoer)
	isVetoer := LevelRank(after) >= LevelRank(LevelVetoer)
	switch {
	case isVetoer && !wasVetoer:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO vetoers (participant_id, project_id, domain, granted_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (participant_id, project_id, domain) DO NOTHING`,
			id, projectID, domain, now); err != nil {
			return fmt.Errorf("grant vetoer: %w", err)
		}
	case wasVetoer && !isVetoer:
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vetoers
			WHERE participant_id = $1 AND project_id = $2 AND domain = $3`,
			id, projectID, domain); err != nil {
			return fmt.Errorf("revoke vetoer: %w", err)
		}
	}
	return nil
}

// Proposal outcome deltas for the author.
const (
	approvedAuthorDelta = 2
	rejectedAuthorDelta = -1
)

// ApplyProposalResult adjusts the author's standing in the project's global
// domain and each proposal domain, tracks the rejection streak, and arms the
// cooldown after three straight rejections. Idempotent per proposal.
func (e *Engine) ApplyProposalResult(ctx context.Context, p *governance.Proposal, result governance.DecisionResult) error {
	if result != governance.ResultApproved && result != governance.ResultRejected {
		return nil
	}
	delta := approvedAuthorDelta
	if result == governance.ResultRejected {
		delta = rejectedAuthorDelta
	}
	reason := fmt.Sprintf("proposal %s %s", p.ID, result)

	domains := []string{governance.GlobalDomain}
	for _, d := range governance.NormalizeDomains(p.Domains) {
		domains = append(domains, d)
	}
	for _, domain := range domains {
		_, err := e.ApplyChange(ctx, Change{
			ParticipantID: p.AuthorID,
			ProjectID:     p.ProjectID,
			Domain:        domain,
			Delta:         delta,
			EventType:     "proposal_result",
			EventID:       p.ID,
			Reason:        reason,
		})
		if err != nil {
			return err
		}
	}
	return e.trackRejectionStreak(ctx, p.AuthorID, p.ProjectID, result)
}

// trackRejectionStreak updates the global-domain streak counter and sets the
// cooldown once the streak reaches the threshold.
func (e *Engine) trackRejectionStreak(ctx context.Context, participantID string, projectID uuid.UUID, result governance.DecisionResult) error {
	tx, err := e.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin streak: %w", err)
	}
	defer tx.Rollback()

	sc, err := e.lockScore(ctx, tx, participantID, projectID, governance.GlobalDomain)
	if err != nil {
		return err
	}
	now := e.now().UTC()
	streak := 0
	var cooldown *time.Time
	if result == governance.ResultRejected {
		streak = sc.ConsecutiveRejections + 1
		if streak >= cooldownRejections {
			until := now.Add(cooldownDuration)
			cooldown = &until
		} else {
			cooldown = sc.CooldownUntil
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE trust_scores SET consecutive_rejections = $4, cooldown_until = $5, updated_at = $6
		WHERE participant_id = $1 AND project_id = $2 AND domain = $3`,
		participantID, projectID, governance.GlobalDomain, streak, cooldown, now); err != nil {
		return fmt.Errorf("update streak: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit streak: %w", err)
	}
	if cooldown != nil && streak >= cooldownRejections {
		e.logger.Warn("participant entered cooldown",
			"participant_id", participantID, "until", *cooldown)
	}
	return nil
}

// ApplyVetoResolution adjusts the vetoer's standing after an escalation
// settles. Overturned vetoes cost a point. Idempotent per veto event.
func (e *Engine) ApplyVetoResolution(ctx context.Context, ve *governance.VetoEvent, projectID uuid.UUID) error {
	if ve.Status != governance.VetoOverturned {
		return nil
	}
	_, err := e.ApplyChange(ctx, Change{
		ParticipantID: ve.VetoerID.String(),
		ProjectID:     projectID,
		Domain:        ve.Domain,
		Delta:         -1,
		EventType:     "veto_overturned",
		EventID:       fmt.Sprintf("%d", ve.ID),
		Reason:        fmt.Sprintf("veto on %s overturned", ve.ProposalID),
	})
	return err
}

// DecayInactive docks inactive participants two points per idle month.
// Worker entry point; the month-stamped event id makes each decay period
// apply once.
func (e *Engine) DecayInactive(ctx context.Context, olderThan time.Duration) (int, error) {
	now := e.now().UTC()
	cutoff := now.Add(-olderThan)
	rows, err := e.store.db.QueryContext(ctx, `
		SELECT participant_id, project_id, domain, last_activity_at FROM trust_scores
		WHERE last_activity_at < $1 AND score > 0`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list inactive: %w", err)
	}
	type target struct {
		participant, domain string
		project             uuid.UUID
		lastActivity        time.Time
	}
	var targets []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.participant, &t.project, &t.domain, &t.lastActivity); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan inactive: %w", err)
		}
		targets = append(targets, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	decayed := 0
	period := now.Format("2006-01")
	for _, t := range targets {
		months := int(now.Sub(t.lastActivity).Hours() / (24 * 30))
		if months < 1 {
			continue
		}
		log, err := e.ApplyChange(ctx, Change{
			ParticipantID: t.participant,
			ProjectID:     t.project,
			Domain:        t.domain,
			Delta:         -decayPerMonth * months,
			EventType:     "inactivity_decay",
			EventID:       fmt.Sprintf("%s:%s:%s", period, t.participant, t.domain),
			Reason:        fmt.Sprintf("no activity for %d months", months),
		})
		if err != nil {
			return decayed, err
		}
		if log != nil {
			decayed++
		}
	}
	return decayed, nil
}
