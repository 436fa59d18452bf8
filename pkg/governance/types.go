// Package governance implements the proposal lifecycle state machine,
// weighted voting and tally computation, and the veto/escalation override
// protocol. All cross-instance invariants are enforced with row-level locks
// and unique constraints in Postgres, not in-memory mutexes.
package governance

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProposalStatus is the lifecycle state of a proposal.
type ProposalStatus string

const (
	StatusDraft    ProposalStatus = "draft"
	StatusOpen     ProposalStatus = "open"
	StatusVoting   ProposalStatus = "voting"
	StatusApproved ProposalStatus = "approved"
	StatusRejected ProposalStatus = "rejected"
	StatusVetoed   ProposalStatus = "vetoed"
	StatusArchived ProposalStatus = "archived"
)

// ValidStatus reports whether value is a known proposal status.
func ValidStatus(value string) bool {
	switch ProposalStatus(value) {
	case StatusDraft, StatusOpen, StatusVoting, StatusApproved, StatusRejected, StatusVetoed, StatusArchived:
		return true
	}
	return false
}

// ProposalType categorizes what the proposal changes.
type ProposalType string

const (
	TypeFeature      ProposalType = "feature"
	TypeArchitecture ProposalType = "architecture"
	TypePriority     ProposalType = "priority"
	TypeResource     ProposalType = "resource"
	TypeGovernance   ProposalType = "governance"
	TypeBugfix       ProposalType = "bugfix"
)

// ValidProposalType reports whether value is a known proposal type.
func ValidProposalType(value string) bool {
	switch ProposalType(value) {
	case TypeFeature, TypeArchitecture, TypePriority, TypeResource, TypeGovernance, TypeBugfix:
		return true
	}
	return false
}

// VotingRule selects how a weighted tally is turned into a decision.
type VotingRule string

const (
	RuleSimpleMajority   VotingRule = "simple_majority"
	RuleAbsoluteMajority VotingRule = "absolute_majority"
	RuleConsensus        VotingRule = "consensus"
)

// ValidVotingRule reports whether value is a known voting rule.
func ValidVotingRule(value string) bool {
	switch VotingRule(value) {
	case RuleSimpleMajority, RuleAbsoluteMajority, RuleConsensus:
		return true
	}
	return false
}

// CycleTemplate names a discussion/voting window preset.
type CycleTemplate string

const (
	CycleRapid    CycleTemplate = "rapid"
	CycleFast     CycleTemplate = "fast"
	CycleStandard CycleTemplate = "standard"
	CycleCritical CycleTemplate = "critical"
)

// ValidCycleTemplate reports whether value is a known cycle template.
func ValidCycleTemplate(value string) bool {
	switch CycleTemplate(value) {
	case CycleRapid, CycleFast, CycleStandard, CycleCritical:
		return true
	}
	return false
}

// DefaultCycleTemplate returns the window preset used when a proposal of the
// given type does not name one.
func DefaultCycleTemplate(pt ProposalType) CycleTemplate {
	switch pt {
	case TypeArchitecture, TypeResource:
		return CycleStandard
	case TypeGovernance:
		return CycleCritical
	default:
		return CycleRapid
	}
}

// CycleHours returns the discussion and voting window lengths for a template.
func CycleHours(ct CycleTemplate) (discussion, voting time.Duration) {
	switch ct {
	case CycleFast:
		return 24 * time.Hour, 24 * time.Hour
	case CycleStandard:
		return 72 * time.Hour, 48 * time.Hour
	case CycleCritical:
		return 168 * time.Hour, 72 * time.Hour
	default:
		return time.Hour, time.Hour
	}
}

// VoteChoice is a ballot option.
type VoteChoice string

const (
	ChoiceYes     VoteChoice = "yes"
	ChoiceNo      VoteChoice = "no"
	ChoiceAbstain VoteChoice = "abstain"
)

// ValidVoteChoice reports whether value is a known ballot option.
func ValidVoteChoice(value string) bool {
	switch VoteChoice(value) {
	case ChoiceYes, ChoiceNo, ChoiceAbstain:
		return true
	}
	return false
}

// DecisionResult is the outcome recorded for a closed proposal.
type DecisionResult string

const (
	ResultApproved DecisionResult = "approved"
	ResultRejected DecisionResult = "rejected"
	ResultVetoed   DecisionResult = "vetoed"
)

// VetoStatus is the lifecycle state of a veto event.
type VetoStatus string

const (
	VetoActive     VetoStatus = "active"
	VetoOverturned VetoStatus = "overturned"
	VetoUpheld     VetoStatus = "upheld"
	VetoWithdrawn  VetoStatus = "withdrawn"
)

// Proposal is the root governance entity. Exactly one stage timestamp is
// non-nil for each non-draft status.
type Proposal struct {
	ID              string         `json:"id"`
	ProjectID       uuid.UUID      `json:"project_id"`
	Title           string         `json:"title"`
	Type            ProposalType   `json:"proposal_type"`
	Status          ProposalStatus `json:"status"`
	AuthorID        string         `json:"author_id"`
	AuthorType      string         `json:"author_type"`
	Content         string         `json:"content"`
	Domains         []string       `json:"domains"`
	VotingRule      VotingRule     `json:"voting_rule"`
	CycleTemplate   CycleTemplate  `json:"cycle_template"`
	CreatedAt       time.Time      `json:"created_at"`
	SubmittedAt     *time.Time     `json:"submitted_at,omitempty"`
	VotingStartedAt *time.Time     `json:"voting_started_at,omitempty"`
	VotingEndedAt   *time.Time     `json:"voting_ended_at,omitempty"`
	ArchivedAt      *time.Time     `json:"archived_at,omitempty"`
}

// VotingDeadline returns when the voting window closes, or zero time if
// voting has not started.
func (p *Proposal) VotingDeadline() time.Time {
	if p.VotingStartedAt == nil {
		return time.Time{}
	}
	_, voting := CycleHours(p.CycleTemplate)
	return p.VotingStartedAt.Add(voting)
}

// DiscussionDeadline returns when the discussion window closes, or zero time
// if the proposal has not been submitted.
func (p *Proposal) DiscussionDeadline() time.Time {
	if p.SubmittedAt == nil {
		return time.Time{}
	}
	discussion, _ := CycleHours(p.CycleTemplate)
	return p.SubmittedAt.Add(discussion)
}

// Vote is one ballot. (ProposalID, VoterID) is unique; re-voting overwrites.
type Vote struct {
	ID         int64      `json:"id"`
	ProposalID string     `json:"proposal_id"`
	VoterID    string     `json:"voter_id"`
	VoterType  string     `json:"voter_type"`
	Choice     VoteChoice `json:"choice"`
	Weight     float64    `json:"weight"`
	Reason     string     `json:"reason,omitempty"`
	VotedAt    time.Time  `json:"voted_at"`
}

// Decision is the immutable record of a closed vote. One per proposal; only
// veto_event_id may be backfilled after creation.
type Decision struct {
	ID                   string         `json:"id"`
	ProposalID           string         `json:"proposal_id"`
	Result               DecisionResult `json:"result"`
	TotalVotes           int            `json:"total_votes"`
	YesVotes             int            `json:"yes_votes"`
	NoVotes              int            `json:"no_votes"`
	AbstainVotes         int            `json:"abstain_votes"`
	WeightedYes          float64        `json:"weighted_yes"`
	WeightedNo           float64        `json:"weighted_no"`
	WeightedAbstain      float64        `json:"weighted_abstain"`
	ApprovalRate         *float64       `json:"approval_rate,omitempty"`
	WeightedApprovalRate *float64       `json:"weighted_approval_rate,omitempty"`
	VetoEventID          *int64         `json:"veto_event_id,omitempty"`
	DecidedAt            time.Time      `json:"decided_at"`
}

// VetoEvent is an override attached to a proposal. At most one is active per
// proposal at a time.
type VetoEvent struct {
	ID                  int64      `json:"id"`
	ProposalID          string     `json:"proposal_id"`
	VetoerID            uuid.UUID  `json:"vetoer_id"`
	Domain              string     `json:"domain"`
	Reason              string     `json:"reason"`
	Status              VetoStatus `json:"status"`
	EscalationStartedAt *time.Time `json:"escalation_started_at,omitempty"`
	EscalationResult    string     `json:"escalation_result,omitempty"`
	OverturnedCount     int        `json:"overturned_count"`
	UpheldCount         int        `json:"upheld_count"`
	CreatedAt           time.Time  `json:"created_at"`

	// reinstated carries the re-tallied decision out of a resolution
	// transaction so post-commit hooks can fire.
	reinstated *Decision
}

// EscalationBallot is one vetoer's counter-vote during an escalation.
// (VetoEventID, VetoerID) is unique.
type EscalationBallot struct {
	VetoEventID int64     `json:"veto_event_id"`
	VetoerID    uuid.UUID `json:"vetoer_id"`
	Overturn    bool      `json:"overturn"`
	CastAt      time.Time `json:"cast_at"`
}

// DecisionDomain is per-project governance configuration for one named scope.
// Read-only input to the lifecycle, voting and veto modules.
type DecisionDomain struct {
	ID                   string        `json:"id"`
	ProjectID            uuid.UUID     `json:"project_id"`
	Name                 string        `json:"name"`
	Description          string        `json:"description,omitempty"`
	DefaultVotingRule    VotingRule    `json:"default_voting_rule"`
	DefaultCycleTemplate CycleTemplate `json:"default_cycle_template"`
	VetoThreshold        int           `json:"veto_threshold"`
	AutonomousThreshold  int           `json:"autonomous_threshold"`
	IsActive             bool          `json:"is_active"`
	CreatedAt            time.Time     `json:"created_at"`
}

// GlobalDomain is the implicit fallback domain every participant has a score in.
const GlobalDomain = "global"

// NormalizeDomainKey lowercases and strips a domain name down to
// [a-z0-9_-]; anything else becomes an underscore.
func NormalizeDomainKey(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	var b strings.Builder
	b.Grow(len(trimmed))
	for _, ch := range trimmed {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
			b.WriteRune(ch)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// NormalizeDomains normalizes and de-duplicates a domain list, dropping
// empties and the implicit global domain.
func NormalizeDomains(domains []string) []string {
	seen := make(map[string]struct{}, len(domains))
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		key := NormalizeDomainKey(d)
		if key == "" || key == GlobalDomain || len(key) > 50 {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

// PrimaryDomain returns the first non-global normalized domain of a proposal,
// falling back to global.
func PrimaryDomain(domains []string) string {
	normalized := NormalizeDomains(domains)
	if len(normalized) == 0 {
		return GlobalDomain
	}
	return normalized[0]
}

// NewProposalID mints a prefixed proposal identifier.
func NewProposalID() string {
	return "PROP-" + uuid.New().String()
}

// NewDecisionID mints a prefixed decision identifier.
func NewDecisionID() string {
	return "DEC-" + uuid.New().String()
}
