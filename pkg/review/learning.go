package review

import (
	"context"
	"fmt"
)

// Alignment classifies whether an AI ballot agreed with the eventual outcome.
type Alignment string

const (
	AlignmentAligned    Alignment = "aligned"
	AlignmentMisaligned Alignment = "misaligned"
	AlignmentNeutral    Alignment = "neutral"
)

// alignmentFor grades one ballot against the outcome rating. Abstentions,
// non-votes and B-rated outcomes carry no signal.
func alignmentFor(choice *string, rated Rating) Alignment {
	if choice == nil || *choice == "abstain" {
		return AlignmentNeutral
	}
	if !rated.Positive() && !rated.Negative() {
		return AlignmentNeutral
	}
	if (*choice == "yes" && rated.Positive()) || (*choice == "no" && rated.Negative()) {
		return AlignmentAligned
	}
	return AlignmentMisaligned
}

// recordLearning writes an alignment record for every AI voter of the
// reviewed proposal. Idempotent per (review, participant).
func (s *Service) recordLearning(ctx context.Context, r *Review, rated Rating) error {
	participants, err := s.store.ListParticipants(ctx, r.ID)
	if err != nil {
		return err
	}
	for _, pt := range participants {
		if pt.ParticipantType != "ai" {
			continue
		}
		switch pt.Role {
		case RoleVoterYes, RoleVoterNo, RoleVoterAbstain:
		default:
			continue
		}
		alignment := alignmentFor(pt.VoteChoice, rated)
		_, err := s.store.db.ExecContext(ctx, `
			INSERT INTO ai_learning_records (participant_id, proposal_id, review_id,
				vote_choice, alignment)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (review_id, participant_id) DO NOTHING`,
			pt.ParticipantID, r.ProposalID, r.ID, pt.VoteChoice, alignment)
		if err != nil {
			return fmt.Errorf("insert learning record: %w", err)
		}
	}
	return nil
}

// AlignmentStats summarizes how well an AI participant's ballots have
// tracked real outcomes.
type AlignmentStats struct {
	ParticipantID    string  `json:"participant_id"`
	TotalRecords     int     `json:"total_records"`
	AlignedRecords   int     `json:"aligned_records"`
	AlignmentRate    float64 `json:"alignment_rate"`
	RecentRate       float64 `json:"recent_alignment_rate"`
	ImprovementTrend float64 `json:"improvement_trend"`
}

// recentWindow is how many of the latest signal-bearing records feed the
// recent rate.
const recentWindow = 5

// AlignmentStatsFor computes overall and recent alignment for one AI
// participant. Neutral records are excluded from both rates.
func (s *Service) AlignmentStatsFor(ctx context.Context, participantID string) (*AlignmentStats, error) {
	rows, err := s.store.db.QueryContext(ctx, `
		SELECT alignment FROM ai_learning_records
		WHERE participant_id = $1 AND alignment <> 'neutral'
		ORDER BY created_at DESC`, participantID)
	if err != nil {
		return nil, fmt.Errorf("list learning records: %w", err)
	}
	defer rows.Close()

	stats := &AlignmentStats{ParticipantID: participantID}
	recentAligned, recentTotal := 0, 0
	for rows.Next() {
		var alignment Alignment
		if err := rows.Scan(&alignment); err != nil {
			return nil, fmt.Errorf("scan learning record: %w", err)
		}
		stats.TotalRecords++
		aligned := alignment == AlignmentAligned
		if aligned {
			stats.AlignedRecords++
		}
		if recentTotal < recentWindow {
			recentTotal++
			if aligned {
				recentAligned++
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if stats.TotalRecords > 0 {
		stats.AlignmentRate = float64(stats.AlignedRecords) / float64(stats.TotalRecords)
	}
	if recentTotal > 0 {
		stats.RecentRate = float64(recentAligned) / float64(recentTotal)
	}
	stats.ImprovementTrend = stats.RecentRate - stats.AlignmentRate
	return stats, nil
}
