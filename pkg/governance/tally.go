package governance

// Tally aggregates the weighted ballots of one proposal. Weights are the
// values snapshotted at vote time, not current trust weights.
type Tally struct {
	TotalVotes      int
	YesVotes        int
	NoVotes         int
	AbstainVotes    int
	WeightedYes     float64
	WeightedNo      float64
	WeightedAbstain float64
}

// TallyVotes folds ballots into count and weight aggregates.
func TallyVotes(votes []Vote) Tally {
	var t Tally
	for _, v := range votes {
		t.TotalVotes++
		switch v.Choice {
		case ChoiceYes:
			t.YesVotes++
			t.WeightedYes += v.Weight
		case ChoiceNo:
			t.NoVotes++
			t.WeightedNo += v.Weight
		case ChoiceAbstain:
			t.AbstainVotes++
			t.WeightedAbstain += v.Weight
		}
	}
	return t
}

// TotalWeight is the sum of all ballot weights including abstentions.
func (t Tally) TotalWeight() float64 {
	return t.WeightedYes + t.WeightedNo + t.WeightedAbstain
}

// ApprovalRate is yes votes over total votes, or nil with no ballots.
func (t Tally) ApprovalRate() *float64 {
	if t.TotalVotes == 0 {
		return nil
	}
	rate := float64(t.YesVotes) / float64(t.TotalVotes)
	return &rate
}

// WeightedApprovalRate is yes weight over total weight, or nil when the
// total weight is zero.
func (t Tally) WeightedApprovalRate() *float64 {
	total := t.TotalWeight()
	if total == 0 {
		return nil
	}
	rate := t.WeightedYes / total
	return &rate
}

// DefaultConsensusAbstainFraction is the largest share of total weight that
// abstentions may hold under the consensus rule.
const DefaultConsensusAbstainFraction = 0.25

// Decide applies a voting rule to a tally. Ties and empty tallies reject.
// consensusAbstainFraction caps abstention weight under RuleConsensus; pass
// a non-positive value to use the default.
func Decide(rule VotingRule, t Tally, consensusAbstainFraction float64) DecisionResult {
	switch rule {
	case RuleAbsoluteMajority:
		if t.WeightedYes > 0.5*t.TotalWeight() {
			return ResultApproved
		}
		return ResultRejected
	case RuleConsensus:
		frac := consensusAbstainFraction
		if frac <= 0 {
			frac = DefaultConsensusAbstainFraction
		}
		if t.YesVotes > 0 && t.WeightedNo == 0 && t.WeightedAbstain <= frac*t.TotalWeight() {
			return ResultApproved
		}
		return ResultRejected
	default: // simple majority
		if t.WeightedYes > t.WeightedNo {
			return ResultApproved
		}
		return ResultRejected
	}
}
