package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GovernanceProfile carries governance tuning loaded from YAML. Values here
// become the defaults for projects without an explicit stored config.
type GovernanceProfile struct {
	Name                        string  `yaml:"name" json:"name"`
	AutoReviewDays              int     `yaml:"auto_review_days" json:"auto_review_days"`
	ConsensusAbstainFraction    float64 `yaml:"consensus_abstain_fraction" json:"consensus_abstain_fraction"`
	EscalationDeadlineOverturns bool    `yaml:"escalation_deadline_overturns" json:"escalation_deadline_overturns"`
}

// DefaultGovernanceProfile mirrors the stored-config defaults.
func DefaultGovernanceProfile() *GovernanceProfile {
	return &GovernanceProfile{
		Name:                     "default",
		AutoReviewDays:           30,
		ConsensusAbstainFraction: 0.25,
	}
}

// LoadGovernanceProfile reads a profile YAML. An empty path yields defaults.
func LoadGovernanceProfile(path string) (*GovernanceProfile, error) {
	if path == "" {
		return DefaultGovernanceProfile(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load governance profile: %w", err)
	}
	profile := DefaultGovernanceProfile()
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("parse governance profile: %w", err)
	}
	if profile.AutoReviewDays <= 0 {
		return nil, fmt.Errorf("governance profile: auto_review_days must be positive")
	}
	if profile.ConsensusAbstainFraction < 0 || profile.ConsensusAbstainFraction > 1 {
		return nil, fmt.Errorf("governance profile: consensus_abstain_fraction must be within [0, 1]")
	}
	return profile, nil
}
