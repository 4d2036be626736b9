// Package decision turns proposals into vote decisions through an AI
// provider, constrained by the user's strategy posture.
package decision

import (
	"github.com/voterd/voterd/internal/prefs"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

type AbstainReason string

const (
	AbstainBelowThreshold AbstainReason = "below_threshold"
	AbstainRiskExceeds    AbstainReason = "risk_exceeds_strategy"
	AbstainUnmappable     AbstainReason = "unmappable_choice"
	AbstainProviderError  AbstainReason = "provider_error"
)

// VoteDecision is the accepted outcome of an evaluation. Never mutated
// after creation; the orchestrator appends it to the decision log as-is.
type VoteDecision struct {
	ProposalID  string         `json:"proposal_id"`
	ChoiceIndex int            `json:"choice_index"` // 1-based
	ChoiceLabel string         `json:"choice_label"`
	Confidence  float64        `json:"confidence"`
	Risk        RiskLevel      `json:"risk"`
	Reasoning   string         `json:"reasoning"`
	KeyFactors  []string       `json:"key_factors,omitempty"`
	Strategy    prefs.Strategy `json:"strategy"`
}

// Result is the tagged outcome of Decide: exactly one of Decision or
// Abstain is set.
type Result struct {
	Decision *VoteDecision
	Abstain  *Abstention
}

// Abstention records why no vote will be cast. Confidence and risk are
// carried when the provider produced a parseable answer that posture
// rules rejected.
type Abstention struct {
	ProposalID string         `json:"proposal_id"`
	Reason     AbstainReason  `json:"reason"`
	Detail     string         `json:"detail,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Risk       RiskLevel      `json:"risk,omitempty"`
	Strategy   prefs.Strategy `json:"strategy"`
}

// EffectiveThreshold applies the strategy's confidence floor to the
// user's configured threshold.
func EffectiveThreshold(strategy prefs.Strategy, threshold float64) float64 {
	switch strategy {
	case prefs.StrategyConservative:
		if threshold < 0.75 {
			return 0.75
		}
		return threshold
	case prefs.StrategyAggressive:
		if threshold > 0.55 {
			return 0.55
		}
		return threshold
	default:
		return threshold
	}
}

// RiskAcceptable reports whether the strategy tolerates the risk level.
func RiskAcceptable(strategy prefs.Strategy, risk RiskLevel) bool {
	switch strategy {
	case prefs.StrategyConservative:
		return risk == RiskLow
	case prefs.StrategyBalanced:
		return risk == RiskLow || risk == RiskMedium
	case prefs.StrategyAggressive:
		return risk == RiskLow || risk == RiskMedium || risk == RiskHigh
	default:
		return false
	}
}
