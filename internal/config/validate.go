package config

import (
	"fmt"
	"strings"
)

// Validate rejects configurations whose thresholds cannot produce a coherent
// policy. It reports all problems at once rather than the first one found.
func (c *Config) Validate() error {
	var problems []string

	s := c.Safety
	if !(s.MediumRiskThreshold < s.HighRiskThreshold && s.HighRiskThreshold < s.CriticalRiskThreshold) {
		problems = append(problems, "safety: risk thresholds must be strictly increasing (medium < high < critical)")
	}
	for name, v := range map[string]float64{
		"medium_risk_threshold":    s.MediumRiskThreshold,
		"high_risk_threshold":      s.HighRiskThreshold,
		"critical_risk_threshold":  s.CriticalRiskThreshold,
		"pii_confidence_floor":     s.PIIConfidenceFloor,
		"hallucination_threshold":  s.HallucinationThreshold,
		"direct_identifier_risk":   s.DirectIdentifierRisk,
		"strong_identifier_risk":   s.StrongIdentifierRisk,
		"indirect_identifier_risk": s.IndirectIdentifierRisk,
	} {
		if v < 0 || v > 1 {
			problems = append(problems, fmt.Sprintf("safety: %s must be in [0,1], got %v", name, v))
		}
	}
	switch s.DefaultMaskingLevel {
	case "minimal", "standard", "maximum":
	default:
		problems = append(problems, fmt.Sprintf("safety: unknown default_masking_level %q", s.DefaultMaskingLevel))
	}
	if s.CheckBudget <= 0 || s.WorkflowBudget <= 0 {
		problems = append(problems, "safety: budgets must be positive")
	}

	cc := c.Consistency
	if !(cc.ReviewThreshold < cc.ConsistentThreshold) {
		problems = append(problems, "consistency: review_threshold must be below consistent_threshold")
	}
	if cc.ReviewThreshold < 0 || cc.ConsistentThreshold > 1 {
		problems = append(problems, "consistency: thresholds must be in [0,1]")
	}

	if c.Gateway.CallTimeout <= 0 {
		problems = append(problems, "gateway: call_timeout must be positive")
	}
	if c.Audit.Path == "" {
		problems = append(problems, "audit: path is required")
	}
	if c.Audit.ChainAnchor == "" {
		problems = append(problems, "audit: chain_anchor is required")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}
