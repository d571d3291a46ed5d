// Package risk merges PII detections with the hallucination/plausibility
// signal into a single RiskAssessment. The merge is deliberately conservative:
// when the two signals disagree the higher level wins.
package risk

import (
	"fmt"

	"github.com/sakuramed/safeguard/internal/config"
	"github.com/sakuramed/safeguard/internal/safety"
)

// HallucinationSignal is the plausibility assessment for a text, produced by
// the gateway fact check or the local term cross-check fallback.
type HallucinationSignal struct {
	Score    float64
	Issues   []string
	Degraded bool
}

// Classifier computes risk assessments from detection output.
type Classifier struct {
	cfg config.SafetyConfig
}

func New(cfg config.SafetyConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify merges the two signals. Risk never decreases when more
// high-confidence direct identifiers are added: per-detection risk is combined
// by max, and identifier co-location only escalates.
func (c *Classifier) Classify(detections []safety.PIIDetection, hall HallucinationSignal) safety.RiskAssessment {
	combined := max(c.PIIRiskScore(detections), hall.Score)
	level := c.levelFor(combined)

	issues := c.collectIssues(detections, hall)
	confidence := c.confidence(detections, hall)

	return safety.RiskAssessment{
		RiskLevel:       level,
		ConfidenceScore: confidence,
		DetectedIssues:  issues,
		Recommendations: c.recommendations(level, issues, hall),
	}
}

// PIIRiskScore is the identifier-only portion of the combined score, used
// where no hallucination signal exists (standalone PII detection).
func (c *Classifier) PIIRiskScore(detections []safety.PIIDetection) float64 {
	piiRisk := 0.0
	directCount := 0
	hasPatientID, hasName := false, false

	for _, det := range detections {
		piiRisk = max(piiRisk, c.typeRisk(det.Type))
		if det.Type.DirectIdentifier() {
			directCount++
		}
		switch det.Type {
		case safety.PIITypePatientID:
			hasPatientID = true
		case safety.PIITypeName:
			hasName = true
		}
	}

	// Multiple direct identifiers, or a patient ID co-located with a name,
	// raise the floor to high.
	if directCount >= 2 || (hasPatientID && hasName) {
		piiRisk = max(piiRisk, c.cfg.HighRiskThreshold)
	}
	return piiRisk
}

// LevelFor exposes the threshold mapping for callers that carry their own
// numeric score.
func (c *Classifier) LevelFor(score float64) safety.RiskLevel { return c.levelFor(score) }

func (c *Classifier) typeRisk(t safety.PIIType) float64 {
	switch t {
	case safety.PIITypePatientID, safety.PIITypeInsuranceNumber:
		return c.cfg.StrongIdentifierRisk
	case safety.PIITypeName, safety.PIITypePhone, safety.PIITypeAddress:
		return c.cfg.DirectIdentifierRisk
	default:
		return c.cfg.IndirectIdentifierRisk
	}
}

func (c *Classifier) levelFor(score float64) safety.RiskLevel {
	switch {
	case score >= c.cfg.CriticalRiskThreshold:
		return safety.RiskCritical
	case score >= c.cfg.HighRiskThreshold:
		return safety.RiskHigh
	case score >= c.cfg.MediumRiskThreshold:
		return safety.RiskMedium
	default:
		return safety.RiskLow
	}
}

func (c *Classifier) collectIssues(detections []safety.PIIDetection, hall HallucinationSignal) []safety.Issue {
	issues := make([]safety.Issue, 0, len(detections)+1)
	for _, det := range detections {
		issues = append(issues, safety.Issue{
			Type:        safety.IssuePII,
			Category:    string(det.Type),
			Confidence:  det.Confidence,
			Description: fmt.Sprintf("%sが検出されました", det.Type),
		})
	}
	if hall.Score >= c.cfg.HallucinationThreshold {
		desc := "医学的事実に疑問があります"
		if len(hall.Issues) > 0 {
			desc = hall.Issues[0]
		}
		issues = append(issues, safety.Issue{
			Type:        safety.IssueHallucination,
			Score:       hall.Score,
			Description: desc,
		})
	}
	return issues
}

// confidence is a weighted mean of detection certainty and the inverse
// hallucination risk. Exactly zero is reserved for the degraded error path,
// so the result is floored just above it.
func (c *Classifier) confidence(detections []safety.PIIDetection, hall HallucinationSignal) float64 {
	piiConf := 1.0
	if len(detections) > 0 {
		sum := 0.0
		for _, det := range detections {
			sum += det.Confidence
		}
		piiConf = sum / float64(len(detections))
	}

	conf := 0.4*piiConf + 0.6*(1.0-hall.Score)
	if hall.Degraded {
		conf *= 0.75
	}
	return max(conf, 0.05)
}

func (c *Classifier) recommendations(level safety.RiskLevel, issues []safety.Issue, hall HallucinationSignal) []string {
	var recs []string

	switch level {
	case safety.RiskCritical:
		recs = append(recs, "このテキストは高リスクです。使用前に管理者の確認が必要です。")
	case safety.RiskHigh:
		recs = append(recs, "内容を再確認し、必要に応じて修正してください。")
	case safety.RiskMedium:
		recs = append(recs, "個人情報のマスキング状態を確認してください。")
	}

	seen := map[string]bool{}
	for _, is := range issues {
		switch is.Type {
		case safety.IssuePII:
			if !seen[is.Category] {
				seen[is.Category] = true
				recs = append(recs, fmt.Sprintf("個人情報（%s）が検出されました。", is.Category))
			}
		case safety.IssueHallucination:
			recs = append(recs, "医学的事実に疑問があります。信頼できる情報源で確認してください。")
		}
	}

	if hall.Degraded {
		recs = append(recs, "外部判定サービスが利用できないため、限定的な検査のみ実施しました。")
	}
	if len(recs) == 0 {
		recs = append(recs, "テキストは安全です。")
	}
	return recs
}
