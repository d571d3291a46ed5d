package safety

// BlockedSentinel replaces content that must not reach the caller. The wording
// matches what the front end surfaces to clinicians as an actionable rejection.
const BlockedSentinel = "[医療安全上の理由により、この内容は表示できません]"

// SafetyCheckResult is the full outcome of one mediated safety check.
//
// Invariants, enforced by the decision engine and checked in tests:
//   - ActionAllow   => ProcessedText == OriginalText
//   - ActionRewrite => ProcessedText != OriginalText
//   - ActionBlock   => ProcessedText == BlockedSentinel
type SafetyCheckResult struct {
	OriginalText     string      `json:"original_text"`
	ProcessedText    string      `json:"processed_text"`
	RiskLevel        RiskLevel   `json:"risk_level"`
	ActionTaken      ActionTaken `json:"action_taken"`
	ConfidenceScore  float64     `json:"confidence_score"`
	DetectedIssues   []Issue     `json:"detected_issues"`
	Recommendations  []string    `json:"recommendations"`
	ProcessingTimeMs int64       `json:"processing_time_ms"`
	Degraded         bool        `json:"degraded,omitempty"`
}

// Inconsistency is a single logical conflict found between an assessment/plan
// pair and the supporting patient summary.
type Inconsistency struct {
	Type        string    `json:"type"`
	Severity    RiskLevel `json:"severity"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
}

// ConsistencyResult is the outcome of clinical-reasoning validation.
// Any critical-severity inconsistency forces IsConsistent to false.
type ConsistencyResult struct {
	IsConsistent      bool            `json:"is_consistent"`
	ConsistencyScore  float64         `json:"consistency_score"`
	Inconsistencies   []Inconsistency `json:"inconsistencies"`
	MissingElements   []string        `json:"missing_elements"`
	Suggestions       []string        `json:"suggestions"`
	ValidationSummary string          `json:"validation_summary,omitempty"`
}

// HasCritical reports whether any inconsistency carries critical severity.
func (r ConsistencyResult) HasCritical() bool {
	for _, inc := range r.Inconsistencies {
		if inc.Severity == RiskCritical {
			return true
		}
	}
	return false
}
