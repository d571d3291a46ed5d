package safety

// PIIType identifies the category of a detected personal identifier.
// The set is open: matchers may introduce new types without code changes here.
type PIIType string

const (
	PIITypeName            PIIType = "name"
	PIITypePatientID       PIIType = "patient_id"
	PIITypePhone           PIIType = "phone"
	PIITypeEmail           PIIType = "email"
	PIITypeAddress         PIIType = "address"
	PIITypeBirthDate       PIIType = "birth_date"
	PIITypeInsuranceNumber PIIType = "insurance_number"
	PIITypeOther           PIIType = "other"
)

// DirectIdentifier reports whether the type alone can identify a patient.
func (t PIIType) DirectIdentifier() bool {
	switch t {
	case PIITypeName, PIITypePatientID, PIITypePhone, PIITypeInsuranceNumber:
		return true
	default:
		return false
	}
}

// PIIDetection is a single detected span. Immutable once produced; offsets are
// byte positions into the original text so masking can splice without
// re-scanning.
type PIIDetection struct {
	Type       PIIType `json:"type"`
	Text       string  `json:"text"`
	MaskedText string  `json:"masked_text"`
	Start      int     `json:"start_pos"`
	End        int     `json:"end_pos"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Source     string  `json:"source,omitempty"`
}

// RiskLevel is the ordered severity of a safety evaluation.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Rank returns the ordinal position of the level; unknown levels rank lowest.
func (l RiskLevel) Rank() int { return riskRank[l] }

// AtLeast reports whether l is at or above other.
func (l RiskLevel) AtLeast(other RiskLevel) bool { return l.Rank() >= other.Rank() }

// MaxRiskLevel returns the higher of two levels.
func MaxRiskLevel(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ActionTaken is the remediation applied to risky text.
type ActionTaken string

const (
	ActionAllow   ActionTaken = "allow"
	ActionMask    ActionTaken = "mask"
	ActionRewrite ActionTaken = "rewrite"
	ActionBlock   ActionTaken = "block"

	// ActionDenied appears only in audit records, for requests rejected
	// before any risk evaluation ran (invalid input, missing permission).
	// Block is reserved for text denied on its assessed risk.
	ActionDenied ActionTaken = "denied"
)

// MaskingLevel controls how aggressively detected PII is masked.
type MaskingLevel string

const (
	MaskingMinimal  MaskingLevel = "minimal"
	MaskingStandard MaskingLevel = "standard"
	MaskingMaximum  MaskingLevel = "maximum"
)

// ParseMaskingLevel normalizes a wire value, defaulting to standard.
func ParseMaskingLevel(s string) MaskingLevel {
	switch MaskingLevel(s) {
	case MaskingMinimal, MaskingStandard, MaskingMaximum:
		return MaskingLevel(s)
	default:
		return MaskingStandard
	}
}

// IssueType tags the variant of a detected issue.
type IssueType string

const (
	IssuePII           IssueType = "pii_detected"
	IssueHallucination IssueType = "hallucination_risk"
	IssueSystemError   IssueType = "system_error"
)

// Issue is one problem found during a safety evaluation. For IssuePII the
// Category carries the PIIType; for IssueHallucination the Score carries the
// model-assessed risk.
type Issue struct {
	Type        IssueType `json:"type"`
	Category    string    `json:"category,omitempty"`
	Score       float64   `json:"score,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	Description string    `json:"description"`
}

// RiskAssessment is the classifier's merged view of a text.
type RiskAssessment struct {
	RiskLevel       RiskLevel `json:"risk_level"`
	ConfidenceScore float64   `json:"confidence_score"`
	DetectedIssues  []Issue   `json:"detected_issues"`
	Recommendations []string  `json:"recommendations"`
}

// HasPII reports whether any detected issue is a PII hit.
func (a RiskAssessment) HasPII() bool {
	for _, is := range a.DetectedIssues {
		if is.Type == IssuePII {
			return true
		}
	}
	return false
}
