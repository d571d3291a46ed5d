// Package gateway talks to the external LLM judgment service. Every call is
// advisory: callers must keep working, degraded, when the gateway is down.
package gateway

import "context"

// FactCheck is the judgment on a medical text's factual accuracy.
// RiskScore runs 0.0 (accurate) to 1.0 (clearly wrong).
type FactCheck struct {
	RiskScore float64  `json:"risk_score"`
	Issues    []string `json:"issues"`
	Reasoning string   `json:"reasoning"`
}

// Diagnosis is one differential diagnosis candidate.
type Diagnosis struct {
	Name               string   `json:"diagnosis"`
	Probability        float64  `json:"probability"`
	SupportingEvidence []string `json:"supporting_evidence"`
	AdditionalTests    []string `json:"additional_tests"`
}

// ConsistencyJudgment supplements the local validator with the external
// model's reading of the same record.
type ConsistencyJudgment struct {
	IsConsistent bool     `json:"is_consistent"`
	Score        float64  `json:"consistency_score"`
	Suggestions  []string `json:"suggestions"`
}

// EncounterSummary is the structured output of summary generation. Section
// keys follow the discharge-summary template: chief_complaint, diagnosis,
// treatment, outcome, follow_up.
type EncounterSummary struct {
	SummaryType string            `json:"summary_type"`
	Sections    map[string]string `json:"sections"`
}

// PatientSummary is the clinical work-up produced from structured patient
// data that has already been through PII masking.
type PatientSummary struct {
	Summary               string      `json:"summary"`
	KeyFindings           []string    `json:"key_findings"`
	DifferentialDiagnoses []Diagnosis `json:"differential_diagnoses"`
	RiskFactors           []string    `json:"risk_factors"`
	Recommendations       []string    `json:"recommendations"`
	ConfidenceScore       float64     `json:"confidence_score"`
}

// Client is the upstream judgment service. Implementations must honor the
// context deadline and return safety.Error kinds for timeout/unavailable.
type Client interface {
	FactCheck(ctx context.Context, text string) (*FactCheck, error)
	Rewrite(ctx context.Context, text string) (string, error)
	JudgeConsistency(ctx context.Context, summary, assessment, plan string, diagnosisCodes []string) (*ConsistencyJudgment, error)
	SuggestDiagnoses(ctx context.Context, symptomsText string) ([]Diagnosis, error)
	SummarizeEncounter(ctx context.Context, encounterText, summaryType string) (*EncounterSummary, error)
	SummarizePatient(ctx context.Context, patientText string) (*PatientSummary, error)

	Configured() bool
	Deployment() string
	APIVersion() string
}
