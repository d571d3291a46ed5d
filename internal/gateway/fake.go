package gateway

import "context"

// Fake is a scriptable Client for tests. Unset fields fall back to benign
// defaults; Err fails every method.
type Fake struct {
	FactCheckResult  *FactCheck
	RewriteResult    string
	Judgment         *ConsistencyJudgment
	Diagnoses        []Diagnosis
	Encounter        *EncounterSummary
	Patient          *PatientSummary
	Err              error
	IsConfigured     bool
	FactCheckCalls   int
	RewriteCalls     int
	ConsistencyCalls int
}

func NewFake() *Fake {
	return &Fake{IsConfigured: true}
}

func (f *Fake) FactCheck(ctx context.Context, text string) (*FactCheck, error) {
	f.FactCheckCalls++
	if f.Err != nil {
		return nil, f.Err
	}
	if f.FactCheckResult != nil {
		return f.FactCheckResult, nil
	}
	return &FactCheck{RiskScore: 0.0, Reasoning: "医学的に正確"}, nil
}

func (f *Fake) Rewrite(ctx context.Context, text string) (string, error) {
	f.RewriteCalls++
	if f.Err != nil {
		return "", f.Err
	}
	if f.RewriteResult != "" {
		return f.RewriteResult, nil
	}
	return "安全に書き換えられたテキスト。", nil
}

func (f *Fake) JudgeConsistency(ctx context.Context, summary, assessment, plan string, codes []string) (*ConsistencyJudgment, error) {
	f.ConsistencyCalls++
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Judgment != nil {
		return f.Judgment, nil
	}
	return &ConsistencyJudgment{IsConsistent: true, Score: 0.9}, nil
}

func (f *Fake) SuggestDiagnoses(ctx context.Context, symptomsText string) ([]Diagnosis, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Diagnoses != nil {
		return f.Diagnoses, nil
	}
	return []Diagnosis{{Name: "急性上気道炎", Probability: 0.6}}, nil
}

func (f *Fake) SummarizeEncounter(ctx context.Context, encounterText, summaryType string) (*EncounterSummary, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Encounter != nil {
		return f.Encounter, nil
	}
	return &EncounterSummary{
		SummaryType: summaryType,
		Sections: map[string]string{
			"chief_complaint": "発熱",
			"diagnosis":       "急性上気道炎",
			"treatment":       "対症療法",
			"outcome":         "軽快",
			"follow_up":       "症状増悪時に再診",
		},
	}, nil
}

func (f *Fake) SummarizePatient(ctx context.Context, patientText string) (*PatientSummary, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Patient != nil {
		return f.Patient, nil
	}
	return &PatientSummary{Summary: "状態は安定している。", ConfidenceScore: 0.8}, nil
}

func (f *Fake) Configured() bool   { return f.IsConfigured }
func (f *Fake) Deployment() string { return "fake-deployment" }
func (f *Fake) APIVersion() string { return "fake" }
