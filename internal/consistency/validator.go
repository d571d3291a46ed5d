// Package consistency checks an assessment/plan pair against the patient
// situation summary. Scoring is fully deterministic: identical inputs always
// produce identical results, with no model call on this path.
package consistency

import (
	"fmt"
	"strings"

	"github.com/sakuramed/safeguard/internal/clinical"
	"github.com/sakuramed/safeguard/internal/config"
	"github.com/sakuramed/safeguard/internal/safety"
)

// Input is one validation request. The three free-text fields are required;
// diagnosis codes are optional.
type Input struct {
	PatientSummary string
	Assessment     string
	Plan           string
	DiagnosisCodes []string
}

// Validator scores clinical-reasoning consistency.
type Validator struct {
	cfg config.ConsistencyConfig
}

func New(cfg config.ConsistencyConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Generic plan language that addresses most conditions without naming a
// specific treatment.
var genericPlanTerms = []string{"対症療法", "経過観察", "安静", "フォローアップ", "再診", "水分補給"}

var followUpTerms = []string{"再診", "フォローアップ", "経過観察", "定期受診", "定期検査"}

// Validate compares the clinical entities implied by assessment/plan against
// the patient summary. A critical inconsistency forces IsConsistent to false
// and caps the score below the review threshold so the two never disagree.
func (v *Validator) Validate(in Input) (*safety.ConsistencyResult, error) {
	if strings.TrimSpace(in.PatientSummary) == "" {
		return nil, safety.InvalidInput("patient_summary is required")
	}
	if strings.TrimSpace(in.Assessment) == "" {
		return nil, safety.InvalidInput("assessment is required")
	}
	if strings.TrimSpace(in.Plan) == "" {
		return nil, safety.InvalidInput("plan is required")
	}

	res := &safety.ConsistencyResult{
		Inconsistencies: []safety.Inconsistency{},
		MissingElements: []string{},
		Suggestions:     []string{},
	}

	summarySymptoms := clinical.FindTerms(in.PatientSummary, clinical.Symptoms)
	summaryDiagnoses := clinical.FindDiagnoses(in.PatientSummary)
	assessDiagnoses := clinical.FindDiagnoses(in.Assessment)

	symptomSupport := v.scoreSymptomSupport(in, assessDiagnoses, summarySymptoms, summaryDiagnoses, res)
	planSupport := v.scorePlanSupport(in, assessDiagnoses, res)
	v.checkMissingElements(in, assessDiagnoses, res)

	score := 0.2 + 0.45*symptomSupport + 0.35*planSupport
	if score > 1.0 {
		score = 1.0
	}
	if res.HasCritical() && score > 0.45 {
		score = 0.45
	}
	res.ConsistencyScore = score
	res.IsConsistent = !res.HasCritical() && score >= v.cfg.ReviewThreshold

	switch {
	case res.HasCritical() || score < v.cfg.ReviewThreshold:
		res.ValidationSummary = "整合性に問題があります。内容の見直しが必要です。"
		res.Suggestions = append(res.Suggestions, "AssessmentとPlanを患者状況に照らして再検討してください。")
	case score < v.cfg.ConsistentThreshold:
		res.ValidationSummary = "中等度の整合性です。レビューを推奨します。"
		res.Suggestions = append(res.Suggestions, "記載内容の再確認を推奨します。")
	default:
		res.ValidationSummary = "高い整合性が確認されました。"
	}

	return res, nil
}

// scoreSymptomSupport measures how well each diagnosis in the assessment is
// supported by symptoms in the patient summary. An assessed diagnosis with no
// supporting symptom, against a summary that clearly describes something
// else, is a critical mismatch.
func (v *Validator) scoreSymptomSupport(in Input, assessDiagnoses []clinical.DiagnosisProfile,
	summarySymptoms []string, summaryDiagnoses []clinical.DiagnosisProfile, res *safety.ConsistencyResult) float64 {

	if len(assessDiagnoses) == 0 {
		res.MissingElements = append(res.MissingElements, "Assessmentにおける診断名の明記")
		return 0.5
	}

	summaryHasContent := len(summarySymptoms) > 0 || len(summaryDiagnoses) > 0
	total := 0.0
	for _, diag := range assessDiagnoses {
		matched := 0
		for _, sym := range diag.Symptoms {
			if strings.Contains(in.PatientSummary, sym) {
				matched++
			}
		}

		support := float64(matched) / 2.0
		if support > 1.0 {
			support = 1.0
		}
		if len(diag.Symptoms) == 0 {
			// Nothing to cross-check (e.g. lab-defined conditions).
			support = 0.7
		}

		if matched == 0 && len(diag.Symptoms) > 0 && summaryHasContent {
			res.Inconsistencies = append(res.Inconsistencies, safety.Inconsistency{
				Type:        "diagnosis_mismatch",
				Severity:    safety.RiskCritical,
				Description: fmt.Sprintf("%sを裏付ける所見が患者状況に見当たりません", diag.Name),
				Location:    "assessment",
			})
		}
		total += support
	}
	return total / float64(len(assessDiagnoses))
}

// scorePlanSupport measures whether the plan plausibly treats the assessed
// diagnoses.
func (v *Validator) scorePlanSupport(in Input, assessDiagnoses []clinical.DiagnosisProfile, res *safety.ConsistencyResult) float64 {
	if len(assessDiagnoses) == 0 {
		if len(clinical.FindTerms(in.Plan, genericPlanTerms)) > 0 {
			return 0.6
		}
		return 0.4
	}

	total := 0.0
	for _, diag := range assessDiagnoses {
		switch {
		case len(clinical.FindTerms(in.Plan, diag.Treatments)) > 0:
			total += 1.0
		case len(clinical.FindTerms(in.Plan, genericPlanTerms)) > 0:
			total += 0.6
		default:
			total += 0.2
			res.Inconsistencies = append(res.Inconsistencies, safety.Inconsistency{
				Type:        "treatment_inappropriate",
				Severity:    safety.RiskMedium,
				Description: fmt.Sprintf("%sに対応する治療方針がPlanに見当たりません", diag.Name),
				Location:    "plan",
			})
		}
	}
	return total / float64(len(assessDiagnoses))
}

// checkMissingElements reports advisory gaps; they never affect IsConsistent.
func (v *Validator) checkMissingElements(in Input, assessDiagnoses []clinical.DiagnosisProfile, res *safety.ConsistencyResult) {
	for _, diag := range assessDiagnoses {
		if diag.Chronic && len(clinical.FindTerms(in.Plan, followUpTerms)) == 0 {
			res.MissingElements = append(res.MissingElements,
				fmt.Sprintf("慢性疾患（%s）のフォローアップ計画", diag.Name))
		}
	}
	if len(in.DiagnosisCodes) > 0 && len(assessDiagnoses) == 0 {
		res.MissingElements = append(res.MissingElements, "診断コードに対応する診断名の記載")
	}
}
