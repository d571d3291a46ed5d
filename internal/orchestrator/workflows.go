package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sakuramed/safeguard/internal/audit"
	"github.com/sakuramed/safeguard/internal/auth"
	"github.com/sakuramed/safeguard/internal/clinical"
	"github.com/sakuramed/safeguard/internal/consistency"
	"github.com/sakuramed/safeguard/internal/gateway"
	"github.com/sakuramed/safeguard/internal/safety"
)

// CheckSummary is the condensed safety outcome embedded in workflow
// responses.
type CheckSummary struct {
	RiskLevel   safety.RiskLevel   `json:"risk_level"`
	ActionTaken safety.ActionTaken `json:"action_taken,omitempty"`
	Confidence  float64            `json:"confidence"`
}

// DiagnosisAssistRequest carries symptoms plus optional context for
// differential diagnosis support.
type DiagnosisAssistRequest struct {
	Symptoms       []string
	PatientContext string
	LabResults     string
}

// DifferentialDiagnosis is one ranked candidate.
type DifferentialDiagnosis struct {
	Diagnosis        string   `json:"diagnosis"`
	Probability      float64  `json:"probability"`
	Reasoning        string   `json:"reasoning"`
	RecommendedTests []string `json:"recommended_tests"`
}

// DiagnosisAssistResult is the full diagnosis-assist response.
type DiagnosisAssistResult struct {
	SymptomsProcessed     []string                `json:"symptoms_processed"`
	SafetyStatus          CheckSummary            `json:"safety_status"`
	DifferentialDiagnoses []DifferentialDiagnosis `json:"differential_diagnoses"`
	Recommendations       []string                `json:"recommendations"`
}

// DiagnosisAssist runs the role-gated differential diagnosis workflow. The
// combined symptom text is mediated first; only the processed (masked or
// rewritten) text ever reaches the gateway.
func (o *Orchestrator) DiagnosisAssist(ctx context.Context, claims *auth.Claims, req DiagnosisAssistRequest) (*DiagnosisAssistResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Safety.WorkflowBudget)
	defer cancel()

	if !claims.CanUseDiagnosisAssist() {
		if err := o.recordDenied(ctx, claims, "diagnosis_assist"); err != nil {
			return nil, err
		}
		return nil, safety.PermissionDenied("診断支援機能へのアクセス権限がありません")
	}
	if len(req.Symptoms) == 0 {
		return nil, safety.InvalidInput("symptoms must not be empty")
	}

	combined := "患者の症状: " + strings.Join(req.Symptoms, ", ")
	if req.PatientContext != "" {
		combined += "\n患者情報: " + req.PatientContext
	}
	if req.LabResults != "" {
		combined += "\n検査結果: " + req.LabResults
	}

	result, err := o.mediate(ctx, CheckRequest{
		Text:           combined,
		Operation:      "diagnosis_assist",
		UserID:         claims.UserID,
		MedicalContext: true,
	})
	if err != nil {
		return nil, err
	}

	out := &DiagnosisAssistResult{
		SafetyStatus: CheckSummary{
			RiskLevel:   result.RiskLevel,
			ActionTaken: result.ActionTaken,
			Confidence:  result.ConfidenceScore,
		},
		Recommendations: []string{
			"提示された診断候補は参考情報です",
			"最終診断は医師の総合的判断により決定してください",
			"追加の検査が必要な場合があります",
		},
	}

	if result.ActionTaken == safety.ActionBlock {
		out.SymptomsProcessed = []string{safety.BlockedSentinel}
		return out, nil
	}

	out.SymptomsProcessed = o.maskEach(req.Symptoms)
	out.DifferentialDiagnoses = o.differentials(ctx, result.ProcessedText)
	return out, nil
}

// maskEach applies the default masking level to each symptom string so the
// response never echoes raw identifiers embedded in symptom entries.
func (o *Orchestrator) maskEach(items []string) []string {
	level := safety.ParseMaskingLevel(o.cfg.Safety.DefaultMaskingLevel)
	out := make([]string, 0, len(items))
	for _, item := range items {
		res, err := o.detector.Detect(item, true, level)
		if err != nil {
			continue
		}
		out = append(out, res.MaskedText)
	}
	return out
}

func (o *Orchestrator) differentials(ctx context.Context, processedText string) []DifferentialDiagnosis {
	suggested, err := o.gw.SuggestDiagnoses(ctx, processedText)
	if err == nil && len(suggested) > 0 {
		out := make([]DifferentialDiagnosis, 0, len(suggested))
		for _, d := range suggested {
			out = append(out, DifferentialDiagnosis{
				Diagnosis:        d.Name,
				Probability:      d.Probability,
				Reasoning:        strings.Join(d.SupportingEvidence, "；"),
				RecommendedTests: d.AdditionalTests,
			})
		}
		return out
	}
	return localDifferentials(processedText)
}

// localDifferentials ranks the lexicon's diagnosis profiles by symptom
// overlap when the gateway cannot answer.
func localDifferentials(text string) []DifferentialDiagnosis {
	type scored struct {
		profile clinical.DiagnosisProfile
		matched []string
	}
	var candidates []scored
	for _, p := range clinical.Profiles {
		var matched []string
		for _, sym := range p.Symptoms {
			if strings.Contains(text, sym) {
				matched = append(matched, sym)
			}
		}
		if len(matched) > 0 {
			candidates = append(candidates, scored{profile: p, matched: matched})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return len(candidates[i].matched) > len(candidates[j].matched)
	})
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}

	out := make([]DifferentialDiagnosis, 0, len(candidates))
	for _, c := range candidates {
		prob := 0.3 + 0.15*float64(len(c.matched))
		if prob > 0.8 {
			prob = 0.8
		}
		out = append(out, DifferentialDiagnosis{
			Diagnosis:   c.profile.Name,
			Probability: prob,
			Reasoning:   "症状の一致: " + strings.Join(c.matched, "、"),
		})
	}
	return out
}

// SummaryRequest is one summary-generation invocation.
type SummaryRequest struct {
	EncounterData      map[string]any
	SummaryType        string
	IncludeMedications bool
}

// SummaryMetadata describes who generated the summary and when.
type SummaryMetadata struct {
	GeneratedAt      time.Time `json:"generated_at"`
	GeneratedBy      string    `json:"generated_by"`
	SummaryType      string    `json:"summary_type"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
}

// SummaryResult is the full generate-summary response.
type SummaryResult struct {
	Summary      *gateway.EncounterSummary `json:"summary"`
	SafetyStatus CheckSummary              `json:"safety_status"`
	Metadata     SummaryMetadata           `json:"metadata"`
}

// GenerateSummary runs the role-gated structured-summary workflow.
func (o *Orchestrator) GenerateSummary(ctx context.Context, claims *auth.Claims, req SummaryRequest) (*SummaryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Safety.WorkflowBudget)
	defer cancel()

	if !claims.CanUseDiagnosisAssist() {
		if err := o.recordDenied(ctx, claims, "summary_generation"); err != nil {
			return nil, err
		}
		return nil, safety.PermissionDenied("要約生成機能へのアクセス権限がありません")
	}
	if len(req.EncounterData) == 0 {
		return nil, safety.InvalidInput("encounter_data must not be empty")
	}
	if req.SummaryType == "" {
		req.SummaryType = "discharge"
	}

	encounterText := buildEncounterText(req.EncounterData, req.IncludeMedications)
	result, err := o.mediate(ctx, CheckRequest{
		Text:           encounterText,
		Operation:      "summary_generation",
		UserID:         claims.UserID,
		MedicalContext: true,
	})
	if err != nil {
		return nil, err
	}

	out := &SummaryResult{
		SafetyStatus: CheckSummary{
			RiskLevel:   result.RiskLevel,
			ActionTaken: result.ActionTaken,
			Confidence:  result.ConfidenceScore,
		},
		Metadata: SummaryMetadata{
			GeneratedAt:      time.Now().UTC(),
			GeneratedBy:      claims.Name,
			SummaryType:      req.SummaryType,
			ProcessingTimeMs: result.ProcessingTimeMs,
		},
	}

	if result.ActionTaken == safety.ActionBlock {
		out.Summary = &gateway.EncounterSummary{
			SummaryType: req.SummaryType,
			Sections:    map[string]string{"notice": safety.BlockedSentinel},
		}
		return out, nil
	}

	summary, err := o.gw.SummarizeEncounter(ctx, result.ProcessedText, req.SummaryType)
	if err != nil {
		o.log.Warn("summary generation degraded to passthrough")
		summary = &gateway.EncounterSummary{
			SummaryType: req.SummaryType,
			Sections:    map[string]string{"summary": result.ProcessedText},
		}
	}
	out.Summary = summary
	return out, nil
}

// buildEncounterText flattens encounter data into prompt text with a stable
// key order.
func buildEncounterText(data map[string]any, includeMedications bool) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		if k == "medications" && !includeMedications {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, data[k])
	}
	return b.String()
}

// PIIDetectionRequest is one enhanced-PII-detection invocation.
type PIIDetectionRequest struct {
	Text           string
	MedicalContext bool
	MaskingLevel   string
}

// RiskAnalysis is the numeric companion to the detection list.
type RiskAnalysis struct {
	OverallRiskScore float64          `json:"overall_risk_score"`
	RiskLevel        safety.RiskLevel `json:"risk_level"`
	Recommendations  []string         `json:"recommendations"`
}

// PIIDetectionResult is the full enhanced-PII-detection response.
type PIIDetectionResult struct {
	OriginalText     string                `json:"original_text"`
	MaskedText       string                `json:"masked_text"`
	MaskingLevel     safety.MaskingLevel   `json:"masking_level"`
	ProcessingMethod string                `json:"processing_method"`
	Detections       []safety.PIIDetection `json:"detections"`
	RiskAnalysis     RiskAnalysis          `json:"risk_analysis"`
}

// DetectPII runs standalone PII detection with the caller's masking level.
// There is no gateway call on this path; risk analysis covers identifiers
// only.
func (o *Orchestrator) DetectPII(ctx context.Context, claims *auth.Claims, req PIIDetectionRequest) (*PIIDetectionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Safety.CheckBudget)
	defer cancel()

	level := safety.ParseMaskingLevel(req.MaskingLevel)
	if req.MaskingLevel == "" {
		level = safety.ParseMaskingLevel(o.cfg.Safety.DefaultMaskingLevel)
	}

	detected, err := o.detector.Detect(req.Text, req.MedicalContext, level)
	if err != nil {
		return nil, err
	}

	score := o.classifier.PIIRiskScore(detected.Detections)
	riskLevel := o.classifier.LevelFor(score)
	// Report mask only when the mask pass changed the text. Detections that
	// are ineligible at the requested level leave the text as-is, and the
	// audit record must not claim a mask that never happened.
	recommendations := []string{"テキストは安全です。"}
	action := safety.ActionAllow
	switch {
	case detected.MaskedText != req.Text:
		recommendations = []string{"検出された個人情報はマスキングされました。", "共有前にマスキング結果を確認してください。"}
		action = safety.ActionMask
	case len(detected.Detections) > 0:
		recommendations = []string{"検出された識別子はこのマスキングレベルでは置換されません。", "必要に応じてマスキングレベルを上げてください。"}
	}

	result := &PIIDetectionResult{
		OriginalText:     req.Text,
		MaskedText:       detected.MaskedText,
		MaskingLevel:     level,
		ProcessingMethod: "pattern_matching",
		Detections:       detected.Detections,
		RiskAnalysis: RiskAnalysis{
			OverallRiskScore: score,
			RiskLevel:        riskLevel,
			Recommendations:  recommendations,
		},
	}

	_, err = o.store.Append(context.WithoutCancel(ctx), audit.Record{
		UserID:          claims.UserID,
		Operation:       "pii_detection",
		RiskLevel:       riskLevel,
		ActionTaken:     action,
		IssuesDetected:  piiIssues(detected.Detections),
		ConfidenceScore: avgConfidence(detected.Detections),
		OriginalDigest:  audit.TextDigest(req.Text),
		ProcessedDigest: audit.TextDigest(detected.MaskedText),
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func piiIssues(detections []safety.PIIDetection) []safety.Issue {
	issues := make([]safety.Issue, 0, len(detections))
	for _, d := range detections {
		issues = append(issues, safety.Issue{
			Type:        safety.IssuePII,
			Category:    string(d.Type),
			Confidence:  d.Confidence,
			Description: fmt.Sprintf("%sが検出されました", d.Type),
		})
	}
	return issues
}

func avgConfidence(detections []safety.PIIDetection) float64 {
	if len(detections) == 0 {
		return 1.0
	}
	sum := 0.0
	for _, d := range detections {
		sum += d.Confidence
	}
	return sum / float64(len(detections))
}

// PatientSummaryRequest carries structured patient data for situation
// summarization.
type PatientSummaryRequest struct {
	BasicInfo      map[string]any
	Vitals         map[string]any
	Subjective     string
	Objective      string
	PatientHistory []map[string]any
}

// PatientSituation is the clinical work-up returned to the front end.
type PatientSituation struct {
	gateway.PatientSummary
	GeneratedAt time.Time `json:"generated_at"`
}

// GeneratePatientSummary masks the free-text fields, then asks the gateway
// for the structured work-up. Gateway failure degrades to a lexicon-derived
// local summary.
func (o *Orchestrator) GeneratePatientSummary(ctx context.Context, claims *auth.Claims, req PatientSummaryRequest) (*PatientSituation, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Safety.WorkflowBudget)
	defer cancel()

	if !claims.CanUseDiagnosisAssist() {
		if err := o.recordDenied(ctx, claims, "patient_summary"); err != nil {
			return nil, err
		}
		return nil, safety.PermissionDenied("患者サマリー生成機能へのアクセス権限がありません")
	}
	if strings.TrimSpace(req.Subjective) == "" && strings.TrimSpace(req.Objective) == "" {
		return nil, safety.InvalidInput("subjective or objective findings are required")
	}

	patientText := o.buildPatientText(req)
	summary, err := o.gw.SummarizePatient(ctx, patientText)
	degraded := false
	if err != nil {
		o.log.Warn("patient summary degraded to local work-up")
		summary = localPatientSummary(req)
		degraded = true
	}

	riskLevel := safety.RiskLow
	if degraded {
		riskLevel = safety.RiskMedium
	}
	_, auditErr := o.store.Append(context.WithoutCancel(ctx), audit.Record{
		UserID:          claims.UserID,
		Operation:       "patient_summary",
		RiskLevel:       riskLevel,
		ActionTaken:     safety.ActionAllow,
		ConfidenceScore: summary.ConfidenceScore,
		OriginalDigest:  audit.TextDigest(patientText),
		ProcessedDigest: audit.TextDigest(summary.Summary),
	})
	if auditErr != nil {
		return nil, auditErr
	}

	return &PatientSituation{PatientSummary: *summary, GeneratedAt: time.Now().UTC()}, nil
}

// buildPatientText renders the masked prompt body; free-text fields pass
// through the detector at maximum level because this text leaves the system.
func (o *Orchestrator) buildPatientText(req PatientSummaryRequest) string {
	mask := func(s string) string {
		if strings.TrimSpace(s) == "" {
			return s
		}
		res, err := o.detector.Detect(s, true, safety.MaskingMaximum)
		if err != nil {
			return s
		}
		return res.MaskedText
	}

	var b strings.Builder
	b.WriteString("【基本情報】:\n")
	for _, k := range sortedKeys(req.BasicInfo) {
		fmt.Fprintf(&b, "%s: %v\n", k, req.BasicInfo[k])
	}
	b.WriteString("\n【バイタルサイン】:\n")
	for _, k := range sortedKeys(req.Vitals) {
		fmt.Fprintf(&b, "%s: %v\n", k, req.Vitals[k])
	}
	fmt.Fprintf(&b, "\n【主観的所見(Subjective)】:\n%s\n", mask(req.Subjective))
	fmt.Fprintf(&b, "\n【客観的所見(Objective)】:\n%s\n", mask(req.Objective))
	if len(req.PatientHistory) > 0 {
		b.WriteString("\n【既往歴・関連する過去の診療】:\n")
		for _, h := range req.PatientHistory {
			for _, k := range sortedKeys(h) {
				fmt.Fprintf(&b, "%s: %v; ", k, h[k])
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// localPatientSummary is the gateway-down fallback built from the lexicon.
func localPatientSummary(req PatientSummaryRequest) *gateway.PatientSummary {
	combined := req.Subjective + " " + req.Objective
	findings := clinical.FindTerms(combined, clinical.Symptoms)

	summary := strings.TrimSpace(req.Subjective)
	if r := []rune(summary); len(r) > 100 {
		summary = string(r[:100])
	}
	diffs := localDifferentials(combined)
	gwDiffs := make([]gateway.Diagnosis, 0, len(diffs))
	for _, d := range diffs {
		gwDiffs = append(gwDiffs, gateway.Diagnosis{
			Name:               d.Diagnosis,
			Probability:        d.Probability,
			SupportingEvidence: []string{d.Reasoning},
		})
	}

	return &gateway.PatientSummary{
		Summary:               summary,
		KeyFindings:           findings,
		DifferentialDiagnoses: gwDiffs,
		Recommendations: []string{
			"外部判定サービスが利用できないため簡易要約です。",
			"詳細な医学的評価が必要です。",
		},
		ConfidenceScore: 0.3,
	}
}

// ValidateReasoning checks assessment/plan consistency. The local validator
// decides; a configured gateway adds suggestions, cached per input so
// repeated identical requests within a session stay stable.
func (o *Orchestrator) ValidateReasoning(ctx context.Context, claims *auth.Claims, in consistency.Input) (*safety.ConsistencyResult, string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Safety.WorkflowBudget)
	defer cancel()

	if !claims.CanUseDiagnosisAssist() {
		if err := o.recordDenied(ctx, claims, "reasoning_validation"); err != nil {
			return nil, "", err
		}
		return nil, "", safety.PermissionDenied("臨床推論検証機能へのアクセス権限がありません")
	}

	result, err := o.validator.Validate(in)
	if err != nil {
		return nil, "", err
	}

	if o.gw.Configured() {
		if judgment := o.judgeConsistency(ctx, in); judgment != nil {
			result.Suggestions = mergeSuggestions(result.Suggestions, judgment.Suggestions)
			if !judgment.IsConsistent && result.IsConsistent {
				result.Suggestions = append(result.Suggestions,
					"外部判定では不整合の可能性が指摘されています。再確認してください。")
			}
		}
	}

	recommendation := reviewPriority(result)

	riskLevel := safety.RiskLow
	if !result.IsConsistent {
		riskLevel = safety.RiskHigh
	}
	_, auditErr := o.store.Append(context.WithoutCancel(ctx), audit.Record{
		UserID:          claims.UserID,
		Operation:       "reasoning_validation",
		RiskLevel:       riskLevel,
		ActionTaken:     safety.ActionAllow,
		ConfidenceScore: result.ConsistencyScore,
		OriginalDigest:  audit.TextDigest(in.PatientSummary + "\x00" + in.Assessment + "\x00" + in.Plan),
	})
	if auditErr != nil {
		return nil, "", auditErr
	}
	return result, recommendation, nil
}

// judgeConsistency consults the gateway through the per-session cache.
func (o *Orchestrator) judgeConsistency(ctx context.Context, in consistency.Input) *gateway.ConsistencyJudgment {
	key := audit.TextDigest(strings.Join([]string{
		in.PatientSummary, in.Assessment, in.Plan, strings.Join(in.DiagnosisCodes, ","),
	}, "\x00"))
	if cached, ok := o.judgments.Get(key); ok {
		return cached
	}

	judgment, err := o.gw.JudgeConsistency(ctx, in.PatientSummary, in.Assessment, in.Plan, in.DiagnosisCodes)
	if err != nil {
		o.log.Warn("consistency delegation degraded to local-only")
		return nil
	}
	o.judgments.Add(key, judgment)
	return judgment
}

func mergeSuggestions(local, remote []string) []string {
	seen := make(map[string]bool, len(local))
	for _, s := range local {
		seen[s] = true
	}
	for _, s := range remote {
		if s != "" && !seen[s] {
			local = append(local, s)
			seen[s] = true
		}
	}
	return local
}

// reviewPriority maps the score to the front end's review urgency.
func reviewPriority(result *safety.ConsistencyResult) string {
	switch {
	case result.IsConsistent && result.ConsistencyScore >= 0.8:
		return "low"
	case result.IsConsistent:
		return "medium"
	default:
		return "high"
	}
}

// LayerStatus reports the safety layer's health and configuration.
type LayerStatus struct {
	GatewayConfigured   bool     `json:"azure_openai_configured"`
	DeploymentName      string   `json:"deployment_name"`
	APIVersion          string   `json:"api_version"`
	HallucinationLimit  float64  `json:"hallucination_threshold"`
	PIIConfidenceFloor  float64  `json:"pii_threshold"`
	AutoRewriteEnabled  bool     `json:"auto_rewrite_enabled"`
	DefaultMaskingLevel string   `json:"default_masking_level"`
	SupportedPIITypes   []string `json:"supported_pii_types"`
	AlertsEnqueued      uint64   `json:"alerts_enqueued"`
	AlertsDropped       uint64   `json:"alerts_dropped"`
	SystemHealth        string   `json:"-"`
}

// Status has no side effects and is not audited.
func (o *Orchestrator) Status() LayerStatus {
	status := LayerStatus{
		GatewayConfigured:   o.gw.Configured(),
		DeploymentName:      o.gw.Deployment(),
		APIVersion:          o.gw.APIVersion(),
		HallucinationLimit:  o.cfg.Safety.HallucinationThreshold,
		PIIConfidenceFloor:  o.cfg.Safety.PIIConfidenceFloor,
		AutoRewriteEnabled:  o.cfg.Safety.EnableAutoRewrite,
		DefaultMaskingLevel: o.cfg.Safety.DefaultMaskingLevel,
		SupportedPIITypes: []string{
			string(safety.PIITypeName), string(safety.PIITypePatientID),
			string(safety.PIITypePhone), string(safety.PIITypeEmail),
			string(safety.PIITypeAddress), string(safety.PIITypeBirthDate),
			string(safety.PIITypeInsuranceNumber),
		},
		SystemHealth: "operational",
	}
	if !status.GatewayConfigured {
		status.SystemHealth = "degraded"
	}
	if o.notifier != nil {
		m := o.notifier.MetricsSnapshot()
		status.AlertsEnqueued = m.Enqueued()
		status.AlertsDropped = m.Dropped()
	}
	return status
}

// AuditLogs lists audit entries for administrators.
func (o *Orchestrator) AuditLogs(ctx context.Context, claims *auth.Claims, filter audit.Filter) ([]audit.Entry, error) {
	if !claims.CanViewAuditLogs() {
		if err := o.recordDenied(ctx, claims, "audit_logs"); err != nil {
			return nil, err
		}
		return nil, safety.PermissionDenied("監査ログへのアクセス権限がありません")
	}
	return o.store.List(ctx, filter)
}

// VerifyAuditChain recomputes the full audit chain for administrators.
func (o *Orchestrator) VerifyAuditChain(ctx context.Context, claims *auth.Claims) (*audit.VerifyResult, error) {
	if !claims.CanViewAuditLogs() {
		if err := o.recordDenied(ctx, claims, "audit_verify"); err != nil {
			return nil, err
		}
		return nil, safety.PermissionDenied("監査ログへのアクセス権限がありません")
	}
	return o.store.Verify(ctx)
}
