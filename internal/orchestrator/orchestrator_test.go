package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sakuramed/safeguard/internal/audit"
	"github.com/sakuramed/safeguard/internal/auth"
	"github.com/sakuramed/safeguard/internal/config"
	"github.com/sakuramed/safeguard/internal/consistency"
	"github.com/sakuramed/safeguard/internal/gateway"
	"github.com/sakuramed/safeguard/internal/notify"
	"github.com/sakuramed/safeguard/internal/safety"
)

type captureSink struct {
	mu     sync.Mutex
	alerts []*notify.Alert
}

func (c *captureSink) Name() string { return "capture" }
func (c *captureSink) Deliver(_ context.Context, a *notify.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}
func (c *captureSink) Close(context.Context) error { return nil }

type fixture struct {
	orch  *Orchestrator
	store *audit.Store
	gw    *gateway.Fake
	sink  *captureSink
	em    *notify.Emitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	store, err := audit.OpenMemory("test-anchor")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	gw := gateway.NewFake()
	sink := &captureSink{}
	em := notify.NewEmitter(notify.EmitterConfig{QueueSize: 16, Workers: 1}, []notify.Sink{sink}, zap.NewNop())
	t.Cleanup(func() { em.Close(context.Background()) })

	orch, err := New(cfg, zap.NewNop(), gw, store, em)
	require.NoError(t, err)
	return &fixture{orch: orch, store: store, gw: gw, sink: sink, em: em}
}

func physician() *auth.Claims {
	return &auth.Claims{UserID: "doctor-001", Name: "山田医師", Role: auth.RolePhysician}
}

func nurse() *auth.Claims {
	return &auth.Claims{UserID: "nurse-001", Name: "佐藤看護師", Role: auth.RoleNurse}
}

func admin() *auth.Claims {
	return &auth.Claims{UserID: "admin-001", Name: "管理者", Role: auth.RoleAdmin}
}

func auditCount(t *testing.T, store *audit.Store) int {
	t.Helper()
	entries, err := store.List(context.Background(), audit.Filter{Limit: 1000})
	require.NoError(t, err)
	return len(entries)
}

func TestSafetyCheckNameTriggersRewrite(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.SafetyCheck(context.Background(), CheckRequest{
		Text:   "患者の田中太郎さん、38歳男性で発熱と咳嗽を訴えています。",
		UserID: "doctor-001",
	})
	require.NoError(t, err)

	assert.Equal(t, safety.RiskHigh, res.RiskLevel)
	assert.Equal(t, safety.ActionRewrite, res.ActionTaken)
	assert.NotEqual(t, res.OriginalText, res.ProcessedText)
	assert.NotEmpty(t, res.DetectedIssues)
	assert.Equal(t, 1, auditCount(t, f.store))
}

func TestSafetyCheckCleanVitalsAllows(t *testing.T) {
	f := newFixture(t)

	text := "血圧は120/80、体温36.5度で正常範囲内です。"
	res, err := f.orch.SafetyCheck(context.Background(), CheckRequest{Text: text, UserID: "doctor-001"})
	require.NoError(t, err)

	assert.Equal(t, safety.RiskLow, res.RiskLevel)
	assert.Equal(t, safety.ActionAllow, res.ActionTaken)
	assert.Equal(t, text, res.ProcessedText)
	assert.False(t, res.Degraded)
}

func TestSafetyCheckIneligibleDetectionAllowsUnchanged(t *testing.T) {
	f := newFixture(t)

	// Birth dates are not masked at the minimal level, so the mask pass
	// leaves the text untouched. The result must say allow, not claim a
	// mask that changed nothing.
	text := "生年月日1980年5月2日に初診。"
	res, err := f.orch.SafetyCheck(context.Background(), CheckRequest{
		Text:         text,
		UserID:       "doctor-001",
		MaskingLevel: safety.MaskingMinimal,
	})
	require.NoError(t, err)

	assert.Equal(t, safety.RiskMedium, res.RiskLevel)
	assert.Equal(t, safety.ActionAllow, res.ActionTaken)
	assert.Equal(t, text, res.ProcessedText)
	assert.NotEmpty(t, res.DetectedIssues)
}

func TestSafetyCheckEmptyTextIsInvalidAndAudited(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.SafetyCheck(context.Background(), CheckRequest{Text: "   ", UserID: "doctor-001"})
	require.Error(t, err)
	assert.Equal(t, safety.KindInvalidInput, safety.KindOf(err))

	entries, err := f.store.List(context.Background(), audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	// Never evaluated, so the record says denied rather than block.
	assert.Equal(t, safety.ActionDenied, entries[0].ActionTaken)
}

func TestSafetyCheckGatewayDownDegradesToMask(t *testing.T) {
	f := newFixture(t)
	f.gw.Err = safety.GatewayUnavailable(assert.AnError)

	res, err := f.orch.SafetyCheck(context.Background(), CheckRequest{
		Text:   "患者の田中太郎さん、38歳男性で発熱と咳嗽を訴えています。",
		UserID: "doctor-001",
	})
	require.NoError(t, err)

	// High risk still resolves locally: rewrite is unavailable, mask is not.
	assert.Equal(t, safety.RiskHigh, res.RiskLevel)
	assert.Equal(t, safety.ActionMask, res.ActionTaken)
	assert.True(t, res.Degraded)
	assert.NotContains(t, res.ProcessedText, "田中太郎")
}

func TestSafetyCheckHighRiskEmitsAlert(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.SafetyCheck(context.Background(), CheckRequest{
		Text:   "患者の田中太郎さんが受診。",
		UserID: "doctor-001",
	})
	require.NoError(t, err)

	f.em.Close(context.Background())
	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	require.Len(t, f.sink.alerts, 1)
	assert.Equal(t, safety.RiskHigh, f.sink.alerts[0].RiskLevel)
	assert.NotEmpty(t, f.sink.alerts[0].AuditEntryID)
	assert.NotZero(t, f.sink.alerts[0].IssueCount)
}

func TestSafetyCheckAuditFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Close())

	_, err := f.orch.SafetyCheck(context.Background(), CheckRequest{Text: "所見なし。", UserID: "doctor-001"})
	require.Error(t, err)
	assert.Equal(t, safety.KindAuditWriteFailure, safety.KindOf(err))
}

func TestFailClosedResultShape(t *testing.T) {
	res := failClosed("元のテキスト", 5)

	assert.Equal(t, safety.ActionBlock, res.ActionTaken)
	assert.Equal(t, safety.RiskCritical, res.RiskLevel)
	assert.Equal(t, safety.BlockedSentinel, res.ProcessedText)
	assert.Zero(t, res.ConfidenceScore)
	assert.True(t, res.Degraded)
}

func TestDiagnosisAssistRoleGate(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.DiagnosisAssist(context.Background(), nurse(), DiagnosisAssistRequest{
		Symptoms: []string{"発熱", "咳嗽"},
	})
	require.Error(t, err)
	assert.Equal(t, safety.KindPermissionDenied, safety.KindOf(err))

	// The denied attempt is still audited.
	entries, err := f.store.List(context.Background(), audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "diagnosis_assist", entries[0].Operation)
	assert.Equal(t, "nurse-001", entries[0].UserID)
	assert.Equal(t, safety.ActionDenied, entries[0].ActionTaken)
}

func TestDiagnosisAssistReturnsDifferentials(t *testing.T) {
	f := newFixture(t)
	f.gw.Diagnoses = []gateway.Diagnosis{
		{Name: "インフルエンザ", Probability: 0.7, SupportingEvidence: []string{"発熱", "関節痛"}, AdditionalTests: []string{"インフルエンザ迅速検査"}},
	}

	res, err := f.orch.DiagnosisAssist(context.Background(), physician(), DiagnosisAssistRequest{
		Symptoms:       []string{"発熱", "関節痛"},
		PatientContext: "38歳男性",
	})
	require.NoError(t, err)

	require.Len(t, res.DifferentialDiagnoses, 1)
	assert.Equal(t, "インフルエンザ", res.DifferentialDiagnoses[0].Diagnosis)
	assert.Contains(t, res.DifferentialDiagnoses[0].Reasoning, "発熱")
	assert.NotEmpty(t, res.Recommendations)
	assert.Equal(t, []string{"発熱", "関節痛"}, res.SymptomsProcessed)
	assert.Equal(t, 1, auditCount(t, f.store))
}

func TestDiagnosisAssistFallsBackToLocalDifferentials(t *testing.T) {
	f := newFixture(t)
	f.gw.Err = safety.GatewayUnavailable(assert.AnError)

	res, err := f.orch.DiagnosisAssist(context.Background(), physician(), DiagnosisAssistRequest{
		Symptoms: []string{"発熱", "咳嗽", "咽頭痛"},
	})
	require.NoError(t, err)

	require.NotEmpty(t, res.DifferentialDiagnoses)
	assert.Contains(t, res.DifferentialDiagnoses[0].Reasoning, "症状の一致")
}

func TestGenerateSummarySections(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.GenerateSummary(context.Background(), physician(), SummaryRequest{
		EncounterData: map[string]any{
			"diagnosis": "急性上気道炎",
			"symptoms":  "発熱、咳嗽",
			"treatment": "対症療法",
		},
		SummaryType: "discharge",
	})
	require.NoError(t, err)

	require.NotNil(t, res.Summary)
	assert.Equal(t, "discharge", res.Summary.SummaryType)
	assert.NotEmpty(t, res.Summary.Sections)
	assert.Equal(t, "山田医師", res.Metadata.GeneratedBy)
	assert.Equal(t, 1, auditCount(t, f.store))
}

func TestGenerateSummaryRoleGate(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.GenerateSummary(context.Background(), nurse(), SummaryRequest{
		EncounterData: map[string]any{"diagnosis": "胃炎"},
	})
	require.Error(t, err)
	assert.Equal(t, safety.KindPermissionDenied, safety.KindOf(err))
}

func TestDetectPIIReportsAndAudits(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.DetectPII(context.Background(), physician(), PIIDetectionRequest{
		Text:         "患者の田中太郎さん（患者番号：P123456、電話番号：090-1234-5678）の検査結果。",
		MaskingLevel: "standard",
	})
	require.NoError(t, err)

	types := map[safety.PIIType]bool{}
	for _, d := range res.Detections {
		types[d.Type] = true
	}
	assert.True(t, types[safety.PIITypeName])
	assert.True(t, types[safety.PIITypePatientID])
	assert.True(t, types[safety.PIITypePhone])
	assert.NotEqual(t, res.OriginalText, res.MaskedText)
	assert.Equal(t, safety.MaskingStandard, res.MaskingLevel)
	assert.Equal(t, safety.RiskCritical, res.RiskAnalysis.RiskLevel)
	assert.GreaterOrEqual(t, res.RiskAnalysis.OverallRiskScore, 0.8)

	entries, err := f.store.List(context.Background(), audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "pii_detection", entries[0].Operation)
	assert.NotEmpty(t, entries[0].IssuesDetected)
}

func TestDetectPIIIneligibleDetectionAuditsAllow(t *testing.T) {
	f := newFixture(t)

	text := "生年月日1980年5月2日に初診。"
	res, err := f.orch.DetectPII(context.Background(), physician(), PIIDetectionRequest{
		Text:         text,
		MaskingLevel: "minimal",
	})
	require.NoError(t, err)

	require.NotEmpty(t, res.Detections)
	assert.Equal(t, text, res.MaskedText)

	entries, err := f.store.List(context.Background(), audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, safety.ActionAllow, entries[0].ActionTaken)
}

func TestGeneratePatientSummaryDegradesLocally(t *testing.T) {
	f := newFixture(t)
	f.gw.Err = safety.GatewayUnavailable(assert.AnError)

	res, err := f.orch.GeneratePatientSummary(context.Background(), physician(), PatientSummaryRequest{
		BasicInfo:  map[string]any{"age": 38, "gender": "男性"},
		Subjective: "発熱と咳嗽が3日続いている。",
		Objective:  "体温38.2度、咽頭発赤あり。",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, res.Summary)
	assert.Contains(t, res.KeyFindings, "発熱")
	assert.NotEmpty(t, res.DifferentialDiagnoses)
	assert.InDelta(t, 0.3, res.ConfidenceScore, 1e-9)
	assert.Equal(t, 1, auditCount(t, f.store))
}

func TestValidateReasoningCachesGatewayJudgment(t *testing.T) {
	f := newFixture(t)
	f.gw.Judgment = &gateway.ConsistencyJudgment{IsConsistent: true, Score: 0.9, Suggestions: []string{"経過観察の記載を検討してください。"}}

	in := consistency.Input{
		PatientSummary: "38歳男性。発熱と咳嗽を主訴に受診。咽頭痛もあり、バイタルは安定。",
		Assessment:     "上気道炎の診断。",
		Plan:           "対症療法を行い、経過観察とする。",
	}

	res1, rec1, err := f.orch.ValidateReasoning(context.Background(), physician(), in)
	require.NoError(t, err)
	res2, rec2, err := f.orch.ValidateReasoning(context.Background(), physician(), in)
	require.NoError(t, err)

	assert.True(t, res1.IsConsistent)
	assert.Equal(t, "low", rec1)
	assert.Equal(t, rec1, rec2)
	assert.Equal(t, res1.ConsistencyScore, res2.ConsistencyScore)
	assert.Contains(t, res1.Suggestions, "経過観察の記載を検討してください。")
	// Second identical request within the session hits the cache.
	assert.Equal(t, 1, f.gw.ConsistencyCalls)
	assert.Equal(t, 2, auditCount(t, f.store))
}

func TestValidateReasoningMismatchIsHighPriority(t *testing.T) {
	f := newFixture(t)
	f.gw.IsConfigured = false

	res, rec, err := f.orch.ValidateReasoning(context.Background(), physician(), consistency.Input{
		PatientSummary: "発熱と咳嗽が主訴。上気道炎が疑われる所見。",
		Assessment:     "急性心筋梗塞の診断。",
		Plan:           "緊急カテーテル治療を実施。",
	})
	require.NoError(t, err)

	assert.False(t, res.IsConsistent)
	assert.Equal(t, "high", rec)

	entries, err := f.store.List(context.Background(), audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, safety.RiskHigh, entries[0].RiskLevel)
}

func TestStatusReflectsGateway(t *testing.T) {
	f := newFixture(t)

	status := f.orch.Status()
	assert.True(t, status.GatewayConfigured)
	assert.Equal(t, "operational", status.SystemHealth)
	assert.Contains(t, status.SupportedPIITypes, "patient_id")

	f.gw.IsConfigured = false
	status = f.orch.Status()
	assert.Equal(t, "degraded", status.SystemHealth)
}

func TestAuditLogsAdminOnly(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.SafetyCheck(context.Background(), CheckRequest{Text: "所見なし。", UserID: "doctor-001"})
	require.NoError(t, err)

	_, err = f.orch.AuditLogs(context.Background(), physician(), audit.Filter{})
	require.Error(t, err)
	assert.Equal(t, safety.KindPermissionDenied, safety.KindOf(err))

	entries, err := f.orch.AuditLogs(context.Background(), admin(), audit.Filter{})
	require.NoError(t, err)
	// The original check plus the denied physician attempt.
	assert.Len(t, entries, 2)
}

func TestVerifyAuditChainAdminOnly(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.SafetyCheck(context.Background(), CheckRequest{Text: "所見なし。", UserID: "doctor-001"})
	require.NoError(t, err)

	_, err = f.orch.VerifyAuditChain(context.Background(), nurse())
	require.Error(t, err)

	res, err := f.orch.VerifyAuditChain(context.Background(), admin())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.EntriesVerified)
}
