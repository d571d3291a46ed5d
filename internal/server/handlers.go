package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/sakuramed/safeguard/internal/audit"
	"github.com/sakuramed/safeguard/internal/auth"
	"github.com/sakuramed/safeguard/internal/consistency"
	"github.com/sakuramed/safeguard/internal/orchestrator"
	"github.com/sakuramed/safeguard/internal/safety"
)

type safetyCheckRequest struct {
	Text string `json:"text" validate:"required"`
	// Context is a caller-supplied label for where the text came from. It is
	// accepted for wire compatibility; all checked text is treated as
	// clinical.
	Context      string `json:"context"`
	MaskingLevel string `json:"masking_level"`
}

func (s *Server) handleSafetyCheck(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, r, safety.PermissionDenied("認証情報がありません"))
		return
	}

	var req safetyCheckRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	var level safety.MaskingLevel
	if req.MaskingLevel != "" {
		level = safety.ParseMaskingLevel(req.MaskingLevel)
	}
	result, err := s.orch.SafetyCheck(r.Context(), orchestrator.CheckRequest{
		Text:           req.Text,
		Operation:      "safety_check",
		UserID:         claims.UserID,
		MaskingLevel:   level,
		MedicalContext: true,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type safetyStatusResponse struct {
	SafetyLayer     orchestrator.LayerStatus `json:"safety_layer"`
	SystemHealth    map[string]string        `json:"system_health"`
	UserPermissions map[string]bool          `json:"user_permissions"`
}

func (s *Server) handleSafetyStatus(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, r, safety.PermissionDenied("認証情報がありません"))
		return
	}

	status := s.orch.Status()
	writeJSON(w, http.StatusOK, safetyStatusResponse{
		SafetyLayer:  status,
		SystemHealth: map[string]string{"status": status.SystemHealth},
		UserPermissions: map[string]bool{
			"can_use_diagnosis_assist": claims.CanUseDiagnosisAssist(),
			"can_generate_summary":     claims.CanUseDiagnosisAssist(),
			"can_view_audit_logs":      claims.CanViewAuditLogs(),
		},
	})
}

type diagnosisAssistRequest struct {
	Symptoms       []string `json:"symptoms" validate:"required,min=1,dive,required"`
	PatientContext string   `json:"patient_context"`
	LabResults     string   `json:"lab_results"`
}

func (s *Server) handleDiagnosisAssist(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, r, safety.PermissionDenied("認証情報がありません"))
		return
	}

	var req diagnosisAssistRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.orch.DiagnosisAssist(r.Context(), claims, orchestrator.DiagnosisAssistRequest{
		Symptoms:       req.Symptoms,
		PatientContext: req.PatientContext,
		LabResults:     req.LabResults,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type generateSummaryRequest struct {
	EncounterData      map[string]any `json:"encounter_data" validate:"required,min=1"`
	SummaryType        string         `json:"summary_type"`
	IncludeMedications bool           `json:"include_medications"`
}

func (s *Server) handleGenerateSummary(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, r, safety.PermissionDenied("認証情報がありません"))
		return
	}

	var req generateSummaryRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.orch.GenerateSummary(r.Context(), claims, orchestrator.SummaryRequest{
		EncounterData:      req.EncounterData,
		SummaryType:        req.SummaryType,
		IncludeMedications: req.IncludeMedications,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type piiDetectionRequest struct {
	Text           string `json:"text" validate:"required"`
	MedicalContext bool   `json:"medical_context"`
	MaskingLevel   string `json:"masking_level"`
}

type piiDetectionResponse struct {
	Status string `json:"status"`
	*orchestrator.PIIDetectionResult
}

func (s *Server) handlePIIDetection(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, r, safety.PermissionDenied("認証情報がありません"))
		return
	}

	var req piiDetectionRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.orch.DetectPII(r.Context(), claims, orchestrator.PIIDetectionRequest{
		Text:           req.Text,
		MedicalContext: req.MedicalContext,
		MaskingLevel:   req.MaskingLevel,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, piiDetectionResponse{Status: "success", PIIDetectionResult: result})
}

type patientSummaryRequest struct {
	BasicInfo      map[string]any   `json:"basic_info"`
	Vitals         map[string]any   `json:"vitals"`
	Subjective     string           `json:"subjective"`
	Objective      string           `json:"objective"`
	PatientHistory []map[string]any `json:"patient_history"`
}

type patientSummaryResponse struct {
	Status           string                         `json:"status"`
	PatientSituation *orchestrator.PatientSituation `json:"patient_situation"`
}

func (s *Server) handlePatientSummary(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, r, safety.PermissionDenied("認証情報がありません"))
		return
	}

	var req patientSummaryRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.orch.GeneratePatientSummary(r.Context(), claims, orchestrator.PatientSummaryRequest{
		BasicInfo:      req.BasicInfo,
		Vitals:         req.Vitals,
		Subjective:     req.Subjective,
		Objective:      req.Objective,
		PatientHistory: req.PatientHistory,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, patientSummaryResponse{Status: "success", PatientSituation: result})
}

type validateReasoningRequest struct {
	PatientSummary string   `json:"patient_summary" validate:"required"`
	Assessment     string   `json:"assessment" validate:"required"`
	Plan           string   `json:"plan" validate:"required"`
	DiagnosisCodes []string `json:"diagnosis_codes"`
}

type validateReasoningResponse struct {
	Status           string                    `json:"status"`
	ValidationResult *safety.ConsistencyResult `json:"validation_result"`
	Recommendation   string                    `json:"recommendation"`
}

func (s *Server) handleValidateReasoning(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, r, safety.PermissionDenied("認証情報がありません"))
		return
	}

	var req validateReasoningRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, recommendation, err := s.orch.ValidateReasoning(r.Context(), claims, consistency.Input{
		PatientSummary: req.PatientSummary,
		Assessment:     req.Assessment,
		Plan:           req.Plan,
		DiagnosisCodes: req.DiagnosisCodes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, validateReasoningResponse{
		Status:           "success",
		ValidationResult: result,
		Recommendation:   recommendation,
	})
}

type auditLogsResponse struct {
	Logs  []audit.Entry `json:"logs"`
	Count int           `json:"count"`
}

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, r, safety.PermissionDenied("認証情報がありません"))
		return
	}

	filter, err := parseAuditFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	logs, err := s.orch.AuditLogs(r.Context(), claims, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, auditLogsResponse{Logs: logs, Count: len(logs)})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, r, safety.PermissionDenied("認証情報がありません"))
		return
	}

	result, err := s.orch.VerifyAuditChain(r.Context(), claims)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	filter := audit.Filter{UserID: q.Get("user_id")}

	if raw := q.Get("risk_level"); raw != "" {
		level := safety.RiskLevel(raw)
		switch level {
		case safety.RiskLow, safety.RiskMedium, safety.RiskHigh, safety.RiskCritical:
			filter.RiskLevel = level
		default:
			return filter, safety.InvalidInput("risk_levelが不正です")
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, safety.InvalidInput("limitが不正です")
		}
		filter.Limit = n
	}
	var err error
	if filter.DateFrom, err = parseDate(q.Get("date_from")); err != nil {
		return filter, safety.InvalidInput("date_fromが不正です")
	}
	if filter.DateTo, err = parseDate(q.Get("date_to")); err != nil {
		return filter, safety.InvalidInput("date_toが不正です")
	}
	return filter, nil
}

// parseDate accepts RFC 3339 timestamps or bare dates.
func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
