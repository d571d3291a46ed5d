package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/sakuramed/safeguard/internal/config"
	"github.com/sakuramed/safeguard/internal/safety"
)

// OpenAIClient implements Client against an Azure OpenAI deployment. A
// circuit breaker sits in front of every call so a dead endpoint fails fast
// instead of eating the request budget.
type OpenAIClient struct {
	client     *openai.Client
	deployment string
	apiVersion string
	breaker    *gobreaker.CircuitBreaker
	log        *zap.Logger
}

// NewOpenAI builds the client from gateway config. A nil client (empty
// endpoint or key) means unconfigured; callers check Configured().
func NewOpenAI(cfg config.GatewayConfig, apiKey string, log *zap.Logger) *OpenAIClient {
	c := &OpenAIClient{
		deployment: cfg.Deployment,
		apiVersion: cfg.APIVersion,
		log:        log,
	}
	if cfg.Endpoint != "" && apiKey != "" {
		azCfg := openai.DefaultAzureConfig(apiKey, cfg.Endpoint)
		azCfg.APIVersion = cfg.APIVersion
		azCfg.AzureModelMapperFunc = func(model string) string { return model }
		c.client = openai.NewClientWithConfig(azCfg)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "llm-gateway",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerTrips
		},
		Timeout: cfg.BreakerReset,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("gateway breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return c
}

func (c *OpenAIClient) Configured() bool   { return c.client != nil }
func (c *OpenAIClient) Deployment() string { return c.deployment }
func (c *OpenAIClient) APIVersion() string { return c.apiVersion }

// complete runs one chat completion through the breaker and normalizes
// failures into safety error kinds.
func (c *OpenAIClient) complete(ctx context.Context, system, user string, maxTokens int, temperature float32, jsonMode bool) (string, error) {
	if c.client == nil {
		return "", safety.GatewayUnavailable(errors.New("gateway not configured"))
	}

	req := openai.ChatCompletionRequest{
		Model: c.deployment,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	out, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return nil, errors.New("empty completion response")
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return "", safety.GatewayTimeout(err)
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return "", safety.GatewayUnavailable(err)
		default:
			return "", safety.GatewayUnavailable(err)
		}
	}
	return out.(string), nil
}

func (c *OpenAIClient) FactCheck(ctx context.Context, text string) (*FactCheck, error) {
	prompt := fmt.Sprintf(`以下の医療テキストに含まれる医学的事実の正確性を評価してください。
不正確または疑わしい情報があれば指摘し、0.0から1.0のリスクスコアを付けてください。

テキスト: %s

評価基準:
- 0.0-0.3: 医学的に正確
- 0.4-0.6: 一部疑問点あり
- 0.7-0.9: 不正確な可能性が高い
- 1.0: 明らかに誤った情報

JSON形式で回答してください:
{"risk_score": 0.0, "issues": ["問題点1", "問題点2"], "reasoning": "判定理由"}`, text)

	raw, err := c.complete(ctx, "あなたは医療AI安全性評価の専門家です。", prompt, 500, 0.1, true)
	if err != nil {
		return nil, err
	}
	var fc FactCheck
	if err := decodeJSON(raw, &fc); err != nil {
		return nil, safety.ProcessingError(fmt.Errorf("parsing fact check response: %w", err))
	}
	fc.RiskScore = clamp01(fc.RiskScore)
	return &fc, nil
}

func (c *OpenAIClient) Rewrite(ctx context.Context, text string) (string, error) {
	prompt := fmt.Sprintf(`以下の医療テキストを、医学的正確性を保ちながら、より安全で適切な表現に書き直してください。

元のテキスト: %s

要件:
- 医学的事実は正確に保つ
- 不確実な表現は適切に修正
- 患者の安全を最優先に考慮
- 自然で読みやすい日本語

書き直し後のテキストのみを回答してください。`, text)

	raw, err := c.complete(ctx, "あなたは医療文書の安全性改善を専門とするAIです。", prompt, 800, 0.2, false)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(raw), nil
}

func (c *OpenAIClient) JudgeConsistency(ctx context.Context, summary, assessment, plan string, diagnosisCodes []string) (*ConsistencyJudgment, error) {
	codesText := ""
	if len(diagnosisCodes) > 0 {
		codesText = "診断コード: " + strings.Join(diagnosisCodes, ", ")
	}
	prompt := fmt.Sprintf(`以下の臨床情報の整合性を評価してください。

【状況整理】:
%s

【Assessment（評価）】:
%s

【Plan（計画）】:
%s

%s

【評価観点】:
1. 状況整理とAssessmentの整合性
2. AssessmentとPlanの論理的整合性
3. 診断コードとAssessmentの適合性
4. Planの医学的妥当性
5. 重要な見落としの有無

JSON形式で回答してください:
{"is_consistent": true, "consistency_score": 0.0, "suggestions": ["改善提案1"]}`, summary, assessment, plan, codesText)

	raw, err := c.complete(ctx, "あなたは医療品質管理の専門家です。臨床推論の整合性を厳密に評価してください。", prompt, 800, 0.1, true)
	if err != nil {
		return nil, err
	}
	var j ConsistencyJudgment
	if err := decodeJSON(raw, &j); err != nil {
		return nil, safety.ProcessingError(fmt.Errorf("parsing consistency judgment: %w", err))
	}
	j.Score = clamp01(j.Score)
	return &j, nil
}

func (c *OpenAIClient) SuggestDiagnoses(ctx context.Context, symptomsText string) ([]Diagnosis, error) {
	prompt := fmt.Sprintf(`以下の症状情報から鑑別診断の候補を挙げてください。

%s

JSON形式で回答してください:
{"differential_diagnoses": [{"diagnosis": "診断名", "probability": 0.7, "supporting_evidence": ["根拠1"], "additional_tests": ["推奨検査1"]}]}`, symptomsText)

	raw, err := c.complete(ctx, "あなたは総合診療の専門医です。", prompt, 800, 0.3, true)
	if err != nil {
		return nil, err
	}
	var out struct {
		DifferentialDiagnoses []Diagnosis `json:"differential_diagnoses"`
	}
	if err := decodeJSON(raw, &out); err != nil {
		return nil, safety.ProcessingError(fmt.Errorf("parsing diagnosis suggestions: %w", err))
	}
	for i := range out.DifferentialDiagnoses {
		out.DifferentialDiagnoses[i].Probability = clamp01(out.DifferentialDiagnoses[i].Probability)
	}
	return out.DifferentialDiagnoses, nil
}

func (c *OpenAIClient) SummarizeEncounter(ctx context.Context, encounterText, summaryType string) (*EncounterSummary, error) {
	prompt := fmt.Sprintf(`以下の診療記録から%sを作成してください。

【診療記録】:
%s

JSON形式で回答してください:
{"sections": {"chief_complaint": "主訴", "diagnosis": "診断", "treatment": "治療内容", "outcome": "転帰", "follow_up": "フォローアップ"}}`, summaryTypeLabel(summaryType), encounterText)

	raw, err := c.complete(ctx, "あなたは経験豊富な臨床医です。診療記録を正確かつ簡潔に要約してください。", prompt, 800, 0.2, true)
	if err != nil {
		return nil, err
	}
	var s EncounterSummary
	if err := decodeJSON(raw, &s); err != nil {
		return nil, safety.ProcessingError(fmt.Errorf("parsing encounter summary: %w", err))
	}
	s.SummaryType = summaryType
	return &s, nil
}

func (c *OpenAIClient) SummarizePatient(ctx context.Context, patientText string) (*PatientSummary, error) {
	prompt := fmt.Sprintf(`以下の患者情報から、現在の医学的状況を整理し、臨床判断を支援してください。

%s

【出力要求】:
以下のJSON形式で回答してください:
{
  "summary": "患者の現在の状況を簡潔に要約（200文字以内）",
  "key_findings": ["重要な所見1", "重要な所見2"],
  "differential_diagnoses": [{"diagnosis": "鑑別診断1", "probability": 0.7, "supporting_evidence": ["根拠1"], "additional_tests": ["推奨検査1"]}],
  "risk_factors": ["リスク要因1"],
  "recommendations": ["推奨事項1", "推奨事項2"],
  "confidence_score": 0.8
}`, patientText)

	raw, err := c.complete(ctx, "あなたは経験豊富な臨床医です。患者の現在の状況を的確に整理し、適切な医学的判断を支援してください。", prompt, 1200, 0.2, true)
	if err != nil {
		return nil, err
	}
	var s PatientSummary
	if err := decodeJSON(raw, &s); err != nil {
		return nil, safety.ProcessingError(fmt.Errorf("parsing patient summary: %w", err))
	}
	s.ConfidenceScore = clamp01(s.ConfidenceScore)
	return &s, nil
}

func summaryTypeLabel(summaryType string) string {
	switch summaryType {
	case "discharge":
		return "退院サマリー"
	case "referral":
		return "紹介状"
	case "progress":
		return "経過サマリー"
	default:
		return "診療サマリー"
	}
}

// decodeJSON tolerates models that wrap JSON in a markdown fence.
func decodeJSON(raw string, v any) error {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
	}
	return json.Unmarshal([]byte(strings.TrimSpace(raw)), v)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
