// Package orchestrator composes the safety pipeline: detect → classify →
// validate → decide → audit. It owns the role gate, the wall-clock budgets,
// and the guarantee that every operation leaves exactly one audit entry.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/sakuramed/safeguard/internal/audit"
	"github.com/sakuramed/safeguard/internal/auth"
	"github.com/sakuramed/safeguard/internal/config"
	"github.com/sakuramed/safeguard/internal/consistency"
	"github.com/sakuramed/safeguard/internal/decision"
	"github.com/sakuramed/safeguard/internal/gateway"
	"github.com/sakuramed/safeguard/internal/notify"
	"github.com/sakuramed/safeguard/internal/pii"
	"github.com/sakuramed/safeguard/internal/risk"
	"github.com/sakuramed/safeguard/internal/safety"
)

// Orchestrator wires the pipeline components together. All fields are set at
// construction and never mutated, so one instance serves all requests.
type Orchestrator struct {
	cfg        *config.Config
	log        *zap.Logger
	detector   *pii.Detector
	classifier *risk.Classifier
	validator  *consistency.Validator
	engine     *decision.Engine
	gw         gateway.Client
	store      *audit.Store
	notifier   *notify.Emitter

	// judgments caches gateway consistency judgments per session so repeated
	// identical validation requests stay stable within a clinical session.
	judgments *lru.Cache[string, *gateway.ConsistencyJudgment]
}

// New builds the orchestrator. notifier may be nil when alerting is disabled.
func New(cfg *config.Config, log *zap.Logger, gw gateway.Client, store *audit.Store, notifier *notify.Emitter) (*Orchestrator, error) {
	cacheSize := cfg.Consistency.SessionCacheSize
	if cacheSize <= 0 {
		cacheSize = 256
	}
	judgments, err := lru.New[string, *gateway.ConsistencyJudgment](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("building judgment cache: %w", err)
	}

	return &Orchestrator{
		cfg:        cfg,
		log:        log,
		detector:   pii.NewDetector(cfg.Safety.PIIConfidenceFloor),
		classifier: risk.New(cfg.Safety),
		validator:  consistency.New(cfg.Consistency),
		engine: decision.NewEngine(gw, cfg.Gateway.CallTimeout, cfg.Gateway.RetryBackoff,
			cfg.Safety.EnableAutoRewrite, log),
		gw:        gw,
		store:     store,
		notifier:  notifier,
		judgments: judgments,
	}, nil
}

// CheckRequest is one safety-check invocation.
type CheckRequest struct {
	Text           string
	Operation      string
	UserID         string
	MaskingLevel   safety.MaskingLevel
	MedicalContext bool
}

// SafetyCheck mediates one piece of AI-generated text. Internal processing
// failures fail closed: the caller receives a blocked, critical,
// zero-confidence result rather than an error. An audit append failure is the
// one error that always surfaces.
func (o *Orchestrator) SafetyCheck(ctx context.Context, req CheckRequest) (*safety.SafetyCheckResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Safety.CheckBudget)
	defer cancel()
	return o.mediate(ctx, req)
}

// mediate is the budgetless core shared by SafetyCheck and the chained
// workflows, which carry their own overall deadline.
func (o *Orchestrator) mediate(ctx context.Context, req CheckRequest) (*safety.SafetyCheckResult, error) {
	if req.Operation == "" {
		req.Operation = "safety_check"
	}
	start := time.Now()

	result, runErr := o.runCheck(ctx, req)

	if runErr != nil && safety.KindOf(runErr) != safety.KindInvalidInput {
		o.log.Error("safety check failed closed", zap.String("operation", req.Operation), zap.Error(runErr))
		result = failClosed(req.Text, time.Since(start).Milliseconds())
		runErr = nil
	}
	if result != nil {
		result.ProcessingTimeMs = time.Since(start).Milliseconds()
	}

	if err := o.recordCheck(ctx, req, result); err != nil {
		return nil, err
	}
	if runErr != nil {
		return nil, runErr
	}
	return result, nil
}

func (o *Orchestrator) runCheck(ctx context.Context, req CheckRequest) (*safety.SafetyCheckResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, safety.InvalidInput("text must not be empty")
	}
	level := req.MaskingLevel
	if level == "" {
		level = safety.ParseMaskingLevel(o.cfg.Safety.DefaultMaskingLevel)
	}

	detected, err := o.detector.Detect(req.Text, req.MedicalContext, level)
	if err != nil {
		return nil, err
	}

	hall := o.factCheck(ctx, req.Text)
	assessment := o.classifier.Classify(detected.Detections, hall)
	outcome := o.engine.Decide(ctx, assessment, req.Text, detected.MaskedText)

	recommendations := assessment.Recommendations
	if outcome.Degraded && outcome.Action == safety.ActionMask {
		recommendations = append(recommendations, "書き換えに失敗したためマスキングで代替しました。")
	}

	return &safety.SafetyCheckResult{
		OriginalText:    req.Text,
		ProcessedText:   outcome.ProcessedText,
		RiskLevel:       assessment.RiskLevel,
		ActionTaken:     outcome.Action,
		ConfidenceScore: assessment.ConfidenceScore,
		DetectedIssues:  assessment.DetectedIssues,
		Recommendations: recommendations,
		Degraded:        hall.Degraded || outcome.Degraded,
	}, nil
}

// factCheck asks the gateway for a hallucination judgment. Any failure is a
// degraded zero signal, never a request failure.
func (o *Orchestrator) factCheck(ctx context.Context, text string) risk.HallucinationSignal {
	fc, err := o.gw.FactCheck(ctx, text)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			o.log.Warn("fact check degraded", zap.Error(err))
		}
		return risk.HallucinationSignal{Degraded: true}
	}
	return risk.HallucinationSignal{Score: fc.RiskScore, Issues: fc.Issues}
}

// recordCheck appends the one audit entry for this operation and fans out a
// high-risk alert. It runs on an uncancelable context: an exceeded request
// budget must not cost us the audit record.
func (o *Orchestrator) recordCheck(ctx context.Context, req CheckRequest, result *safety.SafetyCheckResult) error {
	rec := audit.Record{
		UserID:    req.UserID,
		Operation: req.Operation,
	}
	if result != nil {
		rec.RiskLevel = result.RiskLevel
		rec.ActionTaken = result.ActionTaken
		rec.IssuesDetected = result.DetectedIssues
		rec.ConfidenceScore = result.ConfidenceScore
		rec.ProcessingTimeMs = result.ProcessingTimeMs
		rec.OriginalDigest = audit.TextDigest(result.OriginalText)
		rec.ProcessedDigest = audit.TextDigest(result.ProcessedText)
	} else {
		rec.RiskLevel = safety.RiskLow
		rec.ActionTaken = safety.ActionDenied
		rec.IssuesDetected = []safety.Issue{{
			Type:        safety.IssueSystemError,
			Description: "入力が不正なため処理されませんでした",
		}}
		rec.OriginalDigest = audit.TextDigest(req.Text)
	}

	entry, err := o.store.Append(context.WithoutCancel(ctx), rec)
	if err != nil {
		o.log.Error("audit append failed", zap.String("operation", req.Operation), zap.Error(err))
		return err
	}

	if result != nil && result.RiskLevel.AtLeast(safety.RiskHigh) {
		o.alert(ctx, req, result, entry)
	}
	return nil
}

func (o *Orchestrator) alert(ctx context.Context, req CheckRequest, result *safety.SafetyCheckResult, entry *audit.Entry) {
	if o.notifier == nil {
		return
	}
	o.notifier.Emit(ctx, &notify.Alert{
		ID:              uuid.NewString(),
		Timestamp:       time.Now().UTC(),
		Operation:       req.Operation,
		UserID:          req.UserID,
		RiskLevel:       result.RiskLevel,
		ActionTaken:     result.ActionTaken,
		IssueCount:      len(result.DetectedIssues),
		ConfidenceScore: result.ConfidenceScore,
		OriginalDigest:  audit.TextDigest(result.OriginalText),
		AuditEntryID:    entry.ID,
	})
}

// recordDenied writes the single audit entry for a role-gate rejection.
func (o *Orchestrator) recordDenied(ctx context.Context, claims *auth.Claims, operation string) error {
	_, err := o.store.Append(context.WithoutCancel(ctx), audit.Record{
		UserID:      claims.UserID,
		Operation:   operation,
		RiskLevel:   safety.RiskLow,
		ActionTaken: safety.ActionDenied,
		IssuesDetected: []safety.Issue{{
			Type:        safety.IssueSystemError,
			Description: "権限のない操作が拒否されました",
		}},
	})
	if err != nil {
		o.log.Error("audit append failed for denied attempt", zap.String("operation", operation), zap.Error(err))
	}
	return err
}

// failClosed is the uncertain-state fallback: prefer block over allow.
func failClosed(text string, elapsedMs int64) *safety.SafetyCheckResult {
	return &safety.SafetyCheckResult{
		OriginalText:    text,
		ProcessedText:   safety.BlockedSentinel,
		RiskLevel:       safety.RiskCritical,
		ActionTaken:     safety.ActionBlock,
		ConfidenceScore: 0,
		DetectedIssues: []safety.Issue{{
			Type:        safety.IssueSystemError,
			Description: "内部処理エラーが発生しました",
		}},
		Recommendations:  []string{"時間をおいて再試行してください。解消しない場合はシステム管理者に連絡してください。"},
		ProcessingTimeMs: elapsedMs,
		Degraded:         true,
	}
}
