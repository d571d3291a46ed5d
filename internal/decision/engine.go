// Package decision maps a risk assessment to a remediation action. The policy
// table is fixed; only the rewrite path may touch the network, and it degrades
// to masking rather than failing the request.
package decision

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/sakuramed/safeguard/internal/safety"
)

// Rewriter produces alternate text that preserves clinical meaning while
// removing the offending content. Implemented by the LLM gateway.
type Rewriter interface {
	Rewrite(ctx context.Context, text string) (string, error)
}

// Outcome is the engine's terminal decision. The decision itself is made in
// one step and never retried; only the rewrite delegation retries.
type Outcome struct {
	Action        safety.ActionTaken
	ProcessedText string
	Degraded      bool
}

// Engine applies the policy table:
//
//	low      -> allow
//	medium   -> mask (allow when masking would change nothing)
//	high     -> rewrite, degrading to mask (block when masking would change nothing)
//	critical -> block
type Engine struct {
	rewriter      Rewriter
	callTimeout   time.Duration
	retryBackoff  time.Duration
	enableRewrite bool
	log           *zap.Logger
}

func NewEngine(rewriter Rewriter, callTimeout, retryBackoff time.Duration, enableRewrite bool, log *zap.Logger) *Engine {
	return &Engine{
		rewriter:      rewriter,
		callTimeout:   callTimeout,
		retryBackoff:  retryBackoff,
		enableRewrite: enableRewrite,
		log:           log,
	}
}

// Decide returns the action and final text for a risk assessment.
// originalText is the untouched input; maskedText is the PII mask pass
// output, reused directly for the mask action.
func (e *Engine) Decide(ctx context.Context, risk safety.RiskAssessment, originalText, maskedText string) Outcome {
	switch risk.RiskLevel {
	case safety.RiskCritical:
		return Outcome{Action: safety.ActionBlock, ProcessedText: safety.BlockedSentinel}

	case safety.RiskHigh:
		if e.enableRewrite && e.rewriter != nil {
			if rewritten, err := e.rewrite(ctx, maskedText); err == nil && rewritten != originalText {
				return Outcome{Action: safety.ActionRewrite, ProcessedText: rewritten}
			}
		}
		// Masking is computable locally, so high risk degrades to mask
		// instead of failing the request. When masking changes nothing
		// there is no remediation to fall back on, so the text blocks.
		if maskedText != originalText {
			return Outcome{Action: safety.ActionMask, ProcessedText: maskedText, Degraded: true}
		}
		return Outcome{Action: safety.ActionBlock, ProcessedText: safety.BlockedSentinel, Degraded: true}

	case safety.RiskMedium:
		// Mask only when the mask pass actually changed the text. Issues
		// whose detections are ineligible at the request's masking level
		// must not yield a mask action over unchanged text.
		if risk.HasPII() && maskedText != originalText {
			return Outcome{Action: safety.ActionMask, ProcessedText: maskedText}
		}
		return Outcome{Action: safety.ActionAllow, ProcessedText: originalText}

	default:
		return Outcome{Action: safety.ActionAllow, ProcessedText: originalText}
	}
}

// rewrite delegates to the gateway with a strict timeout and a single retry.
func (e *Engine) rewrite(ctx context.Context, text string) (string, error) {
	var out string

	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()

		rewritten, err := e.rewriter.Rewrite(callCtx, text)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return backoff.Permanent(err)
			}
			return err
		}
		if rewritten == "" {
			return errors.New("gateway returned empty rewrite")
		}
		out = rewritten
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(e.retryBackoff), 1), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		e.log.Warn("rewrite delegation failed, degrading to mask", zap.Error(err))
		return "", err
	}
	return out, nil
}
