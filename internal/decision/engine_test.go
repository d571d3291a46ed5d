package decision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/sakuramed/safeguard/internal/safety"
)

type stubRewriter struct {
	replies []string
	errs    []error
	calls   int
	delay   time.Duration
}

func (s *stubRewriter) Rewrite(ctx context.Context, text string) (string, error) {
	i := s.calls
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	var out string
	if i < len(s.replies) {
		out = s.replies[i]
	}
	return out, err
}

func newTestEngine(r Rewriter) *Engine {
	return NewEngine(r, 50*time.Millisecond, time.Millisecond, true, zap.NewNop())
}

func TestCriticalAlwaysBlocks(t *testing.T) {
	e := newTestEngine(&stubRewriter{replies: []string{"書き換え済み"}})

	out := e.Decide(context.Background(), safety.RiskAssessment{RiskLevel: safety.RiskCritical}, "原文", "マスク済み")

	assert.Equal(t, safety.ActionBlock, out.Action)
	assert.Equal(t, safety.BlockedSentinel, out.ProcessedText)
}

func TestLowAllowsUnchanged(t *testing.T) {
	e := newTestEngine(nil)

	out := e.Decide(context.Background(), safety.RiskAssessment{RiskLevel: safety.RiskLow}, "バイタル安定。", "バイタル安定。")

	assert.Equal(t, safety.ActionAllow, out.Action)
	assert.Equal(t, "バイタル安定。", out.ProcessedText)
	assert.False(t, out.Degraded)
}

func TestMediumMasksOnlyWhenPIIPresent(t *testing.T) {
	e := newTestEngine(nil)

	withPII := safety.RiskAssessment{
		RiskLevel:      safety.RiskMedium,
		DetectedIssues: []safety.Issue{{Type: safety.IssuePII}},
	}
	out := e.Decide(context.Background(), withPII, "原文", "マスク済み")
	assert.Equal(t, safety.ActionMask, out.Action)
	assert.Equal(t, "マスク済み", out.ProcessedText)

	withoutPII := safety.RiskAssessment{
		RiskLevel:      safety.RiskMedium,
		DetectedIssues: []safety.Issue{{Type: safety.IssueHallucination}},
	}
	out = e.Decide(context.Background(), withoutPII, "原文", "原文")
	assert.Equal(t, safety.ActionAllow, out.Action)
	assert.Equal(t, "原文", out.ProcessedText)
}

func TestMediumAllowsWhenMaskingChangesNothing(t *testing.T) {
	e := newTestEngine(nil)

	// PII was detected but none of it is eligible at the request's masking
	// level, so the mask pass returned the text unchanged.
	risk := safety.RiskAssessment{
		RiskLevel:      safety.RiskMedium,
		DetectedIssues: []safety.Issue{{Type: safety.IssuePII}},
	}
	out := e.Decide(context.Background(), risk, "原文", "原文")

	assert.Equal(t, safety.ActionAllow, out.Action)
	assert.Equal(t, "原文", out.ProcessedText)
	assert.False(t, out.Degraded)
}

func TestHighWithUnmaskableTextBlocksOnRewriteFailure(t *testing.T) {
	stub := &stubRewriter{errs: []error{errors.New("down"), errors.New("down")}}
	e := newTestEngine(stub)

	out := e.Decide(context.Background(), safety.RiskAssessment{RiskLevel: safety.RiskHigh}, "原文", "原文")

	assert.Equal(t, safety.ActionBlock, out.Action)
	assert.Equal(t, safety.BlockedSentinel, out.ProcessedText)
	assert.True(t, out.Degraded)
}

func TestHighRewritesThroughGateway(t *testing.T) {
	stub := &stubRewriter{replies: []string{"個人情報を除いた記載。"}}
	e := newTestEngine(stub)

	out := e.Decide(context.Background(), safety.RiskAssessment{RiskLevel: safety.RiskHigh}, "原文", "マスク済み")

	assert.Equal(t, safety.ActionRewrite, out.Action)
	assert.Equal(t, "個人情報を除いた記載。", out.ProcessedText)
	assert.False(t, out.Degraded)
	assert.Equal(t, 1, stub.calls)
}

func TestHighRetriesOnceThenSucceeds(t *testing.T) {
	stub := &stubRewriter{
		errs:    []error{errors.New("transient"), nil},
		replies: []string{"", "書き換え済み。"},
	}
	e := newTestEngine(stub)

	out := e.Decide(context.Background(), safety.RiskAssessment{RiskLevel: safety.RiskHigh}, "原文", "マスク済み")

	assert.Equal(t, safety.ActionRewrite, out.Action)
	assert.Equal(t, "書き換え済み。", out.ProcessedText)
	assert.Equal(t, 2, stub.calls)
}

func TestHighDegradesToMaskOnPersistentFailure(t *testing.T) {
	stub := &stubRewriter{errs: []error{errors.New("down"), errors.New("down")}}
	e := newTestEngine(stub)

	out := e.Decide(context.Background(), safety.RiskAssessment{RiskLevel: safety.RiskHigh}, "原文", "マスク済み")

	assert.Equal(t, safety.ActionMask, out.Action)
	assert.Equal(t, "マスク済み", out.ProcessedText)
	assert.True(t, out.Degraded)
	assert.Equal(t, 2, stub.calls)
}

func TestHighDegradesToMaskOnTimeout(t *testing.T) {
	stub := &stubRewriter{delay: time.Second, replies: []string{"遅い応答", "遅い応答"}}
	e := newTestEngine(stub)

	out := e.Decide(context.Background(), safety.RiskAssessment{RiskLevel: safety.RiskHigh}, "原文", "マスク済み")

	assert.Equal(t, safety.ActionMask, out.Action)
	assert.True(t, out.Degraded)
}

func TestHighDegradesWhenRewriteReturnsOriginal(t *testing.T) {
	stub := &stubRewriter{replies: []string{"原文"}}
	e := newTestEngine(stub)

	out := e.Decide(context.Background(), safety.RiskAssessment{RiskLevel: safety.RiskHigh}, "原文", "マスク済み")

	assert.Equal(t, safety.ActionMask, out.Action)
	assert.True(t, out.Degraded)
}

func TestHighWithRewriteDisabledMasksDirectly(t *testing.T) {
	stub := &stubRewriter{replies: []string{"呼ばれてはいけない"}}
	e := NewEngine(stub, 50*time.Millisecond, time.Millisecond, false, zap.NewNop())

	out := e.Decide(context.Background(), safety.RiskAssessment{RiskLevel: safety.RiskHigh}, "原文", "マスク済み")

	assert.Equal(t, safety.ActionMask, out.Action)
	assert.True(t, out.Degraded)
	assert.Equal(t, 0, stub.calls)
}
