package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sakuramed/safeguard/internal/config"
	"github.com/sakuramed/safeguard/internal/safety"
)

func TestUnconfiguredClientFailsAsUnavailable(t *testing.T) {
	c := NewOpenAI(config.GatewayConfig{Deployment: "gpt-4.1-mini"}, "", zap.NewNop())

	assert.False(t, c.Configured())

	_, err := c.FactCheck(context.Background(), "発熱があります。")
	require.Error(t, err)
	assert.Equal(t, safety.KindGatewayUnavailable, safety.KindOf(err))

	_, err = c.Rewrite(context.Background(), "テキスト")
	require.Error(t, err)
	assert.Equal(t, safety.KindGatewayUnavailable, safety.KindOf(err))
}

func TestDecodeJSONHandlesMarkdownFence(t *testing.T) {
	var fc FactCheck

	plain := `{"risk_score": 0.4, "issues": ["疑問点"], "reasoning": "一部疑問"}`
	require.NoError(t, decodeJSON(plain, &fc))
	assert.InDelta(t, 0.4, fc.RiskScore, 1e-9)

	fenced := "```json\n{\"risk_score\": 0.7, \"issues\": [], \"reasoning\": \"不正確\"}\n```"
	require.NoError(t, decodeJSON(fenced, &fc))
	assert.InDelta(t, 0.7, fc.RiskScore, 1e-9)

	require.Error(t, decodeJSON("これはJSONではありません", &fc))
}

func TestSummaryTypeLabels(t *testing.T) {
	assert.Equal(t, "退院サマリー", summaryTypeLabel("discharge"))
	assert.Equal(t, "紹介状", summaryTypeLabel("referral"))
	assert.Equal(t, "診療サマリー", summaryTypeLabel("unknown"))
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, clamp01(-0.5))
	assert.Equal(t, 1.0, clamp01(1.7))
	assert.Equal(t, 0.42, clamp01(0.42))
}
