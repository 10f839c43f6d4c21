package model

import (
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
)

func TestComputeUsage(t *testing.T) {
	u := ComputeUsage("gemini-2.5-flash", &schema.TokenUsage{PromptTokens: 1_000_000, CompletionTokens: 200_000, TotalTokens: 1_200_000})
	assert.InDelta(t, 0.30, u.InputCostUSD, 1e-9)
	assert.InDelta(t, 0.50, u.OutputCostUSD, 1e-9)
	assert.InDelta(t, 0.80, u.TotalCostUSD, 1e-9)
	assert.Equal(t, 1_200_000, u.TotalTokens)
}

func TestComputeUsageUnknownModelAndNilUsage(t *testing.T) {
	u := ComputeUsage("mystery", &schema.TokenUsage{PromptTokens: 10, CompletionTokens: 10})
	assert.Zero(t, u.TotalCostUSD)
	assert.Equal(t, 10, u.PromptTokens)

	u = ComputeUsage("gemini-2.5-flash", nil)
	assert.Equal(t, "gemini-2.5-flash", u.Model)
	assert.Zero(t, u.TotalTokens)
}

func TestStageTemplateIDsSkipsUnset(t *testing.T) {
	s := Stage{GenerationTemplateID: "g", SelectionTemplateID: "s"}
	assert.Equal(t, []string{"s", "g"}, s.TemplateIDs())
}
