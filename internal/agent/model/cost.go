package model

import (
	"github.com/cloudwego/eino/schema"
)

// Pricing defines USD cost per 1M tokens for input/output.
type Pricing struct {
	InputPerM  float64
	OutputPerM float64
}

// defaultPricing holds USD pricing per 1M text tokens.
var defaultPricing = map[string]Pricing{
	"gemini-2.5-flash":      {InputPerM: 0.30, OutputPerM: 2.50},
	"gemini-2.5-flash-lite": {InputPerM: 0.10, OutputPerM: 0.40},
	"gemini-2.5-pro":        {InputPerM: 1.25, OutputPerM: 10.00},
}

// ResolvePricing returns pricing for a model; unknown models cost zero.
func ResolvePricing(model string) Pricing {
	return defaultPricing[model]
}

// CallUsage is the token usage and cost of one model call.
type CallUsage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	InputCostUSD     float64
	OutputCostUSD    float64
	TotalCostUSD     float64
}

// ComputeUsage converts a model response's token usage into a CallUsage.
// A nil usage yields a zero-cost CallUsage for the model.
func ComputeUsage(model string, usage *schema.TokenUsage) CallUsage {
	u := CallUsage{Model: model}
	if usage == nil {
		return u
	}
	p := ResolvePricing(model)
	u.PromptTokens = usage.PromptTokens
	u.CompletionTokens = usage.CompletionTokens
	u.TotalTokens = usage.TotalTokens
	u.InputCostUSD = p.InputPerM * float64(usage.PromptTokens) / 1_000_000.0
	u.OutputCostUSD = p.OutputPerM * float64(usage.CompletionTokens) / 1_000_000.0
	u.TotalCostUSD = u.InputCostUSD + u.OutputCostUSD
	return u
}
