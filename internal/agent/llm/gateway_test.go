package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chative-core-poc-v1/turnflow/internal/agent/model"
	errx "github.com/Chative-core-poc-v1/turnflow/internal/core/error"
)

// scriptedModel replies with the queued results in order, repeating the last.
type scriptedModel struct {
	mu      sync.Mutex
	results []scriptedResult
	calls   int
	inputs  [][]*schema.Message
}

type scriptedResult struct {
	text  string
	err   error
	delay time.Duration
}

func (m *scriptedModel) Generate(ctx context.Context, input []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	m.mu.Lock()
	r := m.results[min(m.calls, len(m.results)-1)]
	m.calls++
	m.inputs = append(m.inputs, input)
	m.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	msg := schema.AssistantMessage(r.text, nil)
	msg.ResponseMeta = &schema.ResponseMeta{Usage: &schema.TokenUsage{PromptTokens: 1000, CompletionTokens: 100, TotalTokens: 1100}}
	return msg, nil
}

func (m *scriptedModel) Stream(context.Context, []*schema.Message, ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not supported")
}

type recordingObserver struct {
	outcomes []string
	attempts []int
}

func (o *recordingObserver) LLMCall(kind, outcome string, attempts int, _ time.Duration, _ float64) {
	o.outcomes = append(o.outcomes, kind+":"+outcome)
	o.attempts = append(o.attempts, attempts)
}

func testConfig() model.GatewayConfig {
	return model.GatewayConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		AttemptTimeout: time.Second,
	}
}

func TestInvokeRoutesByKind(t *testing.T) {
	classifier := &scriptedModel{results: []scriptedResult{{text: "checkout"}}}
	response := &scriptedModel{results: []scriptedResult{{text: "Hello!"}}}
	g := NewGateway(Models{
		Classifier:     classifier,
		Response:       response,
		ClassifierName: "gemini-2.5-flash-lite",
		ResponseName:   "gemini-2.5-flash",
	}, testConfig())
	ctx := context.Background()

	out, err := g.Invoke(ctx, Request{Kind: CallSelection, Prompt: "pick", SystemPrompt: "sys"})
	require.NoError(t, err)
	assert.Equal(t, "checkout", out.Text)
	require.Len(t, classifier.inputs[0], 2)
	assert.Equal(t, schema.System, classifier.inputs[0][0].Role)

	_, err = g.Invoke(ctx, Request{Kind: CallExtraction, Prompt: "extract"})
	require.NoError(t, err)
	require.Len(t, classifier.inputs[1], 1)

	out, err = g.Invoke(ctx, Request{Kind: CallGeneration, Prompt: "reply"})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", out.Text)
	assert.Equal(t, 2, classifier.calls)
	assert.Equal(t, 1, response.calls)
	assert.Equal(t, "gemini-2.5-flash", out.Usage.Model)
	assert.InDelta(t, 0.00055, out.Usage.TotalCostUSD, 1e-9)
}

func TestInvokeRetriesThenSucceeds(t *testing.T) {
	m := &scriptedModel{results: []scriptedResult{
		{err: errors.New("503")},
		{err: errors.New("503")},
		{text: "ok"},
	}}
	obs := &recordingObserver{}
	g := NewGateway(Models{Classifier: m, Response: m}, testConfig(), WithObserver(obs))

	out, err := g.Invoke(context.Background(), Request{Kind: CallGeneration, Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, []string{"generation:ok"}, obs.outcomes)
}

func TestInvokeExhaustsRetries(t *testing.T) {
	m := &scriptedModel{results: []scriptedResult{{err: errors.New("boom")}}}
	obs := &recordingObserver{}
	g := NewGateway(Models{Classifier: m, Response: m}, testConfig(), WithObserver(obs))

	_, err := g.Invoke(context.Background(), Request{Kind: CallGeneration, Prompt: "x"})
	require.Error(t, err)
	assert.True(t, errx.IsKind(err, errx.KindLLMService))
	assert.Equal(t, 3, m.calls)
	assert.Equal(t, []int{3}, obs.attempts)
}

func TestInvokePerAttemptTimeout(t *testing.T) {
	m := &scriptedModel{results: []scriptedResult{{delay: time.Second}, {text: "fast"}}}
	cfg := testConfig()
	cfg.AttemptTimeout = 20 * time.Millisecond
	g := NewGateway(Models{Classifier: m, Response: m}, cfg)

	out, err := g.Invoke(context.Background(), Request{Kind: CallSelection, Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "fast", out.Text)
	assert.Equal(t, 2, out.Attempts)
}

func TestInvokeTurnDeadlineIsTimeout(t *testing.T) {
	m := &scriptedModel{results: []scriptedResult{{delay: time.Second}}}
	g := NewGateway(Models{Classifier: m, Response: m}, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := g.Invoke(ctx, Request{Kind: CallGeneration, Prompt: "x"})
	require.Error(t, err)
	assert.True(t, errx.IsKind(err, errx.KindTimeout))
	assert.Equal(t, 1, m.calls)
}

func TestInvokeMissingModel(t *testing.T) {
	g := NewGateway(Models{}, testConfig())
	_, err := g.Invoke(context.Background(), Request{Kind: CallGeneration})
	assert.True(t, errx.IsKind(err, errx.KindLLMService))
}

func TestRateLimiterIsOptional(t *testing.T) {
	m := &scriptedModel{results: []scriptedResult{{text: "a"}}}
	cfg := testConfig()
	cfg.RateLimit = 1000
	cfg.RateBurst = 2
	g := NewGateway(Models{Classifier: m, Response: m}, cfg)
	require.NotNil(t, g.limiter)

	for i := 0; i < 3; i++ {
		_, err := g.Invoke(context.Background(), Request{Kind: CallSelection})
		require.NoError(t, err)
	}
	assert.Nil(t, NewGateway(Models{}, testConfig()).limiter)
}
