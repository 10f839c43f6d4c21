// Package llm issues the selection, extraction and generation model calls
// and parses their output into tagged results.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"golang.org/x/time/rate"

	"github.com/Chative-core-poc-v1/turnflow/internal/agent/model"
	errx "github.com/Chative-core-poc-v1/turnflow/internal/core/error"
	logx "github.com/Chative-core-poc-v1/turnflow/pkg/logger"
)

type CallKind string

const (
	CallSelection  CallKind = "selection"
	CallExtraction CallKind = "extraction"
	CallGeneration CallKind = "generation"
)

const (
	outcomeOK    = "ok"
	outcomeError = "error"
)

// Observer records per-call outcomes. *observability.Metrics satisfies it.
type Observer interface {
	LLMCall(kind, outcome string, attempts int, latency time.Duration, costUSD float64)
}

// Models are the two chat models the gateway routes between.
type Models struct {
	Classifier     einomodel.BaseChatModel
	Response       einomodel.BaseChatModel
	ClassifierName string
	ResponseName   string
}

type Request struct {
	Kind           CallKind
	Prompt         string
	SystemPrompt   string
	ConversationID string
	StageID        string
}

type Response struct {
	Text     string
	Attempts int
	Latency  time.Duration
	Usage    model.CallUsage
}

// Gateway shares one retry/timeout policy across all call kinds. It is safe
// for concurrent use.
type Gateway struct {
	models   Models
	cfg      model.GatewayConfig
	limiter  *rate.Limiter
	handlers []callbacks.Handler
	observer Observer
}

type Option func(*Gateway)

// WithCallbacks attaches eino callback handlers to every call.
func WithCallbacks(handlers ...callbacks.Handler) Option {
	return func(g *Gateway) { g.handlers = append(g.handlers, handlers...) }
}

func WithObserver(o Observer) Option {
	return func(g *Gateway) { g.observer = o }
}

func NewGateway(models Models, cfg model.GatewayConfig, opts ...Option) *Gateway {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	g := &Gateway{models: models, cfg: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) modelFor(kind CallKind) (einomodel.BaseChatModel, string) {
	if kind == CallGeneration {
		return g.models.Response, g.models.ResponseName
	}
	return g.models.Classifier, g.models.ClassifierName
}

// Invoke runs one call with bounded attempts and exponential backoff. Each
// attempt gets its own timeout. A deadline on ctx ends retrying with a
// timeout error; any other exhausted failure is an LLM service error.
func (g *Gateway) Invoke(ctx context.Context, req Request) (*Response, error) {
	chat, name := g.modelFor(req.Kind)
	if chat == nil {
		return nil, errx.LLMService(fmt.Errorf("no chat model for %s calls", req.Kind))
	}

	msgs := make([]*schema.Message, 0, 2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, schema.SystemMessage(req.SystemPrompt))
	}
	msgs = append(msgs, schema.UserMessage(req.Prompt))

	if len(g.handlers) > 0 {
		ctx = callbacks.InitCallbacks(ctx, &callbacks.RunInfo{
			Name:      string(req.Kind),
			Type:      name,
			Component: components.ComponentOfChatModel,
		}, g.handlers...)
	}

	start := time.Now()
	attempts := 0
	var out *schema.Message
	op := func() error {
		attempts++
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		actx, cancel := g.attemptContext(ctx)
		defer cancel()

		msg, err := chat.Generate(actx, msgs)
		if err == nil && msg == nil {
			err = errors.New("empty model response")
		}
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			logx.Warn().
				Err(err).
				Str("kind", string(req.Kind)).
				Str("model", name).
				Str("conversation_id", req.ConversationID).
				Int("attempt", attempts).
				Msg("llm attempt failed")
			return err
		}
		out = msg
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.InitialBackoff
	b.MaxInterval = g.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.cfg.MaxAttempts-1)), ctx)

	err := backoff.Retry(op, policy)
	latency := time.Since(start)
	if err != nil {
		g.observe(req.Kind, outcomeError, attempts, latency, 0)
		logx.Error().
			Err(err).
			Str("kind", string(req.Kind)).
			Str("model", name).
			Str("conversation_id", req.ConversationID).
			Str("stage_id", req.StageID).
			Int("attempts", attempts).
			Dur("latency", latency).
			Msg("llm call failed")
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return nil, errx.Timeout(err)
		}
		return nil, errx.LLMService(fmt.Errorf("%s call after %d attempts: %w", req.Kind, attempts, err))
	}

	var usage *schema.TokenUsage
	if out.ResponseMeta != nil {
		usage = out.ResponseMeta.Usage
	}
	cu := model.ComputeUsage(name, usage)
	g.observe(req.Kind, outcomeOK, attempts, latency, cu.TotalCostUSD)
	logx.Info().
		Str("kind", string(req.Kind)).
		Str("model", name).
		Str("conversation_id", req.ConversationID).
		Str("stage_id", req.StageID).
		Int("attempts", attempts).
		Dur("latency", latency).
		Int("prompt_tokens", cu.PromptTokens).
		Int("completion_tokens", cu.CompletionTokens).
		Int("total_tokens", cu.TotalTokens).
		Float64("total_cost_usd", cu.TotalCostUSD).
		Msg("llm call")

	return &Response{Text: out.Content, Attempts: attempts, Latency: latency, Usage: cu}, nil
}

func (g *Gateway) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.cfg.AttemptTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.cfg.AttemptTimeout)
}

func (g *Gateway) observe(kind CallKind, outcome string, attempts int, latency time.Duration, cost float64) {
	if g.observer != nil {
		g.observer.LLMCall(string(kind), outcome, attempts, latency, cost)
	}
}
