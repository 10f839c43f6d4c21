// Package stages resolves a conversation's current stage and applies
// selection output to move it.
package stages

import (
	"context"
	"fmt"

	"github.com/Chative-core-poc-v1/turnflow/internal/agent/cache"
	"github.com/Chative-core-poc-v1/turnflow/internal/agent/llm"
	"github.com/Chative-core-poc-v1/turnflow/internal/agent/model"
	"github.com/Chative-core-poc-v1/turnflow/internal/agent/prompts"
	errx "github.com/Chative-core-poc-v1/turnflow/internal/core/error"
	logx "github.com/Chative-core-poc-v1/turnflow/pkg/logger"
)

// Selection outcomes reported to the observer.
const (
	OutcomeTransitioned  = "transitioned"
	OutcomeRetained      = "retained"
	OutcomeUnrecognized  = "unrecognized"
	OutcomeInvalidTarget = "invalid_target"
	OutcomeCallFailed    = "call_failed"
)

// Source is the slice of a transaction the resolver reads from.
type Source interface {
	model.StageSource
	model.TemplateSource
}

// Invoker is the gateway call used for selection.
type Invoker interface {
	Invoke(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// TemplateLoader loads templates cache-first; *prompts.Renderer satisfies it.
type TemplateLoader interface {
	Load(ctx context.Context, templateID string, src model.TemplateSource) (*model.Template, error)
}

type Observer interface {
	StageTransition(outcome string)
}

// Selection is the result of SelectNextStage. Stage is never nil: it is
// either the new stage or the retained current one.
type Selection struct {
	Stage        *model.Stage
	Transitioned bool
	Raw          string
	CostUSD      float64
}

type Resolver struct {
	cache     *cache.Layer
	templates TemplateLoader
	gateway   Invoker
	observer  Observer
}

type Option func(*Resolver)

func WithObserver(o Observer) Option {
	return func(r *Resolver) { r.observer = o }
}

func NewResolver(layer *cache.Layer, templates TemplateLoader, gateway Invoker, opts ...Option) *Resolver {
	r := &Resolver{cache: layer, templates: templates, gateway: gateway}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CurrentStage returns the conversation's stage, or the business default when
// the conversation has none or its stage no longer exists. The stage returned
// is always valid; an invalid stage fails closed.
func (r *Resolver) CurrentStage(ctx context.Context, src Source, conv *model.Conversation) (*model.Stage, error) {
	if conv.StageID != "" {
		stage, err := r.LoadStage(ctx, src, conv.StageID)
		switch {
		case err == nil && stage.BusinessID == conv.BusinessID:
			if err := r.Validate(ctx, src, stage); err != nil {
				return nil, err
			}
			return stage, nil
		case err == nil:
			logx.Warn().
				Str("conversation_id", conv.ID).
				Str("stage_id", conv.StageID).
				Msg("conversation stage belongs to another business; using default")
		case errx.IsKind(err, errx.KindNotFound):
			logx.Warn().
				Str("conversation_id", conv.ID).
				Str("stage_id", conv.StageID).
				Msg("conversation stage missing; using default")
		default:
			return nil, err
		}
	}

	stage, err := src.GetDefaultStage(ctx, conv.BusinessID, conv.AgentID)
	if err != nil {
		if errx.IsKind(err, errx.KindNotFound) {
			return nil, errx.NotFound(err, "no stage configured for conversation")
		}
		return nil, err
	}
	if err := r.Validate(ctx, src, stage); err != nil {
		return nil, err
	}
	r.cache.PutStage(ctx, stage)
	return stage, nil
}

// LoadStage reads a stage cache-first and writes it through on a miss.
func (r *Resolver) LoadStage(ctx context.Context, src model.StageSource, stageID string) (*model.Stage, error) {
	if s, ok := r.cache.Stage(ctx, stageID); ok {
		return s, nil
	}
	s, err := src.GetStage(ctx, stageID)
	if err != nil {
		return nil, err
	}
	r.cache.PutStage(ctx, s)
	return s, nil
}

// Validate checks that every template reference of stage resolves to a
// template of the same business and that a generation template is set.
func (r *Resolver) Validate(ctx context.Context, src model.TemplateSource, stage *model.Stage) error {
	if stage.GenerationTemplateID == "" {
		return invalidStage(stage, fmt.Errorf("no generation template"))
	}
	for _, id := range stage.TemplateIDs() {
		t, err := r.templates.Load(ctx, id, src)
		if err != nil {
			if errx.IsKind(err, errx.KindNotFound) {
				return invalidStage(stage, fmt.Errorf("template %s missing", id))
			}
			return err
		}
		if t.BusinessID != stage.BusinessID {
			return invalidStage(stage, fmt.Errorf("template %s belongs to another business", id))
		}
	}
	return nil
}

func invalidStage(stage *model.Stage, cause error) error {
	return errx.NotFound(fmt.Errorf("stage %s invalid: %w", stage.ID, cause), "no usable stage for conversation")
}

// SelectNextStage runs the selection call and applies its output. Anything
// short of a recognized, different and valid stage keeps current and is
// logged as a soft failure. Only a turn deadline or a store failure is
// returned as an error.
func (r *Resolver) SelectNextStage(ctx context.Context, src Source, conv *model.Conversation, current *model.Stage, rendered *prompts.Rendered) (Selection, error) {
	keep := Selection{Stage: current}

	resp, err := r.gateway.Invoke(ctx, llm.Request{
		Kind:           llm.CallSelection,
		Prompt:         rendered.Prompt,
		SystemPrompt:   rendered.SystemPrompt,
		ConversationID: conv.ID,
		StageID:        current.ID,
	})
	if err != nil {
		if errx.IsKind(err, errx.KindTimeout) {
			return keep, err
		}
		r.soft(conv, current, OutcomeCallFailed, err)
		return keep, nil
	}
	keep.Raw = resp.Text
	keep.CostUSD = resp.Usage.TotalCostUSD

	candidates, err := r.BusinessStages(ctx, src, conv.BusinessID)
	if err != nil {
		return keep, err
	}
	candidates = forAgent(candidates, conv.AgentID)

	parsed := llm.ParseStageSelection(resp.Text, candidates)
	if !parsed.Recognized {
		r.soft(conv, current, OutcomeUnrecognized, errx.StageTransition(fmt.Errorf("unrecognized selection %q", clip(resp.Text))))
		return keep, nil
	}
	if parsed.StageID == current.ID {
		r.observe(OutcomeRetained)
		return keep, nil
	}

	next, err := r.LoadStage(ctx, src, parsed.StageID)
	if err == nil {
		err = r.Validate(ctx, src, next)
	}
	if err != nil {
		if errx.IsKind(err, errx.KindNotFound) {
			r.soft(conv, current, OutcomeInvalidTarget, errx.StageTransition(err))
			return keep, nil
		}
		return keep, err
	}

	r.observe(OutcomeTransitioned)
	logx.Info().
		Str("conversation_id", conv.ID).
		Str("from_stage", current.ID).
		Str("to_stage", next.ID).
		Msg("stage transition")
	return Selection{Stage: next, Transitioned: true, Raw: resp.Text, CostUSD: keep.CostUSD}, nil
}

// BusinessStages lists a business's stages cache-first.
func (r *Resolver) BusinessStages(ctx context.Context, src model.StageSource, businessID string) ([]model.Stage, error) {
	if stages, ok := r.cache.BusinessStages(ctx, businessID); ok {
		return stages, nil
	}
	stages, err := src.ListStages(ctx, businessID)
	if err != nil {
		return nil, err
	}
	r.cache.PutBusinessStages(ctx, businessID, stages)
	return stages, nil
}

// forAgent keeps business-wide stages and those of the conversation's agent.
func forAgent(stages []model.Stage, agentID string) []model.Stage {
	out := stages[:0:0]
	for _, s := range stages {
		if s.AgentID == "" || s.AgentID == agentID {
			out = append(out, s)
		}
	}
	return out
}

func (r *Resolver) soft(conv *model.Conversation, current *model.Stage, outcome string, err error) {
	r.observe(outcome)
	logx.Warn().
		Err(err).
		Str("conversation_id", conv.ID).
		Str("stage_id", current.ID).
		Str("kind", string(llm.CallSelection)).
		Str("outcome", outcome).
		Msg("stage selection soft failure; keeping current stage")
}

func (r *Resolver) observe(outcome string) {
	if r.observer != nil {
		r.observer.StageTransition(outcome)
	}
}

func clip(s string) string {
	const maxSnippet = 200
	if len(s) <= maxSnippet {
		return s
	}
	return s[:maxSnippet]
}
