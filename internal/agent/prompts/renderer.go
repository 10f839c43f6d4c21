// Package prompts renders stage templates into model prompts.
package prompts

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/Chative-core-poc-v1/turnflow/internal/agent/cache"
	"github.com/Chative-core-poc-v1/turnflow/internal/agent/model"
	"github.com/Chative-core-poc-v1/turnflow/internal/agent/variables"
	errx "github.com/Chative-core-poc-v1/turnflow/internal/core/error"
)

// placeholderRe matches {{ name }} and {name}. Group 1 holds the name of the
// double-brace form, group 2 the single-brace form.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}|\{([A-Za-z_][A-Za-z0-9_.]*)\}`)

// Rendered is a template with its variables substituted.
type Rendered struct {
	Prompt       string
	SystemPrompt string
	Template     *model.Template
}

// Renderer is stateless apart from its collaborators: rendering the same
// template with the same context always yields the same text.
type Renderer struct {
	registry *variables.Registry
	cache    *cache.Layer
}

func NewRenderer(registry *variables.Registry, layer *cache.Layer) *Renderer {
	return &Renderer{registry: registry, cache: layer}
}

// Load returns a template cache-first, falling back to src and writing the
// row through to the cache on a miss.
func (r *Renderer) Load(ctx context.Context, templateID string, src model.TemplateSource) (*model.Template, error) {
	if templateID == "" {
		return nil, errx.NotFound(nil, "template not found")
	}
	if t, ok := r.cache.Template(ctx, templateID); ok {
		return t, nil
	}
	t, err := src.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	r.cache.PutTemplate(ctx, t)
	return t, nil
}

// Render loads templateID and substitutes its content and system prompt.
func (r *Renderer) Render(ctx context.Context, templateID string, vc model.VarContext, src model.TemplateSource) (*Rendered, error) {
	t, err := r.Load(ctx, templateID, src)
	if err != nil {
		return nil, err
	}
	return r.RenderTemplate(ctx, t, vc)
}

// RenderTemplate substitutes an already loaded template.
func (r *Renderer) RenderTemplate(ctx context.Context, t *model.Template, vc model.VarContext) (*Rendered, error) {
	if t == nil {
		return nil, fmt.Errorf("render: nil template")
	}
	content, err := r.Substitute(ctx, t.Content, vc)
	if err != nil {
		return nil, err
	}
	system, err := r.Substitute(ctx, t.SystemPrompt, vc)
	if err != nil {
		return nil, err
	}

	// Wrap via Eino prompt component using a messages placeholder to emit callbacks.
	msgs := []*schema.Message{schema.UserMessage(content)}
	if system != "" {
		msgs = append([]*schema.Message{schema.SystemMessage(system)}, msgs...)
	}
	tpl := prompt.FromMessages(
		schema.FString,
		schema.MessagesPlaceholder("template_messages", false),
	)
	out, err := tpl.Format(ctx, map[string]any{"template_messages": msgs})
	if err != nil {
		return nil, fmt.Errorf("template %s prompt callbacks: %w", t.ID, err)
	}

	res := &Rendered{Template: t}
	for _, m := range out {
		if m == nil {
			continue
		}
		if m.Role == schema.System {
			res.SystemPrompt = m.Content
		} else {
			res.Prompt = m.Content
		}
	}
	return res, nil
}

// Substitute replaces placeholders that name registered variables. Any other
// brace sequence, JSON included, is left byte for byte.
func (r *Renderer) Substitute(ctx context.Context, text string, vc model.VarContext) (string, error) {
	if text == "" || !strings.Contains(text, "{") {
		return text, nil
	}

	type token struct {
		literal string
		name    string
		double  bool
	}
	seen := make(map[string]bool)
	var tokens []token
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		tok := token{literal: m[0], name: m[2]}
		if m[1] != "" {
			tok.name, tok.double = m[1], true
		}
		if seen[tok.literal] || !r.registry.Has(tok.name) {
			continue
		}
		seen[tok.literal] = true
		tokens = append(tokens, tok)
	}
	if len(tokens) == 0 {
		return text, nil
	}

	// Double-brace tokens go first so "{{x}}" never degrades to "{" + value + "}".
	sort.SliceStable(tokens, func(i, j int) bool { return tokens[i].double && !tokens[j].double })

	values := make(map[string]string, len(tokens))
	pairs := make([]string, 0, 2*len(tokens))
	for _, tok := range tokens {
		v, ok := values[tok.name]
		if !ok {
			var err error
			v, err = r.registry.Resolve(ctx, tok.name, vc)
			if err != nil {
				return "", err
			}
			values[tok.name] = v
		}
		pairs = append(pairs, tok.literal, v)
	}
	return strings.NewReplacer(pairs...).Replace(text), nil
}
