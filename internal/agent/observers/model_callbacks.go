package observers

import (
	"context"
	"strings"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"

	logx "github.com/Chative-core-poc-v1/turnflow/pkg/logger"
)

// maxLoggedContent bounds message bodies written to debug logs.
const maxLoggedContent = 2000

// newModelHandler logs the message context around model calls at debug level.
func newModelHandler() *callbackHelper.ModelCallbackHandler {
	return &callbackHelper.ModelCallbackHandler{
		OnStart: func(ctx context.Context, info *einocb.RunInfo, input *model.CallbackInput) context.Context {
			component, name := runName(info)
			ev := logx.Debug().Str("component", component).Str("name", name)
			if input != nil && len(input.Messages) > 0 {
				ev = ev.Int("messages", len(input.Messages)).
					Str("user", clip(lastUserContent(input.Messages)))
			}
			ev.Msg("model call start")
			return ctx
		},
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *model.CallbackOutput) context.Context {
			component, name := runName(info)
			ev := logx.Debug().Str("component", component).Str("name", name)
			if output != nil {
				if output.Message != nil {
					ev = ev.Str("assistant", clip(strings.TrimSpace(output.Message.Content)))
				}
				if output.TokenUsage != nil {
					ev = ev.Int("prompt_tokens", output.TokenUsage.PromptTokens).
						Int("completion_tokens", output.TokenUsage.CompletionTokens)
				}
			}
			ev.Msg("model call end")
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			component, name := runName(info)
			logx.Warn().Err(err).Str("component", component).Str("name", name).Msg("model call error")
			return ctx
		},
	}
}

func lastUserContent(msgs []*schema.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m == nil {
			continue
		}
		if m.Role == schema.User {
			return strings.TrimSpace(m.Content)
		}
	}
	return ""
}

func clip(s string) string {
	if len(s) <= maxLoggedContent {
		return s
	}
	return s[:maxLoggedContent] + "..."
}
