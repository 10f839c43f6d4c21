package observers

import (
	"context"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/prompt"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"

	logx "github.com/Chative-core-poc-v1/turnflow/pkg/logger"
)

func newPromptHandler() *callbackHelper.PromptCallbackHandler {
	return &callbackHelper.PromptCallbackHandler{
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *prompt.CallbackOutput) context.Context {
			component, name := runName(info)
			ev := logx.Debug().Str("component", component).Str("name", name)
			if output != nil {
				ev = ev.Int("messages", len(output.Result))
				for _, m := range output.Result {
					if m != nil {
						ev = ev.Str(string(m.Role), clip(m.Content))
					}
				}
			}
			ev.Msg("prompt rendered")
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			component, name := runName(info)
			logx.Warn().Err(err).Str("component", component).Str("name", name).Msg("prompt render error")
			return ctx
		},
	}
}
