// Package observers turns eino component callbacks into structured logs.
package observers

import (
	einocb "github.com/cloudwego/eino/callbacks"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"
)

// NewAllCallbacks aggregates the prompt and chat model handlers into one callbacks.Handler.
func NewAllCallbacks() einocb.Handler {
	return callbackHelper.NewHandlerHelper().
		ChatModel(newModelHandler()).
		Prompt(newPromptHandler()).
		Handler()
}

func runName(info *einocb.RunInfo) (string, string) {
	if info == nil {
		return "", ""
	}
	return string(info.Component), info.Name
}
