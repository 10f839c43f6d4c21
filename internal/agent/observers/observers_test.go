package observers

import (
	"context"
	"testing"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastUserContent(t *testing.T) {
	msgs := []*schema.Message{
		schema.SystemMessage("sys"),
		schema.UserMessage(" first "),
		nil,
		schema.AssistantMessage("reply", nil),
		schema.UserMessage(" second "),
	}
	assert.Equal(t, "second", lastUserContent(msgs))
	assert.Equal(t, "", lastUserContent(nil))
}

func TestClip(t *testing.T) {
	long := make([]byte, maxLoggedContent+10)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, clip(string(long)), maxLoggedContent+3)
	assert.Equal(t, "short", clip("short"))
}

func TestCallbacksRunAroundPromptFormat(t *testing.T) {
	ctx := einocb.InitCallbacks(context.Background(), &einocb.RunInfo{
		Name:      "test",
		Component: components.ComponentOfPrompt,
	}, NewAllCallbacks())

	tpl := prompt.FromMessages(schema.FString, schema.MessagesPlaceholder("m", false))
	out, err := tpl.Format(ctx, map[string]any{"m": []*schema.Message{schema.UserMessage("{kept}")}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "{kept}", out[0].Content)

	_, name := runName(nil)
	assert.Empty(t, name)
}
