// Package conversations assembles prior turns into template context.
package conversations

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/Chative-core-poc-v1/turnflow/internal/agent/model"
)

const defaultMaxTurns = 10

// MessageSource lists a conversation's latest messages, oldest first.
type MessageSource interface {
	ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
}

type HistoryBuilder struct {
	maxTurns int
}

func NewHistoryBuilder(config model.PipelineConfig) *HistoryBuilder {
	n := config.HistoryMaxTurns
	if n <= 0 {
		n = defaultMaxTurns
	}
	return &HistoryBuilder{maxTurns: n}
}

// Build renders the last turns of a conversation for the history variable.
// One turn is a user message and its reply. A conversation without messages
// renders as "".
func (hb *HistoryBuilder) Build(ctx context.Context, src MessageSource, conversationID string) (string, error) {
	limit := hb.maxTurns * 2
	stored, err := src.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return "", err
	}
	return hb.buildContext(toSchema(stored)), nil
}

func (hb *HistoryBuilder) buildContext(messages []*schema.Message) string {
	recentMessages := trimTail(messages, hb.maxTurns*2)

	var contextBuilder strings.Builder
	for _, msg := range recentMessages {
		if msg == nil || msg.Content == "" {
			continue
		}
		switch msg.Role {
		case schema.User:
			contextBuilder.WriteString("UserMessage(" + msg.Content + ")\n")
		case schema.Assistant:
			contextBuilder.WriteString("AssistantMessage(" + msg.Content + ")\n")
		}
	}
	if contextBuilder.Len() == 0 {
		return ""
	}
	return "<conversation_context>\n" + contextBuilder.String() + "</conversation_context>"
}

func toSchema(stored []model.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(stored))
	for _, m := range stored {
		switch m.SenderType {
		case model.SenderUser:
			out = append(out, schema.UserMessage(m.Content))
		case model.SenderAgent:
			out = append(out, schema.AssistantMessage(m.Content, nil))
		default:
			out = append(out, schema.SystemMessage(m.Content))
		}
	}
	return out
}

// ====================== Helper function ======================
func trimTail(messages []*schema.Message, maxMessages int) []*schema.Message {
	if maxMessages <= 0 || len(messages) <= maxMessages {
		result := make([]*schema.Message, len(messages))
		copy(result, messages)
		return result
	}
	source := messages[len(messages)-maxMessages:]
	result := make([]*schema.Message, len(source))
	copy(result, source)
	return result
}
