package llm

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"google.golang.org/genai"

	"github.com/Chative-core-poc-v1/turnflow/internal/agent/model"
	logx "github.com/Chative-core-poc-v1/turnflow/pkg/logger"
)

// ChatModelConfig holds the configuration for chat model creation
type ChatModelConfig struct {
	APIKey     string
	BaseURL    string
	Classifier *model.ClassifierModelConfig
	Response   *model.ResponseModelConfig
}

// ChatModels holds the classifier model (selection, extraction) and the
// response model (generation), both backed by one Gemini client.
type ChatModels struct {
	Classifier          *gemini.ChatModel
	Response            *gemini.ChatModel
	ClassifierModelName string
	ResponseModelName   string
}

// NewChatModels creates both chat models with the given configuration
func NewChatModels(ctx context.Context, config ChatModelConfig) (*ChatModels, error) {
	if config.Classifier == nil || config.Response == nil {
		return nil, fmt.Errorf("chat model config incomplete")
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = config.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	// Classification output is short; keep its thinking budget small.
	classifier, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.Classifier.Model,
		Temperature: &config.Classifier.Temperature,
		MaxTokens:   &config.Classifier.MaxTokens,
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  genai.Ptr(int32(512)),
		},
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating classifier model")
		return nil, fmt.Errorf("error creating classifier model: %w", err)
	}

	response, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.Response.Model,
		Temperature: &config.Response.Temperature,
		MaxTokens:   &config.Response.MaxTokens,
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  genai.Ptr(int32(2000)),
		},
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating response model")
		return nil, fmt.Errorf("error creating response model: %w", err)
	}

	return &ChatModels{
		Classifier:          classifier,
		Response:            response,
		ClassifierModelName: config.Classifier.Model,
		ResponseModelName:   config.Response.Model,
	}, nil
}

// Models adapts the pair for NewGateway.
func (cm *ChatModels) Models() Models {
	return Models{
		Classifier:     cm.Classifier,
		Response:       cm.Response,
		ClassifierName: cm.ClassifierModelName,
		ResponseName:   cm.ResponseModelName,
	}
}
