package models

import (
	"context"
	"time"

	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"github.com/nrn-labs/undoable/internal/config"
)

const (
	defaultMistralBaseURL = "https://api.mistral.ai/v1"
	defaultMistralModel   = "mistral-small-latest"
)

// NewOpenAI creates an OpenAI ChatModel.
func NewOpenAI(ctx context.Context, cfg config.ProviderConfig, auth ResolvedAuth) (model.ToolCallingChatModel, error) {
	return newOpenAICompatible(ctx, cfg, auth, cfg.BaseURL, cfg.Model, 60*time.Second)
}

// NewMistral creates a Mistral ChatModel through its OpenAI-compatible API.
func NewMistral(ctx context.Context, cfg config.ProviderConfig, auth ResolvedAuth) (model.ToolCallingChatModel, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultMistralBaseURL
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultMistralModel
	}
	return newOpenAICompatible(ctx, cfg, auth, baseURL, modelName, 5*time.Minute)
}

func newOpenAICompatible(ctx context.Context, cfg config.ProviderConfig, auth ResolvedAuth, baseURL, modelName string, defaultTimeout time.Duration) (model.ToolCallingChatModel, error) {
	mc := &einoopenai.ChatModelConfig{
		APIKey:  auth.Value,
		Model:   modelName,
		BaseURL: baseURL,
		Timeout: defaultTimeout,
	}
	if cfg.Timeout.Duration() > 0 {
		mc.Timeout = cfg.Timeout.Duration()
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		mc.MaxCompletionTokens = &maxTokens
	}
	if temp, ok := cfg.Options["temperature"].(float64); ok {
		t := float32(temp)
		mc.Temperature = &t
	}
	if topP, ok := cfg.Options["top_p"].(float64); ok {
		p := float32(topP)
		mc.TopP = &p
	}
	return einoopenai.NewChatModel(ctx, mc)
}
