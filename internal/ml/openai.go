package ml

import (
	"context"
	"errors"

	"github.com/sashabaranov/go-openai"

	"github.com/franckalain/nutrilog/internal/models"
)

const systemPrompt = "You are a nutritionist. You estimate the energy and macronutrients of food and answer only with JSON."

// OpenAIFactory creates estimators for an OpenAI-compatible chat endpoint.
type OpenAIFactory struct {
	config OpenAIConfig
}

// NewOpenAIFactory creates a new OpenAI estimator factory.
func NewOpenAIFactory(config OpenAIConfig) *OpenAIFactory {
	return &OpenAIFactory{config: config}
}

func (f *OpenAIFactory) CreateEstimator(_ context.Context, apiKey string) (Estimator, error) {
	if apiKey == "" {
		return nil, ErrMissingKey
	}
	cfg := openai.DefaultConfig(apiKey)
	if f.config.BaseURL != "" {
		cfg.BaseURL = f.config.BaseURL
	}
	return &OpenAIEstimator{client: openai.NewClientWithConfig(cfg), model: f.config.Model}, nil
}

// OpenAIEstimator estimates with a chat completion in JSON mode.
type OpenAIEstimator struct {
	client *openai.Client
	model  string
}

func (o *OpenAIEstimator) Estimate(ctx context.Context, description string) (models.Estimate, error) {
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(description)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return models.Estimate{}, &EstimationError{Provider: "openai", Err: err}
	}
	if len(resp.Choices) == 0 {
		return models.Estimate{}, &EstimationError{Provider: "openai", Err: errors.New("no choices returned")}
	}
	est, err := parseEstimate(resp.Choices[0].Message.Content, description)
	if err != nil {
		return models.Estimate{}, &EstimationError{Provider: "openai", Err: err}
	}
	return est, nil
}
