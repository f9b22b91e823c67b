package ml

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/option"

	"github.com/franckalain/nutrilog/internal/models"
)

// GoogleFactory creates Gemini estimators on Vertex AI.
type GoogleFactory struct {
	config GoogleConfig
}

// NewGoogleFactory creates a new Google estimator factory.
func NewGoogleFactory(config GoogleConfig) *GoogleFactory {
	return &GoogleFactory{config: config}
}

// CreateEstimator authenticates with apiKey, or with the configured
// credentials file when no key is set.
func (f *GoogleFactory) CreateEstimator(ctx context.Context, apiKey string) (Estimator, error) {
	var opts []option.ClientOption
	switch {
	case apiKey != "":
		opts = append(opts, option.WithAPIKey(apiKey))
	case f.config.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(f.config.CredentialsFile))
	default:
		return nil, ErrMissingKey
	}
	if f.config.ProjectID == "" {
		return nil, errors.New("google project id is not set")
	}

	client, err := genai.NewClient(ctx, f.config.ProjectID, f.config.Location, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	model := client.GenerativeModel(f.config.Model)
	model.ResponseMIMEType = "application/json"
	return &GoogleEstimator{client: client, model: model}, nil
}

// GoogleEstimator estimates with a Gemini model.
type GoogleEstimator struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// Estimate asks Gemini for a JSON estimate of description.
func (m *GoogleEstimator) Estimate(ctx context.Context, description string) (models.Estimate, error) {
	resp, err := m.model.GenerateContent(ctx, genai.Text(buildPrompt(description)))
	if err != nil {
		return models.Estimate{}, &EstimationError{Provider: "google", Err: err}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return models.Estimate{}, &EstimationError{Provider: "google", Err: errors.New("no response generated")}
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	est, err := parseEstimate(b.String(), description)
	if err != nil {
		return models.Estimate{}, &EstimationError{Provider: "google", Err: err}
	}
	return est, nil
}

// Close releases the Vertex AI client.
func (m *GoogleEstimator) Close() error {
	return m.client.Close()
}
