package ml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/franckalain/nutrilog/internal/models"
)

// Estimator turns a free-text food description into a macro estimate.
type Estimator interface {
	Estimate(ctx context.Context, description string) (models.Estimate, error)
}

// EstimatorFactory creates an estimator bound to an API key.
type EstimatorFactory interface {
	// CreateEstimator returns ErrMissingKey when the provider needs a key and apiKey is empty.
	CreateEstimator(ctx context.Context, apiKey string) (Estimator, error)
}

// ErrMissingKey is returned when no AI key has been configured.
var ErrMissingKey = errors.New("ml: AI key is not configured")

// EstimationError is a failed call to an AI provider.
type EstimationError struct {
	Provider string
	Err      error
}

func (e *EstimationError) Error() string {
	return fmt.Sprintf("%s estimation failed: %v", e.Provider, e.Err)
}

func (e *EstimationError) Unwrap() error {
	return e.Err
}

// NewFactory creates the estimator factory selected by cfg.Type.
func NewFactory(cfg Config) (EstimatorFactory, error) {
	cfg.applyDefaults()
	switch cfg.Type {
	case "google":
		return NewGoogleFactory(cfg.Google), nil
	case "openai":
		return NewOpenAIFactory(cfg.OpenAI), nil
	case "placeholder":
		return PlaceholderFactory{}, nil
	default:
		return nil, fmt.Errorf("unsupported model type: %s", cfg.Type)
	}
}

const estimatePrompt = `Analyze the following food item: %q.
Return a JSON object with this exact structure:
{
  "calories": number,
  "macros": { "protein": number, "carbs": number, "fat": number },
  "micros": { "item_name": number },
  "verdict": "string",
  "name": "string"
}
Strictly return valid JSON.`

func buildPrompt(description string) string {
	return fmt.Sprintf(estimatePrompt, description)
}

// parseEstimate decodes a model reply. Missing numbers count as zero and a
// missing name falls back to the description.
func parseEstimate(text, description string) (models.Estimate, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Estimate{}, errors.New("empty response")
	}

	var out struct {
		Name     string  `json:"name"`
		Calories float64 `json:"calories"`
		Macros   struct {
			Protein float64 `json:"protein"`
			Carbs   float64 `json:"carbs"`
			Fat     float64 `json:"fat"`
		} `json:"macros"`
		Micros  map[string]float64 `json:"micros"`
		Verdict string             `json:"verdict"`
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return models.Estimate{}, fmt.Errorf("failed to parse model response: %w while parsing %s", err, text)
	}

	est := models.Estimate{
		Name:     out.Name,
		Calories: out.Calories,
		Macros:   models.Macros{Protein: out.Macros.Protein, Carbs: out.Macros.Carbs, Fat: out.Macros.Fat},
		Micros:   out.Micros,
		Verdict:  out.Verdict,
	}
	if est.Name == "" {
		est.Name = description
	}
	if est.Verdict == "" {
		est.Verdict = "Analysis complete."
	}
	if est.Micros == nil {
		est.Micros = map[string]float64{}
	}
	if err := models.Validate(est.Macros); err != nil || est.Calories < 0 {
		return models.Estimate{}, fmt.Errorf("model returned negative values: %s", text)
	}
	return est, nil
}
