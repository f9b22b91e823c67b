package ml

// Config selects and configures the estimation provider.
type Config struct {
	// Type is "google", "openai" or "placeholder".
	Type   string       `koanf:"type"`
	Google GoogleConfig `koanf:"google"`
	OpenAI OpenAIConfig `koanf:"openai"`
}

// GoogleConfig holds configuration for Gemini on Vertex AI.
type GoogleConfig struct {
	ProjectID       string `koanf:"project_id"`
	Location        string `koanf:"location"`
	CredentialsFile string `koanf:"credentials_file"`
	Model           string `koanf:"model"`
}

// OpenAIConfig holds configuration for an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
}

func (c *Config) applyDefaults() {
	if c.Type == "" {
		c.Type = "google"
	}
	if c.Google.Location == "" {
		c.Google.Location = "us-central1"
	}
	if c.Google.Model == "" {
		c.Google.Model = "gemini-2.5-flash"
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o-mini"
	}
}
