package model

import "fmt"

// Spec describes one model under evaluation.
type Spec struct {
	// Name is the human-readable label used in configs and reports.
	Name string `json:"name"`

	// ModelID is the identifier sent to the provider API.
	ModelID string `json:"model_id"`

	// Provider is the provider tag used by the rate governor.
	Provider ProviderTag `json:"provider_tag"`

	// ContextWindowTokens is the model's declared context window size.
	ContextWindowTokens int `json:"context_window_tokens"`

	// MaxOutputTokens limits response length per generation.
	MaxOutputTokens int `json:"max_output_tokens"`

	// Temperature controls randomness. nil uses the provider default.
	Temperature *float64 `json:"temperature,omitempty"`

	// BaseURL overrides the provider's default endpoint URL. Used for
	// local and OpenAI-compatible endpoints.
	BaseURL string `json:"base_url,omitempty"`

	// Enabled controls whether the model participates in runs.
	Enabled bool `json:"enabled"`
}

// Validate checks the spec fields.
func (s *Spec) Validate() error {
	if s.ModelID == "" {
		return fmt.Errorf("model_id is required")
	}
	if _, err := ParseProviderTag(string(s.Provider)); err != nil {
		return fmt.Errorf("model %s: %w", s.ModelID, err)
	}
	if s.ContextWindowTokens <= 0 {
		return fmt.Errorf("model %s: context_window_tokens must be positive", s.ModelID)
	}
	if s.MaxOutputTokens <= 0 {
		return fmt.Errorf("model %s: max_output_tokens must be positive", s.ModelID)
	}
	if s.MaxOutputTokens >= s.ContextWindowTokens {
		return fmt.Errorf("model %s: max_output_tokens must be smaller than context window", s.ModelID)
	}
	if s.Temperature != nil && (*s.Temperature < 0 || *s.Temperature > 2) {
		return fmt.Errorf("model %s: temperature must be between 0 and 2", s.ModelID)
	}
	return nil
}
