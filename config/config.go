// Package config loads and validates StoryBench configuration from a
// YAML file with environment variable overrides.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/storybench/model"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "90s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level StoryBench configuration.
type Config struct {
	Storage       StorageConfig       `yaml:"storage"`
	ContentSource ContentSourceConfig `yaml:"content_source"`
	Run           RunConfig           `yaml:"run"`
	Judge         JudgeConfig         `yaml:"judge"`
	Providers     map[string]ProviderConfig `yaml:"providers"`
	Models        []ModelConfig       `yaml:"models"`
}

// StorageConfig selects the artifact store backend.
type StorageConfig struct {
	// URI selects the backend: "memory" or "nats://host:port".
	URI string `yaml:"uri"`
}

// ContentSourceConfig selects where the battery and criteria come from.
// Exactly one of URL or File must be set.
type ContentSourceConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	File  string `yaml:"file"`
}

// RunConfig holds execution knobs.
type RunConfig struct {
	RunsPerSequence    int        `yaml:"runs_per_sequence"`
	ModelParallelism   int        `yaml:"model_parallelism"`
	RequestTimeout     Duration   `yaml:"request_timeout"`
	RetrySchedule      []Duration `yaml:"retry_schedule"`
	SafetyMarginTokens int        `yaml:"safety_margin_tokens"`
	SnapshotPath       string     `yaml:"snapshot_path"`
	SnapshotInterval   Duration   `yaml:"snapshot_interval"`
}

// RetryDurations returns the retry schedule as time.Durations.
func (r RunConfig) RetryDurations() []time.Duration {
	out := make([]time.Duration, len(r.RetrySchedule))
	for i, d := range r.RetrySchedule {
		out[i] = d.Std()
	}
	return out
}

// JudgeConfig selects the judge model. Empty ModelID disables judging.
type JudgeConfig struct {
	ModelID string `yaml:"model_id"`
}

// ProviderConfig overrides rate limits for one provider.
type ProviderConfig struct {
	MaxConcurrent    int      `yaml:"max_concurrent"`
	FailureThreshold int      `yaml:"failure_threshold"`
	FailureWindow    Duration `yaml:"failure_window"`
	OpenCooldown     Duration `yaml:"open_cooldown"`
}

// ModelConfig declares one model under evaluation.
type ModelConfig struct {
	Name                string   `yaml:"name"`
	ModelID             string   `yaml:"model_id"`
	Provider            string   `yaml:"provider"`
	ContextWindowTokens int      `yaml:"context_window_tokens"`
	MaxOutputTokens     int      `yaml:"max_output_tokens"`
	Temperature         *float64 `yaml:"temperature"`
	BaseURL             string   `yaml:"base_url"`
	Disabled            bool     `yaml:"disabled"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{URI: "memory"},
		Run: RunConfig{
			RunsPerSequence:    3,
			ModelParallelism:   1,
			RequestTimeout:     Duration(180 * time.Second),
			RetrySchedule:      []Duration{Duration(5 * time.Second), Duration(15 * time.Second), Duration(45 * time.Second)},
			SafetyMarginTokens: 512,
			SnapshotInterval:   Duration(5 * time.Second),
		},
	}
}

// Validate checks cross-field constraints after loading.
func (c *Config) Validate() error {
	if c.Storage.URI == "" {
		return fmt.Errorf("storage.uri is required")
	}
	if (c.ContentSource.URL == "") == (c.ContentSource.File == "") {
		return fmt.Errorf("exactly one of content_source.url or content_source.file must be set")
	}
	if c.Run.RunsPerSequence < 1 {
		return fmt.Errorf("run.runs_per_sequence must be at least 1")
	}
	if c.Run.ModelParallelism < 1 {
		return fmt.Errorf("run.model_parallelism must be at least 1")
	}
	if c.Run.RequestTimeout <= 0 {
		return fmt.Errorf("run.request_timeout must be positive")
	}
	if c.Run.SafetyMarginTokens < 0 {
		return fmt.Errorf("run.safety_margin_tokens must not be negative")
	}
	for _, d := range c.Run.RetrySchedule {
		if d <= 0 {
			return fmt.Errorf("run.retry_schedule entries must be positive")
		}
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model must be configured")
	}

	specs, err := c.ModelSpecs()
	if err != nil {
		return err
	}
	if _, err := model.NewRegistry(specs); err != nil {
		return err
	}

	if c.Judge.ModelID != "" {
		found := false
		for _, m := range c.Models {
			if m.ModelID == c.Judge.ModelID {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("judge.model_id %q is not in the models list", c.Judge.ModelID)
		}
	}

	for name, p := range c.Providers {
		if _, err := model.ParseProviderTag(name); err != nil {
			return fmt.Errorf("providers.%s: %w", name, err)
		}
		if p.MaxConcurrent < 0 || p.FailureThreshold < 0 {
			return fmt.Errorf("providers.%s: limits must not be negative", name)
		}
	}

	return nil
}

// ModelSpecs converts the configured models into registry specs.
func (c *Config) ModelSpecs() ([]model.Spec, error) {
	specs := make([]model.Spec, 0, len(c.Models))
	for i, m := range c.Models {
		tag, err := model.ParseProviderTag(m.Provider)
		if err != nil {
			return nil, fmt.Errorf("models[%d] (%s): %w", i, m.ModelID, err)
		}
		spec := model.Spec{
			Name:                m.Name,
			ModelID:             m.ModelID,
			Provider:            tag,
			ContextWindowTokens: m.ContextWindowTokens,
			MaxOutputTokens:     m.MaxOutputTokens,
			Temperature:         m.Temperature,
			BaseURL:             m.BaseURL,
			Enabled:             !m.Disabled,
		}
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("models[%d]: %w", i, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// GovernorLimits merges configured provider overrides over the
// defaults. Zero-valued fields keep their defaults.
func (c *Config) GovernorLimits() map[model.ProviderTag]model.ProviderLimits {
	limits := make(map[model.ProviderTag]model.ProviderLimits)
	for name, p := range c.Providers {
		tag, err := model.ParseProviderTag(name)
		if err != nil {
			continue
		}
		merged := model.DefaultLimits(tag)
		if p.MaxConcurrent > 0 {
			merged.MaxConcurrent = p.MaxConcurrent
		}
		if p.FailureThreshold > 0 {
			merged.FailureThreshold = p.FailureThreshold
		}
		if p.FailureWindow > 0 {
			merged.FailureWindow = p.FailureWindow.Std()
		}
		if p.OpenCooldown > 0 {
			merged.OpenCooldown = p.OpenCooldown.Std()
		}
		limits[tag] = merged
	}
	return limits
}

// JudgeSpec returns the judge model spec, or nil when judging is
// disabled.
func (c *Config) JudgeSpec() (*model.Spec, error) {
	if c.Judge.ModelID == "" {
		return nil, nil
	}
	specs, err := c.ModelSpecs()
	if err != nil {
		return nil, err
	}
	for _, spec := range specs {
		if spec.ModelID == c.Judge.ModelID {
			return &spec, nil
		}
	}
	return nil, fmt.Errorf("judge model %q not configured", c.Judge.ModelID)
}
