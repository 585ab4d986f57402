package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment overrides applied after the file is read. Secrets stay
// out of config files this way.
const (
	EnvStoreURI           = "ARTIFACT_STORE_URI"
	EnvContentSourceURL   = "CONTENT_SOURCE_URL"
	EnvContentSourceToken = "CONTENT_SOURCE_TOKEN"
)

// Load reads, overrides, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromFile parses a config file over the defaults. Unknown fields
// are rejected so typos fail loudly instead of silently using defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvStoreURI); v != "" {
		c.Storage.URI = v
	}
	if v := os.Getenv(EnvContentSourceURL); v != "" {
		c.ContentSource.URL = v
	}
	if v := os.Getenv(EnvContentSourceToken); v != "" {
		c.ContentSource.Token = v
	}
}
