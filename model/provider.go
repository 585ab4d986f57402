// Package model defines model specifications and the registry used to
// resolve which models participate in a run.
package model

import (
	"fmt"
	"time"
)

// ProviderTag identifies the provider behind a model endpoint. It is the
// key the rate governor uses for concurrency limits and circuit breaking.
type ProviderTag string

// Known provider tags. Adding a provider means declaring its tag here and
// its default limits in defaultLimits below.
const (
	ProviderOpenAI    ProviderTag = "openai"
	ProviderAnthropic ProviderTag = "anthropic"
	ProviderDeepInfra ProviderTag = "deepinfra"
	ProviderGoogle    ProviderTag = "google"
	ProviderLocal     ProviderTag = "local"
)

// ParseProviderTag validates a provider tag string.
func ParseProviderTag(s string) (ProviderTag, error) {
	switch tag := ProviderTag(s); tag {
	case ProviderOpenAI, ProviderAnthropic, ProviderDeepInfra, ProviderGoogle, ProviderLocal:
		return tag, nil
	default:
		return "", fmt.Errorf("unknown provider tag: %q", s)
	}
}

// ProviderTags returns all known provider tags.
func ProviderTags() []ProviderTag {
	return []ProviderTag{
		ProviderOpenAI,
		ProviderAnthropic,
		ProviderDeepInfra,
		ProviderGoogle,
		ProviderLocal,
	}
}

// ProviderLimits holds the rate-control defaults for one provider tag.
type ProviderLimits struct {
	// MaxConcurrent bounds in-flight generator calls for the provider.
	MaxConcurrent int

	// FailureThreshold is the consecutive-failure count that trips the
	// circuit breaker.
	FailureThreshold int

	// FailureWindow is the rolling window over which failures are counted.
	FailureWindow time.Duration

	// OpenCooldown is how long the breaker stays open before admitting
	// a single probe.
	OpenCooldown time.Duration
}

var defaultLimits = map[ProviderTag]ProviderLimits{
	ProviderOpenAI:    {MaxConcurrent: 12, FailureThreshold: 5, FailureWindow: 60 * time.Second, OpenCooldown: 30 * time.Second},
	ProviderAnthropic: {MaxConcurrent: 10, FailureThreshold: 5, FailureWindow: 60 * time.Second, OpenCooldown: 30 * time.Second},
	ProviderDeepInfra: {MaxConcurrent: 8, FailureThreshold: 5, FailureWindow: 60 * time.Second, OpenCooldown: 30 * time.Second},
	ProviderGoogle:    {MaxConcurrent: 10, FailureThreshold: 5, FailureWindow: 60 * time.Second, OpenCooldown: 30 * time.Second},
	ProviderLocal:     {MaxConcurrent: 2, FailureThreshold: 3, FailureWindow: 60 * time.Second, OpenCooldown: 15 * time.Second},
}

// DefaultLimits returns the default rate-control limits for a provider tag.
func DefaultLimits(tag ProviderTag) ProviderLimits {
	if limits, ok := defaultLimits[tag]; ok {
		return limits
	}
	// Conservative fallback for tags added without defaults.
	return ProviderLimits{MaxConcurrent: 1, FailureThreshold: 3, FailureWindow: 60 * time.Second, OpenCooldown: 30 * time.Second}
}
