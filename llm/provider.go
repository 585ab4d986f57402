package llm

import (
	"net/http"
	"sync"
)

// Provider defines the wire adapter for one LLM provider API.
type Provider interface {
	// Name returns the provider tag this adapter serves.
	Name() string

	// BuildURL constructs the full API endpoint URL. An empty baseURL
	// selects the provider's default endpoint.
	BuildURL(baseURL, modelID string) string

	// SetHeaders adds provider-specific headers to the request.
	SetHeaders(req *http.Request)

	// BuildRequestBody creates the JSON request body. temperature is nil
	// to use the provider default.
	BuildRequestBody(modelID, input string, temperature *float64, maxTokens int) ([]byte, error)

	// ParseResponse extracts the generation result from provider JSON.
	ParseResponse(body []byte, modelID string) (*Result, error)
}

var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider adapter to the registry.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider adapter by tag.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// ListProviders returns all registered provider tags.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()

	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	return names
}
