package providers

import (
	"net/http"
	"os"

	"github.com/c360studio/storybench/llm"
)

// DeepInfraProvider implements the DeepInfra OpenAI-compatible API.
type DeepInfraProvider struct {
	openAICompatible
}

func init() {
	llm.RegisterProvider(&DeepInfraProvider{})
}

// Name returns the provider tag.
func (d *DeepInfraProvider) Name() string {
	return "deepinfra"
}

// BuildURL constructs the DeepInfra chat completions endpoint.
func (d *DeepInfraProvider) BuildURL(baseURL, _ string) string {
	return chatCompletionsURL(baseURL, "https://api.deepinfra.com/v1/openai")
}

// SetHeaders adds DeepInfra authentication headers.
func (d *DeepInfraProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("DEEPINFRA_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}
