package providers

import (
	"net/http"
	"os"

	"github.com/c360studio/storybench/llm"
)

// LocalProvider implements the OpenAI-compatible API exposed by local
// inference servers (Ollama, vLLM, llama.cpp server).
type LocalProvider struct {
	openAICompatible
}

func init() {
	llm.RegisterProvider(&LocalProvider{})
}

// Name returns the provider tag.
func (l *LocalProvider) Name() string {
	return "local"
}

// BuildURL constructs the local chat completions endpoint.
func (l *LocalProvider) BuildURL(baseURL, _ string) string {
	return chatCompletionsURL(baseURL, "http://localhost:11434/v1")
}

// SetHeaders adds an API key when the local server requires one.
func (l *LocalProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("LOCAL_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}
