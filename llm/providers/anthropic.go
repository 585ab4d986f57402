package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/storybench/llm"
)

// AnthropicProvider implements the Anthropic messages API.
type AnthropicProvider struct{}

// anthropicVersion is the API version to use.
const anthropicVersion = "2023-06-01"

func init() {
	llm.RegisterProvider(&AnthropicProvider{})
}

// Name returns the provider tag.
func (a *AnthropicProvider) Name() string {
	return "anthropic"
}

// BuildURL constructs the Anthropic messages endpoint.
func (a *AnthropicProvider) BuildURL(baseURL, _ string) string {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	return baseURL + "/v1/messages"
}

// SetHeaders adds Anthropic authentication headers.
func (a *AnthropicProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	req.Header.Set("anthropic-version", anthropicVersion)
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BuildRequestBody creates the Anthropic API request body.
func (a *AnthropicProvider) BuildRequestBody(modelID, input string, temperature *float64, maxTokens int) ([]byte, error) {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	req := anthropicRequest{
		Model:       modelID,
		MaxTokens:   maxTokens,
		Messages:    []anthropicMessage{{Role: "user", Content: input}},
		Temperature: temperature,
	}
	return json.Marshal(req)
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ParseResponse extracts the result from an Anthropic response.
func (a *AnthropicProvider) ParseResponse(body []byte, _ string) (*llm.Result, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse anthropic response: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &llm.Result{
		Text: text,
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		FinishReason: resp.StopReason,
	}, nil
}
