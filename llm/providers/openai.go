// Package providers implements the wire adapters for each provider tag.
// Importing the package registers all adapters via init().
package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/storybench/llm"
)

// openAICompatible implements the OpenAI chat completions wire format,
// shared by the openai, deepinfra, and local adapters.
type openAICompatible struct{}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BuildRequestBody creates the OpenAI-compatible request body. The
// assembled input travels as a single user message.
func (o *openAICompatible) BuildRequestBody(modelID, input string, temperature *float64, maxTokens int) ([]byte, error) {
	req := openAIRequest{
		Model:       modelID,
		Messages:    []openAIMessage{{Role: "user", Content: input}},
		Temperature: temperature, // nil = provider default
	}
	if maxTokens > 0 {
		req.MaxTokens = &maxTokens
	}
	return json.Marshal(req)
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ParseResponse extracts the result from an OpenAI-compatible response.
func (o *openAICompatible) ParseResponse(body []byte, _ string) (*llm.Result, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse openai response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	return &llm.Result{
		Text: resp.Choices[0].Message.Content,
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		FinishReason: resp.Choices[0].FinishReason,
	}, nil
}

func chatCompletionsURL(baseURL, defaultBase string) string {
	if baseURL == "" {
		baseURL = defaultBase
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

// OpenAIProvider implements the OpenAI API.
type OpenAIProvider struct {
	openAICompatible
}

func init() {
	llm.RegisterProvider(&OpenAIProvider{})
}

// Name returns the provider tag.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// BuildURL constructs the OpenAI chat completions endpoint.
func (o *OpenAIProvider) BuildURL(baseURL, _ string) string {
	return chatCompletionsURL(baseURL, "https://api.openai.com/v1")
}

// SetHeaders adds OpenAI authentication headers.
func (o *OpenAIProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}
