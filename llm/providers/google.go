package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/storybench/llm"
)

// GoogleProvider implements the Gemini generateContent API.
type GoogleProvider struct{}

func init() {
	llm.RegisterProvider(&GoogleProvider{})
}

// Name returns the provider tag.
func (g *GoogleProvider) Name() string {
	return "google"
}

// BuildURL constructs the generateContent endpoint for a model.
func (g *GoogleProvider) BuildURL(baseURL, modelID string) string {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent", baseURL, modelID)
}

// SetHeaders adds Gemini authentication headers.
func (g *GoogleProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv("GOOGLE_API_KEY"); apiKey != "" {
		req.Header.Set("x-goog-api-key", apiKey)
	}
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

// BuildRequestBody creates the Gemini API request body.
func (g *GoogleProvider) BuildRequestBody(_, input string, temperature *float64, maxTokens int) ([]byte, error) {
	req := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: input}}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     temperature,
			MaxOutputTokens: maxTokens,
		},
	}
	return json.Marshal(req)
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
			Role  string       `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// ParseResponse extracts the result from a Gemini response.
func (g *GoogleProvider) ParseResponse(body []byte, _ string) (*llm.Result, error) {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse gemini response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in response")
	}

	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		text += part.Text
	}

	return &llm.Result{
		Text: text,
		Usage: llm.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		},
		FinishReason: strings.ToLower(resp.Candidates[0].FinishReason),
	}, nil
}
