package providers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/storybench/llm"
)

func TestAllProviderTagsRegistered(t *testing.T) {
	for _, tag := range []string{"openai", "anthropic", "deepinfra", "google", "local"} {
		assert.NotNil(t, llm.GetProvider(tag), "provider %s not registered", tag)
	}
}

func TestOpenAIBuildURL(t *testing.T) {
	p := &OpenAIProvider{}
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", p.BuildURL("", "gpt-4o"))
	assert.Equal(t, "http://localhost:8080/v1/chat/completions", p.BuildURL("http://localhost:8080/v1/", "gpt-4o"))
	assert.Equal(t, "http://x/v1/chat/completions", p.BuildURL("http://x/v1/chat/completions", "gpt-4o"))
}

func TestOpenAIBuildRequestBody(t *testing.T) {
	p := &OpenAIProvider{}
	temp := 0.8
	body, err := p.BuildRequestBody("gpt-4o", "write", &temp, 2048)
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "gpt-4o", req["model"])
	assert.Equal(t, 0.8, req["temperature"])
	assert.Equal(t, 2048.0, req["max_tokens"])

	msgs := req["messages"].([]any)
	require.Len(t, msgs, 1)
	msg := msgs[0].(map[string]any)
	assert.Equal(t, "user", msg["role"])
	assert.Equal(t, "write", msg["content"])
}

func TestOpenAIOmitsNilTemperature(t *testing.T) {
	p := &OpenAIProvider{}
	body, err := p.BuildRequestBody("gpt-4o", "write", nil, 0)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "temperature")
	assert.NotContains(t, string(body), "max_tokens")
}

func TestOpenAIParseResponse(t *testing.T) {
	p := &OpenAIProvider{}
	body := []byte(`{
		"choices": [{"message": {"role": "assistant", "content": "A story."}, "finish_reason": "length"}],
		"usage": {"prompt_tokens": 5, "completion_tokens": 9, "total_tokens": 14}
	}`)

	result, err := p.ParseResponse(body, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "A story.", result.Text)
	assert.Equal(t, "length", result.FinishReason)
	assert.Equal(t, 14, result.Usage.TotalTokens)

	_, err = p.ParseResponse([]byte(`{"choices": []}`), "gpt-4o")
	assert.Error(t, err)
}

func TestAnthropicBuildRequestBody(t *testing.T) {
	p := &AnthropicProvider{}
	body, err := p.BuildRequestBody("claude-sonnet-4", "write", nil, 0)
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	// max_tokens is mandatory on the messages API
	assert.Equal(t, 4096.0, req["max_tokens"])
	assert.Equal(t, "claude-sonnet-4", req["model"])
}

func TestAnthropicParseResponse(t *testing.T) {
	p := &AnthropicProvider{}
	body := []byte(`{
		"content": [
			{"type": "text", "text": "Part one. "},
			{"type": "tool_use", "id": "x"},
			{"type": "text", "text": "Part two."}
		],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 7, "output_tokens": 11}
	}`)

	result, err := p.ParseResponse(body, "claude-sonnet-4")
	require.NoError(t, err)
	assert.Equal(t, "Part one. Part two.", result.Text)
	assert.Equal(t, "end_turn", result.FinishReason)
	assert.Equal(t, 7, result.Usage.PromptTokens)
	assert.Equal(t, 11, result.Usage.CompletionTokens)
	assert.Equal(t, 18, result.Usage.TotalTokens)
}

func TestGoogleBuildURL(t *testing.T) {
	p := &GoogleProvider{}
	assert.Equal(t,
		"https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent",
		p.BuildURL("", "gemini-2.0-flash"))
}

func TestGoogleParseResponse(t *testing.T) {
	p := &GoogleProvider{}
	body := []byte(`{
		"candidates": [{
			"content": {"parts": [{"text": "Once "}, {"text": "more."}], "role": "model"},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 4, "candidatesTokenCount": 2, "totalTokenCount": 6}
	}`)

	result, err := p.ParseResponse(body, "gemini-2.0-flash")
	require.NoError(t, err)
	assert.Equal(t, "Once more.", result.Text)
	assert.Equal(t, "stop", result.FinishReason)
	assert.Equal(t, 6, result.Usage.TotalTokens)

	_, err = p.ParseResponse([]byte(`{"candidates": []}`), "gemini-2.0-flash")
	assert.Error(t, err)
}

func TestLocalBuildURLDefaultsToOllama(t *testing.T) {
	p := &LocalProvider{}
	assert.Equal(t, "http://localhost:11434/v1/chat/completions", p.BuildURL("", "llama3"))
}
