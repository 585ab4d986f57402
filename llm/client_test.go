package llm_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/storybench/llm"
	_ "github.com/c360studio/storybench/llm/providers"
	"github.com/c360studio/storybench/model"
)

func testModel(baseURL string) model.Spec {
	return model.Spec{
		Name:                "test",
		ModelID:             "gpt-test",
		Provider:            model.ProviderOpenAI,
		ContextWindowTokens: 8000,
		MaxOutputTokens:     1000,
		BaseURL:             baseURL,
		Enabled:             true,
	}
}

const okResponse = `{
	"id": "cmpl-1",
	"model": "gpt-test",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "Once upon a time."}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 12, "completion_tokens": 6, "total_tokens": 18}
}`

func TestClientGenerateSuccess(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-key")

	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(okResponse))
	}))
	defer server.Close()

	client := llm.NewClient(llm.WithRequestTimeout(5 * time.Second))
	result, err := client.Generate(context.Background(), llm.Request{
		Model: testModel(server.URL),
		Input: "Write an opening line.",
	})
	require.NoError(t, err)

	assert.Equal(t, "Once upon a time.", result.Text)
	assert.Equal(t, 12, result.Usage.PromptTokens)
	assert.Equal(t, 6, result.Usage.CompletionTokens)
	assert.Equal(t, "stop", result.FinishReason)
	assert.Greater(t, result.Duration, time.Duration(0))
	assert.Equal(t, "Bearer test-key", gotAuth)
}

func TestClientClassifiesHTTPErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"rate limited is transient", http.StatusTooManyRequests, llm.IsTransient},
		{"server error is transient", http.StatusInternalServerError, llm.IsTransient},
		{"unauthorized is fatal", http.StatusUnauthorized, llm.IsFatal},
		{"bad request is fatal", http.StatusBadRequest, llm.IsFatal},
		{"request timeout is timeout", http.StatusRequestTimeout, llm.IsTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			client := llm.NewClient(llm.WithRequestTimeout(5 * time.Second))
			_, err := client.Generate(context.Background(), llm.Request{
				Model: testModel(server.URL),
				Input: "hello",
			})
			require.Error(t, err)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}
}

func TestClientTimesOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(500 * time.Millisecond)
		_, _ = w.Write([]byte(okResponse))
	}))
	defer server.Close()

	client := llm.NewClient(llm.WithRequestTimeout(50 * time.Millisecond))
	_, err := client.Generate(context.Background(), llm.Request{
		Model: testModel(server.URL),
		Input: "hello",
	})
	require.Error(t, err)
	assert.True(t, llm.IsTimeout(err), "got %v", err)
}

func TestClientChecksContextFitBeforeIO(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		_, _ = w.Write([]byte(okResponse))
	}))
	defer server.Close()

	spec := testModel(server.URL)
	spec.ContextWindowTokens = 1200 // 1000 output + margin leaves almost nothing

	client := llm.NewClient(llm.WithSafetyMargin(100))
	_, err := client.Generate(context.Background(), llm.Request{
		Model: spec,
		Input: strings.Repeat("word ", 500),
	})
	require.Error(t, err)
	assert.True(t, llm.IsContextOverflow(err))
	assert.False(t, called, "overflow must be detected before any network I/O")
}

func TestClientNetworkErrorIsTransient(t *testing.T) {
	client := llm.NewClient(llm.WithRequestTimeout(time.Second))
	_, err := client.Generate(context.Background(), llm.Request{
		Model: testModel("http://127.0.0.1:1"),
		Input: "hello",
	})
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err), "got %v", err)
}
