// Package llm implements the generator capability: a provider-agnostic
// client that produces one completion for one assembled input, with all
// provider failures classified into a small error taxonomy.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/storybench/model"
)

// maxResponseSize limits the response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Request defines one generation request. The input is the fully
// assembled text (accumulated context plus current prompt).
type Request struct {
	Model model.Spec
	Input string
}

// Usage holds token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result contains one completed generation.
type Result struct {
	Text         string
	Usage        Usage
	FinishReason string
	Duration     time.Duration
}

// Generator produces one completion for one assembled input. The
// orchestrator treats implementations as stateless.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// Client is the HTTP generator backed by registered provider adapters.
// It performs exactly one attempt per call; retry policy belongs to the
// caller, which must not hold rate permits during backoff.
type Client struct {
	httpClient     *http.Client
	requestTimeout time.Duration
	safetyMargin   int
	logger         *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRequestTimeout sets the hard per-call deadline.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		client.requestTimeout = d
	}
}

// WithSafetyMargin sets the token margin reserved on top of the output
// budget when checking context fit.
func WithSafetyMargin(tokens int) ClientOption {
	return func(client *Client) {
		client.safetyMargin = tokens
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a generator client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		requestTimeout: 180 * time.Second,
		safetyMargin:   512,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		// The per-request context carries the deadline; the transport
		// timeout is a backstop.
		c.httpClient = &http.Client{Timeout: c.requestTimeout + 10*time.Second}
	}
	return c
}

// Generate performs one generation attempt. The context-fit check runs
// before any network I/O; overflow never reaches the provider.
func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	spec := req.Model

	if err := CheckContextFit(spec.ModelID, req.Input, spec.ContextWindowTokens, spec.MaxOutputTokens, c.safetyMargin); err != nil {
		return nil, err
	}

	provider := GetProvider(string(spec.Provider))
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("no adapter registered for provider %q", spec.Provider))
	}

	url := provider.BuildURL(spec.BaseURL, spec.ModelID)
	body, err := provider.BuildRequestBody(spec.ModelID, req.Input, spec.Temperature, spec.MaxOutputTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	c.logger.Debug("Sending generation request",
		"provider", spec.Provider,
		"model", spec.ModelID,
		"input_tokens_est", EstimateTokens(req.Input))

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	started := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
			return nil, NewTimeoutError(fmt.Errorf("generation timed out after %s: %w", c.requestTimeout, err))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Network errors are transient.
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, NewTimeoutError(fmt.Errorf("generation timed out reading response: %w", err))
		}
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	result, err := provider.ParseResponse(respBody, spec.ModelID)
	if err != nil {
		return nil, NewFatalError(err)
	}
	result.Duration = time.Since(started)

	return result, nil
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("provider API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		// Rate limiting is transient.
		return NewTransientError(err)
	case statusCode >= 500:
		// Server errors are transient.
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden:
		// Auth errors are fatal.
		return NewFatalError(err)
	case statusCode == http.StatusRequestTimeout:
		return NewTimeoutError(err)
	default:
		// Bad requests and anything unknown default to fatal.
		return NewFatalError(err)
	}
}
