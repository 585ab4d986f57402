// Package testutil provides test utilities for the llm package.
// It includes a scripted generator for testing orchestration flows.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360studio/storybench/llm"
)

// Step is one scripted generator outcome.
type Step struct {
	Result *llm.Result
	Err    error
}

// MockGenerator is a thread-safe scripted generator for testing.
// It returns steps in sequence and records every request.
//
// Usage:
//
//	// Fail twice with a transient error, then succeed
//	gen := testutil.NewMockGenerator(
//	    testutil.Step{Err: llm.NewTransientError(errors.New("503"))},
//	    testutil.Step{Err: llm.NewTransientError(errors.New("503"))},
//	    testutil.Step{Result: &llm.Result{Text: "a story"}},
//	)
type MockGenerator struct {
	mu       sync.Mutex
	steps    []Step
	index    int
	requests []llm.Request

	// Script overrides the step list when set: it receives the call
	// ordinal (0-based) and the request, and computes the outcome.
	Script func(call int, req llm.Request) (*llm.Result, error)
}

// NewMockGenerator creates a scripted generator.
func NewMockGenerator(steps ...Step) *MockGenerator {
	return &MockGenerator{steps: steps}
}

// Generate implements llm.Generator.
func (m *MockGenerator) Generate(ctx context.Context, req llm.Request) (*llm.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	call := m.index
	m.index++
	m.requests = append(m.requests, req)
	script := m.Script
	var step Step
	if script == nil {
		if call < len(m.steps) {
			step = m.steps[call]
		} else {
			step = Step{Result: &llm.Result{
				Text:  fmt.Sprintf("generated output %d", call),
				Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
			}}
		}
	}
	m.mu.Unlock()

	if script != nil {
		return script(call, req)
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Result, nil
}

// Calls returns the number of Generate invocations.
func (m *MockGenerator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index
}

// Requests returns a copy of all recorded requests.
func (m *MockGenerator) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.requests))
	copy(out, m.requests)
	return out
}
