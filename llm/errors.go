package llm

import (
	"errors"
	"fmt"
)

// Error types for classifying generator errors. Adapters map all
// provider-specific failures into these four variants; nothing above the
// adapter interprets provider error codes.

// TransientError represents a temporary error that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError represents a definitive provider failure that should not be
// retried (invalid request, unsupported model, auth failure).
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// TimeoutError indicates the request deadline elapsed before the provider
// responded. Retryable while retry budget remains.
type TimeoutError struct {
	err error
}

func (e *TimeoutError) Error() string {
	return e.err.Error()
}

func (e *TimeoutError) Unwrap() error {
	return e.err
}

// NewTimeoutError wraps an error as a deadline timeout.
func NewTimeoutError(err error) error {
	return &TimeoutError{err: err}
}

// ContextOverflowError indicates the assembled input plus the output
// budget would exceed the model's context window. The provider is never
// called; the task fails rather than silently truncating.
type ContextOverflowError struct {
	ModelID       string
	InputTokens   int
	OutputBudget  int
	SafetyMargin  int
	ContextWindow int
}

func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("context overflow for %s: %d input + %d output + %d margin > %d window",
		e.ModelID, e.InputTokens, e.OutputBudget, e.SafetyMargin, e.ContextWindow)
}

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal returns true if the error is fatal and should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// IsTimeout returns true if the error is a deadline timeout.
func IsTimeout(err error) bool {
	var timeout *TimeoutError
	return errors.As(err, &timeout)
}

// IsContextOverflow returns true if the error is a context overflow.
func IsContextOverflow(err error) bool {
	var overflow *ContextOverflowError
	return errors.As(err, &overflow)
}
