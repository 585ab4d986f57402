// Package main provides the storybench binary entry point. StoryBench
// runs a creative-writing prompt battery across many LLMs in parallel,
// stores every response durably, and scores the outputs with a judge
// model.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	// Register LLM providers via init()
	_ "github.com/c360studio/storybench/llm/providers"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "storybench"
)

// Process exit codes.
const (
	exitOK          = 0
	exitPartial     = 1
	exitFatal       = 2
	exitInterrupted = 130
)

// exitError carries an explicit process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(exitFatal)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := rootCmd().ExecuteContext(ctx)
	if err == nil {
		os.Exit(exitOK)
	}

	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "interrupted")
		os.Exit(exitInterrupted)
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", exit.err)
		}
		os.Exit(exit.code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitFatal)
}
