// Package runner executes generation tasks: sequence workers walk a
// prompt sequence with accumulated context, the parallel runner fans
// workers out per model, and the driver owns the run lifecycle.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/storybench/battery"
	"github.com/c360studio/storybench/governor"
	"github.com/c360studio/storybench/llm"
	"github.com/c360studio/storybench/model"
	"github.com/c360studio/storybench/progress"
	"github.com/c360studio/storybench/storage"
)

// contextSeparator joins earlier outputs when assembling the
// accumulated context, and joins that context to the next prompt.
const contextSeparator = "\n\n"

// Worker runs one (model, sequence, run index) triple prompt by prompt.
// Each prompt sees the concatenated outputs of every earlier prompt in
// the triple. A worker owns no concurrency of its own; the governor
// throttles its calls like everyone else's.
type Worker struct {
	store         storage.Store
	generator     llm.Generator
	gov           *governor.Governor
	monitor       *progress.Monitor
	retrySchedule []time.Duration
	safetyMargin  int
	logger        *slog.Logger
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithRetrySchedule sets the backoff waits between generation attempts.
func WithRetrySchedule(schedule []time.Duration) WorkerOption {
	return func(w *Worker) { w.retrySchedule = schedule }
}

// WithSafetyMargin sets the token margin reserved in the context window.
func WithSafetyMargin(tokens int) WorkerOption {
	return func(w *Worker) {
		if tokens >= 0 {
			w.safetyMargin = tokens
		}
	}
}

// WithWorkerLogger sets the worker logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

// NewWorker creates a sequence worker.
func NewWorker(store storage.Store, generator llm.Generator, gov *governor.Governor, monitor *progress.Monitor, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:         store,
		generator:     generator,
		gov:           gov,
		monitor:       monitor,
		retrySchedule: []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second},
		safetyMargin:  512,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunSequence executes one sequence for one model and run index. Stored
// responses are reused verbatim so a resumed worker picks up exactly
// where the previous process stopped. A returned error means the triple
// terminally failed or the context was cancelled; remaining prompts of
// the triple are abandoned either way, because each prompt needs the
// previous output.
func (w *Worker) RunSequence(ctx context.Context, run *storage.Run, spec model.Spec, seq battery.Sequence, runIndex int) error {
	existing, err := w.store.GetResponses(ctx, run.RunID, spec.ModelID, seq.Name, runIndex)
	if err != nil {
		return fmt.Errorf("load stored responses: %w", err)
	}
	if len(existing) > len(seq.Prompts) {
		return fmt.Errorf("stored responses (%d) exceed sequence length (%d)", len(existing), len(seq.Prompts))
	}

	var parts []string
	for i, resp := range existing {
		if resp.Key.PromptIndex != i {
			return fmt.Errorf("stored responses not contiguous: expected prompt %d, found %d", i, resp.Key.PromptIndex)
		}
		parts = append(parts, resp.OutputText)
		w.monitor.TaskResumed(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}

	for i := len(existing); i < len(seq.Prompts); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		output, err := w.runPrompt(ctx, run, spec, seq, runIndex, i, parts)
		if err != nil {
			if ctx.Err() == nil {
				// Later prompts need this output, so they can never run.
				for j := i + 1; j < len(seq.Prompts); j++ {
					w.monitor.TaskAbandoned()
				}
			}
			return err
		}
		parts = append(parts, output)
	}

	return nil
}

// runPrompt executes one prompt of the triple and persists its
// response. Returns the output text to fold into the accumulated
// context.
func (w *Worker) runPrompt(ctx context.Context, run *storage.Run, spec model.Spec, seq battery.Sequence, runIndex, i int, parts []string) (string, error) {
	prompt := seq.Prompts[i]
	assembled := strings.Join(parts, contextSeparator)
	input := prompt.Text
	if assembled != "" {
		input = assembled + contextSeparator + prompt.Text
	}

	key := storage.TaskKey{
		RunID:        run.RunID,
		ModelID:      spec.ModelID,
		SequenceName: seq.Name,
		RunIndex:     runIndex,
		PromptIndex:  i,
	}

	// Overflow is checked before any permit is taken. An input that
	// cannot fit will never fit, so the triple fails here rather than
	// truncating context.
	if err := llm.CheckContextFit(spec.ModelID, input, spec.ContextWindowTokens, spec.MaxOutputTokens, w.safetyMargin); err != nil {
		w.monitor.TaskStarted()
		w.monitor.TaskFailed()
		return "", fmt.Errorf("task %s: %w", key, err)
	}

	w.monitor.TaskStarted()
	result, attempts, err := w.generate(ctx, spec, input)
	if err != nil {
		w.monitor.TaskFailed()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("task %s: %w", key, err)
	}

	resp := &storage.Response{
		Key:              key,
		PromptText:       prompt.Text,
		AssembledContext: assembled,
		OutputText:       result.Text,
		GenerationMs:     result.Duration.Milliseconds(),
		Usage: storage.TokenUsage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		},
		CreatedAt:    time.Now().UTC(),
		AttemptCount: attempts,
	}

	output := result.Text
	if err := w.store.PutResponse(ctx, resp); err != nil {
		if !errors.Is(err, storage.ErrAlreadyExists) {
			w.monitor.TaskFailed()
			return "", fmt.Errorf("store response %s: %w", key, err)
		}
		// Another process already stored this task. Use the stored
		// output so the accumulated context stays consistent.
		stored, loadErr := w.store.GetResponses(ctx, run.RunID, spec.ModelID, seq.Name, runIndex)
		if loadErr != nil {
			w.monitor.TaskFailed()
			return "", fmt.Errorf("reload response %s: %w", key, loadErr)
		}
		for _, s := range stored {
			if s.Key.PromptIndex == i {
				output = s.OutputText
				break
			}
		}
	}

	w.monitor.TaskCompleted(result.Usage.PromptTokens, result.Usage.CompletionTokens)
	w.logger.Debug("prompt completed",
		"task", key.String(),
		"attempts", attempts,
		"generation_ms", resp.GenerationMs)
	return output, nil
}

// generate calls the model under governor control. Retries cover
// transient and timeout failures per the schedule; the permit is
// released before any backoff sleep so capacity is never held idle.
// Circuit-open refusals wait out the cooldown without consuming an
// attempt.
func (w *Worker) generate(ctx context.Context, spec model.Spec, input string) (*llm.Result, int, error) {
	req := llm.Request{Model: spec, Input: input}

	attempts := 0
	var lastErr error
	for attempt := 0; attempt <= len(w.retrySchedule); {
		permit, err := w.gov.Acquire(ctx, spec.Provider)
		if err != nil {
			var open *governor.CircuitOpenError
			if errors.As(err, &open) {
				w.logger.Debug("provider circuit open, waiting",
					"provider", spec.Provider,
					"reopen_at", open.ReopenAt)
				if waitErr := sleepUntil(ctx, open.ReopenAt); waitErr != nil {
					return nil, attempts, waitErr
				}
				continue
			}
			return nil, attempts, err
		}

		attempts++
		// Provider in-flight is observed only inside the permit window,
		// so the snapshot never counts tasks queued on the semaphore.
		w.monitor.CallStarted(spec.Provider)
		result, err := w.generator.Generate(ctx, req)
		w.monitor.CallFinished(spec.Provider)
		if err == nil {
			permit.Release(governor.OutcomeSuccess)
			return result, attempts, nil
		}

		lastErr = err
		switch {
		case llm.IsTimeout(err):
			permit.Release(governor.OutcomeTimeout)
		case llm.IsTransient(err):
			permit.Release(governor.OutcomeRetryable)
		default:
			permit.Release(governor.OutcomeTerminal)
			return nil, attempts, err
		}

		if attempt == len(w.retrySchedule) {
			break
		}
		w.logger.Debug("retrying after transient failure",
			"model", spec.ModelID,
			"attempt", attempts,
			"wait", w.retrySchedule[attempt],
			"error", err)
		if err := sleep(ctx, w.retrySchedule[attempt]); err != nil {
			return nil, attempts, err
		}
		attempt++
	}

	return nil, attempts, fmt.Errorf("retries exhausted after %d attempts: %w", attempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	return sleep(ctx, d)
}
