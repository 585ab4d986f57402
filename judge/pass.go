package judge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/storybench/battery"
	"github.com/c360studio/storybench/governor"
	"github.com/c360studio/storybench/llm"
	"github.com/c360studio/storybench/model"
	"github.com/c360studio/storybench/storage"
)

// Pass evaluates every stored response of a run with the judge model.
// The pass is idempotent: responses that already have a verdict for
// (judge model, criteria version) are skipped, so a resumed run never
// judges the same output twice.
type Pass struct {
	store         storage.Store
	generator     llm.Generator
	gov           *governor.Governor
	judgeModel    model.Spec
	retrySchedule []time.Duration
	parallelism   int
	logger        *slog.Logger
}

// PassOption configures a Pass.
type PassOption func(*Pass)

// WithRetrySchedule sets the backoff waits between judge attempts.
func WithRetrySchedule(schedule []time.Duration) PassOption {
	return func(p *Pass) { p.retrySchedule = schedule }
}

// WithParallelism bounds concurrent judge calls. The governor still
// applies its own per-provider cap underneath.
func WithParallelism(n int) PassOption {
	return func(p *Pass) {
		if n > 0 {
			p.parallelism = n
		}
	}
}

// WithLogger sets the pass logger.
func WithLogger(logger *slog.Logger) PassOption {
	return func(p *Pass) { p.logger = logger }
}

// NewPass creates a judge pass.
func NewPass(store storage.Store, generator llm.Generator, gov *governor.Governor, judgeModel model.Spec, opts ...PassOption) *Pass {
	p := &Pass{
		store:         store,
		generator:     generator,
		gov:           gov,
		judgeModel:    judgeModel,
		retrySchedule: []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second},
		parallelism:   4,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Summary reports what the pass did.
type Summary struct {
	Judged     int
	Skipped    int
	Failed     int
	Incomplete int
}

// Run judges every response of the run. Individual verdict failures are
// isolated; the pass only returns an error on storage failures or
// context cancellation.
func (p *Pass) Run(ctx context.Context, runID string, criteria *battery.CriteriaSet) (*Summary, error) {
	var pending []*storage.Response
	err := p.store.IterResponses(ctx, runID, func(resp *storage.Response) error {
		pending = append(pending, resp)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}

	summary := &Summary{}
	results := make(chan verdictResult, len(pending))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)

	for _, resp := range pending {
		resp := resp
		g.Go(func() error {
			outcome, err := p.judgeOne(gctx, resp, criteria)
			if err != nil {
				return err
			}
			results <- outcome
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(results)

	for r := range results {
		switch {
		case r.skipped:
			summary.Skipped++
		case r.failed:
			summary.Failed++
		default:
			summary.Judged++
			if r.incomplete {
				summary.Incomplete++
			}
		}
	}

	p.logger.Info("judge pass finished",
		"run_id", runID,
		"judged", summary.Judged,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"parse_incomplete", summary.Incomplete)
	return summary, nil
}

type verdictResult struct {
	skipped    bool
	failed     bool
	incomplete bool
}

// judgeOne produces and stores one verdict. Returns an error only for
// storage failures or cancellation; judge call failures mark the item
// failed and let the pass continue.
func (p *Pass) judgeOne(ctx context.Context, resp *storage.Response, criteria *battery.CriteriaSet) (verdictResult, error) {
	exists, err := p.store.HasVerdict(ctx, resp.Key, p.judgeModel.ModelID, criteria.VersionID)
	if err != nil {
		return verdictResult{}, fmt.Errorf("check verdict %s: %w", resp.Key, err)
	}
	if exists {
		return verdictResult{skipped: true}, nil
	}

	prompt := BuildPrompt(criteria, resp.PromptText, resp.OutputText)

	result, err := p.generate(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return verdictResult{}, ctx.Err()
		}
		p.logger.Warn("judge call failed",
			"task", resp.Key.String(),
			"judge_model", p.judgeModel.ModelID,
			"error", err)
		return verdictResult{failed: true}, nil
	}

	parsed := ParseVerdict(result.Text, criteria)
	if parsed.Incomplete() {
		p.logger.Warn("verdict parse incomplete",
			"task", resp.Key.String(),
			"missing", parsed.Missing)
	}

	verdict := &storage.Verdict{
		Key:               resp.Key,
		JudgeModelID:      p.judgeModel.ModelID,
		CriteriaVersionID: criteria.VersionID,
		TemplateVersion:   TemplateVersion,
		RawText:           result.Text,
		Scores:            parsed.Scores,
		ParseIncomplete:   parsed.Incomplete(),
		CreatedAt:         time.Now().UTC(),
	}

	if err := p.store.PutVerdict(ctx, verdict); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return verdictResult{skipped: true}, nil
		}
		return verdictResult{}, fmt.Errorf("store verdict %s: %w", resp.Key, err)
	}

	return verdictResult{incomplete: parsed.Incomplete()}, nil
}

// generate calls the judge model under governor control, retrying
// transient failures per the schedule. Circuit-open refusals wait for
// the breaker cooldown without consuming a retry attempt.
func (p *Pass) generate(ctx context.Context, prompt string) (*llm.Result, error) {
	req := llm.Request{Model: p.judgeModel, Input: prompt}

	var lastErr error
	for attempt := 0; attempt <= len(p.retrySchedule); {
		permit, err := p.gov.Acquire(ctx, p.judgeModel.Provider)
		if err != nil {
			var open *governor.CircuitOpenError
			if errors.As(err, &open) {
				if waitErr := sleepUntil(ctx, open.ReopenAt); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}

		result, err := p.generator.Generate(ctx, req)
		if err == nil {
			permit.Release(governor.OutcomeSuccess)
			return result, nil
		}

		lastErr = err
		switch {
		case llm.IsTimeout(err):
			permit.Release(governor.OutcomeTimeout)
		case llm.IsTransient(err):
			permit.Release(governor.OutcomeRetryable)
		default:
			permit.Release(governor.OutcomeTerminal)
			return nil, err
		}

		if attempt == len(p.retrySchedule) {
			break
		}
		if err := sleep(ctx, p.retrySchedule[attempt]); err != nil {
			return nil, err
		}
		attempt++
	}

	return nil, fmt.Errorf("judge retries exhausted: %w", lastErr)
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
