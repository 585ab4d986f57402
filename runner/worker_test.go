package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/storybench/battery"
	"github.com/c360studio/storybench/governor"
	"github.com/c360studio/storybench/llm"
	"github.com/c360studio/storybench/llm/testutil"
	"github.com/c360studio/storybench/model"
	"github.com/c360studio/storybench/progress"
	"github.com/c360studio/storybench/storage"
)

func workerModel() model.Spec {
	return model.Spec{
		Name:                "sonnet",
		ModelID:             "claude-sonnet-4",
		Provider:            model.ProviderAnthropic,
		ContextWindowTokens: 200000,
		MaxOutputTokens:     8192,
		Enabled:             true,
	}
}

func workerRun(runsPerSequence int) *storage.Run {
	return &storage.Run{
		RunID:             "run-1",
		BatteryVersionID:  "bat-1",
		CriteriaVersionID: "crit-1",
		StartedAt:         time.Now().UTC(),
		Status:            storage.RunStatusRunning,
		ModelIDs:          []string{"claude-sonnet-4"},
		RunsPerSequence:   runsPerSequence,
		Battery: &battery.Battery{
			VersionID: "bat-1",
			Sequences: []battery.Sequence{
				{Name: "noir", Prompts: []battery.Prompt{
					{Name: "open", Text: "Write an opening."},
					{Name: "middle", Text: "Continue the story."},
					{Name: "end", Text: "Write the ending."},
				}},
			},
		},
		Criteria: &battery.CriteriaSet{
			VersionID: "crit-1",
			Criteria:  []battery.Criterion{{Name: "voice", ScaleMin: 1, ScaleMax: 10}},
		},
	}
}

func newTestMonitor(t *testing.T, total int64) *progress.Monitor {
	t.Helper()
	m, err := progress.NewMonitor(total)
	require.NoError(t, err)
	return m
}

func TestWorkerAccumulatesContext(t *testing.T) {
	store := storage.NewMemoryStore()
	run := workerRun(1)
	monitor := newTestMonitor(t, 3)

	gen := testutil.NewMockGenerator()
	gen.Script = func(call int, _ llm.Request) (*llm.Result, error) {
		return &llm.Result{
			Text:  fmt.Sprintf("output-%d", call),
			Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		}, nil
	}

	worker := NewWorker(store, gen, governor.New(), monitor)
	require.NoError(t, worker.RunSequence(context.Background(), run, workerModel(), run.Battery.Sequences[0], 0))

	// The accumulated context is earlier outputs only; the prompt is
	// appended when building each input.
	reqs := gen.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "Write an opening.", reqs[0].Input)
	assert.Equal(t, "output-0\n\nContinue the story.", reqs[1].Input)
	assert.Equal(t, "output-0\n\noutput-1\n\nWrite the ending.", reqs[2].Input)

	stored, err := store.GetResponses(context.Background(), "run-1", "claude-sonnet-4", "noir", 0)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, "", stored[0].AssembledContext)
	assert.Equal(t, stored[0].OutputText, stored[1].AssembledContext)
	assert.Equal(t, "output-0\n\noutput-1", stored[2].AssembledContext)
	assert.Equal(t, "output-2", stored[2].OutputText)
	assert.Equal(t, 1, stored[0].AttemptCount)

	snap := monitor.Snapshot()
	assert.Equal(t, int64(3), snap.Completed)
	assert.Equal(t, int64(0), snap.Failed)
}

func TestWorkerResumesFromStoredResponses(t *testing.T) {
	store := storage.NewMemoryStore()
	run := workerRun(1)
	monitor := newTestMonitor(t, 3)

	// Two prompts already completed by an earlier process.
	for i := 0; i < 2; i++ {
		require.NoError(t, store.PutResponse(context.Background(), &storage.Response{
			Key: storage.TaskKey{
				RunID: "run-1", ModelID: "claude-sonnet-4", SequenceName: "noir",
				RunIndex: 0, PromptIndex: i,
			},
			PromptText: run.Battery.Sequences[0].Prompts[i].Text,
			OutputText: fmt.Sprintf("stored-%d", i),
			Usage:      storage.TokenUsage{PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10},
			CreatedAt:  time.Now().UTC(),
		}))
	}

	gen := testutil.NewMockGenerator()
	gen.Script = func(_ int, _ llm.Request) (*llm.Result, error) {
		return &llm.Result{Text: "fresh-ending"}, nil
	}

	worker := NewWorker(store, gen, governor.New(), monitor)
	require.NoError(t, worker.RunSequence(context.Background(), run, workerModel(), run.Battery.Sequences[0], 0))

	// Exactly one new call, with stored outputs woven into the context.
	reqs := gen.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "stored-0\n\nstored-1\n\nWrite the ending.", reqs[0].Input)

	snap := monitor.Snapshot()
	assert.Equal(t, int64(3), snap.Completed)
}

func TestWorkerRetriesTransientThenSucceeds(t *testing.T) {
	store := storage.NewMemoryStore()
	run := workerRun(1)
	run.Battery.Sequences[0].Prompts = run.Battery.Sequences[0].Prompts[:1]
	monitor := newTestMonitor(t, 1)

	gen := testutil.NewMockGenerator(
		testutil.Step{Err: llm.NewTransientError(errors.New("429"))},
		testutil.Step{Err: llm.NewTimeoutError(errors.New("deadline"))},
		testutil.Step{Result: &llm.Result{Text: "finally"}},
	)

	worker := NewWorker(store, gen, governor.New(), monitor,
		WithRetrySchedule([]time.Duration{time.Millisecond, time.Millisecond}))
	require.NoError(t, worker.RunSequence(context.Background(), run, workerModel(), run.Battery.Sequences[0], 0))

	assert.Equal(t, 3, gen.Calls())

	stored, err := store.GetResponses(context.Background(), "run-1", "claude-sonnet-4", "noir", 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 3, stored[0].AttemptCount)
}

func TestWorkerFailsAfterRetriesExhausted(t *testing.T) {
	store := storage.NewMemoryStore()
	run := workerRun(1)
	monitor := newTestMonitor(t, 3)

	gen := testutil.NewMockGenerator()
	gen.Script = func(_ int, _ llm.Request) (*llm.Result, error) {
		return nil, llm.NewTransientError(errors.New("always 503"))
	}

	worker := NewWorker(store, gen, governor.New(), monitor,
		WithRetrySchedule([]time.Duration{time.Millisecond}))
	err := worker.RunSequence(context.Background(), run, workerModel(), run.Battery.Sequences[0], 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted")

	// 1 attempt + 1 retry, then the triple fails.
	assert.Equal(t, 2, gen.Calls())

	// The failed prompt and both abandoned successors count as failed.
	snap := monitor.Snapshot()
	assert.Equal(t, int64(3), snap.Failed)
	assert.Equal(t, int64(0), snap.Completed)
}

func TestWorkerFatalErrorStopsImmediately(t *testing.T) {
	store := storage.NewMemoryStore()
	run := workerRun(1)
	monitor := newTestMonitor(t, 3)

	gen := testutil.NewMockGenerator()
	gen.Script = func(_ int, _ llm.Request) (*llm.Result, error) {
		return nil, llm.NewFatalError(errors.New("invalid api key"))
	}

	worker := NewWorker(store, gen, governor.New(), monitor,
		WithRetrySchedule([]time.Duration{time.Second}))

	start := time.Now()
	err := worker.RunSequence(context.Background(), run, workerModel(), run.Battery.Sequences[0], 0)
	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	assert.Equal(t, 1, gen.Calls(), "fatal errors must not be retried")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestWorkerContextOverflowFailsWithoutCall(t *testing.T) {
	store := storage.NewMemoryStore()
	run := workerRun(1)
	monitor := newTestMonitor(t, 3)

	spec := workerModel()
	spec.ContextWindowTokens = 2100
	spec.MaxOutputTokens = 2000

	run.Battery.Sequences[0].Prompts[0].Text = strings.Repeat("long prompt ", 100)

	gen := testutil.NewMockGenerator()
	worker := NewWorker(store, gen, governor.New(), monitor, WithSafetyMargin(512))

	err := worker.RunSequence(context.Background(), run, spec, run.Battery.Sequences[0], 0)
	require.Error(t, err)
	assert.True(t, llm.IsContextOverflow(err))
	assert.Equal(t, 0, gen.Calls(), "overflow must be caught before the provider call")

	snap := monitor.Snapshot()
	assert.Equal(t, int64(3), snap.Failed)
}

func TestWorkerProviderInFlightRespectsCap(t *testing.T) {
	store := storage.NewMemoryStore()
	run := workerRun(2)
	monitor := newTestMonitor(t, 6)

	gov := governor.New(governor.WithLimits(map[model.ProviderTag]model.ProviderLimits{
		model.ProviderAnthropic: {
			MaxConcurrent:    1,
			FailureThreshold: 3,
			FailureWindow:    time.Minute,
			OpenCooldown:     time.Second,
		},
	}))

	// Each call samples the snapshot from inside the permit window.
	var maxSeen atomic.Int64
	gen := testutil.NewMockGenerator()
	gen.Script = func(_ int, _ llm.Request) (*llm.Result, error) {
		n := monitor.Snapshot().ProviderInFlight["anthropic"]
		for {
			cur := maxSeen.Load()
			if n <= cur || maxSeen.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return &llm.Result{Text: "ok"}, nil
	}

	worker := NewWorker(store, gen, gov, monitor)
	var wg sync.WaitGroup
	for runIndex := 0; runIndex < 2; runIndex++ {
		runIndex := runIndex
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, worker.RunSequence(context.Background(), run, workerModel(), run.Battery.Sequences[0], runIndex))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), maxSeen.Load(), "observed in-flight must never exceed max_concurrent")
	assert.Equal(t, int64(6), monitor.Snapshot().Completed)
}

func TestWorkerCancellationIsResumable(t *testing.T) {
	store := storage.NewMemoryStore()
	run := workerRun(1)
	monitor := newTestMonitor(t, 3)

	ctx, cancel := context.WithCancel(context.Background())
	gen := testutil.NewMockGenerator()
	gen.Script = func(call int, _ llm.Request) (*llm.Result, error) {
		if call == 1 {
			cancel()
			return nil, ctx.Err()
		}
		return &llm.Result{Text: fmt.Sprintf("output-%d", call)}, nil
	}

	worker := NewWorker(store, gen, governor.New(), monitor)
	err := worker.RunSequence(ctx, run, workerModel(), run.Battery.Sequences[0], 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	// The completed prompt is durably stored for resume.
	stored, getErr := store.GetResponses(context.Background(), "run-1", "claude-sonnet-4", "noir", 0)
	require.NoError(t, getErr)
	assert.Len(t, stored, 1)
}
