package judge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/storybench/governor"
	"github.com/c360studio/storybench/llm"
	"github.com/c360studio/storybench/llm/testutil"
	"github.com/c360studio/storybench/model"
	"github.com/c360studio/storybench/storage"
)

func judgeSpec() model.Spec {
	return model.Spec{
		Name:                "judge",
		ModelID:             "gpt-4o",
		Provider:            model.ProviderOpenAI,
		ContextWindowTokens: 128000,
		MaxOutputTokens:     2048,
		Enabled:             true,
	}
}

func seedResponses(t *testing.T, store storage.Store, runID string, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		require.NoError(t, store.PutResponse(context.Background(), &storage.Response{
			Key: storage.TaskKey{
				RunID:        runID,
				ModelID:      "claude-sonnet-4",
				SequenceName: "noir",
				RunIndex:     0,
				PromptIndex:  i,
			},
			PromptText: fmt.Sprintf("Prompt %d.", i),
			OutputText: fmt.Sprintf("Story part %d.", i),
			CreatedAt:  time.Now().UTC(),
		}))
	}
}

func TestPassJudgesEveryResponse(t *testing.T) {
	store := storage.NewMemoryStore()
	seedResponses(t, store, "run-1", 3)

	gen := testutil.NewMockGenerator()
	gen.Script = func(_ int, _ llm.Request) (*llm.Result, error) {
		return &llm.Result{Text: `{"voice": 7, "pacing": 6, "imagery": 8}`}, nil
	}

	pass := NewPass(store, gen, governor.New(), judgeSpec())
	summary, err := pass.Run(context.Background(), "run-1", testCriteria())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Judged)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 0, summary.Incomplete)

	stored := 0
	require.NoError(t, store.IterVerdicts(context.Background(), "run-1", func(v *storage.Verdict) error {
		stored++
		assert.Equal(t, "gpt-4o", v.JudgeModelID)
		assert.Equal(t, "crit-1", v.CriteriaVersionID)
		assert.Equal(t, TemplateVersion, v.TemplateVersion)
		assert.False(t, v.ParseIncomplete)
		assert.Equal(t, 7.0, v.Scores["voice"])
		return nil
	}))
	assert.Equal(t, 3, stored)
}

func TestPassIsIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	seedResponses(t, store, "run-1", 2)

	gen := testutil.NewMockGenerator()
	gen.Script = func(_ int, _ llm.Request) (*llm.Result, error) {
		return &llm.Result{Text: `{"voice": 7, "pacing": 6, "imagery": 8}`}, nil
	}

	pass := NewPass(store, gen, governor.New(), judgeSpec())

	first, err := pass.Run(context.Background(), "run-1", testCriteria())
	require.NoError(t, err)
	assert.Equal(t, 2, first.Judged)

	second, err := pass.Run(context.Background(), "run-1", testCriteria())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Judged)
	assert.Equal(t, 2, second.Skipped)
	assert.Equal(t, 2, gen.Calls(), "no extra judge calls on the second pass")
}

func TestPassStoresUnparseableVerdictWithFlag(t *testing.T) {
	store := storage.NewMemoryStore()
	seedResponses(t, store, "run-1", 1)

	gen := testutil.NewMockGenerator(testutil.Step{Result: &llm.Result{Text: "This piece defies scoring."}})

	pass := NewPass(store, gen, governor.New(), judgeSpec())
	summary, err := pass.Run(context.Background(), "run-1", testCriteria())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Judged)
	assert.Equal(t, 1, summary.Incomplete)

	require.NoError(t, store.IterVerdicts(context.Background(), "run-1", func(v *storage.Verdict) error {
		assert.True(t, v.ParseIncomplete)
		assert.Equal(t, "This piece defies scoring.", v.RawText)
		assert.Empty(t, v.Scores)
		return nil
	}))
}

func TestPassIsolatesJudgeFailures(t *testing.T) {
	store := storage.NewMemoryStore()
	seedResponses(t, store, "run-1", 2)

	gen := testutil.NewMockGenerator()
	gen.Script = func(_ int, req llm.Request) (*llm.Result, error) {
		// One response is unjudgeable; the other succeeds.
		if strings.Contains(req.Input, "Prompt 0.") {
			return nil, llm.NewFatalError(errors.New("content refused"))
		}
		return &llm.Result{Text: `{"voice": 7, "pacing": 6, "imagery": 8}`}, nil
	}

	pass := NewPass(store, gen, governor.New(), judgeSpec(), WithParallelism(1))
	summary, err := pass.Run(context.Background(), "run-1", testCriteria())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Judged)
	assert.Equal(t, 1, summary.Failed)
}

func TestPassRetriesTransientFailures(t *testing.T) {
	store := storage.NewMemoryStore()
	seedResponses(t, store, "run-1", 1)

	gen := testutil.NewMockGenerator(
		testutil.Step{Err: llm.NewTransientError(errors.New("503"))},
		testutil.Step{Result: &llm.Result{Text: `{"voice": 7, "pacing": 6, "imagery": 8}`}},
	)

	pass := NewPass(store, gen, governor.New(), judgeSpec(),
		WithRetrySchedule([]time.Duration{time.Millisecond}))
	summary, err := pass.Run(context.Background(), "run-1", testCriteria())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Judged)
	assert.Equal(t, 2, gen.Calls())
}
