package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/c360studio/storybench/model"
	"github.com/c360studio/storybench/storage"
)

// Runner fans one model's workload out across sequence workers. Every
// (sequence, run index) triple gets its own worker goroutine; the
// governor throttles actual provider calls underneath.
type Runner struct {
	worker *Worker
	logger *slog.Logger
}

// NewRunner creates a parallel runner on top of a sequence worker.
func NewRunner(worker *Worker, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{worker: worker, logger: logger}
}

// Outcome reports how one model's workload finished. Failed maps
// "sequence/rN" triple labels to the error that stopped them.
type Outcome struct {
	ModelID   string
	Completed int
	Failed    map[string]error
}

// FailedTriples returns the failed triple labels in stable order.
func (o *Outcome) FailedTriples() []string {
	labels := make([]string, 0, len(o.Failed))
	for label := range o.Failed {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

type tripleResult struct {
	label string
	err   error
}

// RunModel executes every (sequence, run index) triple of the run for
// one model. Triple failures are isolated: one sequence blowing up
// never stops its siblings. Only context cancellation aborts early.
func (r *Runner) RunModel(ctx context.Context, run *storage.Run, spec model.Spec) (*Outcome, error) {
	total := len(run.Battery.Sequences) * run.RunsPerSequence
	results := make(chan tripleResult, total)

	var wg sync.WaitGroup
	for _, seq := range run.Battery.Sequences {
		for runIndex := 0; runIndex < run.RunsPerSequence; runIndex++ {
			seq, runIndex := seq, runIndex
			wg.Add(1)
			go func() {
				defer wg.Done()
				label := fmt.Sprintf("%s/r%d", seq.Name, runIndex)
				err := r.worker.RunSequence(ctx, run, spec, seq, runIndex)
				results <- tripleResult{label: label, err: err}
			}()
		}
	}

	wg.Wait()
	close(results)

	outcome := &Outcome{ModelID: spec.ModelID, Failed: make(map[string]error)}
	for res := range results {
		if res.err != nil {
			outcome.Failed[res.label] = res.err
			r.logger.Warn("sequence failed",
				"model", spec.ModelID,
				"triple", res.label,
				"error", res.err)
			continue
		}
		outcome.Completed++
	}

	if err := ctx.Err(); err != nil {
		return outcome, err
	}

	r.logger.Info("model workload finished",
		"model", spec.ModelID,
		"completed", outcome.Completed,
		"failed", len(outcome.Failed))
	return outcome, nil
}
