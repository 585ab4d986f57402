package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/storybench/battery"
	"github.com/c360studio/storybench/governor"
	"github.com/c360studio/storybench/judge"
	"github.com/c360studio/storybench/llm"
	"github.com/c360studio/storybench/model"
	"github.com/c360studio/storybench/progress"
	"github.com/c360studio/storybench/storage"
)

// Driver owns the run lifecycle: it snapshots the battery and criteria,
// creates the run record, fans models out across parallel runners,
// executes the judge pass, and records the final status. An interrupted
// run is left in running state so a later resume can finish it.
type Driver struct {
	store     storage.Store
	source    battery.Source
	registry  *model.Registry
	generator llm.Generator
	gov       *governor.Governor

	judgeModel       *model.Spec
	runsPerSequence  int
	modelParallelism int
	retrySchedule    []time.Duration
	safetyMargin     int
	snapshotPath     string
	snapshotInterval time.Duration
	monitorOpts      []progress.Option
	logger           *slog.Logger
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithJudge enables the judge pass using the given model.
func WithJudge(spec model.Spec) DriverOption {
	return func(d *Driver) { d.judgeModel = &spec }
}

// WithRunsPerSequence sets how many independent runs each sequence gets.
func WithRunsPerSequence(n int) DriverOption {
	return func(d *Driver) {
		if n > 0 {
			d.runsPerSequence = n
		}
	}
}

// WithModelParallelism bounds how many models generate at once.
func WithModelParallelism(n int) DriverOption {
	return func(d *Driver) {
		if n > 0 {
			d.modelParallelism = n
		}
	}
}

// WithDriverRetrySchedule sets the worker and judge backoff schedule.
func WithDriverRetrySchedule(schedule []time.Duration) DriverOption {
	return func(d *Driver) { d.retrySchedule = schedule }
}

// WithDriverSafetyMargin sets the context-window safety margin.
func WithDriverSafetyMargin(tokens int) DriverOption {
	return func(d *Driver) {
		if tokens >= 0 {
			d.safetyMargin = tokens
		}
	}
}

// WithSnapshotFile enables periodic progress snapshot writes.
func WithSnapshotFile(path string, interval time.Duration) DriverOption {
	return func(d *Driver) {
		d.snapshotPath = path
		if interval > 0 {
			d.snapshotInterval = interval
		}
	}
}

// WithMonitorOptions passes options through to the progress monitor.
func WithMonitorOptions(opts ...progress.Option) DriverOption {
	return func(d *Driver) { d.monitorOpts = opts }
}

// WithDriverLogger sets the driver logger.
func WithDriverLogger(logger *slog.Logger) DriverOption {
	return func(d *Driver) { d.logger = logger }
}

// NewDriver creates a pipeline driver.
func NewDriver(store storage.Store, source battery.Source, registry *model.Registry, generator llm.Generator, gov *governor.Governor, opts ...DriverOption) *Driver {
	d := &Driver{
		store:            store,
		source:           source,
		registry:         registry,
		generator:        generator,
		gov:              gov,
		runsPerSequence:  3,
		modelParallelism: 1,
		retrySchedule:    []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second},
		safetyMargin:     512,
		snapshotInterval: 5 * time.Second,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Result reports how a run finished.
type Result struct {
	RunID         string
	Status        storage.RunStatus
	TotalTriples  int
	FailedTriples int
	Outcomes      []*Outcome
	Judge         *judge.Summary
	Progress      progress.Snapshot
}

// Succeeded reports whether every task and verdict went through.
func (r *Result) Succeeded() bool {
	if r.Status != storage.RunStatusCompleted {
		return false
	}
	return r.Judge == nil || r.Judge.Failed == 0
}

// Start fetches the active battery and criteria, creates a new run over
// the selected models, and executes it to completion.
func (d *Driver) Start(ctx context.Context, selectors []string) (*Result, error) {
	bat, err := d.source.ActiveBattery(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch battery: %w", err)
	}
	criteria, err := d.source.ActiveCriteria(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch criteria: %w", err)
	}

	specs, err := d.registry.Select(selectors)
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no enabled models selected")
	}

	modelIDs := make([]string, len(specs))
	for i, spec := range specs {
		modelIDs[i] = spec.ModelID
	}

	run := &storage.Run{
		RunID:             uuid.NewString(),
		BatteryVersionID:  bat.VersionID,
		CriteriaVersionID: criteria.VersionID,
		StartedAt:         time.Now().UTC(),
		Status:            storage.RunStatusPending,
		ModelIDs:          modelIDs,
		RunsPerSequence:   d.runsPerSequence,
		Battery:           bat,
		Criteria:          criteria,
	}

	if err := d.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	d.logger.Info("run created",
		"run_id", run.RunID,
		"battery_version", bat.VersionID,
		"criteria_version", criteria.VersionID,
		"models", len(specs),
		"runs_per_sequence", run.RunsPerSequence)

	return d.execute(ctx, run, specs)
}

// Resume picks up an interrupted run. Completed work is skipped via the
// store's unique task keys; only pending and running runs may resume.
func (d *Driver) Resume(ctx context.Context, runID string) (*Result, error) {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == storage.RunStatusCompleted || run.Status == storage.RunStatusFailed {
		return nil, fmt.Errorf("run %s already finished with status %s", runID, run.Status)
	}

	specs := make([]model.Spec, 0, len(run.ModelIDs))
	for _, id := range run.ModelIDs {
		spec, ok := d.registry.Get(id)
		if !ok {
			return nil, fmt.Errorf("resume requires model %q in the current config", id)
		}
		specs = append(specs, *spec)
	}

	d.logger.Info("resuming run", "run_id", runID, "models", len(specs))
	return d.execute(ctx, run, specs)
}

func (d *Driver) execute(ctx context.Context, run *storage.Run, specs []model.Spec) (*Result, error) {
	totalTasks := int64(len(specs)) * int64(run.Battery.TaskCount(run.RunsPerSequence))
	monitor, err := progress.NewMonitor(totalTasks, d.monitorOpts...)
	if err != nil {
		return nil, fmt.Errorf("create progress monitor: %w", err)
	}

	if run.Status == storage.RunStatusPending {
		if err := d.store.UpdateRunStatus(ctx, run.RunID, storage.RunStatusRunning, ""); err != nil {
			return nil, fmt.Errorf("mark run running: %w", err)
		}
		run.Status = storage.RunStatusRunning
	}

	stopSnapshots := d.startSnapshotWriter(monitor)
	defer stopSnapshots()

	worker := NewWorker(d.store, d.generator, d.gov, monitor,
		WithRetrySchedule(d.retrySchedule),
		WithSafetyMargin(d.safetyMargin),
		WithWorkerLogger(d.logger))
	parallel := NewRunner(worker, d.logger)

	var (
		mu       sync.Mutex
		outcomes []*Outcome
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.modelParallelism)
	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			outcome, err := parallel.RunModel(gctx, run, spec)
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
			return err
		})
	}

	if err := g.Wait(); err != nil {
		// Interrupted. The run stays in running state for resume.
		return nil, err
	}

	result := &Result{
		RunID:    run.RunID,
		Outcomes: outcomes,
	}
	for _, o := range outcomes {
		result.TotalTriples += o.Completed + len(o.Failed)
		result.FailedTriples += len(o.Failed)
	}

	if d.judgeModel != nil {
		pass := judge.NewPass(d.store, d.generator, d.gov, *d.judgeModel,
			judge.WithRetrySchedule(d.retrySchedule),
			judge.WithLogger(d.logger))
		summary, err := pass.Run(ctx, run.RunID, run.Criteria)
		if err != nil {
			return nil, fmt.Errorf("judge pass: %w", err)
		}
		result.Judge = summary
	}

	// Completed is terminal, so a run with failed verdicts must be
	// marked failed or those verdicts could never be retried.
	status := storage.RunStatusCompleted
	if result.FailedTriples > 0 || (result.Judge != nil && result.Judge.Failed > 0) {
		status = storage.RunStatusFailed
	}
	summary := fmt.Sprintf("%d/%d triples completed", result.TotalTriples-result.FailedTriples, result.TotalTriples)
	if result.Judge != nil {
		summary += fmt.Sprintf("; %d judged, %d judge failures", result.Judge.Judged, result.Judge.Failed)
	}

	if err := d.store.UpdateRunStatus(ctx, run.RunID, status, summary); err != nil {
		return nil, fmt.Errorf("record final status: %w", err)
	}
	result.Status = status
	result.Progress = monitor.Snapshot()

	if d.snapshotPath != "" {
		if err := monitor.WriteSnapshotFile(d.snapshotPath); err != nil {
			d.logger.Warn("final snapshot write failed", "error", err)
		}
	}

	d.logger.Info("run finished",
		"run_id", run.RunID,
		"status", status,
		"summary", summary)
	return result, nil
}

// startSnapshotWriter periodically writes the advisory progress file.
// Returns a stop function. Snapshot failures are logged, never fatal.
func (d *Driver) startSnapshotWriter(monitor *progress.Monitor) func() {
	if d.snapshotPath == "" {
		return func() {}
	}

	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(d.snapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := monitor.WriteSnapshotFile(d.snapshotPath); err != nil {
					d.logger.Warn("progress snapshot write failed", "error", err)
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
