package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/c360studio/storybench/battery"
	"github.com/c360studio/storybench/config"
	"github.com/c360studio/storybench/governor"
	"github.com/c360studio/storybench/llm"
	"github.com/c360studio/storybench/model"
	"github.com/c360studio/storybench/progress"
	"github.com/c360studio/storybench/runner"
	"github.com/c360studio/storybench/storage"
)

func runCmd(configPath *string) *cobra.Command {
	var (
		modelSelectors []string
		runs           int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a new evaluation run",
		Long: `Run fetches the active battery and criteria, snapshots them into a new
run, and executes every (model, sequence, run index) task to completion.
Interrupting with Ctrl-C leaves the run resumable.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return &exitError{code: exitFatal, err: err}
			}
			if runs > 0 {
				cfg.Run.RunsPerSequence = runs
			}

			env, err := buildEnv(cmd.Context(), cfg)
			if err != nil {
				return &exitError{code: exitFatal, err: err}
			}
			defer env.close()

			result, err := env.driver.Start(cmd.Context(), modelSelectors)
			return reportResult(result, err)
		},
	}

	cmd.Flags().StringSliceVarP(&modelSelectors, "models", "m", nil, "model selectors (glob patterns, default all enabled)")
	cmd.Flags().IntVar(&runs, "runs", 0, "override runs per sequence")
	return cmd
}

func resumeCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume an interrupted run",
		Long: `Resume picks up a pending or running run where it stopped. Stored
responses and verdicts are skipped; only missing work is executed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return &exitError{code: exitFatal, err: err}
			}

			env, err := buildEnv(cmd.Context(), cfg)
			if err != nil {
				return &exitError{code: exitFatal, err: err}
			}
			defer env.close()

			result, err := env.driver.Resume(cmd.Context(), args[0])
			return reportResult(result, err)
		},
	}
	return cmd
}

// reportResult maps a driver result onto process exit semantics.
func reportResult(result *runner.Result, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &exitError{code: exitFatal, err: err}
	}

	fmt.Printf("run %s finished: %s\n", result.RunID, result.Status)
	snap := result.Progress
	fmt.Printf("  tasks: %d completed, %d failed, %d total\n", snap.Completed, snap.Failed, snap.Total)
	fmt.Printf("  tokens: %d in, %d out\n", snap.TokensIn, snap.TokensOut)
	if result.Judge != nil {
		fmt.Printf("  verdicts: %d judged, %d skipped, %d failed, %d parse-incomplete\n",
			result.Judge.Judged, result.Judge.Skipped, result.Judge.Failed, result.Judge.Incomplete)
	}

	if !result.Succeeded() {
		return &exitError{code: exitPartial}
	}
	return nil
}

// env bundles the wired runtime pieces behind the CLI commands.
type env struct {
	driver *runner.Driver
	nc     *nats.Conn
}

func (e *env) close() {
	if e.nc != nil {
		e.nc.Close()
	}
}

// buildEnv wires the store, content source, registry, governor, client,
// and driver from validated config.
func buildEnv(ctx context.Context, cfg *config.Config) (*env, error) {
	logger := slog.Default()

	e := &env{}
	store, err := openStore(ctx, cfg.Storage.URI, e)
	if err != nil {
		return nil, err
	}

	var source battery.Source
	if cfg.ContentSource.URL != "" {
		source, err = battery.NewHTTPSource(cfg.ContentSource.URL, battery.WithToken(cfg.ContentSource.Token))
		if err != nil {
			return nil, err
		}
	} else {
		source = battery.NewFileSource(cfg.ContentSource.File)
	}

	specs, err := cfg.ModelSpecs()
	if err != nil {
		return nil, err
	}
	registry, err := model.NewRegistry(specs)
	if err != nil {
		return nil, err
	}

	gov := governor.New(
		governor.WithLimits(cfg.GovernorLimits()),
		governor.WithLogger(logger))

	client := llm.NewClient(
		llm.WithRequestTimeout(cfg.Run.RequestTimeout.Std()),
		llm.WithSafetyMargin(cfg.Run.SafetyMarginTokens),
		llm.WithLogger(logger))

	opts := []runner.DriverOption{
		runner.WithRunsPerSequence(cfg.Run.RunsPerSequence),
		runner.WithModelParallelism(cfg.Run.ModelParallelism),
		runner.WithDriverRetrySchedule(cfg.Run.RetryDurations()),
		runner.WithDriverSafetyMargin(cfg.Run.SafetyMarginTokens),
		runner.WithDriverLogger(logger),
		runner.WithMonitorOptions(progress.WithRegisterer(prometheus.DefaultRegisterer)),
	}
	if cfg.Run.SnapshotPath != "" {
		opts = append(opts, runner.WithSnapshotFile(cfg.Run.SnapshotPath, cfg.Run.SnapshotInterval.Std()))
	}

	judgeSpec, err := cfg.JudgeSpec()
	if err != nil {
		return nil, err
	}
	if judgeSpec != nil {
		opts = append(opts, runner.WithJudge(*judgeSpec))
	}

	e.driver = runner.NewDriver(store, source, registry, client, gov, opts...)
	return e, nil
}

func openStore(ctx context.Context, uri string, e *env) (storage.Store, error) {
	switch {
	case uri == "memory":
		return storage.NewMemoryStore(), nil
	case strings.HasPrefix(uri, "nats://"):
		nc, err := nats.Connect(uri, nats.Name(appName))
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", uri, err)
		}
		e.nc = nc
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("open jetstream: %w", err)
		}
		return storage.NewNATSStore(ctx, js)
	default:
		return nil, fmt.Errorf("unsupported storage uri %q (expected memory or nats://...)", uri)
	}
}
