package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/c360studio/storybench/config"
	"github.com/c360studio/storybench/progress"
	"github.com/c360studio/storybench/storage"
)

func statusCmd(configPath *string) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status and stored artifact counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return &exitError{code: exitFatal, err: err}
			}

			env := &env{}
			defer env.close()
			store, err := openStore(cmd.Context(), cfg.Storage.URI, env)
			if err != nil {
				return &exitError{code: exitFatal, err: err}
			}

			if err := printRunStatus(cmd.Context(), store, args[0]); err != nil {
				return &exitError{code: exitFatal, err: err}
			}

			if watch {
				if cfg.Run.SnapshotPath == "" {
					return &exitError{code: exitFatal, err: fmt.Errorf("--watch requires run.snapshot_path in config")}
				}
				return watchSnapshots(cmd.Context(), cfg.Run.SnapshotPath)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow live progress from the snapshot file")
	return cmd
}

func printRunStatus(ctx context.Context, store storage.Store, runID string) error {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	responses := 0
	if err := store.IterResponses(ctx, runID, func(*storage.Response) error {
		responses++
		return nil
	}); err != nil {
		return err
	}

	verdicts := 0
	incomplete := 0
	if err := store.IterVerdicts(ctx, runID, func(v *storage.Verdict) error {
		verdicts++
		if v.ParseIncomplete {
			incomplete++
		}
		return nil
	}); err != nil {
		return err
	}

	expected := len(run.ModelIDs) * run.Battery.TaskCount(run.RunsPerSequence)

	fmt.Printf("run %s\n", run.RunID)
	fmt.Printf("  status:    %s\n", run.Status)
	fmt.Printf("  battery:   %s\n", run.BatteryVersionID)
	fmt.Printf("  criteria:  %s\n", run.CriteriaVersionID)
	fmt.Printf("  models:    %d\n", len(run.ModelIDs))
	fmt.Printf("  started:   %s\n", run.StartedAt.Format(time.RFC3339))
	if run.EndedAt != nil {
		fmt.Printf("  ended:     %s\n", run.EndedAt.Format(time.RFC3339))
	}
	if run.Summary != "" {
		fmt.Printf("  summary:   %s\n", run.Summary)
	}
	fmt.Printf("  responses: %d/%d\n", responses, expected)
	fmt.Printf("  verdicts:  %d (%d parse-incomplete)\n", verdicts, incomplete)
	return nil
}

// watchSnapshots follows the advisory progress file until interrupted.
// The writer replaces the file atomically, so each change event maps to
// one complete snapshot.
func watchSnapshots(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return &exitError{code: exitFatal, err: fmt.Errorf("create watcher: %w", err)}
	}
	defer watcher.Close()

	// Watch the directory: renames replace the file inode, so watching
	// the path itself would go stale after the first update.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return &exitError{code: exitFatal, err: fmt.Errorf("watch %s: %w", path, err)}
	}

	printSnapshot(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			printSnapshot(path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Printf("watch error: %v\n", err)
		}
	}
}

func printSnapshot(path string) {
	snap, err := progress.ReadSnapshotFile(path)
	if err != nil {
		return
	}

	eta := "-"
	if snap.ETASeconds > 0 {
		eta = (time.Duration(snap.ETASeconds) * time.Second).String()
	}
	fmt.Printf("[%s] %d/%d done, %d failed, %d in flight, %.2f tasks/s, eta %s\n",
		snap.CapturedAt.Format("15:04:05"),
		snap.Completed, snap.Total, snap.Failed, snap.InFlight,
		snap.ThroughputPerSec, eta)
}
