package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gosuri/uiprogress"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ej-import/internal/checkpoint"
	"ej-import/internal/config"
	"ej-import/internal/engine"
	"ej-import/internal/logging"
	"ej-import/internal/manifest"
)

var (
	runSources []string
	failFast   bool
	dryRun     bool
	pruneEmpty bool
	strictMode bool
	resumeRun  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the manifest-driven import",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := buildContext()
		if err != nil {
			return err
		}
		defer log.Sync()

		if failFast {
			cfg.FailFast = true
		}
		if strictMode {
			cfg.StrictRowCount = true
		}
		if resumeRun {
			cfg.Resume = true
		}

		sources, err := resolveSources(cfg, runSources)
		if err != nil {
			return err
		}

		rt, err := engine.NewRuntime(cfg, log)
		if err != nil {
			return err
		}
		defer rt.Close()

		runID := uuid.NewString()
		log.Info("starting run",
			zap.String("run_id", runID),
			zap.String("target", cfg.Target.Database),
			zap.Int("sources", len(sources)))
		start := time.Now()

		// SIGINT finishes the in-flight batch and leaves IN_PROGRESS entries
		// for the checkpoint recovery path on the next run.
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if !dryRun {
			uiprogress.Start()
		}

		combined, err := runAll(ctx, rt, sources, log)

		if !dryRun {
			uiprogress.Stop()
		}

		printSummary(combined, time.Since(start))
		if err != nil {
			return err
		}
		if !combined.Success() {
			return fmt.Errorf("run finished with %d failed and %d blocked entries",
				combined.Failed, combined.SecurityBlocked)
		}
		return nil
	},
}

// runAll fans the source databases out to independent workers. A source-level
// failure (missing manifest, pool exhaustion, corrupt checkpoints) is recorded
// and must not cancel the sibling sources; only run cancellation propagates.
func runAll(ctx context.Context, rt *engine.Runtime, sources []config.Source, log *zap.Logger) (*engine.Stats, error) {
	var (
		mu       sync.Mutex
		combined engine.Stats
	)

	var g errgroup.Group
	for _, src := range sources {
		src := src
		g.Go(func() error {
			stats, err := runSource(ctx, rt, src, log)

			mu.Lock()
			defer mu.Unlock()
			if stats != nil {
				combined.Attempted += stats.Attempted
				combined.Skipped += stats.Skipped
				combined.Succeeded += stats.Succeeded
				combined.Failed += stats.Failed
				combined.SecurityBlocked += stats.SecurityBlocked
				combined.RowsCopied += stats.RowsCopied
				combined.Failures = append(combined.Failures, stats.Failures...)
			}
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				log.Error("source run failed", zap.String("source", src.Name), zap.Error(err))
				combined.Failed++
				combined.Failures = append(combined.Failures, engine.EntryFailure{
					TableKey: src.Name, Outcome: engine.OutcomeFatal, Reason: err.Error(),
				})
			}
			return nil
		})
	}
	err := g.Wait()
	return &combined, err
}

func runSource(ctx context.Context, rt *engine.Runtime, src config.Source, log *zap.Logger) (*engine.Stats, error) {
	cfg := rt.Config

	entries, err := manifest.Load(filepath.Join(cfg.CSVDir, src.ManifestFile), cfg.Target.Database, log)
	if err != nil {
		return nil, err
	}

	store, err := checkpoint.Open(cfg.LogDir, src.Name, log)
	if err != nil {
		return nil, err
	}
	// Fresh runs discard prior progress; only --resume (or RESUME=1) honors it.
	if !cfg.Resume {
		if err := store.Clear(); err != nil {
			return nil, err
		}
	}

	conn, err := rt.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	exec := engine.NewExecutor(conn, rt.Dialect, store, cfg, log)
	orch := engine.NewOrchestrator(src.Name, exec, store, cfg, log)
	orch.DryRun = dryRun
	orch.ErrorLog = logging.NewErrorLog(cfg.LogDir, src.Name)

	if !dryRun {
		bar := uiprogress.AddBar(len(entries)).AppendCompleted().PrependElapsed()
		bar.PrependFunc(func(b *uiprogress.Bar) string {
			return fmt.Sprintf("%-12s", src.Name)
		})
		orch.OnProgress = func() { bar.Incr() }
	}

	stats, err := orch.Run(ctx, entries)
	if err != nil {
		return stats, err
	}

	if pruneEmpty && !dryRun {
		if err := engine.PruneEmpty(ctx, rt, src.Name, entries); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func resolveSources(cfg *config.Config, names []string) ([]config.Source, error) {
	if len(names) == 0 {
		return cfg.Sources, nil
	}
	var out []config.Source
	for _, n := range names {
		src, ok := cfg.SourceByName(n)
		if !ok {
			return nil, fmt.Errorf("unknown source database %q", n)
		}
		out = append(out, src)
	}
	return out, nil
}

func printSummary(stats *engine.Stats, elapsed time.Duration) {
	fmt.Println("\nSummary Report:")
	fmt.Printf("  Attempted: %d  Skipped: %d  Succeeded: %d  Failed: %d  Blocked: %d\n",
		stats.Attempted, stats.Skipped, stats.Succeeded, stats.Failed, stats.SecurityBlocked)
	fmt.Printf("  Rows copied: %d\n", stats.RowsCopied)
	for _, f := range stats.Failures {
		fmt.Printf("  [!] %-40s %s - %s\n", f.TableKey, f.Outcome, f.Reason)
	}
	fmt.Println("--------------------------------------------------")
	fmt.Printf("Done in %s\n", elapsed.Round(time.Millisecond))
}

func init() {
	RootCmd.AddCommand(runCmd)

	runCmd.Flags().StringSliceVarP(&runSources, "source", "s", []string{}, "source databases to run (default: all configured)")
	runCmd.Flags().BoolVar(&failFast, "fail-fast", false, "stop after the first fatal entry")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "list entries that would be processed without executing")
	runCmd.Flags().BoolVar(&pruneEmpty, "prune-empty", false, "drop converted tables that ended up empty")
	runCmd.Flags().BoolVar(&strictMode, "strict", false, "treat any row-count mismatch as fatal")
	runCmd.Flags().BoolVar(&resumeRun, "resume", false, "honor prior checkpoint state instead of starting fresh")

	viper.BindPFlag("fail_fast", runCmd.Flags().Lookup("fail-fast"))
	viper.BindPFlag("strict_row_count", runCmd.Flags().Lookup("strict"))
	viper.BindPFlag("resume", runCmd.Flags().Lookup("resume"))
}
