package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/stackform/stackform/pkg/telemetry"
)

func newDevCommand() *cobra.Command {
	var (
		applyChanges bool
		debounce     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "dev [sources...]",
		Short: "Watch declarations and replan on change",
		Long: `Watch the declaration sources and recompute the plan whenever a CUE
file changes.

By default dev mode only plans. With --apply each change is applied
immediately, which suits iterating against local providers.`,
		Example: `  # Replan on every change in the current directory
  stackform dev

  # Apply changes as they happen
  stackform dev --apply`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			sources := args
			if len(sources) == 0 {
				sources = []string{"."}
			}

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("failed to create file watcher: %w", err)
			}
			defer watcher.Close()

			for _, source := range sources {
				dir := source
				if info, err := os.Stat(source); err == nil && !info.IsDir() {
					dir = filepath.Dir(source)
				}
				if err := watcher.Add(dir); err != nil {
					return fmt.Errorf("failed to watch %s: %w", dir, err)
				}
			}

			bus := telemetry.NewBus()
			defer bus.Close()
			events, unsubscribe := bus.Subscribe(64)
			defer unsubscribe()
			go func() {
				for event := range events {
					switch event.Type {
					case telemetry.EventWaveStarted:
						fmt.Fprintf(cmd.OutOrStdout(), "wave %d: %d action(s)\n", event.Wave+1, event.Actions)
					case telemetry.EventActionCompleted:
						fmt.Fprintf(cmd.OutOrStdout(), "  %s %s: %s\n",
							event.Result.Verb, event.Result.Identity, event.Result.Outcome)
					}
				}
			}()

			iterate := func() {
				resources, err := app.parseSources(sources)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "parse failed: %v\n", err)
					return
				}
				if !applyChanges {
					plan, err := app.reconciler.Plan(ctx, resources)
					if err != nil {
						fmt.Fprintf(cmd.OutOrStdout(), "plan failed: %v\n", err)
						return
					}
					renderPlan(cmd.OutOrStdout(), plan)
					return
				}
				executor := app.reconciler.Executor()
				observers := telemetry.MultiObserver{bus}
				if app.metrics != nil {
					observers = append(observers, app.metrics)
				}
				executor.SetObserver(observers)
				_, report, err := app.reconciler.Run(ctx, resources, executor)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "apply failed: %v\n", err)
					return
				}
				renderReport(cmd.OutOrStdout(), report)
			}

			app.logger.Info().Strs("sources", sources).Msg("dev mode watching for changes")
			iterate()

			// Editors fire bursts of events per save; coalesce them.
			var timer *time.Timer
			var timerC <-chan time.Time
			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if !strings.HasSuffix(event.Name, ".cue") {
						continue
					}
					if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
						continue
					}
					if timer != nil {
						timer.Stop()
					}
					timer = time.NewTimer(debounce)
					timerC = timer.C
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					app.logger.Warn().Err(err).Msg("file watcher error")
				case <-timerC:
					iterate()
				}
			}
		},
	}

	cmd.Flags().BoolVar(&applyChanges, "apply", false, "apply on every change instead of only planning")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "quiet period after a change before replanning")

	return cmd
}
