package commands

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stackform/stackform/pkg/engine"
	"github.com/stackform/stackform/pkg/policy"
	"github.com/stackform/stackform/pkg/telemetry"
)

func newApplyCommand() *cobra.Command {
	var (
		autoApprove bool
		refresh     bool
	)

	cmd := &cobra.Command{
		Use:   "apply [sources...]",
		Short: "Apply the declared state",
		Long: `Plan and apply in one run, holding the state lock throughout.

Apply:
  - Computes the plan and shows it for approval
  - Evaluates policies against the plan and blocks on violations
  - Executes waves in order with bounded parallelism
  - Retries transient provider failures with backoff
  - Contains failures: dependents of a failed action are skipped,
    independent subtrees still complete`,
		Example: `  # Apply declarations in the current directory
  stackform apply

  # Skip the approval prompt
  stackform apply --auto-approve

  # Refresh recorded state before planning
  stackform apply --refresh`,
		RunE: func(cmd *cobra.Command, args []string) (runErr error) {
			ctx := cmd.Context()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, span, finish := app.startSpan(ctx, "apply")
			defer func() { finish(runErr) }()

			resources, err := app.parseSources(args)
			if err != nil {
				return err
			}

			if refresh {
				if err := app.reconciler.Refresh(ctx); err != nil {
					return err
				}
			}

			// Preview plan for approval and policy. The lock is
			// released in between; Run replans under the lock so the
			// applied plan always matches current state.
			preview, err := app.reconciler.Plan(ctx, resources)
			if err != nil {
				return err
			}
			renderPlan(cmd.OutOrStdout(), preview)
			if preview.IsEmpty() {
				return nil
			}

			gate, err := newPolicyGate(ctx, app, cmd)
			if err != nil {
				return err
			}
			if gate != nil {
				if err := gate(ctx, preview); err != nil {
					return err
				}
			}

			if !autoApprove {
				ok, err := confirm(cmd, "Apply these changes?")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Apply cancelled.")
					return nil
				}
			}

			executor := app.reconciler.Executor()
			executor.SetObserver(newProgressObserver(app))

			// The gate re-checks the plan recomputed under the lock;
			// the preview check alone would miss state moved in
			// between.
			plan, report, err := app.reconciler.RunGated(ctx, resources, executor, gate)
			if err != nil {
				return err
			}
			telemetry.AnnotatePlan(span, plan.ID, len(plan.Waves), len(plan.Actions()))
			if app.metrics != nil {
				app.metrics.RecordPlan(plan)
				app.metrics.RecordRun(report)
			}

			renderReport(cmd.OutOrStdout(), report)
			if !report.Succeeded() {
				return fmt.Errorf("run %s finished with status %s", report.RunID, report.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "apply without interactive approval")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "refresh recorded state from providers before planning")

	return cmd
}

// newPolicyGate compiles the configured policies once and returns a
// gate that fails on any blocking violation. Nil when policy
// evaluation is disabled.
func newPolicyGate(ctx context.Context, app *app, cmd *cobra.Command) (engine.PlanGate, error) {
	if !app.settings.Policy.Enabled {
		return nil, nil
	}

	policyEngine, err := policy.NewEngine(app.logger)
	if err != nil {
		return nil, err
	}
	if err := policyEngine.LoadPaths(ctx, app.settings.Policy.Paths); err != nil {
		return nil, err
	}

	return func(ctx context.Context, plan *engine.Plan) error {
		result, err := policyEngine.EvaluatePlan(ctx, plan)
		if err != nil {
			return err
		}
		if len(result.Violations) > 0 || len(result.Warnings) > 0 {
			renderViolations(cmd.OutOrStdout(), result)
		}
		if !result.Allowed {
			return fmt.Errorf("plan blocked by %d policy violation(s)", len(result.Errors()))
		}
		return nil
	}, nil
}

// newProgressObserver fans execution events out to the configured
// metrics and a logger that narrates per-action progress.
func newProgressObserver(app *app) engine.Observer {
	observers := telemetry.MultiObserver{loggingObserver{logger: app.logger}}
	if app.metrics != nil {
		observers = append(observers, app.metrics)
	}
	return observers
}

type loggingObserver struct {
	logger zerolog.Logger
}

func (o loggingObserver) WaveStarted(wave, actions int) {
	o.logger.Info().Int("wave", wave+1).Int("actions", actions).Msg("wave started")
}

func (o loggingObserver) ActionCompleted(result engine.ActionResult) {
	o.logger.Info().
		Stringer("resource", result.Identity).
		Str("verb", string(result.Verb)).
		Str("outcome", string(result.Outcome)).
		Msg("action completed")
}

// confirm prompts on the command's input stream and accepts "yes".
func confirm(cmd *cobra.Command, question string) (bool, error) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s Only 'yes' is accepted: ", question)
	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("failed to read approval: %w", err)
	}
	return strings.TrimSpace(line) == "yes", nil
}
