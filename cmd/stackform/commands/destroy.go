package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stackform/stackform/pkg/engine"
	"github.com/stackform/stackform/pkg/telemetry"
)

func newDestroyCommand() *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Destroy everything in recorded state",
		Long: `Plan and apply the removal of every recorded resource.

Destruction runs in reverse dependency order: dependents are destroyed
before the resources they depend on.`,
		Example: `  # Show what would be destroyed, then prompt
  stackform destroy

  # Destroy without the approval prompt
  stackform destroy --auto-approve`,
		RunE: func(cmd *cobra.Command, args []string) (runErr error) {
			ctx := cmd.Context()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, span, finish := app.startSpan(ctx, "destroy")
			defer func() { finish(runErr) }()

			// Empty desired state plans a destroy for every record.
			preview, err := app.reconciler.Plan(ctx, nil)
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
				ok, err := confirm(cmd, "Destroy all recorded resources?")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Destroy cancelled.")
					return nil
				}
			}

			executor := app.reconciler.Executor()
			executor.SetObserver(newProgressObserver(app))

			var desired []*engine.Resource
			plan, report, err := app.reconciler.RunGated(ctx, desired, executor, gate)
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

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "destroy without interactive approval")

	return cmd
}
