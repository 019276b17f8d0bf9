package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newPlanCommand() *cobra.Command {
	var (
		outFile string
		refresh bool
	)

	cmd := &cobra.Command{
		Use:   "plan [sources...]",
		Short: "Compute the actions needed to reach the declared state",
		Long: `Compute an execution plan by diffing declarations against recorded state.

The plan:
  - Validates every declaration against its kind schema
  - Orders actions into dependency waves
  - Chooses create, update, replace, or destroy per resource
  - Changes nothing: providers are only consulted during refresh`,
		Example: `  # Plan against declarations in the current directory
  stackform plan

  # Refresh recorded state from providers first
  stackform plan --refresh

  # Persist the plan as JSON
  stackform plan --out plan.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			resources, err := app.parseSources(args)
			if err != nil {
				return err
			}

			if refresh {
				if err := app.reconciler.Refresh(ctx); err != nil {
					return err
				}
			}

			plan, err := app.reconciler.Plan(ctx, resources)
			if err != nil {
				return err
			}
			if app.metrics != nil {
				app.metrics.RecordPlan(plan)
			}

			renderPlan(cmd.OutOrStdout(), plan)

			if outFile != "" {
				data, err := json.MarshalIndent(plan, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to encode plan: %w", err)
				}
				if err := os.WriteFile(outFile, data, 0o644); err != nil {
					return fmt.Errorf("failed to write plan file: %w", err)
				}
				app.logger.Info().Str("path", outFile).Msg("plan written")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the plan as JSON to this path")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "refresh recorded state from providers before planning")

	return cmd
}
