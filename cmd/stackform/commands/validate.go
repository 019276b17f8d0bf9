package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [sources...]",
		Short: "Validate declarations against provider schemas",
		Long: `Validate CUE declarations without touching state or providers.

Validation:
  - Evaluates the CUE sources and reports syntax or unification errors
  - Checks every declared resource against its kind schema
  - Checks that dependency references resolve within the declarations`,
		Example: `  # Validate declarations in the current directory
  stackform validate

  # Validate a specific file
  stackform validate infra.cue`,
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

			declared := make(map[string]bool, len(resources))
			for _, res := range resources {
				declared[res.Identity.String()] = true
			}

			var problems int
			for _, res := range resources {
				schema, err := app.registry.Schema(res.Identity.Kind)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s: %v\n", res.Identity, err)
					problems++
					continue
				}
				if err := schema.ValidateResource(res); err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s: %v\n", res.Identity, err)
					problems++
				}
				for _, dep := range res.DependsOn {
					if !declared[dep.String()] {
						fmt.Fprintf(cmd.OutOrStdout(), "  %s: depends on undeclared resource %s\n", res.Identity, dep)
						problems++
					}
				}
			}

			if problems > 0 {
				return fmt.Errorf("validation failed with %d problem(s)", problems)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Declarations valid: %d resource(s).\n", len(resources))
			return nil
		},
	}

	return cmd
}
