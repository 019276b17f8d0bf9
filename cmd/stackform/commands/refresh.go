package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRefreshCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Reconcile recorded state with what providers report",
		Long: `Read every recorded resource back through its provider and update
the recorded attributes to match.

Resources the provider no longer knows are dropped from state, so the
next plan recreates them. Refresh never mutates provider objects.`,
		Example: `  # Refresh recorded state
  stackform refresh`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.reconciler.Refresh(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Recorded state refreshed.")
			return nil
		},
	}

	return cmd
}
