package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stackform/stackform/pkg/engine"
)

func newGraphCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "graph [sources...]",
		Short: "Render the dependency graph as DOT",
		Long: `Build the dependency graph over declared and recorded resources and
emit it in Graphviz DOT format.

The graph includes recorded resources absent from the declarations, so
pending destroys are visible too.`,
		Example: `  # Print the graph to stdout
  stackform graph

  # Render with Graphviz
  stackform graph | dot -Tsvg -o graph.svg`,
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

			recorded, err := app.store.SnapshotAll(ctx)
			if err != nil {
				return err
			}

			graph, err := engine.BuildGraph(resources, recorded)
			if err != nil {
				return err
			}

			dot := graph.ToDOT()
			if outFile != "" {
				if err := os.WriteFile(outFile, []byte(dot), 0o644); err != nil {
					return fmt.Errorf("failed to write graph file: %w", err)
				}
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), dot)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the DOT output to this path")

	return cmd
}
