package commands

import (
	"fmt"
	"strings"

	"github.com/nixmox/orchestrator/pkg/engine"
	"github.com/spf13/cobra"
)

func newGraphCommand() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "graph [manifest]",
		Short: "Print the service dependency graph",
		Long: `Print the deployment order derived from the manifest's dependency
declarations, or the full graph in Graphviz DOT format.`,
		Example: `  # Deployment order, one service per line
  orchestrate graph manifest.yaml

  # Render the graph with Graphviz
  orchestrate graph manifest.yaml --dot | dot -Tsvg -o graph.svg`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := setup()
			if err != nil {
				return planningFailed(err)
			}

			m, err := loadManifest(cmd.Context(), manifestArg(args), logger)
			if err != nil {
				return planningFailed(err)
			}
			graph, err := engine.BuildGraph(m)
			if err != nil {
				return planningFailed(err)
			}

			if dot {
				fmt.Fprint(cmd.OutOrStdout(), graph.ToDOT())
				return nil
			}
			for i, level := range graph.Levels() {
				fmt.Fprintf(cmd.OutOrStdout(), "%d: %s\n", i+1, strings.Join(level, " "))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "emit Graphviz DOT instead of deployment order")

	return cmd
}
