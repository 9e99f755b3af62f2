package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/nixmox/orchestrator/pkg/state"
	"github.com/spf13/cobra"
)

func newStateCommand() *cobra.Command {
	var forget string

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show recorded deployment state",
		Long: `List the services recorded as deployed, with the version and
dependency snapshot taken when each one last reached healthy.

Records drive incremental planning only; they are never a substitute
for live health checks.`,
		Example: `  # List recorded deployments
  orchestrate state

  # Drop one record so the next incremental run re-deploys it
  orchestrate state --forget vaultwarden`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return planningFailed(err)
			}

			store, err := state.Open(cmd.Context(), cfg.StatePath, logger)
			if err != nil {
				return planningFailed(err)
			}
			defer store.Close()

			if forget != "" {
				if err := store.Forget(cmd.Context(), forget); err != nil {
					return planningFailed(err)
				}
				logger.Info().Str("service", forget).Msg("deployment record dropped")
				return nil
			}

			deployed, err := store.Load(cmd.Context())
			if err != nil {
				return planningFailed(err)
			}
			if len(deployed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no deployments recorded")
				return nil
			}

			names := make([]string, 0, len(deployed))
			for name := range deployed {
				names = append(names, name)
			}
			sort.Strings(names)

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"SERVICE", "DEPLOYED", "VERSION", "DEPENDS ON", "IP"})
			for _, name := range names {
				d := deployed[name]
				t.AppendRow(table.Row{
					name,
					d.DeployedAt.Format("2006-01-02 15:04:05"),
					d.Version,
					strings.Join(d.DependsOn, ", "),
					d.IP,
				})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&forget, "forget", "", "drop one service's deployment record")

	return cmd
}
