package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/cmd/converge/ui"
	"github.com/openfroyo/converge/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var noop bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Converge the node once",
		Long: `Converge the node to the declared resources once.

Resources are converged in declaration order. For each resource the
provider loads the current state, guards are evaluated and the declared
action runs when the system differs. Immediate notifications run right
after the notifying resource, delayed notifications once at the end.

With --noop the current state is loaded for every resource and the
actions that would run are reported without running them.`,
		Example: `  # Converge from a declaration file
  converge run -f site.cue

  # Report what would change
  converge run -f site.cue --noop

  # Use an agent config (transport, store, policies)
  converge run --agent /etc/converge/agent.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadAgentConfig()
			if err != nil {
				return err
			}

			a, err := newAgent(ctx, cfg, agentOptions{Store: true, Policy: true})
			if err != nil {
				return err
			}
			defer a.shutdown()

			report, err := a.converge(ctx, noop)
			if report != nil {
				if printErr := printReport(cmd.OutOrStdout(), report); printErr != nil {
					return printErr
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVarP(&noop, "noop", "n", false, "report actions without running them")

	return cmd
}

// printReport writes a run report as JSON or as a rendered table.
func printReport(w io.Writer, report *engine.RunReport) error {
	if jsonOutput {
		return writeJSON(w, report)
	}
	_, err := fmt.Fprint(w, ui.RunReport(report))
	return err
}
