package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/cmd/converge/ui"
	"github.com/openfroyo/converge/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit    int
		runID    string
		resource string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded convergence runs",
		Long: `Show convergence runs recorded in the run history database.

Without flags the most recent runs are listed. --run shows one run with
every action dispatch and its timeline events. --resource lists the
dispatches of one resource across runs.`,
		Example: `  # List the last 20 runs
  converge history

  # Show one run in detail
  converge history --run 6f1c0c2e-...

  # Show how a resource converged over time
  converge history --resource 'service[sshd]' --limit 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadAgentConfig()
			if err != nil {
				return err
			}

			store, err := openHistory(ctx, cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			switch {
			case runID != "":
				detail, err := store.GetRunDetail(ctx, runID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, detail)
				}
				fmt.Fprint(out, ui.RunDetail(detail))

			case resource != "":
				results, err := store.ResourceHistory(ctx, resource, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, results)
				}
				if len(results) == 0 {
					fmt.Fprintln(out, ui.Muted("no dispatches recorded for "+resource))
					return nil
				}
				fmt.Fprint(out, ui.Results(results))

			default:
				runs, err := store.ListRuns(ctx, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, runs)
				}
				fmt.Fprint(out, ui.Runs(runs))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "maximum number of entries")
	cmd.Flags().StringVar(&runID, "run", "", "show a single run")
	cmd.Flags().StringVar(&resource, "resource", "", "show the history of one resource (type[name])")

	return cmd
}

// openHistory opens an existing run history database.
func openHistory(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no run history at %s", path)
		}
		return nil, err
	}
	return stores.Open(ctx, stores.Config{Path: path})
}
