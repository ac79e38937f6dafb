package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/cmd/converge/ui"
)

var (
	// Global flags
	agentPath  string
	files      []string
	dbPath     string
	verbose    bool
	jsonOutput bool
	noColor    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "converge",
		Short: "converge - declarative resource convergence for OpenBSD hosts",
		Long: `converge brings a host to the state described by a list of resource
declarations.

Resources are declared in CUE, converged in declaration order and may
notify each other (for example a package upgrade restarting a service).
Providers:
  - package: pkg_info/pkg_add/pkg_delete on OpenBSD
  - service: rc.conf.local on OpenBSD, or ps-based start/stop commands`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			ui.Configure(noColor || jsonOutput)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&agentPath, "agent", "a", "", "agent config file (default "+defaultAgentPath+" if present)")
	rootCmd.PersistentFlags().StringSliceVarP(&files, "file", "f", nil, "declaration files or directories (overrides the agent config)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "run history database (overrides the agent config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newShowCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newDaemonCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newPolicyCommand())

	return rootCmd
}

// writeJSON writes v as indented JSON.
func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// logger returns the CLI logger for commands that run without an agent.
func logger() zerolog.Logger {
	return log.Logger
}
