package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/cmd/converge/ui"
	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and check action policies",
		Long: `Policies are Rego modules evaluated before every action dispatch.
A policy denies an action by adding a message to its deny set. Blocking
violations (severity error or critical) veto the action in enforcing
mode; the rest are logged as warnings.

Built-in policies:
  - remote-access: sshd is never stopped or disabled
  - protected-packages: packages listed in the node attribute
    protected_packages are never removed
  - declared-restart: warns about services restarted on every run`,
	}

	cmd.AddCommand(newPolicyCheckCommand())
	cmd.AddCommand(newPolicyListCommand())

	return cmd
}

func newPolicyCheckCommand() *cobra.Command {
	var paths []string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate policies against the declarations",
		Long: `Evaluate policies against every declared action and every action a
notification may trigger, without converging. Node facts are collected so
attribute-based policies see the real node. Exits non-zero when any
action would be denied.`,
		Example: `  converge policy check -f site.cue
  converge policy check -f site.cue --policy ./policies`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadAgentConfig()
			if err != nil {
				return err
			}

			a, err := newAgent(ctx, cfg, agentOptions{})
			if err != nil {
				return err
			}
			defer a.shutdown()

			eng, err := policyEngine(cmd, cfg, paths)
			if err != nil {
				return err
			}

			collection, err := a.loadCollection(ctx)
			if err != nil {
				return err
			}
			decisions, err := eng.EvaluateCollection(ctx, collection, a.node)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := writeJSON(out, decisions); err != nil {
					return err
				}
			} else {
				fmt.Fprint(out, ui.PolicyDecisions(decisions))
			}

			denied := 0
			for _, d := range decisions {
				if !d.Decision.Allowed {
					denied++
				}
			}
			if denied > 0 {
				return fmt.Errorf("%d actions denied by policy", denied)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&paths, "policy", "p", nil, "policy files or directories (overrides the agent config)")

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	var paths []string

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List built-in and loaded policies",
		Example: `  converge policy list --policy ./policies`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadAgentConfig()
			if err != nil {
				return err
			}

			eng, err := policyEngine(cmd, cfg, paths)
			if err != nil {
				return err
			}

			policies := eng.ListPolicies()
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), policies)
			}
			fmt.Fprint(cmd.OutOrStdout(), ui.Policies(policies))
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&paths, "policy", "p", nil, "policy files or directories (overrides the agent config)")

	return cmd
}

// policyEngine creates an engine with the built-in policies plus those
// under paths, or under the configured policy paths when paths is empty.
func policyEngine(cmd *cobra.Command, cfg *config.AgentConfig, paths []string) (*policy.Engine, error) {
	if len(paths) == 0 {
		paths = cfg.Policy.Paths
	}

	eng, err := policy.NewEngine(logger())
	if err != nil {
		return nil, err
	}
	if len(paths) > 0 {
		if err := eng.LoadPolicies(cmd.Context(), paths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	return eng, nil
}
