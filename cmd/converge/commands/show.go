package commands

import (
	"errors"

	"github.com/spf13/cobra"
)

func newShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the resource collection as JSON",
		Long: `Build the resource collection from the declarations and print it as JSON.

Each resource is printed with its type, name, action, parameters, guards
and notifications, in declaration order. Nothing is run on the node.`,
		Example: `  converge show -f site.cue`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadAgentConfig()
			if err != nil {
				return err
			}
			if len(cfg.Declarations) == 0 {
				return errors.New("no declarations: pass --file or set declarations in the agent config")
			}

			registry, err := newRegistry()
			if err != nil {
				return err
			}
			compiler, closer, err := newCompiler(ctx, cfg.Guards)
			if err != nil {
				return err
			}
			if closer != nil {
				defer func() { _ = closer(ctx) }()
			}

			collection, err := buildCollection(ctx, cfg.Declarations, registry, compiler, logger())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), collection)
		},
	}

	return cmd
}
