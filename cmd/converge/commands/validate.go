package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/cmd/converge/ui"
	"github.com/openfroyo/converge/pkg/config"
)

type validationResult struct {
	Valid     bool                     `json:"valid"`
	Files     []string                 `json:"files"`
	Resources int                      `json:"resources"`
	Errors    []config.ValidationError `json:"errors,omitempty"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate resource declarations",
		Long: `Validate resource declarations without touching the node.

This command checks:
  - CUE syntax and the resource schema
  - Field constraints (names, actions, retries)
  - Resource types and actions against the provider registry
  - Guard blocks compile
  - Notification targets and timings`,
		Example: `  # Validate a declaration file
  converge validate -f site.cue

  # Validate every .cue file in a directory
  converge validate -f ./declarations --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadAgentConfig()
			if err != nil {
				return err
			}
			if len(cfg.Declarations) == 0 {
				return errors.New("no declarations: pass --file or set declarations in the agent config")
			}

			result := validationResult{Valid: true}

			parsed, err := config.NewLoader().Load(ctx, cfg.Declarations)
			if err != nil {
				return err
			}
			result.Files = parsed.SourceFiles
			result.Errors = parsed.Errors

			if len(parsed.Errors) == 0 {
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

				collection, err := config.NewBuilder(registry, compiler, logger()).Build(ctx, parsed.Resources)
				if err != nil {
					result.Errors = append(result.Errors, config.ValidationError{Message: err.Error(), Severity: "error"})
				} else {
					result.Resources = collection.Len()
				}
			}
			result.Valid = len(result.Errors) == 0

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := writeJSON(out, result); err != nil {
					return err
				}
			} else if result.Valid {
				fmt.Fprintln(out, ui.SuccessMsg("%d resources in %d files are valid", result.Resources, len(result.Files)))
			} else {
				fmt.Fprint(out, ui.ValidationErrors(result.Errors))
			}

			if !result.Valid {
				return fmt.Errorf("validation failed with %d errors", len(result.Errors))
			}
			return nil
		},
	}

	return cmd
}
