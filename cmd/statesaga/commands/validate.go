package commands

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newValidateCommand(opts *options) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate <definition.json>",
		Short: "Validate a saga definition",
		Long: `Validate a saga definition.

This command checks:
  - JSON syntax and the supported subset of the state grammar
  - Next/End and Catch transitions point at defined steps
  - Transitions and compensations form no cycle
  - Steps unreachable from StartAt (an error with --strict)`,
		Example: `  # Validate a definition
  statesaga validate travel.json

  # Fail on unreachable steps
  statesaga validate --strict travel.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			log.Debug().Str("path", path).Bool("strict", strict).Msg("Validating definition")

			def, err := loadDefinition(path)
			if err != nil {
				return err
			}

			unreachable := def.Unreachable()
			for _, name := range unreachable {
				log.Warn().Str("saga", def.Name()).Str("step", name).Msg("Step is unreachable from StartAt")
			}
			if strict && len(unreachable) > 0 {
				return fmt.Errorf("saga %s: unreachable steps: %s", def.Name(), strings.Join(unreachable, ", "))
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return json.NewEncoder(out).Encode(map[string]any{
					"saga":        def.Name(),
					"start":       def.Start(),
					"steps":       def.Steps(),
					"unreachable": unreachable,
				})
			}
			fmt.Fprintf(out, "%s: OK (%d steps, start at %s)\n", def.Name(), def.Len(), def.Start())
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat unreachable steps as errors")

	return cmd
}

// sagaName derives a saga name from a definition file name.
func sagaName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
