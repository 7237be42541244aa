package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newDotCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "dot <definition.json>",
		Short: "Export the transition graph in Graphviz format",
		Example: `  # Render a definition
  statesaga dot travel.json | dot -Tsvg > travel.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadDefinition(args[0])
			if err != nil {
				return err
			}

			graph, err := def.ExportToDot()
			if err != nil {
				return err
			}

			if output == "" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), graph)
				return err
			}
			if err := os.WriteFile(output, []byte(graph+"\n"), 0644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			log.Info().Str("saga", def.Name()).Str("output", output).Msg("Graph written")
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the graph to a file instead of stdout")

	return cmd
}
