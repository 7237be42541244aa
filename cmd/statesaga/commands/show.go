package commands

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fortressi/statesaga"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newShowCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "show <execution-id>",
		Short:   "Show a journaled saga run",
		Example: `  STATESAGA_JOURNAL_DIR=./runs statesaga show 4b0c2c3e-5a7b-4d39-9d5b-1f1f0a2e7c11`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid execution id %q: %w", args[0], err)
			}
			if opts.cfg.Journal.Dir == "" {
				return errors.New("no journal directory configured")
			}

			store, err := statesaga.NewFileStore(opts.cfg.Journal.Dir)
			if err != nil {
				return err
			}
			record, err := store.Load(cmd.Context(), id.String())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(record)
			}

			pretty := &statesaga.SagaLogPretty{ExecutionID: id, Saga: record.SagaName, Events: record.Events}
			fmt.Fprint(out, pretty.String())
			fmt.Fprintf(out, "\nstatus:    %s\n", record.Status)
			fmt.Fprintf(out, "updated:   %s\n", record.UpdatedAt.Format("2006-01-02 15:04:05"))
			if record.Error != "" {
				fmt.Fprintf(out, "error:     %s\n", record.Error)
			}
			if len(record.RequestContext) > 0 {
				fmt.Fprintf(out, "request:   %v\n", map[string]string(record.RequestContext))
			}
			if len(record.Results) > 0 {
				fmt.Fprintf(out, "results:   %s\n", record.Results)
			}
			return nil
		},
	}

	return cmd
}
