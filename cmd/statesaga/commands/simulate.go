package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/fortressi/statesaga"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// stubAPI is the API bound to every resource of a simulated definition.
type stubAPI struct {
	Resource string
}

// stubResponse is what a simulated step stores under its result key.
type stubResponse struct {
	Step     string `json:"step"`
	Resource string `json:"resource"`
	Payload  string `json:"payload,omitempty"`
}

func newSimulateCommand(opts *options) *cobra.Command {
	var (
		failures map[string]string
		crashes  []string
		request  map[string]string
		payloads map[string]string
	)

	cmd := &cobra.Command{
		Use:   "simulate <definition.json>",
		Short: "Run a saga with stub executors",
		Long: `Run a saga with stub executors.

Every step succeeds unless told otherwise: --fail makes a step return a
classified failure with the given error code, and --crash makes it fail
without a code. The run is journaled to the configured journal directory.`,
		Example: `  # Happy path
  statesaga simulate travel.json

  # Roll back after the car rental fails with code 500
  statesaga simulate --fail BookRental=500 travel.json

  # Fail during the rollback too
  statesaga simulate --fail BookRental=500 --fail CancelFlight=503 travel.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadDefinition(args[0])
			if err != nil {
				return err
			}
			for step := range failures {
				if _, ok := def.Step(step); !ok {
					return fmt.Errorf("--fail: saga %s has no step %s", def.Name(), step)
				}
			}
			for _, step := range crashes {
				if _, ok := def.Step(step); !ok {
					return fmt.Errorf("--crash: saga %s has no step %s", def.Name(), step)
				}
			}

			store, err := opts.openStore()
			if err != nil {
				return err
			}
			sagaOpts := []statesaga.Option{statesaga.WithStore(store)}

			var reg *prometheus.Registry
			if opts.cfg.Metrics.Enabled {
				reg = prometheus.NewRegistry()
				metrics, err := statesaga.NewMetrics(opts.cfg.Metrics.Namespace, reg)
				if err != nil {
					return err
				}
				sagaOpts = append(sagaOpts, statesaga.WithMetrics(metrics))
			}

			ctx := cmd.Context()
			if len(request) > 0 {
				ctx = statesaga.ContextWithRequest(ctx, statesaga.RequestContext(request))
			}

			saga := statesaga.New(def, sagaOpts...)
			log.Debug().
				Str("saga", saga.Definition().Name()).
				Strs("steps", saga.Definition().Steps()).
				Msg("Simulating saga")

			inputs := stubInputs(def, failures, crashes, payloads)
			res, runErr := saga.Execute(ctx, inputs)

			if err := printResult(cmd.OutOrStdout(), res, runErr, opts.jsonOutput); err != nil {
				return err
			}
			if reg != nil {
				if err := printMetrics(cmd.OutOrStdout(), reg); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringToStringVar(&failures, "fail", nil, "make a step fail with an error code (Step=code)")
	cmd.Flags().StringSliceVar(&crashes, "crash", nil, "make a step fail without an error code")
	cmd.Flags().StringToStringVar(&request, "req", nil, "request context attached to the audit log (key=value)")
	cmd.Flags().StringToStringVar(&payloads, "payload", nil, "payload handed to a step (Step=value)")

	return cmd
}

// stubInputs builds an input for every step of def.
func stubInputs(def *statesaga.Definition, failures map[string]string, crashes []string, payloads map[string]string) statesaga.Inputs {
	crashed := make(map[string]bool, len(crashes))
	for _, step := range crashes {
		crashed[step] = true
	}

	inputs := statesaga.Inputs{}
	for _, name := range def.Steps() {
		step := name
		code, fails := failures[step]
		crash := crashed[step]

		inputs[step] = statesaga.StepInput{
			Payload: payloads[step],
			Exec: func(ctx context.Context, api statesaga.API, results statesaga.Results, payload any) (any, error) {
				resource := api.(stubAPI).Resource
				log.Debug().Str("step", step).Str("resource", resource).Msg("Simulated call")
				switch {
				case crash:
					return nil, fmt.Errorf("simulated crash in %s", step)
				case fails:
					return nil, statesaga.Failed(code, fmt.Errorf("simulated failure of %s", resource))
				}
				p, _ := payload.(string)
				return stubResponse{Step: step, Resource: resource, Payload: p}, nil
			},
		}
	}
	return inputs
}

type resultView struct {
	ExecutionID string         `json:"execution_id"`
	Saga        string         `json:"saga"`
	Outcome     string         `json:"outcome"`
	Order       []string       `json:"order"`
	Results     map[string]any `json:"results"`
	Error       string         `json:"error,omitempty"`
}

func printResult(w io.Writer, res *statesaga.Result, runErr error, asJSON bool) error {
	view := resultView{
		ExecutionID: res.ExecutionID.String(),
		Saga:        res.Saga,
		Outcome:     res.Outcome.String(),
		Order:       res.ExecutionOrder(),
		Results:     res.Results,
	}
	if runErr != nil {
		view.Error = runErr.Error()
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	pretty := &statesaga.SagaLogPretty{ExecutionID: res.ExecutionID, Saga: res.Saga, Events: res.Events}
	fmt.Fprint(w, pretty.String())
	fmt.Fprintf(w, "\noutcome:   %s\n", view.Outcome)

	var sagaErr *statesaga.SagaError
	if errors.As(runErr, &sagaErr) {
		fmt.Fprintf(w, "failed at: %s (%s)\n", sagaErr.Step, sagaErr.Kind)
	}
	if view.Error != "" {
		fmt.Fprintf(w, "error:     %s\n", view.Error)
	}

	keys := make([]string, 0, len(res.Results))
	for k := range res.Results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "results (%d):\n", len(keys))
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %+v\n", k, res.Results[k])
	}
	return nil
}

func printMetrics(w io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "metrics:")
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := ""
			for _, lp := range m.GetLabel() {
				labels += fmt.Sprintf(" %s=%s", lp.GetName(), lp.GetValue())
			}
			switch {
			case m.GetCounter() != nil:
				fmt.Fprintf(w, "  %s%s %g\n", mf.GetName(), labels, m.GetCounter().GetValue())
			case m.GetHistogram() != nil:
				fmt.Fprintf(w, "  %s%s count=%d\n", mf.GetName(), labels, m.GetHistogram().GetSampleCount())
			}
		}
	}
	return nil
}
