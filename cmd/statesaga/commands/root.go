package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/fortressi/statesaga"
	"github.com/fortressi/statesaga/internal/config"
	"github.com/fortressi/statesaga/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// options holds the global flags and the configuration they resolve to.
type options struct {
	configPath string
	verbose    bool
	jsonOutput bool

	cfg config.Config
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "statesaga",
		Short: "statesaga - saga orchestration from JSON state machines",
		Long: `statesaga compiles saga definitions written in a subset of the Step Functions
grammar and runs them with backward recovery.

Commands:
  - validate a definition
  - export its transition graph as DOT
  - simulate a run with stub executors
  - show a journaled run`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newDotCommand())
	rootCmd.AddCommand(newSimulateCommand(opts))
	rootCmd.AddCommand(newShowCommand(opts))

	return rootCmd
}

// setup loads the configuration and installs the global logger.
func (o *options) setup() error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.verbose {
		cfg.Log.Level = "debug"
	}
	o.cfg = cfg

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	log.Logger = logger
	return nil
}

// loadDefinition compiles the definition at path. Every resource it names is
// bound to a stub API reporting the resource name.
func loadDefinition(path string) (*statesaga.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}

	resources, err := statesaga.Resources(data)
	if err != nil {
		return nil, err
	}
	reg := statesaga.NewRegistry()
	for _, name := range resources {
		if err := reg.Register(name, statesaga.StaticAPI(stubAPI{Resource: name})); err != nil {
			return nil, err
		}
	}

	return statesaga.Compile(sagaName(path), data, reg)
}

// openStore returns the journal configured for this invocation.
func (o *options) openStore() (statesaga.Store, error) {
	if o.cfg.Journal.Dir == "" {
		return statesaga.NewMemoryStore(), nil
	}
	return statesaga.NewFileStore(o.cfg.Journal.Dir)
}
