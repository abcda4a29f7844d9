package main

import (
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aristath/wavesched/internal/config"
	"github.com/aristath/wavesched/internal/logging"
)

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	configPath string // Replaces the project config when set
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "wavesched",
		Short: "Run waves of dependent tasks in parallel",
		Long: `wavesched decomposes waves of tasks into a dependency graph and runs them
on a bounded worker pool. Tasks start as soon as their dependencies complete;
a failure skips everything downstream of it while unrelated work continues.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default .wavesched/config.json)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newRunCmd(opts),
		newValidateCmd(opts),
		newHistoryCmd(opts),
	)
	return root
}

// loadConfig layers defaults, the global config and the project config (or
// --config) and applies flag overrides.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	globalPath, err := config.GlobalPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(globalPath, o.projectPath())
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// projectPath is where the settings form saves project-level changes.
func (o *globalOptions) projectPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	return config.ProjectPath
}

func newLogger(cfg *config.Config, w io.Writer) *zerolog.Logger {
	log := logging.New(cfg.Log, w)
	return &log
}
