// Package cli defines the command-line interface for calcctl.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/calcflow/calcctl/internal/config"
	"github.com/calcflow/calcctl/internal/env"
	"github.com/calcflow/calcctl/internal/logging"
)

// Options stores global CLI options shared between commands.
type Options struct {
	JobPath  string
	EnvFiles []string
	LogLevel logging.Level
	// Vars are the process environment merged with loaded .env files.
	Vars env.Vars
	// Settings are parsed from Vars in the pre-run hook.
	Settings config.Settings
}

// Execute builds the root command, runs it with the provided args and logger, and returns any error.
func Execute(ctx context.Context, args []string, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.NewLogger(os.Stderr, logging.LevelInfo)
	}

	rootOpts := &Options{
		JobPath:  config.DefaultJobFile,
		LogLevel: logging.LevelInfo,
	}

	rootCmd := newRootCommand(rootOpts, logger)
	rootCmd.SetArgs(args)

	return rootCmd.ExecuteContext(ctx)
}

// newRootCommand constructs the root cobra.Command with global flags and subcommands.
func newRootCommand(opts *Options, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "calcctl",
		Short:         "calcctl runs VASP calculation recipes in scratch directories",
		Long:          "calcctl runs single and multi-stage VASP recipes described by a calc.yaml job file, staging each calculation in a private scratch directory.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("get working directory: %w", err)
			}
			vars, err := config.ResolveVars(wd, opts.EnvFiles)
			if err != nil {
				return err
			}
			settings, err := config.LoadSettings(vars)
			if err != nil {
				return err
			}
			opts.Vars = vars
			opts.Settings = settings

			levelName := settings.LogLevel
			if f := cmd.Flag("log-level"); f != nil && f.Changed {
				levelName = f.Value.String()
			}
			level, err := logging.ParseLevel(levelName)
			if err != nil {
				return err
			}
			opts.LogLevel = level
			logger = logging.NewLogger(os.Stderr, level)
			cmd.SetContext(context.WithValue(cmd.Context(), loggerKey{}, logger))
			logger.Debug("logger initialized", "level", level)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.JobPath, "job", "j", config.DefaultJobFile, "Path to calc.yaml job file")
	cmd.PersistentFlags().StringSliceVar(&opts.EnvFiles, "env-file", nil, "Additional .env files to load (repeatable)")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error); defaults to CALCCTL_LOG_LEVEL")

	cmd.AddCommand(
		newRunCommand(opts),
		newParamsCommand(opts),
		newDoctorCommand(opts),
	)

	return cmd
}

// loggerKey is a private context key used to store a logger in command contexts.
type loggerKey struct{}

// LoggerFromContext extracts a logger from the context or falls back to a default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return logging.NewLogger(os.Stderr, logging.LevelInfo)
	}
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return logging.NewLogger(os.Stderr, logging.LevelInfo)
}
