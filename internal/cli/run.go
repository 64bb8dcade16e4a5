package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/calcflow/calcctl/internal/recipes"
	"github.com/calcflow/calcctl/internal/summary"
)

// newRunCommand creates the "run" subcommand that executes the job's recipe.
func newRunCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the recipe described by the job file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			lj, err := loadJob(cmd, opts)
			if err != nil {
				return err
			}

			env := recipes.Env{
				Calculators: opts.Settings.Vasp(logger).NewCalculator,
				Exec:        opts.Settings.ExecOptions(lj.job.Dir, logger),
				Summarizer:  summary.Default{ListFiles: true},
				Logger:      logger,
			}

			logger.Info("running recipe",
				"recipe", lj.recipe.Name(),
				"preset", lj.recipe.PresetName(),
				"atoms", lj.structure.Len(),
				"dir", lj.job.Dir,
				"scratch", env.Exec.ScratchRoot,
			)
			started := time.Now()

			out, err := lj.recipe.Execute(cmd.Context(), env, lj.structure)
			if err != nil {
				return fmt.Errorf("%s: %w", lj.recipe.Name(), err)
			}
			logger.Info("recipe finished", "recipe", lj.recipe.Name(), "elapsed", time.Since(started).Round(time.Second))

			return writeOutput(cmd.Flag("output").Value.String(), cmd.OutOrStdout(), out)
		},
	}

	addJobFlags(cmd)
	cmd.Flags().StringP("output", "o", "-", "Where to write the summary YAML (- for stdout)")

	return cmd
}

func writeOutput(path string, stdout io.Writer, v any) error {
	if path == "" || path == "-" {
		return summary.Encode(stdout, v)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output %q: %w", path, err)
	}
	if err := summary.Encode(f, v); err != nil {
		_ = f.Close()
		return fmt.Errorf("write output %q: %w", path, err)
	}
	return f.Close()
}
