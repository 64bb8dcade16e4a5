package cli

import (
	"github.com/spf13/cobra"

	"github.com/calcflow/calcctl/internal/atoms"
	"github.com/calcflow/calcctl/internal/params"
	"github.com/calcflow/calcctl/internal/recipes"
	"github.com/calcflow/calcctl/internal/summary"
)

// plannedStage is the printed form of one resolved stage.
type plannedStage struct {
	Stage   string        `yaml:"stage"`
	KPoints atoms.KPoints `yaml:"kpoints,flow"`
	Gamma   bool          `yaml:"gamma"`
	Params  *params.Set   `yaml:"params"`
}

// newParamsCommand creates the "params" subcommand that prints the effective
// directives of every stage without running anything.
func newParamsCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Print the resolved directives and k-points of every stage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			lj, err := loadJob(cmd, opts)
			if err != nil {
				return err
			}

			env := recipes.Env{
				Calculators: opts.Settings.Vasp(logger).NewCalculator,
				Logger:      logger,
			}
			resolved, err := env.Plan(lj.structure, lj.recipe.PresetName(), lj.recipe.Stages())
			if err != nil {
				return err
			}

			out := make([]plannedStage, 0, len(resolved))
			for _, r := range resolved {
				out = append(out, plannedStage{
					Stage:   r.Stage,
					KPoints: r.KPoints,
					Gamma:   r.KPoints.IsGamma(),
					Params:  r.Params,
				})
			}
			return summary.Encode(cmd.OutOrStdout(), out)
		},
	}

	addJobFlags(cmd)

	return cmd
}
