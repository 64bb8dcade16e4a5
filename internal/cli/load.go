package cli

import (
	"github.com/spf13/cobra"

	"github.com/calcflow/calcctl/internal/atoms"
	"github.com/calcflow/calcctl/internal/config"
	"github.com/calcflow/calcctl/internal/env"
	"github.com/calcflow/calcctl/internal/params"
	"github.com/calcflow/calcctl/internal/recipes"
	"github.com/calcflow/calcctl/internal/vasp"
)

// loadedJob bundles what run and params need from the job file.
type loadedJob struct {
	job       *config.Job
	recipe    recipes.Recipe
	structure *atoms.Structure
}

// addJobFlags registers the flags shared by commands that load a job.
func addJobFlags(cmd *cobra.Command) {
	cmd.Flags().String("vars", "", "Additional template variables in k=v,k2=v2 format")
	cmd.Flags().StringArray("set", nil, "Override a directive for every stage, e.g. --set encut=600 or --set lreal=none")
}

// loadJob renders the job file, reads its structure and builds the recipe
// with --set overrides applied.
func loadJob(cmd *cobra.Command, opts *Options) (*loadedJob, error) {
	inlineVars, err := env.ParseInline(cmd.Flag("vars").Value.String())
	if err != nil {
		return nil, err
	}
	sets, err := cmd.Flags().GetStringArray("set")
	if err != nil {
		return nil, err
	}
	extra, err := params.ParseAssignments(sets)
	if err != nil {
		return nil, err
	}

	job, _, err := config.LoadJob(opts.JobPath, config.LoadOptions{
		BaseVars: opts.Vars,
		UserVars: inlineVars,
	})
	if err != nil {
		return nil, err
	}

	recipe, err := job.Build(extra)
	if err != nil {
		return nil, err
	}

	s, err := vasp.ReadPOSCARFile(job.Structure)
	if err != nil {
		return nil, err
	}

	return &loadedJob{job: job, recipe: recipe, structure: s}, nil
}
