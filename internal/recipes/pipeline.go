// Package recipes defines the calculation recipes: fixed, named sequences of
// stages whose directives are merged from recipe defaults, a preset and user
// overrides, each run in its own scratch session.
package recipes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/calcflow/calcctl/internal/atoms"
	"github.com/calcflow/calcctl/internal/logging"
	"github.com/calcflow/calcctl/internal/params"
	"github.com/calcflow/calcctl/internal/runcalc"
	"github.com/calcflow/calcctl/internal/summary"
)

// Factory builds the calculator for a stage from a preset name and the
// stage's merged directives. flags may hold None values; the factory must
// merge flags over the preset with None removal, so a None in a recipe
// default or override also removes the preset's value.
type Factory func(s *atoms.Structure, preset string, flags *params.Set) (atoms.Calculator, error)

// Env holds the collaborators shared by every stage of a recipe run.
type Env struct {
	Calculators Factory
	// Exec configures the scratch session each stage runs in.
	Exec runcalc.Options
	// Summarizer defaults to summary.Default.
	Summarizer summary.Summarizer
	Logger     *slog.Logger
}

func (env Env) logger() *slog.Logger {
	return logging.OrDiscard(env.Logger)
}

func (env Env) summarizer() summary.Summarizer {
	if env.Summarizer == nil {
		return summary.Default{}
	}
	return env.Summarizer
}

// Resolved is the configuration a stage actually runs with.
type Resolved struct {
	Stage   string
	Params  *params.Set
	KPoints atoms.KPoints
}

// Decision inspects the previous stage's resolved configuration and the next
// stage's, and returns directives to force on the next stage. It is the only
// way configuration crosses a stage boundary.
type Decision func(prev, next Resolved) *params.Set

// RestartRule forces a cold start (istart=0) when the previous stage sampled
// only the Gamma point and the next one samples a real mesh, since the two
// runs use different solver builds and their wavefunctions are incompatible.
func RestartRule(prev, next Resolved) *params.Set {
	if prev.KPoints.IsGamma() && !next.KPoints.IsGamma() {
		return params.Of("istart", 0)
	}
	return nil
}

// Stage is one solver invocation within a recipe.
type Stage struct {
	Name     string
	Defaults *params.Set
	Swaps    *params.Set
	// Decide, if set, runs against the previous stage's resolved settings
	// before this stage executes.
	Decide Decision
	// Trigger replaces the single calculator evaluation, for stages that
	// drive the calculator themselves.
	Trigger runcalc.Trigger
}

// StageResult is a completed stage.
type StageResult struct {
	Resolved  Resolved
	Structure *atoms.Structure
}

// Run executes stages strictly in order, handing each stage's output
// structure and resolved configuration to the next. The first failure stops
// the run; the results of completed stages are returned with the error.
func (env Env) Run(ctx context.Context, s *atoms.Structure, preset string, stages []Stage) ([]StageResult, error) {
	return env.run(ctx, s, preset, stages, nil)
}

// run is Run with a hook called after each completed stage, before the next
// one starts. A hook error stops the run like a stage failure.
func (env Env) run(ctx context.Context, s *atoms.Structure, preset string, stages []Stage, after func(StageResult) error) ([]StageResult, error) {
	if env.Calculators == nil {
		return nil, &atoms.ConfigError{Reason: "no calculator factory configured"}
	}
	logger := env.logger()

	var (
		results []StageResult
		prev    *Resolved
	)
	current := s
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		calc, res, err := env.resolve(current, preset, st, prev)
		if err != nil {
			return results, fmt.Errorf("stage %q: %w", st.Name, err)
		}

		logger.Info("stage started", "stage", st.Name, "kpoints", res.KPoints.String(), "preset", preset)
		out, err := env.execute(ctx, current.WithCalculator(calc), st)
		if err != nil {
			logger.Error("stage failed", "stage", st.Name, "error", err)
			return results, fmt.Errorf("stage %q: %w", st.Name, err)
		}
		logger.Info("stage finished", "stage", st.Name, "energy", out.Results.Energy, "max_force", out.MaxForce())

		results = append(results, StageResult{Resolved: res, Structure: out})
		prev = &results[len(results)-1].Resolved
		current = out
		if after != nil {
			if err := after(results[len(results)-1]); err != nil {
				return results, err
			}
		}
	}
	return results, nil
}

// Plan resolves every stage against s without running anything. Decisions
// see the resolved settings of the planned previous stage.
func (env Env) Plan(s *atoms.Structure, preset string, stages []Stage) ([]Resolved, error) {
	if env.Calculators == nil {
		return nil, &atoms.ConfigError{Reason: "no calculator factory configured"}
	}
	var (
		out  []Resolved
		prev *Resolved
	)
	for _, st := range stages {
		_, res, err := env.resolve(s, preset, st, prev)
		if err != nil {
			return out, fmt.Errorf("stage %q: %w", st.Name, err)
		}
		out = append(out, res)
		prev = &out[len(out)-1]
	}
	return out, nil
}

func (env Env) resolve(s *atoms.Structure, preset string, st Stage, prev *Resolved) (atoms.Calculator, Resolved, error) {
	flags := params.Merge(false, st.Defaults, st.Swaps)
	calc, err := env.Calculators(s, preset, flags)
	if err != nil {
		return nil, Resolved{}, err
	}
	res := Resolved{Stage: st.Name, Params: calc.Parameters(), KPoints: calc.KPoints()}

	if prev != nil && st.Decide != nil {
		forced := st.Decide(*prev, res)
		for _, key := range forced.Keys() {
			v, _ := forced.Get(key)
			calc.Set(key, v)
			env.logger().Info("directive forced by previous stage",
				"stage", st.Name, "previous", prev.Stage, "key", key, "value", v,
				"previous_kpoints", prev.KPoints.String(), "kpoints", res.KPoints.String())
		}
		if forced.Len() > 0 {
			res = Resolved{Stage: st.Name, Params: calc.Parameters(), KPoints: calc.KPoints()}
		}
	}
	return calc, res, nil
}

func (env Env) execute(ctx context.Context, s *atoms.Structure, st Stage) (*atoms.Structure, error) {
	opts := env.Exec
	if opts.Logger == nil {
		opts.Logger = env.Logger
	}
	if st.Trigger != nil {
		return runcalc.RunFunc(ctx, s, opts, st.Trigger)
	}
	return runcalc.Run(ctx, s, opts)
}

func (env Env) summarize(s *atoms.Structure, name string) (*summary.Record, error) {
	rec, err := env.summarizer().Summarize(s, map[string]any{"name": name})
	if err != nil {
		return nil, fmt.Errorf("summarize %s: %w", name, err)
	}
	return rec, nil
}
