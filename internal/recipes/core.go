package recipes

import (
	"context"
	"fmt"

	"github.com/calcflow/calcctl/internal/atoms"
	"github.com/calcflow/calcctl/internal/params"
	"github.com/calcflow/calcctl/internal/summary"
)

// Recipe is a named sequence of stages with one entry point.
type Recipe interface {
	// Name is the run name passed to the summarizer.
	Name() string
	// PresetName is the preset every stage resolves against.
	PresetName() string
	// Stages lists the stages in execution order.
	Stages() []Stage
	// Execute runs the recipe on s and returns its summary output.
	Execute(ctx context.Context, env Env, s *atoms.Structure) (any, error)
}

// StaticDefaults are the single-point directives.
func StaticDefaults() *params.Set {
	return params.Of(
		"ismear", -5,
		"isym", 2,
		"laechg", true,
		"lcharg", true,
		"lwave", true,
		"nedos", 5001,
		"nsw", 0,
		"sigma", 0.05,
	)
}

// RelaxDefaults are the relaxation directives. Volume relaxation uses ISIF=3,
// position-only relaxation ISIF=2. lwave is false for a single relaxation and
// true when a second relaxation follows.
func RelaxDefaults(volumeRelax, lwave bool) *params.Set {
	return params.Of(
		"ediffg", -0.02,
		"isif", isif(volumeRelax),
		"ibrion", 2,
		"ismear", 0,
		"isym", 0,
		"lcharg", false,
		"lwave", lwave,
		"nsw", 200,
		"sigma", 0.05,
	)
}

func isif(volumeRelax bool) int {
	if volumeRelax {
		return 3
	}
	return 2
}

// Static is a single-point calculation.
type Static struct {
	RunName string
	Preset  string
	Swaps   *params.Set
}

// NewStatic returns a Static with the default run name.
func NewStatic() Static {
	return Static{RunName: "VASP-Static"}
}

func (r Static) Name() string       { return r.RunName }
func (r Static) PresetName() string { return r.Preset }

func (r Static) Stages() []Stage {
	return []Stage{{Name: "static", Defaults: StaticDefaults(), Swaps: r.Swaps}}
}

// Run executes the calculation and summarizes it.
func (r Static) Run(ctx context.Context, env Env, s *atoms.Structure) (*summary.Record, error) {
	return runSingle(ctx, env, s, r)
}

func (r Static) Execute(ctx context.Context, env Env, s *atoms.Structure) (any, error) {
	return r.Run(ctx, env, s)
}

// Relax is a single structure relaxation.
type Relax struct {
	RunName     string
	Preset      string
	VolumeRelax bool
	Swaps       *params.Set
}

// NewRelax returns a Relax with the default run name and volume relaxation.
func NewRelax() Relax {
	return Relax{RunName: "VASP-Relax", VolumeRelax: true}
}

func (r Relax) Name() string       { return r.RunName }
func (r Relax) PresetName() string { return r.Preset }

func (r Relax) Stages() []Stage {
	return []Stage{{Name: "relax", Defaults: RelaxDefaults(r.VolumeRelax, false), Swaps: r.Swaps}}
}

// Run executes the relaxation and summarizes it.
func (r Relax) Run(ctx context.Context, env Env, s *atoms.Structure) (*summary.Record, error) {
	return runSingle(ctx, env, s, r)
}

func (r Relax) Execute(ctx context.Context, env Env, s *atoms.Structure) (any, error) {
	return r.Run(ctx, env, s)
}

func runSingle(ctx context.Context, env Env, s *atoms.Structure, r Recipe) (*summary.Record, error) {
	results, err := env.Run(ctx, s, r.PresetName(), r.Stages())
	if err != nil {
		return nil, err
	}
	return env.summarize(results[len(results)-1].Structure, r.Name())
}

// DoubleRelax runs the same relaxation twice with separate override layers,
// the second starting from the first one's relaxed structure.
type DoubleRelax struct {
	RunName     string
	Preset      string
	VolumeRelax bool
	Swaps1      *params.Set
	Swaps2      *params.Set
}

// NewDoubleRelax returns a DoubleRelax with the default run name and volume
// relaxation.
func NewDoubleRelax() DoubleRelax {
	return DoubleRelax{RunName: "VASP-DoubleRelax", VolumeRelax: true}
}

// DoubleRelaxOutput holds one summary per relaxation.
type DoubleRelaxOutput struct {
	Relax1 *summary.Record `yaml:"relax1"`
	Relax2 *summary.Record `yaml:"relax2"`
}

func (r DoubleRelax) Name() string       { return r.RunName }
func (r DoubleRelax) PresetName() string { return r.Preset }

func (r DoubleRelax) Stages() []Stage {
	return []Stage{
		{Name: "relax1", Defaults: RelaxDefaults(r.VolumeRelax, true), Swaps: r.Swaps1},
		{Name: "relax2", Defaults: RelaxDefaults(r.VolumeRelax, true), Swaps: r.Swaps2, Decide: RestartRule},
	}
}

// Run executes both relaxations. Each is summarized as soon as it finishes,
// so the first summary only sees the first relaxation's outputs.
func (r DoubleRelax) Run(ctx context.Context, env Env, s *atoms.Structure) (*DoubleRelaxOutput, error) {
	var records []*summary.Record
	_, err := env.run(ctx, s, r.Preset, r.Stages(), func(res StageResult) error {
		rec, err := env.summarize(res.Structure, r.RunName)
		if err != nil {
			return err
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(records) != 2 {
		return nil, fmt.Errorf("double relaxation produced %d stages", len(records))
	}
	return &DoubleRelaxOutput{Relax1: records[0], Relax2: records[1]}, nil
}

func (r DoubleRelax) Execute(ctx context.Context, env Env, s *atoms.Structure) (any, error) {
	return r.Run(ctx, env, s)
}
