package recipes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/calcflow/calcctl/internal/atoms"
	"github.com/calcflow/calcctl/internal/optimize"
	"github.com/calcflow/calcctl/internal/params"
	"github.com/calcflow/calcctl/internal/runcalc"
	"github.com/calcflow/calcctl/internal/summary"
)

// DefaultPreRelaxFMax is the pre-relaxation force threshold in eV/Angstrom.
const DefaultPreRelaxFMax = 5.0

// Phase is a step of the QMOF relaxation cascade.
type Phase int

const (
	PhasePreRelax Phase = iota
	PhaseLoosePositions
	PhaseLooseVolume
	PhaseProduction1
	PhaseProduction2
	PhaseDone
)

var phaseNames = [...]string{"prerelax", "loose-positions", "loose-volume", "production1", "production2", "done"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Next returns the phase after p. There are no backward transitions, and the
// loose volume relaxation is skipped entirely unless volume relaxation was
// requested.
func (p Phase) Next(volumeRelax bool) Phase {
	switch p {
	case PhasePreRelax:
		return PhaseLoosePositions
	case PhaseLoosePositions:
		if volumeRelax {
			return PhaseLooseVolume
		}
		return PhaseProduction1
	case PhaseLooseVolume:
		return PhaseProduction1
	case PhaseProduction1:
		return PhaseProduction2
	}
	return PhaseDone
}

// QMOF relaxes a structure in a multi-fidelity cascade compatible with the
// QMOF Database workflow: a force-only pre-relaxation, a loose position
// relaxation, an optional loose volume relaxation, and a production double
// relaxation whose second half drops LREAL.
type QMOF struct {
	RunName     string
	Preset      string
	VolumeRelax bool
	// Swaps applies to every stage.
	Swaps *params.Set
	// FMax is the pre-relaxation force threshold; zero means
	// DefaultPreRelaxFMax.
	FMax float64
	// MaxSteps bounds the pre-relaxation iterations.
	MaxSteps int
}

// NewQMOF returns a QMOF recipe with the default name, preset, volume
// relaxation and pre-relaxation threshold.
func NewQMOF() QMOF {
	return QMOF{RunName: "QMOF-Relax", Preset: "QMOFSet", VolumeRelax: true, FMax: DefaultPreRelaxFMax}
}

func (r QMOF) Name() string       { return r.RunName }
func (r QMOF) PresetName() string { return r.Preset }

// Phases lists the phases the cascade will run.
func (r QMOF) Phases() []Phase {
	var out []Phase
	for p := PhasePreRelax; p != PhaseDone; p = p.Next(r.VolumeRelax) {
		out = append(out, p)
	}
	return out
}

func (r QMOF) Stages() []Stage {
	return r.stages(nil)
}

func (r QMOF) stages(logger *slog.Logger) []Stage {
	phases := r.Phases()
	stages := make([]Stage, 0, len(phases))
	for _, p := range phases {
		stages = append(stages, r.stage(p, logger))
	}
	return stages
}

func (r QMOF) stage(p Phase, logger *slog.Logger) Stage {
	st := Stage{Name: p.String(), Swaps: r.Swaps}
	switch p {
	case PhasePreRelax:
		st.Defaults = params.Of(
			"auto_kpts", params.Of("grid_density", 100),
			"ediff", 1e-4,
			"encut", params.None,
			"lcharg", false,
			"lreal", "auto",
			"lwave", true,
			"nelm", 225,
			"nsw", 0,
		)
		st.Trigger = r.prerelax(logger)
	case PhaseLoosePositions:
		st.Defaults = params.Of(
			"auto_kpts", params.Of("grid_density", 100),
			"ediff", 1e-4,
			"ediffg", -0.05,
			"encut", params.None,
			"isif", 2,
			"lcharg", false,
			"lreal", "auto",
			"lwave", true,
			"nsw", 250,
		)
	case PhaseLooseVolume:
		st.Defaults = params.Of(
			"auto_kpts", params.Of("grid_density", 100),
			"isif", 3,
			"lcharg", false,
			"lreal", "auto",
			"lwave", true,
			"nsw", 500,
		)
	case PhaseProduction1:
		st.Defaults = r.productionDefaults()
	case PhaseProduction2:
		d := r.productionDefaults()
		d.Delete("lreal")
		st.Defaults = d
		st.Decide = productionRestart
	}
	return st
}

func (r QMOF) productionDefaults() *params.Set {
	nsw := 250
	if r.VolumeRelax {
		nsw = 500
	}
	return params.Of(
		"isif", isif(r.VolumeRelax),
		"lcharg", false,
		"lreal", "auto",
		"lwave", true,
		"nsw", nsw,
	)
}

// productionRestart applies RestartRule only between the two production
// stages.
func productionRestart(prev, next Resolved) *params.Set {
	if prev.Stage != PhaseProduction1.String() {
		return nil
	}
	return RestartRule(prev, next)
}

func (r QMOF) prerelax(logger *slog.Logger) runcalc.Trigger {
	fmax := r.FMax
	if fmax <= 0 {
		fmax = DefaultPreRelaxFMax
	}
	return func(ctx context.Context, dir string, s *atoms.Structure) error {
		_, err := optimize.Relax(ctx, dir, s, optimize.Options{FMax: fmax, MaxSteps: r.MaxSteps, Logger: logger})
		return err
	}
}

// Run executes the cascade and summarizes the final structure once.
func (r QMOF) Run(ctx context.Context, env Env, s *atoms.Structure) (*summary.Record, error) {
	results, err := env.Run(ctx, s, r.Preset, r.stages(env.Logger))
	if err != nil {
		return nil, err
	}
	return env.summarize(results[len(results)-1].Structure, r.RunName)
}

func (r QMOF) Execute(ctx context.Context, env Env, s *atoms.Structure) (any, error) {
	return r.Run(ctx, env, s)
}
