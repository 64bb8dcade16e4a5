// Package vasp attaches the VASP solver to a structure: it resolves a preset
// and user directives into INCAR, KPOINTS, POSCAR and POTCAR, runs the solver
// binary and reads energies, forces and the relaxed geometry back.
package vasp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/calcflow/calcctl/internal/atoms"
	"github.com/calcflow/calcctl/internal/logging"
	"github.com/calcflow/calcctl/internal/params"
)

const (
	// DefaultCommand runs the standard build.
	DefaultCommand = "vasp_std"
	// DefaultGammaCommand runs the Gamma-only build.
	DefaultGammaCommand = "vasp_gam"
)

// Settings is the process-wide solver configuration shared by calculators.
type Settings struct {
	Command      string
	GammaCommand string
	// PotcarDir holds one "<symbol>[suffix]/POTCAR" directory per
	// pseudopotential. When empty, no POTCAR is written.
	PotcarDir string
	Presets   PresetSource
	Runner    Runner
	Logger    *slog.Logger
}

func (st Settings) withDefaults() Settings {
	if st.Command == "" {
		st.Command = DefaultCommand
	}
	if st.GammaCommand == "" {
		st.GammaCommand = DefaultGammaCommand
	}
	st.Logger = logging.OrDiscard(st.Logger)
	if st.Runner == nil {
		st.Runner = ExecRunner{Logger: st.Logger}
	}
	return st
}

// Calculator is a VASP calculator with a resolved directive set and mesh.
type Calculator struct {
	settings Settings
	preset   string
	params   *params.Set
	mesh     Mesh
	err      error
}

var _ atoms.Calculator = (*Calculator)(nil)

// New resolves the preset, overlays flags with None removal, and turns the
// k-point directives into a mesh for s.
func New(s *atoms.Structure, st Settings, preset string, flags *params.Set) (*Calculator, error) {
	st = st.withDefaults()

	var base *params.Set
	if preset != "" {
		if st.Presets == nil {
			return nil, &atoms.ConfigError{Reason: fmt.Sprintf("preset %q requested but no preset source is configured", preset)}
		}
		set, err := st.Presets.Lookup(preset)
		if err != nil {
			return nil, err
		}
		base = set
	}
	merged := params.Merge(true, base, flags)

	mesh, err := resolveMesh(s, merged)
	if err != nil {
		return nil, &atoms.ConfigError{Reason: "resolve k-points", Err: err}
	}
	merged.Delete("kpts")
	merged.Delete("auto_kpts")

	return &Calculator{settings: st, preset: preset, params: merged, mesh: mesh}, nil
}

// NewCalculator is New with the atoms.Calculator result type, for use as a
// calculator factory.
func (st Settings) NewCalculator(s *atoms.Structure, preset string, flags *params.Set) (atoms.Calculator, error) {
	c, err := New(s, st, preset, flags)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Preset returns the preset name the calculator was built from.
func (c *Calculator) Preset() string { return c.preset }

// Parameters returns a copy of the directives written to INCAR, plus
// calculator-level keys such as "gamma" or "setups".
func (c *Calculator) Parameters() *params.Set { return c.params.Clone() }

// KPoints returns the resolved mesh subdivisions.
func (c *Calculator) KPoints() atoms.KPoints { return c.mesh.Grid }

// Mesh returns the resolved mesh.
func (c *Calculator) Mesh() Mesh { return c.mesh }

// Command returns the solver command the current mesh selects.
func (c *Calculator) Command() string {
	if c.mesh.Grid.IsGamma() {
		return c.settings.GammaCommand
	}
	return c.settings.Command
}

// Set overrides one directive. Setting None removes it; "kpts" replaces the
// mesh subdivisions.
func (c *Calculator) Set(key string, value any) {
	if params.IsNone(value) {
		c.params.Delete(key)
		return
	}
	if key == "kpts" {
		grid, err := kptsValue(params.Of("kpts", value))
		if err != nil {
			c.err = &atoms.ConfigError{Reason: "set k-points", Err: err}
			return
		}
		c.mesh.Grid = grid
		return
	}
	c.params.Set(key, value)
}

// Clone returns an independent copy.
func (c *Calculator) Clone() atoms.Calculator {
	cp := *c
	cp.params = c.params.Clone()
	return &cp
}

// Calculate writes the inputs into dir, runs the solver there and stores the
// final energy, forces and geometry on s. A solver failure is returned as the
// runner reported it.
func (c *Calculator) Calculate(ctx context.Context, dir string, s *atoms.Structure) error {
	if c.err != nil {
		return c.err
	}
	if err := c.writeInputs(dir, s); err != nil {
		return err
	}

	command := c.Command()
	c.settings.Logger.Debug("running solver", "command", command, "kpoints", c.mesh.Grid.String(), "dir", dir)
	if err := c.settings.Runner.Run(ctx, dir, command); err != nil {
		return err
	}
	return c.readOutputs(dir, s)
}

func (c *Calculator) writeInputs(dir string, s *atoms.Structure) error {
	var incar, kpoints, poscar bytes.Buffer
	if err := WriteINCAR(&incar, c.params); err != nil {
		return &atoms.ConfigError{Reason: "write INCAR", Err: err}
	}
	if err := WriteKPOINTS(&kpoints, c.mesh); err != nil {
		return err
	}
	if err := WritePOSCAR(&poscar, s, ""); err != nil {
		return err
	}
	files := map[string][]byte{
		"INCAR":   incar.Bytes(),
		"KPOINTS": kpoints.Bytes(),
		"POSCAR":  poscar.Bytes(),
	}
	if c.settings.PotcarDir != "" {
		species, _ := s.Species()
		setups, _ := c.params.Sub("setups")
		var potcar bytes.Buffer
		if err := writePOTCAR(&potcar, c.settings.PotcarDir, species, setups); err != nil {
			return &atoms.ConfigError{Reason: "assemble POTCAR", Err: err}
		}
		files["POTCAR"] = potcar.Bytes()
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

func (c *Calculator) readOutputs(dir string, s *atoms.Structure) error {
	order := sortOrder(s.Symbols)

	out, err := ReadOUTCARFile(filepath.Join(dir, "OUTCAR"), s.Len())
	if err != nil {
		return fmt.Errorf("read OUTCAR: %w", err)
	}
	forces := make([]atoms.Vec3, s.Len())
	for j, i := range order {
		forces[i] = out.Forces[j]
	}

	final, err := ReadPOSCARFile(filepath.Join(dir, "CONTCAR"))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case errors.Is(err, errShortPOSCAR):
		// VASP leaves CONTCAR empty when it stops before the first ionic step.
	case err != nil:
		return fmt.Errorf("read CONTCAR: %w", err)
	default:
		if final.Len() != s.Len() {
			return fmt.Errorf("read CONTCAR: %d atoms, expected %d", final.Len(), s.Len())
		}
		positions := make([]atoms.Vec3, s.Len())
		for j, i := range order {
			positions[i] = final.Positions[j]
		}
		s.Positions = positions
		s.Cell = final.Cell
	}

	s.Results = &atoms.Results{Energy: out.Energy, Forces: forces, Dir: dir}
	return nil
}
