// Package atoms models an atomistic structure with an attached calculator.
//
// A Structure is treated as immutable across pipeline stages: every stage
// works on a Copy and hands the copy, carrying the solver's output, to the
// next stage.
package atoms

import (
	"fmt"
	"math"
)

// Vec3 is a Cartesian vector in Angstrom (positions) or eV/Angstrom (forces).
type Vec3 [3]float64

// Results holds the solver output attached to a structure.
type Results struct {
	// Energy is the total free energy in eV.
	Energy float64 `yaml:"energy"`
	// Forces holds one force vector per atom.
	Forces []Vec3 `yaml:"forces,omitempty"`
	// Dir is the directory the calculation's files were materialized into.
	Dir string `yaml:"dir,omitempty"`
}

// Structure is a periodic atomic configuration plus an optional calculator.
type Structure struct {
	// Symbols lists the chemical symbol of every atom.
	Symbols []string
	// Positions are Cartesian coordinates in Angstrom.
	Positions []Vec3
	// Cell holds the three lattice vectors as rows.
	Cell [3]Vec3
	// PBC flags periodicity along each lattice vector.
	PBC [3]bool
	// Calc is the attached solver configuration.
	Calc Calculator
	// Results is nil until a calculation has run.
	Results *Results
}

// New builds a periodic structure. Symbols and positions must have equal length.
func New(symbols []string, positions []Vec3, cell [3]Vec3) (*Structure, error) {
	if len(symbols) != len(positions) {
		return nil, fmt.Errorf("atoms: %d symbols but %d positions", len(symbols), len(positions))
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("atoms: structure has no atoms")
	}
	s := &Structure{
		Symbols:   append([]string(nil), symbols...),
		Positions: append([]Vec3(nil), positions...),
		Cell:      cell,
		PBC:       [3]bool{true, true, true},
	}
	return s, nil
}

// Len returns the number of atoms.
func (s *Structure) Len() int {
	return len(s.Symbols)
}

// Copy returns a deep, independent copy, including a cloned calculator.
func (s *Structure) Copy() *Structure {
	out := &Structure{
		Symbols:   append([]string(nil), s.Symbols...),
		Positions: append([]Vec3(nil), s.Positions...),
		Cell:      s.Cell,
		PBC:       s.PBC,
	}
	if s.Calc != nil {
		out.Calc = s.Calc.Clone()
	}
	if s.Results != nil {
		r := *s.Results
		r.Forces = append([]Vec3(nil), s.Results.Forces...)
		out.Results = &r
	}
	return out
}

// WithCalculator returns a copy of s with calc attached and previous results
// dropped, since they belong to the old calculator.
func (s *Structure) WithCalculator(calc Calculator) *Structure {
	out := s.Copy()
	out.Calc = calc
	out.Results = nil
	return out
}

// Volume returns the cell volume in cubic Angstrom.
func (s *Structure) Volume() float64 {
	return math.Abs(dot(s.Cell[0], cross(s.Cell[1], s.Cell[2])))
}

// Lengths returns the lattice vector lengths a, b, c.
func (s *Structure) Lengths() [3]float64 {
	return [3]float64{norm(s.Cell[0]), norm(s.Cell[1]), norm(s.Cell[2])}
}

// Species returns the distinct symbols in first-occurrence order with counts.
func (s *Structure) Species() ([]string, []int) {
	var order []string
	counts := make(map[string]int)
	for _, sym := range s.Symbols {
		if _, ok := counts[sym]; !ok {
			order = append(order, sym)
		}
		counts[sym]++
	}
	out := make([]int, len(order))
	for i, sym := range order {
		out[i] = counts[sym]
	}
	return order, out
}

// FractionalPositions converts Cartesian positions to cell coordinates.
func (s *Structure) FractionalPositions() ([]Vec3, error) {
	inv, err := invert(s.Cell)
	if err != nil {
		return nil, err
	}
	out := make([]Vec3, len(s.Positions))
	for i, p := range s.Positions {
		// r = f * Cell, so f = r * inv(Cell)
		for j := 0; j < 3; j++ {
			out[i][j] = p[0]*inv[0][j] + p[1]*inv[1][j] + p[2]*inv[2][j]
		}
	}
	return out, nil
}

// MaxForce returns the largest per-atom force norm of the current results.
func (s *Structure) MaxForce() float64 {
	if s.Results == nil {
		return 0
	}
	return MaxNorm(s.Results.Forces)
}

// MaxNorm returns the largest vector norm in vs.
func MaxNorm(vs []Vec3) float64 {
	var m float64
	for _, v := range vs {
		if n := norm(v); n > m {
			m = n
		}
	}
	return m
}

func dot(a, b Vec3) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func cross(a, b Vec3) Vec3 {
	return Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func norm(a Vec3) float64 {
	return math.Sqrt(dot(a, a))
}

func invert(m [3]Vec3) ([3]Vec3, error) {
	det := dot(m[0], cross(m[1], m[2]))
	if math.Abs(det) < 1e-12 {
		return [3]Vec3{}, fmt.Errorf("atoms: cell is singular")
	}
	// Columns of the inverse are the reciprocal vectors divided by det.
	c0 := cross(m[1], m[2])
	c1 := cross(m[2], m[0])
	c2 := cross(m[0], m[1])
	var inv [3]Vec3
	for i := 0; i < 3; i++ {
		inv[i] = Vec3{c0[i] / det, c1[i] / det, c2[i] / det}
	}
	return inv, nil
}
