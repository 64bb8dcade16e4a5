package vasp

import (
	"fmt"
	"io"
	"math"

	"github.com/calcflow/calcctl/internal/atoms"
	"github.com/calcflow/calcctl/internal/params"
)

// Mesh is a resolved k-point mesh.
type Mesh struct {
	Grid atoms.KPoints
	// GammaCentered selects a Gamma-centered mesh instead of Monkhorst-Pack.
	GammaCentered bool
}

// resolveMesh picks the k-point mesh from the directives: an explicit "kpts"
// wins, then "auto_kpts" with "grid_density" (k-points per reciprocal atom)
// or "reciprocal_density" (k-points per inverse cubic Angstrom), and with
// neither the mesh is the single Gamma point.
func resolveMesh(s *atoms.Structure, p *params.Set) (Mesh, error) {
	forceGamma := false
	if v, ok := p.Get("gamma"); ok {
		b, isBool := v.(bool)
		if !isBool {
			return Mesh{}, fmt.Errorf("gamma must be a boolean, got %v", v)
		}
		forceGamma = b
	}

	if p.Has("kpts") {
		grid, err := kptsValue(p)
		if err != nil {
			return Mesh{}, err
		}
		return Mesh{Grid: grid, GammaCentered: forceGamma}, nil
	}

	auto, ok := p.Sub("auto_kpts")
	if !ok {
		if p.Has("auto_kpts") {
			return Mesh{}, fmt.Errorf("auto_kpts must be a mapping")
		}
		return Mesh{Grid: atoms.Gamma, GammaCentered: true}, nil
	}

	switch {
	case auto.Has("grid_density"):
		kppa, ok := auto.Float("grid_density")
		if !ok || kppa <= 0 {
			return Mesh{}, fmt.Errorf("auto_kpts.grid_density must be a positive number")
		}
		return automaticDensity(s, kppa, forceGamma), nil
	case auto.Has("reciprocal_density"):
		kppvol, ok := auto.Float("reciprocal_density")
		if !ok || kppvol <= 0 {
			return Mesh{}, fmt.Errorf("auto_kpts.reciprocal_density must be a positive number")
		}
		vol := s.Volume()
		if vol <= 0 {
			return Mesh{}, fmt.Errorf("auto_kpts.reciprocal_density needs a non-degenerate cell")
		}
		recip := math.Pow(2*math.Pi, 3) / vol
		return automaticDensity(s, kppvol*recip*float64(s.Len()), forceGamma), nil
	}
	return Mesh{}, fmt.Errorf("auto_kpts: unsupported keys %v", auto.Keys())
}

func kptsValue(p *params.Set) (atoms.KPoints, error) {
	ints, ok := p.Ints("kpts")
	if !ok || len(ints) != 3 {
		v, _ := p.Get("kpts")
		return atoms.KPoints{}, fmt.Errorf("kpts must be three integers, got %v", v)
	}
	var grid atoms.KPoints
	for i, n := range ints {
		if n < 1 {
			return atoms.KPoints{}, fmt.Errorf("kpts must be positive, got %v", ints)
		}
		grid[i] = n
	}
	return grid, nil
}

// automaticDensity distributes kppa k-points per reciprocal atom over the
// reciprocal lattice vectors in proportion to their lengths. Odd subdivisions
// and hexagonal cells get a Gamma-centered mesh.
func automaticDensity(s *atoms.Structure, kppa float64, forceGamma bool) Mesh {
	if math.Abs(math.Pow(math.Floor(math.Cbrt(kppa)+0.5), 3)-kppa) < 1 {
		kppa += kppa * 0.01
	}
	lengths := s.Lengths()
	ngrid := kppa / float64(s.Len())
	mult := math.Cbrt(ngrid * lengths[0] * lengths[1] * lengths[2])

	var grid atoms.KPoints
	odd := false
	for i, l := range lengths {
		grid[i] = int(math.Floor(math.Max(mult/l, 1)))
		if grid[i]%2 == 1 {
			odd = true
		}
	}
	return Mesh{Grid: grid, GammaCentered: forceGamma || odd || hexagonal(s)}
}

func hexagonal(s *atoms.Structure) bool {
	a, b := s.Cell[0], s.Cell[1]
	la, lb := s.Lengths()[0], s.Lengths()[1]
	if la == 0 || lb == 0 || math.Abs(la-lb) > 1e-3*la {
		return false
	}
	cos := (a[0]*b[0] + a[1]*b[1] + a[2]*b[2]) / (la * lb)
	angle := math.Acos(math.Max(-1, math.Min(1, cos))) * 180 / math.Pi
	return math.Abs(angle-120) < 1e-2 || math.Abs(angle-60) < 1e-2
}

// WriteKPOINTS writes an automatic mesh file.
func WriteKPOINTS(w io.Writer, m Mesh) error {
	style := "Monkhorst-Pack"
	if m.GammaCentered {
		style = "Gamma"
	}
	_, err := fmt.Fprintf(w, "KPOINTS created by calcctl\n0\n%s\n%d %d %d\n0 0 0\n",
		style, m.Grid[0], m.Grid[1], m.Grid[2])
	return err
}
