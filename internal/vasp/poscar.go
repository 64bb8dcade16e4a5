package vasp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/calcflow/calcctl/internal/atoms"
)

// sortOrder returns atom indices grouped by species in first-occurrence order,
// the order atoms are written to POSCAR and reported back in OUTCAR.
func sortOrder(symbols []string) []int {
	var species []string
	groups := make(map[string][]int)
	for i, sym := range symbols {
		if _, ok := groups[sym]; !ok {
			species = append(species, sym)
		}
		groups[sym] = append(groups[sym], i)
	}
	order := make([]int, 0, len(symbols))
	for _, sym := range species {
		order = append(order, groups[sym]...)
	}
	return order
}

// WritePOSCAR writes s in VASP 5 format with Cartesian coordinates, atoms
// grouped by species.
func WritePOSCAR(w io.Writer, s *atoms.Structure, comment string) error {
	if comment == "" {
		comment = strings.Join(s.Symbols, "")
	}
	species, counts := s.Species()
	bw := bufio.NewWriter(w)

	fmt.Fprintln(bw, comment)
	fmt.Fprintf(bw, "%19.16f\n", 1.0)
	for _, v := range s.Cell {
		fmt.Fprintf(bw, " %21.16f %21.16f %21.16f\n", v[0], v[1], v[2])
	}
	for _, sym := range species {
		fmt.Fprintf(bw, " %3s", sym)
	}
	fmt.Fprintln(bw)
	for _, n := range counts {
		fmt.Fprintf(bw, " %3d", n)
	}
	fmt.Fprintln(bw)
	fmt.Fprintln(bw, "Cartesian")
	for _, i := range sortOrder(s.Symbols) {
		p := s.Positions[i]
		fmt.Fprintf(bw, " %21.16f %21.16f %21.16f\n", p[0], p[1], p[2])
	}
	return bw.Flush()
}

// ReadPOSCAR parses a VASP 5 POSCAR or CONTCAR. Direct and Cartesian
// coordinates, selective dynamics and negative (volume) scale factors are
// supported. Atoms are returned in file order.
func ReadPOSCAR(r io.Reader) (*atoms.Structure, error) {
	sc := bufio.NewScanner(r)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	p := &poscarParser{lines: lines}
	return p.parse()
}

// ReadPOSCARFile reads a POSCAR-format file from disk.
func ReadPOSCARFile(path string) (*atoms.Structure, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	s, err := ReadPOSCAR(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

var errShortPOSCAR = errors.New("poscar: unexpected end of file")

type poscarParser struct {
	lines []string
	pos   int
}

func (p *poscarParser) next() ([]string, error) {
	if p.pos >= len(p.lines) {
		return nil, errShortPOSCAR
	}
	line := p.lines[p.pos]
	p.pos++
	return strings.Fields(line), nil
}

func (p *poscarParser) parse() (*atoms.Structure, error) {
	if _, err := p.next(); err != nil {
		return nil, err
	}
	fields, err := p.next()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, errors.New("poscar: missing scale factor")
	}
	scale, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return nil, fmt.Errorf("poscar: scale factor: %w", err)
	}

	var cell [3]atoms.Vec3
	for i := range cell {
		if cell[i], err = p.vec(); err != nil {
			return nil, fmt.Errorf("poscar: lattice vector %d: %w", i+1, err)
		}
	}
	if scale < 0 {
		vol := math.Abs(volume(cell))
		if vol == 0 {
			return nil, errors.New("poscar: degenerate cell")
		}
		scale = math.Cbrt(-scale / vol)
	}
	for i := range cell {
		for k := range 3 {
			cell[i][k] *= scale
		}
	}

	speciesLine, err := p.next()
	if err != nil {
		return nil, err
	}
	if len(speciesLine) == 0 {
		return nil, errors.New("poscar: missing species line")
	}
	if _, err := strconv.Atoi(speciesLine[0]); err == nil {
		return nil, errors.New("poscar: species names are required (VASP 5 format)")
	}
	countLine, err := p.next()
	if err != nil {
		return nil, err
	}
	if len(countLine) != len(speciesLine) {
		return nil, fmt.Errorf("poscar: %d species but %d counts", len(speciesLine), len(countLine))
	}
	var symbols []string
	for i, c := range countLine {
		n, err := strconv.Atoi(c)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("poscar: invalid count %q", c)
		}
		// Names such as "Fe_pv" or "Fe/abc" carry POTCAR suffixes.
		sym, _, _ := strings.Cut(speciesLine[i], "_")
		sym, _, _ = strings.Cut(sym, "/")
		for range n {
			symbols = append(symbols, sym)
		}
	}

	mode, err := p.next()
	if err != nil {
		return nil, err
	}
	if len(mode) > 0 && strings.HasPrefix(strings.ToLower(mode[0]), "s") {
		if mode, err = p.next(); err != nil {
			return nil, err
		}
	}
	cartesian := len(mode) > 0 && strings.ContainsAny(mode[0][:1], "CcKk")

	positions := make([]atoms.Vec3, len(symbols))
	for i := range positions {
		v, err := p.vec()
		if err != nil {
			return nil, fmt.Errorf("poscar: position %d: %w", i+1, err)
		}
		if cartesian {
			for k := range 3 {
				v[k] *= scale
			}
			positions[i] = v
			continue
		}
		for k := range 3 {
			positions[i][k] = v[0]*cell[0][k] + v[1]*cell[1][k] + v[2]*cell[2][k]
		}
	}
	return atoms.New(symbols, positions, cell)
}

func (p *poscarParser) vec() (atoms.Vec3, error) {
	fields, err := p.next()
	if err != nil {
		return atoms.Vec3{}, err
	}
	if len(fields) < 3 {
		return atoms.Vec3{}, fmt.Errorf("expected 3 numbers, got %d", len(fields))
	}
	var v atoms.Vec3
	for k := range 3 {
		if v[k], err = strconv.ParseFloat(fields[k], 64); err != nil {
			return atoms.Vec3{}, err
		}
	}
	return v, nil
}

func volume(c [3]atoms.Vec3) float64 {
	return c[0][0]*(c[1][1]*c[2][2]-c[1][2]*c[2][1]) -
		c[0][1]*(c[1][0]*c[2][2]-c[1][2]*c[2][0]) +
		c[0][2]*(c[1][0]*c[2][1]-c[1][1]*c[2][0])
}
