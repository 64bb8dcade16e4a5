package vasp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/calcflow/calcctl/internal/atoms"
)

// ErrIncompleteOutput is returned when OUTCAR lacks an energy or force block.
var ErrIncompleteOutput = errors.New("outcar: no completed ionic step")

// Output is the last ionic step reported in OUTCAR, in POSCAR atom order.
type Output struct {
	Energy float64
	Forces []atoms.Vec3
}

// ReadOUTCAR extracts the final free energy (TOTEN) and the final force block
// for n atoms.
func ReadOUTCAR(r io.Reader, n int) (Output, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		out       Output
		hasEnergy bool
	)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.Contains(line, "free  energy   TOTEN"):
			e, err := parseTOTEN(line)
			if err != nil {
				return Output{}, err
			}
			out.Energy, hasEnergy = e, true
		case strings.Contains(line, "TOTAL-FORCE"):
			forces, err := readForceBlock(sc, n)
			if err != nil {
				return Output{}, err
			}
			out.Forces = forces
		}
	}
	if err := sc.Err(); err != nil {
		return Output{}, err
	}
	if !hasEnergy || out.Forces == nil {
		return Output{}, ErrIncompleteOutput
	}
	return out, nil
}

// ReadOUTCARFile reads OUTCAR from path.
func ReadOUTCARFile(path string, n int) (Output, error) {
	f, err := os.Open(path)
	if err != nil {
		return Output{}, err
	}
	defer func() { _ = f.Close() }()
	return ReadOUTCAR(f, n)
}

func parseTOTEN(line string) (float64, error) {
	_, rest, ok := strings.Cut(line, "=")
	if !ok {
		return 0, fmt.Errorf("outcar: malformed energy line %q", line)
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return 0, fmt.Errorf("outcar: malformed energy line %q", line)
	}
	e, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("outcar: energy: %w", err)
	}
	return e, nil
}

func readForceBlock(sc *bufio.Scanner, n int) ([]atoms.Vec3, error) {
	// Separator line.
	if !sc.Scan() {
		return nil, ErrIncompleteOutput
	}
	forces := make([]atoms.Vec3, n)
	for i := range forces {
		if !sc.Scan() {
			return nil, ErrIncompleteOutput
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 6 {
			return nil, fmt.Errorf("outcar: force line %d: expected 6 columns, got %d", i+1, len(fields))
		}
		for k := range 3 {
			f, err := strconv.ParseFloat(fields[3+k], 64)
			if err != nil {
				return nil, fmt.Errorf("outcar: force line %d: %w", i+1, err)
			}
			forces[i][k] = f
		}
	}
	return forces, nil
}
