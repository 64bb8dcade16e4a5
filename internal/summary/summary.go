// Package summary turns a finished calculation into a persistable record.
package summary

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/calcflow/calcctl/internal/atoms"
	"github.com/calcflow/calcctl/internal/params"
)

// Summarizer builds a record from a calculated structure and extra fields.
// fields carries at least "name".
type Summarizer interface {
	Summarize(s *atoms.Structure, fields map[string]any) (*Record, error)
}

// Func adapts a function to Summarizer.
type Func func(s *atoms.Structure, fields map[string]any) (*Record, error)

// Summarize calls f.
func (f Func) Summarize(s *atoms.Structure, fields map[string]any) (*Record, error) {
	return f(s, fields)
}

// Record is the summary of one calculation.
type Record struct {
	Name       string         `yaml:"name"`
	Formula    string         `yaml:"formula"`
	NAtoms     int            `yaml:"natoms"`
	Energy     float64        `yaml:"energy"`
	MaxForce   float64        `yaml:"max_force"`
	Structure  Structure      `yaml:"structure"`
	Forces     []atoms.Vec3   `yaml:"forces,flow,omitempty"`
	Preset     string         `yaml:"preset,omitempty"`
	Parameters *params.Set    `yaml:"parameters,omitempty"`
	KPoints    atoms.KPoints  `yaml:"kpoints,flow"`
	Dir        string         `yaml:"dir,omitempty"`
	Files      []string       `yaml:"files,omitempty"`
	Fields     map[string]any `yaml:"fields,omitempty"`
}

// Structure is the final geometry.
type Structure struct {
	Symbols   []string      `yaml:"symbols,flow"`
	Cell      [3]atoms.Vec3 `yaml:"cell,flow"`
	Positions []atoms.Vec3  `yaml:"positions,flow"`
	Volume    float64       `yaml:"volume"`
}

// ErrNoResults is returned for a structure that was never calculated.
var ErrNoResults = errors.New("summary: structure has no calculation results")

// Default is the standard summarizer. With ListFiles set it records the files
// present in the results directory.
type Default struct {
	ListFiles bool
}

// Summarize builds the record. The "name" field becomes Record.Name; the
// remaining fields are kept verbatim.
func (d Default) Summarize(s *atoms.Structure, fields map[string]any) (*Record, error) {
	if s == nil || s.Results == nil {
		return nil, ErrNoResults
	}
	rec := &Record{
		Formula:  Formula(s),
		NAtoms:   s.Len(),
		Energy:   s.Results.Energy,
		MaxForce: s.MaxForce(),
		Structure: Structure{
			Symbols:   slices.Clone(s.Symbols),
			Cell:      s.Cell,
			Positions: slices.Clone(s.Positions),
			Volume:    s.Volume(),
		},
		Forces: slices.Clone(s.Results.Forces),
		Dir:    s.Results.Dir,
	}
	if s.Calc != nil {
		rec.Preset = s.Calc.Preset()
		rec.Parameters = s.Calc.Parameters()
		rec.KPoints = s.Calc.KPoints()
	}
	for k, v := range fields {
		if k == "name" {
			rec.Name = fmt.Sprint(v)
			continue
		}
		if rec.Fields == nil {
			rec.Fields = make(map[string]any)
		}
		rec.Fields[k] = v
	}
	if d.ListFiles && rec.Dir != "" {
		files, err := listFiles(rec.Dir)
		if err != nil {
			return nil, fmt.Errorf("summary: list %s: %w", rec.Dir, err)
		}
		rec.Files = files
	}
	return rec, nil
}

// Formula writes species in first-occurrence order with counts above one,
// for example "O2H".
func Formula(s *atoms.Structure) string {
	species, counts := s.Species()
	var b strings.Builder
	for i, sym := range species {
		b.WriteString(sym)
		if counts[i] > 1 {
			b.WriteString(strconv.Itoa(counts[i]))
		}
	}
	return b.String()
}

// Encode writes v as YAML with two-space indentation.
func Encode(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	return files, err
}
