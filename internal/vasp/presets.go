package vasp

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/calcflow/calcctl/internal/atoms"
	"github.com/calcflow/calcctl/internal/params"
)

// PresetSource resolves a preset name to its directive set.
type PresetSource interface {
	Lookup(name string) (*params.Set, error)
}

// PresetDir loads presets from "<dir>/<name>.yaml" (or ".yml"). The file is a
// flat mapping of directives; top-level keys are lowercased.
type PresetDir string

// Lookup reads and decodes the named preset.
func (d PresetDir) Lookup(name string) (*params.Set, error) {
	if string(d) == "" {
		return nil, &atoms.ConfigError{Reason: fmt.Sprintf("preset %q requested but no preset directory is configured", name)}
	}
	if strings.ContainsAny(name, `/\`) {
		return nil, &atoms.ConfigError{Reason: fmt.Sprintf("invalid preset name %q", name)}
	}
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(string(d), name+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read preset %s: %w", path, err)
		}
		set := params.New()
		if err := yaml.Unmarshal(data, set); err != nil {
			return nil, fmt.Errorf("parse preset %s: %w", path, err)
		}
		return lowerKeys(set), nil
	}
	return nil, &atoms.ConfigError{Reason: fmt.Sprintf("preset %q not found in %s", name, string(d))}
}

// PresetMap serves presets from memory.
type PresetMap map[string]*params.Set

// Lookup returns a copy of the named preset.
func (m PresetMap) Lookup(name string) (*params.Set, error) {
	set, ok := m[name]
	if !ok {
		return nil, &atoms.ConfigError{Reason: fmt.Sprintf("preset %q not found", name)}
	}
	return set.Clone(), nil
}

func lowerKeys(in *params.Set) *params.Set {
	out := params.New()
	for _, k := range in.Keys() {
		v, _ := in.Get(k)
		out.Set(strings.ToLower(k), v)
	}
	return out
}
