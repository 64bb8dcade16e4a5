// Package env loads variables from the process environment and .env files
// for settings parsing and job-file templating.
package env

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Vars is a string-to-string map of variables.
type Vars map[string]string

// FromOS builds Vars from the current process environment.
func FromOS() Vars {
	out := make(Vars)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

// Merge merges several Vars into one, later sets overriding earlier keys.
func Merge(sets ...Vars) Vars {
	out := make(Vars)
	for _, s := range sets {
		maps.Copy(out, s)
	}
	return out
}

// Get returns the value of key, or def when it is unset or empty.
func (v Vars) Get(key, def string) string {
	if val, ok := v[key]; ok && val != "" {
		return val
	}
	return def
}

// LoadFile parses a single .env file.
func LoadFile(path string) (Vars, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	parsed, err := godotenv.Parse(f)
	if err != nil {
		return nil, err
	}
	return Vars(parsed), nil
}

// LoadFiles loads .env files in order, later files overriding earlier ones.
// Relative paths are resolved against baseDir. With optional set, missing
// files are skipped.
func LoadFiles(baseDir string, files []string, optional bool) (Vars, error) {
	result := make(Vars)
	for _, name := range files {
		if strings.TrimSpace(name) == "" {
			continue
		}
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, name)
		}
		vars, err := LoadFile(path)
		if err != nil {
			if optional && os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("load env file %q: %w", path, err)
		}
		result = Merge(result, vars)
	}
	return result, nil
}

// ParseInline parses a comma-separated k=v list such as "A=1,B=2".
func ParseInline(s string) (Vars, error) {
	out := make(Vars)
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid inline var %q, expected key=value", part)
		}
		key := strings.TrimSpace(k)
		if key == "" {
			return nil, fmt.Errorf("empty key in inline var %q", part)
		}
		out[key] = strings.TrimSpace(v)
	}
	return out, nil
}
