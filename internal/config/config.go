// Package config contains the process settings and the loader and typed
// model for calc.yaml job files.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calcflow/calcctl/internal/env"
	"github.com/calcflow/calcctl/internal/params"
	"github.com/calcflow/calcctl/internal/recipes"
)

// DefaultJobFile is the job file name used when none is given.
const DefaultJobFile = "calc.yaml"

// Recipe kinds accepted in a job file.
const (
	KindStatic      = "static"
	KindRelax       = "relax"
	KindDoubleRelax = "double_relax"
	KindQMOF        = "qmof"
)

// Job describes one recipe invocation. It mirrors calc.yaml after template
// rendering.
type Job struct {
	// Recipe is one of static, relax, double_relax or qmof.
	Recipe string `yaml:"recipe"`
	// Name overrides the recipe's run name.
	Name string `yaml:"name,omitempty"`
	// Preset overrides the recipe's preset. An explicit empty string
	// disables the preset.
	Preset *string `yaml:"preset,omitempty"`
	// VolumeRelax toggles cell relaxation; unset keeps the recipe default.
	VolumeRelax *bool `yaml:"volumeRelax,omitempty"`
	// Structure is the POSCAR path, relative to the job file.
	Structure string `yaml:"structure"`
	// Dir is where results are materialized, relative to the job file.
	// Empty means the job file's directory.
	Dir string `yaml:"dir,omitempty"`
	// EnvFiles lists .env files to load before rendering.
	EnvFiles []string `yaml:"envFiles,omitempty"`
	// Swaps overrides recipe defaults. A null value removes a directive.
	Swaps *params.Set `yaml:"swaps,omitempty"`
	// Swaps1 and Swaps2 are the per-stage overrides of double_relax.
	Swaps1 *params.Set `yaml:"swaps1,omitempty"`
	Swaps2 *params.Set `yaml:"swaps2,omitempty"`
	// FMax is the qmof pre-relaxation force threshold in eV/Å.
	FMax float64 `yaml:"fmax,omitempty"`
	// MaxSteps bounds the qmof pre-relaxation.
	MaxSteps int `yaml:"maxSteps,omitempty"`
}

// LoadOptions describes parameters that influence template rendering of calc.yaml.
type LoadOptions struct {
	// UserVars are inline variables for template rendering.
	UserVars env.Vars
	// BaseVars are the variables rendering starts from; nil means the
	// process environment.
	BaseVars env.Vars
}

// TemplateContext represents the data exposed to Go-templates when rendering calc.yaml.
type TemplateContext struct {
	// JobDir is the directory holding the job file.
	JobDir string
	// Now is the timestamp captured for template rendering.
	Now time.Time
	// UserVars contains inline user variables.
	UserVars env.Vars
	// EnvMap merges base vars, envFiles, and user variables.
	EnvMap env.Vars
}

// rawHeader is a minimal struct used to extract top-level fields before templating.
type rawHeader struct {
	EnvFiles []string `yaml:"envFiles"`
}

// LoadAndRender reads calc.yaml, loads envFiles and user vars, and returns
// rendered YAML bytes together with the template context that was used.
func LoadAndRender(path string, opts LoadOptions) ([]byte, TemplateContext, error) {
	var zeroCtx TemplateContext

	if path == "" {
		return nil, zeroCtx, fmt.Errorf("job path is empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, zeroCtx, fmt.Errorf("resolve job path: %w", err)
	}

	rawBytes, err := os.ReadFile(absPath)
	if err != nil {
		return nil, zeroCtx, fmt.Errorf("read job %q: %w", absPath, err)
	}

	baseDir := filepath.Dir(absPath)
	base := opts.BaseVars
	if base == nil {
		base = env.FromOS()
	}
	ctx := TemplateContext{
		JobDir:   baseDir,
		Now:      time.Now().UTC(),
		UserVars: opts.UserVars,
		EnvMap:   env.Merge(base, opts.UserVars),
	}

	// envFiles are read from a first rendering so unquoted template actions
	// elsewhere in the file do not break the header parse.
	first, err := RenderTemplate(filepath.Base(absPath), rawBytes, ctx)
	if err != nil {
		return nil, zeroCtx, err
	}
	var header rawHeader
	if err := yaml.Unmarshal(first, &header); err != nil {
		return nil, zeroCtx, fmt.Errorf("parse top-level job fields: %w", err)
	}
	if len(header.EnvFiles) == 0 {
		return first, ctx, nil
	}

	envFileVars, err := env.LoadFiles(baseDir, header.EnvFiles, false)
	if err != nil {
		return nil, zeroCtx, err
	}
	ctx.EnvMap = env.Merge(base, envFileVars, opts.UserVars)

	rendered, err := RenderTemplate(filepath.Base(absPath), rawBytes, ctx)
	if err != nil {
		return nil, zeroCtx, err
	}
	return rendered, ctx, nil
}

// LoadJob loads, templates and parses calc.yaml. Relative paths in the job
// are resolved against the job file's directory.
func LoadJob(path string, opts LoadOptions) (*Job, TemplateContext, error) {
	rendered, ctx, err := LoadAndRender(path, opts)
	if err != nil {
		return nil, TemplateContext{}, err
	}

	var job Job
	if err := yaml.Unmarshal(rendered, &job); err != nil {
		return nil, TemplateContext{}, fmt.Errorf("parse rendered %s: %w", filepath.Base(path), err)
	}
	if err := job.Validate(); err != nil {
		return nil, TemplateContext{}, err
	}

	job.Structure = resolvePath(ctx.JobDir, job.Structure)
	job.Dir = resolvePath(ctx.JobDir, job.Dir)
	if job.Dir == "" {
		job.Dir = ctx.JobDir
	}
	job.Swaps = lowerKeys(job.Swaps)
	job.Swaps1 = lowerKeys(job.Swaps1)
	job.Swaps2 = lowerKeys(job.Swaps2)

	return &job, ctx, nil
}

// Validate checks that the recipe kind is known and its inputs fit it.
func (j *Job) Validate() error {
	switch j.Recipe {
	case KindStatic, KindRelax, KindQMOF:
		if j.Swaps1 != nil || j.Swaps2 != nil {
			return fmt.Errorf("recipe %q takes swaps, not swaps1/swaps2", j.Recipe)
		}
	case KindDoubleRelax:
		if j.Swaps != nil {
			return fmt.Errorf("recipe %q takes swaps1/swaps2, not swaps", j.Recipe)
		}
	case "":
		return fmt.Errorf("job has no recipe (want %s, %s, %s or %s)", KindStatic, KindRelax, KindDoubleRelax, KindQMOF)
	default:
		return fmt.Errorf("unknown recipe %q (want %s, %s, %s or %s)", j.Recipe, KindStatic, KindRelax, KindDoubleRelax, KindQMOF)
	}
	if j.Recipe != KindQMOF && (j.FMax != 0 || j.MaxSteps != 0) {
		return fmt.Errorf("fmax and maxSteps apply only to recipe %q", KindQMOF)
	}
	if j.FMax < 0 || j.MaxSteps < 0 {
		return fmt.Errorf("fmax and maxSteps must not be negative")
	}
	if strings.TrimSpace(j.Structure) == "" {
		return fmt.Errorf("job has no structure path")
	}
	return nil
}

// Build returns the configured recipe with extra merged on top of the job's
// override layers.
func (j *Job) Build(extra *params.Set) (recipes.Recipe, error) {
	if err := j.Validate(); err != nil {
		return nil, err
	}
	switch j.Recipe {
	case KindStatic:
		r := recipes.NewStatic()
		j.name(&r.RunName)
		j.preset(&r.Preset)
		r.Swaps = overlay(j.Swaps, extra)
		return r, nil
	case KindRelax:
		r := recipes.NewRelax()
		j.name(&r.RunName)
		j.preset(&r.Preset)
		j.volumeRelax(&r.VolumeRelax)
		r.Swaps = overlay(j.Swaps, extra)
		return r, nil
	case KindDoubleRelax:
		r := recipes.NewDoubleRelax()
		j.name(&r.RunName)
		j.preset(&r.Preset)
		j.volumeRelax(&r.VolumeRelax)
		r.Swaps1 = overlay(j.Swaps1, extra)
		r.Swaps2 = overlay(j.Swaps2, extra)
		return r, nil
	default:
		r := recipes.NewQMOF()
		j.name(&r.RunName)
		j.preset(&r.Preset)
		j.volumeRelax(&r.VolumeRelax)
		r.Swaps = overlay(j.Swaps, extra)
		if j.FMax > 0 {
			r.FMax = j.FMax
		}
		r.MaxSteps = j.MaxSteps
		return r, nil
	}
}

func (j *Job) name(dst *string) {
	if j.Name != "" {
		*dst = j.Name
	}
}

func (j *Job) preset(dst *string) {
	if j.Preset != nil {
		*dst = *j.Preset
	}
}

func (j *Job) volumeRelax(dst *bool) {
	if j.VolumeRelax != nil {
		*dst = *j.VolumeRelax
	}
}

// overlay keeps None markers so command-line removals reach the preset.
func overlay(base, extra *params.Set) *params.Set {
	if extra.Len() == 0 {
		return base
	}
	return params.Merge(false, base, extra)
}

func lowerKeys(in *params.Set) *params.Set {
	if in == nil {
		return nil
	}
	out := params.New()
	for _, k := range in.Keys() {
		v, _ := in.Get(k)
		out.Set(strings.ToLower(k), v)
	}
	return out
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

// RenderTemplate renders YAML or text content with the job template helpers.
func RenderTemplate(name string, raw []byte, ctx TemplateContext) ([]byte, error) {
	tmpl, err := template.New(name).Funcs(buildFuncMap(ctx)).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse template %q: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return nil, fmt.Errorf("execute template %q: %w", name, err)
	}
	return buf.Bytes(), nil
}

// buildFuncMap constructs the template functions available in calc.yaml.
func buildFuncMap(ctx TemplateContext) template.FuncMap {
	return template.FuncMap{
		"default": funcDef,
		"toLower": strings.ToLower,
		"slug":    funcSlug,
		"envOr":   funcEnvOr(ctx.EnvMap),
		"ternary": funcTernary,
		"now":     func() time.Time { return ctx.Now },
		"join":    strings.Join,
	}
}

// funcDef returns def when value is empty or whitespace, otherwise value.
func funcDef(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return value
}

// funcSlug normalizes a value into a lower-case dash-separated slug.
func funcSlug(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	v = strings.ReplaceAll(v, " ", "-")
	v = strings.ReplaceAll(v, "_", "-")
	return v
}

// funcEnvOr returns a function that looks up a key in envMap and falls back to def.
func funcEnvOr(envMap env.Vars) func(key, def string) string {
	return func(key, def string) string {
		return envMap.Get(key, def)
	}
}

// funcTernary returns a when cond is true, otherwise b.
func funcTernary(cond bool, a, b any) any {
	if cond {
		return a
	}
	return b
}
