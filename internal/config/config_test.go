package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calcflow/calcctl/internal/env"
	"github.com/calcflow/calcctl/internal/params"
	"github.com/calcflow/calcctl/internal/recipes"
)

func writeJob(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, DefaultJobFile)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadJobRendersTemplate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "job.env"), []byte("MOF=ZIF-8\nENCUT=600\n"), 0o644))
	path := writeJob(t, dir, `
recipe: qmof
envFiles: [job.env]
name: '{{ envOr "MOF" "unknown" | slug }}-relax'
structure: '{{ envOr "POSCAR_PATH" "POSCAR" }}'
volumeRelax: false
swaps:
  ENCUT: {{ envOr "ENCUT" "520" }}
  LREAL: null
  kpts: [2, 2, 2]
fmax: 2.5
`)

	job, ctx, err := LoadJob(path, LoadOptions{BaseVars: env.Vars{}, UserVars: env.Vars{"POSCAR_PATH": "in/POSCAR"}})
	require.NoError(t, err)

	assert.Equal(t, dir, ctx.JobDir)
	assert.Equal(t, "zif-8-relax", job.Name)
	assert.Equal(t, filepath.Join(dir, "in", "POSCAR"), job.Structure)
	assert.Equal(t, dir, job.Dir)
	require.NotNil(t, job.VolumeRelax)
	assert.False(t, *job.VolumeRelax)
	assert.Equal(t, []string{"encut", "lreal", "kpts"}, job.Swaps.Keys())
	encut, _ := job.Swaps.Get("encut")
	assert.Equal(t, 600, encut)
	lreal, _ := job.Swaps.Get("lreal")
	assert.True(t, params.IsNone(lreal))
}

func TestLoadJobErrors(t *testing.T) {
	cases := map[string]string{
		"unknown recipe":   "recipe: md\nstructure: POSCAR\n",
		"missing recipe":   "structure: POSCAR\n",
		"missing struct":   "recipe: static\n",
		"swaps1 on static": "recipe: static\nstructure: POSCAR\nswaps1: {encut: 400}\n",
		"swaps on double":  "recipe: double_relax\nstructure: POSCAR\nswaps: {encut: 400}\n",
		"fmax on relax":    "recipe: relax\nstructure: POSCAR\nfmax: 1\n",
		"swaps not a map":  "recipe: relax\nstructure: POSCAR\nswaps: [1, 2]\n",
		"missing env file": "recipe: relax\nstructure: POSCAR\nenvFiles: [nope.env]\n",
		"bad template":     "recipe: relax\nstructure: '{{ .Nope }}'\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeJob(t, t.TempDir(), content)
			_, _, err := LoadJob(path, LoadOptions{BaseVars: env.Vars{}})
			assert.Error(t, err)
		})
	}
}

func TestBuildRecipes(t *testing.T) {
	empty := ""
	no := false
	extra := params.Of("nsw", 10)

	t.Run("static", func(t *testing.T) {
		job := &Job{Recipe: KindStatic, Structure: "POSCAR", Preset: &empty, Swaps: params.Of("nedos", params.None)}
		r, err := job.Build(extra)
		require.NoError(t, err)
		s, ok := r.(recipes.Static)
		require.True(t, ok)
		assert.Equal(t, "VASP-Static", s.Name())
		assert.Equal(t, "", s.PresetName())
		assert.Equal(t, []string{"nedos", "nsw"}, s.Swaps.Keys())
	})

	t.Run("relax keeps default volume relax", func(t *testing.T) {
		job := &Job{Recipe: KindRelax, Structure: "POSCAR", Name: "si-relax"}
		r, err := job.Build(nil)
		require.NoError(t, err)
		rr := r.(recipes.Relax)
		assert.True(t, rr.VolumeRelax)
		assert.Equal(t, "si-relax", rr.Name())
		assert.Nil(t, rr.Swaps)
	})

	t.Run("double relax", func(t *testing.T) {
		job := &Job{Recipe: KindDoubleRelax, Structure: "POSCAR", VolumeRelax: &no, Swaps2: params.Of("kpts", []int{3, 3, 3})}
		r, err := job.Build(extra)
		require.NoError(t, err)
		dr := r.(recipes.DoubleRelax)
		assert.False(t, dr.VolumeRelax)
		assert.Equal(t, []string{"nsw"}, dr.Swaps1.Keys())
		assert.Equal(t, []string{"kpts", "nsw"}, dr.Swaps2.Keys())
	})

	t.Run("qmof", func(t *testing.T) {
		job := &Job{Recipe: KindQMOF, Structure: "POSCAR", MaxSteps: 50}
		r, err := job.Build(nil)
		require.NoError(t, err)
		q := r.(recipes.QMOF)
		assert.Equal(t, "QMOFSet", q.PresetName())
		assert.Equal(t, recipes.DefaultPreRelaxFMax, q.FMax)
		assert.Equal(t, 50, q.MaxSteps)
		assert.True(t, q.VolumeRelax)
	})
}

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := LoadSettings(env.Vars{})
	require.NoError(t, err)
	assert.True(t, s.Gzip)
	assert.False(t, s.CopyFromStoreDir)
	assert.Equal(t, "vasp_std", s.VaspCommand)
	assert.Equal(t, "vasp_gam", s.VaspGammaCommand)
	assert.Equal(t, "", s.ScratchRoot())

	opts := s.ExecOptions("/job", nil)
	assert.True(t, opts.Compress)
	assert.Equal(t, "/job", opts.Dir)

	st := s.Vasp(nil)
	assert.Nil(t, st.Presets)
}

func TestLoadSettingsFromVars(t *testing.T) {
	s, err := LoadSettings(env.Vars{
		"SCRATCH":                     "/cluster/scratch",
		"CALCCTL_GZIP":                "false",
		"CALCCTL_COPY_FROM_STORE_DIR": "true",
		"CALCCTL_SCRATCH_LINK":        "never",
		"CALCCTL_VASP_COMMAND":        "mpirun -np 4 vasp_std",
		"CALCCTL_PRESET_DIR":          "/presets",
	})
	require.NoError(t, err)
	assert.Equal(t, "/cluster/scratch", s.ScratchRoot())

	opts := s.ExecOptions("", nil)
	assert.False(t, opts.Compress)
	assert.True(t, opts.Seed)
	assert.Equal(t, "never", opts.Link.String())
	assert.Equal(t, "mpirun -np 4 vasp_std", s.Vasp(nil).Command)
	assert.NotNil(t, s.Vasp(nil).Presets)

	s, err = LoadSettings(env.Vars{"SCRATCH": "/cluster/scratch", "CALCCTL_SCRATCH_DIR": "/fast"})
	require.NoError(t, err)
	assert.Equal(t, "/fast", s.ScratchRoot())
}

func TestLoadSettingsRejectsBadValues(t *testing.T) {
	_, err := LoadSettings(env.Vars{"CALCCTL_GZIP": "maybe"})
	assert.Error(t, err)
	_, err = LoadSettings(env.Vars{"CALCCTL_SCRATCH_LINK": "sometimes"})
	assert.Error(t, err)
}

func TestResolveVars(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CALCCTL_GZIP=false\nA=1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "site.env"), []byte("A=2\n"), 0o644))

	vars, err := ResolveVars(dir, []string{"site.env"})
	require.NoError(t, err)
	assert.Equal(t, "false", vars["CALCCTL_GZIP"])
	assert.Equal(t, "2", vars["A"])

	_, err = ResolveVars(t.TempDir(), nil)
	require.NoError(t, err)
}
