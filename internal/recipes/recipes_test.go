package recipes

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calcflow/calcctl/internal/atoms"
	"github.com/calcflow/calcctl/internal/params"
	"github.com/calcflow/calcctl/internal/runcalc"
	"github.com/calcflow/calcctl/internal/scratch"
	"github.com/calcflow/calcctl/internal/summary"
)

type call struct {
	dir    string
	params *params.Set
	kpts   atoms.KPoints
	x0     float64
}

type callLog struct {
	calls  []call
	failAt int
}

// fakeCalc records every evaluation, nudges the first atom along x and
// reports zero forces.
type fakeCalc struct {
	preset string
	set    *params.Set
	kpts   atoms.KPoints
	log    *callLog
}

func (c *fakeCalc) Preset() string            { return c.preset }
func (c *fakeCalc) Parameters() *params.Set   { return c.set.Clone() }
func (c *fakeCalc) Set(key string, value any) { c.set.Set(key, value) }
func (c *fakeCalc) KPoints() atoms.KPoints    { return c.kpts }

func (c *fakeCalc) Clone() atoms.Calculator {
	cp := *c
	cp.set = c.set.Clone()
	return &cp
}

var errSolver = errors.New("solver failed")

func (c *fakeCalc) Calculate(_ context.Context, dir string, s *atoms.Structure) error {
	c.log.calls = append(c.log.calls, call{dir: dir, params: c.set.Clone(), kpts: c.kpts, x0: s.Positions[0][0]})
	if c.log.failAt > 0 && len(c.log.calls) == c.log.failAt {
		return errSolver
	}
	if err := os.WriteFile(filepath.Join(dir, "OUTCAR"), []byte("done"), 0o644); err != nil {
		return err
	}
	s.Positions[0][0] += 0.1
	s.Results = &atoms.Results{Energy: -1, Forces: make([]atoms.Vec3, s.Len()), Dir: dir}
	return nil
}

type fixture struct {
	log       *callLog
	env       Env
	root      string
	dir       string
	summaries int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{log: &callLog{}, root: t.TempDir(), dir: t.TempDir()}
	presets := map[string]*params.Set{
		"QMOFSet": params.Of("encut", 520, "prec", "Accurate", "lreal", "auto"),
	}
	f.env = Env{
		Calculators: func(s *atoms.Structure, preset string, flags *params.Set) (atoms.Calculator, error) {
			merged := params.Merge(true, presets[preset], flags)
			kpts := atoms.Gamma
			if ints, ok := merged.Ints("kpts"); ok {
				kpts = atoms.KPoints{ints[0], ints[1], ints[2]}
			} else if merged.Has("auto_kpts") {
				kpts = atoms.KPoints{3, 3, 3}
			}
			merged.Delete("kpts")
			merged.Delete("auto_kpts")
			return &fakeCalc{preset: preset, set: merged, kpts: kpts, log: f.log}, nil
		},
		Exec: runcalc.Options{ScratchRoot: f.root, Dir: f.dir, Link: scratch.LinkAlways, Compress: false},
		Summarizer: summary.Func(func(s *atoms.Structure, fields map[string]any) (*summary.Record, error) {
			f.summaries++
			return summary.Default{}.Summarize(s, fields)
		}),
	}
	return f
}

func (f *fixture) assertScratchClean(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoFileExists(t, filepath.Join(f.dir, scratch.LinkName))
}

func structure(t *testing.T) *atoms.Structure {
	t.Helper()
	s, err := atoms.New([]string{"Zn", "O"}, []atoms.Vec3{{0, 0, 0}, {1.6, 1.6, 1.6}}, [3]atoms.Vec3{{4.6, 0, 0}, {0, 4.6, 0}, {0, 0, 4.6}})
	require.NoError(t, err)
	return s
}

func setDiff(want, got *params.Set) string {
	return cmp.Diff(want, got)
}

func TestStaticNoneOverrideRemovesDefault(t *testing.T) {
	f := newFixture(t)
	r := NewStatic()
	r.Swaps = params.Of("nedos", params.None)

	rec, err := r.Run(context.Background(), f.env, structure(t))
	require.NoError(t, err)

	want := params.Of("ismear", -5, "isym", 2, "laechg", true, "lcharg", true, "lwave", true, "nsw", 0, "sigma", 0.05)
	require.Len(t, f.log.calls, 1)
	if diff := setDiff(want, f.log.calls[0].params); diff != "" {
		t.Fatalf("static directives (-want +got):\n%s", diff)
	}
	assert.Equal(t, "VASP-Static", rec.Name)
	assert.Equal(t, 1, f.summaries)
	assert.FileExists(t, filepath.Join(f.dir, "OUTCAR"))
	f.assertScratchClean(t)
}

func TestRelaxVolumeFlag(t *testing.T) {
	for _, tc := range []struct {
		volume bool
		isif   int
	}{{false, 2}, {true, 3}} {
		f := newFixture(t)
		r := NewRelax()
		r.VolumeRelax = tc.volume

		_, err := r.Run(context.Background(), f.env, structure(t))
		require.NoError(t, err)

		want := params.Of("ediffg", -0.02, "isif", tc.isif, "ibrion", 2, "ismear", 0, "isym", 0,
			"lcharg", false, "lwave", false, "nsw", 200, "sigma", 0.05)
		require.Len(t, f.log.calls, 1)
		if diff := setDiff(want, f.log.calls[0].params); diff != "" {
			t.Fatalf("volume_relax=%v (-want +got):\n%s", tc.volume, diff)
		}
	}
}

func TestRestartRule(t *testing.T) {
	tests := []struct {
		prev, next atoms.KPoints
		forced     bool
	}{
		{atoms.Gamma, atoms.KPoints{2, 2, 2}, true},
		{atoms.Gamma, atoms.KPoints{1, 1, 2}, true},
		{atoms.Gamma, atoms.Gamma, false},
		{atoms.KPoints{2, 2, 2}, atoms.Gamma, false},
		{atoms.KPoints{2, 2, 2}, atoms.KPoints{4, 4, 4}, false},
	}
	for _, tt := range tests {
		got := RestartRule(Resolved{KPoints: tt.prev}, Resolved{KPoints: tt.next})
		if tt.forced {
			assert.True(t, params.Of("istart", 0).Equal(got), "%v -> %v", tt.prev, tt.next)
		} else {
			assert.Zero(t, got.Len(), "%v -> %v", tt.prev, tt.next)
		}
	}
}

func TestDoubleRelaxRestart(t *testing.T) {
	tests := []struct {
		name         string
		kpts1, kpts2 []int
		forced       bool
	}{
		{"gamma to mesh", []int{1, 1, 1}, []int{2, 2, 2}, true},
		{"gamma to gamma", []int{1, 1, 1}, []int{1, 1, 1}, false},
		{"mesh to gamma", []int{2, 2, 2}, []int{1, 1, 1}, false},
		{"mesh to mesh", []int{2, 2, 2}, []int{3, 3, 3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			r := NewDoubleRelax()
			r.Swaps1 = params.Of("kpts", tt.kpts1)
			r.Swaps2 = params.Of("kpts", tt.kpts2)

			out, err := r.Run(context.Background(), f.env, structure(t))
			require.NoError(t, err)
			require.Len(t, f.log.calls, 2)

			assert.False(t, f.log.calls[0].params.Has("istart"))
			v, has := f.log.calls[1].params.Get("istart")
			assert.Equal(t, tt.forced, has)
			if tt.forced {
				assert.Equal(t, 0, v)
			}

			// Stage 2 starts from stage 1's output.
			assert.InDelta(t, f.log.calls[0].x0+0.1, f.log.calls[1].x0, 1e-12)

			require.NotNil(t, out.Relax1)
			require.NotNil(t, out.Relax2)
			assert.Equal(t, "VASP-DoubleRelax", out.Relax1.Name)
			assert.Equal(t, "VASP-DoubleRelax", out.Relax2.Name)
			assert.Equal(t, 2, f.summaries)
			lwave, _ := f.log.calls[0].params.Get("lwave")
			assert.Equal(t, true, lwave)
			f.assertScratchClean(t)
		})
	}
}

func TestDoubleRelaxSummarizesEachStageWhenItFinishes(t *testing.T) {
	f := newFixture(t)
	var seen []int
	var xs []float64
	f.env.Summarizer = summary.Func(func(s *atoms.Structure, fields map[string]any) (*summary.Record, error) {
		seen = append(seen, len(f.log.calls))
		xs = append(xs, s.Positions[0][0])
		return summary.Default{}.Summarize(s, fields)
	})

	out, err := NewDoubleRelax().Run(context.Background(), f.env, structure(t))
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, seen)
	assert.InDelta(t, 0.1, xs[0], 1e-12)
	assert.InDelta(t, 0.2, xs[1], 1e-12)
	assert.InDelta(t, 0.1, out.Relax1.Structure.Positions[0][0], 1e-12)
}

func TestDoubleRelaxSecondStageFailure(t *testing.T) {
	f := newFixture(t)
	f.log.failAt = 2

	_, err := NewDoubleRelax().Run(context.Background(), f.env, structure(t))
	require.ErrorIs(t, err, errSolver)
	assert.Equal(t, 1, f.summaries)
	f.assertScratchClean(t)
}

func TestQMOFPhases(t *testing.T) {
	assert.Equal(t, PhaseLoosePositions, PhasePreRelax.Next(false))
	assert.Equal(t, PhaseProduction1, PhaseLoosePositions.Next(false))
	assert.Equal(t, PhaseLooseVolume, PhaseLoosePositions.Next(true))
	assert.Equal(t, PhaseProduction1, PhaseLooseVolume.Next(true))
	assert.Equal(t, PhaseProduction2, PhaseProduction1.Next(true))
	assert.Equal(t, PhaseDone, PhaseProduction2.Next(true))
	assert.Equal(t, PhaseDone, PhaseDone.Next(true))

	r := NewQMOF()
	r.VolumeRelax = false
	assert.Equal(t, []Phase{PhasePreRelax, PhaseLoosePositions, PhaseProduction1, PhaseProduction2}, r.Phases())
	r.VolumeRelax = true
	assert.Len(t, r.Phases(), 5)
}

func TestQMOFWithoutVolumeRelax(t *testing.T) {
	f := newFixture(t)
	r := NewQMOF()
	r.VolumeRelax = false

	rec, err := r.Run(context.Background(), f.env, structure(t))
	require.NoError(t, err)

	require.Len(t, f.log.calls, 4)
	dirs := map[string]bool{}
	for _, c := range f.log.calls {
		dirs[c.dir] = true
	}
	assert.Len(t, dirs, 4, "each stage gets its own scratch session")
	assert.Equal(t, 1, f.summaries)
	assert.Equal(t, "QMOF-Relax", rec.Name)
	assert.Equal(t, "QMOFSet", rec.Preset)

	for i := 1; i < 4; i++ {
		assert.InDelta(t, f.log.calls[i-1].x0+0.1, f.log.calls[i].x0, 1e-12, "stage %d input", i)
	}
	for _, name := range []string{"prerelax.log", "prerelax.traj", "OUTCAR"} {
		assert.FileExists(t, filepath.Join(f.dir, name))
	}
	f.assertScratchClean(t)

	isif, _ := f.log.calls[3].params.Get("isif")
	assert.Equal(t, 2, isif)
	nsw, _ := f.log.calls[3].params.Get("nsw")
	assert.Equal(t, 250, nsw)
}

func TestQMOFWithVolumeRelax(t *testing.T) {
	f := newFixture(t)
	_, err := NewQMOF().Run(context.Background(), f.env, structure(t))
	require.NoError(t, err)
	require.Len(t, f.log.calls, 5)

	isif, _ := f.log.calls[2].params.Get("isif")
	assert.Equal(t, 3, isif)
	nsw, _ := f.log.calls[4].params.Get("nsw")
	assert.Equal(t, 500, nsw)
}

func TestQMOFPlan(t *testing.T) {
	f := newFixture(t)
	r := NewQMOF()
	r.Swaps = params.Of("nelm", 300, "lwave", params.None)

	plan, err := f.env.Plan(structure(t), r.Preset, r.Stages())
	require.NoError(t, err)
	require.Len(t, plan, 5)
	assert.Empty(t, f.log.calls)

	byStage := map[string]Resolved{}
	for _, res := range plan {
		byStage[res.Stage] = res
		nelm, _ := res.Params.Get("nelm")
		assert.Equal(t, 300, nelm, res.Stage)
		assert.False(t, res.Params.Has("lwave"), res.Stage)
	}

	// The None default removes the preset's encut.
	assert.False(t, byStage["prerelax"].Params.Has("encut"))
	assert.False(t, byStage["loose-positions"].Params.Has("encut"))
	enc, _ := byStage["production1"].Params.Get("encut")
	assert.Equal(t, 520, enc)

	assert.Equal(t, atoms.KPoints{3, 3, 3}, byStage["loose-positions"].KPoints)
	assert.Equal(t, atoms.Gamma, byStage["production1"].KPoints)

	lreal, _ := byStage["production1"].Params.Get("lreal")
	assert.Equal(t, "auto", lreal)
	// Stage 2 only drops lreal from the recipe defaults; the preset still sets it.
	lreal, _ = byStage["production2"].Params.Get("lreal")
	assert.Equal(t, "auto", lreal)
	assert.False(t, byStage["production2"].Params.Has("istart"))
}

func TestQMOFProductionRestart(t *testing.T) {
	f := newFixture(t)
	r := NewQMOF()
	r.VolumeRelax = false
	// The loose stages resolve a 3x3x3 mesh from auto_kpts; production uses
	// Gamma for stage 1 and a mesh for stage 2.
	stages := r.Stages()
	stages[3].Swaps = params.Of("kpts", []int{2, 2, 2})

	_, err := f.env.Run(context.Background(), structure(t), r.Preset, stages)
	require.NoError(t, err)
	require.Len(t, f.log.calls, 4)

	assert.False(t, f.log.calls[2].params.Has("istart"), "loose mesh to gamma production")
	v, ok := f.log.calls[3].params.Get("istart")
	require.True(t, ok)
	assert.Equal(t, 0, v)
}

func TestStageFailureHaltsPipeline(t *testing.T) {
	f := newFixture(t)
	f.log.failAt = 2

	_, err := NewQMOF().Run(context.Background(), f.env, structure(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, errSolver)
	assert.Contains(t, err.Error(), `stage "loose-positions"`)
	assert.Len(t, f.log.calls, 2)
	assert.Zero(t, f.summaries)
	f.assertScratchClean(t)
}

func TestEnvRequiresFactory(t *testing.T) {
	_, err := NewStatic().Run(context.Background(), Env{}, structure(t))
	assert.True(t, atoms.IsConfigError(err))
}

func TestFactoryErrorIsWrapped(t *testing.T) {
	f := newFixture(t)
	cfgErr := &atoms.ConfigError{Reason: "preset missing"}
	f.env.Calculators = func(*atoms.Structure, string, *params.Set) (atoms.Calculator, error) {
		return nil, cfgErr
	}
	_, err := NewRelax().Run(context.Background(), f.env, structure(t))
	assert.ErrorIs(t, err, cfgErr)
	assert.True(t, atoms.IsConfigError(err))
}
