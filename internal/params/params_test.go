package params

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func staticDefaults() *Set {
	return Of(
		"ismear", -5,
		"isym", 2,
		"laechg", true,
		"lcharg", true,
		"lwave", true,
		"nedos", 5001,
		"nsw", 0,
		"sigma", 0.05,
	)
}

func TestMergeWithoutOverridesReturnsDefaults(t *testing.T) {
	d := staticDefaults()

	assert.True(t, Merge(true, d).Equal(d))
	assert.True(t, Merge(true, d, New(), nil).Equal(d))
	assert.Equal(t, 0, Merge(true).Len())
}

func TestMergeLaterLayerWins(t *testing.T) {
	got := Merge(false,
		Of("a", 1, "b", 2),
		Of("b", 3, "c", 4),
		Of("a", "x"),
	)

	want := Of("a", "x", "b", 3, "c", 4)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("merged set mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeKeyOrderFollowsFirstOccurrence(t *testing.T) {
	got := Merge(false,
		Of("z", 1, "y", 2),
		Of("x", 3, "z", 4),
		Of("w", 5, "y", 6),
	)
	assert.Equal(t, []string{"z", "y", "x", "w"}, got.Keys())
}

func TestMergeRemoveNone(t *testing.T) {
	got := Merge(true, staticDefaults(), Of("nedos", None))

	assert.False(t, got.Has("nedos"))
	assert.Equal(t, []string{"ismear", "isym", "laechg", "lcharg", "lwave", "nsw", "sigma"}, got.Keys())
	v, _ := got.Get("sigma")
	assert.Equal(t, 0.05, v)
}

func TestMergeKeepsNoneWhenNotRemoving(t *testing.T) {
	got := Merge(false, Of("encut", 520), Of("encut", None))

	v, ok := got.Get("encut")
	require.True(t, ok)
	assert.True(t, IsNone(v))
}

func TestMergeNoneThenValueKeepsValue(t *testing.T) {
	got := Merge(true, Of("a", 1, "b", 2), Of("a", None), Of("a", 3))

	assert.Equal(t, []string{"a", "b"}, got.Keys())
	v, _ := got.Get("a")
	assert.Equal(t, 3, v)
}

func TestMergeDoesNotAliasLayers(t *testing.T) {
	kpts := Of("grid_density", 100)
	d := Of("auto_kpts", kpts)

	got := Merge(true, d)
	sub, ok := got.Sub("auto_kpts")
	require.True(t, ok)
	sub.Set("grid_density", 1000)

	v, _ := kpts.Get("grid_density")
	assert.Equal(t, 100, v)
}

func TestMergeNestedSetsRecursively(t *testing.T) {
	got := Merge(true,
		Of("auto_kpts", Of("grid_density", 100, "gamma", true), "encut", 520),
		Of("auto_kpts", Of("reciprocal_density", 64)),
	)

	want := Of("auto_kpts", Of("grid_density", 100, "gamma", true, "reciprocal_density", 64), "encut", 520)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("merged set mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeRemovesNestedNone(t *testing.T) {
	layers := []*Set{
		Of("auto_kpts", Of("grid_density", 100)),
		Of("auto_kpts", Of("grid_density", None, "reciprocal_density", 64)),
	}

	got := Merge(true, layers...)
	sub, ok := got.Sub("auto_kpts")
	require.True(t, ok)
	assert.Equal(t, []string{"reciprocal_density"}, sub.Keys())

	kept := Merge(false, layers...)
	sub, ok = kept.Sub("auto_kpts")
	require.True(t, ok)
	v, _ := sub.Get("grid_density")
	assert.True(t, IsNone(v))
}

func TestMergeScalarReplacesNestedSet(t *testing.T) {
	got := Merge(true, Of("auto_kpts", Of("grid_density", 100)), Of("auto_kpts", None))
	assert.False(t, got.Has("auto_kpts"))

	got = Merge(true, Of("setups", "minimal"), Of("setups", Of("H", "_h")))
	sub, ok := got.Sub("setups")
	require.True(t, ok)
	assert.Equal(t, []string{"H"}, sub.Keys())
}

func TestMergeNestedDoesNotAliasLayers(t *testing.T) {
	first := Of("auto_kpts", Of("grid_density", 100))
	Merge(true, first, Of("auto_kpts", Of("reciprocal_density", 64)))

	sub, _ := first.Sub("auto_kpts")
	assert.Equal(t, []string{"grid_density"}, sub.Keys())
}

func TestSetDeleteAndReinsertMovesKeyToEnd(t *testing.T) {
	s := Of("a", 1, "b", 2, "c", 3)
	s.Delete("a")
	s.Set("a", 4)
	s.Delete("missing")

	assert.Equal(t, []string{"b", "c", "a"}, s.Keys())
}

func TestNilSetReads(t *testing.T) {
	var s *Set
	assert.Equal(t, 0, s.Len())
	assert.Nil(t, s.Keys())
	_, ok := s.Get("x")
	assert.False(t, ok)
	assert.Equal(t, "{}", s.String())
}

func TestUnmarshalYAMLPreservesOrderAndNull(t *testing.T) {
	src := `
nedos: null
encut: 520
ediff: 1e-4
lreal: auto
auto_kpts:
  grid_density: 100
kpts: [2, 2, 1]
`
	var s Set
	require.NoError(t, yaml.Unmarshal([]byte(src), &s))

	assert.Equal(t, []string{"nedos", "encut", "ediff", "lreal", "auto_kpts", "kpts"}, s.Keys())
	v, _ := s.Get("nedos")
	assert.True(t, IsNone(v))
	v, _ = s.Get("encut")
	assert.Equal(t, 520, v)
	f, ok := s.Float("ediff")
	require.True(t, ok)
	assert.InDelta(t, 1e-4, f, 1e-12)
	sub, ok := s.Sub("auto_kpts")
	require.True(t, ok)
	d, _ := sub.Float("grid_density")
	assert.Equal(t, 100.0, d)
	k, ok := s.Ints("kpts")
	require.True(t, ok)
	assert.Equal(t, []int{2, 2, 1}, k)
}

func TestUnmarshalYAMLRejectsSequence(t *testing.T) {
	var s Set
	err := yaml.Unmarshal([]byte("- a\n- b\n"), &s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected a mapping")
}

func TestMarshalYAMLRoundTripsOrder(t *testing.T) {
	s := Of("isif", 3, "nedos", None, "auto_kpts", Of("grid_density", 100))

	out, err := yaml.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, "isif: 3\nnedos: null\nauto_kpts:\n    grid_density: 100\n", string(out))
}

func TestParseAssignments(t *testing.T) {
	got, err := ParseAssignments([]string{"encut=520", "lreal=auto", "nedos=None", " ediff = 1e-5 ", ""})
	require.NoError(t, err)

	assert.Equal(t, []string{"encut", "lreal", "nedos", "ediff"}, got.Keys())
	v, _ := got.Get("encut")
	assert.Equal(t, 520, v)
	v, _ = got.Get("lreal")
	assert.Equal(t, "auto", v)
	v, _ = got.Get("nedos")
	assert.True(t, IsNone(v))

	_, err = ParseAssignments([]string{"novalue"})
	assert.Error(t, err)
	_, err = ParseAssignments([]string{"=3"})
	assert.Error(t, err)
}
