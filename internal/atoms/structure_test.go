package atoms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calcflow/calcctl/internal/params"
)

type stubCalc struct {
	set *params.Set
}

func (c *stubCalc) Preset() string                                      { return "" }
func (c *stubCalc) Parameters() *params.Set                             { return c.set.Clone() }
func (c *stubCalc) Set(key string, value any)                           { c.set.Set(key, value) }
func (c *stubCalc) KPoints() KPoints                                    { return Gamma }
func (c *stubCalc) Clone() Calculator                                   { return &stubCalc{set: c.set.Clone()} }
func (c *stubCalc) Calculate(context.Context, string, *Structure) error { return nil }

func cubic(a float64) [3]Vec3 {
	return [3]Vec3{{a, 0, 0}, {0, a, 0}, {0, 0, a}}
}

func TestNewValidatesLengths(t *testing.T) {
	_, err := New([]string{"H"}, nil, cubic(3))
	assert.Error(t, err)
	_, err = New(nil, nil, cubic(3))
	assert.Error(t, err)
}

func TestCopyIsIndependent(t *testing.T) {
	s, err := New([]string{"Cu", "Cu"}, []Vec3{{0, 0, 0}, {1.8, 1.8, 0}}, cubic(3.6))
	require.NoError(t, err)
	s.Calc = &stubCalc{set: params.Of("isif", 2)}
	s.Results = &Results{Energy: -7.2, Forces: []Vec3{{0.1, 0, 0}, {-0.1, 0, 0}}}

	c := s.Copy()
	c.Positions[0][0] = 9
	c.Results.Forces[0][0] = 5
	c.Calc.Set("isif", 3)

	assert.Equal(t, 0.0, s.Positions[0][0])
	assert.Equal(t, 0.1, s.Results.Forces[0][0])
	v, _ := s.Calc.Parameters().Get("isif")
	assert.Equal(t, 2, v)
}

func TestWithCalculatorDropsResults(t *testing.T) {
	s, err := New([]string{"Na"}, []Vec3{{0, 0, 0}}, cubic(4))
	require.NoError(t, err)
	s.Results = &Results{Energy: -1}

	out := s.WithCalculator(&stubCalc{set: params.New()})
	assert.Nil(t, out.Results)
	assert.NotNil(t, out.Calc)
	assert.Nil(t, s.Calc)
}

func TestGeometryHelpers(t *testing.T) {
	s, err := New([]string{"O", "H", "H", "O"}, []Vec3{{1, 2, 3}, {0, 0, 0}, {2, 2, 2}, {4, 4, 4}}, cubic(4))
	require.NoError(t, err)

	assert.InDelta(t, 64.0, s.Volume(), 1e-9)
	assert.Equal(t, [3]float64{4, 4, 4}, s.Lengths())

	species, counts := s.Species()
	assert.Equal(t, []string{"O", "H"}, species)
	assert.Equal(t, []int{2, 2}, counts)

	frac, err := s.FractionalPositions()
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.25, 0.5, 0.75}, frac[0][:], 1e-12)
}

func TestMaxForce(t *testing.T) {
	s, err := New([]string{"H", "H"}, []Vec3{{}, {}}, cubic(5))
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.MaxForce())

	s.Results = &Results{Forces: []Vec3{{3, 4, 0}, {1, 0, 0}}}
	assert.InDelta(t, 5.0, s.MaxForce(), 1e-12)
}

func TestKPointsAndErrors(t *testing.T) {
	assert.True(t, KPoints{1, 1, 1}.IsGamma())
	assert.False(t, KPoints{2, 2, 2}.IsGamma())
	assert.Equal(t, "3x3x1", KPoints{3, 3, 1}.String())

	err := &ConfigError{Reason: "missing calculator", Err: ErrNoCalculator}
	assert.True(t, IsConfigError(err))
	assert.ErrorIs(t, err, ErrNoCalculator)
	assert.False(t, IsConfigError(ErrNoCalculator))
}
