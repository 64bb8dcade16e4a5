package atoms

import (
	"context"
	"errors"
	"fmt"

	"github.com/calcflow/calcctl/internal/params"
)

// Calculator is the solver attachment point. The pipeline treats it as an
// opaque capability: read and write directives, read the resolved k-point
// grid, and trigger an evaluation.
type Calculator interface {
	// Preset names the parameter preset the calculator was built from.
	Preset() string
	// Parameters returns a copy of the resolved directives.
	Parameters() *params.Set
	// Set overrides a single directive.
	Set(key string, value any)
	// KPoints returns the resolved reciprocal-space sampling grid.
	KPoints() KPoints
	// Calculate evaluates s with dir as the working directory and stores the
	// output (energy, forces and any solver-updated positions or cell) on s.
	Calculate(ctx context.Context, dir string, s *Structure) error
	// Clone returns an independent copy.
	Clone() Calculator
}

// KPoints is a Monkhorst-Pack style subdivision count along each reciprocal
// lattice vector.
type KPoints [3]int

// Gamma is the trivial single-point sampling grid.
var Gamma = KPoints{1, 1, 1}

// IsGamma reports whether k is the single-point grid.
func (k KPoints) IsGamma() bool {
	return k == Gamma
}

// String renders the grid as "AxBxC".
func (k KPoints) String() string {
	return fmt.Sprintf("%dx%dx%d", k[0], k[1], k[2])
}

// ErrNoCalculator is returned when a structure without a calculator is handed
// to an operation that has to evaluate it.
var ErrNoCalculator = errors.New("structure must have an attached calculator")

// ConfigError describes a configuration problem that is fatal and never retried.
type ConfigError struct {
	// Reason explains what is misconfigured.
	Reason string
	// Err is the underlying cause, if any.
	Err error
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "configuration error"
	}
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsConfigError reports whether err is, or wraps, a *ConfigError.
func IsConfigError(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}
