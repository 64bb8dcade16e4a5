// Package optimize relaxes atomic positions with a quasi-Newton optimizer
// driven only by the calculator's energies and forces. The solver's own ionic
// loop is not involved: every evaluation is a single-point calculation.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"gonum.org/v1/gonum/optimize"

	"github.com/calcflow/calcctl/internal/atoms"
	"github.com/calcflow/calcctl/internal/logging"
)

const (
	// DefaultLogName is the optimizer log written into the working directory.
	DefaultLogName = "prerelax.log"
	// DefaultTrajName is the trajectory written into the working directory.
	DefaultTrajName = "prerelax.traj"
	// DefaultMaxSteps bounds the number of optimizer iterations.
	DefaultMaxSteps = 1000
)

// Options configures a relaxation.
type Options struct {
	// FMax is the force convergence threshold in eV/Angstrom, applied to the
	// largest per-atom force norm.
	FMax float64
	// MaxSteps bounds the optimizer iterations. Zero means DefaultMaxSteps.
	MaxSteps int
	// LogName and TrajName override the output file names.
	LogName  string
	TrajName string
	// Logger receives progress events.
	Logger *slog.Logger
}

// Result summarizes a relaxation.
type Result struct {
	Steps       int
	Evaluations int
	FMax        float64
	Energy      float64
	Converged   bool
}

// Relax moves the positions of s, in place, towards a force-converged
// geometry, evaluating s.Calc with dir as the working directory. The cell is
// held fixed. On return s carries the results of its final positions.
//
// A calculator error stops the optimizer and is returned unmodified.
// Reaching MaxSteps is not an error; Result.Converged reports the outcome.
func Relax(ctx context.Context, dir string, s *atoms.Structure, opts Options) (Result, error) {
	if s == nil || s.Calc == nil {
		return Result{}, &atoms.ConfigError{Reason: "pre-relaxation", Err: atoms.ErrNoCalculator}
	}
	if opts.FMax <= 0 {
		return Result{}, &atoms.ConfigError{Reason: fmt.Sprintf("fmax must be positive, got %g", opts.FMax)}
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	logger := logging.OrDiscard(opts.Logger)

	out, err := openOutput(dir, opts)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = out.Close() }()

	ev := &evaluator{ctx: ctx, dir: dir, s: s}
	x0 := flatten(s.Positions)
	if err := ev.at(x0); err != nil {
		return Result{}, err
	}
	res := Result{Evaluations: ev.calls, Energy: ev.energy, FMax: maxNorm(ev.grad)}
	if err := out.record(0, ev.energy, x0, ev.grad); err != nil {
		return res, err
	}
	if res.FMax < opts.FMax {
		res.Converged = true
		logger.Info("pre-relaxation converged", "steps", 0, "fmax", res.FMax, "energy", res.Energy)
		return res, nil
	}

	rec := &recorder{out: out}
	problem := optimize.Problem{
		Func: ev.Func,
		Grad: ev.Grad,
		Status: func() (optimize.Status, error) {
			if ev.err != nil {
				return optimize.Failure, ev.err
			}
			return optimize.NotTerminated, nil
		},
	}
	settings := &optimize.Settings{
		MajorIterations: opts.MaxSteps,
		Converger:       fmaxConverger{fmax: opts.FMax},
		Recorder:        rec,
	}
	method := &optimize.BFGS{Linesearcher: &optimize.MoreThuente{}}

	result, minErr := optimize.Minimize(problem, x0, settings, method)
	if ev.err != nil {
		return res, ev.err
	}
	if rec.err != nil {
		return res, rec.err
	}

	final := x0
	if result != nil && result.X != nil {
		final = result.X
	}
	// Leave s consistent with the reported geometry.
	if err := ev.at(final); err != nil {
		return res, err
	}

	res.Steps = rec.steps
	res.Evaluations = ev.calls
	res.Energy = ev.energy
	res.FMax = maxNorm(ev.grad)
	res.Converged = res.FMax < opts.FMax

	if minErr != nil && !res.Converged && !limitReached(result) {
		return res, fmt.Errorf("pre-relaxation: %w", minErr)
	}
	logger.Info("pre-relaxation finished",
		"steps", res.Steps, "evaluations", res.Evaluations, "fmax", res.FMax, "energy", res.Energy, "converged", res.Converged)
	return res, nil
}

func limitReached(r *optimize.Result) bool {
	if r == nil {
		return false
	}
	return r.Status == optimize.IterationLimit || r.Status == optimize.FunctionEvaluationLimit ||
		r.Status == optimize.GradientEvaluationLimit
}

// evaluator adapts a structure's calculator to gonum's objective interface.
// The optimizer asks for the energy and gradient at the same point in
// separate calls, so the last evaluation is memoized.
type evaluator struct {
	ctx context.Context
	dir string
	s   *atoms.Structure

	x      []float64
	energy float64
	grad   []float64
	calls  int
	err    error
}

func (e *evaluator) at(x []float64) error {
	if e.err != nil {
		return e.err
	}
	if e.x != nil && slices.Equal(e.x, x) {
		return nil
	}
	if err := e.ctx.Err(); err != nil {
		e.err = err
		return err
	}
	e.s.Positions = unflatten(x)
	e.s.Results = nil
	e.calls++
	if err := e.s.Calc.Calculate(e.ctx, e.dir, e.s); err != nil {
		e.err = err
		return err
	}
	if e.s.Results == nil || len(e.s.Results.Forces) != e.s.Len() {
		e.err = errors.New("pre-relaxation: calculator returned no forces")
		return e.err
	}
	e.x = slices.Clone(x)
	e.energy = e.s.Results.Energy
	e.grad = make([]float64, len(x))
	for i, f := range e.s.Results.Forces {
		for k := range 3 {
			e.grad[3*i+k] = -f[k]
		}
	}
	return nil
}

func (e *evaluator) Func(x []float64) float64 {
	if e.at(x) != nil {
		return math.Inf(1)
	}
	return e.energy
}

func (e *evaluator) Grad(grad, x []float64) {
	if e.at(x) != nil {
		clear(grad)
		return
	}
	copy(grad, e.grad)
}

// fmaxConverger stops when the largest per-atom force norm drops below fmax.
type fmaxConverger struct {
	fmax float64
}

func (fmaxConverger) Init(int) {}

func (c fmaxConverger) Converged(loc *optimize.Location) optimize.Status {
	if loc.Gradient != nil && maxNorm(loc.Gradient) < c.fmax {
		return optimize.GradientThreshold
	}
	return optimize.NotTerminated
}

type recorder struct {
	out   *output
	steps int
	err   error
}

func (r *recorder) Init() error { return nil }

func (r *recorder) Record(loc *optimize.Location, op optimize.Operation, _ *optimize.Stats) error {
	if op&optimize.MajorIteration == 0 || loc.Gradient == nil {
		return nil
	}
	r.steps++
	if err := r.out.record(r.steps, loc.F, loc.X, loc.Gradient); err != nil {
		r.err = err
		return err
	}
	return nil
}

func flatten(v []atoms.Vec3) []float64 {
	out := make([]float64, 0, 3*len(v))
	for _, p := range v {
		out = append(out, p[0], p[1], p[2])
	}
	return out
}

func unflatten(x []float64) []atoms.Vec3 {
	out := make([]atoms.Vec3, len(x)/3)
	for i := range out {
		out[i] = atoms.Vec3{x[3*i], x[3*i+1], x[3*i+2]}
	}
	return out
}

// maxNorm returns the largest norm over consecutive 3-vectors of g.
func maxNorm(g []float64) float64 {
	var m float64
	for i := 0; i+2 < len(g); i += 3 {
		n := math.Sqrt(g[i]*g[i] + g[i+1]*g[i+1] + g[i+2]*g[i+2])
		m = max(m, n)
	}
	return m
}
