// Package runcalc evaluates a structure's calculator inside a scratch session.
package runcalc

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/calcflow/calcctl/internal/atoms"
	"github.com/calcflow/calcctl/internal/logging"
	"github.com/calcflow/calcctl/internal/scratch"
)

// Options configures one execution.
type Options struct {
	// ScratchRoot is where the private working directory is created. Empty
	// means the current working directory.
	ScratchRoot string
	// Dir is the directory results are materialized into. Empty means the
	// current working directory.
	Dir string
	// Seed copies the pre-existing contents of Dir into the scratch directory.
	Seed bool
	// Compress gzips the files copied back to Dir.
	Compress bool
	// Link selects the reverse link policy.
	Link scratch.LinkMode
	// Logger receives execution events.
	Logger *slog.Logger
}

// Trigger runs an evaluation of s with dir as the working directory.
type Trigger func(ctx context.Context, dir string, s *atoms.Structure) error

// Run deep-copies s, evaluates the copy's calculator in a scratch session and
// returns the copy carrying the solver output. s itself is never modified.
//
// A structure without a calculator fails with a *atoms.ConfigError before any
// filesystem work. A calculator error is returned unmodified.
func Run(ctx context.Context, s *atoms.Structure, opts Options) (*atoms.Structure, error) {
	return RunFunc(ctx, s, opts, func(ctx context.Context, dir string, out *atoms.Structure) error {
		return out.Calc.Calculate(ctx, dir, out)
	})
}

// RunFunc is Run with a custom trigger in place of a single calculator
// evaluation, for drivers that evaluate the calculator many times.
func RunFunc(ctx context.Context, s *atoms.Structure, opts Options, trigger Trigger) (*atoms.Structure, error) {
	if s == nil || s.Calc == nil {
		return nil, &atoms.ConfigError{Reason: "run calculation", Err: atoms.ErrNoCalculator}
	}
	logger := logging.OrDiscard(opts.Logger)

	origin, err := resolveDir(opts.Dir)
	if err != nil {
		return nil, err
	}

	out := s.Copy()
	err = scratch.Do(ctx, scratch.Options{
		Root:     opts.ScratchRoot,
		Origin:   origin,
		Link:     opts.Link,
		Seed:     opts.Seed,
		Compress: opts.Compress,
		Logger:   logger,
	}, func(ctx context.Context, dir string) error {
		logger.Debug("calculation started", "dir", dir, "atoms", out.Len())
		return trigger(ctx, dir, out)
	})
	if err != nil {
		return nil, err
	}

	if out.Results == nil {
		out.Results = &atoms.Results{}
	}
	out.Results.Dir = origin
	return out, nil
}

func resolveDir(dir string) (string, error) {
	if dir == "" {
		return os.Getwd()
	}
	return filepath.Abs(dir)
}
