package vasp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/calcflow/calcctl/internal/logging"
)

// StdoutName is the file the solver's standard output is captured in.
const StdoutName = "vasp.out"

// Runner executes the solver command in a working directory.
type Runner interface {
	Run(ctx context.Context, dir, command string) error
}

// ExecRunner runs the command as a subprocess. Standard output goes to
// vasp.out in the working directory and, like standard error, to the logger
// at debug level.
type ExecRunner struct {
	Logger *slog.Logger
	// Env is appended to the process environment.
	Env []string
}

// Run splits command on whitespace, so launcher prefixes such as
// "mpirun -np 4 vasp_std" work, and waits for the process to exit.
func (r ExecRunner) Run(ctx context.Context, dir, command string) error {
	args := strings.Fields(command)
	if len(args) == 0 {
		return errors.New("vasp: empty solver command")
	}
	logger := logging.OrDiscard(r.Logger)

	stdoutFile, err := os.Create(filepath.Join(dir, StdoutName))
	if err != nil {
		return fmt.Errorf("vasp: create %s: %w", StdoutName, err)
	}
	defer func() { _ = stdoutFile.Close() }()

	stdoutLog := logging.NewWriter(logger, "stdout")
	stderrLog := logging.NewWriter(logger, "stderr")
	defer stdoutLog.Flush()
	defer stderrLog.Flush()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Stdout = io.MultiWriter(stdoutFile, stdoutLog)
	cmd.Stderr = stderrLog
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	logger.Info("solver started", "command", command, "dir", dir)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w", args[0], err)
	}
	logger.Info("solver finished", "command", command)
	return nil
}
