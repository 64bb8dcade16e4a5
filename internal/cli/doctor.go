package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/calcflow/calcctl/internal/config"
	"github.com/calcflow/calcctl/internal/scratch"
)

// newDoctorCommand creates the "doctor" subcommand that runs environment preflight checks.
func newDoctorCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run environment preflight checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			if err := runDoctorChecks(logger, opts.Settings); err != nil {
				return err
			}

			logger.Info("doctor checks completed successfully")
			return nil
		},
	}

	return cmd
}

func runDoctorChecks(logger *slog.Logger, s config.Settings) error {
	var failed []string

	for _, command := range []string{s.VaspCommand, s.VaspGammaCommand} {
		if err := checkCommand(command); err != nil {
			logger.Error("doctor check failed: solver command not found", "command", command, "error", err)
			failed = append(failed, command)
			continue
		}
		logger.Info("doctor check ok", "command", command)
	}

	for _, dir := range []struct {
		name, path string
	}{
		{"CALCCTL_POTCAR_DIR", s.PotcarDir},
		{"CALCCTL_PRESET_DIR", s.PresetDir},
	} {
		if dir.path == "" {
			logger.Warn("directory not configured", "var", dir.name)
			continue
		}
		if err := checkDir(dir.path); err != nil {
			logger.Error("doctor check failed", "var", dir.name, "path", dir.path, "error", err)
			failed = append(failed, dir.name)
			continue
		}
		logger.Info("doctor check ok", "var", dir.name, "path", dir.path)
	}

	root := s.ScratchRoot()
	if root == "" {
		root = "."
	}
	if err := checkWritable(root); err != nil {
		logger.Error("doctor check failed: scratch root not writable", "path", root, "error", err)
		failed = append(failed, "scratch root")
	} else {
		logger.Info("doctor check ok", "scratch", root, "link", s.LinkMode().String(), "symlinks", scratch.SymlinkSupported())
	}
	if s.LinkMode() == scratch.LinkAlways && !scratch.SymlinkSupported() {
		logger.Error("doctor check failed: CALCCTL_SCRATCH_LINK=always but symlinks are unavailable")
		failed = append(failed, "scratch link")
	}

	if len(failed) > 0 {
		return fmt.Errorf("doctor found %d issue(s): %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}

// checkCommand resolves the executable of command, skipping launcher
// prefixes such as mpirun whose target is the last field.
func checkCommand(command string) error {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return fmt.Errorf("empty command")
	}
	for _, f := range []string{fields[0], fields[len(fields)-1]} {
		if _, err := exec.LookPath(f); err != nil {
			return err
		}
	}
	return nil
}

func checkDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%q is not a directory", path)
	}
	return nil
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.MkdirTemp(dir, "calcctl-doctor-")
	if err != nil {
		return err
	}
	return os.Remove(tmp)
}
