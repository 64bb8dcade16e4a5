package config

import (
	"fmt"
	"log/slog"

	envparse "github.com/caarlos0/env/v11"

	"github.com/calcflow/calcctl/internal/env"
	"github.com/calcflow/calcctl/internal/runcalc"
	"github.com/calcflow/calcctl/internal/scratch"
	"github.com/calcflow/calcctl/internal/vasp"
)

// DefaultEnvFile is loaded, when present, before CALCCTL_* variables are read.
const DefaultEnvFile = ".env"

// Settings holds process-wide defaults sourced from CALCCTL_* variables.
type Settings struct {
	// ScratchDir is the scratch root from CALCCTL_SCRATCH_DIR.
	ScratchDir string `env:"CALCCTL_SCRATCH_DIR"`
	// ClusterScratch is the batch system's scratch path from SCRATCH, used
	// when ScratchDir is unset.
	ClusterScratch string `env:"SCRATCH"`
	// Gzip compresses copied-back outputs, from CALCCTL_GZIP.
	Gzip bool `env:"CALCCTL_GZIP" envDefault:"true"`
	// CopyFromStoreDir seeds the scratch directory with the job directory,
	// from CALCCTL_COPY_FROM_STORE_DIR.
	CopyFromStoreDir bool `env:"CALCCTL_COPY_FROM_STORE_DIR" envDefault:"false"`
	// Link is the scratch link mode (auto, never, always) from CALCCTL_SCRATCH_LINK.
	Link string `env:"CALCCTL_SCRATCH_LINK" envDefault:"auto"`
	// VaspCommand is the standard solver command from CALCCTL_VASP_COMMAND.
	VaspCommand string `env:"CALCCTL_VASP_COMMAND" envDefault:"vasp_std"`
	// VaspGammaCommand is the Gamma-only solver command from CALCCTL_VASP_GAMMA_COMMAND.
	VaspGammaCommand string `env:"CALCCTL_VASP_GAMMA_COMMAND" envDefault:"vasp_gam"`
	PotcarDir        string `env:"CALCCTL_POTCAR_DIR"`
	PresetDir        string `env:"CALCCTL_PRESET_DIR"`
	LogLevel         string `env:"CALCCTL_LOG_LEVEL" envDefault:"info"`
}

// LoadSettings parses Settings from vars.
func LoadSettings(vars env.Vars) (Settings, error) {
	var s Settings
	if err := envparse.ParseWithOptions(&s, envparse.Options{Environment: vars}); err != nil {
		return Settings{}, fmt.Errorf("parse CALCCTL_* settings: %w", err)
	}
	if _, err := scratch.ParseLinkMode(s.Link); err != nil {
		return Settings{}, fmt.Errorf("CALCCTL_SCRATCH_LINK: %w", err)
	}
	return s, nil
}

// ResolveVars merges the process environment with the optional default .env
// file in baseDir and any explicitly requested env files, later sources
// overriding earlier ones.
func ResolveVars(baseDir string, envFiles []string) (env.Vars, error) {
	defaults, err := env.LoadFiles(baseDir, []string{DefaultEnvFile}, true)
	if err != nil {
		return nil, err
	}
	explicit, err := env.LoadFiles(baseDir, envFiles, false)
	if err != nil {
		return nil, err
	}
	return env.Merge(env.FromOS(), defaults, explicit), nil
}

// ScratchRoot returns the configured scratch root. Empty means the current
// working directory.
func (s Settings) ScratchRoot() string {
	if s.ScratchDir != "" {
		return s.ScratchDir
	}
	return s.ClusterScratch
}

// LinkMode returns the parsed scratch link mode.
func (s Settings) LinkMode() scratch.LinkMode {
	m, _ := scratch.ParseLinkMode(s.Link)
	return m
}

// ExecOptions returns the execution options for a job materializing into dir.
func (s Settings) ExecOptions(dir string, logger *slog.Logger) runcalc.Options {
	return runcalc.Options{
		ScratchRoot: s.ScratchRoot(),
		Dir:         dir,
		Seed:        s.CopyFromStoreDir,
		Compress:    s.Gzip,
		Link:        s.LinkMode(),
		Logger:      logger,
	}
}

// Vasp returns the solver settings.
func (s Settings) Vasp(logger *slog.Logger) vasp.Settings {
	st := vasp.Settings{
		Command:      s.VaspCommand,
		GammaCommand: s.VaspGammaCommand,
		PotcarDir:    s.PotcarDir,
		Logger:       logger,
	}
	if s.PresetDir != "" {
		st.Presets = vasp.PresetDir(s.PresetDir)
	}
	return st
}
