package optimize

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/calcflow/calcctl/internal/atoms"
)

// Frame is one trajectory entry, written as a JSON line.
type Frame struct {
	Step      int          `json:"step"`
	Energy    float64      `json:"energy"`
	FMax      float64      `json:"fmax"`
	Positions []atoms.Vec3 `json:"positions"`
	Forces    []atoms.Vec3 `json:"forces"`
}

type output struct {
	log  *os.File
	traj *os.File
	enc  *json.Encoder
}

func openOutput(dir string, opts Options) (*output, error) {
	logName, trajName := opts.LogName, opts.TrajName
	if logName == "" {
		logName = DefaultLogName
	}
	if trajName == "" {
		trajName = DefaultTrajName
	}

	logFile, err := os.Create(filepath.Join(dir, logName))
	if err != nil {
		return nil, fmt.Errorf("create optimizer log: %w", err)
	}
	trajFile, err := os.Create(filepath.Join(dir, trajName))
	if err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("create trajectory: %w", err)
	}
	if _, err := fmt.Fprintf(logFile, "%-15s %4s %8s %15s %12s\n", "", "Step", "Time", "Energy", "fmax"); err != nil {
		_ = logFile.Close()
		_ = trajFile.Close()
		return nil, err
	}
	return &output{log: logFile, traj: trajFile, enc: json.NewEncoder(trajFile)}, nil
}

func (o *output) record(step int, energy float64, x, grad []float64) error {
	fmax := maxNorm(grad)
	if _, err := fmt.Fprintf(o.log, "%-15s %4d %8s %15.6f %12.4f\n",
		"BFGSLineSearch:", step, time.Now().Format("15:04:05"), energy, fmax); err != nil {
		return fmt.Errorf("write optimizer log: %w", err)
	}
	forces := unflatten(grad)
	for i := range forces {
		for k := range 3 {
			forces[i][k] = -forces[i][k]
		}
	}
	frame := Frame{Step: step, Energy: energy, FMax: fmax, Positions: unflatten(x), Forces: forces}
	if err := o.enc.Encode(frame); err != nil {
		return fmt.Errorf("write trajectory: %w", err)
	}
	return nil
}

func (o *output) Close() error {
	return errors.Join(o.log.Close(), o.traj.Close())
}
