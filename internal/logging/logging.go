// Package logging sets up calcctl's console logger. Stage progress, scratch
// handling and relayed solver output all go to stderr through one slog handler,
// so a job's stdout stays free for YAML summaries.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
)

// Level is the verbosity chosen by --log-level or CALCCTL_LOG_LEVEL.
type Level slog.Level

const (
	// LevelDebug adds per-stage directives and relayed solver lines.
	LevelDebug Level = Level(slog.LevelDebug)
	// LevelInfo reports stage starts and finishes.
	LevelInfo Level = Level(slog.LevelInfo)
	// LevelWarn reports recoverable problems such as a failed scratch cleanup.
	LevelWarn Level = Level(slog.LevelWarn)
	// LevelError is used for failures that end a job.
	LevelError Level = Level(slog.LevelError)
)

// ParseLevel reads a level name, case-insensitively. An empty name means info;
// an unknown name is an error.
func ParseLevel(value string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q (want debug, info, warn or error)", value)
	}
}

// String returns the lower-case level name.
func (l Level) String() string {
	return strings.ToLower(slog.Level(l).String())
}

// NewLogger writes tint-formatted records to w, or stderr when w is nil.
// Colour is used only when w is a terminal, so redirected job logs stay plain.
func NewLogger(w io.Writer, level Level) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      slog.Level(level),
		TimeFormat: "15:04:05",
		NoColor:    !isTerminal(w),
	}))
}

// OrDiscard lets library packages accept a nil logger from callers that want silence.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.DiscardHandler)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
