// Package scratch stages a calculation's file I/O in a private directory.
//
// A Session is acquired with Open and released with Close. Close always
// performs the full teardown in a fixed order: copy the scratch contents back
// to the origin directory, optionally gzip the copied files, retract the
// reverse link and remove the scratch directory. A failing step never skips
// the steps after it. Do wraps the acquire/use/release triple so the release
// cannot be forgotten and runs even when the use phase fails or panics.
package scratch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/calcflow/calcctl/internal/logging"
)

// LinkName is the name of the reverse link created in the origin directory.
const LinkName = "scratch_link"

// dirPrefix prefixes every session subdirectory.
const dirPrefix = "calcctl-"

// Options configures a scratch session.
type Options struct {
	// Root is the base directory under which the session subdirectory is
	// created. Empty means the current working directory.
	Root string
	// Origin is the original working directory results are copied back to.
	// Empty means the current working directory.
	Origin string
	// Link selects whether a reverse link is created in Origin.
	Link LinkMode
	// Seed copies the pre-existing contents of Origin into the session
	// directory before use.
	Seed bool
	// Compress gzips every file copied back to Origin.
	Compress bool
	// Logger receives session lifecycle events.
	Logger *slog.Logger
}

// Session is one acquired scratch directory.
type Session struct {
	// Dir is the absolute path of the session subdirectory.
	Dir string
	// Origin is the absolute path results are copied back to.
	Origin string

	link     string
	compress bool
	logger   *slog.Logger
	seeded   map[string]stamp
	closed   bool
}

// Open creates a uniquely named subdirectory under opts.Root, links it from
// opts.Origin when links are enabled, and seeds it when opts.Seed is set.
// If a step fails, the steps already completed are undone before returning.
func Open(opts Options) (*Session, error) {
	logger := logging.OrDiscard(opts.Logger)

	root, err := absOrCwd(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve scratch root: %w", err)
	}
	origin, err := absOrCwd(opts.Origin)
	if err != nil {
		return nil, fmt.Errorf("resolve origin directory: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch root %q: %w", root, err)
	}
	if err := os.MkdirAll(origin, 0o755); err != nil {
		return nil, fmt.Errorf("create origin directory %q: %w", origin, err)
	}

	dir := filepath.Join(root, dirPrefix+uuid.NewString())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}

	s := &Session{
		Dir:      dir,
		Origin:   origin,
		compress: opts.Compress,
		logger:   logger,
	}

	if opts.Link.enabled() {
		link := filepath.Join(origin, LinkName)
		if err := createLink(dir, link); err != nil {
			_ = s.removeDir()
			return nil, fmt.Errorf("link scratch directory: %w", err)
		}
		s.link = link
	}

	if opts.Seed {
		seeded, err := copyTree(origin, dir, s.seedSkip)
		if err == nil {
			s.seeded, err = stampFiles(dir, seeded)
		}
		if err != nil {
			_ = s.retractLink()
			_ = s.removeDir()
			return nil, fmt.Errorf("seed scratch directory from %q: %w", origin, err)
		}
		logger.Debug("scratch directory seeded", "dir", dir, "files", len(seeded))
	}

	logger.Debug("scratch session opened", "dir", dir, "origin", origin, "linked", s.link != "")
	return s, nil
}

// Linked reports whether a reverse link was created in the origin directory.
func (s *Session) Linked() bool {
	return s.link != ""
}

// Close copies results back, compresses them if requested, retracts the link
// and removes the session directory. Every step is attempted; their errors
// are joined. Calling Close more than once is a no-op.
func (s *Session) Close() error {
	if s == nil || s.closed {
		return nil
	}
	s.closed = true

	var errs []error

	copied, err := copyTree(s.Dir, s.Origin, s.unchangedSeed)
	if err != nil {
		errs = append(errs, fmt.Errorf("copy results to %q: %w", s.Origin, err))
	}

	if s.compress {
		if err := gzipFiles(s.Origin, copied); err != nil {
			errs = append(errs, fmt.Errorf("compress results: %w", err))
		}
	}

	if err := s.retractLink(); err != nil {
		errs = append(errs, err)
	}
	if err := s.removeDir(); err != nil {
		errs = append(errs, err)
	}

	s.logger.Debug("scratch session closed", "dir", s.Dir, "copied", len(copied), "errors", len(errs))
	return errors.Join(errs...)
}

// Do opens a session, runs fn with the session directory, and closes the
// session on every exit path. An error from fn is returned unchanged; teardown
// errors are then only logged. When fn succeeds, teardown errors are returned.
func Do(ctx context.Context, opts Options, fn func(ctx context.Context, dir string) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, err := Open(opts)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := s.Close()
		if closeErr == nil {
			return
		}
		if err != nil {
			s.logger.Error("scratch teardown failed after calculation error", "dir", s.Dir, "error", closeErr)
			return
		}
		err = closeErr
	}()

	return fn(ctx, s.Dir)
}

func (s *Session) retractLink() error {
	if s.link == "" {
		return nil
	}
	if err := os.Remove(s.link); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove scratch link %q: %w", s.link, err)
	}
	s.link = ""
	return nil
}

func (s *Session) removeDir() error {
	if err := os.RemoveAll(s.Dir); err != nil {
		return fmt.Errorf("remove scratch directory %q: %w", s.Dir, err)
	}
	return nil
}

// seedSkip keeps the reverse link and any directory that contains the session
// itself out of the seed copy, which matters when Root lies inside Origin.
func (s *Session) seedSkip(path string, d fs.DirEntry) bool {
	if path == s.link || (d.Name() == LinkName && filepath.Dir(path) == s.Origin) {
		return true
	}
	if !d.IsDir() {
		return false
	}
	return path == s.Dir || isAncestor(path, s.Dir)
}

// unchangedSeed skips seeded files the calculation left untouched, so they are
// neither rewritten nor compressed in the origin directory.
func (s *Session) unchangedSeed(path string, d fs.DirEntry) bool {
	if len(s.seeded) == 0 || !d.Type().IsRegular() {
		return false
	}
	rel, err := filepath.Rel(s.Dir, path)
	if err != nil {
		return false
	}
	before, ok := s.seeded[rel]
	if !ok {
		return false
	}
	info, err := d.Info()
	if err != nil {
		return false
	}
	return before == stampOf(info)
}

func absOrCwd(path string) (string, error) {
	if path == "" {
		return os.Getwd()
	}
	return filepath.Abs(path)
}

func isAncestor(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !filepath.IsAbs(rel) && !startsWithParent(rel)
}

func startsWithParent(rel string) bool {
	return len(rel) >= 3 && rel[:2] == ".." && os.IsPathSeparator(rel[2])
}
