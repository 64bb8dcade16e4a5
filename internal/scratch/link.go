package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LinkMode controls the reverse link from the origin directory to the
// session directory.
//
// Only the link differs between modes. Seeding, copy-back, compression and
// removal behave identically whether or not a link exists, so a platform
// without symlinks gets a plain scratch directory with the same results.
type LinkMode int

const (
	// LinkAuto creates a symlink when the platform supports one, as reported
	// by SymlinkSupported, and no link otherwise.
	LinkAuto LinkMode = iota
	// LinkNever never creates a link.
	LinkNever
	// LinkAlways requires a symlink; Open fails if it cannot be created.
	LinkAlways
)

func (m LinkMode) enabled() bool {
	switch m {
	case LinkNever:
		return false
	case LinkAlways:
		return true
	default:
		return SymlinkSupported()
	}
}

// String returns the mode name used in configuration.
func (m LinkMode) String() string {
	switch m {
	case LinkNever:
		return "never"
	case LinkAlways:
		return "always"
	default:
		return "auto"
	}
}

// ParseLinkMode converts "auto", "never" or "always" into a LinkMode.
func ParseLinkMode(value string) (LinkMode, error) {
	switch value {
	case "", "auto":
		return LinkAuto, nil
	case "never", "false", "off":
		return LinkNever, nil
	case "always", "true", "on":
		return LinkAlways, nil
	}
	return LinkAuto, fmt.Errorf("unknown link mode %q (want auto, never or always)", value)
}

var (
	symlinkOnce sync.Once
	symlinkOK   bool
)

// SymlinkSupported checks, once per process, whether symlinks can be created
// in the system temporary directory.
func SymlinkSupported() bool {
	symlinkOnce.Do(func() {
		symlinkOK = trySymlink(os.TempDir())
	})
	return symlinkOK
}

func trySymlink(base string) bool {
	dir, err := os.MkdirTemp(base, dirPrefix+"linktest-")
	if err != nil {
		return false
	}
	defer func() { _ = os.RemoveAll(dir) }()
	return os.Symlink(dir, filepath.Join(dir, "link")) == nil
}

// createLink points link at target. A stale symlink left by an interrupted
// run is replaced; any other existing entry is an error.
func createLink(target, link string) error {
	if fi, err := os.Lstat(link); err == nil {
		if fi.Mode()&os.ModeSymlink == 0 {
			return fmt.Errorf("%q exists and is not a symlink", link)
		}
		if err := os.Remove(link); err != nil {
			return fmt.Errorf("replace stale link %q: %w", link, err)
		}
	}
	return os.Symlink(target, link)
}
