package scratch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const gzipSuffix = ".gz"

// gzipFiles replaces each listed file under dir with a gzip-compressed
// "<name>.gz". Files already ending in .gz are left alone. A failure on one
// file does not stop the others.
func gzipFiles(dir string, rels []string) error {
	var errs []error
	for _, rel := range rels {
		if strings.HasSuffix(strings.ToLower(rel), gzipSuffix) {
			continue
		}
		if err := gzipFile(filepath.Join(dir, rel)); err != nil {
			errs = append(errs, fmt.Errorf("gzip %q: %w", rel, err))
		}
	}
	return errors.Join(errs...)
}

func gzipFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	dst := path + gzipSuffix
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(path)
	zw.ModTime = info.ModTime()
	if _, err := io.Copy(zw, in); err != nil {
		_ = zw.Close()
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return err
	}
	_ = in.Close()
	return os.Remove(path)
}
