package vasp

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/calcflow/calcctl/internal/params"
)

// writePOTCAR concatenates "<dir>/<symbol><suffix>/POTCAR" for every species
// in POSCAR order. setups maps a symbol to its suffix, such as "_pv".
func writePOTCAR(w io.Writer, dir string, species []string, setups *params.Set) error {
	for _, sym := range species {
		name := sym
		if v, ok := setups.Get(sym); ok {
			suffix, isString := v.(string)
			if !isString {
				return fmt.Errorf("potcar: setup for %s must be a string, got %v", sym, v)
			}
			name += suffix
		}
		if err := appendFile(w, filepath.Join(dir, name, "POTCAR")); err != nil {
			return fmt.Errorf("potcar: %s: %w", sym, err)
		}
	}
	return nil
}

func appendFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(w, f)
	return err
}
