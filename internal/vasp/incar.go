package vasp

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/calcflow/calcctl/internal/params"
)

// calculatorKeys are consumed by the calculator and never written to INCAR.
var calculatorKeys = map[string]bool{
	"kpts":      true,
	"auto_kpts": true,
	"gamma":     true,
	"setups":    true,
}

// WriteINCAR writes every directive in p except calculator-level keys, in
// order, with upper-case tag names. None values are skipped.
func WriteINCAR(w io.Writer, p *params.Set) error {
	bw := bufio.NewWriter(w)
	seen := make(map[string]string)
	for _, key := range p.Keys() {
		if calculatorKeys[strings.ToLower(key)] {
			continue
		}
		v, _ := p.Get(key)
		if params.IsNone(v) {
			continue
		}
		tag := strings.ToUpper(key)
		if prev, dup := seen[tag]; dup {
			return fmt.Errorf("incar: %q and %q both set %s", prev, key, tag)
		}
		seen[tag] = key

		text, err := formatValue(v)
		if err != nil {
			return fmt.Errorf("incar: %s: %w", tag, err)
		}
		fmt.Fprintf(bw, "%s = %s\n", tag, text)
	}
	return bw.Flush()
}

func formatValue(v any) (string, error) {
	switch vv := v.(type) {
	case bool:
		if vv {
			return ".TRUE.", nil
		}
		return ".FALSE.", nil
	case int:
		return strconv.Itoa(vv), nil
	case int64:
		return strconv.FormatInt(vv, 10), nil
	case float64:
		return strconv.FormatFloat(vv, 'g', -1, 64), nil
	case string:
		return vv, nil
	case []int:
		parts := make([]string, len(vv))
		for i, n := range vv {
			parts[i] = strconv.Itoa(n)
		}
		return strings.Join(parts, " "), nil
	case []float64:
		parts := make([]string, len(vv))
		for i, f := range vv {
			parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
		}
		return strings.Join(parts, " "), nil
	case []any:
		parts := make([]string, len(vv))
		for i, item := range vv {
			text, err := formatValue(item)
			if err != nil {
				return "", err
			}
			parts[i] = text
		}
		return strings.Join(parts, " "), nil
	case *params.Set:
		return "", fmt.Errorf("nested mapping is not a valid INCAR value")
	}
	return "", fmt.Errorf("unsupported value type %T", v)
}
