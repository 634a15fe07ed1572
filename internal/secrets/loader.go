package secrets

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
)

// FileLoader reads KEY=value lines from path. Blank lines and lines
// starting with # are skipped; surrounding quotes on values are removed.
func FileLoader(path string) Loader {
	return func() (map[string]string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return parse(data)
	}
}

// Fallback returns a Loader that fills keys missing from loader with the
// given defaults.
func Fallback(loader Loader, defaults map[string]string) Loader {
	return func() (map[string]string, error) {
		vals, err := loader()
		if err != nil {
			return nil, err
		}
		for k, v := range defaults {
			if _, ok := vals[k]; !ok && v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}

func parse(data []byte) (map[string]string, error) {
	vals := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("line %d: expected KEY=value", n)
		}
		v = strings.TrimSpace(v)
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		vals[k] = v
	}
	return vals, sc.Err()
}
