// Package env composes the environment handed to out-of-process plugins.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Env holds daemon-wide variables layered over the OS environment.
type Env struct {
	useOS bool
	vars  map[string]string
}

// New returns an empty environment. With useOS the daemon's own environment is the base layer.
func New(useOS bool) *Env {
	return &Env{useOS: useOS, vars: make(map[string]string)}
}

// Set sets a global variable. Empty keys are ignored.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.vars[k] = v
}

// Apply sets every KEY=VALUE pair in order. Malformed entries are skipped.
func (e *Env) Apply(pairs []string) {
	for _, kv := range pairs {
		if k, v, ok := Split(kv); ok {
			e.Set(k, v)
		}
	}
}

// Merge composes the final environment: OS (when enabled), then globals, then
// extra overrides. ${NAME} references are expanded against the composed map;
// unknown names are left as written. The result is sorted by key.
func (e *Env) Merge(extra []string) []string {
	m := make(map[string]string)
	if e.useOS {
		for _, kv := range os.Environ() {
			if k, v, ok := Split(kv); ok {
				m[k] = v
			}
		}
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for _, kv := range extra {
		if k, v, ok := Split(kv); ok {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+Expand(m[k], m))
	}
	return out
}

// Lookup returns name as plugins see it: composed and expanded like Merge.
func (e *Env) Lookup(name string) (string, bool) {
	for _, kv := range e.Merge(nil) {
		if k, v, ok := Split(kv); ok && k == name {
			return v, true
		}
	}
	return "", false
}

// Expand replaces ${NAME} with m[NAME] in one pass.
func Expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}

// Split parses KEY=VALUE. ok is false for an empty key or a missing '='.
func Split(kv string) (key, value string, ok bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

// LoadFile parses a .env file with KEY=VALUE lines. Blank lines and lines
// starting with # are ignored.
func LoadFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for n, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := Split(line)
		if !ok {
			return nil, fmt.Errorf("%s:%d: expected KEY=VALUE", path, n+1)
		}
		out = append(out, strings.TrimSpace(k)+"="+strings.TrimSpace(v))
	}
	return out, nil
}
