// Package env builds the environment overlay handed to bpftrace, e.g. BPFTRACE_STRLEN or
// BPFTRACE_MAP_KEYS_MAX. The overlay is appended to the daemon's own environment.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Env is an ordered set of variables. Later writes to a key keep its first position.
type Env struct {
	keys   []string
	vals   map[string]string
	lookup func(string) (string, bool)
}

func New() *Env {
	return &Env{vals: make(map[string]string), lookup: os.LookupEnv}
}

// Set sets K=V.
func (e *Env) Set(k, v string) {
	if _, ok := e.vals[k]; !ok {
		e.keys = append(e.keys, k)
	}
	e.vals[k] = v
}

// SetPairs applies "K=V" entries.
func (e *Env) SetPairs(kvs []string) error {
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("env entry %q is not KEY=VALUE", kv)
		}
		e.Set(k, v)
	}
	return nil
}

// LoadFile applies a simple .env file: KEY=VALUE lines, # comments, no export or quotes.
func (e *Env) LoadFile(path string) error {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	for n, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("%s:%d: not KEY=VALUE", path, n+1)
		}
		e.Set(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	return nil
}

// Pairs returns the overlay as "K=V" in insertion order. ${VAR} references resolve
// against the overlay first, then the daemon environment; unknown ones become empty.
func (e *Env) Pairs() []string {
	out := make([]string, 0, len(e.keys))
	for _, k := range e.keys {
		out = append(out, k+"="+e.expand(e.vals[k]))
	}
	return out
}

func (e *Env) expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(name string) string {
		if v, ok := e.vals[name]; ok {
			return v
		}
		v, _ := e.lookup(name)
		return v
	})
}
