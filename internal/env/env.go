// Package env composes environments for managed service processes.
package env

import (
	"os"
	"runtime"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers overrides on top of a base environment.
type Env struct {
	Var  Var // overrides applied after the base
	base Var
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS snapshots the current process environment as the base.
func (e *Env) FromOS() *Env {
	e.base = parse(os.Environ())
	return e
}

// FromList uses kvs ("K=V") as the base.
func (e *Env) FromList(kvs []string) *Env {
	e.base = parse(kvs)
	return e
}

func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[e.key(k)] = v
}

// Get returns the effective value of k.
func (e *Env) Get(k string) string {
	k = e.key(k)
	if v, ok := e.Var[k]; ok {
		return v
	}
	return e.base[k]
}

// PrependPath puts dirs in front of PATH, skipping empty entries and
// directories already present.
func (e *Env) PrependPath(dirs ...string) {
	cur := e.Get("PATH")
	existing := make(map[string]struct{})
	for _, p := range filepathList(cur) {
		existing[normPath(p)] = struct{}{}
	}
	var front []string
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if _, ok := existing[normPath(d)]; ok {
			continue
		}
		existing[normPath(d)] = struct{}{}
		front = append(front, d)
	}
	if len(front) == 0 {
		return
	}
	parts := front
	if cur != "" {
		parts = append(parts, cur)
	}
	e.Set("PATH", strings.Join(parts, string(os.PathListSeparator)))
}

// Merge returns the environment as a sorted "K=V" list: base, then Var,
// then perProc. ${VAR} references are expanded once against the result.
func (e *Env) Merge(perProc ...string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range parse(perProc) {
		m[e.key(k)] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// key folds names on Windows, where PATH and Path are the same variable.
func (e *Env) key(k string) string {
	if runtime.GOOS != "windows" {
		return k
	}
	up := strings.ToUpper(k)
	for bk := range e.base {
		if strings.ToUpper(bk) == up {
			return bk
		}
	}
	return k
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	for k, v := range m {
		s = strings.ReplaceAll(s, "${"+k+"}", v)
	}
	return s
}

func filepathList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, string(os.PathListSeparator))
}

func normPath(p string) string {
	p = strings.TrimRight(p, `/\`)
	if runtime.GOOS == "windows" {
		return strings.ToLower(p)
	}
	return p
}
