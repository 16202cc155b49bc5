package env

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// ErrBadAssignment is returned for an environment argument that is not VAR=VAL.
var ErrBadAssignment = errors.New("environment assignment must be VAR=VAL")

type Var map[string]string

// Env composes the environment handed to launchers and backend daemons.
type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// Empty returns an Env whose base is empty instead of the OS environment.
func Empty() *Env {
	return &Env{Var: make(Var), env: make(Var)}
}

// WithBase returns an Env whose base is the K=V list kvs.
func WithBase(kvs []string) *Env {
	return &Env{Var: make(Var), env: FromList(kvs)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = FromList(os.Environ())
}

// FromList parses K=V pairs, skipping malformed entries and empty keys.
func FromList(kvs []string) Var {
	base := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			base[kv[:i]] = kv[i+1:]
		}
	}
	return base
}

// ParseAssignment splits a VAR=VAL argument. The name must be non-empty and
// may not contain whitespace.
func ParseAssignment(kv string) (string, string, error) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", fmt.Errorf("%w: %q", ErrBadAssignment, kv)
	}
	k := kv[:i]
	if strings.ContainsAny(k, " \t\n") {
		return "", "", fmt.Errorf("%w: %q", ErrBadAssignment, kv)
	}
	return k, kv[i+1:], nil
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// WithSet returns a copy of e with K=V applied.
func (e *Env) WithSet(k, v string) *Env {
	cp := &Env{Var: make(Var, len(e.Var)+1), env: e.env}
	for kk, vv := range e.Var {
		cp.Var[kk] = vv
	}
	cp.Var[k] = v
	return cp
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Lookup returns the value of k from the global variables or the base.
func (e *Env) Lookup(k string) (string, bool) {
	if v, ok := e.Var[k]; ok {
		return v, true
	}
	if e.env == nil {
		e.FromOS()
	}
	v, ok := e.env[k]
	return v, ok
}

// Prepend puts dir in front of the colon separated list held in k.
func (e *Env) Prepend(k, dir string) {
	cur, ok := e.Lookup(k)
	if !ok || cur == "" {
		e.Set(k, dir)
		return
	}
	e.Set(k, dir+":"+cur)
}

// Merge composes the final environment list applying order:
// base = OS env (or cached)
// then apply global e.Var overrides
// then apply perProc (slice of "K=V") overrides
// Returns the environment slice in "K=V" form sorted by key, with ${VAR}
// expansion performed using the composed map (simple expansion, no recursion).
func (e *Env) Merge(perProc []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var)
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range FromList(perProc) {
		m[k] = v
	}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	keys := make([]string, 0, len(expanded))
	for k := range expanded {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expanded[k])
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
