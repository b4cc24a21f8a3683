package vars

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.:\-]+)\s*\}\}`)

// Scope resolves variables for one host. The host layer is shared between
// snapshots of the same host; the memo is per snapshot.
type Scope struct {
	store     *Store
	host      map[string]interface{}
	memo      map[string]interface{}
	resolving []string
}

// NewScope creates a scope whose host layer starts as a copy of hostVars.
func (s *Store) NewScope(hostVars map[string]interface{}) *Scope {
	host := make(map[string]interface{}, len(hostVars))
	for k, v := range hostVars {
		host[k] = v
	}
	return &Scope{store: s, host: host, memo: make(map[string]interface{})}
}

// Snapshot returns a scope sharing this scope's host layer with an empty memo.
// The orchestrator takes one snapshot per task invocation.
func (sc *Scope) Snapshot() *Scope {
	return &Scope{store: sc.store, host: sc.host, memo: make(map[string]interface{})}
}

// Set stores a value in the host layer. It stays visible to later snapshots
// of the same host but never leaks to other hosts.
func (sc *Scope) Set(name string, value interface{}) {
	sc.host[name] = value
	delete(sc.memo, name)
}

// Has reports whether name resolves in any layer.
func (sc *Scope) Has(name string) bool {
	_, ok := sc.lookup(name)
	return ok
}

func (sc *Scope) lookup(name string) (interface{}, bool) {
	if v, ok := sc.store.override(name); ok {
		return v, true
	}
	if v, ok := sc.host[name]; ok {
		return v, true
	}
	return sc.store.fallback(name)
}

func (sc *Scope) enter(name string) error {
	for _, n := range sc.resolving {
		if n == name {
			chain := append(append([]string(nil), sc.resolving...), name)
			return &CircularReferenceError{Chain: chain}
		}
	}
	sc.resolving = append(sc.resolving, name)
	return nil
}

func (sc *Scope) leave() {
	sc.resolving = sc.resolving[:len(sc.resolving)-1]
}

// Get returns the raw value of name, evaluating a Func at most once per scope.
func (sc *Scope) Get(name string) (interface{}, error) {
	if v, ok := sc.memo[name]; ok {
		return v, nil
	}
	raw, ok := sc.lookup(name)
	if !ok {
		return nil, &UndefinedVariableError{Name: name}
	}
	if fn, isFunc := raw.(Func); isFunc {
		if err := sc.enter(name); err != nil {
			return nil, err
		}
		v, err := fn(sc)
		sc.leave()
		if err != nil {
			var cyc *CircularReferenceError
			var undef *UndefinedVariableError
			if errors.As(err, &cyc) || errors.As(err, &undef) {
				return nil, err
			}
			return nil, fmt.Errorf("failed to evaluate variable %q: %w", name, err)
		}
		raw = v
	}
	sc.memo[name] = raw
	return raw, nil
}

// String resolves name and renders it as a string, expanding any
// placeholders it contains. Lists are joined with spaces.
func (sc *Scope) String(name string) (string, error) {
	v, err := sc.Get(name)
	if err != nil {
		return "", err
	}
	if err := sc.enter(name); err != nil {
		return "", err
	}
	defer sc.leave()
	return sc.render(v)
}

// StringOr is String with a default for undefined names.
func (sc *Scope) StringOr(name, def string) (string, error) {
	if !sc.Has(name) {
		return def, nil
	}
	return sc.String(name)
}

func (sc *Scope) render(v interface{}) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return sc.Parse(val)
	case []string, []interface{}:
		items, err := sc.list(val)
		if err != nil {
			return "", err
		}
		return strings.Join(items, " "), nil
	default:
		return fmt.Sprint(val), nil
	}
}

// Strings resolves name as a list. A scalar string is split on commas, so
// list values can be overridden from the command line.
func (sc *Scope) Strings(name string) ([]string, error) {
	v, err := sc.Get(name)
	if err != nil {
		return nil, err
	}
	if err := sc.enter(name); err != nil {
		return nil, err
	}
	defer sc.leave()
	if s, ok := v.(string); ok {
		var parts []interface{}
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		return sc.list(parts)
	}
	return sc.list(v)
}

func (sc *Scope) list(v interface{}) ([]string, error) {
	var raw []interface{}
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []string:
		for _, s := range val {
			raw = append(raw, s)
		}
	case []interface{}:
		raw = val
	default:
		raw = []interface{}{val}
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, err := sc.render(item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Bool resolves name as a boolean. Undefined names are false.
func (sc *Scope) Bool(name string) (bool, error) {
	if !sc.Has(name) {
		return false, nil
	}
	v, err := sc.Get(name)
	if err != nil {
		return false, err
	}
	switch val := v.(type) {
	case bool:
		return val, nil
	case int:
		return val != 0, nil
	case nil:
		return false, nil
	}
	s, err := sc.String(name)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "false", "no", "off":
		return false, nil
	case "1", "true", "yes", "on":
		return true, nil
	}
	return false, fmt.Errorf("variable %q is not a boolean: %q", name, s)
}

// Int resolves name as an integer.
func (sc *Scope) Int(name string) (int, error) {
	v, err := sc.Get(name)
	if err != nil {
		return 0, err
	}
	switch val := v.(type) {
	case int:
		return val, nil
	case int64:
		return int(val), nil
	case float64:
		return int(val), nil
	}
	s, err := sc.String(name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("variable %q is not an integer: %q", name, s)
	}
	return n, nil
}

// Parse substitutes every {{name}} placeholder in tmpl.
func (sc *Scope) Parse(tmpl string) (string, error) {
	matches := placeholder.FindAllStringSubmatchIndex(tmpl, -1)
	if len(matches) == 0 {
		return tmpl, nil
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(tmpl[last:m[0]])
		name := tmpl[m[2]:m[3]]
		val, err := sc.String(name)
		if err != nil {
			return "", err
		}
		b.WriteString(val)
		last = m[1]
	}
	b.WriteString(tmpl[last:])
	return b.String(), nil
}

// References lists the placeholder names in tmpl in order of appearance.
func References(tmpl string) []string {
	var names []string
	for _, m := range placeholder.FindAllStringSubmatch(tmpl, -1) {
		names = append(names, m[1])
	}
	return names
}

// Check verifies that every placeholder in tmpl is defined, following plain
// string and list values transitively. Lazy values are not evaluated, so
// Check never touches a host.
func (sc *Scope) Check(tmpl string) error {
	return sc.check(tmpl, nil)
}

func (sc *Scope) check(tmpl string, chain []string) error {
	for _, name := range References(tmpl) {
		for i, seen := range chain {
			if seen == name {
				return &CircularReferenceError{Chain: append(append([]string(nil), chain[i:]...), name)}
			}
		}
		v, ok := sc.lookup(name)
		if !ok {
			return &UndefinedVariableError{Name: name}
		}
		next := append(append([]string(nil), chain...), name)
		var nested []string
		switch val := v.(type) {
		case string:
			nested = []string{val}
		case []string:
			nested = val
		case []interface{}:
			for _, item := range val {
				if s, ok := item.(string); ok {
					nested = append(nested, s)
				}
			}
		}
		for _, s := range nested {
			if err := sc.check(s, next); err != nil {
				return err
			}
		}
	}
	return nil
}
