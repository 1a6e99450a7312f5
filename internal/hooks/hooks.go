// Package hooks models the lifecycle scripts a package can ship and runs
// their compiled form.
package hooks

import (
	"fmt"
	"os"
	"path/filepath"
)

// Kind is one of the fixed lifecycle points a package may hook into.
type Kind string

const (
	Init        Kind = "init"
	Run         Kind = "run"
	Reconfigure Kind = "reconfigure"
	PostRun     Kind = "post-run"
	PostStop    Kind = "post-stop"
	HealthCheck Kind = "health-check"
	Suitability Kind = "suitability"
	FileUpdated Kind = "file-updated"
)

// Kinds is the closed set of hook kinds in the order they are reported.
var Kinds = []Kind{Init, Run, Reconfigure, PostRun, PostStop, HealthCheck, Suitability, FileUpdated}

// Valid reports whether k belongs to Kinds.
func (k Kind) Valid() bool {
	for _, v := range Kinds {
		if v == k {
			return true
		}
	}
	return false
}

// ParseKind maps a hook file name to its kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown hook %q", s)
	}
	return k, nil
}

// Dir is where compiled hooks live inside a service directory.
func Dir(svcDir string) string {
	return filepath.Join(svcDir, "hooks")
}

// Path is the compiled location of hook k.
func Path(svcDir string, k Kind) string {
	return filepath.Join(Dir(svcDir), string(k))
}

// Set records which hooks a package provides, mapped to their compiled path.
type Set map[Kind]string

// Has reports whether the package defines k.
func (s Set) Has(k Kind) bool {
	_, ok := s[k]
	return ok
}

// Each calls fn for every present hook in Kinds order.
func (s Set) Each(fn func(k Kind, path string)) {
	for _, k := range Kinds {
		if p, ok := s[k]; ok {
			fn(k, p)
		}
	}
}

// Discover builds the set of hooks whose templates exist under pkgHooksDir.
func Discover(pkgHooksDir, svcDir string) (Set, error) {
	set := Set{}
	entries, err := os.ReadDir(pkgHooksDir)
	if os.IsNotExist(err) {
		return set, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read hooks dir %s: %w", pkgHooksDir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		k, err := ParseKind(e.Name())
		if err != nil {
			continue
		}
		set[k] = Path(svcDir, k)
	}
	return set, nil
}

// ChangeTable says which hooks were rewritten by the last compile. It is
// consumed by the tick that produced it.
type ChangeTable map[Kind]bool

// Changed reports whether hook k was rewritten.
func (t ChangeTable) Changed(k Kind) bool {
	return t[k]
}

// Count returns the number of rewritten hooks.
func (t ChangeTable) Count() int {
	n := 0
	for _, v := range t {
		if v {
			n++
		}
	}
	return n
}
