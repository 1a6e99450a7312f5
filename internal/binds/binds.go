// Package binds decides whether a service's declared dependencies on other
// service groups are met by the current census.
package binds

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MrSnakeDoc/tend/internal/census"
)

var (
	ErrNoSuchBind      = errors.New("bind is not declared by the package")
	ErrNoActiveMembers = errors.New("service group has no active members")
)

// Mode controls whether binds gate the first start of a service.
type Mode int

const (
	// Strict waits for every bind to be satisfied before initializing.
	Strict Mode = iota
	// Relaxed starts the service regardless of bind status.
	Relaxed
)

func (m Mode) String() string {
	if m == Relaxed {
		return "relaxed"
	}
	return "strict"
}

// ParseMode accepts "strict" or "relaxed". Empty means strict.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return Strict, nil
	case "relaxed":
		return Relaxed, nil
	default:
		return Strict, fmt.Errorf("unknown binding mode %q", s)
	}
}

// Bind points one of our bind names at a service group, e.g. "database" at
// "postgres.prod".
type Bind struct {
	Name         string `json:"name" yaml:"name"`
	ServiceGroup string `json:"service_group" yaml:"service_group"`
}

// Contract maps each bind name a package declares to the exports it needs.
type Contract map[string][]string

// Kind classifies a bind status.
type Kind int

const (
	NotPresent Kind = iota
	Empty
	Unsatisfied
	Satisfied
	Unknown
)

func (k Kind) String() string {
	switch k {
	case NotPresent:
		return "not_present"
	case Empty:
		return "empty"
	case Unsatisfied:
		return "unsatisfied"
	case Satisfied:
		return "satisfied"
	case Unknown:
		return "unknown"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Status is the outcome of evaluating one bind. Missing is set for
// Unsatisfied, Err for Empty and Unknown.
type Status struct {
	Kind    Kind
	Missing []string
	Err     error
}

// Satisfied reports whether the bind may be wired into templates.
func (s Status) Satisfied() bool {
	return s.Kind == Satisfied
}

func (s Status) String() string {
	switch s.Kind {
	case Unsatisfied:
		return fmt.Sprintf("unsatisfied (missing %s)", strings.Join(s.Missing, ", "))
	case Unknown:
		return fmt.Sprintf("unknown (%v)", s.Err)
	default:
		return s.Kind.String()
	}
}

// Evaluate classifies b against snap. It keeps no state between calls.
func Evaluate(snap *census.Snapshot, contract Contract, b Bind) Status {
	group, ok := snap.Group(b.ServiceGroup)
	if !ok {
		return Status{Kind: NotPresent}
	}
	if group.Err != nil {
		return Status{Kind: Unknown, Err: fmt.Errorf("census group %s: %w", b.ServiceGroup, group.Err)}
	}

	active := group.ActiveMembers()
	if len(active) == 0 {
		return Status{Kind: Empty, Err: ErrNoActiveMembers}
	}

	required, ok := contract[b.Name]
	if !ok {
		return Status{Kind: Unknown, Err: fmt.Errorf("%s: %w", b.Name, ErrNoSuchBind)}
	}

	advertised := make(map[string]struct{})
	for _, m := range active {
		for name := range m.Exports {
			advertised[name] = struct{}{}
		}
	}

	var missing []string
	for _, name := range required {
		if _, ok := advertised[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Status{Kind: Unsatisfied, Missing: missing}
	}
	return Status{Kind: Satisfied}
}

// EvaluateAll evaluates every bind in order against the same snapshot.
func EvaluateAll(snap *census.Snapshot, contract Contract, all []Bind) map[string]Status {
	out := make(map[string]Status, len(all))
	for _, b := range all {
		out[b.Name] = Evaluate(snap, contract, b)
	}
	return out
}
