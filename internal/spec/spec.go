// Package spec loads the service specs that tell the supervisor which
// packages to run and how.
package spec

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/MrSnakeDoc/tend/internal/binds"
	"github.com/MrSnakeDoc/tend/internal/census"
)

// Topology is how members of a service group relate to each other.
type Topology string

const (
	Standalone Topology = "standalone"
	Leader     Topology = "leader"
)

// Package is the metadata an installed package ships with.
type Package struct {
	Path string `yaml:"path"`
	// Binds maps each required bind name to the exports it needs.
	Binds map[string][]string `yaml:"binds,omitempty"`
	// BindsOptional are binds the service can run without.
	BindsOptional map[string][]string `yaml:"binds_optional,omitempty"`
	// Exports maps an export name to a dotted key of the merged config.
	Exports map[string]string `yaml:"exports,omitempty"`
}

// Spec describes one supervised service.
type Spec struct {
	Ident               string            `yaml:"ident"`
	Group               string            `yaml:"group,omitempty"`
	Topology            Topology          `yaml:"topology,omitempty"`
	BindingMode         string            `yaml:"binding_mode,omitempty"`
	Binds               map[string]string `yaml:"binds,omitempty"`
	Package             Package           `yaml:"package"`
	HealthCheckInterval time.Duration     `yaml:"health_check_interval,omitempty"`
	ShutdownTimeout     time.Duration     `yaml:"shutdown_timeout,omitempty"`
	SvcUser             string            `yaml:"svc_user,omitempty"`
	SvcGroup            string            `yaml:"svc_group,omitempty"`

	Origin  string `yaml:"-"`
	Name    string `yaml:"-"`
	Version string `yaml:"-"`
	// File the spec was read from.
	File string `yaml:"-"`
}

// ParseIdent splits origin/name[/version[/release]].
func ParseIdent(ident string) (origin, name, version string, err error) {
	parts := strings.Split(ident, "/")
	if len(parts) < 2 || len(parts) > 4 {
		return "", "", "", fmt.Errorf("invalid package ident %q", ident)
	}
	for _, p := range parts {
		if p == "" {
			return "", "", "", fmt.Errorf("invalid package ident %q", ident)
		}
	}
	if len(parts) >= 3 {
		version = strings.Join(parts[2:], "/")
	}
	return parts[0], parts[1], version, nil
}

// normalize fills defaults and derived fields.
func (s *Spec) normalize() error {
	origin, name, version, err := ParseIdent(s.Ident)
	if err != nil {
		return err
	}
	s.Origin, s.Name, s.Version = origin, name, version
	if s.Group == "" {
		s.Group = "default"
	}
	if s.Topology == "" {
		s.Topology = Standalone
	}
	return nil
}

// Validate checks that the spec can be supervised. Every bind must be
// declared by the package, and every required package bind must be bound.
func (s *Spec) Validate() error {
	var errs []error

	switch s.Topology {
	case Standalone, Leader:
	default:
		errs = append(errs, fmt.Errorf("unknown topology %q", s.Topology))
	}
	if _, err := binds.ParseMode(s.BindingMode); err != nil {
		errs = append(errs, err)
	}
	if s.Package.Path == "" {
		errs = append(errs, errors.New("package.path is required"))
	}
	if s.HealthCheckInterval < 0 {
		errs = append(errs, fmt.Errorf("negative health_check_interval %s", s.HealthCheckInterval))
	}

	contract := s.Contract()
	for _, name := range sortedKeys(s.Binds) {
		if _, ok := contract[name]; !ok {
			errs = append(errs, fmt.Errorf("bind %q: %w", name, binds.ErrNoSuchBind))
		}
		if target := s.Binds[name]; !strings.Contains(target, ".") {
			errs = append(errs, fmt.Errorf("bind %q: target %q is not a service group", name, target))
		}
	}
	for _, name := range sortedKeys(s.Package.Binds) {
		if _, ok := s.Binds[name]; !ok {
			errs = append(errs, fmt.Errorf("required bind %q is not bound", name))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("spec %s: %w", s.Ident, err)
	}
	return nil
}

// Equal reports whether two specs describe the same service. The file the
// spec was read from does not count.
func (s *Spec) Equal(o *Spec) bool {
	if s == nil || o == nil {
		return s == o
	}
	a, b := *s, *o
	a.File, b.File = "", ""
	return reflect.DeepEqual(a, b)
}

// ServiceGroup is this service's census group name, e.g. "redis.prod".
func (s *Spec) ServiceGroup() string {
	return census.GroupName(s.Name, s.Group)
}

// Mode returns the parsed binding mode. Validate rejects unknown modes.
func (s *Spec) Mode() binds.Mode {
	m, _ := binds.ParseMode(s.BindingMode)
	return m
}

// Contract is the required exports of every bind the package declares.
func (s *Spec) Contract() binds.Contract {
	c := make(binds.Contract, len(s.Package.Binds)+len(s.Package.BindsOptional))
	for name, exports := range s.Package.BindsOptional {
		c[name] = exports
	}
	for name, exports := range s.Package.Binds {
		c[name] = exports
	}
	return c
}

// BindList returns the configured binds ordered by name.
func (s *Spec) BindList() []binds.Bind {
	out := make([]binds.Bind, 0, len(s.Binds))
	for _, name := range sortedKeys(s.Binds) {
		out = append(out, binds.Bind{Name: name, ServiceGroup: s.Binds[name]})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
