package spec

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Loader reads service specs from a directory, one YAML file per service.
type Loader struct {
	dir string
}

// NewLoader creates a loader for dir.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Dir returns the directory the loader reads.
func (l *Loader) Dir() string {
	return l.dir
}

// Load reads and validates one spec file.
func (l *Loader) Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec file: %w", err)
	}

	var s Spec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse spec %s: %w", path, err)
	}
	s.File = path
	if err := s.normalize(); err != nil {
		return nil, fmt.Errorf("spec %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadAll reads every *.yaml and *.yml file in the directory, keyed by
// service name. Broken specs are reported in the joined error and skipped;
// the others are still returned.
func (l *Loader) LoadAll() (map[string]*Spec, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]*Spec{}, nil
		}
		return nil, fmt.Errorf("failed to read spec dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	specs := make(map[string]*Spec, len(names))
	var errs []error
	for _, name := range names {
		s, err := l.Load(filepath.Join(l.dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, dup := specs[s.Name]; dup {
			errs = append(errs, fmt.Errorf("service %s defined twice (%s and %s)", s.Name, prev.File, s.File))
			continue
		}
		specs[s.Name] = s
	}
	return specs, errors.Join(errs...)
}
