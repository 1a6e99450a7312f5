package svcconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/MrSnakeDoc/tend/internal/logger"
)

// Layer names one of the four configuration sources, in precedence order.
type Layer int

const (
	LayerDefault Layer = iota
	LayerEnvironment
	LayerUser
	LayerGossip
	numLayers
)

func (l Layer) String() string {
	switch l {
	case LayerDefault:
		return "default"
	case LayerEnvironment:
		return "environment"
	case LayerUser:
		return "user"
	case LayerGossip:
		return "gossip"
	default:
		return fmt.Sprintf("layer(%d)", int(l))
	}
}

// Store holds the configuration layers of one service. It is owned by a
// single service controller and is not safe for concurrent use.
type Store struct {
	layers            [numLayers]Document
	gossipIncarnation uint64
	userPath          string
	lastMerged        [32]byte
	merged            bool
	log               logger.Logger
}

// NewStore returns a store whose user layer is read from userPath.
func NewStore(userPath string, log logger.Logger) *Store {
	s := &Store{userPath: userPath, log: log}
	for i := range s.layers {
		s.layers[i] = Document{}
	}
	return s
}

// EnvVarName returns the variable holding the environment layer for pkg,
// e.g. ("TEND", "redis-server") -> "TEND_REDIS_SERVER".
func EnvVarName(prefix, pkg string) string {
	return strings.ToUpper(prefix + "_" + strings.ReplaceAll(pkg, "-", "_"))
}

// LoadDefault reads the package's default.toml. A missing file is an empty
// layer.
func (s *Store) LoadDefault(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		s.layers[LayerDefault] = Document{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read default config %s: %w", path, err)
	}
	doc, err := DecodeTOML(data)
	if err != nil {
		return fmt.Errorf("default config %s: %w", path, err)
	}
	s.layers[LayerDefault] = doc
	return nil
}

// LoadEnvironment reads <prefix>_<PKG> from the process environment. An
// unset variable is an empty layer.
func (s *Store) LoadEnvironment(prefix, pkg string) error {
	name := EnvVarName(prefix, pkg)
	raw := os.Getenv(name)
	if strings.TrimSpace(raw) == "" {
		s.layers[LayerEnvironment] = Document{}
		return nil
	}
	doc, err := DecodeAuto([]byte(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	s.layers[LayerEnvironment] = doc
	return nil
}

// ReloadUser re-reads the user layer and reports whether its content changed.
// Any failure degrades to an empty layer so optional configuration never
// blocks startup.
func (s *Store) ReloadUser() bool {
	before := s.layers[LayerUser].Fingerprint()
	s.layers[LayerUser] = s.readUser()
	return s.layers[LayerUser].Fingerprint() != before
}

func (s *Store) readUser() Document {
	if s.userPath == "" {
		return Document{}
	}
	data, err := os.ReadFile(s.userPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Document{}
	}
	if err != nil {
		s.log.Warn("failed to read user config, ignoring it",
			logger.String("path", s.userPath), logger.Error(err))
		return Document{}
	}
	doc, err := DecodeTOML(data)
	if err != nil {
		s.log.Warn("failed to parse user config, ignoring it",
			logger.String("path", s.userPath), logger.Error(err))
		return Document{}
	}
	return doc
}

// SetGossip replaces the gossip layer iff incarnation is strictly greater
// than the stored one.
func (s *Store) SetGossip(incarnation uint64, doc Document) bool {
	if incarnation <= s.gossipIncarnation {
		return false
	}
	if doc == nil {
		doc = Document{}
	}
	s.gossipIncarnation = incarnation
	s.layers[LayerGossip] = doc
	return true
}

// GossipIncarnation returns the incarnation of the stored gossip layer.
func (s *Store) GossipIncarnation() uint64 {
	return s.gossipIncarnation
}

// Layer returns the current content of one layer.
func (s *Store) Layer(l Layer) Document {
	return s.layers[l]
}

// Merged merges all layers in precedence order.
func (s *Store) Merged() (Document, error) {
	out := Document{}
	for l := LayerDefault; l < numLayers; l++ {
		if err := mergeInto(out, s.layers[l], 1); err != nil {
			return nil, fmt.Errorf("merging %s layer: %w", l, err)
		}
	}
	return out, nil
}

// Refresh merges all layers and reports whether the result differs from the
// previous Refresh. The first call always reports a change.
func (s *Store) Refresh() (Document, bool, error) {
	doc, err := s.Merged()
	if err != nil {
		return nil, false, err
	}
	sum := doc.Fingerprint()
	changed := !s.merged || sum != s.lastMerged
	s.lastMerged = sum
	s.merged = true
	return doc, changed, nil
}

// ExportedSubset projects the merged document onto export name -> dotted key
// path. Paths with no value are omitted.
func (s *Store) ExportedSubset(exports map[string]string) (Document, error) {
	merged, err := s.Merged()
	if err != nil {
		return nil, err
	}
	return Project(merged, exports), nil
}

// Project is ExportedSubset over an already merged document.
func Project(merged Document, exports map[string]string) Document {
	out := Document{}
	for name, path := range exports {
		if v, ok := merged.Lookup(path); ok {
			out[name] = v
		}
	}
	return out
}
