// Package census models the locally materialized view of cluster membership
// that the gossip layer produces. The supervisor only ever reads immutable
// snapshots of it; the one write it performs is advertising its own members.
package census

import (
	"context"
	"sort"
	"strings"
)

// ElectionStatus is the leader election state of a service group.
type ElectionStatus string

const (
	ElectionNone     ElectionStatus = "none"
	ElectionRunning  ElectionStatus = "running"
	ElectionNoQuorum ElectionStatus = "no_quorum"
	ElectionFinished ElectionStatus = "finished"
)

// Member is one supervisor's entry in a service group.
type Member struct {
	ID           string         `json:"id"`
	ServiceGroup string         `json:"service_group"`
	Hostname     string         `json:"hostname"`
	IP           string         `json:"ip"`
	Port         int            `json:"port,omitempty"`
	Alive        bool           `json:"alive"`
	Departed     bool           `json:"departed,omitempty"`
	Leader       bool           `json:"leader,omitempty"`
	Suitability  uint64         `json:"suitability,omitempty"`
	Exports      map[string]any `json:"exports,omitempty"`
}

// Active reports whether the member counts toward bind satisfaction.
func (m Member) Active() bool {
	return m.Alive && !m.Departed
}

// GossipConfig is the configuration layer gossiped to a whole group.
type GossipConfig struct {
	Incarnation uint64         `json:"incarnation"`
	Document    map[string]any `json:"document"`
}

// GossipFile is a file uploaded to a whole group.
type GossipFile struct {
	Name        string `json:"name"`
	Incarnation uint64 `json:"incarnation"`
	Body        []byte `json:"body"`
}

// Group is the census entry of one service group, e.g. "postgres.default".
type Group struct {
	Name     string         `json:"name"`
	Members  []Member       `json:"members"`
	Config   *GossipConfig  `json:"config,omitempty"`
	Files    []GossipFile   `json:"files,omitempty"`
	Election ElectionStatus `json:"election"`

	// Err is set when part of the group's data could not be decoded.
	Err error `json:"-"`
}

// ActiveMembers returns the members that are alive and not departed,
// ordered by member id.
func (g *Group) ActiveMembers() []Member {
	out := make([]Member, 0, len(g.Members))
	for _, m := range g.Members {
		if m.Active() {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Leader returns the active member flagged as leader.
func (g *Group) Leader() (Member, bool) {
	for _, m := range g.Members {
		if m.Leader && m.Active() {
			return m, true
		}
	}
	return Member{}, false
}

// Member looks up a member by id.
func (g *Group) Member(id string) (Member, bool) {
	for _, m := range g.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// Snapshot is an immutable census view. One snapshot is taken per tick and
// shared by every decision made in that tick.
type Snapshot struct {
	Version uint64
	groups  map[string]*Group
}

// NewSnapshot builds a snapshot from groups keyed by their Name.
func NewSnapshot(version uint64, groups ...*Group) *Snapshot {
	s := &Snapshot{Version: version, groups: make(map[string]*Group, len(groups))}
	for _, g := range groups {
		s.groups[g.Name] = g
	}
	return s
}

// Group returns the census entry of a service group.
func (s *Snapshot) Group(name string) (*Group, bool) {
	if s == nil {
		return nil, false
	}
	g, ok := s.groups[name]
	return g, ok
}

// GroupNames lists every group in the snapshot, sorted.
func (s *Snapshot) GroupNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.groups))
	for n := range s.groups {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Provider supplies census snapshots.
type Provider interface {
	// Snapshot returns the current census and marks it observed.
	Snapshot(ctx context.Context) (*Snapshot, error)
	// Changed reports whether the census moved since the last Snapshot.
	Changed(ctx context.Context) (bool, error)
	// Publish advertises one of this supervisor's own members.
	Publish(ctx context.Context, m Member) error
	// Withdraw removes one of this supervisor's own members.
	Withdraw(ctx context.Context, group, id string) error
}

// GroupName joins a service and group into a service group name.
func GroupName(service, group string) string {
	if group == "" {
		group = "default"
	}
	return service + "." + group
}

// SplitGroupName is the inverse of GroupName.
func SplitGroupName(name string) (service, group string) {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, "default"
}
