package census

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process census. It backs standalone supervisors, where the
// only members are our own, and tests.
type Memory struct {
	mu       sync.RWMutex
	groups   map[string]*Group
	version  uint64
	observed uint64
	updated  time.Time
}

// NewMemory creates an empty census.
func NewMemory() *Memory {
	return &Memory{
		groups:  make(map[string]*Group),
		version: 1,
	}
}

func (m *Memory) group(name string) *Group {
	g, ok := m.groups[name]
	if !ok {
		g = &Group{Name: name, Election: ElectionNone}
		m.groups[name] = g
	}
	return g
}

func (m *Memory) bump() {
	m.version++
	m.updated = time.Now()
}

// UpsertMember adds or replaces a member of its service group.
func (m *Memory) UpsertMember(member Member) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.group(member.ServiceGroup)
	for i := range g.Members {
		if g.Members[i].ID == member.ID {
			g.Members[i] = member
			m.bump()
			return
		}
	}
	g.Members = append(g.Members, member)
	m.bump()
}

// RemoveMember deletes a member from a group.
func (m *Memory) RemoveMember(group, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[group]
	if !ok {
		return
	}
	for i := range g.Members {
		if g.Members[i].ID == id {
			g.Members = append(g.Members[:i], g.Members[i+1:]...)
			m.bump()
			return
		}
	}
}

// EnsureGroup creates an empty group.
func (m *Memory) EnsureGroup(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[name]; !ok {
		m.group(name)
		m.bump()
	}
}

// SetConfig stores the gossiped config of a group.
func (m *Memory) SetConfig(group string, incarnation uint64, doc map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.group(group).Config = &GossipConfig{Incarnation: incarnation, Document: doc}
	m.bump()
}

// PutFile stores a gossiped file, replacing any file of the same name.
func (m *Memory) PutFile(group string, f GossipFile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.group(group)
	for i := range g.Files {
		if g.Files[i].Name == f.Name {
			g.Files[i] = f
			m.bump()
			return
		}
	}
	g.Files = append(g.Files, f)
	m.bump()
}

// SetElection records the election state of a group. leaderID may be empty.
func (m *Memory) SetElection(group string, status ElectionStatus, leaderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.group(group)
	g.Election = status
	for i := range g.Members {
		g.Members[i].Leader = leaderID != "" && g.Members[i].ID == leaderID
	}
	m.bump()
}

// Snapshot implements Provider.
func (m *Memory) Snapshot(_ context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	groups := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, cloneGroup(g))
	}
	m.observed = m.version
	return NewSnapshot(m.version, groups...), nil
}

// Changed implements Provider.
func (m *Memory) Changed(_ context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version != m.observed, nil
}

// Publish implements Provider.
func (m *Memory) Publish(_ context.Context, member Member) error {
	m.UpsertMember(member)
	return nil
}

// Withdraw implements Provider.
func (m *Memory) Withdraw(_ context.Context, group, id string) error {
	m.RemoveMember(group, id)
	return nil
}

// LastUpdate returns when the census last changed.
func (m *Memory) LastUpdate() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updated
}

func cloneGroup(g *Group) *Group {
	out := &Group{
		Name:     g.Name,
		Members:  make([]Member, len(g.Members)),
		Files:    make([]GossipFile, len(g.Files)),
		Election: g.Election,
		Err:      g.Err,
	}
	copy(out.Members, g.Members)
	copy(out.Files, g.Files)
	if g.Config != nil {
		c := *g.Config
		out.Config = &c
	}
	return out
}
