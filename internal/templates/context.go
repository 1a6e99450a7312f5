package templates

import "github.com/MrSnakeDoc/tend/internal/census"

// RenderContext is the data every hook and config template is rendered
// against, e.g. {{ .Cfg.port }} or {{ range .Bind.database.Members }}.
type RenderContext struct {
	Sys  SysInfo
	Pkg  PkgInfo
	Cfg  map[string]any
	Svc  SvcInfo
	Bind map[string]BindInfo
}

// SysInfo describes the supervisor host.
type SysInfo struct {
	MemberID string
	Hostname string
	IP       string
}

// PkgInfo describes the installed package and its service directories.
type PkgInfo struct {
	Ident         string
	Origin        string
	Name          string
	Version       string
	Path          string
	SvcPath       string
	SvcConfigPath string
	SvcDataPath   string
	SvcFilesPath  string
	SvcVarPath    string
	SvcUser       string
	SvcGroup      string
}

// SvcInfo is our own service group as seen in the census.
type SvcInfo struct {
	Service  string
	Group    string
	Topology string
	Election string
	Me       *census.Member
	Leader   *census.Member
	First    *census.Member
	Members  []census.Member
}

// BindInfo is a satisfied bind's target group.
type BindInfo struct {
	ServiceGroup string
	Leader       *census.Member
	First        *census.Member
	Members      []census.Member
}

// NewBindInfo builds the template view of a census group's live members.
func NewBindInfo(g *census.Group) BindInfo {
	members := g.ActiveMembers()
	info := BindInfo{ServiceGroup: g.Name, Members: members}
	if len(members) > 0 {
		info.First = &members[0]
	}
	if leader, ok := g.Leader(); ok {
		info.Leader = &leader
	}
	return info
}
