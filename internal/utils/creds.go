package utils

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

// Credentials is the user and group a service's processes run as.
type Credentials struct {
	User  string
	Group string
	UID   uint32
	GID   uint32
	// Switch is true when the supervisor can and should change identity,
	// i.e. it runs as root and the service asked for a user.
	Switch bool
}

// ResolveCredentials looks up svcUser and svcGroup. An empty user means
// "run as the supervisor". Switching identity needs root; otherwise the
// names are kept for display only.
func ResolveCredentials(svcUser, svcGroup string) (Credentials, error) {
	c := Credentials{User: svcUser, Group: svcGroup}
	if svcUser == "" {
		return c, nil
	}

	u, err := user.Lookup(svcUser)
	if err != nil {
		return c, fmt.Errorf("failed to look up user %s: %w", svcUser, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return c, fmt.Errorf("invalid uid %q for %s: %w", u.Uid, svcUser, err)
	}
	gidStr := u.Gid
	if svcGroup != "" {
		g, err := user.LookupGroup(svcGroup)
		if err != nil {
			return c, fmt.Errorf("failed to look up group %s: %w", svcGroup, err)
		}
		gidStr = g.Gid
	}
	gid, err := strconv.ParseUint(gidStr, 10, 32)
	if err != nil {
		return c, fmt.Errorf("invalid gid %q for %s: %w", gidStr, svcGroup, err)
	}

	c.UID = uint32(uid)
	c.GID = uint32(gid)
	c.Switch = os.Geteuid() == 0 && uint32(os.Geteuid()) != c.UID
	return c, nil
}

// SysProcAttr returns the attributes to start a child with these
// credentials, in its own process group.
func (c Credentials) SysProcAttr() *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if c.Switch {
		attr.Credential = &syscall.Credential{Uid: c.UID, Gid: c.GID}
	}
	return attr
}

// Chown applies the credentials to path when switching identity.
func (c Credentials) Chown(path string) error {
	if !c.Switch {
		return nil
	}
	return os.Lchown(path, int(c.UID), int(c.GID))
}
