package census

const (
	// KeyPrefixGroup is the prefix for per group census keys
	KeyPrefixGroup = "tend:census:group:"
	// KeyAllGroups is the key for the set of all service group names
	KeyAllGroups = "tend:census:groups"
	// KeyVersion is the counter bumped on every census write
	KeyVersion = "tend:census:version"
)

// MembersKey returns the hash of member id -> member JSON for a group
func MembersKey(group string) string {
	return KeyPrefixGroup + group + ":members"
}

// ConfigKey returns the key holding the gossiped config of a group
func ConfigKey(group string) string {
	return KeyPrefixGroup + group + ":config"
}

// FilesKey returns the hash of file name -> file JSON for a group
func FilesKey(group string) string {
	return KeyPrefixGroup + group + ":files"
}

// ElectionKey returns the hash holding the election status and leader of a group
func ElectionKey(group string) string {
	return KeyPrefixGroup + group + ":election"
}
