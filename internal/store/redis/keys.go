package redis

import (
	"fmt"
	"strings"
)

const (
	// KeyPrefixStatus is the prefix of published service status records
	KeyPrefixStatus = "tend:status:"
	// KeyAllStatuses is the set of every published record id
	KeyAllStatuses = "tend:status:all"
)

// RecordID identifies one supervisor's view of a service group.
func RecordID(serviceGroup, memberID string) string {
	return serviceGroup + ":" + memberID
}

// StatusKey returns the Redis key of a status record
func StatusKey(id string) string {
	return KeyPrefixStatus + id
}

// ExtractRecordID extracts the record id from a status key
func ExtractRecordID(key string) (string, error) {
	if !strings.HasPrefix(key, KeyPrefixStatus) || len(key) <= len(KeyPrefixStatus) {
		return "", fmt.Errorf("invalid status key: %s", key)
	}
	return key[len(KeyPrefixStatus):], nil
}
