package checkpoint

import (
	"fmt"
	"strings"
)

// DefaultKeyPrefix namespaces Redis keys.
const DefaultKeyPrefix = "eligibility"

// Key identifies the checkpoint of one partition.
type Key struct {
	// Prefix namespaces the key (e.g. per deployment).
	Prefix string

	Partition string
}

// String generates a deterministic Redis key.
// Format: prefix:checkpoint:partition
//
// Example:
//
//	eligibility:checkpoint:2024
func (k Key) String() string {
	prefix := strings.Trim(k.Prefix, ":")
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return fmt.Sprintf("%s:checkpoint:%s", prefix, k.Partition)
}

// FileName returns the file name used by FileStore.
func (k Key) FileName() string {
	return fmt.Sprintf("checkpoint_%s.json", sanitize(k.Partition))
}

// sanitize keeps partition keys from escaping the checkpoint directory.
func sanitize(partition string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, partition)
}
