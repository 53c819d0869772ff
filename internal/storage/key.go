// Package storage glues the write-ahead log, memtable, and on-disk
// segments into the versioned LSM engine described in spec.md §4.1
// (component F), plus the segment manager responsible for flush and
// compaction (component E).
package storage

import "strings"

// KeySeparator joins a partition key and clustering key into one composite
// key, in that total order (spec.md §3 "Key").
const KeySeparator = "|"

// ComposeKey builds the composite key for a (partitionKey, clusteringKey)
// pair. An empty clusteringKey yields the bare partition key.
func ComposeKey(partitionKey, clusteringKey string) string {
	if clusteringKey == "" {
		return partitionKey
	}
	return partitionKey + KeySeparator + clusteringKey
}

// SplitKey decomposes a composite key back into its partition and
// clustering components. ok is false if key carries no separator (a
// bare partition key).
func SplitKey(key string) (partitionKey, clusteringKey string, ok bool) {
	i := strings.Index(key, KeySeparator)
	if i < 0 {
		return key, "", false
	}
	return key[:i], key[i+1:], true
}

// IndexKeyPrefix is the reserved prefix for global secondary index entries
// (spec.md §3): "idx:<field>:<value>:<pk>".
const IndexKeyPrefix = "idx:"

// MetaKeyPrefix is the reserved prefix for schema/metadata entries
// (spec.md §3): "_meta:".
const MetaKeyPrefix = "_meta:"

// IsIndexKey reports whether key is a reserved secondary-index entry.
func IsIndexKey(key string) bool {
	return strings.HasPrefix(key, IndexKeyPrefix)
}

// IsMetaKey reports whether key is reserved schema/metadata.
func IsMetaKey(key string) bool {
	return strings.HasPrefix(key, MetaKeyPrefix)
}
