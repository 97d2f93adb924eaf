// Package statestore provides the shared TTL-keyed state store used for
// ephemeral cross-process state: per-server load reports and per-instance
// heartbeats. Components receive a StateStore by injection and never build
// their own maps.
package statestore

import (
	"context"
	"time"
)

// Entry is one key/value pair returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// StateStore is a key-value store with expiring entries. A ttl of zero means
// the entry does not expire on its own (staleness, if any, is computed by the
// reader).
type StateStore interface {
	// Put writes value under key. A non-zero ttl starts (or restarts) the
	// expiry window; writes are idempotent snapshots, safe to overwrite from
	// any process.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value and whether the key exists and has not expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	Delete(ctx context.Context, key string) error

	// List returns all live entries under prefix.
	List(ctx context.Context, prefix string) ([]Entry, error)

	// ListKeys returns the keys of all live entries under prefix. The status
	// sweep iterates these rather than the full instance table.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// Key-space layout. All fleet keys live under the configured namespace to
// avoid collisions with other tenants of the backing store.
const (
	serversPrefix    = "/servers/"
	heartbeatsPrefix = "/heartbeats/"
)

// ServerKey returns the state-store key holding a relay server's live record.
func ServerKey(namespace, serverID string) string {
	return namespace + serversPrefix + serverID
}

// ServersPrefix returns the prefix under which all server records live.
func ServersPrefix(namespace string) string {
	return namespace + serversPrefix
}

// HeartbeatKey returns the state-store key holding an instance's heartbeat.
func HeartbeatKey(namespace, instanceID string) string {
	return namespace + heartbeatsPrefix + instanceID
}

// HeartbeatsPrefix returns the prefix under which all heartbeats live.
func HeartbeatsPrefix(namespace string) string {
	return namespace + heartbeatsPrefix
}

// IDFromKey strips prefix from key, recovering the server or instance id.
func IDFromKey(key, prefix string) string {
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):]
	}
	return key
}
