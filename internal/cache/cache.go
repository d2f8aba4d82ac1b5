// Package cache stores serialized chat responses keyed by request
// fingerprint.
//
// Two backends implement Cache:
//   - ExactCache: Redis, shared by every gateway replica.
//   - MemoryCache: in-process, for single-instance runs and tests.
//
// Backends never decide whether a request is cacheable; the engine does.
package cache

import (
	"context"
	"time"
)

// KeyPrefix namespaces response entries in the shared store.
const KeyPrefix = "cache:"

// Cache is a key/value store with per-entry TTL. A failed Get reads as a miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Key returns the storage key of a request fingerprint.
func Key(fingerprint string) string { return KeyPrefix + fingerprint }
