// Package storage defines the pluggable persistence contract for encrypted
// token records and lock entries. Two interchangeable implementations exist:
// a process-local map for single-instance deployments and a shared ValKey
// store for multi-instance deployments.
package storage

import (
	"context"
	"time"
)

// Backend is the single shared mutable resource of the token manager. All
// mutation goes through its atomic primitives.
type Backend interface {
	// Get returns the value for key, reporting absence via the bool.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores value under key. A positive ttl bounds the entry's
	// lifetime; zero or negative means no expiry. A Put followed by a Get
	// from any process observes the write.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Expire resets key's remaining lifetime to ttl without changing its
	// value. Expiring an absent key is not an error.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// List returns all live keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// TryAcquireLock atomically creates a lock entry for key owned by
	// holder, expiring after ttl. It reports whether the lock was
	// acquired; no two holders succeed for the same key concurrently.
	//
	// Expiry is the only crash-safety mechanism: a holder that dies keeps
	// the lock until the ttl elapses, and a holder that outlives its ttl
	// may theoretically overlap with a successor. Size ttl with margin
	// rather than relying on perfect exclusion.
	TryAcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// ReleaseLock removes the lock for key if holder still owns it.
	ReleaseLock(ctx context.Context, key, holder string) error

	// SweepExpired removes entries whose ttl has elapsed and returns how
	// many were removed. Backends that expire natively may return 0.
	SweepExpired(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close()
}
