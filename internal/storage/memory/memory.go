// Package memory provides the process-local storage backend. Values live in
// a TTL-aware cache; locks are a mutex-guarded table. Suitable for
// single-instance deployments and tests.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type lockEntry struct {
	holder  string
	expires time.Time
}

type Backend struct {
	// valuesMu orders Expire's read-modify-write against concurrent Puts;
	// the cache itself is already safe for concurrent use.
	valuesMu sync.Mutex
	values   *gocache.Cache

	mu    sync.Mutex
	locks map[string]lockEntry

	now func() time.Time
}

// New creates an empty in-memory backend. Expired values are reclaimed by
// SweepExpired rather than a background janitor, so the housekeeper owns the
// schedule.
func New() *Backend {
	return &Backend{
		values: gocache.New(gocache.NoExpiration, 0),
		locks:  make(map[string]lockEntry),
		now:    time.Now,
	}
}

func (b *Backend) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := b.values.Get(key)
	if !ok {
		return nil, false, nil
	}

	return v.([]byte), true, nil
}

func (b *Backend) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}

	b.valuesMu.Lock()
	b.values.Set(key, value, ttl)
	b.valuesMu.Unlock()

	return nil
}

func (b *Backend) Expire(_ context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}

	b.valuesMu.Lock()
	defer b.valuesMu.Unlock()

	if v, ok := b.values.Get(key); ok {
		b.values.Set(key, v, ttl)
	}

	return nil
}

func (b *Backend) Delete(_ context.Context, key string) error {
	b.values.Delete(key)

	return nil
}

func (b *Backend) List(_ context.Context, prefix string) ([]string, error) {
	items := b.values.Items()

	keys := make([]string, 0, len(items))
	for k := range items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}

	return keys, nil
}

func (b *Backend) TryAcquireLock(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if entry, ok := b.locks[key]; ok && now.Before(entry.expires) {
		return false, nil
	}

	b.locks[key] = lockEntry{holder: holder, expires: now.Add(ttl)}

	return true, nil
}

func (b *Backend) ReleaseLock(_ context.Context, key, holder string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if entry, ok := b.locks[key]; ok && entry.holder == holder {
		delete(b.locks, key)
	}

	return nil
}

func (b *Backend) SweepExpired(_ context.Context) (int, error) {
	before := b.values.ItemCount()
	b.values.DeleteExpired()
	count := before - b.values.ItemCount()

	b.mu.Lock()
	now := b.now()
	for key, entry := range b.locks {
		if !now.Before(entry.expires) {
			delete(b.locks, key)
			count++
		}
	}
	b.mu.Unlock()

	return count, nil
}

func (b *Backend) Close() {
	b.values.Flush()
}
