// Package valkeystore provides the shared storage backend on ValKey for
// multi-instance deployments. Entries expire server-side; the refresh lock
// is a SET NX PX key so a crashed holder's lock self-expires instead of
// deadlocking the (session, platform) pair.
package valkeystore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"
)

const scanBatch = 100

type Backend struct {
	valkey valkey.Client
	prefix string
}

// New creates a backend whose keys are namespaced under prefix. A trailing
// colon on the prefix is trimmed.
func New(client valkey.Client, prefix string) *Backend {
	return &Backend{
		valkey: client,
		prefix: strings.TrimSuffix(prefix, ":"),
	}
}

func (b *Backend) key(key string) string {
	if b.prefix == "" {
		return key
	}

	return b.prefix + ":" + key
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp := b.valkey.Do(ctx, b.valkey.B().Get().Key(b.key(key)).Build())
	value, err := resp.AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("getting key: %w", err)
	}

	return value, true, nil
}

func (b *Backend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var cmd valkey.Completed
	if ttl > 0 {
		cmd = b.valkey.B().Set().Key(b.key(key)).Value(valkey.BinaryString(value)).Px(ttl).Build()
	} else {
		cmd = b.valkey.B().Set().Key(b.key(key)).Value(valkey.BinaryString(value)).Build()
	}

	if err := b.valkey.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("setting key: %w", err)
	}

	return nil
}

// Expire resets the key's remaining lifetime server-side. PEXPIRE leaves the
// value alone, so extending a record cannot race a concurrent write to it.
func (b *Backend) Expire(ctx context.Context, key string, ttl time.Duration) error {
	var cmd valkey.Completed
	if ttl > 0 {
		cmd = b.valkey.B().Pexpire().Key(b.key(key)).Milliseconds(ttl.Milliseconds()).Build()
	} else {
		cmd = b.valkey.B().Persist().Key(b.key(key)).Build()
	}

	if err := b.valkey.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("expiring key: %w", err)
	}

	return nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := b.valkey.Do(ctx, b.valkey.B().Del().Key(b.key(key)).Build()).Error(); err != nil {
		return fmt.Errorf("deleting key: %w", err)
	}

	return nil
}

// List scans for live keys with the given prefix. SCAN is used instead of
// KEYS so large keyspaces do not block the server.
func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	pattern := b.key(prefix) + "*"
	strip := ""
	if b.prefix != "" {
		strip = b.prefix + ":"
	}

	var keys []string
	var cursor uint64
	for {
		resp := b.valkey.Do(ctx, b.valkey.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatch).Build())
		entry, err := resp.AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("scanning keys: %w", err)
		}

		for _, k := range entry.Elements {
			keys = append(keys, strings.TrimPrefix(k, strip))
		}

		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

func (b *Backend) TryAcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	cmd := b.valkey.B().Set().Key(b.key(key)).Value(holder).Nx().Px(ttl).Build()

	if err := b.valkey.Do(ctx, cmd).Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			// Another holder owns the lock.
			return false, nil
		}

		return false, fmt.Errorf("acquiring lock: %w", err)
	}

	return true, nil
}

// ReleaseLock deletes the lock only when holder still owns it. The
// read-then-delete is not atomic; the window is bounded by the lock ttl,
// which is the exclusion guarantee this lock offers anyway.
func (b *Backend) ReleaseLock(ctx context.Context, key, holder string) error {
	resp := b.valkey.Do(ctx, b.valkey.B().Get().Key(b.key(key)).Build())
	current, err := resp.ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil
		}

		return fmt.Errorf("reading lock holder: %w", err)
	}

	if current != holder {
		return nil
	}

	if err := b.valkey.Do(ctx, b.valkey.B().Del().Key(b.key(key)).Build()).Error(); err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}

	return nil
}

// SweepExpired is a no-op: ValKey expires entries server-side.
func (b *Backend) SweepExpired(_ context.Context) (int, error) {
	return 0, nil
}

func (b *Backend) Close() {
	b.valkey.Close()
}
