package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	slogctx "github.com/veqryn/slog-context"
)

// CleanupIdleSessions deletes sessions whose last activity is older than
// timeout, cascading to their token records, pending attempts and locks.
// It returns how many sessions were removed.
func (r *Registry) CleanupIdleSessions(ctx context.Context, timeout time.Duration) (int, error) {
	keys, err := r.backend.List(ctx, sessionPrefix)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, key := range keys {
		if !strings.HasSuffix(key, ":meta") {
			continue
		}

		raw, ok, err := r.backend.Get(ctx, key)
		if err != nil {
			slogctx.Warn(ctx, "Could not load session meta during sweep", "key", key, "error", err)
			continue
		}
		if !ok {
			continue
		}

		var meta Meta
		if err := json.Unmarshal(raw, &meta); err != nil {
			slogctx.Warn(ctx, "Could not decode session meta during sweep", "key", key, "error", err)
			continue
		}

		if r.now().Sub(meta.LastActivity) < timeout {
			continue
		}

		if err := r.DeleteSession(ctx, meta.ID); err != nil {
			slogctx.Warn(ctx, "Could not delete idle session", "sessionID", shortSID(meta.ID), "error", err)
			continue
		}

		slogctx.Info(ctx, "Deleted idle session", "sessionID", shortSID(meta.ID))
		deleted++
	}

	return deleted, nil
}

// CleanupExpiredEntries asks the backend to drop entries past their TTL.
// Backends with server-side expiry report zero here.
func (r *Registry) CleanupExpiredEntries(ctx context.Context) (int, error) {
	return r.backend.SweepExpired(ctx)
}
