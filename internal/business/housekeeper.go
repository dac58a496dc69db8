package business

import (
	"context"
	"fmt"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/healthgate/fhir-gateway/internal/config"
	"github.com/healthgate/fhir-gateway/internal/session"
)

// HousekeeperMain runs the periodic cleanup loop: idle sessions are deleted
// with everything under them, and backends without server-side expiry get
// their expired entries swept.
func HousekeeperMain(ctx context.Context, cfg *config.Config) error {
	_, registry, closeFn, err := initManager(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialise the token manager: %w", err)
	}
	defer closeFn()

	runSweepLoop(ctx, cfg, registry)

	return nil
}

// runSweepLoop sweeps until the context is cancelled. The api-server runs it
// alongside the HTTP server so single-binary deployments with the in-process
// backend still reclaim idle sessions.
func runSweepLoop(ctx context.Context, cfg *config.Config, registry *session.Registry) {
	interval := cfg.Housekeeper.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	c := time.Tick(interval)
	for {
		sessions, err := registry.CleanupIdleSessions(ctx, cfg.TokenManager.SessionTTL)
		if err != nil {
			slogctx.Error(ctx, "Error during idle session cleanup", "error", err)
		}

		entries, err := registry.CleanupExpiredEntries(ctx)
		if err != nil {
			slogctx.Error(ctx, "Error during expired entry cleanup", "error", err)
		}

		slogctx.Info(ctx, "Housekeeping pass completed",
			"idleSessionsDeleted", sessions, "expiredEntriesDeleted", entries)

		select {
		case <-c:
			continue
		case <-ctx.Done():
			return
		}
	}
}
