package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	slogctx "github.com/veqryn/slog-context"
	"golang.org/x/sync/singleflight"

	"github.com/healthgate/fhir-gateway/internal/oauthclient"
	"github.com/healthgate/fhir-gateway/internal/platform"
	"github.com/healthgate/fhir-gateway/internal/serviceerr"
	"github.com/healthgate/fhir-gateway/internal/storage"
)

// tokenRefresher is the slice of the OAuth client the coordinator needs.
type tokenRefresher interface {
	Refresh(ctx context.Context, p platform.Platform, refreshToken string) (oauthclient.TokenResponse, error)
}

// Coordinator serializes token refreshes so each (session, platform) pair
// has at most one refresh in flight across all gateway instances. In-process
// callers collapse onto a single flight; instances coordinate through an
// atomic lock in the storage backend that expires on its own if the holder
// dies mid-refresh.
type Coordinator struct {
	registry *Registry
	backend  storage.Backend
	client   tokenRefresher
	flights  singleflight.Group

	skew        time.Duration
	lockTTL     time.Duration
	waitTimeout time.Duration

	now func() time.Time
}

func NewCoordinator(registry *Registry, backend storage.Backend, client tokenRefresher, skew, lockTTL, waitTimeout time.Duration) *Coordinator {
	return &Coordinator{
		registry:    registry,
		backend:     backend,
		client:      client,
		skew:        skew,
		lockTTL:     lockTTL,
		waitTimeout: waitTimeout,
		now:         time.Now,
	}
}

// EnsureFresh returns a token record whose access token is valid for at
// least the configured skew, refreshing it first if necessary.
func (c *Coordinator) EnsureFresh(ctx context.Context, p platform.Platform, sid string) (TokenRecord, error) {
	rec, err := c.registry.GetRecord(ctx, sid, p.ID)
	if err != nil {
		return TokenRecord{}, err
	}
	if !rec.NeedsRefresh(c.now(), c.skew) {
		return rec, nil
	}

	v, err, _ := c.flights.Do(sid+"/"+p.ID, func() (any, error) {
		return c.refresh(ctx, p, sid)
	})
	if err != nil {
		return TokenRecord{}, err
	}

	return v.(TokenRecord), nil
}

func (c *Coordinator) refresh(ctx context.Context, p platform.Platform, sid string) (TokenRecord, error) {
	// Re-read under the flight: another caller may have refreshed between
	// the staleness check and entering here.
	rec, err := c.registry.GetRecord(ctx, sid, p.ID)
	if err != nil {
		return TokenRecord{}, err
	}
	if !rec.NeedsRefresh(c.now(), c.skew) {
		return rec, nil
	}

	if rec.RefreshToken == "" {
		slogctx.Info(ctx, "Token expired without refresh token, deleting record",
			"sessionID", shortSID(sid), "platformID", p.ID)
		if err := c.registry.DeleteRecord(ctx, sid, p.ID); err != nil {
			return TokenRecord{}, err
		}

		return TokenRecord{}, fmt.Errorf("no refresh token: %w", serviceerr.ErrAuthRequired)
	}

	holder := uuid.NewString()
	acquired, err := c.backend.TryAcquireLock(ctx, refreshLockKey(sid, p.ID), holder, c.lockTTL)
	if err != nil {
		return TokenRecord{}, fmt.Errorf("acquiring refresh lock: %w", err)
	}
	if !acquired {
		return c.waitForPeer(ctx, p, sid)
	}
	defer func() {
		if err := c.backend.ReleaseLock(ctx, refreshLockKey(sid, p.ID), holder); err != nil {
			slogctx.Error(ctx, "Failed to release refresh lock", "error", err)
		}
	}()

	tokens, err := c.client.Refresh(ctx, p, rec.RefreshToken)
	if err != nil {
		if errors.Is(err, serviceerr.ErrRefreshTokenInvalid) {
			slogctx.Warn(ctx, "Refresh token rejected, deleting record",
				"sessionID", shortSID(sid), "platformID", p.ID)
			if delErr := c.registry.DeleteRecord(ctx, sid, p.ID); delErr != nil {
				return TokenRecord{}, errors.Join(err, delErr)
			}
		}

		// Transient failures leave the record in place so the refresh can
		// be retried once the platform recovers.
		return TokenRecord{}, err
	}

	fresh := recordFromResponse(tokens, rec, c.now())
	if err := c.registry.SetRecord(ctx, sid, p.ID, fresh); err != nil {
		return TokenRecord{}, err
	}

	slogctx.Info(ctx, "Refreshed access token",
		"sessionID", shortSID(sid), "platformID", p.ID, "expiry", fresh.Expiry)

	return fresh, nil
}

// waitForPeer polls the token record while another instance holds the
// refresh lock, backing off between reads. It gives up with
// serviceerr.ErrRefreshInProgress once the wait budget is spent.
func (c *Coordinator) waitForPeer(ctx context.Context, p platform.Platform, sid string) (TokenRecord, error) {
	const (
		initialBackoff = 50 * time.Millisecond
		maxBackoff     = 2 * time.Second
	)

	deadline := c.now().Add(c.waitTimeout)
	backoff := initialBackoff

	for {
		select {
		case <-ctx.Done():
			return TokenRecord{}, ctx.Err()
		case <-time.After(backoff):
		}

		rec, err := c.registry.GetRecord(ctx, sid, p.ID)
		switch {
		case errors.Is(err, serviceerr.ErrNotFound):
			// The peer hit a definitive rejection and deleted the record.
			return TokenRecord{}, fmt.Errorf("record deleted during refresh: %w", serviceerr.ErrAuthRequired)
		case err != nil:
			return TokenRecord{}, err
		case !rec.NeedsRefresh(c.now(), c.skew):
			return rec, nil
		}

		if c.now().After(deadline) {
			return TokenRecord{}, serviceerr.ErrRefreshInProgress
		}

		backoff = min(backoff*2, maxBackoff)
	}
}

// recordFromResponse merges a token endpoint reply into a new record,
// carrying over scopes when the server does not restate them.
func recordFromResponse(tokens oauthclient.TokenResponse, prev TokenRecord, now time.Time) TokenRecord {
	rec := TokenRecord{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    tokens.TokenType,
		IssuedAt:     now.UTC(),
	}
	if rec.TokenType == "" {
		rec.TokenType = prev.TokenType
	}
	if tokens.Scope != "" {
		rec.Scopes = strings.Fields(tokens.Scope)
	} else {
		rec.Scopes = prev.Scopes
	}
	if tokens.ExpiresIn > 0 {
		rec.Expiry = now.Add(time.Duration(tokens.ExpiresIn) * time.Second).UTC()
	}

	return rec
}
