package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/healthgate/fhir-gateway/internal/cryptoenv"
	"github.com/healthgate/fhir-gateway/internal/pkce"
	"github.com/healthgate/fhir-gateway/internal/serviceerr"
	"github.com/healthgate/fhir-gateway/internal/storage"
)

// Key layout within the storage backend. Everything belonging to a session
// lives under its "session:{sid}:" prefix so deletion can cascade, except
// the state index which must be resolvable before the session is known.
const (
	sessionPrefix = "session:"
	statePrefix   = "state:"
)

func metaKey(sid string) string               { return sessionPrefix + sid + ":meta" }
func tokenKey(sid, pid string) string         { return sessionPrefix + sid + ":token:" + pid }
func pendingKey(sid, pid string) string       { return sessionPrefix + sid + ":pending:" + pid }
func refreshLockKey(sid, pid string) string   { return sessionPrefix + sid + ":lock:" + pid }
func stateKey(state string) string            { return statePrefix + state }
func sessionScope(sid string) (prefix string) { return sessionPrefix + sid + ":" }

// Registry persists sessions, token records and pending authorization
// attempts. Token records and pending attempts go through the crypto
// envelope; session metadata and the state index hold no credentials and
// are stored in the clear.
type Registry struct {
	backend    storage.Backend
	envelope   *cryptoenv.Envelope
	ids        pkce.Source
	sessionTTL time.Duration
	pendingTTL time.Duration

	now func() time.Time
}

func NewRegistry(backend storage.Backend, envelope *cryptoenv.Envelope, sessionTTL, pendingTTL time.Duration) *Registry {
	return &Registry{
		backend:    backend,
		envelope:   envelope,
		sessionTTL: sessionTTL,
		pendingTTL: pendingTTL,
		now:        time.Now,
	}
}

// CreateSession mints a new session with a fresh random identifier.
func (r *Registry) CreateSession(ctx context.Context) (Meta, error) {
	now := r.now().UTC()
	meta := Meta{
		ID:           r.ids.SessionID(),
		CreatedAt:    now,
		LastActivity: now,
	}

	if err := r.putMeta(ctx, meta); err != nil {
		return Meta{}, err
	}

	return meta, nil
}

// GetSession loads session metadata, or serviceerr.ErrNotFound for unknown
// or expired sessions.
func (r *Registry) GetSession(ctx context.Context, sid string) (Meta, error) {
	raw, ok, err := r.backend.Get(ctx, metaKey(sid))
	if err != nil {
		return Meta{}, fmt.Errorf("loading session meta: %w", err)
	}
	if !ok {
		return Meta{}, fmt.Errorf("session %s: %w", sid, serviceerr.ErrNotFound)
	}

	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Meta{}, fmt.Errorf("decoding session meta: %w", err)
	}

	return meta, nil
}

// Touch records activity on the session and extends its lifetime.
func (r *Registry) Touch(ctx context.Context, sid string) error {
	meta, err := r.GetSession(ctx, sid)
	if err != nil {
		return err
	}

	meta.LastActivity = r.now().UTC()

	return r.putMeta(ctx, meta)
}

func (r *Registry) putMeta(ctx context.Context, meta Meta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding session meta: %w", err)
	}
	if err := r.backend.Put(ctx, metaKey(meta.ID), raw, r.sessionTTL); err != nil {
		return fmt.Errorf("storing session meta: %w", err)
	}

	return nil
}

// DeleteSession removes the session and everything stored under it.
func (r *Registry) DeleteSession(ctx context.Context, sid string) error {
	keys, err := r.backend.List(ctx, sessionScope(sid))
	if err != nil {
		return fmt.Errorf("listing session keys: %w", err)
	}

	for _, key := range keys {
		if err := r.backend.Delete(ctx, key); err != nil {
			return fmt.Errorf("deleting %s: %w", key, err)
		}
	}

	return nil
}

// GetRecord loads and decrypts the token record for a (session, platform)
// pair. A record that cannot be decrypted is deleted and reported as
// serviceerr.ErrDecryptionFailure; the caller must require re-authorization.
func (r *Registry) GetRecord(ctx context.Context, sid, pid string) (TokenRecord, error) {
	raw, ok, err := r.backend.Get(ctx, tokenKey(sid, pid))
	if err != nil {
		return TokenRecord{}, fmt.Errorf("loading token record: %w", err)
	}
	if !ok {
		return TokenRecord{}, fmt.Errorf("token record %s/%s: %w", sid, pid, serviceerr.ErrNotFound)
	}

	plain, err := r.envelope.Open(sid, raw)
	if err != nil {
		slogctx.Warn(ctx, "Deleting undecryptable token record",
			"sessionID", shortSID(sid), "platformID", pid)
		if delErr := r.backend.Delete(ctx, tokenKey(sid, pid)); delErr != nil {
			slogctx.Error(ctx, "Failed to delete undecryptable token record", "error", delErr)
		}

		return TokenRecord{}, err
	}

	var rec TokenRecord
	if err := json.Unmarshal(plain, &rec); err != nil {
		return TokenRecord{}, fmt.Errorf("decoding token record: %w", err)
	}

	// Reads keep the record's backend lifetime aligned with the session's.
	// Without this, a long-lived upstream token on a continuously-active
	// session would hit the backend TTL from write time and vanish mid-use.
	if err := r.backend.Expire(ctx, tokenKey(sid, pid), r.sessionTTL); err != nil {
		slogctx.Warn(ctx, "Failed to extend token record lifetime",
			"sessionID", shortSID(sid), "platformID", pid, "error", err)
	}

	return rec, nil
}

// SetRecord encrypts and stores the token record. Its lifetime follows the
// session so revived sessions never resurrect stale credentials.
func (r *Registry) SetRecord(ctx context.Context, sid, pid string, rec TokenRecord) error {
	plain, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding token record: %w", err)
	}

	sealed, err := r.envelope.Seal(sid, plain)
	if err != nil {
		return fmt.Errorf("sealing token record: %w", err)
	}

	if err := r.backend.Put(ctx, tokenKey(sid, pid), sealed, r.sessionTTL); err != nil {
		return fmt.Errorf("storing token record: %w", err)
	}

	return nil
}

// DeleteRecord removes the token record for a (session, platform) pair.
func (r *Registry) DeleteRecord(ctx context.Context, sid, pid string) error {
	if err := r.backend.Delete(ctx, tokenKey(sid, pid)); err != nil {
		return fmt.Errorf("deleting token record: %w", err)
	}

	return nil
}

// SetPending stores a new authorization attempt, replacing any previous
// attempt for the same pair and invalidating that attempt's state value.
func (r *Registry) SetPending(ctx context.Context, sid, pid string, pending PendingAuth) error {
	if prior, err := r.GetPending(ctx, sid, pid); err == nil {
		if err := r.backend.Delete(ctx, stateKey(prior.State)); err != nil {
			return fmt.Errorf("invalidating superseded state: %w", err)
		}
	} else if !errors.Is(err, serviceerr.ErrNotFound) {
		return err
	}

	plain, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("encoding pending auth: %w", err)
	}
	sealed, err := r.envelope.Seal(sid, plain)
	if err != nil {
		return fmt.Errorf("sealing pending auth: %w", err)
	}
	if err := r.backend.Put(ctx, pendingKey(sid, pid), sealed, r.pendingTTL); err != nil {
		return fmt.Errorf("storing pending auth: %w", err)
	}

	index, err := json.Marshal(stateIndex{SessionID: sid, PlatformID: pid})
	if err != nil {
		return fmt.Errorf("encoding state index: %w", err)
	}
	if err := r.backend.Put(ctx, stateKey(pending.State), index, r.pendingTTL); err != nil {
		return fmt.Errorf("storing state index: %w", err)
	}

	return nil
}

// GetPending loads the current authorization attempt for the pair.
func (r *Registry) GetPending(ctx context.Context, sid, pid string) (PendingAuth, error) {
	raw, ok, err := r.backend.Get(ctx, pendingKey(sid, pid))
	if err != nil {
		return PendingAuth{}, fmt.Errorf("loading pending auth: %w", err)
	}
	if !ok {
		return PendingAuth{}, fmt.Errorf("pending auth %s/%s: %w", sid, pid, serviceerr.ErrNotFound)
	}

	plain, err := r.envelope.Open(sid, raw)
	if err != nil {
		return PendingAuth{}, err
	}

	var pending PendingAuth
	if err := json.Unmarshal(plain, &pending); err != nil {
		return PendingAuth{}, fmt.Errorf("decoding pending auth: %w", err)
	}

	return pending, nil
}

// DeletePending removes the attempt and its state index entry.
func (r *Registry) DeletePending(ctx context.Context, sid, pid string) error {
	pending, err := r.GetPending(ctx, sid, pid)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) {
			return nil
		}

		return err
	}

	if err := r.backend.Delete(ctx, stateKey(pending.State)); err != nil {
		return fmt.Errorf("deleting state index: %w", err)
	}
	if err := r.backend.Delete(ctx, pendingKey(sid, pid)); err != nil {
		return fmt.Errorf("deleting pending auth: %w", err)
	}

	return nil
}

// LookupState resolves an opaque state value to the attempt that issued it.
func (r *Registry) LookupState(ctx context.Context, state string) (sid, pid string, err error) {
	raw, ok, err := r.backend.Get(ctx, stateKey(state))
	if err != nil {
		return "", "", fmt.Errorf("loading state index: %w", err)
	}
	if !ok {
		return "", "", fmt.Errorf("state: %w", serviceerr.ErrNotFound)
	}

	var index stateIndex
	if err := json.Unmarshal(raw, &index); err != nil {
		return "", "", fmt.Errorf("decoding state index: %w", err)
	}

	return index.SessionID, index.PlatformID, nil
}
