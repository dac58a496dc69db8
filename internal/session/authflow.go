package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/healthgate/fhir-gateway/internal/platform"
	"github.com/healthgate/fhir-gateway/internal/serviceerr"
)

// StartAuth begins a new authorization attempt for the pair and returns the
// URL to send the user agent to. Any previous attempt for the same pair is
// replaced and its state value stops validating.
func (m *Manager) StartAuth(ctx context.Context, sid, pid string) (string, error) {
	p, err := m.platforms.Get(pid)
	if err != nil {
		return "", err
	}
	if err := m.registry.Touch(ctx, sid); err != nil {
		return "", err
	}

	state := m.pkce.State()
	challenge := m.pkce.PKCE()
	now := m.now().UTC()

	pending := PendingAuth{
		State:        state,
		PKCEVerifier: challenge.Verifier,
		CreatedAt:    now,
		Expiry:       now.Add(m.pendingTTL),
	}
	if err := m.registry.SetPending(ctx, sid, pid, pending); err != nil {
		return "", fmt.Errorf("storing pending auth: %w", err)
	}

	authURL, err := m.authURI(p, state, challenge.Challenge)
	if err != nil {
		return "", err
	}

	slogctx.Info(ctx, "Started authorization", "sessionID", shortSID(sid), "platformID", pid)

	return authURL, nil
}

func (m *Manager) authURI(p platform.Platform, state, challenge string) (string, error) {
	u, err := url.Parse(p.OAuth.AuthorizeURL)
	if err != nil {
		return "", fmt.Errorf("parsing authorization endpoint url: %w", err)
	}

	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", p.OAuth.ClientID)
	q.Set("redirect_uri", m.callbackURL.String())
	q.Set("scope", p.OAuth.ScopeString())
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	if p.BaseURL != "" {
		// SMART on FHIR servers require the resource server audience.
		q.Set("aud", p.BaseURL)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// HandleCallback completes the attempt identified by state. The state must
// resolve to a live, unexpired pending attempt; anything else is
// serviceerr.ErrInvalidCallbackState with no further detail for the caller.
// The outcome, success or failure, is broadcast to waiting pollers.
func (m *Manager) HandleCallback(ctx context.Context, state, code string) (sid, pid string, err error) {
	sid, pid, err = m.registry.LookupState(ctx, state)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) {
			m.sendAuthFailureAudit(ctx, "", "unknown callback state")

			return "", "", serviceerr.ErrInvalidCallbackState
		}

		return "", "", err
	}

	ctx = slogctx.With(ctx, "sessionID", shortSID(sid), "platformID", pid)

	pending, err := m.registry.GetPending(ctx, sid, pid)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) || errors.Is(err, serviceerr.ErrDecryptionFailure) {
			m.sendAuthFailureAudit(ctx, pid, "callback without pending attempt")

			return "", "", serviceerr.ErrInvalidCallbackState
		}

		return "", "", err
	}

	// The state index resolved, but only the attempt that issued this exact
	// state may complete. A replaced attempt's state is dead.
	if pending.State != state || pending.Expired(m.now()) {
		m.sendAuthFailureAudit(ctx, pid, "stale callback state")

		return sid, pid, serviceerr.ErrInvalidCallbackState
	}

	p, err := m.platforms.Get(pid)
	if err != nil {
		return sid, pid, err
	}

	tokens, err := m.client.Exchange(ctx, p, code, pending.PKCEVerifier, m.callbackURL.String())
	if err != nil {
		m.sendAuthFailureAudit(ctx, pid, "code exchange failed")
		m.waiters.complete(waiterKey(sid, pid), err)

		return sid, pid, err
	}

	rec := recordFromResponse(tokens, TokenRecord{}, m.now())
	if err := m.registry.SetRecord(ctx, sid, pid, rec); err != nil {
		m.waiters.complete(waiterKey(sid, pid), err)

		return sid, pid, err
	}
	if err := m.registry.DeletePending(ctx, sid, pid); err != nil {
		slogctx.Error(ctx, "Failed to delete completed pending auth", "error", err)
	}

	m.sendAuthSuccessAudit(ctx, pid)
	m.waiters.complete(waiterKey(sid, pid), nil)
	slogctx.Info(ctx, "Completed authorization", "expiry", rec.Expiry)

	return sid, pid, nil
}

// WaitForAuth blocks until the pair's in-flight authorization completes,
// fails, or the wait budget runs out. Every concurrent waiter for the pair
// observes the same outcome. Completion on another instance is picked up by
// polling the token record, since waiter broadcast is process-local.
func (m *Manager) WaitForAuth(ctx context.Context, sid, pid string) error {
	if _, err := m.platforms.Get(pid); err != nil {
		return err
	}

	// Already connected with a live record: nothing to wait for.
	if rec, err := m.registry.GetRecord(ctx, sid, pid); err == nil && !rec.NeedsRefresh(m.now(), 0) {
		return nil
	}

	w := m.waiters.get(waiterKey(sid, pid))
	defer m.waiters.release(waiterKey(sid, pid), w)

	timeout := time.NewTimer(m.authWaitTimeout)
	defer timeout.Stop()
	poll := time.NewTicker(time.Second)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return serviceerr.ErrWaitTimeout
		case <-w.done:
			return w.err
		case <-poll.C:
			if rec, err := m.registry.GetRecord(ctx, sid, pid); err == nil && !rec.NeedsRefresh(m.now(), 0) {
				return nil
			}
		}
	}
}

func waiterKey(sid, pid string) string {
	return sid + "/" + pid
}

// waiter represents one pending broadcast. err is written once, before done
// is closed, and only read after done is observed closed. refs counts the
// callers currently blocked on done; both fields are guarded by the hub lock.
type waiter struct {
	done chan struct{}
	err  error
	refs int
}

// waiterHub fans one authorization outcome out to every caller blocked in
// WaitForAuth for the same (session, platform) pair.
type waiterHub struct {
	mu      sync.Mutex
	pending map[string]*waiter
}

func (h *waiterHub) get(key string) *waiter {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pending == nil {
		h.pending = make(map[string]*waiter)
	}
	w, ok := h.pending[key]
	if !ok {
		w = &waiter{done: make(chan struct{})}
		h.pending[key] = w
	}
	w.refs++

	return w
}

// release drops one waiter's interest in the entry. The last waiter to give
// up on a pair whose callback never arrives takes the entry with it, so
// abandoned attempts do not accumulate in the map.
func (h *waiterHub) release(key string, w *waiter) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pending[key] != w {
		// Already completed, or superseded by a fresh entry.
		return
	}
	w.refs--
	if w.refs <= 0 {
		delete(h.pending, key)
	}
}

func (h *waiterHub) complete(key string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	w, ok := h.pending[key]
	if !ok {
		return
	}
	delete(h.pending, key)

	w.err = err
	close(w.done)
}
