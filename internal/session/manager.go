// Package session implements the token lifecycle: session registry, the
// per-platform authorization flow, coordinated refresh and signed handles.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	otlpaudit "github.com/openkcm/common-sdk/pkg/otlp/audit"
	slogctx "github.com/veqryn/slog-context"

	"github.com/healthgate/fhir-gateway/internal/config"
	"github.com/healthgate/fhir-gateway/internal/oauthclient"
	"github.com/healthgate/fhir-gateway/internal/pkce"
	"github.com/healthgate/fhir-gateway/internal/platform"
	"github.com/healthgate/fhir-gateway/internal/serviceerr"
)

const auditService = "fhir-gateway"

// Manager is the facade over the token lifecycle. HTTP handlers and jobs
// talk to it exclusively; it owns the auth flow, delegates staleness to the
// refresh coordinator and translates storage errors into the service's
// error vocabulary.
type Manager struct {
	platforms *platform.Registry
	registry  *Registry
	refresher *Coordinator
	client    *oauthclient.Client
	handles   *HandleCodec
	audit     *otlpaudit.AuditLogger
	pkce      pkce.Source
	waiters   waiterHub

	callbackURL           *url.URL
	authWaitTimeout       time.Duration
	pendingTTL            time.Duration
	sessionCookieTemplate config.CookieTemplate

	now func() time.Time
}

func NewManager(
	cfg *config.TokenManager,
	platforms *platform.Registry,
	registry *Registry,
	refresher *Coordinator,
	client *oauthclient.Client,
	handles *HandleCodec,
	auditLogger *otlpaudit.AuditLogger,
) (*Manager, error) {
	callbackURL, err := url.Parse(cfg.CallbackURL)
	if err != nil {
		return nil, fmt.Errorf("parsing callback URL: %w", err)
	}
	if callbackURL.Scheme == "" || callbackURL.Host == "" {
		return nil, errors.New("callback URL must be absolute")
	}

	return &Manager{
		platforms:             platforms,
		registry:              registry,
		refresher:             refresher,
		client:                client,
		handles:               handles,
		audit:                 auditLogger,
		callbackURL:           callbackURL,
		authWaitTimeout:       cfg.AuthWaitTimeout,
		pendingTTL:            cfg.PendingAuthTTL,
		sessionCookieTemplate: cfg.SessionCookieTemplate,
		now:                   time.Now,
	}, nil
}

// SessionCookieTemplate exposes the cookie settings the HTTP layer uses
// when it mints or refreshes session cookies.
func (m *Manager) SessionCookieTemplate() config.CookieTemplate {
	return m.sessionCookieTemplate
}

// EnsureSession resolves sid to a live session, creating a new one when the
// id is empty or no longer known. It reports whether a session was created.
func (m *Manager) EnsureSession(ctx context.Context, sid string) (Meta, bool, error) {
	if sid != "" {
		meta, err := m.registry.GetSession(ctx, sid)
		if err == nil {
			return meta, false, nil
		}
		if !errors.Is(err, serviceerr.ErrNotFound) {
			return Meta{}, false, err
		}
	}

	meta, err := m.registry.CreateSession(ctx)
	if err != nil {
		return Meta{}, false, err
	}
	slogctx.Info(ctx, "Created session", "sessionID", shortSID(meta.ID))

	return meta, true, nil
}

// GetValidToken returns a token record for the pair that is valid for at
// least the refresh skew, refreshing if needed. A swept session and absent,
// revoked or undecryptable records all surface as serviceerr.ErrAuthRequired
// so the caller has a single signal to restart the auth flow on.
func (m *Manager) GetValidToken(ctx context.Context, sid, pid string) (TokenRecord, error) {
	p, err := m.platforms.Get(pid)
	if err != nil {
		return TokenRecord{}, err
	}

	if err := m.registry.Touch(ctx, sid); err != nil {
		// The session itself is gone. Handles can outlive the session they
		// reference, so this is re-authorization, not a routing error.
		if errors.Is(err, serviceerr.ErrNotFound) {
			return TokenRecord{}, errors.Join(serviceerr.ErrAuthRequired, err)
		}

		return TokenRecord{}, err
	}

	rec, err := m.refresher.EnsureFresh(ctx, p, sid)
	switch {
	case errors.Is(err, serviceerr.ErrNotFound),
		errors.Is(err, serviceerr.ErrRefreshTokenInvalid),
		errors.Is(err, serviceerr.ErrDecryptionFailure):
		return TokenRecord{}, errors.Join(serviceerr.ErrAuthRequired, err)
	case err != nil:
		return TokenRecord{}, err
	}

	return rec, nil
}

// GetStatus reports the connection state of every registered platform
// within the session. It never triggers a refresh.
func (m *Manager) GetStatus(ctx context.Context, sid string) ([]Status, error) {
	if _, err := m.registry.GetSession(ctx, sid); err != nil {
		return nil, err
	}

	statuses := make([]Status, 0, len(m.platforms.IDs()))
	for _, pid := range m.platforms.IDs() {
		status := Status{PlatformID: pid}

		rec, err := m.registry.GetRecord(ctx, sid, pid)
		switch {
		case err == nil:
			status.Connected = true
			status.Scopes = rec.Scopes
			if !rec.Expiry.IsZero() {
				expiry := rec.Expiry
				status.Expiry = &expiry
			}
		case errors.Is(err, serviceerr.ErrNotFound),
			errors.Is(err, serviceerr.ErrDecryptionFailure):
			// disconnected
		default:
			return nil, err
		}

		if _, err := m.registry.GetPending(ctx, sid, pid); err == nil {
			status.AuthPending = true
		} else if !errors.Is(err, serviceerr.ErrNotFound) && !errors.Is(err, serviceerr.ErrDecryptionFailure) {
			return nil, err
		}

		statuses = append(statuses, status)
	}

	return statuses, nil
}

// Revoke invalidates the pair's tokens upstream on a best-effort basis and
// always deletes the local record. A platform that cannot be reached does
// not keep credentials alive locally.
func (m *Manager) Revoke(ctx context.Context, sid, pid string) error {
	p, err := m.platforms.Get(pid)
	if err != nil {
		return err
	}

	rec, err := m.registry.GetRecord(ctx, sid, pid)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) || errors.Is(err, serviceerr.ErrDecryptionFailure) {
			return nil
		}

		return err
	}

	if rec.RefreshToken != "" {
		if err := m.client.Revoke(ctx, p, rec.RefreshToken, "refresh_token"); err != nil {
			slogctx.Warn(ctx, "Upstream refresh token revocation failed",
				"platformID", pid, "error", err)
		}
	}
	if err := m.client.Revoke(ctx, p, rec.AccessToken, "access_token"); err != nil {
		slogctx.Warn(ctx, "Upstream access token revocation failed",
			"platformID", pid, "error", err)
	}

	if err := m.registry.DeleteRecord(ctx, sid, pid); err != nil {
		return err
	}

	slogctx.Info(ctx, "Revoked platform connection", "sessionID", shortSID(sid), "platformID", pid)

	return nil
}

// IssueHandle mints a signed reference to the pair's token record. The
// session must exist and hold a record for the platform.
func (m *Manager) IssueHandle(ctx context.Context, sid, pid string) (string, error) {
	if _, err := m.platforms.Get(pid); err != nil {
		return "", err
	}
	if _, err := m.registry.GetRecord(ctx, sid, pid); err != nil {
		return "", err
	}

	return m.handles.Issue(sid, pid)
}

// ResolveHandle verifies a handle and returns a valid token for the pair it
// references, refreshing if necessary. All verification failures surface as
// serviceerr.ErrInvalidHandle.
func (m *Manager) ResolveHandle(ctx context.Context, handle string) (TokenRecord, error) {
	sid, pid, err := m.handles.Verify(handle)
	if err != nil {
		m.sendAuthFailureAudit(ctx, pid, "invalid handle")

		return TokenRecord{}, err
	}

	return m.GetValidToken(ctx, sid, pid)
}

func (m *Manager) sendAuthFailureAudit(ctx context.Context, objectID, reason string) {
	if m.audit == nil {
		return
	}

	metadata, err := otlpaudit.NewEventMetadata(auditService, objectID, uuid.NewString())
	if err != nil {
		slogctx.Error(ctx, "Failed to create audit metadata", "error", err)

		return
	}

	event, err := otlpaudit.NewUserLoginFailureEvent(metadata, objectID, otlpaudit.LOGINMETHOD_OPENIDCONNECT, otlpaudit.FailReason(reason), objectID)
	if err != nil {
		slogctx.Error(ctx, "Failed to create audit event", "error", err)

		return
	}

	if err := m.audit.SendEvent(ctx, event); err != nil {
		slogctx.Error(ctx, "Failed to send audit log for authorization failure", "error", err)
	}
}

func (m *Manager) sendAuthSuccessAudit(ctx context.Context, objectID string) {
	if m.audit == nil {
		return
	}

	metadata, err := otlpaudit.NewEventMetadata(auditService, objectID, uuid.NewString())
	if err != nil {
		slogctx.Error(ctx, "Failed to create audit metadata", "error", err)

		return
	}

	event, err := otlpaudit.NewUserLoginSuccessEvent(metadata, objectID, otlpaudit.LOGINMETHOD_OPENIDCONNECT, otlpaudit.MFATYPE_NONE, otlpaudit.USERTYPE_BUSINESS, objectID)
	if err != nil {
		slogctx.Error(ctx, "Failed to create audit event", "error", err)

		return
	}

	if err := m.audit.SendEvent(ctx, event); err != nil {
		slogctx.Error(ctx, "Failed to send audit log for authorization success", "error", err)
	}
}
