package session

import (
	"strings"
	"time"
)

// Meta holds session bookkeeping. It carries no credentials and is stored
// next to the per-platform token records under the session's key prefix.
type Meta struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// TokenRecord is the stored credential set for one (session, platform) pair.
type TokenRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
	Expiry       time.Time `json:"expiry"`
}

// NeedsRefresh reports whether the access token is expired or inside the
// skew window before expiry, measured at now.
func (r TokenRecord) NeedsRefresh(now time.Time, skew time.Duration) bool {
	if r.Expiry.IsZero() {
		return false
	}

	return !now.Add(skew).Before(r.Expiry)
}

// ScopeString renders the scopes as a space separated OAuth scope value.
func (r TokenRecord) ScopeString() string {
	return strings.Join(r.Scopes, " ")
}

// PendingAuth is an in-flight authorization attempt for a
// (session, platform) pair. A new StartAuth replaces any previous one.
type PendingAuth struct {
	State        string    `json:"state"`
	PKCEVerifier string    `json:"pkce_verifier"`
	CreatedAt    time.Time `json:"created_at"`
	Expiry       time.Time `json:"expiry"`
}

// Expired reports whether the attempt is past its validity window.
func (p PendingAuth) Expired(now time.Time) bool {
	return now.After(p.Expiry)
}

// shortSID truncates a session id for log output, keeping enough of it for
// correlation without writing the full bearer-adjacent value to logs.
func shortSID(sid string) string {
	const visible = 16
	if len(sid) > visible {
		return sid[:visible] + "..."
	}

	return sid
}

// stateIndex maps an opaque state value back to the attempt that issued it.
type stateIndex struct {
	SessionID  string `json:"sid"`
	PlatformID string `json:"pid"`
}

// Status describes the connection state of one platform within a session.
type Status struct {
	PlatformID  string     `json:"platform_id"`
	Connected   bool       `json:"connected"`
	AuthPending bool       `json:"auth_pending"`
	Expiry      *time.Time `json:"expiry,omitempty"`
	Scopes      []string   `json:"scopes,omitempty"`
}
