// Package platform holds the static registry of downstream data platforms:
// base URLs, OAuth endpoints, client credentials, and scopes. The registry
// is operator configuration loaded once at startup.
package platform

import "strings"

// OAuth describes a platform's authorization server as registered by the
// operator.
type OAuth struct {
	AuthorizeURL string   `yaml:"authorizeURL"`
	TokenURL     string   `yaml:"tokenURL"`
	RevokeURL    string   `yaml:"revokeURL"`
	ClientID     string   `yaml:"clientID"`
	ClientSecret string   `yaml:"clientSecret"`
	Scopes       []string `yaml:"scopes"`

	// Public marks a PKCE-only client: no secret is sent on token calls.
	Public bool `yaml:"public"`
}

type Platform struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	BaseURL string `yaml:"baseURL"`
	OAuth   OAuth  `yaml:"oauth"`
}

// Confidential reports whether the platform client authenticates with a
// secret on token endpoint calls.
func (p Platform) Confidential() bool {
	return !p.OAuth.Public && p.OAuth.ClientSecret != ""
}

// ScopeString renders the configured scopes as a space separated OAuth
// scope parameter value.
func (o OAuth) ScopeString() string {
	return strings.Join(o.Scopes, " ")
}
