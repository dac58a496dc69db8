// Package config defines the necessary types to configure the application.
// An example config file config.yaml is provided in the repository.
package config

import (
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	HTTP HTTPServer `yaml:"http"`

	Storage      Storage      `yaml:"storage"`
	Platforms    Platforms    `yaml:"platforms"`
	TokenManager TokenManager `yaml:"tokenManager"`
	Housekeeper  Housekeeper  `yaml:"housekeeper"`
}

type HTTPServer struct {
	Address         string        `yaml:"address" default:":8080"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"5s"`
}

// Storage selects and configures the token storage backend. When ValKey.Host
// is unset the process-local backend is used and tokens do not survive
// restarts.
type Storage struct {
	ValKey ValKey `yaml:"valkey"`

	// MasterKey enables encryption at rest. Leaving it unset stores
	// plaintext; entries written without it stay readable after it is set.
	MasterKey        commoncfg.SourceRef `yaml:"masterKey"`
	PBKDF2Iterations int                 `yaml:"pbkdf2Iterations" default:"100000"`

	// AllowInsecureTransport permits a ValKey connection without TLS.
	// Token material would traverse the network unprotected; the manager
	// refuses to start without this explicit override.
	AllowInsecureTransport bool `yaml:"allowInsecureTransport"`
}

type ValKey struct {
	Host      commoncfg.SourceRef `yaml:"host"`
	User      commoncfg.SourceRef `yaml:"user"`
	Password  commoncfg.SourceRef `yaml:"password"`
	Prefix    string              `yaml:"prefix" default:"gw"`
	SecretRef commoncfg.SecretRef `yaml:"secretRef"`
}

type Platforms struct {
	// File is the YAML registry of platform OAuth endpoints and clients.
	File string `yaml:"file" default:"platforms.yaml"`
}

type TokenManager struct {
	// CallbackURL is the OAuth redirect URI registered with every platform.
	CallbackURL string `yaml:"callbackURL" default:"https://localhost:8080/auth/callback"`

	SessionTTL     time.Duration `yaml:"sessionTTL" default:"1h"`
	PendingAuthTTL time.Duration `yaml:"pendingAuthTTL" default:"15m"`

	// RefreshSkew triggers a refresh this long before the recorded expiry.
	RefreshSkew        time.Duration `yaml:"refreshSkew" default:"60s"`
	RefreshLockTTL     time.Duration `yaml:"refreshLockTTL" default:"30s"`
	RefreshWaitTimeout time.Duration `yaml:"refreshWaitTimeout" default:"10s"`

	AuthWaitTimeout time.Duration `yaml:"authWaitTimeout" default:"120s"`
	HandleLifetime  time.Duration `yaml:"handleLifetime" default:"24h"`

	ExchangeTimeout time.Duration `yaml:"exchangeTimeout" default:"30s"`
	RevokeTimeout   time.Duration `yaml:"revokeTimeout" default:"10s"`

	SessionCookieTemplate CookieTemplate `yaml:"sessionCookieTemplate"`
}

type Housekeeper struct {
	SweepInterval time.Duration `yaml:"sweepInterval" default:"5m"`
}

type CookieSameSite string

const (
	CookieSameSiteNone   CookieSameSite = "None"
	CookieSameSiteLax    CookieSameSite = "Lax"
	CookieSameSiteStrict CookieSameSite = "Strict"
)

type CookieTemplate struct {
	Name     string         `yaml:"name" default:"__Host-Http-gateway-session"`
	MaxAge   int            `yaml:"maxAge" default:"3600"`
	Path     string         `yaml:"path" default:"/"`
	Domain   string         `yaml:"domain"`
	Secure   bool           `yaml:"secure" default:"true"`
	HTTPOnly bool           `yaml:"httpOnly" default:"true"`
	SameSite CookieSameSite `yaml:"sameSite" default:"Lax"`
}
