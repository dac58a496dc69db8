package session_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	otlpaudit "github.com/openkcm/common-sdk/pkg/otlp/audit"
	"github.com/stretchr/testify/require"

	"github.com/healthgate/fhir-gateway/internal/config"
	"github.com/healthgate/fhir-gateway/internal/cryptoenv"
	"github.com/healthgate/fhir-gateway/internal/oauthclient"
	"github.com/healthgate/fhir-gateway/internal/platform"
	"github.com/healthgate/fhir-gateway/internal/session"
	"github.com/healthgate/fhir-gateway/internal/storage"
	"github.com/healthgate/fhir-gateway/internal/storage/memory"
)

const (
	testPlatformID  = "epic"
	testCallbackURL = "https://gw.example.com/auth/callback"
	testHandleKey   = "0123456789abcdef0123456789abcdef" // NOSONAR
)

// platformServer is a fake OAuth authorization server. Its behavior can be
// reconfigured per test and it counts the token grants it served.
type platformServer struct {
	srv *httptest.Server

	Exchanges atomic.Int32
	Refreshes atomic.Int32
	Revokes   atomic.Int32

	mu sync.Mutex
	// nextAccess is handed out by the next refresh grant.
	nextAccess string
	// refreshError, when set, is returned as the OAuth error code on
	// refresh grants. The special value "unavailable" answers with a 503.
	refreshError string
	// exchangeError fails authorization-code grants with the given code.
	exchangeError string
	// refreshDelay stalls refresh grants, keeping the refresh lock held.
	refreshDelay time.Duration
}

func startPlatformServer(t *testing.T) *platformServer {
	t.Helper()

	ps := &platformServer{nextAccess: "A2"}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			ps.handleToken(w, r)
		case "/oauth2/revoke":
			ps.Revokes.Add(1)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ps.srv.Close)

	return ps
}

func (ps *platformServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		ps.mu.Lock()
		exchangeErr := ps.exchangeError
		ps.mu.Unlock()

		if exchangeErr != "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": exchangeErr})
			return
		}

		ps.Exchanges.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "A",
			"token_type":    "Bearer",
			"refresh_token": "R",
			"expires_in":    3600,
			"scope":         "openid fhirUser",
		})
	case "refresh_token":
		ps.mu.Lock()
		access, oauthErr, delay := ps.nextAccess, ps.refreshError, ps.refreshDelay
		ps.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}

		switch oauthErr {
		case "":
			ps.Refreshes.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token":  access,
				"token_type":    "Bearer",
				"refresh_token": "R2",
				"expires_in":    3600,
			})
		case "unavailable":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": oauthErr})
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (ps *platformServer) SetRefreshError(code string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.refreshError = code
}

func (ps *platformServer) SetExchangeError(code string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.exchangeError = code
}

func (ps *platformServer) SetNextAccess(token string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.nextAccess = token
}

func (ps *platformServer) SetRefreshDelay(d time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.refreshDelay = d
}

func startAuditServer(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success": true}`))
	}))
	t.Cleanup(srv.Close)

	return srv
}

// env wires a complete manager over the in-process backend and a fake
// platform, the way the api-server assembles it.
type env struct {
	Manager   *session.Manager
	Registry  *session.Registry
	Refresher *session.Coordinator
	Backend   storage.Backend
	Platform  *platformServer
	Platforms *platform.Registry
	Config    *config.TokenManager
}

func testTokenManagerConfig() *config.TokenManager {
	return &config.TokenManager{
		CallbackURL:        testCallbackURL,
		SessionTTL:         time.Hour,
		PendingAuthTTL:     15 * time.Minute,
		RefreshSkew:        time.Minute,
		RefreshLockTTL:     30 * time.Second,
		RefreshWaitTimeout: 3 * time.Second,
		AuthWaitTimeout:    2 * time.Second,
		HandleLifetime:     24 * time.Hour,
		ExchangeTimeout:    5 * time.Second,
		RevokeTimeout:      5 * time.Second,
	}
}

func newEnv(t *testing.T) *env {
	t.Helper()

	ps := startPlatformServer(t)

	platformsYAML := fmt.Sprintf(`
platforms:
  - id: %s
    name: Test Platform
    baseURL: https://fhir.test.example.com/r4
    oauth:
      authorizeURL: %s/oauth2/authorize
      tokenURL: %s/oauth2/token
      revokeURL: %s/oauth2/revoke
      clientID: test-client
      clientSecret: test-secret
      scopes: [openid, fhirUser]
`, testPlatformID, ps.srv.URL, ps.srv.URL, ps.srv.URL)

	platforms, err := platform.ParseRegistry([]byte(platformsYAML))
	require.NoError(t, err)

	cfg := testTokenManagerConfig()
	backend := memory.New()
	t.Cleanup(backend.Close)

	envelope := cryptoenv.New(nil, 0)
	registry := session.NewRegistry(backend, envelope, cfg.SessionTTL, cfg.PendingAuthTTL)

	client := oauthclient.New(nil, cfg.ExchangeTimeout, cfg.RevokeTimeout)
	refresher := session.NewCoordinator(registry, backend, client,
		cfg.RefreshSkew, cfg.RefreshLockTTL, cfg.RefreshWaitTimeout)

	handles, err := session.NewHandleCodec([]byte(testHandleKey), cfg.HandleLifetime)
	require.NoError(t, err)

	auditLogger, err := otlpaudit.NewLogger(&commoncfg.Audit{Endpoint: startAuditServer(t).URL})
	require.NoError(t, err)

	manager, err := session.NewManager(cfg, platforms, registry, refresher, client, handles, auditLogger)
	require.NoError(t, err)

	return &env{
		Manager:   manager,
		Registry:  registry,
		Refresher: refresher,
		Backend:   backend,
		Platform:  ps,
		Platforms: platforms,
		Config:    cfg,
	}
}

// connect runs the full auth flow for a fresh session and returns its id.
func (e *env) connect(t *testing.T) string {
	t.Helper()

	meta, created, err := e.Manager.EnsureSession(t.Context(), "")
	require.NoError(t, err)
	require.True(t, created)

	authURL, err := e.Manager.StartAuth(t.Context(), meta.ID, testPlatformID)
	require.NoError(t, err)

	state := stateFromAuthURL(t, authURL)
	gotSID, gotPID, err := e.Manager.HandleCallback(t.Context(), state, "code123")
	require.NoError(t, err)
	require.Equal(t, meta.ID, gotSID)
	require.Equal(t, testPlatformID, gotPID)

	return meta.ID
}

func stateFromAuthURL(t *testing.T, authURL string) string {
	t.Helper()

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)

	return state
}

// expireToken rewrites the stored record so the access token is already
// inside the refresh window.
func (e *env) expireToken(t *testing.T, sid string) {
	t.Helper()

	rec, err := e.Registry.GetRecord(t.Context(), sid, testPlatformID)
	require.NoError(t, err)
	rec.Expiry = time.Now().Add(-time.Minute)
	require.NoError(t, e.Registry.SetRecord(t.Context(), sid, testPlatformID, rec))
}
