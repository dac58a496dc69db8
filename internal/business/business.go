// Package business wires configuration into running services: the public
// API server and the housekeeper job.
package business

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/valkey-io/valkey-go"

	otlpaudit "github.com/openkcm/common-sdk/pkg/otlp/audit"
	slogctx "github.com/veqryn/slog-context"

	"github.com/healthgate/fhir-gateway/internal/business/server"
	"github.com/healthgate/fhir-gateway/internal/config"
	"github.com/healthgate/fhir-gateway/internal/cryptoenv"
	"github.com/healthgate/fhir-gateway/internal/oauthclient"
	"github.com/healthgate/fhir-gateway/internal/platform"
	"github.com/healthgate/fhir-gateway/internal/session"
	"github.com/healthgate/fhir-gateway/internal/storage"
	"github.com/healthgate/fhir-gateway/internal/storage/memory"
	"github.com/healthgate/fhir-gateway/internal/storage/valkeystore"
)

// Main starts the public API server.
func Main(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// errChan is used to capture the first error and shutdown the server.
	errChan := make(chan error, 1)

	// wg is used to wait for all components to shutdown.
	var wg sync.WaitGroup

	wg.Go(func() {
		errChan <- apiMain(ctx, cfg)
	})

	// wait for any error to initiate the shutdown
	if err := <-errChan; err != nil {
		slogctx.Error(ctx, "Shutting down server", "error", err)
	}
	cancel()

	wg.Wait()

	return nil
}

// apiMain starts the HTTP REST public API server. The housekeeping sweep
// runs alongside it so the in-process backend reclaims idle sessions even
// when no separate housekeeper job is deployed.
func apiMain(ctx context.Context, cfg *config.Config) error {
	manager, registry, closeFn, err := initManager(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialising the token manager: %w", err)
	}

	defer closeFn()

	go runSweepLoop(ctx, cfg, registry)

	return server.StartHTTPServer(ctx, cfg, manager)
}

// initManager assembles the token manager from configuration: platform
// registry, storage backend, crypto envelope, refresh coordinator and
// handle codec.
func initManager(ctx context.Context, cfg *config.Config) (_ *session.Manager, _ *session.Registry, closeFn func(), _ error) {
	platforms, err := platform.LoadRegistry(cfg.Platforms.File)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading platform registry: %w", err)
	}

	backend, err := initBackend(ctx, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initialising storage backend: %w", err)
	}

	envelope, err := initEnvelope(ctx, cfg)
	if err != nil {
		backend.Close()
		return nil, nil, nil, err
	}

	registry := session.NewRegistry(backend, envelope,
		cfg.TokenManager.SessionTTL, cfg.TokenManager.PendingAuthTTL)

	client := oauthclient.New(nil,
		cfg.TokenManager.ExchangeTimeout, cfg.TokenManager.RevokeTimeout)

	refresher := session.NewCoordinator(registry, backend, client,
		cfg.TokenManager.RefreshSkew,
		cfg.TokenManager.RefreshLockTTL,
		cfg.TokenManager.RefreshWaitTimeout)

	handles, err := initHandleCodec(ctx, cfg, envelope)
	if err != nil {
		backend.Close()
		return nil, nil, nil, err
	}

	auditLogger, err := otlpaudit.NewLogger(&cfg.Audit)
	if err != nil {
		backend.Close()
		return nil, nil, nil, fmt.Errorf("creating audit logger: %w", err)
	}

	manager, err := session.NewManager(&cfg.TokenManager,
		platforms, registry, refresher, client, handles, auditLogger)
	if err != nil {
		backend.Close()
		return nil, nil, nil, fmt.Errorf("creating token manager: %w", err)
	}

	return manager, registry, backend.Close, nil
}

// initBackend selects the storage backend. A configured ValKey host gets the
// shared remote backend; otherwise tokens stay in process memory and do not
// survive restarts.
func initBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	if cfg.Storage.ValKey.Host.Source == "" {
		slogctx.Info(ctx, "Using in-process token storage")

		return memory.New(), nil
	}

	valkeyHost, err := commoncfg.LoadValueFromSourceRef(cfg.Storage.ValKey.Host)
	if err != nil {
		return nil, fmt.Errorf("loading valkey host: %w", err)
	}

	valkeyUsername, err := commoncfg.LoadValueFromSourceRef(cfg.Storage.ValKey.User)
	if err != nil {
		return nil, fmt.Errorf("loading valkey username: %w", err)
	}

	valkeyPassword, err := commoncfg.LoadValueFromSourceRef(cfg.Storage.ValKey.Password)
	if err != nil {
		return nil, fmt.Errorf("loading valkey password: %w", err)
	}

	valkeyOpts := valkey.ClientOption{
		InitAddress: []string{string(valkeyHost)},
		Username:    string(valkeyUsername),
		Password:    string(valkeyPassword),
	}

	if cfg.Storage.ValKey.SecretRef.Type == commoncfg.MTLSSecretType {
		tlsConfig, err := commoncfg.LoadMTLSConfig(&cfg.Storage.ValKey.SecretRef.MTLS)
		if err != nil {
			return nil, fmt.Errorf("loading valkey mTLS config from secret ref: %w", err)
		}

		valkeyOpts.TLSConfig = tlsConfig
	} else if !cfg.Storage.AllowInsecureTransport {
		// Token material must not cross the network in the clear.
		return nil, errors.New("refusing ValKey connection without TLS; set storage.allowInsecureTransport to override")
	}

	valkeyClient, err := valkey.NewClient(valkeyOpts)
	if err != nil {
		return nil, fmt.Errorf("creating a new valkey client: %w", err)
	}

	return valkeystore.New(valkeyClient, cfg.Storage.ValKey.Prefix), nil
}

func initEnvelope(ctx context.Context, cfg *config.Config) (*cryptoenv.Envelope, error) {
	if cfg.Storage.MasterKey.Source == "" {
		slogctx.Warn(ctx, "No master key configured, token records are stored unencrypted")

		return cryptoenv.New(nil, 0), nil
	}

	masterKey, err := commoncfg.LoadValueFromSourceRef(cfg.Storage.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("loading master key: %w", err)
	}

	return cryptoenv.New([]byte(masterKey), cfg.Storage.PBKDF2Iterations), nil
}

// initHandleCodec derives the handle signing key from the master key so
// handles stay verifiable across instances and restarts. Without a master
// key a random per-process key is used and handles die with the process.
func initHandleCodec(ctx context.Context, cfg *config.Config, envelope *cryptoenv.Envelope) (*session.HandleCodec, error) {
	var key []byte
	if envelope.Enabled() {
		derived, err := envelope.SigningKey("token-handle")
		if err != nil {
			return nil, fmt.Errorf("deriving handle signing key: %w", err)
		}
		key = derived
	} else {
		slogctx.Warn(ctx, "No master key configured, token handles will not survive a restart")
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating handle signing key: %w", err)
		}
	}

	return session.NewHandleCodec(key, cfg.TokenManager.HandleLifetime)
}
