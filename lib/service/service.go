/*
Copyright 2025 Kiwi Platform Contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package service boots the platform and supervises it: it brings the
// subsystems up in dependency order, reconciles persisted services
// with running containers, and runs the HTTPS listener alongside the
// background worker.
package service

import (
	"context"
	"log/slog"

	"github.com/gravitational/trace"

	"github.com/kiwilabs/kiwi/lib/acmecert"
	"github.com/kiwilabs/kiwi/lib/container"
	"github.com/kiwilabs/kiwi/lib/defaults"
	"github.com/kiwilabs/kiwi/lib/dynamicdns"
	"github.com/kiwilabs/kiwi/lib/kiwicrypto"
	"github.com/kiwilabs/kiwi/lib/oidc"
	"github.com/kiwilabs/kiwi/lib/secrets"
	"github.com/kiwilabs/kiwi/lib/sessioncache"
	"github.com/kiwilabs/kiwi/lib/state"
	"github.com/kiwilabs/kiwi/lib/utils"
	"github.com/kiwilabs/kiwi/lib/web"
)

// Process owns every subsystem of a running kiwi instance.
type Process struct {
	cfg Config
	log *slog.Logger

	engine   *container.Engine
	database *state.Database
	cache    *sessioncache.Client
	secrets  *secrets.Store
	acme     *acmecert.Manager
	handler  *web.Handler
}

// NewProcess boots the platform. The dependency order is strict:
// secrets, container engine reset, database and cache containers,
// database and cache clients, migrations, ACME, optional dynamic DNS,
// persisted service reconciliation, bootstrap invitation. The caller
// binds the listener afterwards with Run.
func NewProcess(ctx context.Context, cfg Config) (*Process, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	log := cfg.Log

	store, err := secrets.Load(cfg.ConfigDir)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	engine, err := container.NewEngine(ctx, log)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := engine.StartContainer(ctx, container.PostgresConfig(
		store.DBAdminUsername(), store.DBAdminPassword())); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := engine.StartContainer(ctx, container.RedisConfig(
		store.RedisAdminPassword())); err != nil {
		return nil, trace.Wrap(err)
	}

	database, err := state.Connect(ctx, defaults.DatabaseAddr,
		store.DBAdminUsername(), store.DBAdminPassword(), log)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cache, err := sessioncache.New(ctx, defaults.CacheAddr, store.RedisAdminPassword(), log)
	if err != nil {
		database.Close()
		return nil, trace.Wrap(err)
	}

	p := &Process{
		cfg:      cfg,
		log:      log,
		engine:   engine,
		database: database,
		cache:    cache,
		secrets:  store,
	}
	if err := p.initRemaining(ctx); err != nil {
		p.Close()
		return nil, trace.Wrap(err)
	}
	return p, nil
}

func (p *Process) initRemaining(ctx context.Context) error {
	if err := p.database.ApplySchema(ctx); err != nil {
		return trace.Wrap(err)
	}

	crypto, err := kiwicrypto.NewManager(p.secrets.CryptoPepper())
	if err != nil {
		return trace.Wrap(err)
	}

	directoryURL, err := p.cfg.acmeDirectoryURL()
	if err != nil {
		return trace.Wrap(err)
	}
	p.acme = acmecert.NewManager(p.cfg.ConfigDir, directoryURL, p.secrets, p.log)
	if !p.acme.HasCertificate() {
		// A placeholder so the HTTPS listener can bind before the
		// operator provisions a real certificate.
		cert, err := utils.GenerateSelfSignedCert("localhost")
		if err != nil {
			return trace.Wrap(err)
		}
		if err := p.acme.SaveCertificatePEM(cert.CertPEM, cert.KeyPEM); err != nil {
			return trace.Wrap(err)
		}
		p.log.InfoContext(ctx, "no tls certificate found, generated a self-signed placeholder")
	}

	// CI deploys stay disabled when the signing keys cannot be fetched.
	validator, err := oidc.NewValidator(ctx, defaults.CIOIDCJWKSEndpoint, p.log)
	if err != nil {
		p.log.WarnContext(ctx, "ci signing keys unavailable, ci deploys disabled", "error", err)
		validator = nil
	}

	p.handler, err = web.NewHandler(web.Config{
		Engine:          p.engine,
		Database:        p.database,
		Cache:           p.cache,
		Crypto:          crypto,
		Secrets:         p.secrets,
		ACME:            p.acme,
		CIValidator:     validator,
		StaticFilesPath: p.cfg.StaticFilesPath,
		DevFrontendPort: p.cfg.DevFrontendPort,
		Log:             p.log,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	if ddnsCfg := p.secrets.DynamicDNSConfig(); ddnsCfg != nil {
		manager, err := dynamicdns.NewManager(ctx, *ddnsCfg, p.log)
		if err != nil {
			p.log.WarnContext(ctx, "dynamic dns init failed, refreshes disabled until re-enabled",
				"error", err)
		} else {
			p.handler.SetDynamicDNS(manager)
		}
	}

	if err := p.restartPersistedServices(ctx); err != nil {
		return trace.Wrap(err)
	}

	invitation, err := p.database.GetOrCreateAdminInvitationIfNoAdmin(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	if invitation != nil {
		p.log.InfoContext(ctx, "no admin user exists yet, redeem the invitation to create one",
			"invitation_id", invitation.ID.String())
	}
	return nil
}

// restartPersistedServices reconciles the state database with the
// container engine after the boot-time reset: every persisted service
// gets its container started and its virtual network attached. A
// single broken service does not block boot.
func (p *Process) restartPersistedServices(ctx context.Context) error {
	records, err := p.database.GetServices(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, record := range records {
		cfg := record.Config
		cfg.InternalSecrets = container.ServiceInternalSecrets(
			record.Credentials.PostgresUsername, record.Credentials.PostgresPassword,
			record.Credentials.RedisUsername, record.Credentials.RedisPassword)
		if err := p.engine.StartContainer(ctx, cfg); err != nil {
			p.log.ErrorContext(ctx, "persisted service failed to start",
				"service", cfg.Name, "error", err)
			continue
		}
		if err := p.engine.CreateAndAttachNetwork(ctx, cfg); err != nil {
			p.log.ErrorContext(ctx, "persisted service network attach failed",
				"service", cfg.Name, "error", err)
			continue
		}
		p.log.InfoContext(ctx, "persisted service restarted", "service", cfg.Name)
	}
	return nil
}

// Handler exposes the HTTP surface, for tests.
func (p *Process) Handler() *web.Handler {
	return p.handler
}

// Close releases the database and cache connections. Containers keep
// running; the next boot reconciles them.
func (p *Process) Close() {
	if p.cache != nil {
		if err := p.cache.Close(); err != nil {
			p.log.Warn("cache close failed", "error", err)
		}
	}
	if p.database != nil {
		p.database.Close()
	}
}
