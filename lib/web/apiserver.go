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

// Package web is the HTTP surface of the platform: the auth and admin
// APIs, the CI deploy endpoint, and the subdomain reverse proxy that
// fronts every deployed service.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/kiwilabs/kiwi/lib/acmecert"
	"github.com/kiwilabs/kiwi/lib/container"
	"github.com/kiwilabs/kiwi/lib/defaults"
	"github.com/kiwilabs/kiwi/lib/dynamicdns"
	"github.com/kiwilabs/kiwi/lib/httplib"
	"github.com/kiwilabs/kiwi/lib/kiwicrypto"
	"github.com/kiwilabs/kiwi/lib/oidc"
	"github.com/kiwilabs/kiwi/lib/secrets"
	"github.com/kiwilabs/kiwi/lib/sessioncache"
	"github.com/kiwilabs/kiwi/lib/state"
	"github.com/kiwilabs/kiwi/lib/types"
)

// Engine is the container daemon surface the handler drives. Satisfied
// by *container.Engine.
type Engine interface {
	StartContainer(ctx context.Context, cfg container.Config) error
	CreateAndAttachNetwork(ctx context.Context, cfg container.Config) error
	StopAndRemoveContainer(ctx context.Context, name string) error
	RemoveVolumes(ctx context.Context, cfg container.Config) error
	PruneUnusedImages(ctx context.Context) error
	GetContainerStatus(ctx context.Context, name string) (string, error)
	GetContainerLogs(ctx context.Context, name string, from, to time.Time) ([]container.LogEntry, error)
}

// Database is the durable state surface the handler reads and writes.
// Satisfied by *state.Database.
type Database interface {
	GetUser(ctx context.Context, username string) (*types.User, error)
	GetUserByID(ctx context.Context, id int64) (*types.User, error)
	GetUsers(ctx context.Context) ([]types.User, error)
	DeleteUser(ctx context.Context, id int64) error
	CreateUserInvitation(ctx context.Context, role types.Role) (*types.UserInvitation, error)
	GetUserInvitations(ctx context.Context) ([]types.UserInvitation, error)
	DeleteUserInvitation(ctx context.Context, id uuid.UUID) error
	CreateUserFromInvitation(ctx context.Context, invitationID uuid.UUID, username, passwordHash string) (*types.User, error)
	CreateService(ctx context.Context, cfg container.Config, creds state.ServiceCredentials) error
	UpdateService(ctx context.Context, cfg container.Config) error
	DeleteService(ctx context.Context, name string) error
	GetService(ctx context.Context, name string) (*state.ServiceRecord, error)
	GetServices(ctx context.Context) ([]state.ServiceRecord, error)
	GetServicePort(ctx context.Context, name string) (int, error)
}

// Cache is the session cache surface the handler uses: opaque tokens,
// memoized service lookups, the pending certificate order, and the
// per-service cache users. Satisfied by *sessioncache.Client.
type Cache interface {
	StoreActiveAuthTokens(ctx context.Context, accessToken, refreshToken string, userID int64, sealingKey string, role types.Role) error
	StoreRefreshedAuthTokens(ctx context.Context, oldRefreshToken, accessToken, refreshToken string, userID int64, sealingKey string, role types.Role) error
	GetAccessToken(ctx context.Context, token string) (*sessioncache.AccessToken, error)
	GetRefreshToken(ctx context.Context, token string) (*sessioncache.RefreshToken, error)
	EraseRefreshToken(ctx context.Context, token string) error
	StoreServicePort(ctx context.Context, service string, port int) error
	GetServicePort(ctx context.Context, service string) (int, error)
	PurgeServicePort(ctx context.Context, service string) error
	StoreServiceAuth(ctx context.Context, service string, role types.Role) error
	GetServiceAuth(ctx context.Context, service string) (types.Role, error)
	PurgeServiceAuth(ctx context.Context, service string) error
	SetLastCertOrder(ctx context.Context, orderURL string) error
	GetLastCertOrder(ctx context.Context) (string, error)
	PurgeLastCertOrder(ctx context.Context) error
	CreateUser(ctx context.Context, username, password string) error
	DeleteUser(ctx context.Context, username string) error
}

// Config carries the subsystems the handler routes between.
type Config struct {
	Engine      Engine
	Database    Database
	Cache       Cache
	Crypto      *kiwicrypto.Manager
	Secrets     *secrets.Store
	ACME        *acmecert.Manager
	CIValidator *oidc.Validator

	// StaticFilesPath serves the built frontend when set; otherwise root
	// requests proxy to the local dev frontend server.
	StaticFilesPath string
	// DevFrontendPort is the local dev frontend server port.
	DevFrontendPort int

	Log *slog.Logger
}

// CheckAndSetDefaults validates the handler configuration.
func (c *Config) CheckAndSetDefaults() error {
	switch {
	case c.Engine == nil:
		return trace.BadParameter("missing container engine")
	case c.Database == nil:
		return trace.BadParameter("missing state database")
	case c.Cache == nil:
		return trace.BadParameter("missing session cache")
	case c.Crypto == nil:
		return trace.BadParameter("missing crypto manager")
	case c.Secrets == nil:
		return trace.BadParameter("missing secrets store")
	case c.ACME == nil:
		return trace.BadParameter("missing acme manager")
	}
	if c.DevFrontendPort == 0 {
		c.DevFrontendPort = defaults.DevFrontendPort
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// Handler is the root HTTP handler. Requests pass the subdomain
// rewrite, then the authentication middleware, then route dispatch;
// anything no route claims falls through to the service proxy or the
// frontend.
type Handler struct {
	Config
	router *httprouter.Router
	chain  http.Handler
	log    *slog.Logger

	// ddns is swapped at runtime by the enable/disable endpoints.
	ddnsMu sync.Mutex
	ddns   *dynamicdns.Manager
}

// NewHandler builds the route table.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		Config: cfg,
		router: httprouter.New(),
		log:    cfg.Log.With("component", "web"),
	}

	// Session endpoints, reached through the auth subdomain.
	h.router.POST("/auth/api/login", httplib.MakeHandler(h.login))
	h.router.POST("/auth/api/create-user", httplib.MakeHandler(h.createUser))
	h.router.POST("/auth/api/logout", httplib.MakeHandler(h.logout))
	h.router.GET("/auth/api/refresh-credentials", h.refreshCredentials)
	h.router.GET("/auth/api/sealing-key", httplib.MakeHandler(h.sealingKey))

	// Admin API. The authentication middleware already enforced the
	// Admin role on everything under /admin.
	h.router.GET("/admin/api/services", httplib.MakeHandler(h.listServices))
	h.router.POST("/admin/api/services", httplib.MakeHandler(h.createService))
	h.router.GET("/admin/api/services/:name", httplib.MakeHandler(h.getService))
	h.router.PUT("/admin/api/services/:name", httplib.MakeHandler(h.updateService))
	h.router.DELETE("/admin/api/services/:name", httplib.MakeHandler(h.deleteService))
	h.router.GET("/admin/api/services/:name/status", httplib.MakeHandler(h.serviceStatus))
	h.router.GET("/admin/api/services/:name/logs", httplib.MakeHandler(h.serviceLogs))

	h.router.GET("/admin/api/users", httplib.MakeHandler(h.listUsers))
	h.router.DELETE("/admin/api/users/:id", httplib.MakeHandler(h.deleteUser))
	h.router.GET("/admin/api/user-invitations", httplib.MakeHandler(h.listUserInvitations))
	h.router.POST("/admin/api/user-invitations", httplib.MakeHandler(h.createUserInvitation))
	h.router.DELETE("/admin/api/user-invitations/:id", httplib.MakeHandler(h.deleteUserInvitation))
	h.router.GET("/admin/api/whoami", httplib.MakeHandler(h.whoami))

	h.router.POST("/admin/api/certificate/order", httplib.MakeHandler(h.orderCertificate))
	h.router.GET("/admin/api/certificate/pending", httplib.MakeHandler(h.pendingCertificateOrder))
	h.router.POST("/admin/api/certificate/finalize", httplib.MakeHandler(h.finalizeCertificate))
	h.router.GET("/admin/api/certificate", httplib.MakeHandler(h.certificateInfo))

	h.router.GET("/admin/api/dynamic-dns", httplib.MakeHandler(h.getDynamicDNS))
	h.router.POST("/admin/api/dynamic-dns", httplib.MakeHandler(h.enableDynamicDNS))
	h.router.DELETE("/admin/api/dynamic-dns", httplib.MakeHandler(h.disableDynamicDNS))

	// CI deploys authenticate with their own token, not a session.
	h.router.POST("/ci/api/deploy/:name", httplib.MakeHandler(h.ciDeploy))

	h.router.GET("/status", httplib.MakeHandler(h.status))

	// Everything unrouted is either proxied service traffic or the
	// frontend.
	h.router.NotFound = http.HandlerFunc(h.notFound)

	h.chain = subdomainRewrite(h.authMiddleware(h.router))
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.chain.ServeHTTP(w, r)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	return map[string]string{"status": "ok"}, nil
}
