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

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/kiwilabs/kiwi/lib/acmecert"
	"github.com/kiwilabs/kiwi/lib/container"
	"github.com/kiwilabs/kiwi/lib/defaults"
	"github.com/kiwilabs/kiwi/lib/kiwicrypto"
	"github.com/kiwilabs/kiwi/lib/secrets"
	"github.com/kiwilabs/kiwi/lib/sessioncache"
	"github.com/kiwilabs/kiwi/lib/state"
	"github.com/kiwilabs/kiwi/lib/types"
)

// fakeEngine records container lifecycle calls.
type fakeEngine struct {
	mu             sync.Mutex
	started        []string
	stopped        []string
	volumesRemoved []string
	pruned         int
}

func (e *fakeEngine) StartContainer(ctx context.Context, cfg container.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = append(e.started, cfg.Name)
	return nil
}

func (e *fakeEngine) CreateAndAttachNetwork(ctx context.Context, cfg container.Config) error {
	return nil
}

func (e *fakeEngine) StopAndRemoveContainer(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = append(e.stopped, name)
	return nil
}

func (e *fakeEngine) RemoveVolumes(ctx context.Context, cfg container.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.volumesRemoved = append(e.volumesRemoved, cfg.Name)
	return nil
}

func (e *fakeEngine) PruneUnusedImages(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruned++
	return nil
}

func (e *fakeEngine) GetContainerStatus(ctx context.Context, name string) (string, error) {
	return "running", nil
}

func (e *fakeEngine) GetContainerLogs(ctx context.Context, name string, from, to time.Time) ([]container.LogEntry, error) {
	return nil, nil
}

// fakeDatabase is an in-memory Database.
type fakeDatabase struct {
	mu       sync.Mutex
	users    map[int64]*types.User
	services map[string]*state.ServiceRecord
}

func newFakeDatabase() *fakeDatabase {
	return &fakeDatabase{
		users:    map[int64]*types.User{},
		services: map[string]*state.ServiceRecord{},
	}
}

func (d *fakeDatabase) GetUser(ctx context.Context, username string) (*types.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, user := range d.users {
		if user.Username == username {
			copied := *user
			return &copied, nil
		}
	}
	return nil, trace.NotFound("user %q not found", username)
}

func (d *fakeDatabase) GetUserByID(ctx context.Context, id int64) (*types.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	user, ok := d.users[id]
	if !ok {
		return nil, trace.NotFound("user %v not found", id)
	}
	copied := *user
	return &copied, nil
}

func (d *fakeDatabase) GetUsers(ctx context.Context) ([]types.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.User, 0, len(d.users))
	for _, user := range d.users {
		out = append(out, *user)
	}
	return out, nil
}

func (d *fakeDatabase) DeleteUser(ctx context.Context, id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[id]; !ok {
		return trace.NotFound("user %v not found", id)
	}
	delete(d.users, id)
	return nil
}

func (d *fakeDatabase) CreateUserInvitation(ctx context.Context, role types.Role) (*types.UserInvitation, error) {
	return &types.UserInvitation{ID: uuid.New(), Role: role}, nil
}

func (d *fakeDatabase) GetUserInvitations(ctx context.Context) ([]types.UserInvitation, error) {
	return nil, nil
}

func (d *fakeDatabase) DeleteUserInvitation(ctx context.Context, id uuid.UUID) error {
	return trace.NotFound("invitation %v not found", id)
}

func (d *fakeDatabase) CreateUserFromInvitation(ctx context.Context, invitationID uuid.UUID, username, passwordHash string) (*types.User, error) {
	return nil, trace.NotFound("invitation %v not found", invitationID)
}

func (d *fakeDatabase) CreateService(ctx context.Context, cfg container.Config, creds state.ServiceCredentials) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.services[cfg.Name]; ok {
		return trace.AlreadyExists("service %q already exists", cfg.Name)
	}
	now := time.Now()
	d.services[cfg.Name] = &state.ServiceRecord{
		Config:         cfg,
		Credentials:    creds,
		CreatedAt:      now,
		LastModifiedAt: now,
		LastDeployedAt: now,
	}
	return nil
}

func (d *fakeDatabase) UpdateService(ctx context.Context, cfg container.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	record, ok := d.services[cfg.Name]
	if !ok {
		return trace.NotFound("service %q not found", cfg.Name)
	}
	record.Config = cfg
	record.LastModifiedAt = time.Now()
	record.LastDeployedAt = time.Now()
	return nil
}

func (d *fakeDatabase) DeleteService(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.services[name]; !ok {
		return trace.NotFound("service %q not found", name)
	}
	delete(d.services, name)
	return nil
}

func (d *fakeDatabase) GetService(ctx context.Context, name string) (*state.ServiceRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	record, ok := d.services[name]
	if !ok {
		return nil, trace.NotFound("service %q not found", name)
	}
	copied := *record
	return &copied, nil
}

func (d *fakeDatabase) GetServices(ctx context.Context) ([]state.ServiceRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]state.ServiceRecord, 0, len(d.services))
	for _, record := range d.services {
		out = append(out, *record)
	}
	return out, nil
}

func (d *fakeDatabase) GetServicePort(ctx context.Context, name string) (int, error) {
	record, err := d.GetService(ctx, name)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return record.Config.ExposedPort.External, nil
}

// trackingCache is the real cache with the ACL user commands replaced
// by an in-memory set, since the cache fake behind the tests does not
// speak ACL.
type trackingCache struct {
	*sessioncache.Client
	mu    sync.Mutex
	users map[string]bool
}

func (c *trackingCache) CreateUser(ctx context.Context, username, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[username] = true
	return nil
}

func (c *trackingCache) DeleteUser(ctx context.Context, username string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.users, username)
	return nil
}

// newAdminTestHandler wires a handler over fakes and mints an admin
// session so requests pass the authentication middleware.
func newAdminTestHandler(t *testing.T) (*Handler, *trackingCache, *fakeDatabase, *fakeEngine) {
	t.Helper()
	log := slog.New(slog.DiscardHandler)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	cache := &trackingCache{
		Client: sessioncache.NewFromRedis(rdb, log),
		users:  map[string]bool{},
	}

	db := newFakeDatabase()
	db.users[1] = &types.User{ID: 1, Username: "adminuser", Role: types.RoleAdmin}
	engine := &fakeEngine{}

	dir := t.TempDir()
	store, err := secrets.Load(dir)
	require.NoError(t, err)
	crypto, err := kiwicrypto.NewManager(store.CryptoPepper())
	require.NoError(t, err)

	h, err := NewHandler(Config{
		Engine:   engine,
		Database: db,
		Cache:    cache,
		Crypto:   crypto,
		Secrets:  store,
		ACME:     acmecert.NewManager(dir, defaults.LetsEncryptStagingDirectory, store, log),
		Log:      log,
	})
	require.NoError(t, err)

	err = cache.StoreActiveAuthTokens(context.Background(),
		"admintok", "adminref", 1, "sk", types.RoleAdmin)
	require.NoError(t, err)
	return h, cache, db, engine
}

func adminRequest(t *testing.T, method, path string, body interface{}) *http.Request {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, "http://localhost:5000"+path, reader)
	req.AddCookie(&http.Cookie{Name: defaults.AccessTokenCookie, Value: "admintok"})
	return req
}

func blogConfig() container.Config {
	return container.Config{
		Name:      "blog",
		ImageName: "nginx",
		ImageSHA:  types.ImageSHA(strings.Repeat("ab", 32)),
		ExposedPort: container.ExposedPort{
			Internal: 80,
			External: 8081,
		},
		RequiredRole: types.RoleCustomer,
	}
}

func seedBlogService(t *testing.T, cache *trackingCache, db *fakeDatabase) {
	t.Helper()
	ctx := context.Background()
	creds, err := state.GenerateServiceCredentials()
	require.NoError(t, err)
	require.NoError(t, db.CreateService(ctx, blogConfig(), *creds))
	cache.users[creds.RedisUsername] = true
	require.NoError(t, cache.StoreServicePort(ctx, "blog", 8081))
	require.NoError(t, cache.StoreServiceAuth(ctx, "blog", types.RoleCustomer))
}

func TestUpdateServicePurgesCachedLookups(t *testing.T) {
	h, cache, db, engine := newAdminTestHandler(t)
	ctx := context.Background()
	seedBlogService(t, cache, db)

	// The role changes; the no-TTL memoizations must not outlive it.
	updated := blogConfig()
	updated.RequiredRole = ""
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(t, http.MethodPut, "/admin/api/services/blog", updated))

	require.Equal(t, http.StatusOK, rec.Code)

	_, err := cache.GetServicePort(ctx, "blog")
	require.True(t, trace.IsNotFound(err), "cached port survived the update: %v", err)
	_, err = cache.GetServiceAuth(ctx, "blog")
	require.True(t, trace.IsNotFound(err), "cached auth survived the update: %v", err)

	record, err := db.GetService(ctx, "blog")
	require.NoError(t, err)
	require.Equal(t, types.Role(""), record.Config.RequiredRole)
	require.Contains(t, engine.stopped, "blog")
	require.Contains(t, engine.started, "blog")
}

func TestDeleteServicePurgesCachedLookups(t *testing.T) {
	h, cache, db, engine := newAdminTestHandler(t)
	ctx := context.Background()
	seedBlogService(t, cache, db)
	record, err := db.GetService(ctx, "blog")
	require.NoError(t, err)
	redisUsername := record.Credentials.RedisUsername

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(t, http.MethodDelete, "/admin/api/services/blog", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	_, err = cache.GetServicePort(ctx, "blog")
	require.True(t, trace.IsNotFound(err), "cached port survived the delete: %v", err)
	_, err = cache.GetServiceAuth(ctx, "blog")
	require.True(t, trace.IsNotFound(err), "cached auth survived the delete: %v", err)

	_, err = db.GetService(ctx, "blog")
	require.True(t, trace.IsNotFound(err))
	require.NotContains(t, cache.users, redisUsername)
	require.Contains(t, engine.stopped, "blog")
	require.Contains(t, engine.volumesRemoved, "blog")
}

func TestUpdateServiceImmutableFields(t *testing.T) {
	h, cache, db, _ := newAdminTestHandler(t)
	ctx := context.Background()
	seedBlogService(t, cache, db)

	renamed := blogConfig()
	renamed.Name = "blog2"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(t, http.MethodPut, "/admin/api/services/blog", renamed))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rebound := blogConfig()
	rebound.ExposedPort.External = 9000
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, adminRequest(t, http.MethodPut, "/admin/api/services/blog", rebound))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Rejected updates leave everything untouched.
	record, err := db.GetService(ctx, "blog")
	require.NoError(t, err)
	require.Equal(t, types.RoleCustomer, record.Config.RequiredRole)
	require.Equal(t, 8081, record.Config.ExposedPort.External)
	port, err := cache.GetServicePort(ctx, "blog")
	require.NoError(t, err)
	require.Equal(t, 8081, port)
}
