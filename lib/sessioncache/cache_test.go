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

package sessioncache

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/kiwilabs/kiwi/lib/defaults"
	"github.com/kiwilabs/kiwi/lib/types"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewFromRedis(rdb, slog.New(slog.DiscardHandler)), mr
}

func TestStoreAndGetActiveTokens(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)

	err := client.StoreActiveAuthTokens(ctx, "acc1", "ref1", 42, "sealkey", types.RoleAdmin)
	require.NoError(t, err)

	access, err := client.GetAccessToken(ctx, "acc1")
	require.NoError(t, err)
	require.Equal(t, &AccessToken{UserID: 42, SealingKey: "sealkey", Role: types.RoleAdmin}, access)

	refresh, err := client.GetRefreshToken(ctx, "ref1")
	require.NoError(t, err)
	require.NotNil(t, refresh.Active)
	require.Nil(t, refresh.Refreshed)
	require.Equal(t, int64(42), refresh.Active.UserID)

	require.Equal(t, defaults.AccessTokenTTL, mr.TTL(accessTokenKey("acc1")))
	require.Equal(t, defaults.RefreshTokenTTL, mr.TTL(refreshTokenKey("ref1")))
}

func TestUnknownTokensAreNotFound(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)

	_, err := client.GetAccessToken(ctx, "missing")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	_, err = client.GetRefreshToken(ctx, "missing")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}

func TestAccessTokenExpires(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)

	require.NoError(t, client.StoreActiveAuthTokens(ctx, "acc1", "ref1", 1, "sk", types.RoleCustomer))

	mr.FastForward(defaults.AccessTokenTTL + time.Second)

	_, err := client.GetAccessToken(ctx, "acc1")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	// The refresh token outlives the access token.
	_, err = client.GetRefreshToken(ctx, "ref1")
	require.NoError(t, err)
}

func TestStoreRefreshedAuthTokens(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)

	require.NoError(t, client.StoreActiveAuthTokens(ctx, "accOld", "refOld", 7, "sk", types.RoleCustomer))
	require.NoError(t, client.StoreRefreshedAuthTokens(ctx, "refOld", "accNew", "refNew", 7, "sk", types.RoleCustomer))

	// The consumed token now points at its successors, on the grace TTL.
	old, err := client.GetRefreshToken(ctx, "refOld")
	require.NoError(t, err)
	require.Nil(t, old.Active)
	require.Equal(t, &RefreshedTokenPair{AccessToken: "accNew", RefreshToken: "refNew"}, old.Refreshed)
	require.Equal(t, defaults.RefreshGraceTTL, mr.TTL(refreshTokenKey("refOld")))

	// The successors are live.
	access, err := client.GetAccessToken(ctx, "accNew")
	require.NoError(t, err)
	require.Equal(t, int64(7), access.UserID)

	fresh, err := client.GetRefreshToken(ctx, "refNew")
	require.NoError(t, err)
	require.NotNil(t, fresh.Active)

	// After the grace window the consumed token is gone for good.
	mr.FastForward(defaults.RefreshGraceTTL + time.Second)
	_, err = client.GetRefreshToken(ctx, "refOld")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}

func TestEraseRefreshToken(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)

	require.NoError(t, client.StoreActiveAuthTokens(ctx, "acc1", "ref1", 1, "sk", types.RoleAdmin))
	require.NoError(t, client.EraseRefreshToken(ctx, "ref1"))

	_, err := client.GetRefreshToken(ctx, "ref1")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	// Erasing an unknown token is not an error.
	require.NoError(t, client.EraseRefreshToken(ctx, "ref1"))
}

func TestServicePortMemoization(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)

	_, err := client.GetServicePort(ctx, "blog")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	require.NoError(t, client.StoreServicePort(ctx, "blog", 8081))

	port, err := client.GetServicePort(ctx, "blog")
	require.NoError(t, err)
	require.Equal(t, 8081, port)

	// Memoized ports never expire on their own.
	require.Equal(t, time.Duration(0), mr.TTL(servicePortKey("blog")))

	require.NoError(t, client.PurgeServicePort(ctx, "blog"))
	_, err = client.GetServicePort(ctx, "blog")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}

func TestServiceAuthMemoization(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)

	_, err := client.GetServiceAuth(ctx, "blog")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	// Public service caches as the empty role.
	require.NoError(t, client.StoreServiceAuth(ctx, "blog", ""))
	role, err := client.GetServiceAuth(ctx, "blog")
	require.NoError(t, err)
	require.Empty(t, role)

	require.NoError(t, client.StoreServiceAuth(ctx, "blog", types.RoleCustomer))
	role, err = client.GetServiceAuth(ctx, "blog")
	require.NoError(t, err)
	require.Equal(t, types.RoleCustomer, role)

	require.NoError(t, client.PurgeServiceAuth(ctx, "blog"))
	_, err = client.GetServiceAuth(ctx, "blog")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}

func TestLastCertOrder(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)

	_, err := client.GetLastCertOrder(ctx)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	require.NoError(t, client.SetLastCertOrder(ctx, "https://acme.example.com/order/1"))

	url, err := client.GetLastCertOrder(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://acme.example.com/order/1", url)

	require.NoError(t, client.PurgeLastCertOrder(ctx))
	_, err = client.GetLastCertOrder(ctx)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}
