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

// Package sessioncache stores the short-lived, hot state of the platform
// in the cache container: opaque session tokens, memoized service ports
// and required roles, and the pending certificate order. Multi-key
// writes use the cache's transactions so the refresh state machine
// observes them atomically.
package sessioncache

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"

	"github.com/kiwilabs/kiwi/lib/defaults"
	"github.com/kiwilabs/kiwi/lib/types"
)

// Client wraps the cache connection pool. It is safe for concurrent use.
type Client struct {
	rdb *redis.Client
	log *slog.Logger
}

// New connects to the cache container and verifies the connection.
func New(ctx context.Context, addr, adminPassword string, log *slog.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    adminPassword,
		DialTimeout: defaults.CacheDialTimeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, trace.Wrap(err, "cache is not reachable at %v", addr)
	}
	log.InfoContext(ctx, "session cache connected", "addr", addr)
	return NewFromRedis(rdb, log), nil
}

// NewFromRedis wraps an existing connection. Used by tests.
func NewFromRedis(rdb *redis.Client, log *slog.Logger) *Client {
	return &Client{rdb: rdb, log: log.With("component", "sessioncache")}
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return trace.Wrap(c.rdb.Close())
}

// StoreActiveAuthTokens writes a fresh access/refresh pair for a newly
// minted session. Both items land atomically.
func (c *Client) StoreActiveAuthTokens(ctx context.Context, accessToken, refreshToken string, userID int64, sealingKey string, role types.Role) error {
	refreshValue, err := RefreshToken{Active: &ActiveRefreshToken{
		UserID:     userID,
		SealingKey: sealingKey,
		Role:       role,
	}}.encode()
	if err != nil {
		return trace.Wrap(err)
	}
	accessValue := AccessToken{UserID: userID, SealingKey: sealingKey, Role: role}.encode()

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, accessTokenKey(accessToken), accessValue, defaults.AccessTokenTTL)
		pipe.Set(ctx, refreshTokenKey(refreshToken), refreshValue, defaults.RefreshTokenTTL)
		return nil
	})
	return trace.Wrap(err)
}

// StoreRefreshedAuthTokens atomically marks the old refresh token as
// refreshed (pointing at the new pair, with the short grace TTL) and
// writes the two new active items. All three writes land or none do.
func (c *Client) StoreRefreshedAuthTokens(ctx context.Context, oldRefreshToken, accessToken, refreshToken string, userID int64, sealingKey string, role types.Role) error {
	refreshedValue, err := RefreshToken{Refreshed: &RefreshedTokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}}.encode()
	if err != nil {
		return trace.Wrap(err)
	}
	activeValue, err := RefreshToken{Active: &ActiveRefreshToken{
		UserID:     userID,
		SealingKey: sealingKey,
		Role:       role,
	}}.encode()
	if err != nil {
		return trace.Wrap(err)
	}
	accessValue := AccessToken{UserID: userID, SealingKey: sealingKey, Role: role}.encode()

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, refreshTokenKey(oldRefreshToken), refreshedValue, defaults.RefreshGraceTTL)
		pipe.Set(ctx, accessTokenKey(accessToken), accessValue, defaults.AccessTokenTTL)
		pipe.Set(ctx, refreshTokenKey(refreshToken), activeValue, defaults.RefreshTokenTTL)
		return nil
	})
	return trace.Wrap(err)
}

// GetAccessToken resolves an opaque access token. Returns NotFound when
// the token is unknown or expired.
func (c *Client) GetAccessToken(ctx context.Context, token string) (*AccessToken, error) {
	value, err := c.rdb.Get(ctx, accessTokenKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, trace.NotFound("access token not found")
		}
		return nil, trace.Wrap(err)
	}
	item, err := decodeAccessToken(value)
	return item, trace.Wrap(err)
}

// GetRefreshToken resolves an opaque refresh token to its Active or
// Refreshed state. Returns NotFound when the token is unknown or expired.
func (c *Client) GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error) {
	value, err := c.rdb.Get(ctx, refreshTokenKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, trace.NotFound("refresh token not found")
		}
		return nil, trace.Wrap(err)
	}
	item, err := decodeRefreshToken(value)
	return item, trace.Wrap(err)
}

// EraseRefreshToken deletes a refresh token at logout.
func (c *Client) EraseRefreshToken(ctx context.Context, token string) error {
	return trace.Wrap(c.rdb.Del(ctx, refreshTokenKey(token)).Err())
}

// StoreServicePort memoizes a service's external port. The key carries no
// TTL; update and delete must purge it.
func (c *Client) StoreServicePort(ctx context.Context, service string, port int) error {
	return trace.Wrap(c.rdb.Set(ctx, servicePortKey(service), strconv.Itoa(port), 0).Err())
}

// GetServicePort returns the memoized external port of a service.
func (c *Client) GetServicePort(ctx context.Context, service string) (int, error) {
	value, err := c.rdb.Get(ctx, servicePortKey(service)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, trace.NotFound("service port for %v not cached", service)
		}
		return 0, trace.Wrap(err)
	}
	port, err := strconv.Atoi(value)
	if err != nil {
		return 0, trace.BadParameter("malformed cached service port %q", value)
	}
	return port, nil
}

// PurgeServicePort drops the memoized port.
func (c *Client) PurgeServicePort(ctx context.Context, service string) error {
	return trace.Wrap(c.rdb.Del(ctx, servicePortKey(service)).Err())
}

// StoreServiceAuth memoizes a service's required role. An empty role
// means the service is public.
func (c *Client) StoreServiceAuth(ctx context.Context, service string, role types.Role) error {
	return trace.Wrap(c.rdb.Set(ctx, serviceAuthKey(service), string(role), 0).Err())
}

// GetServiceAuth returns the memoized required role of a service. An
// empty role with a nil error means the service is cached as public;
// NotFound means the service has not been memoized.
func (c *Client) GetServiceAuth(ctx context.Context, service string) (types.Role, error) {
	value, err := c.rdb.Get(ctx, serviceAuthKey(service)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", trace.NotFound("service auth for %v not cached", service)
		}
		return "", trace.Wrap(err)
	}
	if value == "" {
		return "", nil
	}
	role, err := types.ParseRole(value)
	return role, trace.Wrap(err)
}

// PurgeServiceAuth drops the memoized required role.
func (c *Client) PurgeServiceAuth(ctx context.Context, service string) error {
	return trace.Wrap(c.rdb.Del(ctx, serviceAuthKey(service)).Err())
}

// SetLastCertOrder remembers the URL of the pending certificate order.
func (c *Client) SetLastCertOrder(ctx context.Context, orderURL string) error {
	return trace.Wrap(c.rdb.Set(ctx, lastCertOrderKey(), orderURL, 0).Err())
}

// GetLastCertOrder returns the pending certificate order URL, or NotFound
// when no order is pending.
func (c *Client) GetLastCertOrder(ctx context.Context) (string, error) {
	value, err := c.rdb.Get(ctx, lastCertOrderKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", trace.NotFound("no pending certificate order")
		}
		return "", trace.Wrap(err)
	}
	return value, nil
}

// PurgeLastCertOrder forgets the pending order after finalization.
func (c *Client) PurgeLastCertOrder(ctx context.Context) error {
	return trace.Wrap(c.rdb.Del(ctx, lastCertOrderKey()).Err())
}

// CreateUser creates a cache user restricted to its own keyspace
// (~<username>:*), so a service container can only touch keys under its
// generated prefix.
func (c *Client) CreateUser(ctx context.Context, username, password string) error {
	err := c.rdb.Do(ctx,
		"ACL", "SETUSER", username,
		"on", ">"+password, "~"+username+":*", "+@all").Err()
	return trace.Wrap(err)
}

// DeleteUser removes a per-service cache user.
func (c *Client) DeleteUser(ctx context.Context, username string) error {
	return trace.Wrap(c.rdb.Do(ctx, "ACL", "DELUSER", username).Err())
}
