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

// Package defaults holds process-wide constants shared by the kiwi
// subsystems: cookie and header names, token lifetimes, the cache key
// namespace and the pinned infrastructure container images.
package defaults

import "time"

const (
	// BindHost is the default listen address.
	BindHost = "127.0.0.1"
	// BindPort is the default listen port.
	BindPort = 5000
	// DevFrontendPort is the local SPA dev server the root routes proxy to
	// when no static files path is configured.
	DevFrontendPort = 3000
)

// Session cookies. The refresh cookie is scoped to the refresh endpoint
// only; the logout copy carries the same value scoped to the logout
// endpoint so logging out can invalidate the session without widening the
// refresh cookie's path.
const (
	AccessTokenCookie            = "__kiwi_access_token"
	RefreshTokenCookie           = "__kiwi_refresh_token"
	LogoutRefreshTokenCopyCookie = "__kiwi_logout_refresh_token_copy"
)

// Headers injected by the authentication middleware after a successful
// role check. Inbound copies are always stripped first.
const (
	UserIDHeader   = "X-Kiwi-User-Id"
	UsernameHeader = "X-Kiwi-Username"
)

const (
	// AccessTokenTTL bounds the server side access token item.
	AccessTokenTTL = 15 * time.Minute
	// RefreshTokenTTL bounds an active refresh token item.
	RefreshTokenTTL = 14 * 24 * time.Hour
	// RefreshGraceTTL is the window during which a consumed refresh token
	// keeps resolving to the pair that replaced it, so concurrent browser
	// tabs can all land on the winner's session.
	RefreshGraceTTL = 2 * time.Minute
	// SessionCookieMaxAge is the browser lifetime of all three cookies.
	SessionCookieMaxAge = RefreshTokenTTL
)

const (
	// CacheKeyPrefix namespaces every key kiwi writes to the session cache.
	CacheKeyPrefix = "kiwi_admin"
	// CacheDialTimeout bounds the initial cache connection.
	CacheDialTimeout = 5 * time.Second
	// CacheAddr is where the cache container is reachable.
	CacheAddr = "127.0.0.1:6379"
)

const (
	// DatabaseName is the platform's own catalog database.
	DatabaseName = "kiwi"
	// DatabaseAddr is where the database container is reachable.
	DatabaseAddr = "127.0.0.1:5432"
	// DatabaseConnRetries is how many liveness probes are attempted while
	// the database container is still booting.
	DatabaseConnRetries = 5
)

// Infrastructure containers started before anything else. Images are
// pinned by digest.
const (
	PostgresContainerName = "kiwi-postgres"
	PostgresImageName     = "postgres"
	// PostgresImageSHA pins postgres 17.5-alpine3.22.
	PostgresImageSHA = "bcb90dc18910057ff49ce2ea157d8a0d534964090d39af959df41083f18c3318"

	RedisContainerName = "kiwi-redis"
	RedisImageName     = "bitnami/redis"
	// RedisImageSHA pins bitnami/redis 8.0.2.
	RedisImageSHA = "d0f84da5011d75e3cda5516646ceb4ce6fa1eac50014c7090472af1f5ae80c91"
)

const (
	// SecretLength is the length of every generated secret: pepper, admin
	// credentials, tokens, per-service database credentials.
	SecretLength = 64
	// SealingKeyLength is the client-side sealing material: a 32 byte
	// symmetric key followed by a 16 byte IV.
	SealingKeyLength = 32 + 16
)

const (
	// WorkerTickInterval drives the dynamic DNS refresh and the TLS
	// key mtime check.
	WorkerTickInterval = 60 * time.Second
)

const (
	// SecretsFile is the secrets store inside the config folder.
	SecretsFile = "secrets.json"
	// TLSCertificateFile is the public certificate inside the config folder.
	TLSCertificateFile = "tls_public_certificate.pem"
	// TLSPrivateKeyFile is the private key inside the config folder.
	TLSPrivateKeyFile = "tls_private_key.pem"
)

// ACME directory endpoints.
const (
	LetsEncryptStagingDirectory    = "https://acme-staging-v02.api.letsencrypt.org/directory"
	LetsEncryptProductionDirectory = "https://acme-v02.api.letsencrypt.org/directory"
)

const (
	// CIOIDCAudience is the audience the deploy workflow mints its token for.
	CIOIDCAudience = "kiwiDeploy"
	// CIOIDCJWKSEndpoint serves the token issuer's signing keys.
	CIOIDCJWKSEndpoint = "https://token.actions.githubusercontent.com/.well-known/jwks"
	// CIDeployBranch is the only ref CI deploys are accepted from.
	CIDeployBranch = "refs/heads/main"
)
