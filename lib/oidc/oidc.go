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

// Package oidc validates the OIDC tokens GitHub Actions mints for CI
// deploys. The issuer's signing keys are fetched once at boot; a key
// rotation therefore requires a process restart, which the supervisor
// makes cheap.
package oidc

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"

	"github.com/kiwilabs/kiwi/lib/defaults"
	"github.com/kiwilabs/kiwi/lib/types"
)

const (
	fetchTimeout    = 10 * time.Second
	maxResponseSize = 1 << 20
)

// DeployClaims is what a deploy decision needs from a validated token.
type DeployClaims struct {
	// Repository is the owner/name the workflow ran in.
	Repository types.GithubRepository
	// Ref is the git ref the workflow ran on.
	Ref string
}

// Validator checks CI tokens against the issuer's published keys.
type Validator struct {
	keys     map[string]*rsa.PublicKey
	audience string
	log      *slog.Logger
}

// NewValidator fetches the signing keys from the JWKS endpoint.
func NewValidator(ctx context.Context, jwksURL string, log *slog.Logger) (*Validator, error) {
	keys, err := fetchJWKS(ctx, jwksURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	log.InfoContext(ctx, "ci token signing keys loaded", "keys", len(keys), "endpoint", jwksURL)
	return &Validator{
		keys:     keys,
		audience: defaults.CIOIDCAudience,
		log:      log.With("component", "oidc"),
	}, nil
}

// NewValidatorFromKeys builds a validator over known keys. Used by
// tests.
func NewValidatorFromKeys(keys map[string]*rsa.PublicKey, log *slog.Logger) *Validator {
	return &Validator{
		keys:     keys,
		audience: defaults.CIOIDCAudience,
		log:      log.With("component", "oidc"),
	}
}

type rawClaims struct {
	jwt.RegisteredClaims
	Repository string `json:"repository"`
	Ref        string `json:"ref"`
}

// Validate verifies signature, expiry and audience and extracts the
// deploy claims. All failures surface as AccessDenied; the CI caller
// gets no oracle about which check tripped.
func (v *Validator) Validate(tokenString string) (*DeployClaims, error) {
	var claims rawClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, v.keyForToken,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, trace.AccessDenied("ci token rejected: %v", err)
	}

	repo, err := types.NewGithubRepository(claims.Repository)
	if err != nil {
		return nil, trace.AccessDenied("ci token carries an invalid repository claim")
	}
	if claims.Ref == "" {
		return nil, trace.AccessDenied("ci token carries no ref claim")
	}
	return &DeployClaims{Repository: repo, Ref: claims.Ref}, nil
}

func (v *Validator) keyForToken(token *jwt.Token) (any, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, trace.BadParameter("token header carries no kid")
	}
	key, ok := v.keys[kid]
	if !ok {
		return nil, trace.NotFound("no signing key with kid %q", kid)
	}
	return key, nil
}

type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func fetchJWKS(ctx context.Context, url string) (map[string]*rsa.PublicKey, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, trace.Wrap(err, "fetching ci signing keys")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, trace.BadParameter("jwks endpoint returned status %v", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, trace.Wrap(err)
	}

	keys := make(map[string]*rsa.PublicKey)
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		key, err := decodeRSAKey(k)
		if err != nil {
			return nil, trace.Wrap(err, "decoding signing key %q", k.Kid)
		}
		keys[k.Kid] = key
	}
	if len(keys) == 0 {
		return nil, trace.NotFound("jwks endpoint published no RSA keys")
	}
	return keys, nil
}

func decodeRSAKey(k jwksKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() <= 0 {
		return nil, trace.BadParameter("invalid RSA exponent")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e.Int64()),
	}, nil
}
