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

package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/kiwilabs/kiwi/lib/defaults"
)

type tokenOverrides struct {
	kid      string
	audience string
	expires  time.Time
	method   jwt.SigningMethod
}

func signToken(t *testing.T, key *rsa.PrivateKey, repository, ref string, o tokenOverrides) string {
	t.Helper()
	if o.kid == "" {
		o.kid = "key-1"
	}
	if o.audience == "" {
		o.audience = defaults.CIOIDCAudience
	}
	if o.expires.IsZero() {
		o.expires = time.Now().Add(time.Minute)
	}
	if o.method == nil {
		o.method = jwt.SigningMethodRS256
	}

	token := jwt.NewWithClaims(o.method, jwt.MapClaims{
		"aud":        o.audience,
		"exp":        o.expires.Unix(),
		"repository": repository,
		"ref":        ref,
	})
	token.Header["kid"] = o.kid

	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func newTestValidator(t *testing.T) (*Validator, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := NewValidatorFromKeys(map[string]*rsa.PublicKey{"key-1": &key.PublicKey},
		slog.New(slog.DiscardHandler))
	return v, key
}

func TestValidateAcceptsGoodToken(t *testing.T) {
	v, key := newTestValidator(t)

	claims, err := v.Validate(signToken(t, key, "octocat/blog", "refs/heads/main", tokenOverrides{}))
	require.NoError(t, err)
	require.Equal(t, "octocat/blog", claims.Repository.String())
	require.Equal(t, "refs/heads/main", claims.Ref)
}

func TestValidateRejections(t *testing.T) {
	v, key := newTestValidator(t)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"expired", signToken(t, key, "octocat/blog", "refs/heads/main",
			tokenOverrides{expires: time.Now().Add(-time.Minute)})},
		{"wrong audience", signToken(t, key, "octocat/blog", "refs/heads/main",
			tokenOverrides{audience: "someoneElse"})},
		{"unknown kid", signToken(t, key, "octocat/blog", "refs/heads/main",
			tokenOverrides{kid: "key-2"})},
		{"wrong key", signToken(t, otherKey, "octocat/blog", "refs/heads/main", tokenOverrides{})},
		{"bad repository claim", signToken(t, key, "not a repo", "refs/heads/main", tokenOverrides{})},
		{"missing ref", signToken(t, key, "octocat/blog", "", tokenOverrides{})},
		{"not a jwt", "garbage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.token)
			require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
		})
	}
}

func TestValidateRejectsUnsignedToken(t *testing.T) {
	v, _ := newTestValidator(t)

	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"aud":        defaults.CIOIDCAudience,
		"exp":        time.Now().Add(time.Minute).Unix(),
		"repository": "octocat/blog",
		"ref":        "refs/heads/main",
	})
	token.Header["kid"] = "key-1"
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Validate(signed)
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
}

func TestNewValidatorFetchesJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := jwksDocument{Keys: []jwksKey{{
			Kty: "RSA",
			Kid: "key-1",
			Use: "sig",
			N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}}}
		require.NoError(t, json.NewEncoder(w).Encode(doc))
	}))
	t.Cleanup(srv.Close)

	v, err := NewValidator(context.Background(), srv.URL, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	claims, err := v.Validate(signToken(t, key, "octocat/blog", "refs/heads/main", tokenOverrides{}))
	require.NoError(t, err)
	require.Equal(t, "refs/heads/main", claims.Ref)
}

func TestNewValidatorRejectsEmptyJWKS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"keys":[]}`))
	}))
	t.Cleanup(srv.Close)

	_, err := NewValidator(context.Background(), srv.URL, slog.New(slog.DiscardHandler))
	require.Error(t, err)
}
