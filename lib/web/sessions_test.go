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
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/kiwilabs/kiwi/lib/defaults"
	"github.com/kiwilabs/kiwi/lib/types"
)

// Requests hit the handler the way a browser would, on the auth
// subdomain with pre-rewrite paths.

func refreshRequest(refreshToken, returnURI string) *http.Request {
	target := "http://auth.localhost:5000/api/refresh-credentials"
	if returnURI != "" {
		target += "?return_uri=" + url.QueryEscape(returnURI)
	}
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if refreshToken != "" {
		req.AddCookie(&http.Cookie{Name: defaults.RefreshTokenCookie, Value: refreshToken})
	}
	return req
}

func TestRefreshWithoutCookieRedirectsToLogin(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, refreshRequest("", "http://blog.localhost:5000/dashboard"))

	require.Equal(t, http.StatusSeeOther, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "auth.localhost:5000", location.Host)
	require.Equal(t, "/login", location.Path)
	// The destination survives the re-login round trip.
	require.Equal(t, "http://blog.localhost:5000/dashboard",
		location.Query().Get("return_uri"))
	requireSessionCookiesCleared(t, rec)
}

func TestRefreshRejectsUntrustedReturnURI(t *testing.T) {
	h, cache := newTestHandler(t)
	ctx := context.Background()
	require.NoError(t, cache.StoreActiveAuthTokens(ctx, "acc", "ref", 7, "sk", types.RoleCustomer))

	for _, returnURI := range []string{
		"",
		"http://evil.example.com/",
		"http://localhost.evil.example.com:5000/",
		"https://localhost:5000/",
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, refreshRequest("ref", returnURI))
		require.Equal(t, http.StatusUnauthorized, rec.Code, "return_uri %q", returnURI)
		require.Equal(t, "untrusted return uri\n", rec.Body.String())
	}

	// The token was not consumed by the rejected attempts.
	item, err := cache.GetRefreshToken(ctx, "ref")
	require.NoError(t, err)
	require.NotNil(t, item.Active)
}

func TestRefreshRotatesActiveToken(t *testing.T) {
	h, cache := newTestHandler(t)
	ctx := context.Background()
	require.NoError(t, cache.StoreActiveAuthTokens(ctx, "oldAccess", "oldRefresh", 7, "sealing", types.RoleAdmin))

	returnURI := "http://blog.localhost:5000/dashboard"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, refreshRequest("oldRefresh", returnURI))

	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	require.Equal(t, returnURI, rec.Header().Get("Location"))

	accessCookie := responseCookie(t, rec, defaults.AccessTokenCookie)
	refreshCookie := responseCookie(t, rec, defaults.RefreshTokenCookie)
	logoutCookie := responseCookie(t, rec, defaults.LogoutRefreshTokenCopyCookie)
	require.NotNil(t, accessCookie)
	require.NotNil(t, refreshCookie)
	require.NotNil(t, logoutCookie)
	require.NotEmpty(t, accessCookie.Value)
	require.NotEqual(t, "oldRefresh", refreshCookie.Value)
	require.Equal(t, refreshCookie.Value, logoutCookie.Value)

	// The consumed token now points at the pair the cookies carry.
	old, err := cache.GetRefreshToken(ctx, "oldRefresh")
	require.NoError(t, err)
	require.Nil(t, old.Active)
	require.NotNil(t, old.Refreshed)
	require.Equal(t, accessCookie.Value, old.Refreshed.AccessToken)
	require.Equal(t, refreshCookie.Value, old.Refreshed.RefreshToken)

	// The successors carry the session identity unchanged.
	successor, err := cache.GetRefreshToken(ctx, refreshCookie.Value)
	require.NoError(t, err)
	require.NotNil(t, successor.Active)
	require.Equal(t, int64(7), successor.Active.UserID)
	require.Equal(t, "sealing", successor.Active.SealingKey)
	require.Equal(t, types.RoleAdmin, successor.Active.Role)

	access, err := cache.GetAccessToken(ctx, accessCookie.Value)
	require.NoError(t, err)
	require.Equal(t, int64(7), access.UserID)
}

func TestRefreshCookieAttributes(t *testing.T) {
	h, cache := newTestHandler(t)
	ctx := context.Background()
	require.NoError(t, cache.StoreActiveAuthTokens(ctx, "acc", "ref", 7, "sk", types.RoleCustomer))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, refreshRequest("ref", "http://localhost:5000/"))
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)

	accessCookie := responseCookie(t, rec, defaults.AccessTokenCookie)
	require.NotNil(t, accessCookie)
	require.Equal(t, "/", accessCookie.Path)
	require.Equal(t, "localhost", accessCookie.Domain)
	require.True(t, accessCookie.HttpOnly)
	require.Equal(t, http.SameSiteStrictMode, accessCookie.SameSite)
	require.False(t, accessCookie.Secure, "localhost serves plain http")
	require.Equal(t, int(defaults.SessionCookieMaxAge.Seconds()), accessCookie.MaxAge)

	refreshCookie := responseCookie(t, rec, defaults.RefreshTokenCookie)
	require.NotNil(t, refreshCookie)
	require.Equal(t, refreshCookiePath, refreshCookie.Path)

	logoutCookie := responseCookie(t, rec, defaults.LogoutRefreshTokenCopyCookie)
	require.NotNil(t, logoutCookie)
	require.Equal(t, logoutCookiePath, logoutCookie.Path)
}

func TestRefreshAdoptsConcurrentRotation(t *testing.T) {
	h, cache := newTestHandler(t)
	ctx := context.Background()

	// Another tab already consumed refA and minted accB/refB.
	require.NoError(t, cache.StoreRefreshedAuthTokens(ctx, "refA", "accB", "refB", 7, "sk", types.RoleCustomer))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, refreshRequest("refA", "http://localhost:5000/app"))

	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	require.Equal(t, "http://localhost:5000/app", rec.Header().Get("Location"))
	require.Equal(t, "accB", responseCookie(t, rec, defaults.AccessTokenCookie).Value)
	require.Equal(t, "refB", responseCookie(t, rec, defaults.RefreshTokenCookie).Value)
}

func TestRefreshDeadSuccessorGoesToLogin(t *testing.T) {
	h, cache := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, cache.StoreRefreshedAuthTokens(ctx, "refA", "accB", "refB", 7, "sk", types.RoleCustomer))
	require.NoError(t, cache.EraseRefreshToken(ctx, "refB"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, refreshRequest("refA", "http://localhost:5000/app"))

	require.Equal(t, http.StatusSeeOther, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/login", location.Path)
	require.Equal(t, "http://localhost:5000/app", location.Query().Get("return_uri"))
}

func TestRefreshUnknownTokenGoesToLogin(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, refreshRequest("never-issued", "http://localhost:5000/"))

	require.Equal(t, http.StatusSeeOther, rec.Code)
	requireSessionCookiesCleared(t, rec)
}

func TestLogoutErasesRefreshToken(t *testing.T) {
	h, cache := newTestHandler(t)
	ctx := context.Background()
	require.NoError(t, cache.StoreActiveAuthTokens(ctx, "acc", "ref", 7, "sk", types.RoleCustomer))

	req := httptest.NewRequest(http.MethodPost, "http://auth.localhost:5000/api/logout", nil)
	req.AddCookie(&http.Cookie{Name: defaults.LogoutRefreshTokenCopyCookie, Value: "ref"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	requireSessionCookiesCleared(t, rec)

	_, err := cache.GetRefreshToken(ctx, "ref")
	require.True(t, trace.IsNotFound(err))
}

func TestLogoutWithoutCookieStillClears(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "http://auth.localhost:5000/api/logout", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	requireSessionCookiesCleared(t, rec)
}

func TestSealingKeySplitsMaterial(t *testing.T) {
	h, cache := newTestHandler(t)
	ctx := context.Background()

	material := make([]byte, defaults.SealingKeyLength)
	_, err := rand.Read(material)
	require.NoError(t, err)
	sealingKey := base64.RawURLEncoding.EncodeToString(material)
	require.NoError(t, cache.StoreActiveAuthTokens(ctx, "acc", "ref", 7, sealingKey, types.RoleCustomer))

	req := httptest.NewRequest(http.MethodGet, "http://auth.localhost:5000/api/sealing-key", nil)
	req.AddCookie(&http.Cookie{Name: defaults.AccessTokenCookie, Value: "acc"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp sealingKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	key, err := base64.StdEncoding.DecodeString(resp.Key)
	require.NoError(t, err)
	iv, err := base64.StdEncoding.DecodeString(resp.IV)
	require.NoError(t, err)
	require.Len(t, key, 32)
	require.Len(t, iv, 16)
	require.Equal(t, material, append(key, iv...))
}

func TestSealingKeyRequiresSession(t *testing.T) {
	h, _ := newTestHandler(t)

	// No cookie at all, then a cookie the cache never saw.
	req := httptest.NewRequest(http.MethodGet, "http://auth.localhost:5000/api/sealing-key", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "http://auth.localhost:5000/api/sealing-key", nil)
	req.AddCookie(&http.Cookie{Name: defaults.AccessTokenCookie, Value: "stale"})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateUserValidation(t *testing.T) {
	h, _ := newTestHandler(t)

	strongHash := "N2Y4ZDliM2UxYzZhNWI0ZDhlN2Y2YTViNGMzZDJlMWY"
	tests := []struct {
		name string
		body createUserRequest
		code int
	}{
		{
			name: "username too short",
			body: createUserRequest{Username: "ab", PasswordHash: strongHash, InvitationID: "11111111-1111-1111-1111-111111111111"},
			code: http.StatusBadRequest,
		},
		{
			name: "username with forbidden characters",
			body: createUserRequest{Username: "new user!", PasswordHash: strongHash, InvitationID: "11111111-1111-1111-1111-111111111111"},
			code: http.StatusBadRequest,
		},
		{
			name: "weak password",
			body: createUserRequest{Username: "newuser123", PasswordHash: "password", InvitationID: "11111111-1111-1111-1111-111111111111"},
			code: http.StatusBadRequest,
		},
		{
			name: "malformed invitation id",
			body: createUserRequest{Username: "newuser123", PasswordHash: strongHash, InvitationID: "not-a-uuid"},
			code: http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := json.Marshal(tt.body)
			require.NoError(t, err)
			req := httptest.NewRequest(http.MethodPost,
				"http://auth.localhost:5000/api/create-user", strings.NewReader(string(payload)))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestLoginRejectsMalformedBody(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost,
		"http://auth.localhost:5000/api/login", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
