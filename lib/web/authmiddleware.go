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
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/kiwilabs/kiwi/lib/defaults"
	"github.com/kiwilabs/kiwi/lib/types"
)

// Path segments that never require a session: the auth endpoints must
// be reachable to establish one, CI authenticates with its own token,
// and status is the health probe.
var openSegments = map[string]bool{
	"":       true,
	"auth":   true,
	"ci":     true,
	"status": true,
}

// authMiddleware enforces per-service access control before route
// dispatch. Caller-supplied identity headers are always stripped; they
// are only ever set here, after a successful role check. Internal
// failures surface as a bare 500 so auth-time errors leak nothing
// about the infrastructure.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del(defaults.UserIDHeader)
		r.Header.Del(defaults.UsernameHeader)

		required, err := h.requiredRole(r.Context(), firstPathSegment(r.URL.Path))
		if err != nil {
			h.log.ErrorContext(r.Context(), "role resolution failed", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if required == "" {
			next.ServeHTTP(w, r)
			return
		}

		accessToken := cookieValue(r, defaults.AccessTokenCookie)
		if accessToken == "" {
			h.redirectToLogin(w, r)
			return
		}

		item, err := h.Cache.GetAccessToken(r.Context(), accessToken)
		switch {
		case trace.IsNotFound(err):
			// Expired access token with a possibly live refresh token.
			h.redirectToRefresh(w, r)
			return
		case err != nil:
			h.log.ErrorContext(r.Context(), "access token lookup failed", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		if !item.Role.Covers(required) {
			http.Error(w, "insufficient permissions", http.StatusForbidden)
			return
		}

		user, err := h.Database.GetUserByID(r.Context(), item.UserID)
		if err != nil {
			h.log.ErrorContext(r.Context(), "session user lookup failed", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		r.Header.Set(defaults.UserIDHeader, formatUserID(user.ID))
		r.Header.Set(defaults.UsernameHeader, user.Username)
		next.ServeHTTP(w, r)
	})
}

// requiredRole resolves the role a path segment demands. The admin
// surface is always Admin-only; service requirements are memoized in
// the cache and fall back to the state database. Unknown segments are
// open; they die with a 404 in the proxy instead of a login redirect.
func (h *Handler) requiredRole(ctx context.Context, segment string) (types.Role, error) {
	if segment == "admin" {
		return types.RoleAdmin, nil
	}
	if openSegments[segment] {
		return "", nil
	}

	role, err := h.Cache.GetServiceAuth(ctx, segment)
	if err == nil {
		return role, nil
	}
	if !trace.IsNotFound(err) {
		return "", trace.Wrap(err)
	}

	record, err := h.Database.GetService(ctx, segment)
	if trace.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", trace.Wrap(err)
	}
	if err := h.Cache.StoreServiceAuth(ctx, segment, record.Config.RequiredRole); err != nil {
		return "", trace.Wrap(err)
	}
	return record.Config.RequiredRole, nil
}

func (h *Handler) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	domain := requestDomain(r)
	target := url.URL{
		Scheme:   requestScheme(r),
		Host:     "auth." + domain,
		Path:     "/login",
		RawQuery: url.Values{"return_uri": {originalURI(r)}}.Encode(),
	}
	http.Redirect(w, r, target.String(), http.StatusSeeOther)
}

func (h *Handler) redirectToRefresh(w http.ResponseWriter, r *http.Request) {
	domain := requestDomain(r)
	target := url.URL{
		Scheme:   requestScheme(r),
		Host:     "auth." + domain,
		Path:     "/api/refresh-credentials",
		RawQuery: url.Values{"return_uri": {originalURI(r)}}.Encode(),
	}
	http.Redirect(w, r, target.String(), http.StatusTemporaryRedirect)
}

func formatUserID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// firstPathSegment returns the leading path segment, empty for the
// root.
func firstPathSegment(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}
