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
	"net/http"

	"github.com/kiwilabs/kiwi/lib/defaults"
)

// Cookie paths are pre-rewrite paths: the browser matches them against
// what it sends to auth.<domain>, where the auth API lives under /api.
const (
	refreshCookiePath = "/api/refresh-credentials"
	logoutCookiePath  = "/api/logout"
)

// setSessionCookies installs the three session cookies. The access
// cookie spans the whole domain so every subdomain sees it; the
// refresh cookie is scoped to the refresh endpoint only, and the
// logout copy carries the refresh value scoped to the logout endpoint
// so logout can invalidate the session without widening the refresh
// cookie's exposure.
func setSessionCookies(w http.ResponseWriter, domain, accessToken, refreshToken string) {
	secure := !isLocalhostDomain(domain)
	maxAge := int(defaults.SessionCookieMaxAge.Seconds())

	http.SetCookie(w, &http.Cookie{
		Name:     defaults.AccessTokenCookie,
		Value:    accessToken,
		Domain:   cookieDomain(domain),
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   secure,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     defaults.RefreshTokenCookie,
		Value:    refreshToken,
		Domain:   cookieDomain(domain),
		Path:     refreshCookiePath,
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   secure,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     defaults.LogoutRefreshTokenCopyCookie,
		Value:    refreshToken,
		Domain:   cookieDomain(domain),
		Path:     logoutCookiePath,
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   secure,
	})
}

// clearSessionCookies expires all three session cookies.
func clearSessionCookies(w http.ResponseWriter, domain string) {
	secure := !isLocalhostDomain(domain)
	for _, c := range []struct {
		name string
		path string
	}{
		{defaults.AccessTokenCookie, "/"},
		{defaults.RefreshTokenCookie, refreshCookiePath},
		{defaults.LogoutRefreshTokenCopyCookie, logoutCookiePath},
	} {
		http.SetCookie(w, &http.Cookie{
			Name:     c.name,
			Value:    "",
			Domain:   cookieDomain(domain),
			Path:     c.path,
			MaxAge:   -1,
			HttpOnly: true,
			SameSite: http.SameSiteStrictMode,
			Secure:   secure,
		})
	}
}

// cookieValue returns a named cookie's value, empty when absent.
func cookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}
