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
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	zxcvbn "github.com/nbutton23/zxcvbn-go"

	"github.com/kiwilabs/kiwi/lib/defaults"
	"github.com/kiwilabs/kiwi/lib/httplib"
	"github.com/kiwilabs/kiwi/lib/sessioncache"
	"github.com/kiwilabs/kiwi/lib/types"
	"github.com/kiwilabs/kiwi/lib/utils"
)

// maxPasswordScore is the zxcvbn score a new password must reach.
const maxPasswordScore = 4

// The client sends a pre-hashed password; the server peppers and KDFs
// it again. The raw password never crosses the wire.

type loginRequest struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
}

type createUserRequest struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
	InvitationID string `json:"invitation_id"`
}

type sessionResponse struct {
	UserID   int64      `json:"user_id"`
	Username string     `json:"username"`
	Role     types.Role `json:"role"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req loginRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}

	user, err := h.Database.GetUser(r.Context(), req.Username)
	if trace.IsNotFound(err) {
		// Same reply as a wrong password; no username oracle.
		return nil, httplib.Unauthorized("invalid username or password")
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}

	matches, err := h.Crypto.Matches(req.PasswordHash, user.PasswordHash)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !matches {
		return nil, httplib.Unauthorized("invalid username or password")
	}

	if err := h.mintSession(w, r, user); err != nil {
		return nil, trace.Wrap(err)
	}
	return sessionResponse{UserID: user.ID, Username: user.Username, Role: user.Role}, nil
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req createUserRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}

	if !types.ValidUsername(req.Username) {
		return nil, trace.BadParameter("username must match ^[A-Za-z0-9._-]{6,32}$")
	}
	if zxcvbn.PasswordStrength(req.PasswordHash, nil).Score < maxPasswordScore {
		return nil, trace.BadParameter("password is too weak")
	}
	invitationID, err := uuid.Parse(req.InvitationID)
	if err != nil {
		return nil, httplib.Unauthorized("unknown invitation")
	}

	passwordHash, err := h.Crypto.GenerateHash(req.PasswordHash)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	user, err := h.Database.CreateUserFromInvitation(r.Context(), invitationID, req.Username, passwordHash)
	if trace.IsNotFound(err) {
		return nil, httplib.Unauthorized("unknown invitation")
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if err := h.mintSession(w, r, user); err != nil {
		return nil, trace.Wrap(err)
	}
	return sessionResponse{UserID: user.ID, Username: user.Username, Role: user.Role}, nil
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	if refreshToken := cookieValue(r, defaults.LogoutRefreshTokenCopyCookie); refreshToken != "" {
		if err := h.Cache.EraseRefreshToken(r.Context(), refreshToken); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	clearSessionCookies(w, requestDomain(r))
	return map[string]string{"status": "logged out"}, nil
}

// refreshCredentials runs the refresh state machine. It is a raw
// handler because every outcome is a redirect, not a JSON body.
//
// An Active refresh token is consumed exactly once: the winner mints a
// fresh pair and the old token becomes a short-lived pointer to it, so
// a concurrent tab that lost the race adopts the winner's session
// instead of being logged out.
func (h *Handler) refreshCredentials(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	domain := requestDomain(r)

	returnURI, err := validateReturnURI(r, domain)
	if err != nil {
		http.Error(w, "untrusted return uri", http.StatusUnauthorized)
		return
	}

	toLogin := func() {
		clearSessionCookies(w, domain)
		// The destination survives the re-login round trip.
		target := url.URL{
			Scheme:   requestScheme(r),
			Host:     "auth." + domain,
			Path:     "/login",
			RawQuery: url.Values{"return_uri": {returnURI}}.Encode(),
		}
		http.Redirect(w, r, target.String(), http.StatusSeeOther)
	}

	refreshToken := cookieValue(r, defaults.RefreshTokenCookie)
	if refreshToken == "" {
		toLogin()
		return
	}

	item, err := h.Cache.GetRefreshToken(r.Context(), refreshToken)
	if trace.IsNotFound(err) {
		toLogin()
		return
	}
	if err != nil {
		h.log.ErrorContext(r.Context(), "refresh token lookup failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	switch {
	case item.Active != nil:
		newAccess, newRefresh, err := h.rotateTokens(r, refreshToken, item.Active)
		if err != nil {
			h.log.ErrorContext(r.Context(), "session refresh failed", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		setSessionCookies(w, domain, newAccess, newRefresh)
		http.Redirect(w, r, returnURI, http.StatusTemporaryRedirect)

	case item.Refreshed != nil:
		// A concurrent tab already refreshed; adopt its pair if the new
		// refresh token is still alive.
		_, err := h.Cache.GetRefreshToken(r.Context(), item.Refreshed.RefreshToken)
		if trace.IsNotFound(err) {
			toLogin()
			return
		}
		if err != nil {
			h.log.ErrorContext(r.Context(), "refreshed token lookup failed", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		setSessionCookies(w, domain, item.Refreshed.AccessToken, item.Refreshed.RefreshToken)
		http.Redirect(w, r, returnURI, http.StatusTemporaryRedirect)

	default:
		toLogin()
	}
}

// rotateTokens mints a fresh token pair and atomically retires the
// consumed refresh token into a grace-window pointer at the new pair.
func (h *Handler) rotateTokens(r *http.Request, oldRefreshToken string, active *sessioncache.ActiveRefreshToken) (access, refresh string, err error) {
	access, err = utils.RandomAlphanumeric(defaults.SecretLength)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	refresh, err = utils.RandomAlphanumeric(defaults.SecretLength)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	err = h.Cache.StoreRefreshedAuthTokens(r.Context(), oldRefreshToken, access, refresh,
		active.UserID, active.SealingKey, active.Role)
	return access, refresh, trace.Wrap(err)
}

// validateReturnURI accepts only URIs that decode, use the scheme the
// request arrived on, and land inside the served domain.
func validateReturnURI(r *http.Request, domain string) (string, error) {
	raw := r.URL.Query().Get("return_uri")
	if raw == "" {
		return "", trace.BadParameter("missing return_uri")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if parsed.Scheme != requestScheme(r) {
		return "", trace.BadParameter("return_uri scheme mismatch")
	}
	host := parsed.Host
	if host != domain && !strings.HasSuffix(host, "."+domain) {
		return "", trace.BadParameter("return_uri outside the served domain")
	}
	return raw, nil
}

type sealingKeyResponse struct {
	Key string `json:"key"`
	IV  string `json:"iv"`
}

// sealingKey returns the session's client-side encryption material,
// split into the 32-byte key and 16-byte IV.
func (h *Handler) sealingKey(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	accessToken := cookieValue(r, defaults.AccessTokenCookie)
	if accessToken == "" {
		return nil, httplib.Unauthorized("no session")
	}
	item, err := h.Cache.GetAccessToken(r.Context(), accessToken)
	if trace.IsNotFound(err) {
		return nil, httplib.Unauthorized("no session")
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}

	material, err := base64.RawURLEncoding.DecodeString(item.SealingKey)
	if err != nil || len(material) != defaults.SealingKeyLength {
		return nil, trace.BadParameter("malformed sealing material")
	}
	return sealingKeyResponse{
		Key: base64.StdEncoding.EncodeToString(material[:32]),
		IV:  base64.StdEncoding.EncodeToString(material[32:]),
	}, nil
}

// mintSession creates the server-side session state and sets the three
// session cookies.
func (h *Handler) mintSession(w http.ResponseWriter, r *http.Request, user *types.User) error {
	accessToken, err := utils.RandomAlphanumeric(defaults.SecretLength)
	if err != nil {
		return trace.Wrap(err)
	}
	refreshToken, err := utils.RandomAlphanumeric(defaults.SecretLength)
	if err != nil {
		return trace.Wrap(err)
	}
	sealingKey, err := newSealingKey()
	if err != nil {
		return trace.Wrap(err)
	}

	err = h.Cache.StoreActiveAuthTokens(r.Context(), accessToken, refreshToken,
		user.ID, sealingKey, user.Role)
	if err != nil {
		return trace.Wrap(err)
	}
	setSessionCookies(w, requestDomain(r), accessToken, refreshToken)
	return nil
}

// newSealingKey mints 48 bytes of client-side encryption material (a
// 32-byte key and a 16-byte IV) in a form safe for the cache's
// colon-delimited values.
func newSealingKey() (string, error) {
	material := make([]byte, defaults.SealingKeyLength)
	if _, err := rand.Read(material); err != nil {
		return "", trace.Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(material), nil
}
