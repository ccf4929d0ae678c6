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
	"fmt"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/kiwilabs/kiwi/lib/defaults"
	"github.com/kiwilabs/kiwi/lib/types"
)

// Cache keys are namespaced kiwi_admin:<kind>:<value>. All encoding and
// decoding of cache values lives in this file; nothing else in the
// repository builds or parses these strings.

func accessTokenKey(token string) string {
	return fmt.Sprintf("%s:access_token:%s", defaults.CacheKeyPrefix, token)
}

func refreshTokenKey(token string) string {
	return fmt.Sprintf("%s:refresh_token:%s", defaults.CacheKeyPrefix, token)
}

func servicePortKey(service string) string {
	return fmt.Sprintf("%s:service_port:%s", defaults.CacheKeyPrefix, service)
}

func serviceAuthKey(service string) string {
	return fmt.Sprintf("%s:service_auth:%s", defaults.CacheKeyPrefix, service)
}

func lastCertOrderKey() string {
	return fmt.Sprintf("%s:last_cert_order:singleton", defaults.CacheKeyPrefix)
}

// AccessToken is the server-side state an opaque access token resolves
// to.
type AccessToken struct {
	UserID     int64
	SealingKey string
	Role       types.Role
}

func (a AccessToken) encode() string {
	return fmt.Sprintf("%d:%s:%s", a.UserID, a.SealingKey, a.Role)
}

func decodeAccessToken(value string) (*AccessToken, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return nil, trace.BadParameter("malformed access token item")
	}
	userID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, trace.BadParameter("malformed access token user id")
	}
	role, err := types.ParseRole(parts[2])
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &AccessToken{UserID: userID, SealingKey: parts[1], Role: role}, nil
}

// RefreshToken is the server-side state of an opaque refresh token. It is
// either Active, carrying the session identity, or Refreshed, pointing at
// the token pair that replaced it during the grace window.
type RefreshToken struct {
	Active    *ActiveRefreshToken
	Refreshed *RefreshedTokenPair
}

// ActiveRefreshToken is the identity behind a live refresh token.
type ActiveRefreshToken struct {
	UserID     int64
	SealingKey string
	Role       types.Role
}

// RefreshedTokenPair points a consumed refresh token at its successor
// pair so a concurrent tab can adopt the winner's session.
type RefreshedTokenPair struct {
	AccessToken  string
	RefreshToken string
}

const (
	activeTag    = "active"
	refreshedTag = "refreshed"
)

func (r RefreshToken) encode() (string, error) {
	switch {
	case r.Active != nil:
		return fmt.Sprintf("%s:%d:%s:%s", activeTag, r.Active.UserID, r.Active.SealingKey, r.Active.Role), nil
	case r.Refreshed != nil:
		return fmt.Sprintf("%s:%s:%s", refreshedTag, r.Refreshed.AccessToken, r.Refreshed.RefreshToken), nil
	}
	return "", trace.BadParameter("refresh token item has no variant")
}

func decodeRefreshToken(value string) (*RefreshToken, error) {
	parts := strings.Split(value, ":")
	switch {
	case len(parts) == 4 && parts[0] == activeTag:
		userID, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, trace.BadParameter("malformed refresh token user id")
		}
		role, err := types.ParseRole(parts[3])
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &RefreshToken{Active: &ActiveRefreshToken{
			UserID:     userID,
			SealingKey: parts[2],
			Role:       role,
		}}, nil
	case len(parts) == 3 && parts[0] == refreshedTag:
		return &RefreshToken{Refreshed: &RefreshedTokenPair{
			AccessToken:  parts[1],
			RefreshToken: parts[2],
		}}, nil
	}
	return nil, trace.BadParameter("malformed refresh token item")
}
