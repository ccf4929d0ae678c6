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

// Package types defines the domain values shared by the kiwi subsystems.
package types

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// Role is the access level attached to users and required by services.
// Admin covers Customer; every role covers itself. The zero value is not
// a valid role.
type Role string

const (
	// RoleAdmin can reach everything, including the admin API.
	RoleAdmin Role = "Admin"
	// RoleCustomer can reach customer-gated services.
	RoleCustomer Role = "Customer"
)

// ParseRole validates a role received over the wire.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleCustomer:
		return Role(s), nil
	}
	return "", trace.BadParameter("unknown role %q", s)
}

// Covers reports whether a user holding r satisfies the required role.
func (r Role) Covers(required Role) bool {
	if r == required {
		return true
	}
	return r == RoleAdmin && required == RoleCustomer
}

// User is a row in the user directory.
type User struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Role         Role   `json:"role"`
}

// UserInvitation is a single-use ticket for creating a user with a
// predetermined role. It is deleted when redeemed.
type UserInvitation struct {
	ID   uuid.UUID `json:"invitation_id"`
	Role Role      `json:"role"`
}

var (
	usernamePattern    = regexp.MustCompile(`^[A-Za-z0-9._-]{6,32}$`)
	serviceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,32}$`)
	imageSHAPattern    = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// ValidUsername reports whether a username is acceptable.
func ValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

// ValidServiceName reports whether a service name is acceptable. The name
// doubles as the container name, the virtual network name and the
// subdomain label, so the character set is deliberately narrow.
func ValidServiceName(name string) bool {
	return serviceNamePattern.MatchString(name)
}

// ImageSHA is a validated lower-hex sha256 image digest.
type ImageSHA string

// NewImageSHA validates a digest string. A "sha256:" prefix is accepted
// and stripped; any other prefix is rejected.
func NewImageSHA(s string) (ImageSHA, error) {
	s = strings.TrimPrefix(s, "sha256:")
	if !imageSHAPattern.MatchString(s) {
		return "", trace.BadParameter("image sha must be 64 lower-hex characters")
	}
	return ImageSHA(s), nil
}

func (s ImageSHA) String() string { return string(s) }

// GithubRepository is an "owner/repo" pair.
type GithubRepository string

// NewGithubRepository validates an owner/repo string.
func NewGithubRepository(s string) (GithubRepository, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", trace.BadParameter("github repository must be of the form owner/repo")
	}
	return GithubRepository(s), nil
}

func (r GithubRepository) String() string { return string(r) }
