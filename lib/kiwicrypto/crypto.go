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

// Package kiwicrypto hashes and verifies passwords with Argon2id and a
// process-wide pepper. The pepper never appears in the stored hash: a
// password is first keyed with HMAC-SHA256(pepper) and the result fed to
// the KDF, so a stolen database alone is not enough to mount an offline
// attack.
package kiwicrypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. These match the argon2 reference defaults for
// interactive logins: 19 MiB of memory, 2 passes, 1 lane.
const (
	memoryKiB   = 19 * 1024
	passes      = 2
	parallelism = 1
	saltLength  = 16
	keyLength   = 32
)

// Manager hashes and verifies peppered passwords.
type Manager struct {
	pepper []byte
}

// NewManager returns a Manager using the given pepper. The pepper is a
// long-lived secret owned by the secret store.
func NewManager(pepper string) (*Manager, error) {
	if pepper == "" {
		return nil, trace.BadParameter("missing crypto pepper")
	}
	return &Manager{pepper: []byte(pepper)}, nil
}

// GenerateHash hashes clearText under a fresh random salt and returns a
// PHC-format string carrying the parameters and salt.
func (m *Manager) GenerateHash(clearText string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", trace.Wrap(err)
	}
	key := argon2.IDKey(m.pepperedInput(clearText), salt, passes, memoryKiB, parallelism, keyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, memoryKiB, passes, parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// Matches verifies clearText against a hash produced by GenerateHash.
// A malformed hash is an error; a wrong password is simply false.
func (m *Manager) Matches(clearText, hashed string) (bool, error) {
	var version int
	var mem, t uint32
	var p uint8
	parts := strings.Split(hashed, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, trace.BadParameter("malformed password hash")
	}
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, trace.BadParameter("malformed password hash version")
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &t, &p); err != nil {
		return false, trace.BadParameter("malformed password hash parameters")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, trace.BadParameter("malformed password hash salt")
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, trace.BadParameter("malformed password hash digest")
	}

	got := argon2.IDKey(m.pepperedInput(clearText), salt, t, mem, p, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// pepperedInput keys the clear text with the process pepper before the
// KDF runs.
func (m *Manager) pepperedInput(clearText string) []byte {
	mac := hmac.New(sha256.New, m.pepper)
	mac.Write([]byte(clearText))
	return mac.Sum(nil)
}
