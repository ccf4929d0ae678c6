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

// Package secrets owns the long-lived secrets of a kiwi install: the
// crypto pepper, the admin credentials of the database and cache
// containers, the optional dynamic DNS provider credentials and the ACME
// account blob. Everything lives in one JSON file under the config
// folder; missing fields are generated at load and the file is rewritten
// atomically on every mutation.
package secrets

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/gravitational/trace"

	"github.com/kiwilabs/kiwi/lib/defaults"
	"github.com/kiwilabs/kiwi/lib/utils"
)

// DynamicDNSProvider identifies a supported dynamic DNS API.
type DynamicDNSProvider string

// GoDaddy is the only recognized provider.
const GoDaddy DynamicDNSProvider = "GoDaddy"

// DynamicDNSConfig is the stored dynamic DNS provider configuration.
type DynamicDNSConfig struct {
	Provider            DynamicDNSProvider `json:"provider"`
	AuthorizationHeader string             `json:"authorization_header"`
	Domain              string             `json:"domain"`
}

// CheckAndSetDefaults validates a configuration received over the wire.
func (c *DynamicDNSConfig) CheckAndSetDefaults() error {
	if c.Provider != GoDaddy {
		return trace.BadParameter("unknown dynamic dns provider %q", c.Provider)
	}
	if c.AuthorizationHeader == "" {
		return trace.BadParameter("missing dynamic dns authorization header")
	}
	if c.Domain == "" {
		return trace.BadParameter("missing dynamic dns domain")
	}
	return nil
}

type storedSecrets struct {
	CryptoPepper           string            `json:"crypto_pepper"`
	DBAdminUsername        string            `json:"db_admin_username"`
	DBAdminPassword        string            `json:"db_admin_password"`
	RedisAdminPassword     string            `json:"redis_admin_password"`
	DynamicDNS             *DynamicDNSConfig `json:"dynamic_dns_api_configuration,omitempty"`
	LetsEncryptCredentials string            `json:"lets_encrypt_credentials,omitempty"`
}

// Store loads, serves and persists the secrets file. It is the single
// owner of the file; all mutation happens under its mutex.
type Store struct {
	mu      sync.Mutex
	path    string
	secrets storedSecrets
}

// Load reads the secrets file under configDir, creating the directory and
// any missing secrets, and rewrites the file so that a fresh install ends
// up with a complete set on disk.
func Load(configDir string) (*Store, error) {
	path := filepath.Join(configDir, defaults.SecretsFile)

	var stored storedSecrets
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &stored); err != nil {
			return nil, trace.Wrap(err, "parsing %v", path)
		}
	case os.IsNotExist(err):
	default:
		return nil, trace.ConvertSystemError(err)
	}

	for _, field := range []*string{
		&stored.CryptoPepper,
		&stored.DBAdminUsername,
		&stored.DBAdminPassword,
		&stored.RedisAdminPassword,
	} {
		if *field != "" {
			continue
		}
		generated, err := utils.RandomAlphanumeric(defaults.SecretLength)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		*field = generated
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	store := &Store{path: path, secrets: stored}
	if err := store.write(); err != nil {
		return nil, trace.Wrap(err)
	}
	return store, nil
}

// write persists the current secrets. Callers must hold mu or be the only
// reference holder.
func (s *Store) write() error {
	data, err := json.MarshalIndent(s.secrets, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(utils.AtomicWriteFile(s.path, data, 0o600))
}

// CryptoPepper returns the process-wide password hashing pepper.
func (s *Store) CryptoPepper() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secrets.CryptoPepper
}

// DBAdminUsername returns the database container superuser name.
func (s *Store) DBAdminUsername() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secrets.DBAdminUsername
}

// DBAdminPassword returns the database container superuser password.
func (s *Store) DBAdminPassword() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secrets.DBAdminPassword
}

// RedisAdminPassword returns the cache container admin password.
func (s *Store) RedisAdminPassword() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secrets.RedisAdminPassword
}

// DynamicDNSConfig returns the stored provider configuration, or nil when
// dynamic DNS is disabled.
func (s *Store) DynamicDNSConfig() *DynamicDNSConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secrets.DynamicDNS == nil {
		return nil
	}
	cfg := *s.secrets.DynamicDNS
	return &cfg
}

// SetDynamicDNSConfig stores or clears the provider configuration.
func (s *Store) SetDynamicDNSConfig(cfg *DynamicDNSConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets.DynamicDNS = cfg
	return trace.Wrap(s.write())
}

// LetsEncryptCredentials returns the opaque ACME account blob, empty when
// no account has been registered yet.
func (s *Store) LetsEncryptCredentials() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secrets.LetsEncryptCredentials
}

// SetLetsEncryptCredentials stores the ACME account blob.
func (s *Store) SetLetsEncryptCredentials(credentials string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets.LetsEncryptCredentials = credentials
	return trace.Wrap(s.write())
}
