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

package service

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"

	"github.com/kiwilabs/kiwi/lib/defaults"
)

// Let's Encrypt environments the --lets-encrypt-environment flag
// accepts.
const (
	LetsEncryptStaging    = "staging"
	LetsEncryptProduction = "production"
)

// Config is the process configuration, populated from the command line.
type Config struct {
	// Host is the bind address.
	Host string
	// Port is the bind port.
	Port int
	// ConfigDir holds the secrets store and the TLS materials.
	ConfigDir string
	// StaticFilesPath serves the built frontend when set; otherwise
	// root requests proxy to the local dev frontend server.
	StaticFilesPath string
	// DevFrontendPort is the local dev frontend server port.
	DevFrontendPort int
	// LetsEncryptEnvironment selects the ACME directory, staging or
	// production.
	LetsEncryptEnvironment string

	Log *slog.Logger
}

// CheckAndSetDefaults validates the configuration and fills in
// defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Host == "" {
		c.Host = defaults.BindHost
	}
	if c.Port == 0 {
		c.Port = defaults.BindPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return trace.BadParameter("port %v is out of range", c.Port)
	}
	if c.DevFrontendPort == 0 {
		c.DevFrontendPort = defaults.DevFrontendPort
	}
	if c.ConfigDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return trace.Wrap(err, "cannot resolve the default config folder")
		}
		c.ConfigDir = filepath.Join(home, ".kiwi")
	}
	if c.LetsEncryptEnvironment == "" {
		c.LetsEncryptEnvironment = LetsEncryptStaging
	}
	if _, err := c.acmeDirectoryURL(); err != nil {
		return trace.Wrap(err)
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return nil
}

// acmeDirectoryURL maps the configured environment to its ACME
// directory endpoint.
func (c *Config) acmeDirectoryURL() (string, error) {
	switch c.LetsEncryptEnvironment {
	case LetsEncryptStaging:
		return defaults.LetsEncryptStagingDirectory, nil
	case LetsEncryptProduction:
		return defaults.LetsEncryptProductionDirectory, nil
	}
	return "", trace.BadParameter("unknown lets encrypt environment %q, want %q or %q",
		c.LetsEncryptEnvironment, LetsEncryptStaging, LetsEncryptProduction)
}
