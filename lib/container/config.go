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

package container

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/gravitational/trace"

	"github.com/kiwilabs/kiwi/lib/defaults"
	"github.com/kiwilabs/kiwi/lib/types"
)

// EnvVar is a single name/value environment entry. Order is preserved.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ExposedPort maps a container-internal port to a host port bound on
// 127.0.0.1. The external port is what the subdomain proxy dials.
type ExposedPort struct {
	Internal int `json:"internal"`
	External int `json:"external"`
}

// Config describes one container to run: either a user service or one of
// the built-in infrastructure containers.
type Config struct {
	// Name is the container name, the volume id prefix and, for user
	// services, the virtual network name and subdomain label.
	Name      string         `json:"name"`
	ImageName string         `json:"image_name"`
	ImageSHA  types.ImageSHA `json:"image_sha"`
	// ExposedPort binds 127.0.0.1:External to Internal/tcp.
	ExposedPort ExposedPort `json:"exposed_port"`
	// EnvironmentVariables are operator-provided plain settings.
	EnvironmentVariables []EnvVar `json:"environment_variables"`
	// Secrets are operator-provided and never returned from list/get.
	Secrets []EnvVar `json:"secrets"`
	// InternalSecrets carry the generated data-plane credentials
	// (KIWI_POSTGRES_URI and friends). Never operator-visible.
	InternalSecrets []EnvVar `json:"-"`
	// StatefulVolumePaths are absolute container paths backed by named
	// volumes that survive redeploys.
	StatefulVolumePaths []string `json:"stateful_volume_paths"`
	// GithubRepository gates CI deploys when set.
	GithubRepository types.GithubRepository `json:"github_repository,omitempty"`
	// RequiredRole gates proxy access; empty means public.
	RequiredRole types.Role `json:"required_role,omitempty"`
}

// CheckAndSetDefaults validates an operator-supplied configuration.
func (c *Config) CheckAndSetDefaults() error {
	if !types.ValidServiceName(c.Name) {
		return trace.BadParameter("service name must match ^[A-Za-z0-9_-]{3,32}$")
	}
	if c.ImageName == "" {
		return trace.BadParameter("missing image name")
	}
	sha, err := types.NewImageSHA(c.ImageSHA.String())
	if err != nil {
		return trace.Wrap(err)
	}
	c.ImageSHA = sha
	if c.ExposedPort.Internal <= 0 || c.ExposedPort.Internal > 65535 {
		return trace.BadParameter("internal port %v out of range", c.ExposedPort.Internal)
	}
	if c.ExposedPort.External <= 0 || c.ExposedPort.External > 65535 {
		return trace.BadParameter("external port %v out of range", c.ExposedPort.External)
	}
	for _, path := range c.StatefulVolumePaths {
		if len(path) == 0 || path[0] != '/' {
			return trace.BadParameter("stateful volume path %q is not absolute", path)
		}
	}
	if c.GithubRepository != "" {
		repo, err := types.NewGithubRepository(c.GithubRepository.String())
		if err != nil {
			return trace.Wrap(err)
		}
		c.GithubRepository = repo
	}
	if c.RequiredRole != "" {
		if _, err := types.ParseRole(string(c.RequiredRole)); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// ImageRef returns the digest-pinned image reference used for pulls.
func (c *Config) ImageRef() string {
	return fmt.Sprintf("%s@sha256:%s", c.ImageName, c.ImageSHA)
}

// VolumeID derives the stable volume name for one stateful path. The
// name survives restarts and redeploys, so the same path always reattaches
// to the same data.
func (c *Config) VolumeID(path string) string {
	sum := sha256.Sum256([]byte(c.Name + "-" + path))
	return c.Name + "-" + hex.EncodeToString(sum[:])
}

// VolumeIDs returns the volume id of every stateful path.
func (c *Config) VolumeIDs() []string {
	ids := make([]string, 0, len(c.StatefulVolumePaths))
	for _, path := range c.StatefulVolumePaths {
		ids = append(ids, c.VolumeID(path))
	}
	return ids
}

// PostgresConfig is the built-in database container.
func PostgresConfig(adminUsername, adminPassword string) Config {
	return Config{
		Name:      defaults.PostgresContainerName,
		ImageName: defaults.PostgresImageName,
		ImageSHA:  types.ImageSHA(defaults.PostgresImageSHA),
		ExposedPort: ExposedPort{
			Internal: 5432,
			External: 5432,
		},
		EnvironmentVariables: []EnvVar{
			{Name: "POSTGRES_DB", Value: defaults.DatabaseName},
		},
		InternalSecrets: []EnvVar{
			{Name: "POSTGRES_USER", Value: adminUsername},
			{Name: "POSTGRES_PASSWORD", Value: adminPassword},
		},
		StatefulVolumePaths: []string{"/var/lib/postgresql/data"},
	}
}

// RedisConfig is the built-in cache container.
func RedisConfig(adminPassword string) Config {
	return Config{
		Name:      defaults.RedisContainerName,
		ImageName: defaults.RedisImageName,
		ImageSHA:  types.ImageSHA(defaults.RedisImageSHA),
		ExposedPort: ExposedPort{
			Internal: 6379,
			External: 6379,
		},
		InternalSecrets: []EnvVar{
			{Name: "REDIS_PASSWORD", Value: adminPassword},
		},
		StatefulVolumePaths: []string{"/bitnami/redis/data"},
	}
}

// ServiceInternalSecrets builds the data-plane environment a user service
// receives: connection URIs for its own database role and cache keyspace.
func ServiceInternalSecrets(pgUser, pgPassword, redisUser, redisPassword string) []EnvVar {
	return []EnvVar{
		{
			Name: "KIWI_POSTGRES_URI",
			Value: fmt.Sprintf("postgres://%s:%s@%s:5432/%s",
				pgUser, pgPassword, defaults.PostgresContainerName, pgUser),
		},
		{
			Name: "KIWI_REDIS_URI",
			Value: fmt.Sprintf("redis://%s:%s@%s:6379",
				redisUser, redisPassword, defaults.RedisContainerName),
		},
		{
			Name:  "KIWI_REDIS_PREFIX",
			Value: redisUser + ":",
		},
	}
}

// LogKind classifies one container log entry.
type LogKind string

const (
	LogStdout  LogKind = "stdout"
	LogStderr  LogKind = "stderr"
	LogStdin   LogKind = "stdin"
	LogConsole LogKind = "console"
)

// LogEntry is one demultiplexed container log line.
type LogEntry struct {
	Kind    LogKind `json:"kind"`
	Message string  `json:"message"`
}
