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

// Package container drives the local container daemon: it owns the fleet
// of user-service containers, their named volumes and the per-service
// virtual networks that connect each service to the database and cache
// containers and to nothing else.
package container

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/gravitational/trace"

	"github.com/kiwilabs/kiwi/lib/defaults"
)

// builtinNetworks are the daemon-managed networks the boot reset must
// never remove.
var builtinNetworks = map[string]bool{
	"bridge": true,
	"host":   true,
	"none":   true,
}

// Engine talks to the local container daemon. It is safe for concurrent
// use; the underlying client carries its own connection pool.
type Engine struct {
	cli *client.Client
	log *slog.Logger
}

// NewEngine connects to the daemon over its local socket, verifies the
// connection, and resets all container state left over from a previous
// run: every container is stopped and force-removed and every non-builtin
// network deleted. Volumes are preserved.
func NewEngine(ctx context.Context, log *slog.Logger) (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, trace.Wrap(err, "container daemon is not reachable")
	}

	engine := &Engine{cli: cli, log: log.With("component", "container")}
	if err := engine.resetAllState(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	return engine, nil
}

// NewEngineFromClient wraps an existing daemon client without pinging
// or resetting state. Used by tests.
func NewEngineFromClient(cli *client.Client, log *slog.Logger) *Engine {
	return &Engine{cli: cli, log: log.With("component", "container")}
}

func (e *Engine) resetAllState(ctx context.Context) error {
	containers, err := e.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return trace.Wrap(err)
	}
	for _, c := range containers {
		switch c.State {
		case container.StateCreated, container.StateRunning, container.StateRestarting:
			if err := e.cli.ContainerStop(ctx, c.ID, container.StopOptions{}); err != nil {
				return trace.Wrap(err)
			}
		}
		if err := e.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			return trace.Wrap(err)
		}
	}

	networks, err := e.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return trace.Wrap(err)
	}
	removedNetworks := 0
	for _, n := range networks {
		if builtinNetworks[n.Name] {
			continue
		}
		if err := e.cli.NetworkRemove(ctx, n.ID); err != nil {
			return trace.Wrap(err)
		}
		removedNetworks++
	}

	e.log.InfoContext(ctx, "container state reset",
		"removed_containers", len(containers),
		"removed_networks", removedNetworks)
	return nil
}

// StartContainer creates any missing volumes, pulls the digest-pinned
// image, creates the container with its environment, port binding and
// volume binds, and starts it.
func (e *Engine) StartContainer(ctx context.Context, cfg Config) error {
	for i, path := range cfg.StatefulVolumePaths {
		id := cfg.VolumeID(path)
		_, err := e.cli.VolumeInspect(ctx, id)
		switch {
		case err == nil:
		case client.IsErrNotFound(err):
			if _, err := e.cli.VolumeCreate(ctx, volume.CreateOptions{Name: id}); err != nil {
				return trace.Wrap(err)
			}
			e.log.InfoContext(ctx, "volume created", "volume", id, "path", cfg.StatefulVolumePaths[i])
		default:
			return trace.Wrap(err)
		}
	}

	ref := cfg.ImageRef()
	e.log.InfoContext(ctx, "pulling image", "image", ref)
	pull, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return trace.Wrap(err, "pulling %v", ref)
	}
	// The pull only completes once the progress stream is drained.
	_, copyErr := io.Copy(io.Discard, pull)
	if err := pull.Close(); err != nil {
		return trace.Wrap(err)
	}
	if copyErr != nil {
		return trace.Wrap(copyErr, "pulling %v", ref)
	}

	env := make([]string, 0, len(cfg.EnvironmentVariables)+len(cfg.Secrets)+len(cfg.InternalSecrets))
	for _, group := range [][]EnvVar{cfg.EnvironmentVariables, cfg.Secrets, cfg.InternalSecrets} {
		for _, v := range group {
			env = append(env, v.Name+"="+v.Value)
		}
	}

	internalPort := nat.Port(fmt.Sprintf("%d/tcp", cfg.ExposedPort.Internal))
	binds := make([]string, 0, len(cfg.StatefulVolumePaths))
	for _, path := range cfg.StatefulVolumePaths {
		binds = append(binds, cfg.VolumeID(path)+":"+path)
	}

	_, err = e.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        ref,
			Env:          env,
			ExposedPorts: nat.PortSet{internalPort: struct{}{}},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{
				internalPort: []nat.PortBinding{{
					// Binding on loopback only forces all external
					// traffic through the subdomain proxy.
					HostIP:   "127.0.0.1",
					HostPort: fmt.Sprintf("%d", cfg.ExposedPort.External),
				}},
			},
			Binds: binds,
		},
		nil, nil, cfg.Name)
	if err != nil {
		return trace.Wrap(err, "creating container %v", cfg.Name)
	}

	if err := e.cli.ContainerStart(ctx, cfg.Name, container.StartOptions{}); err != nil {
		return trace.Wrap(err, "starting container %v", cfg.Name)
	}
	e.log.InfoContext(ctx, "container started", "container", cfg.Name)
	return nil
}

// CreateAndAttachNetwork replaces the service's virtual network and
// attaches the database container, the cache container and the service
// itself. This is the only topology in which a user container can reach
// its data dependencies; it cannot reach other user containers or the
// host network.
func (e *Engine) CreateAndAttachNetwork(ctx context.Context, cfg Config) error {
	if err := e.removeNetwork(ctx, cfg.Name); err != nil {
		return trace.Wrap(err)
	}

	created, err := e.cli.NetworkCreate(ctx, cfg.Name, network.CreateOptions{})
	if err != nil {
		return trace.Wrap(err, "creating network %v", cfg.Name)
	}

	for _, name := range []string{defaults.PostgresContainerName, defaults.RedisContainerName, cfg.Name} {
		if err := e.cli.NetworkConnect(ctx, created.ID, name, nil); err != nil {
			return trace.Wrap(err, "attaching %v to network %v", name, cfg.Name)
		}
	}
	e.log.InfoContext(ctx, "network created and attached", "network", cfg.Name)
	return nil
}

// removeNetwork drops the named network if it exists.
func (e *Engine) removeNetwork(ctx context.Context, name string) error {
	networks, err := e.cli.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	for _, n := range networks {
		// The name filter matches substrings; only drop the exact network.
		if n.Name != name {
			continue
		}
		if err := e.cli.NetworkRemove(ctx, n.ID); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// StopAndRemoveContainer detaches and removes the service network, stops
// the container when it is in a stoppable state, and force-removes it.
func (e *Engine) StopAndRemoveContainer(ctx context.Context, name string) error {
	if err := e.removeNetwork(ctx, name); err != nil {
		return trace.Wrap(err)
	}

	inspected, err := e.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return trace.NotFound("container %v not found", name)
		}
		return trace.Wrap(err)
	}
	switch inspected.State.Status {
	case container.StateCreated, container.StateRunning, container.StateRestarting:
		if err := e.cli.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
			return trace.Wrap(err)
		}
	}
	if err := e.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		return trace.Wrap(err)
	}
	e.log.InfoContext(ctx, "container stopped and removed", "container", name)
	return nil
}

// RemoveVolumes deletes every volume derived from the configuration's
// stateful paths.
func (e *Engine) RemoveVolumes(ctx context.Context, cfg Config) error {
	for _, id := range cfg.VolumeIDs() {
		if err := e.cli.VolumeRemove(ctx, id, false); err != nil && !client.IsErrNotFound(err) {
			return trace.Wrap(err, "removing volume %v", id)
		}
	}
	return nil
}

// PruneUnusedImages deletes dangling images left behind by redeploys.
func (e *Engine) PruneUnusedImages(ctx context.Context) error {
	report, err := e.cli.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "true")))
	if err != nil {
		return trace.Wrap(err)
	}
	if len(report.ImagesDeleted) > 0 {
		e.log.InfoContext(ctx, "pruned unused images",
			"count", len(report.ImagesDeleted),
			"reclaimed_bytes", report.SpaceReclaimed)
	}
	return nil
}

// GetContainerStatus returns the daemon's status string for the container.
func (e *Engine) GetContainerStatus(ctx context.Context, name string) (string, error) {
	inspected, err := e.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", trace.NotFound("container %v not found", name)
		}
		return "", trace.Wrap(err)
	}
	return string(inspected.State.Status), nil
}

// GetContainerLogs returns the container's log entries between from and
// to, demultiplexed into stdout/stderr/stdin streams. A TTY container's
// raw stream comes back as console entries.
func (e *Engine) GetContainerLogs(ctx context.Context, name string, from, to time.Time) ([]LogEntry, error) {
	inspected, err := e.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, trace.NotFound("container %v not found", name)
		}
		return nil, trace.Wrap(err)
	}

	reader, err := e.cli.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Since:      fmt.Sprintf("%d", from.Unix()),
		Until:      fmt.Sprintf("%d", to.Unix()),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer reader.Close()

	if inspected.Config != nil && inspected.Config.Tty {
		data, err := io.ReadAll(reader)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return []LogEntry{{Kind: LogConsole, Message: string(data)}}, nil
	}
	entries, err := demuxLogStream(reader)
	return entries, trace.Wrap(err)
}

// demuxLogStream splits the daemon's multiplexed log stream: each frame
// is an 8 byte header (stream type, 3 zero bytes, big-endian length)
// followed by the payload.
func demuxLogStream(r io.Reader) ([]LogEntry, error) {
	var entries []LogEntry
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return entries, nil
			}
			return nil, trace.Wrap(err)
		}
		payload := make([]byte, binary.BigEndian.Uint32(header[4:]))
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, trace.Wrap(err)
		}

		var kind LogKind
		switch header[0] {
		case 0:
			kind = LogStdin
		case 1:
			kind = LogStdout
		case 2:
			kind = LogStderr
		default:
			kind = LogConsole
		}
		entries = append(entries, LogEntry{Kind: kind, Message: string(payload)})
	}
}

// IsLocalPortFree reports whether the loopback port can be bound right
// now. Create-service uses it to reject external ports that something
// else on the host already owns.
func IsLocalPortFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
