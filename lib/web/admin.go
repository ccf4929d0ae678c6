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
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/kiwilabs/kiwi/lib/container"
	"github.com/kiwilabs/kiwi/lib/defaults"
	"github.com/kiwilabs/kiwi/lib/httplib"
	"github.com/kiwilabs/kiwi/lib/state"
	"github.com/kiwilabs/kiwi/lib/types"
)

// reservedServiceNames can never be deployed: they are routing
// prefixes or infrastructure container names.
var reservedServiceNames = map[string]bool{
	"admin":                        true,
	"auth":                         true,
	"ci":                           true,
	"status":                       true,
	defaults.PostgresContainerName: true,
	defaults.RedisContainerName:    true,
}

// serviceResponse is a service as the admin API reports it. Operator
// secrets and generated credentials never appear here.
type serviceResponse struct {
	Name                 string                 `json:"name"`
	ImageName            string                 `json:"image_name"`
	ImageSHA             types.ImageSHA         `json:"image_sha"`
	ExposedPort          container.ExposedPort  `json:"exposed_port"`
	EnvironmentVariables []container.EnvVar     `json:"environment_variables"`
	StatefulVolumePaths  []string               `json:"stateful_volume_paths"`
	GithubRepository     types.GithubRepository `json:"github_repository,omitempty"`
	RequiredRole         types.Role             `json:"required_role,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
	LastModifiedAt       time.Time              `json:"last_modified_at"`
	LastDeployedAt       time.Time              `json:"last_deployed_at"`
}

func redactService(record *state.ServiceRecord) serviceResponse {
	cfg := record.Config
	return serviceResponse{
		Name:                 cfg.Name,
		ImageName:            cfg.ImageName,
		ImageSHA:             cfg.ImageSHA,
		ExposedPort:          cfg.ExposedPort,
		EnvironmentVariables: cfg.EnvironmentVariables,
		StatefulVolumePaths:  cfg.StatefulVolumePaths,
		GithubRepository:     cfg.GithubRepository,
		RequiredRole:         cfg.RequiredRole,
		CreatedAt:            record.CreatedAt,
		LastModifiedAt:       record.LastModifiedAt,
		LastDeployedAt:       record.LastDeployedAt,
	}
}

func (h *Handler) listServices(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	records, err := h.Database.GetServices(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]serviceResponse, 0, len(records))
	for i := range records {
		out = append(out, redactService(&records[i]))
	}
	return out, nil
}

func (h *Handler) getService(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	record, err := h.Database.GetService(r.Context(), p.ByName("name"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return redactService(record), nil
}

func (h *Handler) serviceStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	name := p.ByName("name")
	if _, err := h.Database.GetService(r.Context(), name); err != nil {
		return nil, trace.Wrap(err)
	}
	status, err := h.Engine.GetContainerStatus(r.Context(), name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"name": name, "status": status}, nil
}

func (h *Handler) serviceLogs(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	name := p.ByName("name")
	if _, err := h.Database.GetService(r.Context(), name); err != nil {
		return nil, trace.Wrap(err)
	}

	from, to := time.Time{}, time.Time{}
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, trace.BadParameter("malformed from timestamp: %v", err)
		}
		from = parsed
	}
	if v := r.URL.Query().Get("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, trace.BadParameter("malformed to timestamp: %v", err)
		}
		to = parsed
	}

	entries, err := h.Engine.GetContainerLogs(r.Context(), name, from, to)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return entries, nil
}

// createService provisions everything a service needs: cache user,
// database role and database, row, container, and its virtual network.
// Failures compensate backwards so a failed create leaves no residue.
func (h *Handler) createService(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var cfg container.Config
	if err := httplib.ReadJSON(r, &cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if reservedServiceNames[cfg.Name] {
		return nil, trace.BadParameter("service name %q is reserved", cfg.Name)
	}
	cfg.InternalSecrets = nil

	if err := h.checkExternalPortAvailable(r, cfg.ExposedPort.External, ""); err != nil {
		return nil, trace.Wrap(err)
	}

	creds, err := state.GenerateServiceCredentials()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if err := h.Cache.CreateUser(r.Context(), creds.RedisUsername, creds.RedisPassword); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.Database.CreateService(r.Context(), cfg, *creds); err != nil {
		if cleanupErr := h.Cache.DeleteUser(r.Context(), creds.RedisUsername); cleanupErr != nil {
			h.log.ErrorContext(r.Context(), "cache user cleanup failed",
				"service", cfg.Name, "error", cleanupErr)
		}
		return nil, trace.Wrap(err)
	}

	cfg.InternalSecrets = container.ServiceInternalSecrets(
		creds.PostgresUsername, creds.PostgresPassword,
		creds.RedisUsername, creds.RedisPassword)

	if err := h.startServiceContainer(r, cfg); err != nil {
		h.compensateFailedCreate(r, cfg.Name, creds.RedisUsername)
		return nil, trace.Wrap(err)
	}

	if err := h.Cache.StoreServicePort(r.Context(), cfg.Name, cfg.ExposedPort.External); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.Cache.StoreServiceAuth(r.Context(), cfg.Name, cfg.RequiredRole); err != nil {
		return nil, trace.Wrap(err)
	}

	record, err := h.Database.GetService(r.Context(), cfg.Name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.log.InfoContext(r.Context(), "service created", "service", cfg.Name,
		"port", cfg.ExposedPort.External)
	return redactService(record), nil
}

func (h *Handler) startServiceContainer(r *http.Request, cfg container.Config) error {
	if err := h.Engine.StartContainer(r.Context(), cfg); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(h.Engine.CreateAndAttachNetwork(r.Context(), cfg))
}

func (h *Handler) compensateFailedCreate(r *http.Request, name, redisUsername string) {
	if err := h.Engine.StopAndRemoveContainer(r.Context(), name); err != nil {
		h.log.ErrorContext(r.Context(), "container cleanup failed", "service", name, "error", err)
	}
	if err := h.Database.DeleteService(r.Context(), name); err != nil {
		h.log.ErrorContext(r.Context(), "database cleanup failed", "service", name, "error", err)
	}
	if err := h.Cache.DeleteUser(r.Context(), redisUsername); err != nil {
		h.log.ErrorContext(r.Context(), "cache user cleanup failed", "service", name, "error", err)
	}
}

// checkExternalPortAvailable enforces external port uniqueness across
// services and rejects ports already bound on the host. ignore names a
// service whose own port does not conflict (the edit case).
func (h *Handler) checkExternalPortAvailable(r *http.Request, port int, ignore string) error {
	records, err := h.Database.GetServices(r.Context())
	if err != nil {
		return trace.Wrap(err)
	}
	for i := range records {
		if records[i].Config.Name == ignore {
			continue
		}
		if records[i].Config.ExposedPort.External == port {
			return trace.BadParameter("external port %v is used by service %q",
				port, records[i].Config.Name)
		}
	}
	if !container.IsLocalPortFree(port) {
		return trace.BadParameter("external port %v is already bound on this host", port)
	}
	return nil
}

// updateService redeploys a service with a new configuration. Name and
// external port are immutable; volumes dropped from the stateful paths
// are destroyed.
func (h *Handler) updateService(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var cfg container.Config
	if err := httplib.ReadJSON(r, &cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	record, err := h.Database.GetService(r.Context(), p.ByName("name"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	old := record.Config

	if cfg.Name != old.Name {
		return nil, trace.BadParameter("a service cannot be renamed")
	}
	if cfg.ExposedPort.External != old.ExposedPort.External {
		return nil, trace.BadParameter("the external port of a service cannot change")
	}
	cfg.InternalSecrets = nil

	if err := h.Engine.StopAndRemoveContainer(r.Context(), old.Name); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.removeDroppedVolumes(r, old, cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.Database.UpdateService(r.Context(), cfg); err != nil {
		return nil, trace.Wrap(err)
	}

	cfg.InternalSecrets = container.ServiceInternalSecrets(
		record.Credentials.PostgresUsername, record.Credentials.PostgresPassword,
		record.Credentials.RedisUsername, record.Credentials.RedisPassword)
	if err := h.startServiceContainer(r, cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.Engine.PruneUnusedImages(r.Context()); err != nil {
		h.log.WarnContext(r.Context(), "image prune failed", "error", err)
	}

	// The port is immutable but the role may have changed; the no-TTL
	// memoizations must not outlive the configuration they cache.
	if err := h.Cache.PurgeServiceAuth(r.Context(), cfg.Name); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.Cache.PurgeServicePort(r.Context(), cfg.Name); err != nil {
		return nil, trace.Wrap(err)
	}

	updated, err := h.Database.GetService(r.Context(), cfg.Name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.log.InfoContext(r.Context(), "service updated", "service", cfg.Name)
	return redactService(updated), nil
}

func (h *Handler) removeDroppedVolumes(r *http.Request, old, updated container.Config) error {
	kept := make(map[string]bool, len(updated.StatefulVolumePaths))
	for _, path := range updated.StatefulVolumePaths {
		kept[path] = true
	}
	dropped := old
	dropped.StatefulVolumePaths = nil
	for _, path := range old.StatefulVolumePaths {
		if !kept[path] {
			dropped.StatefulVolumePaths = append(dropped.StatefulVolumePaths, path)
		}
	}
	if len(dropped.StatefulVolumePaths) == 0 {
		return nil
	}
	return trace.Wrap(h.Engine.RemoveVolumes(r.Context(), dropped))
}

// deleteService tears a service down in strict order: container,
// volumes, images, cache user, cached lookups, then the row with its
// database and role.
func (h *Handler) deleteService(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	record, err := h.Database.GetService(r.Context(), p.ByName("name"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg := record.Config

	if err := h.Engine.StopAndRemoveContainer(r.Context(), cfg.Name); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.Engine.RemoveVolumes(r.Context(), cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.Engine.PruneUnusedImages(r.Context()); err != nil {
		h.log.WarnContext(r.Context(), "image prune failed", "error", err)
	}
	if err := h.Cache.DeleteUser(r.Context(), record.Credentials.RedisUsername); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.Cache.PurgeServicePort(r.Context(), cfg.Name); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.Cache.PurgeServiceAuth(r.Context(), cfg.Name); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.Database.DeleteService(r.Context(), cfg.Name); err != nil {
		return nil, trace.Wrap(err)
	}

	h.log.InfoContext(r.Context(), "service deleted", "service", cfg.Name)
	return map[string]string{"status": "deleted"}, nil
}

type userResponse struct {
	ID       int64      `json:"id"`
	Username string     `json:"username"`
	Role     types.Role `json:"role"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	users, err := h.Database.GetUsers(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, userResponse{ID: u.ID, Username: u.Username, Role: u.Role})
	}
	return out, nil
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	id, err := strconv.ParseInt(p.ByName("id"), 10, 64)
	if err != nil {
		return nil, trace.BadParameter("malformed user id")
	}
	if formatUserID(id) == r.Header.Get(defaults.UserIDHeader) {
		return nil, trace.BadParameter("cannot delete the account of the current session")
	}
	if err := h.Database.DeleteUser(r.Context(), id); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"status": "deleted"}, nil
}

func (h *Handler) listUserInvitations(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	invitations, err := h.Database.GetUserInvitations(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return invitations, nil
}

type createInvitationRequest struct {
	Role string `json:"role"`
}

func (h *Handler) createUserInvitation(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req createInvitationRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	role, err := types.ParseRole(req.Role)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	invitation, err := h.Database.CreateUserInvitation(r.Context(), role)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return invitation, nil
}

func (h *Handler) deleteUserInvitation(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	id, err := uuid.Parse(p.ByName("id"))
	if err != nil {
		return nil, trace.BadParameter("malformed invitation id")
	}
	if err := h.Database.DeleteUserInvitation(r.Context(), id); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"status": "deleted"}, nil
}

// whoami reports the identity the authentication middleware resolved.
func (h *Handler) whoami(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	id, err := strconv.ParseInt(r.Header.Get(defaults.UserIDHeader), 10, 64)
	if err != nil {
		return nil, httplib.Unauthorized("no session")
	}
	user, err := h.Database.GetUserByID(r.Context(), id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return userResponse{ID: user.ID, Username: user.Username, Role: user.Role}, nil
}
