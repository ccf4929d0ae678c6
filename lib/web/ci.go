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

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/kiwilabs/kiwi/lib/container"
	"github.com/kiwilabs/kiwi/lib/defaults"
	"github.com/kiwilabs/kiwi/lib/httplib"
	"github.com/kiwilabs/kiwi/lib/types"
)

type ciDeployRequest struct {
	OIDCToken string `json:"oidc_token"`
	ImageSHA  string `json:"image_sha"`
}

// ciDeploy rolls a service to a new image digest on behalf of a CI
// workflow. The workflow proves its identity with an OIDC token; the
// token's repository must be the one the service is bound to and the
// ref must be the deploy branch.
func (h *Handler) ciDeploy(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if h.CIValidator == nil {
		return nil, trace.AccessDenied("ci deploys are not available")
	}

	var req ciDeployRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}

	claims, err := h.CIValidator.Validate(req.OIDCToken)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	record, err := h.Database.GetService(r.Context(), p.ByName("name"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg := record.Config

	if cfg.GithubRepository == "" {
		return nil, trace.AccessDenied("service %q does not accept ci deploys", cfg.Name)
	}
	if claims.Repository != cfg.GithubRepository {
		return nil, trace.AccessDenied("token repository does not match the service")
	}
	if claims.Ref != defaults.CIDeployBranch {
		return nil, trace.AccessDenied("deploys are only accepted from %v", defaults.CIDeployBranch)
	}

	sha, err := types.NewImageSHA(req.ImageSHA)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg.ImageSHA = sha

	if err := h.Database.UpdateService(r.Context(), cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.Engine.StopAndRemoveContainer(r.Context(), cfg.Name); err != nil {
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

	h.log.InfoContext(r.Context(), "ci deploy complete",
		"service", cfg.Name, "image_sha", sha.String(), "repository", claims.Repository.String())
	return map[string]string{"status": "deployed", "image_sha": sha.String()}, nil
}
