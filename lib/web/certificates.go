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
	"context"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/kiwilabs/kiwi/lib/acmecert"
	"github.com/kiwilabs/kiwi/lib/dynamicdns"
	"github.com/kiwilabs/kiwi/lib/httplib"
	"github.com/kiwilabs/kiwi/lib/secrets"
)

type orderCertificateRequest struct {
	Domain string `json:"domain"`
}

// orderCertificate opens a wildcard order and remembers it as the
// pending order. The response carries the TXT record the operator must
// publish before finalizing.
func (h *Handler) orderCertificate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req orderCertificateRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	domain := req.Domain
	if domain == "" {
		if cfg := h.Secrets.DynamicDNSConfig(); cfg != nil {
			domain = cfg.Domain
		}
	}
	if domain == "" {
		return nil, trace.BadParameter("missing domain")
	}

	challenge, err := h.ACME.OrderNewCertificate(r.Context(), domain)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.Cache.SetLastCertOrder(r.Context(), challenge.OrderURL); err != nil {
		return nil, trace.Wrap(err)
	}
	return challenge, nil
}

// pendingCertificateOrder re-reports the TXT record of the pending
// order, for when the operator lost the response to order.
func (h *Handler) pendingCertificateOrder(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	orderURL, err := h.Cache.GetLastCertOrder(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	challenge, err := h.ACME.GetPendingChallenge(r.Context(), orderURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return challenge, nil
}

type finalizeCertificateResponse struct {
	Outcome acmecert.FinalizeOutcome `json:"outcome"`
}

// finalizeCertificate asks the CA to validate the published record and
// issue. On success the pending order is forgotten and the supervisor
// picks up the new files within a worker tick.
func (h *Handler) finalizeCertificate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	orderURL, err := h.Cache.GetLastCertOrder(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	outcome, err := h.ACME.FinalizeAndSaveCertificate(r.Context(), orderURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if outcome == acmecert.OutcomeSuccess {
		if err := h.Cache.PurgeLastCertOrder(r.Context()); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return finalizeCertificateResponse{Outcome: outcome}, nil
}

func (h *Handler) certificateInfo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	info, err := h.ACME.GetCertificateInfo()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return info, nil
}

// dynamicDNSResponse reports the stored configuration without the
// provider credentials.
type dynamicDNSResponse struct {
	Enabled  bool                       `json:"enabled"`
	Provider secrets.DynamicDNSProvider `json:"provider,omitempty"`
	Domain   string                     `json:"domain,omitempty"`
}

func (h *Handler) getDynamicDNS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	cfg := h.Secrets.DynamicDNSConfig()
	if cfg == nil {
		return dynamicDNSResponse{Enabled: false}, nil
	}
	return dynamicDNSResponse{Enabled: true, Provider: cfg.Provider, Domain: cfg.Domain}, nil
}

// enableDynamicDNS validates the provider credentials, persists the
// configuration and starts refreshing on worker ticks.
func (h *Handler) enableDynamicDNS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var cfg secrets.DynamicDNSConfig
	if err := httplib.ReadJSON(r, &cfg); err != nil {
		return nil, trace.Wrap(err)
	}

	manager, err := dynamicdns.NewManager(r.Context(), cfg, h.log)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.Secrets.SetDynamicDNSConfig(&cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	h.SetDynamicDNS(manager)

	if err := manager.Refresh(r.Context()); err != nil {
		h.log.WarnContext(r.Context(), "initial dns refresh failed", "error", err)
	}
	return dynamicDNSResponse{Enabled: true, Provider: cfg.Provider, Domain: cfg.Domain}, nil
}

func (h *Handler) disableDynamicDNS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	if err := h.Secrets.SetDynamicDNSConfig(nil); err != nil {
		return nil, trace.Wrap(err)
	}
	h.SetDynamicDNS(nil)
	return dynamicDNSResponse{Enabled: false}, nil
}

// SetDynamicDNS installs or removes the dynamic DNS manager. Called at
// boot and by the enable/disable endpoints.
func (h *Handler) SetDynamicDNS(manager *dynamicdns.Manager) {
	h.ddnsMu.Lock()
	defer h.ddnsMu.Unlock()
	h.ddns = manager
}

// RefreshDNS runs one dynamic DNS refresh. A no-op while dynamic DNS
// is disabled. Called by the supervisor's worker.
func (h *Handler) RefreshDNS(ctx context.Context) error {
	h.ddnsMu.Lock()
	manager := h.ddns
	h.ddnsMu.Unlock()
	if manager == nil {
		return nil
	}
	return trace.Wrap(manager.Refresh(ctx))
}
