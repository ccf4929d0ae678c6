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

// Package dynamicdns keeps the domain's A records pointed at this
// host. The public IP is looked up on every worker tick and the
// provider is only called when it changed.
package dynamicdns

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/kiwilabs/kiwi/lib/secrets"
)

const (
	godaddyAPIBase  = "https://api.godaddy.com"
	ipifyURL        = "https://api.ipify.org?format=text"
	requestTimeout  = 10 * time.Second
	maxResponseSize = 1 << 16
)

// Manager refreshes the wildcard A record of one domain against the
// GoDaddy API.
type Manager struct {
	cfg    secrets.DynamicDNSConfig
	client *http.Client
	log    *slog.Logger

	apiBase string
	ipURL   string

	mu     sync.Mutex
	lastIP string
}

// Option overrides a manager dependency.
type Option func(*Manager)

// WithAPIBase points the manager at a different provider endpoint.
// Used by tests.
func WithAPIBase(base string) Option {
	return func(m *Manager) { m.apiBase = base }
}

// WithIPLookupURL points the public IP lookup elsewhere. Used by tests.
func WithIPLookupURL(url string) Option {
	return func(m *Manager) { m.ipURL = url }
}

// NewManager validates the stored credentials against the provider
// before accepting them. Returns AccessDenied when the provider
// rejects the authorization header, so a typoed key is caught at
// configuration time rather than on the first silent refresh failure.
func NewManager(ctx context.Context, cfg secrets.DynamicDNSConfig, log *slog.Logger, opts ...Option) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m := &Manager{
		cfg:     cfg,
		client:  &http.Client{Timeout: requestTimeout},
		log:     log.With("component", "dynamicdns", "domain", cfg.Domain),
		apiBase: godaddyAPIBase,
		ipURL:   ipifyURL,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.testCredentials(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	return m, nil
}

// testCredentials lists the account's domains, the cheapest
// authenticated call the provider offers.
func (m *Manager) testCredentials(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.apiBase+"/v1/domains", nil)
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("Authorization", m.cfg.AuthorizationHeader)

	resp, err := m.client.Do(req)
	if err != nil {
		return trace.Wrap(err, "dynamic dns provider is not reachable")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))

	if resp.StatusCode != http.StatusOK {
		return trace.AccessDenied("dynamic dns provider rejected the credentials (status %v)", resp.StatusCode)
	}
	return nil
}

// Domain returns the managed domain.
func (m *Manager) Domain() string {
	return m.cfg.Domain
}

// Refresh looks up the host's public IP and, when it changed since the
// last successful refresh, rewrites the wildcard A record. Only the
// wildcard is touched; the apex may carry records the operator manages
// elsewhere.
func (m *Manager) Refresh(ctx context.Context) error {
	ip, err := m.publicIP(ctx)
	if err != nil {
		return trace.Wrap(err)
	}

	m.mu.Lock()
	unchanged := ip == m.lastIP
	m.mu.Unlock()
	if unchanged {
		return nil
	}

	if err := m.putARecord(ctx, "*", ip); err != nil {
		return trace.Wrap(err)
	}

	m.mu.Lock()
	m.lastIP = ip
	m.mu.Unlock()
	m.log.InfoContext(ctx, "dns record updated", "ip", ip)
	return nil
}

func (m *Manager) publicIP(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.ipURL, nil)
	if err != nil {
		return "", trace.Wrap(err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", trace.Wrap(err, "public ip lookup failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", trace.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", trace.BadParameter("public ip lookup returned status %v", resp.StatusCode)
	}
	ip := strings.TrimSpace(string(body))
	if ip == "" {
		return "", trace.BadParameter("public ip lookup returned an empty body")
	}
	return ip, nil
}

type aRecord struct {
	Data string `json:"data"`
}

func (m *Manager) putARecord(ctx context.Context, record, ip string) error {
	body, err := json.Marshal([]aRecord{{Data: ip}})
	if err != nil {
		return trace.Wrap(err)
	}

	url := m.apiBase + "/v1/domains/" + m.cfg.Domain + "/records/A/" + record
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("Authorization", m.cfg.AuthorizationHeader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return trace.Wrap(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))

	if resp.StatusCode != http.StatusOK {
		return trace.BadParameter("updating record %q returned status %v", record, resp.StatusCode)
	}
	return nil
}
