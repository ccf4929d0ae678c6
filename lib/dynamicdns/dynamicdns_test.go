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

package dynamicdns

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/kiwilabs/kiwi/lib/secrets"
)

// fakeProvider records A record writes the way the real API shapes
// them and enforces the authorization header.
type fakeProvider struct {
	mu      sync.Mutex
	auth    string
	records map[string]string
	puts    int
}

func (f *fakeProvider) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/domains", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != f.auth {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`[]`))
	})
	mux.HandleFunc("PUT /v1/domains/{domain}/records/A/{record}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != f.auth {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body []aRecord
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body) != 1 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.records[r.PathValue("record")] = body[0].Data
		f.puts++
		f.mu.Unlock()
	})
	return mux
}

func newTestManager(t *testing.T, provider *fakeProvider, ip string) (*Manager, *string) {
	t.Helper()

	providerSrv := httptest.NewServer(provider.handler())
	t.Cleanup(providerSrv.Close)

	currentIP := ip
	ipSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(currentIP + "\n"))
	}))
	t.Cleanup(ipSrv.Close)

	m, err := NewManager(context.Background(), secrets.DynamicDNSConfig{
		Provider:            secrets.GoDaddy,
		AuthorizationHeader: provider.auth,
		Domain:              "example.com",
	}, slog.New(slog.DiscardHandler),
		WithAPIBase(providerSrv.URL), WithIPLookupURL(ipSrv.URL))
	require.NoError(t, err)
	return m, &currentIP
}

func TestNewManagerRejectsBadCredentials(t *testing.T) {
	provider := &fakeProvider{auth: "sso-key good", records: map[string]string{}}
	srv := httptest.NewServer(provider.handler())
	t.Cleanup(srv.Close)

	_, err := NewManager(context.Background(), secrets.DynamicDNSConfig{
		Provider:            secrets.GoDaddy,
		AuthorizationHeader: "sso-key wrong",
		Domain:              "example.com",
	}, slog.New(slog.DiscardHandler), WithAPIBase(srv.URL))
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)
}

func TestNewManagerValidatesConfig(t *testing.T) {
	_, err := NewManager(context.Background(), secrets.DynamicDNSConfig{
		Provider: "Cloudflare",
	}, slog.New(slog.DiscardHandler))
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func TestRefreshWritesOnlyWildcard(t *testing.T) {
	provider := &fakeProvider{auth: "sso-key k:s", records: map[string]string{}}
	m, _ := newTestManager(t, provider, "203.0.113.7")

	require.NoError(t, m.Refresh(context.Background()))

	require.Equal(t, "203.0.113.7", provider.records["*"])
	require.Equal(t, 1, provider.puts)
	// The apex record is never ours to write.
	require.NotContains(t, provider.records, "@")
}

func TestRefreshSkipsUnchangedIP(t *testing.T) {
	provider := &fakeProvider{auth: "sso-key k:s", records: map[string]string{}}
	m, currentIP := newTestManager(t, provider, "203.0.113.7")

	require.NoError(t, m.Refresh(context.Background()))
	require.NoError(t, m.Refresh(context.Background()))
	require.Equal(t, 1, provider.puts)

	// A new public IP triggers another write.
	*currentIP = "203.0.113.42"
	require.NoError(t, m.Refresh(context.Background()))
	require.Equal(t, 2, provider.puts)
	require.Equal(t, "203.0.113.42", provider.records["*"])
}
