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
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"
)

// notFound catches everything the route table does not claim: proxied
// service traffic and the frontend. Known API prefixes that reach here
// are genuine 404s.
func (h *Handler) notFound(w http.ResponseWriter, r *http.Request) {
	segment := firstPathSegment(r.URL.Path)
	if segment == "" {
		h.serveFrontend(w, r)
		return
	}
	if segment == "admin" || openSegments[segment] {
		http.NotFound(w, r)
		return
	}

	port, err := h.resolveServicePort(r, segment)
	switch {
	case trace.IsNotFound(err):
		// Not a service. On the bare domain this is a frontend route;
		// on a subdomain there is nothing to serve.
		if requestSubdomain(r) == "" {
			h.serveFrontend(w, r)
			return
		}
		http.NotFound(w, r)
		return
	case err != nil:
		h.log.ErrorContext(r.Context(), "service port resolution failed",
			"service", segment, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.proxyToService(w, r, segment, port)
}

// resolveServicePort memoizes the external port lookup: cache first,
// state database on a miss.
func (h *Handler) resolveServicePort(r *http.Request, service string) (int, error) {
	port, err := h.Cache.GetServicePort(r.Context(), service)
	if err == nil {
		return port, nil
	}
	if !trace.IsNotFound(err) {
		return 0, trace.Wrap(err)
	}

	port, err = h.Database.GetServicePort(r.Context(), service)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if err := h.Cache.StoreServicePort(r.Context(), service, port); err != nil {
		return 0, trace.Wrap(err)
	}
	return port, nil
}

// proxyToService forwards /<service>/<rest> to the container bound on
// 127.0.0.1:<port>, path prefix stripped. Hop-by-hop headers are
// handled by the reverse proxy; everything else passes through
// unchanged, body and trailers included.
func (h *Handler) proxyToService(w http.ResponseWriter, r *http.Request, service string, port int) {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = "http"
			pr.Out.URL.Host = fmt.Sprintf("127.0.0.1:%d", port)
			pr.Out.URL.Path = strings.TrimPrefix(pr.In.URL.Path, "/"+service)
			if pr.Out.URL.Path == "" {
				pr.Out.URL.Path = "/"
			}
			pr.Out.Host = pr.In.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			h.log.ErrorContext(r.Context(), "service proxy failed",
				"service", service, "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
		},
	}
	proxy.ServeHTTP(w, r)
}

// serveFrontend serves the operator UI: the built static files when a
// path is configured, otherwise a pass-through to the local dev
// frontend server.
func (h *Handler) serveFrontend(w http.ResponseWriter, r *http.Request) {
	if h.StaticFilesPath == "" {
		h.proxyToDevFrontend(w, r)
		return
	}

	// Single page app: unknown paths fall back to index.html so client
	// side routes survive a reload.
	requested := filepath.Join(h.StaticFilesPath, filepath.Clean("/"+r.URL.Path))
	if info, err := os.Stat(requested); err == nil && !info.IsDir() {
		http.ServeFile(w, r, requested)
		return
	}
	http.ServeFile(w, r, filepath.Join(h.StaticFilesPath, "index.html"))
}

func (h *Handler) proxyToDevFrontend(w http.ResponseWriter, r *http.Request) {
	target := &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("127.0.0.1:%d", h.DevFrontendPort),
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		h.log.ErrorContext(r.Context(), "dev frontend proxy failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
	proxy.ServeHTTP(w, r)
}
