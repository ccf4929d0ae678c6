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
	"net"
	"net/http"
	"strings"
)

type contextKey int

const subdomainContextKey contextKey = iota

// subdomainRewrite maps virtual-host routing onto path routing: a
// request for <sub>.<domain> is rewritten to carry /<sub> as its
// leading path segment. Requests to the bare domain pass through
// untouched. The rewrite is idempotent; a rewritten request fed back
// through gains no second prefix.
func subdomainRewrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub := subdomainLabel(r.Host)
		if sub == "" {
			next.ServeHTTP(w, r)
			return
		}

		if !strings.HasPrefix(r.URL.Path, "/"+sub+"/") && r.URL.Path != "/"+sub {
			r.URL.Path = "/" + sub + r.URL.Path
			if r.URL.Path == "/"+sub {
				r.URL.Path += "/"
			}
		}
		r = r.WithContext(context.WithValue(r.Context(), subdomainContextKey, sub))
		next.ServeHTTP(w, r)
	})
}

// requestSubdomain returns the subdomain label the rewrite extracted,
// or empty for requests addressed to the bare domain.
func requestSubdomain(r *http.Request) string {
	sub, _ := r.Context().Value(subdomainContextKey).(string)
	return sub
}

// subdomainLabel extracts the leftmost label when the host names a
// subdomain of the served domain: three labels (sub.example.com) or
// two where the parent is localhost (sub.localhost:5000).
func subdomainLabel(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	labels := strings.Split(host, ".")
	switch {
	case len(labels) == 3 && labels[0] != "":
		return labels[0]
	case len(labels) == 2 && labels[1] == "localhost" && labels[0] != "":
		return labels[0]
	}
	return ""
}

// requestDomain returns the served second-level domain of a request,
// with any subdomain label stripped and any port kept. blog.example.com
// yields example.com; blog.localhost:5000 yields localhost:5000.
func requestDomain(r *http.Request) string {
	host, port := r.Host, ""
	if h, p, err := net.SplitHostPort(host); err == nil {
		host, port = h, p
	}
	labels := strings.Split(host, ".")
	if len(labels) == 3 || (len(labels) == 2 && labels[1] == "localhost") {
		labels = labels[1:]
	}
	domain := strings.Join(labels, ".")
	if port != "" {
		domain += ":" + port
	}
	return domain
}

// isLocalhostDomain reports whether the served domain is localhost,
// where cookies drop the Secure flag and redirects stay on http.
func isLocalhostDomain(domain string) bool {
	host := domain
	if h, _, err := net.SplitHostPort(domain); err == nil {
		host = h
	}
	return host == "localhost" || host == "127.0.0.1"
}

// cookieDomain strips the port, since cookie Domain attributes cannot
// carry one.
func cookieDomain(domain string) string {
	if h, _, err := net.SplitHostPort(domain); err == nil {
		return h
	}
	return domain
}

// requestScheme returns the scheme the client used to reach us.
func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// originalURI reconstructs the URI the client requested, before the
// subdomain rewrite, so redirects can send the browser back to it.
func originalURI(r *http.Request) string {
	path := r.URL.Path
	if sub := requestSubdomain(r); sub != "" {
		path = strings.TrimPrefix(path, "/"+sub)
		if path == "" {
			path = "/"
		}
	}
	uri := requestScheme(r) + "://" + r.Host + path
	if r.URL.RawQuery != "" {
		uri += "?" + r.URL.RawQuery
	}
	return uri
}
