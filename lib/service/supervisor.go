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
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kiwilabs/kiwi/lib/defaults"
)

// errRebindListener signals that the TLS certificate changed and the
// listener must be torn down and rebound. Dependencies stay up.
var errRebindListener = errors.New("tls certificate changed")

const shutdownTimeout = 10 * time.Second

// Run serves until the context is cancelled or the listener fails.
// When the background worker observes a certificate rotation, only the
// listener is rebound; database and cache clients and all in-memory
// state survive.
func (p *Process) Run(ctx context.Context) error {
	for {
		err := p.serveOnce(ctx)
		if errors.Is(err, errRebindListener) {
			p.log.InfoContext(ctx, "tls certificate changed, rebinding the listener")
			continue
		}
		return trace.Wrap(err)
	}
}

// serveOnce binds the HTTPS listener and runs it alongside the worker
// until one of them stops: a cancelled context returns nil, a rotated
// certificate returns errRebindListener, anything else is fatal.
func (p *Process) serveOnce(ctx context.Context) error {
	tlsConfig, err := p.tlsConfig()
	if err != nil {
		return trace.Wrap(err)
	}

	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return trace.Wrap(err, "cannot bind %v", addr)
	}
	server := &http.Server{
		Handler:           p.handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 30 * time.Second,
	}
	p.log.InfoContext(ctx, "listener bound", "addr", addr)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := server.ServeTLS(listener, "", "")
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return trace.Wrap(err)
	})
	group.Go(func() error {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				p.log.Warn("listener shutdown incomplete", "error", err)
			}
		}()
		return p.runWorker(groupCtx)
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// Normal shutdown.
		return nil
	}
	return trace.Wrap(err)
}

// runWorker ticks once per minute: refresh dynamic DNS when configured
// and watch the TLS files for rotation.
func (p *Process) runWorker(ctx context.Context) error {
	ticker := time.NewTicker(defaults.WorkerTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.handler.RefreshDNS(ctx); err != nil {
				p.log.WarnContext(ctx, "dns refresh failed", "error", err)
			}
			if p.acme.WasCertificateUpdated() {
				return errRebindListener
			}
		}
	}
}

// tlsConfig loads the certificate files the ACME manager maintains. A
// self-signed placeholder is always present after boot.
func (p *Process) tlsConfig() (*tls.Config, error) {
	certPath, keyPath := p.acme.CertificatePaths()
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, trace.Wrap(err, "cannot load the tls key pair")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
