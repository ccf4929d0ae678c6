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

// Package state persists the durable state of the platform in the
// database container: user accounts, invitations, and the deployed
// service configurations. It also owns the per-service database and
// database role lifecycle.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kiwilabs/kiwi/lib/defaults"
)

// Database wraps the connection pool to the database container. It is
// safe for concurrent use.
type Database struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// Connect opens a pool against the database container and waits for it
// to accept queries. The container may still be initializing when this
// runs, so liveness is probed with a growing backoff.
func Connect(ctx context.Context, addr, adminUsername, adminPassword string, log *slog.Logger) (*Database, error) {
	uri := fmt.Sprintf("postgres://%s:%s@%s/%s",
		adminUsername, adminPassword, addr, defaults.DatabaseName)
	cfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	d := &Database{pool: pool, log: log.With("component", "state")}
	if err := d.waitReady(ctx); err != nil {
		pool.Close()
		return nil, trace.Wrap(err)
	}
	d.log.InfoContext(ctx, "state database connected", "addr", addr)
	return d, nil
}

// NewFromPool wraps an existing pool. Used by tests.
func NewFromPool(pool *pgxpool.Pool, log *slog.Logger) *Database {
	return &Database{pool: pool, log: log.With("component", "state")}
}

// Close releases the connection pool.
func (d *Database) Close() {
	d.pool.Close()
}

func (d *Database) waitReady(ctx context.Context) error {
	var lastErr error
	for attempt := range defaults.DatabaseConnRetries {
		var one int
		lastErr = d.pool.QueryRow(ctx, `SELECT 1;`).Scan(&one)
		if lastErr == nil {
			return nil
		}
		delay := time.Duration(2*(attempt+1)) * time.Second
		d.log.InfoContext(ctx, "state database not ready, retrying",
			"attempt", attempt+1, "delay", delay.String())
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
	return trace.Wrap(lastErr, "state database did not become ready")
}

// identifierPattern is the only shape accepted for names spliced into
// DDL. Role and database statements cannot take bind parameters, so
// every identifier that reaches them must already match this.
var identifierPattern = regexp.MustCompile(`^[a-z0-9]+$`)

// sanitizeIdentifier vets a name for direct inclusion in a DDL
// statement. Lowercase alphanumerics only, so no quoting or escaping
// can ever be required.
func sanitizeIdentifier(name string) (string, error) {
	if !identifierPattern.MatchString(name) {
		return "", trace.BadParameter("invalid identifier %q, want lowercase alphanumerics", name)
	}
	return name, nil
}
