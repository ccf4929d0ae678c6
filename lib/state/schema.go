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

package state

import (
	"context"

	"github.com/gravitational/trace"
)

// schemaVersion is bumped whenever a migration is appended to
// migrations. Applied versions are tracked in schema_migrations;
// on boot every migration above the recorded version runs inside a
// single transaction.
const schemaVersion = 3

// migrations[i] brings the schema from version i to version i+1.
var migrations = []string{
	// v1: users.
	`CREATE TABLE users (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,

	// v2: single-use invitations that gate account creation.
	`CREATE TABLE user_invitations (
		id UUID PRIMARY KEY,
		role TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,

	// v3: deployed services. The container configuration is a document;
	// the generated data-plane credentials are columns so they can never
	// leak through configuration serialization.
	`CREATE TABLE services (
		name TEXT PRIMARY KEY,
		configuration JSONB NOT NULL,
		pg_username TEXT NOT NULL,
		pg_password TEXT NOT NULL,
		redis_username TEXT NOT NULL,
		redis_password TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_modified_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_deployed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
}

// ApplySchema creates the migration ledger if needed and applies any
// migrations newer than the recorded version.
func (d *Database) ApplySchema(ctx context.Context) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`)
	if err != nil {
		return trace.Wrap(err)
	}

	var current int
	err = tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current)
	if err != nil {
		return trace.Wrap(err)
	}
	if current > schemaVersion {
		return trace.BadParameter("database schema version %v is newer than this build supports (%v)", current, schemaVersion)
	}

	for version := current; version < schemaVersion; version++ {
		if _, err := tx.Exec(ctx, migrations[version]); err != nil {
			return trace.Wrap(err, "applying schema migration to version %v", version+1)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1);`, version+1); err != nil {
			return trace.Wrap(err)
		}
		d.log.InfoContext(ctx, "applied schema migration", "version", version+1)
	}

	return trace.Wrap(tx.Commit(ctx))
}
