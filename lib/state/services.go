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
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kiwilabs/kiwi/lib/container"
	"github.com/kiwilabs/kiwi/lib/defaults"
	"github.com/kiwilabs/kiwi/lib/utils"
)

// ServiceCredentials are the generated data-plane credentials of one
// service: its database role and its cache user. They live only in the
// services table and the container environment, never in any API
// response.
type ServiceCredentials struct {
	PostgresUsername string
	PostgresPassword string
	RedisUsername    string
	RedisPassword    string
}

// ServiceRecord is one services row.
type ServiceRecord struct {
	Config         container.Config
	Credentials    ServiceCredentials
	CreatedAt      time.Time
	LastModifiedAt time.Time
	LastDeployedAt time.Time
}

// GenerateServiceCredentials mints a fresh credential set. Usernames
// double as unquoted SQL identifiers, so they are lowercase and start
// with a letter.
func GenerateServiceCredentials() (*ServiceCredentials, error) {
	values := make([]string, 4)
	for i := range values {
		v, err := utils.RandomAlphanumeric(defaults.SecretLength)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		values[i] = v
	}
	return &ServiceCredentials{
		PostgresUsername: "u" + strings.ToLower(values[0][:23]),
		PostgresPassword: values[1],
		RedisUsername:    "u" + strings.ToLower(values[2][:23]),
		RedisPassword:    values[3],
	}, nil
}

// CreateService registers a service and provisions its database role
// and database. Row insert and CREATE ROLE share a transaction; CREATE
// DATABASE cannot run inside one, so a failure there compensates by
// dropping the role and the row again. Returns AlreadyExists when the
// name is taken.
func (d *Database) CreateService(ctx context.Context, cfg container.Config, creds ServiceCredentials) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	user, err := sanitizeIdentifier(creds.PostgresUsername)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := checkGeneratedSecret(creds.PostgresPassword); err != nil {
		return trace.Wrap(err)
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO services (name, configuration, pg_username, pg_password, redis_username, redis_password)
		 VALUES ($1, $2, $3, $4, $5, $6);`,
		cfg.Name, doc, creds.PostgresUsername, creds.PostgresPassword,
		creds.RedisUsername, creds.RedisPassword)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return trace.AlreadyExists("service %q already exists", cfg.Name)
		}
		return trace.Wrap(err)
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`CREATE ROLE %s LOGIN ENCRYPTED PASSWORD '%s';`, user, creds.PostgresPassword))
	if err != nil {
		return trace.Wrap(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return trace.Wrap(err)
	}

	_, err = d.pool.Exec(ctx, fmt.Sprintf(`CREATE DATABASE %s OWNER %s;`, user, user))
	if err != nil {
		d.log.ErrorContext(ctx, "service database creation failed, rolling back",
			"service", cfg.Name, "error", err)
		if rollbackErr := d.DeleteService(ctx, cfg.Name); rollbackErr != nil {
			d.log.ErrorContext(ctx, "service creation rollback failed",
				"service", cfg.Name, "error", rollbackErr)
		}
		return trace.Wrap(err)
	}
	return nil
}

// UpdateService replaces a stored configuration and bumps both the
// modification and deployment timestamps.
func (d *Database) UpdateService(ctx context.Context, cfg container.Config) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	tag, err := d.pool.Exec(ctx,
		`UPDATE services SET configuration = $2, last_modified_at = now(), last_deployed_at = now()
		 WHERE name = $1;`,
		cfg.Name, doc)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("service %q not found", cfg.Name)
	}
	return nil
}

// DeleteService drops the service's database and role, then removes
// the row. Open data-plane connections are severed by FORCE so
// teardown cannot hang on a live container.
func (d *Database) DeleteService(ctx context.Context, name string) error {
	record, err := d.GetService(ctx, name)
	if err != nil {
		return trace.Wrap(err)
	}
	user, err := sanitizeIdentifier(record.Credentials.PostgresUsername)
	if err != nil {
		return trace.Wrap(err)
	}

	_, err = d.pool.Exec(ctx, fmt.Sprintf(`DROP DATABASE IF EXISTS %s WITH (FORCE);`, user))
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = d.pool.Exec(ctx, fmt.Sprintf(`DROP ROLE IF EXISTS %s;`, user))
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = d.pool.Exec(ctx, `DELETE FROM services WHERE name = $1;`, name)
	return trace.Wrap(err)
}

const serviceColumns = `configuration, pg_username, pg_password, redis_username, redis_password,
	created_at, last_modified_at, last_deployed_at`

func scanServiceRecord(row pgx.Row) (*ServiceRecord, error) {
	var record ServiceRecord
	var doc []byte
	err := row.Scan(&doc,
		&record.Credentials.PostgresUsername, &record.Credentials.PostgresPassword,
		&record.Credentials.RedisUsername, &record.Credentials.RedisPassword,
		&record.CreatedAt, &record.LastModifiedAt, &record.LastDeployedAt)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := json.Unmarshal(doc, &record.Config); err != nil {
		return nil, trace.Wrap(err)
	}
	return &record, nil
}

// GetService fetches one service row by name.
func (d *Database) GetService(ctx context.Context, name string) (*ServiceRecord, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE name = $1;`, name)
	record, err := scanServiceRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("service %q not found", name)
		}
		return nil, trace.Wrap(err)
	}
	return record, nil
}

// GetServices lists every service row, oldest first so boot restarts
// them in deployment order.
func (d *Database) GetServices(ctx context.Context) ([]ServiceRecord, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT `+serviceColumns+` FROM services ORDER BY created_at ASC;`)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var records []ServiceRecord
	for rows.Next() {
		record, err := scanServiceRecord(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		records = append(records, *record)
	}
	return records, trace.Wrap(rows.Err())
}

// GetServicePort returns the external port recorded for a service.
func (d *Database) GetServicePort(ctx context.Context, name string) (int, error) {
	record, err := d.GetService(ctx, name)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return record.Config.ExposedPort.External, nil
}

// identifier and secret vetting for names spliced into DDL.

var generatedSecretPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// checkGeneratedSecret refuses passwords that could escape the DDL
// string literal. Generated secrets are always alphanumeric.
func checkGeneratedSecret(password string) error {
	if !generatedSecretPattern.MatchString(password) {
		return trace.BadParameter("password must be a generated alphanumeric secret")
	}
	return nil
}
