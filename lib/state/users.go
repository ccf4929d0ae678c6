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
	"errors"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kiwilabs/kiwi/lib/types"
)

const pgUniqueViolation = "23505"

// GetUser fetches a user by username. Returns NotFound when no account
// with that username exists.
func (d *Database) GetUser(ctx context.Context, username string) (*types.User, error) {
	var user types.User
	var role string
	err := d.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, role FROM users WHERE username = $1;`,
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("user %q not found", username)
		}
		return nil, trace.Wrap(err)
	}
	user.Role, err = types.ParseRole(role)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &user, nil
}

// GetUserByID fetches a user by id.
func (d *Database) GetUserByID(ctx context.Context, id int64) (*types.User, error) {
	var user types.User
	var role string
	err := d.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, role FROM users WHERE id = $1;`,
		id).Scan(&user.ID, &user.Username, &user.PasswordHash, &role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("user %v not found", id)
		}
		return nil, trace.Wrap(err)
	}
	user.Role, err = types.ParseRole(role)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &user, nil
}

// GetUsers lists all accounts, newest first.
func (d *Database) GetUsers(ctx context.Context) ([]types.User, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, username, password_hash, role FROM users ORDER BY id DESC;`)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var users []types.User
	for rows.Next() {
		var user types.User
		var role string
		if err := rows.Scan(&user.ID, &user.Username, &user.PasswordHash, &role); err != nil {
			return nil, trace.Wrap(err)
		}
		if user.Role, err = types.ParseRole(role); err != nil {
			return nil, trace.Wrap(err)
		}
		users = append(users, user)
	}
	return users, trace.Wrap(rows.Err())
}

// DeleteUser removes an account by id.
func (d *Database) DeleteUser(ctx context.Context, id int64) error {
	tag, err := d.pool.Exec(ctx, `DELETE FROM users WHERE id = $1;`, id)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("user %v not found", id)
	}
	return nil
}

// CreateUserInvitation mints a single-use invitation for the given
// role and returns it.
func (d *Database) CreateUserInvitation(ctx context.Context, role types.Role) (*types.UserInvitation, error) {
	invitation := types.UserInvitation{ID: uuid.New(), Role: role}
	_, err := d.pool.Exec(ctx,
		`INSERT INTO user_invitations (id, role) VALUES ($1, $2);`,
		invitation.ID, string(invitation.Role))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &invitation, nil
}

// GetUserInvitations lists outstanding invitations, newest first.
func (d *Database) GetUserInvitations(ctx context.Context) ([]types.UserInvitation, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, role FROM user_invitations ORDER BY created_at DESC;`)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var invitations []types.UserInvitation
	for rows.Next() {
		var invitation types.UserInvitation
		var role string
		if err := rows.Scan(&invitation.ID, &role); err != nil {
			return nil, trace.Wrap(err)
		}
		if invitation.Role, err = types.ParseRole(role); err != nil {
			return nil, trace.Wrap(err)
		}
		invitations = append(invitations, invitation)
	}
	return invitations, trace.Wrap(rows.Err())
}

// DeleteUserInvitation revokes an outstanding invitation.
func (d *Database) DeleteUserInvitation(ctx context.Context, id uuid.UUID) error {
	tag, err := d.pool.Exec(ctx, `DELETE FROM user_invitations WHERE id = $1;`, id)
	if err != nil {
		return trace.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("invitation %v not found", id)
	}
	return nil
}

// CreateUserFromInvitation redeems an invitation: inside one
// transaction the invitation row is consumed and the account is created
// with the invitation's role. Returns NotFound when the invitation does
// not exist (already redeemed or revoked) and AlreadyExists when the
// username is taken; in both cases no row changes.
func (d *Database) CreateUserFromInvitation(ctx context.Context, invitationID uuid.UUID, username, passwordHash string) (*types.User, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer tx.Rollback(ctx)

	var role string
	err = tx.QueryRow(ctx,
		`DELETE FROM user_invitations WHERE id = $1 RETURNING role;`,
		invitationID).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("invitation %v not found", invitationID)
		}
		return nil, trace.Wrap(err)
	}

	user := types.User{Username: username, PasswordHash: passwordHash}
	if user.Role, err = types.ParseRole(role); err != nil {
		return nil, trace.Wrap(err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO users (username, password_hash, role) VALUES ($1, $2, $3) RETURNING id;`,
		username, passwordHash, role).Scan(&user.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, trace.AlreadyExists("username %q is taken", username)
		}
		return nil, trace.Wrap(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	return &user, nil
}

// GetOrCreateAdminInvitationIfNoAdmin backstops first boot: when no
// admin account exists, it returns the outstanding admin invitation,
// minting one if needed. Returns nil when an admin account already
// exists.
func (d *Database) GetOrCreateAdminInvitationIfNoAdmin(ctx context.Context) (*types.UserInvitation, error) {
	var admins int
	err := d.pool.QueryRow(ctx,
		`SELECT count(*) FROM users WHERE role = $1;`,
		string(types.RoleAdmin)).Scan(&admins)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if admins > 0 {
		return nil, nil
	}

	var invitation types.UserInvitation
	var role string
	err = d.pool.QueryRow(ctx,
		`SELECT id, role FROM user_invitations WHERE role = $1 ORDER BY created_at ASC LIMIT 1;`,
		string(types.RoleAdmin)).Scan(&invitation.ID, &role)
	if err == nil {
		invitation.Role = types.RoleAdmin
		return &invitation, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, trace.Wrap(err)
	}

	created, err := d.CreateUserInvitation(ctx, types.RoleAdmin)
	return created, trace.Wrap(err)
}
