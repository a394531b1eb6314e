package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"warden.id/internal/auth"
	"warden.id/internal/ids"
)

const userColumns = `id, username, email, first_name, last_name, state, password_hash, created_at, updated_at`

func scanUser(row scanner) (auth.User, error) {
	var (
		u       auth.User
		state   string
		updated sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FirstName, &u.LastName, &state,
		&u.PasswordHash, &u.CreatedAt, &updated); err != nil {
		return auth.User{}, mapError(err)
	}
	u.State = auth.UserState(state)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = timePtr(updated)
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, nu auth.NewUser) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errUnavailable
	}
	return scanUser(s.db.QueryRowContext(ctx, `
		insert into users (id, username, email, first_name, last_name, state, password_hash, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning `+userColumns,
		ids.New(), nu.Username, nu.Email, nu.FirstName, nu.LastName, string(nu.State), nu.PasswordHash, s.now()))
}

func (s *Store) GetUser(ctx context.Context, id string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errUnavailable
	}
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errUnavailable
	}
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where lower(username) = lower($1)`, username))
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errUnavailable
	}
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where lower(email) = lower($1)`, email))
}

func (s *Store) ListUsers(ctx context.Context, limit, offset int) ([]auth.User, error) {
	return s.queryUsers(ctx, `select `+userColumns+` from users order by created_at, id limit $1 offset $2`,
		limitArg(limit), offset)
}

func (s *Store) GetUsersByIDs(ctx context.Context, userIDs []string) ([]auth.User, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	marks := make([]string, len(userIDs))
	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		marks[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	return s.queryUsers(ctx, `select `+userColumns+` from users where id in (`+
		strings.Join(marks, ", ")+`) order by created_at, id`, args...)
}

func (s *Store) queryUsers(ctx context.Context, query string, args ...any) ([]auth.User, error) {
	if s.db == nil {
		return nil, errUnavailable
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) UpdateUser(ctx context.Context, id string, upd auth.UserUpdate) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errUnavailable
	}
	var state *string
	if upd.State != nil {
		v := string(*upd.State)
		state = &v
	}
	return scanUser(s.db.QueryRowContext(ctx, `
		update users set
			username   = coalesce($2, username),
			email      = coalesce($3, email),
			first_name = coalesce($4, first_name),
			last_name  = coalesce($5, last_name),
			state      = coalesce($6, state),
			updated_at = $7
		where id = $1
		returning `+userColumns,
		id, optString(upd.Username), optString(upd.Email), optString(upd.FirstName),
		optString(upd.LastName), optString(state), s.now()))
}

func (s *Store) SetPasswordHash(ctx context.Context, id, hash string) error {
	if s.db == nil {
		return errUnavailable
	}
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash = $2, updated_at = $3 where id = $1`, id, hash, s.now())
	if err != nil {
		return mapError(err)
	}
	return expectAffected(res)
}
