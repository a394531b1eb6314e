package pg

import (
	"context"
	"database/sql"

	"warden.id/internal/auth"
	"warden.id/internal/ids"
)

const roleColumns = `id, title, description, created_at, updated_at`

func scanRole(row scanner) (auth.Role, error) {
	var (
		r       auth.Role
		updated sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.Title, &r.Description, &r.CreatedAt, &updated); err != nil {
		return auth.Role{}, mapError(err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = timePtr(updated)
	return r, nil
}

func (s *Store) queryRoles(ctx context.Context, query string, args ...any) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errUnavailable
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []auth.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CreateRole(ctx context.Context, title, description string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errUnavailable
	}
	return scanRole(s.db.QueryRowContext(ctx, `
		insert into roles (id, title, description, created_at)
		values ($1, $2, $3, $4)
		returning `+roleColumns, ids.New(), title, description, s.now()))
}

func (s *Store) GetRole(ctx context.Context, id string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errUnavailable
	}
	return scanRole(s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where id = $1`, id))
}

func (s *Store) GetRoleByTitle(ctx context.Context, title string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errUnavailable
	}
	return scanRole(s.db.QueryRowContext(ctx,
		`select `+roleColumns+` from roles where lower(title) = lower($1)`, title))
}

func (s *Store) ListRoles(ctx context.Context, limit, offset int) ([]auth.Role, error) {
	return s.queryRoles(ctx, `select `+roleColumns+` from roles order by id limit $1 offset $2`,
		limitArg(limit), offset)
}

func (s *Store) UpdateRole(ctx context.Context, id string, upd auth.RoleUpdate) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errUnavailable
	}
	return scanRole(s.db.QueryRowContext(ctx, `
		update roles set
			title       = coalesce($2, title),
			description = coalesce($3, description),
			updated_at  = $4
		where id = $1
		returning `+roleColumns, id, optString(upd.Title), optString(upd.Description), s.now()))
}

// DeleteRole cascades to its links and clears the default pointer when it referenced the role.
func (s *Store) DeleteRole(ctx context.Context, id string) error {
	if s.db == nil {
		return errUnavailable
	}
	res, err := s.db.ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	return expectAffected(res)
}

func (s *Store) LinkRoleUser(ctx context.Context, roleID, userID string) error {
	if s.db == nil {
		return errUnavailable
	}
	_, err := s.db.ExecContext(ctx, `
		insert into role_users (role_id, user_id)
		values ($1, $2)
		on conflict do nothing
	`, roleID, userID)
	return mapError(err)
}

func (s *Store) UnlinkRoleUser(ctx context.Context, roleID, userID string) error {
	if s.db == nil {
		return errUnavailable
	}
	res, err := s.db.ExecContext(ctx, `delete from role_users where role_id = $1 and user_id = $2`, roleID, userID)
	if err != nil {
		return mapError(err)
	}
	return expectAffected(res)
}

func (s *Store) LinkRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	if s.db == nil {
		return errUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := exists(ctx, tx, `select 1 from roles where id = $1`, roleID); err != nil {
		return err
	}
	for _, pid := range permissionIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			values ($1, $2)
			on conflict do nothing
		`, roleID, pid); err != nil {
			return mapError(err)
		}
	}
	return tx.Commit()
}

func (s *Store) UnlinkRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	if s.db == nil {
		return errUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := exists(ctx, tx, `select 1 from roles where id = $1`, roleID); err != nil {
		return err
	}
	for _, pid := range permissionIDs {
		if _, err := tx.ExecContext(ctx,
			`delete from role_permissions where role_id = $1 and permission_id = $2`, roleID, pid); err != nil {
			return mapError(err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListUserRoles(ctx context.Context, userID string) ([]auth.Role, error) {
	return s.queryRoles(ctx, `
		select r.id, r.title, r.description, r.created_at, r.updated_at
		from roles r
		join role_users ru on ru.role_id = r.id
		where ru.user_id = $1
		order by r.id
	`, userID)
}

func (s *Store) ListRoleUserIDs(ctx context.Context, roleID string) ([]string, error) {
	if s.db == nil {
		return nil, errUnavailable
	}
	rows, err := s.db.QueryContext(ctx, `select user_id from role_users where role_id = $1 order by user_id`, roleID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) GetDefaultRole(ctx context.Context) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errUnavailable
	}
	return scanRole(s.db.QueryRowContext(ctx, `
		select r.id, r.title, r.description, r.created_at, r.updated_at
		from default_role d
		join roles r on r.id = d.role_id
	`))
}

func (s *Store) SetDefaultRole(ctx context.Context, roleID string) error {
	if s.db == nil {
		return errUnavailable
	}
	_, err := s.db.ExecContext(ctx, `
		insert into default_role (id, role_id)
		values (true, $1)
		on conflict (id) do update set role_id = excluded.role_id
	`, roleID)
	return mapError(err)
}

func (s *Store) UserPermissions(ctx context.Context, userID, serviceTextID string) ([]auth.ScopedPermission, error) {
	if s.db == nil {
		return nil, errUnavailable
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct s.text_id, p.text_id
		from role_users ru
		join role_permissions rp on rp.role_id = ru.role_id
		join permissions p on p.id = rp.permission_id
		join services s on s.id = p.service_id
		where ru.user_id = $1 and ($2::text = '' or s.text_id = $2::text)
	`, userID, serviceTextID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []auth.ScopedPermission
	for rows.Next() {
		var sp auth.ScopedPermission
		if err := rows.Scan(&sp.ServiceTextID, &sp.TextID); err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}
