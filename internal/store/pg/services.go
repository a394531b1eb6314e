package pg

import (
	"context"
	"database/sql"
	"errors"

	"warden.id/internal/auth"
	"warden.id/internal/ids"
)

const (
	serviceColumns    = `id, text_id, title, description, created_at, updated_at`
	permissionColumns = `id, text_id, service_id, title, description, created_at, updated_at`
)

func scanService(row scanner) (auth.Service, error) {
	var (
		svc     auth.Service
		updated sql.NullTime
	)
	if err := row.Scan(&svc.ID, &svc.TextID, &svc.Title, &svc.Description, &svc.CreatedAt, &updated); err != nil {
		return auth.Service{}, mapError(err)
	}
	svc.CreatedAt = svc.CreatedAt.UTC()
	svc.UpdatedAt = timePtr(updated)
	return svc, nil
}

func scanPermission(row scanner) (auth.Permission, error) {
	var (
		p       auth.Permission
		updated sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.TextID, &p.ServiceID, &p.Title, &p.Description, &p.CreatedAt, &updated); err != nil {
		return auth.Permission{}, mapError(err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = timePtr(updated)
	return p, nil
}

// EnsureService inserts the row when absent. Concurrent callers converge on the same row.
func (s *Store) EnsureService(ctx context.Context, textID, title string) (auth.Service, error) {
	if s.db == nil {
		return auth.Service{}, errUnavailable
	}
	if _, err := s.db.ExecContext(ctx, `
		insert into services (id, text_id, title, created_at)
		values ($1, $2, $3, $4)
		on conflict (text_id) do nothing
	`, ids.New(), textID, title, s.now()); err != nil {
		return auth.Service{}, mapError(err)
	}
	return s.GetServiceByTextID(ctx, textID)
}

func (s *Store) GetService(ctx context.Context, id string) (auth.Service, error) {
	if s.db == nil {
		return auth.Service{}, errUnavailable
	}
	return scanService(s.db.QueryRowContext(ctx, `select `+serviceColumns+` from services where id = $1`, id))
}

func (s *Store) GetServiceByTextID(ctx context.Context, textID string) (auth.Service, error) {
	if s.db == nil {
		return auth.Service{}, errUnavailable
	}
	return scanService(s.db.QueryRowContext(ctx, `select `+serviceColumns+` from services where text_id = $1`, textID))
}

func (s *Store) ListServices(ctx context.Context, limit, offset int) ([]auth.Service, error) {
	if s.db == nil {
		return nil, errUnavailable
	}
	rows, err := s.db.QueryContext(ctx,
		`select `+serviceColumns+` from services order by text_id limit $1 offset $2`, limitArg(limit), offset)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []auth.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

func (s *Store) UpdateService(ctx context.Context, id string, upd auth.ServiceUpdate) (auth.Service, error) {
	if s.db == nil {
		return auth.Service{}, errUnavailable
	}
	return scanService(s.db.QueryRowContext(ctx, `
		update services set
			title       = coalesce($2, title),
			description = coalesce($3, description),
			updated_at  = $4
		where id = $1
		returning `+serviceColumns, id, optString(upd.Title), optString(upd.Description), s.now()))
}

func (s *Store) ListServicePermissions(ctx context.Context, serviceID string) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errUnavailable
	}
	if err := exists(ctx, s.db, `select 1 from services where id = $1`, serviceID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`select `+permissionColumns+` from permissions where service_id = $1 order by text_id`, serviceID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []auth.Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertPermissions relies on the (service_id, text_id) constraint, so concurrent syncs
// insert each name once and report it to exactly one caller.
func (s *Store) InsertPermissions(ctx context.Context, serviceID string, textIDs []string) ([]string, error) {
	if s.db == nil {
		return nil, errUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := exists(ctx, tx, `select 1 from services where id = $1`, serviceID); err != nil {
		return nil, err
	}
	now := s.now()
	var added []string
	for _, textID := range textIDs {
		var inserted string
		err := tx.QueryRowContext(ctx, `
			insert into permissions (id, text_id, service_id, title, created_at)
			values ($1, $2, $3, $2, $4)
			on conflict (service_id, text_id) do nothing
			returning text_id
		`, ids.New(), textID, serviceID, now).Scan(&inserted)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, mapError(err)
		}
		added = append(added, inserted)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return added, nil
}

func (s *Store) CreatePermission(ctx context.Context, serviceID, textID, title, description string) (auth.Permission, error) {
	if s.db == nil {
		return auth.Permission{}, errUnavailable
	}
	return scanPermission(s.db.QueryRowContext(ctx, `
		insert into permissions (id, text_id, service_id, title, description, created_at)
		values ($1, $2, $3, $4, $5, $6)
		returning `+permissionColumns, ids.New(), textID, serviceID, title, description, s.now()))
}

func (s *Store) GetPermission(ctx context.Context, id string) (auth.Permission, error) {
	if s.db == nil {
		return auth.Permission{}, errUnavailable
	}
	return scanPermission(s.db.QueryRowContext(ctx, `select `+permissionColumns+` from permissions where id = $1`, id))
}

func (s *Store) UpdatePermission(ctx context.Context, id string, upd auth.PermissionUpdate) (auth.Permission, error) {
	if s.db == nil {
		return auth.Permission{}, errUnavailable
	}
	return scanPermission(s.db.QueryRowContext(ctx, `
		update permissions set
			title       = coalesce($2, title),
			description = coalesce($3, description),
			updated_at  = $4
		where id = $1
		returning `+permissionColumns, id, optString(upd.Title), optString(upd.Description), s.now()))
}

func (s *Store) DeletePermission(ctx context.Context, id string) error {
	if s.db == nil {
		return errUnavailable
	}
	res, err := s.db.ExecContext(ctx, `delete from permissions where id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	return expectAffected(res)
}
