package pg

import (
	"context"
	"database/sql"
	"time"

	"warden.id/internal/auth"
	"warden.id/internal/ids"
)

const sessionColumns = `id, token_hash, user_id, ip, client, os, device, created_at, updated_at`

func scanSession(row scanner) (auth.Session, error) {
	var (
		sess    auth.Session
		updated sql.NullTime
	)
	if err := row.Scan(&sess.ID, &sess.TokenHash, &sess.UserID, &sess.IP, &sess.Client, &sess.OS,
		&sess.Device, &sess.CreatedAt, &updated); err != nil {
		return auth.Session{}, mapError(err)
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = timePtr(updated)
	return sess, nil
}

func (s *Store) CreateSession(ctx context.Context, sess auth.Session) (auth.Session, error) {
	if s.db == nil {
		return auth.Session{}, errUnavailable
	}
	if sess.ID == "" {
		sess.ID = ids.New()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now()
	}
	return scanSession(s.db.QueryRowContext(ctx, `
		insert into sessions (id, token_hash, user_id, ip, client, os, device, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning `+sessionColumns,
		sess.ID, sess.TokenHash, sess.UserID, sess.IP, sess.Client, sess.OS, sess.Device, sess.CreatedAt))
}

func (s *Store) GetSession(ctx context.Context, id string) (auth.Session, error) {
	if s.db == nil {
		return auth.Session{}, errUnavailable
	}
	return scanSession(s.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where id = $1`, id))
}

func (s *Store) GetSessionByTokenHash(ctx context.Context, tokenHash string) (auth.Session, error) {
	if s.db == nil {
		return auth.Session{}, errUnavailable
	}
	return scanSession(s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from sessions where token_hash = $1`, tokenHash))
}

func (s *Store) ListUserSessions(ctx context.Context, userID string) ([]auth.Session, error) {
	if s.db == nil {
		return nil, errUnavailable
	}
	rows, err := s.db.QueryContext(ctx,
		`select `+sessionColumns+` from sessions where user_id = $1 order by id`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []auth.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSessionActivity(ctx context.Context, id, ip string, at time.Time) error {
	if s.db == nil {
		return errUnavailable
	}
	res, err := s.db.ExecContext(ctx, `update sessions set ip = $2, updated_at = $3 where id = $1`, id, ip, at)
	if err != nil {
		return mapError(err)
	}
	return expectAffected(res)
}

func (s *Store) DeleteSession(ctx context.Context, id string) (string, error) {
	if s.db == nil {
		return "", errUnavailable
	}
	var hash string
	err := s.db.QueryRowContext(ctx, `delete from sessions where id = $1 returning token_hash`, id).Scan(&hash)
	if err != nil {
		return "", mapError(err)
	}
	return hash, nil
}

func (s *Store) DeleteUserSessions(ctx context.Context, userID string) ([]string, error) {
	return s.deleteSessions(ctx, `delete from sessions where user_id = $1 returning token_hash`, userID)
}

func (s *Store) DeleteIdleSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.deleteSessions(ctx,
		`delete from sessions where coalesce(updated_at, created_at) < $1 returning token_hash`, cutoff)
}

func (s *Store) deleteSessions(ctx context.Context, query string, arg any) ([]string, error) {
	if s.db == nil {
		return nil, errUnavailable
	}
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}
