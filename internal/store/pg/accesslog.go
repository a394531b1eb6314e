package pg

import (
	"context"

	"warden.id/internal/auth"
	"warden.id/internal/ids"
)

// AppendAccessLog inserts one row. The table carries rules that turn updates and deletes
// into no-ops.
func (s *Store) AppendAccessLog(ctx context.Context, entry auth.AccessLog) error {
	if s.db == nil {
		return errUnavailable
	}
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into access_logs (id, user_id, is_success, ip, client, os, device, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.UserID, entry.IsSuccess, entry.IP, entry.Client, entry.OS, entry.Device, entry.CreatedAt)
	return mapError(err)
}

// ListAccessLogs returns newest first. limit <= 0 returns everything.
func (s *Store) ListAccessLogs(ctx context.Context, userID string, limit int) ([]auth.AccessLog, error) {
	if s.db == nil {
		return nil, errUnavailable
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, is_success, ip, client, os, device, created_at
		from access_logs
		where user_id = $1
		order by created_at desc, id desc
		limit $2
	`, userID, limitArg(limit))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []auth.AccessLog
	for rows.Next() {
		var l auth.AccessLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.IsSuccess, &l.IP, &l.Client, &l.OS, &l.Device, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.CreatedAt = l.CreatedAt.UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}
