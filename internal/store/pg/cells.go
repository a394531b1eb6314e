package pg

import "context"

// init_state holds a single row once the first bootstrap has completed.

func (s *Store) Bootstrapped(ctx context.Context) (bool, error) {
	if s.db == nil {
		return false, errUnavailable
	}
	var done bool
	if err := s.db.QueryRowContext(ctx, `select exists (select 1 from init_state)`).Scan(&done); err != nil {
		return false, mapError(err)
	}
	return done, nil
}

func (s *Store) MarkBootstrapped(ctx context.Context) error {
	if s.db == nil {
		return errUnavailable
	}
	_, err := s.db.ExecContext(ctx,
		`insert into init_state (id, initialized_at) values (true, $1) on conflict do nothing`, s.now())
	return mapError(err)
}
