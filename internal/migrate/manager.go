// Package migrate applies the embedded schema and seed files. Mutating runs hold a Postgres
// advisory lock so replicas started with database.migrate can race safely.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"warden.id/internal/obs"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"

	// DefaultLockKey is the advisory lock id shared by every warden replica ("ward").
	DefaultLockKey int64 = 0x77617264
)

// ErrNothingApplied is returned by Down when the history is empty.
var ErrNothingApplied = errors.New("no migrations applied")

// conn is satisfied by *sql.DB and *sql.Conn.
type conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Manager runs migrations and seeds read from fsys.
type Manager struct {
	db         *sql.DB
	fsys       fs.FS
	schemaDir  string
	seedDir    string
	schemaBook string
	seedBook   string
	lockKey    int64
	now        func() time.Time
}

type Option func(*Manager)

// WithMigrationsTable renames the bookkeeping table for schema files.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.schemaBook = name
		}
	}
}

// WithSeedsTable renames the bookkeeping table for seed files.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedBook = name
		}
	}
}

// WithLockKey changes the advisory lock id. Zero disables locking.
func WithLockKey(key int64) Option {
	return func(m *Manager) { m.lockKey = key }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager reads schema files from schemaDir and seeds from seedDir inside fsys.
// An empty seedDir disables seeding.
func NewManager(db *sql.DB, fsys fs.FS, schemaDir, seedDir string, opts ...Option) *Manager {
	m := &Manager{
		db:         db,
		fsys:       fsys,
		schemaDir:  schemaDir,
		seedDir:    seedDir,
		schemaBook: defaultMigrationsTable,
		seedBook:   defaultSeedsTable,
		lockKey:    DefaultLockKey,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies every pending schema file and returns the names it applied.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	var applied []string
	err := m.locked(ctx, func(c conn) error {
		var err error
		applied, err = m.applyPending(ctx, c, m.schemaBook, m.schemaDir, ".up.sql")
		return err
	})
	return applied, err
}

// Seed applies seed files that have not run yet.
func (m *Manager) Seed(ctx context.Context) ([]string, error) {
	var applied []string
	err := m.locked(ctx, func(c conn) error {
		var err error
		applied, err = m.applyPending(ctx, c, m.seedBook, m.seedDir, ".sql")
		return err
	})
	return applied, err
}

// Down reverts the newest applied schema file using its .down.sql twin.
func (m *Manager) Down(ctx context.Context) (string, error) {
	var reverted string
	err := m.locked(ctx, func(c conn) error {
		done, err := appliedNames(ctx, c, m.schemaBook)
		if err != nil {
			return err
		}
		if len(done) == 0 {
			return ErrNothingApplied
		}
		last := done[len(done)-1]
		down := path.Join(m.schemaDir, strings.TrimSuffix(last, ".up.sql")+".down.sql")
		if _, err := fs.Stat(m.fsys, down); err != nil {
			return fmt.Errorf("no down file for %s", last)
		}
		forget := fmt.Sprintf(`delete from %s where name = $1`, m.schemaBook)
		if err := m.runFile(ctx, c, down, forget, last); err != nil {
			return fmt.Errorf("revert %s: %w", last, err)
		}
		reverted = last
		return nil
	})
	if err != nil {
		return "", err
	}
	obs.Logger().Info("migration reverted", zap.String("name", reverted))
	return reverted, nil
}

// Status lists applied schema files in application order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureBooks(ctx, m.db); err != nil {
		return nil, err
	}
	return appliedNames(ctx, m.db, m.schemaBook)
}

// Pending lists the schema files Up would apply.
func (m *Manager) Pending(ctx context.Context) ([]string, error) {
	if err := m.ensureBooks(ctx, m.db); err != nil {
		return nil, err
	}
	return m.pending(ctx, m.db, m.schemaBook, m.schemaDir, ".up.sql")
}

// locked pins one connection, takes the advisory lock on it, and releases both afterwards.
func (m *Manager) locked(ctx context.Context, fn func(conn) error) error {
	if m.lockKey == 0 {
		if err := m.ensureBooks(ctx, m.db); err != nil {
			return err
		}
		return fn(m.db)
	}
	c, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer c.Close()
	if _, err := c.ExecContext(ctx, `select pg_advisory_lock($1)`, m.lockKey); err != nil {
		return fmt.Errorf("take migration lock: %w", err)
	}
	defer func() {
		if _, err := c.ExecContext(context.WithoutCancel(ctx), `select pg_advisory_unlock($1)`, m.lockKey); err != nil {
			obs.Logger().Warn("release migration lock", zap.Error(err))
		}
	}()
	if err := m.ensureBooks(ctx, c); err != nil {
		return err
	}
	return fn(c)
}

func (m *Manager) applyPending(ctx context.Context, c conn, book, dir, suffix string) ([]string, error) {
	todo, err := m.pending(ctx, c, book, dir, suffix)
	if err != nil {
		return nil, err
	}
	record := fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, book)
	var done []string
	for _, name := range todo {
		if err := m.runFile(ctx, c, path.Join(dir, name), record, name, m.now()); err != nil {
			return done, fmt.Errorf("apply %s: %w", name, err)
		}
		obs.Logger().Info("sql file applied", zap.String("book", book), zap.String("name", name))
		done = append(done, name)
	}
	return done, nil
}

func (m *Manager) pending(ctx context.Context, c conn, book, dir, suffix string) ([]string, error) {
	done, err := appliedNames(ctx, c, book)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(done))
	for _, name := range done {
		seen[name] = true
	}
	names, err := listFiles(m.fsys, dir, suffix)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range names {
		if !seen[name] {
			out = append(out, name)
		}
	}
	return out, nil
}

// runFile executes a file and its bookkeeping statement in one transaction.
func (m *Manager) runFile(ctx context.Context, c conn, file, bookkeeping string, args ...any) error {
	body, err := fs.ReadFile(m.fsys, file)
	if err != nil {
		return err
	}
	tx, err := c.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return fmt.Errorf("bookkeeping: %w", err)
	}
	return tx.Commit()
}

func (m *Manager) ensureBooks(ctx context.Context, c conn) error {
	for _, book := range []string{m.schemaBook, m.seedBook} {
		ddl := fmt.Sprintf(`create table if not exists %s (
	name text primary key,
	applied_at timestamptz not null default now()
)`, book)
		if _, err := c.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create %s: %w", book, err)
		}
	}
	return nil
}

func appliedNames(ctx context.Context, c conn, book string) ([]string, error) {
	rows, err := c.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at, name`, book))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// listFiles returns base names under dir ending in suffix, sorted.
func listFiles(fsys fs.FS, dir, suffix string) ([]string, error) {
	if dir == "" || fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements splits on semicolons outside single quotes and drops "--" comments.
func splitStatements(src string) []string {
	var (
		out     []string
		buf     strings.Builder
		quoted  bool
		comment bool
	)
	emit := func() {
		if s := strings.TrimSpace(buf.String()); s != "" {
			out = append(out, s)
		}
		buf.Reset()
	}
	rs := []rune(src)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case comment:
			if r == '\n' {
				comment = false
				buf.WriteRune(r)
			}
		case !quoted && r == '-' && i+1 < len(rs) && rs[i+1] == '-':
			comment = true
			i++
		case r == '\'':
			quoted = !quoted
			buf.WriteRune(r)
		case r == ';' && !quoted:
			buf.WriteRune(r)
			emit()
		default:
			buf.WriteRune(r)
		}
	}
	emit()
	return out
}
