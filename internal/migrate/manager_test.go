package migrate

import (
	"context"
	"errors"
	"reflect"
	"regexp"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var fixedTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"sql/0001_users.up.sql":   {Data: []byte("create table users (id text);")},
		"sql/0001_users.down.sql": {Data: []byte("drop table users;")},
		"sql/0002_roles.up.sql": {Data: []byte(`-- roles and their links
create table roles (id text);
insert into roles values ('a;b');`)},
		"seeds/001_member.sql": {Data: []byte("insert into roles values ('member');")},
	}
}

func newMock(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewManager(db, testFS(), "sql", "seeds", WithClock(func() time.Time { return fixedTime })), mock
}

func expectEnsure(mock sqlmock.Sqlmock) {
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectLock(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta("select pg_advisory_lock($1)")).WithArgs(DefaultLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	expectEnsure(mock)
}

func expectUnlock(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta("select pg_advisory_unlock($1)")).WithArgs(DefaultLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	m, mock := newMock(t)
	expectLock(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_users.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("create table roles (id text);")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("insert into roles values ('a;b');")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_roles.up.sql", fixedTime).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	applied, err := m.Up(context.Background())
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if !reflect.DeepEqual(applied, []string{"0002_roles.up.sql"}) {
		t.Fatalf("applied = %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpRollsBackFailedFile(t *testing.T) {
	m, mock := newMock(t)
	expectLock(mock)
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("create table users").WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()
	expectUnlock(mock)

	if _, err := m.Up(context.Background()); err == nil {
		t.Fatal("expected failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDownRevertsLatest(t *testing.T) {
	m, mock := newMock(t)
	expectLock(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_users.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table users").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations").WithArgs("0001_users.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	name, err := m.Down(context.Background())
	if err != nil || name != "0001_users.up.sql" {
		t.Fatalf("down: %q %v", name, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDownRequiresHistoryAndDownFile(t *testing.T) {
	m, mock := newMock(t)
	expectLock(mock)
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	expectUnlock(mock)
	if _, err := m.Down(context.Background()); !errors.Is(err, ErrNothingApplied) {
		t.Fatalf("expected ErrNothingApplied, got %v", err)
	}

	expectLock(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_users.up.sql").AddRow("0002_roles.up.sql"))
	expectUnlock(mock)
	if _, err := m.Down(context.Background()); err == nil {
		t.Fatal("expected missing down file error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSeedAndPending(t *testing.T) {
	m, mock := newMock(t)
	expectLock(mock)
	mock.ExpectQuery("select name from schema_seeds").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("insert into roles values ('member');")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into schema_seeds").WithArgs("001_member.sql", fixedTime).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	applied, err := m.Seed(context.Background())
	if err != nil || len(applied) != 1 {
		t.Fatalf("seed: %v %v", applied, err)
	}

	expectEnsure(mock)
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_users.up.sql"))
	pending, err := m.Pending(context.Background())
	if err != nil || !reflect.DeepEqual(pending, []string{"0002_roles.up.sql"}) {
		t.Fatalf("pending: %v %v", pending, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestLockDisabled(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	m := NewManager(db, testFS(), "sql", "", WithLockKey(0), WithSeedsTable("warden_seeds"))

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists warden_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from warden_seeds").WillReturnRows(sqlmock.NewRows([]string{"name"}))

	applied, err := m.Seed(context.Background())
	if err != nil || len(applied) != 0 {
		t.Fatalf("seed without a seed dir: %v %v", applied, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"select 1; select 2;", []string{"select 1;", "select 2;"}},
		{"insert into t values ('x;y');", []string{"insert into t values ('x;y');"}},
		{"-- don't split here; please\nselect 1", []string{"select 1"}},
		{"select '--not a comment';", []string{"select '--not a comment';"}},
		{"  \n ", nil},
	}
	for _, tc := range tests {
		if got := splitStatements(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("splitStatements(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
