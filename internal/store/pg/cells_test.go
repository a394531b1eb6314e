package pg

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden.id/internal/auth"
)

func TestBootstrapSentinel(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("select exists").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("insert into init_state").WithArgs(now).WillReturnResult(sqlmock.NewResult(0, 1))

	done, err := s.Bootstrapped(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	assert.NoError(t, s.MarkBootstrapped(context.Background()))
}

func TestMarkBootstrappedMapsErrors(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("insert into init_state").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	assert.ErrorIs(t, s.MarkBootstrapped(context.Background()), auth.ErrConflict)
}
