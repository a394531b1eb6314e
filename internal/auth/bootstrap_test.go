package auth_test

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden.id/internal/auth"
	"warden.id/internal/store/memory"
)

// crashingStore fails the sentinel write, leaving everything before it in place.
type crashingStore struct {
	*memory.Store
}

func (crashingStore) MarkBootstrapped(context.Context) error {
	return errors.New("process killed")
}

func TestBootstrapCreatesControlAccount(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	b, err := auth.NewBootstrapper(e.store, fastHasher, "warden")
	require.NoError(t, err)

	res, err := b.Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	assertPasswordPolicy(t, res.Password)

	user, err := e.store.GetUserByUsername(ctx, auth.ControlUsername)
	require.NoError(t, err)
	assert.Equal(t, auth.StateActive, user.State)
	assert.Equal(t, res.UserID, user.ID)

	got, err := e.rbac.ResolvePermissions(ctx, user.ID, "warden")
	require.NoError(t, err)
	want := auth.PermNames(auth.ControlPerms())
	sort.Strings(want)
	assert.Equal(t, want, got)

	svc, err := e.store.GetServiceByTextID(ctx, "warden")
	require.NoError(t, err)
	catalog, err := e.rbac.ServicePermissions(ctx, svc.ID)
	require.NoError(t, err)
	assert.Len(t, catalog, len(auth.AllPerms()))

	login, err := e.accounts.Login(ctx, auth.LoginInput{Username: "CONTROL", Password: res.Password, Fingerprint: laptop})
	require.NoError(t, err)
	assert.Equal(t, user.ID, login.User.ID)

	again, err := b.Run(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestBootstrapRecoversFromCrashBeforeSentinel(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	crashing, err := auth.NewBootstrapper(crashingStore{e.store}, fastHasher, "warden")
	require.NoError(t, err)
	_, err = crashing.Run(ctx)
	require.Error(t, err)
	done, err := e.store.Bootstrapped(ctx)
	require.NoError(t, err)
	assert.False(t, done)

	b, err := auth.NewBootstrapper(e.store, fastHasher, "warden")
	require.NoError(t, err)
	res, err := b.Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)

	roles, err := e.rbac.ListRoles(ctx, auth.FirstPage())
	require.NoError(t, err)
	assert.Len(t, roles, 1)
	assert.Equal(t, auth.ControlRoleTitle, roles[0].Title)

	members, err := e.store.ListRoleUserIDs(ctx, roles[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{res.UserID}, members)

	services, err := e.rbac.ListServices(ctx, auth.FirstPage())
	require.NoError(t, err)
	require.Len(t, services, 1)
	catalog, err := e.rbac.ServicePermissions(ctx, services[0].ID)
	require.NoError(t, err)
	assert.Len(t, catalog, len(auth.AllPerms()))

	_, err = e.accounts.Login(ctx, auth.LoginInput{Username: "control", Password: res.Password, Fingerprint: laptop})
	assert.NoError(t, err, "the password from the completed run is the valid one")
}

func TestBootstrapStillSyncsCatalogAfterSentinel(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	require.NoError(t, e.store.MarkBootstrapped(ctx))

	b, err := auth.NewBootstrapper(e.store, fastHasher, "warden")
	require.NoError(t, err)
	res, err := b.Run(ctx)
	require.NoError(t, err)
	assert.Nil(t, res)

	_, err = e.store.GetUserByUsername(ctx, auth.ControlUsername)
	assert.ErrorIs(t, err, auth.ErrNotFound)
	_, err = e.store.GetServiceByTextID(ctx, "warden")
	assert.NoError(t, err)
}

func assertPasswordPolicy(t *testing.T, password string) {
	t.Helper()
	require.Len(t, password, 12)
	var digits, upper int
	for _, r := range password {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r >= 'A' && r <= 'Z':
			upper++
		case r >= 'a' && r <= 'z':
		default:
			t.Fatalf("unexpected character %q in %q", r, password)
		}
	}
	assert.GreaterOrEqual(t, digits, 2)
	assert.GreaterOrEqual(t, upper, 2)
}
