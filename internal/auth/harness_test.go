package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"warden.id/internal/auth"
	"warden.id/internal/store/memory"
)

const testTTL = 24 * time.Hour

// fastHasher keeps argon2 cheap enough for unit tests.
var fastHasher = auth.Argon2Hasher{Memory: 1024, Iterations: 1, Parallelism: 1, KeyLength: 16, SaltLength: 8}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []auth.Event
}

func (n *recordingNotifier) Publish(_ context.Context, e auth.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) Of(t auth.EventType) []auth.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []auth.Event
	for _, e := range n.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type engine struct {
	clock    *clock
	store    *memory.Store
	cache    *memory.Cache
	codes    *memory.CodeStore
	notifier *recordingNotifier
	rbac     *auth.RBACService
	sessions *auth.SessionManager
	intro    *auth.Introspector
	accounts *auth.AccountService
	sync     *auth.Synchronizer
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	e := &engine{
		clock:    &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		cache:    memory.NewCache(1000, time.Hour),
		codes:    memory.NewCodeStore(100, 15*time.Minute),
		notifier: &recordingNotifier{},
	}
	e.store = memory.New(memory.WithClock(e.clock.Now))

	var err error
	e.rbac, err = auth.NewRBACService(e.store, e.cache)
	require.NoError(t, err)
	e.sessions, err = auth.NewSessionManager(e.store, e.store, e.rbac, e.cache,
		auth.WithSessionTTL(testTTL),
		auth.WithClock(e.clock.Now),
		auth.WithSessionNotifier(e.notifier),
	)
	require.NoError(t, err)
	e.intro, err = auth.NewIntrospector(e.sessions, auth.WithNotifier(e.notifier))
	require.NoError(t, err)
	e.accounts, err = auth.NewAccountService(e.store, e.sessions, fastHasher, e.codes,
		auth.WithAccountNotifier(e.notifier),
		auth.WithAccountClock(e.clock.Now),
	)
	require.NoError(t, err)
	e.sync, err = auth.NewSynchronizer(e.store)
	require.NoError(t, err)
	return e
}

var laptop = auth.Fingerprint{Client: "Firefox", OS: "Linux", Device: "desktop"}

func (e *engine) user(t *testing.T, username string, state auth.UserState) auth.User {
	t.Helper()
	hash, err := fastHasher.Hash("secret123")
	require.NoError(t, err)
	u, err := e.store.CreateUser(context.Background(), auth.NewUser{
		Username:     username,
		Email:        username + "@example.com",
		State:        state,
		PasswordHash: hash,
	})
	require.NoError(t, err)
	return u
}

// grant syncs perms under service and gives them to user through a fresh role.
func (e *engine) grant(t *testing.T, userID, service string, perms ...string) auth.Role {
	t.Helper()
	ctx := context.Background()
	res, err := e.sync.SyncService(ctx, service, perms)
	require.NoError(t, err)
	all, err := e.rbac.ServicePermissions(ctx, res.Service.ID)
	require.NoError(t, err)

	want := map[string]bool{}
	for _, p := range perms {
		want[p] = true
	}
	var ids []string
	for _, p := range all {
		if want[p.TextID] {
			ids = append(ids, p.ID)
		}
	}
	role, err := e.rbac.CreateRole(ctx, service+"-"+userID, "")
	require.NoError(t, err)
	require.NoError(t, e.rbac.LinkRolePermissions(ctx, role.ID, ids))
	require.NoError(t, e.rbac.LinkRoleUser(ctx, role.ID, userID))
	return role
}

func (e *engine) login(t *testing.T, user auth.User) (string, auth.Session) {
	t.Helper()
	token, sess, err := e.sessions.Start(context.Background(), user, "192.0.2.10", laptop)
	require.NoError(t, err)
	return token, sess
}

func (e *engine) introspect(token string, fp auth.Fingerprint, service string) (auth.Introspection, error) {
	return e.intro.Introspect(context.Background(), auth.IntrospectRequest{
		Token:       token,
		Fingerprint: fp,
		IP:          "192.0.2.10",
		Service:     service,
	})
}
