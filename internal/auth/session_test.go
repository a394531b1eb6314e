package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden.id/internal/auth"
	"warden.id/internal/store/memory"
)

func TestIssuedTokensAreUnique(t *testing.T) {
	e := newEngine(t)
	tokens := make(map[string]struct{}, 10000)
	hashes := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		tok, err := e.sessions.IssueToken()
		require.NoError(t, err)
		require.Len(t, tok, 128)
		tokens[tok] = struct{}{}
		hashes[e.sessions.HashToken(tok)] = struct{}{}
	}
	assert.Len(t, tokens, 10000)
	assert.Len(t, hashes, 10000)
}

func TestStartStoresOnlyTheHash(t *testing.T) {
	e := newEngine(t)
	u := e.user(t, "alice", auth.StateActive)
	token, sess := e.login(t, u)

	stored, err := e.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.NotEqual(t, token, stored.TokenHash)
	assert.Equal(t, e.sessions.HashToken(token), stored.TokenHash)
	assert.Nil(t, stored.UpdatedAt)
	assert.Equal(t, "Firefox", stored.Client)
}

func TestColdAndWarmLookupsAgree(t *testing.T) {
	e := newEngine(t)
	u := e.user(t, "alice", auth.StateActive)
	e.grant(t, u.ID, "billing", "read", "write")
	token, _ := e.login(t, u)

	warm, err := e.introspect(token, laptop, "")
	require.NoError(t, err)

	require.NoError(t, e.cache.Delete(context.Background(), e.sessions.HashToken(token)))
	cold, err := e.introspect(token, laptop, "")
	require.NoError(t, err)

	assert.Equal(t, warm, cold)
	assert.Equal(t, []string{"read", "write"}, cold.Permissions["billing"])
	assert.Equal(t, 1, e.cache.Len())
}

func TestSlidingExpiration(t *testing.T) {
	e := newEngine(t)
	u := e.user(t, "alice", auth.StateActive)
	token, sess := e.login(t, u)
	ctx := context.Background()

	e.clock.Advance(testTTL - time.Second)
	_, err := e.introspect(token, laptop, "")
	require.NoError(t, err)
	stored, err := e.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.UpdatedAt, "a fresh session is not renewed")

	e.clock.Advance(2 * time.Second)
	at := e.clock.Now()
	_, err = e.introspect(token, laptop, "")
	require.NoError(t, err)
	stored, err = e.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.UpdatedAt)
	assert.True(t, stored.UpdatedAt.Equal(at))

	cached, err := e.cache.Get(ctx, e.sessions.HashToken(token))
	require.NoError(t, err)
	require.NotNil(t, cached.Session.UpdatedAt)
	assert.True(t, cached.Session.UpdatedAt.Equal(at))
	assert.False(t, e.sessions.IsExpired(cached.Session))
}

func TestFingerprintBinding(t *testing.T) {
	tests := []struct {
		name   string
		change func(*auth.Fingerprint)
	}{
		{"client", func(fp *auth.Fingerprint) { fp.Client = "Chrome" }},
		{"os", func(fp *auth.Fingerprint) { fp.OS = "Windows" }},
		{"device", func(fp *auth.Fingerprint) { fp.Device = "phone" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEngine(t)
			u := e.user(t, "alice", auth.StateActive)
			token, sess := e.login(t, u)

			other := laptop
			tc.change(&other)
			_, err := e.introspect(token, other, "")
			assert.ErrorIs(t, err, auth.ErrFingerprintMismatch)
			assert.ErrorIs(t, err, auth.ErrAuthenticationRequired)

			events := e.notifier.Of(auth.EventFingerprintMismatch)
			require.Len(t, events, 1)
			assert.Equal(t, sess.ID, events[0].SessionID)

			res, err := e.intro.Introspect(context.Background(), auth.IntrospectRequest{
				Token:       token,
				Fingerprint: auth.Fingerprint{Client: " Firefox ", OS: "Linux", Device: "desktop"},
				IP:          "203.0.113.7",
			})
			require.NoError(t, err, "a new IP alone does not break the binding")
			assert.Equal(t, sess.ID, res.SessionID)
		})
	}
}

// revokingStore revokes the session owner's sessions right after a renewal reached the
// store and before the cache is written.
type revokingStore struct {
	*memory.Store
	afterRenew func()
}

func (s *revokingStore) UpdateSessionActivity(ctx context.Context, id, ip string, at time.Time) error {
	if err := s.Store.UpdateSessionActivity(ctx, id, ip, at); err != nil {
		return err
	}
	if s.afterRenew != nil {
		s.afterRenew()
	}
	return nil
}

func TestRevocationDuringRenewalSticks(t *testing.T) {
	e := newEngine(t)
	u := e.user(t, "alice", auth.StateActive)
	token, _ := e.login(t, u)
	ctx := context.Background()

	racing := &revokingStore{Store: e.store}
	sessions, err := auth.NewSessionManager(racing, e.store, e.rbac, e.cache,
		auth.WithSessionTTL(testTTL), auth.WithClock(e.clock.Now))
	require.NoError(t, err)
	intro, err := auth.NewIntrospector(sessions)
	require.NoError(t, err)
	racing.afterRenew = func() {
		n, err := e.sessions.RevokeAllForUser(ctx, u.ID, "password_change")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	e.clock.Advance(testTTL + time.Minute)
	req := auth.IntrospectRequest{Token: token, Fingerprint: laptop}
	_, err = intro.Introspect(ctx, req)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	racing.afterRenew = nil
	_, err = intro.Introspect(ctx, req)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
	_, err = e.cache.Get(ctx, e.sessions.HashToken(token))
	assert.ErrorIs(t, err, auth.ErrCacheMiss)
}

func TestUnknownAndMissingTokens(t *testing.T) {
	e := newEngine(t)
	_, err := e.introspect("", laptop, "")
	assert.ErrorIs(t, err, auth.ErrAuthenticationRequired)
	assert.NotErrorIs(t, err, auth.ErrInvalidToken)

	_, err = e.introspect("deadbeef", laptop, "")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestRevokeIsImmediate(t *testing.T) {
	e := newEngine(t)
	u := e.user(t, "alice", auth.StateActive)
	token, sess := e.login(t, u)
	_, err := e.introspect(token, laptop, "")
	require.NoError(t, err)

	require.NoError(t, e.sessions.Revoke(context.Background(), sess.ID))
	_, err = e.introspect(token, laptop, "")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	assert.ErrorIs(t, e.sessions.Revoke(context.Background(), sess.ID), auth.ErrNotFound)
}

func TestRevokeAllForUser(t *testing.T) {
	e := newEngine(t)
	u := e.user(t, "alice", auth.StateActive)
	bob := e.user(t, "bobby", auth.StateActive)
	var tokens []string
	for i := 0; i < 3; i++ {
		tok, _ := e.login(t, u)
		_, err := e.introspect(tok, laptop, "")
		require.NoError(t, err)
		tokens = append(tokens, tok)
	}
	bobToken, _ := e.login(t, bob)

	n, err := e.sessions.RevokeAllForUser(context.Background(), u.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for _, tok := range tokens {
		_, err := e.introspect(tok, laptop, "")
		assert.ErrorIs(t, err, auth.ErrInvalidToken)
	}
	_, err = e.introspect(bobToken, laptop, "")
	assert.NoError(t, err)

	events := e.notifier.Of(auth.EventSessionsRevoked)
	require.Len(t, events, 1)
	assert.Equal(t, "3", events[0].Fields["count"])
}

func TestPruneIdle(t *testing.T) {
	e := newEngine(t)
	u := e.user(t, "alice", auth.StateActive)
	stale, _ := e.login(t, u)
	e.clock.Advance(20 * 24 * time.Hour)
	fresh, _ := e.login(t, u)

	n, err := e.sessions.PruneIdle(context.Background(), 14*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.introspect(stale, laptop, "")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
	_, err = e.introspect(fresh, laptop, "")
	assert.NoError(t, err)

	n, err = e.sessions.PruneIdle(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStateChangeReachesCachedSessions(t *testing.T) {
	e := newEngine(t)
	u := e.user(t, "alice", auth.StateInactive)
	token, _ := e.login(t, u)
	res, err := e.introspect(token, laptop, "")
	require.NoError(t, err)
	assert.Equal(t, auth.StateInactive, res.UserState)

	admin := auth.NewSubject("admin", "s", auth.StateActive, []string{auth.UpdateUser.String()})
	banned := auth.StateBanned
	_, err = e.accounts.UpdateUser(context.Background(), admin, u.ID, auth.UserUpdate{State: &banned})
	require.NoError(t, err)

	res, err = e.introspect(token, laptop, "")
	require.NoError(t, err)
	assert.Equal(t, auth.StateBanned, res.UserState)
}
