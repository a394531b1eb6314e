package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"warden.id/internal/ids"
	"warden.id/internal/obs"
)

const (
	tokenBytes        = 64
	defaultSessionTTL = 7 * 24 * time.Hour
)

// PermissionResolver builds the per-service permission map cached with a session.
type PermissionResolver interface {
	ResolveAll(ctx context.Context, userID string) (map[string][]string, error)
}

// SessionManager owns the session lifecycle: issuance, sliding expiration, fingerprint
// binding, revocation and the cache-aside read path. The store is always written before
// the cache.
type SessionManager struct {
	sessions SessionStore
	users    UserStore
	resolver PermissionResolver
	cache    SessionCache
	tokens   TokenHasher
	notifier Notifier
	ttl      time.Duration
	now      func() time.Time
}

// SessionOption configures SessionManager.
type SessionOption func(*SessionManager)

// WithSessionTTL sets the idle timeout after which a session is renewed on next use.
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(m *SessionManager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SessionOption {
	return func(m *SessionManager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTokenHasher overrides the token hash function.
func WithTokenHasher(h TokenHasher) SessionOption {
	return func(m *SessionManager) {
		if h != nil {
			m.tokens = h
		}
	}
}

// WithSessionNotifier sets where bulk revocations are reported.
func WithSessionNotifier(n Notifier) SessionOption {
	return func(m *SessionManager) {
		if n != nil {
			m.notifier = n
		}
	}
}

func NewSessionManager(sessions SessionStore, users UserStore, resolver PermissionResolver, cache SessionCache, opts ...SessionOption) (*SessionManager, error) {
	if sessions == nil || users == nil {
		return nil, errors.New("session manager requires session and user stores")
	}
	if resolver == nil {
		return nil, errors.New("session manager requires a permission resolver")
	}
	if cache == nil {
		return nil, errors.New("session manager requires a session cache")
	}
	m := &SessionManager{
		sessions: sessions,
		users:    users,
		resolver: resolver,
		cache:    cache,
		tokens:   SHA256TokenHasher{},
		notifier: NopNotifier{},
		ttl:      defaultSessionTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// TTL returns the configured idle timeout.
func (m *SessionManager) TTL() time.Duration { return m.ttl }

// IssueToken returns a fresh hex-encoded token carrying 512 bits of entropy.
func (m *SessionManager) IssueToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashToken derives the persisted token form.
func (m *SessionManager) HashToken(raw string) string {
	return m.tokens.HashToken(raw)
}

// NewSession builds a session bound to fp. updated_at stays unset until the first renewal.
func (m *SessionManager) NewSession(tokenHash, userID, ip string, fp Fingerprint) Session {
	fp = fp.normalize()
	return Session{
		ID:        ids.New(),
		TokenHash: tokenHash,
		UserID:    userID,
		IP:        strings.TrimSpace(ip),
		Client:    fp.Client,
		OS:        fp.OS,
		Device:    fp.Device,
		CreatedAt: m.now(),
	}
}

// IsExpired reports whether the session has been idle longer than the TTL.
func (m *SessionManager) IsExpired(s Session) bool {
	return s.Expired(m.now(), m.ttl)
}

// VerifyFingerprint compares client, os and device exactly. IP is not part of the check.
func (m *SessionManager) VerifyFingerprint(s Session, fp Fingerprint) bool {
	fp = fp.normalize()
	return s.Client == fp.Client && s.OS == fp.OS && s.Device == fp.Device
}

// RenewSession moves the activity clock to now and records the latest IP. The fingerprint
// fields are never changed after creation.
func (m *SessionManager) RenewSession(s Session, ip string) Session {
	now := m.now()
	s.UpdatedAt = &now
	if ip = strings.TrimSpace(ip); ip != "" {
		s.IP = ip
	}
	return s
}

// Start issues a token for user, persists the session and primes the cache. The raw token
// is returned exactly once.
func (m *SessionManager) Start(ctx context.Context, user User, ip string, fp Fingerprint) (string, Session, error) {
	raw, err := m.IssueToken()
	if err != nil {
		return "", Session{}, err
	}
	hash := m.HashToken(raw)
	sess, err := m.sessions.CreateSession(ctx, m.NewSession(hash, user.ID, ip, fp))
	if err != nil {
		return "", Session{}, fmt.Errorf("create session: %w", err)
	}
	sess.TokenHash = hash

	perms, err := m.resolver.ResolveAll(ctx, user.ID)
	if err != nil {
		obs.Logger().Warn("resolve permissions for new session", zap.String("user_id", user.ID), zap.Error(err))
		return raw, sess, nil
	}
	if err := m.cacheLive(ctx, SessionBundle{Session: sess, TokenHash: hash, UserState: user.State, Permissions: perms}); err != nil {
		return "", Session{}, err
	}
	return raw, sess, nil
}

// Resolve runs the cache-aside read. A fresh cache hit is returned as is. A miss, a cache
// failure or an expired hit reloads the session from the store and asks for renewal.
func (m *SessionManager) Resolve(ctx context.Context, tokenHash string) (SessionBundle, bool, error) {
	b, err := m.cache.Get(ctx, tokenHash)
	switch {
	case err == nil:
		b.Session.TokenHash = tokenHash
		if !m.IsExpired(b.Session) {
			obs.ObserveCacheLookup("hit")
			return b, false, nil
		}
		obs.ObserveCacheLookup("expired")
	case errors.Is(err, ErrCacheMiss):
		obs.ObserveCacheLookup("miss")
	default:
		obs.ObserveCacheLookup("error")
		obs.Logger().Warn("session cache read failed", zap.Error(err))
	}

	b, err = m.load(ctx, tokenHash)
	if err != nil {
		return SessionBundle{}, false, err
	}
	return b, true, nil
}

func (m *SessionManager) load(ctx context.Context, tokenHash string) (SessionBundle, error) {
	sess, err := m.sessions.GetSessionByTokenHash(ctx, tokenHash)
	if errors.Is(err, ErrNotFound) {
		return SessionBundle{}, ErrInvalidToken
	}
	if err != nil {
		return SessionBundle{}, fmt.Errorf("load session: %w", err)
	}
	sess.TokenHash = tokenHash

	user, err := m.users.GetUser(ctx, sess.UserID)
	if errors.Is(err, ErrNotFound) {
		return SessionBundle{}, ErrInvalidToken
	}
	if err != nil {
		return SessionBundle{}, fmt.Errorf("load session owner: %w", err)
	}
	perms, err := m.resolver.ResolveAll(ctx, sess.UserID)
	if err != nil {
		return SessionBundle{}, fmt.Errorf("resolve permissions: %w", err)
	}
	return SessionBundle{Session: sess, TokenHash: tokenHash, UserState: user.State, Permissions: perms}, nil
}

// Renew persists the renewed activity timestamp, then replaces the cache entry.
func (m *SessionManager) Renew(ctx context.Context, b SessionBundle, ip string) (SessionBundle, error) {
	renewed := m.RenewSession(b.Session, ip)
	if err := m.sessions.UpdateSessionActivity(ctx, renewed.ID, renewed.IP, *renewed.UpdatedAt); err != nil {
		if errors.Is(err, ErrNotFound) {
			m.evictHashes(ctx, b.TokenHash)
			return SessionBundle{}, ErrInvalidToken
		}
		return SessionBundle{}, fmt.Errorf("renew session: %w", err)
	}
	b.Session = renewed
	if err := m.cacheLive(ctx, b); err != nil {
		return SessionBundle{}, err
	}
	obs.ObserveRenewal()
	return b, nil
}

// cacheLive writes b to the cache, then confirms the session still exists in the store. A
// revocation that ran between the store write and the cache write would otherwise leave a
// cached bundle for a deleted session.
func (m *SessionManager) cacheLive(ctx context.Context, b SessionBundle) error {
	m.putCache(ctx, b)
	_, err := m.sessions.GetSessionByTokenHash(ctx, b.TokenHash)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		m.evictHashes(ctx, b.TokenHash)
		return ErrInvalidToken
	default:
		m.evictHashes(ctx, b.TokenHash)
		obs.Logger().Warn("confirm cached session", zap.String("session_id", b.Session.ID), zap.Error(err))
		return nil
	}
}

// Get returns a session by id.
func (m *SessionManager) Get(ctx context.Context, id string) (Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Session{}, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	return m.sessions.GetSession(ctx, id)
}

// ListForUser returns every live session of a user.
func (m *SessionManager) ListForUser(ctx context.Context, userID string) ([]Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return m.sessions.ListUserSessions(ctx, userID)
}

// Revoke deletes one session and evicts it from the cache before returning.
func (m *SessionManager) Revoke(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	hash, err := m.sessions.DeleteSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := m.cache.Delete(ctx, hash); err != nil {
		return fmt.Errorf("%w: evict revoked session: %v", ErrInternal, err)
	}
	obs.ObserveRevocation("single", 1)
	return nil
}

// RevokeAllForUser deletes every session of userID and evicts them from the cache. It is
// the terminal step of credential rotation and returns only once both are done.
func (m *SessionManager) RevokeAllForUser(ctx context.Context, userID, reason string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	hashes, err := m.sessions.DeleteUserSessions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("delete user sessions: %w", err)
	}
	if len(hashes) > 0 {
		if err := m.cache.Delete(ctx, hashes...); err != nil {
			return 0, fmt.Errorf("%w: evict revoked sessions: %v", ErrInternal, err)
		}
	}
	obs.ObserveRevocation(reason, len(hashes))
	if len(hashes) > 0 {
		if err := m.notifier.Publish(ctx, Event{
			Type:   EventSessionsRevoked,
			At:     m.now(),
			UserID: userID,
			Fields: map[string]string{"reason": reason, "count": fmt.Sprint(len(hashes))},
		}); err != nil {
			obs.Logger().Warn("publish revocation event", zap.Error(err))
		}
	}
	return len(hashes), nil
}

// Evict drops the cached bundles of the given users so the next lookup re-resolves state
// and permissions from the store.
func (m *SessionManager) Evict(ctx context.Context, userIDs ...string) error {
	return evictUsers(ctx, m.sessions, m.cache, userIDs...)
}

// PruneIdle deletes sessions idle for longer than retention.
func (m *SessionManager) PruneIdle(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	hashes, err := m.sessions.DeleteIdleSessions(ctx, m.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	m.evictHashes(ctx, hashes...)
	obs.ObserveRevocation("idle", len(hashes))
	return len(hashes), nil
}

func (m *SessionManager) putCache(ctx context.Context, b SessionBundle) {
	if err := m.cache.Put(ctx, b.TokenHash, b); err != nil {
		obs.Logger().Warn("session cache write failed", zap.String("session_id", b.Session.ID), zap.Error(err))
	}
}

func (m *SessionManager) evictHashes(ctx context.Context, hashes ...string) {
	if len(hashes) == 0 {
		return
	}
	if err := m.cache.Delete(ctx, hashes...); err != nil {
		obs.Logger().Warn("session cache eviction failed", zap.Error(err))
	}
}

func evictUsers(ctx context.Context, sessions SessionStore, cache SessionCache, userIDs ...string) error {
	var hashes []string
	for _, id := range dedupeStrings(userIDs) {
		list, err := sessions.ListUserSessions(ctx, id)
		if err != nil {
			return fmt.Errorf("list sessions of %s: %w", id, err)
		}
		for _, s := range list {
			hashes = append(hashes, s.TokenHash)
		}
	}
	if len(hashes) == 0 {
		return nil
	}
	return cache.Delete(ctx, hashes...)
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
